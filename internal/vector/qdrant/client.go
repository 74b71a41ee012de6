package qdrant

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"

	"github.com/kbdoc/backend/internal/metrics"
	"github.com/kbdoc/backend/internal/storage/models"
	"github.com/kbdoc/backend/internal/vector"
	"github.com/kbdoc/backend/pkg/apperr"
	"github.com/kbdoc/backend/pkg/circuitbreaker"
	"github.com/kbdoc/backend/pkg/logger"
	"github.com/kbdoc/backend/pkg/retry"
)

const (
	keyChunkID   = "chunk_id"
	keyDocID     = "doc_id"
	keyKbID      = "kb_id"
	keyDocName   = "docnm_kwd"
	keyContent   = "content_with_weight"
	keyAvailable = "available_int"
	keyTokenNum  = "token_num"
	keyCreated   = "create_time"

	scrollPage = 256
)

// Client keeps one qdrant collection per tenant index. Chunk ids are mapped
// onto deterministic UUIDs because qdrant point ids must be UUIDs or integers.
type Client struct {
	client      *qdrant.Client
	vectorDim   uint64
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config

	mu    sync.Mutex
	known map[string]struct{}
}

func NewClient(host string, port int, apiKey string, useTLS bool, vectorDim int) (*Client, error) {
	qc, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: apiKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	logger.Info("Qdrant index client initialized",
		zap.String("host", host),
		zap.Int("port", port),
	)

	return &Client{
		client:    qc,
		vectorDim: uint64(vectorDim),
		cb: circuitbreaker.NewCircuitBreaker("index", circuitbreaker.Config{
			MaxRequests:      3,
			Interval:         time.Minute,
			Timeout:          30 * time.Second,
			FailureThreshold: 5,
			SuccessThreshold: 2,
			Logger:           logger.GetLogger(),
		}),
		retryConfig: retry.Config{
			MaxAttempts:    3,
			InitialDelay:   200 * time.Millisecond,
			MaxDelay:       2 * time.Second,
			Multiplier:     2.0,
			JitterFraction: 0.1,
			ShouldRetry:    func(err error) bool { return !errors.Is(err, circuitbreaker.ErrCircuitOpen) },
			Logger:         logger.GetLogger(),
		},
		known: make(map[string]struct{}),
	}, nil
}

func (q *Client) Close() error {
	return q.client.Close()
}

func (q *Client) idempotent(ctx context.Context, op string, fn func() error) error {
	err := retry.Do(ctx, q.retryConfig, func() error {
		return q.cb.Execute(ctx, fn)
	})
	if err != nil {
		metrics.StoreErrors.WithLabelValues("index").Inc()
		return apperr.Storage("index", op, err)
	}
	return nil
}

func (q *Client) once(ctx context.Context, op string, fn func() error) error {
	if err := q.cb.Execute(ctx, fn); err != nil {
		metrics.StoreErrors.WithLabelValues("index").Inc()
		return apperr.Storage("index", op, err)
	}
	return nil
}

func (q *Client) exists(ctx context.Context, collection string) (bool, error) {
	q.mu.Lock()
	_, ok := q.known[collection]
	q.mu.Unlock()
	if ok {
		return true, nil
	}

	ok, err := q.client.CollectionExists(ctx, collection)
	if err != nil {
		return false, fmt.Errorf("failed to check collection: %w", err)
	}
	if ok {
		q.remember(collection)
	}
	return ok, nil
}

func (q *Client) remember(collection string) {
	q.mu.Lock()
	q.known[collection] = struct{}{}
	q.mu.Unlock()
}

func (q *Client) ensureCollection(ctx context.Context, collection string) error {
	ok, err := q.exists(ctx, collection)
	if err != nil || ok {
		return err
	}

	err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     q.vectorDim,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	for _, field := range []string{keyDocID, keyKbID} {
		_, err := q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: collection,
			FieldName:      field,
			FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
			Wait:           ptr(true),
		})
		if err != nil {
			return fmt.Errorf("failed to index payload field %s: %w", field, err)
		}
	}

	q.remember(collection)
	logger.Info("Tenant collection created", zap.String("collection", collection))
	return nil
}

func matchFilter(key, value string) *qdrant.Filter {
	return &qdrant.Filter{
		Must: []*qdrant.Condition{qdrant.NewMatch(key, value)},
	}
}

// PointID maps a chunk id onto the UUID qdrant stores it under.
func PointID(chunkID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(chunkID)).String()
}

func (q *Client) Insert(ctx context.Context, index string, chunks []models.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	points, err := toPoints(chunks, q.vectorDim)
	if err != nil {
		return apperr.Validation("%v", err)
	}

	return q.once(ctx, "insert", func() error {
		if err := q.ensureCollection(ctx, index); err != nil {
			return err
		}
		_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: index,
			Wait:           ptr(true),
			Points:         points,
		})
		if err != nil {
			return fmt.Errorf("failed to upsert points: %w", err)
		}
		logger.Info("Chunks inserted", zap.String("collection", index), zap.Int("count", len(points)))
		return nil
	})
}

func toPoints(chunks []models.Chunk, dim uint64) ([]*qdrant.PointStruct, error) {
	points := make([]*qdrant.PointStruct, 0, len(chunks))
	for _, ch := range chunks {
		if uint64(len(ch.Vector)) != dim {
			return nil, fmt.Errorf("chunk %s has vector dim %d, want %d", ch.ID, len(ch.Vector), dim)
		}
		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(PointID(ch.ID)),
			Vectors: qdrant.NewVectors(ch.Vector...),
			Payload: qdrant.NewValueMap(chunkPayload(ch)),
		})
	}
	return points, nil
}

func chunkPayload(ch models.Chunk) map[string]any {
	return map[string]any{
		keyChunkID:   ch.ID,
		keyDocID:     ch.DocID,
		keyKbID:      ch.KbID,
		keyDocName:   ch.DocName,
		keyContent:   ch.Content,
		keyAvailable: vector.AvailableInt(ch.Available),
		keyTokenNum:  int64(ch.TokenNum),
		keyCreated:   ch.CreatedAt.Unix(),
	}
}

// DeleteByDocID is idempotent: a missing collection or an empty match is success.
func (q *Client) DeleteByDocID(ctx context.Context, index, docID string) error {
	return q.idempotent(ctx, "delete", func() error {
		ok, err := q.exists(ctx, index)
		if err != nil || !ok {
			return err
		}
		_, err = q.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: index,
			Wait:           ptr(true),
			Points:         qdrant.NewPointsSelectorFilter(matchFilter(keyDocID, docID)),
		})
		if err != nil {
			return fmt.Errorf("failed to delete points: %w", err)
		}
		logger.Debug("Chunks deleted", zap.String("collection", index), zap.String("doc_id", docID))
		return nil
	})
}

func (q *Client) PatchByDocID(ctx context.Context, index, docID string, patch vector.ChunkPatch) error {
	if patch.IsEmpty() {
		return nil
	}

	return q.idempotent(ctx, "patch", func() error {
		ok, err := q.exists(ctx, index)
		if err != nil || !ok {
			return err
		}
		_, err = q.client.SetPayload(ctx, &qdrant.SetPayloadPoints{
			CollectionName: index,
			Wait:           ptr(true),
			Payload:        qdrant.NewValueMap(patchPayload(patch)),
			PointsSelector: qdrant.NewPointsSelectorFilter(matchFilter(keyDocID, docID)),
		})
		if err != nil {
			return fmt.Errorf("failed to set payload: %w", err)
		}
		return nil
	})
}

func patchPayload(patch vector.ChunkPatch) map[string]any {
	out := make(map[string]any, 1)
	if patch.Available != nil {
		out[keyAvailable] = vector.AvailableInt(*patch.Available)
	}
	return out
}

// scroll walks every point matching filter. The offset point is inclusive,
// so every page after the first drops its leading point.
func (q *Client) scroll(ctx context.Context, index string, filter *qdrant.Filter, visit func(*qdrant.RetrievedPoint)) error {
	var offset *qdrant.PointId
	for {
		limit := uint32(scrollPage)
		if offset != nil {
			limit++
		}
		points, err := q.client.Scroll(ctx, &qdrant.ScrollPoints{
			CollectionName: index,
			Filter:         filter,
			Offset:         offset,
			Limit:          &limit,
			WithPayload:    qdrant.NewWithPayload(true),
		})
		if err != nil {
			return fmt.Errorf("failed to scroll points: %w", err)
		}

		page := points
		if offset != nil && len(page) > 0 {
			page = page[1:]
		}
		for _, p := range page {
			visit(p)
		}
		if len(page) < scrollPage {
			return nil
		}
		offset = points[len(points)-1].GetId()
	}
}

func (q *Client) ListByDocID(ctx context.Context, index, docID string) ([]models.Chunk, error) {
	chunks := []models.Chunk{}
	err := q.once(ctx, "list", func() error {
		ok, err := q.exists(ctx, index)
		if err != nil || !ok {
			return err
		}
		return q.scroll(ctx, index, matchFilter(keyDocID, docID), func(p *qdrant.RetrievedPoint) {
			chunks = append(chunks, payloadChunk(p.GetPayload()))
		})
	})
	if err != nil {
		return nil, err
	}
	return chunks, nil
}

func (q *Client) DocIDsByKB(ctx context.Context, index, kbID string) ([]string, error) {
	ids := []string{}
	seen := map[string]struct{}{}
	err := q.once(ctx, "list doc ids", func() error {
		ok, err := q.exists(ctx, index)
		if err != nil || !ok {
			return err
		}
		return q.scroll(ctx, index, matchFilter(keyKbID, kbID), func(p *qdrant.RetrievedPoint) {
			id := p.GetPayload()[keyDocID].GetStringValue()
			if _, dup := seen[id]; dup {
				return
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		})
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func payloadChunk(payload map[string]*qdrant.Value) models.Chunk {
	return models.Chunk{
		ID:        payload[keyChunkID].GetStringValue(),
		DocID:     payload[keyDocID].GetStringValue(),
		KbID:      payload[keyKbID].GetStringValue(),
		DocName:   payload[keyDocName].GetStringValue(),
		Content:   payload[keyContent].GetStringValue(),
		Available: payload[keyAvailable].GetIntegerValue() == 1,
		TokenNum:  int(payload[keyTokenNum].GetIntegerValue()),
		CreatedAt: time.Unix(payload[keyCreated].GetIntegerValue(), 0),
	}
}

func ptr[T any](v T) *T {
	return &v
}
