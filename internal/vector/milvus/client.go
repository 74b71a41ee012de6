package milvus

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
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
	fieldChunkID   = "chunk_id"
	fieldDocID     = "doc_id"
	fieldKbID      = "kb_id"
	fieldDocName   = "docnm_kwd"
	fieldContent   = "content_with_weight"
	fieldAvailable = "available_int"
	fieldTokenNum  = "token_num"
	fieldCreated   = "create_time"
	fieldVector    = "q_vec"
)

var scalarFields = []string{fieldChunkID, fieldDocID, fieldKbID, fieldDocName, fieldContent, fieldAvailable, fieldTokenNum, fieldCreated}

// Client keeps one collection per tenant index.
type Client struct {
	client      client.Client
	vectorDim   int
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config

	mu     sync.Mutex
	loaded map[string]struct{}
}

func NewClient(ctx context.Context, endpoint, username, password string, vectorDim int) (*Client, error) {
	c, err := client.NewClient(ctx, client.Config{
		Address:  endpoint,
		Username: username,
		Password: password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	logger.Info("Milvus index client initialized",
		zap.String("endpoint", endpoint),
		zap.Int("vector_dim", vectorDim),
	)

	return &Client{
		client:    c,
		vectorDim: vectorDim,
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
		loaded: make(map[string]struct{}),
	}, nil
}

func (m *Client) Close() error {
	return m.client.Close()
}

// idempotent runs a naturally idempotent mutation with retries.
func (m *Client) idempotent(ctx context.Context, op string, fn func() error) error {
	err := retry.Do(ctx, m.retryConfig, func() error {
		return m.cb.Execute(ctx, fn)
	})
	if err != nil {
		metrics.StoreErrors.WithLabelValues("index").Inc()
		return apperr.Storage("index", op, err)
	}
	return nil
}

func (m *Client) once(ctx context.Context, op string, fn func() error) error {
	if err := m.cb.Execute(ctx, fn); err != nil {
		metrics.StoreErrors.WithLabelValues("index").Inc()
		return apperr.Storage("index", op, err)
	}
	return nil
}

func (m *Client) hasCollection(ctx context.Context, collection string) (bool, error) {
	m.mu.Lock()
	_, ok := m.loaded[collection]
	m.mu.Unlock()
	if ok {
		return true, nil
	}

	has, err := m.client.HasCollection(ctx, collection)
	if err != nil {
		return false, fmt.Errorf("failed to check collection: %w", err)
	}
	if has {
		m.markLoaded(collection)
	}
	return has, nil
}

func (m *Client) markLoaded(collection string) {
	m.mu.Lock()
	m.loaded[collection] = struct{}{}
	m.mu.Unlock()
}

func (m *Client) ensureCollection(ctx context.Context, collection string) error {
	has, err := m.hasCollection(ctx, collection)
	if err != nil || has {
		return err
	}

	if err := m.client.CreateCollection(ctx, collectionSchema(collection, m.vectorDim), entity.DefaultShardNumber); err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	idx, err := entity.NewIndexIvfFlat(entity.IP, 1024)
	if err != nil {
		return fmt.Errorf("failed to build index params: %w", err)
	}
	if err := m.client.CreateIndex(ctx, collection, fieldVector, idx, false); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	if err := m.client.LoadCollection(ctx, collection, false); err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}

	m.markLoaded(collection)
	logger.Info("Tenant collection created", zap.String("collection", collection))
	return nil
}

func collectionSchema(collection string, dim int) *entity.Schema {
	varchar := func(name string, max int, pk bool) *entity.Field {
		return &entity.Field{
			Name:       name,
			DataType:   entity.FieldTypeVarChar,
			PrimaryKey: pk,
			TypeParams: map[string]string{"max_length": strconv.Itoa(max)},
		}
	}

	return &entity.Schema{
		CollectionName: collection,
		Description:    "Parsed document chunks of one tenant",
		Fields: []*entity.Field{
			varchar(fieldChunkID, 64, true),
			varchar(fieldDocID, 64, false),
			varchar(fieldKbID, 64, false),
			varchar(fieldDocName, 512, false),
			varchar(fieldContent, 65535, false),
			{Name: fieldAvailable, DataType: entity.FieldTypeInt64},
			{Name: fieldTokenNum, DataType: entity.FieldTypeInt64},
			{Name: fieldCreated, DataType: entity.FieldTypeInt64},
			{
				Name:       fieldVector,
				DataType:   entity.FieldTypeFloatVector,
				TypeParams: map[string]string{"dim": strconv.Itoa(dim)},
			},
		},
	}
}

func eqExpr(field, value string) string {
	return fmt.Sprintf("%s == %s", field, strconv.Quote(value))
}

func (m *Client) Insert(ctx context.Context, index string, chunks []models.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	columns, err := chunkColumns(chunks, m.vectorDim)
	if err != nil {
		return apperr.Validation("%v", err)
	}

	return m.once(ctx, "insert", func() error {
		if err := m.ensureCollection(ctx, index); err != nil {
			return err
		}
		if _, err := m.client.Insert(ctx, index, "", columns...); err != nil {
			return fmt.Errorf("failed to insert chunks: %w", err)
		}
		if err := m.client.Flush(ctx, index, false); err != nil {
			return fmt.Errorf("failed to flush: %w", err)
		}
		logger.Info("Chunks inserted", zap.String("collection", index), zap.Int("count", len(chunks)))
		return nil
	})
}

func chunkColumns(chunks []models.Chunk, dim int) ([]entity.Column, error) {
	n := len(chunks)
	ids := make([]string, n)
	docIDs := make([]string, n)
	kbIDs := make([]string, n)
	names := make([]string, n)
	contents := make([]string, n)
	available := make([]int64, n)
	tokens := make([]int64, n)
	created := make([]int64, n)
	vectors := make([][]float32, n)

	for i, ch := range chunks {
		if len(ch.Vector) != dim {
			return nil, fmt.Errorf("chunk %s has vector dim %d, want %d", ch.ID, len(ch.Vector), dim)
		}
		ids[i] = ch.ID
		docIDs[i] = ch.DocID
		kbIDs[i] = ch.KbID
		names[i] = ch.DocName
		contents[i] = ch.Content
		available[i] = vector.AvailableInt(ch.Available)
		tokens[i] = int64(ch.TokenNum)
		created[i] = ch.CreatedAt.Unix()
		vectors[i] = ch.Vector
	}

	return []entity.Column{
		entity.NewColumnVarChar(fieldChunkID, ids),
		entity.NewColumnVarChar(fieldDocID, docIDs),
		entity.NewColumnVarChar(fieldKbID, kbIDs),
		entity.NewColumnVarChar(fieldDocName, names),
		entity.NewColumnVarChar(fieldContent, contents),
		entity.NewColumnInt64(fieldAvailable, available),
		entity.NewColumnInt64(fieldTokenNum, tokens),
		entity.NewColumnInt64(fieldCreated, created),
		entity.NewColumnFloatVector(fieldVector, dim, vectors),
	}, nil
}

// DeleteByDocID is idempotent: a missing collection or an empty match is success.
func (m *Client) DeleteByDocID(ctx context.Context, index, docID string) error {
	return m.idempotent(ctx, "delete", func() error {
		has, err := m.hasCollection(ctx, index)
		if err != nil || !has {
			return err
		}
		if err := m.client.Delete(ctx, index, "", eqExpr(fieldDocID, docID)); err != nil {
			return fmt.Errorf("failed to delete chunks: %w", err)
		}
		logger.Debug("Chunks deleted", zap.String("collection", index), zap.String("doc_id", docID))
		return nil
	})
}

// PatchByDocID rewrites fields on every chunk of docID. Milvus has no partial
// update, so matching rows are read back in full and upserted with the
// patched column.
func (m *Client) PatchByDocID(ctx context.Context, index, docID string, patch vector.ChunkPatch) error {
	if patch.IsEmpty() {
		return nil
	}

	return m.idempotent(ctx, "patch", func() error {
		has, err := m.hasCollection(ctx, index)
		if err != nil || !has {
			return err
		}

		rs, err := m.client.Query(ctx, index, nil, eqExpr(fieldDocID, docID), append(scalarFields, fieldVector))
		if err != nil {
			return fmt.Errorf("failed to query chunks: %w", err)
		}
		columns, n := patchColumns(rs, patch)
		if n == 0 {
			return nil
		}
		if _, err := m.client.Upsert(ctx, index, "", columns...); err != nil {
			return fmt.Errorf("failed to upsert chunks: %w", err)
		}
		logger.Debug("Chunks patched", zap.String("collection", index), zap.String("doc_id", docID), zap.Int("count", n))
		return nil
	})
}

// patchColumns swaps patched fields in a query result. It returns the row count.
func patchColumns(rs []entity.Column, patch vector.ChunkPatch) ([]entity.Column, int) {
	n := 0
	out := make([]entity.Column, 0, len(rs))
	for _, col := range rs {
		if col.Len() > n {
			n = col.Len()
		}
	}
	for _, col := range rs {
		if col.Name() == fieldAvailable && patch.Available != nil {
			vals := make([]int64, col.Len())
			for i := range vals {
				vals[i] = vector.AvailableInt(*patch.Available)
			}
			out = append(out, entity.NewColumnInt64(fieldAvailable, vals))
			continue
		}
		out = append(out, col)
	}
	return out, n
}

func (m *Client) ListByDocID(ctx context.Context, index, docID string) ([]models.Chunk, error) {
	var chunks []models.Chunk
	err := m.once(ctx, "list", func() error {
		has, err := m.hasCollection(ctx, index)
		if err != nil || !has {
			return err
		}
		rs, err := m.client.Query(ctx, index, nil, eqExpr(fieldDocID, docID), scalarFields)
		if err != nil {
			return fmt.Errorf("failed to query chunks: %w", err)
		}
		chunks, err = rowsToChunks(rs)
		return err
	})
	if err != nil {
		return nil, err
	}
	if chunks == nil {
		chunks = []models.Chunk{}
	}
	return chunks, nil
}

func (m *Client) DocIDsByKB(ctx context.Context, index, kbID string) ([]string, error) {
	var ids []string
	err := m.once(ctx, "list doc ids", func() error {
		has, err := m.hasCollection(ctx, index)
		if err != nil || !has {
			return err
		}
		rs, err := m.client.Query(ctx, index, nil, eqExpr(fieldKbID, kbID), []string{fieldDocID})
		if err != nil {
			return fmt.Errorf("failed to query doc ids: %w", err)
		}
		ids, err = distinctStrings(rs.GetColumn(fieldDocID))
		return err
	})
	if err != nil {
		return nil, err
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

func rowsToChunks(rs client.ResultSet) ([]models.Chunk, error) {
	idCol := rs.GetColumn(fieldChunkID)
	if idCol == nil {
		return []models.Chunk{}, nil
	}

	str := func(name string, i int) string {
		col := rs.GetColumn(name)
		if col == nil {
			return ""
		}
		v, err := col.GetAsString(i)
		if err != nil {
			return ""
		}
		return v
	}
	num := func(name string, i int) int64 {
		col := rs.GetColumn(name)
		if col == nil {
			return 0
		}
		v, err := col.GetAsInt64(i)
		if err != nil {
			return 0
		}
		return v
	}

	chunks := make([]models.Chunk, 0, idCol.Len())
	for i := 0; i < idCol.Len(); i++ {
		chunks = append(chunks, models.Chunk{
			ID:        str(fieldChunkID, i),
			DocID:     str(fieldDocID, i),
			KbID:      str(fieldKbID, i),
			DocName:   str(fieldDocName, i),
			Content:   str(fieldContent, i),
			Available: num(fieldAvailable, i) == 1,
			TokenNum:  int(num(fieldTokenNum, i)),
			CreatedAt: time.Unix(num(fieldCreated, i), 0),
		})
	}
	return chunks, nil
}

func distinctStrings(col entity.Column) ([]string, error) {
	if col == nil {
		return []string{}, nil
	}
	seen := make(map[string]struct{}, col.Len())
	out := make([]string, 0, col.Len())
	for i := 0; i < col.Len(); i++ {
		v, err := col.GetAsString(i)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out, nil
}
