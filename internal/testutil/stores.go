// Package testutil provides in-memory stand-ins for the blob store, the
// search index and the queue producer.
package testutil

import (
	"context"
	"sort"
	"sync"

	"github.com/kbdoc/backend/internal/storage/models"
	"github.com/kbdoc/backend/internal/vector"
	"github.com/kbdoc/backend/pkg/apperr"
)

// faults lets a test make named operations fail.
type faults struct {
	mu   sync.Mutex
	errs map[string]error
}

// FailOn makes every later call of op return err. A nil err clears it.
func (f *faults) FailOn(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.errs == nil {
		f.errs = make(map[string]error)
	}
	if err == nil {
		delete(f.errs, op)
		return
	}
	f.errs[op] = err
}

func (f *faults) fault(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.errs[op]
}

type BlobStore struct {
	faults
	mu      sync.Mutex
	objects map[string][]byte
	calls   []string
}

func NewBlobStore() *BlobStore {
	return &BlobStore{objects: make(map[string][]byte)}
}

func blobKey(bucket, key string) string {
	return bucket + "/" + key
}

func (b *BlobStore) record(op string) error {
	b.mu.Lock()
	b.calls = append(b.calls, op)
	b.mu.Unlock()
	return b.fault(op)
}

func (b *BlobStore) Put(_ context.Context, bucket, key string, data []byte) error {
	if err := b.record("put"); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[blobKey(bucket, key)] = append([]byte(nil), data...)
	return nil
}

func (b *BlobStore) Get(_ context.Context, bucket, key string) ([]byte, error) {
	if err := b.record("get"); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[blobKey(bucket, key)]
	if !ok {
		return nil, apperr.NotFound("object", blobKey(bucket, key))
	}
	return append([]byte(nil), data...), nil
}

func (b *BlobStore) Exists(_ context.Context, bucket, key string) (bool, error) {
	if err := b.record("exists"); err != nil {
		return false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.objects[blobKey(bucket, key)]
	return ok, nil
}

func (b *BlobStore) Remove(_ context.Context, bucket, key string) error {
	if err := b.record("remove"); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, blobKey(bucket, key))
	return nil
}

// Has reports whether an object is stored, without recording a call.
func (b *BlobStore) Has(bucket, key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.objects[blobKey(bucket, key)]
	return ok
}

// Calls returns the operations seen so far in order.
func (b *BlobStore) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

// Index is an in-memory vector.Index keyed by index name then chunk id.
type Index struct {
	faults
	mu      sync.Mutex
	indexes map[string]map[string]models.Chunk
}

var _ vector.Index = (*Index)(nil)

func NewIndex() *Index {
	return &Index{indexes: make(map[string]map[string]models.Chunk)}
}

func (x *Index) Insert(_ context.Context, index string, chunks []models.Chunk) error {
	if err := x.fault("insert"); err != nil {
		return err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	m, ok := x.indexes[index]
	if !ok {
		m = make(map[string]models.Chunk)
		x.indexes[index] = m
	}
	for _, ch := range chunks {
		m[ch.ID] = ch
	}
	return nil
}

func (x *Index) DeleteByDocID(_ context.Context, index, docID string) error {
	if err := x.fault("delete"); err != nil {
		return err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	for id, ch := range x.indexes[index] {
		if ch.DocID == docID {
			delete(x.indexes[index], id)
		}
	}
	return nil
}

func (x *Index) PatchByDocID(_ context.Context, index, docID string, patch vector.ChunkPatch) error {
	if err := x.fault("patch"); err != nil {
		return err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	for id, ch := range x.indexes[index] {
		if ch.DocID != docID {
			continue
		}
		if patch.Available != nil {
			ch.Available = *patch.Available
		}
		x.indexes[index][id] = ch
	}
	return nil
}

func (x *Index) ListByDocID(_ context.Context, index, docID string) ([]models.Chunk, error) {
	if err := x.fault("list"); err != nil {
		return nil, err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	out := []models.Chunk{}
	for _, ch := range x.indexes[index] {
		if ch.DocID == docID {
			out = append(out, ch)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (x *Index) DocIDsByKB(_ context.Context, index, kbID string) ([]string, error) {
	if err := x.fault("list"); err != nil {
		return nil, err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	seen := map[string]struct{}{}
	out := []string{}
	for _, ch := range x.indexes[index] {
		if ch.KbID != kbID {
			continue
		}
		if _, ok := seen[ch.DocID]; ok {
			continue
		}
		seen[ch.DocID] = struct{}{}
		out = append(out, ch.DocID)
	}
	sort.Strings(out)
	return out, nil
}

func (x *Index) Close() error { return nil }

// Count returns how many chunks of docID index holds.
func (x *Index) Count(index, docID string) int {
	x.mu.Lock()
	defer x.mu.Unlock()
	n := 0
	for _, ch := range x.indexes[index] {
		if ch.DocID == docID {
			n++
		}
	}
	return n
}

// Publisher records published payloads per stream.
type Publisher struct {
	faults
	mu       sync.Mutex
	messages map[string][][]byte
}

func NewPublisher() *Publisher {
	return &Publisher{messages: make(map[string][][]byte)}
}

func (p *Publisher) Publish(_ context.Context, stream string, payload []byte) (string, error) {
	if err := p.fault("publish"); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages[stream] = append(p.messages[stream], append([]byte(nil), payload...))
	return "0-1", nil
}

func (p *Publisher) Messages(stream string) [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.messages[stream]...)
}

// Renderer returns fixed bytes for any URL.
type Renderer struct {
	faults
	PDF       []byte
	PageTitle string
}

func (r *Renderer) Render(_ context.Context, _ string) ([]byte, error) {
	if err := r.fault("render"); err != nil {
		return nil, err
	}
	return r.PDF, nil
}

func (r *Renderer) Title(_ context.Context, _ string) (string, error) {
	if err := r.fault("title"); err != nil {
		return "", err
	}
	return r.PageTitle, nil
}
