package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kbdoc/backend/internal/classify"
	"github.com/kbdoc/backend/internal/storage/models"
	"github.com/kbdoc/backend/internal/storage/sqlite"
	"github.com/kbdoc/backend/internal/taskqueue"
	"github.com/kbdoc/backend/internal/testutil"
	"github.com/kbdoc/backend/internal/vector"
	"github.com/kbdoc/backend/pkg/apperr"
)

const (
	testPrefix = "kbdoc_"
	testStream = "tasks"
	testTenant = "t1"
	testUser   = "u1"
)

type fixedPages int

func (p fixedPages) PageCount([]byte) (int, error) { return int(p), nil }

type env struct {
	svc    *Service
	reg    *sqlite.Client
	blobs  *testutil.BlobStore
	index  *testutil.Index
	pub    *testutil.Publisher
	render *testutil.Renderer
	kb     *models.KnowledgeBase
}

func newEnv(t *testing.T) *env {
	t.Helper()

	reg, err := sqlite.NewClient(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	require.NoError(t, reg.InitSchema())
	t.Cleanup(func() { reg.Close() })

	kb := &models.KnowledgeBase{
		ID:           "kb1",
		TenantID:     testTenant,
		Name:         "manuals",
		ParserID:     models.ParserNaive,
		ParserConfig: models.DefaultParserConfig(),
		CreatedBy:    testUser,
	}
	require.NoError(t, reg.InsertKnowledgeBase(context.Background(), kb))

	e := &env{
		reg:    reg,
		blobs:  testutil.NewBlobStore(),
		index:  testutil.NewIndex(),
		pub:    testutil.NewPublisher(),
		render: &testutil.Renderer{PDF: []byte("%PDF-1.4"), PageTitle: "Landing"},
		kb:     kb,
	}
	queue := taskqueue.New(taskqueue.Config{Stream: testStream}, reg, e.pub, e.blobs).
		WithCounters(fixedPages(30), nil)

	c := classify.New()
	e.svc = New(Deps{
		Registry:    reg,
		Blobs:       e.blobs,
		Index:       e.index,
		Queue:       queue,
		Classifier:  c,
		Thumbnailer: c,
		Renderer:    e.render,
		IndexPrefix: testPrefix,
	})
	return e
}

func (e *env) indexName() string {
	return vector.IndexName(testPrefix, testTenant)
}

func (e *env) upload(t *testing.T, names ...string) []*models.Document {
	t.Helper()
	files := make([]UploadFile, 0, len(names))
	for _, n := range names {
		files = append(files, UploadFile{Name: n, Data: []byte("content of " + n)})
	}
	docs, err := e.svc.Upload(context.Background(), UploadRequest{KbID: e.kb.ID, UserID: testUser, Files: files})
	require.NoError(t, err)
	require.Len(t, docs, len(names))
	return docs
}

// parse simulates a worker writing results back for doc.
func (e *env) parse(t *testing.T, doc *models.Document, chunks int) {
	t.Helper()
	ctx := context.Background()
	batch := make([]models.Chunk, 0, chunks)
	for i := 0; i < chunks; i++ {
		batch = append(batch, models.Chunk{
			ID:        fmt.Sprintf("%s-%d", doc.ID, i),
			DocID:     doc.ID,
			KbID:      doc.KbID,
			DocName:   doc.Name,
			Content:   "chunk",
			Available: true,
			TokenNum:  10,
		})
	}
	require.NoError(t, e.index.Insert(ctx, e.indexName(), batch))
	require.NoError(t, e.reg.IncrementChunkNum(ctx, doc.ID, doc.KbID, int64(chunks*10), int64(chunks), 1.5))
}

func (e *env) doc(t *testing.T, id string) *models.Document {
	t.Helper()
	d, err := e.reg.GetDocument(context.Background(), id)
	require.NoError(t, err)
	return d
}

func TestCreateDuplicateName(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	doc, err := e.svc.Create(ctx, CreateRequest{KbID: e.kb.ID, Name: "a.pdf", UserID: testUser})
	require.NoError(t, err)
	assert.Equal(t, models.DocTypeVirtual, doc.Type)
	assert.Equal(t, models.RunUnstart, doc.Status)
	assert.Empty(t, doc.Location)
	assert.Equal(t, e.kb.ParserID, doc.ParserID)

	_, err = e.svc.Create(ctx, CreateRequest{KbID: e.kb.ID, Name: "a.pdf", UserID: testUser})
	assert.True(t, errors.Is(err, apperr.ErrDuplicateName))
}

func TestCreateValidation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.svc.Create(ctx, CreateRequest{KbID: "nope", Name: "a.pdf"})
	assert.True(t, errors.Is(err, apperr.ErrNotFound))

	_, err = e.svc.Create(ctx, CreateRequest{KbID: e.kb.ID, Name: "  "})
	assert.True(t, errors.Is(err, apperr.ErrValidation))
}

func TestUploadDedupesNameAndKey(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	require.NoError(t, e.blobs.Put(ctx, e.kb.ID, "a.pdf", []byte("someone else")))

	first := e.upload(t, "a.pdf")[0]
	assert.Equal(t, "a.pdf", first.Name)
	assert.Equal(t, "a.pdf_", first.Location)
	assert.Equal(t, models.DocTypePDF, first.Type)

	second := e.upload(t, "a.pdf")[0]
	assert.Equal(t, "a(1).pdf", second.Name)
	assert.Equal(t, "a(1).pdf", second.Location)

	data, err := e.blobs.Get(ctx, e.kb.ID, "a.pdf")
	require.NoError(t, err)
	assert.Equal(t, []byte("someone else"), data, "existing object untouched")

	kb, err := e.reg.GetKnowledgeBase(ctx, e.kb.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), kb.DocNum)
}

func TestUploadParserOverridesAndPartialFailure(t *testing.T) {
	e := newEnv(t)

	docs, err := e.svc.Upload(context.Background(), UploadRequest{
		KbID:   e.kb.ID,
		UserID: testUser,
		Files: []UploadFile{
			{Name: "photo.png", Data: []byte{1, 2, 3}},
			{Name: "archive.zip", Data: []byte("zip")},
			{Name: "deck.pptx", Data: []byte("slides")},
			{Name: "song.mp3", Data: []byte("audio")},
		},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrValidation))
	assert.Contains(t, err.Error(), "archive.zip")

	require.Len(t, docs, 3)
	assert.Equal(t, models.ParserPicture, docs[0].ParserID)
	assert.NotEmpty(t, docs[0].Thumbnail)
	assert.Equal(t, models.ParserPresentation, docs[1].ParserID)
	assert.Equal(t, models.ParserAudio, docs[2].ParserID)
	assert.False(t, e.blobs.Has(e.kb.ID, "archive.zip"))
}

func TestUploadBlobFailureLeavesNoRow(t *testing.T) {
	e := newEnv(t)
	e.blobs.FailOn("put", apperr.Storage("blob", "put", errors.New("disk full")))

	docs, err := e.svc.Upload(context.Background(), UploadRequest{
		KbID:   e.kb.ID,
		UserID: testUser,
		Files:  []UploadFile{{Name: "a.pdf", Data: []byte("x")}},
	})
	assert.True(t, errors.Is(err, apperr.ErrStorage))
	assert.Empty(t, docs)

	n, err := e.reg.CountDocuments(context.Background(), e.kb.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestUploadMirrorsFileTree(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	doc := e.upload(t, "a.pdf")[0]

	m, err := e.reg.GetMappingByDocumentID(ctx, doc.ID)
	require.NoError(t, err)
	f, err := e.reg.GetFile(ctx, m.FileID)
	require.NoError(t, err)
	assert.Equal(t, "a.pdf", f.Name)
	assert.Equal(t, models.SourceKnowledgeBase, f.SourceType)

	bucket, key, err := e.reg.GetBlobAddress(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, e.kb.ID, bucket)
	assert.Equal(t, "a.pdf", key)
}

func TestUploadFileLimit(t *testing.T) {
	e := newEnv(t)
	e.svc.limits = Limits{MaxFilesPerKB: 1}

	_, err := e.svc.Upload(context.Background(), UploadRequest{
		KbID:   e.kb.ID,
		UserID: testUser,
		Files:  []UploadFile{{Name: "a.pdf", Data: []byte("x")}, {Name: "b.pdf", Data: []byte("y")}},
	})
	assert.True(t, errors.Is(err, apperr.ErrValidation))
}

func TestWebCrawl(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	doc, err := e.svc.WebCrawl(ctx, WebCrawlRequest{KbID: e.kb.ID, UserID: testUser, Name: "page", URL: "https://example.com"})
	require.NoError(t, err)
	assert.Equal(t, "page.pdf", doc.Name)
	assert.Equal(t, models.DocTypePDF, doc.Type)
	assert.True(t, e.blobs.Has(e.kb.ID, "page.pdf"))

	doc, err = e.svc.WebCrawl(ctx, WebCrawlRequest{KbID: e.kb.ID, UserID: testUser, URL: "https://example.com"})
	require.NoError(t, err)
	assert.Equal(t, "Landing.pdf", doc.Name)

	_, err = e.svc.WebCrawl(ctx, WebCrawlRequest{KbID: e.kb.ID, UserID: testUser, Name: "x", URL: "not a url"})
	assert.True(t, errors.Is(err, apperr.ErrValidation))

	e.render.FailOn("render", errors.New("chromium down"))
	_, err = e.svc.WebCrawl(ctx, WebCrawlRequest{KbID: e.kb.ID, UserID: testUser, Name: "y", URL: "https://example.com"})
	assert.True(t, errors.Is(err, apperr.ErrStorage))
}

func TestRunClearsStaleStateAndEnqueuesOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	doc, err := e.svc.Create(ctx, CreateRequest{KbID: e.kb.ID, Name: "report.pdf", UserID: testUser})
	require.NoError(t, err)
	assert.Equal(t, models.RunUnstart, doc.Status)

	e.parse(t, doc, 3)
	require.NoError(t, e.reg.InsertTasks(ctx, []models.Task{{ID: "stale", DocID: doc.ID, ToPage: 12}}))

	require.NoError(t, e.svc.Run(ctx, RunRequest{DocIDs: []string{doc.ID}, Run: models.RunRunning}))

	got := e.doc(t, doc.ID)
	assert.Equal(t, models.RunRunning, got.Status)
	assert.Zero(t, got.Progress)
	assert.Zero(t, got.TokenNum)
	assert.Zero(t, got.ChunkNum)
	assert.NotNil(t, got.ProcessBeginAt)
	assert.Zero(t, e.index.Count(e.indexName(), doc.ID))

	kb, err := e.reg.GetKnowledgeBase(ctx, e.kb.ID)
	require.NoError(t, err)
	assert.Zero(t, kb.TokenNum)
	assert.Zero(t, kb.ChunkNum)

	tasks, err := e.reg.ListTasksByDocID(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.NotEqual(t, "stale", tasks[0].ID)

	msgs := e.pub.Messages(testStream)
	require.Len(t, msgs, 1)
	var m taskqueue.Message
	require.NoError(t, json.Unmarshal(msgs[0], &m))
	assert.Equal(t, doc.ID, m.DocID)
	assert.Equal(t, testTenant, m.TenantID)
	assert.Equal(t, e.kb.ID, m.BlobBucket)
	assert.Equal(t, tasks[0].ID, m.ID)
}

func TestRunUploadedPDFSplitsPages(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	doc := e.upload(t, "manual.pdf")[0]

	require.NoError(t, e.svc.Run(ctx, RunRequest{DocIDs: []string{doc.ID}, Run: models.RunRunning}))

	msgs := e.pub.Messages(testStream)
	require.Len(t, msgs, 3, "30 pages in tasks of 12")
	var m taskqueue.Message
	require.NoError(t, json.Unmarshal(msgs[0], &m))
	assert.Equal(t, "manual.pdf", m.BlobKey)
}

func TestRunCancelOnlyWritesStatus(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	doc := e.upload(t, "a.pdf")[0]
	e.parse(t, doc, 2)

	require.NoError(t, e.svc.Run(ctx, RunRequest{DocIDs: []string{doc.ID}, Run: models.RunCancel}))

	got := e.doc(t, doc.ID)
	assert.Equal(t, models.RunCancel, got.Status)
	assert.Equal(t, int64(2), got.ChunkNum)
	assert.Equal(t, 2, e.index.Count(e.indexName(), doc.ID))
	assert.Empty(t, e.pub.Messages(testStream))
}

func TestRunLegacyStatusCode(t *testing.T) {
	e := newEnv(t)
	doc := e.upload(t, "a.pdf")[0]

	require.NoError(t, e.svc.Run(context.Background(), RunRequest{DocIDs: []string{doc.ID}, Run: "2"}))
	assert.Equal(t, models.RunCancel, e.doc(t, doc.ID).Status)

	err := e.svc.Run(context.Background(), RunRequest{DocIDs: []string{doc.ID}, Run: "PAUSED"})
	assert.True(t, errors.Is(err, apperr.ErrValidation))
}

func TestRunEnqueueFailureMarksFail(t *testing.T) {
	e := newEnv(t)
	doc := e.upload(t, "a.pdf")[0]
	e.pub.FailOn("publish", apperr.Storage("queue", "publish", errors.New("connection refused")))

	err := e.svc.Run(context.Background(), RunRequest{DocIDs: []string{doc.ID}, Run: models.RunRunning})
	assert.True(t, errors.Is(err, apperr.ErrStorage))

	got := e.doc(t, doc.ID)
	assert.Equal(t, models.RunFail, got.Status)
	assert.Contains(t, got.ProgressMsg, "connection refused")
}

func TestRunAggregatesPerDocumentErrors(t *testing.T) {
	e := newEnv(t)
	doc := e.upload(t, "a.pdf")[0]

	err := e.svc.Run(context.Background(), RunRequest{DocIDs: []string{"ghost", doc.ID}, Run: models.RunRunning})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "document ghost")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
	assert.Equal(t, models.RunRunning, e.doc(t, doc.ID).Status)
}

func TestRunExternalNormalisesConfig(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	require.NoError(t, e.index.Insert(ctx, e.indexName(), []models.Chunk{{ID: "c", DocID: "ext1", KbID: e.kb.ID}}))

	err := e.svc.RunExternal(ctx, ExternalRunRequest{
		TenantID: testTenant,
		KbID:     e.kb.ID,
		Documents: []ExternalDocument{{
			ID:       "ext1",
			URL:      "https://example.com/a.pdf",
			ParserID: models.ParserNaive,
			ParserConfig: map[string]any{
				"chunk_token_num": "256",
				"raptor":          map[string]any{"use_raptor": true, "max_cluster": "32", "threshold": "0.2", "random_seed": 7.0},
			},
		}},
	})
	require.NoError(t, err)
	assert.Zero(t, e.index.Count(e.indexName(), "ext1"))

	msgs := e.pub.Messages(testStream)
	require.Len(t, msgs, 1)
	var m taskqueue.Message
	require.NoError(t, json.Unmarshal(msgs[0], &m))
	assert.Equal(t, "English", m.Language)
	assert.Equal(t, 256, m.ParserConfig.ChunkTokenNum)
	require.NotNil(t, m.ParserConfig.Raptor)
	assert.Equal(t, 32, m.ParserConfig.Raptor.MaxCluster)
	assert.Equal(t, 7, m.ParserConfig.Raptor.RandomSeed)
	assert.InDelta(t, 0.2, m.ParserConfig.Raptor.Threshold, 1e-9)
}

func TestRunExternalRejectsMalformedConfig(t *testing.T) {
	e := newEnv(t)

	err := e.svc.RunExternal(context.Background(), ExternalRunRequest{
		TenantID: testTenant,
		KbID:     e.kb.ID,
		Documents: []ExternalDocument{
			{ID: "ok", URL: "https://example.com/1"},
			{ID: "bad", URL: "https://example.com/2", ParserConfig: map[string]any{"chunk_token_num": "lots"}},
		},
	})
	assert.True(t, errors.Is(err, apperr.ErrValidation))
	assert.Contains(t, err.Error(), "document bad")
	assert.Empty(t, e.pub.Messages(testStream))
}

func TestChangeParserInvalidates(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	doc := e.upload(t, "a.pdf")[0]
	e.parse(t, doc, 10)
	require.Equal(t, int64(100), e.doc(t, doc.ID).TokenNum)

	got, err := e.svc.ChangeParser(ctx, ChangeParserRequest{DocID: doc.ID, ParserID: models.ParserBook})
	require.NoError(t, err)
	assert.Equal(t, models.ParserBook, got.ParserID)
	assert.Equal(t, models.RunUnstart, got.Status)
	assert.Zero(t, got.TokenNum)
	assert.Zero(t, got.ChunkNum)
	assert.Zero(t, got.ProcessDuration)
	assert.Zero(t, e.index.Count(e.indexName(), doc.ID))

	kb, err := e.reg.GetKnowledgeBase(ctx, e.kb.ID)
	require.NoError(t, err)
	assert.Zero(t, kb.TokenNum)
	assert.Empty(t, e.pub.Messages(testStream), "nothing is queued until the next run")
}

func TestChangeParserRetryAfterIndexFailure(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	doc := e.upload(t, "a.pdf")[0]
	e.parse(t, doc, 10)

	e.index.FailOn("delete", apperr.Storage("index", "delete", errors.New("unavailable")))
	_, err := e.svc.ChangeParser(ctx, ChangeParserRequest{DocID: doc.ID, ParserID: models.ParserBook})
	require.True(t, errors.Is(err, apperr.ErrStorage))

	got := e.doc(t, doc.ID)
	assert.Equal(t, models.ParserNaive, got.ParserID, "parser is kept until the old chunks are gone")
	assert.Equal(t, int64(100), got.TokenNum)
	assert.Equal(t, 10, e.index.Count(e.indexName(), doc.ID))

	e.index.FailOn("delete", nil)
	got, err = e.svc.ChangeParser(ctx, ChangeParserRequest{DocID: doc.ID, ParserID: models.ParserBook})
	require.NoError(t, err)
	assert.Equal(t, models.ParserBook, got.ParserID)
	assert.Equal(t, models.RunUnstart, got.Status)
	assert.Zero(t, got.TokenNum)
	assert.Zero(t, got.ChunkNum)
	assert.Zero(t, e.index.Count(e.indexName(), doc.ID))

	kb, err := e.reg.GetKnowledgeBase(ctx, e.kb.ID)
	require.NoError(t, err)
	assert.Zero(t, kb.TokenNum)
	assert.Zero(t, kb.ChunkNum)
}

func TestChangeParserNoop(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	doc := e.upload(t, "a.pdf")[0]
	e.parse(t, doc, 1)
	done := models.RunDone
	_, err := e.reg.UpdateDocument(ctx, doc.ID, sqlite.DocumentUpdate{Status: &done})
	require.NoError(t, err)

	cfg := models.DefaultParserConfig()
	_, err = e.svc.ChangeParser(ctx, ChangeParserRequest{DocID: doc.ID, ParserID: "NAIVE", ParserConfig: &cfg})
	require.NoError(t, err)

	got := e.doc(t, doc.ID)
	assert.Equal(t, models.RunDone, got.Status)
	assert.Equal(t, int64(1), got.ChunkNum)
	assert.Equal(t, 1, e.index.Count(e.indexName(), doc.ID))
}

func TestChangeParserConfigOnly(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	doc := e.upload(t, "a.pdf")[0]

	cfg := models.DefaultParserConfig()
	cfg.ChunkTokenNum = 512
	got, err := e.svc.ChangeParser(ctx, ChangeParserRequest{DocID: doc.ID, ParserID: models.ParserNaive, ParserConfig: &cfg})
	require.NoError(t, err)
	assert.Equal(t, 512, got.ParserConfig.ChunkTokenNum)
}

func TestChangeParserUnsupported(t *testing.T) {
	e := newEnv(t)
	docs := e.upload(t, "photo.png", "deck.pptx")

	for _, d := range docs {
		_, err := e.svc.ChangeParser(context.Background(), ChangeParserRequest{DocID: d.ID, ParserID: models.ParserNaive})
		assert.True(t, errors.Is(err, apperr.ErrUnsupportedParserChange), d.Name)
	}
}

func TestRename(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	docs := e.upload(t, "a.pdf", "c.pdf")
	doc := docs[0]

	err := e.svc.Rename(ctx, RenameRequest{DocID: doc.ID, Name: "a.docx"})
	assert.True(t, errors.Is(err, apperr.ErrInvalidExtensionChange))

	err = e.svc.Rename(ctx, RenameRequest{DocID: doc.ID, Name: "c.pdf"})
	assert.True(t, errors.Is(err, apperr.ErrDuplicateName))

	require.NoError(t, e.svc.Rename(ctx, RenameRequest{DocID: doc.ID, Name: "b.PDF"}))
	assert.Equal(t, "b.PDF", e.doc(t, doc.ID).Name)

	m, err := e.reg.GetMappingByDocumentID(ctx, doc.ID)
	require.NoError(t, err)
	f, err := e.reg.GetFile(ctx, m.FileID)
	require.NoError(t, err)
	assert.Equal(t, "b.PDF", f.Name)
}

func TestRenameWithoutMirroredFile(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	doc, err := e.svc.Create(ctx, CreateRequest{KbID: e.kb.ID, Name: "draft.txt", UserID: testUser})
	require.NoError(t, err)

	require.NoError(t, e.svc.Rename(ctx, RenameRequest{DocID: doc.ID, Name: "final.txt"}))
	assert.Equal(t, "final.txt", e.doc(t, doc.ID).Name)
}

func TestChangeStatus(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	doc := e.upload(t, "a.pdf")[0]
	e.parse(t, doc, 3)

	require.NoError(t, e.svc.ChangeStatus(ctx, ChangeStatusRequest{DocIDs: []string{doc.ID}, Available: false}))

	assert.False(t, e.doc(t, doc.ID).Available)
	chunks, err := e.index.ListByDocID(ctx, e.indexName(), doc.ID)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	for _, ch := range chunks {
		assert.False(t, ch.Available)
	}
	assert.Equal(t, int64(3), e.doc(t, doc.ID).ChunkNum, "content is kept")
}

func TestChangeStatusIndexFailureIsReported(t *testing.T) {
	e := newEnv(t)
	doc := e.upload(t, "a.pdf")[0]
	e.index.FailOn("patch", apperr.Storage("index", "patch", errors.New("timeout")))

	err := e.svc.ChangeStatus(context.Background(), ChangeStatusRequest{DocIDs: []string{doc.ID, "ghost"}, Available: false})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrStorage))
	assert.Contains(t, err.Error(), "document ghost")
	assert.Contains(t, err.Error(), "document "+doc.ID)
}

func TestDeleteBatchContinuesPastFailures(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	docs := e.upload(t, "a.pdf", "b.pdf")
	for _, d := range docs {
		e.parse(t, d, 2)
	}

	err := e.svc.Delete(ctx, DeleteRequest{DocIDs: []string{docs[0].ID, "X", docs[1].ID}, UserID: testUser})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "document X")
	assert.NotContains(t, err.Error(), docs[0].ID)

	for _, d := range docs {
		_, err := e.reg.GetDocument(ctx, d.ID)
		assert.True(t, errors.Is(err, apperr.ErrNotFound))
		assert.False(t, e.blobs.Has(e.kb.ID, d.Location))
		assert.Zero(t, e.index.Count(e.indexName(), d.ID))
		_, err = e.reg.GetMappingByDocumentID(ctx, d.ID)
		assert.True(t, errors.Is(err, apperr.ErrNotFound))
	}

	kb, err := e.reg.GetKnowledgeBase(ctx, e.kb.ID)
	require.NoError(t, err)
	assert.Zero(t, kb.DocNum)
	assert.Zero(t, kb.ChunkNum)
	assert.Zero(t, kb.TokenNum)
}

func TestDeleteBatchReportsBrokenTenantChain(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	require.NoError(t, e.reg.InsertKnowledgeBase(ctx, &models.KnowledgeBase{
		ID:           "kb2",
		TenantID:     testTenant,
		Name:         "drafts",
		ParserID:     models.ParserNaive,
		ParserConfig: models.DefaultParserConfig(),
		CreatedBy:    testUser,
	}))
	kept := e.upload(t, "a.pdf")[0]
	orphans, err := e.svc.Upload(ctx, UploadRequest{KbID: "kb2", UserID: testUser, Files: []UploadFile{{Name: "b.pdf", Data: []byte("b")}}})
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	orphan := orphans[0]
	require.NoError(t, e.reg.DeleteKnowledgeBase(ctx, "kb2"))

	err = e.svc.Delete(ctx, DeleteRequest{DocIDs: []string{orphan.ID, kept.ID}, UserID: testUser})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tenant of document")
	assert.Contains(t, err.Error(), orphan.ID)
	assert.NotContains(t, err.Error(), kept.ID)

	_, err = e.reg.GetDocument(ctx, kept.ID)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
	e.doc(t, orphan.ID)
	assert.True(t, e.blobs.Has("kb2", orphan.Location), "nothing is removed for an unresolvable document")
}

func TestImage(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	require.NoError(t, e.blobs.Put(ctx, e.kb.ID, "img1", []byte("jpeg")))

	data, err := e.svc.Image(ctx, e.kb.ID+"-img1")
	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg"), data)

	_, err = e.svc.Image(ctx, "img1")
	assert.True(t, errors.Is(err, apperr.ErrValidation))
	_, err = e.svc.Image(ctx, "a-b-c")
	assert.True(t, errors.Is(err, apperr.ErrValidation))
	_, err = e.svc.Image(ctx, e.kb.ID+"-missing")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestDeleteResolvesAddressBeforeRemovingRow(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	require.NoError(t, e.blobs.Put(ctx, e.kb.ID, "a.pdf", []byte("taken")))
	doc := e.upload(t, "a.pdf")[0]
	require.Equal(t, "a.pdf_", doc.Location)

	require.NoError(t, e.svc.Delete(ctx, DeleteRequest{DocIDs: []string{doc.ID}}))
	assert.False(t, e.blobs.Has(e.kb.ID, "a.pdf_"))
	assert.True(t, e.blobs.Has(e.kb.ID, "a.pdf"), "only the document's own key is removed")
}

func TestDeleteIndexFailureKeepsRow(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	doc := e.upload(t, "a.pdf")[0]
	e.index.FailOn("delete", apperr.Storage("index", "delete", errors.New("unavailable")))

	err := e.svc.Delete(ctx, DeleteRequest{DocIDs: []string{doc.ID}})
	assert.True(t, errors.Is(err, apperr.ErrStorage))

	e.doc(t, doc.ID)
	assert.True(t, e.blobs.Has(e.kb.ID, doc.Location))
}

func TestDeleteIndexEntriesTouchesOnlyIndex(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	doc := e.upload(t, "a.pdf")[0]
	e.parse(t, doc, 2)

	require.NoError(t, e.svc.DeleteIndexEntries(ctx, testTenant, []string{doc.ID}))
	require.NoError(t, e.svc.DeleteIndexEntries(ctx, testTenant, []string{doc.ID}), "idempotent")

	assert.Zero(t, e.index.Count(e.indexName(), doc.ID))
	got := e.doc(t, doc.ID)
	assert.Equal(t, int64(2), got.ChunkNum, "registry counters are the caller's concern")
	assert.True(t, e.blobs.Has(e.kb.ID, doc.Location))
}

func TestDownload(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	docs := e.upload(t, "a.pdf", "photo.png")

	d, err := e.svc.Download(ctx, docs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "application/pdf", d.ContentType)
	assert.Equal(t, []byte("content of a.pdf"), d.Data)

	d, err = e.svc.Download(ctx, docs[1].ID)
	require.NoError(t, err)
	assert.Equal(t, "image/png", d.ContentType)

	v, err := e.svc.Create(ctx, CreateRequest{KbID: e.kb.ID, Name: "empty.txt"})
	require.NoError(t, err)
	_, err = e.svc.Download(ctx, v.ID)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestListAndInfos(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	docs := e.upload(t, "alpha.pdf", "beta.pdf", "gamma.txt")

	list, total, err := e.svc.List(ctx, ListRequest{KbID: e.kb.ID, Page: 1, PageSize: 2, OrderBy: "name"})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, list, 2)
	assert.Equal(t, "alpha.pdf", list[0].Name)

	infos, err := e.svc.Infos(ctx, []string{docs[2].ID})
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "gamma.txt", infos[0].Name)

	_, _, err = e.svc.List(ctx, ListRequest{KbID: "missing"})
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestChunksAndIndexedDocIDs(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	docs := e.upload(t, "a.pdf", "b.pdf", "c.pdf")
	for _, d := range docs {
		e.parse(t, d, 2)
	}

	chunks, err := e.svc.Chunks(ctx, "", docs[0].ID)
	require.NoError(t, err)
	assert.Len(t, chunks, 2)

	total, ids, err := e.svc.IndexedDocIDs(ctx, testTenant, e.kb.ID, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, ids, 1)

	total, ids, err = e.svc.IndexedDocIDs(ctx, testTenant, e.kb.ID, 5, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Empty(t, ids)
}

func TestProgress(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	doc := e.upload(t, "a.pdf")[0]

	p, err := e.svc.Progress(ctx, doc.ID)
	require.NoError(t, err)
	assert.False(t, p.Terminal())

	p.Status = models.RunDone
	assert.True(t, p.Terminal())
}

func TestRunStampsBeginTime(t *testing.T) {
	e := newEnv(t)
	fixed := time.Unix(1700000000, 0)
	e.svc.now = func() time.Time { return fixed }

	doc := e.upload(t, "a.pdf")[0]
	require.NoError(t, e.svc.Run(context.Background(), RunRequest{DocIDs: []string{doc.ID}, Run: models.RunRunning}))

	got := e.doc(t, doc.ID)
	require.NotNil(t, got.ProcessBeginAt)
	assert.Equal(t, fixed.UnixMilli(), got.ProcessBeginAt.UnixMilli())
}
