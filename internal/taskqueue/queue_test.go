package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kbdoc/backend/internal/storage/models"
	"github.com/kbdoc/backend/pkg/apperr"
)

type fakeTasks struct {
	tasks []models.Task
	err   error
}

func (f *fakeTasks) InsertTasks(_ context.Context, tasks []models.Task) error {
	if f.err != nil {
		return f.err
	}
	f.tasks = append(f.tasks, tasks...)
	return nil
}

type fakePublisher struct {
	stream   string
	messages []Message
	err      error
}

func (f *fakePublisher) Publish(_ context.Context, stream string, payload []byte) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	var m Message
	if err := json.Unmarshal(payload, &m); err != nil {
		return "", err
	}
	f.stream = stream
	f.messages = append(f.messages, m)
	return "1-0", nil
}

type fakeBlobs map[string][]byte

func (f fakeBlobs) Get(_ context.Context, bucket, key string) ([]byte, error) {
	data, ok := f[bucket+"/"+key]
	if !ok {
		return nil, apperr.NotFound("blob", key)
	}
	return data, nil
}

type fixedPages int

func (p fixedPages) PageCount([]byte) (int, error) { return int(p), nil }

func newQueue(pages int) (*Queue, *fakeTasks, *fakePublisher) {
	tasks := &fakeTasks{}
	pub := &fakePublisher{}
	blobs := fakeBlobs{"kb1/a.pdf": []byte("%PDF"), "kb1/t.csv": []byte("a,b\n1,2\n3,4")}
	q := New(Config{Stream: "parse"}, tasks, pub, blobs).WithCounters(fixedPages(pages), nil)
	return q, tasks, pub
}

func pdfDoc() *models.Document {
	return &models.Document{
		ID:           "d1",
		KbID:         "kb1",
		TenantID:     "t1",
		Name:         "a.pdf",
		Type:         models.DocTypePDF,
		ParserID:     models.ParserNaive,
		ParserConfig: models.DefaultParserConfig(),
	}
}

func TestPDFRanges(t *testing.T) {
	cfg := models.DefaultParserConfig()

	assert.Equal(t, []Range{{0, 12}, {12, 24}, {24, 30}}, PDFRanges(models.ParserNaive, cfg, 30))
	assert.Equal(t, []Range{{0, 22}, {22, 30}}, PDFRanges(models.ParserPaper, cfg, 30))
	assert.Equal(t, []Range{{0, 30}}, PDFRanges(models.ParserOne, cfg, 30))

	off := false
	noLayout := cfg
	noLayout.LayoutRecognize = &off
	assert.Equal(t, []Range{{0, 30}}, PDFRanges(models.ParserNaive, noLayout, 30))

	custom := cfg
	custom.TaskPageSize = 5
	custom.Pages = [][2]int{{1, 8}, {20, 100}}
	assert.Equal(t, []Range{{0, 5}, {5, 7}, {19, 24}, {24, 25}}, PDFRanges(models.ParserNaive, custom, 25))

	assert.Empty(t, PDFRanges(models.ParserNaive, cfg, 0))
}

func TestRowRanges(t *testing.T) {
	assert.Equal(t, []Range{{0, 3000}, {3000, 4500}}, RowRanges(4500))
	assert.Equal(t, []Range{{0, 3000}}, RowRanges(3000))
	assert.Empty(t, RowRanges(0))
}

func TestLineRowCounter(t *testing.T) {
	n, err := LineRowCounter{}.RowCount("t.csv", []byte("a\nb\nc"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = LineRowCounter{}.RowCount("t.csv", []byte("a\nb\n"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = LineRowCounter{}.RowCount("t.csv", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestPDFPageCounterRejectsGarbage(t *testing.T) {
	_, err := PDFPageCounter{}.PageCount([]byte("not a pdf"))
	assert.Error(t, err)
}

func TestEnqueuePDF(t *testing.T) {
	q, tasks, pub := newQueue(30)

	n, err := q.Enqueue(context.Background(), pdfDoc(), models.BlobAddress{Bucket: "kb1", Key: "a.pdf"})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.Len(t, tasks.tasks, 3)
	require.Len(t, pub.messages, 3)
	assert.Equal(t, "parse", pub.stream)

	for i, m := range pub.messages {
		assert.Equal(t, tasks.tasks[i].ID, m.ID)
		assert.Equal(t, "d1", m.DocID)
		assert.Equal(t, "t1", m.TenantID)
		assert.Equal(t, "kb1", m.BlobBucket)
		assert.Equal(t, "a.pdf", m.BlobKey)
		assert.NotEmpty(t, tasks.tasks[i].Digest)
	}
	assert.Equal(t, 24, pub.messages[2].FromPage)
	assert.Equal(t, 30, pub.messages[2].ToPage)
	assert.NotEqual(t, tasks.tasks[0].Digest, tasks.tasks[1].Digest)
}

func TestEnqueueTable(t *testing.T) {
	q, tasks, _ := newQueue(0)
	doc := &models.Document{ID: "d2", KbID: "kb1", TenantID: "t1", Name: "t.csv", Type: models.DocTypeDoc, ParserID: models.ParserTable}

	n, err := q.Enqueue(context.Background(), doc, models.BlobAddress{Bucket: "kb1", Key: "t.csv"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, tasks.tasks[0].FromPage)
	assert.Equal(t, 3, tasks.tasks[0].ToPage)
}

func TestEnqueueOtherIsSingleTask(t *testing.T) {
	q, tasks, _ := newQueue(0)
	doc := &models.Document{ID: "d3", KbID: "kb1", TenantID: "t1", Name: "a.docx", Type: models.DocTypeDoc, ParserID: models.ParserNaive}

	n, err := q.Enqueue(context.Background(), doc, models.BlobAddress{Bucket: "kb1", Key: "missing"})
	require.NoError(t, err, "non pdf documents are not read")
	assert.Equal(t, 1, n)
	assert.Equal(t, maxPage, tasks.tasks[0].ToPage)
}

func TestEnqueueMissingBlob(t *testing.T) {
	q, tasks, pub := newQueue(10)

	_, err := q.Enqueue(context.Background(), pdfDoc(), models.BlobAddress{Bucket: "kb1", Key: "gone.pdf"})
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
	assert.Empty(t, tasks.tasks)
	assert.Empty(t, pub.messages)
}

func TestEnqueuePublishFailure(t *testing.T) {
	q, _, pub := newQueue(10)
	pub.err = apperr.Storage("queue", "publish", errors.New("down"))

	_, err := q.Enqueue(context.Background(), pdfDoc(), models.BlobAddress{Bucket: "kb1", Key: "a.pdf"})
	assert.True(t, errors.Is(err, apperr.ErrStorage))
}

func TestEnqueueExternalDefaultsLanguage(t *testing.T) {
	q, tasks, pub := newQueue(0)

	err := q.EnqueueExternal(context.Background(), ExternalJob{
		DocID:    "x1",
		TenantID: "t1",
		KbID:     "kb1",
		URL:      "https://example.com/a.pdf",
		ParserID: models.ParserNaive,
	})
	require.NoError(t, err)
	assert.Empty(t, tasks.tasks)
	require.Len(t, pub.messages, 1)
	assert.Equal(t, DefaultLanguage, pub.messages[0].Language)
	assert.Equal(t, "https://example.com/a.pdf", pub.messages[0].Name)
	assert.Equal(t, "https://example.com/a.pdf", pub.messages[0].URL)
}
