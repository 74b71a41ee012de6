package taskqueue

import (
	"bytes"
	"fmt"

	"github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/kbdoc/backend/internal/storage/models"
)

const (
	defaultPageSize = 12
	paperPageSize   = 22
	maxPage         = 100000
	rowsPerTask     = 3000
)

// PageCounter reports the page count of a PDF.
type PageCounter interface {
	PageCount(data []byte) (int, error)
}

// RowCounter reports the number of rows in a tabular file.
type RowCounter interface {
	RowCount(name string, data []byte) (int, error)
}

// PDFPageCounter counts pages with pdfcpu.
type PDFPageCounter struct{}

func (PDFPageCounter) PageCount(data []byte) (int, error) {
	n, err := api.PageCount(bytes.NewReader(data), nil)
	if err != nil {
		return 0, fmt.Errorf("failed to count pdf pages: %w", err)
	}
	return n, nil
}

// LineRowCounter counts newline separated records; a trailing record without
// a newline still counts.
type LineRowCounter struct{}

func (LineRowCounter) RowCount(_ string, data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}
	n := bytes.Count(data, []byte{'\n'})
	if data[len(data)-1] != '\n' {
		n++
	}
	return n, nil
}

// Range is a half-open [From, To) page or row span.
type Range struct {
	From int
	To   int
}

// PDFRanges splits the configured page ranges of a pdf document into task
// sized spans. pages is the document's real page count.
func PDFRanges(parserID string, cfg models.ParserConfig, pages int) []Range {
	size := cfg.TaskPageSize
	if size <= 0 {
		size = defaultPageSize
		if parserID == models.ParserPaper {
			size = paperPageSize
		}
	}
	if parserID == models.ParserOne || !cfg.LayoutEnabled() {
		size = maxPage
	}

	spans := cfg.Pages
	if len(spans) == 0 {
		spans = [][2]int{{1, maxPage}}
	}

	var out []Range
	for _, span := range spans {
		from := span[0] - 1
		if from < 0 {
			from = 0
		}
		to := span[1] - 1
		if to > pages {
			to = pages
		}
		for p := from; p < to; p += size {
			end := p + size
			if end > to {
				end = to
			}
			out = append(out, Range{From: p, To: end})
		}
	}
	return out
}

// RowRanges splits rows into fixed size spans.
func RowRanges(rows int) []Range {
	var out []Range
	for r := 0; r < rows; r += rowsPerTask {
		out = append(out, Range{From: r, To: min(r+rowsPerTask, rows)})
	}
	return out
}
