// Package classify holds the filename rules: document type detection,
// parser overrides, duplicate name suffixes and thumbnails.
package classify

import (
	"encoding/base64"
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/kbdoc/backend/internal/storage/models"
)

var (
	pdfPattern    = regexp.MustCompile(`\.pdf$`)
	docPattern    = regexp.MustCompile(`\.(eml|doc|docx|ppt|pptx|yml|xml|htm|json|csv|txt|ini|xls|xlsx|wps|rtf|hlp|pages|numbers|key|md|py|js|java|c|cpp|h|php|go|ts|sh|cs|kt|html|sql)$`)
	auralPattern  = regexp.MustCompile(`\.(wav|flac|ape|alac|wavpack|wv|mp3|aac|ogg|vorbis|opus)$`)
	visualPattern = regexp.MustCompile(`\.(jpg|jpeg|png|tif|gif|pcx|tga|exif|fpx|svg|psd|cdr|pcd|dxf|ufo|eps|ai|raw|wmf|webp|avif|apng|icon|ico|mpg|mpeg|avi|rm|rmvb|mov|wmv|asf|dat|asx|wvx|mpe|mpa|mp4)$`)

	presentationPattern = regexp.MustCompile(`\.(ppt|pptx|pages)$`)
	counterPattern      = regexp.MustCompile(`\(([0-9]+)\)$`)
)

// MaxThumbnailBytes bounds images inlined as thumbnails.
const MaxThumbnailBytes = 64 << 10

// Classifier implements the lifecycle filename rules.
type Classifier struct{}

func New() Classifier {
	return Classifier{}
}

// Type maps a filename onto a document type. Unknown extensions are DocTypeOther.
func (Classifier) Type(name string) models.DocType {
	n := strings.ToLower(name)
	switch {
	case pdfPattern.MatchString(n):
		return models.DocTypePDF
	case docPattern.MatchString(n):
		return models.DocTypeDoc
	case auralPattern.MatchString(n):
		return models.DocTypeAural
	case visualPattern.MatchString(n):
		return models.DocTypeVisual
	default:
		return models.DocTypeOther
	}
}

// IsPresentation reports whether name must be parsed as slides.
func (Classifier) IsPresentation(name string) bool {
	return presentationPattern.MatchString(strings.ToLower(name))
}

// Parser picks the parser for a fresh document, overriding the knowledge
// base default for media and slides.
func (c Classifier) Parser(docType models.DocType, name, kbParser string) string {
	switch {
	case docType == models.DocTypeVisual:
		return models.ParserPicture
	case docType == models.DocTypeAural:
		return models.ParserAudio
	case c.IsPresentation(name):
		return models.ParserPresentation
	}
	return kbParser
}

// NextName returns the next candidate for a taken name: a.pdf -> a(1).pdf,
// a(1).pdf -> a(2).pdf.
func (Classifier) NextName(name string) string {
	ext := path.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	n := 0
	if m := counterPattern.FindStringSubmatchIndex(stem); m != nil {
		n, _ = strconv.Atoi(stem[m[2]:m[3]])
		stem = stem[:m[0]]
	}
	return fmt.Sprintf("%s(%d)%s", stem, n+1, ext)
}

// Thumbnail inlines small images as data URLs. Everything else gets none.
func (c Classifier) Thumbnail(name string, data []byte) string {
	if c.Type(name) != models.DocTypeVisual || len(data) == 0 || len(data) > MaxThumbnailBytes {
		return ""
	}
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(name)), ".")
	return "data:image/" + ext + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// ContentType is what a document download is served as.
func ContentType(docType models.DocType, name string) string {
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(name)), ".")
	if ext == "" {
		return "application/octet-stream"
	}
	if docType == models.DocTypeVisual {
		return "image/" + ext
	}
	return "application/" + ext
}
