package models

import (
	"strings"
	"time"
)

type DocType string

const (
	DocTypeVirtual DocType = "virtual"
	DocTypePDF     DocType = "pdf"
	DocTypeDoc     DocType = "doc"
	DocTypeVisual  DocType = "visual"
	DocTypeAural   DocType = "aural"
	DocTypeOther   DocType = "other"
)

// RunStatus is the parse state of a document.
type RunStatus string

const (
	RunUnstart RunStatus = "UNSTART"
	RunRunning RunStatus = "RUNNING"
	RunCancel  RunStatus = "CANCEL"
	RunDone    RunStatus = "DONE"
	RunFail    RunStatus = "FAIL"
)

var legacyRunCodes = map[string]RunStatus{
	"0": RunUnstart,
	"1": RunRunning,
	"2": RunCancel,
	"3": RunDone,
	"4": RunFail,
}

// ParseRunStatus accepts the symbolic names (case-insensitive) and the
// numeric codes "0".."4" used by older clients.
func ParseRunStatus(s string) (RunStatus, bool) {
	if st, ok := legacyRunCodes[s]; ok {
		return st, true
	}
	switch st := RunStatus(strings.ToUpper(strings.TrimSpace(s))); st {
	case RunUnstart, RunRunning, RunCancel, RunDone, RunFail:
		return st, true
	case "CANCELLED":
		return RunCancel, true
	}
	return "", false
}

const (
	ParserNaive        = "naive"
	ParserPaper        = "paper"
	ParserBook         = "book"
	ParserLaws         = "laws"
	ParserManual       = "manual"
	ParserQA           = "qa"
	ParserTable        = "table"
	ParserOne          = "one"
	ParserPicture      = "picture"
	ParserAudio        = "audio"
	ParserPresentation = "presentation"
)

const (
	SourceLocal         = ""
	SourceKnowledgeBase = "knowledgebase"
)

const (
	FileTypeFolder = "folder"
	KBFolderName   = ".knowledgebase"
)

type Document struct {
	ID              string       `json:"id"`
	KbID            string       `json:"kb_id"`
	TenantID        string       `json:"tenant_id,omitempty"`
	ParserID        string       `json:"parser_id"`
	ParserConfig    ParserConfig `json:"parser_config"`
	CreatedBy       string       `json:"created_by"`
	Type            DocType      `json:"type"`
	Name            string       `json:"name"`
	Location        string       `json:"location"`
	Size            int64        `json:"size"`
	Thumbnail       string       `json:"thumbnail,omitempty"`
	SourceType      string       `json:"source_type"`
	Status          RunStatus    `json:"run"`
	Progress        float64      `json:"progress"`
	ProgressMsg     string       `json:"progress_msg"`
	ProcessBeginAt  *time.Time   `json:"process_begin_at,omitempty"`
	ProcessDuration float64      `json:"process_duration"`
	TokenNum        int64        `json:"token_num"`
	ChunkNum        int64        `json:"chunk_num"`
	Available       bool         `json:"available"`
	CreatedAt       time.Time    `json:"create_time"`
	UpdatedAt       time.Time    `json:"update_time"`
}

// HasCounters reports whether parse results are accounted to the document.
func (d *Document) HasCounters() bool {
	return d.TokenNum != 0 || d.ChunkNum != 0 || d.ProcessDuration != 0
}

type KnowledgeBase struct {
	ID           string       `json:"id"`
	TenantID     string       `json:"tenant_id"`
	Name         string       `json:"name"`
	ParserID     string       `json:"parser_id"`
	ParserConfig ParserConfig `json:"parser_config"`
	CreatedBy    string       `json:"created_by"`
	DocNum       int64        `json:"doc_num"`
	TokenNum     int64        `json:"token_num"`
	ChunkNum     int64        `json:"chunk_num"`
	CreatedAt    time.Time    `json:"create_time"`
	UpdatedAt    time.Time    `json:"update_time"`
}

// File is a folder-tree entry. Documents uploaded into a knowledge base are
// mirrored by a File with SourceType SourceKnowledgeBase.
type File struct {
	ID         string    `json:"id"`
	ParentID   string    `json:"parent_id"`
	TenantID   string    `json:"tenant_id"`
	CreatedBy  string    `json:"created_by"`
	Name       string    `json:"name"`
	Location   string    `json:"location"`
	Size       int64     `json:"size"`
	Type       string    `json:"type"`
	SourceType string    `json:"source_type"`
	CreatedAt  time.Time `json:"create_time"`
	UpdatedAt  time.Time `json:"update_time"`
}

type File2Document struct {
	ID         string    `json:"id"`
	FileID     string    `json:"file_id"`
	DocumentID string    `json:"document_id"`
	CreatedAt  time.Time `json:"create_time"`
}

// Task is one parse attempt over a page or row range of a document.
type Task struct {
	ID          string    `json:"id"`
	DocID       string    `json:"doc_id"`
	FromPage    int       `json:"from_page"`
	ToPage      int       `json:"to_page"`
	Progress    float64   `json:"progress"`
	ProgressMsg string    `json:"progress_msg"`
	RetryCount  int       `json:"retry_count"`
	Digest      string    `json:"digest"`
	CreatedAt   time.Time `json:"create_time"`
}

// Chunk is a parsed fragment stored in the tenant search index.
type Chunk struct {
	ID        string    `json:"chunk_id"`
	DocID     string    `json:"doc_id"`
	KbID      string    `json:"kb_id"`
	DocName   string    `json:"docnm_kwd"`
	Content   string    `json:"content_with_weight"`
	Vector    []float32 `json:"-"`
	Available bool      `json:"available"`
	TokenNum  int       `json:"token_num"`
	CreatedAt time.Time `json:"create_time"`
}

// BlobAddress locates a document's bytes in the blob store.
type BlobAddress struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}
