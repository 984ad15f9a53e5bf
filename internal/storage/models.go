package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateHash is returned when reserving a document whose content hash
// is already registered.
var ErrDuplicateHash = errors.New("content hash already registered")

// Document statuses.
const (
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusMissing    = "missing"
)

// Extraction methods recorded on documents and chunks.
const (
	MethodStandard = "standard"
	MethodOCR      = "ocr"
)

// Document is one row of the document registry.
type Document struct {
	ID               string
	Filename         string
	ContentHash      string
	StoredPath       string
	UploadTime       time.Time
	Status           string
	ChunkCount       int
	TotalChars       int
	ProcessingMethod string
	Error            string
}

// PathEntry maps a caller-supplied source path to the document it produced.
type PathEntry struct {
	SourcePath  string
	DocumentID  string
	StoredPath  string
	ContentHash string
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
