// Package ingest turns PDF files into indexed, searchable chunks. One file is
// processed at a time; the document registry is only written from here and
// from explicit admin operations.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/kalambet/ragmux/internal/docstore"
	"github.com/kalambet/ragmux/internal/extract"
	"github.com/kalambet/ragmux/internal/retrieval"
	"github.com/kalambet/ragmux/internal/storage"
)

// ValidationError reports a file rejected before any state changed.
type ValidationError = extract.ValidationError

// ErrNoText means neither the text layer nor OCR produced text.
var ErrNoText = extract.ErrNoText

// Registry is the document store as seen by the pipeline.
type Registry interface {
	Reserve(ctx context.Context, doc storage.Document, sourcePath string) (docstore.Reservation, error)
	Complete(ctx context.Context, id string, chunkCount, totalChars int, method string) error
	Fail(ctx context.Context, id, reason string) error
	LookupPath(sourcePath string) (storage.PathEntry, bool)
	Get(id string) (storage.Document, error)
}

// Extractor produces text from a stored PDF.
type Extractor interface {
	Extract(ctx context.Context, path string) (extract.Result, error)
}

// Splitter cuts text into chunks.
type Splitter interface {
	Split(text string) []string
}

// BatchEmbedder embeds many texts at once.
type BatchEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// ChunkIndex stores chunk vectors.
type ChunkIndex interface {
	Insert(ctx context.Context, chunks []retrieval.Chunk) error
	DeleteByDocument(ctx context.Context, documentID string) error
}

// CodeRewriter optionally transforms extracted text before chunking.
type CodeRewriter interface {
	Rewrite(ctx context.Context, text string) (string, int)
}

// Result describes the outcome of one ingestion.
type Result struct {
	OK         bool   `json:"ok"`
	Duplicate  bool   `json:"duplicate,omitempty"`
	DocumentID string `json:"document_id,omitempty"`
	Filename   string `json:"filename"`
	Chunks     int    `json:"chunks,omitempty"`
	Method     string `json:"processing_method,omitempty"`
	Reason     string `json:"reason,omitempty"`
	// Retryable marks failures caused by unavailable services rather than
	// by the file itself.
	Retryable bool `json:"-"`
}

// Config holds the pipeline's collaborators and limits.
type Config struct {
	Registry     Registry
	Extractor    Extractor
	Splitter     Splitter
	Embedder     BatchEmbedder
	Index        ChunkIndex
	Rewriter     CodeRewriter // optional
	DocumentsDir string
	MinBytes     int64
}

// Pipeline ingests files one at a time.
type Pipeline struct {
	cfg    Config
	mu     sync.Mutex
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Pipeline.
func New(cfg Config) *Pipeline {
	return &Pipeline{cfg: cfg, logger: slog.Default(), now: time.Now}
}

// IngestFile reports only whether path ended up indexed (or already was).
func (p *Pipeline) IngestFile(ctx context.Context, path string) bool {
	_, ok := p.Ingest(ctx, path)
	return ok
}

// Ingest validates, deduplicates, stores, extracts, chunks, embeds and indexes
// the PDF at path. A duplicate of already-known content is a success. Any
// failure after reservation leaves the document failed with no chunks and
// frees its content hash for a later retry.
func (p *Pipeline) Ingest(ctx context.Context, path string) (Result, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	res := p.ingest(ctx, path)
	log := p.logger.With("path", path, "document_id", res.DocumentID)
	switch {
	case res.Duplicate:
		log.Info("ingest: duplicate content, skipping")
	case res.OK:
		log.Info("ingest: document indexed", "chunks", res.Chunks, "method", res.Method)
	default:
		log.Warn("ingest: document rejected", "reason", res.Reason, "retryable", res.Retryable)
	}
	return res, res.OK
}

func (p *Pipeline) ingest(ctx context.Context, path string) Result {
	res := Result{Filename: filepath.Base(path)}

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}

	if _, err := extract.Validate(abs, p.cfg.MinBytes); err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) {
			res.Reason = ve.Reason
		} else {
			res.Reason = err.Error()
		}
		return res
	}

	if id, ok := p.unchangedSource(abs); ok {
		res.OK, res.Duplicate, res.DocumentID = true, true, id
		return res
	}

	hash, err := hashFile(abs)
	if err != nil {
		res.Reason = fmt.Sprintf("hashing file: %v", err)
		return res
	}

	id, err := uuid.NewV7()
	if err != nil {
		res.Reason = fmt.Sprintf("allocating document id: %v", err)
		return res
	}
	doc := storage.Document{
		ID:          id.String(),
		Filename:    res.Filename,
		ContentHash: hash,
		StoredPath:  filepath.Join(p.cfg.DocumentsDir, id.String()+".pdf"),
		UploadTime:  p.now().UTC(),
	}

	rsv, err := p.cfg.Registry.Reserve(ctx, doc, abs)
	if err != nil {
		res.Reason = fmt.Sprintf("reserving document: %v", err)
		res.Retryable = true
		return res
	}
	if rsv.Duplicate {
		res.OK, res.Duplicate, res.DocumentID = true, true, rsv.ExistingID
		return res
	}
	res.DocumentID = doc.ID

	chunks, method, chars, err := p.process(ctx, abs, doc)
	if err != nil {
		p.fail(ctx, doc, err)
		res.Reason = err.Error()
		res.Retryable = !errors.Is(err, ErrNoText)
		return res
	}

	if err := p.cfg.Registry.Complete(ctx, doc.ID, len(chunks), chars, method); err != nil {
		p.fail(ctx, doc, err)
		res.Reason = fmt.Sprintf("finalizing document: %v", err)
		res.Retryable = true
		return res
	}

	res.OK = true
	res.Chunks = len(chunks)
	res.Method = method
	return res
}

// unchangedSource reports whether abs was ingested before and neither its
// size nor modification time changed since.
func (p *Pipeline) unchangedSource(abs string) (string, bool) {
	entry, ok := p.cfg.Registry.LookupPath(abs)
	if !ok {
		return "", false
	}
	doc, err := p.cfg.Registry.Get(entry.DocumentID)
	if err != nil || doc.Status != storage.StatusCompleted {
		return "", false
	}
	src, err := os.Stat(abs)
	if err != nil {
		return "", false
	}
	stored, err := os.Stat(entry.StoredPath)
	if err != nil {
		return "", false
	}
	if src.Size() != stored.Size() || src.ModTime().After(doc.UploadTime) {
		return "", false
	}
	return doc.ID, true
}

// process returns the indexed chunks, the extraction method and the number of
// characters of extracted text.
func (p *Pipeline) process(ctx context.Context, src string, doc storage.Document) ([]retrieval.Chunk, string, int, error) {
	if err := copyFile(src, doc.StoredPath); err != nil {
		return nil, "", 0, fmt.Errorf("storing file: %w", err)
	}

	ext, err := p.cfg.Extractor.Extract(ctx, doc.StoredPath)
	if err != nil {
		return nil, "", 0, err
	}
	text := ext.Text()

	if p.cfg.Rewriter != nil {
		var n int
		text, n = p.cfg.Rewriter.Rewrite(ctx, text)
		if n > 0 {
			p.logger.Info("ingest: converted JavaScript blocks", "document_id", doc.ID, "blocks", n)
		}
	}

	pieces := p.cfg.Splitter.Split(text)
	if len(pieces) == 0 {
		return nil, "", 0, fmt.Errorf("%w: text produced no chunks", ErrNoText)
	}

	vectors, err := p.cfg.Embedder.EmbedBatch(ctx, pieces)
	if err != nil {
		return nil, "", 0, fmt.Errorf("embedding chunks: %w", err)
	}

	now := p.now().UTC()
	chunks := make([]retrieval.Chunk, len(pieces))
	for i, piece := range pieces {
		cid, err := uuid.NewV7()
		if err != nil {
			return nil, "", 0, fmt.Errorf("allocating chunk id: %w", err)
		}
		chunks[i] = retrieval.Chunk{
			ID:        cid.String(),
			Text:      piece,
			Embedding: vectors[i],
			Meta: retrieval.ChunkMeta{
				DocumentID:       doc.ID,
				Filename:         doc.Filename,
				ChunkIndex:       i,
				ContentHash:      doc.ContentHash,
				ProcessingMethod: ext.Method,
			},
			CreatedAt: now,
		}
	}

	if err := p.cfg.Index.Insert(ctx, chunks); err != nil {
		return nil, "", 0, fmt.Errorf("indexing chunks: %w", err)
	}
	return chunks, ext.Method, utf8.RuneCountInString(text), nil
}

// fail records the failure and removes everything written for doc. It uses a
// fresh context so cleanup still runs when ctx was cancelled.
func (p *Pipeline) fail(ctx context.Context, doc storage.Document, cause error) {
	cleanup, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := p.cfg.Index.DeleteByDocument(cleanup, doc.ID); err != nil {
		p.logger.Error("ingest: removing partial chunks", "document_id", doc.ID, "error", err)
	}
	if err := p.cfg.Registry.Fail(cleanup, doc.ID, cause.Error()); err != nil {
		p.logger.Error("ingest: recording failure", "document_id", doc.ID, "error", err)
	}
	if err := os.Remove(doc.StoredPath); err != nil && !os.IsNotExist(err) {
		p.logger.Warn("ingest: removing stored copy", "path", doc.StoredPath, "error", err)
	}
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// copyFile writes src to dst through a temporary file in dst's directory.
func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".ingest-*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), dst)
}
