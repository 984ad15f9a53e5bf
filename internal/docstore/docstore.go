// Package docstore is the repository for the ingested-document registry: the
// per-document metadata, the content hash index and the source path index.
//
// The three indices are loaded from storage once at Open and mirrored in
// memory. Every mutation goes through a single writer lock and is written
// through to storage before the in-memory view changes.
//
// A content hash only counts as taken while its document is completed or is
// being ingested by this process. Documents left processing by an earlier
// process, or flagged missing, give their hash up to the next reservation.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/kalambet/ragmux/internal/storage"
)

// ErrNotFound is returned when a document ID is unknown.
var ErrNotFound = errors.New("document not found")

// Backend is the persistence the Store writes through to.
type Backend interface {
	ReserveDocument(ctx context.Context, d storage.Document, p storage.PathEntry) error
	CompleteDocument(ctx context.Context, id string, chunkCount, totalChars int, method string) error
	FailDocument(ctx context.Context, id, reason string) error
	MarkDocumentMissing(ctx context.Context, id, reason string) error
	ListDocuments(ctx context.Context) ([]storage.Document, error)
	ListContentHashes(ctx context.Context) (map[string]string, error)
	ListSourcePaths(ctx context.Context) (map[string]storage.PathEntry, error)
	ChunkCounts(ctx context.Context) (map[string]int, error)
	DeleteDocuments(ctx context.Context, ids []string) error
	ResetDocuments(ctx context.Context) error
}

// Store owns the document registry.
type Store struct {
	backend Backend

	mu     sync.RWMutex
	docs   map[string]storage.Document
	hashes map[string]string
	paths  map[string]storage.PathEntry
	// inflight holds the IDs reserved by this process and not yet completed
	// or failed.
	inflight map[string]bool
}

// Open loads the three indices from backend.
func Open(ctx context.Context, backend Backend) (*Store, error) {
	s := &Store{backend: backend}
	if err := s.load(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load(ctx context.Context) error {
	docs, err := s.backend.ListDocuments(ctx)
	if err != nil {
		return fmt.Errorf("loading documents: %w", err)
	}
	hashes, err := s.backend.ListContentHashes(ctx)
	if err != nil {
		return fmt.Errorf("loading content hashes: %w", err)
	}
	paths, err := s.backend.ListSourcePaths(ctx)
	if err != nil {
		return fmt.Errorf("loading source paths: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs = make(map[string]storage.Document, len(docs))
	for _, d := range docs {
		s.docs[d.ID] = d
	}
	s.hashes = hashes
	s.paths = paths
	s.inflight = make(map[string]bool)
	return nil
}

// Reservation is the outcome of Reserve.
type Reservation struct {
	// Duplicate is set when the content hash belongs to a completed or
	// in-flight document; ExistingID names that document.
	Duplicate  bool
	ExistingID string
}

// Reserve atomically checks the content hash against the index and, when it
// is free, registers doc as processing together with its hash and path
// entries. A hash held by a stale document is released first.
func (s *Store) Reserve(ctx context.Context, doc storage.Document, sourcePath string) (Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.hashes[doc.ContentHash]; ok {
		if s.live(id) {
			return Reservation{Duplicate: true, ExistingID: id}, nil
		}
		if err := s.supersede(ctx, id); err != nil {
			return Reservation{}, err
		}
	}

	entry := storage.PathEntry{SourcePath: sourcePath, DocumentID: doc.ID, StoredPath: doc.StoredPath, ContentHash: doc.ContentHash}
	if err := s.backend.ReserveDocument(ctx, doc, entry); err != nil {
		if errors.Is(err, storage.ErrDuplicateHash) {
			return Reservation{Duplicate: true}, nil
		}
		return Reservation{}, err
	}

	doc.Status = storage.StatusProcessing
	if doc.ProcessingMethod == "" {
		doc.ProcessingMethod = storage.MethodStandard
	}
	s.docs[doc.ID] = doc
	s.hashes[doc.ContentHash] = doc.ID
	if sourcePath != "" {
		s.paths[sourcePath] = entry
	}
	s.inflight[doc.ID] = true
	return Reservation{}, nil
}

// live reports whether id still owns its content hash. Callers hold s.mu.
func (s *Store) live(id string) bool {
	d, ok := s.docs[id]
	if !ok {
		return false
	}
	return d.Status == storage.StatusCompleted || (d.Status == storage.StatusProcessing && s.inflight[id])
}

// supersede fails a stale owner and releases its hash, path and chunk rows.
// A hash whose document row is gone is released by the backend inside the
// next reservation. Callers hold s.mu.
func (s *Store) supersede(ctx context.Context, id string) error {
	d, ok := s.docs[id]
	if !ok {
		s.dropIndexEntries(id)
		return nil
	}
	slog.WarnContext(ctx, "docstore: releasing stale reservation", "document_id", id, "status", d.Status)
	if err := s.backend.FailDocument(ctx, id, storage.ReasonSuperseded); err != nil {
		return fmt.Errorf("releasing stale document %s: %w", id, err)
	}
	d.Status = storage.StatusFailed
	d.Error = storage.ReasonSuperseded
	d.ChunkCount = 0
	s.docs[id] = d
	s.dropIndexEntries(id)
	removeFiles([]string{d.StoredPath})
	return nil
}

// Complete marks a reserved document completed.
func (s *Store) Complete(ctx context.Context, id string, chunkCount, totalChars int, method string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.docs[id]
	if !ok {
		return ErrNotFound
	}
	if err := s.backend.CompleteDocument(ctx, id, chunkCount, totalChars, method); err != nil {
		return err
	}
	d.Status = storage.StatusCompleted
	d.ChunkCount = chunkCount
	d.TotalChars = totalChars
	d.ProcessingMethod = method
	d.Error = ""
	s.docs[id] = d
	delete(s.inflight, id)
	return nil
}

// Fail marks a document failed and releases its hash and path entries.
func (s *Store) Fail(ctx context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.docs[id]
	if !ok {
		return ErrNotFound
	}
	if err := s.backend.FailDocument(ctx, id, reason); err != nil {
		return err
	}
	d.Status = storage.StatusFailed
	d.Error = reason
	d.ChunkCount = 0
	s.docs[id] = d
	delete(s.inflight, id)
	s.dropIndexEntries(id)
	return nil
}

func (s *Store) dropIndexEntries(id string) {
	for h, docID := range s.hashes {
		if docID == id {
			delete(s.hashes, h)
		}
	}
	for p, e := range s.paths {
		if e.DocumentID == id {
			delete(s.paths, p)
		}
	}
}

// Get returns a document by ID.
func (s *Store) Get(id string) (storage.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.docs[id]
	if !ok {
		return storage.Document{}, ErrNotFound
	}
	return d, nil
}

// List returns all documents, newest first.
func (s *Store) List() []storage.Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]storage.Document, 0, len(s.docs))
	for _, d := range s.docs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UploadTime.Equal(out[j].UploadTime) {
			return out[i].ID > out[j].ID
		}
		return out[i].UploadTime.After(out[j].UploadTime)
	})
	return out
}

// LookupHash returns the document ID registered for a content hash.
func (s *Store) LookupHash(hash string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.hashes[hash]
	return id, ok
}

// LookupPath returns the path entry for a previously ingested source path.
func (s *Store) LookupPath(sourcePath string) (storage.PathEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.paths[sourcePath]
	return p, ok
}

// IsCompleted reports whether id names a completed document.
func (s *Store) IsCompleted(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.docs[id].Status == storage.StatusCompleted
}

// Stats summarises the registry.
type Stats struct {
	Documents   int            `json:"documents"`
	ByStatus    map[string]int `json:"by_status"`
	Chunks      int            `json:"chunks"`
	TotalChars  int            `json:"total_chars"`
	ContentKeys int            `json:"content_hashes"`
	SourcePaths int            `json:"source_paths"`
}

// Stats returns counts over the registry.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{
		Documents:   len(s.docs),
		ByStatus:    make(map[string]int),
		ContentKeys: len(s.hashes),
		SourcePaths: len(s.paths),
	}
	for _, d := range s.docs {
		st.ByStatus[d.Status]++
		if d.Status == storage.StatusCompleted {
			st.Chunks += d.ChunkCount
			st.TotalChars += d.TotalChars
		}
	}
	return st
}

// DeleteOlderThan removes documents uploaded before cutoff, including their
// chunks and stored files. It returns the removed IDs.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	var files []string
	for id, d := range s.docs {
		if d.Status == storage.StatusProcessing {
			continue
		}
		if d.UploadTime.Before(cutoff) {
			ids = append(ids, id)
			files = append(files, d.StoredPath)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}
	sort.Strings(ids)

	if err := s.backend.DeleteDocuments(ctx, ids); err != nil {
		return nil, fmt.Errorf("deleting expired documents: %w", err)
	}
	for _, id := range ids {
		delete(s.docs, id)
		s.dropIndexEntries(id)
	}
	removeFiles(files)
	return ids, nil
}

// Reset removes every document, chunk and stored file.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.backend.ResetDocuments(ctx); err != nil {
		return fmt.Errorf("resetting documents: %w", err)
	}
	files := make([]string, 0, len(s.docs))
	for _, d := range s.docs {
		files = append(files, d.StoredPath)
	}
	s.docs = make(map[string]storage.Document)
	s.hashes = make(map[string]string)
	s.paths = make(map[string]storage.PathEntry)
	s.inflight = make(map[string]bool)
	removeFiles(files)
	return nil
}

func removeFiles(paths []string) {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			slog.Warn("docstore: could not remove stored file", "path", p, "error", err)
		}
	}
}

// Snapshot is the JSON-serializable form of the three indices.
type Snapshot struct {
	Documents     map[string]storage.Document  `json:"documents"`
	ContentHashes map[string]string            `json:"content_hashes"`
	SourcePaths   map[string]storage.PathEntry `json:"source_paths"`
}

// Export writes the three indices as JSON.
func (s *Store) Export(w io.Writer) error {
	s.mu.RLock()
	snap := Snapshot{
		Documents:     make(map[string]storage.Document, len(s.docs)),
		ContentHashes: make(map[string]string, len(s.hashes)),
		SourcePaths:   make(map[string]storage.PathEntry, len(s.paths)),
	}
	for k, v := range s.docs {
		snap.Documents[k] = v
	}
	for k, v := range s.hashes {
		snap.ContentHashes[k] = v
	}
	for k, v := range s.paths {
		snap.SourcePaths[k] = v
	}
	s.mu.RUnlock()

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(snap)
}
