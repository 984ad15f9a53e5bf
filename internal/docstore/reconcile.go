package docstore

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/kalambet/ragmux/internal/storage"
)

// Issue kinds reported by Reconcile.
const (
	IssueMissingFile     = "missing_file"
	IssueMissingChunks   = "missing_chunks"
	IssueDanglingHash    = "dangling_hash"
	IssueDanglingPath    = "dangling_path"
	IssueOrphanChunks    = "orphan_chunks"
	IssueStaleProcessing = "stale_processing"
)

// Issue is one inconsistency found between the indices, the stored files and
// the vector index.
type Issue struct {
	Kind       string `json:"kind"`
	DocumentID string `json:"document_id,omitempty"`
	Detail     string `json:"detail"`
}

// Report is the outcome of a reconciliation pass.
type Report struct {
	Checked int     `json:"checked"`
	Issues  []Issue `json:"issues"`
}

// Degraded reports whether any inconsistency was found.
func (r Report) Degraded() bool { return len(r.Issues) > 0 }

// Reconcile cross-checks the registry against stored files and indexed chunk
// counts. Completed documents whose file or chunks are gone are flagged as
// missing; nothing is deleted or rebuilt. Chunk counts are read under the
// writer lock so no document completes between the count and the check.
func (s *Store) Reconcile(ctx context.Context) (Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts, err := s.backend.ChunkCounts(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("reconcile: %w", err)
	}

	var rep Report
	for id, d := range s.docs {
		rep.Checked++
		switch d.Status {
		case storage.StatusCompleted:
			var problem string
			if _, err := os.Stat(d.StoredPath); err != nil {
				problem = fmt.Sprintf("stored file %s: %v", d.StoredPath, err)
				rep.Issues = append(rep.Issues, Issue{Kind: IssueMissingFile, DocumentID: id, Detail: problem})
			}
			if counts[id] == 0 {
				problem = "no chunks in vector index"
				rep.Issues = append(rep.Issues, Issue{Kind: IssueMissingChunks, DocumentID: id, Detail: problem})
			} else if counts[id] != d.ChunkCount {
				rep.Issues = append(rep.Issues, Issue{
					Kind: IssueMissingChunks, DocumentID: id,
					Detail: fmt.Sprintf("chunk count %d, index has %d", d.ChunkCount, counts[id]),
				})
			}
			if problem != "" {
				if err := s.backend.MarkDocumentMissing(ctx, id, problem); err != nil {
					return rep, fmt.Errorf("flagging %s: %w", id, err)
				}
				d.Status = storage.StatusMissing
				d.Error = problem
				s.docs[id] = d
			}
		case storage.StatusProcessing:
			if s.inflight[id] {
				continue
			}
			rep.Issues = append(rep.Issues, Issue{
				Kind: IssueStaleProcessing, DocumentID: id,
				Detail: "ingestion did not finish; ingesting the file again replaces it",
			})
		}
	}

	for hash, id := range s.hashes {
		if _, ok := s.docs[id]; !ok {
			rep.Issues = append(rep.Issues, Issue{Kind: IssueDanglingHash, DocumentID: id, Detail: "content hash " + hash})
		}
	}
	for path, e := range s.paths {
		if _, ok := s.docs[e.DocumentID]; !ok {
			rep.Issues = append(rep.Issues, Issue{Kind: IssueDanglingPath, DocumentID: e.DocumentID, Detail: "source path " + path})
		}
	}
	for id, n := range counts {
		if _, ok := s.docs[id]; !ok {
			rep.Issues = append(rep.Issues, Issue{Kind: IssueOrphanChunks, DocumentID: id, Detail: fmt.Sprintf("%d chunks without a document", n)})
		}
	}

	for _, is := range rep.Issues {
		slog.Warn("docstore: consistency issue", "kind", is.Kind, "document_id", is.DocumentID, "detail", is.Detail)
	}
	return rep, nil
}
