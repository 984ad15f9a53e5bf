package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/ragmux/internal/docstore"
	"github.com/kalambet/ragmux/internal/ingest"
	"github.com/kalambet/ragmux/internal/storage"
)

const (
	maxUploadSize   = 200 << 20 // 200MB across all files
	maxMemoryUpload = 32 << 20
)

// Upload outcome labels.
const (
	UploadQueued    = "queued"
	UploadIndexed   = "indexed"
	UploadDuplicate = "duplicate"
	UploadRejected  = "rejected"
	UploadError     = "error"
)

// UploadResult is the per-file outcome of POST /documents.
type UploadResult struct {
	Filename   string `json:"filename"`
	Status     string `json:"status"`
	JobID      string `json:"job_id,omitempty"`
	DocumentID string `json:"document_id,omitempty"`
	Chunks     int    `json:"chunks,omitempty"`
	Method     string `json:"processing_method,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// DocumentView is the JSON shape of a document record.
type DocumentView struct {
	ID               string    `json:"id"`
	Filename         string    `json:"filename"`
	ContentHash      string    `json:"content_hash"`
	UploadTime       time.Time `json:"upload_time"`
	Status           string    `json:"status"`
	ChunkCount       int       `json:"chunk_count"`
	TotalChars       int       `json:"total_chars"`
	ProcessingMethod string    `json:"processing_method"`
	Error            string    `json:"error,omitempty"`
}

func viewOf(d storage.Document) DocumentView {
	return DocumentView{
		ID:               d.ID,
		Filename:         d.Filename,
		ContentHash:      d.ContentHash,
		UploadTime:       d.UploadTime,
		Status:           d.Status,
		ChunkCount:       d.ChunkCount,
		TotalChars:       d.TotalChars,
		ProcessingMethod: d.ProcessingMethod,
		Error:            d.Error,
	}
}

func handleUpload(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
		if err := r.ParseMultipartForm(maxMemoryUpload); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid multipart body: %v", err)
			return
		}
		defer r.MultipartForm.RemoveAll()

		files := append(r.MultipartForm.File["files"], r.MultipartForm.File["file"]...)
		if len(files) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "no files in form field \"files\"")
			return
		}
		if deps.Queue == nil && deps.Ingester == nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "ingestion is not configured")
			return
		}

		// sync=true ingests in the request even when a queue is configured.
		async := deps.Queue != nil && (deps.Ingester == nil || r.URL.Query().Get("sync") != "true")

		results := make([]UploadResult, 0, len(files))
		queued := false
		for _, fh := range files {
			res := UploadResult{Filename: uploadName(fh.Filename)}

			path, err := spool(deps.SpoolDir, fh)
			if err != nil {
				res.Status = UploadError
				res.Reason = err.Error()
				results = append(results, res)
				continue
			}

			if async {
				jobID, err := ingest.Enqueue(deps.Queue, path, true)
				if err != nil {
					os.RemoveAll(filepath.Dir(path))
					res.Status = UploadError
					res.Reason = err.Error()
				} else {
					res.Status = UploadQueued
					res.JobID = jobID
					queued = true
				}
				results = append(results, res)
				continue
			}

			out, _ := deps.Ingester.Ingest(r.Context(), path)
			os.RemoveAll(filepath.Dir(path))
			results = append(results, resultOf(res.Filename, out))
		}

		code := http.StatusOK
		if queued {
			code = http.StatusAccepted
		}
		writeJSON(w, code, map[string]any{"results": results})
	}
}

func resultOf(filename string, out ingest.Result) UploadResult {
	res := UploadResult{
		Filename:   filename,
		DocumentID: out.DocumentID,
		Chunks:     out.Chunks,
		Method:     out.Method,
		Reason:     out.Reason,
	}
	switch {
	case out.Duplicate:
		res.Status = UploadDuplicate
	case out.OK:
		res.Status = UploadIndexed
	default:
		res.Status = UploadRejected
	}
	return res
}

func uploadName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		return "upload.pdf"
	}
	return name
}

// spool copies an uploaded file into its own temporary directory so the
// original filename survives into the document record.
func spool(dir string, fh *multipart.FileHeader) (string, error) {
	src, err := fh.Open()
	if err != nil {
		return "", fmt.Errorf("opening upload: %w", err)
	}
	defer src.Close()

	tmp, err := os.MkdirTemp(dir, "upload-")
	if err != nil {
		return "", fmt.Errorf("creating spool dir: %w", err)
	}
	path := filepath.Join(tmp, uploadName(fh.Filename))
	dst, err := os.Create(path)
	if err != nil {
		os.RemoveAll(tmp)
		return "", fmt.Errorf("creating spool file: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.RemoveAll(tmp)
		return "", fmt.Errorf("writing spool file: %w", err)
	}
	if err := dst.Close(); err != nil {
		os.RemoveAll(tmp)
		return "", fmt.Errorf("closing spool file: %w", err)
	}
	return path, nil
}

func handleListDocuments(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 50, 500)
		offset := parseIntParam(r, "offset", 0, 0)
		status := r.URL.Query().Get("status")

		views := []DocumentView{}
		skipped := 0
		for _, d := range deps.Documents.List() {
			if status != "" && d.Status != status {
				continue
			}
			if skipped < offset {
				skipped++
				continue
			}
			if len(views) == limit {
				break
			}
			views = append(views, viewOf(d))
		}
		writeJSON(w, http.StatusOK, views)
	}
}

func handleGetDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d, err := deps.Documents.Get(chi.URLParam(r, "id"))
		if errors.Is(err, docstore.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "document not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get document: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, viewOf(d))
	}
}

// SearchRequest is the body of POST /documents/search.
type SearchRequest struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k"`
}

// SearchHit is one retrieved chunk.
type SearchHit struct {
	ID         string  `json:"id"`
	DocumentID string  `json:"document_id"`
	Filename   string  `json:"filename"`
	ChunkIndex int     `json:"chunk_index"`
	Text       string  `json:"text"`
	Score      float32 `json:"score"`
}

func handleSearch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Search == nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "document search is not configured")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req SearchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if strings.TrimSpace(req.Query) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "query is required")
			return
		}
		k := req.TopK
		if k <= 0 {
			k = 5
		}
		if k > 50 {
			k = 50
		}

		hits, err := searchHits(r.Context(), deps.Search, req.Query, k)
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "search failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, hits)
	}
}

func searchHits(ctx context.Context, s Searcher, query string, k int) ([]SearchHit, error) {
	chunks, err := s.Retrieve(ctx, query, k)
	if err != nil {
		return nil, err
	}
	hits := make([]SearchHit, len(chunks))
	for i, c := range chunks {
		hits[i] = SearchHit{
			ID:         c.ID,
			DocumentID: c.Meta.DocumentID,
			Filename:   c.Meta.Filename,
			ChunkIndex: c.Meta.ChunkIndex,
			Text:       c.Text,
			Score:      c.Score,
		}
	}
	return hits, nil
}

func handleResetDocuments(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("confirm") != "true" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "reset removes every document; pass confirm=true")
			return
		}
		if err := deps.Documents.Reset(r.Context()); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to reset: %v", err)
			return
		}
		deps.Health.Record(docstore.Report{})
		writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
	}
}

func handleReconcile(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rep, err := deps.Documents.Reconcile(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "reconcile failed: %v", err)
			return
		}
		deps.Health.Record(rep)
		if rep.Issues == nil {
			rep.Issues = []docstore.Issue{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"checked":  rep.Checked,
			"issues":   rep.Issues,
			"degraded": rep.Degraded(),
		})
	}
}

// CleanupRequest optionally overrides the configured retention.
type CleanupRequest struct {
	Days int `json:"days"`
}

func handleCleanup(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		req := CleanupRequest{Days: deps.RetentionDays}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Days <= 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "retention is disabled; pass days > 0")
			return
		}

		cutoff := time.Now().Add(-time.Duration(req.Days) * 24 * time.Hour)
		removed, err := deps.Documents.DeleteOlderThan(r.Context(), cutoff)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "cleanup failed: %v", err)
			return
		}
		if removed == nil {
			removed = []string{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"removed": removed, "days": req.Days})
	}
}
