package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/ragmux/internal/docstore"
	"github.com/kalambet/ragmux/internal/ingest"
	"github.com/kalambet/ragmux/internal/pipeline"
	"github.com/kalambet/ragmux/internal/retrieval"
	"github.com/kalambet/ragmux/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Orchestrator answers queries.
type Orchestrator interface {
	Run(ctx context.Context, q pipeline.Query) (string, pipeline.Trace)
}

// DocumentStore is the registry view the API reads and administers.
type DocumentStore interface {
	List() []storage.Document
	Get(id string) (storage.Document, error)
	Stats() docstore.Stats
	Reset(ctx context.Context) error
	Reconcile(ctx context.Context) (docstore.Report, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) ([]string, error)
}

// Searcher runs semantic search over the indexed chunks.
type Searcher interface {
	Retrieve(ctx context.Context, query string, k int) ([]retrieval.ContextChunk, error)
}

// Deps holds everything the HTTP and MCP surfaces need.
type Deps struct {
	Orchestrator Orchestrator
	Documents    DocumentStore
	Search       Searcher
	Ingester     ingest.FileIngester

	// Queue, when set, makes uploads asynchronous: files are spooled and
	// handed to the job worker instead of being ingested in the request.
	Queue ingest.JobEnqueuer

	Token         string
	RetentionDays int
	Models        []string
	SpoolDir      string
	Health        *Health
}

// Health carries the degraded flag raised by reconciliation and the last
// known inference engine problem.
type Health struct {
	issues atomic.Int64
	engine atomic.Pointer[string]
}

// Record stores the outcome of a reconciliation pass.
func (h *Health) Record(rep docstore.Report) {
	h.issues.Store(int64(len(rep.Issues)))
}

// SetEngineError records why the inference engine is unavailable. A nil err
// clears it.
func (h *Health) SetEngineError(err error) {
	if err == nil {
		h.engine.Store(nil)
		return
	}
	msg := err.Error()
	h.engine.Store(&msg)
}

// EngineError returns the recorded engine problem, or "".
func (h *Health) EngineError() string {
	if p := h.engine.Load(); p != nil {
		return *p
	}
	return ""
}

// Degraded reports whether the last reconciliation found issues.
func (h *Health) Degraded() bool { return h.issues.Load() > 0 }

// NewHandler returns the ragmux HTTP API. /health is public; everything else
// requires the bearer token when one is configured.
func NewHandler(deps Deps) http.Handler {
	if deps.Health == nil {
		deps.Health = &Health{}
	}

	r := chi.NewRouter()
	r.Get("/health", handleHealth(deps))

	r.Group(func(r chi.Router) {
		if deps.Token != "" {
			r.Use(requireToken(deps.Token))
		}

		r.Post("/v1/query", handleQuery(deps))
		r.Get("/v1/models", handleModels(deps))
		r.Post("/v1/chat/completions", handleChatCompletions(deps))

		r.Post("/documents", handleUpload(deps))
		r.Get("/documents", handleListDocuments(deps))
		r.Delete("/documents", handleResetDocuments(deps))
		r.Post("/documents/search", handleSearch(deps))
		r.Get("/documents/{id}", handleGetDocument(deps))

		r.Post("/admin/reconcile", handleReconcile(deps))
		r.Post("/admin/cleanup", handleCleanup(deps))
	})

	return r
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := "ok"
		engine := "ok"
		if msg := deps.Health.EngineError(); msg != "" {
			status, engine = "degraded", msg
		}
		if deps.Health.Degraded() {
			status = "degraded"
		}
		body := map[string]any{
			"status":   status,
			"degraded": deps.Health.Degraded(),
			"engine":   engine,
		}
		if deps.Documents != nil {
			body["documents"] = deps.Documents.Stats()
		}
		writeJSON(w, http.StatusOK, body)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
