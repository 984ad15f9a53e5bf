package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/ragmux/internal/storage"
)

// JobStore abstracts the job queue operations.
type JobStore interface {
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
}

// JobEnqueuer adds jobs to the queue.
type JobEnqueuer interface {
	EnqueueJob(job storage.Job) error
}

// FileIngester runs the ingestion pipeline for one file.
type FileIngester interface {
	Ingest(ctx context.Context, path string) (Result, bool)
}

type ingestPayload struct {
	Path string `json:"path"`
	// RemoveAfter deletes Path, and its directory once empty, when the job
	// reaches a final outcome. Set for uploads spooled to a temporary
	// directory.
	RemoveAfter bool `json:"remove_after,omitempty"`
}

// Enqueue schedules path for background ingestion and returns the job ID.
func Enqueue(q JobEnqueuer, path string, removeAfter bool) (string, error) {
	payload, err := json.Marshal(ingestPayload{Path: path, RemoveAfter: removeAfter})
	if err != nil {
		return "", err
	}
	job := storage.Job{
		ID:          uuid.New().String(),
		Type:        storage.JobIngestDocument,
		PayloadJSON: string(payload),
	}
	if err := q.EnqueueJob(job); err != nil {
		return "", fmt.Errorf("enqueueing %s: %w", path, err)
	}
	return job.ID, nil
}

// Worker processes ingest_document jobs from the SQLite job queue.
type Worker struct {
	store    JobStore
	ingester FileIngester
	poll     time.Duration
	logger   *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, ingester FileIngester, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:    store,
		ingester: ingester,
		poll:     pollInterval,
		logger:   slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single ingest_document job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{storage.JobIngestDocument})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "attempt", job.Attempts+1, "error", err)
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

// processJob returns an error only for failures worth retrying. A file that
// is invalid or has no text completes the job; the document records why.
func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var payload ingestPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}
	if payload.Path == "" {
		return fmt.Errorf("payload has no path")
	}

	res, ok := w.ingester.Ingest(ctx, payload.Path)
	lastAttempt := job.Attempts+1 >= job.MaxAttempts
	if payload.RemoveAfter && (ok || !res.Retryable || lastAttempt) {
		w.removeSpooled(payload.Path)
	}

	if !ok && res.Retryable {
		return fmt.Errorf("ingesting %s: %s", payload.Path, res.Reason)
	}
	if !ok {
		w.logger.Warn("ingest job finished without indexing", "job_id", job.ID, "path", payload.Path, "reason", res.Reason)
	}
	return nil
}

func (w *Worker) removeSpooled(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		w.logger.Warn("removing spooled upload", "path", path, "error", err)
		return
	}
	// Fails harmlessly while other files remain.
	_ = os.Remove(filepath.Dir(path))
}
