package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/sage-tutor/sage/internal/storage"
)

// JobType is the queue type for interest-embedding jobs.
const JobType = "embed_interest"

// JobStore abstracts the job queue and interest-entry access.
type JobStore interface {
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
	GetInterestEntry(id string) (storage.InterestEntry, error)
	SaveInterestVector(entryID, model string, embedding []float32) error
	HasInterestVector(entryID, model string) (bool, error)
}

// ContentEmbedder generates embeddings for text.
type ContentEmbedder interface {
	Encode(ctx context.Context, text string) ([]float32, error)
	Model() string
}

// Worker processes embed_interest jobs from the SQLite job queue, keeping
// the interest-vector cache warm so chat requests don't pay for embedding
// the whole history inline.
type Worker struct {
	store    JobStore
	embedder ContentEmbedder
	poll     time.Duration
	logger   *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, embedder ContentEmbedder, pollInterval time.Duration, logger *slog.Logger) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:    store,
		embedder: embedder,
		poll:     pollInterval,
		logger:   logger,
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

// RunOnce claims and processes a single embed_interest job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{JobType})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "error", err)
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

// Payload is the embed_interest job payload.
type Payload struct {
	EntryID string `json:"entry_id"`
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var payload Payload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	// A chat request may have embedded this entry inline already.
	if ok, err := w.store.HasInterestVector(payload.EntryID, w.embedder.Model()); err == nil && ok {
		return nil
	}

	entry, err := w.store.GetInterestEntry(payload.EntryID)
	if err != nil {
		return fmt.Errorf("loading interest entry %s: %w", payload.EntryID, err)
	}

	vec, err := w.embedder.Encode(ctx, entry.Content)
	if err != nil {
		return fmt.Errorf("embedding content: %w", err)
	}

	if err := w.store.SaveInterestVector(entry.ID, w.embedder.Model(), vec); err != nil {
		return fmt.Errorf("caching vector: %w", err)
	}

	return nil
}
