package failures

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"property-sync/models"
	"property-sync/queue"
	"property-sync/storage"
	"property-sync/utils"
)

// Enqueuer is the part of the job queue the registry needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind models.JobKind, url string, opts queue.EnqueueOptions) (models.Job, error)
}

// View is the operator-facing form of a failed job.
type View struct {
	ID         string `json:"id"`
	URL        string `json:"url"`
	FailedAt   string `json:"failedAt"`
	Reason     string `json:"reason"`
	RetryCount int    `json:"retryCount"`
}

func NewView(rec models.FailedJobRecord) View {
	return View{
		ID:         rec.ID,
		URL:        rec.URL,
		FailedAt:   rec.FailedAt.UTC().Format(time.RFC3339),
		Reason:     rec.Reason,
		RetryCount: rec.RetryCount,
	}
}

// RetryResult aggregates a bulk retry. Per-item problems are counted, never returned.
type RetryResult struct {
	Queued   int      `json:"queued"`
	Failed   int      `json:"failed"`
	NotFound int      `json:"notFound"`
	JobIDs   []string `json:"jobIds"`
}

// Registry is the durable list of jobs that ran out of attempts.
type Registry struct {
	repo storage.FailedJobStore
	q    Enqueuer
	now  func() time.Time
}

func NewRegistry(repo storage.FailedJobStore, q Enqueuer) *Registry {
	return &Registry{repo: repo, q: q, now: time.Now}
}

// Record stores an exhausted job. RetryCount accumulates the attempts of every
// round the job has been through, including earlier registry retries.
func (r *Registry) Record(ctx context.Context, job models.Job, reason string) (models.FailedJobRecord, error) {
	rec := models.FailedJobRecord{
		ID:         uuid.NewString(),
		JobID:      job.ID,
		Kind:       job.EffectiveKind(),
		URL:        job.URL,
		ListingID:  job.ListingID,
		Reason:     reason,
		Attempts:   job.Attempts,
		RetryCount: job.RetryCount + job.Attempts,
		FailedAt:   r.now().UTC(),
	}
	err := utils.Retry(ctx, 3, 500*time.Millisecond, func() error {
		return r.repo.SaveFailedJob(ctx, rec)
	})
	if err != nil {
		return rec, err
	}
	utils.L().Warn("job moved to failure registry",
		zap.String("failed_id", rec.ID),
		zap.String("job_id", job.ID),
		zap.String("kind", string(rec.Kind)),
		zap.Int("retry_count", rec.RetryCount),
		zap.String("reason", reason))
	return rec, nil
}

// Listen records every terminal failure the queue reports.
func (r *Registry) Listen(ev queue.Event) {
	if ev.Type != queue.EventFailed {
		return
	}
	reason := "unknown error"
	if ev.Err != nil {
		reason = ev.Err.Error()
	}
	if _, err := r.Record(context.Background(), ev.Job, reason); err != nil {
		utils.L().Error("could not record failed job", zap.String("job_id", ev.Job.ID), zap.Error(err))
	}
}

func (r *Registry) List(ctx context.Context) ([]models.FailedJobRecord, error) {
	return r.repo.ListFailedJobs(ctx)
}

// Retry re-enqueues the given failed jobs (all of them when ids is empty) as
// retry jobs, using up to workers concurrent enqueues. A record is removed only
// after its retry job is queued.
func (r *Registry) Retry(ctx context.Context, ids []string, workers int) (RetryResult, error) {
	all, err := r.repo.ListFailedJobs(ctx)
	if err != nil {
		return RetryResult{}, err
	}

	var res RetryResult
	targets := all
	if len(ids) > 0 {
		byID := make(map[string]models.FailedJobRecord, len(all))
		for _, rec := range all {
			byID[rec.ID] = rec
		}
		targets = targets[:0:0]
		seen := make(map[string]bool, len(ids))
		for _, id := range ids {
			if seen[id] {
				continue
			}
			seen[id] = true
			rec, ok := byID[id]
			if !ok {
				res.NotFound++
				continue
			}
			targets = append(targets, rec)
		}
	}

	if workers < 1 {
		workers = 1
	}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, rec := range targets {
		g.Go(func() error {
			job, err := r.q.Enqueue(gctx, models.KindRetry, rec.URL, queue.EnqueueOptions{
				ListingID:    rec.ListingID,
				OriginalKind: rec.Kind,
				RetryCount:   rec.RetryCount,
			})
			if err != nil {
				utils.L().Warn("retry enqueue failed", zap.String("failed_id", rec.ID), zap.Error(err))
				mu.Lock()
				res.Failed++
				mu.Unlock()
				return nil
			}
			if err := r.repo.DeleteFailedJob(gctx, rec.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
				utils.L().Warn("retry queued but record not removed", zap.String("failed_id", rec.ID), zap.Error(err))
			}
			mu.Lock()
			res.Queued++
			res.JobIDs = append(res.JobIDs, job.ID)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	utils.Info("Retry of failed jobs: %d queued, %d failed, %d not found", res.Queued, res.Failed, res.NotFound)
	return res, nil
}

// Clear drops every failed job and returns how many were removed.
func (r *Registry) Clear(ctx context.Context) (int, error) {
	n, err := r.repo.ClearFailedJobs(ctx)
	if err != nil {
		return 0, err
	}
	utils.Info("Cleared %d failed jobs", n)
	return n, nil
}
