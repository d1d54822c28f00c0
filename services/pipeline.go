package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"property-sync/failures"
	"property-sync/models"
	"property-sync/queue"
	"property-sync/storage"
	"property-sync/utils"
)

// PipelineOptions configures the job kinds and scan bounds of a Pipeline.
type PipelineOptions struct {
	StartURL     string
	MaxPages     int
	RetryWorkers int
	Kinds        map[models.JobKind]queue.KindConfig
}

// ScrapeTicket acknowledges a scan request.
type ScrapeTicket struct {
	JobID  string           `json:"jobId"`
	Status models.JobStatus `json:"status"`
}

// Status summarises queue activity for operators.
type Status struct {
	Active        int                                `json:"active"`
	Waiting       int                                `json:"waiting"`
	Completed     int                                `json:"completed"`
	Failed        int                                `json:"failed"`
	Skipped       int                                `json:"skipped"`
	LastRun       *time.Time                         `json:"lastRun"`
	QueueState    string                             `json:"queueState"`
	Kinds         map[models.JobKind]queue.KindStats `json:"kinds"`
	FailedRecords int                                `json:"failedRecords"`
}

// Pipeline is the trigger interface over the queue, the failure registry and the stores.
type Pipeline struct {
	q        *queue.Queue
	handlers *Handlers
	registry *failures.Registry
	store    storage.Store
	backups  SnapshotStore
	opts     PipelineOptions

	mu      sync.Mutex
	lastRun *time.Time
}

// NewPipeline registers the job handlers on q and subscribes the registry to job failures.
func NewPipeline(q *queue.Queue, sc PageScraper, syncer *Syncer, store storage.Store, backups SnapshotStore, opts PipelineOptions) *Pipeline {
	h := NewHandlers(sc, syncer, store, q, opts.MaxPages)
	reg := failures.NewRegistry(store, q)

	for _, kind := range []models.JobKind{models.KindSearch, models.KindDetail, models.KindRetry} {
		var handler queue.Handler
		switch kind {
		case models.KindSearch:
			handler = h.Search
		case models.KindDetail:
			handler = h.Detail
		default:
			handler = h.Retry
		}
		q.Register(kind, handler, opts.Kinds[kind])
	}
	q.SetStaleFunc(h.Stale)
	q.Subscribe(reg.Listen)

	return &Pipeline{q: q, handlers: h, registry: reg, store: store, backups: backups, opts: opts}
}

// Registry exposes the failure registry.
func (p *Pipeline) Registry() *failures.Registry {
	return p.registry
}

// StartScrape enqueues a manual search scan of targetURL, or of the configured start URL.
func (p *Pipeline) StartScrape(ctx context.Context, targetURL string) (ScrapeTicket, error) {
	if targetURL == "" {
		targetURL = p.opts.StartURL
	}
	if targetURL == "" {
		return ScrapeTicket{}, utils.NewValidationError("start scrape", "no target url and no START_URL configured")
	}

	p.handlers.ResetScan()
	job, err := p.q.Enqueue(ctx, models.KindSearch, targetURL, queue.EnqueueOptions{Page: 1, Manual: true})
	if err != nil {
		return ScrapeTicket{}, err
	}

	now := time.Now().UTC()
	p.mu.Lock()
	p.lastRun = &now
	p.mu.Unlock()

	utils.Info("Scan queued for %s (job %s)", targetURL, job.ID)
	return ScrapeTicket{JobID: job.ID, Status: job.Status}, nil
}

// RetryFailedJobs re-enqueues the given registry entries, or all of them when ids is empty.
func (p *Pipeline) RetryFailedJobs(ctx context.Context, ids []string) (failures.RetryResult, error) {
	return p.registry.Retry(ctx, ids, p.opts.RetryWorkers)
}

// GetStatus reports counters of the queue and the failure registry.
func (p *Pipeline) GetStatus(ctx context.Context) (Status, error) {
	st := p.q.Stats()
	out := Status{
		Active:    st.Active,
		Waiting:   st.Waiting,
		Completed: st.Completed,
		Failed:    st.Failed,
		Skipped:   st.Skipped,
		Kinds:     st.Kinds,
	}

	switch {
	case !p.q.Running():
		out.QueueState = "stopped"
	case st.Active > 0 || st.Waiting > 0:
		out.QueueState = "busy"
	default:
		out.QueueState = "idle"
	}

	p.mu.Lock()
	if p.lastRun != nil {
		t := *p.lastRun
		out.LastRun = &t
	}
	p.mu.Unlock()

	recs, err := p.registry.List(ctx)
	if err != nil {
		return out, err
	}
	out.FailedRecords = len(recs)
	return out, nil
}

// ListFailed returns the registry entries in their operator-facing form.
func (p *Pipeline) ListFailed(ctx context.Context) ([]failures.View, error) {
	recs, err := p.registry.List(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]failures.View, 0, len(recs))
	for _, r := range recs {
		views = append(views, failures.NewView(r))
	}
	return views, nil
}

func (p *Pipeline) ClearFailed(ctx context.Context) (int, error) {
	return p.registry.Clear(ctx)
}

// GetListing returns the stored record; storage.ErrNotFound when unknown.
func (p *Pipeline) GetListing(ctx context.Context, id string) (*models.ListingRecord, error) {
	return p.store.GetListing(ctx, id)
}

func (p *Pipeline) ListListings(ctx context.Context, f storage.ListFilter) ([]models.ListingRecord, error) {
	return p.store.ListListings(ctx, f)
}

// ListingHistory returns the snapshot trail of a listing, newest first.
func (p *Pipeline) ListingHistory(ctx context.Context, id string) ([]models.SnapshotMeta, error) {
	if p.backups == nil {
		return nil, nil
	}
	if _, err := p.store.GetListing(ctx, id); err != nil {
		return nil, err
	}
	return p.backups.History(ctx, id)
}

// RunOnce scans targetURL and blocks until the queue drains.
func (p *Pipeline) RunOnce(ctx context.Context, targetURL string) error {
	if _, err := p.StartScrape(ctx, targetURL); err != nil {
		return err
	}
	if err := p.q.WaitIdle(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return ctx.Err()
}
