package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"property-sync/models"
	"property-sync/queue"
	"property-sync/scraper"
	"property-sync/scraper/extract"
	"property-sync/storage"
	"property-sync/utils"
)

// PageScraper loads and extracts source pages.
type PageScraper interface {
	ScrapeSearchPage(ctx context.Context, url string) (*scraper.SearchPage, error)
	ScrapeDetailPage(ctx context.Context, url string) (*scraper.Detail, error)
}

// Enqueuer adds jobs to the queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind models.JobKind, url string, opts queue.EnqueueOptions) (models.Job, error)
}

// seenSet de-duplicates detail fan-out within one scan.
type seenSet struct {
	mu   sync.Mutex
	urls map[string]bool
}

func (s *seenSet) markIfNew(url string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.urls == nil {
		s.urls = make(map[string]bool)
	}
	if s.urls[url] {
		return false
	}
	s.urls[url] = true
	return true
}

func (s *seenSet) reset() {
	s.mu.Lock()
	s.urls = nil
	s.mu.Unlock()
}

// Handlers implements the queue handler of every job kind.
type Handlers struct {
	scraper  PageScraper
	syncer   *Syncer
	store    storage.ListingStore
	q        Enqueuer
	maxPages int
	seen     seenSet
}

func NewHandlers(sc PageScraper, syncer *Syncer, store storage.ListingStore, q Enqueuer, maxPages int) *Handlers {
	return &Handlers{scraper: sc, syncer: syncer, store: store, q: q, maxPages: maxPages}
}

// ResetScan forgets the listings fanned out by previous scans.
func (h *Handlers) ResetScan() {
	h.seen.reset()
}

// Search scans one results page, enqueues a detail job per new listing and
// follows the next page link up to maxPages.
func (h *Handlers) Search(ctx context.Context, job *models.Job) error {
	page, err := h.scraper.ScrapeSearchPage(ctx, job.URL)
	if err != nil {
		return err
	}

	queued := 0
	for _, l := range page.Listings {
		if !h.seen.markIfNew(l.URL) {
			continue
		}
		_, err := h.q.Enqueue(ctx, models.KindDetail, l.URL, queue.EnqueueOptions{ListingID: l.ListingID})
		if err != nil {
			return fmt.Errorf("enqueue detail %s: %w", l.URL, err)
		}
		queued++
	}

	pageNo := job.Page
	if pageNo < 1 {
		pageNo = 1
	}
	if page.Next != "" && (h.maxPages <= 0 || pageNo < h.maxPages) {
		_, err := h.q.Enqueue(ctx, models.KindSearch, page.Next, queue.EnqueueOptions{
			Page:   pageNo + 1,
			Manual: job.Manual,
		})
		if err != nil {
			return fmt.Errorf("enqueue next page: %w", err)
		}
	}

	utils.L().Info("search page processed",
		zap.String("url", job.URL),
		zap.Int("page", pageNo),
		zap.Int("listings", len(page.Listings)),
		zap.Int("queued", queued),
		zap.String("next", page.Next))
	return nil
}

// Detail extracts one listing and syncs it. A removed listing completes the
// job by flagging the stored record.
func (h *Handlers) Detail(ctx context.Context, job *models.Job) error {
	d, err := h.scraper.ScrapeDetailPage(ctx, job.URL)
	if utils.IsListingRemoved(err) {
		id := job.ListingID
		if id == "" {
			id = extract.ListingID(job.URL)
		}
		utils.L().Info("listing removed at source", zap.String("listing_id", id), zap.Error(err))
		return h.syncer.MarkRemoved(ctx, id)
	}
	if err != nil {
		return err
	}
	if job.ListingID != "" && d.Record.ID != job.ListingID {
		d.Record.ID = job.ListingID
	}
	_, err = h.syncer.SyncFields(ctx, d.Record.ID, d.Fields())
	return err
}

// Retry runs a job from the failure registry with the handler of its original kind.
func (h *Handlers) Retry(ctx context.Context, job *models.Job) error {
	switch job.EffectiveKind() {
	case models.KindSearch:
		return h.Search(ctx, job)
	case models.KindDetail:
		return h.Detail(ctx, job)
	}
	return utils.NewValidationError("retry", fmt.Sprintf("cannot retry job of kind %q", job.EffectiveKind()))
}

// Stale skips detail work for listings flagged removed after the job was
// queued. Older removals are rechecked so a listing that comes back is
// reactivated.
func (h *Handlers) Stale(ctx context.Context, job *models.Job) bool {
	if job.EffectiveKind() != models.KindDetail || job.ListingID == "" {
		return false
	}
	rec, err := h.store.GetListing(ctx, job.ListingID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			utils.L().Warn("stale check failed", zap.String("listing_id", job.ListingID), zap.Error(err))
		}
		return false
	}
	if rec.Status != models.StatusRemoved || rec.RemovedAt == nil {
		return false
	}
	return !rec.RemovedAt.Before(job.CreatedAt)
}
