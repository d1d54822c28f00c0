package failures

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"property-sync/models"
	"property-sync/queue"
	"property-sync/storage"
	"property-sync/utils"
)

type memRepo struct {
	mu   sync.Mutex
	recs map[string]models.FailedJobRecord
}

func newMemRepo() *memRepo {
	return &memRepo{recs: make(map[string]models.FailedJobRecord)}
}

func (m *memRepo) SaveFailedJob(ctx context.Context, rec models.FailedJobRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[rec.ID] = rec
	return nil
}

func (m *memRepo) ListFailedJobs(ctx context.Context) ([]models.FailedJobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.FailedJobRecord, 0, len(m.recs))
	for _, r := range m.recs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memRepo) DeleteFailedJob(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.recs[id]; !ok {
		return storage.ErrNotFound
	}
	delete(m.recs, id)
	return nil
}

func (m *memRepo) ClearFailedJobs(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.recs)
	m.recs = make(map[string]models.FailedJobRecord)
	return n, nil
}

type fakeQueue struct {
	mu     sync.Mutex
	failOn string
	jobs   []models.Job
}

func (f *fakeQueue) Enqueue(ctx context.Context, kind models.JobKind, url string, opts queue.EnqueueOptions) (models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if url == f.failOn {
		return models.Job{}, errors.New("queue closed")
	}
	job := models.Job{
		ID: "job-" + url, Kind: kind, URL: url, ListingID: opts.ListingID,
		OriginalKind: opts.OriginalKind, RetryCount: opts.RetryCount,
	}
	f.jobs = append(f.jobs, job)
	return job, nil
}

func seed(t *testing.T, repo *memRepo, ids ...string) {
	t.Helper()
	for _, id := range ids {
		repo.SaveFailedJob(context.Background(), models.FailedJobRecord{
			ID: id, Kind: models.KindDetail, URL: "https://example.com/" + id, ListingID: id,
			Reason: "timeout", Attempts: 3, RetryCount: 3, FailedAt: time.Now(),
		})
	}
}

func TestRecordFromExhaustedJob(t *testing.T) {
	repo := newMemRepo()
	r := NewRegistry(repo, &fakeQueue{})
	job := models.Job{ID: "j1", Kind: models.KindRetry, OriginalKind: models.KindDetail,
		URL: "https://example.com/d/1", ListingID: "1", Attempts: 3, RetryCount: 3}

	rec, err := r.Record(context.Background(), job, "navigation timeout")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Kind != models.KindDetail || rec.RetryCount != 6 || rec.Attempts != 3 || rec.JobID != "j1" {
		t.Errorf("record = %+v", rec)
	}
	if list, _ := r.List(context.Background()); len(list) != 1 {
		t.Errorf("list = %v", list)
	}
}

func TestRetryRemovesOnlyQueued(t *testing.T) {
	repo := newMemRepo()
	seed(t, repo, "a", "b", "c")
	q := &fakeQueue{failOn: "https://example.com/b"}
	r := NewRegistry(repo, q)

	res, err := r.Retry(context.Background(), nil, 2)
	if err != nil {
		t.Fatal(err)
	}
	if res.Queued != 2 || res.Failed != 1 || len(res.JobIDs) != 2 {
		t.Errorf("result = %+v", res)
	}
	left, _ := repo.ListFailedJobs(context.Background())
	if len(left) != 1 || left[0].ID != "b" {
		t.Errorf("remaining = %v", left)
	}
	for _, j := range q.jobs {
		if j.Kind != models.KindRetry || j.OriginalKind != models.KindDetail || j.RetryCount != 3 {
			t.Errorf("queued job = %+v", j)
		}
	}
}

func TestRetrySelectedIDs(t *testing.T) {
	repo := newMemRepo()
	seed(t, repo, "a", "b")
	r := NewRegistry(repo, &fakeQueue{})

	res, _ := r.Retry(context.Background(), []string{"a", "a", "zzz"}, 4)
	if res.Queued != 1 || res.NotFound != 1 {
		t.Errorf("result = %+v", res)
	}
	left, _ := repo.ListFailedJobs(context.Background())
	if len(left) != 1 || left[0].ID != "b" {
		t.Errorf("remaining = %v", left)
	}
}

func TestClearAndView(t *testing.T) {
	repo := newMemRepo()
	seed(t, repo, "a", "b")
	r := NewRegistry(repo, &fakeQueue{})

	n, err := r.Clear(context.Background())
	if err != nil || n != 2 {
		t.Errorf("Clear() = %d, %v", n, err)
	}

	v := NewView(models.FailedJobRecord{ID: "x", URL: "u", Reason: "r", RetryCount: 3,
		FailedAt: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)})
	if v.FailedAt != "2024-05-01T09:00:00Z" || v.RetryCount != 3 {
		t.Errorf("view = %+v", v)
	}
}

func TestListenRecordsQueueFailures(t *testing.T) {
	repo := newMemRepo()
	r := NewRegistry(repo, &fakeQueue{})
	q := queue.New()
	q.Register(models.KindDetail, func(ctx context.Context, job *models.Job) error {
		return utils.NewNetworkError("navigate", job.URL, 0, context.DeadlineExceeded)
	}, queue.KindConfig{MaxAttempts: 2, BaseDelay: time.Millisecond})
	q.Subscribe(r.Listen)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { q.Run(ctx); close(done) }()
	defer func() { cancel(); <-done }()

	q.Enqueue(context.Background(), models.KindDetail, "https://example.com/d/9", queue.EnqueueOptions{ListingID: "9"})
	wctx, wcancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer wcancel()
	if err := q.WaitIdle(wctx); err != nil {
		t.Fatal(err)
	}

	list, _ := repo.ListFailedJobs(context.Background())
	if len(list) != 1 || list[0].RetryCount != 2 || list[0].ListingID != "9" {
		t.Errorf("recorded = %+v", list)
	}
}
