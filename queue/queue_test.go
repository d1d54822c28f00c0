package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"property-sync/models"
	"property-sync/utils"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) add(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) ofType(t EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func start(t *testing.T, q *Queue) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitIdle(t *testing.T, q *Queue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.WaitIdle(ctx); err != nil {
		t.Fatalf("WaitIdle: %v", err)
	}
}

func TestRetriesWithBackoffThenFails(t *testing.T) {
	q := New()
	var calls atomic.Int32
	q.Register(models.KindDetail, func(ctx context.Context, job *models.Job) error {
		calls.Add(1)
		return utils.NewNetworkError("navigate", job.URL, 0, context.DeadlineExceeded)
	}, KindConfig{Concurrency: 1, MaxAttempts: 3, BaseDelay: 10 * time.Millisecond})
	rec := &recorder{}
	q.Subscribe(rec.add)
	start(t, q)

	if _, err := q.Enqueue(context.Background(), models.KindDetail, "https://example.com/d/1", EnqueueOptions{ListingID: "1"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitIdle(t, q)

	if calls.Load() != 3 {
		t.Errorf("handler calls = %d, want 3", calls.Load())
	}
	retried := rec.ofType(EventRetried)
	if len(retried) != 2 || retried[0].Delay != 10*time.Millisecond || retried[1].Delay != 20*time.Millisecond {
		t.Fatalf("retried events = %+v", retried)
	}
	failed := rec.ofType(EventFailed)
	if len(failed) != 1 {
		t.Fatalf("failed events = %d", len(failed))
	}
	job := failed[0].Job
	if job.Attempts != 3 || job.Status != models.JobFailed || len(job.Backoff) != 2 {
		t.Errorf("failed job = %+v", job)
	}
	if q.Stats().Failed != 1 {
		t.Errorf("stats = %+v", q.Stats())
	}
}

func TestNonRetriableErrorFailsImmediately(t *testing.T) {
	q := New()
	var calls atomic.Int32
	q.Register(models.KindDetail, func(ctx context.Context, job *models.Job) error {
		calls.Add(1)
		return utils.NewValidationError("detail", "bad listing url")
	}, KindConfig{BaseDelay: time.Millisecond})
	rec := &recorder{}
	q.Subscribe(rec.add)
	start(t, q)

	q.Enqueue(context.Background(), models.KindDetail, "https://example.com/d/1", EnqueueOptions{})
	waitIdle(t, q)

	if calls.Load() != 1 || len(rec.ofType(EventFailed)) != 1 || len(rec.ofType(EventRetried)) != 0 {
		t.Errorf("calls=%d events=%+v", calls.Load(), rec.events)
	}
}

func TestSuccessCompletes(t *testing.T) {
	q := New()
	q.Register(models.KindSearch, func(ctx context.Context, job *models.Job) error { return nil }, KindConfig{})
	start(t, q)

	job, _ := q.Enqueue(context.Background(), models.KindSearch, "https://example.com/search", EnqueueOptions{})
	waitIdle(t, q)

	got, ok := q.Get(job.ID)
	if !ok || got.Status != models.JobCompleted || got.Attempts != 1 || got.FinishedAt == nil {
		t.Errorf("job = %+v", got)
	}
	if s := q.Stats(); s.Completed != 1 || s.Waiting != 0 || s.Active != 0 {
		t.Errorf("stats = %+v", s)
	}
}

func TestPriorityOrder(t *testing.T) {
	q := New()
	var mu sync.Mutex
	var order []string
	q.Register(models.KindSearch, func(ctx context.Context, job *models.Job) error {
		mu.Lock()
		order = append(order, job.URL)
		mu.Unlock()
		return nil
	}, KindConfig{Concurrency: 1})

	ctx := context.Background()
	q.Enqueue(ctx, models.KindSearch, "routine", EnqueueOptions{})
	q.Enqueue(ctx, models.KindSearch, "manual", EnqueueOptions{Manual: true})
	q.Enqueue(ctx, models.KindSearch, "routine-2", EnqueueOptions{})
	q.Enqueue(ctx, models.KindSearch, "urgent", EnqueueOptions{Priority: 25})
	start(t, q)
	waitIdle(t, q)

	want := []string{"manual", "urgent", "routine", "routine-2"}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != len(want) {
		t.Fatalf("order = %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestStaleJobsAreSkipped(t *testing.T) {
	q := New()
	var calls atomic.Int32
	q.Register(models.KindDetail, func(ctx context.Context, job *models.Job) error {
		calls.Add(1)
		return nil
	}, KindConfig{})
	q.SetStaleFunc(func(ctx context.Context, job *models.Job) bool {
		return job.ListingID == "removed"
	})
	rec := &recorder{}
	q.Subscribe(rec.add)
	start(t, q)

	q.Enqueue(context.Background(), models.KindDetail, "https://example.com/d/1", EnqueueOptions{ListingID: "removed"})
	q.Enqueue(context.Background(), models.KindDetail, "https://example.com/d/2", EnqueueOptions{ListingID: "live"})
	waitIdle(t, q)

	if calls.Load() != 1 {
		t.Errorf("handler calls = %d, want 1", calls.Load())
	}
	skipped := rec.ofType(EventSkipped)
	if len(skipped) != 1 || skipped[0].Job.ListingID != "removed" || skipped[0].Job.Attempts != 0 {
		t.Errorf("skipped = %+v", skipped)
	}
}

func TestConcurrencyLimit(t *testing.T) {
	q := New()
	var running, peak atomic.Int32
	release := make(chan struct{})
	q.Register(models.KindDetail, func(ctx context.Context, job *models.Job) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		running.Add(-1)
		return nil
	}, KindConfig{Concurrency: 3})
	start(t, q)

	for i := 0; i < 6; i++ {
		q.Enqueue(context.Background(), models.KindDetail, "https://example.com/d", EnqueueOptions{})
	}
	deadline := time.Now().Add(2 * time.Second)
	for running.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	close(release)
	waitIdle(t, q)

	if peak.Load() != 3 {
		t.Errorf("peak concurrency = %d, want 3", peak.Load())
	}
}

func TestHandlerPanicIsAFailure(t *testing.T) {
	q := New()
	q.Register(models.KindSearch, func(ctx context.Context, job *models.Job) error {
		panic("boom")
	}, KindConfig{MaxAttempts: 1})
	rec := &recorder{}
	q.Subscribe(rec.add)
	start(t, q)

	q.Enqueue(context.Background(), models.KindSearch, "https://example.com/s", EnqueueOptions{})
	waitIdle(t, q)
	if f := rec.ofType(EventFailed); len(f) != 1 || f[0].Err == nil {
		t.Errorf("failed = %+v", f)
	}
}

func TestEnqueueValidation(t *testing.T) {
	q := New()
	_, err := q.Enqueue(context.Background(), models.KindDetail, "https://example.com", EnqueueOptions{})
	if utils.KindOf(err) != utils.KindValidation {
		t.Errorf("unregistered kind err = %v", err)
	}
	q.Register(models.KindDetail, func(context.Context, *models.Job) error { return nil }, KindConfig{})
	if _, err := q.Enqueue(context.Background(), models.KindDetail, "", EnqueueOptions{}); utils.KindOf(err) != utils.KindValidation {
		t.Errorf("empty url err = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := q.Enqueue(ctx, models.KindDetail, "https://example.com", EnqueueOptions{}); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled ctx err = %v", err)
	}
}

func TestDefaultKindConfig(t *testing.T) {
	if c := DefaultKindConfig(models.KindDetail); c.Concurrency != 3 || c.MaxAttempts != 3 {
		t.Errorf("detail = %+v", c)
	}
	s, d := DefaultKindConfig(models.KindSearch), DefaultKindConfig(models.KindDetail)
	if s.Priority <= d.Priority {
		t.Error("search jobs should outrank detail jobs")
	}
}
