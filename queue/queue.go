package queue

import (
	"container/heap"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"property-sync/models"
	"property-sync/utils"
)

// Default priorities. Manual requests outrank scheduled scans, which outrank retries
// and routine detail work.
const (
	PriorityManual = 30
	PrioritySearch = 20
	PriorityRetry  = 15
	PriorityDetail = 10
)

const keepFinished = 1000

// Handler processes one job. A nil return completes the job.
type Handler func(ctx context.Context, job *models.Job) error

// StaleFunc reports whether a job should be skipped instead of run.
type StaleFunc func(ctx context.Context, job *models.Job) bool

type KindConfig struct {
	Concurrency int
	MaxAttempts int
	BaseDelay   time.Duration
	Priority    int
}

// DefaultKindConfig returns the out-of-the-box settings for kind.
func DefaultKindConfig(kind models.JobKind) KindConfig {
	cfg := KindConfig{Concurrency: 1, MaxAttempts: 3, BaseDelay: 5 * time.Second}
	switch kind {
	case models.KindSearch:
		cfg.Priority = PrioritySearch
	case models.KindDetail:
		cfg.Concurrency = 3
		cfg.Priority = PriorityDetail
	case models.KindRetry:
		cfg.Priority = PriorityRetry
	}
	return cfg
}

type EnqueueOptions struct {
	ListingID    string
	OriginalKind models.JobKind
	Page         int
	// Priority overrides the kind default when non-zero.
	Priority    int
	MaxAttempts int
	RetryCount  int
	Manual      bool
	Delay       time.Duration
}

type EventType string

const (
	EventEnqueued  EventType = "enqueued"
	EventStarted   EventType = "started"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventRetried   EventType = "retried"
	EventSkipped   EventType = "skipped"
)

// Event describes one job state transition. Job is a copy taken at the transition.
type Event struct {
	Type  EventType
	Job   models.Job
	Err   error
	Delay time.Duration
}

type lane struct {
	kind      models.JobKind
	cfg       KindConfig
	handler   Handler
	ready     readyHeap
	delayed   delayedHeap
	wake      chan struct{}
	active    int
	completed int
	failed    int
	skipped   int
}

func (l *lane) pending() int {
	return l.ready.Len() + l.delayed.Len()
}

// Queue is an in-memory priority job queue with one worker pool per job kind.
type Queue struct {
	mu        sync.Mutex
	lanes     map[models.JobKind]*lane
	jobs      map[string]*models.Job
	finished  []string
	listeners []func(Event)
	stale     StaleFunc
	seq       uint64
	idle      chan struct{}
	running   bool
	now       func() time.Time
}

func New() *Queue {
	idle := make(chan struct{})
	close(idle)
	return &Queue{
		lanes: make(map[models.JobKind]*lane),
		jobs:  make(map[string]*models.Job),
		idle:  idle,
		now:   time.Now,
	}
}

// Register installs the handler and settings for a job kind. It must be called before Run.
func (q *Queue) Register(kind models.JobKind, h Handler, cfg KindConfig) {
	def := DefaultKindConfig(kind)
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.Priority == 0 {
		cfg.Priority = def.Priority
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if l, ok := q.lanes[kind]; ok {
		l.handler, l.cfg = h, cfg
		return
	}
	q.lanes[kind] = &lane{kind: kind, cfg: cfg, handler: h, wake: make(chan struct{}, 1)}
}

// Subscribe adds a listener called synchronously, outside the queue lock, for every event.
func (q *Queue) Subscribe(fn func(Event)) {
	q.mu.Lock()
	q.listeners = append(q.listeners, fn)
	q.mu.Unlock()
}

// SetStaleFunc installs the check run before each job starts.
func (q *Queue) SetStaleFunc(fn StaleFunc) {
	q.mu.Lock()
	q.stale = fn
	q.mu.Unlock()
}

// Enqueue adds a job and returns a copy of it.
func (q *Queue) Enqueue(ctx context.Context, kind models.JobKind, url string, opts EnqueueOptions) (models.Job, error) {
	if err := ctx.Err(); err != nil {
		return models.Job{}, err
	}
	if url == "" {
		return models.Job{}, utils.NewValidationError("enqueue", "job url is empty")
	}

	q.mu.Lock()
	l, ok := q.lanes[kind]
	if !ok {
		q.mu.Unlock()
		return models.Job{}, utils.NewValidationError("enqueue", fmt.Sprintf("no handler registered for job kind %q", kind))
	}

	now := q.now()
	job := &models.Job{
		ID:           uuid.NewString(),
		Kind:         kind,
		OriginalKind: opts.OriginalKind,
		URL:          url,
		ListingID:    opts.ListingID,
		Page:         opts.Page,
		Priority:     l.cfg.Priority,
		MaxAttempts:  l.cfg.MaxAttempts,
		RetryCount:   opts.RetryCount,
		Manual:       opts.Manual,
		Status:       models.JobWaiting,
		CreatedAt:    now,
		RunAt:        now.Add(opts.Delay),
	}
	if opts.Priority != 0 {
		job.Priority = opts.Priority
	} else if opts.Manual {
		job.Priority = PriorityManual
	}
	if opts.MaxAttempts > 0 {
		job.MaxAttempts = opts.MaxAttempts
	}

	q.jobs[job.ID] = job
	q.pushLocked(l, job)
	ev := Event{Type: EventEnqueued, Job: copyJob(job)}
	q.mu.Unlock()

	q.emit(ev)
	return ev.Job, nil
}

func (q *Queue) pushLocked(l *lane, job *models.Job) {
	q.seq++
	e := entry{job: job, seq: q.seq}
	if job.RunAt.After(q.now()) {
		heap.Push(&l.delayed, e)
	} else {
		heap.Push(&l.ready, e)
	}
	q.markBusyLocked()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) markBusyLocked() {
	select {
	case <-q.idle:
		q.idle = make(chan struct{})
	default:
	}
}

func (q *Queue) checkIdleLocked() {
	for _, l := range q.lanes {
		if l.pending() > 0 || l.active > 0 {
			return
		}
	}
	select {
	case <-q.idle:
	default:
		close(q.idle)
	}
}

// next pops the next runnable job of a lane, promoting due delayed jobs first.
// When nothing is runnable it returns the wait until the next delayed job, or -1.
func (q *Queue) next(l *lane) (*models.Job, time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	for l.delayed.Len() > 0 && !l.delayed[0].job.RunAt.After(now) {
		heap.Push(&l.ready, heap.Pop(&l.delayed))
	}
	if l.ready.Len() == 0 {
		if l.delayed.Len() > 0 {
			return nil, l.delayed[0].job.RunAt.Sub(now)
		}
		return nil, -1
	}

	job := heap.Pop(&l.ready).(entry).job
	l.active++
	if l.ready.Len() > 0 {
		select {
		case l.wake <- struct{}{}:
		default:
		}
	}
	return job, 0
}

// process runs one job to a terminal state or reschedules it.
func (q *Queue) process(ctx context.Context, l *lane, job *models.Job) {
	q.mu.Lock()
	stale := q.stale
	q.mu.Unlock()

	if stale != nil && stale(ctx, job) {
		q.finish(l, job, EventSkipped, nil)
		return
	}

	q.mu.Lock()
	job.Attempts++
	job.Status = models.JobActive
	ev := Event{Type: EventStarted, Job: copyJob(job)}
	handler := l.handler
	q.mu.Unlock()
	q.emit(ev)

	// handlers get their own copy; the queue keeps ownership of job
	run := ev.Job
	start := time.Now()
	err := safeRun(ctx, handler, &run)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	jobDuration.WithLabelValues(string(l.kind), outcome).Observe(time.Since(start).Seconds())

	if err == nil {
		q.finish(l, job, EventCompleted, nil)
		return
	}

	q.mu.Lock()
	job.LastError = err.Error()
	if utils.IsRetriable(err) && job.CanRetry() {
		delay := utils.Backoff(l.cfg.BaseDelay, job.Attempts)
		job.Backoff = append(job.Backoff, delay)
		job.Status = models.JobWaiting
		job.RunAt = q.now().Add(delay)
		l.active--
		q.pushLocked(l, job)
		ev := Event{Type: EventRetried, Job: copyJob(job), Err: err, Delay: delay}
		q.mu.Unlock()
		q.emit(ev)
		return
	}
	q.mu.Unlock()
	q.finish(l, job, EventFailed, err)
}

func (q *Queue) finish(l *lane, job *models.Job, typ EventType, err error) {
	q.mu.Lock()
	now := q.now()
	job.FinishedAt = &now
	switch typ {
	case EventCompleted:
		job.Status = models.JobCompleted
		l.completed++
	case EventFailed:
		job.Status = models.JobFailed
		l.failed++
	case EventSkipped:
		job.Status = models.JobSkipped
		l.skipped++
	}
	ev := Event{Type: typ, Job: copyJob(job), Err: err}
	q.mu.Unlock()

	// listeners run before the job stops counting as active so WaitIdle
	// observes their side effects
	q.emit(ev)

	q.mu.Lock()
	l.active--
	q.finished = append(q.finished, job.ID)
	if len(q.finished) > keepFinished {
		delete(q.jobs, q.finished[0])
		q.finished = q.finished[1:]
	}
	q.checkIdleLocked()
	q.mu.Unlock()
}

func safeRun(ctx context.Context, h Handler, job *models.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, job)
}

func (q *Queue) emit(ev Event) {
	jobsTotal.WithLabelValues(string(ev.Job.Kind), string(ev.Type)).Inc()

	fields := []zap.Field{
		zap.String("job_id", ev.Job.ID),
		zap.String("kind", string(ev.Job.Kind)),
		zap.Int("attempt", ev.Job.Attempts),
		zap.String("url", ev.Job.URL),
	}
	switch ev.Type {
	case EventRetried:
		utils.L().Warn("job retried", append(fields, zap.Duration("delay", ev.Delay), zap.Error(ev.Err))...)
	case EventFailed:
		utils.L().Error("job failed", append(fields, zap.Error(ev.Err))...)
	default:
		utils.L().Info("job "+string(ev.Type), fields...)
	}

	q.mu.Lock()
	listeners := append([]func(Event){}, q.listeners...)
	q.mu.Unlock()
	for _, fn := range listeners {
		fn(ev)
	}
}

func copyJob(j *models.Job) models.Job {
	c := *j
	c.Backoff = append([]time.Duration(nil), j.Backoff...)
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	return c
}

// Get returns a copy of a known job.
func (q *Queue) Get(id string) (models.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok {
		return models.Job{}, false
	}
	return copyJob(j), true
}

// Jobs returns copies of the jobs with the given status, oldest first.
func (q *Queue) Jobs(status models.JobStatus) []models.Job {
	q.mu.Lock()
	var out []models.Job
	for _, j := range q.jobs {
		if j.Status == status {
			out = append(out, copyJob(j))
		}
	}
	q.mu.Unlock()
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out
}

// WaitIdle blocks until no job is waiting or running, or ctx is done.
func (q *Queue) WaitIdle(ctx context.Context) error {
	for {
		q.mu.Lock()
		ch := q.idle
		q.mu.Unlock()
		select {
		case <-ch:
			q.mu.Lock()
			same := ch == q.idle
			q.mu.Unlock()
			if same {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Running reports whether Run is active.
func (q *Queue) Running() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

type KindStats struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

type Stats struct {
	KindStats
	Kinds map[models.JobKind]KindStats `json:"kinds"`
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := Stats{Kinds: make(map[models.JobKind]KindStats, len(q.lanes))}
	for kind, l := range q.lanes {
		ks := KindStats{
			Waiting:   l.pending(),
			Active:    l.active,
			Completed: l.completed,
			Failed:    l.failed,
			Skipped:   l.skipped,
		}
		s.Kinds[kind] = ks
		s.Waiting += ks.Waiting
		s.Active += ks.Active
		s.Completed += ks.Completed
		s.Failed += ks.Failed
		s.Skipped += ks.Skipped

		queueDepth.WithLabelValues(string(kind), "waiting").Set(float64(ks.Waiting))
		queueDepth.WithLabelValues(string(kind), "active").Set(float64(ks.Active))
	}
	return s
}
