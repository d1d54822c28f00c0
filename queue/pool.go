package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"property-sync/utils"
)

// Run starts Concurrency workers for every registered kind and blocks until ctx
// is done and all workers have returned. Jobs already running when ctx ends are
// allowed to finish.
func (q *Queue) Run(ctx context.Context) error {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return errors.New("queue is already running")
	}
	q.running = true
	lanes := make([]*lane, 0, len(q.lanes))
	for _, l := range q.lanes {
		lanes = append(lanes, l)
	}
	q.mu.Unlock()

	var wg sync.WaitGroup
	for _, l := range lanes {
		utils.Info("Starting %d %s worker(s)", l.cfg.Concurrency, l.kind)
		wg.Add(l.cfg.Concurrency)
		for i := 1; i <= l.cfg.Concurrency; i++ {
			go q.worker(ctx, l, i, &wg)
		}
	}

	<-ctx.Done()
	wg.Wait()

	q.mu.Lock()
	q.running = false
	q.mu.Unlock()
	utils.Info("Queue workers stopped")
	return nil
}

func (q *Queue) worker(ctx context.Context, l *lane, id int, wg *sync.WaitGroup) {
	defer wg.Done()
	jobCtx := context.WithoutCancel(ctx)

	for {
		if ctx.Err() != nil {
			return
		}

		job, wait := q.next(l)
		if job != nil {
			q.process(jobCtx, l, job)
			continue
		}

		var timer <-chan time.Time
		if wait >= 0 {
			t := time.NewTimer(wait)
			timer = t.C
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-l.wake:
				t.Stop()
			case <-timer:
			}
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-l.wake:
		}
	}
}
