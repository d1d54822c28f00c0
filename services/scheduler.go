package services

import (
	"context"
	"time"

	"go.uber.org/zap"

	"property-sync/utils"
)

// Scanner starts a search scan.
type Scanner interface {
	StartScrape(ctx context.Context, targetURL string) (ScrapeTicket, error)
}

// Scheduler triggers a scan of the start URL on a fixed interval.
type Scheduler struct {
	scanner  Scanner
	interval time.Duration
	url      string
}

func NewScheduler(scanner Scanner, interval time.Duration, url string) *Scheduler {
	return &Scheduler{scanner: scanner, interval: interval, url: url}
}

// Run blocks until ctx is done. A non-positive interval disables it.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.interval <= 0 {
		<-ctx.Done()
		return nil
	}
	utils.Info("Scheduler every %v for %s", s.interval, s.url)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			t, err := s.scanner.StartScrape(ctx, s.url)
			if err != nil {
				utils.L().Error("scheduled scan failed", zap.String("url", s.url), zap.Error(err))
				continue
			}
			utils.L().Info("scheduled scan queued", zap.String("job_id", t.JobID))
		}
	}
}
