package coords

import (
	"context"
	"time"

	"go.uber.org/zap"

	"property-sync/browser"
	"property-sync/models"
	"property-sync/utils"
)

const (
	DefaultAttempts = 2
	DefaultDelay    = 750 * time.Millisecond
)

// Result is a resolved coordinate pair and the strategy that produced it.
type Result struct {
	Coordinates models.Coordinates
	Source      string
}

// Resolver tries its strategies in order and returns the first valid pair.
// Each strategy gets a few attempts since map data often appears only after
// client-side scripts have run.
type Resolver struct {
	strategies []Strategy
	attempts   int
	delay      time.Duration
}

func NewResolver(attempts int, delay time.Duration, strategies ...Strategy) *Resolver {
	if attempts < 1 {
		attempts = DefaultAttempts
	}
	if delay < 0 {
		delay = 0
	}
	return &Resolver{strategies: strategies, attempts: attempts, delay: delay}
}

func (r *Resolver) Strategies() []string {
	names := make([]string, len(r.strategies))
	for i, s := range r.strategies {
		names[i] = s.Name()
	}
	return names
}

// Resolve never returns a 0,0 or out-of-range pair. A miss is logged with the
// strategies tried and is not an error.
func (r *Resolver) Resolve(ctx context.Context, p browser.Page) (Result, bool) {
	var tried []string
	for _, s := range r.strategies {
		tried = append(tried, s.Name())
		for attempt := 1; attempt <= r.attempts; attempt++ {
			c, ok, err := s.Resolve(p)
			if err != nil {
				utils.L().Debug("coordinate strategy failed",
					zap.String("strategy", s.Name()),
					zap.Int("attempt", attempt),
					zap.String("url", p.URL()),
					zap.Error(err))
			}
			if ok && c.Valid() {
				return Result{Coordinates: c, Source: s.Name()}, true
			}
			if attempt < r.attempts {
				if err := utils.Sleep(ctx, r.delay); err != nil {
					utils.L().Warn("coordinate resolution cancelled",
						zap.String("url", p.URL()), zap.Strings("strategies", tried))
					return Result{}, false
				}
			}
		}
	}
	utils.L().Warn("coordinates not found",
		zap.String("url", p.URL()),
		zap.Strings("strategies", tried),
		zap.Int("attempts_each", r.attempts))
	return Result{}, false
}
