package utils

import (
	"context"
	"math/rand"
	"time"
)

// RandomDelay sleeps for a random duration between min and max, or until ctx is done.
// Pass time.Duration values like: RandomDelay(ctx, 2*time.Second, 5*time.Second)
//
// WHY RANDOM? Fixed delays are detectable patterns.
// Random delays look more like a human browsing.
func RandomDelay(ctx context.Context, min, max time.Duration) error {
	if max <= min {
		return Sleep(ctx, min)
	}
	diff := max - min
	return Sleep(ctx, min+time.Duration(rand.Int63n(int64(diff))))
}
