package tools

import (
	"time"

	"golang.org/x/time/rate"
)

// rateBucket wraps golang.org/x/time/rate with a per-minute budget, keeping
// the same Allow() call shape the rest of this package already uses while
// replacing the hand-rolled timestamp-sliding-window bucket with a real
// token-bucket limiter.
type rateBucket struct {
	limiter *rate.Limiter
}

func newRateBucket(maxPerMinute int, _ func() time.Time) *rateBucket {
	if maxPerMinute <= 0 {
		return &rateBucket{limiter: rate.NewLimiter(rate.Inf, 1)}
	}
	perSecond := rate.Limit(float64(maxPerMinute) / 60.0)
	return &rateBucket{limiter: rate.NewLimiter(perSecond, maxPerMinute)}
}

// Allow reports whether a call may proceed right now under the budget.
func (rb *rateBucket) Allow() bool {
	return rb.limiter.Allow()
}
