package delivery

import (
	"context"

	"golang.org/x/time/rate"
)

// Limited throttles how often the wrapped Deliverer starts an upload.
type Limited struct {
	next    Deliverer
	limiter *rate.Limiter
}

// NewLimited wraps next with a token bucket refilled at perSecond with the
// given burst. A perSecond of zero or less returns next unchanged.
func NewLimited(next Deliverer, perSecond float64, burst int) Deliverer {
	if perSecond <= 0 {
		return next
	}
	if burst < 1 {
		burst = 1
	}
	return &Limited{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

// Deliver waits for a token and then delegates. A wait cut short by ctx is
// reported as a delivery failure.
func (l *Limited) Deliver(ctx context.Context, task Task) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return failf("rate limit: %w", err)
	}
	return l.next.Deliver(ctx, task)
}
