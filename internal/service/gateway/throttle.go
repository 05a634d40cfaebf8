package gateway

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Caller is anything that turns a prompt into model text.
type Caller interface {
	Call(ctx context.Context, prompt string) (string, error)
}

// Throttled spaces calls to next at least minInterval apart, across every
// goroutine sharing it.
type Throttled struct {
	next    Caller
	limiter *rate.Limiter
}

func NewThrottled(next Caller, minInterval time.Duration) *Throttled {
	limit := rate.Inf
	if minInterval > 0 {
		limit = rate.Every(minInterval)
	}
	return &Throttled{next: next, limiter: rate.NewLimiter(limit, 1)}
}

func (t *Throttled) Call(ctx context.Context, prompt string) (string, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return t.next.Call(ctx, prompt)
}
