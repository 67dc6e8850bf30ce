package resilience

import (
	"context"
	"log/slog"
	"time"
)

// Retry calls fn until it succeeds, returns an error for which retryable is
// false, ctx is done, or it has been retried retries times. The last error is
// returned. fn is always called at least once.
func Retry(ctx context.Context, name string, retries int, retryable func(error) bool, fn func(context.Context) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(ctx); err == nil || !retryable(err) {
			return err
		}
		if attempt >= retries || ctx.Err() != nil {
			return err
		}
		slog.Debug("retrying", "name", name, "attempt", attempt+1, "max_retries", retries, "err", err)
	}
}

// Default backoff parameters.
const (
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second
)

// Backoff yields exponentially growing delays capped at Max. The zero value
// starts at 1s and caps at 30s. It is not safe for concurrent use.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration

	cur time.Duration
}

// Next returns the delay to wait before the next attempt and doubles it.
func (b *Backoff) Next() time.Duration {
	if b.Initial <= 0 {
		b.Initial = defaultBackoff
	}
	if b.Max <= 0 {
		b.Max = defaultMaxBackoff
	}
	if b.cur == 0 {
		b.cur = b.Initial
	}
	d := b.cur
	b.cur = min(b.cur*2, b.Max)
	return d
}

// Reset starts the sequence over.
func (b *Backoff) Reset() { b.cur = 0 }

// Wait sleeps for the next delay or until ctx is done, returning ctx.Err()
// in the latter case.
func (b *Backoff) Wait(ctx context.Context) error {
	t := time.NewTimer(b.Next())
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
