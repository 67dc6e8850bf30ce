package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultTimeout is the acquisition timeout used when a guard is created with a
// non-positive timeout.
const DefaultTimeout = 100 * time.Millisecond

// Guard serialises access to a single bus. The zero value is not usable; create
// guards with [NewGuard] or through a [Set].
type Guard struct {
	id       ID
	handle   Handle
	timeout  time.Duration
	observer Observer
	set      *Set

	// sem is a one-slot semaphore. A send acquires, a receive releases.
	sem chan struct{}

	mu     sync.Mutex
	holder string
}

// GuardOption configures a [Guard].
type GuardOption func(*Guard)

// WithObserver reports acquisition events to o.
func WithObserver(o Observer) GuardOption {
	return func(g *Guard) { g.observer = o }
}

// WithName overrides the handle name (default: the bus name with a "0" suffix).
func WithName(name string) GuardOption {
	return func(g *Guard) { g.handle.name = name }
}

// NewGuard creates a guard for bus id. A non-positive timeout selects
// [DefaultTimeout].
func NewGuard(id ID, timeout time.Duration, opts ...GuardOption) *Guard {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	g := &Guard{
		id:      id,
		handle:  Handle{bus: id, name: id.String() + "0"},
		timeout: timeout,
		sem:     make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// ID returns the bus this guard protects.
func (g *Guard) ID() ID { return g.id }

// Timeout returns the acquisition timeout.
func (g *Guard) Timeout() time.Duration { return g.timeout }

// Holder returns the owner currently holding the bus, or "" when free.
func (g *Guard) Holder() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.holder
}

// Free reports whether no token is outstanding.
func (g *Guard) Free() bool {
	return len(g.sem) == 0
}

// Acquire blocks until the bus is free, ctx is done, or the guard's timeout
// elapses. The owner names the caller for reentrancy and ordering checks and
// must be non-empty.
func (g *Guard) Acquire(ctx context.Context, owner string) (*Token, error) {
	if owner == "" {
		return nil, fmt.Errorf("bus: acquire %s: empty owner", g.id)
	}

	g.mu.Lock()
	reentrant := g.holder == owner
	g.mu.Unlock()
	if reentrant {
		return nil, fmt.Errorf("%w: %s already holds %s", ErrReentrant, owner, g.id)
	}
	if g.set != nil {
		if err := g.set.checkOrder(owner, g.id); err != nil {
			return nil, err
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("bus: acquire %s: %w", g.id, err)
	}

	start := time.Now()
	select {
	case g.sem <- struct{}{}:
	default:
		timer := time.NewTimer(g.timeout)
		defer timer.Stop()
		select {
		case g.sem <- struct{}{}:
		case <-timer.C:
			if g.observer != nil {
				g.observer.BusTimedOut(g.id)
			}
			return nil, fmt.Errorf("%w: %s after %s (held by %q)", ErrBusTimeout, g.id, g.timeout, g.Holder())
		case <-ctx.Done():
			return nil, fmt.Errorf("bus: acquire %s: %w", g.id, ctx.Err())
		}
	}

	now := time.Now()
	g.mu.Lock()
	g.holder = owner
	g.mu.Unlock()
	if g.set != nil {
		g.set.noteHeld(owner, g.id)
	}
	if g.observer != nil {
		g.observer.BusAcquired(g.id, now.Sub(start))
	}
	return &Token{guard: g, owner: owner, acquiredAt: now}, nil
}

func (g *Guard) release(owner string) {
	g.mu.Lock()
	g.holder = ""
	g.mu.Unlock()
	if g.set != nil {
		g.set.noteReleased(owner, g.id)
	}
	<-g.sem
}

// Token is proof of exclusive access to one bus. It must be released exactly
// once; further calls to [Token.Release] are no-ops.
type Token struct {
	guard      *Guard
	owner      string
	acquiredAt time.Time
	released   atomic.Bool
}

// Release frees the bus for the next waiter.
func (t *Token) Release() {
	if t == nil || !t.released.CompareAndSwap(false, true) {
		return
	}
	t.guard.release(t.owner)
}

// Released reports whether Release has been called.
func (t *Token) Released() bool { return t.released.Load() }

// Handle returns the peripheral handle of the held bus.
func (t *Token) Handle() Handle { return t.guard.handle }

// Bus returns the held bus.
func (t *Token) Bus() ID { return t.guard.id }

// Owner returns the owner the token was issued to.
func (t *Token) Owner() string { return t.owner }

// HeldFor returns how long the token has been held.
func (t *Token) HeldFor() time.Duration { return time.Since(t.acquiredAt) }
