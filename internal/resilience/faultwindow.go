// Package resilience provides the fault and retry primitives the recorder
// uses around its peripherals.
//
// [FaultWindow] is a two-state breaker for media faults: the first fault of a
// streak may be recovered from once; a further fault inside the cooldown of
// the previous one trips the window. [Retry] repeats an operation a bounded
// number of times for retryable errors, and [Backoff] produces capped
// exponential delays for reconnect loops.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrTripped is returned by [FaultWindow.Recover] when a fault arrives within
// the cooldown of the previous one, or when the recovery itself fails.
var ErrTripped = errors.New("resilience: fault window tripped")

// DefaultCooldown is the fault cooldown used when none is configured.
const DefaultCooldown = 10 * time.Second

// FaultWindowConfig holds the tuning knobs for a [FaultWindow].
type FaultWindowConfig struct {
	// Name is a human-readable label used in log messages.
	Name string

	// Cooldown is the window after a fault during which another fault is
	// fatal. Default: 10s.
	Cooldown time.Duration

	// Now returns the current time. Default: time.Now.
	Now func() time.Time
}

// FaultWindow tracks a streak of faults and allows exactly one recovery
// attempt per streak.
type FaultWindow struct {
	name     string
	cooldown time.Duration
	now      func() time.Time

	mu         sync.Mutex
	lastFault  time.Time
	faults     int
	recoveries int
	tripped    bool
}

// NewFaultWindow creates a [FaultWindow]. Zero-value config fields are
// replaced with defaults.
func NewFaultWindow(cfg FaultWindowConfig) *FaultWindow {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &FaultWindow{name: cfg.Name, cooldown: cfg.Cooldown, now: cfg.Now}
}

// Recover registers the fault cause and, if the window allows it, runs
// fn once. It returns nil when the recovery succeeded. When the fault
// follows the previous one within the cooldown, fn is not called and
// the result wraps both [ErrTripped] and cause. A failing recovery also trips
// the window.
func (w *FaultWindow) Recover(cause error, fn func() error) error {
	w.mu.Lock()
	now := w.now()
	repeat := !w.lastFault.IsZero() && now.Sub(w.lastFault) < w.cooldown
	w.lastFault = now
	w.faults++
	if w.tripped || repeat {
		w.tripped = true
		w.mu.Unlock()
		slog.Error("fault within cooldown, not recovering",
			"name", w.name,
			"cooldown", w.cooldown,
			"err", cause,
		)
		return fmt.Errorf("%w: repeated fault within %s: %w", ErrTripped, w.cooldown, cause)
	}
	w.recoveries++
	w.mu.Unlock()

	slog.Warn("recovering from fault", "name", w.name, "err", cause)
	if err := fn(); err != nil {
		w.mu.Lock()
		w.tripped = true
		w.mu.Unlock()
		slog.Error("recovery failed", "name", w.name, "err", err)
		return fmt.Errorf("%w: recovery failed: %w", ErrTripped, errors.Join(cause, err))
	}
	slog.Info("recovered from fault", "name", w.name)
	return nil
}

// Tripped reports whether the window has given up.
func (w *FaultWindow) Tripped() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tripped
}

// Faults returns the number of faults registered since the last Reset.
func (w *FaultWindow) Faults() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.faults
}

// Recoveries returns the number of recovery attempts since the last Reset.
func (w *FaultWindow) Recoveries() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.recoveries
}

// Reset re-arms the window and clears its counters.
func (w *FaultWindow) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastFault = time.Time{}
	w.faults = 0
	w.recoveries = 0
	w.tripped = false
}
