// Package display keeps the status screen up to date.
//
// The [Refresher] holds at most one pending frame. Producers replace it with
// [Refresher.Update]; a timer goroutine acquires the SPI bus, pushes whatever
// is pending and releases the bus again. Frames that are replaced before they
// are pushed are counted as coalesced, and their dirty regions carry over to
// the frame that replaced them. Missed ticks are not errors.
package display

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/fieldrec/pkg/bus"
	"github.com/MrWong99/fieldrec/pkg/display"
)

// Defaults for [Config].
const (
	DefaultMinInterval = 100 * time.Millisecond
	DefaultOwner       = "display"
)

// Config configures a [Refresher].
type Config struct {
	// Panel is the target display. Required.
	Panel display.Panel

	// Guard protects the SPI bus. Required.
	Guard *bus.Guard

	// MinInterval is the minimum time between two pushes and the tick period.
	// Defaults to 100ms.
	MinInterval time.Duration

	// Owner is the name used when acquiring the SPI bus. Defaults to "display".
	Owner string

	// Gate, when set, is consulted before every tick. Ticks are skipped
	// while it returns false.
	Gate func() bool

	// OnPush is called after every push attempt with its duration and error.
	OnPush func(elapsed time.Duration, err error)

	// OnCoalesce is called whenever a pending frame is replaced unseen.
	OnCoalesce func()
}

// Stats is a snapshot of refresher counters.
type Stats struct {
	Running     bool          `json:"running"`
	Updates     uint64        `json:"updates"`
	Pushes      uint64        `json:"pushes"`
	Coalesced   uint64        `json:"coalesced"`
	BusTimeouts uint64        `json:"bus_timeouts"`
	Errors      uint64        `json:"errors"`
	MinInterval time.Duration `json:"min_interval"`
}

// Refresher pushes the latest status frame to the panel at a bounded rate.
// All methods are safe for concurrent use.
type Refresher struct {
	panel      display.Panel
	guard      *bus.Guard
	owner      string
	gate       func() bool
	onPush     func(time.Duration, error)
	onCoalesce func()

	interval atomic.Int64
	reset    chan struct{}

	// tickMu serialises ticks from the loop and from direct Tick calls.
	tickMu sync.Mutex

	mu       sync.Mutex
	pending  *display.Frame
	lastPush time.Time
	// stale is the area of failed pushes still to be redrawn.
	stale       image.Rectangle
	stats       Stats
	initialised bool
	running     bool
	cancel      context.CancelFunc
	done        chan struct{}
}

// New creates a refresher. It does not touch the panel.
func New(cfg Config) *Refresher {
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = DefaultMinInterval
	}
	if cfg.Owner == "" {
		cfg.Owner = DefaultOwner
	}
	r := &Refresher{
		panel:      cfg.Panel,
		guard:      cfg.Guard,
		owner:      cfg.Owner,
		gate:       cfg.Gate,
		onPush:     cfg.OnPush,
		onCoalesce: cfg.OnCoalesce,
		reset:      make(chan struct{}, 1),
	}
	r.interval.Store(int64(cfg.MinInterval))
	return r
}

// Start initialises the panel under the SPI bus on first use and launches the
// tick goroutine. The goroutine outlives ctx's deadline; it ends with Stop.
// Starting a running refresher is a no-op.
func (r *Refresher) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil
	}
	needInit := !r.initialised
	r.mu.Unlock()

	if needInit {
		tok, err := r.guard.Acquire(ctx, r.owner)
		if err != nil {
			return fmt.Errorf("display: start: %w", err)
		}
		err = r.panel.Init()
		tok.Release()
		if err != nil {
			return fmt.Errorf("display: init panel: %w", err)
		}
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	r.mu.Lock()
	r.initialised = true
	r.running = true
	r.cancel = cancel
	r.done = done
	r.mu.Unlock()

	go r.loop(loopCtx, done)
	slog.Info("display refresher started", "min_interval", r.MinInterval())
	return nil
}

func (r *Refresher) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.MinInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.reset:
			ticker.Reset(r.MinInterval())
		case <-ticker.C:
			r.tick(ctx, true)
		}
	}
}

// Stop ends the tick goroutine and waits for it. A tick in progress finishes
// and releases the SPI bus first. The pending frame is kept.
func (r *Refresher) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	cancel, done := r.cancel, r.done
	r.mu.Unlock()

	cancel()
	<-done
	slog.Info("display refresher stopped")
}

// Running reports whether the tick goroutine is active.
func (r *Refresher) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Update replaces the pending frame. The refresher takes ownership of f. A
// replaced frame's dirty region is merged into f's; a frame with nothing
// dirty is dropped.
func (r *Refresher) Update(f *display.Frame) {
	r.mu.Lock()
	r.stats.Updates++
	if f.Region().Empty() {
		r.mu.Unlock()
		return
	}
	coalesced := r.pending != nil
	if coalesced {
		f.Dirty = f.Region().Union(r.pending.Region())
		r.stats.Coalesced++
	}
	r.pending = f
	r.mu.Unlock()
	if coalesced && r.onCoalesce != nil {
		r.onCoalesce()
	}
}

// Tick performs one refresh attempt and reports whether a frame was pushed.
// Nothing happens when the gate is closed, nothing is pending, or the last
// push started less than MinInterval ago. When the SPI bus cannot be acquired
// in time the frame stays pending for the next tick.
func (r *Refresher) Tick(ctx context.Context) bool {
	return r.tick(ctx, false)
}

// tick is Tick; paced ticks come from the loop's ticker, which already keeps
// pushes MinInterval apart.
func (r *Refresher) tick(ctx context.Context, paced bool) bool {
	r.tickMu.Lock()
	defer r.tickMu.Unlock()

	if r.gate != nil && !r.gate() {
		return false
	}
	r.mu.Lock()
	ready := r.pending != nil && (paced || time.Since(r.lastPush) >= r.MinInterval())
	r.mu.Unlock()
	if !ready {
		return false
	}

	tok, err := r.guard.Acquire(ctx, r.owner)
	if err != nil {
		r.mu.Lock()
		r.stats.BusTimeouts++
		r.mu.Unlock()
		slog.Debug("display tick skipped", "err", err)
		return false
	}
	defer tok.Release()

	// Take the newest frame only once the bus is ours.
	start := time.Now()
	r.mu.Lock()
	f := r.pending
	r.pending = nil
	if f != nil {
		f.Dirty = f.Region().Union(r.stale)
		r.stale = image.Rectangle{}
		r.lastPush = start
	}
	r.mu.Unlock()
	if f == nil {
		return false
	}

	err = r.panel.Push(f)
	elapsed := time.Since(start)

	r.mu.Lock()
	if err != nil {
		r.stats.Errors++
		r.stale = r.stale.Union(f.Region())
	} else {
		r.stats.Pushes++
	}
	r.mu.Unlock()

	if r.onPush != nil {
		r.onPush(elapsed, err)
	}
	if err != nil {
		slog.Warn("display push failed", "seq", f.Seq, "region", f.Region(), "err", err)
		return false
	}
	return true
}

// MinInterval returns the current minimum push interval.
func (r *Refresher) MinInterval() time.Duration {
	return time.Duration(r.interval.Load())
}

// SetMinInterval changes the push interval of a running refresher.
func (r *Refresher) SetMinInterval(d time.Duration) {
	if d <= 0 {
		d = DefaultMinInterval
	}
	r.interval.Store(int64(d))
	select {
	case r.reset <- struct{}{}:
	default:
	}
}

// Stats returns a snapshot of the counters.
func (r *Refresher) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.stats
	s.Running = r.running
	s.MinInterval = r.MinInterval()
	return s
}
