// Package coordinator owns the lifecycle of a recording session.
//
// A [Coordinator] brings up the storage writer, the capture pipeline and the
// display refresher in bus order (SD, then I2S, then SPI), runs the loop that
// moves frames from capture to storage, and tears everything down again in
// reverse. It is the only component that interprets faults:
//
//   - bus timeouts during start are retried a bounded number of times;
//   - capture overruns are counted and otherwise ignored;
//   - a storage sequence error is fatal to the session;
//   - a storage I/O error triggers one recovery pass (reopen and flush). A
//     failed recovery, or another I/O error within the fault cooldown, is
//     fatal.
//
// After a fatal fault every pipeline is halted, the error is retained and the
// coordinator stays Faulted until the next Start.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/fieldrec/internal/capture"
	"github.com/MrWong99/fieldrec/internal/catalog"
	"github.com/MrWong99/fieldrec/internal/display"
	"github.com/MrWong99/fieldrec/internal/observe"
	"github.com/MrWong99/fieldrec/internal/resilience"
	"github.com/MrWong99/fieldrec/internal/storage"
	"github.com/MrWong99/fieldrec/pkg/audio"
	"github.com/MrWong99/fieldrec/pkg/bus"
)

var (
	// ErrFaulted wraps the cause of a fatal fault.
	ErrFaulted = errors.New("coordinator: faulted")

	// ErrBusy is returned when an operation is not allowed in the current
	// state.
	ErrBusy = errors.New("coordinator: busy")

	// ErrNotRunning is returned by Flush when no session is running.
	ErrNotRunning = errors.New("coordinator: no session running")
)

// Defaults for [Config].
const (
	DefaultBusRetries     = 3
	DefaultPollInterval   = 5 * time.Millisecond
	DefaultFlushInterval  = time.Second
	DefaultStatusInterval = 250 * time.Millisecond
	DefaultStartupTimeout = 2 * time.Second
)

// Config holds the session parameters.
type Config struct {
	// Capture is the I2S configuration for every session.
	Capture audio.I2SConfig

	// Path names the output file of a session. Defaults to
	// "<yyyymmdd-hhmmss>-<id8>.pcm" in UTC.
	Path func(id string, started time.Time) string

	// BusRetries is how often a timed-out bus acquisition is retried during
	// start. Zero means the default of 3; negative disables retries.
	BusRetries int

	// PollInterval is the capture drain period. Default: 5ms.
	PollInterval time.Duration

	// FlushInterval is the periodic storage flush period. Default: 1s.
	FlushInterval time.Duration

	// StatusInterval is the status screen render period. Default: 250ms.
	StatusInterval time.Duration

	// FaultCooldown is the window after an I/O fault in which another one
	// is fatal. Default: 10s.
	FaultCooldown time.Duration

	// StartupTimeout bounds the whole start sequence. Default: 2s.
	StartupTimeout time.Duration

	// StopDisplay stops the display refresher on Stop. When false the status
	// screen keeps updating between sessions.
	StopDisplay bool
}

// Deps are the components a coordinator drives.
type Deps struct {
	// Capture and Storage are required.
	Capture *capture.Pipeline
	Storage *storage.Writer

	// Display and Screen are optional; without both no status is rendered.
	Display *display.Refresher
	Screen  *display.StatusRenderer

	// Buses, when set, is reported in [Status].
	Buses *bus.Set

	// Catalog, when set, receives one record per session.
	Catalog catalog.Store

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Option configures a [Coordinator].
type Option func(*Coordinator)

// WithClock replaces time.Now for session timestamps and the fault cooldown.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithFaultHandler registers fn to be called after every fatal fault.
func WithFaultHandler(fn func(error)) Option {
	return func(c *Coordinator) { c.onFault = fn }
}

// session is one Start..Stop cycle.
type session struct {
	id      string
	owner   string
	path    string
	started time.Time

	cancel   context.CancelFunc
	done     chan struct{}
	flushReq chan chan error

	halted   atomic.Bool
	stopping atomic.Bool
	ended    atomic.Int64 // unix nanos, 0 while live
}

// resume is the state a successful recovery returns to.
func (s *session) resume() State {
	if s.stopping.Load() {
		return Stopping
	}
	return Running
}

func (s *session) alive() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Coordinator is the session coordinator. All exported methods are safe for
// concurrent use; Start, Stop and Close are serialised.
type Coordinator struct {
	cfg     Config
	capture *capture.Pipeline
	storage *storage.Writer
	display *display.Refresher
	screen  *display.StatusRenderer
	buses   *bus.Set
	catalog catalog.Store
	metrics *observe.Metrics
	now     func() time.Time
	onFault func(error)
	faults  *resilience.FaultWindow

	opMu     sync.Mutex
	renderMu sync.Mutex
	state    atomic.Int32

	level    atomic.Uint64 // float64 bits
	overruns atomic.Uint64

	mu      sync.Mutex
	sess    *session
	lastErr error

	subMu   sync.Mutex
	subs    map[int]chan Status
	nextSub int
}

// New creates a coordinator in the Idle state. It does not touch hardware.
func New(cfg Config, deps Deps, opts ...Option) *Coordinator {
	if cfg.Path == nil {
		cfg.Path = defaultPath
	}
	if cfg.BusRetries == 0 {
		cfg.BusRetries = DefaultBusRetries
	}
	if cfg.BusRetries < 0 {
		cfg.BusRetries = 0
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = DefaultStatusInterval
	}
	if cfg.FaultCooldown <= 0 {
		cfg.FaultCooldown = resilience.DefaultCooldown
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = DefaultStartupTimeout
	}
	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}

	c := &Coordinator{
		cfg:     cfg,
		capture: deps.Capture,
		storage: deps.Storage,
		display: deps.Display,
		screen:  deps.Screen,
		buses:   deps.Buses,
		catalog: deps.Catalog,
		metrics: deps.Metrics,
		now:     time.Now,
		subs:    make(map[int]chan Status),
	}
	for _, o := range opts {
		o(c)
	}
	c.faults = resilience.NewFaultWindow(resilience.FaultWindowConfig{
		Name:     "storage",
		Cooldown: cfg.FaultCooldown,
		Now:      c.now,
	})
	return c
}

func defaultPath(id string, started time.Time) string {
	return started.UTC().Format("20060102-150405") + "-" + id[:8] + ".pcm"
}

// State returns the current state.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// DisplayGate reports whether the display may use the SPI bus. It is closed
// while a session is being brought up or torn down.
func (c *Coordinator) DisplayGate() bool {
	st := c.State()
	return st != Starting && st != Stopping
}

// Err returns the error retained from the last fatal fault or failed start,
// or nil.
func (c *Coordinator) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Owner returns the bus owner name of the current session, or "" when no
// session exists.
func (c *Coordinator) Owner() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return ""
	}
	return c.sess.owner
}

func (c *Coordinator) setState(ctx context.Context, to State) {
	from := State(c.state.Swap(int32(to)))
	if from == to {
		return
	}
	c.metrics.RecordTransition(ctx, to.String())
	slog.Debug("coordinator state changed", "from", from, "to", to)
	st := c.Status()
	c.notify(st)
	c.render(st)
}

// Start begins a new session. It is allowed from Idle and from a halted
// Faulted state. An invalid capture configuration is returned without any
// state change. Any other start failure unwinds what was already started and
// leaves the coordinator Faulted with the error retained.
func (c *Coordinator) Start(ctx context.Context) (err error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	st := c.State()
	c.mu.Lock()
	prev := c.sess
	c.mu.Unlock()
	switch {
	case st == Faulted && prev != nil && !prev.halted.Load() && prev.alive():
		return fmt.Errorf("%w: recovery in progress", ErrBusy)
	case st != Idle && st != Faulted:
		return fmt.Errorf("%w: cannot start while %s", ErrBusy, st)
	}
	if err := c.cfg.Capture.Validate(); err != nil {
		return fmt.Errorf("coordinator: start: %w", err)
	}

	ctx, span := observe.StartSpan(ctx, "coordinator.start")
	defer func() { observe.EndSpan(span, err) }()

	c.releaseResidual()
	c.setState(ctx, Starting)

	id := uuid.NewString()
	started := c.now()
	s := &session{
		id:       id,
		owner:    "session/" + id[:8],
		path:     c.cfg.Path(id, started),
		started:  started,
		flushReq: make(chan chan error),
	}
	startCtx, cancel := context.WithTimeout(ctx, c.cfg.StartupTimeout)
	defer cancel()

	if err := c.withBusRetry(startCtx, "storage open", func(ctx context.Context) error {
		return c.storage.Open(ctx, s.owner, s.path)
	}); err != nil {
		return c.startFailed(ctx, "storage", err)
	}
	if err := c.withBusRetry(startCtx, "capture start", func(ctx context.Context) error {
		return c.capture.Start(ctx, s.owner, c.cfg.Capture)
	}); err != nil {
		if cerr := c.storage.Close(); cerr != nil {
			slog.Warn("close storage after failed start", "err", cerr)
		}
		return c.startFailed(ctx, "capture", err)
	}
	if c.display != nil {
		if err := c.withBusRetry(startCtx, "display start", c.display.Start); err != nil {
			c.releaseResidual()
			return c.startFailed(ctx, "display", err)
		}
	}

	c.faults.Reset()
	c.overruns.Store(0)
	c.level.Store(0)

	loopCtx, cancelLoop := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancelLoop
	s.done = make(chan struct{})

	c.mu.Lock()
	c.sess = s
	c.lastErr = nil
	c.mu.Unlock()

	c.catalogBegin(ctx, s)
	c.metrics.ActiveSessions.Add(ctx, 1)
	c.setState(ctx, Running)
	go c.loop(loopCtx, s)

	slog.Info("session started",
		"session_id", s.id,
		"path", s.path,
		"sample_rate", c.cfg.Capture.SampleRate,
		"frame_size", c.cfg.Capture.FrameSize,
	)
	return nil
}

func (c *Coordinator) withBusRetry(ctx context.Context, name string, fn func(context.Context) error) error {
	err := resilience.Retry(ctx, name, c.cfg.BusRetries, isBusTimeout, fn)
	if isBusTimeout(err) {
		c.metrics.RecordFault(ctx, "bus_timeout")
	}
	return err
}

func isBusTimeout(err error) bool { return errors.Is(err, bus.ErrBusTimeout) }

func (c *Coordinator) startFailed(ctx context.Context, part string, cause error) error {
	err := fmt.Errorf("%w: start %s: %w", ErrFaulted, part, cause)
	c.metrics.RecordFault(ctx, "start")
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
	c.setState(ctx, Faulted)
	slog.Error("session start failed", "part", part, "err", cause)
	return err
}

// releaseResidual makes sure nothing from a previous session still holds a
// bus. Every step is a no-op when already done.
func (c *Coordinator) releaseResidual() {
	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()
	if s != nil && s.cancel != nil {
		s.cancel()
		<-s.done
	}
	if err := c.capture.Stop(); err != nil {
		slog.Warn("stop capture", "err", err)
	}
	c.capture.Discard()
	if err := c.storage.Close(); err != nil {
		slog.Warn("close storage", "err", err)
	}
}

func (c *Coordinator) loop(ctx context.Context, s *session) {
	defer close(s.done)

	poll := time.NewTicker(c.cfg.PollInterval)
	defer poll.Stop()
	flush := time.NewTicker(c.cfg.FlushInterval)
	defer flush.Stop()
	status := time.NewTicker(c.cfg.StatusInterval)
	defer status.Stop()

	for {
		var err error
		select {
		case <-ctx.Done():
			return
		case <-poll.C:
			err = c.drain(ctx, s)
		case <-flush.C:
			err = c.flush(ctx, s)
		case reply := <-s.flushReq:
			if err = c.drain(ctx, s); err == nil {
				err = c.flush(ctx, s)
			}
			reply <- err
		case <-status.C:
			c.render(c.Status())
		}
		if err != nil && s.halted.Load() {
			return
		}
	}
}

// drain moves queued frames into storage until the queue is empty or ctx is
// done. Frames left behind are written by Stop.
func (c *Coordinator) drain(ctx context.Context, s *session) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		f, err := c.capture.Poll()
		if err != nil {
			c.noteOverrun(ctx, err)
			continue
		}
		if f == nil {
			return nil
		}
		c.level.Store(math.Float64bits(audio.PeakLevel(f.Data)))
		c.metrics.CaptureFrames.Add(ctx, 1)
		if err := c.storage.Write(f); err != nil {
			return c.handleStorageErr(ctx, s, err)
		}
	}
}

func (c *Coordinator) noteOverrun(ctx context.Context, err error) {
	var oe *capture.OverrunError
	if !errors.As(err, &oe) {
		slog.Warn("capture poll", "err", err)
		return
	}
	c.overruns.Add(oe.Dropped)
	c.metrics.CaptureOverruns.Add(ctx, int64(oe.Dropped))
	slog.Warn("capture overrun", "dropped", oe.Dropped)
}

func (c *Coordinator) flush(ctx context.Context, s *session) error {
	start := time.Now()
	err := c.storage.Flush()
	c.metrics.RecordFlush(ctx, time.Since(start), err)
	if err != nil {
		return c.handleStorageErr(ctx, s, err)
	}
	return nil
}

// handleStorageErr applies the fault policy to a storage error. It returns
// nil when the session survived.
func (c *Coordinator) handleStorageErr(ctx context.Context, s *session, err error) error {
	switch {
	case errors.Is(err, storage.ErrIO):
		return c.recover(ctx, s, err)
	case errors.Is(err, storage.ErrSequence):
		c.metrics.RecordFault(ctx, "sequence")
		return c.fatal(ctx, s, err)
	default:
		c.metrics.RecordFault(ctx, "storage")
		return c.fatal(ctx, s, err)
	}
}

func (c *Coordinator) recover(ctx context.Context, s *session, cause error) error {
	c.metrics.RecordFault(ctx, "io")
	c.setState(ctx, Faulted)

	ctx, span := observe.StartSpan(ctx, "coordinator.recover")
	attempted := false
	err := c.faults.Recover(cause, func() error {
		attempted = true
		// Recovery runs to completion even when Stop cancels the loop.
		if err := c.storage.Reopen(context.WithoutCancel(ctx)); err != nil {
			return err
		}
		return c.storage.Flush()
	})
	observe.EndSpan(span, err)
	if attempted {
		c.metrics.RecordRecovery(ctx, err)
	}
	if err != nil {
		return c.fatal(ctx, s, err)
	}
	c.setState(ctx, s.resume())
	return nil
}

// fatal halts every pipeline of s and leaves the coordinator Faulted.
func (c *Coordinator) fatal(ctx context.Context, s *session, cause error) error {
	if s.halted.Swap(true) {
		return c.Err()
	}
	err := fmt.Errorf("%w: %w", ErrFaulted, cause)
	s.ended.Store(c.now().UnixNano())

	if serr := c.capture.Stop(); serr != nil {
		slog.Warn("stop capture after fault", "err", serr)
	}
	dropped := c.capture.Discard()
	if cerr := c.storage.Close(); cerr != nil {
		slog.Warn("close storage after fault", "err", cerr)
	}

	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()

	c.catalogFinish(ctx, s, catalog.OutcomeFaulted, err)
	c.metrics.ActiveSessions.Add(ctx, -1)
	c.setState(ctx, Faulted)
	slog.Error("session halted by fatal fault",
		"session_id", s.id,
		"dropped_frames", dropped,
		"err", cause,
	)
	if c.onFault != nil {
		c.onFault(err)
	}
	return err
}

// Flush drains the capture queue and flushes storage through the session
// loop, applying the same fault policy as the periodic flush. After a fatal
// fault it returns the retained error.
func (c *Coordinator) Flush(ctx context.Context) error {
	c.mu.Lock()
	s, lastErr := c.sess, c.lastErr
	c.mu.Unlock()
	if s == nil || !s.alive() {
		if c.State() == Faulted && lastErr != nil {
			return lastErr
		}
		return ErrNotRunning
	}

	reply := make(chan error, 1)
	select {
	case s.flushReq <- reply:
	case <-s.done:
		if err := c.Err(); err != nil && s.halted.Load() {
			return err
		}
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop ends the running session: capture stops first, the remaining queued
// frames are written, storage is flushed and closed, and the display is
// stopped when configured. Every session bus is free when it returns.
//
// Stopping a session halted by a fatal fault only releases what may still be
// held; the coordinator stays Faulted. Stopping when Idle is a no-op.
func (c *Coordinator) Stop(ctx context.Context) (err error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.stopLocked(ctx)
}

func (c *Coordinator) stopLocked(ctx context.Context) (err error) {
	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()
	if c.State() == Idle || s == nil {
		return nil
	}

	ctx, span := observe.StartSpan(ctx, "coordinator.stop")
	defer func() { observe.EndSpan(span, err) }()

	wasHalted := s.halted.Load()
	s.cancel()
	<-s.done
	if s.halted.Load() {
		c.releaseResidual()
		c.stopDisplay()
		if !wasHalted {
			// The session died while we waited for the loop.
			return c.Err()
		}
		return nil
	}
	if c.State() != Running {
		// A start failure left no live session.
		c.releaseResidual()
		c.stopDisplay()
		return nil
	}

	s.stopping.Store(true)
	c.setState(ctx, Stopping)
	var errs []error
	if err := c.capture.Stop(); err != nil {
		errs = append(errs, err)
	}
	// Media errors while draining or in the final flush go through the
	// fault policy; a fatal one closes storage and leaves us Faulted.
	ferr := c.drainFinal(ctx, s)
	if ferr == nil {
		ferr = c.flush(ctx, s)
	}
	if s.halted.Load() {
		c.stopDisplay()
		return fmt.Errorf("coordinator: stop: %w", errors.Join(append(errs, ferr)...))
	}
	if ferr != nil {
		errs = append(errs, ferr)
	}
	if err := c.storage.Close(); err != nil {
		errs = append(errs, err)
	}
	c.stopDisplay()
	s.ended.Store(c.now().UnixNano())

	err = errors.Join(errs...)
	c.catalogFinish(ctx, s, catalog.OutcomeComplete, err)
	c.metrics.ActiveSessions.Add(ctx, -1)
	c.setState(ctx, Idle)

	fs := c.storage.Session()
	slog.Info("session stopped",
		"session_id", s.id,
		"frames", fs.Frames,
		"bytes", fs.Durable,
		"overruns", c.overruns.Load(),
	)
	if err != nil {
		return fmt.Errorf("coordinator: stop: %w", err)
	}
	return nil
}

// drainFinal writes the frames still queued after capture stopped. Storage
// errors get the same fault policy as in the loop; once the session cannot
// continue the rest of the queue is discarded.
func (c *Coordinator) drainFinal(ctx context.Context, s *session) error {
	for {
		f, err := c.capture.Poll()
		if err != nil {
			c.noteOverrun(ctx, err)
			continue
		}
		if f == nil {
			return nil
		}
		c.metrics.CaptureFrames.Add(ctx, 1)
		if err := c.storage.Write(f); err != nil {
			if err = c.handleStorageErr(ctx, s, err); err != nil {
				n := c.capture.Discard()
				slog.Warn("discarding queued frames", "frames", n, "err", err)
				return err
			}
		}
	}
}

func (c *Coordinator) stopDisplay() {
	if c.display != nil && c.cfg.StopDisplay {
		c.display.Stop()
	}
}

// Close stops the session and the display refresher.
func (c *Coordinator) Close(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	err := c.stopLocked(ctx)
	if c.display != nil {
		c.display.Stop()
	}
	c.subMu.Lock()
	for id, ch := range c.subs {
		close(ch)
		delete(c.subs, id)
	}
	c.subMu.Unlock()
	return err
}

func (c *Coordinator) render(st Status) {
	if c.display == nil || c.screen == nil {
		return
	}
	// Dirty regions are relative to the previous render.
	c.renderMu.Lock()
	defer c.renderMu.Unlock()
	c.display.Update(c.screen.Render(display.Status{
		State:    st.State.String(),
		Level:    st.Level,
		Frames:   st.Frames,
		Overruns: st.Overruns,
		Elapsed:  st.Elapsed,
		Faulted:  st.State == Faulted,
	}))
}

func (c *Coordinator) catalogBegin(ctx context.Context, s *session) {
	if c.catalog == nil {
		return
	}
	cfg := c.cfg.Capture
	err := c.catalog.Begin(ctx, catalog.Recording{
		ID:            s.id,
		Path:          s.path,
		StartedAt:     s.started,
		SampleRate:    cfg.SampleRate,
		BitsPerSample: cfg.BitsPerSample,
		Channels:      cfg.Channels,
		FrameSize:     cfg.FrameSize,
	})
	if err != nil {
		slog.Warn("catalog begin", "session_id", s.id, "err", err)
	}
}

func (c *Coordinator) catalogFinish(ctx context.Context, s *session, outcome catalog.Outcome, cause error) {
	if c.catalog == nil {
		return
	}
	fs := c.storage.Session()
	sum := catalog.Summary{
		EndedAt:  time.Unix(0, s.ended.Load()),
		Frames:   fs.Frames,
		Bytes:    fs.Durable,
		Overruns: c.overruns.Load(),
		Faults:   c.faults.Faults(),
		Outcome:  outcome,
	}
	if cause != nil {
		sum.Error = cause.Error()
	}
	if err := c.catalog.Finish(context.WithoutCancel(ctx), s.id, sum); err != nil {
		slog.Warn("catalog finish", "session_id", s.id, "err", err)
	}
}
