// Package capture turns the I2S DMA stream into fixed-size, sequence-numbered
// audio frames.
//
// The DMA completion callback runs in the driver's interrupt context and only
// copies bytes into pooled buffers and enqueues completed frames on a bounded
// queue. The consumer drains that queue with the non-blocking [Pipeline.Poll].
// When the consumer falls behind, completed frames are dropped and reported
// once as an [OverrunError] on the next poll.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/fieldrec/pkg/audio"
	"github.com/MrWong99/fieldrec/pkg/bus"
)

var (
	// ErrFrameOverrun matches every [OverrunError].
	ErrFrameOverrun = errors.New("capture: frame overrun")

	// ErrRunning is returned by Start when the pipeline is already capturing.
	ErrRunning = errors.New("capture: already running")
)

// OverrunError reports frames dropped since the previous poll because the
// queue was full or no buffer was free. It is informational, not fatal.
type OverrunError struct {
	Dropped uint64
}

func (e *OverrunError) Error() string {
	return fmt.Sprintf("capture: frame overrun: %d frame(s) dropped", e.Dropped)
}

// Is makes errors.Is(err, ErrFrameOverrun) match.
func (e *OverrunError) Is(target error) bool { return target == ErrFrameOverrun }

// Default sizing.
const (
	DefaultQueueDepth = 8
)

// Config configures a [Pipeline].
type Config struct {
	// Driver is the I2S receive driver. Required.
	Driver audio.I2S

	// Guard protects the I2S bus. Required.
	Guard *bus.Guard

	// QueueDepth is the number of completed frames that may wait for Poll.
	// Defaults to 8.
	QueueDepth int

	// PoolSize is the number of frame buffers. It must cover the queue, the
	// frame being filled, and the frames held by the consumer. Defaults to
	// QueueDepth*2 + 1.
	PoolSize int

	// OnFrame, when set, is called from the DMA context for every completed
	// and enqueued frame. It must not block.
	OnFrame func(seq uint64)
}

// Stats is a snapshot of pipeline counters. Counters are cumulative over the
// lifetime of the pipeline.
type Stats struct {
	Running   bool
	Frames    uint64 // frames enqueued
	Overruns  uint64 // frames dropped
	Bytes     uint64 // bytes received from DMA
	Queued    int
	LastSeq   uint64
	PoolAvail int
}

// Pipeline is the audio capture pipeline. It is safe for concurrent use; the
// DMA callback and Poll may run on different goroutines.
type Pipeline struct {
	driver     audio.I2S
	guard      *bus.Guard
	queueDepth int
	poolSize   int
	onFrame    func(uint64)

	mu       sync.Mutex
	running  bool
	token    *bus.Token
	cfg      audio.I2SConfig
	pool     *audio.FramePool
	queue    chan *audio.Frame
	cur      *audio.Frame
	scratch  []byte // absorbs a frame when the pool is exhausted
	fill     int
	nextSeq  uint64
	produced uint64 // completed frames, enqueued or dropped, this session
	pending  uint64 // drops not yet reported by Poll
	stats    Stats
}

// New creates a pipeline. It does not touch the hardware.
func New(cfg Config) *Pipeline {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultQueueDepth
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = cfg.QueueDepth*2 + 1
	}
	return &Pipeline{
		driver:     cfg.Driver,
		guard:      cfg.Guard,
		queueDepth: cfg.QueueDepth,
		poolSize:   cfg.PoolSize,
		onFrame:    cfg.OnFrame,
		queue:      make(chan *audio.Frame, cfg.QueueDepth),
	}
}

// Start validates cfg, acquires the I2S bus for owner and starts the driver.
// An invalid configuration fails with [audio.ErrInvalidConfig] before the
// guard or the driver is touched. A bus timeout is returned as-is so the
// caller can retry.
func (p *Pipeline) Start(ctx context.Context, owner string, cfg audio.I2SConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("capture: start: %w", err)
	}

	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return ErrRunning
	}
	p.mu.Unlock()

	tok, err := p.guard.Acquire(ctx, owner)
	if err != nil {
		return fmt.Errorf("capture: start: %w", err)
	}

	pool, err := audio.NewFramePool(cfg.FrameSize, p.poolSize)
	if err != nil {
		tok.Release()
		return fmt.Errorf("capture: start: %w", err)
	}

	p.mu.Lock()
	p.discardQueueLocked()
	p.running = true
	p.token = tok
	p.cfg = cfg
	p.pool = pool
	p.queue = make(chan *audio.Frame, p.queueDepth)
	p.cur = nil
	p.scratch = make([]byte, cfg.FrameSize)
	p.fill = 0
	p.nextSeq = 1
	p.produced = 0
	p.pending = 0
	p.mu.Unlock()

	if err := p.driver.Start(cfg, p.onDMA); err != nil {
		p.mu.Lock()
		p.running = false
		p.token = nil
		p.mu.Unlock()
		tok.Release()
		return fmt.Errorf("capture: start driver: %w", err)
	}

	slog.Info("capture started",
		"owner", owner,
		"sample_rate", cfg.SampleRate,
		"frame_size", cfg.FrameSize,
		"frame_duration", cfg.FrameDuration(),
	)
	return nil
}

// onDMA is the DMA completion callback.
func (p *Pipeline) onDMA(buf []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	p.stats.Bytes += uint64(len(buf))

	for len(buf) > 0 {
		if p.cur == nil && p.fill == 0 {
			f, err := p.pool.Get()
			if err == nil {
				p.cur = f
			}
		}
		dst := p.scratch
		if p.cur != nil {
			dst = p.cur.Data
		}
		n := copy(dst[p.fill:], buf)
		p.fill += n
		buf = buf[n:]
		if p.fill == len(dst) {
			p.completeLocked()
		}
	}
}

func (p *Pipeline) completeLocked() {
	f := p.cur
	p.cur = nil
	p.fill = 0
	index := p.produced
	p.produced++

	if f == nil {
		p.dropLocked()
		return
	}
	f.Seq = p.nextSeq
	f.Timestamp = time.Duration(index) * p.cfg.FrameDuration()
	select {
	case p.queue <- f:
		p.nextSeq++
		p.stats.Frames++
		p.stats.LastSeq = f.Seq
		if p.onFrame != nil {
			p.onFrame(f.Seq)
		}
	default:
		f.Release()
		p.dropLocked()
	}
}

func (p *Pipeline) dropLocked() {
	p.pending++
	p.stats.Overruns++
}

// Poll returns the next completed frame without blocking. If frames were
// dropped since the previous call it first returns an [OverrunError] and no
// frame; the drop count is then cleared. With nothing ready it returns
// (nil, nil). Frames queued before Stop remain pollable after it.
func (p *Pipeline) Poll() (*audio.Frame, error) {
	p.mu.Lock()
	if p.pending > 0 {
		n := p.pending
		p.pending = 0
		p.mu.Unlock()
		return nil, &OverrunError{Dropped: n}
	}
	q := p.queue
	p.mu.Unlock()

	select {
	case f := <-q:
		return f, nil
	default:
		return nil, nil
	}
}

// Stop halts the driver, discards the partially filled frame and releases the
// I2S bus. It is a no-op when the pipeline is not running.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	// The driver may be inside onDMA waiting for p.mu.
	err := p.driver.Stop()

	p.mu.Lock()
	if p.cur != nil {
		p.cur.Release()
		p.cur = nil
	}
	p.fill = 0
	tok := p.token
	p.token = nil
	p.mu.Unlock()

	tok.Release()
	if err != nil {
		return fmt.Errorf("capture: stop driver: %w", err)
	}
	slog.Info("capture stopped", "frames", p.Stats().Frames)
	return nil
}

// Discard releases every frame still queued.
func (p *Pipeline) Discard() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.discardQueueLocked()
}

func (p *Pipeline) discardQueueLocked() int {
	n := 0
	for {
		select {
		case f := <-p.queue:
			f.Release()
			n++
		default:
			return n
		}
	}
}

// Running reports whether the pipeline holds the I2S bus and receives data.
func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Config returns the active capture configuration.
func (p *Pipeline) Config() audio.I2SConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

// Stats returns a snapshot of the pipeline counters.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.Running = p.running
	s.Queued = len(p.queue)
	if p.pool != nil {
		s.PoolAvail = p.pool.Available()
	}
	return s
}
