package storage

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

// DefaultBatchFrames is the number of frames buffered per physical write.
const DefaultBatchFrames = 8

// FileSession describes the open output file.
type FileSession struct {
	Path     string    `json:"path"`
	OpenedAt time.Time `json:"opened_at"`

	// Frames is the number of frames accepted into the session.
	Frames uint64 `json:"frames"`

	// Durable is the number of bytes handed to the volume by successful
	// physical writes. Buffered is the number of bytes still in memory.
	Durable  int64 `json:"durable_bytes"`
	Buffered int   `json:"buffered_bytes"`

	LastSeq uint64 `json:"last_seq"`
	Reopens int    `json:"reopens"`
}

// WriterConfig configures a [Writer].
type WriterConfig struct {
	// Volume is the target volume. Required.
	Volume Volume

	// Guard protects the SD bus. Required.
	Guard *bus.Guard

	// BatchFrames is the number of frames buffered before a physical write.
	// Defaults to [DefaultBatchFrames].
	BatchFrames int

	// OnWrite, when set, is called after every successful physical write
	// with the number of bytes written.
	OnWrite func(n int)
}

// Writer is the storage writer. All methods are safe for concurrent use but
// frames must be written by a single producer to keep capture order.
type Writer struct {
	volume      Volume
	guard       *bus.Guard
	batchFrames int
	onWrite     func(int)

	mu      sync.Mutex
	token   *bus.Token
	file    File
	session FileSession
	pending []byte
	batched int
	hasSeq  bool
	lastSeq uint64
}

// NewWriter creates a writer. It does not touch the volume.
func NewWriter(cfg WriterConfig) *Writer {
	if cfg.BatchFrames <= 0 {
		cfg.BatchFrames = DefaultBatchFrames
	}
	return &Writer{
		volume:      cfg.Volume,
		guard:       cfg.Guard,
		batchFrames: cfg.BatchFrames,
		onWrite:     cfg.OnWrite,
	}
}

// Open acquires the SD bus for owner and creates or truncates path. A bus
// timeout keeps matching [bus.ErrBusTimeout] so the caller can retry; a volume
// failure releases the bus and returns [ErrIO].
func (w *Writer) Open(ctx context.Context, owner, path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.token != nil {
		return fmt.Errorf("%w: %s", ErrOpen, w.session.Path)
	}

	tok, err := w.guard.Acquire(ctx, owner)
	if err != nil {
		return fmt.Errorf("storage: open %s: %w", path, err)
	}
	f, err := w.volume.Create(path)
	if err != nil {
		tok.Release()
		return fmt.Errorf("%w: create %s: %v", ErrIO, path, err)
	}

	w.token = tok
	w.file = f
	w.session = FileSession{Path: path, OpenedAt: time.Now()}
	w.pending = w.pending[:0]
	w.batched = 0
	w.hasSeq = false
	w.lastSeq = 0
	slog.Info("storage session opened", "path", path, "owner", owner)
	return nil
}

// Write accepts frame into the current batch and releases it. A frame whose
// sequence number does not exceed the last accepted one is rejected with a
// [SequenceError] and nothing is buffered. When the batch is full it is
// written to the file; if that fails the batch is kept for a later retry and
// [ErrIO] is returned.
func (w *Writer) Write(frame *audio.Frame) error {
	defer frame.Release()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.token == nil {
		return ErrClosed
	}
	if w.hasSeq && frame.Seq <= w.lastSeq {
		return &SequenceError{Last: w.lastSeq, Got: frame.Seq}
	}

	w.pending = append(w.pending, frame.Data...)
	w.batched++
	w.hasSeq = true
	w.lastSeq = frame.Seq
	w.session.Frames++
	w.session.LastSeq = frame.Seq

	if w.batched >= w.batchFrames {
		if err := w.writePendingLocked(); err != nil {
			return fmt.Errorf("%w: write %s: %v", ErrIO, w.session.Path, err)
		}
	}
	return nil
}

// Flush writes the pending batch and syncs the file to the card.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

func (w *Writer) flushLocked() error {
	if w.token == nil {
		return ErrClosed
	}
	if w.file == nil {
		return fmt.Errorf("%w: %s is not open", ErrIO, w.session.Path)
	}
	if err := w.writePendingLocked(); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrIO, w.session.Path, err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("%w: sync %s: %v", ErrIO, w.session.Path, err)
	}
	return nil
}

func (w *Writer) writePendingLocked() error {
	if w.file == nil {
		return errors.New("file not open")
	}
	if len(w.pending) == 0 {
		return nil
	}
	n, err := w.file.Write(w.pending)
	if n > 0 {
		w.session.Durable += int64(n)
		if w.onWrite != nil {
			w.onWrite(n)
		}
	}
	// Keep the unwritten tail.
	rest := copy(w.pending, w.pending[n:])
	w.pending = w.pending[:rest]
	if err != nil {
		return err
	}
	w.batched = 0
	return nil
}

// Reopen closes the file, ignoring errors, and reopens it in append mode. The
// SD token, the pending batch and the sequence state are kept.
func (w *Writer) Reopen(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.token == nil {
		return ErrClosed
	}
	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
	}
	f, err := w.volume.OpenAppend(w.session.Path)
	if err != nil {
		return fmt.Errorf("%w: reopen %s: %v", ErrIO, w.session.Path, err)
	}
	w.file = f
	w.session.Reopens++
	slog.Warn("storage session reopened", "path", w.session.Path, "reopens", w.session.Reopens)
	return nil
}

// Close flushes, closes the file and releases the SD token. The token is
// released even when flushing or closing fails.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.token == nil {
		return nil
	}

	var errs []error
	if w.file != nil {
		if err := w.flushLocked(); err != nil {
			errs = append(errs, err)
		}
		if err := w.file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%w: close %s: %v", ErrIO, w.session.Path, err))
		}
	} else if len(w.pending) > 0 {
		errs = append(errs, fmt.Errorf("%w: %s is not open", ErrIO, w.session.Path))
	}
	lost := len(w.pending)

	w.file = nil
	w.token.Release()
	w.token = nil
	w.pending = w.pending[:0]
	w.batched = 0

	if err := errors.Join(errs...); err != nil {
		slog.Error("storage session closed with errors", "path", w.session.Path, "lost_bytes", lost, "err", err)
		return err
	}
	slog.Info("storage session closed",
		"path", w.session.Path,
		"frames", w.session.Frames,
		"bytes", w.session.Durable,
	)
	return nil
}

// IsOpen reports whether a file session is open.
func (w *Writer) IsOpen() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.token != nil
}

// Session returns a snapshot of the current or most recent file session.
func (w *Writer) Session() FileSession {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.session
	s.Buffered = len(w.pending)
	return s
}
