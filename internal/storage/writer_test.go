package storage_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MrWong99/fieldrec/internal/storage"
	"github.com/MrWong99/fieldrec/internal/storage/mock"
	"github.com/MrWong99/fieldrec/pkg/audio"
	"github.com/MrWong99/fieldrec/pkg/bus"
)

const frameSize = 4

func frame(t *testing.T, pool *audio.FramePool, seq uint64) *audio.Frame {
	t.Helper()
	f, err := pool.Get()
	if err != nil {
		t.Fatalf("pool.Get: %v", err)
	}
	f.Seq = seq
	for i := range f.Data {
		f.Data[i] = byte(seq)
	}
	return f
}

func newWriter(t *testing.T, batch int) (*storage.Writer, *mock.Volume, *bus.Guard, *audio.FramePool) {
	t.Helper()
	vol := mock.NewVolume()
	g := bus.NewGuard(bus.SD, 20*time.Millisecond)
	w := storage.NewWriter(storage.WriterConfig{Volume: vol, Guard: g, BatchFrames: batch})
	pool, err := audio.NewFramePool(frameSize, 16)
	if err != nil {
		t.Fatalf("NewFramePool: %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })
	return w, vol, g, pool
}

func TestWriter_BatchesFrames(t *testing.T) {
	t.Parallel()
	w, vol, g, pool := newWriter(t, 3)
	if err := w.Open(context.Background(), "session", "rec.pcm"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if g.Holder() != "session" {
		t.Errorf("SD holder = %q, want session", g.Holder())
	}

	for seq := uint64(1); seq <= 2; seq++ {
		if err := w.Write(frame(t, pool, seq)); err != nil {
			t.Fatalf("Write(%d): %v", seq, err)
		}
	}
	if _, _, writes, _ := vol.Counts(); writes != 0 {
		t.Fatalf("physical writes before batch full = %d, want 0", writes)
	}
	if err := w.Write(frame(t, pool, 3)); err != nil {
		t.Fatalf("Write(3): %v", err)
	}
	if _, _, writes, _ := vol.Counts(); writes != 1 {
		t.Fatalf("physical writes after batch full = %d, want 1", writes)
	}
	if got := pool.Available(); got != pool.Cap() {
		t.Errorf("frames not released: %d of %d available", got, pool.Cap())
	}

	data, _ := vol.Data("rec.pcm")
	want := []byte{1, 1, 1, 1, 2, 2, 2, 2, 3, 3, 3, 3}
	if !bytes.Equal(data, want) {
		t.Errorf("file = %v, want %v", data, want)
	}
	s := w.Session()
	if s.Frames != 3 || s.Durable != 12 || s.LastSeq != 3 {
		t.Errorf("Session() = %+v", s)
	}
}

func TestWriter_SequenceErrorLeavesFileUnchanged(t *testing.T) {
	t.Parallel()
	w, vol, _, pool := newWriter(t, 2)
	if err := w.Open(context.Background(), "session", "rec.pcm"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	for _, seq := range []uint64{1, 2, 3} {
		if err := w.Write(frame(t, pool, seq)); err != nil {
			t.Fatalf("Write(%d): %v", seq, err)
		}
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	before, _ := vol.Data("rec.pcm")

	tests := []struct {
		name string
		seq  uint64
	}{
		{name: "duplicate", seq: 3},
		{name: "older", seq: 1},
		{name: "zero", seq: 0},
	}
	for _, tt := range tests {
		err := w.Write(frame(t, pool, tt.seq))
		var se *storage.SequenceError
		if !errors.As(err, &se) {
			t.Fatalf("%s: err = %v, want *SequenceError", tt.name, err)
		}
		if !errors.Is(err, storage.ErrSequence) {
			t.Errorf("%s: SequenceError does not match ErrSequence", tt.name)
		}
		if se.Last != 3 || se.Got != tt.seq {
			t.Errorf("%s: SequenceError = %+v", tt.name, se)
		}
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	after, _ := vol.Data("rec.pcm")
	if !bytes.Equal(before, after) {
		t.Errorf("file changed after rejected frames: %v -> %v", before, after)
	}
	if got := pool.Available(); got != pool.Cap() {
		t.Errorf("rejected frames not released: %d of %d available", got, pool.Cap())
	}
}

func TestWriter_GapsAreAccepted(t *testing.T) {
	t.Parallel()
	w, _, _, pool := newWriter(t, 8)
	if err := w.Open(context.Background(), "session", "rec.pcm"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	for _, seq := range []uint64{1, 2, 5, 9} {
		if err := w.Write(frame(t, pool, seq)); err != nil {
			t.Fatalf("Write(%d): %v", seq, err)
		}
	}
}

func TestWriter_FlushFailureIsIOError(t *testing.T) {
	t.Parallel()
	w, vol, _, pool := newWriter(t, 8)
	if err := w.Open(context.Background(), "session", "rec.pcm"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := w.Write(frame(t, pool, 1)); err != nil {
		t.Fatalf("Write: %v", err)
	}

	vol.SetFailWrites(1)
	if err := w.Flush(); !errors.Is(err, storage.ErrIO) {
		t.Fatalf("Flush err = %v, want ErrIO", err)
	}
	if got := w.Session().Buffered; got != frameSize {
		t.Errorf("Buffered after failed write = %d, want %d", got, frameSize)
	}

	vol.SetFailSyncs(1)
	if err := w.Flush(); !errors.Is(err, storage.ErrIO) {
		t.Fatalf("Flush err = %v, want ErrIO on sync", err)
	}
	// The write half succeeded; nothing is buffered any more.
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	data, _ := vol.Data("rec.pcm")
	if len(data) != frameSize {
		t.Errorf("file has %d bytes, want %d", len(data), frameSize)
	}
}

func TestWriter_BatchWriteFailureKeepsBatch(t *testing.T) {
	t.Parallel()
	w, vol, _, pool := newWriter(t, 2)
	if err := w.Open(context.Background(), "session", "rec.pcm"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	vol.SetFailWrites(1)
	if err := w.Write(frame(t, pool, 1)); err != nil {
		t.Fatalf("Write(1): %v", err)
	}
	if err := w.Write(frame(t, pool, 2)); !errors.Is(err, storage.ErrIO) {
		t.Fatalf("Write(2) err = %v, want ErrIO", err)
	}
	if err := w.Reopen(context.Background()); err != nil {
		t.Fatalf("Reopen: %v", err)
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush after reopen: %v", err)
	}
	data, _ := vol.Data("rec.pcm")
	if want := []byte{1, 1, 1, 1, 2, 2, 2, 2}; !bytes.Equal(data, want) {
		t.Errorf("file = %v, want %v", data, want)
	}
	if got := w.Session().Reopens; got != 1 {
		t.Errorf("Reopens = %d, want 1", got)
	}
}

func TestWriter_ReopenFailure(t *testing.T) {
	t.Parallel()
	w, vol, g, _ := newWriter(t, 2)
	if err := w.Open(context.Background(), "session", "rec.pcm"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	vol.SetFailAppends(1)
	if err := w.Reopen(context.Background()); !errors.Is(err, storage.ErrIO) {
		t.Fatalf("Reopen err = %v, want ErrIO", err)
	}
	if err := w.Flush(); !errors.Is(err, storage.ErrIO) {
		t.Fatalf("Flush without file err = %v, want ErrIO", err)
	}
	_ = w.Close()
	if !g.Free() {
		t.Error("SD guard held after Close")
	}
}

func TestWriter_CloseAlwaysReleasesGuard(t *testing.T) {
	t.Parallel()
	w, vol, g, pool := newWriter(t, 8)
	if err := w.Open(context.Background(), "session", "rec.pcm"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := w.Write(frame(t, pool, 1)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	vol.SetFailSyncs(-1)
	if err := w.Close(); !errors.Is(err, storage.ErrIO) {
		t.Fatalf("Close err = %v, want ErrIO", err)
	}
	if !g.Free() {
		t.Fatal("SD guard held after failed Close")
	}
	if w.IsOpen() {
		t.Error("IsOpen() = true after Close")
	}
	if err := w.Write(frame(t, pool, 2)); !errors.Is(err, storage.ErrClosed) {
		t.Errorf("Write after Close err = %v, want ErrClosed", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestWriter_OpenErrors(t *testing.T) {
	t.Parallel()
	w, vol, g, _ := newWriter(t, 8)

	vol.SetFailCreates(1)
	if err := w.Open(context.Background(), "session", "rec.pcm"); !errors.Is(err, storage.ErrIO) {
		t.Fatalf("Open err = %v, want ErrIO", err)
	}
	if !g.Free() {
		t.Fatal("SD guard held after failed create")
	}

	if err := w.Open(context.Background(), "session", "rec.pcm"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := w.Open(context.Background(), "session", "other.pcm"); !errors.Is(err, storage.ErrOpen) {
		t.Fatalf("second Open err = %v, want ErrOpen", err)
	}
}

func TestWriter_OpenBusTimeout(t *testing.T) {
	t.Parallel()
	w, _, g, _ := newWriter(t, 8)
	blocker, err := g.Acquire(context.Background(), "other")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer blocker.Release()
	if err := w.Open(context.Background(), "session", "rec.pcm"); !errors.Is(err, bus.ErrBusTimeout) {
		t.Fatalf("Open err = %v, want ErrBusTimeout", err)
	}
}

func TestOSVolume(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	vol := storage.OSVolume{Root: root}
	g := bus.NewGuard(bus.SD, 20*time.Millisecond)
	w := storage.NewWriter(storage.WriterConfig{Volume: vol, Guard: g, BatchFrames: 1})
	pool, err := audio.NewFramePool(frameSize, 4)
	if err != nil {
		t.Fatalf("NewFramePool: %v", err)
	}

	if err := w.Open(context.Background(), "session", "2026/rec.pcm"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := w.Write(frame(t, pool, 1)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Reopen(context.Background()); err != nil {
		t.Fatalf("Reopen: %v", err)
	}
	if err := w.Write(frame(t, pool, 2)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(root, "2026", "rec.pcm"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if want := []byte{1, 1, 1, 1, 2, 2, 2, 2}; !bytes.Equal(data, want) {
		t.Errorf("file = %v, want %v", data, want)
	}

	if _, err := vol.Create("../escape.pcm"); err == nil {
		t.Error("Create outside the volume root succeeded")
	}
}
