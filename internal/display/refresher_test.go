package display

import (
	"context"
	"errors"
	"image"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/MrWong99/fieldrec/pkg/bus"
	"github.com/MrWong99/fieldrec/pkg/display"
	"github.com/MrWong99/fieldrec/pkg/display/mock"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newRefresher(t *testing.T, interval time.Duration) (*Refresher, *mock.Panel, *bus.Guard) {
	t.Helper()
	panel := &mock.Panel{W: 16, H: 16}
	g := bus.NewGuard(bus.SPI, 20*time.Millisecond)
	r := New(Config{Panel: panel, Guard: g, MinInterval: interval})
	t.Cleanup(r.Stop)
	return r, panel, g
}

func frame(seq uint64) *display.Frame {
	f := display.NewFrame(16, 16)
	f.Seq = seq
	return f
}

func TestRefresher_LatestWins(t *testing.T) {
	t.Parallel()
	var coalesced atomic.Int32
	panel := &mock.Panel{W: 16, H: 16}
	g := bus.NewGuard(bus.SPI, 20*time.Millisecond)
	r := New(Config{Panel: panel, Guard: g, MinInterval: time.Millisecond, OnCoalesce: func() { coalesced.Add(1) }})

	r.Update(frame(1))
	r.Update(frame(2))
	r.Update(frame(3))

	if !r.Tick(context.Background()) {
		t.Fatal("Tick did not push")
	}
	if got := panel.Pushed(); len(got) != 1 || got[0] != 3 {
		t.Fatalf("Pushed() = %v, want [3]", got)
	}
	s := r.Stats()
	if s.Updates != 3 || s.Coalesced != 2 || s.Pushes != 1 {
		t.Errorf("Stats() = %+v", s)
	}
	if coalesced.Load() != 2 {
		t.Errorf("OnCoalesce called %d times, want 2", coalesced.Load())
	}
	if !g.Free() {
		t.Error("SPI guard held after tick")
	}

	// Nothing pending: no push, no error.
	time.Sleep(2 * time.Millisecond)
	if r.Tick(context.Background()) {
		t.Error("Tick pushed without a pending frame")
	}
}

func TestRefresher_MinIntervalCapsRate(t *testing.T) {
	t.Parallel()
	r, panel, _ := newRefresher(t, 50*time.Millisecond)

	r.Update(frame(1))
	if !r.Tick(context.Background()) {
		t.Fatal("first Tick did not push")
	}
	r.Update(frame(2))
	if r.Tick(context.Background()) {
		t.Fatal("second Tick inside the interval pushed")
	}
	time.Sleep(60 * time.Millisecond)
	if !r.Tick(context.Background()) {
		t.Fatal("Tick after the interval did not push")
	}
	if got := panel.Pushed(); len(got) != 2 || got[1] != 2 {
		t.Errorf("Pushed() = %v, want [1 2]", got)
	}
}

func TestRefresher_BusTimeoutKeepsFramePending(t *testing.T) {
	t.Parallel()
	r, panel, g := newRefresher(t, time.Millisecond)
	blocker, err := g.Acquire(context.Background(), "someone-else")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	r.Update(frame(7))
	if r.Tick(context.Background()) {
		t.Fatal("Tick pushed without the bus")
	}
	if got := r.Stats().BusTimeouts; got != 1 {
		t.Errorf("BusTimeouts = %d, want 1", got)
	}

	blocker.Release()
	if !r.Tick(context.Background()) {
		t.Fatal("Tick after release did not push")
	}
	if got := panel.Pushed(); len(got) != 1 || got[0] != 7 {
		t.Errorf("Pushed() = %v, want [7]", got)
	}
}

func TestRefresher_PushErrorIsCountedNotRaised(t *testing.T) {
	t.Parallel()
	var pushErrs atomic.Int32
	panel := &mock.Panel{W: 16, H: 16, PushError: errors.New("spi fault")}
	g := bus.NewGuard(bus.SPI, 20*time.Millisecond)
	r := New(Config{Panel: panel, Guard: g, MinInterval: time.Millisecond, OnPush: func(_ time.Duration, err error) {
		if err != nil {
			pushErrs.Add(1)
		}
	}})

	r.Update(frame(1))
	if r.Tick(context.Background()) {
		t.Fatal("Tick reported success for a failed push")
	}
	if got := r.Stats().Errors; got != 1 {
		t.Errorf("Errors = %d, want 1", got)
	}
	if pushErrs.Load() != 1 {
		t.Errorf("OnPush saw %d errors, want 1", pushErrs.Load())
	}
	if !g.Free() {
		t.Error("SPI guard held after failed push")
	}
}

func TestRefresher_GateSkipsTicks(t *testing.T) {
	t.Parallel()
	var open atomic.Bool
	panel := &mock.Panel{W: 16, H: 16}
	g := bus.NewGuard(bus.SPI, 20*time.Millisecond)
	r := New(Config{Panel: panel, Guard: g, MinInterval: time.Millisecond, Gate: open.Load})

	r.Update(frame(1))
	if r.Tick(context.Background()) {
		t.Fatal("Tick pushed while gate closed")
	}
	open.Store(true)
	if !r.Tick(context.Background()) {
		t.Fatal("Tick did not push after gate opened")
	}
}

func TestRefresher_StartStopLoop(t *testing.T) {
	t.Parallel()
	r, panel, g := newRefresher(t, 5*time.Millisecond)

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	r.Update(frame(1))

	deadline := time.Now().Add(2 * time.Second)
	for len(panel.Pushed()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("loop never pushed the pending frame")
		}
		time.Sleep(time.Millisecond)
	}

	r.Stop()
	if r.Running() {
		t.Error("Running() = true after Stop")
	}
	if !g.Free() {
		t.Error("SPI guard held after Stop")
	}

	// Restart does not re-run the panel init sequence.
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	r.Stop()
	if got := panel.CallCountInit(); got != 1 {
		t.Errorf("Init called %d times, want 1", got)
	}
}

func TestRefresher_SetMinInterval(t *testing.T) {
	t.Parallel()
	r, panel, _ := newRefresher(t, time.Hour)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	r.SetMinInterval(2 * time.Millisecond)
	r.Update(frame(1))

	deadline := time.Now().Add(2 * time.Second)
	for len(panel.Pushed()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("interval change did not take effect")
		}
		time.Sleep(time.Millisecond)
	}
	if got := r.Stats().MinInterval; got != 2*time.Millisecond {
		t.Errorf("MinInterval = %v, want 2ms", got)
	}
}

func TestRefresher_StartErrors(t *testing.T) {
	t.Parallel()

	t.Run("bus timeout", func(t *testing.T) {
		t.Parallel()
		r, _, g := newRefresher(t, time.Millisecond)
		blocker, err := g.Acquire(context.Background(), "other")
		if err != nil {
			t.Fatalf("Acquire: %v", err)
		}
		defer blocker.Release()
		if err := r.Start(context.Background()); !errors.Is(err, bus.ErrBusTimeout) {
			t.Fatalf("Start err = %v, want ErrBusTimeout", err)
		}
		if r.Running() {
			t.Error("Running() = true after failed Start")
		}
	})

	t.Run("init failure", func(t *testing.T) {
		t.Parallel()
		panel := &mock.Panel{InitError: errors.New("no panel")}
		g := bus.NewGuard(bus.SPI, 20*time.Millisecond)
		r := New(Config{Panel: panel, Guard: g})
		if err := r.Start(context.Background()); err == nil {
			t.Fatal("expected error")
		}
		if !g.Free() {
			t.Error("SPI guard held after failed init")
		}
	})
}

func dirtyFrame(seq uint64, dirty image.Rectangle) *display.Frame {
	f := frame(seq)
	f.Dirty = dirty
	return f
}

func TestRefresher_DirtyRegions(t *testing.T) {
	t.Parallel()

	t.Run("coalesced regions merge", func(t *testing.T) {
		t.Parallel()
		r, panel, _ := newRefresher(t, time.Millisecond)
		r.Update(dirtyFrame(1, image.Rect(0, 0, 4, 2)))
		r.Update(dirtyFrame(2, image.Rect(10, 8, 12, 9)))
		if !r.Tick(context.Background()) {
			t.Fatal("Tick did not push")
		}
		if got := panel.Regions(); len(got) != 1 || got[0] != image.Rect(0, 0, 12, 9) {
			t.Errorf("Regions() = %v, want [(0,0)-(12,9)]", got)
		}
	})

	t.Run("failed push region is redrawn", func(t *testing.T) {
		t.Parallel()
		r, panel, _ := newRefresher(t, time.Millisecond)
		panel.SetPushError(errors.New("spi fault"))
		r.Update(dirtyFrame(1, image.Rect(2, 2, 4, 4)))
		if r.Tick(context.Background()) {
			t.Fatal("Tick reported success for a failed push")
		}
		panel.SetPushError(nil)
		time.Sleep(2 * time.Millisecond)
		r.Update(dirtyFrame(2, image.Rect(8, 8, 9, 9)))
		if !r.Tick(context.Background()) {
			t.Fatal("Tick did not push")
		}
		if got := panel.Regions(); len(got) != 1 || got[0] != image.Rect(2, 2, 9, 9) {
			t.Errorf("Regions() = %v, want [(2,2)-(9,9)]", got)
		}
	})

	t.Run("clean frame is dropped", func(t *testing.T) {
		t.Parallel()
		r, panel, _ := newRefresher(t, time.Millisecond)
		r.Update(dirtyFrame(1, image.Rectangle{}))
		if r.Tick(context.Background()) {
			t.Fatal("Tick pushed a clean frame")
		}
		if len(panel.Pushed()) != 0 {
			t.Errorf("Pushed() = %v, want none", panel.Pushed())
		}
	})
}

func TestRefresher_IntervalCountsFromPushStart(t *testing.T) {
	t.Parallel()
	panel := &mock.Panel{W: 16, H: 16, PushDelay: 30 * time.Millisecond}
	g := bus.NewGuard(bus.SPI, 20*time.Millisecond)
	r := New(Config{Panel: panel, Guard: g, MinInterval: 40 * time.Millisecond})

	r.Update(frame(1))
	if !r.Tick(context.Background()) {
		t.Fatal("first Tick did not push")
	}
	// 50ms after the first push started, 20ms after it finished.
	time.Sleep(20 * time.Millisecond)
	r.Update(frame(2))
	if !r.Tick(context.Background()) {
		t.Fatal("Tick one interval after the previous push started did not push")
	}
}
