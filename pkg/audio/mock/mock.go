// Package mock provides a simulated [audio.I2S] driver.
//
// The driver has two modes. In manual mode (ToneHz == 0) nothing is delivered
// until the test calls [I2S.Emit], which invokes the registered DMA callback
// synchronously. In tone mode (ToneHz > 0) Start launches a generator
// goroutine that produces a 16-bit sine wave in real time, one DMA buffer per
// Interval, which is what the host build of the recorder runs on.
//
// Set the exported Result fields before use; inspect the Call* fields after.
//
// Typical usage:
//
//	drv := &mock.I2S{}
//	pipeline := capture.New(capture.Config{Driver: drv, Guard: guard})
//	_ = pipeline.Start(ctx, "session", cfg)
//	drv.Emit(make([]byte, cfg.FrameSize))
//	frame, _ := pipeline.Poll()
package mock

import (
	"encoding/binary"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/MrWong99/fieldrec/pkg/audio"
)

// ErrAlreadyStarted is returned by [I2S.Start] when the driver is running.
var ErrAlreadyStarted = errors.New("mock i2s: already started")

// I2S is a simulated I2S receive driver. It is safe for concurrent use.
type I2S struct {
	mu sync.Mutex

	// StartError is returned by Start when non-nil.
	StartError error

	// StopError is returned by Stop when non-nil.
	StopError error

	// ToneHz selects tone mode when positive.
	ToneHz float64

	// Amplitude of the generated tone in [0, 1]. Defaults to 0.5.
	Amplitude float64

	// Interval between generated DMA buffers in tone mode. Defaults to the
	// configured frame duration.
	Interval time.Duration

	// StartCalls records the configuration of every Start call.
	StartCalls []audio.I2SConfig

	// CallCountStop records how many times Stop was called.
	CallCountStop int

	cfg     audio.I2SConfig
	onDMA   func([]byte)
	running bool
	done    chan struct{}
	wg      sync.WaitGroup

	// deliver serialises DMA callbacks so Stop can wait for one in flight.
	deliver sync.Mutex
}

var _ audio.I2S = (*I2S)(nil)

// Start implements [audio.I2S].
func (d *I2S) Start(cfg audio.I2SConfig, onDMA func([]byte)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.StartCalls = append(d.StartCalls, cfg)
	if d.StartError != nil {
		return d.StartError
	}
	if d.running {
		return ErrAlreadyStarted
	}
	d.cfg = cfg
	d.onDMA = onDMA
	d.running = true
	d.done = make(chan struct{})

	if d.ToneHz > 0 {
		interval := d.Interval
		if interval <= 0 {
			interval = cfg.FrameDuration()
		}
		if interval <= 0 {
			interval = 10 * time.Millisecond
		}
		amp := d.Amplitude
		if amp <= 0 {
			amp = 0.5
		}
		d.wg.Add(1)
		go d.generate(cfg, d.ToneHz, amp, interval, d.done)
	}
	return nil
}

// Stop implements [audio.I2S]. It waits for the generator goroutine and any
// in-flight callback.
func (d *I2S) Stop() error {
	d.mu.Lock()
	d.CallCountStop++
	if d.StopError != nil {
		err := d.StopError
		d.mu.Unlock()
		return err
	}
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	close(d.done)
	d.mu.Unlock()

	d.wg.Wait()
	d.deliver.Lock()
	d.onDMA = nil
	d.deliver.Unlock()
	return nil
}

// Running reports whether the driver is delivering buffers.
func (d *I2S) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// Emit delivers buf to the DMA callback as a completed DMA buffer. It returns
// false when the driver is not running.
func (d *I2S) Emit(buf []byte) bool {
	d.mu.Lock()
	running := d.running
	d.mu.Unlock()
	if !running {
		return false
	}
	d.deliver.Lock()
	defer d.deliver.Unlock()
	if d.onDMA == nil {
		return false
	}
	d.onDMA(buf)
	return true
}

// EmitFrames delivers n buffers of size bytes each. Byte j of buffer i is
// fill(i, j); a nil fill yields zeros. It returns the number delivered.
func (d *I2S) EmitFrames(n, size int, fill func(i, j int) byte) int {
	buf := make([]byte, size)
	sent := 0
	for i := range n {
		for j := range buf {
			if fill != nil {
				buf[j] = fill(i, j)
			} else {
				buf[j] = 0
			}
		}
		if !d.Emit(buf) {
			break
		}
		sent++
	}
	return sent
}

func (d *I2S) generate(cfg audio.I2SConfig, hz, amp float64, interval time.Duration, done <-chan struct{}) {
	defer d.wg.Done()

	bytesPerTick := int(int64(cfg.BytesPerSecond()) * int64(interval) / int64(time.Second))
	width := cfg.BytesPerSampleFrame()
	if width <= 0 {
		return
	}
	bytesPerTick -= bytesPerTick % width
	if bytesPerTick <= 0 {
		bytesPerTick = width
	}
	buf := make([]byte, bytesPerTick)
	bytesPerSample := cfg.BitsPerSample / 8
	var n int64

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}
		for off := 0; off+width <= len(buf); off += width {
			v := amp * math.Sin(2*math.Pi*hz*float64(n)/float64(cfg.SampleRate))
			s := int16(v * 32767)
			for ch := range cfg.Channels {
				p := off + ch*bytesPerSample
				clear(buf[p : p+bytesPerSample])
				// 16-bit sample in the most significant bytes of the slot.
				binary.LittleEndian.PutUint16(buf[p+bytesPerSample-2:], uint16(s))
			}
			n++
		}
		d.Emit(buf)
	}
}
