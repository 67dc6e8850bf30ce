package audio

import (
	"errors"
	"fmt"
	"time"
)

// DMA constraints of the I2S receive engine.
const (
	MinSampleRate = 8000
	MaxSampleRate = 96000

	// MaxDMABufferBytes is the largest single DMA buffer the engine accepts.
	MaxDMABufferBytes = 4092

	// MaxDMAFrameNum is the largest number of sample frames per DMA buffer.
	MaxDMAFrameNum = 1024
)

// ErrInvalidConfig is returned when an [I2SConfig] violates the DMA
// constraints. It is never worth retrying.
var ErrInvalidConfig = errors.New("audio: invalid config")

// I2SConfig describes one capture configuration.
type I2SConfig struct {
	// SampleRate in Hz.
	SampleRate int `yaml:"sample_rate" json:"sample_rate"`

	// BitsPerSample is the sample width: 16, 24 or 32.
	BitsPerSample int `yaml:"bits_per_sample" json:"bits_per_sample"`

	// Channels is 1 (mono) or 2 (stereo).
	Channels int `yaml:"channels" json:"channels"`

	// FrameSize is the number of bytes per [Frame].
	FrameSize int `yaml:"frame_size" json:"frame_size"`
}

// BytesPerSampleFrame returns the size of one sample across all channels.
func (c I2SConfig) BytesPerSampleFrame() int {
	return c.BitsPerSample / 8 * c.Channels
}

// BytesPerSecond returns the PCM data rate.
func (c I2SConfig) BytesPerSecond() int {
	return c.SampleRate * c.BytesPerSampleFrame()
}

// FrameDuration returns the audio duration covered by one frame.
func (c I2SConfig) FrameDuration() time.Duration {
	bps := c.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	return time.Duration(int64(c.FrameSize) * int64(time.Second) / int64(bps))
}

// Validate checks c against the DMA constraints. Every violation is reported;
// each one matches [ErrInvalidConfig] with [errors.Is].
func (c I2SConfig) Validate() error {
	var errs []error
	if c.SampleRate < MinSampleRate || c.SampleRate > MaxSampleRate {
		errs = append(errs, fmt.Errorf("%w: sample rate %d outside [%d, %d]", ErrInvalidConfig, c.SampleRate, MinSampleRate, MaxSampleRate))
	}
	switch c.BitsPerSample {
	case 16, 24, 32:
	default:
		errs = append(errs, fmt.Errorf("%w: bits per sample %d not in {16, 24, 32}", ErrInvalidConfig, c.BitsPerSample))
	}
	if c.Channels != 1 && c.Channels != 2 {
		errs = append(errs, fmt.Errorf("%w: channels %d not in {1, 2}", ErrInvalidConfig, c.Channels))
	}
	if len(errs) > 0 {
		// Frame checks depend on a valid sample layout.
		if c.FrameSize <= 0 {
			errs = append(errs, fmt.Errorf("%w: frame size %d must be positive", ErrInvalidConfig, c.FrameSize))
		}
		return errors.Join(errs...)
	}

	width := c.BytesPerSampleFrame()
	switch {
	case c.FrameSize <= 0:
		errs = append(errs, fmt.Errorf("%w: frame size %d must be positive", ErrInvalidConfig, c.FrameSize))
	case c.FrameSize%width != 0:
		errs = append(errs, fmt.Errorf("%w: frame size %d not a multiple of %d-byte sample frame", ErrInvalidConfig, c.FrameSize, width))
	case c.FrameSize > MaxDMABufferBytes:
		errs = append(errs, fmt.Errorf("%w: frame size %d exceeds DMA buffer limit %d", ErrInvalidConfig, c.FrameSize, MaxDMABufferBytes))
	case c.FrameSize/width > MaxDMAFrameNum:
		errs = append(errs, fmt.Errorf("%w: %d sample frames per buffer exceeds DMA limit %d", ErrInvalidConfig, c.FrameSize/width, MaxDMAFrameNum))
	}
	return errors.Join(errs...)
}

// I2S is the contract of the vendor I2S receive driver.
//
// Start configures the peripheral and begins delivering completed DMA
// buffers to onDMA. onDMA may be called from a driver-owned goroutine (the
// interrupt context) and must not block; the buffer is only valid for the
// duration of the call. Buffers may be of any length and need not align with
// frame boundaries.
//
// Stop halts delivery. After Stop returns no further onDMA calls are made.
type I2S interface {
	Start(cfg I2SConfig, onDMA func(buf []byte)) error
	Stop() error
}
