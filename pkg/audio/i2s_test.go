package audio

import (
	"errors"
	"testing"
	"time"
)

func TestI2SConfig_Validate(t *testing.T) {
	t.Parallel()

	valid := I2SConfig{SampleRate: 16000, BitsPerSample: 16, Channels: 1, FrameSize: 512}

	tests := []struct {
		name    string
		mutate  func(*I2SConfig)
		wantErr bool
	}{
		{name: "valid 16k mono", mutate: func(*I2SConfig) {}},
		{name: "valid 48k stereo 32-bit", mutate: func(c *I2SConfig) {
			c.SampleRate, c.BitsPerSample, c.Channels, c.FrameSize = 48000, 32, 2, 4088
		}},
		{name: "valid min rate", mutate: func(c *I2SConfig) { c.SampleRate = 8000 }},
		{name: "valid max rate", mutate: func(c *I2SConfig) { c.SampleRate = 96000 }},
		{name: "valid 24-bit", mutate: func(c *I2SConfig) { c.BitsPerSample, c.FrameSize = 24, 768 }},
		{name: "valid max dma frames", mutate: func(c *I2SConfig) { c.BitsPerSample, c.FrameSize = 16, 2048 }},
		{name: "rate too low", mutate: func(c *I2SConfig) { c.SampleRate = 7999 }, wantErr: true},
		{name: "rate too high", mutate: func(c *I2SConfig) { c.SampleRate = 192000 }, wantErr: true},
		{name: "bad bit depth", mutate: func(c *I2SConfig) { c.BitsPerSample = 8 }, wantErr: true},
		{name: "bad channels", mutate: func(c *I2SConfig) { c.Channels = 4 }, wantErr: true},
		{name: "zero frame", mutate: func(c *I2SConfig) { c.FrameSize = 0 }, wantErr: true},
		{name: "misaligned frame", mutate: func(c *I2SConfig) { c.FrameSize = 511 }, wantErr: true},
		{name: "stereo misaligned frame", mutate: func(c *I2SConfig) { c.Channels, c.FrameSize = 2, 514 }, wantErr: true},
		{name: "frame over dma buffer", mutate: func(c *I2SConfig) { c.FrameSize = 4096 }, wantErr: true},
		{name: "too many dma frames", mutate: func(c *I2SConfig) { c.FrameSize = 2050 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidConfig) {
					t.Fatalf("Validate() = %v, want ErrInvalidConfig", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Validate() = %v, want nil", err)
			}
		})
	}
}

func TestI2SConfig_Derived(t *testing.T) {
	t.Parallel()
	cfg := I2SConfig{SampleRate: 16000, BitsPerSample: 16, Channels: 1, FrameSize: 512}
	if got := cfg.BytesPerSampleFrame(); got != 2 {
		t.Errorf("BytesPerSampleFrame() = %d, want 2", got)
	}
	if got := cfg.BytesPerSecond(); got != 32000 {
		t.Errorf("BytesPerSecond() = %d, want 32000", got)
	}
	if got := cfg.FrameDuration(); got != 16*time.Millisecond {
		t.Errorf("FrameDuration() = %v, want 16ms", got)
	}
	if got := (I2SConfig{}).FrameDuration(); got != 0 {
		t.Errorf("zero config FrameDuration() = %v, want 0", got)
	}
}
