// Package audio defines the capture-side audio types of the recorder: the
// pooled [Frame], the [I2S] driver contract with its DMA limits, and simple
// PCM level meters.
package audio

import "time"

// Frame is one fixed-size unit of captured PCM audio. A frame has exactly one
// owner at a time: the capture pipeline produces it, the storage writer consumes
// it and calls [Frame.Release] to hand the buffer back to its pool.
type Frame struct {
	// Seq is the capture sequence number. It strictly increases within one
	// capture session and is never reused.
	Seq uint64

	// Data holds the PCM bytes. Its length equals the configured frame size.
	Data []byte

	// Timestamp is the capture offset of the first sample relative to the
	// start of the session.
	Timestamp time.Duration

	pool *FramePool
}

// Release returns the frame's buffer to its pool. The frame must not be used
// afterwards. Releasing a frame that does not belong to a pool, or releasing
// twice, is a no-op.
func (f *Frame) Release() {
	if f == nil || f.pool == nil {
		return
	}
	p := f.pool
	f.pool = nil
	p.put(f)
}
