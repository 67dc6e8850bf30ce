package audio

import (
	"errors"
	"fmt"
)

// ErrPoolExhausted is returned by [FramePool.Get] when every buffer is in use.
var ErrPoolExhausted = errors.New("audio: frame pool exhausted")

// FramePool is a fixed set of equally sized frame buffers. It never allocates
// after construction; when all buffers are out, Get fails instead.
type FramePool struct {
	size int
	free chan *Frame
}

// NewFramePool allocates count buffers of size bytes each.
func NewFramePool(size, count int) (*FramePool, error) {
	if size <= 0 || count <= 0 {
		return nil, fmt.Errorf("audio: new frame pool: size %d and count %d must be positive", size, count)
	}
	p := &FramePool{
		size: size,
		free: make(chan *Frame, count),
	}
	for range count {
		p.free <- &Frame{Data: make([]byte, size)}
	}
	return p, nil
}

// Get takes a buffer from the pool. The returned frame has len(Data) equal to
// the pool's frame size and a zero sequence number.
func (p *FramePool) Get() (*Frame, error) {
	select {
	case f := <-p.free:
		f.pool = p
		return f, nil
	default:
		return nil, ErrPoolExhausted
	}
}

func (p *FramePool) put(f *Frame) {
	f.Seq = 0
	f.Timestamp = 0
	f.Data = f.Data[:p.size]
	select {
	case p.free <- f:
	default:
		// Not one of ours; let the GC have it.
	}
}

// Size returns the byte size of every buffer.
func (p *FramePool) Size() int { return p.size }

// Cap returns the total number of buffers.
func (p *FramePool) Cap() int { return cap(p.free) }

// Available returns the number of buffers currently in the pool.
func (p *FramePool) Available() int { return len(p.free) }
