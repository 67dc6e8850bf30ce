// Package mock provides a recording [display.Panel] for use in unit tests and
// in host builds without a physical display.
package mock

import (
	"image"
	"sync"
	"time"

	"github.com/MrWong99/fieldrec/pkg/display"
)

// Panel records every Init and Push call. Set the exported error fields before
// use; inspect the Call* fields through the accessor methods after.
type Panel struct {
	mu sync.Mutex

	// W and H are the panel resolution. Default 240×240.
	W, H int

	// InitError is returned by Init when non-nil.
	InitError error

	// PushError is returned by Push when non-nil.
	PushError error

	// PushDelay simulates the transfer time of a push.
	PushDelay time.Duration

	callCountInit int
	pushed        []uint64
	regions       []image.Rectangle
	last          *display.Frame
}

var _ display.Panel = (*Panel)(nil)

// Init implements [display.Panel].
func (p *Panel) Init() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.callCountInit++
	return p.InitError
}

// Push implements [display.Panel]. The frame is copied and its dirty region
// recorded.
func (p *Panel) Push(f *display.Frame) error {
	p.mu.Lock()
	delay := p.PushDelay
	p.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.PushError != nil {
		return p.PushError
	}
	cp := *f
	cp.Pix = append([]uint16(nil), f.Pix...)
	p.last = &cp
	p.pushed = append(p.pushed, f.Seq)
	p.regions = append(p.regions, f.Region())
	return nil
}

// Bounds implements [display.Panel].
func (p *Panel) Bounds() image.Rectangle {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, h := p.W, p.H
	if w == 0 {
		w = 240
	}
	if h == 0 {
		h = 240
	}
	return image.Rect(0, 0, w, h)
}

// SetPushError changes PushError under the lock.
func (p *Panel) SetPushError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.PushError = err
}

// CallCountInit returns how many times Init was called.
func (p *Panel) CallCountInit() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.callCountInit
}

// Pushed returns the sequence ids of all successfully pushed frames.
func (p *Panel) Pushed() []uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]uint64(nil), p.pushed...)
}

// Last returns a copy of the most recently pushed frame, or nil.
func (p *Panel) Last() *display.Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

// Regions returns the dirty region of every successfully pushed frame.
func (p *Panel) Regions() []image.Rectangle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]image.Rectangle(nil), p.regions...)
}
