// Package display defines the renderable status frame and the panel contract
// of the recorder's SPI display.
package display

import (
	"errors"
	"image"
)

// ErrSize is returned by a [Panel] when a frame does not match its bounds.
var ErrSize = errors.New("display: frame size does not match panel")

// Common RGB565 colours.
const (
	Black  uint16 = 0x0000
	White  uint16 = 0xFFFF
	Red    uint16 = 0xF800
	Green  uint16 = 0x07E0
	Blue   uint16 = 0x001F
	Yellow uint16 = 0xFFE0
	Orange uint16 = 0xFD20
	Grey   uint16 = 0x8410
)

// RGB565 packs 8-bit components into a 16-bit 5-6-5 pixel.
func RGB565(r, g, b uint8) uint16 {
	return uint16(r>>3)<<11 | uint16(g>>2)<<5 | uint16(b>>3)
}

// Frame is a full-screen RGB565 image. The refresher owns the latest one;
// there is no queue of frames.
type Frame struct {
	Width  int
	Height int

	// Pix holds Width*Height pixels in row-major order.
	Pix []uint16

	// Seq identifies the frame for diagnostics.
	Seq uint64

	// Dirty is the area that differs from what the panel already shows.
	// Panels only transfer this part. An empty rectangle means there is
	// nothing to send.
	Dirty image.Rectangle
}

// NewFrame allocates a black frame that is dirty everywhere.
func NewFrame(width, height int) *Frame {
	return &Frame{
		Width:  width,
		Height: height,
		Pix:    make([]uint16, width*height),
		Dirty:  image.Rect(0, 0, width, height),
	}
}

// Bounds returns the frame rectangle.
func (f *Frame) Bounds() image.Rectangle { return image.Rect(0, 0, f.Width, f.Height) }

// Region returns the dirty area clipped to the frame.
func (f *Frame) Region() image.Rectangle { return f.Dirty.Intersect(f.Bounds()) }

// DiffRect returns the smallest rectangle containing every pixel that differs
// between prev and cur. It returns cur's bounds when the sizes differ or prev
// is nil, and an empty rectangle when the frames are identical.
func DiffRect(prev, cur *Frame) image.Rectangle {
	if prev == nil || prev.Width != cur.Width || prev.Height != cur.Height {
		return cur.Bounds()
	}
	minX, minY, maxX, maxY := cur.Width, cur.Height, -1, -1
	for y := range cur.Height {
		a := prev.Pix[y*cur.Width : (y+1)*cur.Width]
		b := cur.Pix[y*cur.Width : (y+1)*cur.Width]
		for x := range cur.Width {
			if a[x] == b[x] {
				continue
			}
			minX, maxX = min(minX, x), max(maxX, x)
			minY, maxY = min(minY, y), max(maxY, y)
		}
	}
	if maxX < 0 {
		return image.Rectangle{}
	}
	return image.Rect(minX, minY, maxX+1, maxY+1)
}

// Set sets one pixel; out-of-range coordinates are ignored.
func (f *Frame) Set(x, y int, c uint16) {
	if x < 0 || y < 0 || x >= f.Width || y >= f.Height {
		return
	}
	f.Pix[y*f.Width+x] = c
}

// At returns one pixel, or 0 outside the frame.
func (f *Frame) At(x, y int) uint16 {
	if x < 0 || y < 0 || x >= f.Width || y >= f.Height {
		return 0
	}
	return f.Pix[y*f.Width+x]
}

// Fill paints the whole frame.
func (f *Frame) Fill(c uint16) {
	for i := range f.Pix {
		f.Pix[i] = c
	}
}

// FillRect paints r clipped to the frame.
func (f *Frame) FillRect(r image.Rectangle, c uint16) {
	r = r.Intersect(f.Bounds())
	for y := r.Min.Y; y < r.Max.Y; y++ {
		row := f.Pix[y*f.Width : (y+1)*f.Width]
		for x := r.Min.X; x < r.Max.X; x++ {
			row[x] = c
		}
	}
}

// Panel is a display that can show a full [Frame].
type Panel interface {
	// Init runs the controller power-up sequence.
	Init() error

	// Push transfers the dirty region of f to the panel. f must match
	// Bounds.
	Push(f *Frame) error

	// Bounds returns the visible area.
	Bounds() image.Rectangle
}
