package display

import (
	"image"
	"sync"
	"time"

	"github.com/MrWong99/fieldrec/pkg/display"
)

// Status is what the status screen shows.
type Status struct {
	State    string
	Level    float64 // input peak level in [0, 1]
	Frames   uint64
	Overruns uint64
	Elapsed  time.Duration
	Faulted  bool
}

// stateColours maps coordinator state names to band colours.
var stateColours = map[string]uint16{
	"idle":     display.Grey,
	"starting": display.Yellow,
	"running":  display.Green,
	"stopping": display.Orange,
	"faulted":  display.Red,
}

// progressBlocks is the number of cells in the elapsed-time strip; one cell
// lights per second and the strip wraps.
const progressBlocks = 10

// StatusRenderer draws [Status] into full-screen frames. Each frame's dirty
// region covers what changed since the frame rendered before it, so frames
// must reach the refresher in render order.
type StatusRenderer struct {
	bounds image.Rectangle

	mu   sync.Mutex
	seq  uint64
	prev *display.Frame
}

// NewStatusRenderer returns a renderer for a panel of the given bounds.
func NewStatusRenderer(bounds image.Rectangle) *StatusRenderer {
	return &StatusRenderer{bounds: bounds}
}

// Render draws s into a new frame. Layout from top to bottom: state band,
// level meter, elapsed-time strip. An orange square in the top right marks
// overruns; a red border marks a fault.
func (r *StatusRenderer) Render(s Status) *display.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, h := r.bounds.Dx(), r.bounds.Dy()
	f := display.NewFrame(w, h)
	r.seq++
	f.Seq = r.seq

	band := stateColours[s.State]
	if band == 0 {
		band = display.White
	}
	f.FillRect(image.Rect(0, 0, w, h/6), band)

	// Level meter.
	level := min(max(s.Level, 0), 1)
	meterTop, meterBottom := h*2/6, h*3/6
	f.FillRect(image.Rect(0, meterTop, w, meterBottom), display.RGB565(32, 32, 32))
	colour := display.Green
	switch {
	case level >= 0.9:
		colour = display.Red
	case level >= 0.7:
		colour = display.Yellow
	}
	f.FillRect(image.Rect(0, meterTop, int(level*float64(w)), meterBottom), colour)

	// Elapsed-time strip.
	if s.State == "running" {
		lit := int(s.Elapsed/time.Second)%progressBlocks + 1
		cell := w / progressBlocks
		top, bottom := h*4/6, h*5/6
		for i := range progressBlocks {
			c := display.RGB565(48, 48, 48)
			if i < lit {
				c = display.Blue
			}
			f.FillRect(image.Rect(i*cell+1, top, (i+1)*cell-1, bottom), c)
		}
	}

	if s.Overruns > 0 {
		side := max(h/12, 2)
		f.FillRect(image.Rect(w-side, 0, w, side), display.Orange)
	}

	if s.Faulted {
		border := max(w/60, 1)
		f.FillRect(image.Rect(0, 0, w, border), display.Red)
		f.FillRect(image.Rect(0, h-border, w, h), display.Red)
		f.FillRect(image.Rect(0, 0, border, h), display.Red)
		f.FillRect(image.Rect(w-border, 0, w, h), display.Red)
	}

	f.Dirty = display.DiffRect(r.prev, f)
	r.prev = f
	return f
}
