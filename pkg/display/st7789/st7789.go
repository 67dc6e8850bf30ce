// Package st7789 drives a Sitronix ST7789 TFT controller over SPI.
//
// The controller is addressed with a 4-wire SPI link plus a data/command GPIO:
// DC low marks a command byte, DC high marks parameter or pixel data. Pixels
// are sent as big-endian RGB565.
//
// Basic usage on a Linux host:
//
//	if _, err := host.Init(); err != nil { ... }
//	port, _ := spireg.Open("SPI0.0")
//	dc := gpioreg.ByName("GPIO25")
//	panel, _ := st7789.New(port, dc, &st7789.Opts{W: 240, H: 240})
//	_ = panel.Init()
//	_ = panel.Push(frame)
package st7789

import (
	"errors"
	"fmt"
	"image"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"

	"github.com/MrWong99/fieldrec/pkg/display"
)

// Controller commands.
const (
	cmdSWRESET = 0x01
	cmdSLPOUT  = 0x11
	cmdINVON   = 0x21
	cmdDISPON  = 0x29
	cmdCASET   = 0x2A
	cmdRASET   = 0x2B
	cmdRAMWR   = 0x2C
	cmdMADCTL  = 0x36
	cmdCOLMOD  = 0x3A
)

// colmod16bit selects 16 bits per pixel (RGB565).
const colmod16bit = 0x05

// MaxTransfer is the largest single SPI transaction the driver issues.
const MaxTransfer = 4092

// powerDelay is the settle time after reset, sleep-out and display-on.
const powerDelay = 120 * time.Millisecond

// Opts configures a [Panel].
type Opts struct {
	// W and H are the visible resolution. Default 240×240.
	W, H int

	// XOffset and YOffset shift the address window for panels mounted in a
	// larger controller RAM (e.g. 240×240 glass on a 240×320 controller).
	XOffset, YOffset int

	// Speed is the SPI clock. Default 10 MHz.
	Speed physic.Frequency

	// MADCTL is the memory access control byte (rotation, RGB/BGR order).
	MADCTL byte

	// Invert enables colour inversion, needed by most IPS modules.
	Invert bool

	// RST is an optional hardware reset pin.
	RST gpio.PinOut
}

// Panel is an ST7789 controller. It is not safe for concurrent use; callers
// serialise access through the SPI bus guard.
type Panel struct {
	conn spi.Conn
	dc   gpio.PinOut
	opts Opts
	buf  []byte

	// sleep is replaced in tests.
	sleep func(time.Duration)
}

var _ display.Panel = (*Panel)(nil)

// New connects to port in SPI mode 0 with 8-bit words.
func New(port spi.Port, dc gpio.PinOut, opts *Opts) (*Panel, error) {
	o := Opts{}
	if opts != nil {
		o = *opts
	}
	if o.Speed == 0 {
		o.Speed = 10 * physic.MegaHertz
	}
	c, err := port.Connect(o.Speed, spi.Mode0, 8)
	if err != nil {
		return nil, fmt.Errorf("st7789: connect %s: %w", port, err)
	}
	return NewConn(c, dc, &o)
}

// NewConn uses an already connected SPI link.
func NewConn(c spi.Conn, dc gpio.PinOut, opts *Opts) (*Panel, error) {
	if dc == nil {
		return nil, errors.New("st7789: DC pin is required")
	}
	o := Opts{}
	if opts != nil {
		o = *opts
	}
	if o.W == 0 {
		o.W = 240
	}
	if o.H == 0 {
		o.H = 240
	}
	if o.W < 0 || o.H < 0 || o.W > 320 || o.H > 320 {
		return nil, fmt.Errorf("st7789: unsupported resolution %dx%d", o.W, o.H)
	}
	return &Panel{
		conn:  c,
		dc:    dc,
		opts:  o,
		buf:   make([]byte, o.W*o.H*2),
		sleep: time.Sleep,
	}, nil
}

// String implements [fmt.Stringer].
func (p *Panel) String() string {
	return fmt.Sprintf("st7789{%s, %dx%d}", p.conn, p.opts.W, p.opts.H)
}

// Bounds implements [display.Panel].
func (p *Panel) Bounds() image.Rectangle { return image.Rect(0, 0, p.opts.W, p.opts.H) }

// Init implements [display.Panel]: optional hardware reset, software reset,
// sleep out, 16-bit colour, memory access control, full address window and
// display on.
func (p *Panel) Init() error {
	if p.opts.RST != nil {
		if err := p.opts.RST.Out(gpio.Low); err != nil {
			return fmt.Errorf("st7789: reset: %w", err)
		}
		p.sleep(10 * time.Millisecond)
		if err := p.opts.RST.Out(gpio.High); err != nil {
			return fmt.Errorf("st7789: reset: %w", err)
		}
		p.sleep(powerDelay)
	}

	steps := []step{
		{cmd: cmdSWRESET, delay: powerDelay},
		{cmd: cmdSLPOUT, delay: powerDelay},
		{cmd: cmdCOLMOD, data: []byte{colmod16bit}},
		{cmd: cmdMADCTL, data: []byte{p.opts.MADCTL}},
	}
	if p.opts.Invert {
		steps = append(steps, step{cmd: cmdINVON})
	}
	for _, s := range steps {
		if err := p.command(s.cmd, s.data...); err != nil {
			return fmt.Errorf("st7789: init: %w", err)
		}
		if s.delay > 0 {
			p.sleep(s.delay)
		}
	}
	if err := p.window(0, 0, p.opts.W-1, p.opts.H-1); err != nil {
		return fmt.Errorf("st7789: init: %w", err)
	}
	if err := p.command(cmdDISPON); err != nil {
		return fmt.Errorf("st7789: init: %w", err)
	}
	p.sleep(powerDelay)
	return nil
}

type step struct {
	cmd   byte
	data  []byte
	delay time.Duration
}

// Push implements [display.Panel]. Only the dirty region of f is written:
// the address window is narrowed to it and its rows are sent back to back.
// f must match the panel resolution.
func (p *Panel) Push(f *display.Frame) error {
	if f.Width != p.opts.W || f.Height != p.opts.H || len(f.Pix) != p.opts.W*p.opts.H {
		return fmt.Errorf("%w: %dx%d on %dx%d", display.ErrSize, f.Width, f.Height, p.opts.W, p.opts.H)
	}
	r := f.Region()
	if r.Empty() {
		return nil
	}
	if err := p.window(r.Min.X, r.Min.Y, r.Max.X-1, r.Max.Y-1); err != nil {
		return fmt.Errorf("st7789: push: %w", err)
	}
	if err := p.command(cmdRAMWR); err != nil {
		return fmt.Errorf("st7789: push: %w", err)
	}
	n := 0
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for _, px := range f.Pix[y*f.Width+r.Min.X : y*f.Width+r.Max.X] {
			p.buf[n] = byte(px >> 8)
			p.buf[n+1] = byte(px)
			n += 2
		}
	}
	if err := p.data(p.buf[:n]); err != nil {
		return fmt.Errorf("st7789: push: %w", err)
	}
	return nil
}

// window sets the column and row address range, inclusive.
func (p *Panel) window(x0, y0, x1, y1 int) error {
	x0 += p.opts.XOffset
	x1 += p.opts.XOffset
	y0 += p.opts.YOffset
	y1 += p.opts.YOffset
	if err := p.command(cmdCASET, byte(x0>>8), byte(x0), byte(x1>>8), byte(x1)); err != nil {
		return err
	}
	return p.command(cmdRASET, byte(y0>>8), byte(y0), byte(y1>>8), byte(y1))
}

func (p *Panel) command(cmd byte, params ...byte) error {
	if err := p.dc.Out(gpio.Low); err != nil {
		return err
	}
	if err := p.conn.Tx([]byte{cmd}, nil); err != nil {
		return fmt.Errorf("command %#02x: %w", cmd, err)
	}
	if len(params) == 0 {
		return nil
	}
	return p.data(params)
}

// data sends b with DC high in chunks of at most MaxTransfer bytes.
func (p *Panel) data(b []byte) error {
	if err := p.dc.Out(gpio.High); err != nil {
		return err
	}
	for len(b) > 0 {
		n := min(len(b), MaxTransfer)
		if err := p.conn.Tx(b[:n], nil); err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}
