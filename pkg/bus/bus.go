// Package bus provides mutual exclusion over the shared peripheral buses of the
// recorder: the SD host, the I2S receiver and the SPI display link.
//
// Every bus is wrapped by a [Guard]. A caller obtains a [Token] from
// [Guard.Acquire] and must call [Token.Release] on every exit path. Acquisition
// is bounded by the guard's timeout and fails with [ErrBusTimeout] when the
// deadline passes. A [Set] bundles one guard per bus and enforces the global
// acquisition order SD → I2S → SPI per owner.
//
// All types are safe for concurrent use.
package bus

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrBusTimeout is returned by [Guard.Acquire] when the bus could not be
	// obtained before the guard's timeout elapsed.
	ErrBusTimeout = errors.New("bus: acquire timed out")

	// ErrReentrant is returned when an owner tries to acquire a bus it
	// already holds.
	ErrReentrant = errors.New("bus: reentrant acquisition")

	// ErrOrder is returned by a [Set] guard when an owner acquires a bus ranked
	// at or below a bus it already holds.
	ErrOrder = errors.New("bus: acquisition order violated")
)

// ID names one physical bus.
type ID int

const (
	// SD is the SD card host (FAT volume).
	SD ID = iota

	// I2S is the I2S receive channel feeding the microphone DMA.
	I2S

	// SPI is the SPI link to the status display.
	SPI
)

// All lists every bus in acquisition order.
var All = []ID{SD, I2S, SPI}

// String returns the lower-case bus name.
func (id ID) String() string {
	switch id {
	case SD:
		return "sd"
	case I2S:
		return "i2s"
	case SPI:
		return "spi"
	default:
		return fmt.Sprintf("bus(%d)", int(id))
	}
}

// Rank is the position of the bus in the global acquisition order. A bus may
// only be acquired by an owner that holds no bus of equal or higher rank.
func (id ID) Rank() int { return int(id) }

// Handle identifies one bus instance. It is created together with its guard
// and is only reachable through a live [Token].
type Handle struct {
	bus  ID
	name string
}

// Bus returns the bus the handle is bound to.
func (h Handle) Bus() ID { return h.bus }

// Name returns the instance name, e.g. "spi0".
func (h Handle) Name() string { return h.name }

// String implements [fmt.Stringer].
func (h Handle) String() string { return h.name }

// Observer receives acquisition events. Implementations must not block.
type Observer interface {
	// BusAcquired is called after a successful acquisition with the time the
	// caller spent waiting.
	BusAcquired(id ID, wait time.Duration)

	// BusTimedOut is called when an acquisition fails with [ErrBusTimeout].
	BusTimedOut(id ID)
}
