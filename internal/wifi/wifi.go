// Package wifi abstracts the radio the recorder uses for its telemetry
// uplink. The recorder does not implement a WiFi stack; [HostRadio] reports
// the state of the network the host operating system manages.
package wifi

import (
	"context"
	"errors"
)

var (
	// ErrNoLink is returned when the radio has no usable network link.
	ErrNoLink = errors.New("wifi: no link")

	// ErrUnknownInterface is returned when the configured interface does
	// not exist.
	ErrUnknownInterface = errors.New("wifi: unknown interface")
)

// LinkState is the association state of the radio.
type LinkState string

const (
	Disconnected LinkState = "disconnected"
	Connected    LinkState = "connected"
)

// Network is one scan result.
type Network struct {
	SSID   string `json:"ssid"`
	Secure bool   `json:"secure"`
}

// Status is the radio state reported by [Radio.Status].
type Status struct {
	State     LinkState `json:"state"`
	SSID      string    `json:"ssid,omitempty"`
	Interface string    `json:"interface,omitempty"`
	Addrs     []string  `json:"addrs,omitempty"`
}

// Up reports whether the link can carry traffic.
func (s Status) Up() bool { return s.State == Connected }

// Radio is the WiFi radio contract.
type Radio interface {
	// Scan lists visible networks.
	Scan(ctx context.Context) ([]Network, error)

	// Connect joins ssid. It returns [ErrNoLink] if no link comes up.
	Connect(ctx context.Context, ssid, password string) error

	// Status reports the current link state.
	Status(ctx context.Context) (Status, error)
}
