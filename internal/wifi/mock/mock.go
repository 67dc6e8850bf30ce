// Package mock provides a scriptable [wifi.Radio] for tests.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/fieldrec/internal/wifi"
)

// Radio is a test double for [wifi.Radio]. It is safe for concurrent use.
type Radio struct {
	mu sync.Mutex

	// Networks is returned by Scan.
	Networks []wifi.Network

	// ScanError is returned by Scan when non-nil.
	ScanError error

	// ConnectError is returned by Connect when non-nil. A successful
	// Connect brings the link up.
	ConnectError error

	// StatusError is returned by Status when non-nil.
	StatusError error

	// CallCountConnect records how many times Connect was called.
	CallCountConnect int

	up   bool
	ssid string
}

var _ wifi.Radio = (*Radio)(nil)

// SetUp forces the link state.
func (r *Radio) SetUp(up bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.up = up
}

// Scan implements [wifi.Radio].
func (r *Radio) Scan(context.Context) ([]wifi.Network, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ScanError != nil {
		return nil, r.ScanError
	}
	return append([]wifi.Network(nil), r.Networks...), nil
}

// Connect implements [wifi.Radio].
func (r *Radio) Connect(_ context.Context, ssid, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.CallCountConnect++
	if r.ConnectError != nil {
		return r.ConnectError
	}
	r.ssid = ssid
	r.up = true
	return nil
}

// Status implements [wifi.Radio].
func (r *Radio) Status(context.Context) (wifi.Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.StatusError != nil {
		return wifi.Status{}, r.StatusError
	}
	st := wifi.Status{State: wifi.Disconnected, SSID: r.ssid}
	if r.up {
		st.State = wifi.Connected
	}
	return st, nil
}
