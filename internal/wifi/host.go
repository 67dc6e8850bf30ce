package wifi

import (
	"context"
	"fmt"
	"net"
	"sync"
)

// HostRadio reports the host network as the radio. Association is managed
// by the operating system, so Connect only records the network name and
// verifies that a link is up.
type HostRadio struct {
	// Interface restricts the radio to one network interface. Empty means
	// any non-loopback interface.
	Interface string

	// interfaces is replaced in tests.
	interfaces func() ([]net.Interface, error)
	addrs      func(net.Interface) ([]net.Addr, error)

	mu   sync.Mutex
	ssid string
}

var _ Radio = (*HostRadio)(nil)

// NewHostRadio returns a radio bound to iface, or to any interface when
// iface is empty.
func NewHostRadio(iface string) *HostRadio {
	return &HostRadio{
		Interface:  iface,
		interfaces: net.Interfaces,
		addrs:      func(i net.Interface) ([]net.Addr, error) { return i.Addrs() },
	}
}

// Scan returns the joined network when the link is up. The host radio
// cannot see other networks.
func (r *HostRadio) Scan(ctx context.Context) ([]Network, error) {
	st, err := r.Status(ctx)
	if err != nil {
		return nil, err
	}
	if !st.Up() || st.SSID == "" {
		return nil, nil
	}
	return []Network{{SSID: st.SSID, Secure: true}}, nil
}

// Connect records ssid and reports [ErrNoLink] when the host has no link.
func (r *HostRadio) Connect(ctx context.Context, ssid, _ string) error {
	r.mu.Lock()
	r.ssid = ssid
	r.mu.Unlock()

	st, err := r.Status(ctx)
	if err != nil {
		return err
	}
	if !st.Up() {
		return fmt.Errorf("wifi: connect %q: %w", ssid, ErrNoLink)
	}
	return nil
}

// Status implements [Radio].
func (r *HostRadio) Status(ctx context.Context) (Status, error) {
	if err := ctx.Err(); err != nil {
		return Status{}, err
	}
	ifaces, err := r.interfaces()
	if err != nil {
		return Status{}, fmt.Errorf("wifi: list interfaces: %w", err)
	}

	r.mu.Lock()
	st := Status{State: Disconnected, SSID: r.ssid}
	r.mu.Unlock()

	found := r.Interface == ""
	for _, iface := range ifaces {
		if r.Interface != "" && iface.Name != r.Interface {
			continue
		}
		found = true
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := r.addrs(iface)
		if err != nil {
			continue
		}
		var usable []string
		for _, a := range addrs {
			if ipn, ok := a.(*net.IPNet); ok && ipn.IP.IsGlobalUnicast() {
				usable = append(usable, ipn.IP.String())
			}
		}
		if len(usable) > 0 {
			st.State = Connected
			st.Interface = iface.Name
			st.Addrs = usable
			return st, nil
		}
	}
	if !found {
		return Status{}, fmt.Errorf("wifi: %q: %w", r.Interface, ErrUnknownInterface)
	}
	return st, nil
}
