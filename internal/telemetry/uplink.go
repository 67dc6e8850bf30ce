// Package telemetry pushes status snapshots to a remote collector over a
// WebSocket while the WiFi link is up.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/fieldrec/internal/coordinator"
	"github.com/MrWong99/fieldrec/internal/observe"
	"github.com/MrWong99/fieldrec/internal/resilience"
	"github.com/MrWong99/fieldrec/internal/wifi"
)

// Defaults for [Config].
const (
	DefaultInterval     = 10 * time.Second
	DefaultWriteTimeout = 5 * time.Second
)

// errLinkDown ends a connection when the radio drops.
var errLinkDown = errors.New("telemetry: link down")

// Message is the JSON document sent for every snapshot.
type Message struct {
	Type     string             `json:"type"`
	DeviceID string             `json:"device_id"`
	Seq      uint64             `json:"seq"`
	SentAt   time.Time          `json:"sent_at"`
	Status   coordinator.Status `json:"status"`
	Link     wifi.Status        `json:"link"`
}

// Config configures an [Uplink].
type Config struct {
	// URL is the ws:// or wss:// collector endpoint. Required.
	URL string

	// DeviceID is copied into every message.
	DeviceID string

	// Interval between snapshots. Defaults to [DefaultInterval].
	Interval time.Duration

	// WriteTimeout bounds dialing and every write.
	WriteTimeout time.Duration

	// Radio gates the uplink. Required.
	Radio wifi.Radio

	// SSID and Password are used to join a network while the link is down.
	// Empty SSID leaves association to the host.
	SSID     string
	Password string

	// Snapshot returns the status to send. Required.
	Snapshot func() coordinator.Status

	// Backoff paces reconnects. The zero value starts at 1s and caps at 30s.
	Backoff resilience.Backoff

	// Metrics records sends. Optional.
	Metrics *observe.Metrics
}

// Stats is a snapshot of uplink counters.
type Stats struct {
	Connects uint64 `json:"connects"`
	Sent     uint64 `json:"sent"`
	Failed   uint64 `json:"failed"`
}

// Uplink sends status snapshots to the collector. It runs in its own
// goroutine and only reads the coordinator through Snapshot.
type Uplink struct {
	cfg Config

	interval atomic.Int64
	retune   chan struct{}
	seq      atomic.Uint64

	connects atomic.Uint64
	sent     atomic.Uint64
	failed   atomic.Uint64

	backoff resilience.Backoff // Run goroutine only
}

// New creates an uplink. Call [Uplink.Run] to start it.
func New(cfg Config) *Uplink {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	u := &Uplink{
		cfg:     cfg,
		retune:  make(chan struct{}, 1),
		backoff: cfg.Backoff,
	}
	u.interval.Store(int64(cfg.Interval))
	return u
}

// SetInterval changes the snapshot interval of a running uplink.
func (u *Uplink) SetInterval(d time.Duration) {
	if d <= 0 {
		d = DefaultInterval
	}
	u.interval.Store(int64(d))
	select {
	case u.retune <- struct{}{}:
	default:
	}
}

// Interval returns the current snapshot interval.
func (u *Uplink) Interval() time.Duration {
	return time.Duration(u.interval.Load())
}

// Stats returns a snapshot of the uplink counters.
func (u *Uplink) Stats() Stats {
	return Stats{
		Connects: u.connects.Load(),
		Sent:     u.sent.Load(),
		Failed:   u.failed.Load(),
	}
}

// Run connects and sends snapshots until ctx is done. Lost links and
// connections are retried with backoff. It returns nil on cancellation.
func (u *Uplink) Run(ctx context.Context) error {
	for {
		err := u.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil && !errors.Is(err, errLinkDown) {
			slog.Warn("telemetry: uplink interrupted", "url", u.cfg.URL, "err", err)
		}
		if u.wait(ctx) != nil {
			return nil
		}
	}
}

func (u *Uplink) wait(ctx context.Context) error {
	t := time.NewTimer(u.backoff.Next())
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// linkUp checks the radio and tries to join the configured network once.
func (u *Uplink) linkUp(ctx context.Context) (wifi.Status, bool) {
	st, err := u.cfg.Radio.Status(ctx)
	if err == nil && st.Up() {
		return st, true
	}
	if u.cfg.SSID == "" {
		return st, false
	}
	if err := u.cfg.Radio.Connect(ctx, u.cfg.SSID, u.cfg.Password); err != nil {
		slog.Debug("telemetry: wifi connect failed", "ssid", u.cfg.SSID, "err", err)
		return st, false
	}
	st, err = u.cfg.Radio.Status(ctx)
	return st, err == nil && st.Up()
}

// session runs one connection from dial to failure.
func (u *Uplink) session(ctx context.Context) error {
	link, ok := u.linkUp(ctx)
	if !ok {
		return errLinkDown
	}

	dialCtx, cancel := context.WithTimeout(ctx, u.cfg.WriteTimeout)
	conn, _, err := websocket.Dial(dialCtx, u.cfg.URL, nil)
	cancel()
	if err != nil {
		u.record(ctx, err)
		return fmt.Errorf("telemetry: dial: %w", err)
	}
	defer conn.CloseNow()

	u.connects.Add(1)
	u.backoff.Reset()
	slog.Info("telemetry: uplink connected", "url", u.cfg.URL)

	// The collector never sends data; CloseRead handles control frames and
	// cancels connCtx when the peer goes away.
	connCtx := conn.CloseRead(ctx)

	ticker := time.NewTicker(u.Interval())
	defer ticker.Stop()

	for {
		if err := u.send(connCtx, conn, link); err != nil {
			return err
		}
		select {
		case <-connCtx.Done():
			if ctx.Err() != nil {
				conn.Close(websocket.StatusGoingAway, "shutting down")
				return nil
			}
			return fmt.Errorf("telemetry: connection closed: %w", context.Cause(connCtx))
		case <-u.retune:
			ticker.Reset(u.Interval())
			continue
		case <-ticker.C:
		}
		if link, ok = u.linkUp(ctx); !ok {
			conn.Close(websocket.StatusGoingAway, "link down")
			return errLinkDown
		}
	}
}

func (u *Uplink) send(ctx context.Context, conn *websocket.Conn, link wifi.Status) error {
	msg := Message{
		Type:     "status",
		DeviceID: u.cfg.DeviceID,
		Seq:      u.seq.Add(1),
		SentAt:   time.Now().UTC(),
		Status:   u.cfg.Snapshot(),
		Link:     link,
	}
	wctx, cancel := context.WithTimeout(ctx, u.cfg.WriteTimeout)
	defer cancel()
	err := wsjson.Write(wctx, conn, msg)
	u.record(ctx, err)
	if err != nil {
		return fmt.Errorf("telemetry: send: %w", err)
	}
	return nil
}

func (u *Uplink) record(ctx context.Context, err error) {
	if err != nil {
		u.failed.Add(1)
	} else {
		u.sent.Add(1)
	}
	if u.cfg.Metrics != nil {
		u.cfg.Metrics.RecordTelemetrySend(context.WithoutCancel(ctx), err)
	}
}
