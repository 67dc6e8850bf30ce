// Package app wires the recorder's subsystems into a running application.
//
// The App owns the full lifecycle: New builds buses, drivers, pipelines, the
// session coordinator and the HTTP surface from the config, Run serves until
// the context is cancelled, and Shutdown tears everything down in order.
//
// For testing, inject drivers via functional options (WithI2S, WithPanel,
// WithVolume, ...). When an option is not provided, New creates the
// implementation named by the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/fieldrec/internal/api"
	"github.com/MrWong99/fieldrec/internal/capture"
	"github.com/MrWong99/fieldrec/internal/catalog"
	"github.com/MrWong99/fieldrec/internal/config"
	"github.com/MrWong99/fieldrec/internal/coordinator"
	"github.com/MrWong99/fieldrec/internal/display"
	"github.com/MrWong99/fieldrec/internal/health"
	"github.com/MrWong99/fieldrec/internal/observe"
	"github.com/MrWong99/fieldrec/internal/storage"
	"github.com/MrWong99/fieldrec/internal/telemetry"
	"github.com/MrWong99/fieldrec/internal/wifi"
	"github.com/MrWong99/fieldrec/pkg/audio"
	audiomock "github.com/MrWong99/fieldrec/pkg/audio/mock"
	"github.com/MrWong99/fieldrec/pkg/bus"
	paneldisplay "github.com/MrWong99/fieldrec/pkg/display"
)

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config

	metrics  *observe.Metrics
	level    *slog.LevelVar
	i2s      audio.I2S
	panel    paneldisplay.Panel
	volume   storage.Volume
	catalog  catalog.Store
	radio    wifi.Radio
	listener net.Listener

	buses     *bus.Set
	capture   *capture.Pipeline
	storage   *storage.Writer
	refresher *display.Refresher
	coord     *coordinator.Coordinator
	server    *http.Server
	uplink    *telemetry.Uplink

	// closers are called in order during Shutdown, after the coordinator.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithI2S injects the I2S receive driver.
func WithI2S(d audio.I2S) Option {
	return func(a *App) { a.i2s = d }
}

// WithPanel injects the display panel.
func WithPanel(p paneldisplay.Panel) Option {
	return func(a *App) { a.panel = p }
}

// WithVolume injects the SD volume.
func WithVolume(v storage.Volume) Option {
	return func(a *App) { a.volume = v }
}

// WithCatalog injects the recording catalog.
func WithCatalog(s catalog.Store) Option {
	return func(a *App) { a.catalog = s }
}

// WithRadio injects the WiFi radio used by the telemetry uplink.
func WithRadio(r wifi.Radio) Option {
	return func(a *App) { a.radio = r }
}

// WithMetrics replaces [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar lets config reloads change the log level.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithListener serves the API on l instead of listening on the configured
// address.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// New creates and connects all subsystems. On error everything opened so far
// is closed.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (a *App, err error) {
	a = &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	defer func() {
		if err != nil {
			a.runClosers()
		}
	}()

	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	a.buses = bus.NewSet(cfg.Bus.Timeout, bus.WithObserver(a.metrics))

	if err := a.initCatalog(ctx); err != nil {
		return nil, fmt.Errorf("app: init catalog: %w", err)
	}
	a.initCapture()
	a.initStorage()
	if err := a.initDisplay(); err != nil {
		return nil, fmt.Errorf("app: init display: %w", err)
	}
	a.initCoordinator()
	if err := a.initServer(); err != nil {
		return nil, fmt.Errorf("app: init server: %w", err)
	}
	a.initTelemetry()

	return a, nil
}

func (a *App) initCatalog(ctx context.Context) error {
	if a.catalog == nil {
		switch a.cfg.Catalog.Backend {
		case config.CatalogSQLite:
			s, err := catalog.OpenSQLite(ctx, a.cfg.Catalog.Path)
			if err != nil {
				return err
			}
			a.catalog = s
		case config.CatalogPostgres:
			s, err := catalog.NewPostgresStore(ctx, a.cfg.Catalog.PostgresDSN)
			if err != nil {
				return err
			}
			a.catalog = s
		default:
			a.catalog = catalog.NewMemStore()
		}
	}
	a.closers = append(a.closers, a.catalog.Close)
	slog.Info("recording catalog ready", "backend", a.cfg.Catalog.Backend)
	return nil
}

func (a *App) initCapture() {
	if a.i2s == nil {
		d := &audiomock.I2S{}
		if a.cfg.Capture.Driver == config.AudioTone {
			d.ToneHz = a.cfg.Capture.ToneHz
		}
		a.i2s = d
	}
	a.capture = capture.New(capture.Config{
		Driver:     a.i2s,
		Guard:      a.buses.Guard(bus.I2S),
		QueueDepth: a.cfg.Capture.QueueDepth,
	})
}

func (a *App) initStorage() {
	if a.volume == nil {
		a.volume = storage.OSVolume{Root: a.cfg.Storage.Root}
	}
	a.storage = storage.NewWriter(storage.WriterConfig{
		Volume:      a.volume,
		Guard:       a.buses.Guard(bus.SD),
		BatchFrames: a.cfg.Storage.BatchFrames,
		OnWrite: func(n int) {
			a.metrics.StorageBytes.Add(context.Background(), int64(n))
		},
	})
}

func (a *App) initDisplay() error {
	if a.panel == nil {
		p, closer, err := openPanel(a.cfg.Display)
		if err != nil {
			return err
		}
		a.panel = p
		if closer != nil {
			a.closers = append(a.closers, closer)
		}
	}
	a.refresher = display.New(display.Config{
		Panel:       a.panel,
		Guard:       a.buses.Guard(bus.SPI),
		MinInterval: a.cfg.Display.MinInterval,
		Gate:        func() bool { return a.coord != nil && a.coord.DisplayGate() },
		OnPush:      a.metrics.RecordDisplayPush,
		OnCoalesce: func() {
			a.metrics.DisplayCoalesced.Add(context.Background(), 1)
		},
	})
	return nil
}

func (a *App) initCoordinator() {
	c := a.cfg.Coordinator
	a.coord = coordinator.New(coordinator.Config{
		Capture:        a.cfg.Capture.I2S(),
		BusRetries:     c.BusRetries,
		PollInterval:   c.PollInterval,
		FlushInterval:  c.FlushInterval,
		StatusInterval: c.StatusInterval,
		FaultCooldown:  c.FaultCooldown,
		StartupTimeout: c.StartupTimeout,
		StopDisplay:    a.cfg.Display.StopOnStop,
	}, coordinator.Deps{
		Capture: a.capture,
		Storage: a.storage,
		Display: a.refresher,
		Screen:  display.NewStatusRenderer(a.panel.Bounds()),
		Buses:   a.buses,
		Catalog: a.catalog,
		Metrics: a.metrics,
	})
}

func (a *App) initServer() error {
	if a.listener == nil {
		l, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return err
		}
		a.listener = l
	}
	hh := health.New(
		health.NotFaulted(a.coord),
		health.Buses(a.buses, a.coord, display.DefaultOwner),
	)
	srv := api.New(api.Config{
		Recorder: a.coord,
		Catalog:  a.catalog,
		Health:   hh,
		Metrics:  a.metrics,
	})
	a.server = &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return nil
}

func (a *App) initTelemetry() {
	t := a.cfg.Telemetry
	if !t.Enabled {
		return
	}
	if a.radio == nil {
		a.radio = wifi.NewHostRadio(a.cfg.WiFi.Interface)
	}
	a.uplink = telemetry.New(telemetry.Config{
		URL:      t.URL,
		DeviceID: a.cfg.Server.DeviceID,
		Interval: t.Interval,
		Radio:    a.radio,
		SSID:     a.cfg.WiFi.SSID,
		Password: a.cfg.WiFi.Password,
		Snapshot: a.coord.Status,
		Metrics:  a.metrics,
	})
}

// Coordinator returns the session coordinator.
func (a *App) Coordinator() *coordinator.Coordinator { return a.coord }

// Addr returns the address the API listens on.
func (a *App) Addr() net.Addr { return a.listener.Addr() }

// Run serves the API and the telemetry uplink until ctx is cancelled. When
// coordinator.autostart is set a session is started first; a failed start
// is logged and leaves the recorder Faulted.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("api listening", "addr", a.listener.Addr().String())
		if err := a.server.Serve(a.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 5*time.Second)
		defer cancel()
		return a.server.Shutdown(sctx)
	})
	if a.uplink != nil {
		g.Go(func() error { return a.uplink.Run(gctx) })
	}

	if a.cfg.Coordinator.Autostart {
		if err := a.coord.Start(gctx); err != nil {
			slog.Error("autostart failed", "err", err)
		}
	}

	return g.Wait()
}

// Reload applies the hot-reloadable part of a config change.
func (a *App) Reload(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Level())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.DisplayIntervalChanged {
		a.refresher.SetMinInterval(d.NewDisplayInterval)
		slog.Info("display interval changed", "interval", d.NewDisplayInterval)
	}
	if d.TelemetryIntervalChanged && a.uplink != nil {
		a.uplink.SetInterval(d.NewTelemetryInterval)
		slog.Info("telemetry interval changed", "interval", d.NewTelemetryInterval)
	}
	if d.RestartRequired {
		slog.Warn("config changes need a restart to take effect")
	}
}

// Shutdown stops the session, the display and the API, then closes the
// remaining resources. If ctx expires before all closers ran, the rest are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if err := a.coord.Close(ctx); err != nil {
			slog.Warn("coordinator close error", "err", err)
			shutdownErr = err
		}
		if err := a.server.Shutdown(ctx); err != nil {
			slog.Warn("api shutdown error", "err", err)
		}
		// Serve may never have run.
		_ = a.listener.Close()
		if err := ctx.Err(); err != nil {
			slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers))
			shutdownErr = err
			return
		}
		a.runClosers()

		if !a.buses.AllFree() {
			slog.Warn("buses still held after shutdown", "holders", a.buses.Holders())
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

func (a *App) runClosers() {
	for i, closer := range a.closers {
		if err := closer(); err != nil {
			slog.Warn("closer error", "index", i, "err", err)
		}
	}
	a.closers = nil
}
