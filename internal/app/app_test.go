package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/fieldrec/internal/catalog"
	"github.com/MrWong99/fieldrec/internal/config"
	"github.com/MrWong99/fieldrec/internal/coordinator"
	"github.com/MrWong99/fieldrec/internal/observe"
	storagemock "github.com/MrWong99/fieldrec/internal/storage/mock"
	audiomock "github.com/MrWong99/fieldrec/pkg/audio/mock"
	displaymock "github.com/MrWong99/fieldrec/pkg/display/mock"
)

type testApp struct {
	app  *App
	drv  *audiomock.I2S
	vol  *storagemock.Volume
	url  string
	stop func()
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.Capture.Driver = config.AudioSilence
	cfg.Coordinator.PollInterval = time.Millisecond
	cfg.Coordinator.FlushInterval = time.Hour
	cfg.Display.MinInterval = 5 * time.Millisecond
	cfg.Display.StopOnStop = true
	config.ApplyDefaults(cfg)
	if err := config.Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	return cfg
}

func metrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func startApp(t *testing.T, cfg *config.Config) *testApp {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ta := &testApp{drv: &audiomock.I2S{}, vol: storagemock.NewVolume()}
	a, err := New(context.Background(), cfg,
		WithI2S(ta.drv),
		WithVolume(ta.vol),
		WithPanel(&displaymock.Panel{W: 32, H: 24}),
		WithMetrics(metrics(t)),
		WithListener(l),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ta.app = a
	ta.url = "http://" + a.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	ta.stop = func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run: %v", err)
			}
		case <-time.After(3 * time.Second):
			t.Error("Run did not return after cancel")
		}
		if err := a.Shutdown(context.Background()); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	}
	return ta
}

func post(t *testing.T, url string) int {
	t.Helper()
	resp, err := http.Post(url, "application/json", nil)
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestApp_SessionOverHTTP(t *testing.T) {
	ta := startApp(t, testConfig(t))
	defer ta.stop()

	waitFor(t, "api", func() bool { return getJSON(t, ta.url+"/healthz", nil) == http.StatusOK })

	if code := post(t, ta.url+"/api/session/start"); code != http.StatusOK {
		t.Fatalf("start status = %d", code)
	}
	if code := post(t, ta.url+"/api/session/start"); code != http.StatusConflict {
		t.Errorf("second start status = %d, want 409", code)
	}

	frame := make([]byte, ta.app.cfg.Capture.FrameSize)
	for i := range 10 {
		if !ta.drv.Emit(frame) {
			t.Fatalf("Emit %d: driver not running", i)
		}
		waitFor(t, "frame", func() bool { return ta.app.Coordinator().Status().Frames >= uint64(i+1) })
	}

	if code := post(t, ta.url+"/api/session/flush"); code != http.StatusOK {
		t.Errorf("flush status = %d", code)
	}
	if code := getJSON(t, ta.url+"/readyz", nil); code != http.StatusOK {
		t.Errorf("readyz status = %d while running", code)
	}
	if code := post(t, ta.url+"/api/session/stop"); code != http.StatusOK {
		t.Fatalf("stop status = %d", code)
	}

	var st coordinator.Status
	getJSON(t, ta.url+"/api/status", &st)
	if st.State != coordinator.Idle || st.Frames != 10 {
		t.Errorf("status = %+v, want idle with 10 frames", st)
	}
	if len(st.Buses) != 0 {
		t.Errorf("buses held after stop: %v", st.Buses)
	}

	var recs []catalog.Recording
	getJSON(t, ta.url+"/api/recordings", &recs)
	if len(recs) != 1 || recs[0].Outcome != catalog.OutcomeComplete || recs[0].Frames != 10 {
		t.Errorf("recordings = %+v", recs)
	}
	if data, ok := ta.vol.Data(recs[0].Path); !ok || len(data) != 10*len(frame) {
		t.Errorf("file %q has %d bytes, want %d", recs[0].Path, len(data), 10*len(frame))
	}
}

func TestApp_Autostart(t *testing.T) {
	cfg := testConfig(t)
	cfg.Coordinator.Autostart = true
	ta := startApp(t, cfg)

	waitFor(t, "autostart", func() bool { return ta.app.Coordinator().State() == coordinator.Running })
	ta.stop()

	if st := ta.app.Coordinator().State(); st != coordinator.Idle {
		t.Errorf("State() = %s after shutdown, want idle", st)
	}
	if !ta.app.buses.AllFree() {
		t.Errorf("buses held after shutdown: %v", ta.app.buses.Holders())
	}
}

func TestApp_Reload(t *testing.T) {
	old := testConfig(t)
	ta := startApp(t, old)
	defer ta.stop()

	level := new(slog.LevelVar)
	ta.app.level = level

	next := *old
	next.Server.LogLevel = config.LogDebug
	next.Display.MinInterval = 40 * time.Millisecond
	ta.app.Reload(old, &next)

	if level.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", level.Level())
	}
	if got := ta.app.refresher.MinInterval(); got != 40*time.Millisecond {
		t.Errorf("display interval = %v, want 40ms", got)
	}
}

func TestNew_SQLiteCatalog(t *testing.T) {
	cfg := testConfig(t)
	cfg.Catalog.Backend = config.CatalogSQLite
	cfg.Catalog.Path = t.TempDir() + "/catalog.db"
	cfg.Server.ListenAddr = "127.0.0.1:0"

	a, err := New(context.Background(), cfg, WithMetrics(metrics(t)), WithI2S(&audiomock.I2S{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, ok := a.catalog.(*catalog.SQLiteStore); !ok {
		t.Errorf("catalog = %T, want *catalog.SQLiteStore", a.catalog)
	}
	if _, ok := a.panel.(*displaymock.Panel); !ok {
		t.Errorf("panel = %T, want mock panel", a.panel)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func TestNew_ListenError(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	cfg := testConfig(t)
	cfg.Server.ListenAddr = l.Addr().String()
	if _, err := New(context.Background(), cfg, WithMetrics(metrics(t))); err == nil {
		t.Fatal("expected error for an address in use")
	}
}

func TestNew_TelemetryUplink(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.ListenAddr = "127.0.0.1:0"
	cfg.Telemetry.Enabled = true
	cfg.Telemetry.URL = "ws://127.0.0.1:1/ingest"

	a, err := New(context.Background(), cfg, WithMetrics(metrics(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(context.Background())
	if a.uplink == nil {
		t.Fatal("uplink not created")
	}
	if a.uplink.Interval() != cfg.Telemetry.Interval {
		t.Errorf("uplink interval = %v", a.uplink.Interval())
	}
}
