package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr        = ":8080"
	DefaultBusTimeout        = 200 * time.Millisecond
	DefaultSampleRate        = 16000
	DefaultBitsPerSample     = 16
	DefaultChannels          = 1
	DefaultFrameSize         = 512
	DefaultQueueDepth        = 8
	DefaultToneHz            = 440
	DefaultStorageRoot       = "recordings"
	DefaultBatchFrames       = 8
	DefaultDisplaySize       = 240
	DefaultDisplayInterval   = 100 * time.Millisecond
	DefaultCatalogPath       = "fieldrec.db"
	DefaultTelemetryInterval = 10 * time.Second
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills in defaults and
// validates the result. An empty document yields the default config.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every zero-valued field that has a default. Explicit
// values are left untouched.
func ApplyDefaults(cfg *Config) {
	s := &cfg.Server
	if s.ListenAddr == "" {
		s.ListenAddr = DefaultListenAddr
	}
	if s.LogLevel == "" {
		s.LogLevel = LogInfo
	}
	if s.LogFormat == "" {
		s.LogFormat = LogFormatText
	}
	if s.DeviceID == "" {
		if host, err := os.Hostname(); err == nil {
			s.DeviceID = host
		}
	}

	if cfg.Bus.Timeout == 0 {
		cfg.Bus.Timeout = DefaultBusTimeout
	}

	c := &cfg.Capture
	if c.Driver == "" {
		c.Driver = AudioTone
	}
	if c.SampleRate == 0 {
		c.SampleRate = DefaultSampleRate
	}
	if c.BitsPerSample == 0 {
		c.BitsPerSample = DefaultBitsPerSample
	}
	if c.Channels == 0 {
		c.Channels = DefaultChannels
	}
	if c.FrameSize == 0 {
		c.FrameSize = DefaultFrameSize
	}
	if c.QueueDepth == 0 {
		c.QueueDepth = DefaultQueueDepth
	}
	if c.ToneHz == 0 {
		c.ToneHz = DefaultToneHz
	}

	if cfg.Storage.Root == "" {
		cfg.Storage.Root = DefaultStorageRoot
	}
	if cfg.Storage.BatchFrames == 0 {
		cfg.Storage.BatchFrames = DefaultBatchFrames
	}

	d := &cfg.Display
	if d.Driver == "" {
		d.Driver = DisplayMock
	}
	if d.Width == 0 {
		d.Width = DefaultDisplaySize
	}
	if d.Height == 0 {
		d.Height = DefaultDisplaySize
	}
	if d.MinInterval == 0 {
		d.MinInterval = DefaultDisplayInterval
	}

	if cfg.Catalog.Backend == "" {
		cfg.Catalog.Backend = CatalogMemory
	}
	if cfg.Catalog.Backend == CatalogSQLite && cfg.Catalog.Path == "" {
		cfg.Catalog.Path = DefaultCatalogPath
	}

	if cfg.Telemetry.Interval == 0 {
		cfg.Telemetry.Interval = DefaultTelemetryInterval
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.LogFormat != "" && !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", cfg.Server.LogFormat))
	}

	// Bus
	if cfg.Bus.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("bus.timeout must be positive, got %s", cfg.Bus.Timeout))
	}

	// Capture
	if !cfg.Capture.Driver.IsValid() {
		errs = append(errs, fmt.Errorf("capture.driver %q is invalid; valid values: tone, silence", cfg.Capture.Driver))
	}
	if err := cfg.Capture.I2S().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("capture: %w", err))
	}
	if cfg.Capture.QueueDepth < 1 {
		errs = append(errs, fmt.Errorf("capture.queue_depth must be at least 1, got %d", cfg.Capture.QueueDepth))
	}

	// Storage
	if cfg.Storage.Root == "" {
		errs = append(errs, errors.New("storage.root is required"))
	}
	if cfg.Storage.BatchFrames < 1 {
		errs = append(errs, fmt.Errorf("storage.batch_frames must be at least 1, got %d", cfg.Storage.BatchFrames))
	}

	// Display
	d := cfg.Display
	if !d.Driver.IsValid() {
		errs = append(errs, fmt.Errorf("display.driver %q is invalid; valid values: st7789, mock", d.Driver))
	}
	if d.Driver == DisplayST7789 && d.DCPin == "" {
		errs = append(errs, errors.New("display.dc_pin is required when driver is st7789"))
	}
	if d.Width <= 0 || d.Height <= 0 {
		errs = append(errs, fmt.Errorf("display size %dx%d must be positive", d.Width, d.Height))
	}
	if d.XOffset < 0 || d.YOffset < 0 {
		errs = append(errs, fmt.Errorf("display offsets (%d, %d) must not be negative", d.XOffset, d.YOffset))
	}
	if d.MinInterval <= 0 {
		errs = append(errs, fmt.Errorf("display.min_interval must be positive, got %s", d.MinInterval))
	}

	// Coordinator
	co := cfg.Coordinator
	for _, f := range []struct {
		name string
		v    time.Duration
	}{
		{"poll_interval", co.PollInterval},
		{"flush_interval", co.FlushInterval},
		{"status_interval", co.StatusInterval},
		{"fault_cooldown", co.FaultCooldown},
		{"startup_timeout", co.StartupTimeout},
	} {
		if f.v < 0 {
			errs = append(errs, fmt.Errorf("coordinator.%s must not be negative, got %s", f.name, f.v))
		}
	}

	// Catalog
	switch cfg.Catalog.Backend {
	case CatalogMemory:
	case CatalogSQLite:
		if cfg.Catalog.Path == "" {
			errs = append(errs, errors.New("catalog.path is required when backend is sqlite"))
		}
	case CatalogPostgres:
		if cfg.Catalog.PostgresDSN == "" {
			errs = append(errs, errors.New("catalog.postgres_dsn is required when backend is postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("catalog.backend %q is invalid; valid values: memory, sqlite, postgres", cfg.Catalog.Backend))
	}

	// Telemetry
	if cfg.Telemetry.Enabled {
		if u, err := url.Parse(cfg.Telemetry.URL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
			errs = append(errs, fmt.Errorf("telemetry.url %q must be a ws:// or wss:// URL", cfg.Telemetry.URL))
		}
		if cfg.Telemetry.Interval <= 0 {
			errs = append(errs, fmt.Errorf("telemetry.interval must be positive, got %s", cfg.Telemetry.Interval))
		}
		if cfg.WiFi.SSID == "" {
			slog.Warn("telemetry is enabled but wifi.ssid is empty; the uplink relies on the host network")
		}
	}
	if cfg.WiFi.Password != "" && cfg.WiFi.SSID == "" {
		errs = append(errs, errors.New("wifi.password is set without wifi.ssid"))
	}

	return errors.Join(errs...)
}
