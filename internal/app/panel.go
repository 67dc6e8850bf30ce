package app

import (
	"fmt"
	"log/slog"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"

	"github.com/MrWong99/fieldrec/internal/config"
	paneldisplay "github.com/MrWong99/fieldrec/pkg/display"
	"github.com/MrWong99/fieldrec/pkg/display/mock"
	"github.com/MrWong99/fieldrec/pkg/display/st7789"
)

// openPanel returns the panel named by cfg and a closer for the resources
// it holds, which may be nil.
func openPanel(cfg config.DisplayConfig) (paneldisplay.Panel, func() error, error) {
	switch cfg.Driver {
	case config.DisplayST7789:
		return openST7789(cfg)
	default:
		return &mock.Panel{W: cfg.Width, H: cfg.Height}, nil, nil
	}
}

func openST7789(cfg config.DisplayConfig) (paneldisplay.Panel, func() error, error) {
	if _, err := host.Init(); err != nil {
		return nil, nil, fmt.Errorf("periph host init: %w", err)
	}
	port, err := spireg.Open(cfg.SPIPort)
	if err != nil {
		return nil, nil, fmt.Errorf("open spi port %q: %w", cfg.SPIPort, err)
	}

	dc := gpioreg.ByName(cfg.DCPin)
	if dc == nil {
		port.Close()
		return nil, nil, fmt.Errorf("dc pin %q not found", cfg.DCPin)
	}
	var rst gpio.PinOut
	if cfg.RSTPin != "" {
		p := gpioreg.ByName(cfg.RSTPin)
		if p == nil {
			port.Close()
			return nil, nil, fmt.Errorf("rst pin %q not found", cfg.RSTPin)
		}
		rst = p
	}

	panel, err := st7789.New(port, dc, &st7789.Opts{
		W:       cfg.Width,
		H:       cfg.Height,
		XOffset: cfg.XOffset,
		YOffset: cfg.YOffset,
		Invert:  cfg.Invert,
		RST:     rst,
	})
	if err != nil {
		port.Close()
		return nil, nil, err
	}
	slog.Info("st7789 panel opened", "port", port.String(), "dc", cfg.DCPin, "size", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height))
	return panel, port.Close, nil
}
