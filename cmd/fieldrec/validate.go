package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration file and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err := loadConfig(cmd)
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("config file %q not found", path)
				}
				return err
			}
			cmd.Printf("OK: %s\n", path)
			cmd.Printf("  listen:    %s\n", cfg.Server.ListenAddr)
			cmd.Printf("  capture:   %s %d Hz, %d bit, %d ch, %d byte frames\n",
				cfg.Capture.Driver, cfg.Capture.SampleRate, cfg.Capture.BitsPerSample,
				cfg.Capture.Channels, cfg.Capture.FrameSize)
			cmd.Printf("  storage:   %s (%d frames per write)\n", cfg.Storage.Root, cfg.Storage.BatchFrames)
			cmd.Printf("  display:   %s %dx%d every %s\n",
				cfg.Display.Driver, cfg.Display.Width, cfg.Display.Height, cfg.Display.MinInterval)
			cmd.Printf("  catalog:   %s\n", cfg.Catalog.Backend)
			if cfg.Telemetry.Enabled {
				cmd.Printf("  telemetry: %s every %s\n", cfg.Telemetry.URL, cfg.Telemetry.Interval)
			} else {
				cmd.Printf("  telemetry: disabled\n")
			}
			return nil
		},
	}
}
