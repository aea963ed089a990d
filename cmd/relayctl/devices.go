package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hubenschmidt/audio-relay/internal/config"
	"github.com/hubenschmidt/audio-relay/internal/device"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List audio input devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		dm := newDeviceManager(cfg)
		if err := dm.RequestPermission(cmd.Context()); err != nil {
			return err
		}
		devs, err := dm.ListInputDevices(cmd.Context())
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tLABEL")
		for _, d := range devs {
			fmt.Fprintf(tw, "%s\t%s\n", d.ID, d.Label)
		}
		return tw.Flush()
	},
}

func newDeviceManager(cfg *config.Config) *device.FFmpeg {
	return device.NewFFmpeg(device.Config{
		FFmpegCommand: cfg.FFmpegCommand,
		InputFormat:   cfg.InputFormat,
	})
}
