package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hubenschmidt/audio-relay/internal/config"
	"github.com/hubenschmidt/audio-relay/internal/logging"
)

var (
	version = "0.1.0"
	cfgFile string
	v       = viper.New()
)

var rootCmd = &cobra.Command{
	Use:           "relayctl",
	Short:         "Audio relay client",
	Long:          `relayctl captures audio from a local input device, sends it to an audio relay and plays back the echo.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "relayctl v%s\n", version)
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is $XDG_CONFIG_HOME/relayctl/relayctl.yaml)")
	flags.String("endpoint", "", "relay endpoint URL")
	flags.String("device", "", "input device id (default device when empty)")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.String("log-format", "", "log format (text, json)")

	for key, flag := range map[string]string{
		"endpoint":   "endpoint",
		"device":     "device",
		"log_level":  "log-level",
		"log_format": "log-format",
	} {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(err)
		}
	}

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(healthCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads and validates configuration, then initialises logging.
// Validation problems are logged and clamped, never fatal.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(v, cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logging.Init(cfg.LogFormat, cfg.LogLevel, os.Stderr)
	cfg.Validate()
	return cfg, nil
}
