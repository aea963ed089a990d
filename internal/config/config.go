package config

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/hubenschmidt/audio-relay/internal/audio"
	"github.com/hubenschmidt/audio-relay/internal/capture"
	"github.com/hubenschmidt/audio-relay/internal/supervisor"
)

const envPrefix = "RELAYCTL"

// Config is the relayctl client configuration.
type Config struct {
	Endpoint       string        `mapstructure:"endpoint"`
	Device         string        `mapstructure:"device"`
	MIMEType       string        `mapstructure:"mime_type"`
	ChunkInterval  time.Duration `mapstructure:"chunk_interval"`
	SettleDelay    time.Duration `mapstructure:"settle_delay"`
	DrainTimeout   time.Duration `mapstructure:"drain_timeout"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	Reconnect      bool          `mapstructure:"reconnect"`
	Playback       bool          `mapstructure:"playback"`
	FFmpegCommand  string        `mapstructure:"ffmpeg_command"`
	FFplayCommand  string        `mapstructure:"ffplay_command"`
	InputFormat    string        `mapstructure:"input_format"`
	LogLevel       string        `mapstructure:"log_level"`
	LogFormat      string        `mapstructure:"log_format"`
}

func Default() *Config {
	return &Config{
		Endpoint:       supervisor.DefaultEndpoint,
		MIMEType:       string(audio.DefaultMIME),
		ChunkInterval:  capture.DefaultChunkInterval,
		SettleDelay:    capture.DefaultSettleDelay,
		DrainTimeout:   capture.DefaultDrainTimeout,
		ConnectTimeout: supervisor.DefaultConnectTimeout,
		PingInterval:   25 * time.Second,
		Playback:       true,
		FFmpegCommand:  "ffmpeg",
		FFplayCommand:  "ffplay",
		InputFormat:    "pulse",
		LogLevel:       "info",
		LogFormat:      "text",
	}
}

// Load reads cfgFile, or relayctl.yaml from the user config dir or the
// working directory, then RELAYCTL_* environment variables and any flags
// already bound to v. A missing config file is not an error.
func Load(v *viper.Viper, cfgFile string) (*Config, error) {
	cfg := Default()
	setDefaults(v, cfg)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("relayctl")
		v.SetConfigType("yaml")
		if dir := configDir(); dir != "" {
			v.AddConfigPath(dir)
		}
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can see it during Unmarshal.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("endpoint", cfg.Endpoint)
	v.SetDefault("device", cfg.Device)
	v.SetDefault("mime_type", cfg.MIMEType)
	v.SetDefault("chunk_interval", cfg.ChunkInterval)
	v.SetDefault("settle_delay", cfg.SettleDelay)
	v.SetDefault("drain_timeout", cfg.DrainTimeout)
	v.SetDefault("connect_timeout", cfg.ConnectTimeout)
	v.SetDefault("ping_interval", cfg.PingInterval)
	v.SetDefault("reconnect", cfg.Reconnect)
	v.SetDefault("playback", cfg.Playback)
	v.SetDefault("ffmpeg_command", cfg.FFmpegCommand)
	v.SetDefault("ffplay_command", cfg.FFplayCommand)
	v.SetDefault("input_format", cfg.InputFormat)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("log_format", cfg.LogFormat)
}

func configDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "relayctl")
}
