package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hubenschmidt/audio-relay/internal/capture"
	"github.com/hubenschmidt/audio-relay/internal/config"
	"github.com/hubenschmidt/audio-relay/internal/device"
	"github.com/hubenschmidt/audio-relay/internal/domain"
	"github.com/hubenschmidt/audio-relay/internal/supervisor"
)

// echoWait bounds how long a timed recording waits for its echo.
const echoWait = 10 * time.Second

var (
	recordDuration time.Duration
	recordOutDir   string
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record audio, send it to the relay and play the echo",
	Long: `Connects to the relay and records from the selected input device.

With --duration the command records once and exits after the echo arrives.
Without it, press Enter to start or stop a recording, "c" to reconnect,
"d <id>" to select a device and "q" to quit.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runRecord(ctx, cfg, cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

func init() {
	recordCmd.Flags().DurationVar(&recordDuration, "duration", 0, "record once for this long, then exit")
	recordCmd.Flags().StringVar(&recordOutDir, "out", "", "directory to save echoed units")
	recordCmd.Flags().Bool("reconnect", false, "reconnect with backoff after an unexpected disconnect")
	recordCmd.Flags().Bool("playback", true, "play echoed audio with ffplay")
	for _, key := range []string{"reconnect", "playback"} {
		if err := v.BindPFlag(key, recordCmd.Flags().Lookup(key)); err != nil {
			panic(err)
		}
	}
}

type client struct {
	sup     *supervisor.Supervisor
	ctl     *capture.Controller
	console *console
}

func newClient(cfg *config.Config, devices capture.DeviceManager, player supervisor.Player, out io.Writer) *client {
	con := newConsole(out, recordOutDir)
	sup := supervisor.New(cfg.SupervisorConfig(), player, con)
	ctl := capture.NewController(cfg.CaptureConfig(), devices, sup, sup, con)
	return &client{sup: sup, ctl: ctl, console: con}
}

func runRecord(ctx context.Context, cfg *config.Config, in io.Reader, out io.Writer) error {
	var player supervisor.Player
	if cfg.Playback {
		player = device.NewFFplay(cfg.FFplayCommand)
	}
	c := newClient(cfg, newDeviceManager(cfg), player, out)
	defer c.sup.Close()

	if cfg.Device != "" {
		if err := c.ctl.SelectDevice(cfg.Device); err != nil {
			return err
		}
	}
	if err := c.sup.Connect(ctx, cfg.Endpoint); err != nil {
		return err
	}

	if recordDuration > 0 {
		return c.recordOnce(ctx, recordDuration)
	}
	return c.interactive(ctx, cfg.Endpoint, in)
}

func (c *client) recordOnce(ctx context.Context, d time.Duration) error {
	before := c.console.echoed.Load()
	if err := c.ctl.Start(ctx); err != nil {
		return err
	}
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
	if err := c.ctl.Stop(context.WithoutCancel(ctx)); err != nil {
		return err
	}

	waitCtx, cancel := context.WithTimeout(ctx, echoWait)
	defer cancel()
	return c.console.waitEcho(waitCtx, before)
}

func (c *client) interactive(ctx context.Context, endpoint string, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- strings.TrimSpace(sc.Text())
		}
	}()

	c.console.prompt(c.ctl.State(), c.sup.ConnectionState())
	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return nil
		case line, ok := <-lines:
			if !ok || line == "q" {
				c.shutdown()
				return nil
			}
			c.handle(ctx, endpoint, line)
			c.console.prompt(c.ctl.State(), c.sup.ConnectionState())
		}
	}
}

func (c *client) handle(ctx context.Context, endpoint, line string) {
	actions := c.ctl.Actions()
	switch {
	case line == "":
		if actions.Stop {
			c.report(c.ctl.Stop(ctx))
			return
		}
		if actions.Start {
			c.report(c.ctl.Start(ctx))
			return
		}
		c.console.printf("Not ready: %s\n", domain.Label(c.ctl.State()))
	case line == "c":
		if !actions.Connect {
			c.console.printf("Already connecting\n")
			return
		}
		c.report(c.sup.Connect(ctx, endpoint))
	case strings.HasPrefix(line, "d "):
		c.report(c.ctl.SelectDevice(strings.TrimSpace(strings.TrimPrefix(line, "d "))))
	default:
		c.console.printf("Unknown command %q\n", line)
	}
}

// report prints errors the listener has not already shown.
func (c *client) report(err error) {
	var derr *domain.Error
	if err == nil || errors.As(err, &derr) {
		return
	}
	c.console.printf("%v\n", err)
}

// shutdown stops an in-progress recording so its audio is still sent.
func (c *client) shutdown() {
	if c.ctl.State() != domain.RecordingRecording {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), echoWait)
	defer cancel()
	if err := c.ctl.Stop(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
}
