package device

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"

	"github.com/hubenschmidt/audio-relay/internal/audio"
)

// FFplay plays units by piping them into ffplay.
type FFplay struct {
	command string
}

func NewFFplay(command string) *FFplay {
	if command == "" {
		command = "ffplay"
	}
	return &FFplay{command: command}
}

// Play blocks until playback finishes or ctx is cancelled.
func (p *FFplay) Play(ctx context.Context, data []byte, mime audio.MIMEType) error {
	if len(data) == 0 {
		return nil
	}
	cmd := exec.CommandContext(ctx, p.command,
		"-nodisp", "-autoexit", "-hide_banner", "-loglevel", "error", "-i", "-",
	)
	cmd.Stdin = bytes.NewReader(data)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffplay %s (%d bytes): %w: %s", mime, len(data), err, stringsTrimSpaceSafe(stderr.String()))
	}
	return nil
}
