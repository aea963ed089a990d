package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

const healthTimeout = 5 * time.Second

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check relay health and live sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		base, err := httpBase(cfg.Endpoint)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), healthTimeout)
		defer cancel()
		return checkHealth(ctx, cmd.OutOrStdout(), base)
	},
}

// httpBase maps a ws/wss endpoint to its http/https origin.
func httpBase(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	u.Path, u.RawQuery = "", ""
	return strings.TrimSuffix(u.String(), "/"), nil
}

func checkHealth(ctx context.Context, out io.Writer, base string) error {
	client := &http.Client{Timeout: healthTimeout}

	body, err := get(ctx, client, base+"/health")
	if err != nil {
		return fmt.Errorf("relay unhealthy: %w", err)
	}
	fmt.Fprintf(out, "Relay: %s (%s)\n", base, strings.TrimSpace(string(body)))

	body, err = get(ctx, client, base+"/api/sessions")
	if err != nil {
		// Older relays have no sessions endpoint.
		return nil
	}
	var sessions struct {
		Totals struct {
			Active   int   `json:"active"`
			Sessions int64 `json:"sessions"`
			Units    int64 `json:"units"`
			Bytes    int64 `json:"bytes"`
		} `json:"totals"`
	}
	if err := json.Unmarshal(body, &sessions); err != nil {
		return fmt.Errorf("decode sessions: %w", err)
	}
	t := sessions.Totals
	fmt.Fprintf(out, "Sessions: %d active, %d total\n", t.Active, t.Sessions)
	fmt.Fprintf(out, "Units echoed: %d (%d bytes)\n", t.Units, t.Bytes)
	return nil
}

func get(ctx context.Context, client *http.Client, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: HTTP %d", target, resp.StatusCode)
	}
	return body, nil
}
