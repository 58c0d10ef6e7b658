// ABOUTME: Operator commands that talk to a running relay over its HTTP API
// ABOUTME: start, stop, status and health, authenticated with COVEN_RELAY_TOKEN

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/relay"
)

// apiClient calls a relay's operator API.
type apiClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// apiBaseURL resolves where the running relay listens.
// Priority: COVEN_RELAY_URL > tailscale hostname > server.http_addr
func apiBaseURL(cfg *config.Config) string {
	if envURL := os.Getenv("COVEN_RELAY_URL"); envURL != "" {
		return strings.TrimSuffix(envURL, "/")
	}
	if cfg.Tailscale.Enabled {
		return "http://" + cfg.Tailscale.Hostname
	}
	return "http://" + cfg.Server.HTTPAddr
}

func newAPIClient() (*apiClient, error) {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return &apiClient{
		baseURL: apiBaseURL(cfg),
		token:   os.Getenv("COVEN_RELAY_TOKEN"),
		client:  &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// call performs a request and decodes a JSON response into out when non-nil.
// Non-2xx responses become errors carrying the API's error message.
func (c *apiClient) call(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (status %d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

func runStart(ctx context.Context) error {
	c, err := newAPIClient()
	if err != nil {
		return err
	}
	var snap relay.Snapshot
	if err := c.call(ctx, http.MethodPost, "/api/session/start", &snap); err != nil {
		return fmt.Errorf("starting session: %w", err)
	}
	printSnapshot(os.Stdout, snap)
	return nil
}

func runStop(ctx context.Context) error {
	c, err := newAPIClient()
	if err != nil {
		return err
	}
	var snap relay.Snapshot
	if err := c.call(ctx, http.MethodPost, "/api/session/stop", &snap); err != nil {
		return fmt.Errorf("stopping session: %w", err)
	}
	printSnapshot(os.Stdout, snap)
	return nil
}

func runStatus(ctx context.Context) error {
	c, err := newAPIClient()
	if err != nil {
		return err
	}
	var snap relay.Snapshot
	if err := c.call(ctx, http.MethodGet, "/api/session", &snap); err != nil {
		return fmt.Errorf("getting status: %w", err)
	}
	printSnapshot(os.Stdout, snap)
	return nil
}

func runHealth(ctx context.Context) error {
	c, err := newAPIClient()
	if err != nil {
		return err
	}
	if err := c.call(ctx, http.MethodGet, "/health", nil); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	fmt.Println("healthy")
	return nil
}

func statusColor(s relay.Status) *color.Color {
	switch s {
	case relay.StatusRunning:
		return color.New(color.FgGreen)
	case relay.StatusStoppedByFailure:
		return color.New(color.FgRed)
	case relay.StatusStarting:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgHiBlack)
	}
}

func printSnapshot(w io.Writer, snap relay.Snapshot) {
	fmt.Fprintf(w, "session  %s\n", snap.ID)
	fmt.Fprintf(w, "status   %s\n", statusColor(snap.Status).Sprint(snap.Status))
	if snap.Reason != "" {
		fmt.Fprintf(w, "reason   %s\n", snap.Reason)
	}
	for _, side := range []struct {
		name string
		s    relay.SideSnapshot
	}{{"push", snap.Push}, {"pull", snap.Pull}} {
		fmt.Fprintf(w, "%-8s %s (forwarded %d)", side.name, side.s.Phase, side.s.Forwarded)
		if side.s.Detail != "" {
			fmt.Fprintf(w, " %s", color.HiBlackString(side.s.Detail))
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "cursor   %d\n", snap.Cursor)
	if !snap.StartedAt.IsZero() {
		fmt.Fprintf(w, "started  %s\n", snap.StartedAt.Local().Format(time.RFC3339))
	}
	if snap.EndedAt != nil {
		fmt.Fprintf(w, "ended    %s\n", snap.EndedAt.Local().Format(time.RFC3339))
	}
}
