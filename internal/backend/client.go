// ABOUTME: HTTP client for the backend: handle negotiation and event forwarding
// ABOUTME: Implements relay.Negotiator and relay.Sink over JSON POST requests

package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/2389/coven-relay/internal/relay"
)

// maxErrorBody caps how much of a failed response body is kept for diagnostics.
const maxErrorBody = 512

// Paths are the backend endpoints, relative to the base URL.
type Paths struct {
	RegisterSocket string
	RegisterQueue  string
	SlackEvents    string
	ZulipEvents    string
}

// DefaultPaths returns the endpoint layout the backend serves out of the box.
func DefaultPaths() Paths {
	return Paths{
		RegisterSocket: "/api/registerSocket",
		RegisterQueue:  "/api/registerQueue",
		SlackEvents:    "/api/slackEvents",
		ZulipEvents:    "/api/zulipEvents",
	}
}

// Client talks to the backend.
type Client struct {
	baseURL string
	token   string
	paths   Paths
	client  *http.Client
	logger  *slog.Logger
}

// NewClient creates a backend client. token is sent as a Bearer credential when
// non-empty. A nil httpClient uses a default client; request deadlines come
// from the context.
func NewClient(baseURL, token string, paths Paths, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		paths:   paths,
		client:  httpClient,
		logger:  slog.Default().With("component", "backend"),
	}
}

type socketResponse struct {
	SocketURL string `json:"socketURL"`
}

type queueResponse struct {
	QueueID string `json:"queue_id"`
}

// NegotiatePush asks the backend to open a push socket.
func (c *Client) NegotiatePush(ctx context.Context) (relay.PushHandle, error) {
	var resp socketResponse
	if err := c.negotiate(ctx, relay.SidePush, c.paths.RegisterSocket, &resp); err != nil {
		return relay.PushHandle{}, err
	}
	if resp.SocketURL == "" {
		return relay.PushHandle{}, &relay.NegotiationError{Side: relay.SidePush, Reason: "response has no socketURL"}
	}
	return relay.PushHandle{URL: resp.SocketURL}, nil
}

// NegotiatePull asks the backend to register an event queue.
func (c *Client) NegotiatePull(ctx context.Context) (relay.PullHandle, error) {
	var resp queueResponse
	if err := c.negotiate(ctx, relay.SidePull, c.paths.RegisterQueue, &resp); err != nil {
		return relay.PullHandle{}, err
	}
	if resp.QueueID == "" {
		return relay.PullHandle{}, &relay.NegotiationError{Side: relay.SidePull, Reason: "response has no queue_id"}
	}
	return relay.PullHandle{QueueID: resp.QueueID}, nil
}

func (c *Client) negotiate(ctx context.Context, side relay.Side, path string, out any) error {
	resp, err := c.post(ctx, path, nil)
	if err != nil {
		return &relay.NegotiationError{Side: side, Reason: "request failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &relay.NegotiationError{
			Side:   side,
			Reason: fmt.Sprintf("backend returned status %d: %s", resp.StatusCode, readSnippet(resp.Body)),
		}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &relay.NegotiationError{Side: side, Reason: "malformed response", Err: err}
	}
	return nil
}

// ForwardPushEvent posts an envelope payload to the backend.
func (c *Client) ForwardPushEvent(ctx context.Context, payload json.RawMessage) error {
	return c.forward(ctx, c.paths.SlackEvents, payload)
}

// ForwardPullBatch posts the full poll response body to the backend.
func (c *Client) ForwardPullBatch(ctx context.Context, batch *relay.Batch) error {
	body := []byte(batch.Raw)
	if len(body) == 0 {
		var err error
		if body, err = json.Marshal(batch); err != nil {
			return fmt.Errorf("encoding batch: %w", err)
		}
	}
	return c.forward(ctx, c.paths.ZulipEvents, body)
}

func (c *Client) forward(ctx context.Context, path string, body []byte) error {
	resp, err := c.post(ctx, path, body)
	if err != nil {
		return &relay.ForwardError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &relay.ForwardError{Status: resp.StatusCode, Body: readSnippet(resp.Body)}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *Client) post(ctx context.Context, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	c.logger.Debug("backend request", "path", path, "status", resp.StatusCode)
	return resp, nil
}

func readSnippet(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	return strings.TrimSpace(string(b))
}
