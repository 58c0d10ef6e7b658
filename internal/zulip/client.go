// ABOUTME: Zulip event queue client: long-poll reads and queue registration
// ABOUTME: Implements relay.Poller with basic auth against the /api/v1 REST endpoints

package zulip

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/2389/coven-relay/internal/relay"
)

// maxBody caps a poll response. Zulip batches are small; anything larger is broken.
const maxBody = 16 << 20

// Client polls a Zulip realm's event queue.
type Client struct {
	site   string
	email  string
	apiKey string
	stream string
	client *http.Client
	logger *slog.Logger
}

// NewClient creates a client for site using a bot's email and API key.
// stream is the narrow applied when the client registers its own queue.
func NewClient(site, email, apiKey, stream string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		site:   strings.TrimSuffix(site, "/"),
		email:  email,
		apiKey: apiKey,
		stream: stream,
		client: httpClient,
		logger: slog.Default().With("component", "zulip"),
	}
}

// Poll issues one long-poll for events after cursor. Any JSON body is returned
// as a batch, including error results; classification is left to the caller.
func (c *Client) Poll(ctx context.Context, handle relay.PullHandle, cursor int64) (*relay.Batch, error) {
	q := url.Values{}
	q.Set("queue_id", handle.QueueID)
	q.Set("last_event_id", strconv.FormatInt(cursor, 10))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.site+"/api/v1/events?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.SetBasicAuth(c.email, c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	var batch relay.Batch
	if err := json.Unmarshal(body, &batch); err != nil {
		return nil, fmt.Errorf("decoding response (status %d): %w", resp.StatusCode, err)
	}
	batch.Raw = body

	c.logger.Debug("polled events", "queue_id", handle.QueueID, "cursor", cursor,
		"status", resp.StatusCode, "result", batch.Result, "events", len(batch.Events))
	return &batch, nil
}

type registerResponse struct {
	Result      string `json:"result"`
	Msg         string `json:"msg"`
	QueueID     string `json:"queue_id"`
	LastEventID int64  `json:"last_event_id"`
}

// Register creates an event queue narrowed to the configured stream.
func (c *Client) Register(ctx context.Context) (relay.PullHandle, error) {
	narrow, err := json.Marshal([][]string{{"stream", c.stream}})
	if err != nil {
		return relay.PullHandle{}, fmt.Errorf("encoding narrow: %w", err)
	}
	form := url.Values{}
	form.Set("narrow", string(narrow))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.site+"/api/v1/register", strings.NewReader(form.Encode()))
	if err != nil {
		return relay.PullHandle{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.email, c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return relay.PullHandle{}, &relay.NegotiationError{Side: relay.SidePull, Reason: "register request failed", Err: err}
	}
	defer resp.Body.Close()

	var reg registerResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBody)).Decode(&reg); err != nil {
		return relay.PullHandle{}, &relay.NegotiationError{Side: relay.SidePull, Reason: "malformed register response", Err: err}
	}
	if resp.StatusCode != http.StatusOK || reg.Result != relay.ResultSuccess || reg.QueueID == "" {
		return relay.PullHandle{}, &relay.NegotiationError{
			Side:   relay.SidePull,
			Reason: fmt.Sprintf("register returned status %d: %s", resp.StatusCode, reg.Msg),
		}
	}

	c.logger.Info("registered event queue", "queue_id", reg.QueueID, "stream", c.stream)
	return relay.PullHandle{QueueID: reg.QueueID}, nil
}
