// ABOUTME: Slack Web API call used to open a Socket Mode connection
// ABOUTME: apps.connections.open with an app-level token returns the socket URL

package slack

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/2389/coven-relay/internal/relay"
)

// DefaultAPIURL is the Slack Web API base.
const DefaultAPIURL = "https://slack.com/api"

// Client calls the Slack Web API with an app-level token.
type Client struct {
	apiURL   string
	appToken string
	client   *http.Client
}

// NewClient creates a client. An empty apiURL uses DefaultAPIURL.
func NewClient(apiURL, appToken string, httpClient *http.Client) *Client {
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		apiURL:   strings.TrimSuffix(apiURL, "/"),
		appToken: appToken,
		client:   httpClient,
	}
}

type openResponse struct {
	OK    bool   `json:"ok"`
	URL   string `json:"url"`
	Error string `json:"error"`
}

// OpenConnection requests a fresh Socket Mode URL.
func (c *Client) OpenConnection(ctx context.Context) (relay.PushHandle, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/apps.connections.open", nil)
	if err != nil {
		return relay.PushHandle{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+c.appToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return relay.PushHandle{}, &relay.NegotiationError{Side: relay.SidePush, Reason: "apps.connections.open failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return relay.PushHandle{}, &relay.NegotiationError{
			Side:   relay.SidePush,
			Reason: fmt.Sprintf("apps.connections.open returned status %d", resp.StatusCode),
		}
	}

	var out openResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return relay.PushHandle{}, &relay.NegotiationError{Side: relay.SidePush, Reason: "malformed apps.connections.open response", Err: err}
	}
	if !out.OK || out.URL == "" {
		reason := out.Error
		if reason == "" {
			reason = "no url returned"
		}
		return relay.PushHandle{}, &relay.NegotiationError{Side: relay.SidePush, Reason: reason}
	}
	return relay.PushHandle{URL: out.URL}, nil
}
