// ABOUTME: Tests for the backend HTTP client
// ABOUTME: Uses httptest servers to check negotiation parsing and forward status mapping

package backend

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/relay"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL+"/", "secret", DefaultPaths(), srv.Client())
}

func TestNegotiatePush(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/registerSocket", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"socketURL":"wss://wss-primary.slack.com/link/?ticket=abc"}`))
	})

	handle, err := c.NegotiatePush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "wss://wss-primary.slack.com/link/?ticket=abc", handle.URL)
}

func TestNegotiatePull(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/registerQueue", r.URL.Path)
		_, _ = w.Write([]byte(`{"queue_id":"1517975029:0"}`))
	})

	handle, err := c.NegotiatePull(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1517975029:0", handle.QueueID)
}

func TestNegotiate_Failures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		reason string
	}{
		{"registration refused", 419, `{"error":"encountered an error"}`, "status 419"},
		{"missing handle", http.StatusOK, `{}`, "no queue_id"},
		{"empty handle", http.StatusOK, `{"queue_id":""}`, "no queue_id"},
		{"malformed body", http.StatusOK, `<html>`, "malformed response"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			_, err := c.NegotiatePull(context.Background())
			require.ErrorIs(t, err, relay.ErrNegotiation)
			var nerr *relay.NegotiationError
			require.ErrorAs(t, err, &nerr)
			assert.Equal(t, relay.SidePull, nerr.Side)
			assert.Contains(t, err.Error(), tt.reason)
		})
	}
}

func TestNegotiate_Unreachable(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", "", DefaultPaths(), nil)

	_, err := c.NegotiatePush(context.Background())
	assert.ErrorIs(t, err, relay.ErrNegotiation)
}

func TestForwardPushEvent(t *testing.T) {
	var got json.RawMessage
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/slackEvents", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		got, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	})

	require.NoError(t, c.ForwardPushEvent(context.Background(), json.RawMessage(`{"event":{"type":"message"}}`)))
	assert.JSONEq(t, `{"event":{"type":"message"}}`, string(got))
}

func TestForwardPullBatch_SendsRawBody(t *testing.T) {
	raw := `{"result":"success","msg":"","events":[{"id":0,"type":"message","message":{"content":"hi"}}],"queue_id":"q"}`
	var got string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/zulipEvents", r.URL.Path)
		b, _ := io.ReadAll(r.Body)
		got = string(b)
		w.WriteHeader(http.StatusNoContent)
	})

	batch := &relay.Batch{Result: relay.ResultSuccess, Events: []relay.Event{{ID: 0, Type: "message"}}, Raw: json.RawMessage(raw)}
	require.NoError(t, c.ForwardPullBatch(context.Background(), batch))
	assert.Equal(t, raw, got)
}

func TestForward_Non2xxIsForwardError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream down"))
	})

	err := c.ForwardPushEvent(context.Background(), json.RawMessage(`{"a":1}`))
	require.ErrorIs(t, err, relay.ErrForward)
	var ferr *relay.ForwardError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, http.StatusBadGateway, ferr.Status)
	assert.Equal(t, "upstream down", ferr.Body)
}
