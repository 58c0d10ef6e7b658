// ABOUTME: Tests for the operator HTTP API
// ABOUTME: Covers lifecycle conflicts, auth, audit, persisted history, SSE and rate limiting

package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/relay"
	"github.com/2389/coven-relay/internal/store"
)

func (tg *testGateway) do(t *testing.T, method, path, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, tg.server.URL+path, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestAPI_SessionLifecycle(t *testing.T) {
	tg := newTestGateway(t, testConfig(), nil)

	resp := tg.do(t, http.MethodGet, "/api/session", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = tg.do(t, http.MethodPost, "/api/session/start", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	started := decode[relay.Snapshot](t, resp)
	assert.Equal(t, relay.StatusRunning, started.Status)
	assert.Equal(t, relay.InitialCursor, started.Cursor)

	resp = tg.do(t, http.MethodPost, "/api/session/start", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = tg.do(t, http.MethodGet, "/health/ready", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = tg.do(t, http.MethodPost, "/api/session/stop", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stopped := decode[relay.Snapshot](t, resp)
	assert.Equal(t, started.ID, stopped.ID)
	assert.Equal(t, relay.StatusStoppedByOperator, stopped.Status)
	assert.Equal(t, relay.PhaseClosed, stopped.Push.Phase)
	assert.Equal(t, relay.PhaseClosed, stopped.Pull.Phase)
	require.NotNil(t, stopped.EndedAt)

	resp = tg.do(t, http.MethodPost, "/api/session/stop", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = tg.do(t, http.MethodGet, "/health/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	// A stopped relay can be started again as a new session.
	resp = tg.do(t, http.MethodPost, "/api/session/start", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	again := decode[relay.Snapshot](t, resp)
	assert.NotEqual(t, started.ID, again.ID)
}

func TestAPI_StartFailureIsBadGateway(t *testing.T) {
	tg := newTestGateway(t, testConfig(), &fakeNegotiator{
		pushErr: errors.New("backend down"),
		pullErr: errors.New("backend down"),
	})

	resp := tg.do(t, http.MethodPost, "/api/session/start", "")
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)

	body := decode[StartResponse](t, resp)
	assert.Contains(t, body.Error, "backend down")
	require.NotNil(t, body.Session)
	assert.Equal(t, relay.StatusStoppedByFailure, body.Session.Status)
	assert.Equal(t, relay.PhaseNegotiationFailed, body.Session.Push.Phase)

	entries, err := tg.store.ListAuditLog(context.Background(), store.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, store.AuditStartSession, entries[0].Action)
	assert.Contains(t, entries[0].Detail["error"], "backend down")
}

func TestAPI_PartialStartIsRunning(t *testing.T) {
	tg := newTestGateway(t, testConfig(), &fakeNegotiator{pullErr: errors.New("no queue")})

	resp := tg.do(t, http.MethodPost, "/api/session/start", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	snap := decode[relay.Snapshot](t, resp)
	assert.Equal(t, relay.StatusRunning, snap.Status)
	assert.Equal(t, relay.PhaseNegotiationFailed, snap.Pull.Phase)
}

func TestAPI_AuthAndAudit(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.JWTSecret = "a-secret-that-is-long-enough-for-hs256"
	tg := newTestGateway(t, cfg, nil)

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	require.NoError(t, err)
	token, err := verifier.Generate("ops-alice", time.Hour)
	require.NoError(t, err)

	resp := tg.do(t, http.MethodPost, "/api/session/start", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Probes stay open.
	resp = tg.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = tg.do(t, http.MethodPost, "/api/session/start", token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = tg.do(t, http.MethodPost, "/api/session/stop", token)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = tg.do(t, http.MethodGet, "/api/audit?actor=ops-alice", token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[struct {
		Entries []store.AuditEntry `json:"entries"`
	}](t, resp)
	require.Len(t, body.Entries, 2)
	assert.Equal(t, store.AuditStopSession, body.Entries[0].Action)
	assert.Equal(t, store.AuditStartSession, body.Entries[1].Action)
}

func TestAPI_HistoryIsPersisted(t *testing.T) {
	tg := newTestGateway(t, testConfig(), nil)

	resp := tg.do(t, http.MethodPost, "/api/session/start", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	snap := decode[relay.Snapshot](t, resp)
	resp = tg.do(t, http.MethodPost, "/api/session/stop", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Eventually(t, func() bool {
		rec, err := tg.store.GetSession(context.Background(), snap.ID)
		return err == nil && rec.Status == string(relay.StatusStoppedByOperator)
	}, 2*time.Second, 10*time.Millisecond)

	resp = tg.do(t, http.MethodGet, "/api/sessions", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sessions := decode[struct {
		Sessions []store.SessionRecord `json:"sessions"`
	}](t, resp)
	require.Len(t, sessions.Sessions, 1)
	assert.Equal(t, "stopped by operator", sessions.Sessions[0].Reason)
	assert.NotNil(t, sessions.Sessions[0].EndedAt)

	resp = tg.do(t, http.MethodGet, "/api/sessions/"+snap.ID+"/transitions", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	transitions := decode[struct {
		Transitions []store.TransitionRecord `json:"transitions"`
	}](t, resp)
	require.NotEmpty(t, transitions.Transitions)
	assert.Equal(t, relay.ComponentSession, transitions.Transitions[0].Component)
	assert.Equal(t, string(relay.StatusStarting), transitions.Transitions[0].State)

	resp = tg.do(t, http.MethodGet, "/api/sessions/nope/transitions", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = tg.do(t, http.MethodGet, "/api/sessions?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_SessionEventsStream(t *testing.T) {
	tg := newTestGateway(t, testConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tg.server.URL+"/api/session/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return tg.broadcaster.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	states := make(chan string, 32)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if data, ok := strings.CutPrefix(line, "data: "); ok {
				var tr relay.Transition
				if json.Unmarshal([]byte(data), &tr) == nil && tr.Component == relay.ComponentSession {
					states <- tr.State
				}
			}
		}
		close(states)
	}()

	start := tg.do(t, http.MethodPost, "/api/session/start", "")
	require.Equal(t, http.StatusOK, start.StatusCode)

	want := []string{string(relay.StatusStarting), string(relay.StatusRunning)}
	for _, w := range want {
		select {
		case got := <-states:
			assert.Equal(t, w, got)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s", w)
		}
	}
}

func TestAPI_RateLimited(t *testing.T) {
	h := rateLimit(1, time.Minute)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	first := httptest.NewRecorder()
	h.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/api/session", nil))
	assert.Equal(t, http.StatusOK, first.Code)

	second := httptest.NewRecorder()
	h.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/api/session", nil))
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "60", second.Header().Get("Retry-After"))
	assert.Contains(t, second.Body.String(), "rate limit exceeded")
}

func TestAPI_MetricsEndpoint(t *testing.T) {
	tg := newTestGateway(t, testConfig(), nil)

	resp := tg.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "coven_relay_")
}
