// ABOUTME: HTTP API handlers for operating the relay session
// ABOUTME: Start/stop with audit, status snapshots, SSE transitions and persisted history

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/relay"
	"github.com/2389/coven-relay/internal/store"
)

const (
	// stopWait bounds how long a stop request waits for both channels to exit.
	stopWait = 10 * time.Second
	// ssePingInterval keeps idle event streams open through proxies.
	ssePingInterval = 30 * time.Second
)

// StartResponse is returned by POST /api/session/start when the start failed.
type StartResponse struct {
	Error   string          `json:"error"`
	Session *relay.Snapshot `json:"session,omitempty"`
}

// handleStartSession starts a new session under the gateway's lifetime.
// POST /api/session/start
func (g *Gateway) handleStartSession(w http.ResponseWriter, r *http.Request) {
	s, err := g.controller.Start(g.ctx)
	if errors.Is(err, relay.ErrInvalidState) {
		sendJSONError(w, http.StatusConflict, err.Error())
		return
	}

	g.audit(r, store.AuditStartSession, s.ID(), err)

	snap := s.Snapshot()
	if err != nil {
		g.logger.Warn("session start failed", "session_id", s.ID(), "error", err)
		writeJSON(w, http.StatusBadGateway, StartResponse{Error: err.Error(), Session: &snap})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleStopSession stops the running session and waits briefly for it to drain.
// POST /api/session/stop
func (g *Gateway) handleStopSession(w http.ResponseWriter, r *http.Request) {
	s, err := g.controller.Stop()
	if errors.Is(err, relay.ErrInvalidState) {
		sendJSONError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		g.logger.Error("failed to stop session", "error", err)
		sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	g.audit(r, store.AuditStopSession, s.ID(), nil)

	ctx, cancel := context.WithTimeout(r.Context(), stopWait)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		g.logger.Warn("session still draining after stop", "session_id", s.ID())
	}
	writeJSON(w, http.StatusOK, s.Snapshot())
}

// handleGetSession returns the current session snapshot.
// GET /api/session
func (g *Gateway) handleGetSession(w http.ResponseWriter, r *http.Request) {
	s := g.controller.Current()
	if s == nil {
		sendJSONError(w, http.StatusNotFound, "no session has been started")
		return
	}
	writeJSON(w, http.StatusOK, s.Snapshot())
}

// handleSessionEvents streams transitions as server-sent events. The current
// snapshot, if any, is sent first as a "snapshot" event.
// GET /api/session/events
func (g *Gateway) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Subscribe before reading the snapshot so no transition falls in between.
	events, _ := g.broadcaster.Subscribe(r.Context())

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if s := g.controller.Current(); s != nil {
		g.writeSSEEvent(w, "snapshot", s.Snapshot())
	}
	flusher.Flush()

	ping := time.NewTicker(ssePingInterval)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case t, ok := <-events:
			if !ok {
				return
			}
			g.writeSSEEvent(w, "transition", t)
			flusher.Flush()
		case <-ping.C:
			_, _ = fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

// handleListSessions returns persisted sessions, newest first.
// GET /api/sessions?limit=N
func (g *Gateway) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	sessions, err := g.store.ListSessions(r.Context(), limit)
	if err != nil {
		g.logger.Error("failed to list sessions", "error", err)
		sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

// handleListTransitions returns a persisted session's transitions, oldest first.
// GET /api/sessions/{id}/transitions?limit=N
func (g *Gateway) handleListTransitions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit, err := parseLimit(r)
	if err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	if _, err := g.store.GetSession(r.Context(), id); errors.Is(err, store.ErrNotFound) {
		sendJSONError(w, http.StatusNotFound, "session not found")
		return
	} else if err != nil {
		g.logger.Error("failed to get session", "session_id", id, "error", err)
		sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	transitions, err := g.store.ListTransitions(r.Context(), id, limit)
	if err != nil {
		g.logger.Error("failed to list transitions", "session_id", id, "error", err)
		sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transitions": transitions})
}

// handleListAudit returns operator actions, newest first.
// GET /api/audit?actor=X&action=Y&limit=N
func (g *Gateway) handleListAudit(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	filter := store.AuditFilter{Limit: limit}
	if actor := r.URL.Query().Get("actor"); actor != "" {
		filter.Actor = &actor
	}
	if action := r.URL.Query().Get("action"); action != "" {
		a := store.AuditAction(action)
		filter.Action = &a
	}

	entries, err := g.store.ListAuditLog(r.Context(), filter)
	if err != nil {
		g.logger.Error("failed to list audit log", "error", err)
		sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK only while a session is running.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	s := g.controller.Current()
	if s == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no session"))
		return
	}

	snap := s.Snapshot()
	if snap.Status != relay.StatusRunning {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = fmt.Fprintf(w, "session %s", snap.Status)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (push %s, pull %s, cursor %d)", snap.Push.Phase, snap.Pull.Phase, snap.Cursor)
}

// audit records an operator action. Failures are logged, never surfaced.
func (g *Gateway) audit(r *http.Request, action store.AuditAction, sessionID string, actionErr error) {
	detail := map[string]any{"remote_addr": r.RemoteAddr}
	if actionErr != nil {
		detail["error"] = actionErr.Error()
	}

	entry := &store.AuditEntry{
		Actor:     auth.OperatorFromContext(r.Context()),
		Action:    action,
		SessionID: sessionID,
		Detail:    detail,
	}
	if err := g.store.AppendAuditLog(r.Context(), entry); err != nil {
		g.logger.Error("failed to append audit log", "action", action, "error", err)
	}
}

// parseLimit reads the optional limit query parameter.
func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	return limit, nil
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	_, _ = fmt.Fprintf(w, "event: %s\n", event)
	_, _ = fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

// writeJSON writes v as a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// sendJSONError writes a JSON error response.
func sendJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
