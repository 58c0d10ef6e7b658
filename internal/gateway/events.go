// ABOUTME: Transition observers: the store journal and the fan-out list
// ABOUTME: The journal persists sessions and transitions off the relay goroutines

package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-relay/internal/relay"
	"github.com/2389/coven-relay/internal/store"
)

const (
	journalBufferSize   = 256
	journalWriteTimeout = 5 * time.Second
)

// observers fans a transition out to every member in order.
type observers []relay.Observer

// OnTransition implements relay.Observer.
func (o observers) OnTransition(t relay.Transition) {
	for _, obs := range o {
		obs.OnTransition(t)
	}
}

// journal writes transitions to the store from a single goroutine.
// A session row is always written before any of its transitions.
type journal struct {
	store  store.Store
	ch     chan relay.Transition
	done   chan struct{}
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
}

func newJournal(s store.Store, logger *slog.Logger) *journal {
	j := &journal{
		store:  s,
		ch:     make(chan relay.Transition, journalBufferSize),
		done:   make(chan struct{}),
		logger: logger.With("component", "journal"),
	}
	go j.run()
	return j
}

// OnTransition implements relay.Observer. Transitions are dropped when the
// buffer is full or the journal is closed.
func (j *journal) OnTransition(t relay.Transition) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return
	}
	select {
	case j.ch <- t:
	default:
		j.logger.Warn("journal full, dropping transition",
			"session_id", t.SessionID,
			"component", t.Component,
			"state", t.State)
	}
}

func (j *journal) run() {
	defer close(j.done)
	for t := range j.ch {
		j.record(t)
	}
}

func (j *journal) record(t relay.Transition) {
	ctx, cancel := context.WithTimeout(context.Background(), journalWriteTimeout)
	defer cancel()

	if t.Component == relay.ComponentSession {
		if err := j.store.SaveSession(ctx, sessionRecord(t)); err != nil {
			j.logger.Error("failed to save session", "session_id", t.SessionID, "error", err)
			return
		}
	}

	err := j.store.AppendTransition(ctx, &store.TransitionRecord{
		SessionID: t.SessionID,
		Component: t.Component,
		State:     t.State,
		Detail:    t.Detail,
		Cursor:    t.Cursor,
		At:        t.At,
	})
	if err != nil {
		j.logger.Error("failed to append transition", "session_id", t.SessionID, "error", err)
	}
}

// sessionRecord derives the session row from a session-level transition.
func sessionRecord(t relay.Transition) *store.SessionRecord {
	rec := &store.SessionRecord{
		ID:          t.SessionID,
		Status:      t.State,
		StartedAt:   t.At,
		FinalCursor: t.Cursor,
	}
	if relay.Status(t.State).Stopped() {
		ended := t.At
		rec.EndedAt = &ended
		rec.Reason = t.Detail
	}
	return rec
}

// Close stops accepting transitions and waits for queued ones to be written.
func (j *journal) Close() {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return
	}
	j.closed = true
	close(j.ch)
	j.mu.Unlock()

	<-j.done
}
