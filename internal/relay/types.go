// ABOUTME: Core relay types: lifecycle states, channel phases, envelopes and batches
// ABOUTME: Defines the collaborator interfaces the session relay depends on

package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a Session.
type Status string

const (
	StatusIdle              Status = "idle"
	StatusStarting          Status = "starting"
	StatusRunning           Status = "running"
	StatusStoppedByOperator Status = "stopped_by_operator"
	StatusStoppedByFailure  Status = "stopped_by_failure"
)

// Stopped reports whether the status is terminal.
func (s Status) Stopped() bool {
	return s == StatusStoppedByOperator || s == StatusStoppedByFailure
}

// Phase is the state of a single channel within a session.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseConnecting Phase = "connecting"
	PhaseReceiving  Phase = "receiving"
	PhaseClosed     Phase = "closed"
	// PhaseClosedByError is terminal and triggers paired teardown.
	PhaseClosedByError Phase = "closed_by_error"
	// PhaseNegotiationFailed marks a side whose handle could not be acquired.
	// It does not tear down the other side.
	PhaseNegotiationFailed Phase = "negotiation_failed"
)

// Terminal reports whether the phase ends the channel.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseClosed, PhaseClosedByError, PhaseNegotiationFailed:
		return true
	}
	return false
}

// Side identifies one of the two transports.
type Side string

const (
	SidePush Side = "push"
	SidePull Side = "pull"
)

// Component names used in transitions.
const (
	ComponentSession = "session"
	ComponentPush    = string(SidePush)
	ComponentPull    = string(SidePull)
)

// InitialCursor is the "before first event" delivery cursor of a fresh pull queue.
const InitialCursor int64 = -1

// PushHandle is the result of push negotiation: the socket URL to dial.
type PushHandle struct {
	URL string
}

// PullHandle is the result of pull negotiation: the registered event queue.
type PullHandle struct {
	QueueID string
}

// Envelope is a push transport frame.
type Envelope struct {
	EnvelopeID   string          `json:"envelope_id"`
	Type         string          `json:"type,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	RetryAttempt int             `json:"retry_attempt"`
	RetryReason  string          `json:"retry_reason,omitempty"`
}

// HasPayload reports whether the envelope carries something worth forwarding.
// Absent, null, empty-string, empty-array and empty-object payloads do not qualify.
func (e *Envelope) HasPayload() bool {
	p := bytes.TrimSpace(e.Payload)
	if len(p) == 0 || bytes.Equal(p, []byte("null")) {
		return false
	}
	switch p[0] {
	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(p, &obj); err == nil {
			return len(obj) > 0
		}
	case '[':
		var arr []json.RawMessage
		if err := json.Unmarshal(p, &arr); err == nil {
			return len(arr) > 0
		}
	case '"':
		var str string
		if err := json.Unmarshal(p, &str); err == nil {
			return str != ""
		}
	}
	return true
}

// Ack is the acknowledgement frame echoed for every envelope.
type Ack struct {
	EnvelopeID string `json:"envelope_id"`
}

// Event is one entry of a pull batch. Only the fields the relay inspects are decoded.
type Event struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

// Event types consumed without forwarding.
const (
	EventTypePresence  = "presence"
	EventTypeHeartbeat = "heartbeat"
)

// ResultSuccess is the result status of a successful poll.
const ResultSuccess = "success"

// CodeBadEventQueue is returned by the pull transport once a queue has been
// garbage collected. The queue cannot be polled again.
const CodeBadEventQueue = "BAD_EVENT_QUEUE_ID"

// Batch is the decoded response to one poll. Raw holds the body verbatim; it
// is what gets forwarded to the sink.
type Batch struct {
	Result string          `json:"result"`
	Msg    string          `json:"msg,omitempty"`
	Code   string          `json:"code,omitempty"`
	Events []Event         `json:"events"`
	Raw    json.RawMessage `json:"-"`
}

// Transition is emitted whenever a session or channel changes state.
type Transition struct {
	SessionID string    `json:"session_id"`
	Component string    `json:"component"`
	State     string    `json:"state"`
	Detail    string    `json:"detail,omitempty"`
	Cursor    int64     `json:"cursor"`
	At        time.Time `json:"at"`
}

// Observer receives transitions. Implementations must not block.
type Observer interface {
	OnTransition(t Transition)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Transition)

// OnTransition implements Observer.
func (f ObserverFunc) OnTransition(t Transition) { f(t) }

// Negotiator acquires transport handles from the backend.
type Negotiator interface {
	NegotiatePush(ctx context.Context) (PushHandle, error)
	NegotiatePull(ctx context.Context) (PullHandle, error)
}

// Sink is the backend ingestion boundary both channels forward to.
// A nil error means the backend acknowledged the forward.
type Sink interface {
	ForwardPushEvent(ctx context.Context, payload json.RawMessage) error
	ForwardPullBatch(ctx context.Context, batch *Batch) error
}

// Poller issues one bounded request against the pull transport.
type Poller interface {
	Poll(ctx context.Context, handle PullHandle, cursor int64) (*Batch, error)
}

// PushConn is an open push transport connection.
type PushConn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// Dialer opens a push connection from a negotiated handle.
type Dialer interface {
	Dial(ctx context.Context, handle PushHandle) (PushConn, error)
}
