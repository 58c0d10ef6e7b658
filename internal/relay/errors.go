// ABOUTME: Error taxonomy for the session relay
// ABOUTME: Sentinels for errors.Is plus typed errors carrying side and status detail

package relay

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNegotiation means a handle could not be acquired. Not retried without operator action.
	ErrNegotiation = errors.New("negotiation failed")

	// ErrTransport is a connection drop or a poll failure that is not a cancellation.
	ErrTransport = errors.New("transport failure")

	// ErrRemoteClosed is returned by PushConn.Read when the remote closed the
	// connection cleanly.
	ErrRemoteClosed = errors.New("connection closed by remote")

	// ErrMalformedFrame is a push frame that cannot be decoded or lacks an envelope id.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrForward means the sink was unreachable or refused a forward.
	ErrForward = errors.New("forward failed")

	// ErrInvalidState is returned for lifecycle calls made in the wrong status.
	ErrInvalidState = errors.New("invalid session state")
)

// NegotiationError describes which side failed to negotiate and why.
type NegotiationError struct {
	Side   Side
	Reason string
	Err    error
}

func (e *NegotiationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("negotiating %s handle: %s: %v", e.Side, e.Reason, e.Err)
	}
	return fmt.Sprintf("negotiating %s handle: %s", e.Side, e.Reason)
}

// Is lets errors.Is(err, ErrNegotiation) match.
func (e *NegotiationError) Is(target error) bool { return target == ErrNegotiation }

func (e *NegotiationError) Unwrap() error { return e.Err }

// ForwardError carries the HTTP status of a refused forward. Status is 0 when
// the sink could not be reached at all.
type ForwardError struct {
	Status int
	Body   string
	Err    error
}

func (e *ForwardError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("forwarding to sink: %v", e.Err)
	case e.Body != "":
		return fmt.Sprintf("sink returned status %d: %s", e.Status, e.Body)
	default:
		return fmt.Sprintf("sink returned status %d", e.Status)
	}
}

// Is lets errors.Is(err, ErrForward) match.
func (e *ForwardError) Is(target error) bool { return target == ErrForward }

func (e *ForwardError) Unwrap() error { return e.Err }

// isCancellation reports whether err stems from the session signal being fired.
func isCancellation(ctx context.Context, err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	return ctx.Err() != nil
}
