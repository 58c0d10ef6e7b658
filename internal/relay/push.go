// ABOUTME: Push channel: reads socket frames, acknowledges each envelope, forwards qualifying payloads
// ABOUTME: Retries and duplicates are acked but never forwarded; sink failure closes the channel

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/coven-relay/internal/dedupe"
	"github.com/2389/coven-relay/internal/metrics"
)

// PushChannel owns one push transport connection for the lifetime of a session.
type PushChannel struct {
	conn           PushConn
	sink           Sink
	seen           *dedupe.Cache
	forwardTimeout time.Duration
	logger         *slog.Logger

	// emit publishes phase changes; onClosed reports the terminal phase to the session.
	emit     func(phase Phase, detail string)
	onClosed func(phase Phase, err error)

	phase     atomic.Value // Phase
	closeOnce sync.Once

	acked     atomic.Int64
	forwarded atomic.Int64
	malformed atomic.Int64
}

// PushStats counts frames handled by a push channel.
type PushStats struct {
	Acked     int64 `json:"acked"`
	Forwarded int64 `json:"forwarded"`
	Malformed int64 `json:"malformed"`
}

func newPushChannel(conn PushConn, sink Sink, seen *dedupe.Cache, forwardTimeout time.Duration, logger *slog.Logger) *PushChannel {
	p := &PushChannel{
		conn:           conn,
		sink:           sink,
		seen:           seen,
		forwardTimeout: forwardTimeout,
		logger:         logger,
		emit:           func(Phase, string) {},
		onClosed:       func(Phase, error) {},
	}
	p.phase.Store(PhaseConnecting)
	return p
}

// Phase returns the current phase.
func (p *PushChannel) Phase() Phase {
	return p.phase.Load().(Phase)
}

// Stats returns frame counters.
func (p *PushChannel) Stats() PushStats {
	return PushStats{
		Acked:     p.acked.Load(),
		Forwarded: p.forwarded.Load(),
		Malformed: p.malformed.Load(),
	}
}

func (p *PushChannel) setPhase(phase Phase, detail string) {
	p.phase.Store(phase)
	p.emit(phase, detail)
}

// Close closes the connection. Safe to call from any goroutine, more than once.
func (p *PushChannel) Close() {
	p.closeOnce.Do(func() {
		if err := p.conn.Close(); err != nil {
			p.logger.Debug("closing push connection", "error", err)
		}
	})
}

// Run receives frames until the connection closes or ctx is cancelled.
// It returns nil for an orderly close and the fatal error otherwise.
func (p *PushChannel) Run(ctx context.Context) error {
	defer p.Close()
	p.setPhase(PhaseReceiving, "receiving data")

	for {
		data, err := p.conn.Read(ctx)
		if err != nil {
			return p.finish(ctx, err)
		}
		if err := p.handleFrame(ctx, data); err != nil {
			p.logger.Error("push channel failed", "error", err)
			p.setPhase(PhaseClosedByError, err.Error())
			p.onClosed(PhaseClosedByError, err)
			return err
		}
	}
}

// finish maps a read error to the terminal phase.
func (p *PushChannel) finish(ctx context.Context, err error) error {
	switch {
	case ctx.Err() != nil:
		p.setPhase(PhaseClosed, "closed by user")
		p.onClosed(PhaseClosed, nil)
		return nil
	case errors.Is(err, ErrRemoteClosed):
		p.logger.Info("push connection closed by remote", "error", err)
		p.setPhase(PhaseClosed, "closed by remote")
		p.onClosed(PhaseClosed, err)
		return nil
	default:
		err = fmt.Errorf("%w: reading frame: %v", ErrTransport, err)
		p.logger.Error("push connection dropped", "error", err)
		p.setPhase(PhaseClosedByError, err.Error())
		p.onClosed(PhaseClosedByError, err)
		return err
	}
}

// controlFrames are Socket Mode frames sent without an envelope. They need no ack.
var controlFrames = map[string]bool{
	"hello":      true,
	"disconnect": true,
}

// errControlFrame marks a known control frame; it is not a malformed frame.
var errControlFrame = errors.New("control frame")

// decodeEnvelope parses a frame. Frames without an envelope id are malformed,
// except known control frames, which come back with errControlFrame.
func decodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if env.EnvelopeID == "" {
		if controlFrames[env.Type] {
			return &env, errControlFrame
		}
		if env.Type != "" {
			return nil, fmt.Errorf("%w: %s frame has no envelope_id", ErrMalformedFrame, env.Type)
		}
		return nil, fmt.Errorf("%w: missing envelope_id", ErrMalformedFrame)
	}
	return &env, nil
}

// handleFrame acks and possibly forwards one frame. A returned error is fatal.
func (p *PushChannel) handleFrame(ctx context.Context, data []byte) error {
	env, err := decodeEnvelope(data)
	if errors.Is(err, errControlFrame) {
		metrics.RecordPushFrame(metrics.FrameControl)
		p.logger.Debug("socket control frame", "type", env.Type)
		return nil
	}
	if err != nil {
		p.malformed.Add(1)
		metrics.RecordPushFrame(metrics.FrameMalformed)
		p.logger.Warn("dropping push frame", "error", err)
		return nil
	}

	if err := p.ack(ctx, env.EnvelopeID); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	log := p.logger.With("envelope_id", env.EnvelopeID)
	switch {
	case env.RetryAttempt > 0:
		metrics.RecordPushFrame(metrics.FrameRetry)
		log.Debug("dropping redelivered envelope", "retry_attempt", env.RetryAttempt, "retry_reason", env.RetryReason)
		return nil
	case !env.HasPayload():
		metrics.RecordPushFrame(metrics.FrameEmpty)
		log.Debug("envelope has no payload", "type", env.Type)
		return nil
	case p.seen != nil && p.seen.Seen(env.EnvelopeID):
		metrics.RecordPushFrame(metrics.FrameDuplicate)
		log.Debug("envelope already forwarded")
		return nil
	}

	if err := p.forward(ctx, env); err != nil {
		metrics.RecordForwardError(string(SidePush))
		return fmt.Errorf("forwarding envelope %s: %w", env.EnvelopeID, err)
	}
	if p.seen != nil {
		p.seen.Mark(env.EnvelopeID)
	}
	p.forwarded.Add(1)
	metrics.RecordPushFrame(metrics.FrameForwarded)
	log.Debug("forwarded push event")
	return nil
}

func (p *PushChannel) ack(ctx context.Context, envelopeID string) error {
	frame, err := json.Marshal(Ack{EnvelopeID: envelopeID})
	if err != nil {
		return fmt.Errorf("encoding ack: %w", err)
	}
	if err := p.conn.Write(ctx, frame); err != nil {
		return fmt.Errorf("%w: acknowledging envelope %s: %v", ErrTransport, envelopeID, err)
	}
	p.acked.Add(1)
	return nil
}

// forward runs detached from the session signal: a sent forward is never aborted.
func (p *PushChannel) forward(ctx context.Context, env *Envelope) error {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.forwardTimeout)
	defer cancel()
	return p.sink.ForwardPushEvent(fctx, env.Payload)
}
