// ABOUTME: Pull channel: long-polls the event queue, forwards batches and advances the delivery cursor
// ABOUTME: Heartbeat and presence batches advance the cursor without forwarding

package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/2389/coven-relay/internal/metrics"
)

type batchKind int

const (
	batchUnknown batchKind = iota
	batchForward
	batchSkip
	batchExpired
)

// classify decides what the pull channel does with a poll response.
func classify(b *Batch) batchKind {
	if b == nil {
		return batchUnknown
	}
	if b.Code == CodeBadEventQueue {
		return batchExpired
	}
	if b.Result != ResultSuccess || len(b.Events) == 0 || b.Events[0].Type == "" {
		return batchUnknown
	}
	switch b.Events[0].Type {
	case EventTypePresence, EventTypeHeartbeat:
		return batchSkip
	}
	return batchForward
}

// PullChannel drives one registered event queue for the lifetime of a session.
// Exactly one poll is outstanding at a time.
type PullChannel struct {
	handle         PullHandle
	poller         Poller
	sink           Sink
	pollTimeout    time.Duration
	forwardTimeout time.Duration
	limiter        *rate.Limiter
	logger         *slog.Logger

	emit     func(phase Phase, detail string)
	onClosed func(phase Phase, err error)

	phase  atomic.Value // Phase
	cursor atomic.Int64

	forwarded atomic.Int64
	skipped   atomic.Int64
}

// PullStats counts batches handled by a pull channel.
type PullStats struct {
	Forwarded int64 `json:"forwarded"`
	Skipped   int64 `json:"skipped"`
}

func newPullChannel(handle PullHandle, poller Poller, sink Sink, pollTimeout, forwardTimeout, retryInterval time.Duration, logger *slog.Logger) *PullChannel {
	c := &PullChannel{
		handle:         handle,
		poller:         poller,
		sink:           sink,
		pollTimeout:    pollTimeout,
		forwardTimeout: forwardTimeout,
		limiter:        rate.NewLimiter(rate.Every(retryInterval), 1),
		logger:         logger,
		emit:           func(Phase, string) {},
		onClosed:       func(Phase, error) {},
	}
	c.phase.Store(PhaseConnecting)
	c.cursor.Store(InitialCursor)
	return c
}

// Phase returns the current phase.
func (c *PullChannel) Phase() Phase {
	return c.phase.Load().(Phase)
}

// Cursor returns the id of the last event the channel considers delivered.
func (c *PullChannel) Cursor() int64 {
	return c.cursor.Load()
}

// Stats returns batch counters.
func (c *PullChannel) Stats() PullStats {
	return PullStats{Forwarded: c.forwarded.Load(), Skipped: c.skipped.Load()}
}

func (c *PullChannel) setPhase(phase Phase, detail string) {
	c.phase.Store(phase)
	c.emit(phase, detail)
}

// Run polls until ctx is cancelled or a poll or forward fails.
// It returns nil for an orderly close and the fatal error otherwise.
func (c *PullChannel) Run(ctx context.Context) error {
	c.setPhase(PhaseReceiving, "receiving data")

	for {
		if ctx.Err() != nil {
			return c.close()
		}

		batch, err := c.poll(ctx)
		if err != nil {
			if isCancellation(ctx, err) {
				return c.close()
			}
			metrics.RecordPoll(metrics.PollFailed)
			return c.fail(fmt.Errorf("%w: polling queue %s: %v", ErrTransport, c.handle.QueueID, err))
		}

		switch classify(batch) {
		case batchForward:
			if err := c.forward(ctx, batch); err != nil {
				metrics.RecordForwardError(string(SidePull))
				return c.fail(fmt.Errorf("forwarding batch after cursor %d: %w", c.Cursor(), err))
			}
			c.forwarded.Add(1)
			c.advance()
			metrics.RecordPoll(metrics.PollForwarded)
		case batchSkip:
			c.skipped.Add(1)
			c.advance()
			metrics.RecordPoll(metrics.PollSkipped)
		case batchExpired:
			metrics.RecordPoll(metrics.PollFailed)
			return c.fail(fmt.Errorf("%w: queue %s expired: %s", ErrTransport, c.handle.QueueID, batch.Msg))
		default:
			metrics.RecordPoll(metrics.PollUnknown)
			c.logger.Debug("unrecognized poll response", "result", batch.Result, "msg", batch.Msg)
			// A cancelled wait falls through to the ctx check at the top of the loop.
			_ = c.limiter.Wait(ctx)
		}
	}
}

func (c *PullChannel) close() error {
	c.setPhase(PhaseClosed, "closed by user")
	c.onClosed(PhaseClosed, nil)
	return nil
}

func (c *PullChannel) fail(err error) error {
	c.logger.Error("pull channel failed", "error", err)
	c.setPhase(PhaseClosedByError, err.Error())
	c.onClosed(PhaseClosedByError, err)
	return err
}

func (c *PullChannel) poll(ctx context.Context) (*Batch, error) {
	pctx, cancel := context.WithTimeout(ctx, c.pollTimeout)
	defer cancel()
	return c.poller.Poll(pctx, c.handle, c.Cursor())
}

// forward runs detached from the session signal: a sent forward is never aborted.
func (c *PullChannel) forward(ctx context.Context, batch *Batch) error {
	if len(batch.Events) > 1 {
		c.logger.Debug("batch carries several events, cursor advances by one", "events", len(batch.Events))
	}
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.forwardTimeout)
	defer cancel()
	return c.sink.ForwardPullBatch(fctx, batch)
}

func (c *PullChannel) advance() {
	next := c.cursor.Add(1)
	metrics.SetCursor(next)
}
