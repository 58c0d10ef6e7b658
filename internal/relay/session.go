// ABOUTME: Session lifecycle: concurrent negotiation, channel startup, paired teardown and operator stop
// ABOUTME: Controller owns the current session so a stopped relay can be started again

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/2389/coven-relay/internal/dedupe"
	"github.com/2389/coven-relay/internal/metrics"
)

// Default timeouts applied when a Config leaves them zero.
const (
	DefaultNegotiateTimeout = 30 * time.Second
	DefaultPollTimeout      = 90 * time.Second
	DefaultForwardTimeout   = 30 * time.Second
	DefaultRetryInterval    = time.Second
)

// Config wires a Session to its collaborators.
type Config struct {
	Negotiator Negotiator
	Dialer     Dialer
	Poller     Poller
	Sink       Sink

	// Dedupe suppresses re-forwarding of envelope ids already delivered. Optional.
	Dedupe *dedupe.Cache
	// Observer receives every transition. Optional.
	Observer Observer
	Logger   *slog.Logger

	NegotiateTimeout time.Duration
	PollTimeout      time.Duration
	ForwardTimeout   time.Duration
	RetryInterval    time.Duration
}

func (c Config) withDefaults() Config {
	if c.NegotiateTimeout <= 0 {
		c.NegotiateTimeout = DefaultNegotiateTimeout
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = DefaultPollTimeout
	}
	if c.ForwardTimeout <= 0 {
		c.ForwardTimeout = DefaultForwardTimeout
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = DefaultRetryInterval
	}
	if c.Observer == nil {
		c.Observer = ObserverFunc(func(Transition) {})
	}
	if c.Logger == nil {
		c.Logger = slog.Default().With("component", "relay")
	}
	return c
}

type sideState struct {
	phase  Phase
	detail string
}

// SideSnapshot is the observable state of one channel.
type SideSnapshot struct {
	Phase     Phase  `json:"phase"`
	Detail    string `json:"detail,omitempty"`
	Forwarded int64  `json:"forwarded"`
}

// Snapshot is a point-in-time view of a session.
type Snapshot struct {
	ID        string       `json:"id"`
	Status    Status       `json:"status"`
	Reason    string       `json:"reason,omitempty"`
	Push      SideSnapshot `json:"push"`
	Pull      SideSnapshot `json:"pull"`
	Cursor    int64        `json:"cursor"`
	StartedAt time.Time    `json:"started_at"`
	EndedAt   *time.Time   `json:"ended_at,omitempty"`
}

// Session relays one push connection and one pull queue to the sink.
// A Session is started at most once.
type Session struct {
	id     string
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	status    Status
	reason    string
	startedAt time.Time
	endedAt   time.Time
	sides     map[Side]sideState
	push      *PushChannel
	pull      *PullChannel
	ctx       context.Context
	cancel    context.CancelFunc

	wg   sync.WaitGroup
	done chan struct{}
}

// NewSession creates an idle session.
func NewSession(cfg Config) *Session {
	cfg = cfg.withDefaults()
	id := uuid.New().String()
	return &Session{
		id:     id,
		cfg:    cfg,
		logger: cfg.Logger.With("session_id", id),
		status: StatusIdle,
		sides: map[Side]sideState{
			SidePush: {phase: PhaseIdle},
			SidePull: {phase: PhaseIdle},
		},
		done: make(chan struct{}),
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Status returns the lifecycle status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Cursor returns the pull delivery cursor, or InitialCursor if no pull channel runs.
func (s *Session) Cursor() int64 {
	s.mu.Lock()
	pull := s.pull
	s.mu.Unlock()
	if pull == nil {
		return InitialCursor
	}
	return pull.Cursor()
}

// Done is closed once both channels have exited, or once a start attempt failed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Wait blocks until Done or ctx expires.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns the current state of the session.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		ID:        s.id,
		Status:    s.status,
		Reason:    s.reason,
		Push:      SideSnapshot{Phase: s.sides[SidePush].phase, Detail: s.sides[SidePush].detail},
		Pull:      SideSnapshot{Phase: s.sides[SidePull].phase, Detail: s.sides[SidePull].detail},
		Cursor:    InitialCursor,
		StartedAt: s.startedAt,
	}
	if !s.endedAt.IsZero() {
		ended := s.endedAt
		snap.EndedAt = &ended
	}
	push, pull := s.push, s.pull
	s.mu.Unlock()

	if push != nil {
		snap.Push.Forwarded = push.Stats().Forwarded
	}
	if pull != nil {
		snap.Pull.Forwarded = pull.Stats().Forwarded
		snap.Cursor = pull.Cursor()
	}
	return snap
}

// Start negotiates both handles concurrently and starts a channel for every
// side that succeeded. ctx bounds the lifetime of the whole session, not just
// the call. Start returns an error when the session was not idle, when the
// push connection could not be dialed, or when neither side negotiated.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.status != StatusIdle {
		status := s.status
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot start session in status %s", ErrInvalidState, status)
	}
	s.status = StatusStarting
	s.startedAt = time.Now()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.logger.Info("starting session")
	s.publish(ComponentSession, string(StatusStarting), "negotiating handles")

	push, pull, err := s.open()
	if err != nil {
		s.abort(err)
		return err
	}

	s.mu.Lock()
	s.push, s.pull = push, pull
	s.status = StatusRunning
	s.mu.Unlock()

	metrics.RecordSessionStart()
	s.logger.Info("session running", "push", push != nil, "pull", pull != nil)
	s.publish(ComponentSession, string(StatusRunning), "")

	if push != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			_ = push.Run(s.ctx)
		}()
	}
	if pull != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			_ = pull.Run(s.ctx)
		}()
	}
	go s.finish()
	return nil
}

// open negotiates both sides. A negotiation failure only disables its own side;
// a push dial failure cancels the pull negotiation and fails the start.
func (s *Session) open() (*PushChannel, *PullChannel, error) {
	nctx, cancel := context.WithTimeout(s.ctx, s.cfg.NegotiateTimeout)
	defer cancel()

	var (
		push             *PushChannel
		pull             *PullChannel
		pushErr, pullErr error
	)
	g, gctx := errgroup.WithContext(nctx)

	g.Go(func() error {
		s.setSide(SidePush, PhaseConnecting, "negotiating")
		handle, err := s.cfg.Negotiator.NegotiatePush(gctx)
		if err == nil && handle.URL == "" {
			err = &NegotiationError{Side: SidePush, Reason: "no socket url returned"}
		}
		if err != nil {
			pushErr = s.negotiationFailed(SidePush, err)
			return nil
		}

		conn, err := s.cfg.Dialer.Dial(gctx, handle)
		if err != nil {
			err = fmt.Errorf("%w: dialing push transport: %v", ErrTransport, err)
			s.setSide(SidePush, PhaseClosedByError, err.Error())
			return err
		}
		push = newPushChannel(conn, s.cfg.Sink, s.cfg.Dedupe, s.cfg.ForwardTimeout,
			s.logger.With("side", string(SidePush)))
		push.emit = func(phase Phase, detail string) { s.setSide(SidePush, phase, detail) }
		push.onClosed = func(phase Phase, err error) { s.channelClosed(SidePush, phase, err) }
		return nil
	})

	g.Go(func() error {
		s.setSide(SidePull, PhaseConnecting, "negotiating")
		handle, err := s.cfg.Negotiator.NegotiatePull(gctx)
		if err == nil && handle.QueueID == "" {
			err = &NegotiationError{Side: SidePull, Reason: "no queue id returned"}
		}
		if err != nil {
			pullErr = s.negotiationFailed(SidePull, err)
			return nil
		}

		pull = newPullChannel(handle, s.cfg.Poller, s.cfg.Sink, s.cfg.PollTimeout, s.cfg.ForwardTimeout,
			s.cfg.RetryInterval, s.logger.With("side", string(SidePull), "queue_id", handle.QueueID))
		pull.emit = func(phase Phase, detail string) { s.setSide(SidePull, phase, detail) }
		pull.onClosed = func(phase Phase, err error) { s.channelClosed(SidePull, phase, err) }
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	if push == nil && pull == nil {
		return nil, nil, errors.Join(pushErr, pullErr)
	}
	return push, pull, nil
}

func (s *Session) negotiationFailed(side Side, err error) error {
	var nerr *NegotiationError
	if !errors.As(err, &nerr) {
		err = &NegotiationError{Side: side, Reason: "request failed", Err: err}
	}
	metrics.RecordNegotiationFailure(string(side))
	s.logger.Warn("negotiation failed", "side", string(side), "error", err)
	s.setSide(side, PhaseNegotiationFailed, err.Error())
	return err
}

// abort ends a session whose start failed.
func (s *Session) abort(err error) {
	s.mu.Lock()
	s.status = StatusStoppedByFailure
	s.reason = err.Error()
	s.endedAt = time.Now()
	var pending []Side
	for _, side := range []Side{SidePush, SidePull} {
		if !s.sides[side].phase.Terminal() {
			pending = append(pending, side)
		}
	}
	s.mu.Unlock()

	s.cancel()
	for _, side := range pending {
		s.setSide(side, PhaseClosed, "session failed to start")
	}
	metrics.RecordSessionEnd(string(StatusStoppedByFailure))
	s.logger.Error("session failed to start", "error", err)
	s.publish(ComponentSession, string(StatusStoppedByFailure), err.Error())
	close(s.done)
}

// Stop cancels the session signal and closes the push connection. Both
// channels then close without reporting an error.
func (s *Session) Stop() error {
	if !s.teardown(StatusStoppedByOperator, "stopped by operator") {
		return fmt.Errorf("%w: cannot stop session in status %s", ErrInvalidState, s.Status())
	}
	return nil
}

// teardown moves a running session to status and releases both channels.
// It reports false if the session was not running.
func (s *Session) teardown(status Status, reason string) bool {
	s.mu.Lock()
	if s.status != StatusRunning {
		s.mu.Unlock()
		return false
	}
	s.status = status
	s.reason = reason
	s.endedAt = time.Now()
	push := s.push
	s.mu.Unlock()

	s.cancel()
	if push != nil {
		push.Close()
	}

	metrics.RecordSessionEnd(string(status))
	s.logger.Info("session stopped", "status", string(status), "reason", reason)
	s.publish(ComponentSession, string(status), reason)
	return true
}

// channelClosed is called by a channel once it reaches a terminal phase.
func (s *Session) channelClosed(side Side, phase Phase, err error) {
	if phase == PhaseClosed && s.ctx.Err() != nil {
		return
	}
	reason := fmt.Sprintf("%s channel %s", side, phase)
	if err != nil {
		reason = fmt.Sprintf("%s: %v", reason, err)
	}
	s.teardown(StatusStoppedByFailure, reason)
}

// finish runs once both channel goroutines have returned.
func (s *Session) finish() {
	s.wg.Wait()
	// Only reachable while running if the parent context was cancelled.
	s.teardown(StatusStoppedByOperator, "relay shutting down")
	close(s.done)
}

func (s *Session) setSide(side Side, phase Phase, detail string) {
	s.mu.Lock()
	s.sides[side] = sideState{phase: phase, detail: detail}
	s.mu.Unlock()

	s.logger.Debug("channel phase changed", "side", string(side), "phase", string(phase), "detail", detail)
	s.publish(string(side), string(phase), detail)
}

func (s *Session) publish(component, state, detail string) {
	s.cfg.Observer.OnTransition(Transition{
		SessionID: s.id,
		Component: component,
		State:     state,
		Detail:    detail,
		Cursor:    s.Cursor(),
		At:        time.Now(),
	})
}

// Controller holds the current session and creates a fresh one per start.
type Controller struct {
	cfg Config

	mu      sync.Mutex
	current *Session
}

// NewController creates a controller; cfg is applied to every session it starts.
func NewController(cfg Config) *Controller {
	return &Controller{cfg: cfg}
}

// Current returns the most recent session, or nil if none was started.
func (c *Controller) Current() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Start begins a new session. It fails with ErrInvalidState while another
// session is starting or running. The returned session is non-nil whenever a
// start was attempted, even if negotiation failed.
func (c *Controller) Start(ctx context.Context) (*Session, error) {
	c.mu.Lock()
	if c.current != nil && !c.current.Status().Stopped() {
		status := c.current.Status()
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: a session is already %s", ErrInvalidState, status)
	}
	s := NewSession(c.cfg)
	c.current = s
	c.mu.Unlock()

	return s, s.Start(ctx)
}

// Stop stops the current session.
func (c *Controller) Stop() (*Session, error) {
	s := c.Current()
	if s == nil {
		return nil, fmt.Errorf("%w: no session has been started", ErrInvalidState)
	}
	return s, s.Stop()
}

// Shutdown stops a running session and waits for its channels to exit.
func (c *Controller) Shutdown(ctx context.Context) error {
	s := c.Current()
	if s == nil || s.Status() == StatusIdle {
		return nil
	}
	if s.Status() == StatusRunning {
		_ = s.Stop()
	}
	return s.Wait(ctx)
}
