// ABOUTME: In-memory fan-out broadcaster for relay state transitions
// ABOUTME: Feeds the SSE event stream so operators can watch a session live

package broadcast

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/coven-relay/internal/relay"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// Broadcaster provides in-memory pub/sub for relay transitions.
// Every subscriber sees every transition regardless of session, so a watcher
// survives a stop followed by a fresh start.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]chan relay.Transition // subID -> ch
	closed      bool
	logger      *slog.Logger
}

// New creates a broadcaster. Pass nil logger for default.
func New(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]chan relay.Transition),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber. The returned channel is closed when ctx
// is cancelled, when Unsubscribe is called, or when the broadcaster closes.
func (b *Broadcaster) Subscribe(ctx context.Context) (<-chan relay.Transition, string) {
	subID := uuid.New().String()
	ch := make(chan relay.Transition, subscriberBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, subID
	}
	b.subscribers[subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(subID)
	}()

	return ch, subID
}

// OnTransition implements relay.Observer.
// Non-blocking: transitions are dropped for subscribers whose channels are full.
func (b *Broadcaster) OnTransition(t relay.Transition) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subscribers {
		select {
		case ch <- t:
		default:
			b.logger.Debug("dropped transition for slow subscriber",
				"sub_id", id,
				"session_id", t.SessionID,
				"state", t.State)
		}
	}
}

// Subscribers returns the number of active subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.subscribers[subID]
	if !ok {
		return
	}
	delete(b.subscribers, subID)
	close(ch)

	b.logger.Debug("subscriber removed", "sub_id", subID)
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for subID, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, subID)
	}
	b.closed = true

	b.logger.Debug("broadcaster closed")
}
