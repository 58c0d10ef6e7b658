// ABOUTME: Direct negotiation: the relay opens the Slack socket and registers the Zulip queue itself
// ABOUTME: Used when negotiation.mode is "direct" instead of asking the backend

package gateway

import (
	"context"

	"github.com/2389/coven-relay/internal/relay"
)

// socketOpener is satisfied by *slack.Client.
type socketOpener interface {
	OpenConnection(ctx context.Context) (relay.PushHandle, error)
}

// queueRegistrar is satisfied by *zulip.Client.
type queueRegistrar interface {
	Register(ctx context.Context) (relay.PullHandle, error)
}

// directNegotiator implements relay.Negotiator against Slack and Zulip.
type directNegotiator struct {
	slack socketOpener
	zulip queueRegistrar
}

// NegotiatePush opens a Socket Mode connection URL.
func (d *directNegotiator) NegotiatePush(ctx context.Context) (relay.PushHandle, error) {
	return d.slack.OpenConnection(ctx)
}

// NegotiatePull registers a narrowed event queue.
func (d *directNegotiator) NegotiatePull(ctx context.Context) (relay.PullHandle, error) {
	return d.zulip.Register(ctx)
}
