// ABOUTME: Slack Socket Mode transport: websocket dialer and connection wrapper
// ABOUTME: Maps close frames to relay.ErrRemoteClosed so the push channel can tell a close from a drop

package slack

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/coder/websocket"

	"github.com/2389/coven-relay/internal/relay"
)

// DefaultReadLimit bounds a single Socket Mode frame.
const DefaultReadLimit = 1 << 20

// Dialer opens Socket Mode connections.
type Dialer struct {
	ReadLimit int64
	Options   *websocket.DialOptions
}

// Dial connects to the socket URL from a negotiated handle.
func (d *Dialer) Dial(ctx context.Context, handle relay.PushHandle) (relay.PushConn, error) {
	c, resp, err := websocket.Dial(ctx, handle.URL, d.Options)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dialing socket (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dialing socket: %w", err)
	}

	limit := d.ReadLimit
	if limit <= 0 {
		limit = DefaultReadLimit
	}
	c.SetReadLimit(limit)
	return &Conn{ws: c}, nil
}

// Conn is an open Socket Mode connection.
type Conn struct {
	ws        *websocket.Conn
	closeOnce sync.Once
	closeErr  error
}

// Read returns the next text frame.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		var ce websocket.CloseError
		if errors.As(err, &ce) {
			return nil, fmt.Errorf("%w: status %d %s", relay.ErrRemoteClosed, ce.Code, ce.Reason)
		}
		return nil, err
	}
	return data, nil
}

// Write sends one text frame.
func (c *Conn) Write(ctx context.Context, data []byte) error {
	return c.ws.Write(ctx, websocket.MessageText, data)
}

// Close closes the connection without waiting for the peer's close frame.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.ws.CloseNow()
	})
	return c.closeErr
}
