package ws

import (
	"context"
	"math/rand"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pfriedland/distributed-der/core/logger"
)

const (
	dialTimeout   = 10 * time.Second
	minBackoff    = time.Second
	maxBackoff    = 30 * time.Second
	backoffJitter = 0.2
)

// Client dials the headend link endpoint and keeps redialing with
// exponential backoff until ctx is cancelled. onConnect runs once per
// established session, before the read pump starts, so the agent can
// re-register on every reconnect.
type Client struct {
	url       string
	handler   MessageHandler
	log       logger.Logger
	onConnect func(*Conn) error
}

// NewClient builds the dial side of the stream protocol.
func NewClient(url string, handler MessageHandler, log logger.Logger, onConnect func(*Conn) error) *Client {
	return &Client{url: url, handler: handler, log: log, onConnect: onConnect}
}

// Run dials and serves sessions until ctx is cancelled. Each dropped
// session triggers a fresh dial after a jittered backoff.
func (c *Client) Run(ctx context.Context) error {
	backoff := minBackoff
	for {
		if err := c.serveOnce(ctx); err != nil {
			c.log.Warnf("link down: %v", err)
		} else {
			backoff = minBackoff
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jitter(backoff)):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (c *Client) serveOnce(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	ws, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.url, nil)
	cancel()
	if err != nil {
		return err
	}

	connCtx, connCancel := context.WithCancel(ctx)
	defer connCancel()

	conn := NewConn("", c.url, ws, c.handler, c.log, func(string) { connCancel() })
	if c.onConnect != nil {
		if err := c.onConnect(conn); err != nil {
			_ = ws.Close()
			return err
		}
	}
	c.log.Infof("link established url=%s", c.url)
	conn.Start(connCtx)
	return nil
}

func jitter(d time.Duration) time.Duration {
	delta := backoffJitter * float64(d)
	return d - time.Duration(delta/2) + time.Duration(rand.Float64()*delta)
}
