// Package ws carries the gateway stream protocol over WebSockets. The
// headend accepts connections, each gateway dials out, and both sides
// exchange JSON envelopes over a single long-lived socket.
package ws

import (
	"context"
	"errors"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pfriedland/distributed-der/core/logger"
	"github.com/pfriedland/distributed-der/core/protocol"
)

const (
	readLimit    = 1024 * 1024
	readTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
	sendBuffer   = 16
)

var errSendBufferFull = errors.New("send buffer full")

// MessageHandler consumes inbound envelopes from one session. A non-nil
// error closes the session.
type MessageHandler interface {
	HandleMessage(ctx context.Context, sessionID string, env protocol.Envelope) error
	HandleClose(sessionID string)
}

// Conn is one live gateway session. Outbound writes go through a buffered
// channel so a slow peer never blocks the headend.
type Conn struct {
	sessionID string
	peer      string
	ws        *websocket.Conn
	send      chan []byte
	handler   MessageHandler
	log       logger.Logger
	onClose   func(sessionID string)
}

// NewConn wraps an upgraded or dialed websocket.
func NewConn(sessionID, peer string, ws *websocket.Conn, handler MessageHandler, log logger.Logger, onClose func(string)) *Conn {
	return &Conn{
		sessionID: sessionID,
		peer:      peer,
		ws:        ws,
		send:      make(chan []byte, sendBuffer),
		handler:   handler,
		log:       log,
		onClose:   onClose,
	}
}

// SessionID returns the identifier assigned at accept time.
func (c *Conn) SessionID() string { return c.sessionID }

// Peer returns the remote address.
func (c *Conn) Peer() string { return c.peer }

// Start launches the write pump and runs the read pump until the socket
// closes or ctx is cancelled.
func (c *Conn) Start(ctx context.Context) {
	go c.writePump(ctx)
	c.readPump(ctx)
}

func (c *Conn) readPump(ctx context.Context) {
	defer c.cleanup()
	c.ws.SetReadLimit(readLimit)
	_ = c.ws.SetReadDeadline(time.Now().Add(readTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			c.log.Infof("session %s read closed: %v", c.sessionID, err)
			return
		}

		env, err := protocol.Decode(raw)
		if err != nil {
			c.log.Warnf("session %s bad frame: %v", c.sessionID, err)
			continue
		}
		if err := c.handler.HandleMessage(ctx, c.sessionID, env); err != nil {
			c.log.Warnf("session %s terminated: %v", c.sessionID, err)
			return
		}
	}
}

func (c *Conn) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-c.send:
			if !ok {
				_ = c.write(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.write(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, []byte("ping")); err != nil {
				return
			}
		}
	}
}

// Send encodes the envelope and enqueues it. A full buffer drops the
// message and returns an error so routing can report non-delivery.
func (c *Conn) Send(env protocol.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("session closed")
		}
	}()
	raw, err := env.Encode()
	if err != nil {
		return err
	}
	select {
	case c.send <- raw:
		return nil
	default:
		c.log.Warnf("session %s send buffer full, dropping %s", c.sessionID, env.Type)
		return errSendBufferFull
	}
}

func (c *Conn) write(messageType int, data []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.ws.WriteMessage(messageType, data)
}

func (c *Conn) cleanup() {
	close(c.send)
	_ = c.ws.Close()
	c.handler.HandleClose(c.sessionID)
	if c.onClose != nil {
		c.onClose(c.sessionID)
	}
}
