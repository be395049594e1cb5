package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// client is one live websocket. The write pump is the only goroutine that
// writes data frames; close frames go through WriteControl.
type client struct {
	registry *Registry
	conn     *websocket.Conn
	userID   uint

	send chan []byte
	done chan struct{}

	closeOnce sync.Once
	closeErr  error
}

func newClient(r *Registry, conn *websocket.Conn, userID uint) *client {
	return &client{
		registry: r,
		conn:     conn,
		userID:   userID,
		send:     make(chan []byte, r.opts.SendBuffer),
		done:     make(chan struct{}),
	}
}

// enqueue never blocks. It returns false when the client is closed or its
// buffer is full.
func (c *client) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

func (c *client) writePump() {
	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.registry.opts.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.registry.log.Warn(c.logContext(), "notification socket write failed")
				_ = c.close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *client) readPump() {
	timeout := c.registry.opts.PongTimeout
	c.conn.SetReadLimit(maxInboundBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(timeout))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(timeout))

		var msg controlMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.registry.log.Debug(c.logContext(), "ignoring malformed client frame")
			continue
		}
		if msg.Type == TypePing {
			pong, _ := json.Marshal(controlMessage{Type: TypePong})
			c.enqueue(pong)
			c.registry.markOnline(c.logContext(), c.userID)
		}
	}
}

func (c *client) handleReadError(err error) {
	var netErr net.Error
	switch {
	case errors.As(err, &netErr) && netErr.Timeout():
		c.registry.log.Info(c.logContext(), "evicting silent notification socket")
		_ = c.close(websocket.CloseGoingAway, ReasonTimeout)
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		c.registry.log.Info(c.logContext(), "notification socket closed by client")
		_ = c.close(websocket.CloseNormalClosure, "")
	default:
		c.registry.log.Warn(c.registry.log.WithField(c.logContext(), "error", err.Error()), "notification socket read failed")
		_ = c.close(websocket.CloseAbnormalClosure, "")
	}
}

// close is idempotent. Codes that may not appear on the wire (1005, 1006)
// skip the close frame and just drop the transport.
func (c *client) close(code int, reason string) error {
	c.closeOnce.Do(func() {
		close(c.done)
		if code != websocket.CloseAbnormalClosure && code != websocket.CloseNoStatusReceived {
			deadline := time.Now().Add(time.Second)
			_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		}
		c.closeErr = c.conn.Close()
		if errors.Is(c.closeErr, net.ErrClosed) {
			c.closeErr = nil
		}

		if c.registry.remove(c) {
			c.registry.markOffline(c.logContext(), c.userID)
		}
		c.registry.metrics.ConnectionClosed()
	})
	return c.closeErr
}

func (c *client) logContext() context.Context {
	return c.registry.log.WithUserID(context.Background(), c.userID)
}
