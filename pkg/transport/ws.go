package transport

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var (
	ErrBackpressure = errors.New("transport: send buffer full")
	ErrClosed       = errors.New("transport: connection closed")
)

const (
	writeWait      = 5 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 64
)

// WSConn is a websocket client connection with a buffered outbound queue.
// Only WritePump writes data frames to the socket.
type WSConn struct {
	id   string
	ws   *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// NewWSConn wraps an upgraded websocket and gives it a fresh random ID.
func NewWSConn(ws *websocket.Conn) *WSConn {
	return &WSConn{
		id:   uuid.NewString(),
		ws:   ws,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
}

func (c *WSConn) ID() string { return c.id }

// Send queues a frame without blocking.
func (c *WSConn) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return ErrBackpressure
	}
}

// Close closes the socket with a normal closure.
func (c *WSConn) Close() error {
	return c.CloseWith(websocket.CloseNormalClosure, "")
}

// CloseWith sends a close frame with code and reason, then closes the socket.
// Later calls are no-ops.
func (c *WSConn) CloseWith(code int, reason string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()

	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	return c.ws.Close()
}

// Done is closed once the connection is closed.
func (c *WSConn) Done() <-chan struct{} {
	return c.done
}

// WritePump drains the send queue to the socket and keeps it alive with pings.
func (c *WSConn) WritePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = c.CloseWith(websocket.CloseGoingAway, "server shutting down")
			return
		case <-c.done:
			return
		case frame := <-c.send:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				slog.Debug("ws set write deadline", "conn_id", c.id, "err", err)
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				slog.Debug("ws write", "conn_id", c.id, "err", err)
				_ = c.Close()
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				slog.Debug("ws ping", "conn_id", c.id, "err", err)
				_ = c.Close()
				return
			}
		}
	}
}

// ReadPump reads frames and passes them to handle until the socket fails or
// is closed. It returns nil on a normal close.
func (c *WSConn) ReadPump(handle func(frame []byte)) error {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			select {
			case <-c.done:
				return nil
			default:
			}
			return err
		}
		handle(frame)
	}
}
