package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/NicolasHaas/roomgate/pkg/lifecycle"
	"github.com/NicolasHaas/roomgate/pkg/metrics"
	"github.com/NicolasHaas/roomgate/pkg/model"
	"github.com/NicolasHaas/roomgate/pkg/protocol"
	"github.com/NicolasHaas/roomgate/pkg/transport"
)

const (
	closeTimeout = 5 * time.Second
	writeWait    = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Identity comes from the userId query; origin checks belong to the
	// fronting proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Gateway accepts websocket connections for one channel.
type Gateway struct {
	ctx     context.Context
	lc      *lifecycle.Lifecycle
	hub     *transport.Hub
	metrics *metrics.Metrics
	timeout time.Duration
	active  *connTracker
}

// Lifecycle returns the channel's lifecycle.
func (g *Gateway) Lifecycle() *lifecycle.Lifecycle {
	return g.lc
}

// Hub returns the channel's connection hub.
func (g *Gateway) Hub() *transport.Hub {
	return g.hub
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(r.URL.Query().Get("userId"), 10, 64)
	if err != nil || userID <= 0 {
		g.metrics.RejectedConnects.Add(1)
		http.Error(w, "missing or invalid userId", http.StatusBadRequest)
		return
	}

	if !g.active.enter() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer g.active.leave()

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "channel", g.lc.Channel(), "err", err)
		return
	}
	conn := transport.NewWSConn(ws)
	g.hub.Register(conn)

	ctx, cancel := context.WithTimeout(g.ctx, g.timeout)
	err = g.lc.Connect(ctx, conn.ID(), userID)
	cancel()
	if err != nil {
		g.reject(ws, conn, err)
		return
	}

	go conn.WritePump(g.ctx)
	defer g.disconnect(conn.ID())

	err = conn.ReadPump(func(frame []byte) {
		ctx, cancel := context.WithTimeout(g.ctx, g.timeout)
		defer cancel()
		if err := g.lc.Handle(ctx, conn.ID(), frame); err != nil {
			slog.Warn("frame failed", "channel", g.lc.Channel(), "conn_id", conn.ID(), "err", err)
		}
	})
	if err != nil {
		slog.Debug("websocket read ended", "channel", g.lc.Channel(), "conn_id", conn.ID(), "err", err)
	}
}

// reject tells the client why it is refused and closes the socket. The
// pumps are not running yet, so the frame is written directly.
func (g *Gateway) reject(ws *websocket.Conn, conn *transport.WSConn, err error) {
	code, closeCode := "unavailable", websocket.CloseInternalServerErr
	if errors.Is(err, model.ErrUserNotFound) {
		code, closeCode = "user_not_found", websocket.ClosePolicyViolation
	} else {
		slog.Error("connect failed", "channel", g.lc.Channel(), "err", err)
	}
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	_ = ws.WriteMessage(websocket.TextMessage, protocol.Error(0, code, err.Error()))
	g.hub.Unregister(conn.ID())
	_ = conn.CloseWith(closeCode, code)
}

func (g *Gateway) disconnect(connID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(g.ctx), closeTimeout)
	defer cancel()
	if err := g.lc.Disconnect(ctx, connID); err != nil {
		slog.Error("disconnect cleanup failed", "channel", g.lc.Channel(), "conn_id", connID, "err", err)
	}
}
