// Package server wires the room core to HTTP: websocket gateways for the
// chat and game channels, read-only room listings and metrics.
package server

import (
	"context"
	"sync"
	"time"

	"github.com/NicolasHaas/roomgate/pkg/datastore"
	"github.com/NicolasHaas/roomgate/pkg/directory"
	"github.com/NicolasHaas/roomgate/pkg/ledger"
	"github.com/NicolasHaas/roomgate/pkg/lifecycle"
	"github.com/NicolasHaas/roomgate/pkg/metrics"
	"github.com/NicolasHaas/roomgate/pkg/model"
	"github.com/NicolasHaas/roomgate/pkg/session"
	"github.com/NicolasHaas/roomgate/pkg/transport"
)

// Config holds server configuration.
type Config struct {
	ListenAddr     string        // HTTP bind address (e.g. ":9700")
	DBPath         string        // SQLite database path
	BusyTimeout    time.Duration // how long a store call waits on a locked database
	RequestTimeout time.Duration // deadline for handling one client frame
	RoomsFile      string        // YAML file defining rooms to create on startup
	MetricsLog     time.Duration // interval of the metrics log line (0 = off)

	TLS      bool   // serve wss/https
	CertFile string // TLS certificate file path
	KeyFile  string // TLS private key file path
	DataDir  string // directory for generated certs

	// CLI-only actions (run and exit)
	ExportUsers bool
	ExportRooms bool
}

// Dependencies holds external dependencies for the server.
// Server assumes ownership of Store and will Close() it on shutdown.
type Dependencies struct {
	Store datastore.DataProviderFactory
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:     ":9700",
		DBPath:         "roomgate.db",
		BusyTimeout:    datastore.DefaultBusyTimeout,
		RequestTimeout: 10 * time.Second,
		MetricsLog:     60 * time.Second,
		DataDir:        ".",
	}
}

// Server owns the core services and one gateway per channel.
type Server struct {
	cfg     Config
	store   datastore.DataProviderFactory
	dir     *directory.Directory
	ledger  *ledger.Ledger
	binder  *session.Binder
	metrics *metrics.Metrics

	chat   *Gateway
	game   *Gateway
	active connTracker // open websocket handlers

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Server. Nothing is started until Run.
func New(cfg Config, deps Dependencies) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	m := metrics.New()
	st := deps.Store
	s := &Server{
		cfg:     cfg,
		store:   st,
		dir:     directory.New(st).OnCreate(func(model.Room) { m.RoomsCreated.Add(1) }),
		ledger:  ledger.New(st),
		binder:  session.NewBinder(st),
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
	}
	s.chat = s.newGateway(lifecycle.ChatProfile())
	s.game = s.newGateway(lifecycle.GameProfile())
	return s
}

func (s *Server) newGateway(p lifecycle.Profile) *Gateway {
	hub := transport.NewHub()
	lc := lifecycle.New(p, lifecycle.Deps{
		Store:     s.store,
		Directory: s.dir,
		Ledger:    s.ledger,
		Binder:    s.binder,
		Fanout:    hub,
		Metrics:   s.metrics,
	})
	return &Gateway{ctx: s.ctx, lc: lc, hub: hub, metrics: s.metrics, timeout: s.cfg.RequestTimeout, active: &s.active}
}

// Metrics returns the server metrics.
func (s *Server) Metrics() *metrics.Metrics {
	return s.metrics
}

// Directory returns the room directory.
func (s *Server) Directory() *directory.Directory {
	return s.dir
}

// Ledger returns the membership ledger.
func (s *Server) Ledger() *ledger.Ledger {
	return s.ledger
}

// connTracker counts open websocket handlers. Once closed it admits no new
// ones, so a drain cannot race a late Add.
type connTracker struct {
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// enter registers a handler; false means the server is shutting down.
func (t *connTracker) enter() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.wg.Add(1)
	return true
}

func (t *connTracker) leave() {
	t.wg.Done()
}

// drain stops admitting handlers and waits up to limit for the open ones.
// It reports whether they all finished.
func (t *connTracker) drain(limit time.Duration) bool {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(limit):
		return false
	}
}
