package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// Prepare bootstraps the general room and imports the rooms file, if any.
func (s *Server) Prepare(ctx context.Context) error {
	if s.store == nil {
		return fmt.Errorf("server: missing store dependency")
	}
	if err := s.dir.BootstrapGeneralRoom(ctx); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if s.cfg.RoomsFile != "" {
		if err := LoadRoomsFromYAML(ctx, s.cfg.RoomsFile, s.store, s.dir, s.ledger); err != nil {
			if isFatal(err) {
				return fmt.Errorf("server: %w", err)
			}
			slog.Error("failed to load rooms config", "err", err)
		}
	}
	return nil
}

// Run serves until ctx is cancelled, then shuts down and closes the store.
func (s *Server) Run(ctx context.Context) error {
	defer func() { _ = s.store.Close() }()
	defer s.cancel()

	if err := s.Prepare(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	if s.cfg.TLS {
		cert, err := loadOrGenerateTLS(s.cfg)
		if err != nil {
			return fmt.Errorf("server: tls: %w", err)
		}
		srv.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	}

	if s.cfg.MetricsLog > 0 {
		s.metrics.StartPeriodicLog(s.cfg.MetricsLog, ctx.Done())
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		slog.Info("roomgate listening", "addr", s.cfg.ListenAddr, "tls", s.cfg.TLS)
		var err error
		if s.cfg.TLS {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: listen: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		slog.Info("shutting down...")
		// Websocket handlers are hijacked and not tracked by Shutdown;
		// cancelling the server context closes them.
		s.cancel()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	err := eg.Wait()
	s.waitConnections(5 * time.Second)
	s.metrics.LogSummary()
	return err
}

// waitConnections gives closing websocket handlers time to release their
// bindings before the store is closed.
func (s *Server) waitConnections(limit time.Duration) {
	if !s.active.drain(limit) {
		slog.Warn("connections still closing at shutdown")
	}
}

// Shutdown closes every websocket connection. Run also calls it when its
// context ends.
func (s *Server) Shutdown() {
	s.cancel()
}
