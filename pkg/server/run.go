package server

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// Run starts the control listener and metrics endpoint, then blocks until
// SIGINT or SIGTERM, shutting down cleanly on either.
func (s *Server) Run() error {
	if err := s.StartControl(); err != nil {
		return err
	}
	if s.cfg.MetricsAddr != "" {
		s.StartMetricsHTTP()
	}
	s.metrics.StartPeriodicLog(60*time.Second, s.ctx.Done())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	got := <-sig
	slog.Info("shutting down", "signal", got.String())

	s.Shutdown()
	return nil
}

// Shutdown stops accepting connections and tears down every live client.
// Safe to call more than once.
func (s *Server) Shutdown() {
	s.cancel()
	if s.ln != nil {
		_ = s.ln.Close()
	}

	s.connMu.Lock()
	live := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		live = append(live, c)
	}
	s.connMu.Unlock()

	for _, c := range live {
		c.teardown("server shutdown")
	}
	s.metrics.LogSummary()
}
