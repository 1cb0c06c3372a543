package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// StartMetricsHTTP starts a lightweight HTTP server that exposes /metrics
// in Prometheus text exposition format. It runs in the background and shuts
// down when the server context is cancelled.
func (s *Server) StartMetricsHTTP() {
	addr := s.cfg.MetricsAddr
	if addr == "" {
		return // metrics endpoint disabled
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		slog.Info("metrics HTTP listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics HTTP error", "err", err)
		}
	}()

	go func() {
		<-s.ctx.Done()
		_ = srv.Close()
	}()
}

// handleMetrics writes all metrics in Prometheus text exposition format.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	m := s.metrics
	uptime := time.Since(m.startTime).Seconds()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	// Write errors to http.ResponseWriter are non-actionable; suppress errcheck.
	write := func(name, help, mtype string, value int64) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, mtype)
		_, _ = fmt.Fprintf(w, "%s %d\n", name, value)
	}

	_, _ = fmt.Fprintf(w, "# HELP voipchat_uptime_seconds Server uptime in seconds.\n")
	_, _ = fmt.Fprintf(w, "# TYPE voipchat_uptime_seconds gauge\n")
	_, _ = fmt.Fprintf(w, "voipchat_uptime_seconds %f\n", uptime)

	write("voipchat_connections_active", "Current active control connections.", "gauge",
		m.ActiveConnections.Load())
	write("voipchat_connections_total", "Lifetime control connections accepted.", "counter",
		m.TotalConnections.Load())
	write("voipchat_disconnects_total", "Total client disconnects.", "counter",
		m.TotalDisconnects.Load())

	write("voipchat_registrations_total", "Successful nickname registrations.", "counter",
		m.Registrations.Load())
	write("voipchat_registrations_rejected_total", "Rejected nickname registrations.", "counter",
		m.RejectedRegistrations.Load())

	write("voipchat_packets_in_total", "Control packets read.", "counter",
		m.PacketsIn.Load())
	write("voipchat_messages_relayed_total", "Text messages relayed to sessions.", "counter",
		m.MessagesRelayed.Load())
	write("voipchat_voicenotes_relayed_total", "Voice notes relayed to sessions.", "counter",
		m.VoiceNotesRelayed.Load())

	write("voipchat_sessions_created_total", "Sessions created.", "counter",
		m.SessionsCreated.Load())
	write("voipchat_sessions_reclaimed_total", "Empty sessions garbage-collected.", "counter",
		m.SessionsReclaimed.Load())
	write("voipchat_invites_total", "Successful invites.", "counter",
		m.Invites.Load())

	write("voipchat_call_joins_total", "Call channel joins.", "counter",
		m.CallJoins.Load())
	write("voipchat_call_leaves_total", "Call channel leaves.", "counter",
		m.CallLeaves.Load())

	write("voipchat_protocol_errors_total", "Error packets sent to clients.", "counter",
		m.ProtocolErrors.Load())
	write("voipchat_broadcast_failures_total", "Per-recipient delivery failures.", "counter",
		m.BroadcastFailures.Load())
	write("voipchat_malformed_packets_total", "Decode failures skipped on live streams.", "counter",
		m.MalformedPackets.Load())
	write("voipchat_unrecognized_packets_total", "Packets with no supported variant.", "counter",
		m.UnrecognizedPackets.Load())
}
