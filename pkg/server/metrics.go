package server

import (
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"
)

// Metrics tracks server runtime statistics.
// All counters use atomic operations for lock-free concurrent access.
type Metrics struct {
	startTime time.Time

	// Connection counters
	TotalConnections  atomic.Int64 // lifetime control connections accepted
	ActiveConnections atomic.Int64 // current active control connections
	TotalDisconnects  atomic.Int64 // total client disconnects (clean + unclean)

	// Registration counters
	Registrations         atomic.Int64 // successful nickname registrations
	RejectedRegistrations atomic.Int64 // duplicate/invalid nickname attempts

	// Traffic counters
	PacketsIn         atomic.Int64 // control packets read
	MessagesRelayed   atomic.Int64 // text messages fanned out to sessions
	VoiceNotesRelayed atomic.Int64 // voice notes fanned out to sessions

	// Session counters
	SessionsCreated   atomic.Int64 // sessions created during this run
	SessionsReclaimed atomic.Int64 // empty sessions garbage-collected
	Invites           atomic.Int64 // successful invites

	// Call counters
	CallJoins  atomic.Int64 // call channel joins
	CallLeaves atomic.Int64 // call channel leaves

	// Fault counters
	ProtocolErrors      atomic.Int64 // error packets sent to clients
	BroadcastFailures   atomic.Int64 // per-recipient delivery failures
	MalformedPackets    atomic.Int64 // decode failures skipped on live streams
	UnrecognizedPackets atomic.Int64 // packets with no supported variant
}

// NewMetrics creates a Metrics instance with the start time set to now.
func NewMetrics() *Metrics {
	return &Metrics{startTime: time.Now()}
}

// MetricsSnapshot is a point-in-time view of all metrics.
type MetricsSnapshot struct {
	Uptime        string `json:"uptime"`
	UptimeSeconds int64  `json:"uptime_seconds"`

	ActiveConnections int64 `json:"active_connections"`
	TotalConnections  int64 `json:"total_connections"`
	TotalDisconnects  int64 `json:"total_disconnects"`

	Registrations         int64 `json:"registrations"`
	RejectedRegistrations int64 `json:"rejected_registrations"`

	PacketsIn         int64 `json:"packets_in"`
	MessagesRelayed   int64 `json:"messages_relayed"`
	VoiceNotesRelayed int64 `json:"voicenotes_relayed"`

	SessionsCreated   int64 `json:"sessions_created"`
	SessionsReclaimed int64 `json:"sessions_reclaimed"`
	Invites           int64 `json:"invites"`

	CallJoins  int64 `json:"call_joins"`
	CallLeaves int64 `json:"call_leaves"`

	ProtocolErrors      int64 `json:"protocol_errors"`
	BroadcastFailures   int64 `json:"broadcast_failures"`
	MalformedPackets    int64 `json:"malformed_packets"`
	UnrecognizedPackets int64 `json:"unrecognized_packets"`
}

// Snapshot returns a read-consistent snapshot of all metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	uptime := time.Since(m.startTime)
	return MetricsSnapshot{
		Uptime:                uptime.Truncate(time.Second).String(),
		UptimeSeconds:         int64(uptime.Seconds()),
		ActiveConnections:     m.ActiveConnections.Load(),
		TotalConnections:      m.TotalConnections.Load(),
		TotalDisconnects:      m.TotalDisconnects.Load(),
		Registrations:         m.Registrations.Load(),
		RejectedRegistrations: m.RejectedRegistrations.Load(),
		PacketsIn:             m.PacketsIn.Load(),
		MessagesRelayed:       m.MessagesRelayed.Load(),
		VoiceNotesRelayed:     m.VoiceNotesRelayed.Load(),
		SessionsCreated:       m.SessionsCreated.Load(),
		SessionsReclaimed:     m.SessionsReclaimed.Load(),
		Invites:               m.Invites.Load(),
		CallJoins:             m.CallJoins.Load(),
		CallLeaves:            m.CallLeaves.Load(),
		ProtocolErrors:        m.ProtocolErrors.Load(),
		BroadcastFailures:     m.BroadcastFailures.Load(),
		MalformedPackets:      m.MalformedPackets.Load(),
		UnrecognizedPackets:   m.UnrecognizedPackets.Load(),
	}
}

// JSON returns the metrics snapshot as a JSON string.
func (m *Metrics) JSON() string {
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

// LogSummary writes a periodic metrics summary to the logger.
func (m *Metrics) LogSummary() {
	s := m.Snapshot()
	slog.Info("metrics",
		"uptime", s.Uptime,
		"connections", s.ActiveConnections,
		"total_connections", s.TotalConnections,
		"messages", s.MessagesRelayed,
		"voicenotes", s.VoiceNotesRelayed,
		"sessions", s.SessionsCreated,
		"call_joins", s.CallJoins,
		"protocol_errors", s.ProtocolErrors,
	)
}

// StartPeriodicLog starts a goroutine that logs metrics every interval.
// It stops when the done channel is closed.
func (m *Metrics) StartPeriodicLog(interval time.Duration, done <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				m.LogSummary()
			}
		}
	}()
}
