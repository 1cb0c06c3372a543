// Package server implements the chat and call-signaling server.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
)

// Dependencies holds external collaborators. Nil fields default to
// slog-backed sinks.
type Dependencies struct {
	Events EventSink
	Roster RosterSink
}

// Server owns the registries and the control-plane listener. One goroutine
// pair runs per accepted connection; all of them mutate the shared
// registries under the registries' own locking.
type Server struct {
	cfg      Config
	users    *UserRegistry
	sessions *SessionRegistry
	metrics  *Metrics
	bcast    *Broadcaster
	events   EventSink
	roster   RosterSink

	ln     net.Listener
	ctx    context.Context
	cancel context.CancelFunc

	connMu sync.Mutex
	byNick map[string]*conn
	conns  map[*conn]bool
}

// New creates a Server instance.
func New(cfg Config, deps Dependencies) *Server {
	if cfg.OutboundBuffer <= 0 {
		cfg.OutboundBuffer = DefaultConfig().OutboundBuffer
	}
	if deps.Events == nil {
		deps.Events = SlogEventSink()
	}
	if deps.Roster == nil {
		deps.Roster = SlogRosterSink()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		users:    NewUserRegistry(),
		sessions: NewSessionRegistry(NewAllocator(cfg.CallPortOrigin)),
		metrics:  NewMetrics(),
		events:   deps.Events,
		roster:   deps.Roster,
		ctx:      ctx,
		cancel:   cancel,
		byNick:   make(map[string]*conn),
		conns:    make(map[*conn]bool),
	}
	s.bcast = NewBroadcaster(s.users, s.metrics, s.dropUser)
	return s
}

// Users returns the user registry.
func (s *Server) Users() *UserRegistry { return s.users }

// Sessions returns the session registry.
func (s *Server) Sessions() *SessionRegistry { return s.sessions }

// Metrics returns the server metrics.
func (s *Server) Metrics() *Metrics { return s.metrics }

// StartControl binds the TCP control listener and starts the accept loop.
func (s *Server) StartControl() error {
	ln, err := net.Listen("tcp", s.cfg.ControlAddr)
	if err != nil {
		return fmt.Errorf("server: listen control: %w", err)
	}
	s.ln = ln
	slog.Info("control plane listening", "addr", ln.Addr().String())

	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				select {
				case <-s.ctx.Done():
					return
				default:
					slog.Error("accept error", "err", err)
					continue
				}
			}
			go s.handleConn(nc)
		}
	}()
	return nil
}

// ControlAddr returns the bound control address, useful when the configured
// port was 0.
func (s *Server) ControlAddr() string {
	if s.ln == nil {
		return s.cfg.ControlAddr
	}
	return s.ln.Addr().String()
}

// dropUser closes the connection of a peer that failed delivery, triggering
// the same cleanup path as a disconnect.
func (s *Server) dropUser(nickname string) {
	s.connMu.Lock()
	c := s.byNick[nickname]
	s.connMu.Unlock()
	if c != nil {
		c.teardown("send failure")
	}
}

func (s *Server) trackConn(c *conn) {
	s.connMu.Lock()
	s.conns[c] = true
	s.connMu.Unlock()
}

func (s *Server) bindNick(nickname string, c *conn) {
	s.connMu.Lock()
	s.byNick[nickname] = c
	s.connMu.Unlock()
}

func (s *Server) untrackConn(c *conn) {
	nick := c.nick()
	s.connMu.Lock()
	delete(s.conns, c)
	if nick != "" && s.byNick[nick] == c {
		delete(s.byNick, nick)
	}
	s.connMu.Unlock()
}

// broadcastRoster sends the updated user list to every client and mirrors it
// to the roster sink.
func (s *Server) broadcastRoster() {
	names := s.users.Nicknames()
	s.bcast.SendAll(userListPacket(names))
	s.roster.Update(names)
}
