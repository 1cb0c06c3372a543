package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/louiskop/go-voip-chat/pkg/model"
	"github.com/louiskop/go-voip-chat/pkg/protocol"
)

// conn is one client control connection: a reader goroutine running the
// dispatch state machine and a writer goroutine draining the outbound
// channel. The per-handler state machine is
// Connected(unregistered) -> Registered -> Disconnected.
type conn struct {
	id  string // for log correlation
	srv *Server
	nc  net.Conn

	// nickname is empty until registered. It is written by the reader
	// goroutine but read from teardown and the write loop, which run on
	// other goroutines; every cross-goroutine read goes through nick().
	nickMu   sync.Mutex
	nickname string

	out  chan *protocol.Packet
	done chan struct{}

	teardownOnce sync.Once
}

func (c *conn) nick() string {
	c.nickMu.Lock()
	defer c.nickMu.Unlock()
	return c.nickname
}

func (s *Server) handleConn(nc net.Conn) {
	c := &conn{
		id:   uuid.NewString(),
		srv:  s,
		nc:   nc,
		out:  make(chan *protocol.Packet, s.cfg.OutboundBuffer),
		done: make(chan struct{}),
	}
	s.trackConn(c)
	s.metrics.TotalConnections.Add(1)
	s.metrics.ActiveConnections.Add(1)
	slog.Debug("new control connection", "conn", c.id, "remote", nc.RemoteAddr().String())

	go c.writeLoop()
	c.readLoop()
}

// readLoop processes packets strictly in arrival order until the connection
// dies or a disconnect request is handled. A single malformed frame on a
// live stream is skipped; back-to-back malformed frames mean the peer is
// not speaking the protocol and the connection is torn down. Any I/O
// failure deterministically unregisters the user.
func (c *conn) readLoop() {
	malformed := 0
	for {
		select {
		case <-c.srv.ctx.Done():
			c.teardown("server shutdown")
			return
		default:
		}

		pkt, err := protocol.ReadPacket(c.nc)
		if err != nil {
			if errors.Is(err, protocol.ErrMalformed) {
				c.srv.metrics.MalformedPackets.Add(1)
				malformed++
				if malformed > 1 {
					slog.Warn("repeated malformed packets", "conn", c.id, "user", c.nickname, "err", err)
					c.teardown("malformed stream")
					return
				}
				slog.Warn("malformed packet skipped", "conn", c.id, "user", c.nickname, "err", err)
				continue
			}
			reason := "connection lost"
			if errors.Is(err, io.EOF) {
				reason = "stream closed"
			}
			c.teardown(reason)
			return
		}

		malformed = 0
		c.srv.metrics.PacketsIn.Add(1)
		if c.dispatch(pkt) {
			return
		}
	}
}

// writeLoop serialises all outbound packets for this connection. A write
// failure is a TransportError for this peer only and triggers the same
// cleanup as a disconnect.
func (c *conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case pkt := <-c.out:
			if err := protocol.WritePacket(c.nc, pkt); err != nil {
				slog.Debug("write failed", "conn", c.id, "user", c.nick(), "err", err)
				c.teardown("write failed")
				return
			}
		}
	}
}

// send queues a packet for this connection without ever blocking the
// handler. A full buffer means the peer stopped draining; treat it as
// broken.
func (c *conn) send(pkt *protocol.Packet) {
	select {
	case c.out <- pkt:
	case <-c.done:
	default:
		c.srv.metrics.BroadcastFailures.Add(1)
		c.teardown("send buffer full")
	}
}

func (c *conn) protoError(reason string) {
	c.srv.metrics.ProtocolErrors.Add(1)
	c.send(&protocol.Packet{Error: &protocol.ErrorInfo{Reason: reason}})
}

// requireRegistered enforces the handler state machine: every request except
// register and echo needs a registered nickname. Violations are protocol
// errors; the connection stays open.
func (c *conn) requireRegistered() bool {
	if c.nickname == "" {
		c.protoError("not registered")
		return false
	}
	return true
}

// dispatch handles one packet and reports whether the handler should
// terminate.
func (c *conn) dispatch(pkt *protocol.Packet) (done bool) {
	s := c.srv

	switch {
	case pkt.Echo != nil:
		if !c.requireRegistered() {
			return false
		}
		s.events.Record(fmt.Sprintf(" - %s said: %s", c.nickname, pkt.Echo.Text))
		c.send(pkt)

	case pkt.Register != nil:
		c.handleRegister(pkt.Register)

	case pkt.GetUserList != nil:
		if !c.requireRegistered() {
			return false
		}
		c.send(userListPacket(s.users.Nicknames()))

	case pkt.Session != nil:
		if !c.requireRegistered() {
			return false
		}
		c.handleSession(pkt.Session)

	case pkt.Invite != nil:
		if !c.requireRegistered() {
			return false
		}
		c.handleInvite(pkt.Invite)

	case pkt.Message != nil:
		if !c.requireRegistered() {
			return false
		}
		c.handleMessage(pkt)

	case pkt.VoiceNote != nil:
		if !c.requireRegistered() {
			return false
		}
		c.handleVoiceNote(pkt)

	case pkt.Call != nil:
		if !c.requireRegistered() {
			return false
		}
		c.handleCall(pkt.Call)

	case pkt.CallList != nil:
		if !c.requireRegistered() {
			return false
		}
		c.handleCallList(pkt.CallList)

	case pkt.DisconnectSession != nil:
		if !c.requireRegistered() {
			return false
		}
		c.handleDisconnectSession(pkt)

	case pkt.Disconnect != nil:
		s.events.Record(fmt.Sprintf("[+] Disconnecting client: %s", c.nickname))
		c.teardown("client disconnect")
		return true

	default:
		s.metrics.UnrecognizedPackets.Add(1)
		slog.Warn("unsupported request", "conn", c.id, "user", c.nickname, "kind", pkt.Kind())
	}
	return false
}

func (c *conn) handleRegister(req *protocol.Register) {
	s := c.srv

	if c.nickname != "" {
		c.protoError("already registered as " + c.nickname)
		return
	}
	if err := model.ValidateNickname(req.Nickname); err != nil {
		s.metrics.RejectedRegistrations.Add(1)
		c.protoError(err.Error())
		return
	}

	u := &model.User{
		Nickname: req.Nickname,
		Addr:     remoteHost(c.nc),
		Out:      c.out,
	}

	// Publish the user and adopt the nickname in one critical section so a
	// concurrent teardown never observes a registered user with no name.
	c.nickMu.Lock()
	err := s.users.Add(u)
	if err == nil {
		c.nickname = req.Nickname
	}
	c.nickMu.Unlock()
	if err != nil {
		s.metrics.RejectedRegistrations.Add(1)
		c.protoError(ErrNicknameTaken.Error())
		return
	}

	// The connection may have been torn down while registration was in
	// flight (a failed write on an earlier response, server shutdown). In
	// that case teardown saw an empty nickname, so undo the publish here.
	select {
	case <-c.done:
		if s.users.Remove(req.Nickname) {
			s.broadcastRoster()
		}
		return
	default:
	}

	s.bindNick(c.nickname, c)
	s.metrics.Registrations.Add(1)
	s.events.Record(fmt.Sprintf("[+] A new client has connected: %s", c.nickname))

	c.send(&protocol.Packet{Success: &protocol.Success{}})
	s.broadcastRoster()
}

func (c *conn) handleSession(req *protocol.Session) {
	s := c.srv

	addr := ""
	if u, ok := s.users.Get(c.nickname); ok {
		addr = u.Addr
	}
	id := s.sessions.Create(c.nickname, addr)
	s.metrics.SessionsCreated.Add(1)
	s.events.Record(fmt.Sprintf(" - %s created a session with id %d", c.nickname, id))

	c.send(&protocol.Packet{Session: &protocol.Session{ID: id}})

	// A group session opens a dedicated view on the creating client, which
	// needs the notify and initial membership immediately.
	if req.Kind == protocol.SessionKindGroup {
		c.send(&protocol.Packet{Notify: &protocol.Notify{SessionID: id}})
		c.send(&protocol.Packet{SessionUsers: &protocol.SessionUsers{
			SessionID: id,
			Members:   []string{c.nickname},
		}})
	}
}

func (c *conn) handleInvite(req *protocol.Invite) {
	s := c.srv

	invitee, ok := s.users.Get(req.Invitee)
	if !ok {
		c.protoError(ErrNoSuchUser.Error() + ": " + req.Invitee)
		return
	}
	members, err := s.sessions.AddMember(req.SessionID, req.Invitee, invitee.Addr)
	if err != nil {
		c.protoError(err.Error())
		return
	}
	s.metrics.Invites.Add(1)
	s.events.Record(fmt.Sprintf(" - %s added %s to session %d", c.nickname, req.Invitee, req.SessionID))

	if req.Private {
		s.bcast.SendTo(&protocol.Packet{NotifyPrivate: &protocol.NotifyPrivate{
			SessionID: req.SessionID,
			Members:   members,
		}}, members)
		return
	}

	s.bcast.SendTo(&protocol.Packet{Notify: &protocol.Notify{SessionID: req.SessionID}},
		[]string{req.Invitee})
	s.bcast.SendTo(&protocol.Packet{SessionUsers: &protocol.SessionUsers{
		SessionID: req.SessionID,
		Members:   members,
	}}, members)
}

// handleMessage relays a text message to the session's members. The sender
// is excluded from the fan-out: clients render their own messages locally
// and the server never echoes them back.
func (c *conn) handleMessage(pkt *protocol.Packet) {
	s := c.srv
	m := pkt.Message

	members, err := s.sessions.Members(m.SessionID)
	if err != nil {
		c.protoError(err.Error())
		return
	}
	s.metrics.MessagesRelayed.Add(1)
	s.events.Record(fmt.Sprintf(" - %s sent message to session %d: %s", c.nickname, m.SessionID, m.Text))

	s.bcast.SendTo(pkt, exclude(members, c.nickname))
}

func (c *conn) handleVoiceNote(pkt *protocol.Packet) {
	s := c.srv
	vn := pkt.VoiceNote

	members, err := s.sessions.Members(vn.SessionID)
	if err != nil {
		c.protoError(err.Error())
		return
	}
	s.metrics.VoiceNotesRelayed.Add(1)
	s.events.Record(fmt.Sprintf(" - %s sent a voice note to session %d", c.nickname, vn.SessionID))

	s.bcast.SendTo(pkt, exclude(members, c.nickname))
}

func (c *conn) handleCall(req *protocol.Call) {
	s := c.srv

	if req.Leave {
		if err := s.sessions.LeaveCall(req.SessionID, req.Channel, c.nickname); err != nil {
			c.protoError(err.Error())
			return
		}
		s.metrics.CallLeaves.Add(1)
		s.events.Record(fmt.Sprintf(" - %s has left the call [channel %d] of session %d",
			c.nickname, req.Channel, req.SessionID))

		// Echo the leave back so the client tears its transport down.
		c.send(&protocol.Packet{Call: req})
		c.callNotice(req.SessionID, fmt.Sprintf("[ ! ] %s has left the call [channel %d].",
			c.nickname, req.Channel))
		return
	}

	port, peerAddrs, err := s.sessions.JoinCall(req.SessionID, req.Channel, c.nickname)
	if err != nil {
		c.protoError(err.Error())
		return
	}
	s.metrics.CallJoins.Add(1)
	s.events.Record(fmt.Sprintf(" - %s has joined the call [channel %d] of session %d on port %d",
		c.nickname, req.Channel, req.SessionID, port))

	c.send(&protocol.Packet{Call: &protocol.Call{
		SessionID: req.SessionID,
		Channel:   req.Channel,
		Port:      port,
		Addresses: peerAddrs,
	}})
	c.callNotice(req.SessionID, fmt.Sprintf("[ ! ] %s has joined the call [channel %d].",
		c.nickname, req.Channel))
}

// callNotice broadcasts a server-generated message to every session member,
// the actor included.
func (c *conn) callNotice(sessionID int64, text string) {
	members, err := c.srv.sessions.Members(sessionID)
	if err != nil {
		return
	}
	c.srv.bcast.SendTo(&protocol.Packet{Message: &protocol.Message{
		From:      c.nickname,
		SessionID: sessionID,
		Text:      text,
	}}, members)
}

func (c *conn) handleCallList(req *protocol.CallList) {
	channels, err := c.srv.sessions.CallList(req.SessionID)
	if err != nil {
		c.protoError(err.Error())
		return
	}
	c.send(&protocol.Packet{CallList: &protocol.CallList{
		SessionID: req.SessionID,
		Channels:  channels,
	}})
}

func (c *conn) handleDisconnectSession(pkt *protocol.Packet) {
	s := c.srv
	req := pkt.DisconnectSession

	remaining, reclaimed, err := s.sessions.RemoveMember(req.SessionID, c.nickname)
	if err != nil {
		c.protoError(err.Error())
		return
	}
	if reclaimed {
		s.metrics.SessionsReclaimed.Add(1)
	}
	s.events.Record(fmt.Sprintf("[+] %s left session %d", c.nickname, req.SessionID))

	// Echo so the client closes its session view, then tell the others.
	c.send(pkt)
	if len(remaining) > 0 {
		s.bcast.SendTo(&protocol.Packet{SessionUsers: &protocol.SessionUsers{
			SessionID: req.SessionID,
			Members:   remaining,
		}}, remaining)
	}
}

// teardown releases everything this connection holds. It is safe to call
// from any goroutine and any number of times; explicit disconnects, stream
// errors, write failures, and shutdown all converge here.
func (c *conn) teardown(reason string) {
	c.teardownOnce.Do(func() {
		s := c.srv

		// Close done before reading the nickname: an in-flight register
		// that publishes after we look will then see done closed and undo
		// its own publish, so the user can never leak.
		close(c.done)

		nick := c.nick()
		if nick != "" {
			removed := s.users.Remove(nick)
			if n := s.sessions.RemoveEverywhere(nick); n > 0 {
				s.metrics.SessionsReclaimed.Add(int64(n))
			}
			if removed {
				s.events.Record(fmt.Sprintf("[+] client disconnected: %s (%s)", nick, reason))
				s.broadcastRoster()
			}
		}

		_ = c.nc.Close()
		s.untrackConn(c)
		s.metrics.ActiveConnections.Add(-1)
		s.metrics.TotalDisconnects.Add(1)
		slog.Info("connection closed", "conn", c.id, "user", nick, "reason", reason)
	})
}

func userListPacket(names []string) *protocol.Packet {
	return &protocol.Packet{UserList: &protocol.UserList{Nicknames: names}}
}

// exclude returns members without the named user, preserving order.
func exclude(members []string, name string) []string {
	out := make([]string, 0, len(members))
	for _, m := range members {
		if m != name {
			out = append(out, m)
		}
	}
	return out
}

// remoteHost returns the host portion of the peer address, falling back to
// the raw address for transports without a port (pipes in tests).
func remoteHost(nc net.Conn) string {
	addr := nc.RemoteAddr().String()
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
