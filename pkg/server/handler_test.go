package server

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/louiskop/go-voip-chat/pkg/protocol"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := DefaultConfig()
	cfg.MetricsAddr = ""
	s := New(cfg, Dependencies{})
	t.Cleanup(s.Shutdown)
	return s
}

// testClient drives a handler over an in-memory pipe, standing in for a real
// TCP client.
type testClient struct {
	t  *testing.T
	nc net.Conn
}

func connect(t *testing.T, s *Server) *testClient {
	t.Helper()
	clientSide, serverSide := net.Pipe()
	go s.handleConn(serverSide)
	t.Cleanup(func() { clientSide.Close() })
	return &testClient{t: t, nc: clientSide}
}

func (c *testClient) send(pkt *protocol.Packet) {
	c.t.Helper()
	_ = c.nc.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := protocol.WritePacket(c.nc, pkt); err != nil {
		c.t.Fatalf("write %s: %v", pkt.Kind(), err)
	}
}

func (c *testClient) recv() *protocol.Packet {
	c.t.Helper()
	_ = c.nc.SetReadDeadline(time.Now().Add(2 * time.Second))
	pkt, err := protocol.ReadPacket(c.nc)
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}
	return pkt
}

func (c *testClient) recvKind(kind string) *protocol.Packet {
	c.t.Helper()
	pkt := c.recv()
	if pkt.Kind() != kind {
		c.t.Fatalf("got %s packet, want %s", pkt.Kind(), kind)
	}
	return pkt
}

// expectSilence asserts that no packet arrives within a short window.
func (c *testClient) expectSilence() {
	c.t.Helper()
	_ = c.nc.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	if pkt, err := protocol.ReadPacket(c.nc); err == nil {
		c.t.Fatalf("expected no packet, got %s", pkt.Kind())
	}
	_ = c.nc.SetReadDeadline(time.Time{})
}

func (c *testClient) register(nick string) {
	c.t.Helper()
	c.send(&protocol.Packet{Register: &protocol.Register{Nickname: nick}})
	c.recvKind("success")
	c.recvKind("userList")
}

func TestRegisterRejectsDuplicateAndInvalid(t *testing.T) {
	s := newTestServer(t)

	first := connect(t, s)
	first.register("alice")

	second := connect(t, s)
	second.send(&protocol.Packet{Register: &protocol.Register{Nickname: "alice"}})
	if pkt := second.recvKind("error"); pkt.Error.Reason == "" {
		t.Fatal("error packet carries no reason")
	}

	second.send(&protocol.Packet{Register: &protocol.Register{Nickname: "not valid!"}})
	second.recvKind("error")

	// The connection survives rejection; a valid nickname still registers.
	second.send(&protocol.Packet{Register: &protocol.Register{Nickname: "bob"}})
	second.recvKind("success")
	second.recvKind("userList")
	first.recvKind("userList")

	if got := s.Metrics().RejectedRegistrations.Load(); got != 2 {
		t.Fatalf("rejected registrations: got %d, want 2", got)
	}
}

func TestRequestsBeforeRegisterAreProtocolErrors(t *testing.T) {
	s := newTestServer(t)
	c := connect(t, s)

	c.send(&protocol.Packet{GetUserList: &protocol.GetUserList{}})
	c.recvKind("error")
	c.send(&protocol.Packet{Session: &protocol.Session{Kind: protocol.SessionKindGroup}})
	c.recvKind("error")

	// The same connection can still register afterwards.
	c.register("alice")
	if got := s.Metrics().ProtocolErrors.Load(); got != 2 {
		t.Fatalf("protocol errors: got %d, want 2", got)
	}
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestServer(t)

	alice := connect(t, s)
	alice.register("alice")
	bob := connect(t, s)
	bob.register("bob")
	alice.recvKind("userList") // roster change from bob's registration

	// Alice opens a group session.
	alice.send(&protocol.Packet{Session: &protocol.Session{Kind: protocol.SessionKindGroup}})
	created := alice.recvKind("session")
	id := created.Session.ID
	alice.recvKind("notify")
	su := alice.recvKind("sessionUsers")
	if len(su.SessionUsers.Members) != 1 || su.SessionUsers.Members[0] != "alice" {
		t.Fatalf("initial membership: got %v", su.SessionUsers.Members)
	}

	// Invite bob: he is notified, then both get the membership.
	alice.send(&protocol.Packet{Invite: &protocol.Invite{SessionID: id, Invitee: "bob"}})
	notify := bob.recvKind("notify")
	if notify.Notify.SessionID != id {
		t.Fatalf("notify session: got %d, want %d", notify.Notify.SessionID, id)
	}
	bob.recvKind("sessionUsers")
	su = alice.recvKind("sessionUsers")
	if len(su.SessionUsers.Members) != 2 {
		t.Fatalf("membership after invite: got %v", su.SessionUsers.Members)
	}

	// Inviting bob again is rejected without touching the session.
	alice.send(&protocol.Packet{Invite: &protocol.Invite{SessionID: id, Invitee: "bob"}})
	alice.recvKind("error")

	// A text message reaches bob but is not echoed to alice.
	alice.send(&protocol.Packet{Message: &protocol.Message{From: "alice", SessionID: id, Text: "hello"}})
	msg := bob.recvKind("message")
	if msg.Message.From != "alice" || msg.Message.Text != "hello" {
		t.Fatalf("relayed message: got %+v", msg.Message)
	}
	alice.expectSilence()

	// Same fan-out rule for voice notes.
	alice.send(&protocol.Packet{VoiceNote: &protocol.VoiceNote{From: "alice", SessionID: id, Data: []byte{1, 2, 3}}})
	vn := bob.recvKind("voicenote")
	if len(vn.VoiceNote.Data) != 3 {
		t.Fatalf("voice note payload: got %d bytes", len(vn.VoiceNote.Data))
	}
	alice.expectSilence()

	// Bob leaves the session: he gets the echo, alice the new membership.
	bob.send(&protocol.Packet{DisconnectSession: &protocol.DisconnectSession{SessionID: id}})
	bob.recvKind("disconnectSession")
	su = alice.recvKind("sessionUsers")
	if len(su.SessionUsers.Members) != 1 || su.SessionUsers.Members[0] != "alice" {
		t.Fatalf("membership after bob left: got %v", su.SessionUsers.Members)
	}
}

func TestCallJoinAndLeave(t *testing.T) {
	s := newTestServer(t)

	alice := connect(t, s)
	alice.register("alice")
	bob := connect(t, s)
	bob.register("bob")
	alice.recvKind("userList")

	alice.send(&protocol.Packet{Session: &protocol.Session{Kind: protocol.SessionKindGroup}})
	id := alice.recvKind("session").Session.ID
	alice.recvKind("notify")
	alice.recvKind("sessionUsers")
	alice.send(&protocol.Packet{Invite: &protocol.Invite{SessionID: id, Invitee: "bob"}})
	bob.recvKind("notify")
	bob.recvKind("sessionUsers")
	alice.recvKind("sessionUsers")

	// Bob joins channel 2 and learns the port plus his peers' addresses.
	bob.send(&protocol.Packet{Call: &protocol.Call{SessionID: id, Channel: 2}})
	join := bob.recvKind("call")
	wantPort := s.cfg.CallPortOrigin + int(id)*4 + 2
	if join.Call.Port != wantPort {
		t.Fatalf("call port: got %d, want %d", join.Call.Port, wantPort)
	}
	if len(join.Call.Addresses) != 1 {
		t.Fatalf("peer addresses must exclude the joiner: got %v", join.Call.Addresses)
	}
	bob.recvKind("message") // join notice goes to everyone
	alice.recvKind("message")

	bob.send(&protocol.Packet{CallList: &protocol.CallList{SessionID: id}})
	cl := bob.recvKind("calllist")
	if len(cl.CallList.Channels) != 4 || len(cl.CallList.Channels[2]) != 1 {
		t.Fatalf("calllist channels: got %v", cl.CallList.Channels)
	}

	// A bad channel index is a protocol error.
	bob.send(&protocol.Packet{Call: &protocol.Call{SessionID: id, Channel: 4}})
	bob.recvKind("error")

	bob.send(&protocol.Packet{Call: &protocol.Call{SessionID: id, Channel: 2, Leave: true}})
	left := bob.recvKind("call")
	if !left.Call.Leave {
		t.Fatal("leave echo lost the leave flag")
	}
	bob.recvKind("message")
	alice.recvKind("message")
}

func TestDisconnectScrubsEverything(t *testing.T) {
	s := newTestServer(t)

	alice := connect(t, s)
	alice.register("alice")
	bob := connect(t, s)
	bob.register("bob")
	alice.recvKind("userList")

	alice.send(&protocol.Packet{Session: &protocol.Session{Kind: protocol.SessionKindGroup}})
	id := alice.recvKind("session").Session.ID
	alice.recvKind("notify")
	alice.recvKind("sessionUsers")
	alice.send(&protocol.Packet{Invite: &protocol.Invite{SessionID: id, Invitee: "bob"}})
	bob.recvKind("notify")
	bob.recvKind("sessionUsers")
	alice.recvKind("sessionUsers")

	alice.send(&protocol.Packet{Disconnect: &protocol.Disconnect{}})
	roster := bob.recvKind("userList")
	if len(roster.UserList.Nicknames) != 1 || roster.UserList.Nicknames[0] != "bob" {
		t.Fatalf("roster after disconnect: got %v", roster.UserList.Nicknames)
	}

	members, err := s.Sessions().Members(id)
	if err != nil || len(members) != 1 || members[0] != "bob" {
		t.Fatalf("session after disconnect: members=%v err=%v", members, err)
	}
	if s.Users().Count() != 1 {
		t.Fatalf("registered users after disconnect: got %d, want 1", s.Users().Count())
	}
}

func TestDroppedConnectionCleansUpLikeDisconnect(t *testing.T) {
	s := newTestServer(t)

	alice := connect(t, s)
	alice.register("alice")
	bob := connect(t, s)
	bob.register("bob")
	alice.recvKind("userList")

	bob.send(&protocol.Packet{Session: &protocol.Session{Kind: protocol.SessionKindGroup}})
	bob.recvKind("session")
	bob.recvKind("notify")
	bob.recvKind("sessionUsers")

	// The wire drops without a disconnect request.
	bob.nc.Close()

	roster := alice.recvKind("userList")
	if len(roster.UserList.Nicknames) != 1 || roster.UserList.Nicknames[0] != "alice" {
		t.Fatalf("roster after drop: got %v", roster.UserList.Nicknames)
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.Sessions().Count() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("empty session was not reclaimed after drop")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// rawFrame writes an arbitrary length header and payload straight to the
// wire, bypassing the packet encoder.
func (c *testClient) rawFrame(announced uint32, payload []byte) {
	c.t.Helper()
	_ = c.nc.SetWriteDeadline(time.Now().Add(5 * time.Second))
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, announced)
	if _, err := c.nc.Write(append(header, payload...)); err != nil {
		c.t.Fatalf("raw write: %v", err)
	}
}

func TestOversizedFrameDoesNotDesyncConnection(t *testing.T) {
	s := newTestServer(t)
	c := connect(t, s)
	c.register("alice")

	// A frame announcing more than the limit must be consumed whole, not
	// left half-read where its payload bytes get parsed as headers.
	size := uint32(protocol.MaxPacketSize + 5)
	c.rawFrame(size, make([]byte, size))

	c.send(&protocol.Packet{GetUserList: &protocol.GetUserList{}})
	roster := c.recvKind("userList")
	if len(roster.UserList.Nicknames) != 1 || roster.UserList.Nicknames[0] != "alice" {
		t.Fatalf("roster after oversized frame: got %v", roster.UserList.Nicknames)
	}
	if got := s.Users().Count(); got != 1 {
		t.Fatalf("user count after oversized frame: got %d, want 1", got)
	}
	if got := s.Metrics().MalformedPackets.Load(); got != 1 {
		t.Fatalf("malformed packets: got %d, want 1", got)
	}
}

func TestRepeatedMalformedFramesDropConnection(t *testing.T) {
	s := newTestServer(t)
	c := connect(t, s)
	c.register("alice")

	// One undecodable frame is forgiven, two in a row are not.
	bad := []byte(`{"v":1,`)
	c.rawFrame(uint32(len(bad)), bad)
	c.rawFrame(uint32(len(bad)), bad)

	deadline := time.Now().Add(2 * time.Second)
	for s.Users().Count() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("user survived a malformed stream")
		}
		time.Sleep(5 * time.Millisecond)
	}

	_ = c.nc.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := protocol.ReadPacket(c.nc); err == nil {
		t.Fatal("connection still open after malformed stream")
	}
}

func TestShutdownDuringRegisterLeavesNoGhostUsers(t *testing.T) {
	// Race registration against shutdown repeatedly; whichever side wins,
	// a stopped server must end with an empty registry.
	for i := 0; i < 25; i++ {
		s := newTestServer(t)
		clientSide, serverSide := net.Pipe()
		go s.handleConn(serverSide)

		go func() {
			_ = clientSide.SetWriteDeadline(time.Now().Add(2 * time.Second))
			_ = protocol.WritePacket(clientSide, &protocol.Packet{
				Register: &protocol.Register{Nickname: "alice"},
			})
			_ = clientSide.Close()
		}()
		s.Shutdown()

		deadline := time.Now().Add(2 * time.Second)
		for s.Users().Count() != 0 {
			if time.Now().After(deadline) {
				t.Fatalf("iteration %d: user leaked past shutdown", i)
			}
			time.Sleep(time.Millisecond)
		}
	}
}
