package client

import (
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/louiskop/go-voip-chat/pkg/audio"
	"github.com/louiskop/go-voip-chat/pkg/protocol"
)

// fakeServer drives the far end of a piped control connection.
type fakeServer struct {
	t  *testing.T
	nc net.Conn
}

func pipedClient(t *testing.T) (*Client, *fakeServer) {
	t.Helper()
	clientSide, serverSide := net.Pipe()
	c := New(clientSide)
	t.Cleanup(func() { _ = c.Close() })
	t.Cleanup(func() { _ = serverSide.Close() })
	return c, &fakeServer{t: t, nc: serverSide}
}

func (s *fakeServer) expect(kind string) *protocol.Packet {
	s.t.Helper()
	_ = s.nc.SetReadDeadline(time.Now().Add(2 * time.Second))
	pkt, err := protocol.ReadPacket(s.nc)
	if err != nil {
		s.t.Fatalf("server read: %v", err)
	}
	if pkt.Kind() != kind {
		s.t.Fatalf("server got %s packet, want %s", pkt.Kind(), kind)
	}
	return pkt
}

func (s *fakeServer) push(pkt *protocol.Packet) {
	s.t.Helper()
	_ = s.nc.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := protocol.WritePacket(s.nc, pkt); err != nil {
		s.t.Fatalf("server write: %v", err)
	}
}

func TestRegisterSuccess(t *testing.T) {
	c, srv := pipedClient(t)

	go func() {
		pkt := srv.expect("register")
		if pkt.Register.Nickname != "alice" {
			t.Errorf("register nickname: got %q", pkt.Register.Nickname)
		}
		srv.push(&protocol.Packet{Success: &protocol.Success{}})
	}()

	if err := c.Register("alice"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if c.Nickname() != "alice" {
		t.Fatalf("nickname after register: got %q", c.Nickname())
	}
}

func TestRegisterRejected(t *testing.T) {
	c, srv := pipedClient(t)

	go func() {
		srv.expect("register")
		srv.push(&protocol.Packet{Error: &protocol.ErrorInfo{Reason: "nickname already in use"}})
	}()

	err := c.Register("alice")
	if err == nil || !strings.Contains(err.Error(), "nickname already in use") {
		t.Fatalf("register error: got %v", err)
	}
	if c.Nickname() != "" {
		t.Fatalf("nickname set despite rejection: %q", c.Nickname())
	}
}

func TestEventDispatch(t *testing.T) {
	c, srv := pipedClient(t)

	rosters := make(chan []string, 1)
	messages := make(chan string, 1)
	errorsCh := make(chan string, 1)
	c.SetHandlers(Handlers{
		OnUserList: func(names []string) { rosters <- names },
		OnMessage:  func(from string, _ int64, text string) { messages <- from + ": " + text },
		OnError:    func(reason string) { errorsCh <- reason },
	})
	c.StartReceiving()

	srv.push(&protocol.Packet{UserList: &protocol.UserList{Nicknames: []string{"alice", "bob"}}})
	srv.push(&protocol.Packet{Message: &protocol.Message{From: "bob", SessionID: 0, Text: "hi"}})
	srv.push(&protocol.Packet{Error: &protocol.ErrorInfo{Reason: "there exists no such session"}})

	select {
	case names := <-rosters:
		if len(names) != 2 {
			t.Fatalf("roster: %v", names)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("user list never dispatched")
	}
	select {
	case msg := <-messages:
		if msg != "bob: hi" {
			t.Fatalf("message: %q", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message never dispatched")
	}
	select {
	case reason := <-errorsCh:
		if reason != "there exists no such session" {
			t.Fatalf("error reason: %q", reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("error never dispatched")
	}
}

type nullCapture struct {
	stopped  chan struct{}
	stopOnce sync.Once
}

func (n *nullCapture) Start() error { return nil }
func (n *nullCapture) ReadFrame() ([]int16, error) {
	<-n.stopped
	return nil, errors.New("capture stopped")
}
func (n *nullCapture) Stop() error {
	n.stopOnce.Do(func() { close(n.stopped) })
	return nil
}

type nullPlayer struct{}

func (nullPlayer) Start() error { return nil }

func (nullPlayer) WriteFrame(frame []int16) error { return nil }

func (nullPlayer) Stop() error { return nil }

func freeUDPPort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("probe port: %v", err)
	}
	port := conn.LocalAddr().(*net.UDPAddr).Port
	_ = conn.Close()
	return port
}

func TestCallGrantStartsAndLeaveStopsAudio(t *testing.T) {
	c, srv := pipedClient(t)
	c.SetAudioFactory(func() (audio.Capturer, audio.Player) {
		return &nullCapture{stopped: make(chan struct{})}, nullPlayer{}
	})
	c.StartReceiving()

	port := freeUDPPort(t)
	srv.push(&protocol.Packet{Call: &protocol.Call{SessionID: 0, Channel: 1, Port: port}})

	deadline := time.Now().Add(2 * time.Second)
	for !c.InCall() {
		if time.Now().After(deadline) {
			t.Fatal("call never started after grant")
		}
		time.Sleep(5 * time.Millisecond)
	}

	srv.push(&protocol.Packet{Call: &protocol.Call{SessionID: 0, Channel: 1, Leave: true}})
	deadline = time.Now().Add(2 * time.Second)
	for c.InCall() {
		if time.Now().After(deadline) {
			t.Fatal("call never stopped after leave echo")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
