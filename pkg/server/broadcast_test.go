package server

import (
	"testing"
	"time"

	"github.com/louiskop/go-voip-chat/pkg/model"
	"github.com/louiskop/go-voip-chat/pkg/protocol"
)

func addTestUser(t *testing.T, r *UserRegistry, nick string, buffer int) *model.User {
	t.Helper()
	u := &model.User{
		Nickname: nick,
		Addr:     "10.0.0.1",
		Out:      make(chan *protocol.Packet, buffer),
	}
	if err := r.Add(u); err != nil {
		t.Fatalf("add %s: %v", nick, err)
	}
	return u
}

func TestSendToDedupesAndSkipsUnknown(t *testing.T) {
	users := NewUserRegistry()
	alice := addTestUser(t, users, "alice", 4)
	bob := addTestUser(t, users, "bob", 4)
	b := NewBroadcaster(users, NewMetrics(), nil)

	pkt := &protocol.Packet{Notify: &protocol.Notify{SessionID: 7}}
	b.SendTo(pkt, []string{"alice", "alice", "ghost", "bob"})

	if got := len(alice.Out); got != 1 {
		t.Fatalf("alice received %d packets, want 1", got)
	}
	if got := len(bob.Out); got != 1 {
		t.Fatalf("bob received %d packets, want 1", got)
	}
}

func TestSendAllReachesEveryUser(t *testing.T) {
	users := NewUserRegistry()
	alice := addTestUser(t, users, "alice", 4)
	bob := addTestUser(t, users, "bob", 4)
	b := NewBroadcaster(users, NewMetrics(), nil)

	b.SendAll(userListPacket([]string{"alice", "bob"}))

	for _, u := range []*model.User{alice, bob} {
		select {
		case pkt := <-u.Out:
			if pkt.UserList == nil {
				t.Fatalf("%s: got %s packet, want userList", u.Nickname, pkt.Kind())
			}
		default:
			t.Fatalf("%s received nothing", u.Nickname)
		}
	}
}

func TestFullBufferEvictsPeerOnly(t *testing.T) {
	users := NewUserRegistry()
	addTestUser(t, users, "stuck", 0)
	healthy := addTestUser(t, users, "healthy", 4)

	metrics := NewMetrics()
	failed := make(chan string, 1)
	b := NewBroadcaster(users, metrics, func(nick string) { failed <- nick })

	b.SendTo(&protocol.Packet{Notify: &protocol.Notify{SessionID: 1}}, []string{"stuck", "healthy"})

	select {
	case nick := <-failed:
		if nick != "stuck" {
			t.Fatalf("failure callback for %s, want stuck", nick)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("failure callback never fired")
	}
	if got := len(healthy.Out); got != 1 {
		t.Fatalf("healthy peer received %d packets, want 1", got)
	}
	if got := metrics.BroadcastFailures.Load(); got != 1 {
		t.Fatalf("broadcast failures: got %d, want 1", got)
	}
}
