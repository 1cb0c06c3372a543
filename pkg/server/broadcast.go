package server

import (
	"log/slog"

	"github.com/louiskop/go-voip-chat/pkg/model"
	"github.com/louiskop/go-voip-chat/pkg/protocol"
)

// Broadcaster fans packets out to registered users' outbound channels.
//
// Delivery is a non-blocking send: a recipient whose buffer is full never
// stalls delivery to the others. Such a peer is treated as broken and handed
// to onFailure, which schedules the same cleanup as a disconnect.
type Broadcaster struct {
	users     *UserRegistry
	metrics   *Metrics
	onFailure func(nickname string)
}

// NewBroadcaster creates a broadcaster over the given registry. onFailure
// may be nil.
func NewBroadcaster(users *UserRegistry, metrics *Metrics, onFailure func(nickname string)) *Broadcaster {
	return &Broadcaster{users: users, metrics: metrics, onFailure: onFailure}
}

// SendAll delivers a packet to every currently registered user.
func (b *Broadcaster) SendAll(pkt *protocol.Packet) {
	for _, u := range b.users.Users() {
		b.deliver(u, pkt)
	}
}

// SendTo delivers a packet to exactly the named users. Unknown nicknames are
// skipped rather than failing the whole operation; each known recipient
// receives exactly one copy.
func (b *Broadcaster) SendTo(pkt *protocol.Packet, nicknames []string) {
	seen := make(map[string]bool, len(nicknames))
	for _, name := range nicknames {
		if seen[name] {
			continue
		}
		seen[name] = true
		u, ok := b.users.Get(name)
		if !ok {
			continue
		}
		b.deliver(u, pkt)
	}
}

func (b *Broadcaster) deliver(u *model.User, pkt *protocol.Packet) {
	select {
	case u.Out <- pkt:
	default:
		b.metrics.BroadcastFailures.Add(1)
		slog.Warn("outbound buffer full, scheduling removal", "user", u.Nickname)
		if b.onFailure != nil {
			go b.onFailure(u.Nickname)
		}
	}
}
