// Package model defines the core domain types for the chat server.
package model

import (
	"errors"
	"fmt"

	"github.com/louiskop/go-voip-chat/pkg/protocol"
)

const MaxNicknameLength = 32

var ErrNicknameEmpty = errors.New("nickname must not be empty")
var ErrNicknameTooLong = fmt.Errorf("nickname must not exceed %d characters", MaxNicknameLength)
var ErrNicknameInvalidChars = errors.New("nickname must contain only alphanumeric characters, underscores, or hyphens")

// NumChannels is the fixed number of call channels per session. Channel ids
// 0-3 map to consecutive UDP ports starting at the session's base port.
const NumChannels = 4

// User is a registered client. The registry is the sole owner of User
// records; connection handlers hold only the nickname.
type User struct {
	Nickname string
	Addr     string // network address, shared with call peers on join

	// Out is the user's reply/broadcast sink, drained by the connection's
	// writer goroutine. Delivery into it must never block.
	Out chan *protocol.Packet
}

// CallChannel is one of a session's four call slots.
type CallChannel struct {
	Participants map[string]bool // nicknames currently on this call
}

// Session is a conversation group. Members and Addrs are parallel,
// index-aligned slices in invite order; every mutation of one mutates the
// other inside the same registry critical section.
type Session struct {
	ID       int64
	PortBase int
	Members  []string
	Addrs    []string
	Channels [NumChannels]CallChannel
}

// NewSession creates a session with the creator as sole member.
func NewSession(id int64, portBase int, creator, addr string) *Session {
	s := &Session{
		ID:       id,
		PortBase: portBase,
		Members:  []string{creator},
		Addrs:    []string{addr},
	}
	for i := range s.Channels {
		s.Channels[i].Participants = make(map[string]bool)
	}
	return s
}

// ChannelPort returns the UDP port of channel c.
func (s *Session) ChannelPort(c int) int {
	return s.PortBase + c
}

// ValidateNickname checks that a nickname is 1-32 ASCII alphanumeric,
// underscore, or hyphen characters. Returns nil on success or a
// descriptive error.
func ValidateNickname(name string) error {
	if len(name) == 0 {
		return ErrNicknameEmpty
	}
	if len(name) > MaxNicknameLength {
		return ErrNicknameTooLong
	}
	for _, r := range name {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (r < '0' || r > '9') && r != '_' && r != '-' {
			return ErrNicknameInvalidChars
		}
	}
	return nil
}
