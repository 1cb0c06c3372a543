package server

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/louiskop/go-voip-chat/pkg/model"
)

var (
	ErrNicknameTaken = errors.New("nickname already in use")
	ErrNoSuchSession = errors.New("there exists no such session")
	ErrNoSuchUser    = errors.New("no such user")
	ErrAlreadyMember = errors.New("already a session member")
	ErrBadChannel    = fmt.Errorf("call channel must be 0-%d", model.NumChannels-1)
)

// UserRegistry owns all registered User records. Handlers hold nicknames,
// never private copies.
type UserRegistry struct {
	mu    sync.RWMutex
	users map[string]*model.User
}

// NewUserRegistry creates an empty user registry.
func NewUserRegistry() *UserRegistry {
	return &UserRegistry{users: make(map[string]*model.User)}
}

// Add registers a user. Fails with ErrNicknameTaken on duplicates.
func (r *UserRegistry) Add(u *model.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.users[u.Nickname]; exists {
		return ErrNicknameTaken
	}
	r.users[u.Nickname] = u
	return nil
}

// Get retrieves a user by nickname.
func (r *UserRegistry) Get(nickname string) (*model.User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[nickname]
	return u, ok
}

// Remove unregisters a user. Reports whether the nickname was present.
func (r *UserRegistry) Remove(nickname string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[nickname]; !ok {
		return false
	}
	delete(r.users, nickname)
	return true
}

// Nicknames returns a sorted snapshot of all registered nicknames.
func (r *UserRegistry) Nicknames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.users))
	for n := range r.users {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Users returns a snapshot of all registered users.
func (r *UserRegistry) Users() []*model.User {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]*model.User, 0, len(r.users))
	for _, u := range r.users {
		result = append(result, u)
	}
	return result
}

// Count returns the number of registered users.
func (r *UserRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}

// Allocator issues session ids and call port blocks. Ids increase
// monotonically for the process lifetime; port bases advance in strides of
// NumChannels and are never reused, so no two sessions' channels collide.
type Allocator struct {
	mu       sync.Mutex
	nextID   int64
	nextPort int
}

// NewAllocator creates an allocator whose first port block starts at origin.
func NewAllocator(portOrigin int) *Allocator {
	return &Allocator{nextPort: portOrigin}
}

// Reserve consumes and returns the next (session id, port base) pair.
func (a *Allocator) Reserve() (id int64, portBase int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id = a.nextID
	portBase = a.nextPort
	a.nextID++
	a.nextPort += model.NumChannels
	return id, portBase
}

// SessionRegistry owns all session records. Every multi-field mutation
// (members plus addresses, channel participant sets) happens inside one
// critical section, preserving the members/addresses alignment invariant.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[int64]*model.Session
	alloc    *Allocator
}

// NewSessionRegistry creates an empty session registry backed by alloc.
func NewSessionRegistry(alloc *Allocator) *SessionRegistry {
	return &SessionRegistry{
		sessions: make(map[int64]*model.Session),
		alloc:    alloc,
	}
}

// Create reserves an id and port block and creates a session with the
// creator as sole member. Returns the new session id.
func (r *SessionRegistry) Create(creator, addr string) int64 {
	id, portBase := r.alloc.Reserve()
	s := model.NewSession(id, portBase, creator, addr)

	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()
	return id
}

// Members returns a copy of a session's membership in invite order.
func (r *SessionRegistry) Members(id int64) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrNoSuchSession
	}
	return append([]string(nil), s.Members...), nil
}

// AddMember appends a member and their address to a session and returns the
// updated membership.
func (r *SessionRegistry) AddMember(id int64, nickname, addr string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrNoSuchSession
	}
	for _, m := range s.Members {
		if m == nickname {
			return nil, ErrAlreadyMember
		}
	}
	s.Members = append(s.Members, nickname)
	s.Addrs = append(s.Addrs, addr)
	return append([]string(nil), s.Members...), nil
}

// RemoveMember removes a member (and the aligned address, and any call
// participations) from a session. Sessions left with zero members are
// reclaimed; their id and port block are never reissued. Returns the
// remaining membership and whether the session was reclaimed.
func (r *SessionRegistry) RemoveMember(id int64, nickname string) (remaining []string, reclaimed bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, false, ErrNoSuchSession
	}
	r.scrub(s, nickname)
	if len(s.Members) == 0 {
		delete(r.sessions, id)
		return nil, true, nil
	}
	return append([]string(nil), s.Members...), false, nil
}

// RemoveEverywhere removes a user from every session's membership and call
// channels, reclaiming sessions that become empty. Returns the number of
// sessions reclaimed.
func (r *SessionRegistry) RemoveEverywhere(nickname string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	reclaimed := 0
	for id, s := range r.sessions {
		r.scrub(s, nickname)
		if len(s.Members) == 0 {
			delete(r.sessions, id)
			reclaimed++
		}
	}
	return reclaimed
}

// scrub removes one nickname from a session's parallel slices and channel
// participant sets. Caller holds the write lock.
func (r *SessionRegistry) scrub(s *model.Session, nickname string) {
	for i, m := range s.Members {
		if m == nickname {
			s.Members = append(s.Members[:i], s.Members[i+1:]...)
			s.Addrs = append(s.Addrs[:i], s.Addrs[i+1:]...)
			break
		}
	}
	for c := range s.Channels {
		delete(s.Channels[c].Participants, nickname)
	}
}

// JoinCall adds a participant to a session's call channel. Returns the
// channel's port and the addresses of all other current session members,
// excluding the joiner's own address.
func (r *SessionRegistry) JoinCall(id int64, channel int, nickname string) (port int, peerAddrs []string, err error) {
	if channel < 0 || channel >= model.NumChannels {
		return 0, nil, ErrBadChannel
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return 0, nil, ErrNoSuchSession
	}
	s.Channels[channel].Participants[nickname] = true
	for i, m := range s.Members {
		if m == nickname {
			continue
		}
		peerAddrs = append(peerAddrs, s.Addrs[i])
	}
	return s.ChannelPort(channel), peerAddrs, nil
}

// LeaveCall removes a participant from a call channel. Leaving twice, or a
// channel never joined, is a no-op.
func (r *SessionRegistry) LeaveCall(id int64, channel int, nickname string) error {
	if channel < 0 || channel >= model.NumChannels {
		return ErrBadChannel
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return ErrNoSuchSession
	}
	delete(s.Channels[channel].Participants, nickname)
	return nil
}

// CallList returns a snapshot of all channels' participant lists, sorted for
// stable output.
func (r *SessionRegistry) CallList(id int64) ([][]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrNoSuchSession
	}
	channels := make([][]string, model.NumChannels)
	for c := range s.Channels {
		names := make([]string, 0, len(s.Channels[c].Participants))
		for n := range s.Channels[c].Participants {
			names = append(names, n)
		}
		sort.Strings(names)
		channels[c] = names
	}
	return channels, nil
}

// Aligned reports whether a session's members and addresses are still
// index-aligned. Missing sessions report true (nothing to misalign).
func (r *SessionRegistry) Aligned(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return true
	}
	return len(s.Members) == len(s.Addrs)
}

// Count returns the number of live sessions.
func (r *SessionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
