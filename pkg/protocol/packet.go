package protocol

// Packet is the control-plane message exchanged between client and server.
// Exactly one variant field is set; the variant determines which fields are
// meaningful. A packet with no known variant set is classified as
// KindUnrecognized rather than failing decode, so newer clients degrade
// gracefully against older servers and vice versa.
type Packet struct {
	// V is the wire format version, checked on decode. See Version.
	V int `json:"v"`

	Echo              *Echo              `json:"echo,omitempty"`
	Register          *Register          `json:"register,omitempty"`
	Success           *Success           `json:"success,omitempty"`
	Error             *ErrorInfo         `json:"error,omitempty"`
	GetUserList       *GetUserList       `json:"get_user_list,omitempty"`
	UserList          *UserList          `json:"user_list,omitempty"`
	Session           *Session           `json:"session,omitempty"`
	Invite            *Invite            `json:"invite,omitempty"`
	Notify            *Notify            `json:"notify,omitempty"`
	NotifyPrivate     *NotifyPrivate     `json:"notify_private,omitempty"`
	SessionUsers      *SessionUsers      `json:"session_users,omitempty"`
	Message           *Message           `json:"message,omitempty"`
	VoiceNote         *VoiceNote         `json:"voicenote,omitempty"`
	Call              *Call              `json:"call,omitempty"`
	CallList          *CallList          `json:"calllist,omitempty"`
	Disconnect        *Disconnect        `json:"disconnect,omitempty"`
	DisconnectSession *DisconnectSession `json:"disconnect_session,omitempty"`
}

// KindUnrecognized is returned by Kind for packets with no known variant.
const KindUnrecognized = "unrecognized"

// Kind returns the wire name of the set variant, or KindUnrecognized.
func (p *Packet) Kind() string {
	switch {
	case p.Echo != nil:
		return "echo"
	case p.Register != nil:
		return "register"
	case p.Success != nil:
		return "success"
	case p.Error != nil:
		return "error"
	case p.GetUserList != nil:
		return "getUserList"
	case p.UserList != nil:
		return "userList"
	case p.Session != nil:
		return "session"
	case p.Invite != nil:
		return "invite"
	case p.Notify != nil:
		return "notify"
	case p.NotifyPrivate != nil:
		return "notifyPrivate"
	case p.SessionUsers != nil:
		return "sessionUsers"
	case p.Message != nil:
		return "message"
	case p.VoiceNote != nil:
		return "voicenote"
	case p.Call != nil:
		return "call"
	case p.CallList != nil:
		return "calllist"
	case p.Disconnect != nil:
		return "disconnect"
	case p.DisconnectSession != nil:
		return "disconnectSession"
	default:
		return KindUnrecognized
	}
}

// Echo is a round-trip test request; the server logs the text and echoes
// the packet back.
type Echo struct {
	Text string `json:"text"`
}

// Register claims a nickname for this connection.
type Register struct {
	Nickname string `json:"nickname"`
}

// Success acknowledges a request that produces no other response.
type Success struct{}

// ErrorInfo reports a protocol error back to the offending client only.
type ErrorInfo struct {
	Reason string `json:"reason"`
}

// GetUserList asks for a snapshot of all registered nicknames.
type GetUserList struct{}

// UserList carries the current roster of registered nicknames.
type UserList struct {
	Nicknames []string `json:"nicknames"`
}

// Session requests a new session (Kind set, ID unread) or reports the
// assigned session id back to the creator (ID set, Kind empty).
type Session struct {
	Kind string `json:"kind,omitempty"` // "group" or "direct"
	ID   int64  `json:"id"`
}

// SessionKindGroup marks a session whose creation opens a group view on the
// creating client.
const SessionKindGroup = "group"

// Invite adds a registered user to an existing session.
type Invite struct {
	SessionID int64  `json:"session_id"`
	Invitee   string `json:"invitee"`
	Private   bool   `json:"private,omitempty"`
}

// Notify tells a client it has been added to a session.
type Notify struct {
	SessionID int64 `json:"session_id"`
}

// NotifyPrivate tells all members of a private session about its membership.
type NotifyPrivate struct {
	SessionID int64    `json:"session_id"`
	Members   []string `json:"members"`
}

// SessionUsers carries the current insertion-ordered membership of a session.
type SessionUsers struct {
	SessionID int64    `json:"session_id"`
	Members   []string `json:"members"`
}

// Message is a text message addressed to a session.
type Message struct {
	From      string `json:"from"`
	SessionID int64  `json:"session_id"`
	Text      string `json:"text"`
}

// VoiceNote is a recorded, Opus-compressed audio clip addressed to a session.
type VoiceNote struct {
	From      string `json:"from"`
	SessionID int64  `json:"session_id"`
	Data      []byte `json:"data"`
}

// Call joins or leaves one of a session's four call channels. The join
// response is the same variant with Port and the addresses of all other
// current session members filled in; the caller's own address is excluded.
// A leave request is echoed back unchanged.
type Call struct {
	SessionID int64    `json:"session_id"`
	Channel   int      `json:"channel"`
	Leave     bool     `json:"leave,omitempty"`
	Port      int      `json:"port,omitempty"`
	Addresses []string `json:"addresses,omitempty"`
}

// CallList requests (Channels nil) or carries (Channels set) the participant
// lists of all four call channels of a session.
type CallList struct {
	SessionID int64      `json:"session_id"`
	Channels  [][]string `json:"channels,omitempty"`
}

// Disconnect unregisters the caller and closes the connection.
type Disconnect struct{}

// DisconnectSession removes the caller from a session's membership.
type DisconnectSession struct {
	SessionID int64 `json:"session_id"`
}
