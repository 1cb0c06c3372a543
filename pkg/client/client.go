// Package client implements the chat client: the control-plane connection,
// request helpers, and the glue that turns call grants into live audio.
package client

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/louiskop/go-voip-chat/pkg/audio"
	"github.com/louiskop/go-voip-chat/pkg/protocol"
	"github.com/louiskop/go-voip-chat/pkg/relay"
)

// Handlers holds callbacks for server-initiated events. Nil callbacks are
// skipped.
type Handlers struct {
	OnUserList      func(nicknames []string)
	OnNotify        func(sessionID int64)
	OnNotifyPrivate func(sessionID int64, members []string)
	OnSessionUsers  func(sessionID int64, members []string)
	OnMessage       func(from string, sessionID int64, text string)
	OnVoiceNote     func(from string, sessionID int64, data []byte)
	OnCallList      func(sessionID int64, channels [][]string)
	OnSessionClosed func(sessionID int64)
	OnError         func(reason string)
}

// AudioFactory builds the capture and playback devices for a call. Tests
// inject fakes; the default builds real devices.
type AudioFactory func() (audio.Capturer, audio.Player)

func defaultAudioFactory() (audio.Capturer, audio.Player) {
	return audio.NewCaptureDevice(), audio.NewPlaybackDevice()
}

// Client is one control-plane connection to the server.
type Client struct {
	conn     net.Conn
	writeMu  sync.Mutex
	handlers Handlers
	newAudio AudioFactory

	nickname string

	callMu sync.Mutex
	call   *relay.Call

	done chan struct{}
}

// Dial connects to the server's control plane.
func Dial(addr string) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("client: connect control: %w", err)
	}
	return New(conn), nil
}

// New wraps an established control connection.
func New(conn net.Conn) *Client {
	return &Client{
		conn:     conn,
		newAudio: defaultAudioFactory,
		done:     make(chan struct{}),
	}
}

// SetHandlers installs the event callbacks. Call before StartReceiving.
func (c *Client) SetHandlers(h Handlers) {
	c.handlers = h
}

// SetAudioFactory overrides how call audio devices are built.
func (c *Client) SetAudioFactory(f AudioFactory) {
	c.newAudio = f
}

// Nickname returns the registered nickname, empty before Register.
func (c *Client) Nickname() string {
	return c.nickname
}

func (c *Client) send(pkt *protocol.Packet) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return protocol.WritePacket(c.conn, pkt)
}

// Register claims a nickname and waits for the server's verdict. Must be
// called before StartReceiving; the response is read inline.
func (c *Client) Register(nickname string) error {
	if err := c.send(&protocol.Packet{Register: &protocol.Register{Nickname: nickname}}); err != nil {
		return fmt.Errorf("client: send register: %w", err)
	}

	pkt, err := protocol.ReadPacket(c.conn)
	if err != nil {
		return fmt.Errorf("client: read register response: %w", err)
	}
	switch {
	case pkt.Success != nil:
		c.nickname = nickname
		return nil
	case pkt.Error != nil:
		return errors.New(pkt.Error.Reason)
	default:
		return fmt.Errorf("client: unexpected %s response to register", pkt.Kind())
	}
}

// StartReceiving starts the goroutine that reads server packets and
// dispatches them to the handlers.
func (c *Client) StartReceiving() {
	go func() {
		defer close(c.done)
		defer c.stopCall()
		for {
			pkt, err := protocol.ReadPacket(c.conn)
			if err != nil {
				if errors.Is(err, protocol.ErrMalformed) {
					slog.Warn("malformed server packet skipped", "err", err)
					continue
				}
				if err != io.EOF {
					slog.Debug("control connection lost", "err", err)
				}
				return
			}
			c.handle(pkt)
		}
	}()
}

func (c *Client) handle(pkt *protocol.Packet) {
	h := c.handlers
	switch {
	case pkt.UserList != nil:
		if h.OnUserList != nil {
			h.OnUserList(pkt.UserList.Nicknames)
		}
	case pkt.Notify != nil:
		if h.OnNotify != nil {
			h.OnNotify(pkt.Notify.SessionID)
		}
	case pkt.NotifyPrivate != nil:
		if h.OnNotifyPrivate != nil {
			h.OnNotifyPrivate(pkt.NotifyPrivate.SessionID, pkt.NotifyPrivate.Members)
		}
	case pkt.SessionUsers != nil:
		if h.OnSessionUsers != nil {
			h.OnSessionUsers(pkt.SessionUsers.SessionID, pkt.SessionUsers.Members)
		}
	case pkt.Message != nil:
		if h.OnMessage != nil {
			h.OnMessage(pkt.Message.From, pkt.Message.SessionID, pkt.Message.Text)
		}
	case pkt.VoiceNote != nil:
		if h.OnVoiceNote != nil {
			h.OnVoiceNote(pkt.VoiceNote.From, pkt.VoiceNote.SessionID, pkt.VoiceNote.Data)
		}
	case pkt.Call != nil:
		c.handleCall(pkt.Call)
	case pkt.CallList != nil:
		if h.OnCallList != nil {
			h.OnCallList(pkt.CallList.SessionID, pkt.CallList.Channels)
		}
	case pkt.DisconnectSession != nil:
		if h.OnSessionClosed != nil {
			h.OnSessionClosed(pkt.DisconnectSession.SessionID)
		}
	case pkt.Error != nil:
		if h.OnError != nil {
			h.OnError(pkt.Error.Reason)
		}
	case pkt.Success != nil:
		// Acknowledgement with no payload; nothing to do.
	default:
		slog.Debug("ignoring server packet", "kind", pkt.Kind())
	}
}

// handleCall reacts to a call grant or a leave echo. A grant starts the UDP
// leg; the echo stops it.
func (c *Client) handleCall(call *protocol.Call) {
	if call.Leave {
		c.stopCall()
		return
	}

	capture, playback := c.newAudio()
	active, err := relay.Join(call.Port, call.Addresses, capture, playback)
	if err != nil {
		slog.Error("call setup failed", "port", call.Port, "err", err)
		if c.handlers.OnError != nil {
			c.handlers.OnError(err.Error())
		}
		return
	}

	c.callMu.Lock()
	if c.call != nil {
		c.call.Leave()
	}
	c.call = active
	c.callMu.Unlock()
}

func (c *Client) stopCall() {
	c.callMu.Lock()
	defer c.callMu.Unlock()
	if c.call != nil {
		c.call.Leave()
		c.call = nil
	}
}

// InCall reports whether a call is currently live.
func (c *Client) InCall() bool {
	c.callMu.Lock()
	defer c.callMu.Unlock()
	return c.call != nil
}

// Echo sends a round-trip test message.
func (c *Client) Echo(text string) error {
	return c.send(&protocol.Packet{Echo: &protocol.Echo{Text: text}})
}

// CreateSession asks the server for a new group session.
func (c *Client) CreateSession() error {
	return c.send(&protocol.Packet{Session: &protocol.Session{Kind: protocol.SessionKindGroup}})
}

// Invite adds another registered user to a session.
func (c *Client) Invite(sessionID int64, invitee string, private bool) error {
	return c.send(&protocol.Packet{Invite: &protocol.Invite{
		SessionID: sessionID,
		Invitee:   invitee,
		Private:   private,
	}})
}

// SendMessage sends a text message to a session.
func (c *Client) SendMessage(sessionID int64, text string) error {
	return c.send(&protocol.Packet{Message: &protocol.Message{
		From:      c.nickname,
		SessionID: sessionID,
		Text:      text,
	}})
}

// SendVoiceNote compresses a recorded PCM clip and sends it to a session.
func (c *Client) SendVoiceNote(sessionID int64, pcm []int16) error {
	data, err := audio.EncodeNote(pcm)
	if err != nil {
		return err
	}
	return c.send(&protocol.Packet{VoiceNote: &protocol.VoiceNote{
		From:      c.nickname,
		SessionID: sessionID,
		Data:      data,
	}})
}

// RecordVoiceNote captures audio for the given duration, compresses it, and
// sends it to a session. Blocks for the duration of the recording.
func (c *Client) RecordVoiceNote(sessionID int64, d time.Duration) error {
	capture, _ := c.newAudio()
	if err := capture.Start(); err != nil {
		return err
	}
	defer func() { _ = capture.Stop() }()

	frames := int(d.Seconds() * float64(audio.SampleRate) / float64(audio.FrameSamples))
	pcm := make([]int16, 0, frames*audio.FrameSamples)
	for i := 0; i < frames; i++ {
		frame, err := capture.ReadFrame()
		if err != nil {
			return err
		}
		pcm = append(pcm, frame...)
	}
	return c.SendVoiceNote(sessionID, pcm)
}

// PlayVoiceNote decodes a received note and plays it, blocking until the
// clip ends.
func (c *Client) PlayVoiceNote(data []byte) error {
	pcm, err := audio.DecodeNote(data)
	if err != nil {
		return err
	}

	_, playback := c.newAudio()
	if err := playback.Start(); err != nil {
		return err
	}
	defer func() { _ = playback.Stop() }()

	for off := 0; off < len(pcm); off += audio.FrameSamples {
		end := off + audio.FrameSamples
		if end > len(pcm) {
			end = len(pcm)
		}
		if err := playback.WriteFrame(pcm[off:end]); err != nil {
			return err
		}
	}
	return nil
}

// JoinCall asks to join one of a session's call channels. The audio leg
// starts when the grant arrives.
func (c *Client) JoinCall(sessionID int64, channel int) error {
	return c.send(&protocol.Packet{Call: &protocol.Call{
		SessionID: sessionID,
		Channel:   channel,
	}})
}

// LeaveCall asks to leave a call channel. Audio stops when the echo
// arrives.
func (c *Client) LeaveCall(sessionID int64, channel int) error {
	return c.send(&protocol.Packet{Call: &protocol.Call{
		SessionID: sessionID,
		Channel:   channel,
		Leave:     true,
	}})
}

// RequestUserList asks for the current roster.
func (c *Client) RequestUserList() error {
	return c.send(&protocol.Packet{GetUserList: &protocol.GetUserList{}})
}

// RequestCallList asks for a session's call channel occupancy.
func (c *Client) RequestCallList(sessionID int64) error {
	return c.send(&protocol.Packet{CallList: &protocol.CallList{SessionID: sessionID}})
}

// LeaveSession removes this client from a session's membership.
func (c *Client) LeaveSession(sessionID int64) error {
	return c.send(&protocol.Packet{DisconnectSession: &protocol.DisconnectSession{SessionID: sessionID}})
}

// Disconnect tells the server we are leaving and closes the connection.
func (c *Client) Disconnect() error {
	err := c.send(&protocol.Packet{Disconnect: &protocol.Disconnect{}})
	_ = c.conn.Close()
	return err
}

// Close tears the connection down without the goodbye.
func (c *Client) Close() error {
	c.stopCall()
	return c.conn.Close()
}

// Done is closed once the receive loop has exited.
func (c *Client) Done() <-chan struct{} {
	return c.done
}
