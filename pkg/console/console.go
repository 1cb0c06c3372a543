// Package console serves a WebSocket feed of server events and roster
// changes for operator tooling.
package console

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// Frame is the JSON payload pushed to console subscribers.
type Frame struct {
	Type   string   `json:"type"` // "event" or "roster"
	Text   string   `json:"text,omitempty"`
	Roster []string `json:"roster,omitempty"`
}

type subscriber struct {
	socket *websocket.Conn
	send   chan Frame
}

// Console fans server events out to any number of WebSocket subscribers. It
// plugs into the server as both an event sink and a roster sink.
type Console struct {
	upgrader websocket.Upgrader

	mu         sync.RWMutex
	subs       map[*subscriber]bool
	lastRoster []string

	ln     net.Listener
	server *http.Server
}

// New creates a console with no subscribers.
func New() *Console {
	return &Console{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Operator tooling runs anywhere; the feed is read-only.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		subs: make(map[*subscriber]bool),
	}
}

// Listen binds the console address. Split from Serve so callers can bind
// port 0 and read the real address back.
func (c *Console) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	c.ln = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", c.handleWS)
	c.server = &http.Server{Handler: mux}
	return nil
}

// Addr returns the bound address.
func (c *Console) Addr() string {
	if c.ln == nil {
		return ""
	}
	return c.ln.Addr().String()
}

// Serve accepts console connections until Close. Blocks; run it in a
// goroutine.
func (c *Console) Serve() error {
	err := c.server.Serve(c.ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Subscribers returns the number of connected console clients.
func (c *Console) Subscribers() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subs)
}

// Close stops the listener and disconnects all subscribers.
func (c *Console) Close() error {
	c.mu.Lock()
	for sub := range c.subs {
		close(sub.send)
		delete(c.subs, sub)
	}
	c.mu.Unlock()
	if c.server != nil {
		return c.server.Close()
	}
	return nil
}

func (c *Console) handleWS(w http.ResponseWriter, r *http.Request) {
	socket, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("console upgrade failed", "err", err)
		return
	}

	sub := &subscriber{socket: socket, send: make(chan Frame, 64)}

	// New subscribers start with the current roster. The queue happens under
	// the lock so a concurrent Close cannot race it.
	c.mu.Lock()
	if c.lastRoster != nil {
		sub.send <- Frame{Type: "roster", Roster: c.lastRoster}
	}
	c.subs[sub] = true
	c.mu.Unlock()

	go c.writePump(sub)
	c.readPump(sub)
}

// readPump discards client frames; the feed is one-way. It exists so peer
// closes are noticed promptly.
func (c *Console) readPump(sub *subscriber) {
	defer c.drop(sub)
	for {
		if _, _, err := sub.socket.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *Console) writePump(sub *subscriber) {
	for frame := range sub.send {
		data, err := json.Marshal(frame)
		if err != nil {
			continue
		}
		if err := sub.socket.WriteMessage(websocket.TextMessage, data); err != nil {
			c.drop(sub)
			return
		}
	}
	_ = sub.socket.WriteMessage(websocket.CloseMessage, []byte{})
	_ = sub.socket.Close()
}

func (c *Console) drop(sub *subscriber) {
	c.mu.Lock()
	if c.subs[sub] {
		delete(c.subs, sub)
		close(sub.send)
	}
	c.mu.Unlock()
	_ = sub.socket.Close()
}

func (c *Console) push(frame Frame) {
	// Sends happen under the read lock so drop's close of the channel can
	// never race a send.
	c.mu.RLock()
	defer c.mu.RUnlock()
	for sub := range c.subs {
		select {
		case sub.send <- frame:
		default:
			// Slow console clients lose frames rather than stall the server.
		}
	}
}

// Record forwards an operator event to all subscribers.
func (c *Console) Record(text string) {
	c.push(Frame{Type: "event", Text: text})
}

// Update forwards a roster change to all subscribers and remembers it for
// late joiners.
func (c *Console) Update(nicknames []string) {
	c.mu.Lock()
	c.lastRoster = append([]string(nil), nicknames...)
	c.mu.Unlock()
	c.push(Frame{Type: "roster", Roster: nicknames})
}
