// Package relay runs the UDP leg of a live call: a full mesh in which every
// participant binds the channel's port and streams raw PCM datagrams
// directly to every peer.
package relay

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/louiskop/go-voip-chat/pkg/audio"
	"github.com/louiskop/go-voip-chat/pkg/protocol"
)

// Call is one active call membership: a bound UDP socket plus the capture
// and playback loops feeding it. A Call streams until Leave is called or a
// device fails.
type Call struct {
	conn     *net.UDPConn
	capture  audio.Capturer
	playback audio.Player
	peers    []*net.UDPAddr
	port     int

	once sync.Once
	done chan struct{}
}

// Join binds the channel port, starts the audio devices, and begins
// streaming to peers. Peer addresses are bare hosts, which use the same
// channel port, or explicit host:port pairs.
func Join(port int, peerAddrs []string, capture audio.Capturer, playback audio.Player) (*Call, error) {
	peers := make([]*net.UDPAddr, 0, len(peerAddrs))
	for _, pa := range peerAddrs {
		addr, err := resolvePeer(pa, port)
		if err != nil {
			return nil, err
		}
		peers = append(peers, addr)
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, fmt.Errorf("relay: bind call port %d: %w", port, err)
	}
	_ = conn.SetReadBuffer(512 * 1024)
	_ = conn.SetWriteBuffer(512 * 1024)

	if err := capture.Start(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := playback.Start(); err != nil {
		_ = capture.Stop()
		_ = conn.Close()
		return nil, err
	}

	c := &Call{
		conn:     conn,
		capture:  capture,
		playback: playback,
		peers:    peers,
		port:     port,
		done:     make(chan struct{}),
	}
	go c.captureLoop()
	go c.playbackLoop()
	slog.Info("joined call", "port", port, "peers", len(peers))
	return c, nil
}

// Port returns the bound call port.
func (c *Call) Port() int { return c.port }

// Done is closed once the call has fully stopped.
func (c *Call) Done() <-chan struct{} { return c.done }

// captureLoop reads microphone frames and fans each one out to every peer.
// A capture failure ends this participant's call; peers keep talking.
func (c *Call) captureLoop() {
	for {
		select {
		case <-c.done:
			return
		default:
		}

		frame, err := c.capture.ReadFrame()
		if err != nil {
			select {
			case <-c.done:
			default:
				slog.Error("capture failed, leaving call", "port", c.port, "err", err)
				c.Leave()
			}
			return
		}

		data := audio.PCMToBytes(frame)
		for _, peer := range c.peers {
			if _, err := c.conn.WriteToUDP(data, peer); err != nil {
				slog.Debug("voice send failed", "peer", peer.String(), "err", err)
			}
		}
	}
}

// playbackLoop reads incoming datagrams and plays them in arrival order.
func (c *Call) playbackLoop() {
	buf := make([]byte, protocol.FrameBytes)
	for {
		n, _, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-c.done:
			default:
				slog.Debug("voice read error", "err", err)
				c.Leave()
			}
			return
		}

		frame, err := audio.BytesToPCM(buf[:n])
		if err != nil {
			continue
		}
		if err := c.playback.WriteFrame(frame); err != nil {
			select {
			case <-c.done:
			default:
				slog.Error("playback failed, leaving call", "port", c.port, "err", err)
				c.Leave()
			}
			return
		}
	}
}

// Leave stops both audio loops and releases the socket. Idempotent; safe to
// call from any goroutine.
func (c *Call) Leave() {
	c.once.Do(func() {
		close(c.done)
		_ = c.capture.Stop()
		_ = c.playback.Stop()
		_ = c.conn.Close()
		slog.Info("left call", "port", c.port)
	})
}

// resolvePeer parses a peer address, defaulting the port to the channel
// port when the address is a bare host.
func resolvePeer(addr string, port int) (*net.UDPAddr, error) {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(strings.Trim(addr, "[]"), strconv.Itoa(port))
	}
	resolved, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("relay: resolve peer %q: %w", addr, err)
	}
	return resolved, nil
}
