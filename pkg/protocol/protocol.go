// Package protocol defines the chat packet schema and control message framing.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const (
	// Version is the wire format version carried in every packet.
	Version = 1

	// MaxPacketSize is the maximum framed packet size (64KB). Voice notes
	// are the largest payloads and are capped well below this by clients.
	MaxPacketSize = 65536

	// FrameBytes is the fixed audio frame size carried in one call datagram.
	FrameBytes = 1000

	// SampleRate is the call audio sample rate in Hz. Together with 16-bit
	// signed mono big-endian samples this is fixed and non-negotiable; every
	// participant must produce and consume exactly this format.
	SampleRate = 8000

	// FrameSamples is the number of 16-bit samples in one audio frame.
	FrameSamples = FrameBytes / 2
)

// ErrMalformed wraps decode failures of a fully read frame. The stream is
// still framed and usable; callers may skip the packet and keep reading.
// I/O errors (EOF, closed connection) are returned unwrapped and are fatal
// to the connection.
var ErrMalformed = errors.New("protocol: malformed packet")

// WritePacket writes a length-prefixed JSON packet to a writer.
// Format: [4-byte big-endian length][JSON payload]
func WritePacket(w io.Writer, pkt *Packet) error {
	pkt.V = Version
	data, err := json.Marshal(pkt)
	if err != nil {
		return fmt.Errorf("protocol: marshal: %w", err)
	}
	if len(data) > MaxPacketSize {
		return fmt.Errorf("protocol: packet too large: %d bytes", len(data))
	}

	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(data))) //nolint:gosec // length bounds-checked above
	if _, err := w.Write(lenBuf); err != nil {
		return fmt.Errorf("protocol: write length: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("protocol: write payload: %w", err)
	}
	return nil
}

// ReadPacket reads a length-prefixed JSON packet from a reader.
//
// A frame that arrives intact but fails to decode (bad JSON, wrong version,
// oversized announced length) is reported as an error wrapping ErrMalformed,
// distinguishable from a dead connection. Errors from the reader itself are
// passed through untouched.
func ReadPacket(r io.Reader) (*Packet, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf)
	if length > MaxPacketSize {
		// Drain the announced payload so the stream stays framed and the
		// caller can keep reading; a short drain means the stream is dead.
		if _, err := io.CopyN(io.Discard, r, int64(length)); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: announced length %d", ErrMalformed, length)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}

	pkt := &Packet{}
	if err := json.Unmarshal(data, pkt); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if pkt.V != Version {
		return nil, fmt.Errorf("%w: version %d, want %d", ErrMalformed, pkt.V, Version)
	}
	return pkt, nil
}
