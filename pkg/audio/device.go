// Package audio provides audio capture, playback, PCM wire conversion, and
// Opus voice-note encoding.
package audio

import (
	"encoding/binary"
	"fmt"

	"github.com/louiskop/go-voip-chat/pkg/protocol"
)

const (
	// SampleRate is the capture and playback rate for live calls.
	SampleRate = protocol.SampleRate
	// FrameSamples is the number of samples in one call frame.
	FrameSamples = protocol.FrameSamples
)

// Capturer reads PCM frames from an input source. Implementations back it
// with a microphone; tests back it with canned frames.
type Capturer interface {
	Start() error
	ReadFrame() ([]int16, error)
	Stop() error
}

// Player writes PCM frames to an output sink.
type Player interface {
	Start() error
	WriteFrame(frame []int16) error
	Stop() error
}

// PCMToBytes serialises a PCM frame as big-endian 16-bit samples, the layout
// call datagrams use on the wire.
func PCMToBytes(pcm []int16) []byte {
	out := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		binary.BigEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// BytesToPCM parses big-endian 16-bit samples back into a PCM frame.
func BytesToPCM(data []byte) ([]int16, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("audio: odd sample payload of %d bytes", len(data))
	}
	pcm := make([]int16, len(data)/2)
	for i := range pcm {
		pcm[i] = int16(binary.BigEndian.Uint16(data[i*2:]))
	}
	return pcm, nil
}
