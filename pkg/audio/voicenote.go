package audio

import (
	"encoding/binary"
	"fmt"

	"github.com/hraban/opus"
)

const (
	noteFrameSamples = 160 // 20ms at 8kHz, a legal Opus frame duration
	noteBitrate      = 24000
	maxNoteChunk     = 1024
)

// EncodeNote compresses a recorded PCM clip with Opus for transport inside a
// voice note packet. The payload is a sequence of chunks, each prefixed with
// its big-endian 16-bit length. The final frame is zero-padded to a full
// frame duration.
func EncodeNote(pcm []int16) ([]byte, error) {
	enc, err := opus.NewEncoder(SampleRate, 1, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("audio: new note encoder: %w", err)
	}
	_ = enc.SetBitrate(noteBitrate)

	out := make([]byte, 0, len(pcm)/4)
	buf := make([]byte, maxNoteChunk)
	frame := make([]int16, noteFrameSamples)
	for off := 0; off < len(pcm); off += noteFrameSamples {
		n := copy(frame, pcm[off:])
		for i := n; i < noteFrameSamples; i++ {
			frame[i] = 0
		}
		size, err := enc.Encode(frame, buf)
		if err != nil {
			return nil, fmt.Errorf("audio: encode note frame: %w", err)
		}
		var hdr [2]byte
		binary.BigEndian.PutUint16(hdr[:], uint16(size))
		out = append(out, hdr[:]...)
		out = append(out, buf[:size]...)
	}
	return out, nil
}

// DecodeNote expands an Opus voice note payload back into PCM for playback.
func DecodeNote(data []byte) ([]int16, error) {
	dec, err := opus.NewDecoder(SampleRate, 1)
	if err != nil {
		return nil, fmt.Errorf("audio: new note decoder: %w", err)
	}

	var pcm []int16
	frame := make([]int16, noteFrameSamples)
	for off := 0; off < len(data); {
		if off+2 > len(data) {
			return nil, fmt.Errorf("audio: truncated note chunk header at %d", off)
		}
		size := int(binary.BigEndian.Uint16(data[off:]))
		off += 2
		if off+size > len(data) {
			return nil, fmt.Errorf("audio: truncated note chunk at %d", off)
		}
		n, err := dec.Decode(data[off:off+size], frame)
		if err != nil {
			return nil, fmt.Errorf("audio: decode note frame: %w", err)
		}
		pcm = append(pcm, frame[:n]...)
		off += size
	}
	return pcm, nil
}
