package audio

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/gordonklaus/portaudio"
)

// PlaybackDevice plays mono PCM audio on the default output device.
type PlaybackDevice struct {
	stream  *portaudio.Stream
	buffer  []int16
	mu      sync.Mutex
	running bool
}

// NewPlaybackDevice creates a playback device consuming call-sized frames.
func NewPlaybackDevice() *PlaybackDevice {
	return &PlaybackDevice{buffer: make([]int16, FrameSamples)}
}

// Start opens the default output device and begins playback.
func (p *PlaybackDevice) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := ensureInit(); err != nil {
		return fmt.Errorf("audio: init portaudio: %w", err)
	}
	output, err := portaudio.DefaultOutputDevice()
	if err != nil {
		return fmt.Errorf("audio: no output device: %w", err)
	}

	params := portaudio.LowLatencyParameters(nil, output)
	params.Output.Channels = 1
	params.Input.Device = nil
	params.Input.Channels = 0
	params.SampleRate = SampleRate
	params.FramesPerBuffer = FrameSamples

	stream, err := portaudio.OpenStream(params, p.buffer)
	if err != nil {
		return fmt.Errorf("audio: open playback stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return fmt.Errorf("audio: start playback: %w", err)
	}

	p.stream = stream
	p.running = true
	slog.Debug("audio playback started", "device", output.Name, "rate", SampleRate)
	return nil
}

// WriteFrame blocks until one frame has been queued for playback. Short
// frames, as a truncated final datagram produces, are zero-padded.
func (p *PlaybackDevice) WriteFrame(frame []int16) error {
	if len(frame) > len(p.buffer) {
		return fmt.Errorf("audio: frame too large: got %d samples, max %d", len(frame), len(p.buffer))
	}
	n := copy(p.buffer, frame)
	for i := n; i < len(p.buffer); i++ {
		p.buffer[i] = 0
	}
	if err := p.stream.Write(); err != nil {
		return fmt.Errorf("audio: write frame: %w", err)
	}
	return nil
}

// Stop stops playback. Safe to call more than once.
func (p *PlaybackDevice) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return nil
	}
	p.running = false

	if p.stream != nil {
		_ = p.stream.Stop()
		_ = p.stream.Close()
	}
	slog.Debug("audio playback stopped")
	return nil
}
