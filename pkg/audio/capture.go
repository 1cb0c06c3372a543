package audio

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/gordonklaus/portaudio"
)

var initOnce sync.Once

func ensureInit() error {
	var err error
	initOnce.Do(func() {
		err = portaudio.Initialize()
	})
	return err
}

// CaptureDevice captures mono PCM audio from the default input device.
type CaptureDevice struct {
	stream  *portaudio.Stream
	buffer  []int16
	mu      sync.Mutex
	running bool
}

// NewCaptureDevice creates a capture device producing call-sized frames.
func NewCaptureDevice() *CaptureDevice {
	return &CaptureDevice{buffer: make([]int16, FrameSamples)}
}

// Start opens the default input device and begins capture.
func (c *CaptureDevice) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ensureInit(); err != nil {
		return fmt.Errorf("audio: init portaudio: %w", err)
	}
	input, err := portaudio.DefaultInputDevice()
	if err != nil {
		return fmt.Errorf("audio: no input device: %w", err)
	}

	params := portaudio.LowLatencyParameters(input, nil)
	params.Input.Channels = 1
	params.Output.Device = nil
	params.Output.Channels = 0
	params.SampleRate = SampleRate
	params.FramesPerBuffer = FrameSamples

	stream, err := portaudio.OpenStream(params, c.buffer)
	if err != nil {
		return fmt.Errorf("audio: open capture stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return fmt.Errorf("audio: start capture: %w", err)
	}

	c.stream = stream
	c.running = true
	slog.Debug("audio capture started", "device", input.Name, "rate", SampleRate)
	return nil
}

// ReadFrame blocks until one frame of PCM audio is available and returns a
// copy of it.
func (c *CaptureDevice) ReadFrame() ([]int16, error) {
	if err := c.stream.Read(); err != nil {
		return nil, fmt.Errorf("audio: read frame: %w", err)
	}
	frame := make([]int16, len(c.buffer))
	copy(frame, c.buffer)
	return frame, nil
}

// Stop stops capture. Safe to call more than once.
func (c *CaptureDevice) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return nil
	}
	c.running = false

	if c.stream != nil {
		_ = c.stream.Stop()
		_ = c.stream.Close()
	}
	return nil
}
