// Package audio captures microphone frames with backpressure
package audio

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	apperr "github.com/voxturn/platform/internal/errors"
)

// Frame is one fixed-duration block of captured samples.
type Frame struct {
	Samples []float32
	At      time.Time
}

// Capturer reads fixed-size frames from the default input device.
type Capturer struct {
	outCh      chan Frame
	sampleRate int
	frameSize  int

	mu      sync.Mutex
	stream  *portaudio.Stream
	cancel  context.CancelFunc
	running bool
	paused  bool
}

// NewCapturer initializes portaudio and prepares a capturer.
func NewCapturer(sampleRate, frameSize, buffer int) (*Capturer, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, apperr.Wrap(err, apperr.CodeDeviceUnavailable, "initialize audio")
	}
	return &Capturer{
		outCh:      make(chan Frame, buffer),
		sampleRate: sampleRate,
		frameSize:  frameSize,
	}, nil
}

// Output returns the channel of captured frames.
func (c *Capturer) Output() <-chan Frame { return c.outCh }

// Start opens the default input device and begins reading frames on a
// dedicated goroutine.
func (c *Capturer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}

	buf := make([]float32, c.frameSize)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(c.sampleRate), c.frameSize, buf)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeDeviceUnavailable, "open input device")
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return apperr.Wrap(err, apperr.CodeDeviceUnavailable, "start input stream")
	}

	capCtx, cancel := context.WithCancel(ctx)
	c.stream = stream
	c.cancel = cancel
	c.running = true

	go func() {
		for {
			select {
			case <-capCtx.Done():
				return
			default:
			}

			if err := stream.Read(); err != nil {
				slog.Debug("audio read error", "error", err)
				return
			}

			c.deliver(Frame{
				Samples: append([]float32(nil), buf...),
				At:      time.Now(),
			})
		}
	}()

	slog.Info("audio capture started", "sample_rate", c.sampleRate, "frame_size", c.frameSize)
	return nil
}

// deliver hands one frame to the consumer. Paused frames are discarded and
// a full channel drops the frame rather than blocking the read loop.
func (c *Capturer) deliver(frame Frame) bool {
	c.mu.Lock()
	paused := c.paused
	c.mu.Unlock()
	if paused {
		return false
	}

	select {
	case c.outCh <- frame:
		return true
	default:
		slog.Debug("audio buffer full, dropping frame")
		return false
	}
}

// SetPaused suspends or resumes frame delivery without closing the device.
// Used when capture is configured to pause across the handoff boundary.
func (c *Capturer) SetPaused(paused bool) {
	c.mu.Lock()
	c.paused = paused
	c.mu.Unlock()
}

// Stop closes the input stream and terminates portaudio.
func (c *Capturer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	c.running = false
	if c.cancel != nil {
		c.cancel()
	}
	if c.stream != nil {
		_ = c.stream.Stop()
		_ = c.stream.Close()
		c.stream = nil
	}
	_ = portaudio.Terminate()
}

// FrameDuration returns the wall-clock duration of one frame.
func (c *Capturer) FrameDuration() time.Duration {
	return time.Duration(float64(c.frameSize) / float64(c.sampleRate) * float64(time.Second))
}
