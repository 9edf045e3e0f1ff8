package media

import (
	"context"
	"errors"
	"time"
)

// FrameDuration is the length of one Opus frame produced by a capture.
const FrameDuration = 20 * time.Millisecond

// SilentLevel is the RFC 6464 level of digital silence, in -dBov.
const SilentLevel = 127

// ErrMicrophoneDenied is returned by Microphone.Open when the capture device
// may not be used. Start aborts and leaves nothing open.
var ErrMicrophoneDenied = errors.New("media: microphone permission denied")

// Frame is one encoded audio frame.
type Frame struct {
	Data     []byte        // Opus payload
	Duration time.Duration // playout length
	Level    uint8         // audio level in -dBov, 0 is loudest
}

// Microphone opens the local audio-only capture device.
type Microphone interface {
	Open(ctx context.Context) (Capture, error)
}

// Capture is an open capture stream. ReadFrame blocks until the next frame
// is due.
type Capture interface {
	ReadFrame(ctx context.Context) (Frame, error)
	Close() error
}

// opusSilence is a single 20ms Opus frame of comfort silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// SilenceMicrophone is a synthetic capture device that produces silent
// Opus frames in real time. Headless clients use it in place of a sound card.
type SilenceMicrophone struct{}

// Open starts a silent capture.
func (SilenceMicrophone) Open(context.Context) (Capture, error) {
	return &silenceCapture{ticker: time.NewTicker(FrameDuration)}, nil
}

type silenceCapture struct {
	ticker *time.Ticker
}

func (c *silenceCapture) ReadFrame(ctx context.Context) (Frame, error) {
	select {
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case <-c.ticker.C:
		return Frame{Data: opusSilence, Duration: FrameDuration, Level: SilentLevel}, nil
	}
}

func (c *silenceCapture) Close() error {
	c.ticker.Stop()
	return nil
}
