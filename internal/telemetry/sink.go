// Package telemetry records call phase transitions as JSON lines, from
// clients and from the servers that commit them. Writes go through a diode
// ring buffer so a slow sink drops lines instead of stalling
// the call flow.
package telemetry

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/diode"

	"github.com/whisper/callengine/internal/call"
)

const (
	// DefaultBufferSize is the number of lines the diode holds.
	DefaultBufferSize = 1000

	pollInterval = 10 * time.Millisecond
)

// Sink writes one line per transition:
// {"level":"info","session":…,"identity":…,"from":…,"to":…,"reason":…,"time":…}
type Sink struct {
	writer  diode.Writer
	logger  zerolog.Logger
	dropped atomic.Int64
}

// NewSink wraps out in a non-blocking diode writer.
func NewSink(out io.Writer, bufferSize int) *Sink {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	s := &Sink{}
	s.writer = diode.NewWriter(out, bufferSize, pollInterval, func(missed int) {
		s.dropped.Add(int64(missed))
		log.Printf("[telemetry] dropped %d transition lines", missed)
	})
	s.logger = zerolog.New(s.writer).With().Timestamp().Logger()
	return s
}

// Open creates a sink for path: "-" is stdout, anything else a file opened
// for appending. Closing the sink closes the file but never stdout.
func Open(path string) (*Sink, error) {
	if path == "-" {
		return NewSink(struct{ io.Writer }{os.Stdout}, 0), nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("telemetry: open %s: %w", path, err)
	}
	return NewSink(f, 0), nil
}

// Transition records one phase change.
func (s *Sink) Transition(sessionID, identity string, from, to call.Phase, reason string) {
	s.logger.Info().
		Str("session", sessionID).
		Str("identity", identity).
		Str("from", string(from)).
		Str("to", string(to)).
		Str("reason", reason).
		Send()
}

// Observer returns a phase observer for one client. session is read at
// each transition because the session id is only known after matching.
func (s *Sink) Observer(identity string, session func() string) call.PhaseObserver {
	return func(from, to call.Phase, reason string) {
		s.Transition(session(), identity, from, to, reason)
	}
}

// Dropped returns the number of lines lost to a full buffer.
func (s *Sink) Dropped() int64 {
	return s.dropped.Load()
}

// Close flushes pending lines and closes the underlying writer if it is
// closable.
func (s *Sink) Close() error {
	return s.writer.Close()
}
