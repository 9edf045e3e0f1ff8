package media

import (
	"context"
	"encoding/json"

	"github.com/pion/webrtc/v3"
)

// Signal types exchanged through the relay.
const (
	SignalOffer        = "offer"
	SignalAnswer       = "answer"
	SignalICECandidate = "ice-candidate"
)

// Signal is one negotiation message addressed to this side.
type Signal struct {
	ID      string
	Type    string
	Payload json.RawMessage
}

// Signaler is the driver's view of the signaling relay.
type Signaler interface {
	// SendSignal delivers payload to the partner in sessionID.
	SendSignal(ctx context.Context, sessionID, signalType string, payload any) error
	// Subscribe streams signals addressed to this side. The returned
	// function ends the subscription.
	Subscribe(sessionID string) (<-chan Signal, func())
	// LatestOffer returns the newest offer addressed to this side, or nil.
	LatestOffer(ctx context.Context, sessionID string) (*Signal, error)
}

// candidateRing holds remote ICE candidates that arrived before the remote
// description. When full the oldest candidate is dropped.
type candidateRing struct {
	buf   []webrtc.ICECandidateInit
	start int
	n     int
}

func newCandidateRing(size int) *candidateRing {
	return &candidateRing{buf: make([]webrtc.ICECandidateInit, size)}
}

// push appends c and reports whether an older candidate was dropped.
func (r *candidateRing) push(c webrtc.ICECandidateInit) bool {
	if len(r.buf) == 0 {
		return true
	}
	if r.n == len(r.buf) {
		r.buf[r.start] = c
		r.start = (r.start + 1) % len(r.buf)
		return true
	}
	r.buf[(r.start+r.n)%len(r.buf)] = c
	r.n++
	return false
}

// drain returns the buffered candidates oldest first and empties the ring.
func (r *candidateRing) drain() []webrtc.ICECandidateInit {
	out := make([]webrtc.ICECandidateInit, 0, r.n)
	for i := 0; i < r.n; i++ {
		out = append(out, r.buf[(r.start+i)%len(r.buf)])
	}
	r.start, r.n = 0, 0
	return out
}

func (r *candidateRing) len() int {
	return r.n
}
