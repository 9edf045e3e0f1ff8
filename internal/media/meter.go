package media

import (
	"math"
	"sync/atomic"

	"github.com/pion/rtp"
)

// meterSmoothing is the weight of the previous reading.
const meterSmoothing = 0.7

// Meter tracks the remote audio level from RFC 6464 header extensions. The
// reading is for UI feedback only.
type Meter struct {
	bits atomic.Uint64 // float64 in [0, 1]
}

// Level returns the smoothed linear level, 0 silent and 1 full scale.
func (m *Meter) Level() float64 {
	return math.Float64frombits(m.bits.Load())
}

// Observe folds one -dBov reading into the meter.
func (m *Meter) Observe(dBov uint8) {
	if dBov > SilentLevel {
		dBov = SilentLevel
	}
	sample := 0.0
	if dBov < SilentLevel {
		sample = math.Pow(10, -float64(dBov)/20)
	}
	for {
		old := m.bits.Load()
		next := meterSmoothing*math.Float64frombits(old) + (1-meterSmoothing)*sample
		if m.bits.CompareAndSwap(old, math.Float64bits(next)) {
			return
		}
	}
}

// ObservePacket reads the audio level extension with the negotiated id.
// Packets without it are ignored.
func (m *Meter) ObservePacket(pkt *rtp.Packet, extID uint8) {
	if extID == 0 {
		return
	}
	raw := pkt.GetExtension(extID)
	if raw == nil {
		return
	}
	var ext rtp.AudioLevelExtension
	if err := ext.Unmarshal(raw); err != nil {
		return
	}
	m.Observe(ext.Level)
}

// Reset zeroes the meter.
func (m *Meter) Reset() {
	m.bits.Store(0)
}
