// Package sequence provides wraparound-aware arithmetic over the 16-bit
// RTP sequence number space, plus a tracker that extends sequence numbers
// to 32 bits across rollovers for loss accounting.
package sequence

// halfSpace is the midpoint of the 16-bit sequence space. A forward
// distance below it means "newer"; at or above it the value is treated
// as being in the past, per RFC 3550.
const halfSpace = 0x8000

// Distance returns the forward distance from one sequence number to
// another, modulo 65536. Distance(65534, 1) == 3.
func Distance(from, to uint16) uint16 {
	return to - from
}

// IsNewer reports whether seq is ahead of base under the half-space
// wraparound rule. Raw integer comparison is never correct here because
// the space wraps.
func IsNewer(seq, base uint16) bool {
	return Distance(base, seq) < halfSpace
}

// Tracker tracks received sequence numbers with rollover handling.
// It maintains an extended 32-bit counter so packet loss can be
// measured accurately across 16-bit wraparounds.
type Tracker struct {
	initialized bool
	lastSeq     uint16
	cycles      uint32 // rollover count (upper 16 bits of extended seq)
	lost        uint64
	received    uint64
}

// NewTracker creates a new sequence tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

// Update records a received sequence number and returns the extended
// 32-bit sequence number and the number of packets detected as lost
// since the previous update.
func (t *Tracker) Update(seq uint16) (extended uint32, lost int) {
	t.received++

	if !t.initialized {
		t.initialized = true
		t.lastSeq = seq
		return uint32(seq), 0
	}

	if IsNewer(seq, t.lastSeq) {
		gap := Distance(t.lastSeq, seq)
		if gap > 1 {
			lost = int(gap) - 1
			t.lost += uint64(lost)
		}
		// Forward motion that lands numerically below the previous
		// high-water mark crossed zero.
		if seq < t.lastSeq {
			t.cycles++
		}
		t.lastSeq = seq
		return (t.cycles << 16) | uint32(seq), lost
	}

	// Late arrival. No loss accounting; the gap was already charged when
	// the packet that overtook it arrived. If it predates the most recent
	// rollover it extends into the previous cycle.
	cycles := t.cycles
	if cycles > 0 && seq > t.lastSeq {
		cycles--
	}
	return (cycles << 16) | uint32(seq), 0
}

// Stats returns cumulative received and lost counts.
func (t *Tracker) Stats() (received, lost uint64) {
	return t.received, t.lost
}

// LossRate returns the packet loss rate as a fraction between 0 and 1.
func (t *Tracker) LossRate() float64 {
	if t.received == 0 && t.lost == 0 {
		return 0.0
	}
	total := t.received + t.lost
	return float64(t.lost) / float64(total)
}

// Reset clears all tracking state.
func (t *Tracker) Reset() {
	t.initialized = false
	t.lastSeq = 0
	t.cycles = 0
	t.lost = 0
	t.received = 0
}
