// Package reorder rebuilds presentation order from packets that arrive
// late, duplicated, or out of order. A Buffer holds a bounded sliding
// window of slots keyed by 16-bit wrapping sequence number, releases
// items strictly in order through a callback, and bounds worst-case
// latency with an adaptive timeout derived from measured jitter.
package reorder

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/sebas/streamrelay/internal/relay/jitter"
	"github.com/sebas/streamrelay/internal/relay/sequence"
)

// DropStrategy selects what happens when the window would grow past its
// configured maximum.
type DropStrategy int

const (
	// DropBegin evicts the oldest slots to make room for the new packet.
	DropBegin DropStrategy = iota
	// DropEnd rejects the new packet and keeps the window as is.
	DropEnd
)

func (s DropStrategy) String() string {
	switch s {
	case DropBegin:
		return "begin"
	case DropEnd:
		return "end"
	}
	return "unknown"
}

// Construction errors. These indicate programming mistakes and are the
// only errors this package ever surfaces; all steady-state loss is
// absorbed into the statistics counters.
var (
	ErrNilSequenceFunc = errors.New("reorder: sequence accessor must not be nil")
	ErrNilReleaseFunc  = errors.New("reorder: release callback must not be nil")
	ErrInvalidWindow   = errors.New("reorder: window bounds must satisfy 1 <= min <= start <= max")
	ErrWindowNotPow2   = errors.New("reorder: max window size must be a power of two")
	ErrWindowTooLarge  = errors.New("reorder: max window size must be < 32768")
	ErrInvalidTimeout  = errors.New("reorder: base timeout must be positive")
	ErrTimeoutBounds   = errors.New("reorder: timeout bounds must satisfy 0 < min <= max")
	ErrStaleDistance   = errors.New("reorder: stale distance must exceed max window size")
)

// Stats is a snapshot of the buffer's counters. Processed counts items
// handed to the release callback, Dropped counts duplicates, stale
// arrivals, rejections and evictions, TimeoutDropped counts slots
// abandoned by the timeout sweep, and Buffered is the number of items
// currently held.
type Stats struct {
	Processed      uint64
	Dropped        uint64
	TimeoutDropped uint64
	Buffered       uint32
}

// Config tunes a Buffer.
type Config struct {
	// WindowStart is the initial window size limit. WindowMin is the
	// floor the limit decays to after a drain, WindowMax the hard cap
	// and the physical slot array capacity. WindowMax must be a power
	// of two below 32768 so slot indexing stays a mask and window
	// classification stays inside the half space.
	WindowStart int
	WindowMin   int
	WindowMax   int

	// BaseTimeout is the floor of the adaptive release timeout.
	// MinTimeout/MaxTimeout clamp it (defaults derived from BaseTimeout
	// when zero). JitterMultiplier scales the measured stddev, default 1.5.
	BaseTimeout      time.Duration
	MinTimeout       time.Duration
	MaxTimeout       time.Duration
	JitterMultiplier float64

	// Strategy selects overflow behavior; the zero value is DropBegin.
	Strategy DropStrategy

	// ReinitGrace is the minimum interval between window
	// reinitializations, guarding against thrash on a flapping stream.
	// StaleDistance bounds the plausible distance from base in either
	// direction: a packet further away is treated as restart evidence
	// rather than a real gap or a genuinely ancient arrival. It must
	// exceed WindowMax. Both are heuristics without a principled
	// derivation; tune per deployment rather than trusting the defaults.
	ReinitGrace   time.Duration
	StaleDistance uint16

	// FlushScanCap bounds how many head slots one timeout sweep may
	// advance, independent of window size. Default 16.
	FlushScanCap int
}

const (
	defaultWindowStart   = 32
	defaultWindowMin     = 16
	defaultWindowMax     = 512
	defaultReinitGrace   = time.Second
	defaultStaleDistance = 0x4000
	defaultFlushScanCap  = 16
)

// DefaultConfig returns a Config suitable for a 60 fps video stream.
func DefaultConfig() Config {
	return Config{
		WindowStart:   defaultWindowStart,
		WindowMin:     defaultWindowMin,
		WindowMax:     defaultWindowMax,
		BaseTimeout:   50 * time.Millisecond,
		ReinitGrace:   defaultReinitGrace,
		StaleDistance: defaultStaleDistance,
		FlushScanCap:  defaultFlushScanCap,
	}
}

type slotState uint8

const (
	slotEmpty slotState = iota
	slotReserved
	slotOccupied
)

// slot is one position in the window. ts is the arrival time when
// Occupied and the reservation time when Reserved.
type slot[T any] struct {
	state slotState
	seq   uint16
	item  T
	ts    time.Time
}

// Buffer is a reorder/jitter buffer over items of type T. All methods
// are safe for concurrent use; each takes one short critical section.
// The release and drop callbacks run inside that critical section, so
// they must not block or call back into the Buffer.
type Buffer[T any] struct {
	mu sync.Mutex

	cfg       Config
	seqOf     func(T) uint16
	onRelease func(T)
	onDrop    func(T)

	slots []slot[T]
	mask  uint16

	initialized bool
	base        uint16 // next sequence eligible for release
	count       int    // slots spanned: Reserved + Occupied
	occupied    int    // items currently buffered
	limit       int    // current window size limit, WindowStart..WindowMax

	est        *jitter.Estimator
	lastReinit time.Time
	baseWait   time.Time // when base last advanced; ages an empty window

	processed      uint64
	dropped        uint64
	timeoutDropped uint64

	// now is swappable for tests.
	now func() time.Time
}

// New creates a Buffer. seqOf extracts the wire sequence number from an
// item and onRelease receives items in order; both are required. onDrop
// is optional and observes items discarded by eviction, rejection or
// duplication.
func New[T any](cfg Config, seqOf func(T) uint16, onRelease, onDrop func(T)) (*Buffer[T], error) {
	if seqOf == nil {
		return nil, ErrNilSequenceFunc
	}
	if onRelease == nil {
		return nil, ErrNilReleaseFunc
	}
	if cfg.WindowMin < 1 || cfg.WindowMin > cfg.WindowStart || cfg.WindowStart > cfg.WindowMax {
		return nil, ErrInvalidWindow
	}
	if cfg.WindowMax&(cfg.WindowMax-1) != 0 {
		return nil, ErrWindowNotPow2
	}
	if cfg.WindowMax >= 0x8000 {
		return nil, ErrWindowTooLarge
	}
	if cfg.BaseTimeout <= 0 {
		return nil, ErrInvalidTimeout
	}
	if cfg.MinTimeout == 0 {
		cfg.MinTimeout = cfg.BaseTimeout / 2
	}
	if cfg.MaxTimeout == 0 {
		cfg.MaxTimeout = cfg.BaseTimeout * 10
	}
	if cfg.MinTimeout <= 0 || cfg.MinTimeout > cfg.MaxTimeout {
		return nil, ErrTimeoutBounds
	}
	if cfg.ReinitGrace <= 0 {
		cfg.ReinitGrace = defaultReinitGrace
	}
	if cfg.StaleDistance == 0 {
		cfg.StaleDistance = defaultStaleDistance
	}
	if int(cfg.StaleDistance) <= cfg.WindowMax {
		return nil, ErrStaleDistance
	}
	if cfg.FlushScanCap <= 0 {
		cfg.FlushScanCap = defaultFlushScanCap
	}

	b := &Buffer[T]{
		cfg:       cfg,
		seqOf:     seqOf,
		onRelease: onRelease,
		onDrop:    onDrop,
		slots:     make([]slot[T], cfg.WindowMax),
		mask:      uint16(cfg.WindowMax - 1),
		limit:     cfg.WindowStart,
		est: jitter.NewEstimator(jitter.Config{
			Multiplier:  cfg.JitterMultiplier,
			BaseTimeout: cfg.BaseTimeout,
			MinTimeout:  cfg.MinTimeout,
			MaxTimeout:  cfg.MaxTimeout,
		}),
		now: time.Now,
	}
	return b, nil
}

// Push accepts an item in any arrival order. It may invoke the release
// callback zero or more times (cascade) before returning. A nil item is
// dropped at the boundary and counted.
func (b *Buffer[T]) Push(item T) {
	if isNil(item) {
		b.mu.Lock()
		b.dropped++
		b.mu.Unlock()
		return
	}
	seq := b.seqOf(item)
	now := b.now()

	b.mu.Lock()
	defer b.mu.Unlock()

	b.est.Observe(now)

	if !b.initialized {
		b.initialized = true
		b.base = seq
		b.baseWait = now
		b.lastReinit = now
		b.occupy(seq, item, now)
		b.cascade()
		return
	}

	d := sequence.Distance(b.base, seq)
	switch {
	case int(d) < b.count:
		b.pushWithin(seq, item, now)
	case sequence.IsNewer(seq, b.base) && d < b.cfg.StaleDistance:
		b.pushAhead(seq, d, item, now)
	default:
		// Behind base, or so far ahead that a stream restart is the
		// likelier explanation than a real gap.
		b.pushOutside(seq, item, now)
	}
}

// pushWithin fills a slot inside [base, base+count).
func (b *Buffer[T]) pushWithin(seq uint16, item T, now time.Time) {
	s := &b.slots[seq&b.mask]
	if s.state == slotOccupied {
		// Retransmit or duplicate of something already buffered.
		b.drop(item)
		return
	}
	s.state = slotOccupied
	s.seq = seq
	s.item = item
	s.ts = now
	b.occupied++
	b.cascade()
}

// pushAhead grows the window to span seq, evicting or rejecting when
// the configured maximum is exceeded.
func (b *Buffer[T]) pushAhead(seq uint16, d uint16, item T, now time.Time) {
	needed := int(d) + 1

	if needed > b.limit {
		grown := b.limit
		for grown < needed && grown < b.cfg.WindowMax {
			grown *= 2
		}
		if grown > b.cfg.WindowMax {
			grown = b.cfg.WindowMax
		}
		b.limit = grown
	}

	if needed > b.limit {
		if b.cfg.Strategy == DropEnd {
			b.drop(item)
			return
		}
		// DropBegin: advance base until seq fits in the window again.
		evict := needed - b.limit
		b.evictHead(evict)
		needed = b.limit
	}

	// Newly spanned positions between the old end and seq become
	// Reserved placeholders so the gap can be timed out later.
	for pos := b.count; pos < needed-1; pos++ {
		gapSeq := b.base + uint16(pos)
		g := &b.slots[gapSeq&b.mask]
		g.state = slotReserved
		g.seq = gapSeq
		g.ts = now
	}
	b.count = needed
	b.occupy(seq, item, now)
	b.cascade()
}

// pushOutside handles arrivals outside the plausible window range:
// older than base (normally stale duplicates) or jumped so far ahead
// that buffering the gap would be absurd. Either can be evidence that
// the stream restarted and the window should re-anchor at this packet.
func (b *Buffer[T]) pushOutside(seq uint16, item T, now time.Time) {
	dist := sequence.Distance(seq, b.base)

	// The window is considered stale when its head has been idle past
	// the grace period, or when the packet's distance from base is so
	// large it is better explained by a restart (or an SSRC-preserving
	// encoder reset) than by a genuinely ancient or future packet.
	stale := (b.count == 0 && now.Sub(b.baseWait) >= b.cfg.ReinitGrace) ||
		dist >= b.cfg.StaleDistance
	if stale && now.Sub(b.lastReinit) >= b.cfg.ReinitGrace {
		slog.Debug("[Reorder] Window reinitialized",
			"old_base", b.base, "new_base", seq, "spanned", b.count)
		b.reinitLocked(seq, item, now)
		return
	}

	b.drop(item)
}

// reinitLocked re-anchors the window at seq, discarding any spanned
// slots without releasing them.
func (b *Buffer[T]) reinitLocked(seq uint16, item T, now time.Time) {
	b.clearWindow()
	b.base = seq
	b.baseWait = now
	b.lastReinit = now
	b.limit = b.cfg.WindowStart
	b.occupy(seq, item, now)
	b.cascade()
}

// occupy writes item into its slot and extends count when the slot is
// at the window head of an empty span.
func (b *Buffer[T]) occupy(seq uint16, item T, now time.Time) {
	s := &b.slots[seq&b.mask]
	s.state = slotOccupied
	s.seq = seq
	s.item = item
	s.ts = now
	b.occupied++
	if b.count == 0 && seq == b.base {
		b.count = 1
	}
}

// cascade releases the head slot and advances base while the head is
// Occupied, stopping at the first Reserved or Empty position.
func (b *Buffer[T]) cascade() {
	for b.count > 0 {
		s := &b.slots[b.base&b.mask]
		if s.state != slotOccupied {
			return
		}
		item := s.item
		b.clearSlot(s)
		b.occupied--
		b.advanceBase()
		b.processed++
		b.onRelease(item)
	}
}

// evictHead discards n slots from the window head. Occupied items go to
// the drop callback; Reserved gaps are counted only.
func (b *Buffer[T]) evictHead(n int) {
	for i := 0; i < n; i++ {
		if b.count > 0 {
			s := &b.slots[b.base&b.mask]
			switch s.state {
			case slotOccupied:
				item := s.item
				b.clearSlot(s)
				b.occupied--
				b.dropped++
				if b.onDrop != nil {
					b.onDrop(item)
				}
			case slotReserved:
				b.clearSlot(s)
				b.dropped++
			}
		}
		b.advanceBase()
	}
}

// advanceBase moves the head forward one position.
func (b *Buffer[T]) advanceBase() {
	b.base++
	if b.count > 0 {
		b.count--
	}
	b.baseWait = b.now()
}

func (b *Buffer[T]) clearSlot(s *slot[T]) {
	var zero T
	s.state = slotEmpty
	s.item = zero
	s.ts = time.Time{}
}

func (b *Buffer[T]) clearWindow() {
	for i := 0; i < b.count; i++ {
		s := &b.slots[(b.base+uint16(i))&b.mask]
		if s.state == slotOccupied {
			b.occupied--
		}
		b.clearSlot(s)
	}
	b.count = 0
}

// drop counts a discarded item and reports it to the drop callback.
func (b *Buffer[T]) drop(item T) {
	b.dropped++
	if b.onDrop != nil {
		b.onDrop(item)
	}
}

// Flush drives the release of slots that are not being pulled out by
// cascades. With force it drains the whole window front to back,
// releasing Occupied heads and discarding Reserved gaps; use it for
// shutdown. Without force it runs one bounded timeout sweep: heads
// whose age exceeds the current adaptive timeout are force-released
// (Occupied, late but present) or abandoned (Reserved), and the sweep
// stops at the first head that might still legitimately arrive.
func (b *Buffer[T]) Flush(force bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if force {
		b.flushAll()
		return
	}
	b.timeoutSweep()
}

func (b *Buffer[T]) flushAll() {
	for b.count > 0 {
		s := &b.slots[b.base&b.mask]
		switch s.state {
		case slotOccupied:
			item := s.item
			b.clearSlot(s)
			b.occupied--
			b.processed++
			b.advanceBase()
			b.onRelease(item)
		case slotReserved:
			b.clearSlot(s)
			b.dropped++
			b.advanceBase()
		default:
			b.advanceBase()
		}
	}
	if b.limit > b.cfg.WindowMin {
		b.limit = max(b.limit/2, b.cfg.WindowMin)
	}
}

func (b *Buffer[T]) timeoutSweep() {
	if !b.initialized {
		return
	}
	now := b.now()
	timeout := b.est.Timeout()

	// An empty window still ages: if nothing has arrived for the head
	// sequence within the timeout, give up on it so the next packet is
	// classified against a live base instead of a stale gap.
	if b.count == 0 {
		if now.Sub(b.baseWait) > timeout {
			b.base++
			b.baseWait = now
			b.timeoutDropped++
		}
		return
	}

	for scanned := 0; scanned < b.cfg.FlushScanCap && b.count > 0; scanned++ {
		s := &b.slots[b.base&b.mask]
		if s.state == slotEmpty {
			b.advanceBase()
			continue
		}
		if now.Sub(s.ts) <= timeout {
			// Never skip ahead of a slot that may still arrive.
			return
		}
		if s.state == slotOccupied {
			item := s.item
			b.clearSlot(s)
			b.occupied--
			b.processed++
			b.advanceBase()
			b.onRelease(item)
		} else {
			b.clearSlot(s)
			b.timeoutDropped++
			b.advanceBase()
		}
	}

	// The sweep may have exposed an already-buffered run at the head.
	b.cascade()
}

// GetStats returns a consistent snapshot of the counters.
func (b *Buffer[T]) GetStats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Processed:      b.processed,
		Dropped:        b.dropped,
		TimeoutDropped: b.timeoutDropped,
		Buffered:       uint32(b.occupied),
	}
}

// Timeout returns the current adaptive release timeout, for diagnostics.
func (b *Buffer[T]) Timeout() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.est.Timeout()
}

// SetDropStrategy changes the overflow strategy without disturbing
// buffered state.
func (b *Buffer[T]) SetDropStrategy(s DropStrategy) {
	b.mu.Lock()
	b.cfg.Strategy = s
	b.mu.Unlock()
}

// SetDropCallback changes the drop callback without disturbing buffered
// state. A nil callback disables drop reporting.
func (b *Buffer[T]) SetDropCallback(cb func(T)) {
	b.mu.Lock()
	b.onDrop = cb
	b.mu.Unlock()
}

// Reset clears all slots, counters and window state, ready for a fresh
// stream, e.g. after the sender restarts its encoder.
func (b *Buffer[T]) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clearWindow()
	b.initialized = false
	b.base = 0
	b.occupied = 0
	b.limit = b.cfg.WindowStart
	b.processed = 0
	b.dropped = 0
	b.timeoutDropped = 0
	b.lastReinit = time.Time{}
	b.baseWait = time.Time{}
	b.est.Reset()
}

// String describes the window for logging.
func (b *Buffer[T]) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return fmt.Sprintf("reorder.Buffer{base=%d count=%d occupied=%d limit=%d strategy=%s}",
		b.base, b.count, b.occupied, b.limit, b.cfg.Strategy)
}

// isNil reports whether a generic item is a nil pointer, interface,
// map, slice, channel or function. Payloads are never valid when nil,
// so they are rejected at the call boundary.
func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func:
		return rv.IsNil()
	}
	return false
}
