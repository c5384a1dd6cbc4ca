// Package transport receives the console's RTP stream off a UDP
// socket, decodes each datagram into a media frame, and feeds the
// session pipelines. A timer goroutine drives the reorder buffers'
// timeout sweep independently of packet arrivals, so latency stays
// bounded even when the stream stalls.
package transport

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"

	"github.com/sebas/streamrelay/internal/relay/media"
	"github.com/sebas/streamrelay/internal/relay/sequence"
)

// maxDatagram is the largest datagram the console emits; anything
// larger than an Ethernet-ish MTU is truncated by the network anyway.
const maxDatagram = 1500

// Stats counts the receiver's wire-level view of one socket.
type Stats struct {
	Packets   uint64
	Bytes     uint64
	Malformed uint64
	Unrouted  uint64
	WireLost  uint64
}

// Receiver reads one UDP socket and pushes decoded frames. Push and
// Sweep errors never stop the loop; a dead socket does.
type Receiver struct {
	name  string
	conn  net.PacketConn
	push  func(*media.Frame) bool
	sweep func()

	flushInterval time.Duration

	packets   atomic.Uint64
	bytes     atomic.Uint64
	malformed atomic.Uint64
	unrouted  atomic.Uint64

	remote   atomic.Pointer[string]
	lastSeen string // readLoop only

	trackerMu sync.Mutex
	tracker   *sequence.Tracker

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewReceiver creates a receiver for one stream socket. push routes a
// frame and reports whether anything claimed it; sweep runs the
// reorder timeout scan and is invoked every flushInterval.
func NewReceiver(name string, conn net.PacketConn, push func(*media.Frame) bool, sweep func(), flushInterval time.Duration) *Receiver {
	return &Receiver{
		name:          name,
		conn:          conn,
		push:          push,
		sweep:         sweep,
		flushInterval: flushInterval,
		tracker:       sequence.NewTracker(),
	}
}

// Start launches the read loop and the sweep ticker.
func (r *Receiver) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	r.wg.Add(2)
	go r.readLoop(ctx)
	go r.sweepLoop(ctx)

	slog.Info("[Receiver] Started", "stream", r.name, "addr", r.conn.LocalAddr().String(),
		"flush_interval", r.flushInterval)
}

func (r *Receiver) readLoop(ctx context.Context) {
	defer r.wg.Done()
	buf := make([]byte, maxDatagram)

	for {
		n, addr, err := r.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Warn("[Receiver] Read error", "stream", r.name, "error", err)
			continue
		}

		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			r.malformed.Add(1)
			continue
		}

		r.packets.Add(1)
		r.bytes.Add(uint64(n))

		if s := addr.String(); s != r.lastSeen {
			r.lastSeen = s
			r.remote.Store(&s)
		}

		r.trackerMu.Lock()
		r.tracker.Update(pkt.SequenceNumber)
		r.trackerMu.Unlock()

		frame := &media.Frame{
			Seq:       pkt.SequenceNumber,
			Timestamp: pkt.Timestamp,
			SSRC:      pkt.SSRC,
			Marker:    pkt.Marker,
			Payload:   append([]byte(nil), pkt.Payload...),
		}
		if !r.push(frame) {
			r.unrouted.Add(1)
		}
	}
}

// sweepLoop ticks the reorder timeout scan. It runs on its own clock
// so a silent stream still gets its stale slots forced out.
func (r *Receiver) sweepLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

// Stats returns the receiver's counters.
func (r *Receiver) Stats() Stats {
	r.trackerMu.Lock()
	_, lost := r.tracker.Stats()
	r.trackerMu.Unlock()

	return Stats{
		Packets:   r.packets.Load(),
		Bytes:     r.bytes.Load(),
		Malformed: r.malformed.Load(),
		Unrouted:  r.unrouted.Load(),
		WireLost:  lost,
	}
}

// LocalAddr returns the socket's bound address.
func (r *Receiver) LocalAddr() net.Addr {
	return r.conn.LocalAddr()
}

// RemoteAddr returns the address of the sender most recently seen on
// this socket, or "" before any packet arrives.
func (r *Receiver) RemoteAddr() string {
	if s := r.remote.Load(); s != nil {
		return *s
	}
	return ""
}

// LossRate returns the wire-level loss fraction seen on this socket.
func (r *Receiver) LossRate() float64 {
	r.trackerMu.Lock()
	defer r.trackerMu.Unlock()
	return r.tracker.LossRate()
}

// Close stops both goroutines and closes the socket.
func (r *Receiver) Close() error {
	if r.cancel != nil {
		r.cancel()
	}
	err := r.conn.Close()
	r.wg.Wait()
	slog.Info("[Receiver] Stopped", "stream", r.name)
	return err
}
