package media

import (
	"log/slog"
	"net"
	"sync/atomic"
)

// tapQueueSize bounds the monitor tap's backlog. The tap is a
// diagnostics aid; falling behind loses frames, never stalls the
// relay path.
const tapQueueSize = 16

type tapFrame struct {
	payload   []byte
	timestamp uint32
}

// MonitorTap ships a low-rate µ-law copy of the audio stream to a UDP
// destination, for listening in with ordinary telephony tools. Offer
// is non-blocking; transcoding and pacing happen on the tap's own
// goroutine.
type MonitorTap struct {
	tc     *MonitorTranscoder
	out    *StreamWriter
	conn   net.PacketConn
	frames chan tapFrame
	done   chan struct{}

	dropped atomic.Uint64
	failed  atomic.Uint64
}

// NewMonitorTap opens a socket and starts forwarding to dest.
func NewMonitorTap(dest string) (*MonitorTap, error) {
	addr, err := net.ResolveUDPAddr("udp", dest)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenPacket("udp", ":0")
	if err != nil {
		return nil, err
	}

	t := &MonitorTap{
		tc:     NewMonitorTranscoder(),
		out:    NewStreamWriter(NewUDPWriter(conn, addr), CodecPCMU),
		conn:   conn,
		frames: make(chan tapFrame, tapQueueSize),
		done:   make(chan struct{}),
	}
	go t.run()

	slog.Info("[MonitorTap] Forwarding", "dest", dest, "ssrc", t.out.SSRC())
	return t, nil
}

// Offer hands one source audio frame to the tap. Never blocks; frames
// are skipped when the tap is behind.
func (t *MonitorTap) Offer(payload []byte, timestamp uint32) {
	select {
	case t.frames <- tapFrame{payload: payload, timestamp: timestamp}:
	default:
		t.dropped.Add(1)
	}
}

func (t *MonitorTap) run() {
	defer close(t.done)

	// The monitor clock runs slower than the source clock.
	ratio := CodecOpus.ClockRate / CodecPCMU.ClockRate

	for f := range t.frames {
		ulaw, err := t.tc.Transcode(f.payload)
		if err != nil {
			t.failed.Add(1)
			continue
		}
		if err := t.out.Send(ulaw, f.timestamp/ratio); err != nil {
			t.failed.Add(1)
		}
	}
}

// Dropped and Failed report frames skipped by backpressure and frames
// lost to transcode or send errors.
func (t *MonitorTap) Dropped() uint64 { return t.dropped.Load() }
func (t *MonitorTap) Failed() uint64  { return t.failed.Load() }

// Close stops the tap and releases its socket.
func (t *MonitorTap) Close() error {
	close(t.frames)
	<-t.done
	t.out.Close()
	return t.conn.Close()
}
