package media

import (
	"net"
	"sync"
	"time"

	"github.com/pion/rtp"
)

// StreamWriter re-packages ordered payloads into a fresh outbound RTP
// stream with clock-based pacing. It owns the output stream identity
// (SSRC, sequence numbers) while preserving the source timestamps the
// reorder path recovered, so viewers see a steady stream that still
// carries the console's media clock.
type StreamWriter struct {
	out RTPWriter

	// RTP header state for the outbound stream.
	ssrc uint32
	pt   uint8
	seq  uint16

	codec  Codec
	ticker *time.Ticker

	mu     sync.Mutex
	closed bool
}

// NewStreamWriter creates a writer pacing packets to the codec's frame
// duration.
func NewStreamWriter(out RTPWriter, codec Codec) *StreamWriter {
	return &StreamWriter{
		out:    out,
		ssrc:   GenerateSSRC(),
		pt:     codec.PayloadType,
		seq:    GenerateSequenceStart(),
		codec:  codec,
		ticker: time.NewTicker(codec.FrameDur),
	}
}

// Send implements Sink. It blocks until the next clock tick, wraps the
// payload in an RTP packet with the writer's stream identity and the
// given timestamp, and forwards it.
func (w *StreamWriter) Send(payload []byte, timestamp uint32) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return net.ErrClosed
	}

	<-w.ticker.C

	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    w.pt,
			SequenceNumber: w.seq,
			Timestamp:      timestamp,
			SSRC:           w.ssrc,
		},
		Payload: payload,
	}

	if err := w.out.WriteRTP(pkt); err != nil {
		return err
	}

	w.seq++
	return nil
}

// SendMarked is Send with explicit marker bit control, used to flag
// the first packet after a discontinuity.
func (w *StreamWriter) SendMarked(payload []byte, timestamp uint32, marker bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return net.ErrClosed
	}

	<-w.ticker.C

	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         marker,
			PayloadType:    w.pt,
			SequenceNumber: w.seq,
			Timestamp:      timestamp,
			SSRC:           w.ssrc,
		},
		Payload: payload,
	}

	if err := w.out.WriteRTP(pkt); err != nil {
		return err
	}

	w.seq++
	return nil
}

// SetPayloadType changes the RTP payload type for subsequent packets.
func (w *StreamWriter) SetPayloadType(pt uint8) {
	w.mu.Lock()
	w.pt = pt
	w.mu.Unlock()
}

// SetSSRC changes the SSRC for subsequent packets.
func (w *StreamWriter) SetSSRC(ssrc uint32) {
	w.mu.Lock()
	w.ssrc = ssrc
	w.mu.Unlock()
}

// WriteRTP forwards a packet directly, bypassing pacing but stamping
// the writer's SSRC so the outbound stream stays consistent.
func (w *StreamWriter) WriteRTP(pkt *rtp.Packet) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return net.ErrClosed
	}

	pkt.SSRC = w.ssrc
	return w.out.WriteRTP(pkt)
}

// SSRC returns the outbound stream's SSRC.
func (w *StreamWriter) SSRC() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ssrc
}

// SequenceNumber returns the next outbound sequence number.
func (w *StreamWriter) SequenceNumber() uint16 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Close stops the pacing clock. Further sends return net.ErrClosed.
func (w *StreamWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.closed {
		w.closed = true
		w.ticker.Stop()
	}
	return nil
}

var (
	_ Sink            = (*StreamWriter)(nil)
	_ RTPPacketWriter = (*StreamWriter)(nil)
)

// UDPWriter writes marshaled RTP packets to a UDP destination.
type UDPWriter struct {
	conn net.PacketConn
	addr net.Addr
}

// NewUDPWriter wraps a socket and destination address as an RTPWriter.
func NewUDPWriter(conn net.PacketConn, addr net.Addr) *UDPWriter {
	return &UDPWriter{conn: conn, addr: addr}
}

// WriteRTP marshals and sends one packet.
func (u *UDPWriter) WriteRTP(pkt *rtp.Packet) error {
	data, err := pkt.Marshal()
	if err != nil {
		return err
	}
	_, err = u.conn.WriteTo(data, u.addr)
	return err
}

var _ RTPWriter = (*UDPWriter)(nil)
