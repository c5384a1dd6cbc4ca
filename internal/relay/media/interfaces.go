package media

import (
	"github.com/pion/rtp"
)

// Sink receives ordered media payloads from the output path. It is the
// only contract the reorder/handoff core has with the media engine:
// implementations may packetize to RTP, fan out to viewers, or discard.
// Send must not block for unbounded time; it runs on the pacing
// goroutine's budget.
type Sink interface {
	// Send ships one payload stamped with its RTP timestamp.
	Send(payload []byte, timestamp uint32) error
}

// RTPWriter writes RTP packets to an underlying destination, such as a
// UDP socket or a viewer hub.
type RTPWriter interface {
	// WriteRTP writes one RTP packet.
	WriteRTP(p *rtp.Packet) error
}

// RTPPacketWriter wraps RTPWriter with automatic header management:
// sequence numbers and timestamps are maintained by the implementation.
type RTPPacketWriter interface {
	RTPWriter

	// SetPayloadType sets the RTP payload type for subsequent packets.
	SetPayloadType(pt uint8)

	// SetSSRC sets the synchronization source identifier.
	SetSSRC(ssrc uint32)
}
