package media

// Frame is one reconstructed media payload moving through the relay:
// decoded off the wire by the transport, reordered by sequence number,
// handed to the output path, and re-packaged for viewers.
type Frame struct {
	Seq       uint16 // wire sequence number, wraps at 65536
	Timestamp uint32 // source media clock
	SSRC      uint32 // source stream identifier
	Marker    bool   // source marker bit (end of video frame)
	Payload   []byte
}

// FrameSeq extracts the sequence number from a frame; it is the
// accessor the reorder buffer is constructed with.
func FrameSeq(f *Frame) uint16 {
	return f.Seq
}
