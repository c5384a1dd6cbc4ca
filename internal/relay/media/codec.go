package media

import "time"

// Codec is an immutable description of a media payload format carried
// by the relay. Use the pre-defined values for the streams a console
// session produces.
type Codec struct {
	Name        string        // codec name ("opus", "H264", "PCMU")
	PayloadType uint8         // RTP payload type
	ClockRate   uint32        // RTP clock rate in Hz
	FrameDur    time.Duration // nominal duration of one frame
	Channels    int           // audio channels; 0 for video
}

// Codecs produced by the console capture pipeline, plus the low-rate
// monitor format.
var (
	// CodecOpus is the console's audio stream: 48 kHz stereo Opus in
	// 10 ms frames.
	CodecOpus = Codec{"opus", 97, 48000, 10 * time.Millisecond, 2}

	// CodecH264 is the console's video stream at the standard 90 kHz
	// RTP video clock; FrameDur assumes 60 fps.
	CodecH264 = Codec{"H264", 96, 90000, 16667 * time.Microsecond, 0}

	// CodecPCMU is the G.711 µ-law monitor stream offered to
	// diagnostics taps.
	CodecPCMU = Codec{"PCMU", 0, 8000, 20 * time.Millisecond, 1}
)

// SamplesPerFrame returns the number of clock units one frame spans.
// For audio this is the sample count; for video it is the timestamp
// step between frames.
func (c Codec) SamplesPerFrame() int {
	return int(int64(c.ClockRate) * int64(c.FrameDur) / int64(time.Second))
}

// TimestampIncrement returns the RTP timestamp increment per frame.
func (c Codec) TimestampIncrement() uint32 {
	return uint32(c.SamplesPerFrame())
}

// IsAudio reports whether the codec carries audio.
func (c Codec) IsAudio() bool {
	return c.Channels > 0
}
