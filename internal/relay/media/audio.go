package media

import (
	"encoding/binary"
	"fmt"

	"github.com/pion/opus"
	"github.com/zaf/g711"
)

// MonitorTranscoder converts the console's Opus audio into 8 kHz mono
// µ-law for the low-rate monitor stream. The full-quality path relays
// Opus untouched; this chain only feeds diagnostics taps that want
// something a telephony tool can play.
type MonitorTranscoder struct {
	decoder opus.Decoder
	pcmBuf  []byte
}

// maxDecodedFrame covers 40 ms at 48 kHz stereo, the largest frame the
// console's encoder emits.
const maxDecodedFrame = 1920 * 2 * 2

// NewMonitorTranscoder creates a transcoder with its own decoder state.
// Decoder state is per-stream; do not share across sessions.
func NewMonitorTranscoder() *MonitorTranscoder {
	return &MonitorTranscoder{
		decoder: opus.NewDecoder(),
		pcmBuf:  make([]byte, maxDecodedFrame),
	}
}

// Transcode decodes one Opus frame and returns it as 8 kHz mono µ-law.
func (t *MonitorTranscoder) Transcode(frame []byte) ([]byte, error) {
	if len(frame) == 0 {
		return nil, fmt.Errorf("empty audio frame")
	}

	_, isStereo, err := t.decoder.Decode(frame, t.pcmBuf)
	if err != nil {
		return nil, fmt.Errorf("opus decode failed: %w", err)
	}

	pcm := bytesToPCM(t.pcmBuf)
	if isStereo {
		pcm = DownmixStereo(pcm)
	}

	// The decoder output is 48 kHz; the monitor format is 8 kHz.
	pcm = ResamplePCM(pcm, 48000, 8000)

	return g711.EncodeUlaw(pcmToBytes(pcm)), nil
}

// DownmixStereo averages interleaved stereo samples into mono.
func DownmixStereo(pcm []int16) []int16 {
	mono := make([]int16, len(pcm)/2)
	for i := 0; i < len(mono); i++ {
		mono[i] = int16((int32(pcm[2*i]) + int32(pcm[2*i+1])) / 2)
	}
	return mono
}

// ResamplePCM converts mono PCM between sample rates by linear
// interpolation. Quality is adequate for a monitor tap; the relay
// never resamples the full-quality stream.
func ResamplePCM(pcm []int16, fromRate, toRate int) []int16 {
	if fromRate == toRate || len(pcm) == 0 {
		return pcm
	}

	ratio := float64(fromRate) / float64(toRate)
	outLen := int(float64(len(pcm)) / ratio)
	out := make([]int16, 0, outLen)

	for i := 0; i < outLen; i++ {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		if srcIdx+1 >= len(pcm) {
			break
		}
		frac := srcPos - float64(srcIdx)
		sample := float64(pcm[srcIdx])*(1-frac) + float64(pcm[srcIdx+1])*frac
		out = append(out, int16(sample))
	}
	return out
}

// bytesToPCM reinterprets little-endian S16 bytes as samples.
func bytesToPCM(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(binary.LittleEndian.Uint16(b[2*i:]))
	}
	return pcm
}

// pcmToBytes serializes samples as little-endian S16 bytes, the layout
// g711.EncodeUlaw consumes.
func pcmToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(b[2*i:], uint16(s))
	}
	return b
}
