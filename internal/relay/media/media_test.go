package media

import (
	"net"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodecMath(t *testing.T) {
	assert.Equal(t, 480, CodecOpus.SamplesPerFrame(), "48kHz x 10ms")
	assert.Equal(t, 160, CodecPCMU.SamplesPerFrame(), "8kHz x 20ms")
	assert.Equal(t, 1500, CodecH264.SamplesPerFrame(), "90kHz video clock at 60fps")

	assert.True(t, CodecOpus.IsAudio())
	assert.True(t, CodecPCMU.IsAudio())
	assert.False(t, CodecH264.IsAudio())
}

func TestGenerateIdentity(t *testing.T) {
	// Random starts: collisions across a handful of draws would point
	// at a broken generator.
	seen := make(map[uint32]bool)
	for i := 0; i < 8; i++ {
		seen[GenerateSSRC()] = true
	}
	assert.Greater(t, len(seen), 1)
}

// captureWriter records packets handed to WriteRTP.
type captureWriter struct {
	packets []*rtp.Packet
	err     error
}

func (c *captureWriter) WriteRTP(p *rtp.Packet) error {
	if c.err != nil {
		return c.err
	}
	clone := *p
	c.packets = append(c.packets, &clone)
	return nil
}

func TestStreamWriterRepackages(t *testing.T) {
	out := &captureWriter{}
	w := NewStreamWriter(out, CodecOpus)
	defer w.Close()

	firstSeq := w.SequenceNumber()
	ssrc := w.SSRC()

	require.NoError(t, w.Send([]byte{0x01}, 1000))
	require.NoError(t, w.Send([]byte{0x02}, 1480))
	require.NoError(t, w.Send([]byte{0x03}, 1960))

	require.Len(t, out.packets, 3)
	for i, pkt := range out.packets {
		assert.Equal(t, uint8(2), pkt.Version)
		assert.Equal(t, CodecOpus.PayloadType, pkt.PayloadType)
		assert.Equal(t, ssrc, pkt.SSRC, "stream identity must not change")
		assert.Equal(t, firstSeq+uint16(i), pkt.SequenceNumber)
	}

	// Source timestamps pass through untouched.
	assert.Equal(t, uint32(1000), out.packets[0].Timestamp)
	assert.Equal(t, uint32(1480), out.packets[1].Timestamp)
	assert.Equal(t, uint32(1960), out.packets[2].Timestamp)
}

func TestStreamWriterPaces(t *testing.T) {
	out := &captureWriter{}
	w := NewStreamWriter(out, CodecOpus) // 10ms frames
	defer w.Close()

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, w.Send([]byte{byte(i)}, uint32(i)))
	}
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 20*time.Millisecond,
		"three sends need at least two full frame intervals")
}

func TestStreamWriterMarker(t *testing.T) {
	out := &captureWriter{}
	w := NewStreamWriter(out, CodecOpus)
	defer w.Close()

	require.NoError(t, w.SendMarked([]byte{0xAA}, 5, true))
	require.Len(t, out.packets, 1)
	assert.True(t, out.packets[0].Marker)
}

func TestStreamWriterClosed(t *testing.T) {
	w := NewStreamWriter(&captureWriter{}, CodecOpus)
	require.NoError(t, w.Close())

	assert.ErrorIs(t, w.Send([]byte{0x01}, 0), net.ErrClosed)
	assert.ErrorIs(t, w.WriteRTP(&rtp.Packet{}), net.ErrClosed)
	assert.NoError(t, w.Close(), "double close is harmless")
}

func TestDownmixStereo(t *testing.T) {
	stereo := []int16{100, 200, -100, -200, 1000, 1000}
	mono := DownmixStereo(stereo)
	assert.Equal(t, []int16{150, -150, 1000}, mono)
}

func TestResamplePCM(t *testing.T) {
	// A constant signal stays constant through resampling.
	in := make([]int16, 480)
	for i := range in {
		in[i] = 1234
	}
	out := ResamplePCM(in, 48000, 8000)

	require.NotEmpty(t, out)
	assert.LessOrEqual(t, len(out), 80)
	for _, s := range out {
		assert.Equal(t, int16(1234), s)
	}

	// Same-rate input is returned as is.
	same := ResamplePCM(in, 8000, 8000)
	assert.Equal(t, in, same)
}

func TestMonitorTranscoderRejectsEmptyFrame(t *testing.T) {
	tr := NewMonitorTranscoder()
	_, err := tr.Transcode(nil)
	assert.Error(t, err)
}

func TestMonitorTapNeverBlocks(t *testing.T) {
	tap, err := NewMonitorTap("127.0.0.1:19999")
	require.NoError(t, err)

	// Garbage payloads fail to transcode; the tap must absorb them
	// without stalling the caller either way.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < tapQueueSize*20; i++ {
			tap.Offer([]byte{0xFF, 0xFF, 0xFF}, uint32(i)*480)
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Offer blocked")
	}

	require.NoError(t, tap.Close())

	// Every offered frame was either consumed (and failed transcode)
	// or skipped under backpressure.
	assert.Equal(t, uint64(tapQueueSize*20), tap.Dropped()+tap.Failed())
}

func TestMonitorTapRejectsBadDest(t *testing.T) {
	_, err := NewMonitorTap("not-an-address")
	assert.Error(t, err)
}
