package transport

import (
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"

	"github.com/sebas/streamrelay/internal/relay/media"
)

type framePushes struct {
	mu     sync.Mutex
	frames []*media.Frame
	accept bool
}

func (p *framePushes) push(f *media.Frame) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames = append(p.frames, f)
	return p.accept
}

func (p *framePushes) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.frames)
}

func (p *framePushes) frame(i int) *media.Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frames[i]
}

func newTestReceiver(t *testing.T, pushes *framePushes, sweeps *atomic.Uint64) (*Receiver, net.Conn) {
	t.Helper()

	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	rcv := NewReceiver("audio", conn, pushes.push, func() { sweeps.Add(1) }, 10*time.Millisecond)
	rcv.Start()
	t.Cleanup(func() { rcv.Close() })

	sender, err := net.Dial("udp", conn.LocalAddr().String())
	require.NoError(t, err)
	t.Cleanup(func() { sender.Close() })

	return rcv, sender
}

func sendRTP(t *testing.T, sender net.Conn, seq uint16, ssrc uint32, payload []byte) {
	t.Helper()

	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    97,
			SequenceNumber: seq,
			Timestamp:      uint32(seq) * 480,
			SSRC:           ssrc,
		},
		Payload: payload,
	}
	raw, err := pkt.Marshal()
	require.NoError(t, err)
	_, err = sender.Write(raw)
	require.NoError(t, err)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestReceiverDecodesAndPushes(t *testing.T) {
	pushes := &framePushes{accept: true}
	var sweeps atomic.Uint64
	rcv, sender := newTestReceiver(t, pushes, &sweeps)

	sendRTP(t, sender, 100, 0xAABBCCDD, []byte{1, 2, 3})
	sendRTP(t, sender, 101, 0xAABBCCDD, []byte{4, 5})

	waitFor(t, func() bool { return pushes.count() == 2 })

	f := pushes.frame(0)
	if f.Seq != 100 || f.SSRC != 0xAABBCCDD {
		t.Fatalf("got seq %d ssrc %#x, want 100 0xAABBCCDD", f.Seq, f.SSRC)
	}
	require.Equal(t, []byte{1, 2, 3}, f.Payload)
	require.Equal(t, uint32(100*480), f.Timestamp)

	stats := rcv.Stats()
	require.Equal(t, uint64(2), stats.Packets)
	require.Zero(t, stats.Malformed)
	require.Zero(t, stats.Unrouted)
}

func TestReceiverCountsMalformed(t *testing.T) {
	pushes := &framePushes{accept: true}
	var sweeps atomic.Uint64
	rcv, sender := newTestReceiver(t, pushes, &sweeps)

	_, err := sender.Write([]byte{0xDE, 0xAD})
	require.NoError(t, err)
	sendRTP(t, sender, 7, 0x11223344, []byte{9})

	waitFor(t, func() bool { return pushes.count() == 1 })
	waitFor(t, func() bool { return rcv.Stats().Malformed == 1 })
	require.Equal(t, uint64(1), rcv.Stats().Packets)
}

func TestReceiverCountsUnrouted(t *testing.T) {
	pushes := &framePushes{accept: false}
	var sweeps atomic.Uint64
	rcv, sender := newTestReceiver(t, pushes, &sweeps)

	sendRTP(t, sender, 1, 0x99999999, []byte{1})
	waitFor(t, func() bool { return rcv.Stats().Unrouted == 1 })
}

func TestReceiverSweepsOnTimer(t *testing.T) {
	pushes := &framePushes{accept: true}
	var sweeps atomic.Uint64
	newTestReceiver(t, pushes, &sweeps)

	waitFor(t, func() bool { return sweeps.Load() >= 3 })
}

func TestReceiverTracksWireLoss(t *testing.T) {
	pushes := &framePushes{accept: true}
	var sweeps atomic.Uint64
	rcv, sender := newTestReceiver(t, pushes, &sweeps)

	sendRTP(t, sender, 10, 0x1, nil)
	sendRTP(t, sender, 11, 0x1, nil)
	// 12 and 13 never arrive.
	sendRTP(t, sender, 14, 0x1, nil)

	waitFor(t, func() bool { return pushes.count() == 3 })
	waitFor(t, func() bool { return rcv.Stats().WireLost == 2 })
}

func TestReceiverCloseStopsLoops(t *testing.T) {
	pushes := &framePushes{accept: true}
	var sweeps atomic.Uint64

	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	rcv := NewReceiver("video", conn, pushes.push, func() { sweeps.Add(1) }, 10*time.Millisecond)
	rcv.Start()
	require.NoError(t, rcv.Close())

	before := sweeps.Load()
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, before, sweeps.Load())
}
