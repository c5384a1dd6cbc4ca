package viewer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"
	"github.com/sugawarayuuta/sonnet"
	"nhooyr.io/websocket"
)

const testSDP = "v=0\r\no=streamrelay 1 1 IN IP4 127.0.0.1\r\ns=Console Remote Play\r\n"

func newTestServer(t *testing.T, hub *Hub) *httptest.Server {
	t.Helper()

	srv := NewServer("127.0.0.1:0", hub, func(sessionID string) (string, error) {
		if sessionID != "session-known" {
			return "", errors.New("no such session")
		}
		return testSDP, nil
	}, func() any {
		return map[string]int{"active": 1}
	})

	ts := httptest.NewServer(srv.httpSrv.Handler)
	t.Cleanup(ts.Close)
	return ts
}

func dialWatch(t *testing.T, ts *httptest.Server, sessionID string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/sessions/" + sessionID + "/watch"
	conn, _, err := websocket.Dial(context.Background(), url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "test done") })
	return conn
}

func testPacket(seq uint16) *rtp.Packet {
	return &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    97,
			SequenceNumber: seq,
			Timestamp:      uint32(seq) * 480,
			SSRC:           0xCAFE,
		},
		Payload: []byte{byte(seq)},
	}
}

func TestWatchDeliversSDPThenFrames(t *testing.T) {
	hub := NewHub()
	ts := newTestServer(t, hub)
	conn := dialWatch(t, ts, "session-known")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	typ, data, err := conn.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, websocket.MessageText, typ)
	require.Equal(t, testSDP, string(data))

	// The viewer registers after the SDP write; wait for it.
	waitForViewers(t, hub, "session-known", 1)

	require.NoError(t, hub.Broadcast("session-known", KindAudio, testPacket(40)))

	typ, data, err = conn.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, websocket.MessageBinary, typ)
	require.Equal(t, byte(KindAudio), data[0])

	var pkt rtp.Packet
	require.NoError(t, pkt.Unmarshal(data[1:]))
	require.Equal(t, uint16(40), pkt.SequenceNumber)
	require.Equal(t, []byte{40}, pkt.Payload)
}

func TestWatchUnknownSessionRejected(t *testing.T) {
	hub := NewHub()
	ts := newTestServer(t, hub)

	resp, err := http.Get(ts.URL + "/sessions/session-bogus/watch")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBroadcastReachesAllViewers(t *testing.T) {
	hub := NewHub()
	ts := newTestServer(t, hub)

	conns := make([]*websocket.Conn, 3)
	for i := range conns {
		conns[i] = dialWatch(t, ts, "session-known")
	}
	waitForViewers(t, hub, "session-known", 3)

	require.NoError(t, hub.Broadcast("session-known", KindVideo, testPacket(9)))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for i, conn := range conns {
		// Skip each connection's initial SDP message.
		typ, _, err := conn.Read(ctx)
		require.NoError(t, err, "viewer %d sdp", i)
		require.Equal(t, websocket.MessageText, typ)

		typ, data, err := conn.Read(ctx)
		require.NoError(t, err, "viewer %d frame", i)
		require.Equal(t, websocket.MessageBinary, typ)
		require.Equal(t, byte(KindVideo), data[0])
	}
}

func TestSlowViewerLosesFramesNotConnection(t *testing.T) {
	hub := NewHub()
	ts := newTestServer(t, hub)
	conn := dialWatch(t, ts, "session-known")
	waitForViewers(t, hub, "session-known", 1)

	// Never read from conn. The send queue plus socket buffers absorb
	// some frames; past that the hub must drop instead of block.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < sendQueueSize*50; i++ {
			hub.Broadcast("session-known", KindVideo, testPacket(uint16(i)))
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("broadcast blocked on a slow viewer")
	}

	require.Equal(t, 1, hub.ViewerCount("session-known"))
	_ = conn
}

func TestCloseSessionDisconnectsViewers(t *testing.T) {
	hub := NewHub()
	ts := newTestServer(t, hub)
	conn := dialWatch(t, ts, "session-known")
	waitForViewers(t, hub, "session-known", 1)

	hub.CloseSession("session-known")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// Drain until the close surfaces.
	var err error
	for err == nil {
		_, _, err = conn.Read(ctx)
	}
	require.Equal(t, 0, hub.ViewerCount("session-known"))
}

func TestStatsEndpoint(t *testing.T) {
	hub := NewHub()
	ts := newTestServer(t, hub)

	resp, err := http.Get(ts.URL + "/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var doc struct {
		Hub      HubStats       `json:"hub"`
		Sessions map[string]int `json:"sessions"`
	}
	require.NoError(t, sonnet.Unmarshal(body, &doc))
	require.Equal(t, 0, doc.Hub.Viewers)
	require.Equal(t, 1, doc.Sessions["active"])
}

func TestHealthEndpoint(t *testing.T) {
	hub := NewHub()
	ts := newTestServer(t, hub)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func waitForViewers(t *testing.T, hub *Hub, sessionID string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hub.ViewerCount(sessionID) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d viewers of %s, have %d", want, sessionID, hub.ViewerCount(sessionID))
}

func TestHubWriterBroadcasts(t *testing.T) {
	hub := NewHub()
	ts := newTestServer(t, hub)
	conn := dialWatch(t, ts, "session-known")
	waitForViewers(t, hub, "session-known", 1)

	w := hub.Writer("session-known", KindAudio)
	require.NoError(t, w.WriteRTP(testPacket(5)))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, _, err := conn.Read(ctx) // SDP
	require.NoError(t, err)
	typ, data, err := conn.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, websocket.MessageBinary, typ)
	require.Equal(t, byte(KindAudio), data[0])
}

func TestBroadcastNoViewersIsNoop(t *testing.T) {
	hub := NewHub()
	require.NoError(t, hub.Broadcast(fmt.Sprintf("session-%d", 42), KindAudio, testPacket(1)))
	require.Equal(t, uint64(0), hub.Stats().FramesSent)
}
