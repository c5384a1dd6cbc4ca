// Package viewer fans the relayed streams out to remote spectators
// over WebSocket. Each viewer gets a bounded send queue; a viewer that
// cannot keep up loses frames rather than stalling the broadcast.
package viewer

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"nhooyr.io/websocket"

	"github.com/sebas/streamrelay/internal/relay/media"
)

// StreamKind tags each broadcast frame so viewers can demux audio and
// video off a single socket.
type StreamKind byte

const (
	KindAudio StreamKind = 0
	KindVideo StreamKind = 1
)

// sendQueueSize bounds each viewer's backlog. At 100 packets/s this is
// well over half a second of slack before frames start dropping.
const sendQueueSize = 64

// Viewer is one connected spectator.
type Viewer struct {
	ID        string
	SessionID string

	conn   *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc

	dropped   atomic.Uint64
	closeOnce sync.Once
}

// Dropped returns how many frames this viewer lost to backpressure.
func (v *Viewer) Dropped() uint64 {
	return v.dropped.Load()
}

// Close tears the connection down. Safe to call more than once.
func (v *Viewer) Close() {
	v.closeOnce.Do(func() {
		v.cancel()
		v.conn.Close(websocket.StatusNormalClosure, "closed")
	})
}

// writeLoop pumps the send queue onto the socket as binary messages.
func (v *Viewer) writeLoop() {
	for {
		select {
		case <-v.ctx.Done():
			return
		case frame := <-v.send:
			if err := v.conn.Write(v.ctx, websocket.MessageBinary, frame); err != nil {
				v.Close()
				return
			}
		}
	}
}

// readLoop drains inbound messages so pings are answered and
// disconnects surface promptly. Viewers never send us media.
func (v *Viewer) readLoop(onGone func(*Viewer)) {
	defer onGone(v)
	for {
		if _, _, err := v.conn.Read(v.ctx); err != nil {
			v.Close()
			return
		}
	}
}

// HubStats is a snapshot of the hub's fan-out counters.
type HubStats struct {
	Viewers       int    `json:"viewers"`
	FramesSent    uint64 `json:"frames_sent"`
	FramesDropped uint64 `json:"frames_dropped"`
}

// Hub tracks connected viewers keyed by session and broadcasts frames
// to them. Broadcast never blocks on a slow viewer.
type Hub struct {
	mu        sync.RWMutex
	bySession map[string]map[string]*Viewer

	sent    atomic.Uint64
	dropped atomic.Uint64
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		bySession: make(map[string]map[string]*Viewer),
	}
}

// Attach registers a connected socket as a viewer of the given session
// and starts its read and write pumps.
func (h *Hub) Attach(sessionID string, conn *websocket.Conn) *Viewer {
	ctx, cancel := context.WithCancel(context.Background())
	v := &Viewer{
		ID:        "viewer-" + uuid.New().String(),
		SessionID: sessionID,
		conn:      conn,
		send:      make(chan []byte, sendQueueSize),
		ctx:       ctx,
		cancel:    cancel,
	}

	h.mu.Lock()
	viewers, ok := h.bySession[sessionID]
	if !ok {
		viewers = make(map[string]*Viewer)
		h.bySession[sessionID] = viewers
	}
	viewers[v.ID] = v
	h.mu.Unlock()

	go v.writeLoop()
	go v.readLoop(h.detach)

	slog.Info("[ViewerHub] Viewer attached", "viewer_id", v.ID, "session_id", sessionID)
	return v
}

func (h *Hub) detach(v *Viewer) {
	h.mu.Lock()
	if viewers, ok := h.bySession[v.SessionID]; ok {
		delete(viewers, v.ID)
		if len(viewers) == 0 {
			delete(h.bySession, v.SessionID)
		}
	}
	h.mu.Unlock()

	v.Close()
	slog.Info("[ViewerHub] Viewer detached", "viewer_id", v.ID,
		"session_id", v.SessionID, "frames_dropped", v.Dropped())
}

// Broadcast marshals one packet and offers it to every viewer of the
// session. The frame is prefixed with a one-byte stream tag.
func (h *Hub) Broadcast(sessionID string, kind StreamKind, pkt *rtp.Packet) error {
	raw, err := pkt.Marshal()
	if err != nil {
		return err
	}

	frame := make([]byte, 1+len(raw))
	frame[0] = byte(kind)
	copy(frame[1:], raw)

	h.mu.RLock()
	viewers := h.bySession[sessionID]
	for _, v := range viewers {
		select {
		case v.send <- frame:
			h.sent.Add(1)
		default:
			v.dropped.Add(1)
			h.dropped.Add(1)
		}
	}
	h.mu.RUnlock()
	return nil
}

// ViewerCount reports how many viewers are watching a session.
func (h *Hub) ViewerCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.bySession[sessionID])
}

// Stats returns the hub's counters.
func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	total := 0
	for _, viewers := range h.bySession {
		total += len(viewers)
	}
	h.mu.RUnlock()

	return HubStats{
		Viewers:       total,
		FramesSent:    h.sent.Load(),
		FramesDropped: h.dropped.Load(),
	}
}

// CloseSession disconnects every viewer of one session.
func (h *Hub) CloseSession(sessionID string) {
	h.mu.Lock()
	viewers := h.bySession[sessionID]
	delete(h.bySession, sessionID)
	h.mu.Unlock()

	for _, v := range viewers {
		v.Close()
	}
}

// CloseAll disconnects every viewer.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	all := h.bySession
	h.bySession = make(map[string]map[string]*Viewer)
	h.mu.Unlock()

	for _, viewers := range all {
		for _, v := range viewers {
			v.Close()
		}
	}
}

// broadcastWriter adapts the hub to media.RTPWriter for one stream of
// one session, so a StreamWriter can pace packets straight into the
// fan-out.
type broadcastWriter struct {
	hub       *Hub
	sessionID string
	kind      StreamKind
}

// Writer returns an RTPWriter that broadcasts to the session's viewers.
func (h *Hub) Writer(sessionID string, kind StreamKind) media.RTPWriter {
	return &broadcastWriter{hub: h, sessionID: sessionID, kind: kind}
}

func (w *broadcastWriter) WriteRTP(pkt *rtp.Packet) error {
	return w.hub.Broadcast(w.sessionID, w.kind, pkt)
}

var _ media.RTPWriter = (*broadcastWriter)(nil)
