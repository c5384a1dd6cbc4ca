// Package relay assembles the full pipeline: UDP receivers decode the
// console's RTP, the session layer rebuilds presentation order and
// hands frames to paced writers, and the viewer hub fans the result
// out over WebSocket.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"

	"github.com/sebas/streamrelay/internal/relay/config"
	"github.com/sebas/streamrelay/internal/relay/media"
	"github.com/sebas/streamrelay/internal/relay/reorder"
	"github.com/sebas/streamrelay/internal/relay/sdp"
	"github.com/sebas/streamrelay/internal/relay/session"
	"github.com/sebas/streamrelay/internal/relay/transport"
	"github.com/sebas/streamrelay/internal/relay/viewer"
)

// Stats is the document served at the viewer API's /stats endpoint.
type Stats struct {
	Audio    transport.Stats        `json:"audio"`
	Video    transport.Stats        `json:"video"`
	Sessions []session.SessionStats `json:"sessions"`
}

// Relay is the running service. The console announces nothing; the
// relay learns each stream's SSRC from the first packet on its socket
// and opens the session once both streams have been seen.
type Relay struct {
	cfg     *config.Config
	manager *session.Manager
	hub     *viewer.Hub
	server  *viewer.Server

	audioRcv *transport.Receiver
	videoRcv *transport.Receiver

	mu           sync.Mutex
	sess         *session.Session
	audioLearned bool
	videoLearned bool
	audioSSRC    uint32
	videoSSRC    uint32
	audioOut     *media.StreamWriter
	videoOut     *media.StreamWriter
	monitor      *media.MonitorTap
	desc         []byte
}

// New wires a relay from configuration. Nothing is listening until
// Start.
func New(cfg *config.Config) *Relay {
	reorderCfg := reorder.DefaultConfig()
	reorderCfg.WindowStart = cfg.WindowStart
	reorderCfg.WindowMin = cfg.WindowMin
	reorderCfg.WindowMax = cfg.WindowMax
	reorderCfg.BaseTimeout = cfg.BaseTimeout
	reorderCfg.MinTimeout = cfg.MinTimeout
	reorderCfg.MaxTimeout = cfg.MaxTimeout
	reorderCfg.ReinitGrace = cfg.ReinitGrace

	r := &Relay{
		cfg:     cfg,
		manager: session.NewManager(reorderCfg, uint32(cfg.QueueCapacity)),
		hub:     viewer.NewHub(),
	}
	r.server = viewer.NewServer(
		fmt.Sprintf("%s:%d", cfg.ViewerBindAddr, cfg.ViewerPort),
		r.hub, r.describe, r.snapshot)
	return r
}

// Start binds the stream sockets and the viewer API. Configuration is
// validated here so a bad value fails the process at startup rather
// than when the first session opens.
func (r *Relay) Start() error {
	if err := r.cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	audioConn, err := net.ListenPacket("udp",
		fmt.Sprintf("%s:%d", r.cfg.StreamBindAddr, r.cfg.AudioPort))
	if err != nil {
		return fmt.Errorf("failed to bind audio socket: %w", err)
	}
	videoConn, err := net.ListenPacket("udp",
		fmt.Sprintf("%s:%d", r.cfg.StreamBindAddr, r.cfg.VideoPort))
	if err != nil {
		audioConn.Close()
		return fmt.Errorf("failed to bind video socket: %w", err)
	}

	r.audioRcv = transport.NewReceiver("audio", audioConn, r.pushAudio,
		r.manager.Sweep, r.cfg.FlushInterval)
	r.videoRcv = transport.NewReceiver("video", videoConn, r.pushVideo,
		r.manager.Sweep, r.cfg.FlushInterval)

	if err := r.server.Start(); err != nil {
		audioConn.Close()
		videoConn.Close()
		return fmt.Errorf("failed to start viewer server: %w", err)
	}

	r.audioRcv.Start()
	r.videoRcv.Start()

	slog.Info("[Relay] Running",
		"audio_port", r.cfg.AudioPort,
		"video_port", r.cfg.VideoPort,
		"viewer_port", r.cfg.ViewerPort,
		"advertise", r.cfg.AdvertiseAddr)
	return nil
}

// AudioAddr and VideoAddr report the bound stream sockets, for
// callers that configured port 0.
func (r *Relay) AudioAddr() net.Addr { return r.audioRcv.LocalAddr() }
func (r *Relay) VideoAddr() net.Addr { return r.videoRcv.LocalAddr() }

// ViewerAddr reports the viewer API's bound address. Valid after Start.
func (r *Relay) ViewerAddr() net.Addr { return r.server.Addr() }

func (r *Relay) pushAudio(f *media.Frame) bool { return r.push(f, true) }
func (r *Relay) pushVideo(f *media.Frame) bool { return r.push(f, false) }

func (r *Relay) push(f *media.Frame, audio bool) bool {
	r.mu.Lock()
	if audio && !r.audioLearned {
		r.audioLearned = true
		r.audioSSRC = f.SSRC
		r.tryOpenSession()
	} else if !audio && !r.videoLearned {
		r.videoLearned = true
		r.videoSSRC = f.SSRC
		r.tryOpenSession()
	}
	sess := r.sess
	r.mu.Unlock()

	if sess == nil {
		return false
	}
	return sess.Push(f)
}

// tryOpenSession creates the session once both stream identities are
// known. Caller holds r.mu.
func (r *Relay) tryOpenSession() {
	if r.sess != nil || !r.audioLearned || !r.videoLearned {
		return
	}
	if r.audioSSRC == r.videoSSRC {
		slog.Error("[Relay] Console streams share an SSRC, cannot open session",
			"ssrc", r.audioSSRC)
		r.audioLearned = false
		r.videoLearned = false
		return
	}

	audioSink := &boundWriter{hub: r.hub, kind: viewer.KindAudio}
	videoSink := &boundWriter{hub: r.hub, kind: viewer.KindVideo}
	audioOut := media.NewStreamWriter(audioSink, media.CodecOpus)
	videoOut := media.NewStreamWriter(videoSink, media.CodecH264)

	var audioPath media.Sink = audioOut
	if r.cfg.MonitorAddr != "" && r.monitor == nil {
		tap, err := media.NewMonitorTap(r.cfg.MonitorAddr)
		if err != nil {
			slog.Warn("[Relay] Monitor tap disabled", "dest", r.cfg.MonitorAddr, "error", err)
		} else {
			r.monitor = tap
			audioPath = teeSink{primary: audioOut, tap: tap}
		}
	}

	sess, err := r.manager.Create(session.StreamInfo{
		ConsoleAddr: r.audioRcv.RemoteAddr(),
		AudioSSRC:   r.audioSSRC,
		VideoSSRC:   r.videoSSRC,
	}, audioPath, videoOut)
	if err != nil {
		slog.Error("[Relay] Failed to open session", "error", err)
		audioOut.Close()
		videoOut.Close()
		// Forget both identities so the next packets retry instead of
		// leaving the relay up but permanently sessionless.
		r.audioLearned = false
		r.videoLearned = false
		return
	}

	audioSink.bind(sess.ID)
	videoSink.bind(sess.ID)

	r.sess = sess
	r.audioOut = audioOut
	r.videoOut = videoOut
	r.desc = sdp.BuildStreamSDP(r.cfg.AdvertiseAddr, uint64(time.Now().Unix()),
		[]sdp.StreamInfo{
			{Codec: media.CodecOpus, Port: r.cfg.AudioPort, SSRC: audioOut.SSRC()},
			{Codec: media.CodecH264, Port: r.cfg.VideoPort, SSRC: videoOut.SSRC()},
		})
}

func (r *Relay) describe(sessionID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sess == nil || r.sess.ID != sessionID {
		return "", fmt.Errorf("unknown session: %s", sessionID)
	}
	return string(r.desc), nil
}

func (r *Relay) snapshot() any {
	return Stats{
		Audio:    r.audioRcv.Stats(),
		Video:    r.videoRcv.Stats(),
		Sessions: r.manager.Stats(),
	}
}

// Shutdown stops packet intake, drains the pipelines, and disconnects
// viewers.
func (r *Relay) Shutdown(ctx context.Context) {
	if r.audioRcv != nil {
		r.audioRcv.Close()
	}
	if r.videoRcv != nil {
		r.videoRcv.Close()
	}

	r.manager.DestroyAll()

	r.mu.Lock()
	if r.audioOut != nil {
		r.audioOut.Close()
	}
	if r.videoOut != nil {
		r.videoOut.Close()
	}
	if r.monitor != nil {
		r.monitor.Close()
	}
	r.mu.Unlock()

	if err := r.server.Shutdown(ctx); err != nil {
		slog.Warn("[Relay] Viewer server shutdown", "error", err)
	}
	slog.Info("[Relay] Stopped")
}

// boundWriter broadcasts to the viewers of one session. The session ID
// is bound after the session exists; packets written before binding
// are discarded, which only happens during session creation itself.
type boundWriter struct {
	hub  *viewer.Hub
	kind viewer.StreamKind
	id   atomic.Pointer[string]
}

func (w *boundWriter) bind(sessionID string) {
	w.id.Store(&sessionID)
}

func (w *boundWriter) WriteRTP(pkt *rtp.Packet) error {
	id := w.id.Load()
	if id == nil {
		return nil
	}
	return w.hub.Broadcast(*id, w.kind, pkt)
}

var _ media.RTPWriter = (*boundWriter)(nil)

// teeSink forwards the relayed audio path and offers each frame to
// the monitor tap. The tap's Offer never blocks, so the primary path
// keeps its pacing budget.
type teeSink struct {
	primary media.Sink
	tap     *media.MonitorTap
}

func (s teeSink) Send(payload []byte, timestamp uint32) error {
	s.tap.Offer(payload, timestamp)
	return s.primary.Send(payload, timestamp)
}

var _ media.Sink = teeSink{}
