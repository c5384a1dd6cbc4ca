// Package session owns the lifecycle of console relay sessions: one
// reorder/handoff pipeline per stream, routed by SSRC, torn down as a
// unit.
package session

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sebas/streamrelay/internal/relay/media"
	"github.com/sebas/streamrelay/internal/relay/reorder"
)

// StreamInfo identifies the console's streams. It is owned by the
// caller and passed in at creation; the core keeps no ambient per-
// stream identifiers of its own.
type StreamInfo struct {
	ConsoleAddr string
	AudioSSRC   uint32
	VideoSSRC   uint32
}

// Session is one console connection being relayed.
type Session struct {
	ID        string
	Info      StreamInfo
	Audio     *Pipeline
	Video     *Pipeline
	CreatedAt time.Time
}

// Push routes a decoded frame to the stream it belongs to. Frames with
// an unknown SSRC are dropped and counted by the caller.
func (s *Session) Push(f *media.Frame) bool {
	switch f.SSRC {
	case s.Info.AudioSSRC:
		s.Audio.Push(f)
	case s.Info.VideoSSRC:
		s.Video.Push(f)
	default:
		return false
	}
	return true
}

// Sweep runs the timeout sweep on both streams.
func (s *Session) Sweep() {
	s.Audio.Sweep()
	s.Video.Sweep()
}

// Reset prepares both pipelines for a restarted stream.
func (s *Session) Reset() {
	s.Audio.Reset()
	s.Video.Reset()
}

// SessionStats is a point-in-time view of one session.
type SessionStats struct {
	ID        string
	Console   string
	CreatedAt time.Time
	Audio     PipelineStats
	Video     PipelineStats
}

// Manager manages relay sessions.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session // sessionID -> Session
	bySSRC   map[uint32]*Session

	reorderCfg    reorder.Config
	queueCapacity uint32
}

// NewManager creates a session manager. The reorder config and queue
// capacity apply to every pipeline it creates.
func NewManager(reorderCfg reorder.Config, queueCapacity uint32) *Manager {
	return &Manager{
		sessions:      make(map[string]*Session),
		bySSRC:        make(map[uint32]*Session),
		reorderCfg:    reorderCfg,
		queueCapacity: queueCapacity,
	}
}

// Create starts a session for the given console streams, wiring the
// audio and video pipelines to their sinks.
func (m *Manager) Create(info StreamInfo, audioSink, videoSink media.Sink) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if info.AudioSSRC == info.VideoSSRC {
		return nil, fmt.Errorf("audio and video SSRC collide: %d", info.AudioSSRC)
	}
	if existing, ok := m.bySSRC[info.AudioSSRC]; ok {
		return nil, fmt.Errorf("SSRC %d already owned by session %s", info.AudioSSRC, existing.ID)
	}
	if existing, ok := m.bySSRC[info.VideoSSRC]; ok {
		return nil, fmt.Errorf("SSRC %d already owned by session %s", info.VideoSSRC, existing.ID)
	}

	id := "session-" + uuid.New().String()

	audio, err := NewPipeline(id+"/audio", m.reorderCfg, m.queueCapacity, audioSink)
	if err != nil {
		return nil, fmt.Errorf("failed to create audio pipeline: %w", err)
	}
	video, err := NewPipeline(id+"/video", m.reorderCfg, m.queueCapacity, videoSink)
	if err != nil {
		audio.Close()
		return nil, fmt.Errorf("failed to create video pipeline: %w", err)
	}

	sess := &Session{
		ID:        id,
		Info:      info,
		Audio:     audio,
		Video:     video,
		CreatedAt: time.Now(),
	}
	m.sessions[id] = sess
	m.bySSRC[info.AudioSSRC] = sess
	m.bySSRC[info.VideoSSRC] = sess

	slog.Info("[SessionMgr] Session created",
		"session_id", id,
		"console", info.ConsoleAddr,
		"audio_ssrc", info.AudioSSRC,
		"video_ssrc", info.VideoSSRC)

	return sess, nil
}

// Get returns a session by ID.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	return sess, ok
}

// BySSRC returns the session owning the given stream.
func (m *Manager) BySSRC(ssrc uint32) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.bySSRC[ssrc]
	return sess, ok
}

// Destroy tears down a session and its pipelines.
func (m *Manager) Destroy(id string) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("session not found: %s", id)
	}
	delete(m.sessions, id)
	delete(m.bySSRC, sess.Info.AudioSSRC)
	delete(m.bySSRC, sess.Info.VideoSSRC)
	m.mu.Unlock()

	// Close outside the lock: draining can take up to the grace period.
	sess.Audio.Close()
	sess.Video.Close()

	slog.Info("[SessionMgr] Session destroyed", "session_id", id)
	return nil
}

// DestroyAll tears down every session, for shutdown.
func (m *Manager) DestroyAll() {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		all = append(all, sess)
	}
	m.sessions = make(map[string]*Session)
	m.bySSRC = make(map[uint32]*Session)
	m.mu.Unlock()

	for _, sess := range all {
		sess.Audio.Close()
		sess.Video.Close()
	}
}

// Sweep runs the timeout sweep on every session. Driven by the flush
// ticker, independent of packet arrivals.
func (m *Manager) Sweep() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, sess := range m.sessions {
		sess.Sweep()
	}
}

// Stats returns a snapshot for every session.
func (m *Manager) Stats() []SessionStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]SessionStats, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, SessionStats{
			ID:        sess.ID,
			Console:   sess.Info.ConsoleAddr,
			CreatedAt: sess.CreatedAt,
			Audio:     sess.Audio.Stats(),
			Video:     sess.Video.Stats(),
		})
	}
	return out
}
