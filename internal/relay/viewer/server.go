package viewer

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/sugawarayuuta/sonnet"
	"nhooyr.io/websocket"
)

// Describer resolves a session ID to the SDP describing its streams.
// It returns an error for unknown sessions.
type Describer func(sessionID string) (string, error)

// StatsSource produces the stats document served at /stats.
type StatsSource func() any

// Server exposes the viewer-facing HTTP surface: a WebSocket watch
// endpoint per session plus stats and health probes.
type Server struct {
	hub      *Hub
	describe Describer
	stats    StatsSource
	httpSrv  *http.Server
	ln       net.Listener
}

// NewServer wires the hub and callbacks into an HTTP server listening
// on addr.
func NewServer(addr string, hub *Hub, describe Describer, stats StatsSource) *Server {
	s := &Server{
		hub:      hub,
		describe: describe,
		stats:    stats,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /sessions/{id}/watch", s.handleWatch)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start begins serving. It returns once the listener is bound; serve
// errors after that are logged, not returned.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpSrv.Addr)
	if err != nil {
		return err
	}
	s.ln = ln

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("[ViewerServer] Serve error", "error", err)
		}
	}()

	slog.Info("[ViewerServer] Listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound listener address. Valid after Start.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// handleWatch upgrades to WebSocket, sends the session's SDP as the
// first text message, then attaches the viewer to the broadcast.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	desc, err := s.describe(sessionID)
	if err != nil {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("[ViewerServer] Upgrade failed", "session_id", sessionID, "error", err)
		return
	}

	if err := conn.Write(r.Context(), websocket.MessageText, []byte(desc)); err != nil {
		conn.Close(websocket.StatusInternalError, "sdp write failed")
		return
	}

	s.hub.Attach(sessionID, conn)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	doc := struct {
		Hub      HubStats `json:"hub"`
		Sessions any      `json:"sessions"`
	}{
		Hub:      s.hub.Stats(),
		Sessions: s.stats(),
	}

	body, err := sonnet.Marshal(doc)
	if err != nil {
		http.Error(w, "stats encoding failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// Shutdown disconnects all viewers and stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.CloseAll()
	return s.httpSrv.Shutdown(ctx)
}
