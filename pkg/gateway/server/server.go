// Package server wires the HTTP surface: the custom-LLM WebSocket endpoint,
// the telephony media-stream endpoints, and health. Each accepted connection
// becomes one tracked session goroutine.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-bridge/pkg/backend"
	"github.com/vango-go/vai-bridge/pkg/bridge/audio"
	"github.com/vango-go/vai-bridge/pkg/bridge/protocol"
	"github.com/vango-go/vai-bridge/pkg/bridge/session"
	"github.com/vango-go/vai-bridge/pkg/bridge/sessions"
	"github.com/vango-go/vai-bridge/pkg/gateway/config"
	"github.com/vango-go/vai-bridge/pkg/record"
	"github.com/vango-go/vai-bridge/pkg/tools"
)

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	text     backend.TextBackend
	realtime backend.RealtimeBackend
	registry *tools.Registry
	recorder record.Sink
	tracker  *sessions.Tracker

	upgrader websocket.Upgrader
}

type Dependencies struct {
	Config   config.Config
	Logger   *slog.Logger
	Text     backend.TextBackend
	Realtime backend.RealtimeBackend
	Registry *tools.Registry
	Recorder record.Sink
	Tracker  *sessions.Tracker
}

func New(deps Dependencies) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracker := deps.Tracker
	if tracker == nil {
		tracker = sessions.NewTracker()
	}
	recorder := deps.Recorder
	if recorder == nil {
		recorder = record.Noop{}
	}

	s := &Server{
		cfg:      deps.Config,
		logger:   logger,
		mux:      http.NewServeMux(),
		text:     deps.Text,
		realtime: deps.Realtime,
		registry: deps.Registry,
		recorder: recorder,
		tracker:  tracker,
		upgrader: websocket.Upgrader{
			// Telephony providers do not send browser origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /llm-websocket/{call_id}", s.handleCustomLLM)
	s.mux.HandleFunc("GET /media-stream/twilio", s.handleMediaStream(protocol.DialectTwilio))
	s.mux.HandleFunc("GET /media-stream/telnyx", s.handleMediaStream(protocol.DialectTelnyx))
}

func (s *Server) Tracker() *sessions.Tracker {
	return s.tracker
}

// Handler returns the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = recoverMiddleware(s.logger, h)
	h = accessLog(s.logger, h)
	return h
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":        "ok",
		"active_calls":  s.tracker.Count(),
		"call_sessions": s.tracker.IDs(),
	})
}

// handleCustomLLM serves the custom-LLM WebSocket protocol. The call id from
// the path seeds the session before call_details arrives.
func (s *Server) handleCustomLLM(w http.ResponseWriter, r *http.Request) {
	callID := r.PathValue("call_id")
	if callID == "" {
		http.Error(w, "missing call_id", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	sessionID := uuid.NewString()
	sess, err := session.New(session.Dependencies{
		Conn:      conn,
		Logger:    s.logger,
		Backend:   s.text,
		Tools:     s.registry,
		Recorder:  s.recorder,
		Agent:     s.agentConfig(),
		SessionID: sessionID,
	})
	if err != nil {
		s.logger.Error("session setup failed", "error", err, "call_id", callID)
		_ = conn.Close()
		return
	}
	sess.SetCallID(callID)

	unregister := s.tracker.Register(sessionID, sessions.Handle{Cancel: sess.Cancel})
	defer unregister()
	_ = sess.Run()
}

// handleMediaStream serves a telephony media-stream WebSocket in the given
// provider dialect.
func (s *Server) handleMediaStream(dialect protocol.Dialect) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		sessionID := uuid.NewString()
		bridge, err := audio.New(audio.Dependencies{
			Conn:      conn,
			Logger:    s.logger,
			Realtime:  s.realtime,
			Tools:     s.registry,
			Recorder:  s.recorder,
			Agent:     s.agentConfig(),
			Dialect:   dialect,
			SessionID: sessionID,
		})
		if err != nil {
			s.logger.Error("media bridge setup failed", "error", err, "dialect", string(dialect))
			_ = conn.Close()
			return
		}

		unregister := s.tracker.Register(sessionID, sessions.Handle{Cancel: bridge.Cancel})
		defer unregister()
		_ = bridge.Run()
	}
}

func (s *Server) agentConfig() session.AgentConfig {
	cfg := session.AgentConfig{
		SystemPrompt:      s.cfg.SystemPrompt,
		Greeting:          s.cfg.Greeting,
		Language:          s.cfg.Language,
		Voice:             s.cfg.RealtimeVoice,
		Temperature:       s.cfg.Temperature,
		MaxTokens:         s.cfg.MaxTokens,
		MaxCallDuration:   s.cfg.MaxCallDuration,
		MaxRecursiveDepth: s.cfg.MaxRecursiveDepth,
		KeepaliveInterval: s.cfg.KeepaliveInterval,
		WriteTimeout:      s.cfg.WriteTimeout,
		ToolCallTimeout:   s.cfg.ToolCallTimeout,
		MaxFrameBytes:     s.cfg.MaxFrameBytes,
		MaxMediaBytes:     s.cfg.MaxMediaBytes,
	}
	cfg.ApplyDefaults()
	return cfg
}

func recoverMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				if logger != nil {
					logger.Error("panic", "panic", v, "path", r.URL.Path)
				}
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func accessLog(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(sw, r)
		if logger == nil {
			return
		}
		logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
		)
	})
}
