// Package web exposes the diagramd HTTP API: session lifecycle endpoints,
// the SSE message stream, render retrieval, and the metrics/health surface.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/diagramd/internal/observability"
	"github.com/haasonsaas/diagramd/internal/sessions"
	"github.com/haasonsaas/diagramd/pkg/models"
)

// TurnEngine runs one agent turn against a session and streams progress
// events until the turn finishes.
type TurnEngine interface {
	Run(ctx context.Context, session *models.Session, userText string) <-chan models.Event
}

// Config wires a Server.
type Config struct {
	Store       *sessions.Store
	Engine      TurnEngine
	Logger      *observability.Logger
	Metrics     *observability.Metrics
	MaxSessions int
	MetricsPath string
}

// Server is the HTTP API server.
type Server struct {
	store       *sessions.Store
	engine      TurnEngine
	logger      *observability.Logger
	metrics     *observability.Metrics
	maxSessions int
	router      chi.Router
}

// NewServer builds the API server and its route table.
func NewServer(cfg Config) *Server {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 100
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	s := &Server{
		store:       cfg.Store,
		engine:      cfg.Engine,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		maxSessions: cfg.MaxSessions,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)

	r.Get("/healthz", s.handleHealth)
	r.Handle(cfg.MetricsPath, promhttp.Handler())

	r.Post("/sessions", s.handleCreateSession)
	r.Get("/sessions/{sessionID}", s.handleGetSession)
	r.Delete("/sessions/{sessionID}", s.handleDeleteSession)
	r.Post("/sessions/{sessionID}/messages", s.handleSendMessage)
	r.Get("/sessions/{sessionID}/renders/{renderID}", s.handleGetRender)

	s.router = r
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleCreateSession allocates a new session. At capacity it sweeps expired
// sessions once; if the store is still full the request is rejected.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	count, err := s.store.Count(ctx)
	if err != nil {
		s.serverError(ctx, w, "count sessions", err)
		return
	}
	if count >= s.maxSessions {
		removed, err := s.store.CleanupExpired(ctx)
		if err != nil {
			s.serverError(ctx, w, "cleanup expired sessions", err)
			return
		}
		if removed > 0 && s.logger != nil {
			s.logger.Info(ctx, "swept expired sessions at capacity", "removed", removed)
		}
		count, err = s.store.Count(ctx)
		if err != nil {
			s.serverError(ctx, w, "count sessions", err)
			return
		}
	}
	if count >= s.maxSessions {
		s.jsonError(w, "Session limit reached. Try again later.", http.StatusServiceUnavailable)
		return
	}

	session, err := s.store.Create(ctx)
	if err != nil {
		s.serverError(ctx, w, "create session", err)
		return
	}
	s.updateSessionGauge(ctx)

	if s.logger != nil {
		s.logger.Info(ctx, "session created", "session_id", session.ID)
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"session_id": session.ID})
}

// sessionMetadata is the GET /sessions/{id} response body.
type sessionMetadata struct {
	ID              string    `json:"id"`
	CreatedAt       time.Time `json:"created_at"`
	LastActivity    time.Time `json:"last_activity"`
	MessageCount    int       `json:"message_count"`
	RenderIDs       []string  `json:"render_ids"`
	CurrentRenderID *string   `json:"current_render_id"`
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, ok := s.loadSession(w, r)
	if !ok {
		return
	}

	meta := sessionMetadata{
		ID:           session.ID,
		CreatedAt:    session.CreatedAt,
		LastActivity: session.LastActivity,
		MessageCount: len(session.Messages),
		RenderIDs:    session.RenderOrder,
	}
	if meta.RenderIDs == nil {
		meta.RenderIDs = []string{}
	}
	if session.CurrentRenderID != "" {
		meta.CurrentRenderID = &session.CurrentRenderID
	}
	s.writeJSON(w, http.StatusOK, meta)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := chi.URLParam(r, "sessionID")

	if err := s.store.Delete(ctx, sessionID); err != nil {
		if errors.Is(err, sessions.ErrNotFound) {
			s.jsonError(w, "Session not found.", http.StatusNotFound)
			return
		}
		s.serverError(ctx, w, "delete session", err)
		return
	}
	s.updateSessionGauge(ctx)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetRender(w http.ResponseWriter, r *http.Request) {
	session, ok := s.loadSession(w, r)
	if !ok {
		return
	}
	renderID := chi.URLParam(r, "renderID")

	imageBytes, ok := session.Renders[renderID]
	if !ok {
		s.jsonError(w, fmt.Sprintf("Render '%s' not found.", renderID), http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(len(imageBytes)))
	_, _ = w.Write(imageBytes)
}

// messageRequest is the POST /sessions/{id}/messages body.
type messageRequest struct {
	Message string `json:"message"`
}

// handleSendMessage runs one agent turn and streams its events as SSE. The
// session is persisted before each render_ready frame is forwarded, so a
// client that fetches the render on that event always finds it, and again
// when the stream ends regardless of how the turn finished.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	session, ok := s.loadSession(w, r)
	if !ok {
		return
	}

	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Message == "" {
		s.jsonError(w, "Message is required.", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.jsonError(w, "Streaming unsupported.", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// The final persist must survive client disconnects mid-stream.
	persistCtx := context.WithoutCancel(ctx)
	defer func() {
		if err := s.store.Update(persistCtx, session); err != nil && s.logger != nil {
			s.logger.Error(persistCtx, "persist session after turn failed",
				"error", err, "session_id", session.ID)
		}
	}()

	events := s.engine.Run(ctx, session, req.Message)
	for ev := range events {
		if ev.Type == models.EventRenderReady {
			if err := s.store.Update(persistCtx, session); err != nil {
				if s.logger != nil {
					s.logger.Error(ctx, "persist session before render_ready failed",
						"error", err, "session_id", session.ID)
				}
				continue
			}
		}
		writeSSE(w, flusher, ev)
	}
}

// writeSSE emits one frame in the "event: <type>\ndata: <json>\n\n" shape.
func writeSSE(w http.ResponseWriter, flusher http.Flusher, ev models.Event) {
	data, err := json.Marshal(ev.Payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	flusher.Flush()
}

func (s *Server) loadSession(w http.ResponseWriter, r *http.Request) (*models.Session, bool) {
	ctx := r.Context()
	sessionID := chi.URLParam(r, "sessionID")

	session, err := s.store.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, sessions.ErrNotFound) {
			s.jsonError(w, "Session not found.", http.StatusNotFound)
		} else {
			s.serverError(ctx, w, "load session", err)
		}
		return nil, false
	}
	return session, true
}

func (s *Server) updateSessionGauge(ctx context.Context) {
	if s.metrics == nil {
		return
	}
	if count, err := s.store.Count(ctx); err == nil {
		s.metrics.ActiveSessions.Set(float64(count))
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) jsonError(w http.ResponseWriter, message string, code int) {
	s.writeJSON(w, code, map[string]string{"error": message})
}

func (s *Server) serverError(ctx context.Context, w http.ResponseWriter, op string, err error) {
	if s.logger != nil {
		s.logger.Error(ctx, op+" failed", "error", err)
	}
	s.jsonError(w, "Internal server error.", http.StatusInternalServerError)
}

// instrument records per-request latency and count metrics keyed by the
// matched route pattern, not the raw path, to keep label cardinality bounded.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		if s.metrics == nil {
			return
		}
		pattern := chi.RouteContext(r.Context()).RoutePattern()
		if pattern == "" {
			pattern = "unmatched"
		}
		s.metrics.RecordHTTPRequest(r.Method, pattern,
			strconv.Itoa(ww.Status()), time.Since(start).Seconds())
	})
}
