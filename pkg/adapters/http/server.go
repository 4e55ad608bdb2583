// Package http exposes an engine over HTTP: state reads, triggers, stage
// introspection and a Server-Sent Events stream of changes.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aretw0/sluice/internal/logging"
	"github.com/aretw0/sluice/pkg/domain"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// DefaultSessionHeader carries the session id when sessions are enabled.
const DefaultSessionHeader = "X-Session-ID"

// Engine is the part of the engine the HTTP layer needs.
type Engine interface {
	TriggerPatch(ctx context.Context, patch domain.Patch) (domain.Version, error)
	Read(ctx context.Context, key string) (any, bool, error)
	Snapshot(ctx context.Context) (domain.Snapshot, error)
	Subscribe(keys ...string) (<-chan domain.Change, func())
	Stages() []domain.StageInfo
	Wait(ctx context.Context) error
}

// Resolver returns the engine serving a session.
type Resolver func(ctx context.Context, sessionID string) (Engine, error)

// Server holds the handlers.
type Server struct {
	resolve       Resolver
	sessions      bool
	sessionHeader string
	version       string
	logger        *slog.Logger
}

// Option configures the Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithSessionHeader changes the header read by session routing.
func WithSessionHeader(name string) Option {
	return func(s *Server) {
		s.sessionHeader = name
	}
}

// WithVersion sets the version reported by GET /info.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// NewHandler serves a single engine.
func NewHandler(engine Engine, opts ...Option) http.Handler {
	s := newServer(func(context.Context, string) (Engine, error) { return engine, nil }, false, opts)
	return s.routes()
}

// NewSessionHandler serves one engine per session, chosen by the session header.
func NewSessionHandler(resolve Resolver, opts ...Option) http.Handler {
	s := newServer(resolve, true, opts)
	return s.routes()
}

func newServer(resolve Resolver, sessions bool, opts []Option) *Server {
	s := &Server{
		resolve:       resolve,
		sessions:      sessions,
		sessionHeader: DefaultSessionHeader,
		version:       "dev",
		logger:        logging.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(enableCORS(s.sessionHeader))

	r.Get("/health", s.GetHealth)
	r.Get("/info", s.GetInfo)
	r.Group(func(r chi.Router) {
		r.Use(s.withEngine)
		r.Get("/state", s.GetState)
		r.Get("/state/{key}", s.GetKey)
		r.Post("/trigger", s.Trigger)
		r.Get("/stages", s.GetStages)
		r.Get("/events", s.SubscribeEvents)
	})
	return r
}

func enableCORS(sessionHeader string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+sessionHeader)
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type engineKey struct{}

func engineFrom(ctx context.Context) Engine {
	return ctx.Value(engineKey{}).(Engine)
}

// withEngine resolves the engine of the request and stores it in the context.
func (s *Server) withEngine(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessionID := ""
		if s.sessions {
			sessionID = strings.TrimSpace(r.Header.Get(s.sessionHeader))
			if sessionID == "" {
				sessionID = r.URL.Query().Get("session_id") // EventSource cannot set headers
			}
			if sessionID == "" {
				writeError(w, http.StatusBadRequest, fmt.Sprintf("missing %s header", s.sessionHeader))
				return
			}
		}
		eng, err := s.resolve(r.Context(), sessionID)
		if err != nil {
			s.logger.Error("failed to resolve engine", "session_id", sessionID, "error", err)
			writeError(w, http.StatusInternalServerError, "session unavailable")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), engineKey{}, eng)))
	})
}

// GetHealth handles the GET /health request.
func (s *Server) GetHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GetInfo handles the GET /info request.
func (s *Server) GetInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"app":      "sluice-http",
		"version":  s.version,
		"sessions": s.sessions,
	})
}

// GetState handles the GET /state request.
func (s *Server) GetState(w http.ResponseWriter, r *http.Request) {
	snap, err := engineFrom(r.Context()).Snapshot(r.Context())
	if err != nil {
		s.logger.Error("snapshot failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// KeyResponse is the body of GET /state/{key}.
type KeyResponse struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// GetKey handles the GET /state/{key} request.
func (s *Server) GetKey(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	v, ok, err := engineFrom(r.Context()).Read(r.Context(), key)
	if err != nil {
		s.logger.Error("read failed", "key", key, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("key %q not set", key))
		return
	}
	writeJSON(w, http.StatusOK, KeyResponse{Key: key, Value: v})
}

// TriggerRequest is the body of POST /trigger. Either Patch or Key is set.
type TriggerRequest struct {
	Patch domain.Patch `json:"patch,omitempty"`
	Key   string       `json:"key,omitempty"`
	Value any          `json:"value,omitempty"`
}

// TriggerResponse reports the committed version. With ?wait=true it also
// carries everything the resulting runs changed.
type TriggerResponse struct {
	Version domain.Version    `json:"version"`
	Diff    *domain.StateDiff `json:"diff,omitempty"`
}

// Trigger handles the POST /trigger request.
func (s *Server) Trigger(w http.ResponseWriter, r *http.Request) {
	var body TriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		s.logger.Warn("Trigger: Invalid request body", "error", err)
		return
	}
	patch := body.Patch
	if patch == nil {
		patch = domain.Patch{}
	}
	if body.Key != "" {
		patch[body.Key] = body.Value
	}
	if len(patch) == 0 {
		writeError(w, http.StatusBadRequest, "empty trigger")
		return
	}

	ctx := r.Context()
	eng := engineFrom(ctx)
	wait := r.URL.Query().Get("wait") == "true"

	var before domain.Snapshot
	if wait {
		var err error
		if before, err = eng.Snapshot(ctx); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	version, err := eng.TriggerPatch(ctx, patch)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, domain.ErrContractViolation):
			status = http.StatusForbidden
		case errors.Is(err, domain.ErrEngineClosed):
			status = http.StatusServiceUnavailable
		}
		s.logger.Warn("trigger rejected", "keys", patch.Keys(), "error", err)
		writeError(w, status, err.Error())
		return
	}

	resp := TriggerResponse{Version: version}
	if wait {
		if err := eng.Wait(ctx); err != nil {
			writeError(w, http.StatusGatewayTimeout, err.Error())
			return
		}
		after, err := eng.Snapshot(ctx)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp.Diff = domain.Diff(before, after)
	}
	writeJSON(w, http.StatusAccepted, resp)
}

// GetStages handles the GET /stages request.
func (s *Server) GetStages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, engineFrom(r.Context()).Stages())
}

// SubscribeEvents handles the GET /events request (SSE).
// The optional keys parameter is a comma separated filter.
func (s *Server) SubscribeEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		s.logger.Error("SubscribeEvents: Streaming not supported")
		return
	}

	var keys []string
	if raw := r.URL.Query().Get("keys"); raw != "" {
		for _, k := range strings.Split(raw, ",") {
			if k = strings.TrimSpace(k); k != "" {
				keys = append(keys, k)
			}
		}
	}

	changes, cancel := engineFrom(r.Context()).Subscribe(keys...)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	fmt.Fprintf(w, "event: ping\ndata: connected\n\n")
	flusher.Flush()
	s.logger.Debug("SSE: client subscribed", "keys", keys)

	for {
		select {
		case <-r.Context().Done():
			s.logger.Debug("SSE: client disconnected")
			return
		case change, ok := <-changes:
			if !ok {
				return
			}
			data, err := json.Marshal(change)
			if err != nil {
				s.logger.Warn("SSE: failed to encode change", "key", change.Key, "error", err)
				continue
			}
			fmt.Fprintf(w, "event: change\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
