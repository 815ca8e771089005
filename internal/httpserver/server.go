package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/origin"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/report"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/room"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/turnrest"
)

var ErrServerClosed = http.ErrServerClosed

const statsReportTimeout = 2 * time.Second

type BuildInfo struct {
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
}

// Deps are the runtime collaborators behind the informational routes. Any of
// them may be nil in tests.
type Deps struct {
	Rooms   *room.Registry
	Reports report.Store
	TURN    *turnrest.Generator
}

type Server struct {
	log    *slog.Logger
	cfg    config.Config
	build  BuildInfo
	deps   Deps
	policy origin.Policy
	now    func() time.Time

	ready atomic.Bool

	mux *http.ServeMux
	srv *http.Server
}

func New(cfg config.Config, logger *slog.Logger, build BuildInfo, deps Deps) *Server {
	s := &Server{
		log:    logger,
		cfg:    cfg,
		build:  build,
		deps:   deps,
		policy: origin.Policy{AllowedOrigins: cfg.AllowedOrigins},
		now:    time.Now,
		mux:    http.NewServeMux(),
	}

	s.registerRoutes()

	handler := chain(s.mux,
		recoverMiddleware(s.log),
		requestIDMiddleware(),
		requestLoggerMiddleware(s.log),
	)

	s.srv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		// Other timeouts stay zero: /ws connections are long-lived.
	}

	return s
}

// Mux returns the underlying ServeMux for registering additional routes.
// It must only be used during startup before Serve is called.
func (s *Server) Mux() *http.ServeMux {
	return s.mux
}

// OriginPolicy is the policy applied to browser-facing routes. The room
// WebSocket uses it as its upgrade CheckOrigin.
func (s *Server) OriginPolicy() origin.Policy {
	return s.policy
}

func (s *Server) Serve(l net.Listener) error {
	s.ready.Store(true)
	s.log.Info("http server serving", "addr", l.Addr().String())
	return s.srv.Serve(l)
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	return s.srv.Shutdown(ctx)
}

// RegisterOnShutdown runs f when Shutdown starts, the hook used to close
// hijacked WebSocket connections that http.Server does not track.
func (s *Server) RegisterOnShutdown(f func()) {
	s.srv.RegisterOnShutdown(f)
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	s.mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false})
			return
		}
		if err := s.cfg.ICEConfigError(); err != nil {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "error": err.Error()})
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"ready": true})
	})

	s.mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, s.build)
	})

	s.mux.HandleFunc("GET /health", s.withOriginPolicy(s.handleHealth))
	s.mux.HandleFunc("GET /stats", s.withOriginPolicy(s.handleStats))
	s.mux.HandleFunc("GET /webrtc/ice", s.withOriginPolicy(s.handleICE))
	s.mux.HandleFunc("OPTIONS /", s.withOriginPolicy(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
}

type healthResponse struct {
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
	RoomCount   int       `json:"roomCount"`
	ReportCount int       `json:"reportCount"`
}

type statsResponse struct {
	Timestamp   time.Time     `json:"timestamp"`
	RoomCount   int           `json:"roomCount"`
	ReportCount int           `json:"reportCount"`
	RoomDetails []room.Detail `json:"roomDetails"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, healthResponse{
		Status:      "ok",
		Timestamp:   s.now().UTC(),
		RoomCount:   s.roomCount(),
		ReportCount: s.reportCount(r.Context()),
	})
}

// handleStats lists per-room details only outside prod; room codes are
// join credentials.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	details := []room.Detail{}
	if s.cfg.Mode != config.ModeProd && s.deps.Rooms != nil {
		details = s.deps.Rooms.Details()
	}
	WriteJSON(w, http.StatusOK, statsResponse{
		Timestamp:   s.now().UTC(),
		RoomCount:   s.roomCount(),
		ReportCount: s.reportCount(r.Context()),
		RoomDetails: details,
	})
}

func (s *Server) roomCount() int {
	if s.deps.Rooms == nil {
		return 0
	}
	return s.deps.Rooms.Len()
}

// reportCount degrades to -1 when the store cannot answer, so a Redis outage
// does not fail health checks for the relay itself.
func (s *Server) reportCount(ctx context.Context) int {
	if s.deps.Reports == nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(ctx, statsReportTimeout)
	defer cancel()
	n, err := s.deps.Reports.Count(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.log.Warn("count reports", "err", err)
		}
		return -1
	}
	return n
}

// WriteJSON writes a JSON response body and sets the Content-Type header.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(v)
}

func (s *Server) Close() error {
	s.ready.Store(false)
	return s.srv.Close()
}
