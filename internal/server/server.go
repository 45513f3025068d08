package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/aymnn34/calls/internal/config"
	"github.com/aymnn34/calls/internal/metrics"
	"github.com/aymnn34/calls/internal/signaling"
	"github.com/aymnn34/calls/internal/version"
)

// Server is the signaling HTTP server: health endpoints, metrics and the
// WebSocket endpoint backed by a Hub.
type Server struct {
	log     *slog.Logger
	cfg     config.Server
	hub     *signaling.Hub
	metrics *metrics.Metrics

	ready atomic.Bool

	mux *http.ServeMux
	srv *http.Server
}

func New(cfg config.Server, hub *signaling.Hub, m *metrics.Metrics, logger *slog.Logger) *Server {
	s := &Server{
		log:     logger,
		cfg:     cfg,
		hub:     hub,
		metrics: m,
		mux:     http.NewServeMux(),
	}

	s.registerRoutes()

	handler := chain(s.mux,
		recoverMiddleware(s.log),
		requestIDMiddleware(),
		requestLoggerMiddleware(s.log),
	)

	s.srv = &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

// Handler returns the root handler including middleware.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

func (s *Server) Serve(l net.Listener) error {
	s.ready.Store(true)
	s.log.Info("http server serving", "addr", l.Addr().String())
	return s.srv.Serve(l)
}

// Shutdown stops accepting connections and waits for in-flight requests.
// Hijacked WebSocket connections are closed by the hub, not here.
func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	return s.srv.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	ws := ServeWs(s.hub, signaling.ClientOptions{
		MaxMessageSize: s.cfg.MaxMessageBytes,
		RateLimit:      s.cfg.RateLimit,
	}, s.cfg.AllowedOrigins, s.log)

	s.mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("Signaling server is healthy."))
	})

	s.mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-s.hub.Done():
			WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "error": "hub stopped"})
			return
		default:
		}
		if !s.ready.Load() {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false})
			return
		}
		rooms, participants := s.hub.Stats()
		WriteJSON(w, http.StatusOK, map[string]any{"ready": true, "rooms": rooms, "participants": participants})
	})

	s.mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{"version": version.Version, "commit": version.Commit()})
	})

	s.mux.Handle("GET /metrics", metrics.PrometheusHandler(s.metrics,
		metrics.Gauge{
			Name: "calls_rooms_active",
			Help: "Rooms with at least one participant.",
			Value: func() int64 {
				rooms, _ := s.hub.Stats()
				return rooms
			},
		},
		metrics.Gauge{
			Name: "calls_participants_active",
			Help: "Participants joined to a room.",
			Value: func() int64 {
				_, participants := s.hub.Stats()
				return participants
			},
		},
	))

	// Browsers in the original deployment connect to the root URL.
	s.mux.HandleFunc("GET /ws", ws)
	s.mux.HandleFunc("GET /{$}", ws)
}

type Middleware func(http.Handler) http.Handler

func chain(handler http.Handler, middlewares ...Middleware) http.Handler {
	h := handler
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

func recoverMiddleware(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic in http handler", "recover", rec, "stack", string(debug.Stack()))
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func requestIDMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := r.Header.Get("X-Request-ID")
			if reqID == "" {
				reqID = uuid.NewString()
				r.Header.Set("X-Request-ID", reqID)
			}
			w.Header().Set("X-Request-ID", reqID)
			next.ServeHTTP(w, r)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Hijack lets the WebSocket upgrader take over the connection.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func requestLoggerMiddleware(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()

			next.ServeHTTP(sw, r)

			logger.Debug("http_request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"remote_addr", r.RemoteAddr,
				"request_id", r.Header.Get("X-Request-ID"),
			)
		})
	}
}

// WriteJSON writes a JSON response body and sets the Content-Type header.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
