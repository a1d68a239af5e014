package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/gridcrawler/internal/event"
	"github.com/JakeFAU/gridcrawler/internal/metrics"
	"github.com/JakeFAU/gridcrawler/internal/session"
)

const defaultRequestTimeout = 30 * time.Second

// SessionReader loads session records.
type SessionReader interface {
	Get(ctx context.Context, crawlerID string) (session.Session, bool, error)
}

// Stopper raises the stop flag of the crawler.
type Stopper interface {
	Stop(ctx context.Context) error
}

// EventSource returns recently emitted events, oldest first.
type EventSource interface {
	Events() []event.Event
}

// ReadyFunc reports whether the node's dependencies are reachable.
type ReadyFunc func(ctx context.Context) error

// Options configures a Server.
type Options struct {
	CrawlerID      string
	APIKey         string
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the session registry and stop flag.
type Server struct {
	router   chi.Router
	opts     Options
	sessions SessionReader
	stopper  Stopper
	events   EventSource
	ready    ReadyFunc
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes. events and ready
// may be nil.
func NewServer(
	opts Options,
	sessions SessionReader,
	stopper Stopper,
	events EventSource,
	ready ReadyFunc,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	s := &Server{
		opts:     opts,
		sessions: sessions,
		stopper:  stopper,
		events:   events,
		ready:    ready,
		logger:   logger.Named("api"),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(opts.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if opts.APIKey != "" {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		r.Get("/session", s.getSession)
		r.Post("/stop", s.stop)
		r.Get("/events", s.listEvents)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	rec, ok, err := s.sessions.Get(r.Context(), s.opts.CrawlerID)
	if err != nil {
		s.logger.Error("load session failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": toSessionDTO(rec)})
}

func (s *Server) stop(w http.ResponseWriter, r *http.Request) {
	if err := s.stopper.Stop(r.Context()); err != nil {
		s.logger.Error("stop request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to raise stop flag")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"crawler_id": s.opts.CrawlerID,
		"status":     "stop requested",
	})
}

type sessionDTO struct {
	CrawlerID   string    `json:"crawler_id"`
	CrawlState  string    `json:"crawl_state"`
	ResumeState string    `json:"resume_state"`
	CrawlMode   string    `json:"crawl_mode"`
	LastUpdated time.Time `json:"last_updated"`
}

func toSessionDTO(s session.Session) sessionDTO {
	return sessionDTO{
		CrawlerID:   s.CrawlerID,
		CrawlState:  string(s.CrawlState),
		ResumeState: string(s.ResumeState),
		CrawlMode:   string(s.CrawlMode),
		LastUpdated: s.LastUpdatedTime(),
	}
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Debug("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.String("request_id", reqID),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
