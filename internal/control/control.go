// Package control serves the HTTP control API of a playback session: the
// facade operations, a status snapshot and the session metrics.
package control

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zsiec/tsdemux/internal/pipeline"
)

// Session is the part of pipeline.Pipeline the API drives.
type Session interface {
	Start()
	Pause()
	Stop()
	Notify()
	RequestSeek(pos time.Duration)
	Snapshot() pipeline.Snapshot
}

type handlers struct {
	log     *slog.Logger
	session Session
}

// NewRouter returns the API handler. gatherer may be nil, in which case
// /metrics is not mounted.
func NewRouter(s Session, gatherer prometheus.Gatherer, log *slog.Logger) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	h := &handlers{log: log.With("component", "control"), session: s}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(h.logRequests)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", h.health)
	r.Get("/status", h.status)
	r.Post("/start", h.action("started", s.Start))
	r.Post("/pause", h.action("paused", s.Pause))
	r.Post("/stop", h.action("stopping", s.Stop))
	r.Post("/notify", h.action("notified", s.Notify))
	r.Post("/seek", h.seek)
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

func (h *handlers) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.log.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"remote", r.RemoteAddr,
			"duration", time.Since(start),
		)
	})
}

func (h *handlers) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.session.Snapshot())
}

func (h *handlers) action(state string, fn func()) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		fn()
		h.log.Info("control", "action", state)
		writeJSON(w, http.StatusOK, map[string]string{"status": state})
	}
}

type seekRequest struct {
	Position string `json:"position"`
}

func (h *handlers) seek(w http.ResponseWriter, r *http.Request) {
	var req seekRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	pos, err := parsePosition(req.Position)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.session.RequestSeek(pos)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "seeking", "position": pos.String()})
}

func parsePosition(s string) (time.Duration, error) {
	if s == "" {
		return 0, errors.New("position is required")
	}
	pos, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid position %q: %w", s, err)
	}
	if pos < 0 {
		return 0, fmt.Errorf("negative position %s", pos)
	}
	return pos, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// Server runs the API on addr until its context ends.
type Server struct {
	log *slog.Logger
	srv *http.Server
}

// NewServer wraps handler in an http.Server listening on addr. A non-nil
// tlsConf serves HTTPS.
func NewServer(addr string, handler http.Handler, tlsConf *tls.Config, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log: log.With("component", "control"),
		srv: &http.Server{
			Addr:         addr,
			Handler:      handler,
			TLSConfig:    tlsConf,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 20 * time.Second,
		},
	}
}

// Run serves until ctx is done, then shuts down with a five second grace
// period.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.srv.TLSConfig != nil {
			s.log.Info("control API listening", "addr", s.srv.Addr, "tls", true)
			err = s.srv.ListenAndServeTLS("", "")
		} else {
			s.log.Info("control API listening", "addr", s.srv.Addr)
			err = s.srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("control API: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
