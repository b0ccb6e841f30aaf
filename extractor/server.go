package extractor

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"
	"github.com/sirupsen/logrus"

	"github.com/malawley/hygiene-ingest/config"
)

// Server exposes the Extractor's HTTP surface: /extract starts a run,
// /shutdown requests a graceful stop, /health reports liveness.
type Server struct {
	svc    *Service
	logger *logrus.Logger
	http   *http.Server
}

// NewServer builds the chi router and wraps it in an http.Server bound
// to port.
func NewServer(svc *Service, port int, logger *logrus.Logger) *Server {
	s := &Server{svc: svc, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequest)

	r.Post("/extract", s.handleExtract)
	r.Post("/shutdown", s.handleShutdown)
	r.Get("/health", s.handleHealth)

	s.http = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: r,
	}
	return s
}

// Handler returns the underlying HTTP handler, for tests that want to
// drive the Extractor's routes via httptest without binding a port.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Run starts the server and blocks until ctx is cancelled, then drains
// connections within shutdownTimeout.
func (s *Server) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", s.http.Addr).Info("extractor listening")
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.svc.RequestShutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request) {
	var req config.RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	if s.svc.ShuttingDown() {
		writeJSONError(w, http.StatusServiceUnavailable, "extractor is shutting down")
		return
	}

	if !s.svc.StartExtraction(req) {
		writeJSONError(w, http.StatusConflict, "an extraction is already running for this date")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started", "date": req.Date})
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	s.svc.RequestShutdown()
	writeJSON(w, http.StatusOK, map[string]string{"status": "shutting down"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) logRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   ww.Status(),
			"duration": time.Since(start),
		}).Info("request handled")
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
