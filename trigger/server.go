package trigger

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
	"github.com/malawley/hygiene-ingest/event"
)

// Server exposes the Trigger's HTTP surface: /run starts a pipeline
// instance, /clean is the generic event ingress (misnamed for
// historical reasons — see spec §4.2), /purge empties the
// CompletionCache, /health reports liveness.
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

	r.Post("/run", s.handleRun)
	r.Post("/clean", s.handleEvent)
	r.Post("/purge", s.handlePurge)
	r.Get("/health", s.handleHealth)

	s.http = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: r,
	}
	return s
}

// Handler returns the underlying HTTP handler, for tests that want to
// drive the Trigger's routes via httptest without binding a port.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Run starts the server and blocks until ctx is cancelled, then drains
// connections within shutdownTimeout.
func (s *Server) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", s.http.Addr).Info("trigger listening")
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

// handleRun accepts a RunRequest and forwards it verbatim — including
// fault-injection probabilities — to the Extractor. Transport failures
// map to 502, per spec §7's user-visible behavior.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req config.RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.svc.ForwardRun(r.Context(), req); err != nil {
		s.logger.WithError(err).WithField("date", req.Date).Error("failed to forward run to extractor")
		writeJSONError(w, http.StatusBadGateway, "failed to reach extractor")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "pipeline started"})
}

// handleEvent is the generic completion-event ingress. Malformed
// bodies yield 400; well-formed events — including duplicates and
// unrecognized event names — always reply 200, matching spec §7.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var ev event.PipelineEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if ev.Date == "" || ev.Event == "" {
		writeJSONError(w, http.StatusBadRequest, "date and event are required")
		return
	}

	switch s.svc.HandleEvent(r.Context(), ev) {
	case routeDuplicate:
		writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate ignored"})
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	s.svc.Purge()
	writeJSON(w, http.StatusOK, map[string]string{"status": "purged"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "time": time.Now()})
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
