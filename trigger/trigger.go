// Package trigger implements the pipeline orchestrator: an
// event-driven router that enforces stage ordering, deduplicates
// completion events, records per-stage durations, and forwards work to
// the next worker. It is the only component that knows the shape of
// the DAG; every other stage only knows the Trigger's URL.
package trigger

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/sirupsen/logrus"

	"github.com/malawley/hygiene-ingest/config"
	"github.com/malawley/hygiene-ingest/event"
)

// dateEvent is the CompletionCache key: a (date, event) pair already
// routed forward.
type dateEvent struct {
	date string
	kind event.Kind
}

// CompletionCache is the Trigger's in-memory set of (date, event)
// pairs already routed. It is process-local and lost on restart; the
// design tolerates this (see spec Non-goals) and exposes an explicit
// purge so operators can recover after a confirmed duplicate-delivery
// incident.
type CompletionCache struct {
	mu   sync.Mutex
	seen map[dateEvent]struct{}
}

// NewCompletionCache creates an empty cache.
func NewCompletionCache() *CompletionCache {
	return &CompletionCache{seen: make(map[dateEvent]struct{})}
}

// CheckAndInsert atomically tests whether (date, kind) has already
// been seen and, if not, records it. It reports true when this call
// inserted the pair (i.e. the event should be forwarded), false when
// the pair was already present (a duplicate to ignore).
func (c *CompletionCache) CheckAndInsert(date string, kind event.Kind) bool {
	key := dateEvent{date: date, kind: kind}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.seen[key]; ok {
		return false
	}
	c.seen[key] = struct{}{}
	return true
}

// Purge empties the cache. A subsequent delivery of any (date, event)
// pair is treated as fresh, not as a duplicate.
func (c *CompletionCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = make(map[dateEvent]struct{})
}

// Forwarder posts a `{date}` body to a stage's configured URL. All
// Trigger->worker sends are best-effort and fire-and-log; a failed
// forward is not retried automatically.
type Forwarder interface {
	Forward(ctx context.Context, url, date string) error
}

// HTTPForwarder implements Forwarder over HTTP.
type HTTPForwarder struct {
	http *http.Client
}

// NewHTTPForwarder creates an HTTPForwarder with a bounded per-request
// timeout.
func NewHTTPForwarder() *HTTPForwarder {
	return &HTTPForwarder{http: &http.Client{Timeout: 30 * time.Second}}
}

// Forward implements Forwarder.
func (f *HTTPForwarder) Forward(ctx context.Context, url, date string) error {
	body, err := json.Marshal(map[string]string{"date": date})
	if err != nil {
		return fmt.Errorf("failed to marshal forward body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build forward request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to forward to %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("worker at %s returned status %d", url, resp.StatusCode)
	}
	return nil
}

// DurationLogger appends one line per (date, event, duration) to a
// per-origin durations log, matching the teacher's append-only
// progress reporting but keyed by pipeline stage instead of worker ID.
type DurationLogger interface {
	LogDuration(origin, date string, kind event.Kind, duration float64)
}

// logrusDurationLogger implements DurationLogger by emitting a
// structured log line per origin. A real deployment can swap this for
// one that appends to a file or a metrics backend without touching
// the routing logic.
type logrusDurationLogger struct {
	logger *logrus.Logger
}

// NewLogrusDurationLogger creates a DurationLogger that writes through
// logger, one structured line per origin's durations log.
func NewLogrusDurationLogger(logger *logrus.Logger) DurationLogger {
	return &logrusDurationLogger{logger: logger}
}

func (l *logrusDurationLogger) LogDuration(origin, date string, kind event.Kind, duration float64) {
	l.logger.WithFields(logrus.Fields{
		"origin":   origin,
		"date":     date,
		"event":    kind,
		"duration": duration,
	}).Info("stage duration")
}

// Service implements the Trigger's routing table and dedup semantics.
// One Service instance is shared by every HTTP request the Trigger
// receives.
type Service struct {
	cfg       *config.TriggerConfig
	cache     *CompletionCache
	forwarder Forwarder
	durations DurationLogger
	logger    *logrus.Logger
}

// NewService creates a Service bound to a decoded stage routing table.
func NewService(cfg *config.TriggerConfig, forwarder Forwarder, durations DurationLogger, logger *logrus.Logger) *Service {
	return &Service{
		cfg:       cfg,
		cache:     NewCompletionCache(),
		forwarder: forwarder,
		durations: durations,
		logger:    logger,
	}
}

// Purge empties the CompletionCache.
func (s *Service) Purge() {
	s.cache.Purge()
}

// ForwardRun posts req verbatim — including the fault-injection
// probabilities — to the Extractor's /extract endpoint.
func (s *Service) ForwardRun(ctx context.Context, req config.RunRequest) error {
	ep, ok := s.cfg.Services()["extractor"]
	if !ok {
		return fmt.Errorf("no extractor endpoint configured")
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal run request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build run request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to reach extractor: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("extractor returned status %d", resp.StatusCode)
	}
	return nil
}

// routeResult distinguishes the outcomes HandleEvent reports to the
// HTTP layer, since all of them reply 200 but the response body and
// logging differ.
type routeResult int

const (
	routeForwarded routeResult = iota
	routeDuplicate
	routeNoOp
	routeTerminal
	routeUnknown
)

// HandleEvent applies the routing table to ev: informational events
// are no-ops, recognized transitions dedup and forward to the next
// stage, the final event dedups and is logged as terminal, and
// unrecognized event names are logged and dropped. Any event that
// carries a duration has that duration logged; no total duration
// across a run's stages is computed.
func (s *Service) HandleEvent(ctx context.Context, ev event.PipelineEvent) routeResult {
	log := s.logger.WithFields(logrus.Fields{"date": ev.Date, "event": ev.Event, "origin": ev.Origin})

	if ev.Duration != nil {
		s.durations.LogDuration(ev.Origin, ev.Date, ev.Event, *ev.Duration)
	}

	switch ev.Event {
	case event.ExtractorStarted:
		log.Info("extraction started")
		return routeNoOp

	case event.ExtractorCompleted:
		return s.routeTo(ctx, log, ev, "cleaner")

	case event.CleanerCompleted:
		if s.cfg.EnableJSONLoader {
			return s.routeTo(ctx, log, ev, "json_loader")
		}
		return s.routeTo(ctx, log, ev, "parquet_loader")

	case event.LoaderJSONCompleted:
		if !s.cfg.EnableJSONLoader {
			log.Warn("loader_json_completed received but JSON loader branch is disabled")
			return routeUnknown
		}
		return s.routeTo(ctx, log, ev, "parquet_loader")

	case event.LoaderParquetCompleted:
		if !s.cache.CheckAndInsert(ev.Date, ev.Event) {
			log.Info("duplicate terminal event ignored")
			return routeDuplicate
		}
		log.Info("pipeline run complete")
		return routeTerminal

	default:
		log.Warn("unrecognized event, dropped")
		return routeUnknown
	}
}

// routeTo dedups (ev.Date, ev.Event) and, if fresh, forwards {date} to
// the named stage. A missing stage URL or a failed forward is logged;
// the Trigger never retries automatically.
func (s *Service) routeTo(ctx context.Context, log *logrus.Entry, ev event.PipelineEvent, stage string) routeResult {
	if !s.cache.CheckAndInsert(ev.Date, ev.Event) {
		log.Info("duplicate event ignored")
		return routeDuplicate
	}

	ep, ok := s.cfg.Services()[stage]
	if !ok {
		log.WithField("stage", stage).Warn("no endpoint configured for stage")
		return routeNoOp
	}

	if err := s.forwarder.Forward(ctx, ep.URL, ev.Date); err != nil {
		log.WithError(err).WithField("stage", stage).Warn("failed to forward to stage")
	} else {
		log.WithField("stage", stage).Info("forwarded")
	}
	return routeForwarded
}
