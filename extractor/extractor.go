// Package extractor implements the resumable, chunked fetcher: it
// pulls paginated records from the Source Feed in fixed-size chunks,
// writes each chunk and a completion manifest to the object store,
// emits per-chunk telemetry, and reports lifecycle events to the
// Trigger. Within a single run, chunks are processed strictly
// sequentially by ascending offset — the checkpoint is a scalar, not
// a set, and this ordering is load-bearing.
package extractor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/malawley/hygiene-ingest/checkpoint"
	"github.com/malawley/hygiene-ingest/config"
	"github.com/malawley/hygiene-ingest/event"
	"github.com/malawley/hygiene-ingest/faultgate"
	"github.com/malawley/hygiene-ingest/feed"
	"github.com/malawley/hygiene-ingest/manifest"
	"github.com/malawley/hygiene-ingest/metrics"
	"github.com/malawley/hygiene-ingest/rawchunk"
	"github.com/malawley/hygiene-ingest/telemetry"
)

// delayGateSleep is the fixed sleep applied by the delay fault gate.
const delayGateSleep = 2 * time.Second

// Task tracks one in-flight or completed /extract invocation, keyed by
// date, for status reporting and for detecting the undefined
// concurrent-same-date-run case.
type Task struct {
	Date          string
	StartTime     time.Time
	LastActive    time.Time
	Running       bool
	LastError     error
	ChunksWritten int64
	RowsExtracted int64
}

// Service implements the Extractor's chunk loop and lifecycle
// reporting. One Service instance is shared by every /extract call the
// HTTP surface receives.
type Service struct {
	cfg             *config.ExtractorConfig
	feed            feed.Client
	chunks          rawchunk.Writer
	manifestStore   manifest.Store
	checkpointStore checkpoint.Store
	telemetry       telemetry.Sink
	poster          event.Poster
	rand            faultgate.Source
	logger          *logrus.Logger

	ctx      context.Context
	shutdown atomic.Bool

	tasksMu sync.RWMutex
	tasks   map[string]*Task
}

// NewService creates a Service. ctx is the server's own lifetime
// context (not a per-request context): extraction runs launched by
// /extract outlive the HTTP request that started them and are only
// cancelled when the server itself shuts down.
func NewService(
	ctx context.Context,
	cfg *config.ExtractorConfig,
	feedClient feed.Client,
	chunks rawchunk.Writer,
	manifestStore manifest.Store,
	checkpointStore checkpoint.Store,
	telemetrySink telemetry.Sink,
	poster event.Poster,
	logger *logrus.Logger,
) *Service {
	return &Service{
		cfg:             cfg,
		feed:            feedClient,
		chunks:          chunks,
		manifestStore:   manifestStore,
		checkpointStore: checkpointStore,
		telemetry:       telemetrySink,
		poster:          poster,
		rand:            faultgate.Default,
		logger:          logger,
		ctx:             ctx,
		tasks:           make(map[string]*Task),
	}
}

// RequestShutdown sets the cooperative shutdown flag. Running
// extraction tasks check it once per chunk and exit after writing
// their manifest.
func (s *Service) RequestShutdown() {
	s.shutdown.Store(true)
}

// ShuttingDown reports whether a shutdown has been requested.
func (s *Service) ShuttingDown() bool {
	return s.shutdown.Load()
}

// StartExtraction launches an extraction run in the background and
// returns immediately, matching /extract's async contract. It reports
// false if a task is already running for this date — running two
// tasks for the same date concurrently is undefined, so the Service
// refuses rather than racing the shared Checkpoint.
func (s *Service) StartExtraction(req config.RunRequest) bool {
	s.tasksMu.Lock()
	if existing, ok := s.tasks[req.Date]; ok && existing.Running {
		s.tasksMu.Unlock()
		return false
	}
	s.tasks[req.Date] = &Task{Date: req.Date, StartTime: time.Now(), Running: true}
	s.tasksMu.Unlock()

	go s.run(req)
	return true
}

// TaskStatus returns a snapshot of a date's extraction task, if any.
func (s *Service) TaskStatus(date string) (Task, bool) {
	s.tasksMu.RLock()
	defer s.tasksMu.RUnlock()
	t, ok := s.tasks[date]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

func (s *Service) updateTask(date string, fn func(*Task)) {
	s.tasksMu.Lock()
	defer s.tasksMu.Unlock()
	if t, ok := s.tasks[date]; ok {
		fn(t)
		t.LastActive = time.Now()
	}
}

func (s *Service) finishTask(date string, err error) {
	s.updateTask(date, func(t *Task) {
		t.Running = false
		t.LastError = err
	})
}

// run implements the Extractor algorithm for a single date.
func (s *Service) run(req config.RunRequest) {
	ctx := s.ctx
	log := s.logger.WithField("date", req.Date)
	start := time.Now()
	m := metrics.NewMetrics()

	s.postEvent(ctx, event.ExtractorStarted, req.Date, nil)

	state, err := s.checkpointStore.Load(ctx)
	if err != nil {
		log.WithError(err).Error("failed to load checkpoint")
		s.finishTask(req.Date, err)
		return
	}

	offset0 := state.LastOffset
	offset := offset0
	var files []string
	aborted := false

chunkLoop:
	for {
		if s.shutdown.Load() {
			log.Info("shutdown requested, stopping after current chunk")
			break
		}

		// a. Fault gate — API.
		if faultgate.Draw(s.rand, req.APIErrorProb) {
			s.recordMetric(ctx, log, telemetry.ChunkMetric{
				Date:          req.Date,
				Offset:        offset,
				FetchSkipped:  true,
				RowsExtracted: 0,
				Timestamp:     nowTimestamp(),
			})
			offset += s.cfg.ChunkSize
			m.RecordAPIFault()
			s.updateTask(req.Date, func(t *Task) {})
			// A skipped chunk still counts toward max_offset.
			if req.MaxOffset > 0 && offset >= offset0+req.MaxOffset {
				break
			}
			continue
		}

		// b. Fetch (the feed client applies its own backoff ladder).
		body, err := s.feed.Fetch(ctx, s.cfg.ChunkSize, offset)
		if err != nil {
			log.WithError(err).Error("source feed fetch failed, breaking run")
			m.RecordError()
			aborted = true
			break
		}

		// c/d. Parse and test for exhaustion.
		records, err := rawchunk.ParseRecords(body)
		if err != nil {
			log.WithError(err).Error("failed to parse source feed response, breaking run")
			m.RecordError()
			aborted = true
			break
		}
		if len(records) == 0 {
			log.Info("source feed exhausted")
			break
		}

		// e. Row drop.
		retained, dropped := applyRowDrop(records, req.RowDropProb, s.rand)

		// g. Fault gate — GCS (object store write).
		if faultgate.Draw(s.rand, req.GCSErrorProb) {
			s.recordMetric(ctx, log, telemetry.ChunkMetric{
				Date:            req.Date,
				Offset:          offset,
				RowsDropped:     dropped,
				GCSWriteSkipped: true,
				Timestamp:       nowTimestamp(),
			})
			offset += s.cfg.ChunkSize
			m.RecordGCSFault()
			continue
		}

		// h. Delay gate.
		chunkStart := time.Now()
		delayApplied := false
		if faultgate.Draw(s.rand, req.DelayProb) {
			select {
			case <-time.After(delayGateSleep):
				delayApplied = true
				m.RecordDelayApplied()
			case <-ctx.Done():
				aborted = true
				break chunkLoop
			}
		}

		// i. Write the chunk.
		filename, err := s.chunks.WriteChunk(ctx, req.Date, offset, retained)
		if err != nil {
			log.WithError(err).Error("durable chunk write failed, breaking run")
			m.RecordError()
			aborted = true
			break
		}
		files = append(files, filename)
		m.RecordChunkWritten()
		m.RecordRowsExtracted(int64(len(retained)))
		m.RecordRowsDropped(dropped)
		m.RecordProcessingTime(time.Since(chunkStart))

		// j. Emit successful ChunkMetric.
		s.recordMetric(ctx, log, telemetry.ChunkMetric{
			Date:                 req.Date,
			Offset:               offset,
			RowsExtracted:        int64(len(retained)),
			RowsDropped:          dropped,
			ChunkDurationSeconds: time.Since(chunkStart).Seconds(),
			DelayApplied:         delayApplied,
			Timestamp:            nowTimestamp(),
		})
		s.updateTask(req.Date, func(t *Task) {
			t.ChunksWritten++
			t.RowsExtracted += int64(len(retained))
		})

		// k. Advance offset and persist checkpoint — only after a
		// durable write, never on a fault-gate skip.
		offset += s.cfg.ChunkSize
		if err := s.checkpointStore.Save(ctx, checkpoint.State{LastOffset: offset}); err != nil {
			log.WithError(err).Error("failed to persist checkpoint, breaking run")
			m.RecordError()
			aborted = true
			break
		}

		// l. Termination check.
		if req.MaxOffset > 0 && offset >= offset0+req.MaxOffset {
			break
		}
	}

	if !aborted {
		mf := manifest.Manifest{Date: req.Date, Files: files, UploadComplete: true}
		if err := s.manifestStore.Save(ctx, "raw-data", mf); err != nil {
			log.WithError(err).Error("failed to write manifest")
			m.RecordError()
		}
	}

	duration := time.Since(start).Seconds()
	s.postEvent(ctx, event.ExtractorCompleted, req.Date, &duration)
	s.finishTask(req.Date, nil)

	report := m.GenerateReport()
	log.WithFields(logrus.Fields{
		"rows_extracted": report.RowsExtracted,
		"rows_dropped":   report.RowsDropped,
		"chunks_written": report.ChunksWritten,
		"api_faults":     report.APIFaults,
		"gcs_faults":     report.GCSFaults,
		"delays_applied": report.DelaysApplied,
		"errors":         report.Errors,
		"throughput":     report.Throughput,
	}).Info(report.String())
}

// recordMetric writes a ChunkMetric row. A failed telemetry write is
// logged and never aborts the run.
func (s *Service) recordMetric(ctx context.Context, log *logrus.Entry, m telemetry.ChunkMetric) {
	if err := s.telemetry.PutMetric(ctx, m); err != nil {
		log.WithError(err).WithField("offset", m.Offset).Warn("failed to write chunk metric")
	}
}

// postEvent posts a lifecycle event to the Trigger. A failed post is
// logged: the manifest remains the authoritative durable signal.
func (s *Service) postEvent(ctx context.Context, kind event.Kind, date string, duration *float64) {
	ev := event.PipelineEvent{
		Event:     kind,
		Origin:    "extractor",
		Date:      date,
		Timestamp: time.Now(),
		Duration:  duration,
	}
	if err := s.poster.Post(ctx, ev); err != nil {
		s.logger.WithError(err).WithField("date", date).WithField("event", kind).Warn("failed to post lifecycle event")
	}
}

// applyRowDrop retains each record with probability 1-prob, draws
// independently per record, and counts the rest as dropped.
func applyRowDrop(records []rawchunk.RawMessage, prob float64, src faultgate.Source) ([]rawchunk.RawMessage, int64) {
	if prob <= 0 {
		return records, 0
	}

	retained := make([]rawchunk.RawMessage, 0, len(records))
	var dropped int64
	for _, r := range records {
		if faultgate.Draw(src, prob) {
			dropped++
			continue
		}
		retained = append(retained, r)
	}
	return retained, dropped
}

func nowTimestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}
