// Package integration exercises the Extractor and Trigger together,
// end-to-end over real HTTP, against in-memory object-store and
// telemetry-sink fakes — covering the scenarios spec.md §8 calls out
// by name (happy path, simulated API failure on every chunk, duplicate
// completion, purge semantics, resume from a persisted checkpoint).
package integration

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/sirupsen/logrus"

	"github.com/malawley/hygiene-ingest/checkpoint"
	"github.com/malawley/hygiene-ingest/config"
	"github.com/malawley/hygiene-ingest/event"
	"github.com/malawley/hygiene-ingest/extractor"
	"github.com/malawley/hygiene-ingest/integration/mock"
	"github.com/malawley/hygiene-ingest/manifest"
	"github.com/malawley/hygiene-ingest/rawchunk"
	"github.com/malawley/hygiene-ingest/telemetry"
	"github.com/malawley/hygiene-ingest/trigger"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// pagedFeed serves records in pages out of a fixed universe,
// terminating with an empty array once exhausted, standing in for a
// live Source Feed.
type pagedFeed struct {
	total int64
}

func (f *pagedFeed) Fetch(ctx context.Context, limit, offset int64) ([]byte, error) {
	if offset >= f.total {
		return []byte(`[]`), nil
	}
	end := offset + limit
	if end > f.total {
		end = f.total
	}
	raw := make([]json.RawMessage, 0, end-offset)
	for i := offset; i < end; i++ {
		raw = append(raw, json.RawMessage(fmt.Sprintf(`{"id":%d}`, i)))
	}
	return json.Marshal(raw)
}

// stageRecorder stands in for a downstream worker (Cleaner, Parquet
// Loader): it records every date it receives and replies 200.
type stageRecorder struct {
	mu    sync.Mutex
	dates []string
}

func (s *stageRecorder) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dates)
}

func (s *stageRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var ev event.PipelineEvent
	_ = json.NewDecoder(r.Body).Decode(&ev)
	s.mu.Lock()
	s.dates = append(s.dates, ev.Date)
	s.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

// harness wires one Extractor and one Trigger together over real
// HTTP, backed by in-memory S3/DynamoDB fakes, plus recorder
// stand-ins for the Cleaner and Parquet Loader stages.
type harness struct {
	s3         *mock.S3Client
	dynamo     *mock.DynamoDBClient
	feed       *pagedFeed
	checkpoint *checkpoint.MemoryStore
	cleaner    *stageRecorder
	cleanerSrv *httptest.Server
	loader     *stageRecorder
	loaderSrv  *httptest.Server
	extractSrv *httptest.Server
	triggerSrv *httptest.Server
	bucket     string
	table      string
}

func newHarness(t *testing.T, feedTotal int64) *harness {
	t.Helper()

	h := &harness{
		s3:         mock.NewS3Client(),
		dynamo:     mock.NewDynamoDBClient(),
		feed:       &pagedFeed{total: feedTotal},
		checkpoint: checkpoint.NewMemoryStore(),
		cleaner:    &stageRecorder{},
		loader:     &stageRecorder{},
		bucket:     "raw-inspection-data",
		table:      "chunk-metrics",
	}

	h.cleanerSrv = httptest.NewServer(h.cleaner)
	h.loaderSrv = httptest.NewServer(h.loader)
	t.Cleanup(func() {
		h.cleanerSrv.Close()
		h.loaderSrv.Close()
	})

	serviceConfig := map[string]config.ServiceEndpoint{
		"cleaner":        {URL: h.cleanerSrv.URL},
		"parquet_loader": {URL: h.loaderSrv.URL},
	}
	triggerCfg := &config.TriggerConfig{
		Port:             8080,
		ServiceConfigB64: encodeServiceConfig(t, serviceConfig),
		ShutdownTimeout:  5 * time.Second,
	}
	if err := triggerCfg.Validate(); err != nil {
		t.Fatalf("invalid trigger config: %v", err)
	}

	triggerSvc := trigger.NewService(triggerCfg, trigger.NewHTTPForwarder(), trigger.NewLogrusDurationLogger(testLogger()), testLogger())
	h.triggerSrv = httptest.NewServer(trigger.NewServer(triggerSvc, 0, testLogger()).Handler())
	t.Cleanup(h.triggerSrv.Close)

	manifestStore := manifest.NewS3Store(h.s3, h.bucket)
	chunkWriter := rawchunk.NewS3Writer(h.s3, h.bucket)
	telemetrySink := telemetry.NewDynamoDBSink(h.dynamo, h.table)
	poster := event.NewHTTPPoster(h.triggerSrv.URL + "/clean")

	extractorCfg := &config.ExtractorConfig{
		BucketName:         h.bucket,
		TelemetryTableName: h.table,
		TriggerURL:         h.triggerSrv.URL + "/clean",
		SourceFeedURL:      "http://source-feed.invalid",
		Region:             "us-east-1",
		Port:               8081,
		ChunkSize:          10,
		ShutdownTimeout:    5 * time.Second,
	}
	if err := extractorCfg.Validate(); err != nil {
		t.Fatalf("invalid extractor config: %v", err)
	}

	extractorSvc := extractor.NewService(context.Background(), extractorCfg, h.feed, chunkWriter, manifestStore, h.checkpoint, telemetrySink, poster, testLogger())
	h.extractSrv = httptest.NewServer(extractor.NewServer(extractorSvc, 0, testLogger()).Handler())
	t.Cleanup(h.extractSrv.Close)

	return h
}

func (h *harness) startRun(t *testing.T, req config.RunRequest) *http.Response {
	t.Helper()
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("failed to marshal run request: %v", err)
	}
	resp, err := http.Post(h.extractSrv.URL+"/extract", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /extract failed: %v", err)
	}
	return resp
}

func encodeServiceConfig(t *testing.T, m map[string]config.ServiceEndpoint) string {
	t.Helper()
	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("failed to marshal service config: %v", err)
	}
	return base64.StdEncoding.EncodeToString(data)
}

// waitFor polls cond every 10ms until it returns true or timeout
// elapses, failing the test on timeout. Extraction runs on a
// background goroutine, so tests observe completion this way rather
// than via a blocking call.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestEndToEnd_HappyPathForwardsOnceToCleaner(t *testing.T) {
	h := newHarness(t, 25)

	resp := h.startRun(t, config.RunRequest{Date: "2025-03-30", MaxOffset: 100})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202 Accepted, got %d", resp.StatusCode)
	}

	waitFor(t, 5*time.Second, func() bool { return h.cleaner.count() >= 1 })

	// Extraction of 25 rows in chunks of 10 writes 3 chunk files plus a manifest.
	keys := h.s3.ListKeysUnder(h.bucket, "raw-data/2025-03-30/")
	if len(keys) != 4 {
		t.Fatalf("expected 3 chunk files plus a manifest, got %d: %v", len(keys), keys)
	}

	manifestKeys := h.s3.ListKeysUnder(h.bucket, "raw-data/2025-03-30/_manifest.json")
	if len(manifestKeys) != 1 {
		t.Fatalf("expected manifest to be written, got %v", manifestKeys)
	}

	if got := h.dynamo.Count(); got != 3 {
		t.Fatalf("expected 3 telemetry rows (one per chunk), got %d", got)
	}

	time.Sleep(50 * time.Millisecond)
	if got := h.cleaner.count(); got != 1 {
		t.Fatalf("expected exactly one forward to cleaner, got %d", got)
	}
}

func TestEndToEnd_APIFaultGateSkipsFetchButAdvancesOffset(t *testing.T) {
	h := newHarness(t, 20)

	resp := h.startRun(t, config.RunRequest{Date: "2025-04-01", MaxOffset: 100, APIErrorProb: 1.0})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202 Accepted, got %d", resp.StatusCode)
	}

	waitFor(t, 5*time.Second, func() bool {
		keys := h.s3.ListKeysUnder(h.bucket, "raw-data/2025-04-01/_manifest.json")
		return len(keys) == 1
	})

	// Every fetch was skipped by the API fault gate, so no chunks were
	// written and the checkpoint never moved; each skipped offset (0, 10,
	// ..., 90, up to max_offset 100) still got one fetch_skipped
	// telemetry row.
	chunkKeys := h.s3.ListKeysUnder(h.bucket, "raw-data/2025-04-01/")
	for _, k := range chunkKeys {
		if k != "raw-data/2025-04-01/_manifest.json" {
			t.Fatalf("expected no chunk files when every fetch is gated, found %s", k)
		}
	}
	if got := h.dynamo.Count(); got != 10 {
		t.Fatalf("expected 10 fetch_skipped telemetry rows (one per gated chunk), got %d", got)
	}
}

func TestEndToEnd_DuplicateCompletionEventForwardsOnlyOnce(t *testing.T) {
	h := newHarness(t, 25)

	resp := h.startRun(t, config.RunRequest{Date: "2025-03-30", MaxOffset: 100})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202 Accepted, got %d", resp.StatusCode)
	}
	waitFor(t, 5*time.Second, func() bool { return h.cleaner.count() >= 1 })
	time.Sleep(50 * time.Millisecond)

	// Replay the same completion event directly against the Trigger.
	ev := event.PipelineEvent{Event: event.ExtractorCompleted, Origin: "extractor", Date: "2025-03-30", Timestamp: time.Now()}
	body, _ := json.Marshal(ev)
	resp2, err := http.Post(h.triggerSrv.URL+"/clean", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /clean failed: %v", err)
	}
	var out map[string]string
	_ = json.NewDecoder(resp2.Body).Decode(&out)
	if out["status"] != "duplicate ignored" {
		t.Fatalf("expected duplicate to be flagged, got %v", out)
	}

	if got := h.cleaner.count(); got != 1 {
		t.Fatalf("expected the duplicate event to be dropped, cleaner saw %d calls", got)
	}
}

func TestEndToEnd_PurgeAllowsReplayAfterReset(t *testing.T) {
	h := newHarness(t, 25)

	resp := h.startRun(t, config.RunRequest{Date: "2025-03-30", MaxOffset: 100})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202 Accepted, got %d", resp.StatusCode)
	}
	waitFor(t, 5*time.Second, func() bool { return h.cleaner.count() >= 1 })
	time.Sleep(50 * time.Millisecond)

	purgeResp, err := http.Post(h.triggerSrv.URL+"/purge", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /purge failed: %v", err)
	}
	if purgeResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from /purge, got %d", purgeResp.StatusCode)
	}

	ev := event.PipelineEvent{Event: event.ExtractorCompleted, Origin: "extractor", Date: "2025-03-30", Timestamp: time.Now()}
	body, _ := json.Marshal(ev)
	if _, err := http.Post(h.triggerSrv.URL+"/clean", "application/json", bytes.NewReader(body)); err != nil {
		t.Fatalf("POST /clean failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	if got := h.cleaner.count(); got != 2 {
		t.Fatalf("expected the post-purge replay to be treated as fresh, cleaner saw %d calls", got)
	}
}

func TestEndToEnd_ResumeAfterCrashContinuesFromCheckpoint(t *testing.T) {
	h := newHarness(t, 30)

	// No process is killed here: the first run stops at max_offset, which
	// leaves the same persisted checkpoint (20) that a crash right after
	// writing offset_10.json would.
	//
	// chunk_size is 10 (see newHarness); termination checks
	// offset >= offset0 + max_offset only after each durable chunk write,
	// so a max_offset of 15 still runs a full chunk past it: offset 0 ->
	// 10 (10 >= 15 is false, continue) -> 20 (20 >= 15 is true, stop).
	resp := h.startRun(t, config.RunRequest{Date: "2025-05-01", MaxOffset: 15})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202 Accepted, got %d", resp.StatusCode)
	}
	waitFor(t, 5*time.Second, func() bool {
		state, _ := h.checkpoint.Load(context.Background())
		return state.LastOffset >= 20
	})

	state, err := h.checkpoint.Load(context.Background())
	if err != nil {
		t.Fatalf("failed to load checkpoint: %v", err)
	}
	if state.LastOffset != 20 {
		t.Fatalf("expected checkpoint to stop at the chunk boundary past max_offset, got %d", state.LastOffset)
	}

	// A second run with a higher max_offset resumes from the persisted
	// checkpoint instead of re-fetching rows 0-19.
	resp2 := h.startRun(t, config.RunRequest{Date: "2025-05-01", MaxOffset: 30})
	if resp2.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202 Accepted on resume, got %d", resp2.StatusCode)
	}
	waitFor(t, 5*time.Second, func() bool {
		state, _ := h.checkpoint.Load(context.Background())
		return state.LastOffset >= 30
	})

	// offset_0 and offset_10 were only ever fetched by the first run; the
	// resumed run started at offset 20 and wrote offset_20.json.
	keys := h.s3.ListKeysUnder(h.bucket, "raw-data/2025-05-01/")
	found := false
	for _, k := range keys {
		if k == "raw-data/2025-05-01/offset_20.json" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected the resumed run to write offset_20.json, got %v", keys)
	}
}
