// Package metrics aggregates run-level counters for a single Extractor
// invocation and renders the final summary report, independent of the
// per-chunk ChunkMetric rows sent to the telemetry sink (see the
// telemetry package). Counters use atomic operations, so they can be
// updated from several goroutines without a lock; the Extractor
// creates one Metrics per run.
package metrics

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
)

// Metrics collects run-level counters and a cumulative processing time.
type Metrics struct {
	mu sync.RWMutex

	rowsExtracted  int64 // Rows successfully written to a chunk
	rowsDropped    int64 // Rows dropped by row_drop_prob
	chunksWritten  int64 // Chunks durably written to the object store
	apiFaults      int64 // Chunks skipped by the api_error_prob gate
	gcsFaults      int64 // Chunks skipped by the gcs_error_prob gate
	delaysApplied  int64 // Chunks that hit the delay_prob gate
	errors         int64 // Non-fault errors encountered

	processingTime time.Duration
	startTime      time.Time
}

// NewMetrics creates a new Metrics instance with the clock started.
func NewMetrics() *Metrics {
	return &Metrics{startTime: time.Now()}
}

// RecordRowsExtracted adds n successfully retained rows.
func (m *Metrics) RecordRowsExtracted(n int64) {
	atomic.AddInt64(&m.rowsExtracted, n)
}

// RecordRowsDropped adds n rows dropped by the row-drop fault gate.
func (m *Metrics) RecordRowsDropped(n int64) {
	atomic.AddInt64(&m.rowsDropped, n)
}

// RecordChunkWritten increments the durably-written chunk counter.
func (m *Metrics) RecordChunkWritten() {
	atomic.AddInt64(&m.chunksWritten, 1)
}

// RecordAPIFault increments the simulated-API-failure counter.
func (m *Metrics) RecordAPIFault() {
	atomic.AddInt64(&m.apiFaults, 1)
}

// RecordGCSFault increments the simulated-object-store-failure counter.
func (m *Metrics) RecordGCSFault() {
	atomic.AddInt64(&m.gcsFaults, 1)
}

// RecordDelayApplied increments the delay-gate counter.
func (m *Metrics) RecordDelayApplied() {
	atomic.AddInt64(&m.delaysApplied, 1)
}

// RecordError increments the error counter.
func (m *Metrics) RecordError() {
	atomic.AddInt64(&m.errors, 1)
}

// RecordProcessingTime accumulates wall-clock time spent on chunk I/O.
func (m *Metrics) RecordProcessingTime(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processingTime += d
}

// Report is the final summary for one Extractor run.
type Report struct {
	StartTime     time.Time     `json:"startTime"`
	EndTime       time.Time     `json:"endTime"`
	RowsExtracted int64         `json:"rowsExtracted"`
	RowsDropped   int64         `json:"rowsDropped"`
	ChunksWritten int64         `json:"chunksWritten"`
	APIFaults     int64         `json:"apiFaults"`
	GCSFaults     int64         `json:"gcsFaults"`
	DelaysApplied int64         `json:"delaysApplied"`
	Errors        int64         `json:"errors"`
	Duration      time.Duration `json:"duration"`
	Throughput    float64       `json:"throughput"`
}

// GenerateReport snapshots all counters into a final Report.
func (m *Metrics) GenerateReport() Report {
	endTime := time.Now()
	duration := endTime.Sub(m.startTime)

	var throughput float64
	if duration > 0 {
		throughput = float64(atomic.LoadInt64(&m.rowsExtracted)) / duration.Seconds()
	}

	return Report{
		StartTime:     m.startTime,
		EndTime:       endTime,
		RowsExtracted: atomic.LoadInt64(&m.rowsExtracted),
		RowsDropped:   atomic.LoadInt64(&m.rowsDropped),
		ChunksWritten: atomic.LoadInt64(&m.chunksWritten),
		APIFaults:     atomic.LoadInt64(&m.apiFaults),
		GCSFaults:     atomic.LoadInt64(&m.gcsFaults),
		DelaysApplied: atomic.LoadInt64(&m.delaysApplied),
		Errors:        atomic.LoadInt64(&m.errors),
		Duration:      duration,
		Throughput:    throughput,
	}
}

// MarshalJSON renders Duration as a human string in JSON output.
func (r Report) MarshalJSON() ([]byte, error) {
	type Alias Report
	return json.Marshal(&struct {
		Alias
		Duration string `json:"duration"`
	}{
		Alias:    Alias(r),
		Duration: r.Duration.String(),
	})
}

// String returns a human-readable summary for console/log output.
func (r Report) String() string {
	return fmt.Sprintf(
		"Extraction completed in %s\n"+
			"Rows extracted: %d\n"+
			"Rows dropped: %d\n"+
			"Chunks written: %d\n"+
			"API faults: %d, GCS faults: %d, delays applied: %d\n"+
			"Errors: %d\n"+
			"Throughput: %.2f rows/sec",
		r.Duration,
		r.RowsExtracted,
		r.RowsDropped,
		r.ChunksWritten,
		r.APIFaults,
		r.GCSFaults,
		r.DelaysApplied,
		r.Errors,
		r.Throughput,
	)
}
