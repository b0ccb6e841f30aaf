// Package event implements PipelineEvent, the message a stage posts
// to the Trigger to report a lifecycle transition, and the HTTP
// client the Extractor uses to post them.
package event

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
)

// Kind enumerates the recognized PipelineEvent event names.
type Kind string

const (
	ExtractorStarted      Kind = "extractor_started"
	ExtractorCompleted    Kind = "extractor_completed"
	CleanerCompleted      Kind = "cleaner_completed"
	LoaderJSONCompleted   Kind = "loader_json_completed"
	LoaderParquetCompleted Kind = "loader_parquet_completed"
)

// PipelineEvent is the message posted by any stage to the Trigger.
type PipelineEvent struct {
	Event     Kind      `json:"event"`
	Origin    string    `json:"origin"`
	Date      string    `json:"date"`
	Timestamp time.Time `json:"timestamp"`
	Duration  *float64  `json:"duration,omitempty"`
}

// Poster sends a PipelineEvent to the Trigger's event ingress. All
// inter-service sends are best-effort: a failed post is logged by the
// caller and never rolls back already-written chunks.
type Poster interface {
	Post(ctx context.Context, ev PipelineEvent) error
}

// HTTPPoster implements Poster over HTTP.
type HTTPPoster struct {
	triggerURL string
	http       *http.Client
}

// NewHTTPPoster creates an HTTPPoster targeting the Trigger's event
// ingress URL, with a bounded request timeout.
func NewHTTPPoster(triggerURL string) *HTTPPoster {
	return &HTTPPoster{
		triggerURL: triggerURL,
		http:       &http.Client{Timeout: 10 * time.Second},
	}
}

// Post sends ev as JSON to the Trigger. Errors are returned for the
// caller to log; this method never retries — a failed completion POST
// does not roll back chunks, and the manifest remains the
// authoritative durable signal.
func (p *HTTPPoster) Post(ctx context.Context, ev PipelineEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal pipeline event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.triggerURL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to build pipeline event request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post pipeline event: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("trigger returned status %d for event %s", resp.StatusCode, ev.Event)
	}

	return nil
}
