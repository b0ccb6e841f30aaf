// Package config implements configuration parsing and validation for
// both long-running HTTP services: the Extractor and the Trigger. It
// also defines RunRequest, the payload that starts a pipeline run, and
// ServiceConfig, the stage→URL routing table the Trigger decodes from
// SERVICE_CONFIG_B64.
package config

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// dateFormat matches a calendar day, YYYY-MM-DD.
var dateFormat = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// chunkSize is the fixed number of records fetched per chunk.
const chunkSize = 1000

// RunRequest is submitted to the Trigger (and forwarded verbatim to
// the Extractor) to start a pipeline instance for one date.
//
// Example:
//
//	req := config.RunRequest{Date: "2025-03-30", MaxOffset: 2000}
//	if err := req.Validate(); err != nil {
//	    log.Fatal(err)
//	}
type RunRequest struct {
	Date         string  `json:"date"`
	MaxOffset    int64   `json:"max_offset"`
	APIErrorProb float64 `json:"api_error_prob"`
	GCSErrorProb float64 `json:"gcs_error_prob"`
	RowDropProb  float64 `json:"row_drop_prob"`
	DelayProb    float64 `json:"delay_prob"`
}

// Validate checks the date format and non-negative max_offset, and
// clamps all four fault-injection probabilities into [0,1] in place —
// probabilities outside the range clamp at the bounds rather than
// rejecting the request.
func (r *RunRequest) Validate() error {
	if !dateFormat.MatchString(r.Date) {
		return fmt.Errorf("date must be in YYYY-MM-DD format, got %q", r.Date)
	}
	if r.MaxOffset < 0 {
		return fmt.Errorf("max_offset must be non-negative, got %d", r.MaxOffset)
	}

	r.APIErrorProb = clampProb(r.APIErrorProb)
	r.GCSErrorProb = clampProb(r.GCSErrorProb)
	r.RowDropProb = clampProb(r.RowDropProb)
	r.DelayProb = clampProb(r.DelayProb)

	return nil
}

func clampProb(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}

// ExtractorConfig holds all configuration for the Extractor service.
type ExtractorConfig struct {
	BucketName          string        // Object store bucket for raw chunks, manifest, checkpoint
	TelemetryTableName  string        // DynamoDB table for ChunkMetric rows
	TriggerURL          string        // Full URL to the Trigger's event ingress
	SourceFeedURL       string        // Base URL of the Source Feed
	Region              string        // AWS region
	Port                int           // HTTP listen port
	ChunkSize           int64         // Rows requested per fetch
	ShutdownTimeout     time.Duration // Graceful shutdown timeout
	SkipIAMPreflight    bool          // Skip the startup permission check (local dev)
}

// Validate ensures all required fields are present and have valid
// values. Fatal config errors here are meant to exit the process
// non-zero at startup, before the HTTP server accepts traffic.
func (c *ExtractorConfig) Validate() error {
	if c.BucketName == "" {
		return fmt.Errorf("BUCKET_NAME is required")
	}
	if c.TelemetryTableName == "" {
		return fmt.Errorf("telemetry table name is required")
	}
	if c.TriggerURL == "" {
		return fmt.Errorf("TRIGGER_URL is required")
	}
	if _, err := url.ParseRequestURI(c.TriggerURL); err != nil {
		return fmt.Errorf("invalid TRIGGER_URL: %w", err)
	}
	if c.SourceFeedURL == "" {
		return fmt.Errorf("source feed URL is required")
	}
	if _, err := url.ParseRequestURI(c.SourceFeedURL); err != nil {
		return fmt.Errorf("invalid source feed URL: %w", err)
	}
	if c.Region == "" {
		return fmt.Errorf("region is required")
	}
	if c.Port <= 0 {
		return fmt.Errorf("port must be positive, got %d", c.Port)
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = chunkSize
	}
	if c.ShutdownTimeout < time.Second {
		return fmt.Errorf("shutdown timeout must be at least 1 second")
	}

	return nil
}

// TriggerConfig holds all configuration for the Trigger service.
type TriggerConfig struct {
	Port              int           // HTTP listen port
	ServiceConfigB64  string        // base64-encoded JSON stage->{url} map
	EnableJSONLoader  bool          // whether the optional JSON loader branch is active
	ShutdownTimeout   time.Duration // Graceful shutdown timeout

	services ServiceConfig
}

// Validate decodes ServiceConfigB64 into a ServiceConfig and checks
// that the stages the routing table depends on are present.
func (c *TriggerConfig) Validate() error {
	if c.Port <= 0 {
		return fmt.Errorf("port must be positive, got %d", c.Port)
	}
	if c.ServiceConfigB64 == "" {
		return fmt.Errorf("SERVICE_CONFIG_B64 is required")
	}

	services, err := DecodeServiceConfig(c.ServiceConfigB64)
	if err != nil {
		return fmt.Errorf("invalid SERVICE_CONFIG_B64: %w", err)
	}

	if _, ok := services["cleaner"]; !ok {
		return fmt.Errorf("SERVICE_CONFIG_B64 missing required stage %q", "cleaner")
	}
	if _, ok := services["parquet_loader"]; !ok {
		return fmt.Errorf("SERVICE_CONFIG_B64 missing required stage %q", "parquet_loader")
	}
	if c.EnableJSONLoader {
		if _, ok := services["json_loader"]; !ok {
			return fmt.Errorf("SERVICE_CONFIG_B64 missing required stage %q when JSON loader is enabled", "json_loader")
		}
	}

	if c.ShutdownTimeout < time.Second {
		return fmt.Errorf("shutdown timeout must be at least 1 second")
	}

	c.services = services
	return nil
}

// Services returns the decoded stage routing table. Only valid after
// Validate has returned nil.
func (c *TriggerConfig) Services() ServiceConfig {
	return c.services
}

// ServiceConfig is the stage->{url} map the Trigger uses to know
// where to forward each completion event, decoded from
// SERVICE_CONFIG_B64.
//
// Example:
//
//	{"cleaner":{"url":"http://cleaner:8080/clean"},"parquet_loader":{"url":"http://loader:8080/load"}}
type ServiceConfig map[string]ServiceEndpoint

// ServiceEndpoint is one stage's invocation URL.
type ServiceEndpoint struct {
	URL string `json:"url"`
}

// DecodeServiceConfig base64-decodes and JSON-unmarshals a
// SERVICE_CONFIG_B64 value into a ServiceConfig.
func DecodeServiceConfig(b64 string) (ServiceConfig, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("failed to base64-decode service config: %w", err)
	}

	var services ServiceConfig
	if err := json.Unmarshal(raw, &services); err != nil {
		return nil, fmt.Errorf("failed to decode service config JSON: %w", err)
	}

	for stage, ep := range services {
		if !strings.HasPrefix(ep.URL, "http://") && !strings.HasPrefix(ep.URL, "https://") {
			return nil, fmt.Errorf("stage %q has invalid URL %q", stage, ep.URL)
		}
	}

	return services, nil
}
