package config

import (
	"encoding/base64"
	"testing"
	"time"
)

func validRunRequest() RunRequest {
	return RunRequest{Date: "2025-03-30", MaxOffset: 2000}
}

func TestRunRequest_Valid(t *testing.T) {
	req := validRunRequest()
	if err := req.Validate(); err != nil {
		t.Errorf("expected valid request to pass validation, got: %v", err)
	}
}

func TestRunRequest_InvalidDate(t *testing.T) {
	testCases := []string{"", "2025/03/30", "03-30-2025", "2025-3-30", "not-a-date"}
	for _, date := range testCases {
		t.Run(date, func(t *testing.T) {
			req := validRunRequest()
			req.Date = date
			if err := req.Validate(); err == nil {
				t.Errorf("expected error for invalid date: %q", date)
			}
		})
	}
}

func TestRunRequest_NegativeMaxOffset(t *testing.T) {
	req := validRunRequest()
	req.MaxOffset = -1
	if err := req.Validate(); err == nil {
		t.Error("expected error for negative max_offset")
	}
}

func TestRunRequest_ClampsProbabilities(t *testing.T) {
	req := validRunRequest()
	req.APIErrorProb = 1.5
	req.GCSErrorProb = -0.2
	req.RowDropProb = 2.0
	req.DelayProb = -1.0

	if err := req.Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}

	if req.APIErrorProb != 1 {
		t.Errorf("expected APIErrorProb clamped to 1, got %f", req.APIErrorProb)
	}
	if req.GCSErrorProb != 0 {
		t.Errorf("expected GCSErrorProb clamped to 0, got %f", req.GCSErrorProb)
	}
	if req.RowDropProb != 1 {
		t.Errorf("expected RowDropProb clamped to 1, got %f", req.RowDropProb)
	}
	if req.DelayProb != 0 {
		t.Errorf("expected DelayProb clamped to 0, got %f", req.DelayProb)
	}
}

func validExtractorConfig() *ExtractorConfig {
	return &ExtractorConfig{
		BucketName:         "raw-inspection-data",
		TelemetryTableName: "chunk-metrics",
		TriggerURL:         "http://trigger:8080/clean",
		SourceFeedURL:      "http://feed:8080/records",
		Region:             "us-west-2",
		Port:               8080,
		ShutdownTimeout:    10 * time.Second,
	}
}

func TestExtractorConfig_Valid(t *testing.T) {
	cfg := validExtractorConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid config to pass validation, got: %v", err)
	}
}

func TestExtractorConfig_DefaultsChunkSize(t *testing.T) {
	cfg := validExtractorConfig()
	cfg.ChunkSize = 0
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
	if cfg.ChunkSize != chunkSize {
		t.Errorf("expected default chunk size %d, got %d", chunkSize, cfg.ChunkSize)
	}
}

func TestExtractorConfig_MissingBucket(t *testing.T) {
	cfg := validExtractorConfig()
	cfg.BucketName = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for missing bucket name")
	}
}

func TestExtractorConfig_InvalidTriggerURL(t *testing.T) {
	cfg := validExtractorConfig()
	cfg.TriggerURL = "not a url"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for invalid trigger URL")
	}
}

func validTriggerConfig() *TriggerConfig {
	services := `{"cleaner":{"url":"http://cleaner:8080/clean"},"parquet_loader":{"url":"http://loader:8080/load"}}`
	return &TriggerConfig{
		Port:             8081,
		ServiceConfigB64: base64.StdEncoding.EncodeToString([]byte(services)),
		ShutdownTimeout:  10 * time.Second,
	}
}

func TestTriggerConfig_Valid(t *testing.T) {
	cfg := validTriggerConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid config to pass validation, got: %v", err)
	}
	if len(cfg.Services()) != 2 {
		t.Errorf("expected 2 services decoded, got %d", len(cfg.Services()))
	}
}

func TestTriggerConfig_MissingStage(t *testing.T) {
	services := `{"cleaner":{"url":"http://cleaner:8080/clean"}}`
	cfg := &TriggerConfig{
		Port:             8081,
		ServiceConfigB64: base64.StdEncoding.EncodeToString([]byte(services)),
		ShutdownTimeout:  10 * time.Second,
	}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for missing parquet_loader stage")
	}
}

func TestTriggerConfig_JSONLoaderRequiresStage(t *testing.T) {
	services := `{"cleaner":{"url":"http://cleaner:8080/clean"},"parquet_loader":{"url":"http://loader:8080/load"}}`
	cfg := &TriggerConfig{
		Port:             8081,
		ServiceConfigB64: base64.StdEncoding.EncodeToString([]byte(services)),
		EnableJSONLoader: true,
		ShutdownTimeout:  10 * time.Second,
	}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for missing json_loader stage when enabled")
	}
}

func TestDecodeServiceConfig_InvalidBase64(t *testing.T) {
	if _, err := DecodeServiceConfig("not-base64!!!"); err == nil {
		t.Error("expected error for invalid base64")
	}
}

func TestDecodeServiceConfig_InvalidURL(t *testing.T) {
	services := `{"cleaner":{"url":"not-a-url"}}`
	b64 := base64.StdEncoding.EncodeToString([]byte(services))
	if _, err := DecodeServiceConfig(b64); err == nil {
		t.Error("expected error for invalid stage URL")
	}
}
