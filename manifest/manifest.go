// Package manifest implements the durable handoff contract between
// pipeline stages: a per-date, per-prefix object listing every chunk a
// stage produced, written exactly once at stage completion.
package manifest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	json "github.com/goccy/go-json"
	"github.com/gurre/s3streamer"
	"github.com/malawley/hygiene-ingest/aws"
)

// Manifest is the durable "stage complete for this date" marker stored
// at {prefix}/{date}/_manifest.json.
//
// Example:
//
//	m := manifest.Manifest{Date: "2025-03-30", Files: []string{"offset_0.json"}, UploadComplete: true}
type Manifest struct {
	Date           string   `json:"date"`
	Files          []string `json:"files"`
	UploadComplete bool     `json:"upload_complete"`
}

// Store reads and writes manifests under a prefix such as
// "raw-data" or "clean-data".
type Store interface {
	// Load reads {prefix}/{date}/_manifest.json. A missing object is not
	// an error: it returns a zero Manifest with UploadComplete=false,
	// matching the protocol's "absence of manifest signals not done."
	Load(ctx context.Context, prefix, date string) (Manifest, error)

	// Save writes the manifest. Callers write it exactly once per
	// (prefix, date), after every listed file is durably in place.
	Save(ctx context.Context, prefix string, m Manifest) error
}

// S3Store implements Store against an S3 bucket.
//
// Example:
//
//	store := manifest.NewS3Store(client, "raw-inspection-data")
//	m, err := store.Load(ctx, "raw-data", "2025-03-30")
type S3Store struct {
	client aws.S3Client
	bucket string
}

// NewS3Store creates an S3Store bound to a single bucket; prefix and
// date are supplied per call.
func NewS3Store(client aws.S3Client, bucket string) *S3Store {
	return &S3Store{client: client, bucket: bucket}
}

func manifestKey(prefix, date string) string {
	return fmt.Sprintf("%s/%s/_manifest.json", prefix, date)
}

// Load implements Store.
func (s *S3Store) Load(ctx context.Context, prefix, date string) (Manifest, error) {
	key := manifestKey(prefix, date)

	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return Manifest{}, nil
		}
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return Manifest{}, nil
		}
		return Manifest{}, fmt.Errorf("failed to get manifest %s: %w", key, err)
	}
	defer func() { _ = resp.Body.Close() }()

	var m Manifest
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		return Manifest{}, fmt.Errorf("failed to decode manifest %s: %w", key, err)
	}
	return m, nil
}

// Save implements Store.
func (s *S3Store) Save(ctx context.Context, prefix string, m Manifest) error {
	key := manifestKey(prefix, m.Date)

	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	contentType := "application/json"
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &s.bucket,
		Key:         &key,
		Body:        bytes.NewReader(data),
		ContentType: &contentType,
	})
	if err != nil {
		return fmt.Errorf("failed to put manifest %s: %w", key, err)
	}
	return nil
}

// Verifier checks the manifest-completeness property: every filename a
// manifest lists is readable as a non-empty NDJSON blob. It streams
// each file line-by-line rather than buffering it whole, reusing the
// same streaming reader the raw chunks are written for downstream
// workers to consume.
type Verifier struct {
	streamer s3streamer.Streamer
	bucket   string
}

// NewVerifier creates a Verifier bound to a single bucket.
func NewVerifier(streamer s3streamer.Streamer, bucket string) *Verifier {
	return &Verifier{streamer: streamer, bucket: bucket}
}

// VerifyComplete streams every file under prefix/date listed in m and
// fails on the first one that is missing or empty.
func (v *Verifier) VerifyComplete(ctx context.Context, prefix, date string, m Manifest) error {
	if !m.UploadComplete {
		return fmt.Errorf("manifest for %s/%s is not upload_complete", prefix, date)
	}

	for _, name := range m.Files {
		key := fmt.Sprintf("%s/%s/%s", prefix, date, name)

		var sawLine bool
		err := v.streamer.Stream(ctx, v.bucket, key, 0, func(line []byte, _ int64) error {
			if len(strings.TrimSpace(string(line))) > 0 {
				sawLine = true
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to stream manifest entry %s: %w", key, err)
		}
		if !sawLine {
			return fmt.Errorf("manifest entry %s is empty", key)
		}
	}

	return nil
}
