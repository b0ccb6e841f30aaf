// Package rawchunk writes the Extractor's NDJSON chunk blobs to the
// object store at raw-data/{date}/offset_{N}.json. Chunks are
// immutable once written: a write always replaces the object at that
// key, it never appends.
package rawchunk

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	json "github.com/goccy/go-json"
	"github.com/malawley/hygiene-ingest/aws"
)

// Writer persists a chunk of retained records as NDJSON.
type Writer interface {
	// WriteChunk serializes records as newline-delimited JSON and
	// writes them to raw-data/{date}/offset_{offset}.json. It returns
	// the filename (not the full key) for the caller to append to the
	// in-memory manifest file list.
	WriteChunk(ctx context.Context, date string, offset int64, records []RawMessage) (filename string, err error)
}

// RawMessage is one already-encoded JSON record from the source feed.
// Using json.RawMessage-style passthrough avoids re-marshaling records
// whose shape the Extractor never inspects.
type RawMessage []byte

// S3Writer implements Writer against an S3 bucket.
type S3Writer struct {
	client aws.S3Client
	bucket string
}

// NewS3Writer creates an S3Writer bound to a single bucket.
func NewS3Writer(client aws.S3Client, bucket string) *S3Writer {
	return &S3Writer{client: client, bucket: bucket}
}

// Filename returns the chunk filename for a given starting offset,
// without the date prefix — this is what gets appended to the
// manifest's file list.
func Filename(offset int64) string {
	return fmt.Sprintf("offset_%d.json", offset)
}

func key(date string, offset int64) string {
	return fmt.Sprintf("raw-data/%s/%s", date, Filename(offset))
}

// WriteChunk implements Writer.
func (w *S3Writer) WriteChunk(ctx context.Context, date string, offset int64, records []RawMessage) (string, error) {
	var buf bytes.Buffer
	for _, r := range records {
		buf.Write(r)
		buf.WriteByte('\n')
	}

	k := key(date, offset)
	contentType := "application/x-ndjson"
	_, err := w.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &w.bucket,
		Key:         &k,
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: &contentType,
	})
	if err != nil {
		return "", fmt.Errorf("failed to write chunk %s: %w", k, err)
	}

	return Filename(offset), nil
}

// ParseRecords decodes a JSON array response body into individual raw
// records, preserving each element's original encoding. An empty
// array (len(records) == 0) signals feed exhaustion.
func ParseRecords(body []byte) ([]RawMessage, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse feed response as a JSON array: %w", err)
	}

	records := make([]RawMessage, len(raw))
	for i, r := range raw {
		records[i] = RawMessage(r)
	}
	return records, nil
}
