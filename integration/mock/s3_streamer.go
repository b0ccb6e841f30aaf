package mock

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
)

// Stream implements s3streamer.Streamer against the in-memory S3Client,
// so manifest.Verifier can be exercised without a real S3 streaming
// client.
func (m *S3Client) Stream(ctx context.Context, bucket, key string, offset int64, fn func([]byte, int64) error) error {
	m.mu.RLock()
	content, ok := m.Files[bucketKey(bucket, key)]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("mock streamer: key not found: %s/%s", bucket, key)
	}

	scanner := bufio.NewScanner(bytes.NewReader(content))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var pos int64
	for scanner.Scan() {
		line := scanner.Bytes()
		if pos >= offset {
			if err := fn(line, pos); err != nil {
				return err
			}
		}
		pos += int64(len(line)) + 1
	}
	return scanner.Err()
}
