// Package mock provides in-memory fakes of the AWS clients the object
// store and telemetry sink depend on, for end-to-end pipeline tests
// that never touch real S3 or DynamoDB.
package mock

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Client is an in-memory stand-in for aws.S3Client, keyed by
// "bucket/key". It backs the raw chunk writer, the manifest store,
// and the checkpoint store in integration tests.
type S3Client struct {
	mu    sync.RWMutex
	Files map[string][]byte
	ETags map[string]*string
}

// NewS3Client creates an empty mock S3 client.
func NewS3Client() *S3Client {
	return &S3Client{
		Files: make(map[string][]byte),
		ETags: make(map[string]*string),
	}
}

func bucketKey(bucket, key string) string {
	return fmt.Sprintf("%s/%s", bucket, key)
}

// GetObject implements aws.S3Client.
func (m *S3Client) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	k := bucketKey(*params.Bucket, *params.Key)
	content, ok := m.Files[k]
	if !ok {
		return nil, &types.NoSuchKey{Message: awssdk.String(fmt.Sprintf("the specified key does not exist: %s", *params.Key))}
	}

	contentLength := int64(len(content))
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(content)),
		ETag:          m.ETags[k],
		ContentLength: &contentLength,
	}, nil
}

// PutObject implements aws.S3Client.
func (m *S3Client) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read put body: %w", err)
	}

	k := bucketKey(*params.Bucket, *params.Key)
	etag := fmt.Sprintf("%q", fmt.Sprintf("%x", len(data)))

	m.mu.Lock()
	m.Files[k] = data
	m.ETags[k] = awssdk.String(etag)
	m.mu.Unlock()

	return &s3.PutObjectOutput{ETag: awssdk.String(etag)}, nil
}

// HeadObject implements aws.S3Client.
func (m *S3Client) HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	k := bucketKey(*params.Bucket, *params.Key)
	content, ok := m.Files[k]
	if !ok {
		return nil, &types.NoSuchKey{Message: awssdk.String(fmt.Sprintf("the specified key does not exist: %s", *params.Key))}
	}

	contentLength := int64(len(content))
	return &s3.HeadObjectOutput{ETag: m.ETags[k], ContentLength: &contentLength}, nil
}

// ListKeysUnder returns every stored key (without the bucket prefix)
// beginning with prefix, for test assertions over what an Extractor
// run wrote.
func (m *S3Client) ListKeysUnder(bucket, prefix string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	want := bucketKey(bucket, prefix)
	var keys []string
	for k := range m.Files {
		if strings.HasPrefix(k, want) {
			keys = append(keys, strings.TrimPrefix(k, bucket+"/"))
		}
	}
	return keys
}
