// Package telemetry implements the append-only per-chunk metrics sink
// the Extractor writes to on every attempted chunk, including chunks
// skipped by a fault gate.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/malawley/hygiene-ingest/aws"
)

// ChunkMetric is one row per attempted chunk.
//
// Example:
//
//	m := telemetry.ChunkMetric{Date: "2025-03-30", Offset: 1000, RowsExtracted: 1000}
//	sink.PutMetric(ctx, m)
type ChunkMetric struct {
	Date                 string  `dynamodbav:"date"`
	Offset               int64   `dynamodbav:"offset"`
	RowsExtracted        int64   `dynamodbav:"rows_extracted"`
	RowsDropped          int64   `dynamodbav:"rows_dropped"`
	ChunkDurationSeconds float64 `dynamodbav:"chunk_duration_seconds"`
	DelayApplied         bool    `dynamodbav:"delay_applied"`
	FetchSkipped         bool    `dynamodbav:"fetch_skipped"`
	GCSWriteSkipped      bool    `dynamodbav:"gcs_write_skipped"`
	Timestamp            string  `dynamodbav:"timestamp"`
}

// Sink writes ChunkMetric rows. A failed write is logged by the caller
// and never aborts the extraction run.
type Sink interface {
	PutMetric(ctx context.Context, m ChunkMetric) error
}

// DynamoDBSink implements Sink using AWS DynamoDB as an append-only
// table keyed by (date, offset).
type DynamoDBSink struct {
	client    aws.DynamoDBClient
	tableName string
}

// NewDynamoDBSink creates a new DynamoDBSink instance.
func NewDynamoDBSink(client aws.DynamoDBClient, tableName string) *DynamoDBSink {
	return &DynamoDBSink{client: client, tableName: tableName}
}

// isThrottlingError returns true if the error is a DynamoDB throughput
// throttling error. These are recoverable by waiting: capacity refills
// over time.
func isThrottlingError(err error) bool {
	var throughputErr *types.ProvisionedThroughputExceededException
	var requestLimitErr *types.RequestLimitExceeded
	return errors.As(err, &throughputErr) || errors.As(err, &requestLimitErr)
}

// backoffWait sleeps for an exponentially increasing duration with
// jitter. Returns false if the context is cancelled during the wait.
func backoffWait(ctx context.Context, attempt int) bool {
	base := 100 * time.Millisecond
	maxDelay := 30 * time.Second

	delay := base * time.Duration(1<<uint(attempt))
	if delay > maxDelay {
		delay = maxDelay
	}

	jitter := time.Duration(rand.Int64N(int64(delay)))
	delay += jitter

	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}

// PutMetric writes a single ChunkMetric row. It retries throttling
// errors indefinitely with backoff until the context is cancelled, and
// retries other errors up to maxRetries before giving up.
//
// HOT PATH: called once per attempted chunk, including chunks skipped
// by a fault gate.
func (s *DynamoDBSink) PutMetric(ctx context.Context, m ChunkMetric) error {
	item, err := attributevalue.MarshalMap(m)
	if err != nil {
		return fmt.Errorf("failed to marshal chunk metric: %w", err)
	}

	input := &dynamodb.PutItemInput{
		TableName: &s.tableName,
		Item:      item,
	}

	const maxRetries = 5
	attempt := 0
	for {
		_, err := s.client.PutItem(ctx, input)
		if err == nil {
			return nil
		}
		if isThrottlingError(err) {
			if !backoffWait(ctx, attempt) {
				return ctx.Err()
			}
			attempt++
			continue
		}
		if attempt < maxRetries {
			if !backoffWait(ctx, attempt) {
				return ctx.Err()
			}
			attempt++
			continue
		}
		return fmt.Errorf("failed to put chunk metric after %d retries: %w", maxRetries, err)
	}
}
