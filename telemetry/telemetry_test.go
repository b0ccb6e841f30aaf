package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// mockDynamoDBClient implements the aws.DynamoDBClient interface for testing.
type mockDynamoDBClient struct {
	puts        []*dynamodb.PutItemInput
	failTimes   int
	throttle    bool
	permanentFn func(attempt int) error
}

func (m *mockDynamoDBClient) PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	attempt := len(m.puts)
	m.puts = append(m.puts, params)

	if m.failTimes > 0 && attempt < m.failTimes {
		if m.throttle {
			return nil, &types.ProvisionedThroughputExceededException{}
		}
		return nil, errors.New("transient failure")
	}
	return &dynamodb.PutItemOutput{}, nil
}

func TestDynamoDBSink_PutMetric(t *testing.T) {
	client := &mockDynamoDBClient{}
	sink := NewDynamoDBSink(client, "telemetry-table")

	m := ChunkMetric{
		Date:          "2025-03-30",
		Offset:        1000,
		RowsExtracted: 1000,
		Timestamp:     "2025-03-30T00:00:01Z",
	}

	if err := sink.PutMetric(context.Background(), m); err != nil {
		t.Fatalf("PutMetric failed: %v", err)
	}

	if len(client.puts) != 1 {
		t.Fatalf("expected 1 PutItem call, got %d", len(client.puts))
	}
	item := client.puts[0].Item
	if item["date"] == nil || item["offset"] == nil {
		t.Errorf("expected date and offset keys in marshaled item, got %+v", item)
	}
}

func TestDynamoDBSink_RetriesThrottling(t *testing.T) {
	client := &mockDynamoDBClient{failTimes: 2, throttle: true}
	sink := NewDynamoDBSink(client, "telemetry-table")

	m := ChunkMetric{Date: "2025-03-30", Offset: 0, FetchSkipped: true}

	if err := sink.PutMetric(context.Background(), m); err != nil {
		t.Fatalf("expected retry to eventually succeed, got %v", err)
	}
	if len(client.puts) != 3 {
		t.Errorf("expected 3 attempts (2 throttled + 1 success), got %d", len(client.puts))
	}
}

func TestDynamoDBSink_GivesUpAfterMaxRetries(t *testing.T) {
	client := &mockDynamoDBClient{failTimes: 100}
	sink := NewDynamoDBSink(client, "telemetry-table")

	m := ChunkMetric{Date: "2025-03-30", Offset: 0}

	err := sink.PutMetric(context.Background(), m)
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
}

func TestDynamoDBSink_RespectsContextCancellation(t *testing.T) {
	client := &mockDynamoDBClient{failTimes: 100, throttle: true}
	sink := NewDynamoDBSink(client, "telemetry-table")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m := ChunkMetric{Date: "2025-03-30", Offset: 0}
	err := sink.PutMetric(ctx, m)
	if err == nil {
		t.Fatal("expected error when context is already cancelled")
	}
}
