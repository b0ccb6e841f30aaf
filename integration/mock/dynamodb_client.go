package mock

import (
	"context"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoDBClient is an in-memory stand-in for aws.DynamoDBClient,
// backing the telemetry sink in integration tests. It records every
// PutItem call rather than modeling a real table, since the telemetry
// sink only ever appends.
type DynamoDBClient struct {
	mu    sync.Mutex
	Items []map[string]types.AttributeValue
}

// NewDynamoDBClient creates an empty mock DynamoDB client.
func NewDynamoDBClient() *DynamoDBClient {
	return &DynamoDBClient{}
}

// PutItem implements aws.DynamoDBClient.
func (m *DynamoDBClient) PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Items = append(m.Items, params.Item)
	return &dynamodb.PutItemOutput{}, nil
}

// AllItems returns a snapshot of every item written so far.
func (m *DynamoDBClient) AllItems() []map[string]types.AttributeValue {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]map[string]types.AttributeValue, len(m.Items))
	copy(out, m.Items)
	return out
}

// Count returns the number of PutItem calls received.
func (m *DynamoDBClient) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Items)
}
