package store

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// dynamoRecord is the DynamoDB item shape. TTL lets DynamoDB expire
// records on its own once the entry would be discarded anyway.
type dynamoRecord struct {
	Username  string `dynamodbav:"username"`
	Value     string `dynamodbav:"value"`
	CachedAt  int64  `dynamodbav:"cached_at"`
	ExpiresAt int64  `dynamodbav:"expires_at"`
	TTL       int64  `dynamodbav:"ttl"`
}

// DynamoStore is a DynamoDB-backed store for durable state shared
// across a fleet.
type DynamoStore struct {
	client    *dynamodb.Client
	tableName string
}

// NewDynamoStore creates a DynamoDB store using an already configured
// SDK client.
func NewDynamoStore(client *dynamodb.Client, tableName string) *DynamoStore {
	return &DynamoStore{
		client:    client,
		tableName: tableName,
	}
}

// Load scans the full table.
func (s *DynamoStore) Load(ctx context.Context) (map[string]Entry, error) {
	entries := make(map[string]Entry)

	var startKey map[string]types.AttributeValue
	for {
		out, err := s.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:         aws.String(s.tableName),
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: dynamodb scan: %v", ErrUnavailable, err)
		}

		for _, item := range out.Items {
			var rec dynamoRecord
			if err := attributevalue.UnmarshalMap(item, &rec); err != nil {
				continue
			}
			entries[rec.Username] = Entry{
				Value:     rec.Value,
				CachedAt:  time.Unix(rec.CachedAt, 0).UTC(),
				ExpiresAt: time.Unix(rec.ExpiresAt, 0).UTC(),
			}
		}

		if out.LastEvaluatedKey == nil {
			break
		}
		startKey = out.LastEvaluatedKey
	}

	return entries, nil
}

// Save puts every entry individually; DynamoDB has no snapshot write.
func (s *DynamoStore) Save(ctx context.Context, entries map[string]Entry) error {
	for key, e := range entries {
		rec := dynamoRecord{
			Username:  key,
			Value:     e.Value,
			CachedAt:  e.CachedAt.Unix(),
			ExpiresAt: e.ExpiresAt.Unix(),
			TTL:       e.ExpiresAt.Unix(),
		}

		item, err := attributevalue.MarshalMap(rec)
		if err != nil {
			return fmt.Errorf("%w: encoding entry %q: %v", ErrUnavailable, key, err)
		}

		_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName: aws.String(s.tableName),
			Item:      item,
		})
		if err != nil {
			return fmt.Errorf("%w: dynamodb put %q: %v", ErrUnavailable, key, err)
		}
	}

	return nil
}

// Close is a no-op; the SDK client has no resources to release.
func (s *DynamoStore) Close() error {
	return nil
}
