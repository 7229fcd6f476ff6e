// Copyright Amazon.com, Inc. or its affiliates. All Rights Reserved.
// SPDX-License-Identifier: MIT-0

package apikeys

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const userSubIndex = "user-sub-index"

// ErrNotOwned signals a revoke attempt on a key belonging to another user.
var ErrNotOwned = errors.New("api key not owned by caller")

// Store persists API key records.
type Store interface {
	// Get returns the record for a key hash, or nil when absent.
	Get(ctx context.Context, keyHash string) (*Record, error)
	// ListByUser returns all records for a user, any status.
	ListByUser(ctx context.Context, userSub string) ([]Record, error)
	// Put writes a new record.
	Put(ctx context.Context, rec *Record) error
	// Revoke marks a key revoked, conditional on the caller owning it.
	Revoke(ctx context.Context, keyHash, userSub string) error
	// TouchLastUsed updates last_used_at. Best effort.
	TouchLastUsed(ctx context.Context, keyHash string) error
}

// Disabled is a Store for deployments without an API keys table. Every
// operation fails, so API key auth and key management are effectively off.
type Disabled struct{}

var errDisabled = errors.New("API keys table name not configured")

func (Disabled) Get(context.Context, string) (*Record, error) { return nil, errDisabled }

func (Disabled) ListByUser(context.Context, string) ([]Record, error) { return nil, errDisabled }

func (Disabled) Put(context.Context, *Record) error { return errDisabled }

func (Disabled) Revoke(context.Context, string, string) error { return errDisabled }

func (Disabled) TouchLastUsed(context.Context, string) error { return errDisabled }

// DynamoStore is the DynamoDB-backed Store.
type DynamoStore struct {
	client *dynamodb.Client
	table  string
	now    func() time.Time
}

// NewDynamoStore loads the default AWS credential chain and returns a store
// bound to the given table.
func NewDynamoStore(ctx context.Context, region, table string) (*DynamoStore, error) {
	if table == "" {
		return nil, errors.New("API keys table name not configured")
	}
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("cannot load AWS config: %w", err)
	}
	return &DynamoStore{client: dynamodb.NewFromConfig(cfg), table: table, now: time.Now}, nil
}

// Get implements [Store.Get].
func (s *DynamoStore) Get(ctx context.Context, keyHash string) (*Record, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key: map[string]types.AttributeValue{
			"key_hash": &types.AttributeValueMemberS{Value: keyHash},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("dynamodb get_item failed: %w", err)
	}
	if out.Item == nil {
		return nil, nil
	}
	var rec Record
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("cannot unmarshal api key record: %w", err)
	}
	return &rec, nil
}

// ListByUser implements [Store.ListByUser].
func (s *DynamoStore) ListByUser(ctx context.Context, userSub string) ([]Record, error) {
	out, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		IndexName:              aws.String(userSubIndex),
		KeyConditionExpression: aws.String("user_sub = :sub"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":sub": &types.AttributeValueMemberS{Value: userSub},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("dynamodb query failed: %w", err)
	}
	var recs []Record
	if err := attributevalue.UnmarshalListOfMaps(out.Items, &recs); err != nil {
		return nil, fmt.Errorf("cannot unmarshal api key records: %w", err)
	}
	return recs, nil
}

// Put implements [Store.Put].
func (s *DynamoStore) Put(ctx context.Context, rec *Record) error {
	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return fmt.Errorf("cannot marshal api key record: %w", err)
	}
	if _, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      item,
	}); err != nil {
		return fmt.Errorf("dynamodb put_item failed: %w", err)
	}
	return nil
}

// Revoke implements [Store.Revoke]. The condition on user_sub prevents
// cross-user revocation.
func (s *DynamoStore) Revoke(ctx context.Context, keyHash, userSub string) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.table),
		Key: map[string]types.AttributeValue{
			"key_hash": &types.AttributeValueMemberS{Value: keyHash},
		},
		UpdateExpression:    aws.String("SET #s = :revoked, revoked_at = :now"),
		ConditionExpression: aws.String("user_sub = :sub"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":revoked": &types.AttributeValueMemberS{Value: StatusRevoked},
			":now":     &types.AttributeValueMemberS{Value: s.now().UTC().Format(time.RFC3339)},
			":sub":     &types.AttributeValueMemberS{Value: userSub},
		},
	})
	if err != nil {
		var conditionFailed *types.ConditionalCheckFailedException
		if errors.As(err, &conditionFailed) {
			return ErrNotOwned
		}
		return fmt.Errorf("dynamodb update_item failed: %w", err)
	}
	return nil
}

// TouchLastUsed implements [Store.TouchLastUsed].
func (s *DynamoStore) TouchLastUsed(ctx context.Context, keyHash string) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.table),
		Key: map[string]types.AttributeValue{
			"key_hash": &types.AttributeValueMemberS{Value: keyHash},
		},
		UpdateExpression: aws.String("SET last_used_at = :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": &types.AttributeValueMemberS{Value: s.now().UTC().Format(time.RFC3339)},
		},
	})
	if err != nil {
		return fmt.Errorf("dynamodb update_item failed: %w", err)
	}
	return nil
}
