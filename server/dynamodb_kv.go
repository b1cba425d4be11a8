package server

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/aws/aws-sdk-go/service/dynamodb/expression"
)

// DynamoDBKV implements KVStore on a DynamoDB table keyed by "k".
// Each item carries a numeric version "v" checked by conditional writes.
type DynamoDBKV struct {
	client dynamodbiface.DynamoDBAPI
	table  string
}

// DynamoDBKVItem represents a key/value item in DynamoDB
type DynamoDBKVItem struct {
	Key     string `json:"k"`
	Version int64  `json:"v"`
	Data    []byte `json:"d"`
}

var _ KVStore = (*DynamoDBKV)(nil)

// NewDynamoDBKV creates a DynamoDB backed store
func NewDynamoDBKV(region, table string) (*DynamoDBKV, error) {
	sess, err := session.NewSession(&aws.Config{
		Region: aws.String(region),
	})
	if err != nil {
		return nil, err
	}
	return &DynamoDBKV{client: dynamodb.New(sess), table: table}, nil
}

func (s *DynamoDBKV) Get(ctx context.Context, key string) ([]byte, int64, error) {
	result, err := s.client.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		ConsistentRead: aws.Bool(true),
		Key: map[string]*dynamodb.AttributeValue{
			"k": {S: aws.String(key)},
		},
	})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get item: %w", err)
	}
	if result.Item == nil {
		return nil, 0, ErrNotFound
	}

	var item DynamoDBKVItem
	if err := dynamodbattribute.UnmarshalMap(result.Item, &item); err != nil {
		return nil, 0, fmt.Errorf("failed to unmarshal item: %w", err)
	}
	return item.Data, item.Version, nil
}

func (s *DynamoDBKV) Put(ctx context.Context, key string, value []byte) (int64, error) {
	update := expression.Set(expression.Name("d"), expression.Value(nonNil(value))).
		Add(expression.Name("v"), expression.Value(1))
	expr, err := expression.NewBuilder().WithUpdate(update).Build()
	if err != nil {
		return 0, fmt.Errorf("failed to build update expression: %w", err)
	}

	out, err := s.client.UpdateItemWithContext(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.table),
		Key: map[string]*dynamodb.AttributeValue{
			"k": {S: aws.String(key)},
		},
		UpdateExpression:          expr.Update(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ReturnValues:              aws.String(dynamodb.ReturnValueUpdatedNew),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to update item: %w", err)
	}
	v, ok := out.Attributes["v"]
	if !ok || v.N == nil {
		return 0, fmt.Errorf("update returned no version for %s", key)
	}
	return strconv.ParseInt(*v.N, 10, 64)
}

func (s *DynamoDBKV) CompareAndSwap(ctx context.Context, key string, expected int64, value []byte) (int64, error) {
	var cond expression.ConditionBuilder
	if expected == 0 {
		cond = expression.AttributeNotExists(expression.Name("k"))
	} else {
		cond = expression.Name("v").Equal(expression.Value(expected))
	}
	expr, err := expression.NewBuilder().WithCondition(cond).Build()
	if err != nil {
		return 0, fmt.Errorf("failed to build condition: %w", err)
	}

	av, err := dynamodbattribute.MarshalMap(DynamoDBKVItem{Key: key, Version: expected + 1, Data: nonNil(value)})
	if err != nil {
		return 0, fmt.Errorf("failed to marshal item: %w", err)
	}

	_, err = s.client.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName:                 aws.String(s.table),
		Item:                      av,
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) && aerr.Code() == dynamodb.ErrCodeConditionalCheckFailedException {
			return 0, ErrVersionMismatch
		}
		return 0, fmt.Errorf("failed to put item: %w", err)
	}
	return expected + 1, nil
}

func (s *DynamoDBKV) Scan(ctx context.Context, prefix string) ([]KVEntry, error) {
	filt := expression.Name("k").BeginsWith(prefix)
	expr, err := expression.NewBuilder().WithFilter(filt).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build filter: %w", err)
	}

	var out []KVEntry
	var decodeErr error
	err = s.client.ScanPagesWithContext(ctx, &dynamodb.ScanInput{
		TableName:                 aws.String(s.table),
		ConsistentRead:            aws.Bool(true),
		FilterExpression:          expr.Filter(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	}, func(page *dynamodb.ScanOutput, lastPage bool) bool {
		for _, raw := range page.Items {
			var item DynamoDBKVItem
			if err := dynamodbattribute.UnmarshalMap(raw, &item); err != nil {
				decodeErr = fmt.Errorf("failed to unmarshal item: %w", err)
				return false
			}
			out = append(out, KVEntry{Key: item.Key, Value: item.Data, Version: item.Version})
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan items: %w", err)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	sortEntries(out)
	return out, nil
}

// Close is a no-op; the AWS session holds no connections of its own
func (s *DynamoDBKV) Close() error {
	return nil
}
