package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/Yulian302/lfusys-services-media/retries"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// ttlItem is the table layout. expiration_time is the table's DynamoDB TTL
// attribute; deletion by DynamoDB is lazy so reads check it too.
type ttlItem struct {
	Key            string `dynamodbav:"id"`
	Value          []byte `dynamodbav:"value"`
	Version        int64  `dynamodbav:"version"`
	ExpirationTime int64  `dynamodbav:"expiration_time"`
}

type DynamoTTLStore struct {
	client    *dynamodb.Client
	tableName string
	now       func() time.Time
}

func NewDynamoTTLStore(client *dynamodb.Client, tableName string) *DynamoTTLStore {
	return &DynamoTTLStore{
		client:    client,
		tableName: tableName,
		now:       time.Now,
	}
}

func (s *DynamoTTLStore) IsReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()

	return retries.Retry(
		ctx,
		retries.HealthAttempts,
		retries.HealthBaseDelay,
		func() error {
			_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
				TableName: aws.String(s.tableName),
			})
			return err
		},
		retries.IsRetriableDbError,
	)
}

func (s *DynamoTTLStore) Name() string {
	return "TTLStore[dynamodb:" + s.tableName + "]"
}

func (s *DynamoTTLStore) keyOf(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"id": &types.AttributeValueMemberS{Value: key},
	}
}

func (s *DynamoTTLStore) getItem(ctx context.Context, key string) (*ttlItem, error) {
	var item ttlItem

	err := retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
				TableName:      aws.String(s.tableName),
				Key:            s.keyOf(key),
				ConsistentRead: aws.Bool(true),
			})
			if err != nil {
				return err
			}
			if out.Item == nil {
				return ErrKeyNotFound
			}
			return attributevalue.UnmarshalMap(out.Item, &item)
		},
		isRetriableDb,
	)
	if err != nil {
		return nil, err
	}

	if item.ExpirationTime <= s.now().Unix() {
		return nil, ErrKeyNotFound
	}
	return &item, nil
}

func (s *DynamoTTLStore) Get(ctx context.Context, key string) ([]byte, error) {
	item, err := s.getItem(ctx, key)
	if err != nil {
		return nil, err
	}
	return item.Value, nil
}

func (s *DynamoTTLStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	av, err := attributevalue.MarshalMap(ttlItem{
		Key:            key,
		Value:          value,
		Version:        1,
		ExpirationTime: s.now().Add(ttl).Unix(),
	})
	if err != nil {
		return err
	}

	return retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
				TableName: aws.String(s.tableName),
				Item:      av,
			})
			return err
		},
		retries.IsRetriableDbError,
	)
}

// Update writes with a condition on the version read, retrying from the read
// when another writer got there first.
func (s *DynamoTTLStore) Update(ctx context.Context, key string, fn func([]byte) ([]byte, error)) error {
	return retries.Retry(
		ctx,
		watchAttempts,
		20*time.Millisecond,
		func() error {
			item, err := s.getItem(ctx, key)
			if err != nil {
				return err
			}

			next, err := fn(item.Value)
			if err != nil {
				return err
			}

			av, err := attributevalue.MarshalMap(ttlItem{
				Key:            key,
				Value:          next,
				Version:        item.Version + 1,
				ExpirationTime: item.ExpirationTime,
			})
			if err != nil {
				return err
			}

			_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
				TableName:           aws.String(s.tableName),
				Item:                av,
				ConditionExpression: aws.String("version = :v"),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":v": &types.AttributeValueMemberN{Value: strconv.FormatInt(item.Version, 10)},
				},
			})
			return err
		},
		isConditionFailed,
	)
}

func (s *DynamoTTLStore) Delete(ctx context.Context, key string) error {
	return retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
				TableName: aws.String(s.tableName),
				Key:       s.keyOf(key),
			})
			return err
		},
		retries.IsRetriableDbError,
	)
}

func (s *DynamoTTLStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	paginator := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName:            aws.String(s.tableName),
		ProjectionExpression: aws.String("id, expiration_time"),
		FilterExpression:     aws.String("begins_with(id, :p)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":p": &types.AttributeValueMemberS{Value: prefix},
		},
	})

	now := s.now().Unix()
	var keys []string
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", s.tableName, err)
		}

		var items []ttlItem
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &items); err != nil {
			return nil, err
		}
		for _, it := range items {
			if it.ExpirationTime > now {
				keys = append(keys, it.Key)
			}
		}
	}
	return keys, nil
}

func isRetriableDb(err error) bool {
	return !errors.Is(err, ErrKeyNotFound) && retries.IsRetriableDbError(err)
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}
