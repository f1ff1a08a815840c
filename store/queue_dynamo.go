package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	apperror "github.com/Yulian302/lfusys-services-media/apperror"
	"github.com/Yulian302/lfusys-services-media/models"
	"github.com/Yulian302/lfusys-services-media/retries"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
)

const (
	// StatusIndex is keyed by status with claim_order as sort key.
	StatusIndex = "status-index"
	// AttachmentIndex is keyed by attachment_id.
	AttachmentIndex = "attachment-index"
)

// queueItem adds the claim ordering key to the entry. claim_order sorts by
// priority rank, then creation time.
type queueItem struct {
	models.QueueEntry
	ClaimOrder string `dynamodbav:"claim_order"`
}

func claimOrder(p models.Priority, createdAt time.Time) string {
	return fmt.Sprintf("%d#%020d", p.Rank(), createdAt.UnixNano())
}

type DynamoQueueStore struct {
	client    *dynamodb.Client
	tableName string
	now       func() time.Time
}

func NewDynamoQueueStore(client *dynamodb.Client, tableName string) *DynamoQueueStore {
	return &DynamoQueueStore{
		client:    client,
		tableName: tableName,
		now:       time.Now,
	}
}

func (s *DynamoQueueStore) IsReady(ctx context.Context) error {
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

func (s *DynamoQueueStore) Name() string {
	return "QueueStore[dynamodb:" + s.tableName + "]"
}

func (s *DynamoQueueStore) keyOf(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"entry_id": &types.AttributeValueMemberS{Value: id},
	}
}

// Enqueue checks for an active entry before writing. Two concurrent calls for
// the same attachment can both pass the check; the worker's eligibility
// re-validation tolerates the duplicate.
func (s *DynamoQueueStore) Enqueue(ctx context.Context, attachmentID string, priority models.Priority) (*models.QueueEntry, error) {
	if attachmentID == "" {
		return nil, errors.New("attachment id cannot be empty")
	}

	active, err := s.ActiveFor(ctx, []string{attachmentID})
	if err != nil {
		return nil, err
	}
	if active[attachmentID] {
		return nil, apperror.ErrAlreadyQueued
	}

	now := s.now().UTC()
	entry := models.QueueEntry{
		ID:           uuid.NewString(),
		AttachmentID: attachmentID,
		Priority:     priority,
		Status:       models.QueuePending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	av, err := attributevalue.MarshalMap(queueItem{QueueEntry: entry, ClaimOrder: claimOrder(priority, now)})
	if err != nil {
		return nil, err
	}

	err = retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
				TableName:           aws.String(s.tableName),
				Item:                av,
				ConditionExpression: aws.String("attribute_not_exists(entry_id)"),
			})
			return err
		},
		retries.IsRetriableDbError,
	)
	if err != nil {
		return nil, fmt.Errorf("put queue entry: %w", err)
	}
	return &entry, nil
}

func (s *DynamoQueueStore) queryByStatus(ctx context.Context, status models.QueueStatus, limit int32) ([]queueItem, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		IndexName:              aws.String(StatusIndex),
		KeyConditionExpression: aws.String("#st = :st"),
		ExpressionAttributeNames: map[string]string{
			"#st": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":st": &types.AttributeValueMemberS{Value: string(status)},
		},
		ScanIndexForward: aws.Bool(true),
	}
	if limit > 0 {
		input.Limit = aws.Int32(limit)
	}

	var items []queueItem
	paginator := dynamodb.NewQueryPaginator(s.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("query %s entries: %w", status, err)
		}
		var batch []queueItem
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &batch); err != nil {
			return nil, err
		}
		items = append(items, batch...)
		if limit > 0 && len(items) >= int(limit) {
			return items[:limit], nil
		}
	}
	return items, nil
}

// ClaimNext reads pending entries in claim order and flips each with a
// conditional update; entries another worker won are skipped.
func (s *DynamoQueueStore) ClaimNext(ctx context.Context, n int) ([]models.QueueEntry, error) {
	if n <= 0 {
		return nil, nil
	}

	candidates, err := s.queryByStatus(ctx, models.QueuePending, int32(n))
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	startedAt, err := attributevalue.Marshal(now)
	if err != nil {
		return nil, err
	}

	claimed := make([]models.QueueEntry, 0, len(candidates))
	for _, c := range candidates {
		_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName:           aws.String(s.tableName),
			Key:                 s.keyOf(c.ID),
			UpdateExpression:    aws.String("SET #st = :processing, started_at = :now, updated_at = :now"),
			ConditionExpression: aws.String("#st = :pending"),
			ExpressionAttributeNames: map[string]string{
				"#st": "status",
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":processing": &types.AttributeValueMemberS{Value: string(models.QueueProcessing)},
				":pending":    &types.AttributeValueMemberS{Value: string(models.QueuePending)},
				":now":        startedAt,
			},
		})
		if isConditionFailed(err) {
			continue
		}
		if err != nil {
			return claimed, fmt.Errorf("claim %s: %w", c.ID, err)
		}

		e := c.QueueEntry
		e.Status = models.QueueProcessing
		e.StartedAt = &now
		e.UpdatedAt = now
		claimed = append(claimed, e)
	}
	return claimed, nil
}

func (s *DynamoQueueStore) Finish(ctx context.Context, id string, status models.QueueStatus, message string) error {
	if !status.Terminal() {
		return fmt.Errorf("finish with non-terminal status %q", status)
	}

	now, err := attributevalue.Marshal(s.now().UTC())
	if err != nil {
		return err
	}

	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.tableName),
		Key:                 s.keyOf(id),
		UpdateExpression:    aws.String("SET #st = :status, error_message = :msg, completed_at = :now, updated_at = :now"),
		ConditionExpression: aws.String("attribute_exists(entry_id) AND #st = :processing"),
		ExpressionAttributeNames: map[string]string{
			"#st": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":status":     &types.AttributeValueMemberS{Value: string(status)},
			":processing": &types.AttributeValueMemberS{Value: string(models.QueueProcessing)},
			":msg":        &types.AttributeValueMemberS{Value: message},
			":now":        now,
		},
	})
	if isConditionFailed(err) {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return getErr
		}
		return fmt.Errorf("finish %s: %w", id, apperror.ErrNotProcessing)
	}
	if err != nil {
		return fmt.Errorf("finish %s: %w", id, err)
	}
	return nil
}

func (s *DynamoQueueStore) Get(ctx context.Context, id string) (*models.QueueEntry, error) {
	var item queueItem

	err := retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
				TableName:      aws.String(s.tableName),
				Key:            s.keyOf(id),
				ConsistentRead: aws.Bool(true),
			})
			if err != nil {
				return err
			}
			if out.Item == nil {
				return apperror.ErrQueueEntryNotFound
			}
			return attributevalue.UnmarshalMap(out.Item, &item)
		},
		retries.IsRetriableDbError,
	)
	if err != nil {
		return nil, err
	}
	return &item.QueueEntry, nil
}

func (s *DynamoQueueStore) ActiveFor(ctx context.Context, attachmentIDs []string) (map[string]bool, error) {
	active := make(map[string]bool, len(attachmentIDs))

	for _, id := range attachmentIDs {
		out, err := s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.tableName),
			IndexName:              aws.String(AttachmentIndex),
			KeyConditionExpression: aws.String("attachment_id = :a"),
			FilterExpression:       aws.String("#st IN (:pending, :processing)"),
			ExpressionAttributeNames: map[string]string{
				"#st": "status",
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":a":          &types.AttributeValueMemberS{Value: id},
				":pending":    &types.AttributeValueMemberS{Value: string(models.QueuePending)},
				":processing": &types.AttributeValueMemberS{Value: string(models.QueueProcessing)},
			},
			Select: types.SelectCount,
		})
		if err != nil {
			return nil, fmt.Errorf("query active entries for %s: %w", id, err)
		}
		if out.Count > 0 {
			active[id] = true
		}
	}
	return active, nil
}

func (s *DynamoQueueStore) Stats(ctx context.Context) (models.QueueStats, error) {
	var stats models.QueueStats

	for _, status := range []models.QueueStatus{
		models.QueuePending,
		models.QueueProcessing,
		models.QueueCompleted,
		models.QueueFailed,
		models.QueueSkipped,
	} {
		paginator := dynamodb.NewQueryPaginator(s.client, &dynamodb.QueryInput{
			TableName:              aws.String(s.tableName),
			IndexName:              aws.String(StatusIndex),
			KeyConditionExpression: aws.String("#st = :st"),
			ExpressionAttributeNames: map[string]string{
				"#st": "status",
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":st": &types.AttributeValueMemberS{Value: string(status)},
			},
			Select: types.SelectCount,
		})
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				return stats, fmt.Errorf("count %s entries: %w", status, err)
			}
			countInto(&stats, status, int(page.Count))
		}
	}
	return stats, nil
}

func (s *DynamoQueueStore) PurgeFinished(ctx context.Context, cutoff time.Time) (int, error) {
	purged := 0
	for _, status := range []models.QueueStatus{models.QueueCompleted, models.QueueFailed, models.QueueSkipped} {
		items, err := s.queryByStatus(ctx, status, 0)
		if err != nil {
			return purged, err
		}
		for _, it := range items {
			if !it.UpdatedAt.Before(cutoff) {
				continue
			}
			_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
				TableName: aws.String(s.tableName),
				Key:       s.keyOf(it.ID),
			})
			if err != nil {
				return purged, fmt.Errorf("delete %s: %w", it.ID, err)
			}
			purged++
		}
	}
	return purged, nil
}
