package assets

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	apperror "github.com/Yulian302/lfusys-services-media/apperror"
	"github.com/Yulian302/lfusys-services-media/models"
	"github.com/Yulian302/lfusys-services-media/retries"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const batchGetLimit = 100

type DynamoRepository struct {
	client    *dynamodb.Client
	tableName string
	now       func() time.Time
}

func NewDynamoRepository(client *dynamodb.Client, tableName string) *DynamoRepository {
	return &DynamoRepository{
		client:    client,
		tableName: tableName,
		now:       time.Now,
	}
}

func (r *DynamoRepository) IsReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()

	return retries.Retry(
		ctx,
		retries.HealthAttempts,
		retries.HealthBaseDelay,
		func() error {
			_, err := r.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
				TableName: aws.String(r.tableName),
			})
			return err
		},
		retries.IsRetriableDbError,
	)
}

func (r *DynamoRepository) Name() string {
	return "AssetRepository[" + r.tableName + "]"
}

func keyOf(assetID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"asset_id": &types.AttributeValueMemberS{Value: assetID},
	}
}

func (r *DynamoRepository) Get(ctx context.Context, assetID string) (*models.Asset, error) {
	var asset models.Asset

	err := retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			out, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
				TableName: aws.String(r.tableName),
				Key:       keyOf(assetID),
			})
			if err != nil {
				return err
			}
			if out.Item == nil {
				return apperror.ErrAssetNotFound
			}
			return attributevalue.UnmarshalMap(out.Item, &asset)
		},
		retries.IsRetriableDbError,
	)
	if err != nil {
		return nil, err
	}
	return &asset, nil
}

func (r *DynamoRepository) Put(ctx context.Context, asset models.Asset) error {
	if asset.CreatedAt.IsZero() {
		asset.CreatedAt = r.now().UTC()
	}
	item, err := attributevalue.MarshalMap(asset)
	if err != nil {
		return err
	}

	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.tableName),
		Item:      item,
	})
	return err
}

// ListCandidates fetches the named assets, in the order given, when
// criteria.AssetIDs is set. Otherwise it scans the table and orders results
// by creation time.
func (r *DynamoRepository) ListCandidates(ctx context.Context, criteria models.Criteria) ([]models.Asset, error) {
	var (
		found []models.Asset
		err   error
	)
	if len(criteria.AssetIDs) > 0 {
		found, err = r.batchGet(ctx, criteria.AssetIDs)
		if err != nil {
			return nil, err
		}
		found = filterAssets(found, criteria)
		orderByIDs(found, criteria.AssetIDs)
	} else {
		found, err = r.scan(ctx, criteria)
		if err != nil {
			return nil, err
		}
		sortAssets(found)
	}

	if criteria.Limit > 0 && len(found) > criteria.Limit {
		found = found[:criteria.Limit]
	}
	return found, nil
}

func (r *DynamoRepository) batchGet(ctx context.Context, ids []string) ([]models.Asset, error) {
	var found []models.Asset

	for start := 0; start < len(ids); start += batchGetLimit {
		end := min(start+batchGetLimit, len(ids))

		keys := make([]map[string]types.AttributeValue, 0, end-start)
		seen := make(map[string]struct{}, end-start)
		for _, id := range ids[start:end] {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			keys = append(keys, keyOf(id))
		}

		request := map[string]types.KeysAndAttributes{
			r.tableName: {Keys: keys},
		}
		for len(request) > 0 {
			out, err := r.client.BatchGetItem(ctx, &dynamodb.BatchGetItemInput{
				RequestItems: request,
			})
			if err != nil {
				return nil, fmt.Errorf("batch get assets: %w", err)
			}

			var page []models.Asset
			if err := attributevalue.UnmarshalListOfMaps(out.Responses[r.tableName], &page); err != nil {
				return nil, err
			}
			found = append(found, page...)
			request = out.UnprocessedKeys
		}
	}
	return found, nil
}

func (r *DynamoRepository) scan(ctx context.Context, criteria models.Criteria) ([]models.Asset, error) {
	input := &dynamodb.ScanInput{
		TableName: aws.String(r.tableName),
	}

	var (
		filters []string
		values  = map[string]types.AttributeValue{}
	)
	if len(criteria.MimeTypes) > 0 {
		placeholders := make([]string, len(criteria.MimeTypes))
		for i, mt := range criteria.MimeTypes {
			ph := ":mt" + strconv.Itoa(i)
			placeholders[i] = ph
			values[ph] = &types.AttributeValueMemberS{Value: mt}
		}
		filters = append(filters, "mime_type IN ("+strings.Join(placeholders, ", ")+")")
	}
	if criteria.NotMigrated {
		filters = append(filters, "migrated = :false")
		values[":false"] = &types.AttributeValueMemberBOOL{Value: false}
	}
	if criteria.NotOptimized {
		filters = append(filters, "attribute_not_exists(optimized_at)")
	}
	if len(filters) > 0 {
		input.FilterExpression = aws.String(strings.Join(filters, " AND "))
	}
	if len(values) > 0 {
		input.ExpressionAttributeValues = values
	}

	var found []models.Asset
	paginator := dynamodb.NewScanPaginator(r.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", r.tableName, err)
		}

		var batch []models.Asset
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &batch); err != nil {
			return nil, err
		}
		found = append(found, batch...)
	}
	return found, nil
}

func (r *DynamoRepository) update(ctx context.Context, assetID string, input *dynamodb.UpdateItemInput) error {
	input.TableName = aws.String(r.tableName)
	input.Key = keyOf(assetID)
	input.ConditionExpression = aws.String("attribute_exists(asset_id)")

	err := retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			_, err := r.client.UpdateItem(ctx, input)
			return err
		},
		retries.IsRetriableDbError,
	)

	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return apperror.ErrAssetNotFound
	}
	return err
}

func (r *DynamoRepository) timestamp() (types.AttributeValue, error) {
	return attributevalue.Marshal(r.now().UTC())
}

func (r *DynamoRepository) MarkMigrated(ctx context.Context, assetID string, remoteKey string, url string) error {
	now, err := r.timestamp()
	if err != nil {
		return err
	}
	return r.update(ctx, assetID, &dynamodb.UpdateItemInput{
		UpdateExpression: aws.String("SET migrated = :true, migrated_at = :now, remote_key = :key, remote_url = :url"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":true": &types.AttributeValueMemberBOOL{Value: true},
			":now":  now,
			":key":  &types.AttributeValueMemberS{Value: remoteKey},
			":url":  &types.AttributeValueMemberS{Value: url},
		},
	})
}

// MarkOptimized stamps optimized_at for skipped results too, so the cooldown
// applies to them.
func (r *DynamoRepository) MarkOptimized(ctx context.Context, assetID string, meta models.OptimizationMetadata) error {
	now, err := r.timestamp()
	if err != nil {
		return err
	}
	if meta.Skipped || meta.BytesSaved <= 0 {
		return r.update(ctx, assetID, &dynamodb.UpdateItemInput{
			UpdateExpression: aws.String("SET optimized_at = :now"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":now": now,
			},
		})
	}

	saved := strconv.FormatInt(meta.BytesSaved, 10)
	return r.update(ctx, assetID, &dynamodb.UpdateItemInput{
		UpdateExpression: aws.String("SET optimized_at = :now, optimized_format = :format, file_size = file_size - :saved ADD bytes_saved :saved"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now":    now,
			":format": &types.AttributeValueMemberS{Value: meta.Format},
			":saved":  &types.AttributeValueMemberN{Value: saved},
		},
	})
}

func (r *DynamoRepository) MarkRestored(ctx context.Context, assetID string) error {
	return r.update(ctx, assetID, &dynamodb.UpdateItemInput{
		UpdateExpression: aws.String("SET migrated = :false REMOVE migrated_at, remote_key, remote_url"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":false": &types.AttributeValueMemberBOOL{Value: false},
		},
	})
}

func filterAssets(in []models.Asset, c models.Criteria) []models.Asset {
	mimes := make(map[string]struct{}, len(c.MimeTypes))
	for _, mt := range c.MimeTypes {
		mimes[mt] = struct{}{}
	}

	out := in[:0]
	for _, a := range in {
		if len(mimes) > 0 {
			if _, ok := mimes[a.MimeType]; !ok {
				continue
			}
		}
		if c.NotMigrated && a.Migrated {
			continue
		}
		if c.NotOptimized && a.OptimizedAt != nil {
			continue
		}
		out = append(out, a)
	}
	return out
}

func sortAssets(a []models.Asset) {
	sort.SliceStable(a, func(i, j int) bool {
		if !a[i].CreatedAt.Equal(a[j].CreatedAt) {
			return a[i].CreatedAt.Before(a[j].CreatedAt)
		}
		return a[i].AssetID < a[j].AssetID
	})
}

func orderByIDs(a []models.Asset, ids []string) {
	pos := make(map[string]int, len(ids))
	for i, id := range ids {
		if _, ok := pos[id]; !ok {
			pos[id] = i
		}
	}
	sort.SliceStable(a, func(i, j int) bool {
		return pos[a[i].AssetID] < pos[a[j].AssetID]
	})
}
