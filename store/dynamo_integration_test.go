package store

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/Yulian302/lfusys-services-media/logging"
	"github.com/Yulian302/lfusys-services-media/models"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// localstackEndpoint returns the local AWS endpoint, skipping the test when
// nothing listens there.
func localstackEndpoint(t *testing.T) string {
	t.Helper()
	endpoint := os.Getenv("AWS_ENDPOINT")
	if endpoint == "" {
		endpoint = "http://localhost:4566"
	}
	conn, err := net.DialTimeout("tcp", strings.TrimPrefix(endpoint, "http://"), 300*time.Millisecond)
	if err != nil {
		t.Skipf("localstack not reachable at %s", endpoint)
	}
	conn.Close()
	return endpoint
}

func setupDynamo(t *testing.T) *dynamodb.Client {
	t.Helper()
	endpoint := localstackEndpoint(t)

	creds := aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
		return aws.Credentials{AccessKeyID: "test", SecretAccessKey: "test", Source: "localstack"}, nil
	})
	return dynamodb.New(dynamodb.Options{
		Region:       "us-east-1",
		BaseEndpoint: aws.String(endpoint),
		Credentials:  aws.NewCredentialsCache(creds),
	})
}

func createTable(t *testing.T, db *dynamodb.Client, input *dynamodb.CreateTableInput) {
	t.Helper()
	input.BillingMode = types.BillingModePayPerRequest

	_, err := db.CreateTable(context.Background(), input)
	var exists *types.ResourceInUseException
	if err != nil && !errors.As(err, &exists) {
		require.NoError(t, err)
	}
}

func hashKey(name string) []types.KeySchemaElement {
	return []types.KeySchemaElement{{AttributeName: aws.String(name), KeyType: types.KeyTypeHash}}
}

func stringAttr(name string) types.AttributeDefinition {
	return types.AttributeDefinition{AttributeName: aws.String(name), AttributeType: types.ScalarAttributeTypeS}
}

func TestDynamoTTLStore_SessionRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := setupDynamo(t)

	table := "media-sessions-" + time.Now().Format("150405.000")
	createTable(t, db, &dynamodb.CreateTableInput{
		TableName:            aws.String(table),
		AttributeDefinitions: []types.AttributeDefinition{stringAttr("id")},
		KeySchema:            hashKey("id"),
	})

	kv := NewDynamoTTLStore(db, table)
	require.NoError(t, kv.IsReady(ctx))

	sessions := NewSessionStoreImpl(kv, defaultTTLs, logging.NewNopLogger())
	created, err := sessions.Create(ctx, models.KindOptimization, []string{"a", "b"})
	require.NoError(t, err)

	ok, err := sessions.Update(ctx, created.ID, models.SessionPatch{
		ProcessedDelta:  2,
		SuccessfulDelta: 2,
		ExpectProcessed: intPtr(0),
	})
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := sessions.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Processed)

	keys, err := kv.Keys(ctx, sessionKeyPrefix)
	require.NoError(t, err)
	assert.Contains(t, keys, sessionKeyPrefix+created.ID)
}

func TestDynamoQueueStore_ClaimAndFinish(t *testing.T) {
	ctx := context.Background()
	db := setupDynamo(t)

	table := "media-queue-" + time.Now().Format("150405.000")
	createTable(t, db, &dynamodb.CreateTableInput{
		TableName: aws.String(table),
		AttributeDefinitions: []types.AttributeDefinition{
			stringAttr("entry_id"),
			stringAttr("status"),
			stringAttr("claim_order"),
			stringAttr("attachment_id"),
		},
		KeySchema: hashKey("entry_id"),
		GlobalSecondaryIndexes: []types.GlobalSecondaryIndex{
			{
				IndexName: aws.String(StatusIndex),
				KeySchema: []types.KeySchemaElement{
					{AttributeName: aws.String("status"), KeyType: types.KeyTypeHash},
					{AttributeName: aws.String("claim_order"), KeyType: types.KeyTypeRange},
				},
				Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
			},
			{
				IndexName:  aws.String(AttachmentIndex),
				KeySchema:  hashKey("attachment_id"),
				Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
			},
		},
	})

	q := NewDynamoQueueStore(db, table)
	require.NoError(t, q.IsReady(ctx))

	low, err := q.Enqueue(ctx, "low", models.PriorityLow)
	require.NoError(t, err)
	high, err := q.Enqueue(ctx, "high", models.PriorityHigh)
	require.NoError(t, err)

	claimed, err := q.ClaimNext(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, high.ID, claimed[0].ID)

	require.NoError(t, q.Finish(ctx, high.ID, models.QueueCompleted, ""))

	active, err := q.ActiveFor(ctx, []string{"low", "high"})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"low": true}, active)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, 1, stats.Completed)

	got, err := q.Get(ctx, low.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueuePending, got.Status)
}
