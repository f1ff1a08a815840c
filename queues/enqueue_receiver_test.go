package queues

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	apperror "github.com/Yulian302/lfusys-services-media/apperror"
	"github.com/Yulian302/lfusys-services-media/eligibility"
	"github.com/Yulian302/lfusys-services-media/logging"
	"github.com/Yulian302/lfusys-services-media/models"
	"github.com/Yulian302/lfusys-services-media/services"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSQS struct {
	mu       sync.Mutex
	pending  []types.Message
	deleted  []string
	failures int
}

func (f *fakeSQS) ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return nil, errors.New("connection refused")
	}
	if len(f.pending) > 0 {
		n := min(len(f.pending), int(in.MaxNumberOfMessages))
		msgs := f.pending[:n]
		f.pending = f.pending[n:]
		f.mu.Unlock()
		return &sqs.ReceiveMessageOutput{Messages: msgs}, nil
	}
	f.mu.Unlock()

	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *fakeSQS) DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeSQS) deletedHandles() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

type enqueueCall struct {
	id       string
	priority models.Priority
}

type fakeQueueService struct {
	mu    sync.Mutex
	calls []enqueueCall
	errs  map[string]error
}

func (f *fakeQueueService) Enqueue(ctx context.Context, id string, p models.Priority) (*services.EnqueueResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, enqueueCall{id: id, priority: p})
	if err := f.errs[id]; err != nil {
		return nil, err
	}
	if id == "tiny" {
		return &services.EnqueueResult{Reason: eligibility.ReasonTooSmall}, nil
	}
	return &services.EnqueueResult{Queued: true, Reason: eligibility.ReasonOK}, nil
}

func (f *fakeQueueService) Stats(ctx context.Context) (models.QueueStats, error) {
	return models.QueueStats{}, nil
}

func message(handle string, body *string) types.Message {
	return types.Message{MessageId: aws.String("m-" + handle), ReceiptHandle: aws.String(handle), Body: body}
}

func TestEnqueueReceiver_HandleMessage(t *testing.T) {
	svc := &fakeQueueService{errs: map[string]error{
		"unknown": apperror.ErrAssetNotFound,
		"flaky":   apperror.StoreUnavailable("enqueue", errors.New("database is locked")),
	}}

	tests := []struct {
		name        string
		body        *string
		wantDeleted bool
		wantCall    *enqueueCall
	}{
		{name: "nil body", body: nil, wantDeleted: true},
		{name: "malformed json", body: aws.String("{"), wantDeleted: true},
		{name: "missing attachment", body: aws.String(`{"priority":"high"}`), wantDeleted: true},
		{name: "bad priority", body: aws.String(`{"attachment_id":"a","priority":"urgent"}`), wantDeleted: true},
		{
			name:        "queued",
			body:        aws.String(`{"attachment_id":"a","priority":"high"}`),
			wantDeleted: true,
			wantCall:    &enqueueCall{id: "a", priority: models.PriorityHigh},
		},
		{
			name:        "default priority",
			body:        aws.String(`{"attachment_id":"b"}`),
			wantDeleted: true,
			wantCall:    &enqueueCall{id: "b", priority: models.PriorityNormal},
		},
		{
			name:        "not eligible",
			body:        aws.String(`{"attachment_id":"tiny"}`),
			wantDeleted: true,
			wantCall:    &enqueueCall{id: "tiny", priority: models.PriorityNormal},
		},
		{
			name:        "unknown asset",
			body:        aws.String(`{"attachment_id":"unknown"}`),
			wantDeleted: true,
			wantCall:    &enqueueCall{id: "unknown", priority: models.PriorityNormal},
		},
		{
			name:        "store failure is redelivered",
			body:        aws.String(`{"attachment_id":"flaky"}`),
			wantDeleted: false,
			wantCall:    &enqueueCall{id: "flaky", priority: models.PriorityNormal},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &fakeSQS{}
			svc.calls = nil
			r := NewEnqueueReceiver(context.Background(), client, svc, "https://sqs.local/q", logging.NewNopLogger())

			r.handleMessage(context.Background(), message("h1", tt.body))

			if tt.wantDeleted {
				assert.Equal(t, []string{"h1"}, client.deletedHandles())
			} else {
				assert.Empty(t, client.deletedHandles())
			}
			if tt.wantCall != nil {
				assert.Equal(t, []enqueueCall{*tt.wantCall}, svc.calls)
			} else {
				assert.Empty(t, svc.calls)
			}
		})
	}
}

func TestEnqueueReceiver_PollLoop(t *testing.T) {
	client := &fakeSQS{
		failures: 1,
		pending: []types.Message{
			message("h1", aws.String(`{"attachment_id":"a"}`)),
			message("h2", aws.String(`{"attachment_id":"b","priority":"low"}`)),
		},
	}
	svc := &fakeQueueService{}
	r := NewEnqueueReceiver(context.Background(), client, svc, "https://sqs.local/q", logging.NewNopLogger())
	r.errorBackoff = time.Millisecond

	r.Start()
	require.Eventually(t, func() bool {
		return len(client.deletedHandles()) == 2
	}, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, r.Shutdown(ctx))

	assert.Equal(t, []string{"h1", "h2"}, client.deletedHandles())
	assert.Len(t, svc.calls, 2)
}
