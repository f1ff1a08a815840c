package queues

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	apperror "github.com/Yulian302/lfusys-services-media/apperror"
	"github.com/Yulian302/lfusys-services-media/logging"
	"github.com/Yulian302/lfusys-services-media/models"
	"github.com/Yulian302/lfusys-services-media/services"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// MessageClient is the part of *sqs.Client the receiver uses.
type MessageClient interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// EnqueueReceiver long-polls SQS for EnqueueRequestedEvent messages and puts
// the named assets on the optimization queue.
type EnqueueReceiver struct {
	client   MessageClient
	queueSvc services.QueueService
	queueUrl string
	logger   logging.Logger

	errorBackoff time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewEnqueueReceiver(
	parent context.Context,
	client MessageClient,
	queueSvc services.QueueService,
	queueUrl string,
	l logging.Logger,
) *EnqueueReceiver {
	ctx, cancel := context.WithCancel(parent)

	return &EnqueueReceiver{
		client:       client,
		queueSvc:     queueSvc,
		queueUrl:     queueUrl,
		logger:       l,
		errorBackoff: time.Second,
		ctx:          ctx,
		cancel:       cancel,
	}
}

func (r *EnqueueReceiver) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		_ = r.pollLoop()
	}()
}

func (r *EnqueueReceiver) pollLoop() error {
	for {
		select {
		case <-r.ctx.Done():
			return r.ctx.Err()
		default:
		}

		out, err := r.client.ReceiveMessage(r.ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(r.queueUrl),
			MaxNumberOfMessages: 10,
			WaitTimeSeconds:     20, // long poll
			VisibilityTimeout:   30,
		})
		if err != nil {
			if r.ctx.Err() != nil {
				return r.ctx.Err()
			}
			r.logger.Warn("receive enqueue messages failed", "error", err)
			select {
			case <-r.ctx.Done():
				return r.ctx.Err()
			case <-time.After(r.errorBackoff):
			}
			continue
		}

		for _, msg := range out.Messages {
			r.handleMessage(r.ctx, msg)
		}
	}
}

func (r *EnqueueReceiver) deleteMessage(ctx context.Context, msg types.Message) {
	_, err := r.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(r.queueUrl),
		ReceiptHandle: msg.ReceiptHandle,
	})
	if err != nil {
		r.logger.Warn("failed to delete enqueue message", "message_id", aws.ToString(msg.MessageId), "error", err)
	}
}

// handleMessage deletes the message unless the failure is worth another
// delivery. Undeleted messages come back after the visibility timeout.
func (r *EnqueueReceiver) handleMessage(ctx context.Context, msg types.Message) {
	if msg.Body == nil {
		r.deleteMessage(ctx, msg)
		return
	}

	var evt models.EnqueueRequestedEvent
	if err := json.Unmarshal([]byte(*msg.Body), &evt); err != nil || evt.AttachmentID == "" {
		// poison message
		r.logger.Warn("dropping malformed enqueue message", "message_id", aws.ToString(msg.MessageId))
		r.deleteMessage(ctx, msg)
		return
	}

	priority, err := models.ParsePriority(evt.Priority)
	if err != nil {
		r.logger.Warn("dropping enqueue message", "attachment_id", evt.AttachmentID, "error", err)
		r.deleteMessage(ctx, msg)
		return
	}

	res, err := r.queueSvc.Enqueue(ctx, evt.AttachmentID, priority)
	switch {
	case errors.Is(err, apperror.ErrAssetNotFound):
		r.logger.Warn("enqueue for unknown asset", "attachment_id", evt.AttachmentID)
	case err != nil:
		r.logger.Error("enqueue failed, message will be redelivered", "attachment_id", evt.AttachmentID, "error", err)
		return // retry
	case !res.Queued:
		r.logger.Info("asset not queued", "attachment_id", evt.AttachmentID, "reason", res.Reason)
	}

	r.deleteMessage(ctx, msg)
}

func (r *EnqueueReceiver) Shutdown(ctx context.Context) error {
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
