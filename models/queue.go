package models

import (
	"fmt"
	"time"
)

type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

func ParsePriority(s string) (Priority, error) {
	switch Priority(s) {
	case PriorityHigh, PriorityNormal, PriorityLow:
		return Priority(s), nil
	case "":
		return PriorityNormal, nil
	}
	return "", fmt.Errorf("unknown priority %q", s)
}

// Rank orders priorities for claiming: lower ranks are claimed first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityLow:
		return 2
	default:
		return 1
	}
}

type QueueStatus string

const (
	QueuePending    QueueStatus = "pending"
	QueueProcessing QueueStatus = "processing"
	QueueCompleted  QueueStatus = "completed"
	QueueFailed     QueueStatus = "failed"
	QueueSkipped    QueueStatus = "skipped"
)

func (s QueueStatus) Active() bool {
	return s == QueuePending || s == QueueProcessing
}

func (s QueueStatus) Terminal() bool {
	return s == QueueCompleted || s == QueueFailed || s == QueueSkipped
}

// QueueEntry is one asset waiting for background optimization. Entries move
// pending -> processing -> completed|failed|skipped and are never reused.
type QueueEntry struct {
	ID           string      `json:"id" dynamodbav:"entry_id"`
	AttachmentID string      `json:"attachment_id" dynamodbav:"attachment_id"`
	Priority     Priority    `json:"priority" dynamodbav:"priority"`
	Status       QueueStatus `json:"status" dynamodbav:"status"`
	CreatedAt    time.Time   `json:"created_at" dynamodbav:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at" dynamodbav:"updated_at"`
	StartedAt    *time.Time  `json:"started_at,omitempty" dynamodbav:"started_at,omitempty"`
	CompletedAt  *time.Time  `json:"completed_at,omitempty" dynamodbav:"completed_at,omitempty"`
	ErrorMessage string      `json:"error_message,omitempty" dynamodbav:"error_message,omitempty"`
}

type QueueStats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`
}

// EnqueueRequestedEvent is the SQS message body asking for an asset to be
// queued for optimization.
type EnqueueRequestedEvent struct {
	AttachmentID string `json:"attachment_id"`
	Priority     string `json:"priority"`
}
