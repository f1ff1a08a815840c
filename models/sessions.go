package models

import (
	"fmt"
	"math"
	"time"
)

type SessionKind string

const (
	KindMigration    SessionKind = "migration"
	KindOptimization SessionKind = "optimization"
)

func ParseSessionKind(s string) (SessionKind, error) {
	switch SessionKind(s) {
	case KindMigration, KindOptimization:
		return SessionKind(s), nil
	}
	return "", fmt.Errorf("unknown session kind %q", s)
}

type SessionStatus string

const (
	StatusRunning   SessionStatus = "running"
	StatusCompleted SessionStatus = "completed"
	StatusCancelled SessionStatus = "cancelled"
)

func (s SessionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Session is one bounded run of the migration or optimization pipeline.
// Items is frozen at creation; assets added afterwards are never picked up.
type Session struct {
	ID          string        `json:"id" dynamodbav:"id"`
	Kind        SessionKind   `json:"kind" dynamodbav:"kind"`
	Status      SessionStatus `json:"status" dynamodbav:"status"`
	Total       int           `json:"total" dynamodbav:"total"`
	Processed   int           `json:"processed" dynamodbav:"processed"`
	Successful  int           `json:"successful" dynamodbav:"successful"`
	Failed      int           `json:"failed" dynamodbav:"failed"`
	Items       []string      `json:"items" dynamodbav:"items"`
	Errors      []string      `json:"errors" dynamodbav:"errors"`
	StartedAt   time.Time     `json:"started_at" dynamodbav:"started_at"`
	UpdatedAt   time.Time     `json:"updated_at" dynamodbav:"updated_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty" dynamodbav:"completed_at,omitempty"`
}

// Remaining returns the items not yet consumed, in enumeration order.
func (s *Session) Remaining() []string {
	if s.Processed >= len(s.Items) {
		return nil
	}
	return s.Items[s.Processed:]
}

// SessionPatch names the fields an update touches. Nil fields are left as is.
// Counter deltas are added; errors are appended.
type SessionPatch struct {
	Status          *SessionStatus
	ProcessedDelta  int
	SuccessfulDelta int
	FailedDelta     int
	AppendErrors    []string

	// ExpectProcessed, when set, rejects the update unless the stored
	// processed counter still has this value.
	ExpectProcessed *int
}

type ProgressReport struct {
	SessionID  string        `json:"session_id"`
	Kind       SessionKind   `json:"kind"`
	Status     SessionStatus `json:"status"`
	Processed  int           `json:"processed"`
	Total      int           `json:"total"`
	Percent    float64       `json:"percent"`
	Successful int           `json:"successful"`
	Failed     int           `json:"failed"`
	Errors     []string      `json:"errors"`
	Completed  bool          `json:"completed"`
	Elapsed    time.Duration `json:"elapsed"`
}

// Percent returns round(100*processed/total, 2), or 0 for an empty session.
func Percent(processed, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(10000*float64(processed)/float64(total)) / 100
}

func NewProgressReport(s *Session, now time.Time) *ProgressReport {
	end := now
	if s.CompletedAt != nil {
		end = *s.CompletedAt
	}
	errs := s.Errors
	if errs == nil {
		errs = []string{}
	}
	return &ProgressReport{
		SessionID:  s.ID,
		Kind:       s.Kind,
		Status:     s.Status,
		Processed:  s.Processed,
		Total:      s.Total,
		Percent:    Percent(s.Processed, s.Total),
		Successful: s.Successful,
		Failed:     s.Failed,
		Errors:     errs,
		Completed:  s.Status == StatusCompleted,
		Elapsed:    end.Sub(s.StartedAt),
	}
}

type SessionHandle struct {
	ID    string      `json:"id"`
	Kind  SessionKind `json:"kind"`
	Total int         `json:"total"`
}
