package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	apperror "github.com/Yulian302/lfusys-services-media/apperror"
	"github.com/Yulian302/lfusys-services-media/models"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

type SQLiteQueueStore struct {
	db  *sql.DB
	dsn string
	now func() time.Time
}

// NewSQLiteQueueStore opens (or creates) the queue database. dsn is a file
// path or ":memory:".
func NewSQLiteQueueStore(dsn string) (*SQLiteQueueStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// a single connection serializes writers and keeps ":memory:" databases alive
	db.SetMaxOpenConns(1)

	s := &SQLiteQueueStore{db: db, dsn: dsn, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteQueueStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteQueueStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS queue_entries (
		seq           INTEGER PRIMARY KEY AUTOINCREMENT,
		id            TEXT NOT NULL UNIQUE,
		attachment_id TEXT NOT NULL,
		priority      TEXT NOT NULL,
		priority_rank INTEGER NOT NULL,
		status        TEXT NOT NULL,
		created_at    INTEGER NOT NULL,
		updated_at    INTEGER NOT NULL,
		started_at    INTEGER,
		completed_at  INTEGER,
		error_message TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_queue_claim ON queue_entries(status, priority_rank, created_at, seq);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_queue_active
		ON queue_entries(attachment_id) WHERE status IN ('pending', 'processing');
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteQueueStore) IsReady(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteQueueStore) Name() string {
	return "QueueStore[sqlite:" + s.dsn + "]"
}

const entryColumns = "id, attachment_id, priority, status, created_at, updated_at, started_at, completed_at, error_message"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*models.QueueEntry, error) {
	var (
		e                      models.QueueEntry
		created, updated       int64
		started, completed     sql.NullInt64
		priority, status, eMsg string
	)
	if err := row.Scan(&e.ID, &e.AttachmentID, &priority, &status, &created, &updated, &started, &completed, &eMsg); err != nil {
		return nil, err
	}
	e.Priority = models.Priority(priority)
	e.Status = models.QueueStatus(status)
	e.CreatedAt = time.Unix(0, created).UTC()
	e.UpdatedAt = time.Unix(0, updated).UTC()
	e.ErrorMessage = eMsg
	if started.Valid {
		t := time.Unix(0, started.Int64).UTC()
		e.StartedAt = &t
	}
	if completed.Valid {
		t := time.Unix(0, completed.Int64).UTC()
		e.CompletedAt = &t
	}
	return &e, nil
}

func (s *SQLiteQueueStore) Enqueue(ctx context.Context, attachmentID string, priority models.Priority) (*models.QueueEntry, error) {
	if attachmentID == "" {
		return nil, errors.New("attachment id cannot be empty")
	}

	now := s.now().UTC()
	entry := &models.QueueEntry{
		ID:           uuid.NewString(),
		AttachmentID: attachmentID,
		Priority:     priority,
		Status:       models.QueuePending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var active int
	err = tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM queue_entries WHERE attachment_id = ? AND status IN ('pending', 'processing')",
		attachmentID,
	).Scan(&active)
	if err != nil {
		return nil, fmt.Errorf("check active entries: %w", err)
	}
	if active > 0 {
		return nil, apperror.ErrAlreadyQueued
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO queue_entries (id, attachment_id, priority, priority_rank, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		entry.ID, attachmentID, string(priority), priority.Rank(), string(models.QueuePending), now.UnixNano(), now.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert queue entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *SQLiteQueueStore) ClaimNext(ctx context.Context, n int) ([]models.QueueEntry, error) {
	if n <= 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		"SELECT "+entryColumns+" FROM queue_entries WHERE status = 'pending' ORDER BY priority_rank, created_at, seq LIMIT ?",
		n,
	)
	if err != nil {
		return nil, fmt.Errorf("select pending: %w", err)
	}

	var candidates []models.QueueEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		candidates = append(candidates, *e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	claimed := make([]models.QueueEntry, 0, len(candidates))
	for _, e := range candidates {
		res, err := tx.ExecContext(ctx,
			"UPDATE queue_entries SET status = 'processing', started_at = ?, updated_at = ? WHERE id = ? AND status = 'pending'",
			now.UnixNano(), now.UnixNano(), e.ID,
		)
		if err != nil {
			return nil, fmt.Errorf("claim %s: %w", e.ID, err)
		}
		if affected, _ := res.RowsAffected(); affected != 1 {
			continue
		}
		e.Status = models.QueueProcessing
		e.StartedAt = &now
		e.UpdatedAt = now
		claimed = append(claimed, e)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *SQLiteQueueStore) Finish(ctx context.Context, id string, status models.QueueStatus, message string) error {
	if !status.Terminal() {
		return fmt.Errorf("finish with non-terminal status %q", status)
	}

	now := s.now().UTC().UnixNano()
	res, err := s.db.ExecContext(ctx,
		"UPDATE queue_entries SET status = ?, error_message = ?, completed_at = ?, updated_at = ? WHERE id = ? AND status = 'processing'",
		string(status), message, now, now, id,
	)
	if err != nil {
		return fmt.Errorf("finish %s: %w", id, err)
	}
	if affected, _ := res.RowsAffected(); affected == 1 {
		return nil
	}

	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("finish %s: %w", id, apperror.ErrNotProcessing)
}

func (s *SQLiteQueueStore) Get(ctx context.Context, id string) (*models.QueueEntry, error) {
	e, err := scanEntry(s.db.QueryRowContext(ctx, "SELECT "+entryColumns+" FROM queue_entries WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.ErrQueueEntryNotFound
	}
	return e, err
}

func (s *SQLiteQueueStore) ActiveFor(ctx context.Context, attachmentIDs []string) (map[string]bool, error) {
	active := make(map[string]bool, len(attachmentIDs))
	if len(attachmentIDs) == 0 {
		return active, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(attachmentIDs)), ", ")
	args := make([]any, len(attachmentIDs))
	for i, id := range attachmentIDs {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT DISTINCT attachment_id FROM queue_entries WHERE status IN ('pending', 'processing') AND attachment_id IN ("+placeholders+")",
		args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		active[id] = true
	}
	return active, rows.Err()
}

func (s *SQLiteQueueStore) Stats(ctx context.Context) (models.QueueStats, error) {
	var stats models.QueueStats

	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM queue_entries GROUP BY status")
	if err != nil {
		return stats, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return stats, err
		}
		countInto(&stats, models.QueueStatus(status), n)
	}
	return stats, rows.Err()
}

func (s *SQLiteQueueStore) PurgeFinished(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM queue_entries WHERE status IN ('completed', 'failed', 'skipped') AND updated_at < ?",
		cutoff.UTC().UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("purge finished: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
