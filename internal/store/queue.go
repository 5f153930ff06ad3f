package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// QueueRecord is the stored form of an offline queue item.
// Context and Payload are JSON documents owned by the queue package.
type QueueRecord struct {
	Seq           int64
	ID            string
	EntryID       int64
	Kind          string
	Context       string
	Payload       string
	Attempts      int
	LastError     string
	EnqueuedAt    time.Time
	LastAttemptAt *time.Time
}

// AppendQueue durably appends a record at the tail of the queue and
// returns its sequence number.
func (s *Store) AppendQueue(ctx context.Context, rec QueueRecord) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO queue_items (id, entry_id, kind, context, payload, enqueued_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		rec.ID,
		rec.EntryID,
		rec.Kind,
		rec.Context,
		rec.Payload,
		rec.EnqueuedAt.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("append queue item %s: %w", rec.ID, err)
	}
	seq, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("append queue item %s: last insert id: %w", rec.ID, err)
	}
	return seq, nil
}

// ListQueue returns up to limit records from the head of the queue in
// FIFO order. A limit <= 0 returns every record.
func (s *Store) ListQueue(ctx context.Context, limit int) ([]QueueRecord, error) {
	query := `
		SELECT seq, id, entry_id, kind, context, payload, attempts, last_error, enqueued_at, last_attempt_at
		FROM queue_items
		ORDER BY seq ASC
	`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}
	defer rows.Close()

	out := []QueueRecord{}
	for rows.Next() {
		var (
			rec         QueueRecord
			enqueuedAt  int64
			lastAttempt sql.NullInt64
		)
		if err := rows.Scan(
			&rec.Seq,
			&rec.ID,
			&rec.EntryID,
			&rec.Kind,
			&rec.Context,
			&rec.Payload,
			&rec.Attempts,
			&rec.LastError,
			&enqueuedAt,
			&lastAttempt,
		); err != nil {
			return nil, fmt.Errorf("list queue: scan: %w", err)
		}
		rec.EnqueuedAt = time.UnixMilli(enqueuedAt).UTC()
		if lastAttempt.Valid {
			at := time.UnixMilli(lastAttempt.Int64).UTC()
			rec.LastAttemptAt = &at
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list queue: iterate: %w", err)
	}
	return out, nil
}

// RemoveQueue deletes a record after its confirmed replay.
// Returns ErrNotFound if no record has the id.
func (s *Store) RemoveQueue(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM queue_items WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("remove queue item %s: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("remove queue item %s: rows affected: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("remove queue item %s: %w", id, ErrNotFound)
	}
	return nil
}

// RecordQueueAttempt notes a failed replay on a record without moving it.
func (s *Store) RecordQueueAttempt(ctx context.Context, id string, errMsg string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE queue_items
		SET attempts = attempts + 1, last_error = ?, last_attempt_at = ?
		WHERE id = ?
	`, errMsg, at.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("record attempt %s: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("record attempt %s: rows affected: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("record attempt %s: %w", id, ErrNotFound)
	}
	return nil
}

// QueueLen returns the number of queued records.
func (s *Store) QueueLen(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_items`).Scan(&n); err != nil {
		return 0, fmt.Errorf("queue len: %w", err)
	}
	return n, nil
}

// QueueLenForEntry returns the number of queued records for one entry.
func (s *Store) QueueLenForEntry(ctx context.Context, entryID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queue_items WHERE entry_id = ?`, entryID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("queue len for entry %d: %w", entryID, err)
	}
	return n, nil
}
