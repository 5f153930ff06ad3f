package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/ringside/internal/model"
)

// ReplaceTable atomically replaces every stored row of a table and sets
// its watermark. Rows without an integer id are rejected.
func (s *Store) ReplaceTable(ctx context.Context, table string, rows []model.Row, syncedAt time.Time) error {
	at := syncedAt.UnixMilli()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM mirror_rows WHERE table_name = ?`, table); err != nil {
			return fmt.Errorf("delete: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, upsertRowSQL)
		if err != nil {
			return fmt.Errorf("prepare: %w", err)
		}
		defer stmt.Close()

		for i, row := range rows {
			id, ok := row.ID()
			if !ok {
				return fmt.Errorf("row %d has no integer id", i)
			}
			data, err := json.Marshal(row)
			if err != nil {
				return fmt.Errorf("marshal row %d: %w", id, err)
			}
			if _, err := stmt.ExecContext(ctx, table, id, string(data), at); err != nil {
				return fmt.Errorf("insert row %d: %w", id, err)
			}
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO mirror_watermarks (table_name, synced_at) VALUES (?, ?)
			ON CONFLICT(table_name) DO UPDATE SET synced_at = excluded.synced_at
		`, table, at); err != nil {
			return fmt.Errorf("watermark: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("replace table %s: %w", table, err)
	}
	return nil
}

const upsertRowSQL = `
	INSERT INTO mirror_rows (table_name, id, data, synced_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(table_name, id) DO UPDATE SET data = excluded.data, synced_at = excluded.synced_at
`

// UpsertRow inserts or replaces one row by id and advances the table's
// watermark. Writing the same row twice leaves the store unchanged.
func (s *Store) UpsertRow(ctx context.Context, table string, row model.Row, syncedAt time.Time) error {
	id, ok := row.ID()
	if !ok {
		return fmt.Errorf("upsert %s: row has no integer id", table)
	}
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("upsert %s/%d: marshal: %w", table, id, err)
	}

	at := syncedAt.UnixMilli()
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, upsertRowSQL, table, id, string(data), at); err != nil {
			return err
		}
		return advanceWatermark(ctx, tx, table, at)
	})
	if err != nil {
		return fmt.Errorf("upsert %s/%d: %w", table, id, err)
	}
	return nil
}

// DeleteRow removes one row by id and advances the table's watermark.
// Deleting a missing row is not an error.
func (s *Store) DeleteRow(ctx context.Context, table string, id int64, syncedAt time.Time) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM mirror_rows WHERE table_name = ? AND id = ?
		`, table, id); err != nil {
			return err
		}
		return advanceWatermark(ctx, tx, table, syncedAt.UnixMilli())
	})
	if err != nil {
		return fmt.Errorf("delete %s/%d: %w", table, id, err)
	}
	return nil
}

// advanceWatermark moves a table's watermark forward, never backward.
func advanceWatermark(ctx context.Context, tx *sql.Tx, table string, at int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO mirror_watermarks (table_name, synced_at) VALUES (?, ?)
		ON CONFLICT(table_name) DO UPDATE SET synced_at = MAX(synced_at, excluded.synced_at)
	`, table, at)
	if err != nil {
		return fmt.Errorf("watermark: %w", err)
	}
	return nil
}

// ReadTable returns every stored row of a table ordered by id.
// Returns an empty slice (not nil) for an empty table.
func (s *Store) ReadTable(ctx context.Context, table string) ([]model.Row, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT data FROM mirror_rows
		WHERE table_name = ?
		ORDER BY id ASC
	`, table)
	if err != nil {
		return nil, fmt.Errorf("read table %s: %w", table, err)
	}
	defer rows.Close()

	out := []model.Row{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("read table %s: scan: %w", table, err)
		}
		row, err := unmarshalRow(data)
		if err != nil {
			return nil, fmt.Errorf("read table %s: %w", table, err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read table %s: iterate: %w", table, err)
	}
	return out, nil
}

// ReadRow returns one stored row.
// Returns ErrNotFound if the row does not exist.
func (s *Store) ReadRow(ctx context.Context, table string, id int64) (model.Row, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `
		SELECT data FROM mirror_rows WHERE table_name = ? AND id = ?
	`, table, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("read %s/%d: %w", table, id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s/%d: %w", table, id, err)
	}
	return unmarshalRow(data)
}

// Watermark returns the last time a table was synchronized.
// The boolean is false if the table has never been synchronized.
func (s *Store) Watermark(ctx context.Context, table string) (time.Time, bool, error) {
	var at int64
	err := s.db.QueryRowContext(ctx, `
		SELECT synced_at FROM mirror_watermarks WHERE table_name = ?
	`, table).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("watermark %s: %w", table, err)
	}
	return time.UnixMilli(at).UTC(), true, nil
}

func unmarshalRow(data string) (model.Row, error) {
	var row model.Row
	if err := json.Unmarshal([]byte(data), &row); err != nil {
		return nil, fmt.Errorf("unmarshal row: %w", err)
	}
	return row, nil
}
