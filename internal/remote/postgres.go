package remote

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/roach88/ringside/internal/model"
)

// fetchQueries scopes each mirrored table to a license by joining up to
// shows. Every query yields one JSON document per row.
var fetchQueries = map[string]string{
	model.TableShows: `
		SELECT row_to_json(s) FROM shows s
		WHERE s.license_key = $1
		ORDER BY s.id`,
	model.TableTrials: `
		SELECT row_to_json(t) FROM trials t
		JOIN shows s ON s.id = t.show_id
		WHERE s.license_key = $1
		ORDER BY t.id`,
	model.TableClasses: `
		SELECT row_to_json(c) FROM classes c
		JOIN trials t ON t.id = c.trial_id
		JOIN shows s ON s.id = t.show_id
		WHERE s.license_key = $1
		ORDER BY c.id`,
	model.TableEntries: `
		SELECT row_to_json(e) FROM entries e
		JOIN classes c ON c.id = e.class_id
		JOIN trials t ON t.id = c.trial_id
		JOIN shows s ON s.id = t.show_id
		WHERE s.license_key = $1
		ORDER BY e.id`,
}

// writableColumns are the entry columns a mutation may set.
var writableColumns = map[string]bool{
	model.ColStatus:         true,
	model.ColResultText:     true,
	model.ColSearchTimeMS:   true,
	model.ColFaultCount:     true,
	model.ColCorrectCount:   true,
	model.ColIncorrectCount: true,
	model.ColIsScored:       true,
	model.ColIsInRing:       true,
}

// PostgresOptions configures the connection pool.
type PostgresOptions struct {
	MaxOpenConns int
	MaxIdleConns int
	Logger       *slog.Logger
}

// Postgres is a Store backed by a PostgreSQL database.
type Postgres struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ Store = (*Postgres)(nil)

// OpenPostgres opens a connection pool for dsn. The pool connects lazily;
// an unreachable server is reported by the first call, not here.
func OpenPostgres(dsn string, opts PostgresOptions) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	return NewPostgres(db, opts.Logger), nil
}

// NewPostgres wraps an existing database handle.
func NewPostgres(db *sql.DB, logger *slog.Logger) *Postgres {
	if logger == nil {
		logger = slog.Default()
	}
	return &Postgres{db: db, logger: logger}
}

// Close closes the connection pool.
func (p *Postgres) Close() error {
	if p.db == nil {
		return nil
	}
	return p.db.Close()
}

func (p *Postgres) Ping(ctx context.Context) error {
	if err := p.db.PingContext(ctx); err != nil {
		return classifySQL("ping", err)
	}
	return nil
}

func (p *Postgres) FetchTable(ctx context.Context, table string, scope model.Scope) ([]model.Row, error) {
	query, ok := fetchQueries[table]
	if !ok {
		return nil, fmt.Errorf("fetch %s: unknown table: %w", table, ErrRejected)
	}
	if err := scope.Validate(); err != nil {
		return nil, fmt.Errorf("fetch %s: %v: %w", table, err, ErrRejected)
	}

	rows, err := p.db.QueryContext(ctx, query, scope.LicenseKey)
	if err != nil {
		return nil, classifySQL("fetch "+table, err)
	}
	defer rows.Close()

	out := []model.Row{}
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, classifySQL("fetch "+table, err)
		}
		var row model.Row
		if err := json.Unmarshal(data, &row); err != nil {
			return nil, fmt.Errorf("fetch %s: decode row: %w", table, err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, classifySQL("fetch "+table, err)
	}

	p.logger.Debug("fetched remote table", "table", table, "rows", len(out))
	return out, nil
}

func (p *Postgres) SubmitScore(ctx context.Context, t Target, s model.Score) error {
	if err := s.Validate(); err != nil {
		return fmt.Errorf("submit score: %v: %w", err, ErrRejected)
	}
	return p.updateEntry(ctx, "submit score", t, s.Patch())
}

func (p *Postgres) UpdateCheckinStatus(ctx context.Context, t Target, status model.CheckinStatus) error {
	if !status.Valid() {
		return fmt.Errorf("update status: unknown status %q: %w", status, ErrRejected)
	}
	return p.updateEntry(ctx, "update status", t, model.StatusPatch(status))
}

func (p *Postgres) ResetScore(ctx context.Context, t Target) error {
	return p.updateEntry(ctx, "reset score", t, model.ResetPatch())
}

// updateEntry writes patch to one entry, scoped to the target's license.
// Columns are bound in sorted order so the statement text is stable.
func (p *Postgres) updateEntry(ctx context.Context, op string, t Target, patch model.Patch) error {
	if err := t.validate(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	cols := make([]string, 0, len(patch))
	for col := range patch {
		if !writableColumns[col] {
			return fmt.Errorf("%s: column %q is not writable: %w", op, col, ErrRejected)
		}
		cols = append(cols, col)
	}
	sort.Strings(cols)

	sets := make([]string, 0, len(cols)+1)
	args := make([]any, 0, len(cols)+2)
	for i, col := range cols {
		sets = append(sets, fmt.Sprintf("%s = $%d", col, i+1))
		args = append(args, patch[col])
	}
	sets = append(sets, "updated_at = now()")
	args = append(args, t.EntryID, t.LicenseKey)

	query := fmt.Sprintf(`
		UPDATE entries e SET %s
		FROM classes c
		JOIN trials t ON t.id = c.trial_id
		JOIN shows s ON s.id = t.show_id
		WHERE e.id = $%d AND c.id = e.class_id AND s.license_key = $%d`,
		strings.Join(sets, ", "), len(cols)+1, len(cols)+2)

	result, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return classifySQL(op, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return classifySQL(op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: entry %d not found for license: %w", op, t.EntryID, ErrRejected)
	}
	return nil
}

// classifySQL wraps a database error as ErrRejected when the server
// answered, and as ErrUnreachable otherwise.
func classifySQL(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return fmt.Errorf("%s: %w: %s (%s)", op, ErrRejected, pqErr.Message, pqErr.Code)
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || isNetError(err) {
		return fmt.Errorf("%s: %w: %w", op, ErrUnreachable, err)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	// Anything else the driver could not attribute to the server is
	// treated as a connection problem so the write is retried.
	return fmt.Errorf("%s: %w: %w", op, ErrUnreachable, err)
}

func isNetOpError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr)
}
