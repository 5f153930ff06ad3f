// Package replication keeps local mirrors of the remote tables.
//
// The Manager owns one mirror per table: a durable copy in the SQLite
// store and an in-memory snapshot served to readers. Mirrors change in
// two ways only:
//
//   - FullSync replaces a table with a fresh remote snapshot
//   - ApplyChange upserts or deletes one row from a change notification
//
// Every write goes to the store first and to memory second, so a crash
// never leaves memory ahead of disk. For the entries table, applying a
// change also confirms the entity's pending change in the ledger; that is
// the normal path by which an optimistic write is reconciled.
//
// Change handling is idempotent. Applying the same event twice leaves the
// mirror as applying it once, and an event older than the stored row (by
// updated_at) is ignored.
package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/ringside/internal/clock"
	"github.com/roach88/ringside/internal/ledger"
	"github.com/roach88/ringside/internal/model"
	"github.com/roach88/ringside/internal/realtime"
	"github.com/roach88/ringside/internal/remote"
	"github.com/roach88/ringside/internal/store"
)

// ErrUnknownTable is returned for a table that is not mirrored.
var ErrUnknownTable = errors.New("unknown table")

// Fetcher reads complete remote tables. remote.Store satisfies it.
type Fetcher interface {
	FetchTable(ctx context.Context, table string, scope model.Scope) ([]model.Row, error)
}

// Deps are the collaborators of a Manager.
type Deps struct {
	Store   *store.Store
	Fetcher Fetcher
	Channel realtime.Channel // nil disables the incremental path
	Ledger  *ledger.Ledger
	Clock   clock.Clock
	Logger  *slog.Logger
}

// Options tune full synchronization.
type Options struct {
	// Tables to mirror. Defaults to model.MirroredTables.
	Tables []string

	// Concurrency bounds how many tables sync at once. Default 4.
	Concurrency int

	// MaxRetries per table after the first attempt. Default 3.
	MaxRetries uint64

	// InitialInterval is the first retry delay. Default 250ms.
	InitialInterval time.Duration

	// MaxInterval caps the retry delay. Default 5s.
	MaxInterval time.Duration
}

func (o Options) withDefaults() Options {
	if len(o.Tables) == 0 {
		o.Tables = model.MirroredTables
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 3
	}
	if o.InitialInterval <= 0 {
		o.InitialInterval = 250 * time.Millisecond
	}
	if o.MaxInterval <= 0 {
		o.MaxInterval = 5 * time.Second
	}
	return o
}

// Manager maintains the table mirrors.
//
// Thread-safety: All methods are safe for concurrent use. Writes to one
// table are serialized by that table's lock.
type Manager struct {
	store   *store.Store
	fetcher Fetcher
	channel realtime.Channel
	ledger  *ledger.Ledger
	clock   clock.Clock
	logger  *slog.Logger
	opts    Options

	mirrors map[string]*mirror

	subMu sync.Mutex
	subs  []realtime.Subscription
}

// New creates a Manager and loads every mirror from the store.
func New(ctx context.Context, deps Deps, opts Options) (*Manager, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("replication: store is required")
	}
	if deps.Ledger == nil {
		return nil, fmt.Errorf("replication: ledger is required")
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	m := &Manager{
		store:   deps.Store,
		fetcher: deps.Fetcher,
		channel: deps.Channel,
		ledger:  deps.Ledger,
		clock:   deps.Clock,
		logger:  deps.Logger,
		opts:    opts.withDefaults(),
		mirrors: make(map[string]*mirror),
	}

	for _, table := range m.opts.Tables {
		mir, err := m.load(ctx, table)
		if err != nil {
			return nil, err
		}
		m.mirrors[table] = mir
	}
	return m, nil
}

func (m *Manager) load(ctx context.Context, table string) (*mirror, error) {
	rows, err := m.store.ReadTable(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("load mirror %s: %w", table, err)
	}
	wm, ok, err := m.store.Watermark(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("load mirror %s: %w", table, err)
	}

	mir := newMirror(table)
	for _, row := range rows {
		if id, ok := row.ID(); ok {
			mir.rows[id] = row
		}
	}
	mir.watermark, mir.synced = wm, ok
	m.logger.Debug("mirror loaded", "table", table, "rows", len(mir.rows), "synced", ok)
	return mir, nil
}

// Tables returns the mirrored table names.
func (m *Manager) Tables() []string {
	return append([]string(nil), m.opts.Tables...)
}

// GetTable returns the handle for a mirrored table.
func (m *Manager) GetTable(name string) (*MirrorHandle, error) {
	mir, ok := m.mirrors[name]
	if !ok {
		return nil, fmt.Errorf("get table %q: %w", name, ErrUnknownTable)
	}
	return &MirrorHandle{mgr: m, mir: mir}, nil
}

// ApplyChange applies one change notification: upsert for inserts and
// updates, delete for deletes. A change to an entry confirms that
// entry's pending change.
func (m *Manager) ApplyChange(ctx context.Context, ev realtime.Event) error {
	mir, ok := m.mirrors[ev.Table]
	if !ok {
		return fmt.Errorf("apply change: %q: %w", ev.Table, ErrUnknownTable)
	}
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("apply change: %w", err)
	}
	id, _ := ev.EntityID()
	now := m.clock.Now()

	applied, err := m.write(ctx, mir, id, ev, now)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}

	if ev.Table == model.TableEntries && m.ledger.ClearPendingChange(id, ledger.ReasonConfirmed) {
		m.logger.Debug("pending change confirmed", "entry_id", id, "type", ev.Type)
	}
	return nil
}

// write persists and then caches one change. Returns false if the event
// was stale and ignored.
func (m *Manager) write(ctx context.Context, mir *mirror, id int64, ev realtime.Event, now time.Time) (bool, error) {
	mir.mu.Lock()
	defer mir.mu.Unlock()

	if ev.Type == realtime.OpDelete {
		if err := m.store.DeleteRow(ctx, mir.name, id, now); err != nil {
			return false, fmt.Errorf("apply change: %w", err)
		}
		delete(mir.rows, id)
		mir.advance(now)
		return true, nil
	}

	row, err := model.NormalizeRow(ev.Record)
	if err != nil {
		return false, fmt.Errorf("apply change %s/%d: %w", mir.name, id, err)
	}
	if cur, ok := mir.rows[id]; ok && isStale(cur, row) {
		m.logger.Debug("ignoring stale change", "table", mir.name, "id", id)
		return false, nil
	}

	if err := m.store.UpsertRow(ctx, mir.name, row, now); err != nil {
		return false, fmt.Errorf("apply change: %w", err)
	}
	mir.rows[id] = row
	mir.advance(now)
	return true, nil
}

// isStale reports whether next is older than cur by updated_at. Rows
// without a parseable updated_at are never stale.
func isStale(cur, next model.Row) bool {
	curAt, ok := cur.UpdatedAt()
	if !ok {
		return false
	}
	nextAt, ok := next.UpdatedAt()
	if !ok {
		return false
	}
	return nextAt.Before(curAt)
}

// Start subscribes every mirrored table to the change channel.
func (m *Manager) Start(ctx context.Context) error {
	if m.channel == nil {
		return nil
	}

	m.subMu.Lock()
	defer m.subMu.Unlock()

	for _, table := range m.opts.Tables {
		sub, err := m.channel.Subscribe(ctx, table, func(ev realtime.Event) {
			if err := m.ApplyChange(ctx, ev); err != nil {
				m.logger.Error("failed to apply change", "table", ev.Table, "type", ev.Type, "error", err)
			}
		})
		if err != nil {
			for _, s := range m.subs {
				_ = s.Unsubscribe()
			}
			m.subs = nil
			return fmt.Errorf("start replication: %w", err)
		}
		m.subs = append(m.subs, sub)
	}
	m.logger.Info("replication started", "tables", len(m.subs))
	return nil
}

// Stop cancels every change subscription.
func (m *Manager) Stop() error {
	m.subMu.Lock()
	subs := m.subs
	m.subs = nil
	m.subMu.Unlock()

	var errs []error
	for _, s := range subs {
		if err := s.Unsubscribe(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// TableReport is the outcome of synchronizing one table.
type TableReport struct {
	Table    string
	Rows     int
	Attempts int
	Err      error
}

// SyncReport is the outcome of a FullSync.
type SyncReport struct {
	Scope      model.Scope
	StartedAt  time.Time
	FinishedAt time.Time
	Tables     []TableReport
}

// Err joins the per-table errors.
func (r *SyncReport) Err() error {
	var errs []error
	for _, t := range r.Tables {
		if t.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t.Table, t.Err))
		}
	}
	return errors.Join(errs...)
}

// FullSync replaces every mirror with a fresh snapshot for scope. Tables
// sync concurrently and independently; a table that keeps failing after
// its retries keeps its previous contents and does not stop the others.
// The returned error joins every table failure.
func (m *Manager) FullSync(ctx context.Context, scope model.Scope) (*SyncReport, error) {
	if err := scope.Validate(); err != nil {
		return nil, fmt.Errorf("full sync: %w", err)
	}
	if m.fetcher == nil {
		return nil, fmt.Errorf("full sync: no remote configured")
	}

	report := &SyncReport{
		Scope:     scope,
		StartedAt: m.clock.Now(),
		Tables:    make([]TableReport, len(m.opts.Tables)),
	}

	var g errgroup.Group
	g.SetLimit(m.opts.Concurrency)
	for i, table := range m.opts.Tables {
		g.Go(func() error {
			report.Tables[i] = m.syncTable(ctx, table, scope)
			return nil
		})
	}
	_ = g.Wait()

	report.FinishedAt = m.clock.Now()
	err := report.Err()
	if err != nil {
		m.logger.Warn("full sync incomplete", "license_key", scope.LicenseKey, "error", err)
	} else {
		m.logger.Info("full sync complete", "license_key", scope.LicenseKey, "tables", len(report.Tables))
	}
	return report, err
}

func (m *Manager) syncTable(ctx context.Context, table string, scope model.Scope) TableReport {
	rep := TableReport{Table: table}

	var rows []model.Row
	op := func() error {
		rep.Attempts++
		r, err := m.fetcher.FetchTable(ctx, table, scope)
		if err != nil {
			if remote.IsRejected(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		rows = r
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.opts.InitialInterval
	b.MaxInterval = m.opts.MaxInterval
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, m.opts.MaxRetries), ctx)

	err := backoff.RetryNotify(op, policy, func(err error, wait time.Duration) {
		m.logger.Warn("table fetch failed, retrying", "table", table, "attempt", rep.Attempts, "wait", wait, "error", err)
	})
	if err != nil {
		rep.Err = err
		return rep
	}

	if err := m.replace(ctx, table, rows); err != nil {
		rep.Err = err
		return rep
	}
	rep.Rows = len(rows)
	return rep
}

// replace installs a full snapshot: store first, then memory.
func (m *Manager) replace(ctx context.Context, table string, rows []model.Row) error {
	mir := m.mirrors[table]

	ids := make([]int64, 0, len(rows))
	clean := make([]model.Row, 0, len(rows))
	for _, r := range rows {
		row, err := model.NormalizeRow(r)
		if err != nil {
			return fmt.Errorf("replace %s: %w", table, err)
		}
		id, ok := row.ID()
		if !ok {
			m.logger.Warn("skipping remote row without id", "table", table)
			continue
		}
		ids = append(ids, id)
		clean = append(clean, row)
	}

	mir.mu.Lock()
	defer mir.mu.Unlock()

	// A change applied while the snapshot was in flight may be newer than
	// the snapshot's copy of the row.
	next := make(map[int64]model.Row, len(clean))
	for i, row := range clean {
		if cur, ok := mir.rows[ids[i]]; ok && isStale(cur, row) {
			m.logger.Debug("keeping newer mirrored row over snapshot",
				"table", table,
				"id", ids[i],
			)
			clean[i] = cur
		}
		next[ids[i]] = clean[i]
	}

	now := m.clock.Now()
	if err := m.store.ReplaceTable(ctx, table, clean, now); err != nil {
		return err
	}
	mir.rows = next
	mir.watermark, mir.synced = now, true
	return nil
}
