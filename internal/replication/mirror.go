package replication

import (
	"context"
	"iter"
	"sort"
	"sync"
	"time"

	"github.com/roach88/ringside/internal/model"
	"github.com/roach88/ringside/internal/realtime"
)

// mirror is the in-memory copy of one table. The durable copy lives in
// the store; every write lands there first.
type mirror struct {
	name string

	mu        sync.RWMutex
	rows      map[int64]model.Row
	watermark time.Time
	synced    bool
}

func newMirror(name string) *mirror {
	return &mirror{name: name, rows: make(map[int64]model.Row)}
}

// snapshot returns the rows ordered by id.
func (m *mirror) snapshot() []model.Row {
	m.mu.RLock()
	ids := make([]int64, 0, len(m.rows))
	for id := range m.rows {
		ids = append(ids, id)
	}
	out := make([]model.Row, 0, len(ids))
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		out = append(out, m.rows[id].Clone())
	}
	m.mu.RUnlock()
	return out
}

func (m *mirror) advance(at time.Time) {
	if !m.synced || at.After(m.watermark) {
		m.watermark = at
	}
	m.synced = true
}

// MirrorHandle is a read view of one mirrored table plus its change entry
// point.
type MirrorHandle struct {
	mgr *Manager
	mir *mirror
}

// Name returns the table name.
func (h *MirrorHandle) Name() string {
	return h.mir.name
}

// GetAll yields the rows of the last known snapshot ordered by id. Each
// range takes a fresh snapshot; iteration never waits on I/O and is not
// affected by changes applied while it runs.
func (h *MirrorHandle) GetAll() iter.Seq[model.Row] {
	return func(yield func(model.Row) bool) {
		for _, row := range h.mir.snapshot() {
			if !yield(row) {
				return
			}
		}
	}
}

// Get returns one row by id.
func (h *MirrorHandle) Get(id int64) (model.Row, bool) {
	h.mir.mu.RLock()
	defer h.mir.mu.RUnlock()
	row, ok := h.mir.rows[id]
	if !ok {
		return nil, false
	}
	return row.Clone(), true
}

// Len returns the number of rows.
func (h *MirrorHandle) Len() int {
	h.mir.mu.RLock()
	defer h.mir.mu.RUnlock()
	return len(h.mir.rows)
}

// Watermark returns when the table was last synchronized. The boolean is
// false if it never was.
func (h *MirrorHandle) Watermark() (time.Time, bool) {
	h.mir.mu.RLock()
	defer h.mir.mu.RUnlock()
	return h.mir.watermark, h.mir.synced
}

// ApplyChange applies one change notification to this table.
func (h *MirrorHandle) ApplyChange(ctx context.Context, ev realtime.Event) error {
	if ev.Table == "" {
		ev.Table = h.mir.name
	}
	return h.mgr.ApplyChange(ctx, ev)
}
