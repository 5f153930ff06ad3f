// Package ledger holds pending changes: optimistic writes the user has
// made that server truth has not yet confirmed.
//
// The ledger keeps at most one entry per entity. A later UpdateEntry
// replaces the earlier one (last write wins) and gets a fresh generation
// number. Readers overlay the entry on the mirrored row, so the UI shows
// the user's edit until the server echoes it back.
//
// An entry is removed only by ClearPendingChange or ClearIfGeneration,
// and every removal carries a Reason:
//
//   - ReasonConfirmed: the replication manager applied a change
//     notification for the entity
//   - ReasonTimeout: the safety timer expired without confirmation
//
// The mutation's own remote completion never clears an entry.
package ledger

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/roach88/ringside/internal/clock"
	"github.com/roach88/ringside/internal/model"
)

// Reason records why a pending change was cleared.
type Reason string

const (
	ReasonConfirmed Reason = "confirmed"
	ReasonTimeout   Reason = "timeout"
)

// Entry is one pending change.
type Entry struct {
	ID         int64
	Patch      model.Patch
	Source     model.Source
	CreatedAt  time.Time
	Generation int64
}

// ClearFunc observes a cleared entry.
type ClearFunc func(e Entry, reason Reason)

// Ledger is the pending-change store.
//
// Thread-safety: All methods are safe for concurrent use. Observers run
// after the ledger's lock is released, on the clearing goroutine.
type Ledger struct {
	mu        sync.Mutex
	entries   map[int64]Entry
	observers []ClearFunc
	gen       *clock.Sequence
	clock     clock.Clock
	logger    *slog.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(lg *Ledger) { lg.logger = l }
}

// New creates an empty ledger stamping entries with c.
func New(c clock.Clock, opts ...Option) *Ledger {
	l := &Ledger{
		entries: make(map[int64]Entry),
		gen:     clock.NewSequence(),
		clock:   c,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// UpdateEntry records patch as the pending change for id, replacing any
// previous entry. The entry is visible to every reader when this returns.
func (l *Ledger) UpdateEntry(id int64, patch model.Patch, source model.Source) Entry {
	e := Entry{
		ID:         id,
		Patch:      patch.Clone(),
		Source:     source,
		CreatedAt:  l.clock.Now(),
		Generation: l.gen.Next(),
	}

	l.mu.Lock()
	_, replaced := l.entries[id]
	l.entries[id] = e
	l.mu.Unlock()

	l.logger.Debug("pending change recorded",
		"entry_id", id,
		"source", source,
		"generation", e.Generation,
		"replaced", replaced,
	)
	return e
}

// HasPendingChange reports whether id has an unreconciled change.
func (l *Ledger) HasPendingChange(id int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.entries[id]
	return ok
}

// Get returns the pending change for id.
func (l *Ledger) Get(id int64) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[id]
	if !ok {
		return Entry{}, false
	}
	e.Patch = e.Patch.Clone()
	return e, true
}

// ClearPendingChange removes the pending change for id.
// Returns false if there was none.
func (l *Ledger) ClearPendingChange(id int64, reason Reason) bool {
	l.mu.Lock()
	e, ok := l.entries[id]
	if ok {
		delete(l.entries, id)
	}
	observers := l.observers
	l.mu.Unlock()

	if !ok {
		return false
	}
	l.notify(observers, e, reason)
	return true
}

// ClearIfGeneration removes the pending change for id only if it is still
// the entry stamped gen. A timer armed for a superseded write is a no-op.
func (l *Ledger) ClearIfGeneration(id int64, gen int64, reason Reason) bool {
	l.mu.Lock()
	e, ok := l.entries[id]
	if ok && e.Generation == gen {
		delete(l.entries, id)
	} else {
		ok = false
	}
	observers := l.observers
	l.mu.Unlock()

	if !ok {
		return false
	}
	l.notify(observers, e, reason)
	return true
}

func (l *Ledger) notify(observers []ClearFunc, e Entry, reason Reason) {
	l.logger.Debug("pending change cleared",
		"entry_id", e.ID,
		"reason", reason,
		"generation", e.Generation,
		"age", l.clock.Now().Sub(e.CreatedAt),
	)
	for _, fn := range observers {
		fn(e, reason)
	}
}

// OnClear registers fn to run after every clear.
func (l *Ledger) OnClear(fn ClearFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	// Copy on write: notify iterates a snapshot taken under the lock.
	next := make([]ClearFunc, len(l.observers), len(l.observers)+1)
	copy(next, l.observers)
	l.observers = append(next, fn)
}

// Overlay returns row with its pending patch applied, or row unchanged if
// the row has no id or no pending change.
func (l *Ledger) Overlay(row model.Row) model.Row {
	id, ok := row.ID()
	if !ok {
		return row
	}
	l.mu.Lock()
	e, ok := l.entries[id]
	l.mu.Unlock()
	if !ok {
		return row
	}
	return e.Patch.Apply(row)
}

// Snapshot returns every pending change ordered by entity id.
func (l *Ledger) Snapshot() []Entry {
	l.mu.Lock()
	out := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		e.Patch = e.Patch.Clone()
		out = append(out, e)
	}
	l.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of pending changes.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
