// Package optimistic applies user mutations locally first and reconciles
// them with server truth afterwards.
//
// Every mutation follows the same path:
//
//  1. Validate the input; invalid input is the only synchronous error
//  2. Record the patch in the ledger so readers see it at once
//  3. Arm the entity's safety timer, replacing any earlier one
//  4. Online: start the remote write in the background
//     Offline: append the mutation to the durable queue
//
// Writes for one entry reach the remote in the order they were made. A
// mutation waits for the entry's earlier write to settle, and while the
// queue still holds items for the entry it is queued behind them instead
// of being sent directly.
//
// A remote failure is logged and never rolls the local edit back. An
// unreachable remote also marks the device offline and queues the
// mutation for replay. The ledger entry is cleared only by a change
// notification for the entity or by the safety timer, and that clear
// reconciles every mutation for the entity up to that generation.
package optimistic

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/ringside/internal/clock"
	"github.com/roach88/ringside/internal/connectivity"
	"github.com/roach88/ringside/internal/ledger"
	"github.com/roach88/ringside/internal/model"
	"github.com/roach88/ringside/internal/queue"
	"github.com/roach88/ringside/internal/remote"
)

const (
	// DefaultSafetyTimeout is how long a pending change may wait for
	// confirmation before it is cleared.
	DefaultSafetyTimeout = 5 * time.Second

	// DefaultRemoteTimeout bounds a single remote write.
	DefaultRemoteTimeout = 15 * time.Second
)

// ContextResolver supplies the display and replay context stored with a
// queued mutation.
type ContextResolver interface {
	ResolveContext(entryID int64) queue.ItemContext
}

// Deps are the collaborators an Orchestrator drives.
type Deps struct {
	Ledger   *ledger.Ledger
	Queue    *queue.Queue
	Remote   remote.Store
	Monitor  *connectivity.Monitor
	Resolver ContextResolver
	Clock    clock.Clock
	Logger   *slog.Logger
}

// Options tune an Orchestrator. Zero values take the defaults.
type Options struct {
	LicenseKey    string
	SafetyTimeout time.Duration
	RemoteTimeout time.Duration
	IDs           queue.IDGenerator
}

type armedTimer struct {
	gen   int64
	timer clock.Timer
}

// Orchestrator runs the optimistic mutation flow.
//
// Thread-safety: All methods are safe for concurrent use. Mutations on
// different entities never block each other beyond a short map update.
type Orchestrator struct {
	ledger   *ledger.Ledger
	queue    *queue.Queue
	remote   remote.Store
	monitor  *connectivity.Monitor
	resolver ContextResolver
	clock    clock.Clock
	logger   *slog.Logger

	licenseKey    string
	safetyTimeout time.Duration
	remoteTimeout time.Duration
	ids           queue.IDGenerator

	mu      sync.Mutex
	timers  map[int64]armedTimer
	pending map[int64][]*Mutation
	lanes   map[int64]chan struct{} // closed when the entry's latest write settles

	inflight sync.WaitGroup
}

// New creates an orchestrator and registers it as a ledger observer.
func New(deps Deps, opts Options) (*Orchestrator, error) {
	if deps.Ledger == nil || deps.Queue == nil || deps.Remote == nil || deps.Monitor == nil {
		return nil, fmt.Errorf("optimistic: ledger, queue, remote and monitor are required")
	}
	if opts.LicenseKey == "" {
		return nil, fmt.Errorf("optimistic: license key is required")
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if opts.SafetyTimeout <= 0 {
		opts.SafetyTimeout = DefaultSafetyTimeout
	}
	if opts.RemoteTimeout <= 0 {
		opts.RemoteTimeout = DefaultRemoteTimeout
	}
	if opts.IDs == nil {
		opts.IDs = queue.UUIDv7Generator{}
	}

	o := &Orchestrator{
		ledger:        deps.Ledger,
		queue:         deps.Queue,
		remote:        deps.Remote,
		monitor:       deps.Monitor,
		resolver:      deps.Resolver,
		clock:         deps.Clock,
		logger:        deps.Logger,
		licenseKey:    opts.LicenseKey,
		safetyTimeout: opts.SafetyTimeout,
		remoteTimeout: opts.RemoteTimeout,
		ids:           opts.IDs,
		timers:        make(map[int64]armedTimer),
		pending:       make(map[int64][]*Mutation),
		lanes:         make(map[int64]chan struct{}),
	}
	o.ledger.OnClear(o.onClear)
	return o, nil
}

// ScoreParams is the input to SubmitScoreOptimistically.
type ScoreParams struct {
	EntryID int64
	Score   model.Score
}

// SubmitScoreOptimistically records a score for an entry.
//
// Remote failures never surface here; they are reported through the
// returned Mutation. The error is non-nil for invalid input, and when the
// mutation had to be queued on the spot (offline, or behind queued writes
// for the entry) but the durable append failed. The local edit stays
// applied in that case and the Mutation is still returned. A mutation
// that waits on an earlier write for the entry queues in the background
// and only logs an append failure.
func (o *Orchestrator) SubmitScoreOptimistically(ctx context.Context, p ScoreParams) (*Mutation, error) {
	if p.EntryID <= 0 {
		return nil, invalidInput(p.EntryID, "entry id must be positive")
	}
	if err := p.Score.Validate(); err != nil {
		return nil, invalidInput(p.EntryID, "%v", err)
	}
	return o.mutate(ctx, p.EntryID, model.SourceScore, p.Score.Patch())
}

// UpdateEntryCheckinStatus changes an entry's check-in status. Errors are
// returned as for SubmitScoreOptimistically, including a failed queue
// append.
func (o *Orchestrator) UpdateEntryCheckinStatus(ctx context.Context, entryID int64, status model.CheckinStatus) (*Mutation, error) {
	if entryID <= 0 {
		return nil, invalidInput(entryID, "entry id must be positive")
	}
	if !status.Valid() {
		return nil, invalidInput(entryID, "unknown check-in status %q", status)
	}
	return o.mutate(ctx, entryID, model.SourceStatus, model.StatusPatch(status))
}

// ResetEntryScore clears an entry's score. Errors are returned as for
// SubmitScoreOptimistically, including a failed queue append.
func (o *Orchestrator) ResetEntryScore(ctx context.Context, entryID int64) (*Mutation, error) {
	if entryID <= 0 {
		return nil, invalidInput(entryID, "entry id must be positive")
	}
	return o.mutate(ctx, entryID, model.SourceReset, model.ResetPatch())
}

func (o *Orchestrator) mutate(ctx context.Context, entryID int64, kind model.Source, patch model.Patch) (*Mutation, error) {
	o.mu.Lock()
	entry := o.ledger.UpdateEntry(entryID, patch, kind)
	m := newMutation(o.ids.NewID(), entry)
	if err := m.advance(StateLocalApplied); err != nil {
		o.mu.Unlock()
		return nil, err
	}
	o.armTimerLocked(entryID, entry.Generation)
	o.pending[entryID] = append(o.pending[entryID], m)
	prev := o.lanes[entryID]
	done := make(chan struct{})
	o.lanes[entryID] = done
	o.mu.Unlock()

	log := o.logger.With("mutation_id", m.ID, "entry_id", entryID, "kind", kind)
	online := o.monitor.IsOnline()

	if prev != nil {
		// An earlier write for this entry has not settled; dispatch after it.
		next := StateRemoteAttempted
		if !online {
			next = StateQueued
		}
		if err := m.advance(next); err != nil {
			o.release(entryID, done)
			return m, err
		}
		o.inflight.Add(1)
		go o.dispatch(context.WithoutCancel(ctx), m, !online, prev, done)
		if err := m.advance(StateAwaitingReconciliation); err != nil {
			return m, err
		}
		log.Debug("mutation applied locally, waiting on earlier write for entry")
		return m, nil
	}

	queued := !online
	if online {
		var err error
		if queued, err = o.queue.HasPending(ctx, entryID); err != nil {
			log.Warn("failed to check queue for entry, queueing mutation", "error", err)
			queued = true
		}
	}

	if queued {
		defer o.release(entryID, done)
		if err := m.advance(StateQueued); err != nil {
			return m, err
		}
		_, err := o.enqueue(ctx, m)
		m.finishRemote(nil)
		if aerr := m.advance(StateAwaitingReconciliation); aerr != nil {
			return m, aerr
		}
		if err != nil {
			log.Error("failed to queue mutation", "error", err)
			return m, err
		}
		if online {
			o.queue.Retry()
			log.Debug("mutation applied locally and queued behind earlier writes for entry")
		} else {
			log.Debug("mutation applied locally and queued")
		}
		return m, nil
	}

	if err := m.advance(StateRemoteAttempted); err != nil {
		o.release(entryID, done)
		return m, err
	}
	o.inflight.Add(1)
	go o.dispatch(context.WithoutCancel(ctx), m, false, nil, done)
	if err := m.advance(StateAwaitingReconciliation); err != nil {
		return m, err
	}
	log.Debug("mutation applied locally, remote write started")
	return m, nil
}

// release ends an entry's dispatch lane if no later mutation joined it.
func (o *Orchestrator) release(entryID int64, done chan struct{}) {
	close(done)
	o.mu.Lock()
	if o.lanes[entryID] == done {
		delete(o.lanes, entryID)
	}
	o.mu.Unlock()
}

// dispatch waits for the entry's previous write to settle, then either
// queues m behind earlier queued writes or sends it to the remote.
func (o *Orchestrator) dispatch(ctx context.Context, m *Mutation, queued bool, prev <-chan struct{}, done chan struct{}) {
	defer o.inflight.Done()
	defer o.release(m.EntryID, done)

	if prev != nil {
		<-prev
		if !queued {
			pending, err := o.queue.HasPending(ctx, m.EntryID)
			queued = pending || err != nil
		}
	}
	if !queued {
		o.attempt(ctx, m)
		return
	}

	if _, err := o.enqueue(ctx, m); err != nil {
		o.logger.Error("failed to queue mutation",
			"mutation_id", m.ID,
			"entry_id", m.EntryID,
			"error", err,
		)
	} else if o.monitor.IsOnline() {
		o.queue.Retry()
	}
	m.finishRemote(nil)
}

// armTimerLocked replaces the entity's safety timer. o.mu must be held.
func (o *Orchestrator) armTimerLocked(entryID, gen int64) {
	if prev, ok := o.timers[entryID]; ok {
		prev.timer.Stop()
	}
	t := o.clock.AfterFunc(o.safetyTimeout, func() {
		if o.ledger.ClearIfGeneration(entryID, gen, ledger.ReasonTimeout) {
			o.logger.Warn("pending change expired without confirmation",
				"entry_id", entryID,
				"generation", gen,
				"timeout", o.safetyTimeout,
			)
		}
	})
	o.timers[entryID] = armedTimer{gen: gen, timer: t}
}

// attempt performs the remote write for m.
func (o *Orchestrator) attempt(ctx context.Context, m *Mutation) {
	ctx, cancel := context.WithTimeout(ctx, o.remoteTimeout)
	defer cancel()

	err := o.write(ctx, remote.Target{EntryID: m.EntryID, LicenseKey: o.licenseKey}, m.Kind, m.Patch)
	if err == nil {
		m.finishRemote(nil)
		o.monitor.ReportSuccess()
		o.logger.Debug("remote write succeeded", "mutation_id", m.ID, "entry_id", m.EntryID)
		return
	}

	serr := remoteError(m.EntryID, err)
	o.logger.Error("remote write failed",
		"mutation_id", m.ID,
		"entry_id", m.EntryID,
		"kind", m.Kind,
		"code", serr.Code,
		"error", err,
	)
	if remote.IsUnreachable(err) {
		o.monitor.ReportFailure()
		if _, qerr := o.enqueue(ctx, m); qerr != nil {
			o.logger.Error("failed to queue mutation after unreachable remote",
				"mutation_id", m.ID,
				"entry_id", m.EntryID,
				"error", qerr,
			)
		}
	}
	m.finishRemote(serr)
}

// enqueue appends m to the durable queue with context from the mirrors.
func (o *Orchestrator) enqueue(ctx context.Context, m *Mutation) (queue.Item, error) {
	var ictx queue.ItemContext
	if o.resolver != nil {
		ictx = o.resolver.ResolveContext(m.EntryID)
	}
	if ictx.LicenseKey == "" {
		ictx.LicenseKey = o.licenseKey
	}
	it, err := o.queue.Add(context.WithoutCancel(ctx), queue.Item{
		ID:      m.ID,
		EntryID: m.EntryID,
		Kind:    m.Kind,
		Context: ictx,
		Payload: m.Patch,
	})
	if err != nil {
		return queue.Item{}, err
	}
	m.setQueued(it)
	return it, nil
}

// write dispatches a patch to the remote operation for its kind.
func (o *Orchestrator) write(ctx context.Context, t remote.Target, kind model.Source, patch model.Patch) error {
	switch kind {
	case model.SourceScore:
		s, err := model.ScoreFromPatch(patch)
		if err != nil {
			return err
		}
		return o.remote.SubmitScore(ctx, t, s)
	case model.SourceStatus:
		status, err := model.StatusFromPatch(patch)
		if err != nil {
			return err
		}
		return o.remote.UpdateCheckinStatus(ctx, t, status)
	case model.SourceReset:
		return o.remote.ResetScore(ctx, t)
	default:
		return fmt.Errorf("unknown mutation kind %q", kind)
	}
}

// Replay performs the remote write for a queued item. It implements
// queue.Replayer.
func (o *Orchestrator) Replay(ctx context.Context, item queue.Item) error {
	key := item.Context.LicenseKey
	if key == "" {
		key = o.licenseKey
	}
	ctx, cancel := context.WithTimeout(ctx, o.remoteTimeout)
	defer cancel()

	err := o.write(ctx, remote.Target{EntryID: item.EntryID, LicenseKey: key}, item.Kind, item.Payload)
	if err == nil {
		o.monitor.ReportSuccess()
		return nil
	}
	if remote.IsUnreachable(err) {
		o.monitor.ReportFailure()
	}
	return &SyncError{
		Code:    ErrCodeReplayFailed,
		Message: fmt.Sprintf("replay of %s failed", item.Kind),
		EntryID: item.EntryID,
		Err:     err,
	}
}

// onClear stops the entity's timer and reconciles its mutations up to the
// cleared generation.
func (o *Orchestrator) onClear(e ledger.Entry, reason ledger.Reason) {
	o.mu.Lock()
	if at, ok := o.timers[e.ID]; ok && at.gen <= e.Generation {
		at.timer.Stop()
		delete(o.timers, e.ID)
	}
	var done []*Mutation
	keep := o.pending[e.ID][:0]
	for _, m := range o.pending[e.ID] {
		if m.Generation <= e.Generation {
			done = append(done, m)
		} else {
			keep = append(keep, m)
		}
	}
	if len(keep) == 0 {
		delete(o.pending, e.ID)
	} else {
		o.pending[e.ID] = keep
	}
	o.mu.Unlock()

	for _, m := range done {
		m.reconcile(reason)
		o.logger.Debug("mutation reconciled",
			"mutation_id", m.ID,
			"entry_id", m.EntryID,
			"reason", reason,
		)
	}
}

// Pending returns the number of mutations not yet reconciled.
func (o *Orchestrator) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, ms := range o.pending {
		n += len(ms)
	}
	return n
}

// Wait blocks until every background remote write has finished.
func (o *Orchestrator) Wait() {
	o.inflight.Wait()
}

// Close stops every safety timer and waits for in-flight writes.
// Pending ledger entries stay until cleared.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	for id, at := range o.timers {
		at.timer.Stop()
		delete(o.timers, id)
	}
	o.mu.Unlock()
	o.Wait()
}
