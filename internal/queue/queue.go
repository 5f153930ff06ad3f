// Package queue is the durable offline write queue.
//
// Mutations made while the remote store is unreachable are appended here
// and replayed in strict enqueue order once connectivity returns:
//
//   - Add commits the item to SQLite before returning
//   - Drain replays from the head, one item at a time, and removes an
//     item only after its replay succeeded
//   - A failed replay records the attempt on the item, leaves it at the
//     head and halts the drain; nothing behind it is tried
//   - Run drains on every offline→online transition, on Retry, and on
//     a backoff timer armed after each failure
//
// Items are never skipped, reordered or deduplicated.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/roach88/ringside/internal/clock"
	"github.com/roach88/ringside/internal/connectivity"
	"github.com/roach88/ringside/internal/store"
)

// Replayer performs the remote write for a queued item.
type Replayer interface {
	Replay(ctx context.Context, item Item) error
}

// RetryPolicy schedules automatic drains after a failed replay.
type RetryPolicy struct {
	// Initial is the delay after the first failure; each further failure
	// doubles it. Default 2s.
	Initial time.Duration
	// Max caps the delay. Default 1m.
	Max time.Duration
	// Disabled turns automatic retries off; only connectivity
	// transitions and Retry trigger a drain.
	Disabled bool
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.Initial <= 0 {
		p.Initial = 2 * time.Second
	}
	if p.Max <= 0 {
		p.Max = time.Minute
	}
	if p.Max < p.Initial {
		p.Max = p.Initial
	}
	return p
}

// Options configure a Queue.
type Options struct {
	Retry  RetryPolicy
	IDs    IDGenerator
	Logger *slog.Logger
}

// Queue is the offline write queue.
//
// Thread-safety: All methods are safe for concurrent use. At most one
// drain runs at a time.
type Queue struct {
	store   *store.Store
	monitor *connectivity.Monitor
	clock   clock.Clock
	ids     IDGenerator
	logger  *slog.Logger
	retry   RetryPolicy

	drainMu sync.Mutex

	mu       sync.Mutex
	replayer Replayer
	bo       *backoff.ExponentialBackOff
	timer    clock.Timer

	kick chan struct{} // buffered, size 1
}

// New creates a queue over st. The monitor gates draining.
func New(st *store.Store, monitor *connectivity.Monitor, clk clock.Clock, opts Options) *Queue {
	if clk == nil {
		clk = clock.Real{}
	}
	if opts.IDs == nil {
		opts.IDs = UUIDv7Generator{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	retry := opts.Retry.withDefaults()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retry.Initial
	bo.MaxInterval = retry.Max
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0
	bo.RandomizationFactor = 0
	bo.Clock = clk
	bo.Reset()

	return &Queue{
		store:   st,
		monitor: monitor,
		clock:   clk,
		ids:     opts.IDs,
		logger:  opts.Logger,
		retry:   retry,
		bo:      bo,
		kick:    make(chan struct{}, 1),
	}
}

// SetReplayer installs the remote write path used by Drain.
func (q *Queue) SetReplayer(r Replayer) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.replayer = r
}

// Add durably appends item and returns it with its id, sequence and
// enqueue time filled in.
func (q *Queue) Add(ctx context.Context, item Item) (Item, error) {
	if err := item.validate(); err != nil {
		return Item{}, err
	}
	if item.ID == "" {
		item.ID = q.ids.NewID()
	}
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = q.clock.Now()
	}
	item.Attempts, item.LastError, item.LastAttemptAt = 0, "", nil

	rec, err := item.record()
	if err != nil {
		return Item{}, fmt.Errorf("add queue item: %w", err)
	}
	seq, err := q.store.AppendQueue(ctx, rec)
	if err != nil {
		return Item{}, err
	}
	item.Seq = seq

	q.logger.Info("mutation queued",
		"item_id", item.ID,
		"entry_id", item.EntryID,
		"kind", item.Kind,
		"seq", seq,
	)
	return item, nil
}

// List returns every queued item in replay order.
func (q *Queue) List(ctx context.Context) ([]Item, error) {
	recs, err := q.store.ListQueue(ctx, 0)
	if err != nil {
		return nil, err
	}
	items := make([]Item, 0, len(recs))
	for _, rec := range recs {
		it, err := itemFromRecord(rec)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, nil
}

// Len returns the number of queued items.
func (q *Queue) Len(ctx context.Context) (int, error) {
	return q.store.QueueLen(ctx)
}

// HasPending reports whether any item for entryID is still queued.
func (q *Queue) HasPending(ctx context.Context, entryID int64) (bool, error) {
	n, err := q.store.QueueLenForEntry(ctx, entryID)
	return n > 0, err
}

// Drain replays queued items in order until the queue is empty or a
// replay fails. Returns the number of items replayed. A failed replay
// returns a *ReplayError and leaves the item at the head.
func (q *Queue) Drain(ctx context.Context) (int, error) {
	if !q.drainMu.TryLock() {
		return 0, ErrDrainInProgress
	}
	defer q.drainMu.Unlock()

	q.mu.Lock()
	replayer := q.replayer
	q.mu.Unlock()
	if replayer == nil {
		return 0, ErrNoReplayer
	}

	replayed := 0
	for {
		if err := ctx.Err(); err != nil {
			return replayed, err
		}
		if q.monitor != nil && !q.monitor.IsOnline() {
			if replayed == 0 {
				return 0, ErrOffline
			}
			return replayed, nil
		}

		recs, err := q.store.ListQueue(ctx, 1)
		if err != nil {
			return replayed, fmt.Errorf("drain: %w", err)
		}
		if len(recs) == 0 {
			q.resetBackoff()
			if replayed > 0 {
				q.logger.Info("queue drained", "replayed", replayed)
			}
			return replayed, nil
		}

		item, err := itemFromRecord(recs[0])
		if err != nil {
			return replayed, fmt.Errorf("drain: %w", err)
		}

		if err := replayer.Replay(ctx, item); err != nil {
			return replayed, q.fail(ctx, item, err)
		}

		if err := q.store.RemoveQueue(ctx, item.ID); err != nil {
			return replayed, fmt.Errorf("drain: %w", err)
		}
		replayed++
		q.logger.Debug("queue item replayed", "item_id", item.ID, "entry_id", item.EntryID, "seq", item.Seq)
	}
}

// fail records a failed replay and arms the retry timer.
func (q *Queue) fail(ctx context.Context, item Item, replayErr error) error {
	item.Attempts++
	if err := q.store.RecordQueueAttempt(ctx, item.ID, replayErr.Error(), q.clock.Now()); err != nil {
		q.logger.Error("failed to record replay attempt", "item_id", item.ID, "error", err)
	}

	wait := q.scheduleRetry()
	q.logger.Warn("queue replay failed",
		"item_id", item.ID,
		"entry_id", item.EntryID,
		"attempt", item.Attempts,
		"retry_in", wait,
		"error", replayErr,
	)
	return &ReplayError{ItemID: item.ID, EntryID: item.EntryID, Attempts: item.Attempts, Err: replayErr}
}

// scheduleRetry arms a one-shot Retry after the next backoff interval.
// Returns 0 if no retry was scheduled.
func (q *Queue) scheduleRetry() time.Duration {
	if q.retry.Disabled {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.timer != nil {
		q.timer.Stop()
	}
	wait := q.bo.NextBackOff()
	if wait == backoff.Stop {
		q.timer = nil
		return 0
	}
	q.timer = q.clock.AfterFunc(wait, q.Retry)
	return wait
}

func (q *Queue) resetBackoff() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.bo.Reset()
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
}

// Retry requests a drain from Run. Multiple requests coalesce.
func (q *Queue) Retry() {
	select {
	case q.kick <- struct{}{}:
	default:
	}
}

// Run drains the queue whenever connectivity returns or a retry is
// requested, until ctx is done. It also drains once at start if online.
func (q *Queue) Run(ctx context.Context) error {
	var transitions <-chan bool
	if q.monitor != nil {
		ch, cancel := q.monitor.Subscribe()
		defer cancel()
		transitions = ch
		if q.monitor.IsOnline() {
			q.drainLogged(ctx)
		}
	}

	for {
		select {
		case <-ctx.Done():
			q.mu.Lock()
			if q.timer != nil {
				q.timer.Stop()
				q.timer = nil
			}
			q.mu.Unlock()
			return ctx.Err()
		case online := <-transitions:
			if online {
				q.drainLogged(ctx)
			}
		case <-q.kick:
			q.drainLogged(ctx)
		}
	}
}

func (q *Queue) drainLogged(ctx context.Context) {
	_, err := q.Drain(ctx)
	switch {
	case err == nil, errors.Is(err, ErrOffline), errors.Is(err, ErrDrainInProgress), errors.Is(err, context.Canceled):
	case IsReplayFailed(err):
		// already logged by fail
	default:
		q.logger.Error("queue drain failed", "error", err)
	}
}
