package queue

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ringside/internal/connectivity"
	"github.com/roach88/ringside/internal/model"
	"github.com/roach88/ringside/internal/store"
	"github.com/roach88/ringside/internal/testutil"
)

var (
	start = time.Date(2026, 4, 11, 8, 0, 0, 0, time.UTC)
	quiet = slog.New(slog.DiscardHandler)
)

// recordingReplayer records replays and fails while failures remain.
type recordingReplayer struct {
	mu       sync.Mutex
	replayed []string
	failures []error
	block    chan struct{}
	started  chan struct{}
}

func (r *recordingReplayer) Replay(ctx context.Context, item Item) error {
	r.mu.Lock()
	block := r.block
	started := r.started
	r.mu.Unlock()
	if started != nil {
		started <- struct{}{}
	}
	if block != nil {
		<-block
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.failures) > 0 {
		err := r.failures[0]
		r.failures = r.failures[1:]
		return err
	}
	r.replayed = append(r.replayed, item.ID)
	return nil
}

func (r *recordingReplayer) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.replayed...)
}

type fixture struct {
	q        *Queue
	store    *store.Store
	monitor  *connectivity.Monitor
	clock    *testutil.FakeClock
	replayer *recordingReplayer
	path     string
}

func setup(t *testing.T, online bool, retry RetryPolicy) *fixture {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queue.db")
	st, err := store.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	f := &fixture{
		store:    st,
		monitor:  connectivity.New(online, connectivity.WithLogger(quiet)),
		clock:    testutil.NewFakeClock(start),
		replayer: &recordingReplayer{},
		path:     path,
	}
	f.q = New(st, f.monitor, f.clock, Options{
		Retry:  retry,
		IDs:    testutil.NewSequentialIDs("item"),
		Logger: quiet,
	})
	f.q.SetReplayer(f.replayer)
	return f
}

func statusItem(entryID int64, status model.CheckinStatus) Item {
	return Item{
		EntryID: entryID,
		Kind:    model.SourceStatus,
		Context: ItemContext{LicenseKey: "L1", ClassID: 100, Armband: 101, ClassLabel: "Container Novice", TrialDate: "2026-04-11", TrialNumber: 1},
		Payload: model.StatusPatch(status),
	}
}

func (f *fixture) add(t *testing.T, items ...Item) []Item {
	t.Helper()
	out := make([]Item, 0, len(items))
	for _, it := range items {
		added, err := f.q.Add(context.Background(), it)
		require.NoError(t, err)
		out = append(out, added)
	}
	return out
}

func (f *fixture) queueLen(t *testing.T) int {
	t.Helper()
	n, err := f.q.Len(context.Background())
	require.NoError(t, err)
	return n
}

func TestAdd_AssignsIdentityAndPersists(t *testing.T) {
	f := setup(t, false, RetryPolicy{})

	added := f.add(t, statusItem(1, model.StatusCheckedIn), statusItem(2, model.StatusAtGate))
	assert.Equal(t, "item-1", added[0].ID)
	assert.Equal(t, int64(1), added[0].Seq)
	assert.Equal(t, int64(2), added[1].Seq)
	assert.Equal(t, start, added[0].EnqueuedAt)

	items, err := f.q.List(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "item-1", items[0].ID)
	assert.Equal(t, model.SourceStatus, items[0].Kind)
	assert.Equal(t, "Container Novice", items[0].Context.ClassLabel)
	assert.Equal(t, "checked-in", items[0].Payload["entry_status"])
	assert.True(t, start.Equal(items[0].EnqueuedAt))
}

func TestAdd_Validation(t *testing.T) {
	f := setup(t, false, RetryPolicy{})

	bad := []Item{
		{EntryID: 0, Kind: model.SourceScore, Context: ItemContext{LicenseKey: "L1"}},
		{EntryID: 1, Kind: "bulk", Context: ItemContext{LicenseKey: "L1"}},
		{EntryID: 1, Kind: model.SourceReset},
	}
	for _, it := range bad {
		_, err := f.q.Add(context.Background(), it)
		assert.Error(t, err)
	}
	assert.Equal(t, 0, f.queueLen(t))
}

func TestAdd_DefaultIDsAreUUIDv7(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	st, err := store.Open(path)
	require.NoError(t, err)
	defer st.Close()

	q := New(st, nil, testutil.NewFakeClock(start), Options{Logger: quiet})
	it, err := q.Add(context.Background(), statusItem(1, model.StatusPulled))
	require.NoError(t, err)
	assert.Len(t, it.ID, 36)
	assert.Equal(t, byte('7'), it.ID[14], "version nibble")
}

func TestDrain_ReplaysInOrderExactlyOnce(t *testing.T) {
	f := setup(t, true, RetryPolicy{})
	f.add(t, statusItem(3, model.StatusCheckedIn), statusItem(1, model.StatusAtGate), statusItem(3, model.StatusInRing))

	n, err := f.q.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"item-1", "item-2", "item-3"}, f.replayer.ids())
	assert.Equal(t, 0, f.queueLen(t))

	n, err = f.q.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Len(t, f.replayer.ids(), 3, "nothing replays twice")
}

func TestHasPending_TracksEntry(t *testing.T) {
	f := setup(t, true, RetryPolicy{})
	ctx := context.Background()
	f.add(t, statusItem(3, model.StatusCheckedIn))

	pending, err := f.q.HasPending(ctx, 3)
	require.NoError(t, err)
	assert.True(t, pending)
	pending, err = f.q.HasPending(ctx, 1)
	require.NoError(t, err)
	assert.False(t, pending)

	_, err = f.q.Drain(ctx)
	require.NoError(t, err)
	pending, err = f.q.HasPending(ctx, 3)
	require.NoError(t, err)
	assert.False(t, pending)
}

func TestDrain_HaltsOnFailure(t *testing.T) {
	f := setup(t, true, RetryPolicy{Disabled: true})
	f.add(t, statusItem(1, model.StatusCheckedIn), statusItem(2, model.StatusCheckedIn))
	f.replayer.failures = []error{errors.New("remote rejected: status 409")}

	n, err := f.q.Drain(context.Background())
	require.Error(t, err)
	assert.Equal(t, 0, n)
	assert.True(t, IsReplayFailed(err))
	assert.Contains(t, err.Error(), "REPLAY_FAILED")

	var re *ReplayError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "item-1", re.ItemID)
	assert.Equal(t, 1, re.Attempts)

	items, err := f.q.List(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 2, "failed item stays, nothing behind it is tried")
	assert.Equal(t, "item-1", items[0].ID)
	assert.Equal(t, 1, items[0].Attempts)
	assert.Contains(t, items[0].LastError, "409")
	assert.Empty(t, f.replayer.ids())

	n, err = f.q.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"item-1", "item-2"}, f.replayer.ids())
}

func TestDrain_Offline(t *testing.T) {
	f := setup(t, false, RetryPolicy{})
	f.add(t, statusItem(1, model.StatusCheckedIn))

	_, err := f.q.Drain(context.Background())
	assert.ErrorIs(t, err, ErrOffline)
	assert.Empty(t, f.replayer.ids())
	assert.Equal(t, 1, f.queueLen(t))
}

func TestDrain_NoReplayer(t *testing.T) {
	f := setup(t, true, RetryPolicy{})
	f.q.SetReplayer(nil)
	_, err := f.q.Drain(context.Background())
	assert.ErrorIs(t, err, ErrNoReplayer)
}

func TestDrain_OneAtATime(t *testing.T) {
	f := setup(t, true, RetryPolicy{})
	f.add(t, statusItem(1, model.StatusCheckedIn))
	f.replayer.block = make(chan struct{})
	f.replayer.started = make(chan struct{}, 1)

	done := make(chan error, 1)
	go func() {
		_, err := f.q.Drain(context.Background())
		done <- err
	}()
	<-f.replayer.started

	_, err := f.q.Drain(context.Background())
	assert.ErrorIs(t, err, ErrDrainInProgress)

	close(f.replayer.block)
	require.NoError(t, <-done)
	assert.Equal(t, []string{"item-1"}, f.replayer.ids())
}

func TestRun_DrainsOnReconnect(t *testing.T) {
	f := setup(t, false, RetryPolicy{})
	f.add(t, statusItem(1, model.StatusCheckedIn), statusItem(2, model.StatusCompleted))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.q.Run(ctx) }()

	f.monitor.Set(true)
	require.Eventually(t, func() bool { return f.queueLen(t) == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"item-1", "item-2"}, f.replayer.ids())

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestRun_RetriesWithBackoff(t *testing.T) {
	f := setup(t, true, RetryPolicy{Initial: 2 * time.Second, Max: time.Minute})
	f.add(t, statusItem(1, model.StatusCheckedIn))
	f.replayer.failures = []error{errors.New("timeout"), errors.New("timeout")}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.q.Run(ctx)

	// First drain on start fails and arms a 2s timer
	require.Eventually(t, func() bool { return f.clock.PendingTimers() == 1 }, 2*time.Second, 5*time.Millisecond)
	f.clock.Advance(time.Second)
	assert.Equal(t, 1, f.queueLen(t))

	// Second attempt at 2s fails again and arms a longer timer
	f.clock.Advance(time.Second)
	require.Eventually(t, func() bool {
		items, _ := f.q.List(context.Background())
		return len(items) == 1 && items[0].Attempts == 2
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return f.clock.PendingTimers() == 1 }, 2*time.Second, 5*time.Millisecond)

	f.clock.Advance(2 * time.Second)
	assert.Equal(t, 1, f.queueLen(t), "backoff doubled, not yet due")

	f.clock.Advance(2 * time.Second)
	require.Eventually(t, func() bool { return f.queueLen(t) == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"item-1"}, f.replayer.ids())
}

func TestRun_RetryDisabled(t *testing.T) {
	f := setup(t, true, RetryPolicy{Disabled: true})
	f.add(t, statusItem(1, model.StatusCheckedIn))
	f.replayer.failures = []error{errors.New("timeout")}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.q.Run(ctx)

	require.Eventually(t, func() bool {
		items, _ := f.q.List(context.Background())
		return len(items) == 1 && items[0].Attempts == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, f.clock.PendingTimers())

	f.q.Retry()
	require.Eventually(t, func() bool { return f.queueLen(t) == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestQueue_SurvivesRestart(t *testing.T) {
	f := setup(t, false, RetryPolicy{})
	f.add(t, statusItem(1, model.StatusCheckedIn), statusItem(2, model.StatusPulled))
	require.NoError(t, f.store.Close())

	st, err := store.Open(f.path)
	require.NoError(t, err)
	defer st.Close()

	q := New(st, connectivity.New(true), f.clock, Options{Logger: quiet})
	rep := &recordingReplayer{}
	q.SetReplayer(rep)

	n, err := q.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"item-1", "item-2"}, rep.ids())
}
