package ledger

import (
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ringside/internal/model"
	"github.com/roach88/ringside/internal/testutil"
)

var start = time.Date(2026, 4, 11, 8, 0, 0, 0, time.UTC)

func newTestLedger() (*Ledger, *testutil.FakeClock) {
	clk := testutil.NewFakeClock(start)
	return New(clk, WithLogger(slog.New(slog.DiscardHandler))), clk
}

type clearRecord struct {
	ID     int64
	Reason Reason
	Gen    int64
}

func recordClears(l *Ledger) func() []clearRecord {
	var mu sync.Mutex
	var got []clearRecord
	l.OnClear(func(e Entry, r Reason) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, clearRecord{ID: e.ID, Reason: r, Gen: e.Generation})
	})
	return func() []clearRecord {
		mu.Lock()
		defer mu.Unlock()
		return append([]clearRecord(nil), got...)
	}
}

func TestUpdateEntry_VisibleImmediately(t *testing.T) {
	l, _ := newTestLedger()

	e := l.UpdateEntry(1, model.Patch{"is_scored": true, "result_text": "Q"}, model.SourceScore)

	assert.True(t, l.HasPendingChange(1))
	assert.Equal(t, start, e.CreatedAt)
	assert.Equal(t, int64(1), e.Generation)

	row := l.Overlay(model.Row{"id": 1, "is_scored": false, "armband": 101})
	assert.Equal(t, true, row["is_scored"])
	assert.Equal(t, "Q", row["result_text"])
	assert.Equal(t, 101, row["armband"])
}

func TestUpdateEntry_LastWriteWins(t *testing.T) {
	l, clk := newTestLedger()

	first := l.UpdateEntry(1, model.StatusPatch(model.StatusAtGate), model.SourceStatus)
	clk.Advance(time.Second)
	second := l.UpdateEntry(1, model.StatusPatch(model.StatusInRing), model.SourceStatus)

	assert.Equal(t, 1, l.Len())
	assert.Greater(t, second.Generation, first.Generation)

	got, ok := l.Get(1)
	require.True(t, ok)
	assert.Equal(t, "in-ring", got.Patch["entry_status"])
	assert.Equal(t, start.Add(time.Second), got.CreatedAt)
}

func TestUpdateEntry_CopiesPatch(t *testing.T) {
	l, _ := newTestLedger()

	patch := model.Patch{"entry_status": "pulled"}
	l.UpdateEntry(1, patch, model.SourceStatus)
	patch["entry_status"] = "conflict"

	got, _ := l.Get(1)
	assert.Equal(t, "pulled", got.Patch["entry_status"])

	got.Patch["entry_status"] = "none"
	again, _ := l.Get(1)
	assert.Equal(t, "pulled", again.Patch["entry_status"])
}

func TestClearPendingChange_RecordsReason(t *testing.T) {
	l, _ := newTestLedger()
	clears := recordClears(l)

	l.UpdateEntry(1, model.ResetPatch(), model.SourceReset)
	l.UpdateEntry(2, model.ResetPatch(), model.SourceReset)

	assert.True(t, l.ClearPendingChange(1, ReasonConfirmed))
	assert.False(t, l.ClearPendingChange(1, ReasonConfirmed), "second clear is a no-op")
	assert.True(t, l.ClearPendingChange(2, ReasonTimeout))

	assert.False(t, l.HasPendingChange(1))
	assert.Equal(t, []clearRecord{
		{ID: 1, Reason: ReasonConfirmed, Gen: 1},
		{ID: 2, Reason: ReasonTimeout, Gen: 2},
	}, clears())
}

func TestClearIfGeneration_IgnoresSupersededTimer(t *testing.T) {
	l, _ := newTestLedger()
	clears := recordClears(l)

	old := l.UpdateEntry(1, model.StatusPatch(model.StatusCheckedIn), model.SourceStatus)
	current := l.UpdateEntry(1, model.StatusPatch(model.StatusAtGate), model.SourceStatus)

	assert.False(t, l.ClearIfGeneration(1, old.Generation, ReasonTimeout))
	assert.True(t, l.HasPendingChange(1))
	assert.Empty(t, clears())

	assert.True(t, l.ClearIfGeneration(1, current.Generation, ReasonTimeout))
	assert.False(t, l.HasPendingChange(1))
	assert.Equal(t, []clearRecord{{ID: 1, Reason: ReasonTimeout, Gen: current.Generation}}, clears())
}

func TestOverlay_WithoutPendingChange(t *testing.T) {
	l, _ := newTestLedger()

	row := model.Row{"id": 4, "entry_status": "none"}
	assert.Equal(t, row, l.Overlay(row))
	assert.Equal(t, model.Row{"armband": 1}, l.Overlay(model.Row{"armband": 1}))
}

func TestOverlay_DoesNotMutateMirrorRow(t *testing.T) {
	l, _ := newTestLedger()
	l.UpdateEntry(4, model.Patch{"entry_status": "in-ring"}, model.SourceStatus)

	row := model.Row{"id": 4, "entry_status": "none"}
	out := l.Overlay(row)
	assert.Equal(t, "in-ring", out["entry_status"])
	assert.Equal(t, "none", row["entry_status"])
}

func TestConcurrentUpdates_DistinctEntities(t *testing.T) {
	l, _ := newTestLedger()

	const n = 100
	var wg sync.WaitGroup
	for i := 1; i <= n; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			l.UpdateEntry(id, model.Patch{"armband": fmt.Sprint(id)}, model.SourceStatus)
		}(int64(i))
	}
	wg.Wait()

	snap := l.Snapshot()
	require.Len(t, snap, n)
	gens := map[int64]bool{}
	for i, e := range snap {
		assert.Equal(t, int64(i+1), e.ID, "snapshot is ordered by id")
		gens[e.Generation] = true
	}
	assert.Len(t, gens, n, "every entry has a distinct generation")
}

func TestOnClear_ObserverMayReenter(t *testing.T) {
	l, _ := newTestLedger()

	var sawPending bool
	l.OnClear(func(e Entry, _ Reason) {
		sawPending = l.HasPendingChange(e.ID)
	})

	l.UpdateEntry(1, model.ResetPatch(), model.SourceReset)
	require.True(t, l.ClearPendingChange(1, ReasonConfirmed))
	assert.False(t, sawPending)
}
