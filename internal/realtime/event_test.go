package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ringside/internal/model"
)

func TestDecodeEvent(t *testing.T) {
	ev, err := DecodeEvent([]byte(`{"table":"entries","type":"UPDATE","record":{"id":5,"entry_status":"in-ring"}}`), "")
	require.NoError(t, err)
	assert.Equal(t, "entries", ev.Table)
	assert.Equal(t, OpUpdate, ev.Type)

	id, ok := ev.EntityID()
	require.True(t, ok)
	assert.Equal(t, int64(5), id)
}

func TestDecodeEvent_FillsTable(t *testing.T) {
	ev, err := DecodeEvent([]byte(`{"type":"INSERT","record":{"id":1}}`), "classes")
	require.NoError(t, err)
	assert.Equal(t, "classes", ev.Table)
}

func TestDecodeEvent_DeleteUsesOldRecord(t *testing.T) {
	ev, err := DecodeEvent([]byte(`{"table":"entries","type":"DELETE","old_record":{"id":9}}`), "")
	require.NoError(t, err)
	id, ok := ev.EntityID()
	require.True(t, ok)
	assert.Equal(t, int64(9), id)
}

func TestDecodeEvent_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"not json", `{`},
		{"no table", `{"type":"INSERT","record":{"id":1}}`},
		{"unknown type", `{"table":"entries","type":"TRUNCATE","record":{"id":1}}`},
		{"missing record", `{"table":"entries","type":"UPDATE"}`},
		{"missing id", `{"table":"entries","type":"UPDATE","record":{"armband":1}}`},
		{"delete without id", `{"table":"entries","type":"DELETE"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeEvent([]byte(tt.payload), "")
			assert.Error(t, err)
		})
	}
}

func TestHub_PublishToTableSubscribers(t *testing.T) {
	hub := NewHub()

	var entries, classes []Event
	subA, err := hub.Subscribe(context.Background(), "entries", func(ev Event) { entries = append(entries, ev) })
	require.NoError(t, err)
	_, err = hub.Subscribe(context.Background(), "classes", func(ev Event) { classes = append(classes, ev) })
	require.NoError(t, err)

	n := hub.Publish(Event{Table: "entries", Type: OpInsert, Record: model.Row{"id": 1}})
	assert.Equal(t, 1, n)
	assert.Len(t, entries, 1)
	assert.Empty(t, classes)

	require.NoError(t, subA.Unsubscribe())
	require.NoError(t, subA.Unsubscribe())
	assert.Equal(t, 0, hub.Publish(Event{Table: "entries", Type: OpInsert, Record: model.Row{"id": 2}}))
	assert.Len(t, entries, 1)
}

func TestHub_DeliversInSubscriptionOrder(t *testing.T) {
	hub := NewHub()

	var order []string
	for _, name := range []string{"a", "b", "c"} {
		name := name
		_, err := hub.Subscribe(context.Background(), "entries", func(Event) { order = append(order, name) })
		require.NoError(t, err)
	}

	hub.Publish(Event{Table: "entries", Type: OpInsert, Record: model.Row{"id": 1}})
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestHub_ContextCancelUnsubscribes(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())

	_, err := hub.Subscribe(ctx, "entries", func(Event) {})
	require.NoError(t, err)
	assert.Equal(t, 1, hub.Subscribers("entries"))

	cancel()
	assert.Eventually(t, func() bool { return hub.Subscribers("entries") == 0 }, time.Second, 5*time.Millisecond)
}

func TestHub_UnsubscribeStopsContextWatcher(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := hub.Subscribe(ctx, "entries", func(Event) {})
	require.NoError(t, err)
	hs := sub.(*hubSubscription)
	require.NotNil(t, hs.watching)

	require.NoError(t, sub.Unsubscribe())
	assert.Equal(t, 0, hub.Subscribers("entries"))
	select {
	case <-hs.watching:
	case <-time.After(time.Second):
		t.Fatal("context watcher still running after Unsubscribe")
	}
}

func TestHub_BackgroundContextHasNoWatcher(t *testing.T) {
	hub := NewHub()
	sub, err := hub.Subscribe(context.Background(), "entries", func(Event) {})
	require.NoError(t, err)
	assert.Nil(t, sub.(*hubSubscription).watching)
	require.NoError(t, sub.Unsubscribe())
}
