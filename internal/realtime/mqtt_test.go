package realtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeToken struct {
	err  error
	done chan struct{}
}

func doneToken(err error) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                     { <-t.done; return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 1 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

// fakeBroker records subscriptions and lets tests deliver messages.
type fakeBroker struct {
	mu           sync.Mutex
	handlers     map[string]mqtt.MessageHandler
	qos          map[string]byte
	unsubscribed []string
	subErr       error
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{handlers: map[string]mqtt.MessageHandler{}, qos: map[string]byte{}}
}

func (b *fakeBroker) Subscribe(topic string, qos byte, cb mqtt.MessageHandler) mqtt.Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subErr != nil {
		return doneToken(b.subErr)
	}
	b.handlers[topic] = cb
	b.qos[topic] = qos
	return doneToken(nil)
}

func (b *fakeBroker) Unsubscribe(topics ...string) mqtt.Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unsubscribed = append(b.unsubscribed, topics...)
	return doneToken(nil)
}

func (b *fakeBroker) deliver(topic, payload string) {
	b.mu.Lock()
	cb := b.handlers[topic]
	b.mu.Unlock()
	if cb != nil {
		cb(nil, &fakeMessage{topic: topic, payload: []byte(payload)})
	}
}

func TestMQTT_SubscribeAndReceive(t *testing.T) {
	broker := newFakeBroker()
	ch := newMQTT(broker, "show/changes", slog.New(slog.DiscardHandler))

	sink := &eventSink{}
	sub, err := ch.Subscribe(context.Background(), "entries", sink.handle)
	require.NoError(t, err)
	assert.Equal(t, byte(1), broker.qos["show/changes/entries"])

	// Per-topic payloads may omit the table
	broker.deliver("show/changes/entries", `{"type":"UPDATE","record":{"id":1,"entry_status":"pulled"}}`)
	broker.deliver("show/changes/entries", `nope`)

	got := sink.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, "entries", got[0].Table)
	assert.Equal(t, "pulled", got[0].Record["entry_status"])

	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, sub.Unsubscribe())
	assert.Equal(t, []string{"show/changes/entries"}, broker.unsubscribed)

	broker.deliver("show/changes/entries", `{"type":"UPDATE","record":{"id":1}}`)
	assert.Len(t, sink.snapshot(), 1, "no delivery after unsubscribe")
}

func TestMQTT_SubscribeError(t *testing.T) {
	broker := newFakeBroker()
	broker.subErr = errors.New("not authorized")
	ch := newMQTT(broker, "", slog.New(slog.DiscardHandler))

	_, err := ch.Subscribe(context.Background(), "entries", func(Event) {})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not authorized")
	assert.Equal(t, "ringside/changes/entries", ch.Topic("entries"))
}
