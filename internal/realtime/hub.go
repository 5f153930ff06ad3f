package realtime

import (
	"context"
	"fmt"
	"sync"
)

// Hub is an in-process Channel. Publish delivers synchronously, in
// subscription order, on the caller's goroutine.
//
// Thread-safety: All methods are safe for concurrent use.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[int]Handler
	order  map[string][]int
	nextID int
}

var _ Channel = (*Hub)(nil)

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		subs:  make(map[string]map[int]Handler),
		order: make(map[string][]int),
	}
}

func (h *Hub) Subscribe(ctx context.Context, table string, handler Handler) (Subscription, error) {
	if table == "" {
		return nil, fmt.Errorf("subscribe: missing table")
	}

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	if h.subs[table] == nil {
		h.subs[table] = make(map[int]Handler)
	}
	h.subs[table][id] = handler
	h.order[table] = append(h.order[table], id)
	h.mu.Unlock()

	sub := &hubSubscription{hub: h, table: table, id: id, done: make(chan struct{})}
	if cancelled := ctx.Done(); cancelled != nil {
		sub.watching = make(chan struct{})
		go func() {
			defer close(sub.watching)
			select {
			case <-cancelled:
				_ = sub.Unsubscribe()
			case <-sub.done:
			}
		}()
	}
	return sub, nil
}

// Publish delivers ev to every current subscriber of ev.Table.
// Returns the number of handlers invoked.
func (h *Hub) Publish(ev Event) int {
	h.mu.Lock()
	handlers := make([]Handler, 0, len(h.order[ev.Table]))
	for _, id := range h.order[ev.Table] {
		if fn, ok := h.subs[ev.Table][id]; ok {
			handlers = append(handlers, fn)
		}
	}
	h.mu.Unlock()

	for _, fn := range handlers {
		fn(ev)
	}
	return len(handlers)
}

// Subscribers returns the number of active subscriptions for table.
func (h *Hub) Subscribers(table string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[table])
}

type hubSubscription struct {
	hub   *Hub
	table string
	id    int
	once  sync.Once
	done  chan struct{} // closed by Unsubscribe

	// watching is closed when the context watcher exits; nil without one.
	watching chan struct{}
}

func (s *hubSubscription) Unsubscribe() error {
	s.once.Do(func() {
		close(s.done)
		s.hub.mu.Lock()
		defer s.hub.mu.Unlock()
		delete(s.hub.subs[s.table], s.id)
		ids := s.hub.order[s.table]
		for i, id := range ids {
			if id == s.id {
				s.hub.order[s.table] = append(ids[:i:i], ids[i+1:]...)
				break
			}
		}
	})
	return nil
}
