// Package connectivity tracks whether the remote store is reachable.
//
// The Monitor holds one process-wide boolean. It is set by a reachability
// probe (Run), lowered by any remote call that fails with a network error
// (ReportFailure) and raised again by a successful one (ReportSuccess).
// Subscribers receive every transition; the offline queue drains on each
// offline→online edge.
package connectivity

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Prober checks reachability of the remote store.
type Prober interface {
	Ping(ctx context.Context) error
}

// Monitor is the connectivity signal.
//
// Thread-safety: All methods are safe for concurrent use.
type Monitor struct {
	mu     sync.Mutex
	online bool
	subs   map[int]chan bool
	nextID int
	logger *slog.Logger
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets the logger used for transition messages.
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) {
		m.logger = l
	}
}

// New creates a Monitor with the given initial state.
func New(online bool, opts ...Option) *Monitor {
	m := &Monitor{
		online: online,
		subs:   make(map[int]chan bool),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// IsOnline reports the current state.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Set records the current state and notifies subscribers if it changed.
// Returns true if this call changed the state.
func (m *Monitor) Set(online bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.online == online {
		return false
	}
	m.online = online
	m.logger.Info("connectivity changed", "online", online)

	for _, ch := range m.subs {
		// Each channel holds only the latest state; a slow reader sees
		// the newest value, never a stale backlog.
		select {
		case <-ch:
		default:
		}
		ch <- online
	}
	return true
}

// ReportFailure marks the remote unreachable after a network failure.
func (m *Monitor) ReportFailure() {
	m.Set(false)
}

// ReportSuccess marks the remote reachable after a successful call.
func (m *Monitor) ReportSuccess() {
	m.Set(true)
}

// Subscribe returns a channel receiving each state transition and a
// function that cancels the subscription.
func (m *Monitor) Subscribe() (<-chan bool, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	ch := make(chan bool, 1)
	m.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.subs, id)
		})
	}
	return ch, cancel
}

// Run probes p immediately and then every interval until ctx is done,
// setting the state from each result. Each probe is bounded by interval.
func (m *Monitor) Run(ctx context.Context, p Prober, interval time.Duration) error {
	if interval <= 0 {
		interval = 10 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		m.probe(ctx, p, interval)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *Monitor) probe(ctx context.Context, p Prober, timeout time.Duration) {
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := p.Ping(probeCtx)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		m.logger.Debug("connectivity probe failed", "error", err)
		m.Set(false)
		return
	}
	m.Set(true)
}
