package optimistic

import (
	"fmt"
	"sync"

	"github.com/roach88/ringside/internal/ledger"
	"github.com/roach88/ringside/internal/model"
	"github.com/roach88/ringside/internal/queue"
)

// Mutation is the handle for one optimistic write.
//
// Thread-safety: All methods are safe for concurrent use.
type Mutation struct {
	ID         string
	EntryID    int64
	Kind       model.Source
	Patch      model.Patch
	Generation int64

	mu          sync.Mutex
	state       State
	history     []State
	early       *ledger.Reason // reconciled before reaching AwaitingReconciliation
	reason      ledger.Reason
	remoteErr   error
	queued      *queue.Item
	remoteDone  chan struct{}
	reconciled  chan struct{}
	remoteFired bool
}

func newMutation(id string, e ledger.Entry) *Mutation {
	return &Mutation{
		ID:         id,
		EntryID:    e.ID,
		Kind:       e.Source,
		Patch:      e.Patch,
		Generation: e.Generation,
		state:      StateStart,
		history:    []State{StateStart},
		remoteDone: make(chan struct{}),
		reconciled: make(chan struct{}),
	}
}

// State returns the current state.
func (m *Mutation) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// History returns every state the mutation has been in, in order.
func (m *Mutation) History() []State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]State(nil), m.history...)
}

// RemoteDone is closed when the remote attempt finished, or immediately
// after queueing for a mutation made offline.
func (m *Mutation) RemoteDone() <-chan struct{} {
	return m.remoteDone
}

// RemoteErr returns the remote attempt's failure as a *SyncError, or nil.
// Valid after RemoteDone is closed.
func (m *Mutation) RemoteErr() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remoteErr
}

// QueueItem returns the queue item holding this mutation, if it was
// queued either up front or after an unreachable remote.
func (m *Mutation) QueueItem() (queue.Item, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.queued == nil {
		return queue.Item{}, false
	}
	return *m.queued, true
}

// Reconciled is closed once the mutation reaches StateReconciled.
func (m *Mutation) Reconciled() <-chan struct{} {
	return m.reconciled
}

// ReconcileReason returns why the mutation was reconciled. The boolean is
// false until it is.
func (m *Mutation) ReconcileReason() (ledger.Reason, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateReconciled {
		return "", false
	}
	return m.reason, true
}

// Err returns a RECONCILIATION_TIMEOUT error if the safety timeout, not a
// confirmation, reconciled the mutation.
func (m *Mutation) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateReconciled && m.reason == ledger.ReasonTimeout {
		return &SyncError{
			Code:    ErrCodeReconciliationTimeout,
			Message: "no confirmation within the safety window",
			EntryID: m.EntryID,
		}
	}
	return nil
}

func (m *Mutation) advance(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.advanceLocked(to); err != nil {
		return err
	}
	if to == StateAwaitingReconciliation && m.early != nil {
		m.reconcileLocked(*m.early)
	}
	return nil
}

func (m *Mutation) advanceLocked(to State) error {
	if !CanTransition(m.state, to) {
		return fmt.Errorf("mutation %s: illegal transition %s → %s", m.ID, m.state, to)
	}
	m.state = to
	m.history = append(m.history, to)
	return nil
}

// reconcile moves the mutation to StateReconciled. If it has not yet
// reached AwaitingReconciliation the reason is held until it does.
func (m *Mutation) reconcile(reason ledger.Reason) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case StateAwaitingReconciliation:
		m.reconcileLocked(reason)
	case StateReconciled:
	default:
		if m.early == nil {
			r := reason
			m.early = &r
		}
	}
}

func (m *Mutation) reconcileLocked(reason ledger.Reason) {
	if err := m.advanceLocked(StateReconciled); err != nil {
		return
	}
	m.reason = reason
	close(m.reconciled)
}

func (m *Mutation) finishRemote(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.remoteFired {
		return
	}
	m.remoteFired = true
	m.remoteErr = err
	close(m.remoteDone)
}

func (m *Mutation) setQueued(it queue.Item) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queued = &it
}
