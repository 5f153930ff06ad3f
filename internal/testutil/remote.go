package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/roach88/ringside/internal/model"
	"github.com/roach88/ringside/internal/remote"
)

// RemoteCall is one write recorded by RecordingRemote.
type RemoteCall struct {
	Op     string // "score", "status" or "reset"
	Target remote.Target
	Score  model.Score
	Status model.CheckinStatus
}

// RecordingRemote is an in-memory remote.Store for tests.
//
// Writes are recorded before they block or fail, so a test can observe
// that a call started even when it is held open or rejected. Fetches
// serve rows set with SetTable after any queued failures are consumed.
//
// Thread-safety: All methods are safe for concurrent use.
type RecordingRemote struct {
	mu         sync.Mutex
	calls      []RemoteCall
	tables     map[string][]model.Row
	fetchErrs  map[string][]error
	fetches    map[string]int
	writeErrs  []error
	stickyErr  error
	pingErr    error
	gate       chan struct{}
	callSignal chan struct{}
}

var _ remote.Store = (*RecordingRemote)(nil)

// NewRecordingRemote creates an empty recording remote.
func NewRecordingRemote() *RecordingRemote {
	return &RecordingRemote{
		tables:     make(map[string][]model.Row),
		fetchErrs:  make(map[string][]error),
		fetches:    make(map[string]int),
		callSignal: make(chan struct{}, 1),
	}
}

// SetTable sets the rows FetchTable returns for table.
func (r *RecordingRemote) SetTable(table string, rows ...model.Row) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tables[table] = rows
}

// FailFetch queues errors returned by the next fetches of table, one per
// call.
func (r *RecordingRemote) FailFetch(table string, errs ...error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetchErrs[table] = append(r.fetchErrs[table], errs...)
}

// FailNextWrites queues errors returned by the next writes, one per call.
func (r *RecordingRemote) FailNextWrites(errs ...error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writeErrs = append(r.writeErrs, errs...)
}

// SetWriteError makes every write fail with err until cleared with nil.
func (r *RecordingRemote) SetWriteError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stickyErr = err
}

// SetPingError sets the error Ping returns.
func (r *RecordingRemote) SetPingError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pingErr = err
}

// Hold makes writes block after being recorded until the returned release
// function is called.
func (r *RecordingRemote) Hold() (release func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	gate := make(chan struct{})
	r.gate = gate
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			if r.gate == gate {
				r.gate = nil
			}
			r.mu.Unlock()
			close(gate)
		})
	}
}

// Calls returns every recorded write in call order.
func (r *RecordingRemote) Calls() []RemoteCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RemoteCall(nil), r.calls...)
}

// FetchCount returns how many times table was fetched.
func (r *RecordingRemote) FetchCount(table string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fetches[table]
}

// WaitForCalls blocks until at least n writes were recorded or timeout
// elapses. Returns false on timeout.
func (r *RecordingRemote) WaitForCalls(n int, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		r.mu.Lock()
		got := len(r.calls)
		r.mu.Unlock()
		if got >= n {
			return true
		}
		select {
		case <-r.callSignal:
		case <-deadline:
			return false
		}
	}
}

func (r *RecordingRemote) Ping(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pingErr
}

func (r *RecordingRemote) FetchTable(ctx context.Context, table string, scope model.Scope) ([]model.Row, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.fetches[table]++
	if errs := r.fetchErrs[table]; len(errs) > 0 {
		r.fetchErrs[table] = errs[1:]
		return nil, errs[0]
	}
	rows, ok := r.tables[table]
	if !ok {
		return []model.Row{}, nil
	}
	out := make([]model.Row, len(rows))
	for i, row := range rows {
		out[i] = row.Clone()
	}
	return out, nil
}

func (r *RecordingRemote) SubmitScore(ctx context.Context, t remote.Target, s model.Score) error {
	return r.write(ctx, RemoteCall{Op: "score", Target: t, Score: s})
}

func (r *RecordingRemote) UpdateCheckinStatus(ctx context.Context, t remote.Target, status model.CheckinStatus) error {
	return r.write(ctx, RemoteCall{Op: "status", Target: t, Status: status})
}

func (r *RecordingRemote) ResetScore(ctx context.Context, t remote.Target) error {
	return r.write(ctx, RemoteCall{Op: "reset", Target: t})
}

func (r *RecordingRemote) write(ctx context.Context, call RemoteCall) error {
	r.mu.Lock()
	r.calls = append(r.calls, call)
	gate := r.gate
	var err error
	if len(r.writeErrs) > 0 {
		err = r.writeErrs[0]
		r.writeErrs = r.writeErrs[1:]
	} else {
		err = r.stickyErr
	}
	r.mu.Unlock()

	select {
	case r.callSignal <- struct{}{}:
	default:
	}

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return fmt.Errorf("%s: %w: %w", call.Op, remote.ErrUnreachable, ctx.Err())
		}
	}
	return err
}
