// Package session wires the sync core into one explicitly owned object.
//
// A Session owns the on-device store, the pending-change ledger, the
// connectivity monitor, the offline queue, the replication manager and
// the optimistic orchestrator. Open constructs them in dependency order;
// Close tears them down in reverse. Nothing here is a process-wide
// singleton: tests open as many sessions as they like.
package session

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/roach88/ringside/internal/clock"
	"github.com/roach88/ringside/internal/connectivity"
	"github.com/roach88/ringside/internal/ledger"
	"github.com/roach88/ringside/internal/model"
	"github.com/roach88/ringside/internal/optimistic"
	"github.com/roach88/ringside/internal/queue"
	"github.com/roach88/ringside/internal/realtime"
	"github.com/roach88/ringside/internal/remote"
	"github.com/roach88/ringside/internal/replication"
	"github.com/roach88/ringside/internal/store"
)

// Config holds the session settings. Zero durations and counts take the
// component defaults.
type Config struct {
	StorePath string
	Scope     model.Scope
	Tables    []string

	SafetyTimeout   time.Duration
	RemoteTimeout   time.Duration
	FullSyncRetries int
	Concurrency     int

	// ProbeInterval enables the connectivity probe loop in Start.
	// Zero disables probing.
	ProbeInterval time.Duration

	Retry queue.RetryPolicy

	// Offline starts the session with connectivity down.
	Offline bool
}

// Deps are the external collaborators.
type Deps struct {
	Remote  remote.Store
	Channel realtime.Channel // nil disables the change feed
	Clock   clock.Clock
	Logger  *slog.Logger
	IDs     queue.IDGenerator
}

// Session is one device's sync core.
//
// Thread-safety: All methods are safe for concurrent use.
type Session struct {
	cfg    Config
	remote remote.Store
	logger *slog.Logger

	store   *store.Store
	ledger  *ledger.Ledger
	monitor *connectivity.Monitor
	queue   *queue.Queue
	mgr     *replication.Manager
	orch    *optimistic.Orchestrator

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	closed  bool
}

// Open constructs a Session, loading any mirrors and queued mutations
// persisted by an earlier run.
func Open(ctx context.Context, cfg Config, deps Deps) (*Session, error) {
	if err := cfg.Scope.Validate(); err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	if cfg.StorePath == "" {
		return nil, fmt.Errorf("open session: store path is required")
	}
	if deps.Remote == nil {
		return nil, fmt.Errorf("open session: remote store is required")
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	st, err := store.Open(cfg.StorePath, store.WithLogger(deps.Logger.With("component", "store")))
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}

	s := &Session{
		cfg:    cfg,
		remote: deps.Remote,
		logger: deps.Logger,
		store:  st,
	}
	s.ledger = ledger.New(deps.Clock, ledger.WithLogger(deps.Logger.With("component", "ledger")))
	s.monitor = connectivity.New(!cfg.Offline, connectivity.WithLogger(deps.Logger.With("component", "connectivity")))
	s.queue = queue.New(st, s.monitor, deps.Clock, queue.Options{
		Retry:  cfg.Retry,
		IDs:    deps.IDs,
		Logger: deps.Logger.With("component", "queue"),
	})

	s.mgr, err = replication.New(ctx, replication.Deps{
		Store:   st,
		Fetcher: deps.Remote,
		Channel: deps.Channel,
		Ledger:  s.ledger,
		Clock:   deps.Clock,
		Logger:  deps.Logger.With("component", "replication"),
	}, replication.Options{
		Tables:      cfg.Tables,
		Concurrency: cfg.Concurrency,
		MaxRetries:  uint64(max(cfg.FullSyncRetries, 0)),
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("open session: %w", err)
	}

	s.orch, err = optimistic.New(optimistic.Deps{
		Ledger:   s.ledger,
		Queue:    s.queue,
		Remote:   deps.Remote,
		Monitor:  s.monitor,
		Resolver: optimistic.MirrorResolver{Tables: s.mgr, LicenseKey: cfg.Scope.LicenseKey},
		Clock:    deps.Clock,
		Logger:   deps.Logger.With("component", "optimistic"),
	}, optimistic.Options{
		LicenseKey:    cfg.Scope.LicenseKey,
		SafetyTimeout: cfg.SafetyTimeout,
		RemoteTimeout: cfg.RemoteTimeout,
		IDs:           deps.IDs,
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("open session: %w", err)
	}
	s.queue.SetReplayer(s.orch)

	s.logger.Info("session opened",
		"store", cfg.StorePath,
		"license_key", cfg.Scope.LicenseKey,
		"online", s.monitor.IsOnline(),
	)
	return s, nil
}

// Start subscribes to the change feed and starts the queue drainer and,
// when configured, the connectivity probe. They run until Close.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("start session: closed")
	}
	if s.started {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if err := s.mgr.Start(runCtx); err != nil {
		cancel()
		return err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.queue.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("queue runner stopped", "error", err)
		}
	}()

	if s.cfg.ProbeInterval > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			_ = s.monitor.Run(runCtx, s.remote, s.cfg.ProbeInterval)
		}()
	}

	s.cancel = cancel
	s.started = true
	return nil
}

// Close stops background work, waits for in-flight remote writes and
// closes the store. Pending ledger entries are not persisted.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.orch.Close()

	err := errors.Join(s.mgr.Stop(), s.store.Close())
	s.logger.Info("session closed")
	return err
}

// SubmitScoreOptimistically records a score for an entry.
func (s *Session) SubmitScoreOptimistically(ctx context.Context, p optimistic.ScoreParams) (*optimistic.Mutation, error) {
	return s.orch.SubmitScoreOptimistically(ctx, p)
}

// UpdateEntryCheckinStatus changes an entry's check-in status.
func (s *Session) UpdateEntryCheckinStatus(ctx context.Context, entryID int64, status model.CheckinStatus) (*optimistic.Mutation, error) {
	return s.orch.UpdateEntryCheckinStatus(ctx, entryID, status)
}

// ResetEntryScore clears an entry's score.
func (s *Session) ResetEntryScore(ctx context.Context, entryID int64) (*optimistic.Mutation, error) {
	return s.orch.ResetEntryScore(ctx, entryID)
}

// GetTable returns the read handle for a mirrored table.
func (s *Session) GetTable(name string) (*replication.MirrorHandle, error) {
	return s.mgr.GetTable(name)
}

// TriggerFullSync replaces every mirror with a fresh snapshot for scope.
// A zero scope uses the session's.
func (s *Session) TriggerFullSync(ctx context.Context, scope model.Scope) (*replication.SyncReport, error) {
	if scope.LicenseKey == "" {
		scope = s.cfg.Scope
	}
	return s.mgr.FullSync(ctx, scope)
}

// Entry returns an entry as the user should see it: the mirrored row with
// any pending change overlaid. An entry known only to the ledger is
// returned with just the pending columns.
func (s *Session) Entry(id int64) (model.Entry, bool, error) {
	h, err := s.mgr.GetTable(model.TableEntries)
	if err != nil {
		return model.Entry{}, false, err
	}
	row, ok := h.Get(id)
	if !ok {
		if !s.ledger.HasPendingChange(id) {
			return model.Entry{}, false, nil
		}
		row = model.Row{model.ColID: id}
	}
	e, err := model.DecodeEntry(s.ledger.Overlay(row))
	if err != nil {
		return model.Entry{}, false, err
	}
	return e, true, nil
}

// Entries returns the overlaid entries of a class ordered by armband.
func (s *Session) Entries(classID int64) ([]model.Entry, error) {
	h, err := s.mgr.GetTable(model.TableEntries)
	if err != nil {
		return nil, err
	}
	var out []model.Entry
	for row := range h.GetAll() {
		e, err := model.DecodeEntry(s.ledger.Overlay(row))
		if err != nil {
			return nil, err
		}
		if e.ClassID == classID {
			out = append(out, e)
		}
	}
	slices.SortFunc(out, func(a, b model.Entry) int {
		return cmp.Or(cmp.Compare(a.Armband, b.Armband), cmp.Compare(a.ID, b.ID))
	})
	return out, nil
}

// Drain replays the offline queue now.
func (s *Session) Drain(ctx context.Context) (int, error) {
	return s.queue.Drain(ctx)
}

// Wait blocks until every background remote write has finished.
func (s *Session) Wait() {
	s.orch.Wait()
}

// Scope returns the session's replication scope.
func (s *Session) Scope() model.Scope { return s.cfg.Scope }

// Queue returns the offline write queue.
func (s *Session) Queue() *queue.Queue { return s.queue }

// Ledger returns the pending-change ledger.
func (s *Session) Ledger() *ledger.Ledger { return s.ledger }

// Monitor returns the connectivity monitor.
func (s *Session) Monitor() *connectivity.Monitor { return s.monitor }

// Replication returns the replication manager.
func (s *Session) Replication() *replication.Manager { return s.mgr }
