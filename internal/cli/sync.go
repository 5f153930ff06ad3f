package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/ringside/internal/model"
	"github.com/roach88/ringside/internal/queue"
	"github.com/roach88/ringside/internal/replication"
	"github.com/roach88/ringside/internal/session"
)

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	*RootOptions
	Follow bool
}

// SyncResult summarizes a full sync.
type SyncResult struct {
	LicenseKey string        `json:"license_key"`
	Tables     []TableResult `json:"tables"`
	Replayed   int           `json:"replayed"`
	Queued     int           `json:"queued"`
	DurationMS int64         `json:"duration_ms"`
}

// TableResult is one table's line in a SyncResult.
type TableResult struct {
	Table    string `json:"table"`
	Rows     int    `json:"rows"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error,omitempty"`
}

// RenderText implements TextRenderer.
func (r SyncResult) RenderText(w io.Writer) error {
	rows := make([][]any, 0, len(r.Tables))
	for _, t := range r.Tables {
		status := "ok"
		if t.Error != "" {
			status = t.Error
		}
		rows = append(rows, []any{t.Table, t.Rows, t.Attempts, status})
	}
	if err := table(w, "TABLE\tROWS\tATTEMPTS\tSTATUS", rows); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "replayed %d queued mutation(s), %d still queued\n", r.Replayed, r.Queued)
	return err
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Refresh every mirror and replay queued mutations",
		Long: `Fetch a fresh snapshot of every mirrored table for the configured
license, then replay the offline queue if the remote store is reachable.

With --follow the command keeps running: it applies change notifications,
probes connectivity and drains the queue whenever the remote comes back,
until interrupted.

Example:
  ringside sync --config ringside.yaml
  ringside sync --follow --verbose`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, opts.RootOptions, func(ctx context.Context, s *session.Session, out *OutputFormatter) error {
				return runSync(ctx, cmd, opts, s, out)
			})
		},
	}

	cmd.Flags().BoolVarP(&opts.Follow, "follow", "f", false, "keep following the change feed until interrupted")
	return cmd
}

func runSync(ctx context.Context, cmd *cobra.Command, opts *SyncOptions, s *session.Session, out *OutputFormatter) error {
	startedAt := time.Now()
	report, syncErr := s.TriggerFullSync(ctx, model.Scope{})
	if report == nil {
		return WrapExitError(ExitCommandError, "full sync failed", syncErr)
	}

	replayed, drainErr := s.Drain(ctx)
	switch {
	case drainErr == nil, errors.Is(drainErr, queue.ErrOffline):
	case queue.IsReplayFailed(drainErr):
		slog.Warn("queue replay halted", "error", drainErr)
	default:
		return WrapExitError(ExitFailure, "queue drain failed", drainErr)
	}
	queued, err := s.Queue().Len(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to read queue", err)
	}

	if err := out.Success(syncResult(report, replayed, queued, time.Since(startedAt))); err != nil {
		return err
	}
	if syncErr != nil && !opts.Follow {
		return WrapExitError(ExitFailure, "some tables failed to sync", syncErr)
	}
	if !opts.Follow {
		return nil
	}
	return follow(ctx, cmd, s)
}

func syncResult(r *replication.SyncReport, replayed, queued int, d time.Duration) SyncResult {
	res := SyncResult{
		LicenseKey: r.Scope.LicenseKey,
		Replayed:   replayed,
		Queued:     queued,
		DurationMS: d.Milliseconds(),
	}
	for _, t := range r.Tables {
		tr := TableResult{Table: t.Table, Rows: t.Rows, Attempts: t.Attempts}
		if t.Err != nil {
			tr.Error = t.Err.Error()
		}
		res.Tables = append(res.Tables, tr)
	}
	return res
}

// follow runs the session's background work until a signal or the
// command context ends it.
func follow(parent context.Context, cmd *cobra.Command, s *session.Session) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := s.Start(ctx); err != nil {
		return WrapExitError(ExitFailure, "failed to start change feed", err)
	}
	fmt.Fprintln(cmd.ErrOrStderr(), "Following changes. Press Ctrl-C to stop.")

	<-ctx.Done()
	return nil
}
