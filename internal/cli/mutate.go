package cli

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/ringside/internal/model"
	"github.com/roach88/ringside/internal/optimistic"
	"github.com/roach88/ringside/internal/session"
)

// Mutation outcomes reported by score, checkin and reset.
const (
	OutcomeSent     = "sent"
	OutcomeQueued   = "queued"
	OutcomeRejected = "rejected"
	OutcomePending  = "pending"
)

// MutationResult reports what happened to one local mutation.
type MutationResult struct {
	MutationID string       `json:"mutation_id"`
	EntryID    int64        `json:"entry_id"`
	Kind       model.Source `json:"kind"`
	Outcome    string       `json:"outcome"`
	Error      string       `json:"error,omitempty"`
	Entry      *model.Entry `json:"entry,omitempty"`
}

// RenderText implements TextRenderer.
func (r MutationResult) RenderText(w io.Writer) error {
	fmt.Fprintf(w, "%s entry %d: %s\n", r.Kind, r.EntryID, r.Outcome)
	if r.Entry != nil {
		fmt.Fprintf(w, "  armband %d  status %s  result %q  scored %t\n",
			r.Entry.Armband, r.Entry.Status, r.Entry.ResultText, r.Entry.IsScored)
	}
	if r.Error != "" {
		fmt.Fprintf(w, "  %s\n", r.Error)
	}
	return nil
}

// ScoreOptions holds flags for the score command.
type ScoreOptions struct {
	*RootOptions
	Result     string
	SearchTime time.Duration
	Faults     int
	Correct    int
	Incorrect  int
}

// NewScoreCommand creates the score command.
func NewScoreCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ScoreOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "score <entry-id>",
		Short: "Record a score for an entry",
		Long: `Record a score locally and deliver it to the remote store, or queue it
when the remote is unreachable.

Example:
  ringside score 42 --result Q --time 1m02.5s --correct 1
  ringside score 42 --result NQ --faults 2`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseEntryID(args[0])
			if err != nil {
				return err
			}
			return withSession(cmd, opts.RootOptions, func(ctx context.Context, s *session.Session, out *OutputFormatter) error {
				m, err := s.SubmitScoreOptimistically(ctx, optimistic.ScoreParams{
					EntryID: id,
					Score: model.Score{
						ResultText:     opts.Result,
						SearchTimeMS:   opts.SearchTime.Milliseconds(),
						FaultCount:     opts.Faults,
						CorrectCount:   opts.Correct,
						IncorrectCount: opts.Incorrect,
					},
				})
				return report(ctx, s, out, m, err)
			})
		},
	}

	cmd.Flags().StringVarP(&opts.Result, "result", "r", "", "result: Q, NQ, ABS, EX, DQ or WD (required)")
	cmd.Flags().DurationVarP(&opts.SearchTime, "time", "t", 0, "search time, e.g. 1m02.5s")
	cmd.Flags().IntVar(&opts.Faults, "faults", 0, "fault count")
	cmd.Flags().IntVar(&opts.Correct, "correct", 0, "correct finds")
	cmd.Flags().IntVar(&opts.Incorrect, "incorrect", 0, "incorrect calls")
	_ = cmd.MarkFlagRequired("result")
	return cmd
}

// NewCheckinCommand creates the checkin command.
func NewCheckinCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "checkin <entry-id> <status>",
		Short: "Change an entry's check-in status",
		Long: `Change an entry's check-in status. Status is one of none, checked-in,
conflict, pulled, at-gate, come-to-gate, in-ring or completed.

Example:
  ringside checkin 42 at-gate`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseEntryID(args[0])
			if err != nil {
				return err
			}
			status := model.CheckinStatus(args[1])
			return withSession(cmd, rootOpts, func(ctx context.Context, s *session.Session, out *OutputFormatter) error {
				m, err := s.UpdateEntryCheckinStatus(ctx, id, status)
				return report(ctx, s, out, m, err)
			})
		},
	}
}

// NewResetCommand creates the reset command.
func NewResetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <entry-id>",
		Short: "Clear an entry's score",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseEntryID(args[0])
			if err != nil {
				return err
			}
			return withSession(cmd, rootOpts, func(ctx context.Context, s *session.Session, out *OutputFormatter) error {
				m, err := s.ResetEntryScore(ctx, id)
				return report(ctx, s, out, m, err)
			})
		},
	}
}

func parseEntryID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, NewExitError(ExitCommandError, fmt.Sprintf("invalid entry id %q", arg))
	}
	return id, nil
}

// report waits for the remote attempt and writes its outcome. Remote
// failures are reported, not returned: the local write stands.
func report(ctx context.Context, s *session.Session, out *OutputFormatter, m *optimistic.Mutation, err error) error {
	if err != nil {
		if optimistic.IsInvalidInput(err) {
			_ = out.Error(string(optimistic.ErrCodeInvalidInput), err.Error(), nil)
			return WrapExitError(ExitCommandError, "invalid mutation", err)
		}
		return WrapExitError(ExitFailure, "mutation failed", err)
	}

	res := MutationResult{MutationID: m.ID, EntryID: m.EntryID, Kind: m.Kind}
	select {
	case <-m.RemoteDone():
		rerr := m.RemoteErr()
		_, queued := m.QueueItem()
		switch {
		case queued:
			res.Outcome = OutcomeQueued
		case rerr == nil:
			res.Outcome = OutcomeSent
		default:
			res.Outcome = OutcomeRejected
		}
		if rerr != nil {
			res.Error = rerr.Error()
		}
	case <-ctx.Done():
		res.Outcome = OutcomePending
	}

	if e, ok, err := s.Entry(m.EntryID); err == nil && ok {
		res.Entry = &e
	}
	return out.Success(res)
}
