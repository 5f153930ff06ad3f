package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/ringside/internal/queue"
	"github.com/roach88/ringside/internal/session"
)

// QueueItemView is the CLI view of a queued mutation.
type QueueItemView struct {
	Seq        int64             `json:"seq"`
	ID         string            `json:"id"`
	EntryID    int64             `json:"entry_id"`
	Kind       string            `json:"kind"`
	Context    queue.ItemContext `json:"context"`
	Attempts   int               `json:"attempts"`
	LastError  string            `json:"last_error,omitempty"`
	EnqueuedAt time.Time         `json:"enqueued_at"`
}

// QueueList is the result of queue list.
type QueueList struct {
	Items []QueueItemView `json:"items"`
}

// RenderText implements TextRenderer.
func (l QueueList) RenderText(w io.Writer) error {
	if len(l.Items) == 0 {
		_, err := fmt.Fprintln(w, "queue is empty")
		return err
	}
	rows := make([][]any, 0, len(l.Items))
	for _, it := range l.Items {
		rows = append(rows, []any{
			it.Seq, it.EntryID, it.Context.Armband, it.Kind, it.Context.ClassLabel, it.Attempts, it.LastError,
		})
	}
	return table(w, "SEQ\tENTRY\tARMBAND\tKIND\tCLASS\tATTEMPTS\tLAST ERROR", rows)
}

// DrainResult is the result of queue drain.
type DrainResult struct {
	Replayed  int    `json:"replayed"`
	Remaining int    `json:"remaining"`
	Halted    string `json:"halted,omitempty"`
}

// RenderText implements TextRenderer.
func (r DrainResult) RenderText(w io.Writer) error {
	fmt.Fprintf(w, "replayed %d, %d remaining\n", r.Replayed, r.Remaining)
	if r.Halted != "" {
		fmt.Fprintf(w, "halted: %s\n", r.Halted)
	}
	return nil
}

// NewQueueCommand creates the queue command group.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and replay the offline write queue",
	}
	cmd.AddCommand(newQueueListCommand(rootOpts))
	cmd.AddCommand(newQueueDrainCommand(rootOpts))
	return cmd
}

func newQueueListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List queued mutations in replay order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, rootOpts, func(ctx context.Context, s *session.Session, out *OutputFormatter) error {
				items, err := s.Queue().List(ctx)
				if err != nil {
					return WrapExitError(ExitFailure, "failed to list queue", err)
				}
				list := QueueList{Items: make([]QueueItemView, 0, len(items))}
				for _, it := range items {
					list.Items = append(list.Items, QueueItemView{
						Seq:        it.Seq,
						ID:         it.ID,
						EntryID:    it.EntryID,
						Kind:       string(it.Kind),
						Context:    it.Context,
						Attempts:   it.Attempts,
						LastError:  it.LastError,
						EnqueuedAt: it.EnqueuedAt,
					})
				}
				return out.Success(list)
			})
		},
	}
}

func newQueueDrainCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Replay queued mutations now",
		Long: `Replay queued mutations in order until the queue is empty or a replay
fails. A failed item stays at the head of the queue and nothing behind it
is attempted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, rootOpts, func(ctx context.Context, s *session.Session, out *OutputFormatter) error {
				replayed, drainErr := s.Drain(ctx)
				res := DrainResult{Replayed: replayed}
				switch {
				case drainErr == nil:
				case errors.Is(drainErr, queue.ErrOffline), queue.IsReplayFailed(drainErr):
					res.Halted = drainErr.Error()
				default:
					return WrapExitError(ExitFailure, "queue drain failed", drainErr)
				}
				remaining, err := s.Queue().Len(ctx)
				if err != nil {
					return WrapExitError(ExitFailure, "failed to read queue", err)
				}
				res.Remaining = remaining
				if err := out.Success(res); err != nil {
					return err
				}
				if res.Halted != "" {
					return WrapExitError(ExitFailure, "queue not fully drained", drainErr)
				}
				return nil
			})
		},
	}
}
