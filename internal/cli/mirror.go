package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/ringside/internal/model"
	"github.com/roach88/ringside/internal/replication"
	"github.com/roach88/ringside/internal/session"
)

// MirrorDump is the result of mirror dump.
type MirrorDump struct {
	Table   string      `json:"table"`
	Overlay bool        `json:"overlay"`
	Rows    []model.Row `json:"rows"`
}

// RenderText writes one JSON object per row, ordered by id.
func (d MirrorDump) RenderText(w io.Writer) error {
	enc := json.NewEncoder(w)
	for _, row := range d.Rows {
		if err := enc.Encode(row); err != nil {
			return err
		}
	}
	return nil
}

// NewMirrorCommand creates the mirror command group.
func NewMirrorCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mirror",
		Short: "Inspect local table mirrors",
	}
	cmd.AddCommand(newMirrorDumpCommand(rootOpts))
	return cmd
}

func newMirrorDumpCommand(rootOpts *RootOptions) *cobra.Command {
	var raw bool
	cmd := &cobra.Command{
		Use:   "dump <table>",
		Short: "Print every row of a mirrored table",
		Long: `Print every row of a mirrored table as JSON lines ordered by id.

Rows of the entries table show pending changes overlaid, as a user would
see them; pass --raw for server truth only.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, rootOpts, func(ctx context.Context, s *session.Session, out *OutputFormatter) error {
				h, err := s.GetTable(args[0])
				if errors.Is(err, replication.ErrUnknownTable) {
					return WrapExitError(ExitCommandError, fmt.Sprintf("unknown table %q", args[0]), err)
				}
				if err != nil {
					return WrapExitError(ExitFailure, "failed to read mirror", err)
				}

				overlay := !raw && h.Name() == model.TableEntries
				dump := MirrorDump{Table: h.Name(), Overlay: overlay, Rows: []model.Row{}}
				for row := range h.GetAll() {
					if overlay {
						row = s.Ledger().Overlay(row)
					}
					dump.Rows = append(dump.Rows, row)
				}
				return out.Success(dump)
			})
		},
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "skip the pending-change overlay")
	return cmd
}
