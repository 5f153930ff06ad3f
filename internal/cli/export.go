package cli

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"
	"github.com/xuri/excelize/v2"

	"github.com/roach88/ringside/internal/model"
	"github.com/roach88/ringside/internal/session"
)

const resultsSheet = "Results"

// ResultsHeader is the export's column layout.
var ResultsHeader = []string{
	"Class",
	"Armband",
	"Call Name",
	"Handler",
	"Status",
	"Result",
	"Search Time",
	"Faults",
	"Correct",
	"Incorrect",
	"Scored",
}

// ExportResult is the result of export.
type ExportResult struct {
	Path    string `json:"path"`
	Entries int    `json:"entries"`
}

func (r ExportResult) String() string {
	return fmt.Sprintf("wrote %d entries to %s", r.Entries, r.Path)
}

type resultRow struct {
	classLabel string
	entry      model.Entry
}

// NewExportCommand creates the export command.
func NewExportCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		outPath string
		classID int64
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write entry results to a spreadsheet",
		Long: `Write every mirrored entry, with pending changes overlaid, to an .xlsx
workbook ordered by class and armband.

Example:
  ringside export --out results.xlsx
  ringside export --out container-novice.xlsx --class 100`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !strings.HasSuffix(strings.ToLower(outPath), ".xlsx") {
				return NewExitError(ExitCommandError, fmt.Sprintf("output %q must end in .xlsx", outPath))
			}
			return withSession(cmd, rootOpts, func(ctx context.Context, s *session.Session, out *OutputFormatter) error {
				rows, err := collectResults(s, classID)
				if err != nil {
					return WrapExitError(ExitFailure, "failed to read entries", err)
				}
				f, err := buildResultsWorkbook(rows)
				if err != nil {
					return WrapExitError(ExitFailure, "failed to build workbook", err)
				}
				defer f.Close()
				if err := f.SaveAs(outPath); err != nil {
					return WrapExitError(ExitFailure, "failed to write workbook", err)
				}
				return out.Success(ExportResult{Path: outPath, Entries: len(rows)})
			})
		},
	}
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "output .xlsx path (required)")
	cmd.Flags().Int64Var(&classID, "class", 0, "only export this class id")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}

func collectResults(s *session.Session, classID int64) ([]resultRow, error) {
	classes, err := s.GetTable(model.TableClasses)
	if err != nil {
		return nil, err
	}
	entries, err := s.GetTable(model.TableEntries)
	if err != nil {
		return nil, err
	}

	labels := make(map[int64]string)
	var rows []resultRow
	for row := range entries.GetAll() {
		e, err := model.DecodeEntry(s.Ledger().Overlay(row))
		if err != nil {
			return nil, err
		}
		if classID != 0 && e.ClassID != classID {
			continue
		}
		label, ok := labels[e.ClassID]
		if !ok {
			if c, found := classes.Get(e.ClassID); found {
				label = model.ClassLabel(c)
			}
			if label == "" {
				label = fmt.Sprintf("class %d", e.ClassID)
			}
			labels[e.ClassID] = label
		}
		rows = append(rows, resultRow{classLabel: label, entry: e})
	}
	slices.SortFunc(rows, func(a, b resultRow) int {
		return cmp.Or(
			cmp.Compare(a.entry.ClassID, b.entry.ClassID),
			cmp.Compare(a.entry.Armband, b.entry.Armband),
			cmp.Compare(a.entry.ID, b.entry.ID),
		)
	})
	return rows, nil
}

// formatSearchTime renders milliseconds as m:ss.cc.
func formatSearchTime(ms int64) string {
	if ms <= 0 {
		return ""
	}
	return fmt.Sprintf("%d:%02d.%02d", ms/60000, (ms/1000)%60, (ms%1000)/10)
}

func buildResultsWorkbook(rows []resultRow) (*excelize.File, error) {
	f := excelize.NewFile()

	index, err := f.NewSheet(resultsSheet)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create sheet: %w", err)
	}
	if err := f.DeleteSheet("Sheet1"); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to delete default sheet: %w", err)
	}
	f.SetActiveSheet(index)

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E6F3FF"}, Pattern: 1},
		Border: []excelize.Border{
			{Type: "bottom", Color: "000000", Style: 1},
		},
	})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create header style: %w", err)
	}

	for col, header := range ResultsHeader {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to convert coordinates: %w", err)
		}
		if err := f.SetCellValue(resultsSheet, cell, header); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to set header cell %s: %w", cell, err)
		}
		if err := f.SetCellStyle(resultsSheet, cell, cell, headerStyle); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to set header style: %w", err)
		}
	}

	for i, r := range rows {
		e := r.entry
		values := []any{
			r.classLabel,
			e.Armband,
			e.CallName,
			e.Handler,
			string(e.Status),
			e.ResultText,
			formatSearchTime(e.SearchTimeMS),
			e.FaultCount,
			e.CorrectCount,
			e.IncorrectCount,
			e.IsScored,
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to convert coordinates: %w", err)
		}
		if err := f.SetSheetRow(resultsSheet, cell, &values); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to write row %d: %w", i+2, err)
		}
	}

	if err := f.SetColWidth(resultsSheet, "A", "A", 28); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to set column width: %w", err)
	}
	if err := f.SetColWidth(resultsSheet, "C", "D", 20); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to set column width: %w", err)
	}
	return f, nil
}
