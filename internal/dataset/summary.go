// Package dataset writes the run report as an Excel workbook and reads it back.
package dataset

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/xuri/excelize/v2"

	"callreview-go/internal/actionable"
	"callreview-go/internal/aggregator"
)

const (
	AgentsSheet    = "Agents"
	AttentionSheet = "Attention"
	// ReportFile is the workbook name under the base directory's logs folder.
	ReportFile = "run_report.xlsx"
)

var agentHeader = []any{
	"Agent", "Status", "Job ID", "Attempts", "Filed", "Failed", "Skipped",
	"Reviewed", "Needs Further Attention", "Conflicts", "Attention Rate", "Reason",
}

var attentionHeader = []any{"Agent", "Call ID", "Insight", "Action", "Impact"}

// WriteWorkbook renders one row per agent plus the attention cards.
func WriteWorkbook(path string, r aggregator.Report, cards []actionable.ActionCard) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", AgentsSheet); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}
	if _, err := f.NewSheet(AttentionSheet); err != nil {
		return fmt.Errorf("add sheet: %w", err)
	}

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("style: %w", err)
	}
	pct, err := f.NewStyle(&excelize.Style{NumFmt: 10})
	if err != nil {
		return fmt.Errorf("style: %w", err)
	}

	if err := setRow(f, AgentsSheet, 1, agentHeader); err != nil {
		return err
	}
	for i, a := range r.Agents {
		row := []any{a.Agent, string(a.Status), a.JobID, a.Attempts, 0, 0, 0, 0, 0, 0, a.AttentionRate(), a.Reason}
		if s := a.Summary; s != nil {
			row[4], row[5], row[6] = s.Filed, s.Failed, s.Skipped
			row[7], row[8], row[9] = s.Reviewed, s.NeedsAttention, s.Conflicts
		}
		if err := setRow(f, AgentsSheet, i+2, row); err != nil {
			return err
		}
	}
	totalRow := len(r.Agents) + 2
	t := r.Totals
	if err := setRow(f, AgentsSheet, totalRow, []any{
		"TOTAL", fmt.Sprintf("%d/%d succeeded", t.Succeeded, t.Agents), "", "",
		t.Filed, t.Failed, t.Skipped, t.Reviewed, t.NeedsAttention, t.Conflicts,
	}); err != nil {
		return err
	}
	_ = f.SetCellStyle(AgentsSheet, "A1", "L1", bold)
	_ = f.SetCellStyle(AgentsSheet, fmt.Sprintf("A%d", totalRow), fmt.Sprintf("L%d", totalRow), bold)
	_ = f.SetCellStyle(AgentsSheet, "K2", fmt.Sprintf("K%d", totalRow), pct)
	_ = f.SetColWidth(AgentsSheet, "A", "A", 24)
	_ = f.SetColWidth(AgentsSheet, "L", "L", 60)

	if err := setRow(f, AttentionSheet, 1, attentionHeader); err != nil {
		return err
	}
	for i, c := range cards {
		if err := setRow(f, AttentionSheet, i+2, []any{c.Agent, c.CallID, c.Insight, c.Action, c.Impact}); err != nil {
			return err
		}
	}
	_ = f.SetCellStyle(AttentionSheet, "A1", "E1", bold)
	_ = f.SetColWidth(AttentionSheet, "C", "E", 60)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("save workbook: %w", err)
	}
	return nil
}

func setRow(f *excelize.File, sheet string, row int, values []any) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	if err := f.SetSheetRow(sheet, cell, &values); err != nil {
		return fmt.Errorf("write %s row %d: %w", sheet, row, err)
	}
	return nil
}
