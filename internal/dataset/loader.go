package dataset

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"
)

// AgentRow is one data row of the Agents sheet.
type AgentRow struct {
	Agent          string
	Status         string
	Attempts       int
	Filed          int
	Failed         int
	NeedsAttention int
	Reason         string
}

// LoadAgentRows reads the Agents sheet back, locating columns by header name.
// The TOTAL row is skipped.
func LoadAgentRows(path string) ([]AgentRow, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	rows, err := f.GetRows(AgentsSheet)
	if err != nil {
		return nil, fmt.Errorf("read rows: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("no header row")
	}

	idx := map[string]int{}
	for i, h := range rows[0] {
		idx[strings.ToLower(strings.TrimSpace(h))] = i
	}
	get := func(r []string, name string) string {
		i, ok := idx[name]
		if !ok || i >= len(r) {
			return ""
		}
		return strings.TrimSpace(r[i])
	}
	num := func(r []string, name string) int {
		n, _ := strconv.Atoi(get(r, name))
		return n
	}

	var out []AgentRow
	for _, r := range rows[1:] {
		agent := get(r, "agent")
		if agent == "" || agent == "TOTAL" {
			continue
		}
		out = append(out, AgentRow{
			Agent:          agent,
			Status:         get(r, "status"),
			Attempts:       num(r, "attempts"),
			Filed:          num(r, "filed"),
			Failed:         num(r, "failed"),
			NeedsAttention: num(r, "needs further attention"),
			Reason:         get(r, "reason"),
		})
	}
	return out, nil
}

// LoadAttention returns the Attention sheet rows without the header.
func LoadAttention(path string) ([][]string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()
	rows, err := f.GetRows(AttentionSheet)
	if err != nil {
		return nil, fmt.Errorf("read rows: %w", err)
	}
	if len(rows) <= 1 {
		return nil, nil
	}
	return rows[1:], nil
}
