package export

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/zombor/reimbursement-reconciler/internal/money"
)

var (
	headerStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86")).Padding(0, 1)
	cellStyle     = lipgloss.NewStyle().Padding(0, 1)
	mismatchStyle = cellStyle.Foreground(lipgloss.Color("214"))
	failedStyle   = cellStyle.Foreground(lipgloss.Color("196"))
)

// tableColumns is the subset of Header shown in a terminal
var tableColumns = []int{0, 2, 4, 5, 7, 8, 9, 10, 12}

// RenderTable draws the summary for a terminal, followed by its totals.
func RenderTable(s *Summary) string {
	header := Header()
	headers := make([]string, 0, len(tableColumns))
	for _, c := range tableColumns {
		headers = append(headers, header[c])
	}

	rows := s.Rows()
	statusCol := -1
	for i, c := range tableColumns {
		if c == 4 {
			statusCol = i
		}
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if row >= 0 && row < len(rows) {
				switch rows[row][4] {
				case "MISMATCH":
					if col == statusCol {
						return mismatchStyle
					}
				case "UNPROCESSABLE":
					if col == statusCol {
						return failedStyle
					}
				}
			}
			return cellStyle
		})
	for _, r := range rows {
		cells := make([]string, 0, len(tableColumns))
		for _, c := range tableColumns {
			cells = append(cells, r[c])
		}
		t.Row(cells...)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Reimbursements %s to %s\n",
		s.Period.From.Format("2006-01-02"), s.Period.To.AddDate(0, 0, -1).Format("2006-01-02"))
	b.WriteString(t.String())
	b.WriteString("\n")
	fmt.Fprintf(&b, "%d submissions: %d OK, %d mismatched, %d unprocessable\n",
		s.Totals.Submissions, s.Totals.OK, s.Totals.Mismatch, s.Totals.Unprocessable)

	currencies := make([]string, 0, len(s.Totals.Claimed))
	for cur := range s.Totals.Claimed {
		currencies = append(currencies, cur)
	}
	sort.Strings(currencies)
	for _, cur := range currencies {
		fmt.Fprintf(&b, "Claimed: %s\n", money.New(s.Totals.Claimed[cur], cur))
	}
	return b.String()
}
