// Package export turns reconciled submissions into the weekly summary and
// writes it out as CSV, a Google Sheet, or a terminal table.
package export

import (
	"sort"
	"strconv"
	"time"

	"github.com/zombor/reimbursement-reconciler/internal/money"
)

// Record is one submission's line in the summary.
type Record struct {
	SubmissionID   string      `json:"submission_id"`
	Subject        string      `json:"subject"`
	From           string      `json:"from"`
	ReceivedAt     time.Time   `json:"received_at"`
	Status         string      `json:"status"`
	Claimed        money.Money `json:"claimed"`
	Items          int         `json:"items"`
	Matched        int         `json:"matched"`
	Unmatched      int         `json:"unmatched"`
	UnusedReceipts int         `json:"unused_receipts"`
	Flagged        int         `json:"flagged"`
	NeedsReview    int         `json:"needs_review"`
	Problem        string      `json:"problem,omitempty"`
}

// Period is a half-open time range [From, To).
type Period struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Contains reports whether t falls in the period
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.From) && t.Before(p.To)
}

// Week returns the seven days ending at the start of the day after now, in
// now's location.
func Week(now time.Time) Period {
	y, m, d := now.Date()
	end := time.Date(y, m, d+1, 0, 0, 0, 0, now.Location())
	return Period{From: end.AddDate(0, 0, -7), To: end}
}

// Totals aggregates a summary. Claimed is keyed by currency.
type Totals struct {
	Submissions   int              `json:"submissions"`
	OK            int              `json:"ok"`
	Mismatch      int              `json:"mismatch"`
	Unprocessable int              `json:"unprocessable"`
	Claimed       map[string]int64 `json:"claimed"`
}

// Summary is the weekly report.
type Summary struct {
	Period  Period   `json:"period"`
	Records []Record `json:"records"`
	Totals  Totals   `json:"totals"`
}

// Summarize keeps the records received within the period, oldest first.
func Summarize(records []Record, period Period) *Summary {
	s := &Summary{
		Period:  period,
		Records: make([]Record, 0),
		Totals:  Totals{Claimed: map[string]int64{}},
	}
	for _, r := range records {
		if !period.Contains(r.ReceivedAt) {
			continue
		}
		s.Records = append(s.Records, r)
	}
	sort.SliceStable(s.Records, func(i, j int) bool {
		a, b := s.Records[i], s.Records[j]
		if !a.ReceivedAt.Equal(b.ReceivedAt) {
			return a.ReceivedAt.Before(b.ReceivedAt)
		}
		return a.SubmissionID < b.SubmissionID
	})

	for _, r := range s.Records {
		s.Totals.Submissions++
		switch r.Status {
		case "OK":
			s.Totals.OK++
		case "MISMATCH":
			s.Totals.Mismatch++
		default:
			s.Totals.Unprocessable++
		}
		if r.Claimed.Currency != "" {
			s.Totals.Claimed[r.Claimed.Currency] += r.Claimed.Minor
		}
	}
	return s
}

// Header names the tabular columns shared by every writer
func Header() []string {
	return []string{"Received", "Submission", "From", "Subject", "Status", "Claimed", "Items", "Matched", "Unmatched", "Unused receipts", "Flagged", "Needs review", "Problem"}
}

// Rows renders the records as strings in Header order
func (s *Summary) Rows() [][]string {
	rows := make([][]string, 0, len(s.Records))
	for _, r := range s.Records {
		claimed := ""
		if r.Claimed.Currency != "" {
			claimed = r.Claimed.String()
		}
		rows = append(rows, []string{
			r.ReceivedAt.Format("2006-01-02 15:04"),
			r.SubmissionID,
			r.From,
			r.Subject,
			r.Status,
			claimed,
			strconv.Itoa(r.Items),
			strconv.Itoa(r.Matched),
			strconv.Itoa(r.Unmatched),
			strconv.Itoa(r.UnusedReceipts),
			strconv.Itoa(r.Flagged),
			strconv.Itoa(r.NeedsReview),
			r.Problem,
		})
	}
	return rows
}
