package submission

import (
	"time"

	"github.com/zombor/reimbursement-reconciler/internal/export"
	"github.com/zombor/reimbursement-reconciler/internal/form"
	"github.com/zombor/reimbursement-reconciler/internal/receipt"
	"github.com/zombor/reimbursement-reconciler/internal/reconcile"
)

// Status is the outcome of processing a submission
type Status string

const (
	StatusOK            Status = "OK"
	StatusMismatch      Status = "MISMATCH"
	StatusUnprocessable Status = "UNPROCESSABLE"
)

// AttachmentRole says what an attachment was used as
type AttachmentRole string

const (
	RoleForm    AttachmentRole = "form"
	RoleReceipt AttachmentRole = "receipt"
	RoleIgnored AttachmentRole = "ignored"
)

// StoredAttachment is an attachment saved to storage
type StoredAttachment struct {
	Name        string         `json:"name"`
	Path        string         `json:"path"`
	ContentType string         `json:"content_type"`
	Role        AttachmentRole `json:"role"`
	Error       string         `json:"error,omitempty"` // why OCR failed, for receipts
}

// Submission is one reimbursement request: a form plus its receipts
type Submission struct {
	ID                   string                   `json:"id"`
	MessageID            string                   `json:"message_id,omitempty"`
	Subject              string                   `json:"subject"`
	From                 string                   `json:"from"`
	ReceivedAt           time.Time                `json:"received_at"`
	Status               Status                   `json:"status"`
	Problem              string                   `json:"problem,omitempty"`
	Form                 *form.Form               `json:"form,omitempty"`
	Amounts              []receipt.ObservedAmount `json:"amounts"`
	ReceiptsWithoutTotal []string                 `json:"receipts_without_total"`
	Verdict              *reconcile.Verdict       `json:"verdict,omitempty"`
	Attachments          []StoredAttachment       `json:"attachments"`
	CreatedAt            time.Time                `json:"created_at"`
}

// Record flattens the submission for the weekly summary
func (s *Submission) Record() export.Record {
	r := export.Record{
		SubmissionID: s.ID,
		Subject:      s.Subject,
		From:         s.From,
		ReceivedAt:   s.ReceivedAt,
		Status:       string(s.Status),
		Problem:      s.Problem,
	}
	if s.Form != nil {
		r.Claimed = s.Form.ClaimedTotal()
		r.Items = len(s.Form.Items)
	}
	if v := s.Verdict; v != nil {
		r.Matched = v.Matched()
		r.Unmatched = v.Unmatched()
		r.UnusedReceipts = len(v.UnusedReceipts)
		r.Flagged = v.Flagged()
		for _, m := range v.Matches {
			if m.NeedsReview {
				r.NeedsReview++
			}
		}
	}
	return r
}
