package reconcile

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zombor/reimbursement-reconciler/internal/form"
	"github.com/zombor/reimbursement-reconciler/internal/money"
	"github.com/zombor/reimbursement-reconciler/internal/receipt"
)

// ErrInvalidInput is returned when the engine is handed a structurally
// broken item or amount. It always means an upstream bug.
var ErrInvalidInput = errors.New("invalid input")

// InputError describes the offending value.
type InputError struct {
	Field  string
	Reason string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("invalid input: %s: %s", e.Field, e.Reason)
}

func (e *InputError) Unwrap() error {
	return ErrInvalidInput
}

// MatchKind says how a claimed item was settled.
type MatchKind string

const (
	Exact       MatchKind = "EXACT"
	Approximate MatchKind = "APPROXIMATE"
	Unmatched   MatchKind = "UNMATCHED"
)

// Status is the overall outcome of a verdict.
type Status string

const (
	StatusOK       Status = "OK"
	StatusMismatch Status = "MISMATCH"
)

// MatchRecord pairs a claimed item with the receipt amount it consumed, if any.
type MatchRecord struct {
	Item        form.ClaimedItem
	Observed    *receipt.ObservedAmount
	Kind        MatchKind
	NeedsReview bool
}

// Verdict is the result of reconciling one submission. Matches follow
// claim order.
type Verdict struct {
	Currency       string
	Matches        []MatchRecord
	UnusedReceipts []receipt.ObservedAmount
	Status         Status
}

// Matched counts the records that consumed a receipt amount
func (v *Verdict) Matched() int {
	n := 0
	for _, m := range v.Matches {
		if m.Observed != nil {
			n++
		}
	}
	return n
}

// Unmatched counts the records left without a receipt amount
func (v *Verdict) Unmatched() int {
	return len(v.Matches) - v.Matched()
}

// Flagged counts the records whose claimed item carries annotations
func (v *Verdict) Flagged() int {
	n := 0
	for _, m := range v.Matches {
		if m.Item.Flagged() {
			n++
		}
	}
	return n
}

// Claimed sums the claimed subtotals
func (v *Verdict) Claimed() money.Money {
	total := money.New(0, v.Currency)
	for _, m := range v.Matches {
		total = total.Add(m.Item.Subtotal)
	}
	return total
}

type matchJSON struct {
	Line            int        `json:"line"`
	Description     string     `json:"description"`
	Quantity        int        `json:"quantity"`
	UnitPrice       int64      `json:"unit_price"`
	ClaimedSubtotal int64      `json:"claimed_subtotal"`
	ObservedValue   *int64     `json:"observed_value"`
	ReceiptID       string     `json:"receipt_id,omitempty"`
	Confidence      *float64   `json:"confidence,omitempty"`
	MatchKind       MatchKind  `json:"match_kind"`
	Flags           form.Flags `json:"flags"`
	NeedsReview     bool       `json:"needs_review"`
}

type unusedJSON struct {
	ReceiptID  string  `json:"receipt_id"`
	Value      int64   `json:"value"`
	Confidence float64 `json:"confidence"`
}

type verdictJSON struct {
	Currency       string       `json:"currency"`
	Matches        []matchJSON  `json:"matches"`
	UnusedReceipts []unusedJSON `json:"unused_receipts"`
	OverallStatus  Status       `json:"overall_status"`
}

// MarshalJSON writes amounts as integer minor units under the verdict's
// single currency.
func (v Verdict) MarshalJSON() ([]byte, error) {
	out := verdictJSON{
		Currency:       v.Currency,
		Matches:        make([]matchJSON, 0, len(v.Matches)),
		UnusedReceipts: make([]unusedJSON, 0, len(v.UnusedReceipts)),
		OverallStatus:  v.Status,
	}
	for _, m := range v.Matches {
		mj := matchJSON{
			Line:            m.Item.Line,
			Description:     m.Item.Description,
			Quantity:        m.Item.Quantity,
			UnitPrice:       m.Item.UnitPrice.Minor,
			ClaimedSubtotal: m.Item.Subtotal.Minor,
			MatchKind:       m.Kind,
			Flags:           m.Item.Flags,
			NeedsReview:     m.NeedsReview,
		}
		if m.Observed != nil {
			value, conf := m.Observed.Value.Minor, m.Observed.Confidence
			mj.ObservedValue = &value
			mj.ReceiptID = m.Observed.ReceiptID
			mj.Confidence = &conf
		}
		out.Matches = append(out.Matches, mj)
	}
	for _, a := range v.UnusedReceipts {
		out.UnusedReceipts = append(out.UnusedReceipts, unusedJSON{
			ReceiptID:  a.ReceiptID,
			Value:      a.Value.Minor,
			Confidence: a.Confidence,
		})
	}
	return json.Marshal(out)
}

func (v *Verdict) UnmarshalJSON(data []byte) error {
	var in verdictJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}

	*v = Verdict{
		Currency:       in.Currency,
		Matches:        make([]MatchRecord, 0, len(in.Matches)),
		UnusedReceipts: make([]receipt.ObservedAmount, 0, len(in.UnusedReceipts)),
		Status:         in.OverallStatus,
	}
	for _, mj := range in.Matches {
		rec := MatchRecord{
			Item: form.ClaimedItem{
				Line:        mj.Line,
				Description: mj.Description,
				Quantity:    mj.Quantity,
				UnitPrice:   money.New(mj.UnitPrice, in.Currency),
				Subtotal:    money.New(mj.ClaimedSubtotal, in.Currency),
				Flags:       mj.Flags,
			},
			Kind:        mj.MatchKind,
			NeedsReview: mj.NeedsReview,
		}
		if mj.ObservedValue != nil {
			obs := receipt.ObservedAmount{
				Value:     money.New(*mj.ObservedValue, in.Currency),
				ReceiptID: mj.ReceiptID,
			}
			if mj.Confidence != nil {
				obs.Confidence = *mj.Confidence
			}
			rec.Observed = &obs
		}
		v.Matches = append(v.Matches, rec)
	}
	for _, u := range in.UnusedReceipts {
		v.UnusedReceipts = append(v.UnusedReceipts, receipt.ObservedAmount{
			Value:      money.New(u.Value, in.Currency),
			ReceiptID:  u.ReceiptID,
			Confidence: u.Confidence,
		})
	}
	return nil
}
