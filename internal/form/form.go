// Package form turns the rows of a reimbursement form into claimed line items.
package form

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/zombor/reimbursement-reconciler/internal/money"
)

// ErrMalformedForm is returned when a form cannot yield line items at all.
var ErrMalformedForm = errors.New("malformed form")

// FormError carries the reason a form was rejected.
type FormError struct {
	Reason string
}

func (e *FormError) Error() string {
	return fmt.Sprintf("malformed form: %s", e.Reason)
}

func (e *FormError) Unwrap() error {
	return ErrMalformedForm
}

// Flags annotate problems found on a single line item. A flagged item is
// still reconciled but never counts as OK.
type Flags uint8

const (
	InvalidQuantity Flags = 1 << iota
	SubtotalMismatch
	UnparsablePrice
	UnparsableSubtotal
)

var flagNames = []struct {
	flag Flags
	name string
}{
	{InvalidQuantity, "invalid_quantity"},
	{SubtotalMismatch, "subtotal_mismatch"},
	{UnparsablePrice, "unparsable_price"},
	{UnparsableSubtotal, "unparsable_subtotal"},
}

// Has reports whether every bit of f is set
func (fl Flags) Has(f Flags) bool {
	return fl&f == f
}

// Names lists the set flags in a stable order
func (fl Flags) Names() []string {
	names := make([]string, 0)
	for _, fn := range flagNames {
		if fl.Has(fn.flag) {
			names = append(names, fn.name)
		}
	}
	return names
}

func (fl Flags) String() string {
	return strings.Join(fl.Names(), ",")
}

func (fl Flags) MarshalJSON() ([]byte, error) {
	return json.Marshal(fl.Names())
}

func (fl *Flags) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return err
	}
	*fl = 0
	for _, name := range names {
		found := false
		for _, fn := range flagNames {
			if fn.name == name {
				*fl |= fn.flag
				found = true
			}
		}
		if !found {
			return fmt.Errorf("unknown item flag %q", name)
		}
	}
	return nil
}

// ClaimedItem is one expense line asserted on the form.
type ClaimedItem struct {
	Line        int         `json:"line"`
	Description string      `json:"description"`
	Quantity    int         `json:"quantity"`
	UnitPrice   money.Money `json:"unit_price"`
	Subtotal    money.Money `json:"subtotal"`
	Flags       Flags       `json:"flags"`
}

// Flagged reports whether any annotation was raised for the item
func (c ClaimedItem) Flagged() bool {
	return c.Flags != 0
}

// Form is the extraction result for one submission.
type Form struct {
	Currency      string        `json:"currency"`
	Items         []ClaimedItem `json:"items"`
	DeclaredTotal *money.Money  `json:"declared_total,omitempty"`
}

// ClaimedTotal sums all item subtotals
func (f *Form) ClaimedTotal() money.Money {
	total := money.New(0, f.Currency)
	for _, item := range f.Items {
		total = total.Add(item.Subtotal)
	}
	return total
}

// TotalMismatch reports whether the form's own grand total disagrees with its lines.
func (f *Form) TotalMismatch() bool {
	if f.DeclaredTotal == nil {
		return false
	}
	return f.DeclaredTotal.Minor != f.ClaimedTotal().Minor
}

// Cell is a raw form value. It decodes from either a JSON string or a JSON
// number; numbers keep their literal so they can be read without locale rules.
type Cell struct {
	Text    string
	Numeric bool
	Present bool
}

// Text makes a present, textual cell
func Text(s string) Cell {
	return Cell{Text: s, Present: true}
}

// Blank reports whether the cell holds nothing useful
func (c Cell) Blank() bool {
	return strings.TrimSpace(c.Text) == ""
}

func (c *Cell) UnmarshalJSON(data []byte) error {
	c.Present = true
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		c.Text = ""
		return nil
	case len(data) > 0 && data[0] == '"':
		return json.Unmarshal(data, &c.Text)
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("cell must be a string or number: %w", err)
	}
	c.Text = n.String()
	c.Numeric = true
	return nil
}

func (c Cell) MarshalJSON() ([]byte, error) {
	if c.Numeric {
		return []byte(c.Text), nil
	}
	return json.Marshal(c.Text)
}

// Row is one record of the form table.
type Row struct {
	Description Cell `json:"description"`
	Quantity    Cell `json:"quantity"`
	UnitPrice   Cell `json:"unit_price"`
	Subtotal    Cell `json:"subtotal"`
}
