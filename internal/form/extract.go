package form

import (
	"strconv"
	"strings"

	"golang.org/x/text/cases"

	"github.com/zombor/reimbursement-reconciler/internal/money"
)

// subtotalTolerance absorbs rounding between quantity*price and the written subtotal.
const subtotalTolerance = 1

// Extractor reads form rows with one locale.
type Extractor struct {
	normalizer *money.Normalizer
	dict       Dictionary
}

// NewExtractor creates an Extractor
func NewExtractor(normalizer *money.Normalizer, dict Dictionary) *Extractor {
	return &Extractor{
		normalizer: normalizer,
		dict:       dict,
	}
}

// Extract converts rows into claimed items in form order. Only missing
// mandatory columns abort; per-row problems become item flags.
func (e *Extractor) Extract(rows []Row) (*Form, error) {
	var hasDesc, hasQty, hasPrice bool
	for _, row := range rows {
		hasDesc = hasDesc || row.Description.Present
		hasQty = hasQty || row.Quantity.Present
		hasPrice = hasPrice || row.UnitPrice.Present
	}
	var missing []string
	if !hasDesc {
		missing = append(missing, "description")
	}
	if !hasQty {
		missing = append(missing, "quantity")
	}
	if !hasPrice {
		missing = append(missing, "unit price")
	}
	if len(missing) > 0 {
		return nil, &FormError{Reason: "missing columns: " + strings.Join(missing, ", ")}
	}

	cur := e.normalizer.Currency()
	f := &Form{Currency: cur, Items: make([]ClaimedItem, 0, len(rows))}

	for i, row := range rows {
		desc := strings.Join(strings.Fields(row.Description.Text), " ")
		if desc == "" && row.Quantity.Blank() && row.UnitPrice.Blank() && row.Subtotal.Blank() {
			continue
		}

		if row.Quantity.Blank() && row.UnitPrice.Blank() && e.isTotalLabel(desc) {
			if total, err := e.parseCell(row.Subtotal); err == nil {
				f.DeclaredTotal = &total.Money
			}
			continue
		}

		item := ClaimedItem{
			Line:        i + 1,
			Description: desc,
			UnitPrice:   money.New(0, cur),
			Subtotal:    money.New(0, cur),
		}

		qty, qtyOK := parseQuantity(row.Quantity)
		item.Quantity = qty
		if !qtyOK {
			item.Flags |= InvalidQuantity
		}

		price, err := e.parseCell(row.UnitPrice)
		priceOK := err == nil
		if priceOK {
			item.UnitPrice = price.Money
		} else {
			item.Flags |= UnparsablePrice
		}

		expected, fits := item.UnitPrice.Times(int64(qty))
		if qtyOK && !fits {
			item.Flags |= InvalidQuantity
		}
		computable := qtyOK && priceOK && fits

		if row.Subtotal.Blank() {
			if computable {
				item.Subtotal = expected
			} else {
				item.Flags |= UnparsableSubtotal
			}
		} else if sub, err := e.parseCell(row.Subtotal); err != nil {
			item.Flags |= UnparsableSubtotal
			if computable {
				item.Subtotal = expected
			}
		} else {
			item.Subtotal = sub.Money
			if computable && sub.Money.Distance(expected) > subtotalTolerance {
				item.Flags |= SubtotalMismatch
			}
		}

		f.Items = append(f.Items, item)
	}

	return f, nil
}

func (e *Extractor) parseCell(c Cell) (money.Amount, error) {
	if c.Numeric {
		return e.normalizer.ParseNumber(c.Text)
	}
	return e.normalizer.Parse(c.Text)
}

func (e *Extractor) isTotalLabel(desc string) bool {
	fold := cases.Fold()
	label := strings.TrimSpace(strings.TrimRight(fold.String(desc), ": "))
	for _, l := range e.dict.TotalLabels {
		if label == fold.String(l) {
			return true
		}
	}
	return false
}

// parseQuantity accepts positive integers; numeric cells may carry ".0".
func parseQuantity(c Cell) (int, bool) {
	text := strings.TrimSpace(c.Text)
	if c.Numeric {
		f, err := strconv.ParseFloat(text, 64)
		if err != nil || f != float64(int(f)) {
			return 0, false
		}
		return int(f), f > 0
	}
	n, err := strconv.Atoi(text)
	if err != nil {
		return 0, false
	}
	return n, n > 0
}
