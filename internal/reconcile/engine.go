// Package reconcile matches claimed form items against totals read from
// receipts.
package reconcile

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/zombor/reimbursement-reconciler/internal/form"
	"github.com/zombor/reimbursement-reconciler/internal/money"
	"github.com/zombor/reimbursement-reconciler/internal/receipt"
)

// Config tunes matching.
type Config struct {
	// ApproxTolerance is the largest distance, in minor units, at which a
	// receipt amount still settles a claim.
	ApproxTolerance int64
	// ReviewConfidence marks matches whose receipt amount was read with
	// less confidence than this for human review.
	ReviewConfidence float64
}

// MaxApproxTolerance bounds Config.ApproxTolerance
const MaxApproxTolerance int64 = 1e18

func DefaultConfig() Config {
	return Config{ApproxTolerance: 100, ReviewConfidence: 0.5}
}

// Engine is stateless and safe for concurrent use.
type Engine struct {
	cfg Config
}

// NewEngine creates an Engine
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.ApproxTolerance < 0 {
		return nil, fmt.Errorf("approx tolerance must not be negative, got %d", cfg.ApproxTolerance)
	}
	if cfg.ApproxTolerance > MaxApproxTolerance {
		return nil, fmt.Errorf("approx tolerance must be at most %d, got %d", MaxApproxTolerance, cfg.ApproxTolerance)
	}
	if math.IsNaN(cfg.ReviewConfidence) || cfg.ReviewConfidence < 0 || cfg.ReviewConfidence > 1 {
		return nil, fmt.Errorf("review confidence must be within [0,1], got %v", cfg.ReviewConfidence)
	}
	return &Engine{cfg: cfg}, nil
}

// Config returns the engine's settings
func (e *Engine) Config() Config {
	return e.cfg
}

// pool is the multiset of receipt amounts still available for matching.
type pool struct {
	amounts  []receipt.ObservedAmount
	consumed []bool
	byValue  map[int64][]int
	values   []int64
}

func newPool(amounts []receipt.ObservedAmount) *pool {
	p := &pool{
		amounts:  append([]receipt.ObservedAmount(nil), amounts...),
		consumed: make([]bool, len(amounts)),
		byValue:  make(map[int64][]int),
	}
	sort.SliceStable(p.amounts, func(i, j int) bool {
		return rank(p.amounts[i], p.amounts[j]) < 0
	})
	for i, a := range p.amounts {
		if _, ok := p.byValue[a.Value.Minor]; !ok {
			p.values = append(p.values, a.Value.Minor)
		}
		p.byValue[a.Value.Minor] = append(p.byValue[a.Value.Minor], i)
	}
	sort.Slice(p.values, func(i, j int) bool { return p.values[i] < p.values[j] })
	return p
}

// take consumes the best unconsumed amount within tolerance of target.
func (p *pool) take(target, tolerance int64) (receipt.ObservedAmount, bool) {
	best := -1
	low, high := target-tolerance, target+tolerance
	if high < target {
		high = math.MaxInt64
	}
	lo := sort.Search(len(p.values), func(i int) bool { return p.values[i] >= low })
	for _, value := range p.values[lo:] {
		if value > high {
			break
		}
		// each bucket is already in rank order, so only its first free
		// entry can win
		for _, idx := range p.byValue[value] {
			if p.consumed[idx] {
				continue
			}
			if best < 0 || better(p.amounts[idx], p.amounts[best], target) {
				best = idx
			}
			break
		}
	}
	if best < 0 {
		return receipt.ObservedAmount{}, false
	}
	p.consumed[best] = true
	return p.amounts[best], true
}

func (p *pool) remaining() []receipt.ObservedAmount {
	out := make([]receipt.ObservedAmount, 0)
	for i, a := range p.amounts {
		if !p.consumed[i] {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if c := compareReceiptIDs(out[i].ReceiptID, out[j].ReceiptID); c != 0 {
			return c < 0
		}
		if out[i].Value.Minor != out[j].Value.Minor {
			return out[i].Value.Minor < out[j].Value.Minor
		}
		return out[i].Confidence > out[j].Confidence
	})
	return out
}

// rank orders amounts by preference regardless of the claim they settle:
// higher confidence first, then earlier receipt id, then smaller value.
func rank(a, b receipt.ObservedAmount) int {
	switch {
	case a.Confidence > b.Confidence:
		return -1
	case a.Confidence < b.Confidence:
		return 1
	}
	if c := compareReceiptIDs(a.ReceiptID, b.ReceiptID); c != 0 {
		return c
	}
	switch {
	case a.Value.Minor < b.Value.Minor:
		return -1
	case a.Value.Minor > b.Value.Minor:
		return 1
	}
	return 0
}

// better reports whether a beats b as the match for target. Distance only
// separates candidates of equal confidence and receipt.
func better(a, b receipt.ObservedAmount, target int64) bool {
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	if c := compareReceiptIDs(a.ReceiptID, b.ReceiptID); c != 0 {
		return c < 0
	}
	da, db := distance(a.Value.Minor, target), distance(b.Value.Minor, target)
	if da != db {
		return da < db
	}
	return a.Value.Minor < b.Value.Minor
}

func distance(a, b int64) int64 {
	if a > b {
		return a - b
	}
	return b - a
}

// compareReceiptIDs orders ids numerically when both are plain digit
// strings and lexically otherwise.
func compareReceiptIDs(a, b string) int {
	if isDigits(a) && isDigits(b) {
		na, nb := strings.TrimLeft(a, "0"), strings.TrimLeft(b, "0")
		if len(na) != len(nb) {
			if len(na) < len(nb) {
				return -1
			}
			return 1
		}
		if c := strings.Compare(na, nb); c != 0 {
			return c
		}
	}
	return strings.Compare(a, b)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Reconcile settles items in claim order, greedily: an earlier item always
// gets first pick of the receipt amounts.
func (e *Engine) Reconcile(items []form.ClaimedItem, amounts []receipt.ObservedAmount) (*Verdict, error) {
	currency, err := validate(items, amounts)
	if err != nil {
		return nil, err
	}

	p := newPool(amounts)
	v := &Verdict{
		Currency: currency,
		Matches:  make([]MatchRecord, 0, len(items)),
		Status:   StatusOK,
	}

	for _, item := range items {
		rec := MatchRecord{Item: item, Kind: Unmatched}
		target := item.Subtotal.Minor

		if obs, ok := p.take(target, 0); ok {
			rec.Kind, rec.Observed = Exact, &obs
		} else if e.cfg.ApproxTolerance > 0 {
			if obs, ok := p.take(target, e.cfg.ApproxTolerance); ok {
				rec.Kind, rec.Observed = Approximate, &obs
			}
		}

		if rec.Observed != nil {
			rec.NeedsReview = rec.Observed.Confidence < e.cfg.ReviewConfidence
		}
		if rec.Kind == Unmatched || item.Flagged() {
			v.Status = StatusMismatch
		}
		v.Matches = append(v.Matches, rec)
	}

	v.UnusedReceipts = p.remaining()
	if len(v.UnusedReceipts) > 0 {
		v.Status = StatusMismatch
	}
	return v, nil
}

func validate(items []form.ClaimedItem, amounts []receipt.ObservedAmount) (string, error) {
	currency := ""
	checkMoney := func(field string, m money.Money) error {
		if m.IsNegative() {
			return &InputError{Field: field, Reason: fmt.Sprintf("negative amount %s", m)}
		}
		if m.Currency == "" {
			return &InputError{Field: field, Reason: "missing currency"}
		}
		if currency == "" {
			currency = m.Currency
		}
		if m.Currency != currency {
			return &InputError{Field: field, Reason: fmt.Sprintf("currency %s does not match %s", m.Currency, currency)}
		}
		return nil
	}

	for i, item := range items {
		field := fmt.Sprintf("items[%d]", i)
		if item.Quantity <= 0 && !item.Flags.Has(form.InvalidQuantity) {
			return "", &InputError{Field: field + ".quantity", Reason: fmt.Sprintf("quantity %d is not positive", item.Quantity)}
		}
		if err := checkMoney(field+".unit_price", item.UnitPrice); err != nil {
			return "", err
		}
		if err := checkMoney(field+".subtotal", item.Subtotal); err != nil {
			return "", err
		}
	}

	for i, a := range amounts {
		field := fmt.Sprintf("amounts[%d]", i)
		if strings.TrimSpace(a.ReceiptID) == "" {
			return "", &InputError{Field: field + ".receipt_id", Reason: "empty"}
		}
		if math.IsNaN(a.Confidence) || a.Confidence < 0 || a.Confidence > 1 {
			return "", &InputError{Field: field + ".confidence", Reason: fmt.Sprintf("%v is outside [0,1]", a.Confidence)}
		}
		if err := checkMoney(field+".value", a.Value); err != nil {
			return "", err
		}
	}
	return currency, nil
}
