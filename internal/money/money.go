// Package money holds the integer money representation and the amount
// normalizer used for form cells and OCR tokens.
package money

import (
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

// Money is an amount in minor units (e.g. cents) of a currency.
type Money struct {
	Minor    int64  `json:"minor"`
	Currency string `json:"currency"`
}

// New creates a Money value
func New(minor int64, cur string) Money {
	return Money{Minor: minor, Currency: strings.ToUpper(cur)}
}

// Add returns m + o. Currencies are assumed to match.
func (m Money) Add(o Money) Money {
	return Money{Minor: m.Minor + o.Minor, Currency: m.Currency}
}

var (
	maxMinor = decimal.NewFromInt(math.MaxInt64)
	minMinor = decimal.NewFromInt(math.MinInt64)
)

// Times returns m multiplied by n. ok is false when the product does not
// fit in int64 minor units.
func (m Money) Times(n int64) (product Money, ok bool) {
	p := decimal.NewFromInt(m.Minor).Mul(decimal.NewFromInt(n))
	if p.GreaterThan(maxMinor) || p.LessThan(minMinor) {
		return Money{}, false
	}
	return Money{Minor: p.IntPart(), Currency: m.Currency}, true
}

// Distance returns |m - o| in minor units
func (m Money) Distance(o Money) int64 {
	d := m.Minor - o.Minor
	if d < 0 {
		return -d
	}
	return d
}

// IsNegative reports whether the amount is below zero
func (m Money) IsNegative() bool {
	return m.Minor < 0
}

// String renders the amount with a dot decimal marker, e.g. "IDR 50000.00".
func (m Money) String() string {
	scale, err := Scale(m.Currency)
	if err != nil {
		return fmt.Sprintf("%s %d", m.Currency, m.Minor)
	}
	return fmt.Sprintf("%s %s", m.Currency, decimal.New(m.Minor, int32(-scale)).StringFixed(int32(scale)))
}

// isoMinorDigits lists currencies whose CLDR display rounding drops the
// minor unit ISO 4217 defines, e.g. CLDR shows rupiah without cents.
var isoMinorDigits = map[string]int{
	"AFN": 2,
	"ALL": 2,
	"COP": 2,
	"IDR": 2,
	"IQD": 3,
	"IRR": 2,
	"LAK": 2,
	"LBP": 2,
	"MMK": 2,
	"RSD": 2,
	"SOS": 2,
	"SYP": 2,
	"YER": 2,
}

// Scale returns the number of minor digits of an ISO 4217 currency.
func Scale(cur string) (int, error) {
	unit, err := currency.ParseISO(cur)
	if err != nil {
		return 0, fmt.Errorf("unknown currency %q: %w", cur, err)
	}
	if digits, ok := isoMinorDigits[unit.String()]; ok {
		return digits, nil
	}
	scale, _ := currency.Standard.Rounding(unit)
	return scale, nil
}
