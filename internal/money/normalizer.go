package money

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
)

// ErrUnparsableAmount is returned when a token cannot be turned into Money.
var ErrUnparsableAmount = errors.New("unparsable amount")

// ParseError describes why a token was rejected.
type ParseError struct {
	Token  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("unparsable amount %q: %s", e.Token, e.Reason)
}

func (e *ParseError) Unwrap() error {
	return ErrUnparsableAmount
}

// DecimalStyle selects which separator marks the decimal part.
type DecimalStyle string

const (
	// DecimalComma is used by e.g. Indonesian and most European forms: 1.234,56
	DecimalComma DecimalStyle = "comma"
	// DecimalDot is used by e.g. US forms: 1,234.56
	DecimalDot DecimalStyle = "dot"
)

// ParseDecimalStyle accepts "comma" or "dot".
func ParseDecimalStyle(s string) (DecimalStyle, error) {
	switch DecimalStyle(strings.ToLower(strings.TrimSpace(s))) {
	case DecimalComma:
		return DecimalComma, nil
	case DecimalDot:
		return DecimalDot, nil
	}
	return "", fmt.Errorf("unknown decimal style %q (want comma or dot)", s)
}

// Locale is the profile used to read amounts.
// A negative MinorDigits means "use the currency's standard scale".
type Locale struct {
	DecimalStyle DecimalStyle
	Currency     string
	MinorDigits  int
}

// DefaultLocale reads Indonesian Rupiah written as 50.000,00
func DefaultLocale() Locale {
	return Locale{DecimalStyle: DecimalComma, Currency: "IDR", MinorDigits: 2}
}

// Amount is a parsed token together with how sure the normalizer is about it.
type Amount struct {
	Money     Money
	Certainty float64
}

const (
	repairPenalty   = 0.15
	groupingPenalty = 0.2
	minCertainty    = 0.1
	maxIntDigits    = 15
)

// confusables maps characters OCR commonly reads in place of digits.
var confusables = map[rune]rune{
	'O': '0', 'o': '0', 'D': '0', 'Q': '0',
	'I': '1', 'l': '1', '|': '1', 'i': '1',
	'S': '5', 's': '5',
	'Z': '2', 'z': '2',
	'B': '8',
}

// Normalizer converts raw tokens into Money for a single locale.
type Normalizer struct {
	locale  Locale
	scale   int
	decimal rune
	group   rune
}

// NewNormalizer validates the locale and resolves the currency scale.
func NewNormalizer(loc Locale) (*Normalizer, error) {
	style, err := ParseDecimalStyle(string(loc.DecimalStyle))
	if err != nil {
		return nil, err
	}
	loc.DecimalStyle = style
	loc.Currency = strings.ToUpper(strings.TrimSpace(loc.Currency))

	scale := loc.MinorDigits
	if scale < 0 {
		scale, err = Scale(loc.Currency)
		if err != nil {
			return nil, err
		}
	}
	if scale > 6 {
		return nil, fmt.Errorf("minor digits %d out of range", scale)
	}

	n := &Normalizer{locale: loc, scale: scale, decimal: '.', group: ','}
	if style == DecimalComma {
		n.decimal, n.group = ',', '.'
	}
	return n, nil
}

// Locale returns the resolved locale
func (n *Normalizer) Locale() Locale {
	loc := n.locale
	loc.MinorDigits = n.scale
	return loc
}

// Currency returns the ISO code amounts are tagged with
func (n *Normalizer) Currency() string {
	return n.locale.Currency
}

// Parse converts a raw token such as "Rp 50.000,-" into Money.
func (n *Normalizer) Parse(token string) (Amount, error) {
	certainty := 1.0
	runes := []rune(strings.TrimSpace(token))
	if len(runes) == 0 {
		return Amount{}, &ParseError{Token: token, Reason: "empty"}
	}

	// Repair OCR look-alikes that sit next to digits, left to right so a
	// repaired rune counts as a digit for its right neighbour.
	for i, r := range runes {
		fix, ok := confusables[r]
		if !ok {
			continue
		}
		var prev, next rune
		if i > 0 {
			prev = runes[i-1]
		}
		if i+1 < len(runes) {
			next = runes[i+1]
		}
		leftDigit := isDigit(prev) || ((prev == '.' || prev == ',') && i > 1 && isDigit(runes[i-2]))
		if (leftDigit && (!unicode.IsLetter(next) || isConfusable(next))) ||
			(isDigit(next) && !unicode.IsLetter(prev)) {
			runes[i] = fix
			certainty -= repairPenalty
		}
	}

	first, last := -1, -1
	for i, r := range runes {
		if isDigit(r) {
			if first < 0 {
				first = i
			}
			last = i
		}
	}
	if first < 0 {
		return Amount{}, &ParseError{Token: token, Reason: "no digits"}
	}

	prefix := strings.TrimSpace(string(runes[:first]))
	suffix := string(runes[last+1:])
	if strings.HasSuffix(prefix, "-") || (strings.Contains(prefix, "(") && strings.Contains(suffix, ")")) {
		return Amount{}, &ParseError{Token: token, Reason: "negative amount"}
	}

	var b strings.Builder
	for _, r := range runes[first : last+1] {
		switch {
		case isDigit(r), r == '.', r == ',':
			b.WriteRune(r)
		case r == ' ', r == '\'', r == '\u00a0', r == '\u202f':
			// grouping space
		default:
			return Amount{}, &ParseError{Token: token, Reason: fmt.Sprintf("unexpected character %q", r)}
		}
	}
	body := b.String()

	if strings.Count(body, string(n.decimal)) > 1 {
		return Amount{}, &ParseError{Token: token, Reason: "more than one decimal marker"}
	}

	intPart, frac := body, ""
	if idx := strings.IndexRune(body, n.decimal); idx >= 0 {
		intPart, frac = body[:idx], body[idx+1:]
		if strings.ContainsRune(frac, n.group) {
			return Amount{}, &ParseError{Token: token, Reason: "grouping after decimal marker"}
		}
	}

	groups := strings.Split(intPart, string(n.group))
	for _, g := range groups[1:] {
		if len(g) != 3 {
			certainty -= groupingPenalty
			break
		}
	}
	intPart = strings.Join(groups, "")
	if intPart == "" {
		intPart = "0"
	}
	if len(intPart) > maxIntDigits {
		return Amount{}, &ParseError{Token: token, Reason: "too many digits"}
	}

	if len(frac) > n.scale {
		if strings.Trim(frac[n.scale:], "0") != "" {
			return Amount{}, &ParseError{Token: token, Reason: fmt.Sprintf("more than %d fraction digits", n.scale)}
		}
		frac = frac[:n.scale]
	}

	literal := intPart
	if frac != "" {
		literal += "." + frac
	}
	d, err := decimal.NewFromString(literal)
	if err != nil {
		return Amount{}, &ParseError{Token: token, Reason: err.Error()}
	}
	minor := d.Shift(int32(n.scale))
	if !minor.IsInteger() {
		return Amount{}, &ParseError{Token: token, Reason: "sub-minor-unit precision"}
	}
	if minor.GreaterThan(maxMinor) {
		return Amount{}, &ParseError{Token: token, Reason: "too many digits"}
	}

	if certainty < minCertainty {
		certainty = minCertainty
	}
	return Amount{
		Money:     Money{Minor: minor.IntPart(), Currency: n.locale.Currency},
		Certainty: certainty,
	}, nil
}

// ParseNumber reads a machine literal such as a JSON number ("50000",
// "12.5"), which always uses a dot decimal marker whatever the locale.
func (n *Normalizer) ParseNumber(literal string) (Amount, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(literal))
	if err != nil {
		return Amount{}, &ParseError{Token: literal, Reason: "not a number"}
	}
	if d.IsNegative() {
		return Amount{}, &ParseError{Token: literal, Reason: "negative amount"}
	}
	minor := d.Shift(int32(n.scale))
	if !minor.IsInteger() {
		return Amount{}, &ParseError{Token: literal, Reason: fmt.Sprintf("more than %d fraction digits", n.scale)}
	}
	if len(minor.String()) > maxIntDigits+n.scale || minor.GreaterThan(maxMinor) {
		return Amount{}, &ParseError{Token: literal, Reason: "too many digits"}
	}
	return Amount{
		Money:     Money{Minor: minor.IntPart(), Currency: n.locale.Currency},
		Certainty: 1,
	}, nil
}

// Format renders m the way the locale writes it, e.g. "50.000,00".
func (n *Normalizer) Format(m Money) string {
	minor := m.Minor
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}

	pow := int64(1)
	for i := 0; i < n.scale; i++ {
		pow *= 10
	}
	digits := strconv.FormatInt(minor/pow, 10)

	var b strings.Builder
	b.WriteString(sign)
	for i, r := range digits {
		if i > 0 && (len(digits)-i)%3 == 0 {
			b.WriteRune(n.group)
		}
		b.WriteRune(r)
	}
	if n.scale > 0 {
		b.WriteRune(n.decimal)
		fmt.Fprintf(&b, "%0*d", n.scale, minor%pow)
	}
	return b.String()
}

func isDigit(r rune) bool {
	return r >= '0' && r <= '9'
}

func isConfusable(r rune) bool {
	_, ok := confusables[r]
	return ok
}
