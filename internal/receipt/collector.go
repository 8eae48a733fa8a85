// Package receipt finds candidate totals in the OCR text of receipt images.
package receipt

import (
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/text/cases"

	"github.com/zombor/reimbursement-reconciler/internal/money"
)

// TextBlock is the OCR output for one receipt image (or one page of it).
type TextBlock struct {
	ReceiptID string `json:"receipt_id"`
	Text      string `json:"text"`
}

// ObservedAmount is a total detected on a receipt.
type ObservedAmount struct {
	Value      money.Money `json:"value"`
	ReceiptID  string      `json:"receipt_id"`
	Confidence float64     `json:"confidence"`
}

// Collection is everything found across a submission's receipts.
// WithoutTotal lists receipts on which no amount could be found.
type Collection struct {
	Amounts      []ObservedAmount `json:"amounts"`
	WithoutTotal []string         `json:"without_total"`
}

// Keywords drive which lines count as total lines.
type Keywords struct {
	Total   []string
	Exclude []string
}

// DefaultKeywords covers English and Indonesian receipts.
func DefaultKeywords() Keywords {
	return Keywords{
		Total:   []string{"total", "jumlah", "amount due", "balance due", "grand total", "tagihan", "bayar"},
		Exclude: []string{"subtotal", "sub total", "sub-total", "kembalian", "change", "discount", "diskon", "pajak", "tax", "ppn", "tunai", "cash"},
	}
}

const (
	sameLineProximity = 1.0
	nextLineProximity = 0.7
	fallbackProximity = 0.25
)

var (
	// either digits grouped by single spaces ("50 000") or a run of
	// digits, separators and OCR look-alikes
	amountToken  = regexp.MustCompile(`\(?-?(?:\d{1,3}(?:[ '\x{00a0}\x{202f}]\d{3})+(?:[.,]\d+)?|\d(?:[\d.,OolI]*[\dOolI])?)\)?`)
	dateLike     = regexp.MustCompile(`\b\d{1,4}[./-]\d{1,2}[./-]\d{2,4}\b`)
	timeLike     = regexp.MustCompile(`\b\d{1,2}:\d{2}(?::\d{2})?\b`)
	crlf         = regexp.MustCompile(`\r\n?`)
	tabs         = regexp.MustCompile(`\t+`)
	multiSpace   = regexp.MustCompile(` {2,}`)
	hasSeparator = regexp.MustCompile(`\d[., '\x{00a0}\x{202f}]\d`)
)

// Collector turns OCR text into observed amounts.
type Collector struct {
	normalizer *money.Normalizer
	keywords   Keywords
}

// NewCollector creates a Collector. Keywords match case-insensitively.
func NewCollector(normalizer *money.Normalizer, keywords Keywords) *Collector {
	return &Collector{
		normalizer: normalizer,
		keywords: Keywords{
			Total:   foldAll(keywords.Total),
			Exclude: foldAll(keywords.Exclude),
		},
	}
}

func foldAll(words []string) []string {
	fold := cases.Fold()
	out := make([]string, 0, len(words))
	for _, w := range words {
		if w = strings.TrimSpace(fold.String(w)); w != "" {
			out = append(out, w)
		}
	}
	return out
}

type candidate struct {
	value      money.Money
	confidence float64
}

// Collect never fails: a receipt with no readable total shows up in
// WithoutTotal instead.
func (c *Collector) Collect(blocks []TextBlock) Collection {
	out := Collection{Amounts: make([]ObservedAmount, 0), WithoutTotal: make([]string, 0)}
	index := map[string]int{}
	var order []string
	found := map[string]bool{}

	for i, block := range blocks {
		id := strings.TrimSpace(block.ReceiptID)
		if id == "" {
			id = fmt.Sprintf("receipt-%d", i+1)
		}
		if _, ok := found[id]; !ok {
			found[id] = false
			order = append(order, id)
		}

		for _, cand := range c.scan(block.Text) {
			key := fmt.Sprintf("%s\x00%d", id, cand.value.Minor)
			if at, ok := index[key]; ok {
				if cand.confidence > out.Amounts[at].Confidence {
					out.Amounts[at].Confidence = cand.confidence
				}
				continue
			}
			index[key] = len(out.Amounts)
			out.Amounts = append(out.Amounts, ObservedAmount{
				Value:      cand.value,
				ReceiptID:  id,
				Confidence: cand.confidence,
			})
			found[id] = true
		}
	}

	for _, id := range order {
		if !found[id] {
			out.WithoutTotal = append(out.WithoutTotal, id)
		}
	}
	return out
}

// scan returns the total candidates of one text block.
func (c *Collector) scan(text string) []candidate {
	fold := cases.Fold()
	var (
		keyed    []candidate
		fallback *candidate
		pending  bool
	)

	for _, line := range strings.Split(normalizeText(text), "\n") {
		folded := fold.String(line)
		excluded := containsAny(folded, c.keywords.Exclude)
		keyword := !excluded && containsAny(folded, c.keywords.Total)

		cleaned := timeLike.ReplaceAllString(dateLike.ReplaceAllString(line, " "), " ")
		var parsed []candidate
		for _, tok := range amountToken.FindAllString(cleaned, -1) {
			amt, err := c.normalizer.Parse(tok)
			if err != nil {
				continue
			}
			parsed = append(parsed, candidate{value: amt.Money, confidence: amt.Certainty})

			if !excluded && hasSeparator.MatchString(tok) && (fallback == nil || amt.Money.Minor > fallback.value.Minor) {
				fallback = &candidate{value: amt.Money, confidence: clamp(amt.Certainty * fallbackProximity)}
			}
		}

		switch {
		case len(parsed) == 0:
		case keyword:
			// totals are printed right-most on their line
			last := parsed[len(parsed)-1]
			keyed = append(keyed, candidate{value: last.value, confidence: clamp(last.confidence * sameLineProximity)})
		case pending && !excluded:
			first := parsed[0]
			keyed = append(keyed, candidate{value: first.value, confidence: clamp(first.confidence * nextLineProximity)})
		}
		pending = keyword && len(parsed) == 0
	}

	if len(keyed) == 0 && fallback != nil {
		return []candidate{*fallback}
	}
	return keyed
}

func normalizeText(s string) string {
	s = crlf.ReplaceAllString(s, "\n")
	s = tabs.ReplaceAllString(s, " ")
	return multiSpace.ReplaceAllString(s, " ")
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if w != "" && strings.Contains(s, w) {
			return true
		}
	}
	return false
}

func clamp(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}
