package form

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
)

type column int

const (
	colNone column = iota
	colDescription
	colQuantity
	colUnitPrice
	colSubtotal
)

// Dictionary lists the header labels recognised for each column, plus the
// labels of a grand-total line.
type Dictionary struct {
	Description []string
	Quantity    []string
	UnitPrice   []string
	Subtotal    []string
	TotalLabels []string
}

// DefaultDictionary covers English and Indonesian reimbursement forms.
func DefaultDictionary() Dictionary {
	return Dictionary{
		Description: []string{"description", "item", "items", "expense", "keterangan", "uraian", "deskripsi", "nama barang", "barang"},
		Quantity:    []string{"qty", "quantity", "jml", "kuantitas", "banyak", "jumlah barang", "units"},
		UnitPrice:   []string{"price", "unit price", "harga", "harga satuan", "rate", "cost"},
		Subtotal:    []string{"subtotal", "sub total", "total", "amount", "jumlah", "total harga", "line total"},
		TotalLabels: []string{"total", "grand total", "jumlah", "jumlah total", "total biaya", "total reimbursement"},
	}
}

var (
	fixedWidthSplit = regexp.MustCompile(`\s{2,}`)
	parenthetical   = regexp.MustCompile(`\([^)]*\)`)
)

type layout struct {
	delim   string // empty for fixed width
	columns []column
	offsets []int
}

// ParseTable locates the header line in extracted form text and splits the
// lines below it into rows. Lines before the header and lines without any
// digit below it are ignored.
func ParseTable(lines []string, dict Dictionary) ([]Row, error) {
	headerAt := -1
	var lay layout
	for i, line := range lines {
		if l, ok := dict.header(line); ok {
			headerAt, lay = i, l
			break
		}
	}
	if headerAt < 0 {
		return nil, &FormError{Reason: "no header row with description, quantity and price columns"}
	}

	rows := make([]Row, 0)
	for _, line := range lines[headerAt+1:] {
		if !strings.ContainsFunc(line, unicode.IsDigit) {
			continue
		}
		cells := lay.split(line)
		var row Row
		for j, col := range lay.columns {
			c := Cell{Present: true}
			if j < len(cells) {
				c.Text = strings.TrimSpace(cells[j])
			}
			switch col {
			case colDescription:
				row.Description = c
			case colQuantity:
				row.Quantity = c
			case colUnitPrice:
				row.UnitPrice = c
			case colSubtotal:
				row.Subtotal = c
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// header reports whether line is a table header carrying all mandatory columns.
func (d Dictionary) header(line string) (layout, bool) {
	delim := detectDelimiter(line)
	var cells []string
	var offsets []int
	if delim != "" {
		cells = splitDelimited(line, delim)
	} else {
		cells, offsets = splitFixedWidth(line)
	}

	lay := layout{delim: delim, offsets: offsets, columns: make([]column, len(cells))}
	seen := map[column]bool{}
	for i, cell := range cells {
		col := d.classify(cell)
		if seen[col] {
			col = colNone
		}
		seen[col] = true
		lay.columns[i] = col
	}
	if !seen[colDescription] || !seen[colQuantity] || !seen[colUnitPrice] {
		return layout{}, false
	}
	return lay, true
}

func (d Dictionary) classify(cell string) column {
	fold := cases.Fold()
	label := parenthetical.ReplaceAllString(fold.String(cell), "")
	label = strings.Join(strings.FieldsFunc(label, func(r rune) bool {
		return !unicode.IsLetter(r)
	}), " ")

	for _, set := range []struct {
		col     column
		aliases []string
	}{
		{colDescription, d.Description},
		{colQuantity, d.Quantity},
		{colUnitPrice, d.UnitPrice},
		{colSubtotal, d.Subtotal},
	} {
		for _, alias := range set.aliases {
			if label == fold.String(alias) {
				return set.col
			}
		}
	}
	return colNone
}

func (l layout) split(line string) []string {
	if l.delim != "" {
		return splitDelimited(line, l.delim)
	}

	cells, _ := splitFixedWidth(line)
	n := len(l.columns)
	switch {
	case len(cells) == n:
		return cells
	case len(cells) > n:
		// the description held a double space; fold the surplus back into it
		extra := len(cells) - n
		merged := strings.Join(cells[:extra+1], "  ")
		return append([]string{merged}, cells[extra+1:]...)
	}

	// fewer cells than columns: cut by header positions
	runes := []rune(line)
	out := make([]string, n)
	for i, start := range l.offsets {
		if start >= len(runes) {
			break
		}
		end := len(runes)
		if i+1 < len(l.offsets) && l.offsets[i+1] < end {
			end = l.offsets[i+1]
		}
		out[i] = string(runes[start:end])
	}
	return out
}

func detectDelimiter(line string) string {
	for _, d := range []string{"|", "\t", ";"} {
		if strings.Contains(line, d) {
			return d
		}
	}
	return ""
}

func splitDelimited(line, delim string) []string {
	line = strings.TrimSpace(line)
	if delim == "|" {
		line = strings.TrimSuffix(strings.TrimPrefix(line, "|"), "|")
	}
	parts := strings.Split(line, delim)
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// splitFixedWidth splits on runs of two or more spaces and returns each
// cell's starting rune offset.
func splitFixedWidth(line string) ([]string, []int) {
	runes := []rune(strings.TrimRight(line, " "))
	text := string(runes)
	var cells []string
	var offsets []int
	prev := 0
	for _, loc := range fixedWidthSplit.FindAllStringIndex(text, -1) {
		if loc[0] > prev {
			cells = append(cells, text[prev:loc[0]])
			offsets = append(offsets, len([]rune(text[:prev])))
		}
		prev = loc[1]
	}
	if prev < len(text) {
		cells = append(cells, text[prev:])
		offsets = append(offsets, len([]rune(text[:prev])))
	}
	return cells, offsets
}
