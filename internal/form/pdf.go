package form

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/ledongthuc/pdf"
)

const maxTextBytes = 256 * 1024

// ReadPDFText extracts the non-empty text lines of a PDF. The pdf library
// panics on some malformed documents, so panics come back as errors.
func ReadPDFText(data []byte) (lines []string, err error) {
	defer func() {
		if r := recover(); r != nil {
			lines, err = nil, fmt.Errorf("reading PDF: panic: %v", r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}

	plain, err := reader.GetPlainText()
	if err != nil {
		return nil, fmt.Errorf("extracting PDF text: %w", err)
	}

	text, err := io.ReadAll(io.LimitReader(plain, maxTextBytes))
	if err != nil {
		return nil, fmt.Errorf("reading PDF text: %w", err)
	}

	for _, line := range strings.Split(string(text), "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, strings.TrimRight(line, " \r"))
		}
	}
	return lines, nil
}
