//go:build !tesseract

package scanning

import "context"

// Tesseract is only available when built with the tesseract tag, which
// needs cgo and the leptonica and tesseract headers.
type Tesseract struct{}

// NewTesseract always fails with ErrTesseractUnavailable
func NewTesseract(languages ...string) (*Tesseract, error) {
	return nil, ErrTesseractUnavailable
}

func (t *Tesseract) ExtractText(ctx context.Context, data []byte, contentType string) (string, error) {
	return "", ErrTesseractUnavailable
}

func (t *Tesseract) Close() error {
	return nil
}
