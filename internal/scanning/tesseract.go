//go:build tesseract

package scanning

import (
	"context"
	"fmt"

	"github.com/otiai10/gosseract/v2"
)

// Tesseract runs OCR locally through libtesseract. It needs no network
// access but reads crumpled receipts worse than the LLM backends.
type Tesseract struct {
	languages []string
}

// NewTesseract creates a Tesseract scanner for the given traineddata
// languages, e.g. "ind" and "eng".
func NewTesseract(languages ...string) (*Tesseract, error) {
	if len(languages) == 0 {
		languages = []string{"eng"}
	}
	return &Tesseract{languages: languages}, nil
}

// ExtractText transcribes a receipt. A gosseract client is not safe for
// concurrent use, so each call gets its own.
func (t *Tesseract) ExtractText(ctx context.Context, data []byte, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	img, err := loadImage(data, contentType)
	if err != nil {
		return "", err
	}
	pngData, err := encodePNG(preprocessForOCR(img))
	if err != nil {
		return "", err
	}

	client := gosseract.NewClient()
	defer client.Close()

	if err := client.SetLanguage(t.languages...); err != nil {
		return "", fmt.Errorf("setting tesseract language: %w", err)
	}
	// receipts are one column of lines
	if err := client.SetPageSegMode(gosseract.PSM_SINGLE_COLUMN); err != nil {
		return "", fmt.Errorf("setting page segmentation: %w", err)
	}
	if err := client.SetImageFromBytes(pngData); err != nil {
		return "", fmt.Errorf("loading image into tesseract: %w", err)
	}

	text, err := client.Text()
	if err != nil {
		return "", fmt.Errorf("running tesseract: %w", err)
	}
	return cleanTranscript(text), nil
}

// Close is a no-op; clients are released per call
func (t *Tesseract) Close() error {
	return nil
}
