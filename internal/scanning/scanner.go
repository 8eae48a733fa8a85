package scanning

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
)

// ErrTesseractUnavailable is returned by NewTesseract in binaries built
// without the tesseract tag.
var ErrTesseractUnavailable = errors.New("tesseract support not compiled in, rebuild with -tags tesseract")

// Scanner transcribes the text printed on a receipt image or PDF.
type Scanner interface {
	// ExtractText returns the receipt's text, one printed line per line
	ExtractText(ctx context.Context, data []byte, contentType string) (string, error)
	// Close releases the backend
	Close() error
}

var receiptTypes = map[string]bool{
	"application/pdf": true,
	"image/png":       true,
	"image/jpeg":      true,
	"image/jpg":       true,
	"image/gif":       true,
	"image/heic":      true,
	"image/heif":      true,
}

var receiptExtensions = map[string]string{
	".pdf":  "application/pdf",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".heic": "image/heic",
	".heif": "image/heif",
}

// ContentType resolves the attachment type, falling back to the file
// extension when the sender declared a generic type.
func ContentType(declared, filename string) string {
	ct := strings.ToLower(strings.TrimSpace(declared))
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	if receiptTypes[ct] {
		return ct
	}
	if byExt, ok := receiptExtensions[strings.ToLower(filepath.Ext(filename))]; ok {
		return byExt
	}
	return ct
}

// IsSupported reports whether a scanner can read the content type
func IsSupported(contentType string) bool {
	return receiptTypes[contentType]
}
