//go:build !tesseract

package scanning

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Tesseract without the tesseract tag", func() {
	It("should refuse to build a scanner", func() {
		_, err := NewTesseract("ind", "eng")
		Expect(err).To(MatchError(ErrTesseractUnavailable))
	})

	It("should fail every scan", func() {
		var t Tesseract
		_, err := t.ExtractText(context.Background(), samplePNG(), "image/png")
		Expect(err).To(MatchError(ErrTesseractUnavailable))
	})
})
