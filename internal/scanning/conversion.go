package scanning

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gen2brain/go-fitz"
	"github.com/gen2brain/heic"
)

// transcriptionPrompt is shared by the LLM backends
const transcriptionPrompt = `You are reading a photographed or scanned receipt. Transcribe every line of printed text exactly as it appears, top to bottom.

Rules:
- Keep one printed line per output line, with label and amount on the same line when they are printed side by side (e.g. "TOTAL Rp 50.000").
- Copy numbers character for character. Do not convert currencies, do not reformat thousands separators or decimal marks, do not add currency symbols that are not printed.
- Do not summarize, translate, or explain.
- Do not use markdown code blocks.
- If the image contains no readable text, return an empty response.`

const (
	maxPDFPages   = 4
	minOCRWidth   = 1200
	contrastBoost = 20
)

// renderPDF renders the first pages of a PDF and stacks them into one tall
// image so multi-page receipts are read in a single pass.
func renderPDF(pdfData []byte) (image.Image, error) {
	doc, err := fitz.NewFromMemory(pdfData)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer doc.Close()

	pages := doc.NumPage()
	if pages == 0 {
		return nil, fmt.Errorf("PDF has no pages")
	}
	if pages > maxPDFPages {
		pages = maxPDFPages
	}

	var rendered []image.Image
	width, height := 0, 0
	for i := 0; i < pages; i++ {
		img, err := doc.Image(i)
		if err != nil {
			return nil, fmt.Errorf("rendering PDF page %d: %w", i+1, err)
		}
		rendered = append(rendered, img)
		if w := img.Bounds().Dx(); w > width {
			width = w
		}
		height += img.Bounds().Dy()
	}
	if len(rendered) == 1 {
		return rendered[0], nil
	}

	canvas := imaging.New(width, height, color.White)
	y := 0
	for _, img := range rendered {
		canvas = imaging.Paste(canvas, img, image.Pt(0, y))
		y += img.Bounds().Dy()
	}
	return canvas, nil
}

// decodeImage decodes JPEG, PNG, GIF and HEIC/HEIF, honouring EXIF
// orientation for phone photos.
func decodeImage(imageData []byte, mimeType string) (image.Image, error) {
	if isHEICFormat(imageData) || isHEICMimeType(mimeType) {
		img, err := heic.Decode(bytes.NewReader(imageData))
		if err != nil {
			return nil, fmt.Errorf("decoding HEIC/HEIF image: %w", err)
		}
		return img, nil
	}

	img, err := imaging.Decode(bytes.NewReader(imageData), imaging.AutoOrientation(true))
	if err != nil {
		if strings.Contains(err.Error(), "unknown format") || strings.Contains(err.Error(), "unsupported") {
			return nil, fmt.Errorf("unsupported image format. Supported formats: JPEG, PNG, GIF, HEIC, HEIF, PDF. Error: %w", err)
		}
		return nil, fmt.Errorf("decoding image: %w", err)
	}
	return img, nil
}

// loadImage turns any supported receipt into an image
func loadImage(data []byte, contentType string) (image.Image, error) {
	mimeType := normalizeMIME(contentType)
	if mimeType == "application/pdf" {
		return renderPDF(data)
	}
	return decodeImage(data, mimeType)
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return nil, fmt.Errorf("encoding PNG: %w", err)
	}
	return buf.Bytes(), nil
}

// preparePNG converts PDFs and non-PNG images to PNG. PNG input is passed
// through untouched.
func preparePNG(data []byte, contentType string) ([]byte, error) {
	mimeType := normalizeMIME(contentType)
	if mimeType == "image/png" && !isHEICFormat(data) {
		return data, nil
	}
	img, err := loadImage(data, mimeType)
	if err != nil {
		return nil, err
	}
	return encodePNG(img)
}

// preprocessForOCR improves tesseract accuracy on thermal-paper photos
func preprocessForOCR(img image.Image) image.Image {
	gray := imaging.Grayscale(img)
	if gray.Bounds().Dx() < minOCRWidth {
		gray = imaging.Resize(gray, minOCRWidth, 0, imaging.Lanczos)
	}
	return imaging.AdjustContrast(gray, contrastBoost)
}

func normalizeMIME(contentType string) string {
	mimeType := strings.ToLower(strings.TrimSpace(contentType))
	if mimeType == "" {
		return "image/jpeg"
	}
	return mimeType
}

// isHEICFormat checks for an ftyp box with a HEIC brand at offset 4
func isHEICFormat(data []byte) bool {
	if len(data) < 12 || string(data[4:8]) != "ftyp" {
		return false
	}
	switch string(data[8:12]) {
	case "heic", "heif", "mif1", "msf1":
		return true
	}
	return false
}

func isHEICMimeType(mimeType string) bool {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	return strings.Contains(mimeType, "heic") || strings.Contains(mimeType, "heif")
}

// cleanTranscript strips the wrapping LLMs sometimes add around a
// transcription and normalises line endings.
func cleanTranscript(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		if nl := strings.Index(text, "\n"); nl >= 0 {
			text = text[nl+1:]
		} else {
			text = ""
		}
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	}

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
