package extractor

import (
	"context"

	"kycbackend/internal/model"
)

// OCRResult is the output of one OCR engine call.
type OCRResult struct {
	Text       string    `json:"text"`
	Confidence float64   `json:"confidence"` // 0.0-1.0, averaged over lines
	Lines      []OCRLine `json:"lines,omitempty"`
}

// OCRLine is one recognized text line with its own confidence.
type OCRLine struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// OCRExtractor turns a document blob into text. Implementations call an
// external engine and must honor the context deadline; a timeout is a
// failure, never an indefinite block.
type OCRExtractor interface {
	Extract(ctx context.Context, data []byte, mimeType string) (*OCRResult, error)
}

// NERExtractor pulls identity fields out of OCR text.
type NERExtractor interface {
	Extract(ctx context.Context, text string) (*model.ExtractedEntitySet, error)
}
