package validator

import (
	"context"

	"kycbackend/internal/model"
)

// DocumentEvidence is the per-document input to cross-document validation.
type DocumentEvidence struct {
	DocumentType  string
	Entities      model.ExtractedEntitySet
	OCRConfidence float64
}

// Signal is the structured fraud/inconsistency output of one batched
// validation call over all of an application's documents.
type Signal struct {
	// SuspicionScore is 0-100; 0 means fully consistent.
	SuspicionScore float64           `json:"suspicion_score"`
	Validated      bool              `json:"validated"`
	Reasoning      string            `json:"reasoning"`
	FraudSignals   []string          `json:"fraud_signals"`
	Mismatches     map[string]string `json:"mismatches"`
	// Unavailable marks the neutral substitute recorded after retry
	// exhaustion; the scoring engine applies a fixed neutral sub-score.
	Unavailable bool `json:"unavailable,omitempty"`
}

// UnavailableSignal is persisted when validation could not be obtained
// within the retry budget. The pipeline proceeds to scoring instead of
// blocking.
func UnavailableSignal(reason string) *Signal {
	return &Signal{
		Validated:   false,
		Reasoning:   reason,
		Unavailable: true,
	}
}

// Validator runs one batched cross-document consistency check.
type Validator interface {
	Validate(ctx context.Context, docs []DocumentEvidence) (*Signal, error)
}
