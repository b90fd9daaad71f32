package risk

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"kycbackend/internal/validator"

	"github.com/agnivade/levenshtein"
	"github.com/shopspring/decimal"
)

// Factor names
const (
	FactorNameMismatch    = "name_mismatch"
	FactorDOBMismatch     = "dob_mismatch"
	FactorAddressMismatch = "address_mismatch"
	FactorLowOCR          = "low_ocr_confidence"
	FactorMissingDocs     = "missing_documents"
	FactorFraudSignals    = "fraud_signals"
)

// Decision thresholds (inclusive upper bounds)
const (
	ApprovedThreshold = 30.0
	ReviewThreshold   = 60.0
)

// neutralFraudScore substitutes for the validator signal when validation
// was unavailable after retries.
const neutralFraudScore = 50.0

// materialityThreshold: factors contributing fewer points than this are
// kept in the breakdown but left out of the rationale text.
const materialityThreshold = 2.0

// DefaultWeights as configured. They deliberately sum to more than 1.0;
// the engine renormalizes by the sum of the weights actually applied.
var DefaultWeights = map[string]float64{
	FactorNameMismatch:    0.25,
	FactorDOBMismatch:     0.20,
	FactorAddressMismatch: 0.15,
	FactorLowOCR:          0.20,
	FactorMissingDocs:     0.20,
	FactorFraudSignals:    0.30,
}

// DocumentInput is the per-document evidence consumed by the engine.
type DocumentInput struct {
	DocumentType  string
	Name          string
	DOB           string
	Address       string
	IDNumber      string
	OCRConfidence *float64 // nil when OCR never produced a confidence
	Failed        bool     // extraction failed for this document
}

// Factor is one scored risk component.
type Factor struct {
	Score        float64 `json:"score"`  // sub-score 0-100
	Weight       float64 `json:"weight"` // configured weight
	Contribution float64 `json:"contribution"` // points contributed to the final score
	Applied      bool    `json:"applied"`      // false when the factor was inapplicable
}

// Result is the engine output: total score, decision bucket and rationale.
type Result struct {
	Score     float64
	Decision  string
	Reasoning string
	Factors   map[string]Factor
}

// Engine computes risk scores from heterogeneous partial evidence. Pure —
// no persistence, no clock, no network.
type Engine struct {
	weights map[string]float64
}

func NewEngine() *Engine {
	return &Engine{weights: DefaultWeights}
}

// NewEngineWithWeights allows overriding individual factor weights.
func NewEngineWithWeights(weights map[string]float64) *Engine {
	merged := make(map[string]float64, len(DefaultWeights))
	for k, v := range DefaultWeights {
		merged[k] = v
	}
	for k, v := range weights {
		merged[k] = v
	}
	return &Engine{weights: merged}
}

// Score combines cross-field consistency, OCR quality, document
// completeness and the validator signal into a 0-100 risk score and a
// decision bucket. Inapplicable factors (for example mismatch checks with a
// single document) drop out of the weight normalization.
func (e *Engine) Score(docs []DocumentInput, signal *validator.Signal, requiredTypes []string) Result {
	subScores := map[string]subScore{
		FactorNameMismatch:    fieldMismatch(collect(docs, func(d DocumentInput) string { return d.Name }), similarityDistance),
		FactorDOBMismatch:     fieldMismatch(collect(docs, func(d DocumentInput) string { return d.DOB }), dateDistance),
		FactorAddressMismatch: fieldMismatch(collect(docs, func(d DocumentInput) string { return d.Address }), similarityDistance),
		FactorLowOCR:          ocrConfidenceRisk(docs),
		FactorMissingDocs:     missingDocumentsRisk(docs, requiredTypes),
		FactorFraudSignals:    fraudRisk(signal),
	}

	factors := make(map[string]Factor, len(subScores))
	weightedSum := 0.0
	appliedWeight := 0.0
	for name, sub := range subScores {
		w := e.weights[name]
		f := Factor{Score: sub.value, Weight: w, Applied: sub.applied}
		if sub.applied {
			weightedSum += sub.value * w
			appliedWeight += w
		}
		factors[name] = f
	}

	total := 0.0
	if appliedWeight > 0 {
		// The configured weights sum to more than 1.0, so divide by the
		// applied weight sum instead of trusting them to normalize.
		total = weightedSum / appliedWeight
	}

	// Distribute the normalized points back onto the factors so the
	// recorded contributions add up to the final score.
	for name, f := range factors {
		if f.Applied && appliedWeight > 0 {
			f.Contribution = round1(f.Score * f.Weight / appliedWeight)
		}
		factors[name] = f
	}

	score := clamp(round1(total), 0, 100)
	decision := decide(score)

	return Result{
		Score:     score,
		Decision:  decision,
		Reasoning: buildReasoning(score, decision, factors),
		Factors:   factors,
	}
}

func decide(score float64) string {
	switch {
	case score <= ApprovedThreshold:
		return "approved"
	case score <= ReviewThreshold:
		return "review"
	default:
		return "rejected"
	}
}

type subScore struct {
	value   float64
	applied bool
}

func collect(docs []DocumentInput, get func(DocumentInput) string) []string {
	var values []string
	for _, d := range docs {
		if v := strings.TrimSpace(get(d)); v != "" {
			values = append(values, v)
		}
	}
	return values
}

// fieldMismatch averages the pairwise distance between all extracted values
// of one field. Fewer than two values means nothing to compare — the factor
// is inapplicable.
func fieldMismatch(values []string, distance func(a, b string) float64) subScore {
	if len(values) < 2 {
		return subScore{applied: false}
	}

	total := 0.0
	pairs := 0
	for i := 0; i < len(values); i++ {
		for j := i + 1; j < len(values); j++ {
			total += distance(values[i], values[j])
			pairs++
		}
	}
	return subScore{value: clamp(total/float64(pairs)*100, 0, 100), applied: true}
}

// similarityDistance is the normalized Levenshtein distance, case-folded.
// 0 means identical, 1 maximally different.
func similarityDistance(a, b string) float64 {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	if a == b {
		return 0
	}
	longest := len([]rune(a))
	if l := len([]rune(b)); l > longest {
		longest = l
	}
	if longest == 0 {
		return 0
	}
	return float64(levenshtein.ComputeDistance(a, b)) / float64(longest)
}

var dateLayouts = []string{
	"02/01/2006", "01/02/2006", "2/1/2006", "1/2/2006",
	"2006-01-02", "2006/01/02", "02-01-2006", "01-02-2006",
	"2 January 2006", "January 2, 2006",
}

// dateDistance compares two date strings: equal after parsing (any known
// layout) means no mismatch even when the raw strings differ.
func dateDistance(a, b string) float64 {
	a = strings.TrimSpace(a)
	b = strings.TrimSpace(b)
	if a == b {
		return 0
	}
	ta, okA := parseDate(a)
	tb, okB := parseDate(b)
	if okA && okB && ta.Equal(tb) {
		return 0
	}
	return 1
}

func parseDate(s string) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// ocrConfidenceRisk inverts the average OCR confidence. Documents whose
// extraction failed count as zero confidence — the per-document failure
// penalty.
func ocrConfidenceRisk(docs []DocumentInput) subScore {
	if len(docs) == 0 {
		return subScore{value: 100, applied: true}
	}
	total := 0.0
	for _, d := range docs {
		if d.OCRConfidence != nil && !d.Failed {
			total += *d.OCRConfidence
		}
	}
	avg := total / float64(len(docs))
	return subScore{value: clamp((1-avg)*100, 0, 100), applied: true}
}

func missingDocumentsRisk(docs []DocumentInput, requiredTypes []string) subScore {
	if len(requiredTypes) == 0 {
		return subScore{applied: false}
	}
	present := make(map[string]bool, len(docs))
	for _, d := range docs {
		present[d.DocumentType] = true
	}
	missing := 0
	for _, t := range requiredTypes {
		if !present[t] {
			missing++
		}
	}
	return subScore{value: float64(missing) / float64(len(requiredTypes)) * 100, applied: true}
}

func fraudRisk(signal *validator.Signal) subScore {
	if signal == nil || signal.Unavailable {
		return subScore{value: neutralFraudScore, applied: true}
	}
	return subScore{value: clamp(signal.SuspicionScore, 0, 100), applied: true}
}

// buildReasoning renders one sentence per material factor, highest
// contribution first.
func buildReasoning(score float64, decision string, factors map[string]Factor) string {
	parts := []string{fmt.Sprintf("Risk score %.1f/100. Decision: %s.", score, strings.ToUpper(decision))}

	type named struct {
		name   string
		factor Factor
	}
	var material []named
	for name, f := range factors {
		if f.Applied && f.Contribution > materialityThreshold {
			material = append(material, named{name, f})
		}
	}
	sort.Slice(material, func(i, j int) bool {
		if material[i].factor.Contribution != material[j].factor.Contribution {
			return material[i].factor.Contribution > material[j].factor.Contribution
		}
		return material[i].name < material[j].name
	})

	for _, m := range material {
		parts = append(parts, fmt.Sprintf("%s: sub-score %.1f contributed %.1f points.",
			factorSentence(m.name), m.factor.Score, m.factor.Contribution))
	}
	return strings.Join(parts, " ")
}

func factorSentence(name string) string {
	switch name {
	case FactorNameMismatch:
		return "Names differ across documents"
	case FactorDOBMismatch:
		return "Dates of birth differ across documents"
	case FactorAddressMismatch:
		return "Addresses differ across documents"
	case FactorLowOCR:
		return "Low OCR confidence"
	case FactorMissingDocs:
		return "Required documents missing"
	case FactorFraudSignals:
		return "Validator reported suspicion"
	default:
		return name
	}
}

func round1(v float64) float64 {
	f, _ := decimal.NewFromFloat(v).Round(1).Float64()
	return f
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
