package risk

import (
	"encoding/json"

	"kycbackend/internal/model"
	"kycbackend/internal/validator"
)

// ApplicationScorer feeds persisted documents into the pure engine. It is
// the Scorer the pipeline orchestrator uses.
type ApplicationScorer struct {
	engine        *Engine
	requiredTypes []string
}

func NewApplicationScorer(engine *Engine, requiredTypes []string) *ApplicationScorer {
	return &ApplicationScorer{engine: engine, requiredTypes: requiredTypes}
}

func (s *ApplicationScorer) ScoreApplication(docs []model.Document, signal *validator.Signal) (float64, string, string, string) {
	inputs := make([]DocumentInput, 0, len(docs))
	for _, d := range docs {
		input := DocumentInput{
			DocumentType:  d.DocumentType,
			OCRConfidence: d.OCRConfidence,
			Failed:        d.State == model.DocStateFailed,
		}
		if d.ExtractedEntities != "" {
			var entities model.ExtractedEntitySet
			if err := json.Unmarshal([]byte(d.ExtractedEntities), &entities); err == nil {
				input.Name = entities.Name
				input.DOB = entities.DOB
				input.Address = entities.Address
				input.IDNumber = entities.IDNumber
			}
		}
		inputs = append(inputs, input)
	}

	result := s.engine.Score(inputs, signal, s.requiredTypes)
	factorsJSON, _ := json.Marshal(result.Factors)
	return result.Score, result.Decision, result.Reasoning, string(factorsJSON)
}
