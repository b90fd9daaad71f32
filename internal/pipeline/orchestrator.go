package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"kycbackend/internal/extractor"
	"kycbackend/internal/model"
	"kycbackend/internal/storage"
	"kycbackend/internal/validator"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DecisionDispatcher turns a persisted risk score into a terminal
// application state. Implemented by the decision service.
type DecisionDispatcher interface {
	Dispatch(ctx context.Context, applicationID uuid.UUID) error
}

// StatusBroadcaster pushes stage transitions to connected clients. Optional.
type StatusBroadcaster interface {
	BroadcastStatus(applicationID uuid.UUID, status, stage, message string)
}

// Scorer computes the risk score for an application's evidence. Implemented
// by the risk engine through the scoring adapter below.
type Scorer interface {
	ScoreApplication(docs []model.Document, signal *validator.Signal) (score float64, decision, reasoning, factorsJSON string)
}

const (
	validatorMaxRetries = 2 // 3 attempts total
	// documents claimed longer than this are considered abandoned by a
	// crashed worker and get reclaimed on the next advance
	staleClaimAfter = 5 * time.Minute
)

// Orchestrator drives applications through the processing stages. Progress
// is persisted on the application row; Advance is idempotent and safe to
// call concurrently — stage transitions are serialized by a row lock held
// only for the transition itself, never across extractor or validator
// calls.
type Orchestrator struct {
	db         *gorm.DB
	store      storage.Storage
	ocr        extractor.OCRExtractor
	ner        extractor.NERExtractor
	validator  validator.Validator
	dispatcher DecisionDispatcher
	scorer     Scorer
	hub        StatusBroadcaster

	ocrTimeout time.Duration
	llmTimeout time.Duration
}

func NewOrchestrator(
	db *gorm.DB,
	store storage.Storage,
	ocr extractor.OCRExtractor,
	ner extractor.NERExtractor,
	val validator.Validator,
	dispatcher DecisionDispatcher,
	scorer Scorer,
	hub StatusBroadcaster,
	ocrTimeout, llmTimeout time.Duration,
) *Orchestrator {
	if ocrTimeout <= 0 {
		ocrTimeout = 60 * time.Second
	}
	if llmTimeout <= 0 {
		llmTimeout = 30 * time.Second
	}
	return &Orchestrator{
		db:         db,
		store:      store,
		ocr:        ocr,
		ner:        ner,
		validator:  val,
		dispatcher: dispatcher,
		scorer:     scorer,
		hub:        hub,
		ocrTimeout: ocrTimeout,
		llmTimeout: llmTimeout,
	}
}

type stepKind int

const (
	stepNone stepKind = iota
	stepExtract
	stepValidate
	stepScore
	stepDispatch
)

type step struct {
	kind stepKind
	app  model.Application
	docs []model.Document // claimed documents for stepExtract
}

// Advance moves the application forward until no further step can run.
// Extraction and validation failures are absorbed into scoring penalties,
// never returned; only infrastructure errors (DB down) surface.
func (o *Orchestrator) Advance(ctx context.Context, applicationID uuid.UUID) error {
	for {
		next, err := o.nextStep(ctx, applicationID)
		if err != nil {
			return err
		}
		if next.kind == stepNone {
			return nil
		}

		switch next.kind {
		case stepExtract:
			o.runExtraction(ctx, next)
		case stepValidate:
			o.runValidation(ctx, next)
		case stepScore:
			if err := o.runScoring(ctx, next); err != nil {
				return err
			}
		case stepDispatch:
			// Dispatch is the last step; the dispatcher commits the
			// terminal state itself, so there is nothing left to loop for.
			if err := o.dispatcher.Dispatch(ctx, applicationID); err != nil {
				log.Printf("pipeline: dispatch failed for application %s: %v", applicationID, err)
				return err
			}
			return nil
		}
	}
}

// nextStep decides, under a row lock, what the pipeline should do next and
// records the stage transition before the lock is released. Claiming work
// inside the locked transaction is what keeps concurrent Advance calls for
// the same application from double-running a step.
func (o *Orchestrator) nextStep(ctx context.Context, applicationID uuid.UUID) (step, error) {
	var result step
	err := o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var app model.Application
		if err := lockForUpdate(tx).First(&app, "id = ?", applicationID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return fmt.Errorf("failed to load application: %w", err)
		}

		if app.Terminal() || app.ProcessingStage == model.StageCompleted {
			return nil
		}

		var docs []model.Document
		if err := tx.Where("application_id = ?", app.ID).Order("created_at asc").Find(&docs).Error; err != nil {
			return fmt.Errorf("failed to load documents: %w", err)
		}

		// Empty applications stall in pending — scoring without evidence
		// is meaningless.
		if len(docs) == 0 {
			return nil
		}

		// Claim fresh documents plus any claim abandoned by a dead worker.
		var claimed []model.Document
		inFlight := false
		cutoff := time.Now().Add(-staleClaimAfter)
		for _, d := range docs {
			switch d.State {
			case model.DocStatePending:
				claimed = append(claimed, d)
			case model.DocStateProcessing:
				if d.UpdatedAt.Before(cutoff) {
					claimed = append(claimed, d)
				} else {
					inFlight = true
				}
			}
		}

		if len(claimed) > 0 {
			ids := make([]uuid.UUID, 0, len(claimed))
			for _, d := range claimed {
				ids = append(ids, d.ID)
			}
			if err := tx.Model(&model.Document{}).Where("id IN ?", ids).
				Update("state", model.DocStateProcessing).Error; err != nil {
				return fmt.Errorf("failed to claim documents: %w", err)
			}
			if err := o.setStageTx(tx, &app, model.StageOCR); err != nil {
				return err
			}
			result = step{kind: stepExtract, app: app, docs: claimed}
			return nil
		}

		// Another worker owns in-flight documents; its Advance loop will
		// carry the application forward.
		if inFlight {
			return nil
		}

		// All documents extracted (or failed). Cross-document validation
		// and scoring wait for the caller's explicit "no more documents".
		if app.SubmittedAt == nil {
			if err := o.setStageMessageTx(tx, &app, model.StageNER, "Waiting for application submission"); err != nil {
				return err
			}
			return nil
		}

		if app.ValidationSignal == "" {
			if err := o.setStageTx(tx, &app, model.StageLLM); err != nil {
				return err
			}
			result = step{kind: stepValidate, app: app, docs: docs}
			return nil
		}

		var count int64
		if err := tx.Model(&model.RiskScore{}).Where("application_id = ?", app.ID).Count(&count).Error; err != nil {
			return fmt.Errorf("failed to check risk score: %w", err)
		}
		if count == 0 {
			if err := o.setStageTx(tx, &app, model.StageRiskScoring); err != nil {
				return err
			}
			result = step{kind: stepScore, app: app, docs: docs}
			return nil
		}

		// Dispatch is claimed by the risk_scoring -> workflow transition.
		// An application found at workflow but still processing lost its
		// dispatch to a crash between that transition and the dispatcher's
		// commit; hand the step out again. The dispatcher keeps the
		// outbound notification at-most-once on its own.
		if app.ProcessingStage != model.StageWorkflow {
			if err := o.setStageTx(tx, &app, model.StageWorkflow); err != nil {
				return err
			}
			result = step{kind: stepDispatch, app: app}
			return nil
		}
		if app.Status != model.StatusReview {
			result = step{kind: stepDispatch, app: app}
		}
		return nil
	})
	return result, err
}

// runExtraction executes OCR and NER for the claimed documents. Per-document
// failures are recorded as diagnostics on the document and never abort the
// application.
func (o *Orchestrator) runExtraction(ctx context.Context, s step) {
	for _, doc := range s.docs {
		o.extractDocument(ctx, doc)
	}
	o.setStage(ctx, s.app.ID, model.StageNER)
}

func (o *Orchestrator) extractDocument(ctx context.Context, doc model.Document) {
	data, err := o.store.Get(ctx, doc.FilePath)
	if err != nil {
		o.failDocument(ctx, doc, "storage", err)
		return
	}

	ocrCtx, cancel := context.WithTimeout(ctx, o.ocrTimeout)
	ocrResult, err := o.ocr.Extract(ocrCtx, data, doc.MimeType)
	cancel()
	if err != nil {
		o.failDocument(ctx, doc, "ocr", err)
		return
	}

	entities, err := o.ner.Extract(ctx, ocrResult.Text)
	if err != nil {
		// Keep the OCR output; the document still contributes its
		// confidence even when field extraction failed.
		entities = &model.ExtractedEntitySet{}
		log.Printf("pipeline: NER failed for document %s: %v", doc.ID, err)
	}

	entitiesJSON, _ := json.Marshal(entities)
	confidence := ocrResult.Confidence
	updates := map[string]interface{}{
		"state":              model.DocStateProcessed,
		"ocr_text":           ocrResult.Text,
		"ocr_confidence":     &confidence,
		"extracted_entities": string(entitiesJSON),
	}
	if err := o.db.WithContext(ctx).Model(&model.Document{}).Where("id = ?", doc.ID).Updates(updates).Error; err != nil {
		log.Printf("pipeline: failed to persist extraction for document %s: %v", doc.ID, err)
	}
}

func (o *Orchestrator) failDocument(ctx context.Context, doc model.Document, stage string, cause error) {
	log.Printf("pipeline: %s failed for document %s: %v", stage, doc.ID, cause)
	diag, _ := json.Marshal(map[string]interface{}{
		"processing_failed": true,
		"failed_stage":      stage,
		"error":             cause.Error(),
	})
	updates := map[string]interface{}{
		"state":              model.DocStateFailed,
		"validation_results": string(diag),
	}
	if err := o.db.WithContext(ctx).Model(&model.Document{}).Where("id = ?", doc.ID).Updates(updates).Error; err != nil {
		log.Printf("pipeline: failed to persist failure for document %s: %v", doc.ID, err)
	}
}

// runValidation performs the single batched cross-document call with a
// bounded retry budget. Exhaustion degrades to a persisted "validation
// unavailable" signal so the application never hangs mid-pipeline.
func (o *Orchestrator) runValidation(ctx context.Context, s step) {
	evidence := make([]validator.DocumentEvidence, 0, len(s.docs))
	for _, d := range s.docs {
		if d.State != model.DocStateProcessed {
			continue
		}
		var entities model.ExtractedEntitySet
		if d.ExtractedEntities != "" {
			_ = json.Unmarshal([]byte(d.ExtractedEntities), &entities)
		}
		confidence := 0.0
		if d.OCRConfidence != nil {
			confidence = *d.OCRConfidence
		}
		evidence = append(evidence, validator.DocumentEvidence{
			DocumentType:  d.DocumentType,
			Entities:      entities,
			OCRConfidence: confidence,
		})
	}

	var signal *validator.Signal
	if len(evidence) == 0 {
		signal = validator.UnavailableSignal("no documents produced extractable evidence")
	} else {
		signal = o.validateWithRetry(ctx, evidence)
	}

	payload, _ := json.Marshal(signal)
	if err := o.db.WithContext(ctx).Model(&model.Application{}).Where("id = ?", s.app.ID).
		Update("validation_signal", string(payload)).Error; err != nil {
		log.Printf("pipeline: failed to persist validation signal for application %s: %v", s.app.ID, err)
	}
}

func (o *Orchestrator) validateWithRetry(ctx context.Context, evidence []validator.DocumentEvidence) *validator.Signal {
	var signal *validator.Signal
	attempt := 0

	op := func() error {
		attempt++
		callCtx, cancel := context.WithTimeout(ctx, o.llmTimeout)
		defer cancel()

		result, err := o.validator.Validate(callCtx, evidence)
		if err != nil {
			log.Printf("pipeline: validator attempt %d failed: %v", attempt, err)
			return err
		}
		signal = result
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), validatorMaxRetries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return validator.UnavailableSignal(fmt.Sprintf("validation unavailable after %d attempts: %v", attempt, err))
	}
	return signal
}

// runScoring computes and persists the risk score exactly once. The unique
// index on application_id backs up the in-transaction existence check.
func (o *Orchestrator) runScoring(ctx context.Context, s step) error {
	var signal validator.Signal
	if s.app.ValidationSignal != "" {
		_ = json.Unmarshal([]byte(s.app.ValidationSignal), &signal)
	}

	score, decision, reasoning, factorsJSON := o.scorer.ScoreApplication(s.docs, &signal)

	return o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&model.RiskScore{}).Where("application_id = ?", s.app.ID).Count(&count).Error; err != nil {
			return fmt.Errorf("failed to check risk score: %w", err)
		}
		if count > 0 {
			return nil
		}

		riskScore := model.RiskScore{
			ApplicationID: s.app.ID,
			Score:         score,
			Decision:      decision,
			Reasoning:     reasoning,
			RiskFactors:   factorsJSON,
		}
		if err := tx.Create(&riskScore).Error; err != nil {
			return fmt.Errorf("failed to create risk score: %w", err)
		}

		details, _ := json.Marshal(map[string]interface{}{
			"score":    score,
			"decision": decision,
		})
		audit := model.AuditLog{
			ApplicationID: s.app.ID,
			Action:        model.ActionRiskScored,
			Details:       string(details),
		}
		if err := tx.Create(&audit).Error; err != nil {
			return fmt.Errorf("failed to write audit log: %w", err)
		}
		return nil
	})
}

var stageRank = map[string]int{
	model.StagePending:     0,
	model.StageUploading:   1,
	model.StageOCR:         2,
	model.StageNER:         3,
	model.StageLLM:         4,
	model.StageRiskScoring: 5,
	model.StageWorkflow:    6,
	model.StageCompleted:   7,
}

func (o *Orchestrator) setStageTx(tx *gorm.DB, app *model.Application, stage string) error {
	return o.setStageMessageTx(tx, app, stage, model.StageMessage(stage))
}

func (o *Orchestrator) setStageMessageTx(tx *gorm.DB, app *model.Application, stage, message string) error {
	// A new document batch may pull the observable stage back to ocr, but
	// never once scoring started.
	if stageRank[app.ProcessingStage] >= stageRank[model.StageRiskScoring] &&
		stageRank[stage] < stageRank[app.ProcessingStage] {
		return nil
	}
	updates := map[string]interface{}{
		"processing_stage":   stage,
		"processing_message": message,
		"status":             model.StatusProcessing,
	}
	if err := tx.Model(&model.Application{}).Where("id = ?", app.ID).Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to set stage %s: %w", stage, err)
	}
	app.ProcessingStage = stage
	app.ProcessingMessage = message
	app.Status = model.StatusProcessing
	if o.hub != nil {
		o.hub.BroadcastStatus(app.ID, model.StatusProcessing, stage, message)
	}
	return nil
}

func (o *Orchestrator) setStage(ctx context.Context, applicationID uuid.UUID, stage string) {
	err := o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var app model.Application
		if err := lockForUpdate(tx).First(&app, "id = ?", applicationID).Error; err != nil {
			return err
		}
		if app.Terminal() || stageRank[app.ProcessingStage] >= stageRank[stage] {
			return nil
		}
		return o.setStageTx(tx, &app, stage)
	})
	if err != nil {
		log.Printf("pipeline: failed to update stage for application %s: %v", applicationID, err)
	}
}

// lockForUpdate adds a row lock on dialects that support it. The sqlite
// driver used in tests has no FOR UPDATE; single-process tests do not need
// it.
func lockForUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "postgres" {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx
}
