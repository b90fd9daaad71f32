package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"kycbackend/internal/model"
	"kycbackend/internal/workflow"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// FinalizeResult reports the outcome of a finalize call.
type FinalizeResult struct {
	ApplicationID string `json:"application_id"`
	Status        string `json:"status"`
	// Duplicate marks an idempotent repeat of an identical finalize — no
	// state change, no extra audit entry.
	Duplicate bool `json:"duplicate,omitempty"`
}

// DecisionService turns risk scores into terminal application states and
// owns the idempotent finalize boundary used by the workflow-automation
// callbacks and the admin surface.
type DecisionService interface {
	// Dispatch applies the persisted score when the pipeline enters the
	// workflow stage. Safe to repeat: re-running it on a parked or
	// terminal application changes nothing and sends nothing.
	Dispatch(ctx context.Context, applicationID uuid.UUID) error
	FinalizeApprove(ctx context.Context, applicationID uuid.UUID, actorID *uuid.UUID) (FinalizeResult, error)
	FinalizeReject(ctx context.Context, applicationID uuid.UUID, actorID *uuid.UUID, reason string) (FinalizeResult, error)
}

// StatusBroadcaster pushes status changes to connected clients. Optional.
type StatusBroadcaster interface {
	BroadcastStatus(applicationID uuid.UUID, status, stage, message string)
}

type decisionService struct {
	db                 *gorm.DB
	notifier           workflow.Notifier
	hub                StatusBroadcaster
	notifyAllDecisions bool
}

func NewDecisionService(db *gorm.DB, notifier workflow.Notifier, hub StatusBroadcaster, notifyAllDecisions bool) DecisionService {
	return &decisionService{db: db, notifier: notifier, hub: hub, notifyAllDecisions: notifyAllDecisions}
}

// Dispatch applies the score's decision. All three decision values reach a
// terminal state and a completion signal — approved and rejected finalize
// immediately, review parks the application for the external workflow or an
// admin to finalize through the callback endpoints.
func (s *decisionService) Dispatch(ctx context.Context, applicationID uuid.UUID) error {
	var app model.Application
	var score model.RiskScore
	var applied bool
	var alreadyNotified bool

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockForUpdate(tx).First(&app, "id = ?", applicationID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrApplicationNotFound
			}
			return fmt.Errorf("failed to load application: %w", err)
		}
		if err := tx.First(&score, "application_id = ?", applicationID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNoRiskScore
			}
			return fmt.Errorf("failed to load risk score: %w", err)
		}
		// A terminal or parked application already had its dispatch
		// committed; repeating it changes nothing.
		if app.Terminal() || app.Status == model.StatusReview {
			return nil
		}

		var status, action string
		switch score.Decision {
		case model.DecisionApproved:
			status = model.StatusApproved
			action = model.ActionAutoApprove
		case model.DecisionRejected:
			status = model.StatusRejected
			action = model.ActionAutoReject
		case model.DecisionReview:
			status = model.StatusReview
			action = ""
		default:
			return fmt.Errorf("unknown decision %q", score.Decision)
		}

		updates := map[string]interface{}{
			"status":             status,
			"processing_stage":   model.StageCompleted,
			"processing_message": model.StageMessage(model.StageCompleted),
		}
		if err := tx.Model(&model.Application{}).Where("id = ?", app.ID).Updates(updates).Error; err != nil {
			return fmt.Errorf("failed to update application status: %w", err)
		}
		app.Status = status
		app.ProcessingStage = model.StageCompleted

		if action != "" {
			details, _ := json.Marshal(map[string]interface{}{
				"decision":   score.Decision,
				"risk_score": score.Score,
				"source":     "pipeline",
			})
			audit := model.AuditLog{
				ApplicationID: app.ID,
				Action:        action,
				Details:       string(details),
			}
			if err := tx.Create(&audit).Error; err != nil {
				return fmt.Errorf("failed to write audit log: %w", err)
			}
		}

		// A retried dispatch must not repeat a notification an earlier
		// attempt already recorded.
		var notified int64
		if err := tx.Model(&model.AuditLog{}).
			Where("application_id = ? AND action = ?", app.ID, model.ActionWorkflowNotified).
			Count(&notified).Error; err != nil {
			return fmt.Errorf("failed to check notification record: %w", err)
		}
		alreadyNotified = notified > 0
		applied = true
		return nil
	})
	if err != nil || !applied {
		return err
	}

	if s.hub != nil {
		s.hub.BroadcastStatus(app.ID, app.Status, model.StageCompleted, model.StageMessage(model.StageCompleted))
	}

	// One outbound attempt after the state is committed; delivery
	// assurance is the external system's job, failure is only logged.
	if !alreadyNotified && s.shouldNotify(score.Decision) {
		s.notify(ctx, app.ID, score)
	}
	return nil
}

func (s *decisionService) shouldNotify(decision string) bool {
	if s.notifier == nil || !s.notifier.Configured() {
		return false
	}
	return decision == model.DecisionReview || s.notifyAllDecisions
}

func (s *decisionService) notify(ctx context.Context, applicationID uuid.UUID, score model.RiskScore) {
	notification := workflow.DecisionNotification{
		ApplicationID: applicationID.String(),
		RiskScore:     score.Score,
		Decision:      score.Decision,
		Reasoning:     score.Reasoning,
	}
	if score.RiskFactors != "" {
		notification.RiskFactors = json.RawMessage(score.RiskFactors)
	}

	err := s.notifier.Notify(ctx, notification)
	if err != nil {
		log.Printf("decision: workflow notification failed for application %s: %v", applicationID, err)
	}

	details, _ := json.Marshal(map[string]interface{}{
		"decision":  score.Decision,
		"delivered": err == nil,
	})
	audit := model.AuditLog{
		ApplicationID: applicationID,
		Action:        model.ActionWorkflowNotified,
		Details:       string(details),
	}
	if auditErr := s.db.WithContext(ctx).Create(&audit).Error; auditErr != nil {
		log.Printf("decision: failed to write notification audit log: %v", auditErr)
	}
}

func (s *decisionService) FinalizeApprove(ctx context.Context, applicationID uuid.UUID, actorID *uuid.UUID) (FinalizeResult, error) {
	return s.finalize(ctx, applicationID, actorID, model.StatusApproved, "")
}

func (s *decisionService) FinalizeReject(ctx context.Context, applicationID uuid.UUID, actorID *uuid.UUID, reason string) (FinalizeResult, error) {
	return s.finalize(ctx, applicationID, actorID, model.StatusRejected, reason)
}

// finalize is idempotent: repeating the same outcome on a terminal
// application is a no-op success, a conflicting outcome is an error and
// changes nothing.
func (s *decisionService) finalize(ctx context.Context, applicationID uuid.UUID, actorID *uuid.UUID, target, reason string) (FinalizeResult, error) {
	var result FinalizeResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var app model.Application
		if err := lockForUpdate(tx).First(&app, "id = ?", applicationID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrApplicationNotFound
			}
			return fmt.Errorf("failed to load application: %w", err)
		}

		if app.Status == target {
			result = FinalizeResult{ApplicationID: app.ID.String(), Status: app.Status, Duplicate: true}
			return nil
		}
		if app.Terminal() {
			return ErrDecisionConflict
		}

		updates := map[string]interface{}{
			"status":             target,
			"processing_stage":   model.StageCompleted,
			"processing_message": model.StageMessage(model.StageCompleted),
		}
		if err := tx.Model(&model.Application{}).Where("id = ?", app.ID).Updates(updates).Error; err != nil {
			return fmt.Errorf("failed to finalize application: %w", err)
		}

		action := model.ActionAutoApprove
		source := "automated_workflow"
		if actorID != nil {
			source = "admin"
			action = model.ActionManualApprove
		}
		if target == model.StatusRejected {
			action = model.ActionAutoReject
			if actorID != nil {
				action = model.ActionManualReject
			}
		}

		detailsMap := map[string]interface{}{"source": source}
		if reason != "" {
			detailsMap["reason"] = reason
		}
		details, _ := json.Marshal(detailsMap)
		audit := model.AuditLog{
			ApplicationID: app.ID,
			UserID:        actorID,
			Action:        action,
			Details:       string(details),
		}
		if err := tx.Create(&audit).Error; err != nil {
			return fmt.Errorf("failed to write audit log: %w", err)
		}

		result = FinalizeResult{ApplicationID: app.ID.String(), Status: target}
		return nil
	})
	if err != nil {
		return FinalizeResult{}, err
	}

	if !result.Duplicate && s.hub != nil {
		s.hub.BroadcastStatus(applicationID, target, model.StageCompleted, model.StageMessage(model.StageCompleted))
	}
	return result, nil
}

// lockForUpdate adds a row lock on dialects that support it.
func lockForUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "postgres" {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx
}
