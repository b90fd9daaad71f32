package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"kycbackend/internal/model"
	"kycbackend/internal/storage"
	"kycbackend/pkg/pagination"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// --- DTOs ---

type DocumentResponse struct {
	ID                string          `json:"id"`
	ApplicationID     string          `json:"application_id"`
	DocumentType      string          `json:"document_type"`
	FileName          string          `json:"file_name"`
	FileSize          int64           `json:"file_size"`
	MimeType          string          `json:"mime_type"`
	State             string          `json:"state"`
	OCRText           string          `json:"ocr_text,omitempty"`
	OCRConfidence     *float64        `json:"ocr_confidence,omitempty"`
	ExtractedEntities json.RawMessage `json:"extracted_entities,omitempty"`
	ValidationResults json.RawMessage `json:"validation_results,omitempty"`
	CreatedAt         string          `json:"created_at"`
}

type RiskScoreResponse struct {
	Score       float64         `json:"score"`
	Decision    string          `json:"decision"`
	Reasoning   string          `json:"reasoning"`
	RiskFactors json.RawMessage `json:"risk_factors,omitempty"`
	CreatedAt   string          `json:"created_at"`
}

// ApplicationResponse is the status projection served to polling clients:
// current stage, message and accumulated evidence.
type ApplicationResponse struct {
	ID                string             `json:"id"`
	UserID            string             `json:"user_id"`
	Status            string             `json:"status"`
	ProcessingStage   string             `json:"processing_stage"`
	ProcessingMessage string             `json:"processing_message"`
	SubmittedAt       *string            `json:"submitted_at,omitempty"`
	CreatedAt         string             `json:"created_at"`
	UpdatedAt         string             `json:"updated_at"`
	Documents         []DocumentResponse `json:"documents"`
	RiskScore         *RiskScoreResponse `json:"risk_score,omitempty"`
}

type UploadDocumentRequest struct {
	DocumentType string
	FileName     string
	MimeType     string
	Data         []byte
}

type ApplicationFilter struct {
	Status string
	Page   int
	Limit  int
}

// --- Interface ---

// Advancer triggers a pipeline run for an application. Implemented by the
// pipeline orchestrator.
type Advancer interface {
	Advance(ctx context.Context, applicationID uuid.UUID) error
}

type ApplicationService interface {
	CreateApplication(ctx context.Context, userID uuid.UUID) (ApplicationResponse, error)
	ListApplications(ctx context.Context, userID uuid.UUID, page, limit int) ([]ApplicationResponse, int64, error)
	GetApplication(ctx context.Context, id, userID uuid.UUID) (ApplicationResponse, error)
	UploadDocument(ctx context.Context, applicationID, userID uuid.UUID, req UploadDocumentRequest) (DocumentResponse, error)
	SubmitApplication(ctx context.Context, applicationID, userID uuid.UUID) (ApplicationResponse, error)
	GetDocument(ctx context.Context, documentID, userID uuid.UUID) (DocumentResponse, error)

	// Admin surface
	AdminListApplications(ctx context.Context, filter ApplicationFilter) ([]ApplicationResponse, int64, error)
	AdminGetApplication(ctx context.Context, id uuid.UUID) (ApplicationResponse, error)
	AdminDeleteApplication(ctx context.Context, id uuid.UUID, adminID uuid.UUID) error
}

var allowedMimeTypes = map[string]bool{
	"image/jpeg":      true,
	"image/jpg":       true,
	"image/png":       true,
	"application/pdf": true,
}

var allowedDocumentTypes = map[string]bool{
	model.DocTypeIDCard:         true,
	model.DocTypePassport:       true,
	model.DocTypeProofOfAddress: true,
	model.DocTypeBankStatement:  true,
	model.DocTypeOther:          true,
}

type applicationService struct {
	db       *gorm.DB
	store    storage.Storage
	advancer Advancer
}

func NewApplicationService(db *gorm.DB, store storage.Storage, advancer Advancer) ApplicationService {
	return &applicationService{db: db, store: store, advancer: advancer}
}

// --- Implementation ---

func (s *applicationService) CreateApplication(ctx context.Context, userID uuid.UUID) (ApplicationResponse, error) {
	app := model.Application{
		UserID:            userID,
		Status:            model.StatusPending,
		ProcessingStage:   model.StagePending,
		ProcessingMessage: model.StageMessage(model.StagePending),
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&app).Error; err != nil {
			return fmt.Errorf("failed to create application: %w", err)
		}
		audit := model.AuditLog{
			ApplicationID: app.ID,
			UserID:        &userID,
			Action:        model.ActionCreateApplication,
			Details:       "{}",
		}
		if err := tx.Create(&audit).Error; err != nil {
			return fmt.Errorf("failed to write audit log: %w", err)
		}
		return nil
	})
	if err != nil {
		return ApplicationResponse{}, err
	}
	return toApplicationResponse(app), nil
}

func (s *applicationService) ListApplications(ctx context.Context, userID uuid.UUID, page, limit int) ([]ApplicationResponse, int64, error) {
	var total int64
	if err := s.db.WithContext(ctx).Model(&model.Application{}).
		Where("user_id = ?", userID).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count applications: %w", err)
	}

	p := pagination.Normalize(page, limit)
	var apps []model.Application
	if err := s.db.WithContext(ctx).
		Preload("Documents").Preload("RiskScore").
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Offset(p.Offset).Limit(p.Limit).
		Find(&apps).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to fetch applications: %w", err)
	}

	result := make([]ApplicationResponse, 0, len(apps))
	for _, app := range apps {
		result = append(result, toApplicationResponse(app))
	}
	return result, total, nil
}

// GetApplication is the lock-free status projection read; it may trail the
// last completed transition, which polling clients tolerate.
func (s *applicationService) GetApplication(ctx context.Context, id, userID uuid.UUID) (ApplicationResponse, error) {
	var app model.Application
	err := s.db.WithContext(ctx).
		Preload("Documents").Preload("RiskScore").
		First(&app, "id = ? AND user_id = ?", id, userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ApplicationResponse{}, ErrApplicationNotFound
	}
	if err != nil {
		return ApplicationResponse{}, fmt.Errorf("failed to fetch application: %w", err)
	}
	return toApplicationResponse(app), nil
}

func (s *applicationService) UploadDocument(ctx context.Context, applicationID, userID uuid.UUID, req UploadDocumentRequest) (DocumentResponse, error) {
	if !allowedMimeTypes[req.MimeType] {
		return DocumentResponse{}, fmt.Errorf("%w: %s", ErrInvalidFileType, req.MimeType)
	}
	if !allowedDocumentTypes[req.DocumentType] {
		return DocumentResponse{}, fmt.Errorf("invalid document type %q", req.DocumentType)
	}

	var app model.Application
	err := s.db.WithContext(ctx).First(&app, "id = ? AND user_id = ?", applicationID, userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return DocumentResponse{}, ErrApplicationNotFound
	}
	if err != nil {
		return DocumentResponse{}, fmt.Errorf("failed to fetch application: %w", err)
	}
	if app.SubmittedAt != nil || app.Terminal() {
		return DocumentResponse{}, ErrApplicationSubmitted
	}

	path := fmt.Sprintf("applications/%s/%s%s", applicationID, uuid.NewString(), filepath.Ext(req.FileName))
	storedPath, err := s.store.Put(ctx, path, req.Data, req.MimeType)
	if err != nil {
		return DocumentResponse{}, fmt.Errorf("failed to store document: %w", err)
	}

	doc := model.Document{
		ApplicationID: applicationID,
		DocumentType:  req.DocumentType,
		FileName:      req.FileName,
		FilePath:      storedPath,
		FileSize:      int64(len(req.Data)),
		MimeType:      req.MimeType,
		State:         model.DocStatePending,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&doc).Error; err != nil {
			return fmt.Errorf("failed to create document: %w", err)
		}
		updates := map[string]interface{}{
			"status":             model.StatusProcessing,
			"processing_stage":   model.StageUploading,
			"processing_message": model.StageMessage(model.StageUploading),
		}
		if err := tx.Model(&model.Application{}).Where("id = ?", applicationID).Updates(updates).Error; err != nil {
			return fmt.Errorf("failed to update application stage: %w", err)
		}

		details, _ := json.Marshal(map[string]interface{}{
			"document_type": req.DocumentType,
			"file_name":     req.FileName,
			"file_size":     len(req.Data),
		})
		audit := model.AuditLog{
			ApplicationID: applicationID,
			UserID:        &userID,
			Action:        model.ActionUploadDocument,
			Details:       string(details),
		}
		return tx.Create(&audit).Error
	})
	if err != nil {
		return DocumentResponse{}, err
	}

	s.triggerAdvance(applicationID)
	return toDocumentResponse(doc), nil
}

func (s *applicationService) SubmitApplication(ctx context.Context, applicationID, userID uuid.UUID) (ApplicationResponse, error) {
	var app model.Application
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&app, "id = ? AND user_id = ?", applicationID, userID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrApplicationNotFound
			}
			return fmt.Errorf("failed to fetch application: %w", err)
		}
		if app.SubmittedAt != nil {
			return nil // idempotent
		}

		var docCount int64
		if err := tx.Model(&model.Document{}).Where("application_id = ?", applicationID).Count(&docCount).Error; err != nil {
			return fmt.Errorf("failed to count documents: %w", err)
		}
		if docCount == 0 {
			return ErrNoDocuments
		}

		now := time.Now()
		if err := tx.Model(&model.Application{}).Where("id = ?", applicationID).
			Update("submitted_at", &now).Error; err != nil {
			return fmt.Errorf("failed to submit application: %w", err)
		}
		app.SubmittedAt = &now

		audit := model.AuditLog{
			ApplicationID: applicationID,
			UserID:        &userID,
			Action:        model.ActionSubmitApplication,
			Details:       "{}",
		}
		return tx.Create(&audit).Error
	})
	if err != nil {
		return ApplicationResponse{}, err
	}

	s.triggerAdvance(applicationID)
	return s.GetApplication(ctx, applicationID, userID)
}

func (s *applicationService) GetDocument(ctx context.Context, documentID, userID uuid.UUID) (DocumentResponse, error) {
	var doc model.Document
	err := s.db.WithContext(ctx).
		Joins("JOIN applications ON applications.id = documents.application_id").
		Where("documents.id = ? AND applications.user_id = ?", documentID, userID).
		First(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return DocumentResponse{}, ErrDocumentNotFound
	}
	if err != nil {
		return DocumentResponse{}, fmt.Errorf("failed to fetch document: %w", err)
	}
	return toDocumentResponse(doc), nil
}

func (s *applicationService) AdminListApplications(ctx context.Context, filter ApplicationFilter) ([]ApplicationResponse, int64, error) {
	query := s.db.WithContext(ctx).Model(&model.Application{})
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count applications: %w", err)
	}

	p := pagination.Normalize(filter.Page, filter.Limit)
	fetch := s.db.WithContext(ctx).Preload("Documents").Preload("RiskScore")
	if filter.Status != "" {
		fetch = fetch.Where("status = ?", filter.Status)
	}

	var apps []model.Application
	if err := fetch.Order("created_at DESC").
		Offset(p.Offset).Limit(p.Limit).
		Find(&apps).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to fetch applications: %w", err)
	}

	result := make([]ApplicationResponse, 0, len(apps))
	for _, app := range apps {
		result = append(result, toApplicationResponse(app))
	}
	return result, total, nil
}

func (s *applicationService) AdminGetApplication(ctx context.Context, id uuid.UUID) (ApplicationResponse, error) {
	var app model.Application
	err := s.db.WithContext(ctx).
		Preload("Documents").Preload("RiskScore").
		First(&app, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ApplicationResponse{}, ErrApplicationNotFound
	}
	if err != nil {
		return ApplicationResponse{}, fmt.Errorf("failed to fetch application: %w", err)
	}
	return toApplicationResponse(app), nil
}

// AdminDeleteApplication removes the application with its documents and
// risk score. Audit entries are written before the delete and survive it.
func (s *applicationService) AdminDeleteApplication(ctx context.Context, id uuid.UUID, adminID uuid.UUID) error {
	var docs []model.Document

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var app model.Application
		if err := tx.First(&app, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrApplicationNotFound
			}
			return fmt.Errorf("failed to fetch application: %w", err)
		}
		if err := tx.Where("application_id = ?", id).Find(&docs).Error; err != nil {
			return fmt.Errorf("failed to list documents: %w", err)
		}

		audit := model.AuditLog{
			ApplicationID: id,
			UserID:        &adminID,
			Action:        model.ActionDeleteApplication,
			Details:       "{}",
		}
		if err := tx.Create(&audit).Error; err != nil {
			return fmt.Errorf("failed to write audit log: %w", err)
		}

		if err := tx.Where("application_id = ?", id).Delete(&model.Document{}).Error; err != nil {
			return fmt.Errorf("failed to delete documents: %w", err)
		}
		if err := tx.Where("application_id = ?", id).Delete(&model.RiskScore{}).Error; err != nil {
			return fmt.Errorf("failed to delete risk score: %w", err)
		}
		if err := tx.Delete(&model.Application{}, "id = ?", id).Error; err != nil {
			return fmt.Errorf("failed to delete application: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	// Blob cleanup is best effort — records are already gone.
	for _, doc := range docs {
		if err := s.store.Delete(ctx, doc.FilePath); err != nil {
			log.Printf("application: failed to delete blob %s: %v", doc.FilePath, err)
		}
	}
	return nil
}

// triggerAdvance kicks the pipeline without blocking the request. The
// periodic sweep covers the case where this goroutine dies early.
func (s *applicationService) triggerAdvance(applicationID uuid.UUID) {
	if s.advancer == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		if err := s.advancer.Advance(ctx, applicationID); err != nil {
			log.Printf("application: pipeline advance failed for %s: %v", applicationID, err)
		}
	}()
}

// --- Helpers ---

func toApplicationResponse(app model.Application) ApplicationResponse {
	resp := ApplicationResponse{
		ID:                app.ID.String(),
		UserID:            app.UserID.String(),
		Status:            app.Status,
		ProcessingStage:   app.ProcessingStage,
		ProcessingMessage: app.ProcessingMessage,
		CreatedAt:         app.CreatedAt.Format(time.RFC3339),
		UpdatedAt:         app.UpdatedAt.Format(time.RFC3339),
		Documents:         make([]DocumentResponse, 0, len(app.Documents)),
	}
	if app.SubmittedAt != nil {
		s := app.SubmittedAt.Format(time.RFC3339)
		resp.SubmittedAt = &s
	}
	for _, doc := range app.Documents {
		resp.Documents = append(resp.Documents, toDocumentResponse(doc))
	}
	if app.RiskScore != nil {
		resp.RiskScore = &RiskScoreResponse{
			Score:       app.RiskScore.Score,
			Decision:    app.RiskScore.Decision,
			Reasoning:   app.RiskScore.Reasoning,
			RiskFactors: rawJSON(app.RiskScore.RiskFactors),
			CreatedAt:   app.RiskScore.CreatedAt.Format(time.RFC3339),
		}
	}
	return resp
}

func toDocumentResponse(doc model.Document) DocumentResponse {
	return DocumentResponse{
		ID:                doc.ID.String(),
		ApplicationID:     doc.ApplicationID.String(),
		DocumentType:      doc.DocumentType,
		FileName:          doc.FileName,
		FileSize:          doc.FileSize,
		MimeType:          doc.MimeType,
		State:             doc.State,
		OCRText:           doc.OCRText,
		OCRConfidence:     doc.OCRConfidence,
		ExtractedEntities: rawJSON(doc.ExtractedEntities),
		ValidationResults: rawJSON(doc.ValidationResults),
		CreatedAt:         doc.CreatedAt.Format(time.RFC3339),
	}
}

func rawJSON(s string) json.RawMessage {
	if s == "" {
		return nil
	}
	return json.RawMessage(s)
}
