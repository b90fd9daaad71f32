package service

import (
	"context"
	"encoding/json"

	"kycbackend/internal/model"
	"kycbackend/pkg/pagination"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type AuditLogResponse struct {
	ID            string          `json:"id"`
	ApplicationID string          `json:"application_id"`
	UserID        string          `json:"user_id,omitempty"`
	Username      string          `json:"username"`
	Action        string          `json:"action"`
	Details       json.RawMessage `json:"details,omitempty"`
	CreatedAt     string          `json:"created_at"`
}

type AuditService interface {
	GetApplicationAuditLogs(ctx context.Context, applicationID uuid.UUID, page, limit int) ([]AuditLogResponse, int64, error)
}

type auditService struct {
	db *gorm.DB
}

// NewAuditService creates a new AuditService instance
func NewAuditService(db *gorm.DB) AuditService {
	return &auditService{db: db}
}

// GetApplicationAuditLogs returns the application's trail, newest first,
// with acting users pre-loaded.
func (s *auditService) GetApplicationAuditLogs(ctx context.Context, applicationID uuid.UUID, page, limit int) ([]AuditLogResponse, int64, error) {
	var logs []model.AuditLog
	var total int64

	if err := s.db.WithContext(ctx).Model(&model.AuditLog{}).
		Where("application_id = ?", applicationID).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	p := pagination.Normalize(page, limit)
	if err := s.db.WithContext(ctx).Preload("User").
		Where("application_id = ?", applicationID).
		Order("created_at desc").Offset(p.Offset).Limit(p.Limit).
		Find(&logs).Error; err != nil {
		return nil, 0, err
	}

	res := make([]AuditLogResponse, 0, len(logs))
	for _, l := range logs {
		username := "System"
		userID := ""
		if l.User != nil {
			username = l.User.Username
		}
		if l.UserID != nil {
			userID = l.UserID.String()
		}

		res = append(res, AuditLogResponse{
			ID:            l.ID.String(),
			ApplicationID: l.ApplicationID.String(),
			UserID:        userID,
			Username:      username,
			Action:        l.Action,
			Details:       rawJSON(l.Details),
			CreatedAt:     l.CreatedAt.Format("2006-01-02 15:04:05"),
		})
	}

	return res, total, nil
}
