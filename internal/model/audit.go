package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	ActionCreateApplication = "CREATE_APPLICATION"
	ActionUploadDocument    = "UPLOAD_DOCUMENT"
	ActionSubmitApplication = "SUBMIT_APPLICATION"
	ActionRiskScored        = "RISK_SCORED"
	ActionAutoApprove       = "AUTO_APPROVE"
	ActionAutoReject        = "AUTO_REJECT"
	ActionManualApprove     = "MANUAL_APPROVE"
	ActionManualReject      = "MANUAL_REJECT"
	ActionWorkflowNotified  = "WORKFLOW_NOTIFIED"
	ActionDeleteApplication = "DELETE_APPLICATION"
)

// AuditLog tracks who did what to an application and when. Entries are
// append-only and reference applications by id without an owning foreign
// key, so the trail survives pipeline-side deletes.
type AuditLog struct {
	ID            uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	ApplicationID uuid.UUID  `gorm:"type:uuid;not null;index" json:"application_id"`
	UserID        *uuid.UUID `gorm:"type:uuid;index" json:"user_id"` // nil for system/pipeline actions
	User          *User      `gorm:"foreignKey:UserID" json:"user,omitempty"`
	Action        string     `gorm:"type:varchar(50);not null;index" json:"action"`
	Details       string     `gorm:"type:jsonb" json:"details"` // serialized JSON payload of the action
	CreatedAt     time.Time  `gorm:"index" json:"created_at"`
}

func (l *AuditLog) BeforeCreate(tx *gorm.DB) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	return nil
}
