package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// DocumentType enum constants
const (
	DocTypeIDCard         = "id_card"
	DocTypePassport       = "passport"
	DocTypeProofOfAddress = "proof_of_address"
	DocTypeBankStatement  = "bank_statement"
	DocTypeOther          = "other"
)

// ApplicationStatus enum constants
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusApproved   = "approved"
	StatusReview     = "review"
	StatusRejected   = "rejected"
)

// ProcessingStage enum constants. Stages are monotonic per application:
// pending -> uploading -> ocr -> ner -> llm -> risk_scoring -> workflow -> completed
const (
	StagePending     = "pending"
	StageUploading   = "uploading"
	StageOCR         = "ocr"
	StageNER         = "ner"
	StageLLM         = "llm"
	StageRiskScoring = "risk_scoring"
	StageWorkflow    = "workflow"
	StageCompleted   = "completed"
	StageUnknown     = "unknown"
)

// Decision enum constants (risk score buckets)
const (
	DecisionApproved = "approved"
	DecisionReview   = "review"
	DecisionRejected = "rejected"
)

// DocumentState enum constants — per-document extraction progress
const (
	DocStatePending    = "pending"
	DocStateProcessing = "processing"
	DocStateProcessed  = "processed"
	DocStateFailed     = "failed"
)

// Application represents one KYC request owned by a user. Status is derived
// from the pipeline stage and the risk score decision; it is never set to a
// terminal value without a finalized RiskScore or an audited manual override.
type Application struct {
	ID                uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	UserID            uuid.UUID  `gorm:"type:uuid;not null;index" json:"user_id"`
	User              *User      `gorm:"foreignKey:UserID" json:"-"`
	Status            string     `gorm:"type:varchar(20);not null;default:'pending';index" json:"status"`
	ProcessingStage   string     `gorm:"type:varchar(20);not null;default:'pending'" json:"processing_stage"`
	ProcessingMessage string     `gorm:"type:varchar(255)" json:"processing_message"`
	SubmittedAt       *time.Time `json:"submitted_at"` // caller declared "no more documents"
	ValidationSignal  string     `gorm:"type:jsonb" json:"validation_signal,omitempty"` // persisted cross-document validator output
	CreatedAt         time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt         time.Time  `gorm:"autoUpdateTime" json:"updated_at"`

	Documents []Document `gorm:"foreignKey:ApplicationID;constraint:OnDelete:CASCADE" json:"documents"`
	RiskScore *RiskScore `gorm:"foreignKey:ApplicationID;constraint:OnDelete:CASCADE" json:"risk_score,omitempty"`
}

// Terminal reports whether the application reached a final decision state.
func (a *Application) Terminal() bool {
	return a.Status == StatusApproved || a.Status == StatusRejected
}

func (a *Application) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}

// Document is one uploaded file belonging to exactly one application.
// The extractor stage is the only writer of OCR/NER columns; a document is
// never mutated after its pipeline run completes.
type Document struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	ApplicationID uuid.UUID `gorm:"type:uuid;not null;index" json:"application_id"`
	DocumentType  string    `gorm:"type:varchar(30);not null" json:"document_type"`
	FileName      string    `gorm:"type:varchar(255);not null" json:"file_name"`
	FilePath      string    `gorm:"type:varchar(512);not null" json:"file_path"` // opaque storage reference
	FileSize      int64     `gorm:"not null" json:"file_size"`
	MimeType      string    `gorm:"type:varchar(100);not null" json:"mime_type"`

	State             string   `gorm:"type:varchar(20);not null;default:'pending';index" json:"state"`
	OCRText           string   `gorm:"type:text" json:"ocr_text,omitempty"`
	OCRConfidence     *float64 `json:"ocr_confidence,omitempty"` // 0.0-1.0, nil until OCR ran
	ExtractedEntities string   `gorm:"type:jsonb" json:"extracted_entities,omitempty"` // {name, dob, address, id_number}
	ValidationResults string   `gorm:"type:jsonb" json:"validation_results,omitempty"` // diagnostic blob, incl. per-document failures

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (d *Document) BeforeCreate(tx *gorm.DB) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	return nil
}

// RiskScore is created once per application by the scoring engine and is
// immutable afterwards; manual overrides are recorded in the audit log, not
// here.
type RiskScore struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	ApplicationID uuid.UUID `gorm:"type:uuid;uniqueIndex;not null" json:"application_id"`
	Score         float64   `gorm:"not null" json:"score"` // 0-100, one decimal
	Decision      string    `gorm:"type:varchar(20);not null" json:"decision"`
	Reasoning     string    `gorm:"type:text;not null" json:"reasoning"`
	RiskFactors   string    `gorm:"type:jsonb" json:"risk_factors,omitempty"` // per-factor {score, weight, contribution}
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (r *RiskScore) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}

// ExtractedEntitySet is the structured NER output stored per document.
type ExtractedEntitySet struct {
	Name     string `json:"name,omitempty"`
	DOB      string `json:"dob,omitempty"`
	Address  string `json:"address,omitempty"`
	IDNumber string `json:"id_number,omitempty"`
}

// StageMessage returns the advisory human-readable description shown to
// polling clients for a stage. Not used in decision logic.
func StageMessage(stage string) string {
	switch stage {
	case StagePending:
		return "Waiting for documents"
	case StageUploading:
		return "Receiving documents"
	case StageOCR:
		return "Reading document text"
	case StageNER:
		return "Extracting identity fields"
	case StageLLM:
		return "Cross-checking documents"
	case StageRiskScoring:
		return "Computing risk score"
	case StageWorkflow:
		return "Dispatching decision"
	case StageCompleted:
		return "Processing complete"
	default:
		return ""
	}
}
