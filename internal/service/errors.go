package service

import "errors"

// Sentinel errors mapped to HTTP statuses by the handlers. Finalize callers
// (automation systems) rely on the distinction to know what is retryable.
var (
	ErrApplicationNotFound = errors.New("application not found")
	ErrDocumentNotFound    = errors.New("document not found")
	// ErrDecisionConflict: a finalize call contradicts an already-terminal
	// decision. Never retry.
	ErrDecisionConflict     = errors.New("application already finalized with a different outcome")
	ErrNoRiskScore          = errors.New("application has no risk score")
	ErrInvalidFileType      = errors.New("file type not allowed")
	ErrApplicationSubmitted = errors.New("application already submitted")
	ErrNoDocuments          = errors.New("application has no documents")
)
