package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the runtime settings for the KYC backend, loaded from the
// environment with development fallbacks.
type Config struct {
	// Storage
	StorageType string // "local" or "minio"
	StoragePath string // base dir for local storage

	// MinIO
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioSecure    bool

	// OCR engine
	OCRServiceURL string
	OCRTimeout    time.Duration

	// LLM validator
	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string
	LLMTimeout    time.Duration

	// Workflow automation (n8n)
	WorkflowWebhookURL string
	WorkflowAPIKey     string
	// When true, approved/rejected decisions are also sent to the webhook
	// so the workflow can run side effects (mail, CRM, ...). review is
	// always sent when a webhook is configured.
	NotifyAllDecisions bool

	// Pre-shared key for the automation finalize callbacks
	InternalAPIKey string

	// Pipeline
	RequiredDocumentTypes []string
	SweepInterval         time.Duration
}

// Load reads configuration from environment variables.
func Load() Config {
	return Config{
		StorageType:    getenv("STORAGE_TYPE", "local"),
		StoragePath:    getenv("STORAGE_PATH", "./storage"),
		MinioEndpoint:  getenv("MINIO_ENDPOINT", "localhost:9000"),
		MinioAccessKey: getenv("MINIO_ACCESS_KEY", "minioadmin"),
		MinioSecretKey: getenv("MINIO_SECRET_KEY", "minioadmin"),
		MinioBucket:    getenv("MINIO_BUCKET", "kyc-documents"),
		MinioSecure:    getbool("MINIO_SECURE", false),

		OCRServiceURL: getenv("OCR_SERVICE_URL", "http://localhost:8866/ocr"),
		OCRTimeout:    getduration("OCR_TIMEOUT", 60*time.Second),

		OpenAIAPIKey:  os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL: getenv("OPENAI_BASE_URL", "https://api.openai.com"),
		OpenAIModel:   getenv("OPENAI_MODEL", "gpt-4o-mini"),
		LLMTimeout:    getduration("LLM_TIMEOUT", 30*time.Second),

		WorkflowWebhookURL: os.Getenv("N8N_WEBHOOK_URL"),
		WorkflowAPIKey:     os.Getenv("N8N_API_KEY"),
		NotifyAllDecisions: getbool("NOTIFY_ALL_DECISIONS", false),

		InternalAPIKey: getenv("INTERNAL_API_KEY", "change-this-in-production"),

		RequiredDocumentTypes: []string{"id_card", "passport", "proof_of_address"},
		SweepInterval:         getduration("PIPELINE_SWEEP_INTERVAL", 30*time.Second),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getbool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return parsed
}

func getduration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return parsed
}
