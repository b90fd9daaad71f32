package main

import (
	"context"
	"log"
	"os"

	_ "kycbackend/api/swagger" // swagger docs
	"kycbackend/internal/config"
	"kycbackend/internal/database"
	"kycbackend/internal/extractor"
	"kycbackend/internal/handler"
	"kycbackend/internal/middleware"
	"kycbackend/internal/pipeline"
	"kycbackend/internal/risk"
	"kycbackend/internal/service"
	"kycbackend/internal/storage"
	"kycbackend/internal/validator"
	"kycbackend/internal/websocket"
	"kycbackend/internal/workflow"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

// @title           KYC Processing API
// @version         1.0
// @description     Document verification pipeline with automated risk decisions.
// @host            localhost:8080
// @BasePath        /
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
func main() {
	if err := godotenv.Load("configs/.env"); err != nil {
		log.Println("No configs/.env file found or error loading it")
	}

	dbHost := os.Getenv("DB_HOST")
	dbPort := os.Getenv("DB_PORT")
	dbUser := os.Getenv("DB_USER")
	dbPassword := os.Getenv("DB_PASSWORD")
	dbName := os.Getenv("DB_NAME")
	dbSslMode := os.Getenv("DB_SSLMODE")

	if dbHost == "" {
		dbHost = "localhost"
	}
	if dbPort == "" {
		dbPort = "5432"
	}
	if dbUser == "" {
		dbUser = "postgres"
	}
	if dbPassword == "" {
		dbPassword = "postgres"
	}
	if dbName == "" {
		dbName = "postgres"
	}
	if dbSslMode == "" {
		dbSslMode = "disable"
	}

	dsn := "postgres://" + dbUser + ":" + dbPassword + "@" + dbHost + ":" + dbPort + "/" + dbName + "?sslmode=" + dbSslMode

	db, err := database.NewConnection(dsn)
	if err != nil {
		log.Fatalf("Database connection failed: %v", err)
	}
	log.Println("Connected to PostgreSQL successfully.")

	cfg := config.Load()

	store, err := storage.New(cfg)
	if err != nil {
		log.Fatalf("Storage initialization failed: %v", err)
	}

	// Set up WebSocket Hub
	wsHub := websocket.NewHub()
	go wsHub.Run()

	// Pipeline components
	ocrClient := extractor.NewOCRClient(cfg.OCRServiceURL, cfg.OCRTimeout)
	ner := extractor.NewRegexNER()
	llmValidator := validator.NewOpenAIValidator(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.OpenAIModel, cfg.LLMTimeout)
	scorer := risk.NewApplicationScorer(risk.NewEngine(), cfg.RequiredDocumentTypes)
	notifier := workflow.NewWebhookNotifier(cfg.WorkflowWebhookURL, cfg.WorkflowAPIKey)

	// Set up dependencies (Service -> Handler)
	decisionService := service.NewDecisionService(db, notifier, wsHub, cfg.NotifyAllDecisions)
	orchestrator := pipeline.NewOrchestrator(
		db, store, ocrClient, ner, llmValidator,
		decisionService, scorer, wsHub,
		cfg.OCRTimeout, cfg.LLMTimeout,
	)
	applicationService := service.NewApplicationService(db, store, orchestrator)
	auditService := service.NewAuditService(db)

	// Initialize Handlers
	kycHandler := handler.NewKYCHandler(applicationService)
	adminHandler := handler.NewAdminHandler(applicationService, decisionService, auditService, cfg.InternalAPIKey)

	// Set up Gin Router
	router := gin.Default()

	// CORS configuration
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = []string{"http://localhost:5173", "http://127.0.0.1:5173", "http://localhost:5174"} // Frontend URL
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "Authorization", "Accept"}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	router.Use(cors.New(corsConfig))

	// Swagger route
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	// Health check
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "OK"})
	})

	// WebSocket endpoint
	router.GET("/ws", func(c *gin.Context) {
		websocket.ServeWs(wsHub, c, middleware.GetJWTSecret())
	})

	// Register API Routes
	kycHandler.RegisterRoutes(router.Group(""))
	adminHandler.RegisterRoutes(router.Group(""))

	// Background sweep reclaims applications stuck mid-pipeline after a
	// crash or missed advance.
	go orchestrator.RunSweep(context.Background(), cfg.SweepInterval)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	log.Printf("Server listening on :%s", port)
	if err := router.Run(":" + port); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}
