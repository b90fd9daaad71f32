package handler

import (
	"errors"
	"io"
	"net/http"

	"kycbackend/internal/middleware"
	"kycbackend/internal/service"
	"kycbackend/pkg/pagination"
	"kycbackend/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// maxUploadSize caps document uploads at 20 MB.
const maxUploadSize = 20 << 20

type KYCHandler struct {
	applicationService service.ApplicationService
}

// NewKYCHandler sets up the routing dependencies for applicant endpoints
func NewKYCHandler(applicationService service.ApplicationService) *KYCHandler {
	return &KYCHandler{applicationService: applicationService}
}

// RegisterRoutes binds the endpoints to the gin Engine or RouterGroup
func (h *KYCHandler) RegisterRoutes(router *gin.RouterGroup) {
	kyc := router.Group("/api/kyc", middleware.RequireAuth())
	{
		kyc.POST("/applications", h.CreateApplication)
		kyc.GET("/applications", h.ListApplications)
		kyc.GET("/applications/:id", h.GetApplication)
		kyc.POST("/applications/:id/documents", h.UploadDocument)
		kyc.POST("/applications/:id/submit", h.SubmitApplication)
		kyc.GET("/documents/:id", h.GetDocument)
	}
}

// CreateApplication opens a new KYC application for the current user
// @Summary      Create KYC application
// @Tags         kyc
// @Produce      json
// @Security     BearerAuth
// @Success      201  {object}  response.Response{data=service.ApplicationResponse}
// @Router       /api/kyc/applications [post]
func (h *KYCHandler) CreateApplication(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	app, err := h.applicationService.CreateApplication(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, response.Error(http.StatusInternalServerError, err.Error()))
		return
	}
	c.JSON(http.StatusCreated, response.Success(http.StatusCreated, app))
}

// ListApplications returns the current user's applications
// @Summary      List own KYC applications
// @Tags         kyc
// @Produce      json
// @Security     BearerAuth
// @Success      200  {object}  response.PaginatedResponse{data=[]service.ApplicationResponse}
// @Router       /api/kyc/applications [get]
func (h *KYCHandler) ListApplications(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	params := pagination.Parse(c)
	apps, total, err := h.applicationService.ListApplications(c.Request.Context(), userID, params.Page, params.Limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, response.Error(http.StatusInternalServerError, err.Error()))
		return
	}

	c.JSON(http.StatusOK, response.Paginated(http.StatusOK, apps, total, params))
}

// GetApplication returns status, stage, documents and risk score
// @Summary      Poll application status
// @Tags         kyc
// @Produce      json
// @Security     BearerAuth
// @Param        id   path      string  true  "Application ID"
// @Success      200  {object}  response.Response{data=service.ApplicationResponse}
// @Failure      404  {object}  response.Response
// @Router       /api/kyc/applications/{id} [get]
func (h *KYCHandler) GetApplication(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	appID, ok := parseID(c, "id")
	if !ok {
		return
	}

	app, err := h.applicationService.GetApplication(c.Request.Context(), appID, userID)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, app))
}

// UploadDocument attaches one document and kicks the processing pipeline
// @Summary      Upload KYC document
// @Tags         kyc
// @Accept       multipart/form-data
// @Produce      json
// @Security     BearerAuth
// @Param        id             path      string  true  "Application ID"
// @Param        document_type  formData  string  true  "id_card | passport | proof_of_address | bank_statement | other"
// @Param        file           formData  file    true  "Document file (jpeg/png/pdf)"
// @Success      201  {object}  response.Response{data=service.DocumentResponse}
// @Failure      400  {object}  response.Response
// @Router       /api/kyc/applications/{id}/documents [post]
func (h *KYCHandler) UploadDocument(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	appID, ok := parseID(c, "id")
	if !ok {
		return
	}

	docType := c.PostForm("document_type")
	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, response.Error(http.StatusBadRequest, "file is required"))
		return
	}
	if fileHeader.Size > maxUploadSize {
		c.JSON(http.StatusBadRequest, response.Error(http.StatusBadRequest, "file exceeds the 20MB limit"))
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, response.Error(http.StatusBadRequest, "failed to open upload: "+err.Error()))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxUploadSize+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, response.Error(http.StatusBadRequest, "failed to read upload: "+err.Error()))
		return
	}

	mimeType := fileHeader.Header.Get("Content-Type")
	doc, err := h.applicationService.UploadDocument(c.Request.Context(), appID, userID, service.UploadDocumentRequest{
		DocumentType: docType,
		FileName:     fileHeader.Filename,
		MimeType:     mimeType,
		Data:         data,
	})
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, response.Success(http.StatusCreated, doc))
}

// SubmitApplication declares "no more documents" and unlocks validation
// @Summary      Submit KYC application
// @Tags         kyc
// @Produce      json
// @Security     BearerAuth
// @Param        id   path      string  true  "Application ID"
// @Success      200  {object}  response.Response{data=service.ApplicationResponse}
// @Failure      400  {object}  response.Response
// @Router       /api/kyc/applications/{id}/submit [post]
func (h *KYCHandler) SubmitApplication(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	appID, ok := parseID(c, "id")
	if !ok {
		return
	}

	app, err := h.applicationService.SubmitApplication(c.Request.Context(), appID, userID)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, app))
}

// GetDocument returns one document with its extraction results
// @Summary      Get document details
// @Tags         kyc
// @Produce      json
// @Security     BearerAuth
// @Param        id   path      string  true  "Document ID"
// @Success      200  {object}  response.Response{data=service.DocumentResponse}
// @Failure      404  {object}  response.Response
// @Router       /api/kyc/documents/{id} [get]
func (h *KYCHandler) GetDocument(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	docID, ok := parseID(c, "id")
	if !ok {
		return
	}

	doc, err := h.applicationService.GetDocument(c.Request.Context(), docID, userID)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, doc))
}

// --- shared helpers ---

func currentUserID(c *gin.Context) (uuid.UUID, bool) {
	raw, _ := c.Get("userID")
	str, _ := raw.(string)
	id, err := uuid.Parse(str)
	if err != nil {
		c.JSON(http.StatusUnauthorized, response.Error(http.StatusUnauthorized, "invalid user identity"))
		return uuid.Nil, false
	}
	return id, true
}

func parseID(c *gin.Context, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(param))
	if err != nil {
		c.JSON(http.StatusBadRequest, response.Error(http.StatusBadRequest, "invalid id"))
		return uuid.Nil, false
	}
	return id, true
}

// respondServiceError maps sentinel service errors onto HTTP statuses so
// automated callers can tell retryable failures from permanent ones.
func respondServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrApplicationNotFound), errors.Is(err, service.ErrDocumentNotFound):
		c.JSON(http.StatusNotFound, response.Error(http.StatusNotFound, err.Error()))
	case errors.Is(err, service.ErrDecisionConflict):
		c.JSON(http.StatusConflict, response.Error(http.StatusConflict, err.Error()))
	case errors.Is(err, service.ErrInvalidFileType),
		errors.Is(err, service.ErrApplicationSubmitted),
		errors.Is(err, service.ErrNoDocuments),
		errors.Is(err, service.ErrNoRiskScore):
		c.JSON(http.StatusBadRequest, response.Error(http.StatusBadRequest, err.Error()))
	default:
		c.JSON(http.StatusInternalServerError, response.Error(http.StatusInternalServerError, err.Error()))
	}
}
