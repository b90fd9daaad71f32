package handler

import (
	"net/http"

	"kycbackend/internal/middleware"
	"kycbackend/internal/service"
	"kycbackend/pkg/pagination"
	"kycbackend/pkg/response"

	"github.com/gin-gonic/gin"
)

type RejectRequest struct {
	Reason string `json:"reason"`
}

type AdminHandler struct {
	applicationService service.ApplicationService
	decisionService    service.DecisionService
	auditService       service.AuditService
	internalAPIKey     string
}

func NewAdminHandler(
	applicationService service.ApplicationService,
	decisionService service.DecisionService,
	auditService service.AuditService,
	internalAPIKey string,
) *AdminHandler {
	return &AdminHandler{
		applicationService: applicationService,
		decisionService:    decisionService,
		auditService:       auditService,
		internalAPIKey:     internalAPIKey,
	}
}

// RegisterRoutes binds the admin surface and the automation callbacks.
// Admin routes carry a session; the internal finalize callbacks carry the
// pre-shared key because the caller is an unattended workflow system.
func (h *AdminHandler) RegisterRoutes(router *gin.RouterGroup) {
	admin := router.Group("/api/admin", middleware.RequireRole("admin"))
	{
		admin.GET("/applications", h.ListApplications)
		admin.GET("/applications/:id", h.GetApplication)
		admin.POST("/applications/:id/approve", h.ApproveApplication)
		admin.POST("/applications/:id/reject", h.RejectApplication)
		admin.GET("/applications/:id/audit", h.GetAuditLogs)
		admin.DELETE("/applications/:id", h.DeleteApplication)
	}

	internal := router.Group("/api/admin/internal", middleware.RequireAPIKey(h.internalAPIKey))
	{
		internal.POST("/applications/:id/approve", h.FinalizeApprove)
		internal.POST("/applications/:id/reject", h.FinalizeReject)
	}
}

// ListApplications returns all applications, optionally filtered by status
// @Summary      List all KYC applications
// @Tags         admin
// @Produce      json
// @Security     BearerAuth
// @Param        status  query     string  false  "Filter by status"
// @Success      200     {object}  response.PaginatedResponse{data=[]service.ApplicationResponse}
// @Router       /api/admin/applications [get]
func (h *AdminHandler) ListApplications(c *gin.Context) {
	params := pagination.Parse(c)
	filter := service.ApplicationFilter{
		Status: c.Query("status"),
		Page:   params.Page,
		Limit:  params.Limit,
	}

	apps, total, err := h.applicationService.AdminListApplications(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, response.Error(http.StatusInternalServerError, err.Error()))
		return
	}

	c.JSON(http.StatusOK, response.Paginated(http.StatusOK, apps, total, params))
}

// GetApplication returns full application details for review
// @Summary      Get application (admin)
// @Tags         admin
// @Produce      json
// @Security     BearerAuth
// @Param        id   path      string  true  "Application ID"
// @Success      200  {object}  response.Response{data=service.ApplicationResponse}
// @Failure      404  {object}  response.Response
// @Router       /api/admin/applications/{id} [get]
func (h *AdminHandler) GetApplication(c *gin.Context) {
	appID, ok := parseID(c, "id")
	if !ok {
		return
	}

	app, err := h.applicationService.AdminGetApplication(c.Request.Context(), appID)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, app))
}

// ApproveApplication is the manual admin override, attributed in the audit trail
// @Summary      Manually approve application
// @Tags         admin
// @Produce      json
// @Security     BearerAuth
// @Param        id   path      string  true  "Application ID"
// @Success      200  {object}  response.Response{data=service.FinalizeResult}
// @Failure      409  {object}  response.Response
// @Router       /api/admin/applications/{id}/approve [post]
func (h *AdminHandler) ApproveApplication(c *gin.Context) {
	appID, ok := parseID(c, "id")
	if !ok {
		return
	}
	adminID, ok := currentUserID(c)
	if !ok {
		return
	}

	result, err := h.decisionService.FinalizeApprove(c.Request.Context(), appID, &adminID)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, result))
}

// RejectApplication is the manual admin override, attributed in the audit trail
// @Summary      Manually reject application
// @Tags         admin
// @Produce      json
// @Security     BearerAuth
// @Param        id       path      string         true   "Application ID"
// @Param        payload  body      RejectRequest  false  "Optional rejection reason"
// @Success      200      {object}  response.Response{data=service.FinalizeResult}
// @Failure      409      {object}  response.Response
// @Router       /api/admin/applications/{id}/reject [post]
func (h *AdminHandler) RejectApplication(c *gin.Context) {
	appID, ok := parseID(c, "id")
	if !ok {
		return
	}
	adminID, ok := currentUserID(c)
	if !ok {
		return
	}

	var req RejectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		// Allow empty body — reason is optional
		req.Reason = ""
	}

	result, err := h.decisionService.FinalizeReject(c.Request.Context(), appID, &adminID, req.Reason)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, result))
}

// GetAuditLogs returns the application's audit trail
// @Summary      Get application audit logs
// @Tags         admin
// @Produce      json
// @Security     BearerAuth
// @Param        id   path      string  true  "Application ID"
// @Success      200  {object}  response.PaginatedResponse{data=[]service.AuditLogResponse}
// @Router       /api/admin/applications/{id}/audit [get]
func (h *AdminHandler) GetAuditLogs(c *gin.Context) {
	appID, ok := parseID(c, "id")
	if !ok {
		return
	}

	params := pagination.Parse(c)
	logs, total, err := h.auditService.GetApplicationAuditLogs(c.Request.Context(), appID, params.Page, params.Limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, response.Error(http.StatusInternalServerError, err.Error()))
		return
	}

	c.JSON(http.StatusOK, response.Paginated(http.StatusOK, logs, total, params))
}

// DeleteApplication removes an application and all owned records
// @Summary      Delete application
// @Tags         admin
// @Produce      json
// @Security     BearerAuth
// @Param        id   path      string  true  "Application ID"
// @Success      200  {object}  response.Response
// @Failure      404  {object}  response.Response
// @Router       /api/admin/applications/{id} [delete]
func (h *AdminHandler) DeleteApplication(c *gin.Context) {
	appID, ok := parseID(c, "id")
	if !ok {
		return
	}
	adminID, ok := currentUserID(c)
	if !ok {
		return
	}

	if err := h.applicationService.AdminDeleteApplication(c.Request.Context(), appID, adminID); err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, gin.H{"application_id": appID.String()}))
}

// FinalizeApprove is the idempotent automation callback (pre-shared key)
// @Summary      Finalize approve (automation)
// @Tags         internal
// @Produce      json
// @Param        id  path  string  true  "Application ID"
// @Param        X-API-Key  header  string  true  "Pre-shared API key"
// @Success      200  {object}  response.Response{data=service.FinalizeResult}
// @Failure      401  {object}  response.Response
// @Failure      409  {object}  response.Response
// @Router       /api/admin/internal/applications/{id}/approve [post]
func (h *AdminHandler) FinalizeApprove(c *gin.Context) {
	appID, ok := parseID(c, "id")
	if !ok {
		return
	}

	result, err := h.decisionService.FinalizeApprove(c.Request.Context(), appID, nil)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, result))
}

// FinalizeReject is the idempotent automation callback (pre-shared key)
// @Summary      Finalize reject (automation)
// @Tags         internal
// @Produce      json
// @Param        id  path  string  true  "Application ID"
// @Param        X-API-Key  header  string         true   "Pre-shared API key"
// @Param        payload    body    RejectRequest  false  "Optional rejection reason"
// @Success      200  {object}  response.Response{data=service.FinalizeResult}
// @Failure      401  {object}  response.Response
// @Failure      409  {object}  response.Response
// @Router       /api/admin/internal/applications/{id}/reject [post]
func (h *AdminHandler) FinalizeReject(c *gin.Context) {
	appID, ok := parseID(c, "id")
	if !ok {
		return
	}

	var req RejectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		req.Reason = ""
	}

	result, err := h.decisionService.FinalizeReject(c.Request.Context(), appID, nil, req.Reason)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, result))
}
