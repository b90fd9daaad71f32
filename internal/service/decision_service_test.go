package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"kycbackend/internal/model"
	"kycbackend/internal/workflow"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&model.User{}, &model.Application{}, &model.Document{}, &model.RiskScore{}, &model.AuditLog{}))
	return db
}

func createScoredApplication(t *testing.T, db *gorm.DB, decision string, score float64) model.Application {
	t.Helper()
	now := time.Now()
	app := model.Application{
		UserID:          uuid.New(),
		Status:          model.StatusProcessing,
		ProcessingStage: model.StageWorkflow,
		SubmittedAt:     &now,
	}
	require.NoError(t, db.Create(&app).Error)
	require.NoError(t, db.Create(&model.RiskScore{
		ApplicationID: app.ID,
		Score:         score,
		Decision:      decision,
		Reasoning:     "test reasoning",
		RiskFactors:   `{"fraud_signals":{"score":10,"weight":0.3}}`,
	}).Error)
	return app
}

func auditActions(t *testing.T, db *gorm.DB, appID uuid.UUID) []string {
	t.Helper()
	var logs []model.AuditLog
	require.NoError(t, db.Where("application_id = ?", appID).Order("created_at asc").Find(&logs).Error)
	actions := make([]string, 0, len(logs))
	for _, l := range logs {
		actions = append(actions, l.Action)
	}
	return actions
}

func TestDispatchApprovedFinalizesImmediately(t *testing.T) {
	db := newTestDB(t)
	svc := NewDecisionService(db, nil, nil, false)
	app := createScoredApplication(t, db, model.DecisionApproved, 12.5)

	require.NoError(t, svc.Dispatch(context.Background(), app.ID))

	var reloaded model.Application
	require.NoError(t, db.First(&reloaded, "id = ?", app.ID).Error)
	assert.Equal(t, model.StatusApproved, reloaded.Status)
	assert.Equal(t, model.StageCompleted, reloaded.ProcessingStage)
	assert.Equal(t, []string{model.ActionAutoApprove}, auditActions(t, db, app.ID))
}

func TestDispatchRejectedFinalizesImmediately(t *testing.T) {
	db := newTestDB(t)
	svc := NewDecisionService(db, nil, nil, false)
	app := createScoredApplication(t, db, model.DecisionRejected, 85.0)

	require.NoError(t, svc.Dispatch(context.Background(), app.ID))

	var reloaded model.Application
	require.NoError(t, db.First(&reloaded, "id = ?", app.ID).Error)
	assert.Equal(t, model.StatusRejected, reloaded.Status)
	assert.Equal(t, []string{model.ActionAutoReject}, auditActions(t, db, app.ID))
}

func TestDispatchReviewParksAndNotifies(t *testing.T) {
	db := newTestDB(t)

	var received workflow.DecisionNotification
	var gotKey string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-N8N-API-KEY")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier := workflow.NewWebhookNotifier(server.URL, "webhook-secret")
	svc := NewDecisionService(db, notifier, nil, false)
	app := createScoredApplication(t, db, model.DecisionReview, 45.0)

	require.NoError(t, svc.Dispatch(context.Background(), app.ID))

	var reloaded model.Application
	require.NoError(t, db.First(&reloaded, "id = ?", app.ID).Error)
	assert.Equal(t, model.StatusReview, reloaded.Status)
	assert.Equal(t, model.StageCompleted, reloaded.ProcessingStage)

	assert.Equal(t, "webhook-secret", gotKey)
	assert.Equal(t, app.ID.String(), received.ApplicationID)
	assert.Equal(t, 45.0, received.RiskScore)
	assert.Equal(t, model.DecisionReview, received.Decision)
	assert.NotEmpty(t, received.RiskFactors)

	// Review carries no auto decision action, only the delivery record.
	assert.Equal(t, []string{model.ActionWorkflowNotified}, auditActions(t, db, app.ID))
}

func TestDispatchNotificationFailureDoesNotFailDispatch(t *testing.T) {
	db := newTestDB(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	svc := NewDecisionService(db, workflow.NewWebhookNotifier(server.URL, ""), nil, false)
	app := createScoredApplication(t, db, model.DecisionReview, 50.0)

	require.NoError(t, svc.Dispatch(context.Background(), app.ID))

	var reloaded model.Application
	require.NoError(t, db.First(&reloaded, "id = ?", app.ID).Error)
	assert.Equal(t, model.StatusReview, reloaded.Status)

	var audit model.AuditLog
	require.NoError(t, db.First(&audit, "application_id = ? AND action = ?", app.ID, model.ActionWorkflowNotified).Error)
	var details map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(audit.Details), &details))
	assert.Equal(t, false, details["delivered"])
}

func TestDispatchApprovedSkipsWebhookByDefault(t *testing.T) {
	db := newTestDB(t)
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	svc := NewDecisionService(db, workflow.NewWebhookNotifier(server.URL, ""), nil, false)
	app := createScoredApplication(t, db, model.DecisionApproved, 10.0)

	require.NoError(t, svc.Dispatch(context.Background(), app.ID))
	assert.Zero(t, calls)

	// With notify-all enabled the webhook sees every decision.
	svcAll := NewDecisionService(db, workflow.NewWebhookNotifier(server.URL, ""), nil, true)
	other := createScoredApplication(t, db, model.DecisionApproved, 10.0)
	require.NoError(t, svcAll.Dispatch(context.Background(), other.ID))
	assert.Equal(t, 1, calls)
}

func TestDispatchRepeatOnParkedApplicationIsNoOp(t *testing.T) {
	db := newTestDB(t)
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	svc := NewDecisionService(db, workflow.NewWebhookNotifier(server.URL, ""), nil, false)
	app := createScoredApplication(t, db, model.DecisionReview, 45.0)

	require.NoError(t, svc.Dispatch(context.Background(), app.ID))
	require.NoError(t, svc.Dispatch(context.Background(), app.ID))

	assert.Equal(t, 1, calls)
	assert.Equal(t, []string{model.ActionWorkflowNotified}, auditActions(t, db, app.ID))

	var reloaded model.Application
	require.NoError(t, db.First(&reloaded, "id = ?", app.ID).Error)
	assert.Equal(t, model.StatusReview, reloaded.Status)
}

func TestDispatchRetryDoesNotResendNotification(t *testing.T) {
	db := newTestDB(t)
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	svc := NewDecisionService(db, workflow.NewWebhookNotifier(server.URL, ""), nil, false)
	app := createScoredApplication(t, db, model.DecisionReview, 45.0)

	// A delivery record from an earlier dispatch attempt already exists.
	require.NoError(t, db.Create(&model.AuditLog{
		ApplicationID: app.ID,
		Action:        model.ActionWorkflowNotified,
		Details:       `{"decision":"review","delivered":true}`,
	}).Error)

	require.NoError(t, svc.Dispatch(context.Background(), app.ID))

	assert.Zero(t, calls)

	var reloaded model.Application
	require.NoError(t, db.First(&reloaded, "id = ?", app.ID).Error)
	assert.Equal(t, model.StatusReview, reloaded.Status)
	assert.Equal(t, model.StageCompleted, reloaded.ProcessingStage)

	var notified int64
	require.NoError(t, db.Model(&model.AuditLog{}).
		Where("application_id = ? AND action = ?", app.ID, model.ActionWorkflowNotified).Count(&notified).Error)
	assert.Equal(t, int64(1), notified)
}

func TestDispatchErrors(t *testing.T) {
	db := newTestDB(t)
	svc := NewDecisionService(db, nil, nil, false)

	err := svc.Dispatch(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrApplicationNotFound)

	app := model.Application{UserID: uuid.New(), Status: model.StatusProcessing, ProcessingStage: model.StageWorkflow}
	require.NoError(t, db.Create(&app).Error)
	err = svc.Dispatch(context.Background(), app.ID)
	assert.ErrorIs(t, err, ErrNoRiskScore)
}

func TestFinalizeApproveByWorkflowIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	svc := NewDecisionService(db, nil, nil, false)
	app := createScoredApplication(t, db, model.DecisionReview, 45.0)

	first, err := svc.FinalizeApprove(context.Background(), app.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, model.StatusApproved, first.Status)
	assert.False(t, first.Duplicate)

	second, err := svc.FinalizeApprove(context.Background(), app.ID, nil)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, model.StatusApproved, second.Status)

	// Exactly one audit entry despite the repeat, attributed to the system.
	var logs []model.AuditLog
	require.NoError(t, db.Where("application_id = ? AND action = ?", app.ID, model.ActionAutoApprove).Find(&logs).Error)
	require.Len(t, logs, 1)
	assert.Nil(t, logs[0].UserID)

	var details map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(logs[0].Details), &details))
	assert.Equal(t, "automated_workflow", details["source"])
}

func TestFinalizeRejectByAdminIsAttributed(t *testing.T) {
	db := newTestDB(t)
	svc := NewDecisionService(db, nil, nil, false)
	app := createScoredApplication(t, db, model.DecisionReview, 45.0)
	adminID := uuid.New()

	result, err := svc.FinalizeReject(context.Background(), app.ID, &adminID, "document looks forged")
	require.NoError(t, err)
	assert.Equal(t, model.StatusRejected, result.Status)

	var audit model.AuditLog
	require.NoError(t, db.First(&audit, "application_id = ? AND action = ?", app.ID, model.ActionManualReject).Error)
	require.NotNil(t, audit.UserID)
	assert.Equal(t, adminID, *audit.UserID)

	var details map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(audit.Details), &details))
	assert.Equal(t, "admin", details["source"])
	assert.Equal(t, "document looks forged", details["reason"])
}

func TestFinalizeConflictChangesNothing(t *testing.T) {
	db := newTestDB(t)
	svc := NewDecisionService(db, nil, nil, false)
	app := createScoredApplication(t, db, model.DecisionReview, 45.0)

	_, err := svc.FinalizeApprove(context.Background(), app.ID, nil)
	require.NoError(t, err)

	_, err = svc.FinalizeReject(context.Background(), app.ID, nil, "changed my mind")
	assert.ErrorIs(t, err, ErrDecisionConflict)

	var reloaded model.Application
	require.NoError(t, db.First(&reloaded, "id = ?", app.ID).Error)
	assert.Equal(t, model.StatusApproved, reloaded.Status)

	var rejects int64
	require.NoError(t, db.Model(&model.AuditLog{}).
		Where("application_id = ? AND action IN ?", app.ID,
			[]string{model.ActionAutoReject, model.ActionManualReject}).Count(&rejects).Error)
	assert.Zero(t, rejects)
}

func TestFinalizeUnknownApplication(t *testing.T) {
	db := newTestDB(t)
	svc := NewDecisionService(db, nil, nil, false)

	_, err := svc.FinalizeApprove(context.Background(), uuid.New(), nil)
	assert.ErrorIs(t, err, ErrApplicationNotFound)
}
