package service

import (
	"context"
	"testing"

	"kycbackend/internal/model"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetApplicationAuditLogs(t *testing.T) {
	db := newTestDB(t)
	svc := NewAuditService(db)

	admin := model.User{Username: "alice", Email: "alice@example.com", Role: "admin"}
	require.NoError(t, db.Create(&admin).Error)

	appID := uuid.New()
	require.NoError(t, db.Create(&model.AuditLog{
		ApplicationID: appID,
		Action:        model.ActionRiskScored,
		Details:       `{"score": 12.5}`,
	}).Error)
	require.NoError(t, db.Create(&model.AuditLog{
		ApplicationID: appID,
		UserID:        &admin.ID,
		Action:        model.ActionManualApprove,
		Details:       `{"source": "admin"}`,
	}).Error)
	// Noise from another application stays out.
	require.NoError(t, db.Create(&model.AuditLog{
		ApplicationID: uuid.New(),
		Action:        model.ActionRiskScored,
		Details:       "{}",
	}).Error)

	logs, total, err := svc.GetApplicationAuditLogs(context.Background(), appID, 1, 20)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	require.Len(t, logs, 2)

	byAction := map[string]AuditLogResponse{}
	for _, l := range logs {
		byAction[l.Action] = l
	}

	// Pipeline entries carry no user and render as System.
	scored := byAction[model.ActionRiskScored]
	assert.Equal(t, "System", scored.Username)
	assert.Empty(t, scored.UserID)

	manual := byAction[model.ActionManualApprove]
	assert.Equal(t, "alice", manual.Username)
	assert.Equal(t, admin.ID.String(), manual.UserID)
}

func TestGetApplicationAuditLogsPagination(t *testing.T) {
	db := newTestDB(t)
	svc := NewAuditService(db)

	appID := uuid.New()
	for i := 0; i < 5; i++ {
		require.NoError(t, db.Create(&model.AuditLog{ApplicationID: appID, Action: model.ActionUploadDocument, Details: "{}"}).Error)
	}

	logs, total, err := svc.GetApplicationAuditLogs(context.Background(), appID, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
	assert.Len(t, logs, 2)

	logs, _, err = svc.GetApplicationAuditLogs(context.Background(), appID, 3, 2)
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}
