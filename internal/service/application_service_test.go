package service

import (
	"context"
	"sync"
	"testing"

	"kycbackend/internal/model"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryStorage struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func newMemoryStorage() *memoryStorage {
	return &memoryStorage{blobs: map[string][]byte{}}
}

func (m *memoryStorage) Put(ctx context.Context, path string, data []byte, contentType string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[path] = data
	return path, nil
}

func (m *memoryStorage) Get(ctx context.Context, path string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blobs[path], nil
}

func (m *memoryStorage) Delete(ctx context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, path)
	return nil
}

func (m *memoryStorage) Exists(ctx context.Context, path string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.blobs[path]
	return ok, nil
}

func (m *memoryStorage) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.blobs)
}

func uploadRequest(docType string) UploadDocumentRequest {
	return UploadDocumentRequest{
		DocumentType: docType,
		FileName:     docType + ".png",
		MimeType:     "image/png",
		Data:         []byte("fake image bytes"),
	}
}

func TestCreateAndGetApplication(t *testing.T) {
	db := newTestDB(t)
	svc := NewApplicationService(db, newMemoryStorage(), nil)
	userID := uuid.New()

	created, err := svc.CreateApplication(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, created.Status)
	assert.Equal(t, model.StagePending, created.ProcessingStage)
	assert.Nil(t, created.SubmittedAt)

	appID := uuid.MustParse(created.ID)
	fetched, err := svc.GetApplication(context.Background(), appID, userID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, fetched.ID)

	// Other users cannot see it.
	_, err = svc.GetApplication(context.Background(), appID, uuid.New())
	assert.ErrorIs(t, err, ErrApplicationNotFound)

	actions := auditActions(t, db, appID)
	assert.Equal(t, []string{model.ActionCreateApplication}, actions)
}

func TestUploadDocument(t *testing.T) {
	db := newTestDB(t)
	store := newMemoryStorage()
	svc := NewApplicationService(db, store, nil)
	userID := uuid.New()

	created, err := svc.CreateApplication(context.Background(), userID)
	require.NoError(t, err)
	appID := uuid.MustParse(created.ID)

	doc, err := svc.UploadDocument(context.Background(), appID, userID, uploadRequest(model.DocTypeIDCard))
	require.NoError(t, err)
	assert.Equal(t, model.DocStatePending, doc.State)
	assert.Equal(t, int64(16), doc.FileSize)
	assert.Equal(t, 1, store.count())

	fetched, err := svc.GetApplication(context.Background(), appID, userID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusProcessing, fetched.Status)
	assert.Equal(t, model.StageUploading, fetched.ProcessingStage)
	require.Len(t, fetched.Documents, 1)
}

func TestUploadDocumentValidation(t *testing.T) {
	db := newTestDB(t)
	svc := NewApplicationService(db, newMemoryStorage(), nil)
	userID := uuid.New()

	created, err := svc.CreateApplication(context.Background(), userID)
	require.NoError(t, err)
	appID := uuid.MustParse(created.ID)

	badMime := uploadRequest(model.DocTypeIDCard)
	badMime.MimeType = "application/x-msdownload"
	_, err = svc.UploadDocument(context.Background(), appID, userID, badMime)
	assert.ErrorIs(t, err, ErrInvalidFileType)

	badType := uploadRequest("selfie_video")
	_, err = svc.UploadDocument(context.Background(), appID, userID, badType)
	assert.Error(t, err)

	_, err = svc.UploadDocument(context.Background(), uuid.New(), userID, uploadRequest(model.DocTypeIDCard))
	assert.ErrorIs(t, err, ErrApplicationNotFound)
}

func TestUploadAfterSubmitRejected(t *testing.T) {
	db := newTestDB(t)
	svc := NewApplicationService(db, newMemoryStorage(), nil)
	userID := uuid.New()

	created, err := svc.CreateApplication(context.Background(), userID)
	require.NoError(t, err)
	appID := uuid.MustParse(created.ID)

	_, err = svc.UploadDocument(context.Background(), appID, userID, uploadRequest(model.DocTypeIDCard))
	require.NoError(t, err)
	_, err = svc.SubmitApplication(context.Background(), appID, userID)
	require.NoError(t, err)

	_, err = svc.UploadDocument(context.Background(), appID, userID, uploadRequest(model.DocTypePassport))
	assert.ErrorIs(t, err, ErrApplicationSubmitted)
}

func TestSubmitApplication(t *testing.T) {
	db := newTestDB(t)
	svc := NewApplicationService(db, newMemoryStorage(), nil)
	userID := uuid.New()

	created, err := svc.CreateApplication(context.Background(), userID)
	require.NoError(t, err)
	appID := uuid.MustParse(created.ID)

	// Submitting without documents is refused.
	_, err = svc.SubmitApplication(context.Background(), appID, userID)
	assert.ErrorIs(t, err, ErrNoDocuments)

	_, err = svc.UploadDocument(context.Background(), appID, userID, uploadRequest(model.DocTypeIDCard))
	require.NoError(t, err)

	submitted, err := svc.SubmitApplication(context.Background(), appID, userID)
	require.NoError(t, err)
	require.NotNil(t, submitted.SubmittedAt)

	// Repeat submit is a no-op, not an error, and writes no second audit row.
	_, err = svc.SubmitApplication(context.Background(), appID, userID)
	require.NoError(t, err)

	var submits int64
	require.NoError(t, db.Model(&model.AuditLog{}).
		Where("application_id = ? AND action = ?", appID, model.ActionSubmitApplication).Count(&submits).Error)
	assert.Equal(t, int64(1), submits)
}

func TestGetDocumentOwnership(t *testing.T) {
	db := newTestDB(t)
	svc := NewApplicationService(db, newMemoryStorage(), nil)
	userID := uuid.New()

	created, err := svc.CreateApplication(context.Background(), userID)
	require.NoError(t, err)
	appID := uuid.MustParse(created.ID)

	doc, err := svc.UploadDocument(context.Background(), appID, userID, uploadRequest(model.DocTypePassport))
	require.NoError(t, err)
	docID := uuid.MustParse(doc.ID)

	fetched, err := svc.GetDocument(context.Background(), docID, userID)
	require.NoError(t, err)
	assert.Equal(t, model.DocTypePassport, fetched.DocumentType)

	_, err = svc.GetDocument(context.Background(), docID, uuid.New())
	assert.ErrorIs(t, err, ErrDocumentNotFound)
}

func TestAdminListFiltersByStatus(t *testing.T) {
	db := newTestDB(t)
	svc := NewApplicationService(db, newMemoryStorage(), nil)

	for _, status := range []string{model.StatusPending, model.StatusApproved, model.StatusApproved} {
		app := model.Application{UserID: uuid.New(), Status: status, ProcessingStage: model.StagePending}
		require.NoError(t, db.Create(&app).Error)
	}

	all, total, err := svc.AdminListApplications(context.Background(), ApplicationFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.Len(t, all, 3)

	approved, total, err := svc.AdminListApplications(context.Background(), ApplicationFilter{Status: model.StatusApproved})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	for _, app := range approved {
		assert.Equal(t, model.StatusApproved, app.Status)
	}
}

func TestAdminDeleteApplication(t *testing.T) {
	db := newTestDB(t)
	store := newMemoryStorage()
	svc := NewApplicationService(db, store, nil)
	userID := uuid.New()
	adminID := uuid.New()

	created, err := svc.CreateApplication(context.Background(), userID)
	require.NoError(t, err)
	appID := uuid.MustParse(created.ID)
	_, err = svc.UploadDocument(context.Background(), appID, userID, uploadRequest(model.DocTypeIDCard))
	require.NoError(t, err)
	require.NoError(t, db.Create(&model.RiskScore{ApplicationID: appID, Score: 10, Decision: model.DecisionApproved, Reasoning: "r"}).Error)

	require.NoError(t, svc.AdminDeleteApplication(context.Background(), appID, adminID))

	var apps, docs, scores int64
	require.NoError(t, db.Model(&model.Application{}).Where("id = ?", appID).Count(&apps).Error)
	require.NoError(t, db.Model(&model.Document{}).Where("application_id = ?", appID).Count(&docs).Error)
	require.NoError(t, db.Model(&model.RiskScore{}).Where("application_id = ?", appID).Count(&scores).Error)
	assert.Zero(t, apps)
	assert.Zero(t, docs)
	assert.Zero(t, scores)
	assert.Zero(t, store.count())

	// Audit trail survives the delete and records the acting admin.
	var audit model.AuditLog
	require.NoError(t, db.First(&audit, "application_id = ? AND action = ?", appID, model.ActionDeleteApplication).Error)
	require.NotNil(t, audit.UserID)
	assert.Equal(t, adminID, *audit.UserID)

	err = svc.AdminDeleteApplication(context.Background(), appID, adminID)
	assert.ErrorIs(t, err, ErrApplicationNotFound)
}
