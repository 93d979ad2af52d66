package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/customeros/mailsync/api/middleware"
	"github.com/customeros/mailsync/dto"
	"github.com/customeros/mailsync/interfaces"
	"github.com/customeros/mailsync/internal/enum"
	"github.com/customeros/mailsync/internal/logger"
	"github.com/customeros/mailsync/internal/models"
	"github.com/customeros/mailsync/internal/repository/inmemory"
	"github.com/customeros/mailsync/services/sync_requests"
)

const testAPIKey = "secret-key"

type fakeStatus struct {
	summary interfaces.BatchSummary
	at      time.Time
	ok      bool
}

func (f *fakeStatus) LastSummary() (interfaces.BatchSummary, time.Time, bool) {
	return f.summary, f.at, f.ok
}

type apiFixture struct {
	router *gin.Engine
	queue  *sync_requests.Queue
	status *fakeStatus
}

func newAPIFixture(t *testing.T, apiKey string, waitAttempts int) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log := logger.NewAppLogger(nil)
	log.InitLogger()

	queue := sync_requests.NewQueue(inmemory.NewStore().Repositories().SyncRequestRepository, log)
	f := &apiFixture{
		router: gin.New(),
		queue:  queue,
		status: &fakeStatus{},
	}
	RegisterRoutes(f.router, RouteDependencies{
		Log:    log,
		Queue:  queue,
		Waiter: sync_requests.NewWaiter(queue, waitAttempts, 5*time.Millisecond),
		Status: f.status,
		APIKey: apiKey,
	})
	return f
}

func (f *apiFixture) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func authHeaders() map[string]string {
	return map[string]string{middleware.APIKeyHeader: testAPIKey}
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t, testAPIKey, 1)

	w := f.do(t, http.MethodGet, "/health", nil, nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestStatus_BeforeFirstRun(t *testing.T) {
	f := newAPIFixture(t, testAPIKey, 1)

	w := f.do(t, http.MethodGet, "/status", nil, nil)

	require.Equal(t, http.StatusOK, w.Code)
	status := decode[dto.SyncStatusResponse](t, w)
	assert.Nil(t, status.LastRunAt)
	assert.Empty(t, status.Results)
}

func TestStatus_ReportsLastBatch(t *testing.T) {
	f := newAPIFixture(t, testAPIKey, 1)
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	f.status.ok = true
	f.status.at = at
	f.status.summary = interfaces.BatchSummary{
		Configurations: 2,
		Succeeded:      1,
		Failed:         1,
		Inserted:       4,
		Results: []interfaces.SyncResult{
			{ConfigurationID: "mbox_1", Fetched: 4, Inserted: 4, Watermark: 12},
			{ConfigurationID: "mbox_2", Err: errors.New("mailbox authentication failed")},
		},
	}

	w := f.do(t, http.MethodGet, "/status", nil, nil)

	require.Equal(t, http.StatusOK, w.Code)
	status := decode[dto.SyncStatusResponse](t, w)
	require.NotNil(t, status.LastRunAt)
	assert.True(t, at.Equal(*status.LastRunAt))
	assert.Equal(t, 2, status.Configurations)
	assert.Equal(t, 4, status.Inserted)
	require.Len(t, status.Results, 2)
	assert.Equal(t, uint32(12), status.Results[0].Watermark)
	assert.Equal(t, "mailbox authentication failed", status.Results[1].Error)
}

func TestCreateSyncRequest_RequiresAPIKey(t *testing.T) {
	f := newAPIFixture(t, testAPIKey, 1)

	missing := f.do(t, http.MethodPost, "/v1/sync-requests", dto.EnqueueSyncRequest{UserID: "user-1"}, nil)
	wrong := f.do(t, http.MethodPost, "/v1/sync-requests", dto.EnqueueSyncRequest{UserID: "user-1"},
		map[string]string{middleware.APIKeyHeader: "nope"})

	assert.Equal(t, http.StatusUnauthorized, missing.Code)
	assert.Equal(t, http.StatusUnauthorized, wrong.Code)
}

func TestCreateSyncRequest_Enqueues(t *testing.T) {
	f := newAPIFixture(t, testAPIKey, 1)

	w := f.do(t, http.MethodPost, "/v1/sync-requests", dto.EnqueueSyncRequest{UserID: "user-1"}, authHeaders())

	require.Equal(t, http.StatusAccepted, w.Code)
	response := decode[dto.SyncRequestResponse](t, w)
	assert.NotEmpty(t, response.ID)
	assert.Equal(t, "user-1", response.UserID)
	assert.Equal(t, enum.SyncRequestPending, response.Status)

	stored, err := f.queue.Get(context.Background(), response.ID)
	require.NoError(t, err)
	assert.Equal(t, enum.SyncRequestPending, stored.Status)
}

func TestCreateSyncRequest_UserFromHeader(t *testing.T) {
	f := newAPIFixture(t, testAPIKey, 1)
	headers := authHeaders()
	headers["X-USER-ID"] = "user-from-header"

	w := f.do(t, http.MethodPost, "/v1/sync-requests", dto.EnqueueSyncRequest{}, headers)

	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "user-from-header", decode[dto.SyncRequestResponse](t, w).UserID)
}

func TestCreateSyncRequest_MissingUser(t *testing.T) {
	f := newAPIFixture(t, testAPIKey, 1)

	w := f.do(t, http.MethodPost, "/v1/sync-requests", dto.EnqueueSyncRequest{UserID: "   "}, authHeaders())

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "userId")
}

func TestCreateSyncRequest_MalformedBody(t *testing.T) {
	f := newAPIFixture(t, testAPIKey, 1)
	req := httptest.NewRequest(http.MethodPost, "/v1/sync-requests", bytes.NewBufferString("{not json"))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(middleware.APIKeyHeader, testAPIKey)
	w := httptest.NewRecorder()

	f.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateSyncRequest_WaitTimesOutAsUnknown(t *testing.T) {
	f := newAPIFixture(t, testAPIKey, 3)

	w := f.do(t, http.MethodPost, "/v1/sync-requests", dto.EnqueueSyncRequest{UserID: "user-1", Wait: true}, authHeaders())

	require.Equal(t, http.StatusAccepted, w.Code)
	response := decode[dto.SyncRequestResponse](t, w)
	assert.Equal(t, enum.SyncRequestUnknown, response.Status)
	assert.NotEmpty(t, response.ID)
}

func TestCreateSyncRequest_WaitReturnsTerminalResult(t *testing.T) {
	f := newAPIFixture(t, testAPIKey, 400)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		for ctx.Err() == nil {
			claimed, err := f.queue.Claim(ctx, 1)
			if err == nil && len(claimed) == 1 {
				_ = f.queue.Complete(ctx, claimed[0].ID, models.SyncRequestResult{
					Message:         "Synced 1 of 1 mailbox configuration(s), 2 new message(s)",
					EmailsProcessed: 2,
				})
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	w := f.do(t, http.MethodPost, "/v1/sync-requests", dto.EnqueueSyncRequest{UserID: "user-1", Wait: true}, authHeaders())

	require.Equal(t, http.StatusOK, w.Code)
	response := decode[dto.SyncRequestResponse](t, w)
	assert.Equal(t, enum.SyncRequestCompleted, response.Status)
	require.NotNil(t, response.Result)
	assert.True(t, response.Result.Success)
	assert.Equal(t, 2, response.Result.EmailsProcessed)
}

func TestGetSyncRequest(t *testing.T) {
	f := newAPIFixture(t, testAPIKey, 1)
	ctx := context.Background()
	request, err := f.queue.Enqueue(ctx, "user-1")
	require.NoError(t, err)
	require.NoError(t, f.queue.Fail(ctx, request.ID, "no active mailbox configurations for user"))

	w := f.do(t, http.MethodGet, "/v1/sync-requests/"+request.ID, nil, authHeaders())

	require.Equal(t, http.StatusOK, w.Code)
	response := decode[dto.SyncRequestResponse](t, w)
	assert.Equal(t, enum.SyncRequestFailed, response.Status)
	require.NotNil(t, response.Result)
	assert.False(t, response.Result.Success)
	assert.Equal(t, "no active mailbox configurations for user", response.Result.Error)
}

func TestGetSyncRequest_NotFound(t *testing.T) {
	f := newAPIFixture(t, testAPIKey, 1)

	w := f.do(t, http.MethodGet, "/v1/sync-requests/does-not-exist", nil, authHeaders())

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestV1_OpenWhenNoAPIKeyConfigured(t *testing.T) {
	f := newAPIFixture(t, "", 1)

	w := f.do(t, http.MethodPost, "/v1/sync-requests", dto.EnqueueSyncRequest{UserID: "user-1"}, nil)

	assert.Equal(t, http.StatusAccepted, w.Code)
}
