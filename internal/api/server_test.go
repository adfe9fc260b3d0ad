// Package api tests for the status server endpoints and WebSocket stream.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/internet-programming-projects-group-14/source-code-sub000/internal/errors"
	"github.com/internet-programming-projects-group-14/source-code-sub000/internal/models"
	"github.com/internet-programming-projects-group-14/source-code-sub000/internal/sync/broadcast"
)

// =====================================================
// Test Helpers
// =====================================================

type fakeService struct {
	broadcaster *broadcast.Broadcaster
	online      bool
	status      models.SyncStatusSnapshot
	submitted   []json.RawMessage
}

func newFakeService() *fakeService {
	return &fakeService{broadcaster: broadcast.New(), online: true}
}

func (f *fakeService) Submit(_ context.Context, kind models.PayloadKind, payload json.RawMessage) (models.SubmitResult, error) {
	if !json.Valid(payload) {
		return models.SubmitResult{}, apperrors.New(apperrors.ErrValidation, "payload is not valid JSON")
	}
	f.submitted = append(f.submitted, payload)
	return models.SubmitResult{Success: true, ID: "item-1", Offline: !f.online}, nil
}

func (f *fakeService) ForceSync(context.Context) (models.PassResult, error) {
	if !f.online {
		return models.PassResult{}, apperrors.New(apperrors.ErrNoConnectivity, "cannot sync while offline")
	}
	return models.PassResult{Manual: true, Attempted: 2, Synced: 2}, nil
}

func (f *fakeService) GetStatus(context.Context) models.SyncStatusSnapshot { return f.status }

func (f *fakeService) AddListener(fn broadcast.Listener) broadcast.ListenerID {
	return f.broadcaster.AddListener(fn)
}

func (f *fakeService) RemoveListener(id broadcast.ListenerID) bool {
	return f.broadcaster.RemoveListener(id)
}

func newTestServer(t *testing.T) (*Server, *fakeService) {
	t.Helper()
	svc := newFakeService()
	srv := NewServer(svc)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })
	return srv, svc
}

func do(t *testing.T, srv *Server, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

// =====================================================
// REST endpoints
// =====================================================

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)

	w := do(t, srv, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)

	w = do(t, srv, http.MethodPost, "/api/health", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestSyncStatus(t *testing.T) {
	srv, svc := newTestServer(t)
	svc.status = models.SyncStatusSnapshot{TotalPending: 3, TotalFailed: 1}

	w := do(t, srv, http.MethodGet, "/api/sync/status", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var got models.SyncStatusSnapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, 3, got.TotalPending)
	assert.Equal(t, 1, got.TotalFailed)
	assert.Nil(t, got.LastSyncAttempt)
}

func TestForceSync(t *testing.T) {
	srv, svc := newTestServer(t)

	w := do(t, srv, http.MethodPost, "/api/sync", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var result models.PassResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, 2, result.Synced)

	svc.online = false
	w = do(t, srv, http.MethodPost, "/api/sync", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), string(apperrors.ErrNoConnectivity))

	w = do(t, srv, http.MethodGet, "/api/sync", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestSubmitFeedback(t *testing.T) {
	srv, svc := newTestServer(t)

	w := do(t, srv, http.MethodPost, "/api/feedback", []byte(`{"rating":5,"captured_at":1}`))
	require.Equal(t, http.StatusAccepted, w.Code)
	var result models.SubmitResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.True(t, result.Success)
	assert.Equal(t, "item-1", result.ID)
	assert.Len(t, svc.submitted, 1)

	w = do(t, srv, http.MethodPost, "/api/feedback", []byte(`{not json`))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, srv, http.MethodPost, "/api/feedback", bytes.Repeat([]byte("a"), maxBodyBytes+1))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		code apperrors.ErrorCode
		want int
	}{
		{apperrors.ErrValidation, http.StatusBadRequest},
		{apperrors.ErrInvalid, http.StatusBadRequest},
		{apperrors.ErrNotFound, http.StatusNotFound},
		{apperrors.ErrNoConnectivity, http.StatusServiceUnavailable},
		{apperrors.ErrNotImplemented, http.StatusNotImplemented},
		{apperrors.ErrStorage, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.code))
		})
	}
}

// =====================================================
// WebSocket stream
// =====================================================

func TestWebSocketStreamsStatus(t *testing.T) {
	srv, svc := newTestServer(t)
	svc.status = models.SyncStatusSnapshot{TotalPending: 1}

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	readEnvelope := func() WSEnvelope {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var env WSEnvelope
		require.NoError(t, conn.ReadJSON(&env))
		return env
	}

	initial := readEnvelope()
	assert.Equal(t, EventSyncStatus, initial.Type)
	assert.EqualValues(t, 1, initial.Data["total_pending"])

	require.Eventually(t, func() bool { return srv.Hub().ClientCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	svc.broadcaster.Notify(models.SyncStatusSnapshot{TotalPending: 4, IsCurrentlySyncing: true, LastSyncAttempt: &now})

	update := readEnvelope()
	assert.Equal(t, EventSyncStatus, update.Type)
	assert.EqualValues(t, 4, update.Data["total_pending"])
	assert.Equal(t, true, update.Data["is_currently_syncing"])
	assert.Equal(t, "2026-01-02T03:04:05Z", update.Data["last_sync_attempt"])

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "ping"}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var pong map[string]interface{}
	require.NoError(t, conn.ReadJSON(&pong))
	assert.Equal(t, "pong", pong["action"])
}

func TestShutdownRemovesListener(t *testing.T) {
	svc := newFakeService()
	srv := NewServer(svc)
	assert.Equal(t, 1, svc.broadcaster.Len())

	require.NoError(t, srv.Shutdown(context.Background()))
	assert.Equal(t, 0, svc.broadcaster.Len())

	// Broadcasting after shutdown does not block.
	srv.Hub().BroadcastSyncStatus(models.SyncStatusSnapshot{})
}

func TestIsLoopbackOrigin(t *testing.T) {
	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://localhost:3000", true},
		{"http://127.0.0.1:8090", true},
		{"http://[::1]:8090", true},
		{"https://example.com", false},
		{"http://192.168.1.10", false},
	}
	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/ws", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, isLoopbackOrigin(req))
		})
	}
}
