package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deploy-restart-agent/config"
	"deploy-restart-agent/internal/clock"
	"deploy-restart-agent/internal/db"
	"deploy-restart-agent/internal/logger"
	"deploy-restart-agent/internal/model"
	"deploy-restart-agent/internal/remote"
	"deploy-restart-agent/internal/restart"
	"deploy-restart-agent/internal/service"
	"deploy-restart-agent/internal/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type mockRestartService struct {
	latest      *restart.Status
	RequestFunc func(ctx context.Context, project string) (*restart.Status, error)
	RejectFunc  func(ctx context.Context) (*restart.Status, error)
}

func (m *mockRestartService) User() string                  { return "bob" }
func (m *mockRestartService) LatestStatus() *restart.Status { return m.latest }
func (m *mockRestartService) FormattedElapsedTime() string {
	if m.latest == nil || !m.latest.HasActiveRestart() {
		return ""
	}
	return "01:00"
}

func (m *mockRestartService) RequestRestart(ctx context.Context, project string) (*restart.Status, error) {
	return m.RequestFunc(ctx, project)
}

func (m *mockRestartService) RejectRestart(ctx context.Context) (*restart.Status, error) {
	return m.RejectFunc(ctx)
}

func newTestStore(t *testing.T) store.Store {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", regexp.MustCompile(`\W`).ReplaceAllString(t.Name(), "_"))
	gdb, err := db.Init(&config.DatabaseConfig{Driver: "sqlite", DSN: dsn, MaxOpenConns: 1, MaxIdleConns: 1}, logger.Discard())
	require.NoError(t, err)
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	return store.NewGormStore(gdb)
}

func do(r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestGetRestartStatus(t *testing.T) {
	svc := &mockRestartService{latest: &restart.Status{
		State:     restart.StatePending,
		Requester: "alice",
		Project:   "web",
		WaitUntil: 1030,
		ActiveRestart: &restart.ActiveRestart{
			Requester: "carol",
			StartedAt: 950,
		},
	}}
	r := NewRouter(Deps{Restart: svc, Clock: clock.Fake(time.Unix(1000, 0))}, RouterOptions{})

	w := do(r, http.MethodGet, "/api/restart/status", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp restartStatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "bob", resp.User)
	assert.True(t, resp.Busy)
	assert.True(t, resp.PendingOverActiveRestart)
	assert.True(t, resp.ServerRestarting)
	assert.False(t, resp.RejectedButStillRestarting)
	assert.Equal(t, int64(30), resp.TimeRemaining)
	assert.Equal(t, "01:00", resp.Elapsed)
	require.NotNil(t, resp.Status)
	assert.Equal(t, restart.StatePending, resp.Status.State)
}

func TestGetRestartStatus_NoSnapshotYet(t *testing.T) {
	r := NewRouter(Deps{Restart: &mockRestartService{}}, RouterOptions{})

	w := do(r, http.MethodGet, "/api/restart/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"user":"bob","status":null,"busy":false,"server_restarting":false,
		"rejected_but_still_restarting":false,"pending_over_active_restart":false,
		"time_remaining":0,"elapsed":""}`, w.Body.String())
}

func TestPostRestartRequest(t *testing.T) {
	testCases := []struct {
		name           string
		body           any
		err            error
		expectedStatus int
		expectedError  string
	}{
		{name: "missing project", body: map[string]string{}, expectedStatus: http.StatusBadRequest, expectedError: "project is required"},
		{name: "blank project", body: map[string]string{"project": "  "}, expectedStatus: http.StatusBadRequest, expectedError: "project is required"},
		{name: "accepted", body: map[string]string{"project": "web"}, expectedStatus: http.StatusAccepted},
		{name: "script refused", body: map[string]string{"project": "web"}, err: &restart.RemoteError{Op: "request", Message: "restart already pending"}, expectedStatus: http.StatusConflict, expectedError: "restart already pending"},
		{name: "not initialized", body: map[string]string{"project": "web"}, err: service.ErrNotInitialized, expectedStatus: http.StatusServiceUnavailable},
		{name: "not connected", body: map[string]string{"project": "web"}, err: fmt.Errorf("restart request: %w", remote.ErrNotConnected), expectedStatus: http.StatusServiceUnavailable},
		{name: "upstream failure", body: map[string]string{"project": "web"}, err: errors.New("exit status 2"), expectedStatus: http.StatusBadGateway, expectedError: "exit status 2"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var gotProject string
			svc := &mockRestartService{RequestFunc: func(_ context.Context, project string) (*restart.Status, error) {
				gotProject = project
				if tc.err != nil {
					return nil, tc.err
				}
				return &restart.Status{State: restart.StatePending, Requester: "bob", Project: project}, nil
			}}
			r := NewRouter(Deps{Restart: svc}, RouterOptions{RateBurst: 100})

			w := do(r, http.MethodPost, "/api/restart/request", tc.body)
			assert.Equal(t, tc.expectedStatus, w.Code)
			if tc.expectedError != "" {
				assert.JSONEq(t, fmt.Sprintf(`{"error":%q}`, tc.expectedError), w.Body.String())
			}
			if tc.expectedStatus == http.StatusAccepted {
				assert.Equal(t, "web", gotProject)
				assert.Contains(t, w.Body.String(), `"busy":true`)
			}
		})
	}
}

func TestPostRestartReject(t *testing.T) {
	svc := &mockRestartService{RejectFunc: func(context.Context) (*restart.Status, error) {
		return &restart.Status{State: restart.StateRejected, Rejections: []restart.Rejection{{User: "bob", Timestamp: 10}}}, nil
	}}
	r := NewRouter(Deps{Restart: svc}, RouterOptions{})

	w := do(r, http.MethodPost, "/api/restart/reject", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"rejected"`)
}

func TestRestartRoutes_WithoutService(t *testing.T) {
	r := NewRouter(Deps{}, RouterOptions{})
	for _, path := range []string{"/api/restart/request", "/api/restart/reject"} {
		w := do(r, http.MethodPost, path, map[string]string{"project": "web"})
		assert.Equal(t, http.StatusServiceUnavailable, w.Code, path)
	}
	w := do(r, http.MethodGet, "/api/restart/status", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestPutSubscription(t *testing.T) {
	r := NewRouter(Deps{}, RouterOptions{})

	req, _ := http.NewRequest(http.MethodPut, "/api/subscriptions", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"error":"invalid request"}`, w.Body.String())
}

func TestSubscriptionLifecycle(t *testing.T) {
	st := newTestStore(t)
	r := NewRouter(Deps{Store: st, Restart: &mockRestartService{}}, RouterOptions{RateBurst: 100})
	ctx := context.Background()

	w := do(r, http.MethodPut, "/api/subscriptions", map[string]string{
		"endpoint": "https://push.example/1", "p256dh": "key", "auth": "secret",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	subs, err := st.ListSubscriptions(ctx)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "bob", subs[0].Viewer)

	w = do(r, http.MethodDelete, "/api/subscriptions", map[string]string{"endpoint": "https://push.example/1"})
	require.Equal(t, http.StatusNoContent, w.Code)

	subs, err = st.ListSubscriptions(ctx)
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestGetVAPIDPublicKey(t *testing.T) {
	r := NewRouter(Deps{}, RouterOptions{})
	w := do(r, http.MethodGet, "/api/vapid_public_key", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	r = NewRouter(Deps{Webpush: &webpush.Options{VAPIDPublicKey: "pub"}}, RouterOptions{})
	w = do(r, http.MethodGet, "/api/vapid_public_key", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"public_key":"pub"}`, w.Body.String())
}

func TestGetTargets_Cached(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Unix(1000, 0)
	require.NoError(t, st.SaveTargets(ctx, []model.Target{
		{Name: "prod", Host: "10.0.0.1", Port: 22, User: "deploy", ScriptPath: "/opt/restart.sh", CreatedAt: now, UpdatedAt: now},
	}))
	r := NewRouter(Deps{Store: st}, RouterOptions{RateBurst: 100})

	w := do(r, http.MethodGet, "/api/targets", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "MISS", w.Header().Get("X-Cache"))
	assert.JSONEq(t, `[{"name":"prod","host":"10.0.0.1","port":22,"user":"deploy","script_path":"/opt/restart.sh"}]`, w.Body.String())

	w = do(r, http.MethodGet, "/api/targets", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "HIT", w.Header().Get("X-Cache"))
}

func TestGetNotifications(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	for i := range 3 {
		require.NoError(t, st.RecordNotification(ctx, &model.NotificationRecord{
			ID:        fmt.Sprintf("n%d", i),
			Kind:      "info",
			Status:    "completed",
			Title:     "Restart complete",
			Message:   "done",
			CreatedAt: time.Unix(int64(1000+i), 0),
		}))
	}
	r := NewRouter(Deps{Store: st}, RouterOptions{RateBurst: 100})

	w := do(r, http.MethodGet, "/api/notifications?limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var recs []model.NotificationRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &recs))
	require.Len(t, recs, 2)
	assert.Equal(t, "n2", recs[0].ID)
	assert.Equal(t, "n1", recs[1].ID)

	w = do(r, http.MethodGet, "/api/notifications?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRateLimiter_RestartRequests(t *testing.T) {
	svc := &mockRestartService{RequestFunc: func(context.Context, string) (*restart.Status, error) {
		return &restart.Status{State: restart.StatePending}, nil
	}}
	r := NewRouter(Deps{Restart: svc}, RouterOptions{RateLimitPerSec: 0.001, RateBurst: 1})

	w := do(r, http.MethodPost, "/api/restart/request", map[string]string{"project": "web"})
	assert.Equal(t, http.StatusAccepted, w.Code)
	w = do(r, http.MethodPost, "/api/restart/request", map[string]string{"project": "web"})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}
