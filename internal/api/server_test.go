package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catlover-bot/pushpipe/internal/config"
	"github.com/catlover-bot/pushpipe/internal/dispatch"
	"github.com/catlover-bot/pushpipe/internal/gateway"
	"github.com/catlover-bot/pushpipe/internal/metrics"
	"github.com/catlover-bot/pushpipe/internal/models"
	"github.com/catlover-bot/pushpipe/internal/receipts"
	"github.com/catlover-bot/pushpipe/internal/storage"
)

const testSecret = "swordfish"

// newTestServer wires a real pipeline against a temp database. The gateway
// client points at an unreachable host; tests only exercise paths that never
// reach the wire.
func newTestServer(t *testing.T) (*Server, *storage.SQLiteStorage) {
	t.Helper()
	store, err := storage.NewSQLite(filepath.Join(t.TempDir(), "pushpipe.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Migrate(context.Background()))

	log := zerolog.Nop()
	gw := gateway.NewHTTPClient("http://gateway.invalid", time.Second)
	agg := metrics.New(store, log)
	worker := dispatch.NewWorker(store, gw, agg, log)

	dispatcher := dispatch.NewOrchestrator(store, worker, config.DispatchConfig{
		Limit:           25,
		AutoScale:       true,
		Parallelism:     2,
		JobsPerWorker:   5,
		MaxParallelism:  4,
		FetchCap:        100,
		AutoReenter:     true,
		MaxPasses:       3,
		MaxReturnedJobs: 50,
	}, log)
	reconciler := receipts.NewReconciler(store, gw, agg, config.ReceiptsConfig{
		Limit:            500,
		Parallelism:      2,
		TicketsPerWorker: 100,
		MaxParallelism:   4,
		MinAgeSeconds:    900,
		SinceDays:        14,
		MaxPasses:        3,
	}, log)

	srv := NewServer(config.ServerConfig{Host: "127.0.0.1", Port: 0}, store, dispatcher, reconciler, agg, testSecret, log)
	return srv, store
}

func doJSON(t *testing.T, handler http.Handler, method, path, secret string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		req.Header.Set(TriggerSecretHeader, secret)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthIsUnauthenticated(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv.Handler(), http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestTriggerAuthRejectsBadSecret(t *testing.T) {
	srv, _ := newTestServer(t)

	for _, secret := range []string{"", "wrong"} {
		rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/v1/jobs", secret, map[string]string{
			"user_id": "user-1", "kind": "new_follower", "title": "hi",
		})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	}

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/internal/dispatch", "wrong", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestEnqueueAndGetJob(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/v1/jobs", testSecret, map[string]interface{}{
		"user_id": "user-1",
		"kind":    "new_follower",
		"title":   "New follower",
		"body":    "someone followed you",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var created struct {
		JobID string `json:"job_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.JobID)

	rec = doJSON(t, srv.Handler(), http.MethodGet, "/api/v1/jobs/"+created.JobID, testSecret, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got struct {
		Job    models.Job             `json:"job"`
		Events []models.DeliveryEvent `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, created.JobID, got.Job.ID)
	assert.Equal(t, models.JobPending, got.Job.Status)
	require.Len(t, got.Events, 1)
	assert.Equal(t, models.EventQueued, got.Events[0].EventType)
}

func TestEnqueueValidation(t *testing.T) {
	srv, _ := newTestServer(t)

	cases := []map[string]interface{}{
		{"kind": "new_follower", "title": "hi"}, // missing user_id
		{"user_id": "u", "title": "hi"},        // missing kind
		{"user_id": "u", "kind": "k"},          // missing title
	}
	for _, body := range cases {
		rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/v1/jobs", testSecret, body)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	}
}

func TestGetJobNotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv.Handler(), http.MethodGet, "/api/v1/jobs/job_missing", testSecret, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRegisterDevice(t *testing.T) {
	srv, store := newTestServer(t)

	rec := doJSON(t, srv.Handler(), http.MethodPut, "/api/v1/devices", testSecret, map[string]string{
		"user_id": "user-1",
		"token":   "ExponentPushToken[aaa]",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	devices, err := store.ListDevices(context.Background(), "user-1")
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "expo", devices[0].Provider, "provider defaults when omitted")
	assert.True(t, devices[0].Enabled)
}

func TestRegisterDeviceRejectsBadToken(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv.Handler(), http.MethodPut, "/api/v1/devices", testSecret, map[string]string{
		"user_id": "user-1",
		"token":   "definitely not a push token",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// Dispatch trigger over HTTP: the enqueued job has no registered devices, so
// it completes as a no-op success without touching the gateway.
func TestDispatchTrigger(t *testing.T) {
	srv, store := newTestServer(t)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/v1/jobs", testSecret, map[string]interface{}{
		"user_id": "user-1", "kind": "new_follower", "title": "hi",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = doJSON(t, srv.Handler(), http.MethodPost, "/internal/dispatch", testSecret, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var res dispatch.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, 1, res.Processed)
	assert.False(t, res.ShouldContinue)

	n, err := store.CountClaimableJobs(context.Background(), time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

// Trigger body overrides overlay the configured defaults.
func TestDispatchTriggerWithOverrides(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/internal/dispatch", testSecret, map[string]interface{}{
		"max_passes": 1,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var res dispatch.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, 1, res.PassCount)
	assert.Equal(t, 0, res.Processed)
}

func TestReceiptsTrigger(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/internal/receipts", testSecret, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var res receipts.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, 0, res.Processed, "empty backlog reconciles nothing")
}

func TestStats(t *testing.T) {
	srv, _ := newTestServer(t)

	doJSON(t, srv.Handler(), http.MethodPost, "/api/v1/jobs", testSecret, map[string]interface{}{
		"user_id": "user-1", "kind": "new_follower", "title": "hi",
	})

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/api/v1/stats", testSecret, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats storage.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, int64(1), stats.PendingJobs)
}

func TestUserMetrics(t *testing.T) {
	srv, _ := newTestServer(t)

	doJSON(t, srv.Handler(), http.MethodPost, "/api/v1/jobs", testSecret, map[string]interface{}{
		"user_id": "user-1", "kind": "new_follower", "title": "hi",
	})

	day := time.Now().UTC().Format("2006-01-02")
	rec := doJSON(t, srv.Handler(), http.MethodGet, "/api/v1/users/user-1/metrics?day="+day, testSecret, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var buckets []models.DailyMetricBucket
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &buckets))
	require.Len(t, buckets, 2, "kind bucket plus rollup")
	for _, b := range buckets {
		assert.Equal(t, int64(1), b.Queued)
	}
}
