package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/therealutkarshpriyadarshi/ocrbatch/pkg/models"
)

type stubPool struct{}

func (stubPool) Monitor() models.PoolStats {
	return models.PoolStats{TotalKeys: 3, ActiveKeys: 2, RateLimitedKeys: 1}
}

func (stubPool) Snapshot() models.StatsSnapshot {
	return models.StatsSnapshot{TotalRequests: 42}
}

type stubScheduler struct{}

func (stubScheduler) Status() models.SchedulerStatus {
	return models.SchedulerStatus{Sleeping: false, QuietHours: "00:00-06:00"}
}

type stubProgress struct{}

func (stubProgress) Progress() models.RunProgress {
	return models.RunProgress{RunID: "run-1", TotalImages: 10, Processed: 4}
}

func newTestServer(t *testing.T) http.Handler {
	t.Helper()
	s := NewServer(0, stubPool{}, stubScheduler{}, stubProgress{})
	return s.server.Handler
}

func doGet(t *testing.T, handler http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	w := doGet(t, newTestServer(t), "/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, w.Body.String())
}

func TestKeysEndpoint(t *testing.T) {
	w := doGet(t, newTestServer(t), "/keys")
	require.Equal(t, http.StatusOK, w.Code)

	var stats models.PoolStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 3, stats.TotalKeys)
	assert.Equal(t, 1, stats.RateLimitedKeys)
}

func TestStatusEndpoint(t *testing.T) {
	w := doGet(t, newTestServer(t), "/status")
	require.Equal(t, http.StatusOK, w.Code)

	var status models.SchedulerStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.False(t, status.Sleeping)
	assert.Equal(t, "00:00-06:00", status.QuietHours)
}

func TestStatsEndpoint(t *testing.T) {
	w := doGet(t, newTestServer(t), "/stats")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Progress models.RunProgress `json:"progress"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "run-1", body.Progress.RunID)
	assert.Equal(t, 4, body.Progress.Processed)
}
