package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HatiCode/highwayvlm/pkg/archive"
	"github.com/HatiCode/highwayvlm/pkg/storage"
)

var now = time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)

type fixture struct {
	db    *archive.DB
	store *storage.MemoryStore
	mux   *http.ServeMux
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	db, err := archive.Open(context.Background(), filepath.Join(t.TempDir(), "router.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := storage.NewMemoryStore()

	return &fixture{
		db:    db,
		store: store,
		mux: SetupRoutes(Config{
			Status:   store,
			Archive:  db,
			Gatherer: prometheus.NewRegistry(),
			Logger:   logger,
			Now:      func() time.Time { return now },
		}),
	}
}

func (f *fixture) seed(t *testing.T, cameraID string, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		at := now.Add(time.Duration(i-n) * time.Minute)
		rec := archive.LogRecord{
			AttemptID:    fmt.Sprintf("%s-%d", cameraID, i),
			CreatedAt:    at,
			CapturedAt:   at,
			CameraID:     cameraID,
			CameraName:   "Camera " + cameraID,
			TrafficState: "heavy",
			Incidents:    []archive.Incident{{Type: "crash", Severity: "major", Description: "lane 2"}},
		}
		attempt := archive.Attempt{
			Log: rec,
			Incidents: []archive.IncidentEvent{{
				CreatedAt:  at,
				CapturedAt: at,
				CameraID:   cameraID,
				Type:       "crash",
				Severity:   "major",
			}},
		}
		if i == 0 {
			attempt.Hourly = &archive.HourlySnapshot{
				CameraID:   cameraID,
				HourBucket: archive.HourBucket(at),
				CreatedAt:  at,
				CapturedAt: at,
				Status:     archive.StatusIncident,
			}
		}
		_, err := f.db.WriteAttempt(ctx, attempt)
		require.NoError(t, err)
	}
}

func (f *fixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	f.mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t)
	w := f.get(t, "/healthz")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())
}

func TestHealthEndpoint_CheckFails(t *testing.T) {
	mux := SetupRoutes(Config{
		Status: storage.NewMemoryStore(),
		Check:  func() error { return errors.New("archive closed") },
	})
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "archive closed")
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	w := f.get(t, "/metrics")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("Content-Type"))
}

func TestCameras(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.db.SyncCameras(context.Background(), []archive.Camera{
		{CameraID: "b", Name: "B", SnapshotURL: "http://x/b.jpg", PollIntervalSec: 60},
		{CameraID: "a", Name: "A", SnapshotURL: "http://x/a.jpg", PollIntervalSec: 60},
	}))

	w := f.get(t, "/api/cameras")
	require.Equal(t, http.StatusOK, w.Code)

	cameras := decode[[]archive.Camera](t, w)
	require.Len(t, cameras, 2)
	assert.Equal(t, "a", cameras[0].CameraID)
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.Put(ctx, storage.CameraStatus{
		CameraID:        "fresh",
		PollIntervalSec: 60,
		UpdatedAt:       now.Add(-time.Minute),
	}))
	require.NoError(t, f.store.Put(ctx, storage.CameraStatus{
		CameraID:        "stale",
		PollIntervalSec: 60,
		UpdatedAt:       now.Add(-5 * time.Minute),
	}))

	tests := []struct {
		name      string
		path      string
		wantCode  int
		wantStale bool
	}{
		{"fresh camera", "/api/status/fresh", http.StatusOK, false},
		{"stale camera", "/api/status/stale", http.StatusOK, true},
		{"missing camera", "/api/status/missing", http.StatusNotFound, false},
		{"invalid id", "/api/status/-bad", http.StatusBadRequest, false},
		{"list marks stale", "/api/status", http.StatusOK, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.get(t, tt.path)
			assert.Equal(t, tt.wantCode, w.Code, w.Body.String())
			assert.Equal(t, tt.wantStale, w.Header().Get(StaleHeader) == "true")
		})
	}

	statuses := decode[[]storage.CameraStatus](t, f.get(t, "/api/status"))
	require.Len(t, statuses, 2)
	assert.Equal(t, "fresh", statuses[0].CameraID)
}

func TestLogs(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "cam-1", 3)
	f.seed(t, "cam-2", 2)

	tests := []struct {
		name     string
		path     string
		wantCode int
		wantLen  int
	}{
		{"all", "/api/logs", http.StatusOK, 5},
		{"by camera", "/api/logs?camera_id=cam-2", http.StatusOK, 2},
		{"limited", "/api/logs?limit=1", http.StatusOK, 1},
		{"limit above max is clamped", "/api/logs?limit=100000", http.StatusOK, 5},
		{"bad limit", "/api/logs?limit=abc", http.StatusBadRequest, 0},
		{"zero limit", "/api/logs?limit=0", http.StatusBadRequest, 0},
		{"bad camera", "/api/logs?camera_id=a%20b", http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.get(t, tt.path)
			require.Equal(t, tt.wantCode, w.Code, w.Body.String())
			if tt.wantCode == http.StatusOK {
				assert.Len(t, decode[[]archive.LogRecord](t, w), tt.wantLen)
			}
		})
	}
}

func TestLogs_EmptyIsArray(t *testing.T) {
	f := newFixture(t)
	w := f.get(t, "/api/logs")

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "[]", w.Body.String())
}

func TestLatestLog(t *testing.T) {
	f := newFixture(t)

	w := f.get(t, "/api/logs/latest?camera_id=cam-1")
	assert.Equal(t, http.StatusNotFound, w.Code)

	f.seed(t, "cam-1", 3)
	w = f.get(t, "/api/logs/latest?camera_id=cam-1")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "cam-1-2", decode[archive.LogRecord](t, w).AttemptID)
}

func TestLogByID(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "cam-1", 1)

	events := decode[[]archive.IncidentEvent](t, f.get(t, "/api/incidents"))
	require.Len(t, events, 1)

	w := f.get(t, fmt.Sprintf("/api/logs/%d", events[0].LogID))
	require.Equal(t, http.StatusOK, w.Code)
	rec := decode[archive.LogRecord](t, w)
	assert.Equal(t, events[0].LogID, rec.ID)
	assert.Equal(t, "cam-1", rec.CameraID)

	assert.Equal(t, http.StatusNotFound, f.get(t, "/api/logs/9999").Code)
	assert.Equal(t, http.StatusBadRequest, f.get(t, "/api/logs/abc").Code)
	assert.Equal(t, http.StatusBadRequest, f.get(t, "/api/logs/0").Code)
}

func TestIncidentsAndHourly(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "cam-1", 3)

	events := decode[[]archive.IncidentEvent](t, f.get(t, "/api/incidents?camera_id=cam-1"))
	assert.Len(t, events, 3)
	for _, ev := range events {
		assert.NotZero(t, ev.LogID)
	}

	rows := decode[[]archive.HourlySnapshot](t, f.get(t, "/api/hourly?camera_id=cam-1"))
	require.Len(t, rows, 1)
	assert.Equal(t, archive.StatusIncident, rows[0].Status)
}

func TestOverview(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "cam-1", 2)

	ov := decode[archive.Overview](t, f.get(t, "/api/archive/overview"))
	assert.Equal(t, 2, ov.IncidentTotal)
	assert.Equal(t, 1, ov.HourlyTotal)
}

func TestMethodNotAllowed(t *testing.T) {
	f := newFixture(t)
	w := httptest.NewRecorder()
	f.mux.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/logs", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}
