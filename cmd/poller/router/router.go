// Package router configures the poller's read-only HTTP API.
//
// Routes configured:
//   - GET /healthz - liveness (returns 200 OK, or 503 when Check fails)
//   - GET /metrics - Prometheus metrics
//   - GET /api/cameras - archived camera catalog
//   - GET /api/status - latest status of every camera
//   - GET /api/status/{camera_id} - latest status of one camera
//   - GET /api/logs?camera_id=&limit= - recent log rows (limit <= 500)
//   - GET /api/logs/latest?camera_id= - newest log row
//   - GET /api/logs/{id} - one log row, e.g. the parent of an incident event
//   - GET /api/incidents?camera_id=&limit= - incident events (limit <= 2000)
//   - GET /api/hourly?camera_id=&limit= - hourly heartbeats (limit <= 2000)
//   - GET /api/archive/overview?camera_id= - archive totals
//
// Statuses not refreshed within two poll intervals carry an
// X-HighwayVLM-Stale header.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/HatiCode/highwayvlm/pkg/archive"
	"github.com/HatiCode/highwayvlm/pkg/httpx"
	"github.com/HatiCode/highwayvlm/pkg/storage"
)

// StaleHeader is set on status responses older than two poll intervals.
const StaleHeader = "X-HighwayVLM-Stale"

const requestTimeout = 2 * time.Second

var cameraIDRegex = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9_.-]{0,126}[a-zA-Z0-9])?$`)

// ArchiveReader is the read side of the archive.
type ArchiveReader interface {
	ListCameras(ctx context.Context) ([]archive.Camera, error)
	ListLogs(ctx context.Context, f archive.Filter) ([]archive.LogRecord, error)
	LatestLog(ctx context.Context, cameraID string) (archive.LogRecord, bool, error)
	LogByID(ctx context.Context, id int64) (archive.LogRecord, bool, error)
	ListIncidents(ctx context.Context, f archive.Filter) ([]archive.IncidentEvent, error)
	ListHourly(ctx context.Context, f archive.Filter) ([]archive.HourlySnapshot, error)
	Overview(ctx context.Context, cameraID string) (archive.Overview, error)
}

// Config holds the router's collaborators. Gatherer defaults to the
// Prometheus default registry; Now defaults to time.Now.
type Config struct {
	Status   storage.Store
	Archive  ArchiveReader
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
	Now      func() time.Time
	// Check, when set, gates /healthz.
	Check func() error
}

type api struct {
	status  storage.Store
	archive ArchiveReader
	logger  *slog.Logger
	now     func() time.Time
}

// SetupRoutes configures HTTP endpoints for the poller.
func SetupRoutes(cfg Config) *http.ServeMux {
	a := &api{
		status:  cfg.Status,
		archive: cfg.Archive,
		logger:  cfg.Logger,
		now:     cfg.Now,
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	if a.now == nil {
		a.now = time.Now
	}

	metricsHandler := promhttp.Handler()
	if cfg.Gatherer != nil {
		metricsHandler = promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})
	}

	mux := http.NewServeMux()
	if cfg.Check != nil {
		mux.Handle("GET /healthz", httpx.HealthHandlerWithCheck(cfg.Check))
	} else {
		mux.Handle("GET /healthz", httpx.HealthHandler())
	}
	mux.Handle("GET /metrics", metricsHandler)

	mux.HandleFunc("GET /api/cameras", a.handleCameras)
	mux.HandleFunc("GET /api/status", a.handleStatuses)
	mux.HandleFunc("GET /api/status/{camera_id}", a.handleStatus)
	mux.HandleFunc("GET /api/logs", a.handleLogs)
	mux.HandleFunc("GET /api/logs/latest", a.handleLatestLog)
	mux.HandleFunc("GET /api/logs/{id}", a.handleLog)
	mux.HandleFunc("GET /api/incidents", a.handleIncidents)
	mux.HandleFunc("GET /api/hourly", a.handleHourly)
	mux.HandleFunc("GET /api/archive/overview", a.handleOverview)

	return mux
}

func (a *api) handleCameras(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	cameras, err := a.archive.ListCameras(ctx)
	if err != nil {
		a.internalError(w, "list cameras", err)
		return
	}
	if cameras == nil {
		cameras = []archive.Camera{}
	}
	a.writeJSON(w, cameras)
}

func (a *api) handleStatuses(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	statuses, err := a.status.List(ctx)
	if err != nil {
		a.internalError(w, "list statuses", err)
		return
	}
	now := a.now()
	for _, s := range statuses {
		if s.Stale(now) {
			w.Header().Set(StaleHeader, "true")
			break
		}
	}
	a.writeJSON(w, statuses)
}

func (a *api) handleStatus(w http.ResponseWriter, r *http.Request) {
	cameraID := r.PathValue("camera_id")
	if !cameraIDRegex.MatchString(cameraID) {
		httpx.WriteErrorMessage(w, http.StatusBadRequest, "invalid camera id format")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	status, found, err := a.status.GetLatest(ctx, cameraID)
	if err != nil {
		a.internalError(w, "get status", err, "camera", cameraID)
		return
	}
	if !found {
		httpx.WriteErrorMessage(w, http.StatusNotFound, fmt.Sprintf("status not found for camera %q", cameraID))
		return
	}
	if status.Stale(a.now()) {
		w.Header().Set(StaleHeader, "true")
	}
	a.writeJSON(w, status)
}

func (a *api) handleLogs(w http.ResponseWriter, r *http.Request) {
	f, ok := parseFilter(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	logs, err := a.archive.ListLogs(ctx, f)
	if err != nil {
		a.internalError(w, "list logs", err)
		return
	}
	if logs == nil {
		logs = []archive.LogRecord{}
	}
	a.writeJSON(w, logs)
}

func (a *api) handleLatestLog(w http.ResponseWriter, r *http.Request) {
	f, ok := parseFilter(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	rec, found, err := a.archive.LatestLog(ctx, f.CameraID)
	if err != nil {
		a.internalError(w, "latest log", err)
		return
	}
	if !found {
		httpx.WriteErrorMessage(w, http.StatusNotFound, "no log rows yet")
		return
	}
	a.writeJSON(w, rec)
}

func (a *api) handleLog(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id < 1 {
		httpx.WriteErrorMessage(w, http.StatusBadRequest, "log id must be a positive integer")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	rec, found, err := a.archive.LogByID(ctx, id)
	if err != nil {
		a.internalError(w, "get log", err, "log_id", id)
		return
	}
	if !found {
		httpx.WriteErrorMessage(w, http.StatusNotFound, fmt.Sprintf("log %d not found", id))
		return
	}
	a.writeJSON(w, rec)
}

func (a *api) handleIncidents(w http.ResponseWriter, r *http.Request) {
	f, ok := parseFilter(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	events, err := a.archive.ListIncidents(ctx, f)
	if err != nil {
		a.internalError(w, "list incidents", err)
		return
	}
	if events == nil {
		events = []archive.IncidentEvent{}
	}
	a.writeJSON(w, events)
}

func (a *api) handleHourly(w http.ResponseWriter, r *http.Request) {
	f, ok := parseFilter(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	rows, err := a.archive.ListHourly(ctx, f)
	if err != nil {
		a.internalError(w, "list hourly", err)
		return
	}
	if rows == nil {
		rows = []archive.HourlySnapshot{}
	}
	a.writeJSON(w, rows)
}

func (a *api) handleOverview(w http.ResponseWriter, r *http.Request) {
	f, ok := parseFilter(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	ov, err := a.archive.Overview(ctx, f.CameraID)
	if err != nil {
		a.internalError(w, "overview", err)
		return
	}
	a.writeJSON(w, ov)
}

// parseFilter reads camera_id and limit. Limits above the archive maximum
// are clamped by the archive.
func parseFilter(w http.ResponseWriter, r *http.Request) (archive.Filter, bool) {
	q := r.URL.Query()
	f := archive.Filter{CameraID: q.Get("camera_id")}
	if f.CameraID != "" && !cameraIDRegex.MatchString(f.CameraID) {
		httpx.WriteErrorMessage(w, http.StatusBadRequest, "invalid camera id format")
		return f, false
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			httpx.WriteErrorMessage(w, http.StatusBadRequest, "limit must be a positive integer")
			return f, false
		}
		f.Limit = n
	}
	return f, true
}

func (a *api) internalError(w http.ResponseWriter, op string, err error, attrs ...any) {
	a.logger.Error("request failed", append([]any{"op", op, "error", err}, attrs...)...)
	httpx.WriteErrorMessage(w, http.StatusInternalServerError, "internal server error")
}

func (a *api) writeJSON(w http.ResponseWriter, v any) {
	if err := httpx.WriteJSON(w, http.StatusOK, v); err != nil {
		a.logger.Error("failed to write JSON response", "error", err)
	}
}
