package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// Query limits, matching the read API bounds.
const (
	DefaultLogLimit      = 100
	MaxLogLimit          = 500
	DefaultIncidentLimit = 200
	DefaultHourlyLimit   = 336
	MaxArchiveLimit      = 2000
)

// Filter narrows a list query.
type Filter struct {
	CameraID string
	Limit    int
}

func (f Filter) limit(def, max int) int {
	switch {
	case f.Limit <= 0:
		return def
	case f.Limit > max:
		return max
	default:
		return f.Limit
	}
}

func (f Filter) where() (string, []any) {
	if f.CameraID == "" {
		return "", nil
	}
	return " WHERE camera_id = ?", []any{f.CameraID}
}

const logColumns = `id, attempt_id, created_at, captured_at, camera_id, camera_name, corridor,
	direction, observed_direction, traffic_state, incidents_json, notes, overall_confidence,
	confidence_clamped, image_path, raw_output_path, vlm_model, raw_response, error,
	error_kind, skipped_reason, frame_hash`

// ListLogs returns the most recent log rows, newest first.
func (a *DB) ListLogs(ctx context.Context, f Filter) ([]LogRecord, error) {
	if err := a.checkOpen(); err != nil {
		return nil, err
	}
	where, args := f.where()
	args = append(args, f.limit(DefaultLogLimit, MaxLogLimit))

	rows, err := a.db.QueryContext(ctx,
		`SELECT `+logColumns+` FROM vlm_logs`+where+` ORDER BY created_at DESC, id DESC LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("query logs: %w", err)
	}
	defer rows.Close()

	var out []LogRecord
	for rows.Next() {
		rec, err := scanLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// LatestLog returns the newest log row, optionally restricted to a camera.
func (a *DB) LatestLog(ctx context.Context, cameraID string) (LogRecord, bool, error) {
	logs, err := a.ListLogs(ctx, Filter{CameraID: cameraID, Limit: 1})
	if err != nil {
		return LogRecord{}, false, err
	}
	if len(logs) == 0 {
		return LogRecord{}, false, nil
	}
	return logs[0], true, nil
}

// LogByID returns a single log row.
func (a *DB) LogByID(ctx context.Context, id int64) (LogRecord, bool, error) {
	if err := a.checkOpen(); err != nil {
		return LogRecord{}, false, err
	}
	row := a.db.QueryRowContext(ctx, `SELECT `+logColumns+` FROM vlm_logs WHERE id = ?`, id)
	rec, err := scanLog(row)
	if errors.Is(err, sql.ErrNoRows) {
		return LogRecord{}, false, nil
	}
	if err != nil {
		return LogRecord{}, false, err
	}
	return rec, true, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanLog(s scanner) (LogRecord, error) {
	var (
		rec               LogRecord
		created, captured string
		incidentsJSON     string
		confidence        sql.NullFloat64
	)
	err := s.Scan(
		&rec.ID, &rec.AttemptID, &created, &captured, &rec.CameraID, &rec.CameraName,
		&rec.Corridor, &rec.Direction, &rec.ObservedDirection, &rec.TrafficState, &incidentsJSON,
		&rec.Notes, &confidence, &rec.ConfidenceClamped, &rec.ImagePath, &rec.RawOutputPath,
		&rec.Model, &rec.RawResponse, &rec.Error, &rec.ErrorKind, &rec.SkippedReason, &rec.FrameHash,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return LogRecord{}, err
		}
		return LogRecord{}, fmt.Errorf("scan log: %w", err)
	}
	rec.CreatedAt = parseTime(created)
	rec.CapturedAt = parseTime(captured)
	if confidence.Valid {
		v := confidence.Float64
		rec.OverallConfidence = &v
	}
	if err := json.Unmarshal([]byte(incidentsJSON), &rec.Incidents); err != nil {
		rec.Incidents = nil
	}
	if rec.Incidents == nil {
		rec.Incidents = []Incident{}
	}
	return rec, nil
}

// ListIncidents returns incident events, newest first.
func (a *DB) ListIncidents(ctx context.Context, f Filter) ([]IncidentEvent, error) {
	if err := a.checkOpen(); err != nil {
		return nil, err
	}
	where, args := f.where()
	args = append(args, f.limit(DefaultIncidentLimit, MaxArchiveLimit))

	rows, err := a.db.QueryContext(ctx, `
		SELECT id, log_id, created_at, captured_at, camera_id, camera_name, corridor, direction,
			observed_direction, traffic_state, incident_type, severity, description, notes,
			overall_confidence, image_path, vlm_model
		FROM incident_events`+where+` ORDER BY created_at DESC, id DESC LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("query incidents: %w", err)
	}
	defer rows.Close()

	var out []IncidentEvent
	for rows.Next() {
		var (
			ev                IncidentEvent
			created, captured string
			confidence        sql.NullFloat64
		)
		if err := rows.Scan(
			&ev.ID, &ev.LogID, &created, &captured, &ev.CameraID, &ev.CameraName, &ev.Corridor,
			&ev.Direction, &ev.ObservedDirection, &ev.TrafficState, &ev.Type, &ev.Severity,
			&ev.Description, &ev.Notes, &confidence, &ev.ImagePath, &ev.Model,
		); err != nil {
			return nil, fmt.Errorf("scan incident: %w", err)
		}
		ev.CreatedAt = parseTime(created)
		ev.CapturedAt = parseTime(captured)
		if confidence.Valid {
			v := confidence.Float64
			ev.OverallConfidence = &v
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ListHourly returns heartbeat rows, newest bucket first.
func (a *DB) ListHourly(ctx context.Context, f Filter) ([]HourlySnapshot, error) {
	if err := a.checkOpen(); err != nil {
		return nil, err
	}
	where, args := f.where()
	args = append(args, f.limit(DefaultHourlyLimit, MaxArchiveLimit))

	rows, err := a.db.QueryContext(ctx, `
		SELECT id, COALESCE(log_id, 0), camera_id, camera_name, corridor, direction, hour_bucket,
			created_at, captured_at, image_path, frame_hash, traffic_state, incident_count,
			status, summary, error, skipped_reason
		FROM hourly_snapshots`+where+` ORDER BY hour_bucket DESC, camera_id ASC LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("query hourly: %w", err)
	}
	defer rows.Close()

	var out []HourlySnapshot
	for rows.Next() {
		var (
			h                 HourlySnapshot
			created, captured string
		)
		if err := rows.Scan(
			&h.ID, &h.LogID, &h.CameraID, &h.CameraName, &h.Corridor, &h.Direction, &h.HourBucket,
			&created, &captured, &h.ImagePath, &h.FrameHash, &h.TrafficState, &h.IncidentCount,
			&h.Status, &h.Summary, &h.Error, &h.SkippedReason,
		); err != nil {
			return nil, fmt.Errorf("scan hourly: %w", err)
		}
		h.CreatedAt = parseTime(created)
		h.CapturedAt = parseTime(captured)
		out = append(out, h)
	}
	return out, rows.Err()
}

// Overview counts archived incidents and heartbeats.
func (a *DB) Overview(ctx context.Context, cameraID string) (Overview, error) {
	if err := a.checkOpen(); err != nil {
		return Overview{}, err
	}
	f := Filter{CameraID: cameraID}
	where, args := f.where()

	ov := Overview{CameraID: cameraID}
	var latestIncident, latestBucket sql.NullString

	if err := a.db.QueryRowContext(ctx,
		`SELECT COUNT(*), MAX(created_at) FROM incident_events`+where, args...,
	).Scan(&ov.IncidentTotal, &latestIncident); err != nil {
		return Overview{}, fmt.Errorf("count incidents: %w", err)
	}
	if err := a.db.QueryRowContext(ctx,
		`SELECT COUNT(*), MAX(hour_bucket) FROM hourly_snapshots`+where, args...,
	).Scan(&ov.HourlyTotal, &latestBucket); err != nil {
		return Overview{}, fmt.Errorf("count hourly: %w", err)
	}
	ov.LatestIncidentAt = parseTime(latestIncident.String)
	ov.LatestHourBucket = latestBucket.String
	return ov, nil
}

// ListCameras returns the archived camera catalog.
func (a *DB) ListCameras(ctx context.Context) ([]Camera, error) {
	if err := a.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := a.db.QueryContext(ctx, `
		SELECT camera_id, name, snapshot_url, source_url, corridor, direction, poll_interval_sec, updated_at
		FROM cameras ORDER BY camera_id`)
	if err != nil {
		return nil, fmt.Errorf("query cameras: %w", err)
	}
	defer rows.Close()

	var out []Camera
	for rows.Next() {
		var (
			c       Camera
			updated string
		)
		if err := rows.Scan(&c.CameraID, &c.Name, &c.SnapshotURL, &c.SourceURL, &c.Corridor,
			&c.Direction, &c.PollIntervalSec, &updated); err != nil {
			return nil, fmt.Errorf("scan camera: %w", err)
		}
		c.UpdatedAt = parseTime(updated)
		out = append(out, c)
	}
	return out, rows.Err()
}
