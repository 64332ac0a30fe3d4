package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type execQueryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// WriteAttempt commits the log row, its incident events and the optional
// hourly row of one poll attempt in a single transaction. Either every row is
// committed or none is.
func (a *DB) WriteAttempt(ctx context.Context, at Attempt) (AttemptResult, error) {
	if err := a.checkOpen(); err != nil {
		return AttemptResult{}, &WriteError{Op: "write attempt", Err: err}
	}

	var res AttemptResult
	err := retryOnBusy(ctx, func() error {
		res = AttemptResult{}

		tx, err := a.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		defer tx.Rollback()

		logID, err := insertLog(ctx, tx, at.Log)
		if err != nil {
			return err
		}

		for _, ev := range at.Incidents {
			ev.LogID = logID
			id, err := insertIncident(ctx, tx, ev)
			if err != nil {
				return err
			}
			res.IncidentIDs = append(res.IncidentIDs, id)
		}

		if at.Hourly != nil {
			h := *at.Hourly
			h.LogID = logID
			outcome, err := insertHourly(ctx, tx, h)
			if err != nil {
				return err
			}
			res.Hourly = outcome
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		res.LogID = logID
		return nil
	})
	if err != nil {
		return AttemptResult{}, &WriteError{Op: "write attempt", Err: err}
	}
	return res, nil
}

// WriteLog appends a single log row and returns its id.
func (a *DB) WriteLog(ctx context.Context, rec LogRecord) (int64, error) {
	if err := a.checkOpen(); err != nil {
		return 0, &WriteError{Op: "write log", Err: err}
	}
	var id int64
	err := retryOnBusy(ctx, func() error {
		var err error
		id, err = insertLog(ctx, a.db, rec)
		return err
	})
	if err != nil {
		return 0, &WriteError{Op: "write log", Err: err}
	}
	return id, nil
}

// WriteIncidents appends incident events. Every event must reference an
// existing log row through LogID.
func (a *DB) WriteIncidents(ctx context.Context, events []IncidentEvent) ([]int64, error) {
	if err := a.checkOpen(); err != nil {
		return nil, &WriteError{Op: "write incidents", Err: err}
	}
	for i, ev := range events {
		if ev.LogID == 0 {
			return nil, &WriteError{Op: "write incidents", Err: fmt.Errorf("event %d has no log id", i)}
		}
	}
	if len(events) == 0 {
		return nil, nil
	}

	var ids []int64
	err := retryOnBusy(ctx, func() error {
		ids = ids[:0]
		tx, err := a.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		defer tx.Rollback()
		for _, ev := range events {
			id, err := insertIncident(ctx, tx, ev)
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, &WriteError{Op: "write incidents", Err: err}
	}
	return ids, nil
}

// WriteHourly inserts the heartbeat row unless one already exists for the
// same camera and hour bucket, in which case the stored row is left untouched.
func (a *DB) WriteHourly(ctx context.Context, h HourlySnapshot) (HourlyOutcome, error) {
	if err := a.checkOpen(); err != nil {
		return HourlyNotAttempted, &WriteError{Op: "write hourly", Err: err}
	}
	var outcome HourlyOutcome
	err := retryOnBusy(ctx, func() error {
		var err error
		outcome, err = insertHourly(ctx, a.db, h)
		return err
	})
	if err != nil {
		return HourlyNotAttempted, &WriteError{Op: "write hourly", Err: err}
	}
	return outcome, nil
}

// HasHourly reports whether a heartbeat row exists for the camera and bucket.
func (a *DB) HasHourly(ctx context.Context, cameraID, hourBucket string) (bool, error) {
	if err := a.checkOpen(); err != nil {
		return false, err
	}
	var one int
	err := a.db.QueryRowContext(ctx,
		`SELECT 1 FROM hourly_snapshots WHERE camera_id = ? AND hour_bucket = ?`,
		cameraID, hourBucket,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query hourly: %w", err)
	}
	return true, nil
}

// SyncCameras upserts the given cameras and removes archived cameras that are
// no longer listed.
func (a *DB) SyncCameras(ctx context.Context, cameras []Camera) error {
	if err := a.checkOpen(); err != nil {
		return &WriteError{Op: "sync cameras", Err: err}
	}
	now := formatTime(time.Now())
	err := retryOnBusy(ctx, func() error {
		tx, err := a.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		defer tx.Rollback()

		if _, err := tx.ExecContext(ctx, `CREATE TEMP TABLE IF NOT EXISTS keep_cameras (camera_id TEXT PRIMARY KEY)`); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM keep_cameras`); err != nil {
			return err
		}

		for _, c := range cameras {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO cameras (camera_id, name, snapshot_url, source_url, corridor, direction, poll_interval_sec, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(camera_id) DO UPDATE SET
					name = excluded.name,
					snapshot_url = excluded.snapshot_url,
					source_url = excluded.source_url,
					corridor = excluded.corridor,
					direction = excluded.direction,
					poll_interval_sec = excluded.poll_interval_sec,
					updated_at = excluded.updated_at`,
				c.CameraID, c.Name, c.SnapshotURL, c.SourceURL, c.Corridor, c.Direction, c.PollIntervalSec, now,
			)
			if err != nil {
				return fmt.Errorf("upsert camera %q: %w", c.CameraID, err)
			}
			if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO keep_cameras (camera_id) VALUES (?)`, c.CameraID); err != nil {
				return err
			}
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM cameras WHERE camera_id NOT IN (SELECT camera_id FROM keep_cameras)`); err != nil {
			return fmt.Errorf("prune cameras: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return &WriteError{Op: "sync cameras", Err: err}
	}
	return nil
}

func insertLog(ctx context.Context, q execQueryer, rec LogRecord) (int64, error) {
	if rec.AttemptID == "" {
		return 0, errors.New("log record requires an attempt id")
	}
	if rec.CameraID == "" {
		return 0, errors.New("log record requires a camera id")
	}
	incidents := rec.Incidents
	if incidents == nil {
		incidents = []Incident{}
	}
	incidentsJSON, err := json.Marshal(incidents)
	if err != nil {
		return 0, fmt.Errorf("marshal incidents: %w", err)
	}
	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	res, err := q.ExecContext(ctx, `
		INSERT INTO vlm_logs (
			attempt_id, created_at, captured_at, camera_id, camera_name, corridor, direction,
			observed_direction, traffic_state, incidents_json, notes, overall_confidence,
			confidence_clamped, image_path, raw_output_path, vlm_model, raw_response,
			error, error_kind, skipped_reason, frame_hash
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.AttemptID, formatTime(created), formatTime(rec.CapturedAt), rec.CameraID, rec.CameraName,
		rec.Corridor, rec.Direction, rec.ObservedDirection, rec.TrafficState, string(incidentsJSON),
		rec.Notes, nullFloat(rec.OverallConfidence), rec.ConfidenceClamped, rec.ImagePath,
		rec.RawOutputPath, rec.Model, rec.RawResponse, Redact(rec.Error), rec.ErrorKind,
		Redact(rec.SkippedReason), rec.FrameHash,
	)
	if err != nil {
		return 0, fmt.Errorf("insert log: %w", err)
	}
	return res.LastInsertId()
}

func insertIncident(ctx context.Context, q execQueryer, ev IncidentEvent) (int64, error) {
	res, err := q.ExecContext(ctx, `
		INSERT INTO incident_events (
			log_id, created_at, captured_at, camera_id, camera_name, corridor, direction,
			observed_direction, traffic_state, incident_type, severity, description, notes,
			overall_confidence, image_path, vlm_model
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.LogID, formatTime(ev.CreatedAt), formatTime(ev.CapturedAt), ev.CameraID, ev.CameraName,
		ev.Corridor, ev.Direction, ev.ObservedDirection, ev.TrafficState, ev.Type, ev.Severity,
		ev.Description, ev.Notes, nullFloat(ev.OverallConfidence), ev.ImagePath, ev.Model,
	)
	if err != nil {
		return 0, fmt.Errorf("insert incident: %w", err)
	}
	return res.LastInsertId()
}

func insertHourly(ctx context.Context, q execQueryer, h HourlySnapshot) (HourlyOutcome, error) {
	if h.CameraID == "" || h.HourBucket == "" {
		return HourlyNotAttempted, errors.New("hourly snapshot requires camera id and hour bucket")
	}
	var logID any
	if h.LogID != 0 {
		logID = h.LogID
	}
	res, err := q.ExecContext(ctx, `
		INSERT INTO hourly_snapshots (
			log_id, camera_id, camera_name, corridor, direction, hour_bucket, created_at,
			captured_at, image_path, frame_hash, traffic_state, incident_count, status,
			summary, error, skipped_reason
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(camera_id, hour_bucket) DO NOTHING`,
		logID, h.CameraID, h.CameraName, h.Corridor, h.Direction, h.HourBucket,
		formatTime(h.CreatedAt), formatTime(h.CapturedAt), h.ImagePath, h.FrameHash,
		h.TrafficState, h.IncidentCount, h.Status, h.Summary, Redact(h.Error), Redact(h.SkippedReason),
	)
	if err != nil {
		return HourlyNotAttempted, fmt.Errorf("insert hourly: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return HourlyNotAttempted, fmt.Errorf("hourly rows affected: %w", err)
	}
	if n == 0 {
		return HourlyAlreadyExists, nil
	}
	return HourlyInserted, nil
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}
