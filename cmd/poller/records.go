package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/HatiCode/highwayvlm/pkg/archive"
	"github.com/HatiCode/highwayvlm/pkg/catalog"
	"github.com/HatiCode/highwayvlm/pkg/vlm"
)

func newLogRecord(cam catalog.Camera, attemptID string, t time.Time) archive.LogRecord {
	return archive.LogRecord{
		AttemptID:  attemptID,
		CreatedAt:  t,
		CapturedAt: t,
		CameraID:   cam.ID,
		CameraName: cam.DisplayName(),
		Corridor:   cam.Corridor,
		Direction:  cam.Direction,
		Incidents:  []archive.Incident{},
	}
}

func applyAnalysis(rec *archive.LogRecord, res vlm.AnalysisResult, rawPath string) {
	confidence := res.OverallConfidence
	rec.ObservedDirection = res.ObservedDirection
	rec.TrafficState = res.TrafficState
	rec.Notes = res.Notes
	rec.OverallConfidence = &confidence
	rec.ConfidenceClamped = res.ConfidenceClamped
	rec.Model = res.Model
	rec.RawResponse = res.RawText
	rec.RawOutputPath = rawPath
	rec.Incidents = make([]archive.Incident, 0, len(res.Incidents))
	for _, inc := range res.Incidents {
		rec.Incidents = append(rec.Incidents, archive.Incident{
			Type:        inc.Type,
			Severity:    inc.Severity,
			Description: inc.Description,
		})
	}
}

// incidentEvents derives one event per incident. LogID is assigned by the
// archive inside the attempt transaction.
func incidentEvents(rec archive.LogRecord) []archive.IncidentEvent {
	if len(rec.Incidents) == 0 {
		return nil
	}
	out := make([]archive.IncidentEvent, 0, len(rec.Incidents))
	for _, inc := range rec.Incidents {
		notes := rec.Notes
		if notes == "" {
			notes = fmt.Sprintf("%s (%s): %s", inc.Type, inc.Severity, inc.Description)
		}
		out = append(out, archive.IncidentEvent{
			CreatedAt:         rec.CreatedAt,
			CapturedAt:        rec.CapturedAt,
			CameraID:          rec.CameraID,
			CameraName:        rec.CameraName,
			Corridor:          rec.Corridor,
			Direction:         rec.Direction,
			ObservedDirection: rec.ObservedDirection,
			TrafficState:      rec.TrafficState,
			Type:              inc.Type,
			Severity:          inc.Severity,
			Description:       inc.Description,
			Notes:             notes,
			OverallConfidence: rec.OverallConfidence,
			ImagePath:         rec.ImagePath,
			Model:             rec.Model,
		})
	}
	return out
}

func hourlySnapshot(rec archive.LogRecord, bucket string) archive.HourlySnapshot {
	return archive.HourlySnapshot{
		CameraID:      rec.CameraID,
		CameraName:    rec.CameraName,
		Corridor:      rec.Corridor,
		Direction:     rec.Direction,
		HourBucket:    bucket,
		CreatedAt:     rec.CreatedAt,
		CapturedAt:    rec.CapturedAt,
		ImagePath:     rec.ImagePath,
		FrameHash:     rec.FrameHash,
		TrafficState:  rec.TrafficState,
		IncidentCount: len(rec.Incidents),
		Status:        hourlyStatus(rec),
		Summary:       hourlySummary(rec),
		Error:         rec.Error,
		SkippedReason: rec.SkippedReason,
	}
}

// hourlyStatus classifies an analyzed record; heartbeats are only written
// after a successful analysis.
func hourlyStatus(rec archive.LogRecord) string {
	switch {
	case len(rec.Incidents) > 0:
		return archive.StatusIncident
	case rec.TrafficState != "" && rec.TrafficState != vlm.TrafficUnknown:
		return archive.StatusHealthy
	default:
		return archive.StatusUnknown
	}
}

// hourlySummary is the one-sentence heartbeat description shown to operators.
func hourlySummary(rec archive.LogRecord) string {
	name := rec.CameraName
	if name == "" {
		name = rec.CameraID
	}
	traffic := strings.ReplaceAll(rec.TrafficState, "_", " ")
	if traffic == "" {
		traffic = vlm.TrafficUnknown
	}
	notes := strings.TrimSpace(rec.Notes)

	switch {
	case len(rec.Incidents) > 0:
		kinds := make([]string, 0, len(rec.Incidents))
		for _, inc := range rec.Incidents {
			kinds = append(kinds, strings.ReplaceAll(inc.Type, "_", " "))
		}
		label := strings.Join(kinds, ", ")
		if notes != "" {
			return fmt.Sprintf("Hourly heartbeat captured active incident conditions for %s with traffic state %s: %s. "+
				"Incident types observed in this frame include %s.", name, traffic, strings.TrimSuffix(notes, "."), label)
		}
		return fmt.Sprintf("Hourly heartbeat captured active incident conditions for %s with traffic state %s. "+
			"Incident types observed in this frame include %s.", name, traffic, label)
	case notes != "":
		return fmt.Sprintf("Hourly heartbeat confirms camera coverage for %s with traffic state %s. Summary: %s",
			name, traffic, notes)
	default:
		return fmt.Sprintf("Hourly heartbeat confirms %s was reachable and a frame was stored for this interval; "+
			"the pipeline appears operational for this camera.", name)
	}
}
