package archive

import "time"

// Incident is one entry of an analysis result's incident list.
type Incident struct {
	Type        string `json:"type"`
	Severity    string `json:"severity"`
	Description string `json:"description"`
}

// LogRecord is one row per poll attempt. Exactly one of an analysis
// (TrafficState set), Error, or SkippedReason describes the outcome; an
// errored attempt may also carry a SkippedReason explaining it.
type LogRecord struct {
	ID                int64      `json:"id"`
	AttemptID         string     `json:"attempt_id"`
	CreatedAt         time.Time  `json:"created_at"`
	CapturedAt        time.Time  `json:"captured_at"`
	CameraID          string     `json:"camera_id"`
	CameraName        string     `json:"camera_name"`
	Corridor          string     `json:"corridor"`
	Direction         string     `json:"direction"`
	ObservedDirection string     `json:"observed_direction,omitempty"`
	TrafficState      string     `json:"traffic_state,omitempty"`
	Incidents         []Incident `json:"incidents"`
	Notes             string     `json:"notes,omitempty"`
	OverallConfidence *float64   `json:"overall_confidence,omitempty"`
	ConfidenceClamped bool       `json:"confidence_clamped,omitempty"`
	ImagePath         string     `json:"image_path,omitempty"`
	RawOutputPath     string     `json:"raw_output_path,omitempty"`
	Model             string     `json:"vlm_model,omitempty"`
	RawResponse       string     `json:"raw_response,omitempty"`
	Error             string     `json:"error,omitempty"`
	ErrorKind         string     `json:"error_kind,omitempty"`
	SkippedReason     string     `json:"skipped_reason,omitempty"`
	FrameHash         string     `json:"frame_hash,omitempty"`
}

// IncidentEvent is an append-only row derived from one incident of a LogRecord.
type IncidentEvent struct {
	ID                int64     `json:"id"`
	LogID             int64     `json:"log_id"`
	CreatedAt         time.Time `json:"created_at"`
	CapturedAt        time.Time `json:"captured_at"`
	CameraID          string    `json:"camera_id"`
	CameraName        string    `json:"camera_name"`
	Corridor          string    `json:"corridor"`
	Direction         string    `json:"direction"`
	ObservedDirection string    `json:"observed_direction"`
	TrafficState      string    `json:"traffic_state"`
	Type              string    `json:"incident_type"`
	Severity          string    `json:"severity"`
	Description       string    `json:"description"`
	Notes             string    `json:"notes"`
	OverallConfidence *float64  `json:"overall_confidence,omitempty"`
	ImagePath         string    `json:"image_path,omitempty"`
	Model             string    `json:"vlm_model,omitempty"`
}

// Hourly snapshot statuses.
const (
	StatusHealthy  = "healthy"
	StatusIncident = "incident"
	StatusUnknown  = "unknown"
)

// HourlySnapshot is the per-camera, per-hour heartbeat row.
type HourlySnapshot struct {
	ID            int64     `json:"id"`
	LogID         int64     `json:"log_id"`
	CameraID      string    `json:"camera_id"`
	CameraName    string    `json:"camera_name"`
	Corridor      string    `json:"corridor"`
	Direction     string    `json:"direction"`
	HourBucket    string    `json:"hour_bucket"`
	CreatedAt     time.Time `json:"created_at"`
	CapturedAt    time.Time `json:"captured_at"`
	ImagePath     string    `json:"image_path,omitempty"`
	FrameHash     string    `json:"frame_hash,omitempty"`
	TrafficState  string    `json:"traffic_state,omitempty"`
	IncidentCount int       `json:"incident_count"`
	Status        string    `json:"status"`
	Summary       string    `json:"summary"`
	Error         string    `json:"error,omitempty"`
	SkippedReason string    `json:"skipped_reason,omitempty"`
}

// HourlyOutcome reports what an hourly write did.
type HourlyOutcome int

const (
	// HourlyNotAttempted means the attempt carried no hourly row.
	HourlyNotAttempted HourlyOutcome = iota
	HourlyInserted
	HourlyAlreadyExists
)

func (o HourlyOutcome) String() string {
	switch o {
	case HourlyInserted:
		return "inserted"
	case HourlyAlreadyExists:
		return "already_exists"
	default:
		return "not_attempted"
	}
}

// Attempt groups every row produced by one poll attempt.
type Attempt struct {
	Log       LogRecord
	Incidents []IncidentEvent
	Hourly    *HourlySnapshot
}

// AttemptResult carries the identifiers assigned by WriteAttempt.
type AttemptResult struct {
	LogID       int64
	IncidentIDs []int64
	Hourly      HourlyOutcome
}

// Camera is the archived copy of a catalog entry.
type Camera struct {
	CameraID        string    `json:"camera_id"`
	Name            string    `json:"name"`
	SnapshotURL     string    `json:"snapshot_url"`
	SourceURL       string    `json:"source_url,omitempty"`
	Corridor        string    `json:"corridor"`
	Direction       string    `json:"direction"`
	PollIntervalSec int       `json:"poll_interval_sec"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Overview summarizes archive contents.
type Overview struct {
	CameraID         string    `json:"camera_id,omitempty"`
	IncidentTotal    int       `json:"incident_total"`
	HourlyTotal      int       `json:"hourly_total"`
	LatestIncidentAt time.Time `json:"latest_incident_at,omitzero"`
	LatestHourBucket string    `json:"latest_hour_bucket,omitempty"`
}

// HourBucket returns the UTC clock hour containing t, formatted as
// 2006-01-02T15:00:00Z.
func HourBucket(t time.Time) string {
	return t.UTC().Truncate(time.Hour).Format(time.RFC3339)
}
