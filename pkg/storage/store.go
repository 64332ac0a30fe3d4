package storage

import (
	"context"
	"time"
)

// CameraStatus is the latest polling state of one camera as seen by readers.
type CameraStatus struct {
	CameraID            string    `json:"camera_id"`
	Name                string    `json:"name"`
	Corridor            string    `json:"corridor,omitempty"`
	Direction           string    `json:"direction,omitempty"`
	PollIntervalSec     int       `json:"poll_interval_sec"`
	LastPollAt          time.Time `json:"last_poll_at,omitzero"`
	NextDueAt           time.Time `json:"next_due_at,omitzero"`
	LastSuccessAt       time.Time `json:"last_success_at,omitzero"`
	LastAnalyzedAt      time.Time `json:"last_analyzed_at,omitzero"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastOutcome         string    `json:"last_outcome,omitempty"`
	LastError           string    `json:"last_error,omitempty"`
	LastSkippedReason   string    `json:"last_skipped_reason,omitempty"`
	TrafficState        string    `json:"traffic_state,omitempty"`
	LastFrameHash       string    `json:"last_frame_hash,omitempty"`
	LastHourBucket      string    `json:"last_hour_bucket,omitempty"`
	LastImagePath       string    `json:"last_image_path,omitempty"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// Stale reports whether the status has not been refreshed within two poll
// intervals of now.
func (s CameraStatus) Stale(now time.Time) bool {
	if s.UpdatedAt.IsZero() || s.PollIntervalSec <= 0 {
		return false
	}
	return now.Sub(s.UpdatedAt) > 2*time.Duration(s.PollIntervalSec)*time.Second
}

type Store interface {
	Put(ctx context.Context, status CameraStatus) error
	GetLatest(ctx context.Context, cameraID string) (CameraStatus, bool, error)
	// List returns every stored status ordered by camera id.
	List(ctx context.Context) ([]CameraStatus, error)
}
