// Package notify publishes archived incident events to NATS.
//
// Each event is sent as JSON on "{subject}.{camera_id}", so subscribers can
// listen to one camera or use "{subject}.>" for all of them. Publishing
// happens only after the events are committed to the archive.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/HatiCode/highwayvlm/pkg/archive"
)

// DefaultSubject is the subject prefix used when none is configured.
const DefaultSubject = "highwayvlm.incidents"

type conn interface {
	Publish(subject string, data []byte) error
	FlushWithContext(ctx context.Context) error
	Drain() error
	Close()
	IsConnected() bool
}

// Publisher sends incident events to NATS. It is safe for concurrent use.
type Publisher struct {
	conn    conn
	subject string
	logger  *slog.Logger
}

// Event is the message body published per incident.
type Event struct {
	LogID       int64     `json:"log_id"`
	EventID     int64     `json:"event_id"`
	CameraID    string    `json:"camera_id"`
	CameraName  string    `json:"camera_name"`
	Corridor    string    `json:"corridor,omitempty"`
	Direction   string    `json:"direction,omitempty"`
	CapturedAt  time.Time `json:"captured_at"`
	Type        string    `json:"incident_type"`
	Severity    string    `json:"severity"`
	Description string    `json:"description"`
	Traffic     string    `json:"traffic_state,omitempty"`
	ImagePath   string    `json:"image_path,omitempty"`
}

// Connect dials the NATS server at url.
func Connect(url, subject string, logger *slog.Logger) (*Publisher, error) {
	if url == "" {
		return nil, errors.New("nats url cannot be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}

	nc, err := nats.Connect(url,
		nats.Name("highwayvlm-poller"),
		nats.Timeout(5*time.Second),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", url, err)
	}

	logger.Info("NATS connection established", "url", url)
	return newPublisher(nc, subject, logger), nil
}

func newPublisher(c conn, subject string, logger *slog.Logger) *Publisher {
	if subject == "" {
		subject = DefaultSubject
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{conn: c, subject: strings.TrimSuffix(subject, "."), logger: logger}
}

// Subject returns the subject an event for cameraID is published on.
func (p *Publisher) Subject(cameraID string) string {
	return p.subject + "." + strings.ReplaceAll(cameraID, ".", "_")
}

// PublishIncidents publishes one message per event and flushes. Events are
// attempted even after a failure; the first error is returned.
func (p *Publisher) PublishIncidents(ctx context.Context, events []archive.IncidentEvent) error {
	if len(events) == 0 {
		return nil
	}

	var errs []error
	for _, ev := range events {
		data, err := json.Marshal(toEvent(ev))
		if err != nil {
			errs = append(errs, fmt.Errorf("marshal incident %d: %w", ev.ID, err))
			continue
		}
		if err := p.conn.Publish(p.Subject(ev.CameraID), data); err != nil {
			errs = append(errs, fmt.Errorf("publish incident %d: %w", ev.ID, err))
		}
	}
	if err := p.conn.FlushWithContext(ctx); err != nil {
		errs = append(errs, fmt.Errorf("flush: %w", err))
	}
	return errors.Join(errs...)
}

// Connected reports whether the underlying connection is up.
func (p *Publisher) Connected() bool {
	return p.conn.IsConnected()
}

// Close drains pending messages, falling back to an immediate close.
func (p *Publisher) Close() error {
	if err := p.conn.Drain(); err != nil {
		p.logger.Warn("failed to drain NATS connection, closing immediately", "error", err)
		p.conn.Close()
	}
	return nil
}

func toEvent(ev archive.IncidentEvent) Event {
	return Event{
		LogID:       ev.LogID,
		EventID:     ev.ID,
		CameraID:    ev.CameraID,
		CameraName:  ev.CameraName,
		Corridor:    ev.Corridor,
		Direction:   ev.Direction,
		CapturedAt:  ev.CapturedAt,
		Type:        ev.Type,
		Severity:    ev.Severity,
		Description: ev.Description,
		Traffic:     ev.TrafficState,
		ImagePath:   ev.ImagePath,
	}
}
