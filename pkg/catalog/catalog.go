// Package catalog loads the static camera list polled by the service.
//
// The catalog is a YAML document:
//
//	snapshot_url_template: https://cwwp2.dot.ca.gov/data/d4/cctv/image/{camera_id}.jpg
//	default_poll_interval_sec: 60
//	cameras:
//	  - camera_id: tv101i80ashby
//	    name: I-80 @ Ashby
//	    corridor: I-80
//	    direction: W
//
// A camera without snapshot_url gets one from the template, with {camera_id}
// replaced by its id. The catalog is loaded once at startup and never reloaded.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Camera is one polled camera.
type Camera struct {
	ID              string `yaml:"camera_id" json:"camera_id"`
	Name            string `yaml:"name" json:"name"`
	SnapshotURL     string `yaml:"snapshot_url" json:"snapshot_url"`
	SourceURL       string `yaml:"source_url,omitempty" json:"source_url,omitempty"`
	Corridor        string `yaml:"corridor" json:"corridor"`
	Direction       string `yaml:"direction" json:"direction"`
	PollIntervalSec int    `yaml:"poll_interval_sec" json:"poll_interval_sec"`
}

// PollInterval returns the camera's polling period.
func (c Camera) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSec) * time.Second
}

// DisplayName returns the name, falling back to the id.
func (c Camera) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	return c.ID
}

// Options supplies defaults that the file may override.
type Options struct {
	SnapshotURLTemplate string
	DefaultPollInterval time.Duration
}

type file struct {
	SnapshotURLTemplate    string   `yaml:"snapshot_url_template"`
	DefaultPollIntervalSec int      `yaml:"default_poll_interval_sec"`
	Cameras                []Camera `yaml:"cameras"`
}

var (
	// ErrEmpty is returned when the catalog lists no cameras.
	ErrEmpty = errors.New("catalog has no cameras")

	cameraIDRegex = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9_.-]{0,126}[a-zA-Z0-9])?$`)
)

// Load reads and validates the catalog file at path.
func Load(path string, opts Options) ([]Camera, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	cams, err := Parse(data, opts)
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}
	return cams, nil
}

// Parse decodes and validates a catalog document. The returned cameras keep
// file order.
func Parse(data []byte, opts Options) ([]Camera, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	if len(f.Cameras) == 0 {
		return nil, ErrEmpty
	}

	template := opts.SnapshotURLTemplate
	if f.SnapshotURLTemplate != "" {
		template = f.SnapshotURLTemplate
	}
	defaultInterval := int(opts.DefaultPollInterval / time.Second)
	if f.DefaultPollIntervalSec > 0 {
		defaultInterval = f.DefaultPollIntervalSec
	}

	seen := make(map[string]bool, len(f.Cameras))
	cams := make([]Camera, 0, len(f.Cameras))
	for i, c := range f.Cameras {
		c.ID = strings.TrimSpace(c.ID)
		if c.ID == "" {
			return nil, fmt.Errorf("camera[%d]: camera_id cannot be empty", i)
		}
		if !cameraIDRegex.MatchString(c.ID) {
			return nil, fmt.Errorf("camera[%d]: invalid camera_id %q (alphanumeric with dot/dash/underscore, 1-128 chars)", i, c.ID)
		}
		if seen[c.ID] {
			return nil, fmt.Errorf("camera %q: duplicate camera_id", c.ID)
		}
		seen[c.ID] = true

		if c.SnapshotURL == "" {
			if template == "" {
				return nil, fmt.Errorf("camera %q: snapshot_url missing and no snapshot_url_template set", c.ID)
			}
			c.SnapshotURL = strings.ReplaceAll(template, "{camera_id}", c.ID)
		}
		if !strings.HasPrefix(c.SnapshotURL, "http://") && !strings.HasPrefix(c.SnapshotURL, "https://") {
			return nil, fmt.Errorf("camera %q: snapshot_url must be http(s), got %q", c.ID, c.SnapshotURL)
		}

		if c.PollIntervalSec < 0 {
			return nil, fmt.Errorf("camera %q: poll_interval_sec cannot be negative", c.ID)
		}
		if c.PollIntervalSec == 0 {
			c.PollIntervalSec = defaultInterval
		}
		if c.PollIntervalSec <= 0 {
			return nil, fmt.Errorf("camera %q: poll_interval_sec must be > 0", c.ID)
		}

		cams = append(cams, c)
	}
	return cams, nil
}
