package catalog

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleCatalog = `
snapshot_url_template: https://cams.example.com/{camera_id}.jpg
default_poll_interval_sec: 45
cameras:
  - camera_id: tv101i80ashby
    name: I-80 @ Ashby
    corridor: I-80
    direction: W
  - camera_id: tv102i80gilman
    name: I-80 @ Gilman
    snapshot_url: https://other.example.com/gilman.jpg
    corridor: I-80
    direction: E
    poll_interval_sec: 120
`

func TestParse(t *testing.T) {
	cams, err := Parse([]byte(sampleCatalog), Options{DefaultPollInterval: time.Minute})
	require.NoError(t, err)

	want := []Camera{
		{
			ID:              "tv101i80ashby",
			Name:            "I-80 @ Ashby",
			SnapshotURL:     "https://cams.example.com/tv101i80ashby.jpg",
			Corridor:        "I-80",
			Direction:       "W",
			PollIntervalSec: 45,
		},
		{
			ID:              "tv102i80gilman",
			Name:            "I-80 @ Gilman",
			SnapshotURL:     "https://other.example.com/gilman.jpg",
			Corridor:        "I-80",
			Direction:       "E",
			PollIntervalSec: 120,
		},
	}
	if diff := cmp.Diff(want, cams); diff != "" {
		t.Errorf("Parse() mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 45*time.Second, cams[0].PollInterval())
}

func TestParse_OptionsDefaults(t *testing.T) {
	doc := `
cameras:
  - camera_id: cam1
`
	cams, err := Parse([]byte(doc), Options{
		SnapshotURLTemplate: "http://localhost/{camera_id}/snap",
		DefaultPollInterval: 30 * time.Second,
	})
	require.NoError(t, err)
	require.Len(t, cams, 1)
	assert.Equal(t, "http://localhost/cam1/snap", cams[0].SnapshotURL)
	assert.Equal(t, 30, cams[0].PollIntervalSec)
	assert.Equal(t, "cam1", cams[0].DisplayName())
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"empty", "cameras: []"},
		{"bad yaml", "cameras: [::"},
		{"missing id", "cameras:\n  - name: x\n    snapshot_url: http://a/b"},
		{"invalid id", "cameras:\n  - camera_id: 'bad id'\n    snapshot_url: http://a/b"},
		{"duplicate", "cameras:\n  - camera_id: a\n    snapshot_url: http://a/b\n  - camera_id: a\n    snapshot_url: http://a/c"},
		{"no url", "cameras:\n  - camera_id: a"},
		{"non http url", "cameras:\n  - camera_id: a\n    snapshot_url: ftp://a/b"},
		{"negative interval", "cameras:\n  - camera_id: a\n    snapshot_url: http://a/b\n    poll_interval_sec: -5"},
		{"no interval", "cameras:\n  - camera_id: a\n    snapshot_url: http://a/b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc), Options{})
			assert.Error(t, err)
		})
	}
}

func TestParse_EmptyIsErrEmpty(t *testing.T) {
	_, err := Parse([]byte("cameras: []"), Options{})
	assert.True(t, errors.Is(err, ErrEmpty))
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cameras.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleCatalog), 0o644))

	cams, err := Load(path, Options{})
	require.NoError(t, err)
	assert.Len(t, cams, 2)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"), Options{})
	assert.Error(t, err)
}
