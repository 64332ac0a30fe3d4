package framestore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HatiCode/highwayvlm/pkg/snapshot"
)

func TestHash(t *testing.T) {
	a := Hash([]byte("frame-a"))
	assert.Len(t, a, 64)
	assert.Equal(t, a, Hash([]byte("frame-a")))
	assert.NotEqual(t, a, Hash([]byte("frame-b")))
	// One-byte change must change the fingerprint.
	assert.NotEqual(t, Hash([]byte{1, 2, 3}), Hash([]byte{1, 2, 4}))
}

func TestSave(t *testing.T) {
	dir := t.TempDir()
	s, err := New(filepath.Join(dir, "frames"), "")
	require.NoError(t, err)

	at := time.Date(2026, 3, 1, 10, 15, 30, 0, time.UTC)
	frame, err := s.Save("cam-1", at, snapshot.Image{Bytes: []byte("png-bytes"), ContentType: "image/png"})
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "frames", "cam-1_20260301T101530Z.png"), frame.Path)
	assert.Equal(t, Hash([]byte("png-bytes")), frame.Hash)

	data, err := os.ReadFile(frame.Path)
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(data))
}

func TestSaveRaw(t *testing.T) {
	dir := t.TempDir()

	disabled, err := New(filepath.Join(dir, "frames"), "")
	require.NoError(t, err)
	path, err := disabled.SaveRaw("cam-1", time.Now(), "{}")
	require.NoError(t, err)
	assert.Empty(t, path)

	s, err := New(filepath.Join(dir, "frames"), filepath.Join(dir, "raw"))
	require.NoError(t, err)
	path, err = s.SaveRaw("cam-1", time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), `{"traffic_state":"free"}`)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "raw", "cam-1_20260301T100000Z.json"), path)
}

func TestNew_EmptyDir(t *testing.T) {
	_, err := New("", "")
	assert.Error(t, err)
}
