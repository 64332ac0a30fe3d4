// Package framestore persists fetched frames and raw model output to disk.
//
// Frames are camera-keyed: {dir}/{camera_id}_{20060102T150405Z}.{ext}. The
// content hash used for change detection is the hex SHA-256 of the bytes.
package framestore

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/HatiCode/highwayvlm/pkg/snapshot"
)

const fileTimeLayout = "20060102T150405Z"

// Frame is an immutable fetched image.
type Frame struct {
	CameraID    string
	CapturedAt  time.Time
	Bytes       []byte
	ContentType string
	Hash        string
	// Path is set once the frame has been written to disk.
	Path string
}

// Hash returns the content fingerprint of b. Equal fingerprints are treated
// as "no visible change".
func Hash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Store writes frames and raw outputs under two directories.
type Store struct {
	framesDir string
	rawDir    string
}

// New creates the directories if needed. rawDir may be empty to disable raw
// output persistence.
func New(framesDir, rawDir string) (*Store, error) {
	if framesDir == "" {
		return nil, errors.New("frames directory cannot be empty")
	}
	if err := os.MkdirAll(framesDir, 0o755); err != nil {
		return nil, fmt.Errorf("create frames dir: %w", err)
	}
	if rawDir != "" {
		if err := os.MkdirAll(rawDir, 0o755); err != nil {
			return nil, fmt.Errorf("create raw output dir: %w", err)
		}
	}
	return &Store{framesDir: framesDir, rawDir: rawDir}, nil
}

// Save hashes img and writes it to a camera-keyed file. The returned frame
// carries the hash even when the write fails.
func (s *Store) Save(cameraID string, capturedAt time.Time, img snapshot.Image) (Frame, error) {
	frame := Frame{
		CameraID:    cameraID,
		CapturedAt:  capturedAt,
		Bytes:       img.Bytes,
		ContentType: img.ContentType,
		Hash:        Hash(img.Bytes),
	}

	name := fmt.Sprintf("%s_%s.%s", cameraID, capturedAt.UTC().Format(fileTimeLayout), snapshot.Extension(img.ContentType))
	path := filepath.Join(s.framesDir, name)
	if err := writeFileAtomic(path, img.Bytes); err != nil {
		return frame, fmt.Errorf("write frame: %w", err)
	}
	frame.Path = path
	return frame, nil
}

// SaveRaw writes the model's raw response text for audit and returns its path.
// It returns "" when raw persistence is disabled.
func (s *Store) SaveRaw(cameraID string, capturedAt time.Time, raw string) (string, error) {
	if s.rawDir == "" {
		return "", nil
	}
	name := fmt.Sprintf("%s_%s.json", cameraID, capturedAt.UTC().Format(fileTimeLayout))
	path := filepath.Join(s.rawDir, name)
	if err := writeFileAtomic(path, []byte(raw)); err != nil {
		return "", fmt.Errorf("write raw output: %w", err)
	}
	return path, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
