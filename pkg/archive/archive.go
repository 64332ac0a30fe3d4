// Package archive is the durable SQLite store for poll attempts.
//
// It owns three append-style tables: vlm_logs (one row per poll attempt),
// incident_events (one row per reported incident, keyed to its log row) and
// hourly_snapshots (at most one heartbeat row per camera per UTC hour). The
// write-once rule for hourly rows is enforced by a UNIQUE constraint so it
// holds across process restarts and concurrent writers.
//
// The store is safe for concurrent use. Writes are serialized through a single
// connection and each poll attempt is committed in one transaction.
package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// ErrClosed is returned by operations on a closed DB.
var ErrClosed = errors.New("archive closed")

// WriteError reports that the archive could not durably record a write.
type WriteError struct {
	Op  string
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("archive %s: %v", e.Op, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// DB wraps the archive database handle.
type DB struct {
	db     *sql.DB
	path   string
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// Open opens (creating if needed) the archive at path and applies pending
// migrations.
func Open(ctx context.Context, path string, logger *slog.Logger) (*DB, error) {
	if path == "" {
		return nil, errors.New("archive path cannot be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}

	sqlDB, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// One connection keeps writers serialized and the pragmas in effect.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}

	a := &DB{db: sqlDB, path: path, logger: logger}
	if err := a.migrateUp(); err != nil {
		sqlDB.Close()
		return nil, err
	}

	logger.Info("archive ready", "path", path)
	return a, nil
}

func dsn(path string) string {
	pragmas := []string{
		"journal_mode(WAL)",
		"busy_timeout(5000)",
		"synchronous(NORMAL)",
		"temp_store(MEMORY)",
		"foreign_keys(1)",
	}
	q := url.Values{}
	for _, p := range pragmas {
		q.Add("_pragma", p)
	}
	return "file:" + path + "?" + q.Encode()
}

// Close closes the underlying database. Safe to call more than once.
func (a *DB) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	return a.db.Close()
}

// Ping checks that the database is reachable.
func (a *DB) Ping(ctx context.Context) error {
	if err := a.checkOpen(); err != nil {
		return err
	}
	return a.db.PingContext(ctx)
}

func (a *DB) checkOpen() error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrClosed
	}
	return nil
}

const (
	busyRetries = 5
	busyBackoff = 50 * time.Millisecond
)

// retryOnBusy retries fn while SQLite reports the database as locked.
func retryOnBusy(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < busyRetries; attempt++ {
		err = fn()
		if err == nil || !isBusy(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * busyBackoff):
		}
	}
	return err
}

func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
