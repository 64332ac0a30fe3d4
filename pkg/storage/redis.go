// Package storage holds the latest per-camera polling status for readers
// such as the status API.
package storage

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix = "highwayvlm:status:"
	// redisIndexKey is a set of camera ids that have a status key.
	redisIndexKey = "highwayvlm:cameras"
)

var redisCameraID = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// RedisStore implements Store on Redis so that several pollers or API
// replicas can share camera statuses. Status keys expire after the TTL; the
// camera index is pruned lazily by List.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration

	closeOnce sync.Once
	closeErr  error
}

// NewRedisStore connects to Redis at addr and verifies the connection.
// A zero ttl defaults to one hour.
func NewRedisStore(addr, password string, db int, ttl time.Duration) (*RedisStore, error) {
	switch {
	case addr == "":
		return nil, errors.New("redis address cannot be empty")
	case db < 0:
		return nil, errors.New("redis database number must be >= 0")
	}
	if ttl == 0 {
		ttl = time.Hour
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		MaxRetries:   2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}
	return &RedisStore{client: client, ttl: ttl}, nil
}

func statusKey(cameraID string) string { return redisKeyPrefix + cameraID }

// Put writes the status key and indexes the camera in one transaction.
func (r *RedisStore) Put(ctx context.Context, s CameraStatus) error {
	if !redisCameraID.MatchString(s.CameraID) {
		return fmt.Errorf("invalid camera id %q", s.CameraID)
	}
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, statusKey(s.CameraID), data, r.ttl)
		p.SAdd(ctx, redisIndexKey, s.CameraID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("store status %s: %w", s.CameraID, err)
	}
	return nil
}

// GetLatest returns the status for cameraID; found is false when the key is
// missing or expired.
func (r *RedisStore) GetLatest(ctx context.Context, cameraID string) (CameraStatus, bool, error) {
	if cameraID == "" {
		return CameraStatus{}, false, errors.New("camera id required")
	}
	data, err := r.client.Get(ctx, statusKey(cameraID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return CameraStatus{}, false, nil
	}
	if err != nil {
		return CameraStatus{}, false, fmt.Errorf("get status %s: %w", cameraID, err)
	}
	var st CameraStatus
	if err := json.Unmarshal(data, &st); err != nil {
		return CameraStatus{}, false, fmt.Errorf("decode status %s: %w", cameraID, err)
	}
	return st, true, nil
}

// List reads every indexed camera. Cameras whose key has expired are
// removed from the index.
func (r *RedisStore) List(ctx context.Context) ([]CameraStatus, error) {
	ids, err := r.client.SMembers(ctx, redisIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("read camera index: %w", err)
	}
	out := []CameraStatus{}
	if len(ids) == 0 {
		return out, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = statusKey(id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("read statuses: %w", err)
	}

	var expired []any
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			expired = append(expired, ids[i])
			continue
		}
		var st CameraStatus
		if err := json.Unmarshal([]byte(raw), &st); err != nil {
			return nil, fmt.Errorf("decode status %s: %w", ids[i], err)
		}
		out = append(out, st)
	}
	if len(expired) > 0 {
		// Best effort; a failed prune is retried on the next List.
		r.client.SRem(ctx, redisIndexKey, expired...)
	}

	slices.SortFunc(out, func(a, b CameraStatus) int { return cmp.Compare(a.CameraID, b.CameraID) })
	return out, nil
}

// Close closes the Redis client. Later calls return the first result.
func (r *RedisStore) Close() error {
	r.closeOnce.Do(func() {
		r.closeErr = r.client.Close()
	})
	return r.closeErr
}

// Ping checks the Redis connection.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
