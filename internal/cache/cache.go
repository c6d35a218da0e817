package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/streamforge/pipeline/pkg/models"
)

// Cache provides the shared TTL key-value state: streaming sessions, job
// progress snapshots, cancel flags and the worker heartbeat registry.
type Cache struct {
	client *redis.Client
}

// NewCache creates a new cache instance
func NewCache(host string, port int, password string, db int) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Cache{client: client}, nil
}

// Close closes the Redis connection
func (c *Cache) Close() error {
	return c.client.Close()
}

// Ping checks the Redis connection
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Session Operations

// SetSession stores a streaming session with an inactivity TTL.
func (c *Cache) SetSession(ctx context.Context, session *models.StreamingSession, ttl time.Duration) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	key := fmt.Sprintf("session:%s", session.ID)
	return c.client.Set(ctx, key, data, ttl).Err()
}

// GetSession retrieves a streaming session. A miss (expired or unknown)
// returns ErrSessionNotFound.
func (c *Cache) GetSession(ctx context.Context, sessionID string) (*models.StreamingSession, error) {
	key := fmt.Sprintf("session:%s", sessionID)
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, models.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session from cache: %w", err)
	}

	var session models.StreamingSession
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}

	return &session, nil
}

// DeleteSession removes a streaming session.
func (c *Cache) DeleteSession(ctx context.Context, sessionID string) error {
	key := fmt.Sprintf("session:%s", sessionID)
	return c.client.Del(ctx, key).Err()
}

// CountUserSessions returns the number of live sessions a user holds for
// a video, for enforcing the token's max-sessions claim.
func (c *Cache) CountUserSessions(ctx context.Context, videoID, userID string) (int, error) {
	count := 0
	iter := c.client.Scan(ctx, 0, "session:*", 0).Iterator()
	for iter.Next(ctx) {
		data, err := c.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			continue
		}
		var session models.StreamingSession
		if err := json.Unmarshal(data, &session); err != nil {
			continue
		}
		if session.VideoID == videoID && session.UserID == userID {
			count++
		}
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("failed to scan sessions: %w", err)
	}
	return count, nil
}

// Job Progress Operations

// SetJobProgress caches job progress for quick status polls.
func (c *Cache) SetJobProgress(ctx context.Context, jobID string, progress float64, ttl time.Duration) error {
	key := fmt.Sprintf("job:progress:%s", jobID)
	return c.client.Set(ctx, key, progress, ttl).Err()
}

// GetJobProgress retrieves cached job progress. A miss returns -1.
func (c *Cache) GetJobProgress(ctx context.Context, jobID string) (float64, error) {
	key := fmt.Sprintf("job:progress:%s", jobID)
	progress, err := c.client.Get(ctx, key).Float64()
	if err == redis.Nil {
		return -1, nil
	}
	return progress, err
}

// Cancel Flags

// RequestCancel flags a job for cancellation so the worker holding its
// subprocess can terminate it.
func (c *Cache) RequestCancel(ctx context.Context, jobID string) error {
	key := fmt.Sprintf("job:cancel:%s", jobID)
	return c.client.Set(ctx, key, "1", time.Hour).Err()
}

// IsCancelRequested reports whether a cancel flag is set for the job.
func (c *Cache) IsCancelRequested(ctx context.Context, jobID string) (bool, error) {
	key := fmt.Sprintf("job:cancel:%s", jobID)
	_, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ClearCancel removes a job's cancel flag.
func (c *Cache) ClearCancel(ctx context.Context, jobID string) error {
	key := fmt.Sprintf("job:cancel:%s", jobID)
	return c.client.Del(ctx, key).Err()
}

// Worker Registry

// RegisterHeartbeat refreshes a worker's registry entry. The TTL bounds
// how long a silent worker is still considered alive.
func (c *Cache) RegisterHeartbeat(ctx context.Context, hb *models.WorkerHeartbeat, ttl time.Duration) error {
	data, err := json.Marshal(hb)
	if err != nil {
		return fmt.Errorf("failed to marshal heartbeat: %w", err)
	}

	key := fmt.Sprintf("worker:%s", hb.WorkerID)
	return c.client.Set(ctx, key, data, ttl).Err()
}

// ListWorkers returns every live worker registry entry.
func (c *Cache) ListWorkers(ctx context.Context) ([]*models.WorkerHeartbeat, error) {
	var workers []*models.WorkerHeartbeat

	iter := c.client.Scan(ctx, 0, "worker:*", 0).Iterator()
	for iter.Next(ctx) {
		data, err := c.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			continue
		}
		var hb models.WorkerHeartbeat
		if err := json.Unmarshal(data, &hb); err != nil {
			continue
		}
		workers = append(workers, &hb)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan workers: %w", err)
	}

	return workers, nil
}

// RemoveWorker deletes a worker's registry entry.
func (c *Cache) RemoveWorker(ctx context.Context, workerID string) error {
	key := fmt.Sprintf("worker:%s", workerID)
	return c.client.Del(ctx, key).Err()
}
