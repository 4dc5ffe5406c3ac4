package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"modelviewer/models"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrLockHeld = errors.New("session lock held by another owner")

// StatusCache mirrors translation progress into a Redis hash per URN so
// other processes (and the upload UI) can read it without polling the
// translation API.
type StatusCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewStatusCache(client *redis.Client, prefix string, ttl time.Duration) *StatusCache {
	return &StatusCache{client: client, prefix: prefix, ttl: ttl}
}

func (c *StatusCache) key(urn string) string { return c.prefix + urn }

func (c *StatusCache) Publish(ctx context.Context, job models.ConversionJob) error {
	key := c.key(job.ModelID)
	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"status":     string(job.State),
		"progress":   job.Progress,
		"stage":      job.Stage,
		"message":    job.Message,
		"attempt":    job.Attempt,
		"updated_at": time.Now().Format(time.RFC3339),
	})
	if c.ttl > 0 {
		pipe.Expire(ctx, key, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish status for %s: %w", job.ModelID, err)
	}
	return nil
}

// PublishError stores the error that ended the job together with the
// terminal state it ended in.
func (c *StatusCache) PublishError(ctx context.Context, urn string, state models.JobState, errMsg string) error {
	key := c.key(urn)
	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"status":     string(state),
		"error":      errMsg,
		"updated_at": time.Now().Format(time.RFC3339),
	})
	if c.ttl > 0 {
		pipe.Expire(ctx, key, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish error for %s: %w", urn, err)
	}
	return nil
}

// Get returns the cached job. ok is false when nothing is cached.
func (c *StatusCache) Get(ctx context.Context, urn string) (job models.ConversionJob, ok bool, err error) {
	vals, err := c.client.HGetAll(ctx, c.key(urn)).Result()
	if err != nil {
		return models.ConversionJob{}, false, err
	}
	if len(vals) == 0 {
		return models.ConversionJob{}, false, nil
	}
	job = models.ConversionJob{
		ModelID: urn,
		State:   models.JobState(vals["status"]),
		Stage:   vals["stage"],
		Message: vals["message"],
	}
	job.Progress, _ = strconv.Atoi(vals["progress"])
	job.Attempt, _ = strconv.Atoi(vals["attempt"])
	if e := vals["error"]; e != "" && job.Message == "" {
		job.Message = e
	}
	return job, true, nil
}

// SessionLock keeps two processes from running a pipeline for the same
// session key at once.
type SessionLock struct {
	client *redis.Client
	prefix string
}

func NewSessionLock(client *redis.Client, prefix string) *SessionLock {
	return &SessionLock{client: client, prefix: prefix}
}

// TryLock claims key for ttl and returns the owner token.
func (l *SessionLock) TryLock(ctx context.Context, key string, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.prefix+key, token, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("failed to acquire session lock: %w", err)
	}
	if !ok {
		return "", ErrLockHeld
	}
	return token, nil
}

var luaUnlock = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`)

func (l *SessionLock) Unlock(ctx context.Context, key, token string) error {
	return luaUnlock.Run(ctx, l.client, []string{l.prefix + key}, token).Err()
}

var luaRefresh = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end`)

// Refresh extends a lock still owned by token. ErrLockHeld means the lock
// expired or was taken over.
func (l *SessionLock) Refresh(ctx context.Context, key, token string, ttl time.Duration) error {
	n, err := luaRefresh.Run(ctx, l.client, []string{l.prefix + key}, token, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("failed to refresh session lock: %w", err)
	}
	if n == 0 {
		return ErrLockHeld
	}
	return nil
}
