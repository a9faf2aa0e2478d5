// Package cache keeps the live view of the orchestrator in Redis: session
// counters, the recent activity list and the latest report of each kind.
package cache

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/portalwatch/pkg/models"
	"github.com/redis/go-redis/v9"
)

// MaxActivity is the number of activity entries kept per session.
const MaxActivity = 1000

// stateTTL bounds how long a stopped session's counters linger.
const stateTTL = 7 * 24 * time.Hour

// Cache is the caching interface. All cache operations go through here.
// Implementations must be safe for concurrent use.
type Cache interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)

	PushActivity(ctx context.Context, sessionID uuid.UUID, entry []byte) error
	RecentActivity(ctx context.Context, sessionID uuid.UUID, limit int) ([][]byte, error)
	SetSessionState(ctx context.Context, sess models.Session) error
	GetSessionState(ctx context.Context, sessionID uuid.UUID) (map[string]string, error)
}

// RedisCache implements the Cache interface using go-redis/v9.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new RedisCache from a Redis URL.
func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisCache{client: redis.NewClient(opts)}, nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

func (c *RedisCache) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// PushActivity prepends entry and trims the list to MaxActivity.
func (c *RedisCache) PushActivity(ctx context.Context, sessionID uuid.UUID, entry []byte) error {
	key := ActivityKey(sessionID)
	pipe := c.client.TxPipeline()
	pipe.LPush(ctx, key, entry)
	pipe.LTrim(ctx, key, 0, MaxActivity-1)
	_, err := pipe.Exec(ctx)
	return err
}

// RecentActivity returns up to limit entries, newest first.
func (c *RedisCache) RecentActivity(ctx context.Context, sessionID uuid.UUID, limit int) ([][]byte, error) {
	if limit <= 0 || limit > MaxActivity {
		limit = 50
	}
	vals, err := c.client.LRange(ctx, ActivityKey(sessionID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

// SetSessionState writes the session's status and counters to its hash.
func (c *RedisCache) SetSessionState(ctx context.Context, sess models.Session) error {
	fields := map[string]any{
		"name":           sess.Name,
		"status":         sess.Status,
		"login_status":   sess.LoginStatus,
		"total_checks":   sess.TotalChecks,
		"total_accepted": sess.TotalAccepted,
		"total_rejected": sess.TotalRejected,
		"login_attempts": sess.LoginAttempts,
		"last_error":     sess.LastError,
		"updated_at":     time.Now().UTC().Format(time.RFC3339),
	}
	if sess.StartTime != nil {
		fields["start_time"] = sess.StartTime.UTC().Format(time.RFC3339)
	}
	if decided := sess.TotalAccepted + sess.TotalRejected; decided > 0 {
		rate := float64(sess.TotalAccepted) / float64(decided)
		fields["acceptance_rate"] = strconv.FormatFloat(rate, 'f', 4, 64)
	}

	key := SessionStateKey(sess.ID)
	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, stateTTL)
	_, err := pipe.Exec(ctx)
	return err
}

func (c *RedisCache) GetSessionState(ctx context.Context, sessionID uuid.UUID) (map[string]string, error) {
	return c.client.HGetAll(ctx, SessionStateKey(sessionID)).Result()
}

var _ Cache = (*RedisCache)(nil)
