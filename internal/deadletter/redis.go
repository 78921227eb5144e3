package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"companion-jobs/internal/config"
	"companion-jobs/internal/models"
	"companion-jobs/internal/telemetry"
)

const defaultMaxLen = 1000

// Entry is one dead-lettered job as stored in Redis.
type Entry struct {
	Job      models.Job `json:"job"`
	Reason   string     `json:"reason"`
	FailedAt time.Time  `json:"failed_at"`
}

// Queue is a capped Redis list of jobs that exhausted their retries, newest first.
// Postgres stays the source of truth; the list exists for operator inspection.
type Queue struct {
	client redis.Cmdable
	key    string
	maxLen int64
	now    func() time.Time
}

// NewClient builds the Redis client shared by the dead-letter queue and the rate limiter.
func NewClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

func New(client redis.Cmdable, key string) *Queue {
	if key == "" {
		key = "jobs:dlq"
	}
	return &Queue{client: client, key: key, maxLen: defaultMaxLen, now: time.Now}
}

// Push records a finished job that will not run again and trims the list to its cap.
func (q *Queue) Push(ctx context.Context, job models.Job, reason string) error {
	if !job.Status.Terminal() {
		return fmt.Errorf("dead letter %s: status %q is not terminal", job.ID, job.Status)
	}
	raw, err := json.Marshal(Entry{Job: job, Reason: reason, FailedAt: q.now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.LPush(ctx, q.key, raw)
	pipe.LTrim(ctx, q.key, 0, q.maxLen-1)
	depth := pipe.LLen(ctx, q.key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("push dead letter %s: %w", job.ID, err)
	}
	telemetry.DeadLetterDepth.Set(float64(depth.Val()))
	return nil
}

// Peek returns up to count of the most recent entries.
func (q *Queue) Peek(ctx context.Context, count int64) ([]Entry, error) {
	if count <= 0 {
		count = 50
	}
	items, err := q.client.LRange(ctx, q.key, 0, count-1).Result()
	if err != nil {
		return nil, fmt.Errorf("read dead letters: %w", err)
	}
	out := make([]Entry, 0, len(items))
	for _, item := range items {
		var e Entry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			return nil, fmt.Errorf("decode dead letter: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}

// Depth returns the number of entries currently held.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("dead letter depth: %w", err)
	}
	telemetry.DeadLetterDepth.Set(float64(n))
	return n, nil
}

// Clear drops every entry and returns how many were removed.
func (q *Queue) Clear(ctx context.Context) (int64, error) {
	pipe := q.client.TxPipeline()
	n := pipe.LLen(ctx, q.key)
	pipe.Del(ctx, q.key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("clear dead letters: %w", err)
	}
	telemetry.DeadLetterDepth.Set(0)
	return n.Val(), nil
}
