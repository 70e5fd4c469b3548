package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lox/tempcast/internal/models"
	"github.com/lox/tempcast/internal/store"
)

const (
	redisListKey  = "tempcast:jobs:pending"
	redisIndexKey = "tempcast:jobs:index"
	redisJobTTL   = 24 * time.Hour
	redisPopBlock = 2 * time.Second
)

// RedisBackend queues job IDs on a Redis list and stores each job as a hash
// that expires a day after its last update. A sorted set indexes job IDs by
// creation time for listing.
type RedisBackend struct {
	client *redis.Client
	list   string
	index  string
	ttl    time.Duration
}

func NewRedisBackend(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client, list: redisListKey, index: redisIndexKey, ttl: redisJobTTL}
}

func jobKey(id string) string {
	return "tempcast:job:" + id
}

func (b *RedisBackend) Enqueue(ctx context.Context, job store.Job) error {
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, jobKey(job.ID), jobFields(job))
		pipe.Expire(ctx, jobKey(job.ID), b.ttl)
		pipe.ZAdd(ctx, b.index, redis.Z{Score: float64(job.CreatedAt.UnixMilli()), Member: job.ID})
		pipe.ZRemRangeByScore(ctx, b.index, "-inf", strconv.FormatInt(job.CreatedAt.Add(-b.ttl).UnixMilli(), 10))
		pipe.LPush(ctx, b.list, job.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis enqueue: %w", err)
	}
	return nil
}

func (b *RedisBackend) Dequeue(ctx context.Context) (string, error) {
	for {
		res, err := b.client.BRPop(ctx, redisPopBlock, b.list).Result()
		if errors.Is(err, redis.Nil) {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", fmt.Errorf("redis dequeue: %w", err)
		}
		// BRPOP replies with [list, value].
		return res[1], nil
	}
}

func (b *RedisBackend) Save(ctx context.Context, job store.Job) error {
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		key := jobKey(job.ID)
		pipe.HSet(ctx, key, jobFields(job))
		if job.Result == nil {
			pipe.HDel(ctx, key, "result")
		}
		pipe.Expire(ctx, key, b.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis save job: %w", err)
	}
	return nil
}

func (b *RedisBackend) Load(ctx context.Context, id string) (*store.Job, error) {
	fields, err := b.client.HGetAll(ctx, jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis load job: %w", err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return parseJobFields(fields)
}

func (b *RedisBackend) List(ctx context.Context, limit int) ([]store.Job, error) {
	if limit < 1 {
		return nil, nil
	}
	ids, err := b.client.ZRevRange(ctx, b.index, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list jobs: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	if _, err := b.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, jobKey(id))
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("redis list jobs: %w", err)
	}

	jobs := make([]store.Job, 0, len(ids))
	var expired []any
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			expired = append(expired, ids[i])
			continue
		}
		job, err := parseJobFields(fields)
		if err != nil {
			return nil, fmt.Errorf("job %s: %w", ids[i], err)
		}
		jobs = append(jobs, *job)
	}
	if len(expired) > 0 {
		b.client.ZRem(ctx, b.index, expired...)
	}
	return jobs, nil
}

func jobFields(j store.Job) map[string]any {
	f := map[string]any{
		"id":          j.ID,
		"kind":        j.Kind,
		"payload":     string(j.Payload),
		"state":       string(j.State),
		"error":       j.Error,
		"created_at":  j.CreatedAt.UTC().Format(time.RFC3339Nano),
		"started_at":  formatOptional(j.StartedAt),
		"finished_at": formatOptional(j.FinishedAt),
	}
	if j.Result != nil {
		f["result"] = string(j.Result)
	}
	return f
}

func formatOptional(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseOptional(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func parseJobFields(f map[string]string) (*store.Job, error) {
	j := &store.Job{
		ID:      f["id"],
		Kind:    f["kind"],
		Payload: json.RawMessage(f["payload"]),
		State:   models.JobState(f["state"]),
		Error:   f["error"],
	}
	if r, ok := f["result"]; ok && r != "" {
		j.Result = json.RawMessage(r)
	}

	var err error
	if j.CreatedAt, err = time.Parse(time.RFC3339Nano, f["created_at"]); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if j.StartedAt, err = parseOptional(f["started_at"]); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if j.FinishedAt, err = parseOptional(f["finished_at"]); err != nil {
		return nil, fmt.Errorf("parse finished_at: %w", err)
	}
	return j, nil
}
