package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/alabobai/capability-runtime/core"
)

// RedisStore persists the job table in a single Redis hash, one field per
// job id, for deployments running more than one runtime process against a
// shared queue. Modeled on RedisTaskQueue's client/config/logger shape.
type RedisStore struct {
	client *redis.Client
	key    string
	logger core.Logger
}

// NewRedisStore builds a RedisStore against an already-connected client.
// key is the Redis hash holding job:id -> JSON-encoded Job (default
// "alabobai:jobqueue:jobs").
func NewRedisStore(client *redis.Client, key string) *RedisStore {
	if key == "" {
		key = "alabobai:jobqueue:jobs"
	}
	return &RedisStore{client: client, key: key, logger: &core.NoOpLogger{}}
}

func (s *RedisStore) SetLogger(logger core.Logger) {
	if logger == nil {
		s.logger = &core.NoOpLogger{}
		return
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		s.logger = cal.WithComponent("runtime/jobqueue")
		return
	}
	s.logger = logger
}

// Hydrate is a no-op for RedisStore: the hash is the source of truth and is
// read fresh on every All()/Get() call.
func (s *RedisStore) Hydrate() {}

// Start is a no-op: RedisStore has no local writer goroutine.
func (s *RedisStore) Start(ctx context.Context) error { return nil }

// Stop is a no-op: RedisStore has no local writer goroutine.
func (s *RedisStore) Stop() {}

func (s *RedisStore) Put(job *Job) {
	ctx := context.Background()
	data, err := json.Marshal(job)
	if err != nil {
		s.logger.Error("failed to encode job", map[string]interface{}{"jobId": job.ID, "error": err.Error()})
		return
	}
	if err := s.client.HSet(ctx, s.key, job.ID, data).Err(); err != nil {
		s.logger.Error("failed to write job to redis", map[string]interface{}{"jobId": job.ID, "error": err.Error()})
	}
}

func (s *RedisStore) Get(id string) (*Job, bool) {
	ctx := context.Background()
	raw, err := s.client.HGet(ctx, s.key, id).Result()
	if err != nil {
		return nil, false
	}
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		s.logger.Warn("corrupt job entry in redis", map[string]interface{}{"jobId": id, "error": err.Error()})
		return nil, false
	}
	return &job, true
}

func (s *RedisStore) All() []*Job {
	ctx := context.Background()
	raw, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		s.logger.Warn("failed to list jobs from redis", map[string]interface{}{"error": err.Error()})
		return nil
	}
	out := make([]*Job, 0, len(raw))
	for id, data := range raw {
		var job Job
		if err := json.Unmarshal([]byte(data), &job); err != nil {
			s.logger.Warn("corrupt job entry in redis, skipping", map[string]interface{}{"jobId": id, "error": err.Error()})
			continue
		}
		out = append(out, &job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Ping verifies connectivity, surfaced so callers can fail fast at startup.
func (s *RedisStore) Ping(ctx context.Context, timeout time.Duration) error {
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := s.client.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}
