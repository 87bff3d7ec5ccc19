package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisTaskStore is a Redis-based TaskStore for distributed
// deployments. Tasks are stored as JSON values with a set index of
// non-terminal ids for recovery scans.
type RedisTaskStore struct {
	client    *redis.Client
	keyPrefix string
}

// RedisOptions configure the Redis connection.
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// NewRedisTaskStore connects to Redis and verifies the connection.
func NewRedisTaskStore(opts RedisOptions) (*RedisTaskStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = "easel:"
	}
	return &RedisTaskStore{client: client, keyPrefix: prefix + "task:"}, nil
}

func (s *RedisTaskStore) taskKey(id string) string { return s.keyPrefix + id }

func (s *RedisTaskStore) activeKey() string { return s.keyPrefix + "active" }

func (s *RedisTaskStore) SaveTask(ctx context.Context, task *MaterializeTask) error {
	if task == nil || task.ID == "" {
		return ErrInvalidInput
	}
	task.UpdatedAt = time.Now()
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.taskKey(task.ID), data, 0)
	if task.Status.IsTerminal() {
		pipe.SRem(ctx, s.activeKey(), task.ID)
	} else {
		pipe.SAdd(ctx, s.activeKey(), task.ID)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisTaskStore) GetTask(ctx context.Context, id string) (*MaterializeTask, error) {
	data, err := s.client.Get(ctx, s.taskKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var task MaterializeTask
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("unmarshal task: %w", err)
	}
	return &task, nil
}

func (s *RedisTaskStore) ListRecoverable(ctx context.Context) ([]*MaterializeTask, error) {
	ids, err := s.client.SMembers(ctx, s.activeKey()).Result()
	if err != nil {
		return nil, err
	}
	var out []*MaterializeTask
	for _, id := range ids {
		task, err := s.GetTask(ctx, id)
		if errors.Is(err, ErrNotFound) {
			// Index entry without a task; drop it.
			s.client.SRem(ctx, s.activeKey(), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if task.Status.IsRecoverable() {
			out = append(out, task)
		}
	}
	return out, nil
}

func (s *RedisTaskStore) DeleteTask(ctx context.Context, id string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.taskKey(id))
	pipe.SRem(ctx, s.activeKey(), id)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisTaskStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisTaskStore) Close() error {
	return s.client.Close()
}
