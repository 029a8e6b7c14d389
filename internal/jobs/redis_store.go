package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix     = "forge:job:"
	redisUpdateRetries = 16
)

// RedisStore keeps jobs as JSON values, one key per job. Updates use
// optimistic WATCH/MULTI transactions on that key only.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Create(ctx context.Context, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	ok, err := s.client.SetNX(ctx, redisKey(job.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	if !ok {
		return ErrDuplicateID
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (Job, error) {
	return s.get(ctx, s.client, id)
}

func (s *RedisStore) Update(ctx context.Context, id string, mutate func(*Job)) (Job, error) {
	key := redisKey(id)
	var committed Job
	txf := func(tx *redis.Tx) error {
		prev, err := s.get(ctx, tx, id)
		if err != nil {
			return err
		}
		next := prev
		mutate(&next)
		if err := checkTransition(prev, next); err != nil {
			committed = prev
			return err
		}
		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("encode job: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		if err == nil {
			committed = next
		}
		return err
	}

	for i := 0; i < redisUpdateRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return committed, err
	}
	return Job{}, fmt.Errorf("update job %s: too much contention", id)
}

func (s *RedisStore) List(ctx context.Context) ([]Job, error) {
	var out []Job
	iter := s.client.Scan(ctx, 0, redisKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		job, err := s.get(ctx, s.client, strings.TrimPrefix(iter.Val(), redisKeyPrefix))
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan jobs: %w", err)
	}
	return out, nil
}

type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) get(ctx context.Context, c stringGetter, id string) (Job, error) {
	data, err := c.Get(ctx, redisKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, fmt.Errorf("get job: %w", err)
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return Job{}, fmt.Errorf("decode job %s: %w", id, err)
	}
	return job, nil
}

func redisKey(id string) string { return redisKeyPrefix + id }
