// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sharedmem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig redis 共享存储配置
type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db"`
}

// RedisStore redis 实现；每种数据结构直接映射到 redis 原生类型
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore 连接 redis 并创建共享存储
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("sharedmem: redis ping: %w", err)
	}
	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("sharedmem: marshal: %w", err)
	}
	if err := s.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("sharedmem: redis set: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, key string, dst any) (bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("sharedmem: redis get: %w", err)
	}
	if dst == nil {
		return true, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("sharedmem: unmarshal: %w", err)
	}
	return true, nil
}

// writeWithTTL 写命令与 EXPIRE 走同一 pipeline，减少一次往返
func (s *RedisStore) writeWithTTL(ctx context.Context, key string, ttl time.Duration, write func(redis.Pipeliner)) error {
	pipe := s.client.Pipeline()
	write(pipe)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("sharedmem: redis pipeline: %w", err)
	}
	return nil
}

func (s *RedisStore) ListAppend(ctx context.Context, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("sharedmem: marshal: %w", err)
	}
	return s.writeWithTTL(ctx, key, ttl, func(pipe redis.Pipeliner) {
		pipe.RPush(ctx, key, raw)
	})
}

func (s *RedisStore) ListRange(ctx context.Context, key string, start, stop int64) ([]json.RawMessage, error) {
	vals, err := s.client.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("sharedmem: redis lrange: %w", err)
	}
	out := make([]json.RawMessage, 0, len(vals))
	for _, v := range vals {
		out = append(out, json.RawMessage(v))
	}
	return out, nil
}

func (s *RedisStore) HashSet(ctx context.Context, key, field string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("sharedmem: marshal: %w", err)
	}
	return s.writeWithTTL(ctx, key, ttl, func(pipe redis.Pipeliner) {
		pipe.HSet(ctx, key, field, raw)
	})
}

func (s *RedisStore) HashGet(ctx context.Context, key, field string, dst any) (bool, error) {
	raw, err := s.client.HGet(ctx, key, field).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("sharedmem: redis hget: %w", err)
	}
	if dst == nil {
		return true, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("sharedmem: unmarshal: %w", err)
	}
	return true, nil
}

func (s *RedisStore) HashGetAll(ctx context.Context, key string) (map[string]json.RawMessage, error) {
	vals, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("sharedmem: redis hgetall: %w", err)
	}
	out := make(map[string]json.RawMessage, len(vals))
	for f, v := range vals {
		out[f] = json.RawMessage(v)
	}
	return out, nil
}

func (s *RedisStore) SetAdd(ctx context.Context, key, member string, ttl time.Duration) error {
	return s.writeWithTTL(ctx, key, ttl, func(pipe redis.Pipeliner) {
		pipe.SAdd(ctx, key, member)
	})
}

func (s *RedisStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	members, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("sharedmem: redis smembers: %w", err)
	}
	return members, nil
}

func (s *RedisStore) Incr(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	var cmd *redis.IntCmd
	pipe := s.client.Pipeline()
	cmd = pipe.IncrBy(ctx, key, delta)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("sharedmem: redis incrby: %w", err)
	}
	return cmd.Val(), nil
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("sharedmem: redis expire: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("sharedmem: redis del: %w", err)
	}
	return nil
}

// Close 关闭 redis 连接
func (s *RedisStore) Close() error { return s.client.Close() }
