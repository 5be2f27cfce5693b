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

package kvstate

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// 版本检查与写入必须原子，CAS 用 Lua 实现。
// 返回新版本号；版本不匹配（或 create-only 时已存在）返回 -1。
var casScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'version')
if ARGV[1] == '0' then
  if cur then return -1 end
  redis.call('HSET', KEYS[1], 'value', ARGV[2], 'version', 1)
  return 1
end
if (not cur) or (cur ~= ARGV[1]) then return -1 end
local next = tonumber(cur) + 1
redis.call('HSET', KEYS[1], 'value', ARGV[2], 'version', next)
return next
`)

// RedisConfig redis KV 文档存储配置
type RedisConfig struct {
	Addr      string `mapstructure:"addr" yaml:"addr"`
	Password  string `mapstructure:"password" yaml:"password"`
	DB        int    `mapstructure:"db" yaml:"db"`
	KeyPrefix string `mapstructure:"key_prefix" yaml:"key_prefix"`
}

// RedisStore redis 实现。每个文档一个 hash：{value, version}
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore 连接 redis 并创建 KV 文档存储
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("kvstate: redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "kvstate:"
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

func (s *RedisStore) redisKey(key string) string { return s.prefix + key }

// Get 读取文档
func (s *RedisStore) Get(ctx context.Context, key string) (Document, error) {
	vals, err := s.client.HMGet(ctx, s.redisKey(key), "value", "version").Result()
	if err != nil {
		return Document{}, fmt.Errorf("kvstate: redis get: %w", err)
	}
	if vals[0] == nil || vals[1] == nil {
		return Document{}, ErrNotFound
	}
	raw, _ := vals[0].(string)
	verStr, _ := vals[1].(string)
	var version int64
	if _, err := fmt.Sscanf(verStr, "%d", &version); err != nil {
		return Document{}, fmt.Errorf("kvstate: parse version %q: %w", verStr, err)
	}
	return Document{Key: key, Value: []byte(raw), Version: version}, nil
}

// Put CAS 写入
func (s *RedisStore) Put(ctx context.Context, key string, value []byte, expectedVersion int64) (int64, error) {
	res, err := casScript.Run(ctx, s.client, []string{s.redisKey(key)}, expectedVersion, value).Int64()
	if err != nil {
		return 0, fmt.Errorf("kvstate: redis cas: %w", err)
	}
	if res < 0 {
		return 0, ErrVersionMismatch
	}
	return res, nil
}

// Delete 删除文档
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.redisKey(key)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("kvstate: redis del: %w", err)
	}
	return nil
}

// Keys 按前缀列出键（SCAN，避免阻塞）
func (s *RedisStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	iter := s.client.Scan(ctx, 0, s.prefix+prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		out = append(out, strings.TrimPrefix(iter.Val(), s.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("kvstate: redis scan: %w", err)
	}
	return out, nil
}

// Close 关闭存储连接
func (s *RedisStore) Close() error { return s.client.Close() }
