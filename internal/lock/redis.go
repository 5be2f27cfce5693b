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

package lock

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"actor-platform/pkg/metrics"
)

// 获取必须原子地「检查空闲 + 取下一个围栏 token + 写入持有者」。
// 持有键与围栏计数器分开存：计数器无 TTL，跨过期只增不减。
// 返回 token；资源被占用返回 -1。
var acquireScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return -1 end
local token = redis.call('INCR', KEYS[2])
redis.call('SET', KEYS[1], ARGV[1] .. ':' .. token, 'PX', ARGV[2])
return token
`)

// 续约与释放都要求当前值仍是自己的 holder:token
var renewScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisConfig redis 锁服务配置
type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db"`
}

// RedisService redis 实现：SET NX PX 语义 + INCR 围栏计数器
type RedisService struct {
	client   *redis.Client
	holderID string
}

// NewRedisService 连接 redis 并创建锁服务
func NewRedisService(ctx context.Context, cfg RedisConfig) (*RedisService, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("lock: redis ping: %w", err)
	}
	return &RedisService{
		client:   client,
		holderID: "worker-" + uuid.New().String(),
	}, nil
}

func holdKey(resource string) string  { return "lock:" + resource }
func fenceKey(resource string) string { return "lock:fence:" + resource }

func holderValue(holderID string, token int64) string {
	return holderID + ":" + strconv.FormatInt(token, 10)
}

func (s *RedisService) Acquire(ctx context.Context, resource string, ttl time.Duration) (*Lease, error) {
	token, err := acquireScript.Run(ctx, s.client,
		[]string{holdKey(resource), fenceKey(resource)},
		s.holderID, ttl.Milliseconds(),
	).Int64()
	if err != nil {
		return nil, fmt.Errorf("lock: redis acquire: %w", err)
	}
	if token < 0 {
		metrics.LeaseConflictTotal.Inc()
		return nil, ErrHeld
	}
	metrics.LeaseAcquireTotal.Inc()
	return &Lease{
		Resource:  resource,
		Token:     token,
		HolderID:  s.holderID,
		ExpiresAt: time.Now().Add(ttl),
	}, nil
}

func (s *RedisService) Renew(ctx context.Context, lease *Lease, ttl time.Duration) error {
	ok, err := renewScript.Run(ctx, s.client,
		[]string{holdKey(lease.Resource)},
		holderValue(lease.HolderID, lease.Token), ttl.Milliseconds(),
	).Int64()
	if err != nil {
		return fmt.Errorf("lock: redis renew: %w", err)
	}
	if ok == 0 {
		metrics.LeaseRenewFailTotal.Inc()
		return ErrNotHeld
	}
	lease.ExpiresAt = time.Now().Add(ttl)
	return nil
}

func (s *RedisService) Release(ctx context.Context, lease *Lease) error {
	if _, err := releaseScript.Run(ctx, s.client,
		[]string{holdKey(lease.Resource)},
		holderValue(lease.HolderID, lease.Token),
	).Int64(); err != nil {
		return fmt.Errorf("lock: redis release: %w", err)
	}
	return nil
}

// Close 关闭 redis 连接
func (s *RedisService) Close() error { return s.client.Close() }
