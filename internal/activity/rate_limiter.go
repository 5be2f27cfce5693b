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

package activity

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimit 单个 activity 的限流配置
type RateLimit struct {
	// QPS 每秒允许的调用数，<=0 表示不限
	QPS float64 `mapstructure:"qps" yaml:"qps"`
	// Burst 突发额度，<=0 时取 1
	Burst int `mapstructure:"burst" yaml:"burst"`
	// MaxConcurrent 并发上限，<=0 表示不限
	MaxConcurrent int `mapstructure:"max_concurrent" yaml:"max_concurrent"`
}

type limiterEntry struct {
	limiter *rate.Limiter
	sem     chan struct{}
}

// RateLimiter 按 activity 名限流：QPS 令牌桶 + 并发信号量。
// 未配置的 activity 不受限
type RateLimiter struct {
	mu      sync.Mutex
	cfg     map[string]RateLimit
	entries map[string]*limiterEntry
}

// NewRateLimiter 从配置创建限流器
func NewRateLimiter(cfg map[string]RateLimit) *RateLimiter {
	return &RateLimiter{cfg: cfg, entries: make(map[string]*limiterEntry)}
}

func (r *RateLimiter) entry(name string) *limiterEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[name]; ok {
		return e
	}
	cfg, ok := r.cfg[name]
	if !ok {
		return nil
	}
	e := &limiterEntry{}
	if cfg.QPS > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(cfg.QPS), burst)
	}
	if cfg.MaxConcurrent > 0 {
		e.sem = make(chan struct{}, cfg.MaxConcurrent)
	}
	r.entries[name] = e
	return e
}

// Acquire 阻塞直到获得执行许可；返回释放函数。
// ctx 取消时返回错误，调用方不得执行
func (r *RateLimiter) Acquire(ctx context.Context, name string) (func(), error) {
	e := r.entry(name)
	if e == nil {
		return func() {}, nil
	}
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	if e.sem != nil {
		select {
		case e.sem <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return func() { <-e.sem }, nil
	}
	return func() {}, nil
}
