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

package runtime

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"actor-platform/internal/actor"
	"actor-platform/pkg/metrics"
)

// DefaultMaxPoolSize 池内活跃 actor 上限默认值
const DefaultMaxPoolSize = 100

// DefaultIdleEviction 空闲逐出时长默认值
const DefaultIdleEviction = 5 * time.Minute

// Instance 池内的已水合 actor 实例
type Instance struct {
	Actor actor.Actor
	Ctx   *actor.Context
	// LastToken 实例最近一次执行所持租约的围栏 token，
	// 用于判定缓存新鲜度（见 Checkout）
	LastToken int64
	LastUsed  time.Time
}

// Pool 已激活 actor 的有界 LRU 缓存。逐出是透明的：
// 状态持久在存储里，下一条消息重新水合。
type Pool struct {
	mu    sync.Mutex
	cache *lru.Cache[string, *Instance]
	idle  time.Duration
}

// NewPool 创建缓存池；maxSize<=0 采用默认 100，idle<=0 采用默认 5m
func NewPool(maxSize int, idle time.Duration) (*Pool, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxPoolSize
	}
	if idle <= 0 {
		idle = DefaultIdleEviction
	}
	cache, err := lru.New[string, *Instance](maxSize)
	if err != nil {
		return nil, err
	}
	return &Pool{cache: cache, idle: idle}, nil
}

// Checkout 取出缓存实例。围栏 token 按资源单调递增且每次获取加一，
// 因此 newToken == LastToken+1 当且仅当两次执行之间没有其他持有者；
// 出现空洞说明别的 worker 可能追加过日志，缓存作废、重新水合。
func (p *Pool) Checkout(actorID string, newToken int64) (*Instance, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	inst, ok := p.cache.Get(actorID)
	if !ok {
		return nil, false
	}
	if newToken != inst.LastToken+1 {
		p.cache.Remove(actorID)
		metrics.PoolSize.Set(float64(p.cache.Len()))
		return nil, false
	}
	return inst, true
}

// Put 执行片结束后归还实例
func (p *Pool) Put(actorID string, inst *Instance, token int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	inst.LastToken = token
	inst.LastUsed = time.Now()
	if evicted := p.cache.Add(actorID, inst); evicted {
		metrics.EvictionTotal.WithLabelValues("lru").Inc()
	}
	metrics.PoolSize.Set(float64(p.cache.Len()))
}

// Remove 移除实例（确定性违例、日志损坏后的隔离）
func (p *Pool) Remove(actorID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cache.Remove(actorID) {
		metrics.EvictionTotal.WithLabelValues("quarantine").Inc()
		metrics.PoolSize.Set(float64(p.cache.Len()))
	}
}

// EvictIdle 逐出空闲超时的实例，返回逐出数
func (p *Pool) EvictIdle(now time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	evicted := 0
	for _, key := range p.cache.Keys() {
		inst, ok := p.cache.Peek(key)
		if !ok {
			continue
		}
		if now.Sub(inst.LastUsed) >= p.idle {
			p.cache.Remove(key)
			metrics.EvictionTotal.WithLabelValues("idle").Inc()
			evicted++
		}
	}
	metrics.PoolSize.Set(float64(p.cache.Len()))
	return evicted
}

// Len 当前池内实例数
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cache.Len()
}

// Purge 清空池（停机）
func (p *Pool) Purge() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache.Purge()
	metrics.PoolSize.Set(0)
}
