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
	"sync"
	"time"

	"github.com/google/uuid"

	"actor-platform/pkg/metrics"
)

type memoryLease struct {
	token     int64
	holderID  string
	expiresAt time.Time
}

// memoryService 内存实现。围栏计数器与持有表分开：
// 计数器跨释放/过期只增不减，保证 token 永不回退。
type memoryService struct {
	mu       sync.Mutex
	held     map[string]*memoryLease
	tokens   map[string]int64
	holderID string
	now      func() time.Time
}

// NewMemoryService 创建内存锁服务
func NewMemoryService() Service {
	return &memoryService{
		held:     make(map[string]*memoryLease),
		tokens:   make(map[string]int64),
		holderID: "worker-" + uuid.New().String(),
		now:      time.Now,
	}
}

func (s *memoryService) Acquire(ctx context.Context, resource string, ttl time.Duration) (*Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.held[resource]; ok && s.now().Before(cur.expiresAt) {
		metrics.LeaseConflictTotal.Inc()
		return nil, ErrHeld
	}

	s.tokens[resource]++
	l := &memoryLease{
		token:     s.tokens[resource],
		holderID:  s.holderID,
		expiresAt: s.now().Add(ttl),
	}
	s.held[resource] = l
	metrics.LeaseAcquireTotal.Inc()
	return &Lease{Resource: resource, Token: l.token, HolderID: l.holderID, ExpiresAt: l.expiresAt}, nil
}

func (s *memoryService) Renew(ctx context.Context, lease *Lease, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.held[lease.Resource]
	if !ok || cur.token != lease.Token || s.now().After(cur.expiresAt) {
		metrics.LeaseRenewFailTotal.Inc()
		return ErrNotHeld
	}
	cur.expiresAt = s.now().Add(ttl)
	lease.ExpiresAt = cur.expiresAt
	return nil
}

func (s *memoryService) Release(ctx context.Context, lease *Lease) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.held[lease.Resource]
	if !ok || cur.token != lease.Token {
		// 已过期或被抢占，释放幂等
		return nil
	}
	delete(s.held, lease.Resource)
	return nil
}

func (s *memoryService) Close() error { return nil }
