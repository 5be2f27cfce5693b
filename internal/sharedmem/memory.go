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
	"fmt"
	"strconv"
	"sync"
	"time"
)

type itemKind int

const (
	kindKV itemKind = iota
	kindList
	kindHash
	kindSet
)

type item struct {
	kind      itemKind
	expiresAt time.Time // 零值表示不过期
	kv        json.RawMessage
	list      []json.RawMessage
	hash      map[string]json.RawMessage
	set       map[string]struct{}
}

func (it *item) expired(now time.Time) bool {
	return !it.expiresAt.IsZero() && now.After(it.expiresAt)
}

// MemoryStore 内存实现：互斥锁 + 访问时惰性过期 + 后台清扫
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]*item
	stop  chan struct{}
	once  sync.Once
}

// NewMemoryStore 创建内存共享存储并启动过期清扫
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		items: make(map[string]*item),
		stop:  make(chan struct{}),
	}
	go s.janitor()
	return s
}

func (s *MemoryStore) janitor() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.mu.Lock()
			for k, it := range s.items {
				if it.expired(now) {
					delete(s.items, k)
				}
			}
			s.mu.Unlock()
		}
	}
}

// lookup 返回存活的键条目；过期条目当场删除。调用方必须持有锁
func (s *MemoryStore) lookup(key string) (*item, bool) {
	it, ok := s.items[key]
	if !ok {
		return nil, false
	}
	if it.expired(time.Now()) {
		delete(s.items, key)
		return nil, false
	}
	return it, true
}

// ensure 取出或创建指定类型的条目。类型冲突报错，与 redis WRONGTYPE 对齐
func (s *MemoryStore) ensure(key string, kind itemKind) (*item, error) {
	if it, ok := s.lookup(key); ok {
		if it.kind != kind {
			return nil, fmt.Errorf("sharedmem: key %s holds a different kind of value", key)
		}
		return it, nil
	}
	it := &item{kind: kind}
	switch kind {
	case kindHash:
		it.hash = make(map[string]json.RawMessage)
	case kindSet:
		it.set = make(map[string]struct{})
	}
	s.items[key] = it
	return it, nil
}

func applyTTL(it *item, ttl time.Duration) {
	if ttl > 0 {
		it.expiresAt = time.Now().Add(ttl)
	}
}

func (s *MemoryStore) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("sharedmem: marshal: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Set 覆盖任意旧类型
	it := &item{kind: kindKV, kv: raw}
	applyTTL(it, ttl)
	s.items[key] = it
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, key string, dst any) (bool, error) {
	s.mu.Lock()
	it, ok := s.lookup(key)
	var raw json.RawMessage
	if ok && it.kind == kindKV {
		raw = append(json.RawMessage(nil), it.kv...)
	}
	s.mu.Unlock()

	if raw == nil {
		return false, nil
	}
	if dst == nil {
		return true, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("sharedmem: unmarshal: %w", err)
	}
	return true, nil
}

func (s *MemoryStore) ListAppend(ctx context.Context, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("sharedmem: marshal: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	it, err := s.ensure(key, kindList)
	if err != nil {
		return err
	}
	it.list = append(it.list, raw)
	applyTTL(it, ttl)
	return nil
}

func (s *MemoryStore) ListRange(ctx context.Context, key string, start, stop int64) ([]json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.lookup(key)
	if !ok || it.kind != kindList {
		return nil, nil
	}
	n := int64(len(it.list))
	// redis 风格下标：负数从末尾数
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n {
		return nil, nil
	}
	out := make([]json.RawMessage, 0, stop-start+1)
	for _, raw := range it.list[start : stop+1] {
		out = append(out, append(json.RawMessage(nil), raw...))
	}
	return out, nil
}

func (s *MemoryStore) HashSet(ctx context.Context, key, field string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("sharedmem: marshal: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	it, err := s.ensure(key, kindHash)
	if err != nil {
		return err
	}
	it.hash[field] = raw
	applyTTL(it, ttl)
	return nil
}

func (s *MemoryStore) HashGet(ctx context.Context, key, field string, dst any) (bool, error) {
	s.mu.Lock()
	var raw json.RawMessage
	if it, ok := s.lookup(key); ok && it.kind == kindHash {
		if v, ok := it.hash[field]; ok {
			raw = append(json.RawMessage(nil), v...)
		}
	}
	s.mu.Unlock()

	if raw == nil {
		return false, nil
	}
	if dst == nil {
		return true, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("sharedmem: unmarshal: %w", err)
	}
	return true, nil
}

func (s *MemoryStore) HashGetAll(ctx context.Context, key string) (map[string]json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]json.RawMessage)
	if it, ok := s.lookup(key); ok && it.kind == kindHash {
		for f, v := range it.hash {
			out[f] = append(json.RawMessage(nil), v...)
		}
	}
	return out, nil
}

func (s *MemoryStore) SetAdd(ctx context.Context, key, member string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, err := s.ensure(key, kindSet)
	if err != nil {
		return err
	}
	it.set[member] = struct{}{}
	applyTTL(it, ttl)
	return nil
}

func (s *MemoryStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.lookup(key)
	if !ok || it.kind != kindSet {
		return nil, nil
	}
	out := make([]string, 0, len(it.set))
	for m := range it.set {
		out = append(out, m)
	}
	return out, nil
}

func (s *MemoryStore) Incr(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, err := s.ensure(key, kindKV)
	if err != nil {
		return 0, err
	}
	var cur int64
	if len(it.kv) > 0 {
		cur, err = strconv.ParseInt(string(it.kv), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("sharedmem: key %s is not an integer", key)
		}
	}
	cur += delta
	it.kv = json.RawMessage(strconv.FormatInt(cur, 10))
	applyTTL(it, ttl)
	return cur, nil
}

func (s *MemoryStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if it, ok := s.lookup(key); ok {
		applyTTL(it, ttl)
	}
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
	return nil
}

// Close 停止后台清扫
func (s *MemoryStore) Close() error {
	s.once.Do(func() { close(s.stop) })
	return nil
}
