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
	"strings"
	"sync"
)

// MemoryStore 内存实现，用于测试与单机模式
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]Document
}

// NewMemoryStore 创建内存 KV 文档存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]Document)}
}

// Get 读取文档
func (s *MemoryStore) Get(ctx context.Context, key string) (Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.docs[key]
	if !ok {
		return Document{}, ErrNotFound
	}
	return cloneDocument(doc), nil
}

// Put CAS 写入
func (s *MemoryStore) Put(ctx context.Context, key string, value []byte, expectedVersion int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, exists := s.docs[key]
	if expectedVersion == 0 {
		if exists {
			return 0, ErrVersionMismatch
		}
		s.docs[key] = Document{Key: key, Value: append([]byte(nil), value...), Version: 1}
		return 1, nil
	}
	if !exists || cur.Version != expectedVersion {
		return 0, ErrVersionMismatch
	}
	next := cur.Version + 1
	s.docs[key] = Document{Key: key, Value: append([]byte(nil), value...), Version: next}
	return next, nil
}

// Delete 删除文档
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.docs, key)
	return nil
}

// Keys 按前缀列出键
func (s *MemoryStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string
	for k := range s.docs {
		if prefix == "" || strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out, nil
}

// Close 关闭存储连接
func (s *MemoryStore) Close() error { return nil }

func cloneDocument(d Document) Document {
	out := d
	if d.Value != nil {
		out.Value = append([]byte(nil), d.Value...)
	}
	return out
}
