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

package journal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"actor-platform/pkg/integrity"
)

// memoryStore 内存实现，用于测试与单机模式。
// 所有读写均做深拷贝，调用方修改返回值不会影响内部状态。
type memoryStore struct {
	mu        sync.Mutex
	entries   map[string][]Entry
	nextCur   map[string]int
	maxFence  map[string]int64
	lastSum   map[string]string
	snapshots map[string]Snapshot
}

// NewMemoryStore 创建内存日志存储
func NewMemoryStore() Store {
	return &memoryStore{
		entries:   make(map[string][]Entry),
		nextCur:   make(map[string]int),
		maxFence:  make(map[string]int64),
		lastSum:   make(map[string]string),
		snapshots: make(map[string]Snapshot),
	}
}

func (s *memoryStore) AppendEntry(ctx context.Context, actorID string, entry Entry) (Entry, error) {
	if actorID == "" {
		return Entry{}, ErrEmptyActorID
	}
	if !KnownType(entry.Type) {
		return Entry{}, fmt.Errorf("journal: unknown entry type %q", entry.Type)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.Fence > 0 {
		if entry.Fence < s.maxFence[actorID] {
			return Entry{}, ErrFencedWrite
		}
		s.maxFence[actorID] = entry.Fence
	}

	e := cloneEntry(entry)
	e.ActorID = actorID
	e.Cursor = s.nextCur[actorID]
	if e.ID == "" {
		e.ID = "ev-" + uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	e.PrevSum = s.lastSum[actorID]
	e.Checksum = integrity.ChainDigest(actorID, e.Cursor, string(e.Type), e.Payload, e.PrevSum)

	s.entries[actorID] = append(s.entries[actorID], e)
	s.nextCur[actorID] = e.Cursor + 1
	s.lastSum[actorID] = e.Checksum
	return cloneEntry(e), nil
}

func (s *memoryStore) ReadEntries(ctx context.Context, actorID string) ([]Entry, error) {
	if actorID == "" {
		return nil, ErrEmptyActorID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := s.entries[actorID]
	out := make([]Entry, 0, len(stored))
	for _, e := range stored {
		if !KnownType(e.Type) {
			return nil, &CorruptionError{ActorID: actorID, Cursor: e.Cursor, Reason: fmt.Sprintf("unknown entry type %q", e.Type)}
		}
		out = append(out, cloneEntry(e))
	}
	return out, nil
}

func (s *memoryStore) TrimEntries(ctx context.Context, actorID string, beforeCursor int) error {
	if actorID == "" {
		return ErrEmptyActorID
	}
	if beforeCursor <= 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := s.entries[actorID]
	kept := stored[:0]
	for _, e := range stored {
		if e.Cursor >= beforeCursor {
			kept = append(kept, e)
		}
	}
	if len(kept) == 0 {
		delete(s.entries, actorID)
		return nil
	}
	s.entries[actorID] = kept
	return nil
}

func (s *memoryStore) SaveSnapshot(ctx context.Context, snapshot Snapshot) error {
	if snapshot.ActorID == "" {
		return ErrEmptyActorID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.snapshots[snapshot.ActorID] = cloneSnapshot(snapshot)
	return nil
}

func (s *memoryStore) LatestSnapshot(ctx context.Context, actorID string) (*Snapshot, error) {
	if actorID == "" {
		return nil, ErrEmptyActorID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snap, ok := s.snapshots[actorID]
	if !ok {
		return nil, nil
	}
	// 损坏的快照按不存在处理，交给全量重放
	if !snap.Valid() {
		return nil, nil
	}
	out := cloneSnapshot(snap)
	return &out, nil
}

func (s *memoryStore) DeleteJournal(ctx context.Context, actorID string) error {
	if actorID == "" {
		return ErrEmptyActorID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, actorID)
	delete(s.nextCur, actorID)
	delete(s.maxFence, actorID)
	delete(s.lastSum, actorID)
	delete(s.snapshots, actorID)
	return nil
}

func (s *memoryStore) Close() error { return nil }

func cloneEntry(e Entry) Entry {
	out := e
	if e.Payload != nil {
		out.Payload = append([]byte(nil), e.Payload...)
	}
	return out
}

func cloneSnapshot(s Snapshot) Snapshot {
	out := s
	if s.State != nil {
		out.State = append([]byte(nil), s.State...)
	}
	return out
}
