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

package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"actor-platform/pkg/metrics"
)

type queued struct {
	msg Message
	seq int64
}

// pendingHeap 优先级大者先出，同优先级按入队序号
type pendingHeap []*queued

func (h pendingHeap) Len() int { return len(h) }
func (h pendingHeap) Less(i, j int) bool {
	if h[i].msg.Priority != h[j].msg.Priority {
		return h[i].msg.Priority > h[j].msg.Priority
	}
	return h[i].seq < h[j].seq
}
func (h pendingHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *pendingHeap) Push(x any)        { *h = append(*h, x.(*queued)) }
func (h *pendingHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

type delayedMsg struct {
	msg     Message
	readyAt time.Time
}

type inflightMsg struct {
	msg      Message
	deadline time.Time
}

type mailbox struct {
	pending  pendingHeap
	delayed  []delayedMsg
	inflight map[string]*inflightMsg
}

// MemoryQueue 内存实现：优先级堆 + in-flight 表 + 延迟集。
// 可见性超时到期的 in-flight 消息收回重投递（Attempt+1），
// 与 redis 实现的语义对齐。
type MemoryQueue struct {
	mu         sync.Mutex
	boxes      map[string]*mailbox
	seq        int64
	visibility time.Duration
	now        func() time.Time
}

// NewMemoryQueue 创建内存队列；visibility <=0 采用默认 30s
func NewMemoryQueue(visibility time.Duration) *MemoryQueue {
	if visibility <= 0 {
		visibility = DefaultVisibilityTimeout
	}
	return &MemoryQueue{
		boxes:      make(map[string]*mailbox),
		visibility: visibility,
		now:        time.Now,
	}
}

// box 返回队列的邮箱结构，按需创建。调用方必须持有锁
func (q *MemoryQueue) box(name string) *mailbox {
	b, ok := q.boxes[name]
	if !ok {
		b = &mailbox{inflight: make(map[string]*inflightMsg)}
		q.boxes[name] = b
	}
	return b
}

// settle 推进邮箱时钟：到期延迟消息转待投递，超时 in-flight 收回。
// 调用方必须持有锁
func (q *MemoryQueue) settle(b *mailbox) {
	now := q.now()

	kept := b.delayed[:0]
	for _, d := range b.delayed {
		if !d.readyAt.After(now) {
			q.seq++
			heap.Push(&b.pending, &queued{msg: d.msg, seq: q.seq})
		} else {
			kept = append(kept, d)
		}
	}
	b.delayed = kept

	for id, inf := range b.inflight {
		if now.After(inf.deadline) {
			m := inf.msg
			m.Attempt++
			q.seq++
			heap.Push(&b.pending, &queued{msg: m, seq: q.seq})
			delete(b.inflight, id)
		}
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, queueName string, msg Message) error {
	return q.EnqueueDelayed(ctx, queueName, msg, 0)
}

func (q *MemoryQueue) EnqueueDelayed(ctx context.Context, queueName string, msg Message, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	b := q.box(queueName)
	if delay > 0 {
		b.delayed = append(b.delayed, delayedMsg{msg: msg, readyAt: q.now().Add(delay)})
	} else {
		q.seq++
		heap.Push(&b.pending, &queued{msg: msg, seq: q.seq})
	}
	metrics.QueueEnqueueTotal.WithLabelValues(queueName).Inc()
	return nil
}

func (q *MemoryQueue) Consume(ctx context.Context, queueName string) (*Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	b := q.box(queueName)
	q.settle(b)
	if b.pending.Len() == 0 {
		return nil, ErrEmpty
	}
	item := heap.Pop(&b.pending).(*queued)
	b.inflight[item.msg.MessageID] = &inflightMsg{msg: item.msg, deadline: q.now().Add(q.visibility)}
	metrics.QueueDepth.WithLabelValues(queueName).Set(float64(b.pending.Len()))

	out := item.msg
	out.Payload = append([]byte(nil), item.msg.Payload...)
	return &out, nil
}

func (q *MemoryQueue) Ack(ctx context.Context, queueName, messageID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	b := q.box(queueName)
	if _, ok := b.inflight[messageID]; !ok {
		return ErrNotInFlight
	}
	delete(b.inflight, messageID)
	metrics.QueueAckTotal.WithLabelValues(queueName).Inc()
	return nil
}

func (q *MemoryQueue) Nack(ctx context.Context, queueName, messageID string, opts NackOptions) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	b := q.box(queueName)
	inf, ok := b.inflight[messageID]
	if !ok {
		return ErrNotInFlight
	}
	delete(b.inflight, messageID)

	m := inf.msg
	if !opts.KeepAttempt {
		m.Attempt++
	}
	if opts.RetryIn > 0 {
		b.delayed = append(b.delayed, delayedMsg{msg: m, readyAt: q.now().Add(opts.RetryIn)})
	} else {
		q.seq++
		heap.Push(&b.pending, &queued{msg: m, seq: q.seq})
	}
	metrics.QueueNackTotal.WithLabelValues(queueName).Inc()
	return nil
}

func (q *MemoryQueue) Extend(ctx context.Context, queueName, messageID string, d time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	b := q.box(queueName)
	inf, ok := b.inflight[messageID]
	if !ok {
		return ErrNotInFlight
	}
	inf.deadline = q.now().Add(d)
	return nil
}

func (q *MemoryQueue) Depth(ctx context.Context, queueName string) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	b := q.box(queueName)
	q.settle(b)
	return int64(b.pending.Len()), nil
}

func (q *MemoryQueue) Close() error { return nil }
