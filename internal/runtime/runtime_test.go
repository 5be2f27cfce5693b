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
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"actor-platform/internal/activity"
	"actor-platform/internal/actor"
	"actor-platform/internal/actor/builtin"
	"actor-platform/internal/journal"
	"actor-platform/internal/lock"
	"actor-platform/internal/queue"
	"actor-platform/internal/sharedmem"
	"actor-platform/internal/storage/blob"
	"actor-platform/pkg/log"
)

type testHarness struct {
	rt       *Runtime
	registry *actor.Registry
	journal  journal.Store
	q        queue.Queue
	locks    lock.Service
	shared   sharedmem.Store
}

func newHarness(t *testing.T, cfg Config) *testHarness {
	t.Helper()
	registry := actor.NewRegistry()
	registry.Register("counter", builtin.NewCounter)

	h := &testHarness{
		registry: registry,
		journal:  journal.NewMemoryStore(),
		q:        queue.NewMemoryQueue(30 * time.Second),
		locks:    lock.NewMemoryService(),
		shared:   sharedmem.NewMemoryStore(),
	}
	rt, err := New(cfg, Deps{
		Registry: registry,
		Journal:  h.journal,
		Queue:    h.q,
		Locks:    h.locks,
		Shared:   h.shared,
		Blobs:    blob.NewMemoryStore(),
		Logger:   log.Nop(),
	})
	require.NoError(t, err)
	h.rt = rt
	t.Cleanup(func() { _ = h.shared.Close() })
	return h
}

// deliver 模拟 worker 派发一条邮箱消息并按 worker 语义处置结果
func (h *testHarness) deliver(ctx context.Context, t *testing.T, msg *queue.Message) error {
	t.Helper()
	return h.rt.handleMessage(ctx, msg)
}

func invokeMessage(t *testing.T, messageID, actorType, actorID string, input any) *queue.Message {
	t.Helper()
	raw, err := json.Marshal(input)
	require.NoError(t, err)
	payload, err := EncodeEnvelope(Envelope{Kind: KindInvoke, ActorType: actorType, Input: raw})
	require.NoError(t, err)
	return &queue.Message{MessageID: messageID, ActorID: actorID, Payload: payload, Timestamp: time.Now()}
}

func counterState(ctx context.Context, t *testing.T, store journal.Store, actorID string) float64 {
	t.Helper()
	tctx := actor.NewContext(actor.Params{ActorID: actorID, ActorType: "counter", Store: store, Logger: log.Nop()})
	require.NoError(t, tctx.Load(ctx))
	count, _ := tctx.State()["count"].(float64)
	return count
}

func TestCounterDurabilityAcrossEviction(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})

	deltas := []float64{5, 3, -2}
	for i, d := range deltas {
		msg := invokeMessage(t, fmt.Sprintf("m%d", i), "counter", "c1", builtin.CounterInput{Delta: d})
		require.NoError(t, h.deliver(ctx, t, msg))
		if i == 1 {
			// 第二条消息后逐出：下一条消息走完整重水合
			h.rt.pool.Remove("c1")
		}
	}
	assert.Equal(t, float64(6), counterState(ctx, t, h.journal, "c1"))
}

func TestInvocationDedupOnRedelivery(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})

	msg := invokeMessage(t, "m1", "counter", "c1", builtin.CounterInput{Delta: 1})
	require.NoError(t, h.deliver(ctx, t, msg))

	// 崩溃于 ACK 前的重投递：同一 messageId 不再引起状态变化
	redelivered := *msg
	redelivered.Attempt = 1
	require.NoError(t, h.deliver(ctx, t, &redelivered))
	assert.Equal(t, float64(1), counterState(ctx, t, h.journal, "c1"))

	entries, err := h.journal.ReadEntries(ctx, "c1")
	require.NoError(t, err)
	invocations := 0
	for _, e := range entries {
		if e.Type == journal.EntryInvocation {
			invocations++
		}
	}
	assert.Equal(t, 1, invocations)
}

func TestLeaseConflictYieldsRedelivery(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})

	// 另一个"worker"占着 actor 租约
	_, err := h.locks.Acquire(ctx, "actor:c1", time.Minute)
	require.NoError(t, err)

	msg := invokeMessage(t, "m1", "counter", "c1", builtin.CounterInput{Delta: 1})
	err = h.deliver(ctx, t, msg)
	assert.ErrorIs(t, err, queue.ErrLeaseConflict)
	assert.Equal(t, float64(0), counterState(ctx, t, h.journal, "c1"))
}

func TestAutoCompactionAtThreshold(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{Compaction: journal.CompactionConfig{Threshold: 100}})

	for i := 0; i < 50; i++ {
		msg := invokeMessage(t, fmt.Sprintf("m%d", i), "counter", "c1", builtin.CounterInput{Delta: 1})
		require.NoError(t, h.deliver(ctx, t, msg))
	}
	// 每条消息 2 条条目（invocation + state_updated），第 50 条后达到阈值
	snap, err := h.journal.LatestSnapshot(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, snap)

	entries, err := h.journal.ReadEntries(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, entries)

	// 压缩后继续累加
	msg := invokeMessage(t, "m-after", "counter", "c1", builtin.CounterInput{Delta: 1})
	require.NoError(t, h.deliver(ctx, t, msg))
	assert.Equal(t, float64(51), counterState(ctx, t, h.journal, "c1"))
}

// waitingActor 调一次 activity 并把结果并入状态
type waitingActor struct{}

func (a *waitingActor) Execute(c *actor.Context, input json.RawMessage) error {
	result, err := c.CallActivity("lookup", map[string]any{"q": "x"})
	if err != nil {
		return err
	}
	var decoded map[string]any
	if err := json.Unmarshal(result, &decoded); err != nil {
		return err
	}
	if err := c.UpdateState(func(draft map[string]any) map[string]any {
		draft["answer"] = decoded["r"]
		return draft
	}); err != nil {
		return err
	}
	return c.Respond(decoded)
}

func TestActivitySuspendResumeRoundTrip(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	h.registry.Register("waiter", func() actor.Actor { return &waitingActor{} })

	msg := invokeMessage(t, "m1", "waiter", "w1", map[string]any{})
	mailbox := queue.ActorMailbox("w1")
	require.NoError(t, h.q.Enqueue(ctx, mailbox, *msg))

	consumed, err := h.q.Consume(ctx, mailbox)
	require.NoError(t, err)
	err = h.deliver(ctx, t, consumed)
	assert.ErrorIs(t, err, queue.ErrRemainInFlight)

	// 挂起后 activity 任务已入队
	taskMsg, err := h.q.Consume(ctx, activity.QueueName)
	require.NoError(t, err)
	var task activity.Task
	require.NoError(t, json.Unmarshal(taskMsg.Payload, &task))
	assert.Equal(t, "lookup", task.Name)
	assert.Equal(t, "w1", task.ActorID)
	require.NoError(t, h.q.Ack(ctx, activity.QueueName, taskMsg.MessageID))

	// 逐出实例：恢复走完整重放路径（等价于换了一台 worker）
	h.rt.pool.Remove("w1")

	// 执行器完成回投
	require.NoError(t, h.rt.CompleteActivity(ctx, activity.Completion{
		ActorID:    "w1",
		ActorType:  "waiter",
		ActivityID: task.ActivityID,
		Result:     json.RawMessage(`{"r":42}`),
	}))

	resumeMsg, err := h.q.Consume(ctx, mailbox)
	require.NoError(t, err)
	require.NoError(t, h.deliver(ctx, t, resumeMsg))

	tctx := actor.NewContext(actor.Params{ActorID: "w1", ActorType: "waiter", Store: h.journal, Logger: log.Nop()})
	require.NoError(t, tctx.Load(ctx))
	assert.Equal(t, float64(42), tctx.State()["answer"])

	// 原始消息已被终结路径 ACK，邮箱排空
	_, err = h.q.Consume(ctx, mailbox)
	assert.ErrorIs(t, err, queue.ErrEmpty)
}

func TestDuplicateActivityResultConverges(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	h.registry.Register("waiter", func() actor.Actor { return &waitingActor{} })

	msg := invokeMessage(t, "m1", "waiter", "w1", map[string]any{})
	mailbox := queue.ActorMailbox("w1")
	require.NoError(t, h.q.Enqueue(ctx, mailbox, *msg))
	consumed, err := h.q.Consume(ctx, mailbox)
	require.NoError(t, err)
	require.ErrorIs(t, h.deliver(ctx, t, consumed), queue.ErrRemainInFlight)

	taskMsg, err := h.q.Consume(ctx, activity.QueueName)
	require.NoError(t, err)
	var task activity.Task
	require.NoError(t, json.Unmarshal(taskMsg.Payload, &task))

	completion := activity.Completion{
		ActorID: "w1", ActorType: "waiter", ActivityID: task.ActivityID,
		Result: json.RawMessage(`{"r":1}`),
	}
	require.NoError(t, h.rt.CompleteActivity(ctx, completion))
	resumeMsg, err := h.q.Consume(ctx, mailbox)
	require.NoError(t, err)
	require.NoError(t, h.deliver(ctx, t, resumeMsg))

	// 执行器重试导致的重复结果信封：重放收敛，状态不变
	require.NoError(t, h.rt.CompleteActivity(ctx, completion))
	dupMsg, err := h.q.Consume(ctx, mailbox)
	require.NoError(t, err)
	require.NoError(t, h.deliver(ctx, t, dupMsg))

	tctx := actor.NewContext(actor.Params{ActorID: "w1", ActorType: "waiter", Store: h.journal, Logger: log.Nop()})
	require.NoError(t, tctx.Load(ctx))
	assert.Equal(t, float64(1), tctx.State()["answer"])
}

func TestPipelineTaskReported(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})

	var mu sync.Mutex
	var reported []PipelineRef
	var results []json.RawMessage
	h.rt.SetTaskReporter(func(_ context.Context, ref PipelineRef, result json.RawMessage, failure *journal.ErrorInfo) error {
		mu.Lock()
		defer mu.Unlock()
		require.Nil(t, failure)
		reported = append(reported, ref)
		results = append(results, result)
		return nil
	})

	raw, _ := json.Marshal(builtin.CounterInput{Delta: 2})
	payload, err := EncodeEnvelope(Envelope{
		Kind: KindInvoke, ActorType: "counter", Input: raw,
		Pipeline: &PipelineRef{PipelineID: "p1", StageName: "s1", TaskID: "t1"},
	})
	require.NoError(t, err)
	msg := &queue.Message{MessageID: "m1", ActorID: "c1", Payload: payload, Timestamp: time.Now()}
	require.NoError(t, h.deliver(ctx, t, msg))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, reported, 1)
	assert.Equal(t, PipelineRef{PipelineID: "p1", StageName: "s1", TaskID: "t1"}, reported[0])
	assert.JSONEq(t, `{"count":2}`, string(results[0]))
}

func TestCancelledPipelineTaskSoftIgnored(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	require.NoError(t, h.shared.Set(ctx, CancelFlagKey("p1"), true, 0))

	raw, _ := json.Marshal(builtin.CounterInput{Delta: 5})
	payload, err := EncodeEnvelope(Envelope{
		Kind: KindInvoke, ActorType: "counter", Input: raw,
		Pipeline: &PipelineRef{PipelineID: "p1", StageName: "s1", TaskID: "t1"},
	})
	require.NoError(t, err)
	msg := &queue.Message{MessageID: "m1", ActorID: "c1", Payload: payload, Timestamp: time.Now()}

	require.NoError(t, h.deliver(ctx, t, msg))
	assert.Equal(t, float64(0), counterState(ctx, t, h.journal, "c1"))
}

// spawningActor 派生一个 counter 子 actor
type spawningActor struct{}

func (a *spawningActor) Execute(c *actor.Context, input json.RawMessage) error {
	childID, err := c.SpawnChild("counter", builtin.CounterInput{Delta: 7})
	if err != nil {
		return err
	}
	return c.Respond(map[string]any{"child": childID})
}

func TestChildSpawnDispatched(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	h.registry.Register("parent", func() actor.Actor { return &spawningActor{} })

	msg := invokeMessage(t, "m1", "parent", "p1", map[string]any{})
	require.NoError(t, h.deliver(ctx, t, msg))

	childMailbox := queue.ActorMailbox("p1:child:1")
	childMsg, err := h.q.Consume(ctx, childMailbox)
	require.NoError(t, err)
	env, err := DecodeEnvelope(childMsg.Payload)
	require.NoError(t, err)
	assert.Equal(t, KindInvoke, env.Kind)
	assert.Equal(t, "counter", env.ActorType)
	assert.Equal(t, "p1", env.ParentActorID)

	// 子邮箱已进入类型索引，counter worker 能发现它
	boxes := h.rt.Router().Mailboxes(ctx, []string{"counter"})
	assert.Contains(t, boxes, childMailbox)
}

func TestPoolCheckoutTokenFreshness(t *testing.T) {
	pool, err := NewPool(10, time.Minute)
	require.NoError(t, err)

	inst := &Instance{}
	pool.Put("a1", inst, 3)

	// 连续 token：缓存可用
	got, ok := pool.Checkout("a1", 4)
	require.True(t, ok)
	assert.Same(t, inst, got)

	// token 有空洞：中间有别的持有者，缓存作废
	pool.Put("a1", inst, 4)
	_, ok = pool.Checkout("a1", 6)
	assert.False(t, ok)
	_, ok = pool.Checkout("a1", 7)
	assert.False(t, ok)
}

func TestPoolLRUCapAndIdleEviction(t *testing.T) {
	pool, err := NewPool(2, 10*time.Millisecond)
	require.NoError(t, err)

	pool.Put("a1", &Instance{}, 1)
	pool.Put("a2", &Instance{}, 1)
	pool.Put("a3", &Instance{}, 1)
	assert.Equal(t, 2, pool.Len())
	_, ok := pool.Checkout("a1", 2)
	assert.False(t, ok, "a1 应已被 LRU 逐出")

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, pool.EvictIdle(time.Now()))
	assert.Equal(t, 0, pool.Len())
}

func TestEndToEndThroughWorker(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{Worker: queue.WorkerConfig{Concurrency: 2, PollInterval: 10 * time.Millisecond}})

	h.rt.Start(ctx)
	defer h.rt.Stop()

	for i := 0; i < 3; i++ {
		_, err := h.rt.Invoke(ctx, "counter", "c1", mustJSON(t, builtin.CounterInput{Delta: 1}), SendOptions{})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return counterState(ctx, t, h.journal, "c1") == 3
	}, 5*time.Second, 20*time.Millisecond)
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}
