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

package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"actor-platform/internal/journal"
	"actor-platform/internal/queue"
	"actor-platform/internal/runtime"
	"actor-platform/internal/sharedmem"
	"actor-platform/internal/storage/kvstate"
	"actor-platform/pkg/log"
	"actor-platform/pkg/secrets"
)

type testEnv struct {
	o      *Orchestrator
	q      *queue.MemoryQueue
	kv     *kvstate.MemoryStore
	shared *sharedmem.MemoryStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	q := queue.NewMemoryQueue(30 * time.Second)
	kv := kvstate.NewMemoryStore()
	shared := sharedmem.NewMemoryStore()
	logger := log.Nop()
	o := New(Config{}, Deps{
		KV:      kv,
		Queue:   q,
		Router:  runtime.NewRouter(q, shared, logger),
		Shared:  shared,
		Secrets: secrets.NewMemoryStore(),
		Logger:  logger,
	})
	return &testEnv{o: o, q: q, kv: kv, shared: shared}
}

// pump 手动驱动一轮协调：发布 outbox 并消化协调队列到空。
// 不启动后台 worker，测试保持确定性
func (e *testEnv) pump(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for {
		e.o.relay.Sweep(ctx)
		msg, err := e.q.Consume(ctx, ResultsQueue)
		if errors.Is(err, queue.ErrEmpty) {
			return
		}
		require.NoError(t, err)
		require.NoError(t, e.o.handleResult(ctx, msg))
		require.NoError(t, e.q.Ack(ctx, ResultsQueue, msg.MessageID))
	}
}

type dispatched struct {
	msg *queue.Message
	env runtime.Envelope
}

// drainTasks 取出指定 actor 类型邮箱里的全部任务消息并 ACK
func (e *testEnv) drainTasks(t *testing.T, actorTypes ...string) []dispatched {
	t.Helper()
	ctx := context.Background()
	var out []dispatched
	for _, mailbox := range e.o.router.Mailboxes(ctx, actorTypes) {
		for {
			msg, err := e.q.Consume(ctx, mailbox)
			if errors.Is(err, queue.ErrEmpty) {
				break
			}
			require.NoError(t, err)
			env, err := runtime.DecodeEnvelope(msg.Payload)
			require.NoError(t, err)
			require.NoError(t, e.q.Ack(ctx, mailbox, msg.MessageID))
			out = append(out, dispatched{msg: msg, env: env})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].msg.ActorID < out[j].msg.ActorID })
	return out
}

func (e *testEnv) instance(t *testing.T, id string) *Instance {
	t.Helper()
	in, err := e.o.Instance(context.Background(), id)
	require.NoError(t, err)
	return in
}

func ref(id, stage, task string) runtime.PipelineRef {
	return runtime.PipelineRef{PipelineID: id, StageName: stage, TaskID: task}
}

func TestDefinitionValidate(t *testing.T) {
	valid := Definition{Name: "d", Stages: []Stage{
		{Name: "s1", Mode: ModeScatter, ActorType: "w",
			Scatter: &ScatterSpec{InputPath: "$.trigger.items", As: "item"}},
		{Name: "s2", Mode: ModeGather, Gather: &GatherSpec{Stage: "s1"}},
	}}
	require.NoError(t, valid.Validate())

	cases := []struct {
		name string
		def  Definition
	}{
		{"no name", Definition{Stages: []Stage{{Name: "a", Mode: ModeSingle, ActorType: "w"}}}},
		{"no stages", Definition{Name: "d"}},
		{"duplicate stage", Definition{Name: "d", Stages: []Stage{
			{Name: "a", Mode: ModeSingle, ActorType: "w"},
			{Name: "a", Mode: ModeSingle, ActorType: "w"},
		}}},
		{"single without actorType", Definition{Name: "d", Stages: []Stage{{Name: "a", Mode: ModeSingle}}}},
		{"scatter without spec", Definition{Name: "d", Stages: []Stage{{Name: "a", Mode: ModeScatter, ActorType: "w"}}}},
		{"gather references unknown stage", Definition{Name: "d", Stages: []Stage{
			{Name: "s", Mode: ModeSingle, ActorType: "w"},
			{Name: "g", Mode: ModeGather, Gather: &GatherSpec{Stage: "nope"}},
		}}},
		{"gather references later stage", Definition{Name: "d", Stages: []Stage{
			{Name: "g", Mode: ModeGather, Gather: &GatherSpec{Stage: "s"}},
			{Name: "s", Mode: ModeSingle, ActorType: "w"},
		}}},
		{"condition n without n", Definition{Name: "d", Stages: []Stage{
			{Name: "s", Mode: ModeSingle, ActorType: "w"},
			{Name: "g", Mode: ModeGather, Gather: &GatherSpec{Stage: "s", Condition: CondN}},
		}}},
		{"groupBy without actorType", Definition{Name: "d", Stages: []Stage{
			{Name: "s", Mode: ModeSingle, ActorType: "w"},
			{Name: "g", Mode: ModeGather, Gather: &GatherSpec{Stage: "s", GroupBy: "$.k"}},
		}}},
		{"unknown mode", Definition{Name: "d", Stages: []Stage{{Name: "a", Mode: "fanout"}}}},
	}
	for _, tc := range cases {
		assert.Error(t, tc.def.Validate(), tc.name)
	}
}

func TestSingleStagePipeline(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	def := Definition{Name: "one", Stages: []Stage{{
		Name: "upper", Mode: ModeSingle, ActorType: "upper",
		Input: map[string]any{"text": "$.trigger.text"},
	}}}
	id, err := e.o.StartPipeline(ctx, def, map[string]any{"text": "hi"})
	require.NoError(t, err)

	tasks := e.drainTasks(t, "upper")
	require.Len(t, tasks, 1)
	assert.Equal(t, "pipe:"+id+":upper:t0", tasks[0].msg.MessageID)
	assert.Equal(t, id+":upper:t0", tasks[0].msg.ActorID)
	assert.Equal(t, runtime.KindInvoke, tasks[0].env.Kind)
	require.NotNil(t, tasks[0].env.Pipeline)
	assert.Equal(t, "t0", tasks[0].env.Pipeline.TaskID)
	assert.JSONEq(t, `{"text":"hi"}`, string(tasks[0].env.Input))

	require.NoError(t, e.o.ReportTaskResult(ctx, ref(id, "upper", "t0"), json.RawMessage(`"HI"`), nil))
	e.pump(t)

	in := e.instance(t, id)
	assert.Equal(t, StateCompleted, in.State)
	assert.JSONEq(t, `"HI"`, string(in.Stages["upper"].Result))
	assert.Empty(t, in.Outbox)
}

func TestScatterResultsInSourceOrder(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	def := Definition{Name: "fan", Stages: []Stage{{
		Name: "work", Mode: ModeScatter, ActorType: "work",
		Scatter: &ScatterSpec{InputPath: "$.trigger.items", As: "item"},
		Input:   map[string]any{"item": "@variables('item')"},
	}}}
	id, err := e.o.StartPipeline(ctx, def, map[string]any{"items": []any{"a", "b", "c"}})
	require.NoError(t, err)
	require.Len(t, e.drainTasks(t, "work"), 3)

	// 乱序完成；结果仍按源序落位
	for _, task := range []string{"t2", "t0", "t1"} {
		res := json.RawMessage(`"r-` + task + `"`)
		require.NoError(t, e.o.ReportTaskResult(ctx, ref(id, "work", task), res, nil))
	}
	e.pump(t)

	in := e.instance(t, id)
	assert.Equal(t, StateCompleted, in.State)
	assert.JSONEq(t, `["r-t0","r-t1","r-t2"]`, string(in.Stages["work"].Result))
	assert.Equal(t, []string{"t2", "t0", "t1"}, in.Stages["work"].CompletionOrder)
}

func TestEmptyScatterCompletesDownstreamGather(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	def := Definition{Name: "empty", Stages: []Stage{
		{Name: "fan", Mode: ModeScatter, ActorType: "work",
			Scatter: &ScatterSpec{InputPath: "$.trigger.items", As: "item"}},
		{Name: "join", Mode: ModeGather, Gather: &GatherSpec{Stage: "fan"}},
	}}
	id, err := e.o.StartPipeline(ctx, def, map[string]any{"items": []any{}})
	require.NoError(t, err)

	in := e.instance(t, id)
	assert.Equal(t, StateCompleted, in.State)
	assert.JSONEq(t, `[]`, string(in.Stages["fan"].Result))
	assert.JSONEq(t, `[]`, string(in.Stages["join"].Result))
	assert.Empty(t, e.drainTasks(t, "work"))
}

func TestScatterMaxParallelThrottle(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	def := Definition{Name: "throttle", Stages: []Stage{{
		Name: "work", Mode: ModeScatter, ActorType: "work",
		Scatter: &ScatterSpec{InputPath: "$.trigger.items", As: "item", MaxParallel: 2},
		Input:   "@variables('item')",
	}}}
	id, err := e.o.StartPipeline(ctx, def, map[string]any{"items": []any{1, 2, 3, 4}})
	require.NoError(t, err)

	first := e.drainTasks(t, "work")
	require.Len(t, first, 2)

	require.NoError(t, e.o.ReportTaskResult(ctx, ref(id, "work", "t0"), json.RawMessage(`1`), nil))
	e.pump(t)

	// 一个窗口腾出，补派发一个
	second := e.drainTasks(t, "work")
	require.Len(t, second, 1)
	assert.Equal(t, "t2", second[0].env.Pipeline.TaskID)

	for _, task := range []string{"t1", "t2", "t3"} {
		require.NoError(t, e.o.ReportTaskResult(ctx, ref(id, "work", task), json.RawMessage(`0`), nil))
		e.pump(t)
	}
	assert.Equal(t, StateCompleted, e.instance(t, id).State)
}

func TestGatherGroupByPartitions(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	def := Definition{Name: "docs", Stages: []Stage{
		{Name: "extract-data", Mode: ModeScatter, ActorType: "extract",
			Scatter: &ScatterSpec{InputPath: "$.trigger.files", As: "file"},
			Input:   "@variables('file')"},
		{Name: "consolidate-by-type", Mode: ModeGather, ActorType: "merge",
			Gather: &GatherSpec{Stage: "extract-data", GroupBy: "$.documentType"}},
	}}
	id, err := e.o.StartPipeline(ctx, def, map[string]any{"files": []any{"f0", "f1", "f2", "f3"}})
	require.NoError(t, err)
	require.Len(t, e.drainTasks(t, "extract"), 4)

	// 完成序决定键的首次出现序：receipt 先于 invoice
	results := map[string]string{
		"t1": `{"documentType":"receipt","v":1}`,
		"t0": `{"documentType":"invoice","v":0}`,
		"t2": `{"documentType":"invoice","v":2}`,
		"t3": `{"documentType":"receipt","v":3}`,
	}
	for _, task := range []string{"t1", "t0", "t2", "t3"} {
		require.NoError(t, e.o.ReportTaskResult(ctx, ref(id, "extract-data", task), json.RawMessage(results[task]), nil))
	}
	e.pump(t)

	in := e.instance(t, id)
	rec := in.Stages["consolidate-by-type"]
	assert.Equal(t, StateWaiting, rec.State)
	require.Equal(t, []string{"g0", "g1"}, rec.TaskOrder)
	assert.Equal(t, "receipt", rec.Tasks["g0"].GroupKey)
	assert.Equal(t, "invoice", rec.Tasks["g1"].GroupKey)

	groups := e.drainTasks(t, "merge")
	require.Len(t, groups, 2)
	var g0 struct {
		Group struct {
			Key   string           `json:"key"`
			Items []map[string]any `json:"items"`
		} `json:"group"`
	}
	require.NoError(t, json.Unmarshal(rec.Tasks["g0"].Input, &g0))
	assert.Equal(t, "receipt", g0.Group.Key)
	require.Len(t, g0.Group.Items, 2)
	assert.Equal(t, float64(1), g0.Group.Items[0]["v"])
	assert.Equal(t, float64(3), g0.Group.Items[1]["v"])

	require.NoError(t, e.o.ReportTaskResult(ctx, ref(id, "consolidate-by-type", "g0"), json.RawMessage(`"receipts"`), nil))
	require.NoError(t, e.o.ReportTaskResult(ctx, ref(id, "consolidate-by-type", "g1"), json.RawMessage(`"invoices"`), nil))
	e.pump(t)

	in = e.instance(t, id)
	assert.Equal(t, StateCompleted, in.State)
	// 键首次出现序
	assert.JSONEq(t, `["receipts","invoices"]`, string(in.Stages["consolidate-by-type"].Result))
}

func TestGatherAnyFiresBeforeScatterFinishes(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	def := Definition{Name: "race", Stages: []Stage{
		{Name: "fan", Mode: ModeScatter, ActorType: "work",
			Scatter: &ScatterSpec{InputPath: "$.trigger.items", As: "item"},
			Input:   "@variables('item')"},
		{Name: "first", Mode: ModeGather, Gather: &GatherSpec{Stage: "fan", Condition: CondAny}},
	}}
	id, err := e.o.StartPipeline(ctx, def, map[string]any{"items": []any{1, 2, 3}})
	require.NoError(t, err)

	require.NoError(t, e.o.ReportTaskResult(ctx, ref(id, "fan", "t1"), json.RawMessage(`"winner"`), nil))
	e.pump(t)

	in := e.instance(t, id)
	assert.Equal(t, StateCompleted, in.Stages["first"].State)
	assert.JSONEq(t, `["winner"]`, string(in.Stages["first"].Result))
	assert.Equal(t, StateWaiting, in.Stages["fan"].State)
	assert.Equal(t, StateRunning, in.State)

	require.NoError(t, e.o.ReportTaskResult(ctx, ref(id, "fan", "t0"), json.RawMessage(`1`), nil))
	require.NoError(t, e.o.ReportTaskResult(ctx, ref(id, "fan", "t2"), json.RawMessage(`3`), nil))
	e.pump(t)
	assert.Equal(t, StateCompleted, e.instance(t, id).State)
}

func TestGatherFirstN(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	def := Definition{Name: "quorum", Stages: []Stage{
		{Name: "fan", Mode: ModeScatter, ActorType: "work",
			Scatter: &ScatterSpec{InputPath: "$.trigger.items", As: "item"},
			Input:   "@variables('item')"},
		{Name: "two", Mode: ModeGather, Gather: &GatherSpec{Stage: "fan", Condition: CondN, N: 2}},
	}}
	id, err := e.o.StartPipeline(ctx, def, map[string]any{"items": []any{1, 2, 3}})
	require.NoError(t, err)

	require.NoError(t, e.o.ReportTaskResult(ctx, ref(id, "fan", "t2"), json.RawMessage(`"c"`), nil))
	e.pump(t)
	assert.Equal(t, StateWaiting, e.instance(t, id).Stages["two"].State)

	require.NoError(t, e.o.ReportTaskResult(ctx, ref(id, "fan", "t0"), json.RawMessage(`"a"`), nil))
	e.pump(t)

	in := e.instance(t, id)
	assert.Equal(t, StateCompleted, in.Stages["two"].State)
	assert.JSONEq(t, `["c","a"]`, string(in.Stages["two"].Result))
}

func TestGatherFirstNUpstreamShortfallFails(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	// 无超时的 n-barrier：上游终态后缺口必须立刻裁决，不能悬挂
	def := Definition{Name: "quorum", Stages: []Stage{
		{Name: "fan", Mode: ModeScatter, ActorType: "work",
			Scatter: &ScatterSpec{InputPath: "$.trigger.items", As: "item"},
			Input:   "@variables('item')"},
		{Name: "two", Mode: ModeGather, Gather: &GatherSpec{Stage: "fan", Condition: CondN, N: 2}},
	}}
	id, err := e.o.StartPipeline(ctx, def, map[string]any{"items": []any{1, 2}})
	require.NoError(t, err)

	require.NoError(t, e.o.ReportTaskResult(ctx, ref(id, "fan", "t0"), json.RawMessage(`"a"`), nil))
	require.NoError(t, e.o.ReportTaskResult(ctx, ref(id, "fan", "t1"), nil, &journal.ErrorInfo{Message: "exploded", Kind: "business"}))
	e.pump(t)

	in := e.instance(t, id)
	assert.Equal(t, StateCompleted, in.Stages["fan"].State)
	assert.Equal(t, StateFailed, in.Stages["two"].State)
	assert.Contains(t, in.Stages["two"].Failure, "barrier timeout")
	assert.Contains(t, in.Stages["two"].Failure, "1 of 2")
	assert.Equal(t, StateFailed, in.State)
}

func TestGatherAnyAllUpstreamFailed(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	def := Definition{Name: "race", Stages: []Stage{
		{Name: "fan", Mode: ModeScatter, ActorType: "work",
			Scatter: &ScatterSpec{InputPath: "$.trigger.items", As: "item"},
			Input:   "@variables('item')"},
		{Name: "first", Mode: ModeGather, Gather: &GatherSpec{Stage: "fan", Condition: CondAny}},
	}}
	id, err := e.o.StartPipeline(ctx, def, map[string]any{"items": []any{1, 2}})
	require.NoError(t, err)

	for _, task := range []string{"t0", "t1"} {
		require.NoError(t, e.o.ReportTaskResult(ctx, ref(id, "fan", task), nil, &journal.ErrorInfo{Message: "down", Kind: "business"}))
	}
	e.pump(t)

	in := e.instance(t, id)
	assert.Equal(t, StateFailed, in.Stages["first"].State)
	assert.Contains(t, in.Stages["first"].Failure, "0 of 1")
	assert.Equal(t, StateFailed, in.State)
}

func TestGatherFirstNShortfallMinResults(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	// n 不可达但满足 minResults：带部分结果推进
	def := Definition{Name: "quorum", Stages: []Stage{
		{Name: "fan", Mode: ModeScatter, ActorType: "work",
			Scatter: &ScatterSpec{InputPath: "$.trigger.items", As: "item"},
			Input:   "@variables('item')"},
		{Name: "three", Mode: ModeGather,
			Gather:   &GatherSpec{Stage: "fan", Condition: CondN, N: 3},
			Executor: ExecutorConfig{MinResults: 2}},
	}}
	id, err := e.o.StartPipeline(ctx, def, map[string]any{"items": []any{1, 2, 3}})
	require.NoError(t, err)

	require.NoError(t, e.o.ReportTaskResult(ctx, ref(id, "fan", "t0"), json.RawMessage(`"a"`), nil))
	require.NoError(t, e.o.ReportTaskResult(ctx, ref(id, "fan", "t2"), json.RawMessage(`"c"`), nil))
	require.NoError(t, e.o.ReportTaskResult(ctx, ref(id, "fan", "t1"), nil, &journal.ErrorInfo{Message: "lost", Kind: "business"}))
	e.pump(t)

	in := e.instance(t, id)
	assert.Equal(t, StateCompleted, in.Stages["three"].State)
	assert.JSONEq(t, `["a","c"]`, string(in.Stages["three"].Result))
	assert.Equal(t, StateCompleted, in.State)
}

func TestBarrierTimeoutWithMinResults(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	base := time.Now()
	e.o.eng.now = func() time.Time { return base }

	def := Definition{Name: "slow", Stages: []Stage{
		{Name: "fan", Mode: ModeScatter, ActorType: "work",
			Scatter:  &ScatterSpec{InputPath: "$.trigger.items", As: "item"},
			Input:    "@variables('item')",
			Executor: ExecutorConfig{TimeoutMs: 1000}},
		{Name: "join", Mode: ModeGather,
			Gather:   &GatherSpec{Stage: "fan"},
			Executor: ExecutorConfig{MinResults: 4}},
	}}
	id, err := e.o.StartPipeline(ctx, def, map[string]any{"items": []any{1, 2, 3, 4, 5}})
	require.NoError(t, err)

	for _, task := range []string{"t0", "t1", "t2", "t3"} {
		require.NoError(t, e.o.ReportTaskResult(ctx, ref(id, "fan", task), json.RawMessage(`"ok"`), nil))
	}
	e.pump(t)
	assert.Equal(t, StateWaiting, e.instance(t, id).Stages["join"].State)

	// t4 超过 stage 超时：失败后 barrier 以 minResults=4 带部分结果推进
	e.o.eng.now = func() time.Time { return base.Add(2 * time.Second) }
	e.o.scanDeadlines(ctx)

	in := e.instance(t, id)
	assert.Equal(t, StateFailed, in.Stages["fan"].Tasks["t4"].State)
	assert.Equal(t, "timeout", in.Stages["fan"].Tasks["t4"].Error.Kind)
	assert.Equal(t, StateCompleted, in.Stages["join"].State)
	assert.JSONEq(t, `["ok","ok","ok","ok"]`, string(in.Stages["join"].Result))
	assert.Equal(t, StateCompleted, in.State)
}

func TestBarrierTimeoutWithoutMinResultsFails(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	base := time.Now()
	e.o.eng.now = func() time.Time { return base }

	def := Definition{Name: "slow", Stages: []Stage{
		{Name: "fan", Mode: ModeScatter, ActorType: "work",
			Scatter:  &ScatterSpec{InputPath: "$.trigger.items", As: "item"},
			Input:    "@variables('item')",
			Executor: ExecutorConfig{TimeoutMs: 1000}},
		{Name: "join", Mode: ModeGather, Gather: &GatherSpec{Stage: "fan"}},
	}}
	id, err := e.o.StartPipeline(ctx, def, map[string]any{"items": []any{1, 2, 3, 4, 5}})
	require.NoError(t, err)

	for _, task := range []string{"t0", "t1", "t2", "t3"} {
		require.NoError(t, e.o.ReportTaskResult(ctx, ref(id, "fan", task), json.RawMessage(`"ok"`), nil))
	}
	e.pump(t)

	e.o.eng.now = func() time.Time { return base.Add(2 * time.Second) }
	e.o.scanDeadlines(ctx)

	in := e.instance(t, id)
	assert.Equal(t, StateFailed, in.Stages["join"].State)
	assert.Contains(t, in.Stages["join"].Failure, "barrier timeout")
	assert.Equal(t, StateFailed, in.State)

	// 失败级联也落取消标志，在途任务被 actor 软忽略
	var cancelled bool
	ok, err := e.shared.Get(ctx, runtime.CancelFlagKey(id), &cancelled)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, cancelled)
}

func TestCancelCascade(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	def := Definition{Name: "cc", Stages: []Stage{
		{Name: "fan", Mode: ModeScatter, ActorType: "work",
			Scatter: &ScatterSpec{InputPath: "$.trigger.items", As: "item"},
			Input:   "@variables('item')"},
		{Name: "join", Mode: ModeGather, Gather: &GatherSpec{Stage: "fan"}},
	}}
	id, err := e.o.StartPipeline(ctx, def, map[string]any{"items": []any{1, 2}})
	require.NoError(t, err)

	require.NoError(t, e.o.Cancel(ctx, id))
	in := e.instance(t, id)
	assert.Equal(t, StateCancelled, in.State)
	assert.Equal(t, StateCancelled, in.Stages["fan"].State)
	assert.Equal(t, StateCancelled, in.Stages["join"].State)

	var cancelled bool
	ok, err := e.shared.Get(ctx, runtime.CancelFlagKey(id), &cancelled)
	require.NoError(t, err)
	assert.True(t, ok && cancelled)

	// 取消后到达的迟到上报：不产生 outbox 记录
	require.NoError(t, e.o.ReportTaskResult(ctx, ref(id, "fan", "t0"), json.RawMessage(`"late"`), nil))
	in = e.instance(t, id)
	assert.Empty(t, in.Outbox)
	assert.Equal(t, StateCancelled, in.Stages["fan"].Tasks["t0"].State)

	// 幂等取消；已终结后重复调用不报错
	require.NoError(t, e.o.Cancel(ctx, id))
}

func TestTaskFailureFailsSingleStage(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	def := Definition{Name: "boom", Stages: []Stage{
		{Name: "only", Mode: ModeSingle, ActorType: "work", Input: map[string]any{}},
		{Name: "next", Mode: ModeSingle, ActorType: "work", Input: map[string]any{}},
	}}
	id, err := e.o.StartPipeline(ctx, def, nil)
	require.NoError(t, err)

	failure := &journal.ErrorInfo{Message: "exploded", Kind: "business"}
	require.NoError(t, e.o.ReportTaskResult(ctx, ref(id, "only", "t0"), nil, failure))
	e.pump(t)

	in := e.instance(t, id)
	assert.Equal(t, StateFailed, in.State)
	assert.Equal(t, StateFailed, in.Stages["only"].State)
	assert.Contains(t, in.Stages["only"].Failure, "exploded")
	assert.Equal(t, StateCancelled, in.Stages["next"].State)
}

func TestOutboxPublishThenDelete(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	def := Definition{Name: "ob", Stages: []Stage{
		{Name: "only", Mode: ModeSingle, ActorType: "work", Input: map[string]any{}},
	}}
	id, err := e.o.StartPipeline(ctx, def, nil)
	require.NoError(t, err)

	require.NoError(t, e.o.ReportTaskResult(ctx, ref(id, "only", "t0"), json.RawMessage(`"v"`), nil))

	// 记录与任务状态同一次 CAS 写入，发布前持续可见
	in := e.instance(t, id)
	require.Len(t, in.Outbox, 1)
	assert.Equal(t, "out-only-t0", in.Outbox[0].OutboxID)
	assert.Equal(t, StateCompleted, in.Stages["only"].Tasks["t0"].State)

	e.o.relay.Sweep(ctx)
	in = e.instance(t, id)
	assert.Empty(t, in.Outbox)
	depth, err := e.q.Depth(ctx, ResultsQueue)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	// 重复发布（发布与删除之间崩溃的重放）被消费端幂等吸收
	msg, err := e.q.Consume(ctx, ResultsQueue)
	require.NoError(t, err)
	require.NoError(t, e.o.handleResult(ctx, msg))
	require.NoError(t, e.o.handleResult(ctx, msg))
	require.NoError(t, e.q.Ack(ctx, ResultsQueue, msg.MessageID))

	in = e.instance(t, id)
	assert.Equal(t, StateCompleted, in.State)
	assert.JSONEq(t, `"v"`, string(in.Stages["only"].Result))
}

func TestDuplicateReportIsIdempotent(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	def := Definition{Name: "dup", Stages: []Stage{
		{Name: "only", Mode: ModeSingle, ActorType: "work", Input: map[string]any{}},
	}}
	id, err := e.o.StartPipeline(ctx, def, nil)
	require.NoError(t, err)

	require.NoError(t, e.o.ReportTaskResult(ctx, ref(id, "only", "t0"), json.RawMessage(`"first"`), nil))
	require.NoError(t, e.o.ReportTaskResult(ctx, ref(id, "only", "t0"), json.RawMessage(`"second"`), nil))

	in := e.instance(t, id)
	require.Len(t, in.Outbox, 1)
	assert.JSONEq(t, `"first"`, string(in.Stages["only"].Tasks["t0"].Result))
	assert.Equal(t, []string{"t0"}, in.Stages["only"].CompletionOrder)
}

func TestChainedStagesUseUpstreamResults(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	def := Definition{
		Name:       "chain",
		Parameters: map[string]any{"suffix": "!"},
		Stages: []Stage{
			{Name: "fan", Mode: ModeScatter, ActorType: "work",
				Scatter: &ScatterSpec{InputPath: "$.trigger.items", As: "item"},
				Input:   "@variables('item')"},
			{Name: "summarize", Mode: ModeSingle, ActorType: "sum",
				Input: map[string]any{
					"values": "$.stages.fan",
					"first":  "$.stages.fan[0]",
					"suffix": "@parameters('suffix')",
				}},
		},
	}
	id, err := e.o.StartPipeline(ctx, def, map[string]any{"items": []any{1, 2}})
	require.NoError(t, err)

	require.NoError(t, e.o.ReportTaskResult(ctx, ref(id, "fan", "t0"), json.RawMessage(`10`), nil))
	require.NoError(t, e.o.ReportTaskResult(ctx, ref(id, "fan", "t1"), json.RawMessage(`20`), nil))
	e.pump(t)

	tasks := e.drainTasks(t, "sum")
	require.Len(t, tasks, 1)
	assert.JSONEq(t, `{"values":[10,20],"first":10,"suffix":"!"}`, string(tasks[0].env.Input))
}
