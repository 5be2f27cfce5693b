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
	"fmt"
	"time"

	"actor-platform/internal/journal"
	"actor-platform/internal/pipeline/path"
	"actor-platform/pkg/secrets"
)

// taskDispatch CAS 成功后要投递的任务消息
type taskDispatch struct {
	StageName string
	TaskID    string
	ActorType string
	Input     json.RawMessage
}

// stageEvent stage 终态迁移；指标在 CAS 成功后统一上报，
// 避免版本冲突重算时重复计数
type stageEvent struct {
	mode           Mode
	state          State
	durationSec    float64
	barrierTimeout bool
}

// effects 一次实例变更累积的外部副作用
type effects struct {
	dispatches []taskDispatch
	events     []stageEvent
}

// engine 纯状态机：在实例文档上推进 stage，不做 I/O。
// 模板与路径求值失败按 stage 失败处理而非报错返回，
// 定义里的坏选择器不会卡死整条 pipeline
type engine struct {
	secrets secrets.Store
	now     func() time.Time
}

func (e *engine) nowMs() int64 { return e.now().UnixMilli() }

// scope 当前上下文的求值作用域
func (e *engine) scope(in *Instance, vars map[string]any) path.Scope {
	return path.Scope{
		Root:       in.contextDoc(),
		Variables:  vars,
		Parameters: in.Definition.Parameters,
		Secrets:    e.secrets,
	}
}

// advance 固定点推进：反复扫描直到无 stage 可迁移。
// 每轮先启动就绪 stage，再结算 waiting stage 的进度
func (e *engine) advance(ctx context.Context, in *Instance, eff *effects) {
	for {
		if in.State.Terminal() {
			break
		}
		changed := false
		for i := range in.Definition.Stages {
			stage := &in.Definition.Stages[i]
			rec := in.Stages[stage.Name]
			switch rec.State {
			case StatePending:
				if e.eligible(in, i) {
					e.startStage(ctx, in, stage, rec, eff)
					changed = true
				}
			case StateWaiting:
				if e.progress(ctx, in, stage, rec, eff) {
					changed = true
				}
			}
		}
		e.refreshState(in, eff)
		if !changed {
			break
		}
	}
	in.UpdatedAt = e.nowMs()
}

// eligible stage 是否就绪。顺序语义：前序 stage 全部完成；
// gather 例外，引用 stage 开始派发即可观察完成流，
// any/n 条件得以在上游收尾前触发
func (e *engine) eligible(in *Instance, idx int) bool {
	stage := &in.Definition.Stages[idx]
	if stage.Mode == ModeGather {
		ref, ok := in.stage(stage.Gather.Stage)
		return ok && (ref.State == StateWaiting || ref.State == StateCompleted)
	}
	for i := 0; i < idx; i++ {
		if in.Stages[in.Definition.Stages[i].Name].State != StateCompleted {
			return false
		}
	}
	return true
}

// startStage pending → running → (waiting | completed)
func (e *engine) startStage(ctx context.Context, in *Instance, stage *Stage, rec *StageRecord, eff *effects) {
	rec.State = StateRunning
	rec.StartedAt = e.nowMs()
	if t := stage.timeoutMs(); t > 0 {
		rec.DeadlineAt = rec.StartedAt + t
	}

	switch stage.Mode {
	case ModeSingle:
		input, err := path.EvaluateTemplate(ctx, stage.Input, e.scope(in, nil))
		if err != nil {
			e.failStage(rec, "input template: "+err.Error(), false, eff)
			return
		}
		e.addTask(rec, stage, "t0", 0, "", input, eff)
		rec.State = StateWaiting

	case ModeScatter:
		src, err := path.Evaluate(ctx, stage.Scatter.InputPath, e.scope(in, nil))
		if err != nil {
			e.failStage(rec, "scatter input: "+err.Error(), false, eff)
			return
		}
		items, ok := src.([]any)
		if !ok {
			e.failStage(rec, fmt.Sprintf("scatter input %q is not an array", stage.Scatter.InputPath), false, eff)
			return
		}
		if len(items) == 0 {
			// 空展开立即以 [] 完成，下游 all gather 随之完成
			e.completeStage(rec, json.RawMessage("[]"), eff)
			return
		}
		cap := stage.maxParallel()
		for i, item := range items {
			input, err := path.EvaluateTemplate(ctx, stage.Input, e.scope(in, map[string]any{stage.Scatter.As: item}))
			if err != nil {
				e.failStage(rec, fmt.Sprintf("task %d input template: %v", i, err), false, eff)
				return
			}
			dispatch := cap <= 0 || i < cap
			e.addPendingTask(rec, stage, fmt.Sprintf("t%d", i), i, "", input, dispatch, eff)
		}
		rec.State = StateWaiting

	case ModeGather:
		rec.State = StateWaiting
	}
}

// progress 结算 waiting stage；返回是否发生迁移
func (e *engine) progress(ctx context.Context, in *Instance, stage *Stage, rec *StageRecord, eff *effects) bool {
	switch stage.Mode {
	case ModeSingle:
		task := rec.Tasks[rec.TaskOrder[0]]
		switch task.State {
		case StateCompleted:
			e.completeStage(rec, task.Result, eff)
			return true
		case StateFailed:
			e.failStage(rec, taskFailure(task), false, eff)
			return true
		}
		return false

	case ModeScatter:
		return e.progressScatter(in, stage, rec, eff)

	case ModeGather:
		if len(rec.TaskOrder) > 0 {
			return e.progressGatherGroups(rec, eff)
		}
		return e.progressGatherBarrier(ctx, in, stage, rec, false, eff)
	}
	return false
}

// progressScatter 补派发节流窗口内的任务；全部终态后按源序落位
func (e *engine) progressScatter(in *Instance, stage *Stage, rec *StageRecord, eff *effects) bool {
	changed := false
	cap := stage.maxParallel()
	inflight := 0
	for _, id := range rec.TaskOrder {
		if t := rec.Tasks[id]; t.State == StateRunning {
			inflight++
		}
	}
	for _, id := range rec.TaskOrder {
		t := rec.Tasks[id]
		if t.State != StatePending {
			continue
		}
		if cap > 0 && inflight >= cap {
			break
		}
		t.State = StateRunning
		t.Dispatched = true
		eff.dispatches = append(eff.dispatches, taskDispatch{
			StageName: rec.Name, TaskID: t.TaskID, ActorType: stage.ActorType, Input: t.Input,
		})
		inflight++
		changed = true
	}

	anyFailed := false
	results := make([]any, len(rec.TaskOrder))
	for i, id := range rec.TaskOrder {
		t := rec.Tasks[id]
		switch t.State {
		case StateCompleted:
			var v any
			if len(t.Result) > 0 {
				if err := json.Unmarshal(t.Result, &v); err != nil {
					v = nil
				}
			}
			results[i] = v
		case StateFailed, StateCancelled:
			anyFailed = true
			results[i] = nil
		default:
			return changed
		}
	}

	// 失败任务由下游 barrier 的 minResults 策略裁决；
	// 无人观察时任务失败即 stage 失败
	if anyFailed && !in.Definition.referencedByGather(rec.Name) {
		e.failStage(rec, firstTaskFailure(rec), false, eff)
		return true
	}
	b, err := json.Marshal(results)
	if err != nil {
		e.failStage(rec, "marshal scatter results: "+err.Error(), false, eff)
		return true
	}
	e.completeStage(rec, b, eff)
	return true
}

// progressGatherBarrier 收集阶段：检查 barrier 条件。
// deadline 为真表示超时点强制裁决（minResults 或失败）
func (e *engine) progressGatherBarrier(ctx context.Context, in *Instance, stage *Stage, rec *StageRecord, deadline bool, eff *effects) bool {
	ref, ok := in.stage(stage.Gather.Stage)
	if !ok || ref.State == StatePending {
		return false
	}
	successes := ref.CompletionOrder
	total := len(ref.TaskOrder)

	var required int
	switch stage.Gather.condition() {
	case CondAny:
		required = 1
	case CondN:
		required = stage.Gather.N
	default:
		required = total
	}

	satisfied := false
	var collect []string
	switch stage.Gather.condition() {
	case CondAny:
		if len(successes) >= 1 {
			satisfied, collect = true, successes[:1]
		}
	case CondN:
		if len(successes) >= stage.Gather.N {
			satisfied, collect = true, successes[:stage.Gather.N]
		}
	default: // all
		if !ref.State.Terminal() {
			break
		}
		if len(successes) == total {
			satisfied, collect = true, successes
		} else if min := stage.Executor.MinResults; min > 0 && len(successes) >= min {
			// 部分失败但满足 minResults：带部分结果推进
			satisfied, collect = true, successes
		} else {
			e.failBarrier(in, stage, rec, len(successes), required, eff)
			return true
		}
	}

	if !satisfied {
		// 引用 stage 已终态时不会再有新完成，any/n 的缺口与超时同样裁决
		if !deadline && !ref.State.Terminal() {
			return false
		}
		if min := stage.Executor.MinResults; min > 0 && len(successes) >= min {
			satisfied, collect = true, successes
		} else {
			e.failBarrier(in, stage, rec, len(successes), required, eff)
			return true
		}
	}

	e.resolveGather(ctx, stage, rec, ref, collect, eff)
	return true
}

// resolveGather barrier 满足后的落位：直接写结果数组，
// 或按 groupBy 分组后每组调用一次 actorType
func (e *engine) resolveGather(ctx context.Context, stage *Stage, rec *StageRecord, ref *StageRecord, collect []string, eff *effects) {
	items := make([]any, 0, len(collect))
	for _, id := range collect {
		var v any
		if raw := ref.Tasks[id].Result; len(raw) > 0 {
			if err := json.Unmarshal(raw, &v); err != nil {
				v = nil
			}
		}
		items = append(items, v)
	}

	if stage.Gather.GroupBy == "" {
		// 无分组：完成序数组
		b, err := json.Marshal(items)
		if err != nil {
			e.failStage(rec, "marshal gather results: "+err.Error(), false, eff)
			return
		}
		e.completeStage(rec, b, eff)
		return
	}

	// 分组：键按首次出现排序
	var keyOrder []string
	groups := make(map[string][]any)
	for _, item := range items {
		kv, err := path.Evaluate(ctx, stage.Gather.GroupBy, path.Scope{Root: item})
		if err != nil {
			e.failStage(rec, "groupBy selector: "+err.Error(), false, eff)
			return
		}
		key := fmt.Sprintf("%v", kv)
		if _, seen := groups[key]; !seen {
			keyOrder = append(keyOrder, key)
		}
		groups[key] = append(groups[key], item)
	}
	if len(keyOrder) == 0 {
		e.completeStage(rec, json.RawMessage("[]"), eff)
		return
	}
	for gi, key := range keyOrder {
		input := map[string]any{"group": map[string]any{"key": key, "items": groups[key]}}
		e.addTask(rec, stage, fmt.Sprintf("g%d", gi), gi, key, input, eff)
	}
}

// progressGatherGroups 分组调用阶段：全部终态后按键序落位
func (e *engine) progressGatherGroups(rec *StageRecord, eff *effects) bool {
	results := make([]any, len(rec.TaskOrder))
	for i, id := range rec.TaskOrder {
		t := rec.Tasks[id]
		switch t.State {
		case StateCompleted:
			var v any
			if len(t.Result) > 0 {
				if err := json.Unmarshal(t.Result, &v); err != nil {
					v = nil
				}
			}
			results[i] = v
		case StateFailed, StateCancelled:
			e.failStage(rec, taskFailure(t), false, eff)
			return true
		default:
			return false
		}
	}
	b, err := json.Marshal(results)
	if err != nil {
		e.failStage(rec, "marshal group results: "+err.Error(), false, eff)
		return true
	}
	e.completeStage(rec, b, eff)
	return true
}

// applyDeadlines 超时裁决：扫描器在持久化 DeadlineAt 过期时调用。
// 返回是否有迁移发生
func (e *engine) applyDeadlines(ctx context.Context, in *Instance, eff *effects) bool {
	if in.State.Terminal() {
		return false
	}
	now := e.nowMs()
	changed := false
	for i := range in.Definition.Stages {
		stage := &in.Definition.Stages[i]
		rec := in.Stages[stage.Name]
		if rec.State != StateWaiting || rec.DeadlineAt == 0 || now < rec.DeadlineAt {
			continue
		}
		rec.DeadlineAt = 0

		if stage.Mode == ModeGather && len(rec.TaskOrder) == 0 {
			if e.progressGatherBarrier(ctx, in, stage, rec, true, eff) {
				changed = true
			}
			continue
		}
		// 运行中任务收到取消式超时，未派发的任务丢弃
		for _, id := range rec.TaskOrder {
			t := rec.Tasks[id]
			if t.State.Terminal() {
				continue
			}
			t.State = StateFailed
			t.Error = &journal.ErrorInfo{Message: "stage timeout", Kind: "timeout"}
			changed = true
		}
	}
	if changed {
		e.advance(ctx, in, eff)
	}
	return changed
}

// cancel 级联取消：非终态 stage 与任务全部标记 cancelled，
// 不再产生 outbox 记录
func (e *engine) cancel(in *Instance, eff *effects) bool {
	if in.State.Terminal() {
		return false
	}
	for _, stage := range in.Definition.Stages {
		rec := in.Stages[stage.Name]
		if rec.State.Terminal() {
			continue
		}
		for _, t := range rec.Tasks {
			if !t.State.Terminal() {
				t.State = StateCancelled
			}
		}
		rec.State = StateCancelled
		rec.DeadlineAt = 0
		eff.events = append(eff.events, stageEvent{mode: stage.Mode, state: StateCancelled})
	}
	in.State = StateCancelled
	in.UpdatedAt = e.nowMs()
	return true
}

// refreshState 汇总 pipeline 级状态；任一 stage 失败即整条失败，
// 下游级联取消
func (e *engine) refreshState(in *Instance, eff *effects) {
	if in.State.Terminal() {
		return
	}
	failed := false
	allTerminal := true
	for _, stage := range in.Definition.Stages {
		rec := in.Stages[stage.Name]
		if rec.State == StateFailed {
			failed = true
		}
		if !rec.State.Terminal() {
			allTerminal = false
		}
	}
	switch {
	case failed:
		for _, stage := range in.Definition.Stages {
			rec := in.Stages[stage.Name]
			if rec.State.Terminal() {
				continue
			}
			for _, t := range rec.Tasks {
				if !t.State.Terminal() {
					t.State = StateCancelled
				}
			}
			rec.State = StateCancelled
			rec.DeadlineAt = 0
			eff.events = append(eff.events, stageEvent{mode: stage.Mode, state: StateCancelled})
		}
		in.State = StateFailed
	case allTerminal:
		in.State = StateCompleted
	default:
		in.State = StateRunning
	}
}

// addTask 登记并立即派发一个任务
func (e *engine) addTask(rec *StageRecord, stage *Stage, taskID string, index int, groupKey string, input any, eff *effects) {
	e.addPendingTask(rec, stage, taskID, index, groupKey, input, true, eff)
}

// addPendingTask 登记任务；dispatch 为真时进入派发清单
func (e *engine) addPendingTask(rec *StageRecord, stage *Stage, taskID string, index int, groupKey string, input any, dispatch bool, eff *effects) {
	raw, err := json.Marshal(input)
	if err != nil {
		raw = json.RawMessage("null")
	}
	state := StatePending
	if dispatch {
		state = StateRunning
	}
	if rec.Tasks == nil {
		rec.Tasks = make(map[string]*Task)
	}
	rec.Tasks[taskID] = &Task{
		TaskID:     taskID,
		StageName:  rec.Name,
		Index:      index,
		GroupKey:   groupKey,
		Input:      raw,
		State:      state,
		Dispatched: dispatch,
	}
	rec.TaskOrder = append(rec.TaskOrder, taskID)
	if dispatch {
		eff.dispatches = append(eff.dispatches, taskDispatch{
			StageName: rec.Name, TaskID: taskID, ActorType: stage.ActorType, Input: raw,
		})
	}
}

func (e *engine) completeStage(rec *StageRecord, result json.RawMessage, eff *effects) {
	rec.State = StateCompleted
	rec.Result = result
	rec.DeadlineAt = 0
	eff.events = append(eff.events, stageEvent{
		mode:        rec.Mode,
		state:       StateCompleted,
		durationSec: float64(e.nowMs()-rec.StartedAt) / 1000,
	})
}

func (e *engine) failStage(rec *StageRecord, failure string, barrierTimeout bool, eff *effects) {
	rec.State = StateFailed
	rec.Failure = failure
	rec.DeadlineAt = 0
	eff.events = append(eff.events, stageEvent{mode: rec.Mode, state: StateFailed, barrierTimeout: barrierTimeout})
}

// failBarrier barrier 不可满足；超时或失败缺口都按 BarrierTimeout 记账
func (e *engine) failBarrier(in *Instance, stage *Stage, rec *StageRecord, completed, required int, eff *effects) {
	err := &BarrierTimeoutError{
		PipelineID: in.PipelineID,
		StageName:  stage.Name,
		Completed:  completed,
		Required:   required,
	}
	e.failStage(rec, err.Error(), true, eff)
}

// taskFailure 任务失败的可读描述
func taskFailure(t *Task) string {
	if t.Error != nil && t.Error.Message != "" {
		return fmt.Sprintf("task %s: %s", t.TaskID, t.Error.Message)
	}
	return fmt.Sprintf("task %s failed", t.TaskID)
}

// firstTaskFailure 按声明序取第一个失败任务的描述
func firstTaskFailure(rec *StageRecord) string {
	for _, id := range rec.TaskOrder {
		if t := rec.Tasks[id]; t.State == StateFailed {
			return taskFailure(t)
		}
	}
	return "task failed"
}
