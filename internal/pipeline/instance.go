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
	"fmt"

	"actor-platform/internal/journal"
	"actor-platform/internal/storage/kvstate"
)

// State stage 与 pipeline 的生命周期状态
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateWaiting   State = "waiting"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal 是否终态
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Task 一次 stage 任务调用
type Task struct {
	TaskID    string `json:"taskId"`
	StageName string `json:"stageName"`
	// Index scatter 源下标或 groupBy 键序号
	Index int `json:"index"`
	// GroupKey gather 分组任务的键
	GroupKey string          `json:"groupKey,omitempty"`
	Input    json.RawMessage `json:"input"`
	// State running | completed | failed | cancelled
	State State `json:"state"`
	// Dispatched 任务消息已（或即将）入队；maxParallel 节流用
	Dispatched bool               `json:"dispatched"`
	Result     json.RawMessage    `json:"result,omitempty"`
	Error      *journal.ErrorInfo `json:"error,omitempty"`
}

// StageRecord stage 的持久化运行状态
type StageRecord struct {
	Name  string `json:"name"`
	Mode  Mode   `json:"mode"`
	State State  `json:"state"`
	// StartedAt / DeadlineAt epoch 毫秒；DeadlineAt 为 0 表示无超时。
	// 超时定时器不驻留内存，扫描器从持久化的 DeadlineAt 重建，
	// 进程重启后自动重新武装
	StartedAt  int64 `json:"startedAt,omitempty"`
	DeadlineAt int64 `json:"deadlineAt,omitempty"`

	TaskOrder []string         `json:"taskOrder,omitempty"`
	Tasks     map[string]*Task `json:"tasks,omitempty"`
	// CompletionOrder 成功任务的完成顺序；gather 的收集序与
	// 无 groupBy 时的输出序
	CompletionOrder []string `json:"completionOrder,omitempty"`

	Result  json.RawMessage `json:"result,omitempty"`
	Failure string          `json:"failure,omitempty"`
}

// OutboxRecord 待发布的任务完成记录。与任务状态同一次 CAS 写入，
// 发布到协调队列成功后才删除；崩溃时未发布的记录重放，
// 消费端按 (pipelineID, stageName, taskID) 幂等应用。
type OutboxRecord struct {
	OutboxID   string          `json:"outboxId"`
	PipelineID string          `json:"pipelineId"`
	StageName  string          `json:"stageName"`
	TaskID     string          `json:"taskId"`
	Payload    json.RawMessage `json:"payload"`
}

// StageResult 协调队列上的任务完成通知
type StageResult struct {
	PipelineID string             `json:"pipelineId"`
	StageName  string             `json:"stageName"`
	TaskID     string             `json:"taskId"`
	Result     json.RawMessage    `json:"result,omitempty"`
	Error      *journal.ErrorInfo `json:"error,omitempty"`
}

// Instance pipeline 运行实例。整体存为一个 kvstate 文档，
// Version 即文档版本，所有变更走 CAS
type Instance struct {
	PipelineID string                  `json:"pipelineId"`
	Definition Definition              `json:"definition"`
	Trigger    json.RawMessage         `json:"trigger,omitempty"`
	State      State                   `json:"state"`
	Stages     map[string]*StageRecord `json:"stages"`
	Outbox     []OutboxRecord          `json:"outbox,omitempty"`
	CreatedAt  int64                   `json:"createdAt"`
	UpdatedAt  int64                   `json:"updatedAt"`

	Version int64 `json:"-"`
}

// stage 取 stage 运行记录
func (in *Instance) stage(name string) (*StageRecord, bool) {
	rec, ok := in.Stages[name]
	return rec, ok
}

// contextDoc 构造路径求值的根文档 {"trigger": …, "stages": {…}}。
// 只投影已完成 stage 的结果
func (in *Instance) contextDoc() map[string]any {
	var trigger any
	if len(in.Trigger) > 0 {
		if err := json.Unmarshal(in.Trigger, &trigger); err != nil {
			trigger = nil
		}
	}
	stages := make(map[string]any)
	for name, rec := range in.Stages {
		if rec.State != StateCompleted || len(rec.Result) == 0 {
			continue
		}
		var v any
		if err := json.Unmarshal(rec.Result, &v); err != nil {
			continue
		}
		stages[name] = v
	}
	return map[string]any{"trigger": trigger, "stages": stages}
}

// instanceKey 实例文档键
func instanceKey(pipelineID string) string { return "pipeline:" + pipelineID }

// errUnchanged Mutate 回调用它表示无需写回
var errUnchanged = errors.New("pipeline: instance unchanged")

// Repo kvstate 之上的实例仓库。写入全部 compare-and-set，
// 并发修改按版本冲突重读重算
type Repo struct {
	kv kvstate.Store
}

// NewRepo 创建仓库
func NewRepo(kv kvstate.Store) *Repo { return &Repo{kv: kv} }

// Create 创建实例文档；已存在返回版本冲突
func (r *Repo) Create(ctx context.Context, in *Instance) error {
	b, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("pipeline: marshal instance: %w", err)
	}
	v, err := r.kv.Put(ctx, instanceKey(in.PipelineID), b, 0)
	if err != nil {
		return err
	}
	in.Version = v
	return nil
}

// Get 读取实例
func (r *Repo) Get(ctx context.Context, pipelineID string) (*Instance, error) {
	doc, err := r.kv.Get(ctx, instanceKey(pipelineID))
	if errors.Is(err, kvstate.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var in Instance
	if err := json.Unmarshal(doc.Value, &in); err != nil {
		return nil, fmt.Errorf("pipeline: unmarshal instance %s: %w", pipelineID, err)
	}
	in.Version = doc.Version
	return &in, nil
}

// update CAS 写回
func (r *Repo) update(ctx context.Context, in *Instance) error {
	b, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("pipeline: marshal instance: %w", err)
	}
	v, err := r.kv.Put(ctx, instanceKey(in.PipelineID), b, in.Version)
	if err != nil {
		return err
	}
	in.Version = v
	return nil
}

// Mutate 读-改-CAS 循环。fn 在最新版本上重算；版本冲突重试，
// fn 返回 errUnchanged 时不写回
func (r *Repo) Mutate(ctx context.Context, pipelineID string, fn func(*Instance) error) (*Instance, error) {
	const maxRetries = 16
	for i := 0; i < maxRetries; i++ {
		in, err := r.Get(ctx, pipelineID)
		if err != nil {
			return nil, err
		}
		if err := fn(in); err != nil {
			if errors.Is(err, errUnchanged) {
				return in, nil
			}
			return nil, err
		}
		err = r.update(ctx, in)
		if errors.Is(err, kvstate.ErrVersionMismatch) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return in, nil
	}
	return nil, fmt.Errorf("pipeline: instance %s: too many concurrent modifications", pipelineID)
}

// Keys 列出全部实例 ID
func (r *Repo) Keys(ctx context.Context) ([]string, error) {
	keys, err := r.kv.Keys(ctx, "pipeline:")
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k[len("pipeline:"):])
	}
	return out, nil
}
