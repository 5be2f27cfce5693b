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
	"sync"
	"time"

	"github.com/google/uuid"

	"actor-platform/internal/journal"
	"actor-platform/internal/queue"
	"actor-platform/internal/runtime"
	"actor-platform/internal/sharedmem"
	"actor-platform/internal/storage/kvstate"
	"actor-platform/pkg/log"
	"actor-platform/pkg/metrics"
	"actor-platform/pkg/secrets"
)

// ResultsQueue 编排协调队列：outbox relay 在此发布任务完成通知
const ResultsQueue = "pipeline-stage-results"

// DefaultScanInterval 超时扫描间隔
const DefaultScanInterval = time.Second

// Config 编排器配置
type Config struct {
	// Worker 协调队列消费者池配置
	Worker queue.WorkerConfig
	// ScanInterval 超时扫描间隔，<=0 采用默认 1s
	ScanInterval time.Duration
	// RelayInterval outbox relay 兜底扫描间隔，<=0 采用默认 1s
	RelayInterval time.Duration
}

// Deps 编排器协作者。编排器不持有 actor 租约，
// 与 actor 只通过队列消息往来
type Deps struct {
	KV      kvstate.Store
	Queue   queue.Queue
	Router  *runtime.Router
	Shared  sharedmem.Store
	Secrets secrets.Store
	Logger  *log.Logger
}

// Orchestrator scatter/gather pipeline 编排器
type Orchestrator struct {
	cfg    Config
	repo   *Repo
	q      queue.Queue
	router *runtime.Router
	shared sharedmem.Store
	logger *log.Logger

	eng    *engine
	relay  *Relay
	worker *queue.Worker

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// New 创建编排器。装配时把 ReportTaskResult 注入
// runtime.SetTaskReporter，运行时在任务终结处回调
func New(cfg Config, deps Deps) *Orchestrator {
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = DefaultScanInterval
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.Nop()
	}
	repo := NewRepo(deps.KV)
	o := &Orchestrator{
		cfg:    cfg,
		repo:   repo,
		q:      deps.Queue,
		router: deps.Router,
		shared: deps.Shared,
		logger: logger.Component("pipeline"),
		eng:    &engine{secrets: deps.Secrets, now: time.Now},
		relay:  NewRelay(repo, deps.Queue, cfg.RelayInterval, logger),
	}
	o.worker = queue.NewWorker(deps.Queue, queue.StaticQueues(ResultsQueue), o.handleResult, cfg.Worker, logger)
	return o
}

// Start 启动协调消费、outbox relay 与超时扫描
func (o *Orchestrator) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.worker.Start(runCtx)
	o.relay.Start(runCtx)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(o.cfg.ScanInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				o.scanDeadlines(runCtx)
			}
		}
	}()
}

// Stop 停止编排器
func (o *Orchestrator) Stop() {
	o.once.Do(func() {
		if o.cancel != nil {
			o.cancel()
		}
		o.worker.Stop()
		o.relay.Stop()
		o.wg.Wait()
	})
}

// StartPipeline 按定义启动一条 pipeline 实例，返回实例 ID
func (o *Orchestrator) StartPipeline(ctx context.Context, def Definition, trigger any) (string, error) {
	if err := def.Validate(); err != nil {
		return "", err
	}
	var rawTrigger json.RawMessage
	if trigger != nil {
		b, err := json.Marshal(trigger)
		if err != nil {
			return "", fmt.Errorf("pipeline: marshal trigger: %w", err)
		}
		rawTrigger = b
	}

	now := o.eng.nowMs()
	in := &Instance{
		PipelineID: "pl-" + uuid.New().String(),
		Definition: def,
		Trigger:    rawTrigger,
		State:      StateRunning,
		Stages:     make(map[string]*StageRecord, len(def.Stages)),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	for _, s := range def.Stages {
		in.Stages[s.Name] = &StageRecord{Name: s.Name, Mode: s.Mode, State: StatePending}
	}

	var eff effects
	o.eng.advance(ctx, in, &eff)
	if err := o.repo.Create(ctx, in); err != nil {
		return "", err
	}
	o.applyEffects(ctx, in, &eff)
	o.logger.Info("pipeline started", "pipeline_id", in.PipelineID, "definition", def.Name, "stages", len(def.Stages))
	return in.PipelineID, nil
}

// Cancel 取消 pipeline：非终态 stage 级联 cancelled，不再产生
// outbox 记录，取消标志落到共享内存供在途 actor 软忽略。幂等
func (o *Orchestrator) Cancel(ctx context.Context, pipelineID string) error {
	var eff effects
	in, err := o.repo.Mutate(ctx, pipelineID, func(in *Instance) error {
		eff = effects{}
		if in.State == StateCancelled {
			return errUnchanged
		}
		if in.State.Terminal() {
			return fmt.Errorf("%w: %s is %s", ErrTerminal, pipelineID, in.State)
		}
		o.eng.cancel(in, &eff)
		return nil
	})
	if err != nil {
		return err
	}
	if err := o.shared.Set(ctx, runtime.CancelFlagKey(pipelineID), true, 0); err != nil {
		o.logger.Warn("cancel flag write failed", "pipeline_id", pipelineID, "error", err)
	}
	o.emitEvents(&eff)
	o.logger.Info("pipeline cancelled", "pipeline_id", in.PipelineID)
	return nil
}

// Instance 读取实例当前状态
func (o *Orchestrator) Instance(ctx context.Context, pipelineID string) (*Instance, error) {
	return o.repo.Get(ctx, pipelineID)
}

// ReportTaskResult 运行时任务终结回调。与任务状态同一次 CAS 追加
// outbox 记录；按 (pipelineID, stageName, taskID) 幂等，
// 终态（含取消）实例上的迟到上报静默丢弃
func (o *Orchestrator) ReportTaskResult(ctx context.Context, ref runtime.PipelineRef, result json.RawMessage, failure *journal.ErrorInfo) error {
	_, err := o.repo.Mutate(ctx, ref.PipelineID, func(in *Instance) error {
		if in.State.Terminal() {
			return errUnchanged
		}
		rec, ok := in.stage(ref.StageName)
		if !ok {
			return errUnchanged
		}
		task, ok := rec.Tasks[ref.TaskID]
		if !ok || task.State.Terminal() {
			return errUnchanged
		}

		if failure != nil {
			task.State = StateFailed
			task.Error = failure
		} else {
			task.State = StateCompleted
			task.Result = result
			rec.CompletionOrder = append(rec.CompletionOrder, task.TaskID)
		}

		payload, err := json.Marshal(StageResult{
			PipelineID: ref.PipelineID,
			StageName:  ref.StageName,
			TaskID:     ref.TaskID,
			Result:     result,
			Error:      failure,
		})
		if err != nil {
			return fmt.Errorf("pipeline: marshal stage result: %w", err)
		}
		in.Outbox = append(in.Outbox, OutboxRecord{
			OutboxID:   "out-" + ref.StageName + "-" + ref.TaskID,
			PipelineID: ref.PipelineID,
			StageName:  ref.StageName,
			TaskID:     ref.TaskID,
			Payload:    payload,
		})
		in.UpdatedAt = o.eng.nowMs()
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		// 实例已被清理的迟到上报
		return nil
	}
	if err != nil {
		return err
	}
	o.relay.Nudge()
	return nil
}

// handleResult 协调队列消息：在最新版本上重算 barrier 与 stage 推进。
// 推进是实例状态的纯函数，重复通知天然幂等
func (o *Orchestrator) handleResult(ctx context.Context, msg *queue.Message) error {
	var res StageResult
	if err := json.Unmarshal(msg.Payload, &res); err != nil {
		return fmt.Errorf("%w: malformed stage result: %v", queue.ErrSkipRetry, err)
	}

	var eff effects
	in, err := o.repo.Mutate(ctx, res.PipelineID, func(in *Instance) error {
		eff = effects{}
		if in.State.Terminal() {
			return errUnchanged
		}
		o.eng.advance(ctx, in, &eff)
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		o.logger.Warn("stage result for unknown pipeline", "pipeline_id", res.PipelineID, "task_id", res.TaskID)
		return nil
	}
	if err != nil {
		return err
	}
	o.applyEffects(ctx, in, &eff)
	return nil
}

// scanDeadlines 超时扫描：从持久化 DeadlineAt 重建定时语义
func (o *Orchestrator) scanDeadlines(ctx context.Context) {
	ids, err := o.repo.Keys(ctx)
	if err != nil {
		o.logger.Warn("deadline scan: list instances failed", "error", err)
		return
	}
	now := o.eng.nowMs()
	for _, id := range ids {
		in, err := o.repo.Get(ctx, id)
		if err != nil {
			continue
		}
		if !hasExpiredDeadline(in, now) {
			continue
		}
		var eff effects
		in, err = o.repo.Mutate(ctx, id, func(in *Instance) error {
			eff = effects{}
			if !o.eng.applyDeadlines(ctx, in, &eff) {
				return errUnchanged
			}
			return nil
		})
		if err != nil {
			o.logger.Warn("deadline apply failed", "pipeline_id", id, "error", err)
			continue
		}
		o.applyEffects(ctx, in, &eff)
	}
}

// hasExpiredDeadline 只读预检，避免对每个实例都走 CAS
func hasExpiredDeadline(in *Instance, nowMs int64) bool {
	if in.State.Terminal() {
		return false
	}
	for _, rec := range in.Stages {
		if rec.State == StateWaiting && rec.DeadlineAt > 0 && nowMs >= rec.DeadlineAt {
			return true
		}
	}
	return false
}

// applyEffects CAS 成功后的副作用：任务派发、失败级联的取消标志、
// stage 指标。派发消息 ID 对 (pipeline, stage, task) 确定，
// 崩溃重派发在 actor 日志处去重
func (o *Orchestrator) applyEffects(ctx context.Context, in *Instance, eff *effects) {
	for _, d := range eff.dispatches {
		actorID := in.PipelineID + ":" + d.StageName + ":" + d.TaskID
		_, err := o.router.Send(ctx, actorID, runtime.Envelope{
			Kind:      runtime.KindInvoke,
			ActorType: d.ActorType,
			Input:     d.Input,
			Pipeline: &runtime.PipelineRef{
				PipelineID: in.PipelineID,
				StageName:  d.StageName,
				TaskID:     d.TaskID,
			},
		}, runtime.SendOptions{MessageID: "pipe:" + in.PipelineID + ":" + d.StageName + ":" + d.TaskID})
		if err != nil {
			// 派发失败不回滚状态；stage 超时兜底裁决
			o.logger.Error("task dispatch failed", "pipeline_id", in.PipelineID,
				"stage", d.StageName, "task_id", d.TaskID, "error", err)
		}
	}
	if in.State == StateFailed {
		if err := o.shared.Set(ctx, runtime.CancelFlagKey(in.PipelineID), true, 0); err != nil {
			o.logger.Warn("cancel flag write failed", "pipeline_id", in.PipelineID, "error", err)
		}
	}
	o.emitEvents(eff)
}

// emitEvents stage 终态指标
func (o *Orchestrator) emitEvents(eff *effects) {
	for _, ev := range eff.events {
		metrics.StageTotal.WithLabelValues(string(ev.mode), string(ev.state)).Inc()
		if ev.state == StateCompleted {
			metrics.StageDuration.WithLabelValues(string(ev.mode)).Observe(ev.durationSec)
		}
		if ev.barrierTimeout {
			metrics.BarrierTimeoutTotal.Inc()
		}
	}
}
