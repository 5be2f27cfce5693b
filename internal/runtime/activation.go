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
	"errors"
	"fmt"
	"time"

	"actor-platform/internal/activity"
	"actor-platform/internal/actor"
	"actor-platform/internal/journal"
	"actor-platform/internal/lock"
	"actor-platform/internal/queue"
	"actor-platform/pkg/metrics"
	"actor-platform/pkg/tracing"
)

// pendingAck 挂起执行片遗留的待确认原始消息。跨 worker 可见：
// 恢复可能发生在任意进程，终结时由当时的持有者 ACK。
type pendingAck struct {
	Queue     string       `json:"queue"`
	MessageID string       `json:"messageId"`
	Pipeline  *PipelineRef `json:"pipeline,omitempty"`
}

func pendingAckKey(actorID string) string { return "inflight:" + actorID }

// CancelFlagKey pipeline 取消标志的共享内存键；
// 在途 actor 据此软忽略过期任务信封
func CancelFlagKey(pipelineID string) string { return "pipeline:" + pipelineID + ":cancelled" }

// handleMessage 邮箱消息入口：租约 → 激活 → 执行片 → 终结处理
func (r *Runtime) handleMessage(ctx context.Context, msg *queue.Message) error {
	env, err := DecodeEnvelope(msg.Payload)
	if err != nil {
		return fmt.Errorf("%w: %v", queue.ErrSkipRetry, err)
	}

	// 已取消 pipeline 的任务信封软忽略：不激活、不改状态，直接 ACK
	if env.Kind == KindInvoke && env.Pipeline != nil {
		var cancelled bool
		if ok, _ := r.shared.Get(ctx, CancelFlagKey(env.Pipeline.PipelineID), &cancelled); ok && cancelled {
			r.logger.Debug("dropping task for cancelled pipeline",
				"pipeline_id", env.Pipeline.PipelineID, "task_id", env.Pipeline.TaskID)
			return nil
		}
	}

	resource := "actor:" + msg.ActorID
	lease, err := r.locks.Acquire(ctx, resource, r.cfg.LeaseTTL)
	if errors.Is(err, lock.ErrHeld) {
		return queue.ErrLeaseConflict
	}
	if err != nil {
		return err
	}

	keeper := lock.NewKeeper(r.locks, lease, r.cfg.LeaseTTL, r.logger)
	guarded := keeper.Start(ctx)
	defer func() {
		keeper.Stop()
		// 原上下文可能已取消；释放用独立的短超时上下文
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.locks.Release(releaseCtx, lease); err != nil {
			r.logger.Warn("lease release failed", "resource", resource, "error", err)
		}
	}()

	inst, err := r.activate(guarded, env.ActorType, msg.ActorID, lease.Token)
	if err != nil {
		var corr *journal.CorruptionError
		if errors.As(err, &corr) {
			r.logger.Error("journal corrupt, quarantining actor", "actor_id", msg.ActorID, "error", err)
			return fmt.Errorf("%w: %v", queue.ErrSkipRetry, err)
		}
		return err
	}
	inst.Ctx.SetRunContext(guarded)
	inst.Ctx.SetFence(lease.Token)

	started := time.Now()
	outcome, sliceErr := r.runSlice(guarded, inst, env, msg)
	metrics.SliceDuration.WithLabelValues(env.ActorType, outcome).Observe(time.Since(started).Seconds())

	switch outcome {
	case "failed":
		if errors.Is(sliceErr, queue.ErrSkipRetry) {
			r.pool.Remove(msg.ActorID)
		}
	default:
		r.pool.Put(msg.ActorID, inst, lease.Token)
	}
	return sliceErr
}

// activate 取缓存实例或走完整激活：构造 → 加载快照 → 重放
func (r *Runtime) activate(ctx context.Context, actorType, actorID string, token int64) (*Instance, error) {
	if inst, ok := r.pool.Checkout(actorID, token); ok {
		return inst, nil
	}

	a, err := r.registry.New(actorType)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", queue.ErrSkipRetry, err)
	}
	tctx := actor.NewContext(actor.Params{
		ActorID:              actorID,
		ActorType:            actorType,
		Store:                r.journal,
		Blobs:                r.blobs,
		Shared:               r.shared,
		Secrets:              r.secrets,
		Services:             r.services,
		Logger:               r.logger,
		Fence:                token,
		MaxInlineResultBytes: r.cfg.MaxInlineResultBytes,
	})

	spanCtx, span := tracing.StartActivationSpan(ctx, actorType, actorID)
	defer span.End()
	if err := tctx.Load(spanCtx); err != nil {
		return nil, err
	}
	metrics.ActivationTotal.WithLabelValues(actorType).Inc()
	return &Instance{Actor: a, Ctx: tctx}, nil
}

// runSlice 按信封种类驱动一个执行片，返回 (outcome, workerErr)。
// outcome ∈ completed | suspended | failed | skipped。
func (r *Runtime) runSlice(ctx context.Context, inst *Instance, env Envelope, msg *queue.Message) (string, error) {
	tctx := inst.Ctx

	switch env.Kind {
	case KindInvoke:
		if tctx.SeenMessage(msg.MessageID) {
			// 崩溃后重投递：最后一片可能未跑到终态，重入把它驱动到底；
			// 更早的重复消息无事可做
			if lastID, ok := tctx.LastInvocationMessageID(); ok && lastID == msg.MessageID {
				return r.reenter(ctx, inst, env, msg)
			}
			r.logger.Debug("duplicate message skipped", "actor_id", msg.ActorID, "message_id", msg.MessageID)
			return "skipped", nil
		}
		tctx.ResetSlice()
		if err := tctx.RecordInvocation(msg.MessageID, msg.Timestamp, env.Input); err != nil {
			return "failed", r.mapStoreErr(err)
		}
		execErr := inst.Actor.Execute(tctx, env.Input)
		return r.settle(ctx, inst, env, msg, execErr)

	case KindActivityResult:
		if w := tctx.Suspended(); w != nil && w.ActivityID == env.ActivityID {
			if err := tctx.ResumeWithActivity(env.ActivityID, env.Result, env.Error); err != nil {
				return "failed", r.mapStoreErr(err)
			}
		}
		// 结果已在日志里（或本来就是重复投递）：重入让重放收敛
		return r.reenter(ctx, inst, env, msg)

	case KindEvent:
		if w := tctx.Suspended(); w != nil && w.EventType == env.EventType {
			if err := tctx.Resume(env.EventType, env.Data); err != nil {
				return "failed", r.mapStoreErr(err)
			}
			return r.reenter(ctx, inst, env, msg)
		}
		if obs, ok := inst.Actor.(actor.EventObserver); ok {
			obs.ObserveEvent(tctx, env.EventType, env.Data)
			return "completed", nil
		}
		r.logger.Warn("event dropped, actor not waiting and not an observer",
			"actor_id", msg.ActorID, "event_type", env.EventType)
		return "skipped", nil

	case KindCancel:
		if obs, ok := inst.Actor.(actor.EventObserver); ok {
			obs.ObserveEvent(tctx, "cancel", env.Data)
		}
		return "completed", nil

	default:
		return "failed", fmt.Errorf("%w: unknown envelope kind %q", queue.ErrSkipRetry, env.Kind)
	}
}

// reenter 重新进入挂起（或未收尾）的执行片：重放位置拨回
// 最后一条 invocation 之后，Execute 在重放模式下短路已记录的结果
func (r *Runtime) reenter(ctx context.Context, inst *Instance, env Envelope, msg *queue.Message) (string, error) {
	tctx := inst.Ctx
	input, ok := tctx.LastInvocationInput()
	if !ok {
		r.logger.Warn("nothing to resume, no recorded invocation", "actor_id", msg.ActorID)
		return "skipped", nil
	}
	tctx.BeginResume()
	tctx.ResetSlice()
	execErr := inst.Actor.Execute(tctx, input)
	return r.settle(ctx, inst, env, msg, execErr)
}

// settle 执行片收尾：挂起派发、终结上报、压缩、原始消息确认
func (r *Runtime) settle(ctx context.Context, inst *Instance, env Envelope, msg *queue.Message, execErr error) (string, error) {
	tctx := inst.Ctx
	actorID := tctx.ActorID()

	// 子 actor 派发对挂起与终结路径都生效；消息 ID 对 childID 确定，
	// 本片重试时重复入队在子日志处去重
	if err := r.dispatchChildren(ctx, tctx); err != nil {
		return "failed", err
	}

	if susp, ok := actor.AsSuspension(execErr); ok {
		return r.settleSuspended(ctx, tctx, env, msg, susp)
	}
	if execErr != nil {
		return r.settleFailed(ctx, tctx, env, msg, execErr)
	}

	// 终结：pipeline 任务上报 → 原始消息确认 → 自动压缩
	ref := env.Pipeline
	var pend pendingAck
	havePend, err := r.shared.Get(ctx, pendingAckKey(actorID), &pend)
	if err != nil {
		return "failed", err
	}
	if havePend && ref == nil {
		ref = pend.Pipeline
	}
	if ref != nil && r.reporter != nil {
		if err := r.reporter(ctx, *ref, tctx.Response(), nil); err != nil {
			// 上报失败重试整条消息；重放收敛 + 上报按 taskID 幂等
			return "failed", fmt.Errorf("runtime: report task result: %w", err)
		}
	}
	if havePend {
		if err := r.q.Ack(ctx, pend.Queue, pend.MessageID); err != nil && !errors.Is(err, queue.ErrNotInFlight) {
			r.logger.Warn("pending ack failed", "actor_id", actorID, "message_id", pend.MessageID, "error", err)
		}
		if err := r.shared.Delete(ctx, pendingAckKey(actorID)); err != nil {
			r.logger.Warn("pending ack cleanup failed", "actor_id", actorID, "error", err)
		}
	}

	r.maybeCompact(ctx, tctx)
	return "completed", nil
}

// settleSuspended 挂起路径：派发 activity 任务、延长原始消息可见性、
// 登记待确认记录；租约随后释放，actor 可被逐出
func (r *Runtime) settleSuspended(ctx context.Context, tctx *actor.Context, env Envelope, msg *queue.Message, susp *actor.Suspension) (string, error) {
	actorID := tctx.ActorID()

	dispatches := tctx.TakeActivityDispatches()
	if len(dispatches) == 0 && susp.ActivityID != "" {
		// 重入路径：派发参数不在缓冲里，从日志重建
		if d, ok := tctx.PendingActivityDispatch(); ok {
			dispatches = append(dispatches, *d)
		}
	}
	for _, d := range dispatches {
		if err := r.dispatchActivity(ctx, tctx, d); err != nil {
			return "failed", err
		}
	}

	mailbox := queue.ActorMailbox(actorID)
	if env.Kind == KindInvoke {
		rec := pendingAck{Queue: mailbox, MessageID: msg.MessageID, Pipeline: env.Pipeline}
		if err := r.shared.Set(ctx, pendingAckKey(actorID), rec, 0); err != nil {
			return "failed", err
		}
		if err := r.q.Extend(ctx, mailbox, msg.MessageID, r.cfg.SuspendVisibility); err != nil && !errors.Is(err, queue.ErrNotInFlight) {
			r.logger.Warn("visibility extend failed", "actor_id", actorID, "message_id", msg.MessageID, "error", err)
		}
		return "suspended", queue.ErrRemainInFlight
	}

	// 恢复消息再次挂起：恢复消息本身已消费（ACK），原始消息续期
	var pend pendingAck
	if ok, err := r.shared.Get(ctx, pendingAckKey(actorID), &pend); err == nil && ok {
		if err := r.q.Extend(ctx, pend.Queue, pend.MessageID, r.cfg.SuspendVisibility); err != nil && !errors.Is(err, queue.ErrNotInFlight) {
			r.logger.Warn("visibility extend failed", "actor_id", actorID, "message_id", pend.MessageID, "error", err)
		}
	}
	return "suspended", nil
}

// settleFailed 失败路径：致命错误直接死信并隔离；
// 用户错误交给队列重试，pipeline 任务在不再重试时上报失败
func (r *Runtime) settleFailed(ctx context.Context, tctx *actor.Context, env Envelope, msg *queue.Message, execErr error) (string, error) {
	actorID := tctx.ActorID()

	var det *actor.DeterminismError
	var corr *journal.CorruptionError
	fatal := errors.As(execErr, &det) || errors.As(execErr, &corr)

	if errors.Is(execErr, journal.ErrFencedWrite) {
		// 租约中途易主：本片的写入已被围栏拒绝，消息让给新持有者
		return "failed", queue.ErrLeaseConflict
	}

	ref := env.Pipeline
	if ref == nil {
		var pend pendingAck
		if ok, err := r.shared.Get(ctx, pendingAckKey(actorID), &pend); err == nil && ok {
			ref = pend.Pipeline
		}
	}
	terminal := fatal || r.cfg.Worker.Retry.Exhausted(msg.Attempt)
	if terminal && ref != nil && r.reporter != nil {
		failure := failureInfo(execErr)
		if err := r.reporter(ctx, *ref, nil, &failure); err != nil {
			r.logger.Error("task failure report failed", "actor_id", actorID, "task_id", ref.TaskID, "error", err)
		}
	}

	if fatal {
		r.logger.Error("fatal actor error, quarantining", "actor_id", actorID, "error", execErr)
		return "failed", fmt.Errorf("%w: %v", queue.ErrSkipRetry, execErr)
	}
	return "failed", execErr
}

// dispatchActivity 将 activity 任务入队；消息 ID 对 activityID 确定
func (r *Runtime) dispatchActivity(ctx context.Context, tctx *actor.Context, d actor.ActivityDispatch) error {
	task := activity.Task{
		ActorID:    tctx.ActorID(),
		ActorType:  tctx.ActorType(),
		ActivityID: d.ActivityID,
		Name:       d.Name,
		Input:      d.Input,
		TimeoutMs:  d.Timeout.Milliseconds(),
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("runtime: marshal activity task: %w", err)
	}
	err = r.q.Enqueue(ctx, activity.QueueName, queue.Message{
		MessageID: "msg-task-" + d.ActivityID,
		ActorID:   tctx.ActorID(),
		Payload:   payload,
		Timestamp: time.Now(),
	})
	if err != nil {
		return err
	}
	metrics.QueueEnqueueTotal.WithLabelValues(activity.QueueName).Inc()
	return nil
}

// dispatchChildren 派发新登记的子 actor
func (r *Runtime) dispatchChildren(ctx context.Context, tctx *actor.Context) error {
	for _, d := range tctx.TakeChildDispatches() {
		_, err := r.router.Send(ctx, d.ChildID, Envelope{
			Kind:          KindInvoke,
			ActorType:     d.ActorType,
			Input:         d.Input,
			ParentActorID: tctx.ActorID(),
		}, SendOptions{MessageID: "msg-spawn-" + d.ChildID})
		if err != nil {
			return err
		}
	}
	return nil
}

// maybeCompact 终态片收尾后按阈值自动压缩；
// 注册表上的按类型覆盖优先于全局配置
func (r *Runtime) maybeCompact(ctx context.Context, tctx *actor.Context) {
	threshold := r.cfg.Compaction.ThresholdFor(tctx.ActorType())
	if o := r.registry.CompactionOverride(tctx.ActorType()); o > 0 {
		threshold = o
	}
	if tctx.UncompactedEntries() < threshold {
		return
	}
	if err := tctx.CompactJournal(ctx); err != nil {
		// 压缩失败不影响本片结果，下一个终态片再试
		r.logger.Warn("auto compaction failed", "actor_id", tctx.ActorID(), "error", err)
	}
}

// mapStoreErr 把日志存储错误映射为 worker 语义
func (r *Runtime) mapStoreErr(err error) error {
	var corr *journal.CorruptionError
	switch {
	case errors.Is(err, journal.ErrFencedWrite):
		return queue.ErrLeaseConflict
	case errors.As(err, &corr):
		return fmt.Errorf("%w: %v", queue.ErrSkipRetry, err)
	default:
		return err
	}
}

// failureInfo 把执行错误转成可入库的失败描述
func failureInfo(err error) journal.ErrorInfo {
	var actErr *actor.ActivityError
	if errors.As(err, &actErr) {
		return actErr.Info
	}
	return journal.ErrorInfo{Message: err.Error(), Kind: "business"}
}
