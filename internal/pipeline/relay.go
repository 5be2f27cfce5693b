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
	"sync"
	"time"

	"actor-platform/internal/queue"
	"actor-platform/pkg/log"
	"actor-platform/pkg/metrics"
)

// DefaultRelayInterval outbox 兜底扫描间隔
const DefaultRelayInterval = time.Second

// Relay outbox 中继：按 FIFO 把待发布记录投到协调队列，
// 发布成功后才从实例删除。崩溃时未删除的记录重放，
// 消费端按 (pipelineID, stageName, taskID) 幂等，整体精确一次生效。
// 上报方写入后 Nudge 立即唤醒，定时扫描兜底崩溃遗留。
type Relay struct {
	repo     *Repo
	q        queue.Queue
	interval time.Duration
	logger   *log.Logger

	nudge  chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewRelay 创建中继
func NewRelay(repo *Repo, q queue.Queue, interval time.Duration, logger *log.Logger) *Relay {
	if interval <= 0 {
		interval = DefaultRelayInterval
	}
	return &Relay{
		repo:     repo,
		q:        q,
		interval: interval,
		logger:   logger.Component("outbox-relay"),
		nudge:    make(chan struct{}, 1),
	}
}

// Start 启动中继循环
func (r *Relay) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
			case <-r.nudge:
			}
			r.Sweep(runCtx)
		}
	}()
}

// Stop 停止中继
func (r *Relay) Stop() {
	r.once.Do(func() {
		if r.cancel != nil {
			r.cancel()
		}
		r.wg.Wait()
	})
}

// Nudge 唤醒一次扫描；循环忙碌时合并
func (r *Relay) Nudge() {
	select {
	case r.nudge <- struct{}{}:
	default:
	}
}

// Sweep 扫描全部实例并发布待发布记录
func (r *Relay) Sweep(ctx context.Context) {
	ids, err := r.repo.Keys(ctx)
	if err != nil {
		r.logger.Warn("outbox sweep: list instances failed", "error", err)
		return
	}
	for _, id := range ids {
		if err := r.publishPending(ctx, id); err != nil {
			r.logger.Warn("outbox publish failed", "pipeline_id", id, "error", err)
		}
	}
}

// publishPending 先发布后删除：发布成功与删除之间崩溃会重复发布，
// 由消费端幂等吸收
func (r *Relay) publishPending(ctx context.Context, pipelineID string) error {
	in, err := r.repo.Get(ctx, pipelineID)
	if err != nil {
		return err
	}
	if len(in.Outbox) == 0 {
		return nil
	}

	published := make(map[string]bool, len(in.Outbox))
	for _, rec := range in.Outbox {
		err := r.q.Enqueue(ctx, ResultsQueue, queue.Message{
			MessageID: rec.OutboxID,
			ActorID:   rec.PipelineID,
			Payload:   rec.Payload,
			Timestamp: time.Now(),
		})
		if err != nil {
			// FIFO：失败即停，保住发布顺序
			break
		}
		published[rec.OutboxID] = true
		metrics.OutboxPublishedTotal.Inc()
		metrics.QueueEnqueueTotal.WithLabelValues(ResultsQueue).Inc()
	}
	if len(published) == 0 {
		return nil
	}

	_, err = r.repo.Mutate(ctx, pipelineID, func(in *Instance) error {
		kept := in.Outbox[:0]
		for _, rec := range in.Outbox {
			if !published[rec.OutboxID] {
				kept = append(kept, rec)
			}
		}
		if len(kept) == len(in.Outbox) {
			return errUnchanged
		}
		in.Outbox = kept
		return nil
	})
	return err
}
