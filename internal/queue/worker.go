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
	"context"
	"errors"
	"sync"
	"time"

	"actor-platform/pkg/log"
	"actor-platform/pkg/metrics"
)

// Handler 消息处理函数。返回 nil 则 ACK；返回错误则按重试策略 NACK，
// 尝试耗尽后进死信队列。返回 ErrSkipRetry 包装的错误直接进死信。
type Handler func(ctx context.Context, msg *Message) error

// ErrSkipRetry 包装后的错误不再重试，直接进死信队列（毒消息、确定性违例）
var ErrSkipRetry = errors.New("queue: skip retry")

// ErrLeaseConflict 处理方未拿到 actor 租约；消息原样退回，
// Attempt 保持不变，不消耗重试预算也不进死信
var ErrLeaseConflict = errors.New("queue: lease conflict")

// ErrRemainInFlight 处理方已延长消息可见性并接管确认时机
// （挂起的 actor 在恢复后才 ACK 原始消息）；worker 不做任何处理
var ErrRemainInFlight = errors.New("queue: remain in flight")

// WorkerConfig 消费者池配置
type WorkerConfig struct {
	// Concurrency 并发消费数，<=0 采用默认 4
	Concurrency int
	// PollInterval 空队列轮询间隔，<=0 采用默认 200ms
	PollInterval time.Duration
	// Retry 重试策略
	Retry RetryPolicy
}

// Worker 单个队列的消费者池。Start 后由 resolve 回调决定轮询哪些队列：
// actor 邮箱按类型动态发现，所以队列集合不是启动时固定的。
type Worker struct {
	q       Queue
	resolve func(ctx context.Context) []string
	handler Handler
	cfg     WorkerConfig
	logger  *log.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewWorker 创建消费者池。resolve 返回本轮要轮询的队列名集合
func NewWorker(q Queue, resolve func(ctx context.Context) []string, handler Handler, cfg WorkerConfig, logger *log.Logger) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	return &Worker{q: q, resolve: resolve, handler: handler, cfg: cfg, logger: logger.Component("queue-worker")}
}

// StaticQueues 固定队列集合的 resolve（activities、pipeline-stage-results 等）
func StaticQueues(names ...string) func(ctx context.Context) []string {
	return func(ctx context.Context) []string { return names }
}

// Start 启动消费者池；关闭用 Stop
func (w *Worker) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	for i := 0; i < w.cfg.Concurrency; i++ {
		w.wg.Add(1)
		go w.loop(runCtx)
	}
}

// Stop 停止消费并等待在途处理结束
func (w *Worker) Stop() {
	w.once.Do(func() {
		if w.cancel != nil {
			w.cancel()
		}
		w.wg.Wait()
	})
}

func (w *Worker) loop(ctx context.Context) {
	defer w.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		worked := false
		for _, name := range w.resolve(ctx) {
			if ctx.Err() != nil {
				return
			}
			msg, err := w.q.Consume(ctx, name)
			if errors.Is(err, ErrEmpty) {
				continue
			}
			if err != nil {
				w.logger.Error("consume failed", "queue", name, "error", err)
				continue
			}
			worked = true
			w.dispatch(ctx, name, msg)
		}
		if !worked {
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.cfg.PollInterval):
			}
		}
	}
}

func (w *Worker) dispatch(ctx context.Context, queueName string, msg *Message) {
	err := w.handler(ctx, msg)
	switch {
	case err == nil:
		if err := w.q.Ack(ctx, queueName, msg.MessageID); err != nil {
			w.logger.Warn("ack failed", "queue", queueName, "message_id", msg.MessageID, "error", err)
		}

	case errors.Is(err, ErrRemainInFlight):
		// 确认时机移交给处理方；可见性已被延长

	case errors.Is(err, ErrLeaseConflict):
		// 租约竞争不是处理失败：让给别的 worker，短延迟退回且不计 Attempt
		if err := w.q.Nack(ctx, queueName, msg.MessageID, NackOptions{RetryIn: w.cfg.Retry.BackoffFor(0), KeepAttempt: true}); err != nil {
			w.logger.Warn("nack failed", "queue", queueName, "message_id", msg.MessageID, "error", err)
		}

	case errors.Is(err, ErrSkipRetry) || w.cfg.Retry.Exhausted(msg.Attempt):
		w.deadLetter(ctx, queueName, msg, err)

	default:
		retryIn := w.cfg.Retry.BackoffFor(msg.Attempt)
		w.logger.Warn("handler failed, retrying",
			"queue", queueName, "message_id", msg.MessageID, "attempt", msg.Attempt, "retry_in", retryIn, "error", err)
		if err := w.q.Nack(ctx, queueName, msg.MessageID, NackOptions{RetryIn: retryIn}); err != nil {
			w.logger.Warn("nack failed", "queue", queueName, "message_id", msg.MessageID, "error", err)
		}
	}
}

// deadLetter 将消息转入死信队列并确认原消息；保留 MessageID 与 Attempt
func (w *Worker) deadLetter(ctx context.Context, queueName string, msg *Message, cause error) {
	dead := *msg
	dead.Attempt++
	if err := w.q.Enqueue(ctx, DLQName(queueName), dead); err != nil {
		w.logger.Error("dead-letter enqueue failed, message stays in flight",
			"queue", queueName, "message_id", msg.MessageID, "error", err)
		return
	}
	if err := w.q.Ack(ctx, queueName, msg.MessageID); err != nil {
		w.logger.Warn("ack after dead-letter failed", "queue", queueName, "message_id", msg.MessageID, "error", err)
	}
	w.logger.Error("message dead-lettered",
		"queue", queueName, "message_id", msg.MessageID, "attempts", dead.Attempt, "error", cause)
	metrics.QueueDeadLetterTotal.WithLabelValues(queueName).Inc()
}
