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

package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"actor-platform/internal/journal"
	"actor-platform/internal/queue"
	pkgerrors "actor-platform/pkg/errors"
	"actor-platform/pkg/log"
	"actor-platform/pkg/metrics"
	"actor-platform/pkg/tracing"
)

// QueueName activity 任务队列
const QueueName = "activities"

// DefaultTimeout 单次调用默认超时
const DefaultTimeout = 60 * time.Second

// Task 队列上的 activity 任务。由运行时在 actor 挂起后入队
type Task struct {
	ActorID    string          `json:"actor_id"`
	ActorType  string          `json:"actor_type"`
	ActivityID string          `json:"activity_id"`
	Name       string          `json:"name"`
	Input      json.RawMessage `json:"input"`
	TimeoutMs  int64           `json:"timeout_ms,omitempty"`
}

// Completion activity 的最终结果；Err 非空表示失败
type Completion struct {
	ActorID    string
	ActorType  string
	ActivityID string
	Result     json.RawMessage
	Err        *journal.ErrorInfo
}

// CompletionFunc 结果回调：运行时把结果包成恢复消息送回 actor 邮箱
type CompletionFunc func(ctx context.Context, c Completion) error

// Config 执行器配置
type Config struct {
	// Concurrency 消费并发，<=0 采用默认 8
	Concurrency int
	// DefaultTimeout 未指定超时的调用上限，<=0 采用默认 60s
	DefaultTimeout time.Duration
	// RateLimits 按 activity 名限流
	RateLimits map[string]RateLimit
	// Retry 队列重试策略（仅对瞬时故障生效）
	Retry queue.RetryPolicy
}

// Executor activities 队列的消费者。业务失败与超时作为
// activity_failed 注入回 actor，不在队列层重试；只有被标记
// 为瞬时的错误走队列退避重试
type Executor struct {
	registry *Registry
	limiter  *RateLimiter
	complete CompletionFunc
	cfg      Config
	logger   *log.Logger
	worker   *queue.Worker
}

// NewExecutor 创建执行器
func NewExecutor(q queue.Queue, registry *Registry, complete CompletionFunc, cfg Config, logger *log.Logger) *Executor {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	e := &Executor{
		registry: registry,
		limiter:  NewRateLimiter(cfg.RateLimits),
		complete: complete,
		cfg:      cfg,
		logger:   logger.Component("activity-executor"),
	}
	e.worker = queue.NewWorker(q, queue.StaticQueues(QueueName), e.handle, queue.WorkerConfig{
		Concurrency: cfg.Concurrency,
		Retry:       cfg.Retry,
	}, logger)
	return e
}

// Start 启动消费
func (e *Executor) Start(ctx context.Context) { e.worker.Start(ctx) }

// Stop 停止消费并等待在途任务结束
func (e *Executor) Stop() { e.worker.Stop() }

func (e *Executor) handle(ctx context.Context, msg *queue.Message) error {
	var task Task
	if err := json.Unmarshal(msg.Payload, &task); err != nil {
		return fmt.Errorf("%w: bad activity task: %v", queue.ErrSkipRetry, err)
	}

	result, actErr := e.run(ctx, task)
	if actErr != nil && actErr.Retryable {
		// 瞬时失败留在队列里重试；尝试耗尽后最后一次结果注入 actor
		if !e.cfg.Retry.Exhausted(msg.Attempt) {
			return pkgerrors.Transient(fmt.Errorf("activity %s attempt %d: %s", task.Name, msg.Attempt, actErr.Message))
		}
	}

	if err := e.complete(ctx, Completion{
		ActorID:    task.ActorID,
		ActorType:  task.ActorType,
		ActivityID: task.ActivityID,
		Result:     result,
		Err:        actErr,
	}); err != nil {
		// 回投失败是基础设施问题，重试整个任务；handler 幂等性兜底
		return fmt.Errorf("activity: report completion: %w", err)
	}
	return nil
}

// run 执行单个任务，返回结果或结构化失败
func (e *Executor) run(ctx context.Context, task Task) (json.RawMessage, *journal.ErrorInfo) {
	started := time.Now()
	ctx, span := tracing.StartActivitySpan(ctx, task.Name, task.ActivityID)
	defer span.End()

	handler, err := e.registry.Lookup(task.Name)
	if err != nil {
		metrics.ActivityTotal.WithLabelValues(task.Name, "failed").Inc()
		return nil, &journal.ErrorInfo{Message: err.Error(), Kind: "business"}
	}

	release, err := e.limiter.Acquire(ctx, task.Name)
	if err != nil {
		return nil, &journal.ErrorInfo{Message: "rate limit wait: " + err.Error(), Kind: "cancelled", Retryable: true}
	}
	defer release()

	timeout := e.cfg.DefaultTimeout
	if task.TimeoutMs > 0 {
		timeout = time.Duration(task.TimeoutMs) * time.Millisecond
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := handler(runCtx, task.Input)
	metrics.ActivityDuration.WithLabelValues(task.Name).Observe(time.Since(started).Seconds())
	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			metrics.ActivityTotal.WithLabelValues(task.Name, "timeout").Inc()
			return nil, &journal.ErrorInfo{
				Message: fmt.Sprintf("activity %s timed out after %s", task.Name, timeout),
				Kind:    "timeout",
			}
		}
		metrics.ActivityTotal.WithLabelValues(task.Name, "failed").Inc()
		return nil, &journal.ErrorInfo{
			Message:   err.Error(),
			Kind:      "business",
			Retryable: pkgerrors.IsTransient(err),
		}
	}
	metrics.ActivityTotal.WithLabelValues(task.Name, "completed").Inc()
	return result, nil
}
