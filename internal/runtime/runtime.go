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

// Package runtime 按需激活 actor、路由邮箱消息、执行租约下的
// 执行片并在空闲时逐出实例。激活协议：租约 → 快照 + 重放 →
// invocation 条目 → Execute → 挂起或终结。
package runtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"actor-platform/internal/activity"
	"actor-platform/internal/actor"
	"actor-platform/internal/journal"
	"actor-platform/internal/lock"
	"actor-platform/internal/queue"
	"actor-platform/internal/sharedmem"
	"actor-platform/internal/storage/blob"
	"actor-platform/pkg/log"
	"actor-platform/pkg/secrets"
)

// DefaultLeaseTTL actor 租约默认时长
const DefaultLeaseTTL = 30 * time.Second

// DefaultSuspendVisibility 挂起期间原始消息的可见性延长时长
const DefaultSuspendVisibility = 10 * time.Minute

// TaskReporter pipeline 任务终结上报回调；failure 非空表示任务失败。
// 由编排器在装配时注入，运行时本身不依赖 pipeline 包。
type TaskReporter func(ctx context.Context, ref PipelineRef, result json.RawMessage, failure *journal.ErrorInfo) error

// Config 运行时配置
type Config struct {
	// LeaseTTL actor 租约时长，<=0 采用默认 30s
	LeaseTTL time.Duration
	// SuspendVisibility 挂起时原始消息的可见性延长，<=0 采用默认 10m
	SuspendVisibility time.Duration
	// MaxPoolSize 池内活跃 actor 上限，<=0 采用默认 100
	MaxPoolSize int
	// IdleEviction 空闲逐出时长，<=0 采用默认 5m
	IdleEviction time.Duration
	// Compaction 自动压缩策略；注册表上的按类型覆盖优先
	Compaction journal.CompactionConfig
	// Worker 邮箱消费者池配置
	Worker queue.WorkerConfig
	// ActorTypes 本进程服务的类型；空表示注册表里的全部类型
	ActorTypes []string
	// MaxInlineResultBytes activity 结果内联上限，<=0 采用默认 256KiB
	MaxInlineResultBytes int
}

// Deps 运行时协作者
type Deps struct {
	Registry *actor.Registry
	Journal  journal.Store
	Queue    queue.Queue
	Locks    lock.Service
	Shared   sharedmem.Store
	Blobs    blob.Store
	Secrets  secrets.Store
	Services *actor.Services
	Logger   *log.Logger
}

// Runtime actor 运行时
type Runtime struct {
	cfg      Config
	registry *actor.Registry
	journal  journal.Store
	q        queue.Queue
	locks    lock.Service
	shared   sharedmem.Store
	blobs    blob.Store
	secrets  secrets.Store
	services *actor.Services
	logger   *log.Logger

	router   *Router
	pool     *Pool
	reporter TaskReporter

	worker *queue.Worker
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// New 创建运行时
func New(cfg Config, deps Deps) (*Runtime, error) {
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultLeaseTTL
	}
	if cfg.SuspendVisibility <= 0 {
		cfg.SuspendVisibility = DefaultSuspendVisibility
	}
	if cfg.Worker.Retry.MaxAttempts <= 0 {
		cfg.Worker.Retry = queue.DefaultRetryPolicy()
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.Nop()
	}

	pool, err := NewPool(cfg.MaxPoolSize, cfg.IdleEviction)
	if err != nil {
		return nil, err
	}
	r := &Runtime{
		cfg:      cfg,
		registry: deps.Registry,
		journal:  deps.Journal,
		q:        deps.Queue,
		locks:    deps.Locks,
		shared:   deps.Shared,
		blobs:    deps.Blobs,
		secrets:  deps.Secrets,
		services: deps.Services,
		logger:   logger.Component("runtime"),
		router:   NewRouter(deps.Queue, deps.Shared, logger),
		pool:     pool,
	}
	r.worker = queue.NewWorker(deps.Queue, r.resolveMailboxes, r.handleMessage, cfg.Worker, logger)
	return r, nil
}

// Router 邮箱路由器，供编排器与触发器投递消息
func (r *Runtime) Router() *Router { return r.router }

// SetTaskReporter 注入 pipeline 任务上报回调；必须在 Start 前调用
func (r *Runtime) SetTaskReporter(f TaskReporter) { r.reporter = f }

// PoolLen 当前池内活跃 actor 数
func (r *Runtime) PoolLen() int { return r.pool.Len() }

// resolveMailboxes 每轮轮询的队列集合：服务类型的全部活跃邮箱
func (r *Runtime) resolveMailboxes(ctx context.Context) []string {
	types := r.cfg.ActorTypes
	if len(types) == 0 {
		types = r.registry.Types()
	}
	return r.router.Mailboxes(ctx, types)
}

// Start 启动邮箱消费与空闲逐出
func (r *Runtime) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.worker.Start(runCtx)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if n := r.pool.EvictIdle(time.Now()); n > 0 {
					r.logger.Debug("evicted idle actors", "count", n)
				}
			}
		}
	}()
}

// Stop 停止消费并清空池
func (r *Runtime) Stop() {
	r.once.Do(func() {
		if r.cancel != nil {
			r.cancel()
		}
		r.worker.Stop()
		r.wg.Wait()
		r.pool.Purge()
	})
}

// CompleteActivity activity 执行器的结果回调：包成 activity_result
// 信封投回 actor 邮箱。投递 ID 对 (activity, 结果) 确定，
// 执行器重试不会造成重复信封。
func (r *Runtime) CompleteActivity(ctx context.Context, c activity.Completion) error {
	_, err := r.router.Send(ctx, c.ActorID, Envelope{
		Kind:       KindActivityResult,
		ActorType:  c.ActorType,
		ActivityID: c.ActivityID,
		Result:     c.Result,
		Error:      c.Err,
	}, SendOptions{MessageID: "msg-result-" + c.ActivityID})
	return err
}

// DeliverEvent 向 actor 投递外部事件
func (r *Runtime) DeliverEvent(ctx context.Context, actorType, actorID, eventType string, data json.RawMessage) error {
	_, err := r.router.Send(ctx, actorID, Envelope{
		Kind:      KindEvent,
		ActorType: actorType,
		EventType: eventType,
		Data:      data,
	}, SendOptions{})
	return err
}

// Invoke 向 actor 投递一条 invoke 消息，返回消息 ID
func (r *Runtime) Invoke(ctx context.Context, actorType, actorID string, input json.RawMessage, opts SendOptions) (string, error) {
	return r.router.Send(ctx, actorID, Envelope{
		Kind:      KindInvoke,
		ActorType: actorType,
		Input:     input,
	}, opts)
}
