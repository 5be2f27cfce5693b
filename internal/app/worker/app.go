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

// Package worker 装配 Worker 进程：存储 → 运行时 → activity 执行器 →
// pipeline 编排器 → 触发器 → 监控端点。所有协作者在这里接线，
// 业务代码只面向 actor/activity 注册表。
package worker

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/go-resty/resty/v2"
	hertzslog "github.com/hertz-contrib/logger/slog"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"actor-platform/internal/activity"
	"actor-platform/internal/actor"
	"actor-platform/internal/actor/builtin"
	"actor-platform/internal/journal"
	"actor-platform/internal/lock"
	"actor-platform/internal/pipeline"
	"actor-platform/internal/queue"
	"actor-platform/internal/runtime"
	"actor-platform/internal/sharedmem"
	"actor-platform/internal/storage/blob"
	"actor-platform/internal/storage/kvstate"
	"actor-platform/internal/trigger"
	"actor-platform/pkg/config"
	"actor-platform/pkg/log"
	"actor-platform/pkg/metrics"
	"actor-platform/pkg/secrets"
	"actor-platform/pkg/tracing"
)

// App Worker 应用
type App struct {
	cfg    *config.Config
	logger *log.Logger

	registry   *actor.Registry
	activities *activity.Registry
	services   *actor.Services

	journal journal.Store
	q       queue.Queue
	locks   lock.Service
	shared  sharedmem.Store
	kv      kvstate.Store
	blobs   blob.Store
	secrets secrets.Store

	rt           *runtime.Runtime
	executor     *activity.Executor
	orchestrator *pipeline.Orchestrator
	triggers     *trigger.Manager
	bindings     []trigger.Binding

	metricsSrv *server.Hertz
	tracer     *sdktrace.TracerProvider

	cancel context.CancelFunc
}

// NewApp 装配 Worker 应用。返回后注册表已含内建 actor 类型，
// 调用方在 Start 前注册业务 actor 与 activity
func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := log.NewLogger(&log.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	})
	if err != nil {
		return nil, fmt.Errorf("worker: init logger: %w", err)
	}
	setHertzLogger(cfg.Log)

	a := &App{cfg: cfg, logger: logger.Component("worker")}

	if cfg.Monitoring.Tracing.Enable {
		tp, err := tracing.InitTracer(tracing.OTelConfig{
			ServiceName:    cfg.Monitoring.Tracing.ServiceName,
			ExportEndpoint: cfg.Monitoring.Tracing.ExportEndpoint,
			Insecure:       cfg.Monitoring.Tracing.Insecure,
		})
		if err != nil {
			return nil, fmt.Errorf("worker: init tracer: %w", err)
		}
		a.tracer = tp
	}

	if err := a.initStores(ctx); err != nil {
		return nil, err
	}

	a.registry = actor.NewRegistry()
	a.registry.Register("counter", builtin.NewCounter)
	a.registry.Register("keyvalue", builtin.NewKeyValue)
	a.activities = activity.NewRegistry()
	a.services = actor.NewServices()
	a.registerHTTPActivities()

	if err := a.initRuntime(); err != nil {
		return nil, err
	}
	a.initOrchestrator()
	a.initTriggers()

	return a, nil
}

// Registry actor 类型注册表，Start 前注册业务类型
func (a *App) Registry() *actor.Registry { return a.registry }

// Activities activity 注册表，Start 前注册业务 handler
func (a *App) Activities() *activity.Registry { return a.activities }

// Services 进程级协作者表
func (a *App) Services() *actor.Services { return a.services }

// Runtime actor 运行时
func (a *App) Runtime() *runtime.Runtime { return a.rt }

// Pipelines pipeline 编排器
func (a *App) Pipelines() *pipeline.Orchestrator { return a.orchestrator }

// AddTrigger 追加一个触发器绑定；必须在 Start 前调用
func (a *App) AddTrigger(b trigger.Binding) { a.bindings = append(a.bindings, b) }

func (a *App) initStores(ctx context.Context) error {
	var err error
	if a.journal, err = journal.NewStore(ctx, a.cfg.Journal); err != nil {
		return fmt.Errorf("worker: init journal: %w", err)
	}
	if a.q, err = queue.NewQueue(ctx, a.cfg.Queue); err != nil {
		return fmt.Errorf("worker: init queue: %w", err)
	}
	if a.locks, err = lock.NewService(ctx, a.cfg.Lock); err != nil {
		return fmt.Errorf("worker: init locks: %w", err)
	}
	if a.shared, err = sharedmem.NewStore(ctx, a.cfg.SharedMemory); err != nil {
		return fmt.Errorf("worker: init shared memory: %w", err)
	}
	if a.kv, err = kvstate.NewStore(ctx, a.cfg.StateStore); err != nil {
		return fmt.Errorf("worker: init state store: %w", err)
	}
	if a.blobs, err = blob.NewStore(a.cfg.Blob); err != nil {
		return fmt.Errorf("worker: init blob store: %w", err)
	}
	if a.secrets, err = secrets.NewStore(secrets.Config{
		Provider: a.cfg.Secrets.Provider,
		Config:   a.cfg.Secrets.Config,
	}); err != nil {
		return fmt.Errorf("worker: init secrets: %w", err)
	}
	return nil
}

// registerHTTPActivities 把配置里的声明式 HTTP 绑定注册为 activity
func (a *App) registerHTTPActivities() {
	if len(a.cfg.Activities.HTTP) == 0 {
		return
	}
	client := resty.New().SetTimeout(duration(a.cfg.Activities.DefaultTimeout, activity.DefaultTimeout))
	for name, binding := range a.cfg.Activities.HTTP {
		a.activities.Register(name, activity.NewHTTPHandler(client, binding))
		a.logger.Info("http activity registered", "activity", name, "url", binding.URL)
	}
}

func (a *App) initRuntime() error {
	rcfg := a.cfg.Runtime
	rt, err := runtime.New(runtime.Config{
		LeaseTTL:     duration(rcfg.LeaseTTL, 0),
		MaxPoolSize:  rcfg.MaxPoolSize,
		IdleEviction: duration(rcfg.IdleEviction, 0),
		Compaction: journal.CompactionConfig{
			Threshold: rcfg.Compaction.Threshold,
			PerType:   rcfg.Compaction.PerType,
		},
		Worker: queue.WorkerConfig{
			Concurrency:  rcfg.Worker.Concurrency,
			PollInterval: duration(rcfg.Worker.PollInterval, 0),
			Retry:        retryPolicy(a.cfg.Queue.Retry),
		},
		ActorTypes:           rcfg.Worker.ActorTypes,
		MaxInlineResultBytes: a.cfg.Activities.MaxInlineResultBytes,
	}, runtime.Deps{
		Registry: a.registry,
		Journal:  a.journal,
		Queue:    a.q,
		Locks:    a.locks,
		Shared:   a.shared,
		Blobs:    a.blobs,
		Secrets:  a.secrets,
		Services: a.services,
		Logger:   a.logger,
	})
	if err != nil {
		return fmt.Errorf("worker: init runtime: %w", err)
	}
	a.rt = rt

	a.executor = activity.NewExecutor(a.q, a.activities, rt.CompleteActivity, activity.Config{
		Concurrency:    a.cfg.Activities.Concurrency,
		DefaultTimeout: duration(a.cfg.Activities.DefaultTimeout, 0),
		RateLimits:     rateLimits(a.cfg.Activities.RateLimits),
		Retry:          retryPolicy(a.cfg.Queue.Retry),
	}, a.logger)
	return nil
}

func (a *App) initOrchestrator() {
	pcfg := a.cfg.Pipeline
	a.orchestrator = pipeline.New(pipeline.Config{
		Worker: queue.WorkerConfig{
			Concurrency: pcfg.ResultWorkers,
			Retry:       retryPolicy(a.cfg.Queue.Retry),
		},
		ScanInterval:  duration(pcfg.DeadlineScanGap, 0),
		RelayInterval: duration(pcfg.RelayInterval, 0),
	}, pipeline.Deps{
		KV:      a.kv,
		Queue:   a.q,
		Router:  a.rt.Router(),
		Shared:  a.shared,
		Secrets: a.secrets,
		Logger:  a.logger,
	})
	a.rt.SetTaskReporter(a.orchestrator.ReportTaskResult)
}

// initTriggers 从配置构造内建触发器绑定；业务绑定经 AddTrigger 追加
func (a *App) initTriggers() {
	wh := a.cfg.Triggers.Webhook
	if !wh.Enable {
		return
	}
	adapter := trigger.NewWebhook("webhook", trigger.WebhookConfig{
		Addr:        wh.Addr,
		Path:        wh.Path,
		Secret:      wh.SecretKey,
		BearerToken: wh.BearerToken,
	}, a.logger)
	a.bindings = append(a.bindings, trigger.Binding{
		Adapter:             adapter,
		ActorType:           wh.ActorType,
		RequireVerification: wh.RequireVerify,
	})
}

// Start 启动全部组件
func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.rt.Start(runCtx)
	a.executor.Start(runCtx)
	a.orchestrator.Start(runCtx)

	a.triggers = trigger.NewManager(a.rt, a.bindings, a.logger)
	if err := a.triggers.Start(runCtx); err != nil {
		a.orchestrator.Stop()
		a.executor.Stop()
		a.rt.Stop()
		cancel()
		return err
	}

	if a.cfg.Monitoring.Prometheus.Enable {
		a.startMetricsServer()
	}

	a.logger.Info("worker started",
		"actor_types", a.registry.Types(),
		"queue", a.cfg.Queue.Type,
		"journal", a.cfg.Journal.Type,
	)
	return nil
}

// startMetricsServer 暴露 GET /metrics
func (a *App) startMetricsServer() {
	addr := fmt.Sprintf(":%d", a.cfg.Monitoring.Prometheus.Port)
	h := server.Default(server.WithHostPorts(addr))
	h.GET("/metrics", func(ctx context.Context, rc *app.RequestContext) {
		var buf bytes.Buffer
		if err := metrics.WritePrometheus(&buf); err != nil {
			rc.JSON(consts.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		rc.Data(consts.StatusOK, "text/plain; charset=utf-8", buf.Bytes())
	})
	h.GET("/healthz", func(ctx context.Context, rc *app.RequestContext) {
		rc.JSON(consts.StatusOK, map[string]string{"status": "ok"})
	})
	a.metricsSrv = h
	go func() {
		if err := h.Run(); err != nil {
			a.logger.Error("metrics server stopped", "error", err)
		}
	}()
	a.logger.Info("metrics server listening", "addr", addr)
}

// Shutdown 逆序关停：先停入口（触发器），再停编排与执行，最后关存储
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down worker")

	if a.triggers != nil {
		a.triggers.Stop(ctx)
	}
	if a.metricsSrv != nil {
		if err := a.metricsSrv.Shutdown(ctx); err != nil {
			a.logger.Warn("metrics server shutdown failed", "error", err)
		}
	}

	a.orchestrator.Stop()
	a.executor.Stop()
	a.rt.Stop()
	if a.cancel != nil {
		a.cancel()
	}

	if err := a.q.Close(); err != nil {
		a.logger.Warn("queue close failed", "error", err)
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", "error", err)
		}
	}

	a.logger.Info("worker stopped")
	return nil
}

// setHertzLogger 把 hertz 的日志桥接到 slog，与应用日志同级别
func setHertzLogger(cfg config.LogConfig) {
	levelVar := &slog.LevelVar{}
	switch cfg.Level {
	case "debug":
		levelVar.Set(slog.LevelDebug)
	case "warn":
		levelVar.Set(slog.LevelWarn)
	case "error":
		levelVar.Set(slog.LevelError)
	default:
		levelVar.Set(slog.LevelInfo)
	}
	hlog.SetLogger(hertzslog.NewLogger(
		hertzslog.WithOutput(os.Stdout),
		hertzslog.WithLevel(levelVar),
	))
}

// duration 解析时长字符串，空或非法取 def
func duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		slog.Warn("bad duration in config, using default", "value", s)
		return def
	}
	return d
}

// retryPolicy 把配置的重试段转成队列策略；未配置的字段走默认
func retryPolicy(rc config.RetryConfig) queue.RetryPolicy {
	p := queue.DefaultRetryPolicy()
	if rc.MaxAttempts > 0 {
		p.MaxAttempts = rc.MaxAttempts
	}
	if d := duration(rc.InitialInterval, 0); d > 0 {
		p.InitialInterval = d
	}
	if d := duration(rc.MaxInterval, 0); d > 0 {
		p.MaxInterval = d
	}
	if rc.Multiplier > 0 {
		p.Multiplier = rc.Multiplier
	}
	return p
}

// rateLimits 配置段到执行器限流表
func rateLimits(cfg map[string]config.ActivityRateLimit) map[string]activity.RateLimit {
	if len(cfg) == 0 {
		return nil
	}
	out := make(map[string]activity.RateLimit, len(cfg))
	for name, rl := range cfg {
		out[name] = activity.RateLimit{QPS: rl.QPS, Burst: rl.Burst, MaxConcurrent: rl.MaxConcurrent}
	}
	return out
}
