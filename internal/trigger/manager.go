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

package trigger

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"actor-platform/internal/runtime"
	"actor-platform/pkg/log"
	"actor-platform/pkg/metrics"
)

// Sink 事件的投递目标；*runtime.Runtime 满足该接口
type Sink interface {
	Invoke(ctx context.Context, actorType, actorID string, input json.RawMessage, opts runtime.SendOptions) (string, error)
}

// Binding 适配器到 actor 类型的绑定
type Binding struct {
	Adapter Adapter
	// ActorType 目标 actor 类型
	ActorType string
	// ActorID 事件到目标实例的路由；nil 时每个事件派生一个新实例
	ActorID func(Event) string
	// Filter 返回 false 的事件丢弃；nil 全收
	Filter func(Event) bool
	// Transform 投递前改写事件；nil 原样
	Transform func(Event) (Event, error)
	// RequireVerification 投递前要求适配器校验通过
	RequireVerification bool
	// Priority 投递优先级
	Priority int
}

// Manager 组合多个触发器绑定。每个绑定独立启动其适配器，
// 事件经 过滤 → 校验 → 变换 后整体序列化为 invoke 输入
type Manager struct {
	bindings []Binding
	sink     Sink
	logger   *log.Logger
}

// NewManager 创建触发器管理器
func NewManager(sink Sink, bindings []Binding, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.Nop()
	}
	return &Manager{bindings: bindings, sink: sink, logger: logger.Component("trigger")}
}

// Start 启动全部适配器；任一启动失败则回滚已启动的
func (m *Manager) Start(ctx context.Context) error {
	for i := range m.bindings {
		b := &m.bindings[i]
		if err := b.Adapter.Start(ctx, m.emitFor(b)); err != nil {
			for j := 0; j < i; j++ {
				_ = m.bindings[j].Adapter.Stop(ctx)
			}
			return fmt.Errorf("trigger: start adapter %s: %w", b.Adapter.Name(), err)
		}
		m.logger.Info("trigger adapter started", "adapter", b.Adapter.Name(), "actor_type", b.ActorType)
	}
	return nil
}

// Stop 停止全部适配器
func (m *Manager) Stop(ctx context.Context) {
	for i := range m.bindings {
		if err := m.bindings[i].Adapter.Stop(ctx); err != nil {
			m.logger.Warn("trigger adapter stop failed", "adapter", m.bindings[i].Adapter.Name(), "error", err)
		}
	}
}

// emitFor 绑定的事件处理链
func (m *Manager) emitFor(b *Binding) EmitFunc {
	return func(ctx context.Context, ev Event) {
		name := b.Adapter.Name()

		if b.Filter != nil && !b.Filter(ev) {
			metrics.TriggerEventTotal.WithLabelValues(name, "filtered").Inc()
			return
		}
		if b.RequireVerification {
			if v := b.Adapter.Verify(ctx, ev); !v.Valid {
				m.logger.Warn("trigger event rejected", "adapter", name, "reason", v.Reason)
				metrics.TriggerEventTotal.WithLabelValues(name, "rejected").Inc()
				return
			}
		}
		if b.Transform != nil {
			out, err := b.Transform(ev)
			if err != nil {
				m.logger.Warn("trigger transform failed", "adapter", name, "error", err)
				metrics.TriggerEventTotal.WithLabelValues(name, "failed").Inc()
				return
			}
			ev = out
		}

		input, err := json.Marshal(ev)
		if err != nil {
			m.logger.Error("trigger event marshal failed", "adapter", name, "error", err)
			metrics.TriggerEventTotal.WithLabelValues(name, "failed").Inc()
			return
		}
		actorID := b.ActorType + "-" + uuid.New().String()
		if b.ActorID != nil {
			actorID = b.ActorID(ev)
		}
		if _, err := m.sink.Invoke(ctx, b.ActorType, actorID, input, runtime.SendOptions{Priority: b.Priority}); err != nil {
			m.logger.Error("trigger event delivery failed", "adapter", name, "actor_id", actorID, "error", err)
			metrics.TriggerEventTotal.WithLabelValues(name, "failed").Inc()
			return
		}
		metrics.TriggerEventTotal.WithLabelValues(name, "accepted").Inc()
	}
}
