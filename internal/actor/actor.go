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

// Package actor 提供日志化 actor 核心：状态变更、挂起/恢复、
// activity 调用与事件等待都记入日志，崩溃或逐出后在任意 worker
// 上按「快照 + 日志重放」重建。执行模型为单线程协作式：
// 仅在显式让出点（activity、事件、子 actor、Suspend）交出控制权。
package actor

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Actor 用户实现的执行体。Execute 在新消息到达时调用；
// 让出点返回 *Suspension；返回其他错误由队列按重试策略处理。
// 变体能力（事件旁观、委托等）以附加接口按类型断言发现，不用继承。
type Actor interface {
	Execute(c *Context, input json.RawMessage) error
}

// EventObserver 可选能力：在本执行片之外收到事件通知
// （例如群聊 actor 旁听广播）。运行时对实现了该接口的实例调用
type EventObserver interface {
	ObserveEvent(c *Context, eventType string, data json.RawMessage)
}

// Factory 构造新 actor 实例
type Factory func() Actor

type registration struct {
	factory             Factory
	compactionThreshold int
}

// TypeOption 注册 actor 类型时的附加选项
type TypeOption func(*registration)

// WithCompactionThreshold 覆盖该类型的日志压缩阈值
func WithCompactionThreshold(n int) TypeOption {
	return func(r *registration) { r.compactionThreshold = n }
}

// Registry actorType → 工厂映射
type Registry struct {
	mu    sync.RWMutex
	types map[string]registration
}

// NewRegistry 创建空注册表
func NewRegistry() *Registry {
	return &Registry{types: make(map[string]registration)}
}

// Register 注册 actor 类型；重复注册后者覆盖前者
func (r *Registry) Register(actorType string, factory Factory, opts ...TypeOption) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg := registration{factory: factory}
	for _, opt := range opts {
		opt(&reg)
	}
	r.types[actorType] = reg
}

// New 构造指定类型的新实例
func (r *Registry) New(actorType string) (Actor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.types[actorType]
	if !ok {
		return nil, fmt.Errorf("actor: unknown actor type %q", actorType)
	}
	return reg.factory(), nil
}

// Types 返回已注册类型名（字典序）
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.types))
	for t := range r.types {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// CompactionOverride 返回该类型注册时声明的压缩阈值；0 表示未声明
func (r *Registry) CompactionOverride(actorType string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.types[actorType].compactionThreshold
}
