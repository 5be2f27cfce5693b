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

// Package activity 提供 activity 执行器：actor 登记的外部调用
// 经队列送到这里执行，结果以消息注入回 actor。对核心而言
// activity 只是「名字 + 不透明输入 → 不透明结果」；LLM、HTTP
// 等具体语义都在 Handler 实现里。
package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Handler 单个 activity 的执行函数。实现必须可按 ActivityID 幂等重试
type Handler func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)

// Registry activity 名 → Handler 映射
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry 创建空注册表
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register 注册 activity；重复注册后者覆盖前者
func (r *Registry) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// Lookup 按名查找 Handler
func (r *Registry) Lookup(name string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	if !ok {
		return nil, fmt.Errorf("activity: unknown activity %q", name)
	}
	return h, nil
}
