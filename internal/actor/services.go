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

package actor

import "sync"

// Services 进程级协作者表。LLM 客户端、HTTP 客户端等外部协作者
// 在进程启动时显式注册，经 actor Context 注入用户代码，不走全局单例。
type Services struct {
	mu sync.RWMutex
	m  map[string]any
}

// NewServices 创建空协作者表
func NewServices() *Services {
	return &Services{m: make(map[string]any)}
}

// Register 注册命名协作者
func (s *Services) Register(name string, svc any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[name] = svc
}

// Lookup 按名查找协作者
func (s *Services) Lookup(name string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	svc, ok := s.m[name]
	return svc, ok
}
