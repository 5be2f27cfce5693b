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

// Package builtin 自带的基础 actor 类型：示例、测试与演示用
package builtin

import (
	"encoding/json"
	"fmt"

	"actor-platform/internal/actor"
)

// CounterInput 计数器消息载荷
type CounterInput struct {
	// Delta 增量，可为负
	Delta float64 `json:"delta"`
}

// Counter 计数器 actor：状态 {count}，每条消息加一个增量
type Counter struct{}

// NewCounter Counter 工厂
func NewCounter() actor.Actor { return &Counter{} }

// Execute 应用增量并回报当前计数
func (a *Counter) Execute(c *actor.Context, input json.RawMessage) error {
	var in CounterInput
	if err := json.Unmarshal(input, &in); err != nil {
		return fmt.Errorf("counter: bad input: %w", err)
	}
	if err := c.UpdateState(func(draft map[string]any) map[string]any {
		count, _ := draft["count"].(float64)
		draft["count"] = count + in.Delta
		return draft
	}); err != nil {
		return err
	}
	return c.Respond(map[string]any{"count": c.State()["count"]})
}
