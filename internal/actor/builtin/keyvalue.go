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

package builtin

import (
	"encoding/json"
	"fmt"

	"actor-platform/internal/actor"
)

// KeyValueInput 键值 actor 消息载荷
type KeyValueInput struct {
	// Op set | get | delete
	Op    string `json:"op"`
	Key   string `json:"key"`
	Value any    `json:"value,omitempty"`
}

// KeyValue 日志化键值 actor：每个实例一张持久化小表。
// 状态字段即表内容；get 经 Respond 返回
type KeyValue struct{}

// NewKeyValue KeyValue 工厂
func NewKeyValue() actor.Actor { return &KeyValue{} }

// Execute 应用一次键值操作
func (a *KeyValue) Execute(c *actor.Context, input json.RawMessage) error {
	var in KeyValueInput
	if err := json.Unmarshal(input, &in); err != nil {
		return fmt.Errorf("keyvalue: bad input: %w", err)
	}
	if in.Key == "" {
		return fmt.Errorf("keyvalue: empty key")
	}

	switch in.Op {
	case "set":
		if err := c.UpdateState(func(draft map[string]any) map[string]any {
			draft[in.Key] = in.Value
			return draft
		}); err != nil {
			return err
		}
		return c.Respond(map[string]any{"ok": true})

	case "delete":
		if err := c.UpdateState(func(draft map[string]any) map[string]any {
			delete(draft, in.Key)
			return draft
		}); err != nil {
			return err
		}
		return c.Respond(map[string]any{"ok": true})

	case "get":
		v, ok := c.State()[in.Key]
		return c.Respond(map[string]any{"value": v, "found": ok})

	default:
		return fmt.Errorf("keyvalue: unknown op %q", in.Op)
	}
}
