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

// Package trigger 把外部事件源接入 actor 运行时：webhook、定时器、
// 外部队列等适配器产生事件，管理器按绑定过滤、校验、变换后
// 作为 invoke 消息投给目标 actor 类型。不同适配器之间无投递顺序保证。
package trigger

import (
	"context"
	"encoding/json"
	"time"
)

// Event 适配器产生的原始事件
type Event struct {
	// Adapter 事件来源适配器名
	Adapter string `json:"adapter"`
	// Type 事件类型（如 "webhook"、"tick"）
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	// Headers 来源头信息（HTTP 头、消息属性）；签名校验用
	Headers   map[string]string `json:"headers,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Verification 事件校验结论
type Verification struct {
	Valid  bool
	Reason string
}

// EmitFunc 适配器向管理器上交事件的回调
type EmitFunc func(ctx context.Context, ev Event)

// Adapter 触发器适配器。Start 常驻运行直到 Stop 或 ctx 取消；
// Verify 对单个事件做来源校验（签名、HMAC、bearer token）
type Adapter interface {
	Name() string
	Start(ctx context.Context, emit EmitFunc) error
	Stop(ctx context.Context) error
	Verify(ctx context.Context, ev Event) Verification
}
