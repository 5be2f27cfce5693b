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

package runtime

import (
	"encoding/json"
	"fmt"

	"actor-platform/internal/journal"
)

// EnvelopeKind 邮箱消息的种类
type EnvelopeKind string

const (
	// KindInvoke 新消息驱动一个执行片
	KindInvoke EnvelopeKind = "invoke"
	// KindActivityResult activity 结果注入，恢复挂起的执行片
	KindActivityResult EnvelopeKind = "activity_result"
	// KindEvent 外部事件投递（解除 WaitForEvent 或通知旁观者）
	KindEvent EnvelopeKind = "event"
	// KindCancel 取消通知；当前只送达事件旁观者
	KindCancel EnvelopeKind = "cancel"
)

// PipelineRef 将一条 actor 消息关联到 pipeline 任务；
// 执行片终结时运行时据此上报任务结果
type PipelineRef struct {
	PipelineID string `json:"pipelineId"`
	StageName  string `json:"stageName"`
	TaskID     string `json:"taskId"`
}

// Envelope actor 邮箱协议：queue.Message.Payload 内的信封。
// ActorType 随信封携带，接收方 worker 据此构造实例，
// 不依赖本进程先前见过该 actor。
type Envelope struct {
	Kind      EnvelopeKind `json:"kind"`
	ActorType string       `json:"actorType"`

	// Kind == invoke
	Input         json.RawMessage `json:"input,omitempty"`
	ParentActorID string          `json:"parentActorId,omitempty"`

	// Kind == activity_result
	ActivityID string             `json:"activityId,omitempty"`
	Result     json.RawMessage    `json:"result,omitempty"`
	Error      *journal.ErrorInfo `json:"error,omitempty"`

	// Kind == event
	EventType string          `json:"eventType,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`

	// 关联的 pipeline 任务；非 pipeline 消息为 nil
	Pipeline *PipelineRef `json:"pipeline,omitempty"`
}

// DecodeEnvelope 解析消息载荷中的信封
func DecodeEnvelope(payload json.RawMessage) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Envelope{}, fmt.Errorf("runtime: decode envelope: %w", err)
	}
	if env.Kind == "" {
		return Envelope{}, fmt.Errorf("runtime: envelope missing kind")
	}
	return env, nil
}

// EncodeEnvelope 序列化信封为消息载荷
func EncodeEnvelope(env Envelope) (json.RawMessage, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("runtime: encode envelope: %w", err)
	}
	return raw, nil
}
