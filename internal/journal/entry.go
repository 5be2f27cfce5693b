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

package journal

import (
	"encoding/json"
	"time"
)

// EntryType 日志条目类型；类型即语义，重放引擎按类型折叠
type EntryType string

const (
	// EntryStateUpdated 用户变更后的完整状态快照
	EntryStateUpdated EntryType = "state_updated"
	// EntryActivityScheduled 外部调用已登记（尚未执行）
	EntryActivityScheduled EntryType = "activity_scheduled"
	// EntryActivityCompleted 外部调用成功结果
	EntryActivityCompleted EntryType = "activity_completed"
	// EntryActivityFailed 外部调用失败结果
	EntryActivityFailed EntryType = "activity_failed"
	// EntryChildSpawned 子 actor 已登记创建
	EntryChildSpawned EntryType = "child_spawned"
	// EntryEventReceived 等待中的外部事件已送达
	EntryEventReceived EntryType = "event_received"
	// EntrySuspended 协作式让出
	EntrySuspended EntryType = "suspended"
	// EntryInvocation 驱动本次执行片的消息
	EntryInvocation EntryType = "invocation"
	// EntryDecisionMade 决策审计条目（内容对核心不透明）
	EntryDecisionMade EntryType = "decision_made"
	// EntryContextGathered 上下文采集审计条目（内容对核心不透明）
	EntryContextGathered EntryType = "context_gathered"
)

// knownTypes 读取路径校验用；未知类型视为数据损坏
var knownTypes = map[EntryType]struct{}{
	EntryStateUpdated:      {},
	EntryActivityScheduled: {},
	EntryActivityCompleted: {},
	EntryActivityFailed:    {},
	EntryChildSpawned:      {},
	EntryEventReceived:     {},
	EntrySuspended:         {},
	EntryInvocation:        {},
	EntryDecisionMade:      {},
	EntryContextGathered:   {},
}

// KnownType 判断条目类型是否合法
func KnownType(t EntryType) bool {
	_, ok := knownTypes[t]
	return ok
}

// Entry 单条日志条目。Cursor 为 actor 内的绝对追加序号（从 0 起，trim 后不变），
// Fence 为写入者持有的租约 token（0 表示未启用围栏），Checksum 为链式摘要。
type Entry struct {
	ID        string          `json:"id"`
	ActorID   string          `json:"actor_id"`
	Cursor    int             `json:"cursor"`
	Type      EntryType       `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Fence     int64           `json:"fence,omitempty"`
	Checksum  string          `json:"checksum,omitempty"`
	PrevSum   string          `json:"prev_sum,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// ErrorInfo activity 失败的结构化错误（记入日志，重放时原样还原）
type ErrorInfo struct {
	Message   string `json:"message"`
	Kind      string `json:"kind,omitempty"` // business | timeout | cancelled
	Retryable bool   `json:"retryable,omitempty"`
}

// StateUpdatedPayload state_updated 载荷
type StateUpdatedPayload struct {
	State json.RawMessage `json:"state"`
}

// ActivityScheduledPayload activity_scheduled 载荷
type ActivityScheduledPayload struct {
	ActivityID string          `json:"activity_id"`
	Name       string          `json:"name"`
	Input      json.RawMessage `json:"input"`
	TimeoutMs  int64           `json:"timeout_ms,omitempty"`
}

// ActivityCompletedPayload activity_completed 载荷；BlobRef 非空时结果存于 blob
type ActivityCompletedPayload struct {
	ActivityID string          `json:"activity_id"`
	Result     json.RawMessage `json:"result,omitempty"`
	BlobRef    string          `json:"blob_ref,omitempty"`
}

// ActivityFailedPayload activity_failed 载荷
type ActivityFailedPayload struct {
	ActivityID string    `json:"activity_id"`
	Error      ErrorInfo `json:"error"`
}

// ChildSpawnedPayload child_spawned 载荷
type ChildSpawnedPayload struct {
	ChildID   string          `json:"child_id"`
	ActorType string          `json:"actor_type"`
	Input     json.RawMessage `json:"input"`
}

// EventReceivedPayload event_received 载荷
type EventReceivedPayload struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
}

// SuspendedPayload suspended 载荷
type SuspendedPayload struct {
	Reason string `json:"reason"`
}

// InvocationPayload invocation 载荷；MessageID 用于重复投递去重
type InvocationPayload struct {
	MessageID string          `json:"message_id"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// NewEntry 构造一条待追加的条目；Cursor 由存储在追加时分配
func NewEntry(actorID string, t EntryType, payload any) (Entry, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Entry{}, err
	}
	return Entry{
		ActorID:   actorID,
		Type:      t,
		Payload:   raw,
		CreatedAt: time.Now(),
	}, nil
}

// DecodePayload 解包条目载荷到 dst；失败返回 *CorruptionError
func DecodePayload(e Entry, dst any) error {
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return &CorruptionError{ActorID: e.ActorID, Cursor: e.Cursor, Reason: "payload unmarshal: " + err.Error()}
	}
	return nil
}
