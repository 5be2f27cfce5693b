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

// Package queue 提供 actor 邮箱所用的可靠消息队列。
// 投递语义为 at-least-once：重复投递合法且复用 MessageID，
// 由 actor 日志的 invocation 去重收敛为 effectively-once。
// 优先级大者先出，同优先级按入队顺序；重投递保留优先级。
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrEmpty 队列当前无可消费消息
	ErrEmpty = errors.New("queue: empty")
	// ErrNotInFlight Ack/Nack/Extend 的消息不在处理中（已确认或可见性超时被收回）
	ErrNotInFlight = errors.New("queue: message not in flight")
)

// Message 队列消息。MessageID 即消息身份：重投递不更换
type Message struct {
	MessageID     string          `json:"messageId"`
	ActorID       string          `json:"actorId"`
	Payload       json.RawMessage `json:"payload"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Priority      int             `json:"priority,omitempty"`
	Timestamp     time.Time       `json:"timestamp,omitempty"`
	Attempt       int             `json:"attempt,omitempty"`
}

// NackOptions 否认选项
type NackOptions struct {
	// RetryIn 延迟重投递时长；0 表示立即可见
	RetryIn time.Duration
	// KeepAttempt 退回时不递增 Attempt。
	// 租约竞争这类非失败性退回使用，不消耗消息的重试预算
	KeepAttempt bool
}

// Queue 消息队列接口。
// Consume 将消息转入 in-flight，需在可见性超时内 Ack/Nack/Extend，
// 否则消息被收回重投递（Attempt+1）。
type Queue interface {
	Enqueue(ctx context.Context, queueName string, msg Message) error
	// EnqueueDelayed 延迟入队；delay 到期后才可消费
	EnqueueDelayed(ctx context.Context, queueName string, msg Message, delay time.Duration) error
	// Consume 非阻塞取一条最高优先级消息；空返回 ErrEmpty
	Consume(ctx context.Context, queueName string) (*Message, error)
	Ack(ctx context.Context, queueName, messageID string) error
	// Nack 将 in-flight 消息退回待投递（默认 Attempt+1，保留优先级）
	Nack(ctx context.Context, queueName, messageID string, opts NackOptions) error
	// Extend 延长 in-flight 消息的可见性超时（挂起的 actor 长等待用）
	Extend(ctx context.Context, queueName, messageID string, d time.Duration) error
	// Depth 待投递消息数（不含 in-flight 与未到期的延迟消息）
	Depth(ctx context.Context, queueName string) (int64, error)
	Close() error
}

// DLQName 返回某队列对应的死信队列名
func DLQName(base string) string { return base + "-dlq" }

// ActorMailbox 返回 actor 的邮箱队列名
func ActorMailbox(actorID string) string { return "actor:" + actorID }

// DefaultVisibilityTimeout 消费后默认隐身时长
const DefaultVisibilityTimeout = 30 * time.Second
