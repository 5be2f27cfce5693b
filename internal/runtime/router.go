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
	"context"
	"time"

	"github.com/google/uuid"

	"actor-platform/internal/queue"
	"actor-platform/internal/sharedmem"
	"actor-platform/pkg/log"
	"actor-platform/pkg/metrics"
)

// mailboxIndexKey 某 actor 类型的活跃邮箱索引键
func mailboxIndexKey(actorType string) string { return "mailboxes:" + actorType }

// SendOptions 投递选项
type SendOptions struct {
	// MessageID 为空时生成 msg-<uuid>；派发需要幂等时传入确定性 ID
	MessageID     string
	CorrelationID string
	Priority      int
	// Delay 延迟投递时长；0 立即可见
	Delay time.Duration
}

// Router 将信封投入 actor 邮箱，并维护按类型的活跃邮箱索引，
// 使类型 worker 能动态发现要轮询的队列。
type Router struct {
	q      queue.Queue
	shared sharedmem.Store
	logger *log.Logger
}

// NewRouter 创建路由器
func NewRouter(q queue.Queue, shared sharedmem.Store, logger *log.Logger) *Router {
	return &Router{q: q, shared: shared, logger: logger.Component("router")}
}

// Send 投递一条信封到 actor 邮箱。首次投递把邮箱登记进
// 类型索引（SetAdd 幂等，重复登记无害）。
func (r *Router) Send(ctx context.Context, actorID string, env Envelope, opts SendOptions) (string, error) {
	payload, err := EncodeEnvelope(env)
	if err != nil {
		return "", err
	}
	messageID := opts.MessageID
	if messageID == "" {
		messageID = "msg-" + uuid.New().String()
	}

	if env.ActorType != "" {
		if err := r.shared.SetAdd(ctx, mailboxIndexKey(env.ActorType), queue.ActorMailbox(actorID), 0); err != nil {
			return "", err
		}
	}

	msg := queue.Message{
		MessageID:     messageID,
		ActorID:       actorID,
		Payload:       payload,
		CorrelationID: opts.CorrelationID,
		Priority:      opts.Priority,
		Timestamp:     time.Now(),
	}
	mailbox := queue.ActorMailbox(actorID)
	if opts.Delay > 0 {
		err = r.q.EnqueueDelayed(ctx, mailbox, msg, opts.Delay)
	} else {
		err = r.q.Enqueue(ctx, mailbox, msg)
	}
	if err != nil {
		return "", err
	}
	metrics.QueueEnqueueTotal.WithLabelValues(mailbox).Inc()
	return messageID, nil
}

// Mailboxes 返回给定类型集合当前登记的全部邮箱队列名。
// 供 queue.Worker 的 resolve 回调使用；索引读取失败时返回空集，
// 下一轮轮询重试。
func (r *Router) Mailboxes(ctx context.Context, actorTypes []string) []string {
	var out []string
	for _, t := range actorTypes {
		names, err := r.shared.SetMembers(ctx, mailboxIndexKey(t))
		if err != nil {
			r.logger.Warn("mailbox index read failed", "actor_type", t, "error", err)
			continue
		}
		out = append(out, names...)
	}
	return out
}
