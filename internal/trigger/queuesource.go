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

package trigger

import (
	"context"
	"errors"
	"sync"
	"time"

	"actor-platform/internal/queue"
	"actor-platform/pkg/log"
)

// QueueSourceConfig 队列触发器配置
type QueueSourceConfig struct {
	// Topic 被排干的外部队列名
	Topic string
	// PollInterval 空队列轮询间隔，缺省 1s
	PollInterval time.Duration
	// EventType 事件类型名，缺省 "message"
	EventType string
}

// QueueSource 把外部队列的消息排入运行时。消息在事件同步上交后
// ACK：投递失败的消息退回队列按其策略重试
type QueueSource struct {
	name   string
	cfg    QueueSourceConfig
	q      queue.Queue
	logger *log.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewQueueSource 创建队列触发器
func NewQueueSource(name string, q queue.Queue, cfg QueueSourceConfig, logger *log.Logger) *QueueSource {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.EventType == "" {
		cfg.EventType = "message"
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &QueueSource{name: name, cfg: cfg, q: q, logger: logger.Component("queue-source")}
}

// Name 适配器名
func (s *QueueSource) Name() string { return s.name }

// Start 启动排干循环
func (s *QueueSource) Start(ctx context.Context, emit EmitFunc) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-runCtx.Done():
				return
			default:
			}
			msg, err := s.q.Consume(runCtx, s.cfg.Topic)
			if errors.Is(err, queue.ErrEmpty) {
				select {
				case <-runCtx.Done():
					return
				case <-time.After(s.cfg.PollInterval):
				}
				continue
			}
			if err != nil {
				s.logger.Warn("queue source consume failed", "topic", s.cfg.Topic, "error", err)
				continue
			}
			emit(runCtx, Event{
				Adapter: s.name,
				Type:    s.cfg.EventType,
				Payload: msg.Payload,
				Headers: map[string]string{
					"Message-Id":     msg.MessageID,
					"Correlation-Id": msg.CorrelationID,
				},
				Timestamp: time.Now(),
			})
			if err := s.q.Ack(runCtx, s.cfg.Topic, msg.MessageID); err != nil {
				s.logger.Warn("queue source ack failed", "topic", s.cfg.Topic, "message_id", msg.MessageID, "error", err)
			}
		}
	}()
	return nil
}

// Stop 停止排干
func (s *QueueSource) Stop(ctx context.Context) error {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
	})
	return nil
}

// Verify 队列消息已由外部系统鉴权，恒为有效
func (s *QueueSource) Verify(ctx context.Context, ev Event) Verification {
	return Verification{Valid: true}
}
