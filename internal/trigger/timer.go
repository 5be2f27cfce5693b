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
	"encoding/json"
	"sync"
	"time"
)

// TimerConfig 定时触发器配置
type TimerConfig struct {
	// Interval 触发间隔
	Interval time.Duration
	// Payload 每次触发携带的固定载荷；空则只带时间戳
	Payload json.RawMessage
	// EventType 事件类型名，缺省 "tick"
	EventType string
}

// Timer 周期触发器
type Timer struct {
	name string
	cfg  TimerConfig

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewTimer 创建定时触发器
func NewTimer(name string, cfg TimerConfig) *Timer {
	if cfg.EventType == "" {
		cfg.EventType = "tick"
	}
	return &Timer{name: name, cfg: cfg}
}

// Name 适配器名
func (t *Timer) Name() string { return t.name }

// Start 启动周期触发
func (t *Timer) Start(ctx context.Context, emit EmitFunc) error {
	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(t.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case now := <-ticker.C:
				payload := t.cfg.Payload
				if len(payload) == 0 {
					payload, _ = json.Marshal(map[string]any{"at": now.UTC().Format(time.RFC3339)})
				}
				emit(runCtx, Event{
					Adapter:   t.name,
					Type:      t.cfg.EventType,
					Payload:   payload,
					Timestamp: now,
				})
			}
		}
	}()
	return nil
}

// Stop 停止触发
func (t *Timer) Stop(ctx context.Context) error {
	t.once.Do(func() {
		if t.cancel != nil {
			t.cancel()
		}
		t.wg.Wait()
	})
	return nil
}

// Verify 定时事件来自进程内部，恒为有效
func (t *Timer) Verify(ctx context.Context, ev Event) Verification {
	return Verification{Valid: true}
}
