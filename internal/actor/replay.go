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

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"actor-platform/internal/journal"
	"actor-platform/pkg/metrics"
)

// Load 从存储加载快照与日志并折叠出当前状态。
// 结束时重放位置越过全部条目，actor 处于实时边界。
// 折叠不执行用户代码：状态直接取自 state_updated 条目，
// activity 不再触发，事件只从已记录的条目解除等待。
func (c *Context) Load(ctx context.Context) error {
	started := time.Now()

	snap, err := c.store.LatestSnapshot(ctx, c.actorID)
	if err != nil {
		return err
	}
	if snap != nil {
		state := make(map[string]any)
		if len(snap.State) > 0 {
			if err := json.Unmarshal(snap.State, &state); err != nil {
				// 损坏快照按不存在处理：回退全量重放
				c.logger.Warn("snapshot state unparseable, falling back to full replay", "error", err)
				state = make(map[string]any)
				snap = nil
			}
		}
		if snap != nil {
			c.state = state
			c.snapshotCursor = snap.Cursor
			c.nextCursor = snap.Cursor
		}
	}

	entries, err := c.store.ReadEntries(ctx, c.actorID)
	if err != nil {
		return err
	}
	metrics.JournalReadTotal.Inc()

	// 只折叠快照之后的条目；快照覆盖的前缀可能尚未裁剪
	start := 0
	for start < len(entries) && entries[start].Cursor < c.snapshotCursor {
		start++
	}
	c.entries = entries[start:]
	c.consumed = make(map[int]bool)
	c.pos = 0

	if err := c.hydrate(); err != nil {
		return err
	}
	c.pos = len(c.entries)
	if n := len(c.entries); n > 0 {
		c.nextCursor = c.entries[n-1].Cursor + 1
	}
	metrics.ReplayDuration.WithLabelValues(c.actorType).Observe(time.Since(started).Seconds())
	return nil
}

// hydrate 逐条折叠日志：恢复状态、去重集、在途等待与子序号
func (c *Context) hydrate() error {
	var inflightActivity string
	var inflightEvent string

	for i, e := range c.entries {
		switch e.Type {
		case journal.EntryStateUpdated:
			var p journal.StateUpdatedPayload
			if err := journal.DecodePayload(e, &p); err != nil {
				return err
			}
			state := make(map[string]any)
			if err := json.Unmarshal(p.State, &state); err != nil {
				return &journal.CorruptionError{ActorID: c.actorID, Cursor: e.Cursor, Reason: "state unmarshal: " + err.Error()}
			}
			c.state = state

		case journal.EntryInvocation:
			var p journal.InvocationPayload
			if err := journal.DecodePayload(e, &p); err != nil {
				return err
			}
			c.seen[p.MessageID] = true
			c.lastInvocationIdx = i
			inflightActivity, inflightEvent = "", ""

		case journal.EntryActivityScheduled:
			var p journal.ActivityScheduledPayload
			if err := journal.DecodePayload(e, &p); err != nil {
				return err
			}
			inflightActivity = p.ActivityID

		case journal.EntryActivityCompleted:
			var p journal.ActivityCompletedPayload
			if err := journal.DecodePayload(e, &p); err != nil {
				return err
			}
			if p.ActivityID == inflightActivity {
				inflightActivity = ""
			}

		case journal.EntryActivityFailed:
			var p journal.ActivityFailedPayload
			if err := journal.DecodePayload(e, &p); err != nil {
				return err
			}
			if p.ActivityID == inflightActivity {
				inflightActivity = ""
			}

		case journal.EntrySuspended:
			var p journal.SuspendedPayload
			if err := journal.DecodePayload(e, &p); err != nil {
				return err
			}
			if t, ok := strings.CutPrefix(p.Reason, "event:"); ok {
				inflightEvent = t
			}

		case journal.EntryEventReceived:
			var p journal.EventReceivedPayload
			if err := journal.DecodePayload(e, &p); err != nil {
				return err
			}
			if p.EventType == inflightEvent {
				inflightEvent = ""
			}

		case journal.EntryChildSpawned:
			c.childSeq++

		case journal.EntryDecisionMade, journal.EntryContextGathered:
			// 审计条目，折叠无动作

		default:
			return &journal.CorruptionError{ActorID: c.actorID, Cursor: e.Cursor, Reason: "unknown entry type " + string(e.Type)}
		}
	}

	switch {
	case inflightActivity != "":
		c.wait = &Suspension{Reason: "activity:" + inflightActivity, ActivityID: inflightActivity}
	case inflightEvent != "":
		c.wait = &Suspension{Reason: "event:" + inflightEvent, EventType: inflightEvent}
	default:
		c.wait = nil
	}
	return nil
}

// LastInvocationInput 最后一条 invocation 记录的消息载荷；
// 运行时用它重新进入挂起的执行片
func (c *Context) LastInvocationInput() (json.RawMessage, bool) {
	if c.lastInvocationIdx < 0 || c.lastInvocationIdx >= len(c.entries) {
		return nil, false
	}
	var p journal.InvocationPayload
	if err := journal.DecodePayload(c.entries[c.lastInvocationIdx], &p); err != nil {
		return nil, false
	}
	return p.Payload, true
}

// PendingActivityDispatch 从日志重建在途 activity 的派发参数。
// 崩溃可能发生在记录 activity_scheduled 之后、任务入队之前，
// 运行时在重入挂起执行片时据此重新派发（activity 幂等兜底重复执行）
func (c *Context) PendingActivityDispatch() (*ActivityDispatch, bool) {
	if c.wait == nil || c.wait.ActivityID == "" {
		return nil, false
	}
	for i := len(c.entries) - 1; i >= 0; i-- {
		if c.entries[i].Type != journal.EntryActivityScheduled {
			continue
		}
		var p journal.ActivityScheduledPayload
		if err := journal.DecodePayload(c.entries[i], &p); err != nil {
			return nil, false
		}
		if p.ActivityID != c.wait.ActivityID {
			continue
		}
		return &ActivityDispatch{
			ActivityID: p.ActivityID,
			Name:       p.Name,
			Input:      p.Input,
			Timeout:    time.Duration(p.TimeoutMs) * time.Millisecond,
		}, true
	}
	return nil, false
}

// LastInvocationMessageID 最后一条 invocation 记录的消息 ID
func (c *Context) LastInvocationMessageID() (string, bool) {
	if c.lastInvocationIdx < 0 || c.lastInvocationIdx >= len(c.entries) {
		return "", false
	}
	var p journal.InvocationPayload
	if err := journal.DecodePayload(c.entries[c.lastInvocationIdx], &p); err != nil {
		return "", false
	}
	return p.MessageID, true
}

// BeginResume 将重放位置拨回挂起执行片的起点。
// 随后的 Execute 在重放模式下短路已记录的结果，
// 越过新注入的完成条目后转入实时执行
func (c *Context) BeginResume() {
	c.pos = c.lastInvocationIdx + 1
	c.consumed = make(map[int]bool)
}
