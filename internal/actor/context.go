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
	"fmt"
	"time"

	"github.com/google/uuid"

	"actor-platform/internal/journal"
	"actor-platform/internal/sharedmem"
	"actor-platform/internal/storage/blob"
	"actor-platform/pkg/log"
	"actor-platform/pkg/metrics"
	"actor-platform/pkg/secrets"
)

// DefaultMaxInlineResultBytes 超过该大小的 activity 结果落 blob 存储
const DefaultMaxInlineResultBytes = 256 << 10

// OutcomeStatus ScheduleActivity 的结果分支
type OutcomeStatus string

const (
	// OutcomePending activity 已登记，等待外部执行（让出点）
	OutcomePending OutcomeStatus = "pending"
	// OutcomeCompleted 重放命中已记录的成功结果
	OutcomeCompleted OutcomeStatus = "completed"
	// OutcomeFailed 重放命中已记录的失败
	OutcomeFailed OutcomeStatus = "failed"
)

// Outcome activity 调度的和类型结果
type Outcome struct {
	Status     OutcomeStatus
	ActivityID string
	Result     json.RawMessage
	Err        *journal.ErrorInfo
}

// ActivityOption 单次 activity 调用选项
type ActivityOption func(*activityOpts)

type activityOpts struct {
	timeout time.Duration
}

// WithActivityTimeout 单次调用超时；超时以 kind=timeout 的失败记录
func WithActivityTimeout(d time.Duration) ActivityOption {
	return func(o *activityOpts) { o.timeout = d }
}

// ActivityDispatch 新登记、待外部执行的 activity 任务
type ActivityDispatch struct {
	ActivityID string
	Name       string
	Input      json.RawMessage
	Timeout    time.Duration
}

// ChildDispatch 新登记、待运行时派发的子 actor
type ChildDispatch struct {
	ChildID   string
	ActorType string
	Input     json.RawMessage
}

// Params Context 构造参数
type Params struct {
	ActorID       string
	ActorType     string
	ParentActorID string
	Store         journal.Store
	Blobs         blob.Store
	Shared        sharedmem.Store
	Secrets       secrets.Store
	Services      *Services
	Logger        *log.Logger
	// Fence 当前租约的围栏 token，写入每条追加的条目
	Fence int64
	// MaxInlineResultBytes activity 结果内联上限，<=0 采用默认 256KiB
	MaxInlineResultBytes int
}

// Context 单个 actor 实例的日志化执行上下文。
// 非并发安全：租约保证同一时刻只有一个执行片在跑。
//
// 执行分两种模式：pos < len(entries) 时为重放模式，原语从日志
// 消费已记录的结果而不产生外部副作用；越过日志末尾后转为实时模式，
// 原语追加新条目。同一段用户代码在两种模式下走完全相同的路径。
type Context struct {
	runCtx context.Context

	actorID       string
	actorType     string
	parentActorID string

	store    journal.Store
	blobs    blob.Store
	shared   sharedmem.Store
	secrets  secrets.Store
	services *Services
	logger   *log.Logger
	fence    int64
	maxInline int

	state map[string]any

	entries           []journal.Entry
	pos               int
	consumed          map[int]bool
	seen              map[string]bool
	wait              *Suspension
	lastInvocationIdx int
	snapshotCursor    int
	nextCursor        int
	childSeq          int

	activities []ActivityDispatch
	children   []ChildDispatch
	response   json.RawMessage
}

// NewContext 创建尚未加载日志的上下文；调用 Load 完成水合
func NewContext(p Params) *Context {
	maxInline := p.MaxInlineResultBytes
	if maxInline <= 0 {
		maxInline = DefaultMaxInlineResultBytes
	}
	logger := p.Logger
	if logger == nil {
		logger = log.Nop()
	}
	return &Context{
		runCtx:            context.Background(),
		actorID:           p.ActorID,
		actorType:         p.ActorType,
		parentActorID:     p.ParentActorID,
		store:             p.Store,
		blobs:             p.Blobs,
		shared:            p.Shared,
		secrets:           p.Secrets,
		services:          p.Services,
		logger:            logger.WithActor(p.ActorType, p.ActorID),
		fence:             p.Fence,
		maxInline:         maxInline,
		state:             make(map[string]any),
		consumed:          make(map[int]bool),
		seen:              make(map[string]bool),
		lastInvocationIdx: -1,
	}
}

// ActorID 本 actor 的全局唯一标识
func (c *Context) ActorID() string { return c.actorID }

// ActorType 本 actor 的类型名
func (c *Context) ActorType() string { return c.actorType }

// ParentActorID 父 actor 标识；顶层 actor 为空。
// 子不持有父的引用，需要父时经运行时按 ID 寻址
func (c *Context) ParentActorID() string { return c.parentActorID }

// Ctx 当前执行片的取消上下文（租约丢失或停机时取消）
func (c *Context) Ctx() context.Context { return c.runCtx }

// SetRunContext 运行时在每个执行片开始时注入取消上下文
func (c *Context) SetRunContext(ctx context.Context) { c.runCtx = ctx }

// SetFence 运行时在获得新租约后更新围栏 token
func (c *Context) SetFence(fence int64) { c.fence = fence }

// Shared 跨 actor 共享内存面
func (c *Context) Shared() sharedmem.Store { return c.shared }

// Secrets 密钥存储
func (c *Context) Secrets() secrets.Store { return c.secrets }

// Service 按名查找注入的协作者
func (c *Context) Service(name string) (any, bool) {
	if c.services == nil {
		return nil, false
	}
	return c.services.Lookup(name)
}

// Logger 带 actor 维度的日志器
func (c *Context) Logger() *log.Logger { return c.logger }

// replaying 当前是否处于重放模式
func (c *Context) replaying() bool {
	c.skipConsumed()
	return c.pos < len(c.entries)
}

func (c *Context) skipConsumed() {
	for c.pos < len(c.entries) && c.consumed[c.pos] {
		c.pos++
	}
}

// consumeExpect 消费下一条未消费条目并校验类型。
// 类型不符即确定性违例：用户代码在重放时走出了与日志不同的路径
func (c *Context) consumeExpect(t journal.EntryType) (journal.Entry, error) {
	c.skipConsumed()
	e := c.entries[c.pos]
	if e.Type != t {
		return journal.Entry{}, &DeterminismError{
			ActorID:  c.actorID,
			Cursor:   e.Cursor,
			Expected: string(e.Type),
			Got:      string(t),
		}
	}
	c.pos++
	return e, nil
}

// appendEntry 实时模式追加；携带围栏 token
func (c *Context) appendEntry(t journal.EntryType, payload any) (journal.Entry, error) {
	e, err := journal.NewEntry(c.actorID, t, payload)
	if err != nil {
		return journal.Entry{}, fmt.Errorf("actor: encode %s entry: %w", t, err)
	}
	e.Fence = c.fence
	stored, err := c.store.AppendEntry(c.runCtx, c.actorID, e)
	if err != nil {
		return journal.Entry{}, err
	}
	c.entries = append(c.entries, stored)
	c.pos = len(c.entries)
	c.nextCursor = stored.Cursor + 1
	metrics.JournalAppendTotal.WithLabelValues(string(t)).Inc()
	return stored, nil
}

// State 返回当前状态的深拷贝；修改返回值不影响日志化状态
func (c *Context) State() map[string]any {
	out, err := deepCopyState(c.state)
	if err != nil {
		// 状态恒为 JSON 可序列化值，这里失败说明 UpdateState 放进了非法值
		c.logger.Error("state deep copy failed", "error", err)
		return make(map[string]any)
	}
	return out
}

// UpdateState 经日志化路径变更状态。mutate 收到当前状态的深拷贝草稿，
// 返回新状态；返回 nil 表示以修改后的草稿为新状态。
// 重放模式直接采用记录的状态，不重跑 mutate。
func (c *Context) UpdateState(mutate func(draft map[string]any) map[string]any) error {
	if c.replaying() {
		e, err := c.consumeExpect(journal.EntryStateUpdated)
		if err != nil {
			return err
		}
		var p journal.StateUpdatedPayload
		if err := journal.DecodePayload(e, &p); err != nil {
			return err
		}
		next := make(map[string]any)
		if err := json.Unmarshal(p.State, &next); err != nil {
			return &journal.CorruptionError{ActorID: c.actorID, Cursor: e.Cursor, Reason: "state unmarshal: " + err.Error()}
		}
		c.state = next
		return nil
	}

	draft, err := deepCopyState(c.state)
	if err != nil {
		return fmt.Errorf("actor: copy state: %w", err)
	}
	next := mutate(draft)
	if next == nil {
		next = draft
	}
	raw, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("actor: marshal state: %w", err)
	}
	// 先落日志再换内存状态：追加失败时状态保持不变
	if _, err := c.appendEntry(journal.EntryStateUpdated, journal.StateUpdatedPayload{State: raw}); err != nil {
		return err
	}
	c.state = next
	return nil
}

// ScheduleActivity activity 调度原语，返回和类型结果：
// Pending（已登记、需让出）、Completed、Failed。
// 多数用户代码应使用封装好的 CallActivity。
func (c *Context) ScheduleActivity(name string, input any, opts ...ActivityOption) (Outcome, error) {
	var o activityOpts
	for _, opt := range opts {
		opt(&o)
	}

	if c.replaying() {
		e, err := c.consumeExpect(journal.EntryActivityScheduled)
		if err != nil {
			return Outcome{}, err
		}
		var sched journal.ActivityScheduledPayload
		if err := journal.DecodePayload(e, &sched); err != nil {
			return Outcome{}, err
		}
		if sched.Name != name {
			return Outcome{}, &DeterminismError{
				ActorID:  c.actorID,
				Cursor:   e.Cursor,
				Expected: "activity " + sched.Name,
				Got:      "activity " + name,
			}
		}
		return c.findActivityOutcome(sched.ActivityID)
	}

	raw, err := json.Marshal(input)
	if err != nil {
		return Outcome{}, fmt.Errorf("actor: marshal activity input: %w", err)
	}
	activityID := "act-" + uuid.New().String()
	payload := journal.ActivityScheduledPayload{
		ActivityID: activityID,
		Name:       name,
		Input:      raw,
		TimeoutMs:  o.timeout.Milliseconds(),
	}
	if _, err := c.appendEntry(journal.EntryActivityScheduled, payload); err != nil {
		return Outcome{}, err
	}
	c.activities = append(c.activities, ActivityDispatch{
		ActivityID: activityID,
		Name:       name,
		Input:      raw,
		Timeout:    o.timeout,
	})
	c.wait = &Suspension{Reason: "activity:" + activityID, ActivityID: activityID}
	return Outcome{Status: OutcomePending, ActivityID: activityID}, nil
}

// findActivityOutcome 前瞻查找该 activity 的完成条目。
// 找不到说明这里就是实时边界：结果尚未注入，继续等待
func (c *Context) findActivityOutcome(activityID string) (Outcome, error) {
	for i := c.pos; i < len(c.entries); i++ {
		if c.consumed[i] {
			continue
		}
		e := c.entries[i]
		switch e.Type {
		case journal.EntryActivityCompleted:
			var p journal.ActivityCompletedPayload
			if err := journal.DecodePayload(e, &p); err != nil {
				return Outcome{}, err
			}
			if p.ActivityID != activityID {
				continue
			}
			c.consumed[i] = true
			result, err := c.resolveResult(p)
			if err != nil {
				return Outcome{}, err
			}
			return Outcome{Status: OutcomeCompleted, ActivityID: activityID, Result: result}, nil
		case journal.EntryActivityFailed:
			var p journal.ActivityFailedPayload
			if err := journal.DecodePayload(e, &p); err != nil {
				return Outcome{}, err
			}
			if p.ActivityID != activityID {
				continue
			}
			c.consumed[i] = true
			info := p.Error
			return Outcome{Status: OutcomeFailed, ActivityID: activityID, Err: &info}, nil
		}
	}
	c.wait = &Suspension{Reason: "activity:" + activityID, ActivityID: activityID}
	return Outcome{Status: OutcomePending, ActivityID: activityID}, nil
}

// resolveResult 结果内联或经 blob 引用解析
func (c *Context) resolveResult(p journal.ActivityCompletedPayload) (json.RawMessage, error) {
	if p.BlobRef == "" {
		return p.Result, nil
	}
	if c.blobs == nil {
		return nil, fmt.Errorf("actor: activity %s result stored at %s but no blob store configured", p.ActivityID, p.BlobRef)
	}
	data, err := c.blobs.Get(c.runCtx, p.BlobRef)
	if err != nil {
		return nil, fmt.Errorf("actor: load activity result blob %s: %w", p.BlobRef, err)
	}
	return json.RawMessage(data), nil
}

// CallActivity 调用外部 activity。新执行时登记并以 *Suspension 让出；
// 重放时直接返回已记录的结果或失败，不再触发外部调用
func (c *Context) CallActivity(name string, input any, opts ...ActivityOption) (json.RawMessage, error) {
	outcome, err := c.ScheduleActivity(name, input, opts...)
	if err != nil {
		return nil, err
	}
	switch outcome.Status {
	case OutcomeCompleted:
		return outcome.Result, nil
	case OutcomeFailed:
		return nil, &ActivityError{ActivityID: outcome.ActivityID, Info: *outcome.Err}
	default:
		return nil, c.wait
	}
}

// WaitForEvent 等待外部事件。新执行时记录让出；重放时返回已送达的数据
func (c *Context) WaitForEvent(eventType string) (json.RawMessage, error) {
	if c.replaying() {
		e, err := c.consumeExpect(journal.EntrySuspended)
		if err != nil {
			return nil, err
		}
		var p journal.SuspendedPayload
		if err := journal.DecodePayload(e, &p); err != nil {
			return nil, err
		}
		if p.Reason != "event:"+eventType {
			return nil, &DeterminismError{
				ActorID:  c.actorID,
				Cursor:   e.Cursor,
				Expected: p.Reason,
				Got:      "event:" + eventType,
			}
		}
		return c.findEventData(eventType)
	}

	if _, err := c.appendEntry(journal.EntrySuspended, journal.SuspendedPayload{Reason: "event:" + eventType}); err != nil {
		return nil, err
	}
	c.wait = &Suspension{Reason: "event:" + eventType, EventType: eventType}
	return nil, c.wait
}

func (c *Context) findEventData(eventType string) (json.RawMessage, error) {
	for i := c.pos; i < len(c.entries); i++ {
		if c.consumed[i] || c.entries[i].Type != journal.EntryEventReceived {
			continue
		}
		var p journal.EventReceivedPayload
		if err := journal.DecodePayload(c.entries[i], &p); err != nil {
			return nil, err
		}
		if p.EventType != eventType {
			continue
		}
		c.consumed[i] = true
		return p.Data, nil
	}
	c.wait = &Suspension{Reason: "event:" + eventType, EventType: eventType}
	return nil, c.wait
}

// SpawnChild 登记子 actor。子 ID 由本 actor 内的生成序号决定，
// 重放时返回相同 ID；实际派发由运行时完成
func (c *Context) SpawnChild(actorType string, input any) (string, error) {
	if c.replaying() {
		e, err := c.consumeExpect(journal.EntryChildSpawned)
		if err != nil {
			return "", err
		}
		var p journal.ChildSpawnedPayload
		if err := journal.DecodePayload(e, &p); err != nil {
			return "", err
		}
		if p.ActorType != actorType {
			return "", &DeterminismError{
				ActorID:  c.actorID,
				Cursor:   e.Cursor,
				Expected: "child of type " + p.ActorType,
				Got:      "child of type " + actorType,
			}
		}
		c.childSeq++
		return p.ChildID, nil
	}

	raw, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("actor: marshal child input: %w", err)
	}
	c.childSeq++
	childID := fmt.Sprintf("%s:child:%d", c.actorID, c.childSeq)
	payload := journal.ChildSpawnedPayload{ChildID: childID, ActorType: actorType, Input: raw}
	if _, err := c.appendEntry(journal.EntryChildSpawned, payload); err != nil {
		return "", err
	}
	c.children = append(c.children, ChildDispatch{ChildID: childID, ActorType: actorType, Input: raw})
	return childID, nil
}

// Suspend 显式让出并结束本执行片；下一条消息重新进入 Execute
func (c *Context) Suspend(reason string) error {
	if c.replaying() {
		e, err := c.consumeExpect(journal.EntrySuspended)
		if err != nil {
			return err
		}
		var p journal.SuspendedPayload
		if err := journal.DecodePayload(e, &p); err != nil {
			return err
		}
		if p.Reason != reason {
			return &DeterminismError{
				ActorID:  c.actorID,
				Cursor:   e.Cursor,
				Expected: p.Reason,
				Got:      reason,
			}
		}
		return &Suspension{Reason: reason}
	}
	if _, err := c.appendEntry(journal.EntrySuspended, journal.SuspendedPayload{Reason: reason}); err != nil {
		return err
	}
	return &Suspension{Reason: reason}
}

// RecordDecision 决策审计条目；内容对核心不透明
func (c *Context) RecordDecision(payload any) error {
	return c.recordAudit(journal.EntryDecisionMade, payload)
}

// RecordContext 上下文采集审计条目；内容对核心不透明
func (c *Context) RecordContext(payload any) error {
	return c.recordAudit(journal.EntryContextGathered, payload)
}

func (c *Context) recordAudit(t journal.EntryType, payload any) error {
	if c.replaying() {
		_, err := c.consumeExpect(t)
		return err
	}
	_, err := c.appendEntry(t, payload)
	return err
}

// Respond 设置本执行片的响应值，由运行时取走
// （pipeline 任务完成上报等）；不属于 actor 状态
func (c *Context) Respond(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("actor: marshal response: %w", err)
	}
	c.response = raw
	return nil
}

// Response 本执行片的响应值；未设置为 nil
func (c *Context) Response() json.RawMessage { return c.response }

// ResumeWithActivity 运行时注入 activity 结果：记录完成条目并清除等待。
// result 超限时落 blob，日志只存引用
func (c *Context) ResumeWithActivity(activityID string, result json.RawMessage, actErr *journal.ErrorInfo) error {
	if c.wait == nil {
		return ErrNotSuspended
	}
	if c.wait.ActivityID != activityID {
		return fmt.Errorf("%w: waiting on %s, got result for %s", ErrUnexpectedResume, c.wait.ActivityID, activityID)
	}

	if actErr != nil {
		if _, err := c.appendEntry(journal.EntryActivityFailed, journal.ActivityFailedPayload{ActivityID: activityID, Error: *actErr}); err != nil {
			return err
		}
		c.wait = nil
		return nil
	}

	payload := journal.ActivityCompletedPayload{ActivityID: activityID, Result: result}
	if len(result) > c.maxInline && c.blobs != nil {
		ref := fmt.Sprintf("journal/%s/%s", c.actorID, activityID)
		if err := c.blobs.Put(c.runCtx, ref, result); err != nil {
			return fmt.Errorf("actor: offload activity result: %w", err)
		}
		payload.Result = nil
		payload.BlobRef = ref
	}
	if _, err := c.appendEntry(journal.EntryActivityCompleted, payload); err != nil {
		return err
	}
	c.wait = nil
	return nil
}

// Resume 运行时注入等待中的事件
func (c *Context) Resume(eventType string, data json.RawMessage) error {
	if c.wait == nil {
		return ErrNotSuspended
	}
	if c.wait.EventType != eventType {
		return fmt.Errorf("%w: waiting on event %s, got %s", ErrUnexpectedResume, c.wait.EventType, eventType)
	}
	if _, err := c.appendEntry(journal.EntryEventReceived, journal.EventReceivedPayload{EventType: eventType, Data: data}); err != nil {
		return err
	}
	c.wait = nil
	return nil
}

// RecordInvocation 记录驱动本执行片的消息并登记去重
func (c *Context) RecordInvocation(messageID string, ts time.Time, payload json.RawMessage) error {
	if _, err := c.appendEntry(journal.EntryInvocation, journal.InvocationPayload{
		MessageID: messageID,
		Timestamp: ts,
		Payload:   payload,
	}); err != nil {
		return err
	}
	c.seen[messageID] = true
	c.lastInvocationIdx = len(c.entries) - 1
	return nil
}

// SeenMessage 该消息是否已处理过（重复投递去重）
func (c *Context) SeenMessage(messageID string) bool { return c.seen[messageID] }

// Suspended 返回在途等待；无挂起为 nil
func (c *Context) Suspended() *Suspension { return c.wait }

// TakeActivityDispatches 取走并清空新登记的 activity 任务
func (c *Context) TakeActivityDispatches() []ActivityDispatch {
	out := c.activities
	c.activities = nil
	return out
}

// TakeChildDispatches 取走并清空新登记的子 actor
func (c *Context) TakeChildDispatches() []ChildDispatch {
	out := c.children
	c.children = nil
	return out
}

// ResetSlice 执行片开始前清空响应与派发缓冲
func (c *Context) ResetSlice() {
	c.response = nil
	c.activities = nil
	c.children = nil
}

// UncompactedEntries 自最近快照以来的日志条目数
func (c *Context) UncompactedEntries() int { return c.nextCursor - c.snapshotCursor }

// CompactJournal 保存当前快照并裁剪其覆盖的条目。幂等：
// 并发压缩被租约排除，重复调用收敛到同一终态
func (c *Context) CompactJournal(ctx context.Context) error {
	raw, err := json.Marshal(c.state)
	if err != nil {
		return fmt.Errorf("actor: marshal state for snapshot: %w", err)
	}
	snap := journal.NewSnapshot(c.actorID, raw, c.nextCursor, time.Now().UnixMilli())
	if err := c.store.SaveSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("actor: save snapshot: %w", err)
	}
	metrics.SnapshotSaveTotal.Inc()
	if err := c.store.TrimEntries(ctx, c.actorID, c.nextCursor); err != nil {
		return fmt.Errorf("actor: trim entries: %w", err)
	}
	c.snapshotCursor = c.nextCursor
	c.entries = c.entries[:0]
	c.consumed = make(map[int]bool)
	c.pos = 0
	c.lastInvocationIdx = -1
	metrics.CompactionTotal.WithLabelValues(c.actorType).Inc()
	return nil
}

// deepCopyState JSON 往返深拷贝；状态约定为 JSON 可序列化值
func deepCopyState(state map[string]any) (map[string]any, error) {
	if len(state) == 0 {
		return make(map[string]any), nil
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(state))
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
