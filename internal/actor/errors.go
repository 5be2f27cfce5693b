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
	"errors"
	"fmt"

	"actor-platform/internal/journal"
)

// Suspension 协作式让出。以错误形式穿出用户代码的调用栈，
// 由运行时捕获并持久化；不是故障。
type Suspension struct {
	// Reason 让出原因，如 "activity:<id>"、"event:<type>"
	Reason string
	// ActivityID 等待中的 activity（activity 让出时非空）
	ActivityID string
	// EventType 等待中的事件类型（事件让出时非空）
	EventType string
}

func (s *Suspension) Error() string {
	return "actor: suspended: " + s.Reason
}

// AsSuspension 判断错误链上是否为挂起让出
func AsSuspension(err error) (*Suspension, bool) {
	var s *Suspension
	if errors.As(err, &s) {
		return s, true
	}
	return nil, false
}

// DeterminismError 重放时用户代码的操作序列与日志不符。
// 对该 actor 实例致命：运行时停止处理并报警，不重试。
type DeterminismError struct {
	ActorID  string
	Cursor   int
	Expected string
	Got      string
}

func (e *DeterminismError) Error() string {
	return fmt.Sprintf("actor: determinism violation for %s at cursor %d: journal has %s, code performed %s",
		e.ActorID, e.Cursor, e.Expected, e.Got)
}

// IsDeterminismViolation 判断错误链上是否为确定性违例
func IsDeterminismViolation(err error) bool {
	var de *DeterminismError
	return errors.As(err, &de)
}

// ActivityError activity 以失败收场。业务错误与超时都走这里，
// 用户代码可检查 Kind 决定补偿或向上抛
type ActivityError struct {
	ActivityID string
	Info       journal.ErrorInfo
}

func (e *ActivityError) Error() string {
	return fmt.Sprintf("actor: activity %s failed: %s", e.ActivityID, e.Info.Message)
}

// Timeout 判断失败是否为超时
func (e *ActivityError) Timeout() bool { return e.Info.Kind == "timeout" }

// ErrNotSuspended Resume 被调用时 actor 并无在途等待
var ErrNotSuspended = errors.New("actor: not suspended")

// ErrUnexpectedResume Resume 注入的结果与在途等待不匹配
var ErrUnexpectedResume = errors.New("actor: resume does not match in-flight wait")
