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

package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound pipeline 实例不存在
	ErrNotFound = errors.New("pipeline: instance not found")
	// ErrCancelled pipeline 已被取消
	ErrCancelled = errors.New("pipeline: cancelled")
	// ErrTerminal pipeline 已终结，不再接受操作
	ErrTerminal = errors.New("pipeline: instance already terminal")
)

// BarrierTimeoutError gather barrier 在超时点未凑齐所需完成数。
// minResults 满足时 stage 带部分结果推进，不产生本错误。
type BarrierTimeoutError struct {
	PipelineID string
	StageName  string
	Completed  int
	Required   int
}

func (e *BarrierTimeoutError) Error() string {
	return fmt.Sprintf("pipeline: barrier timeout on %s/%s: %d of %d tasks completed",
		e.PipelineID, e.StageName, e.Completed, e.Required)
}
