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

// Package pipeline 在 actor 运行时之上实现 scatter/gather 编排：
// 多 stage 数据流按定义顺序推进，任务完成经事务性 outbox 精确一次
// 地汇入协调队列，gather barrier 支持 all/any/n 与 groupBy 分组。
// 实例状态整体存于 kvstate 文档，所有变更走版本 CAS，
// stage 状态与 outbox 原子推进。
package pipeline

import (
	"fmt"
)

// Mode stage 执行模式
type Mode string

const (
	// ModeSingle 单任务 stage
	ModeSingle Mode = "single"
	// ModeScatter 对数组输入并行展开，结果按源序落位
	ModeScatter Mode = "scatter"
	// ModeGather barrier 同步上游 scatter 的完成，可按键分组再调用
	ModeGather Mode = "gather"
)

// Condition gather barrier 条件
type Condition string

const (
	// CondAll 等待引用 stage 的全部任务
	CondAll Condition = "all"
	// CondAny 首个成功完成即满足
	CondAny Condition = "any"
	// CondN 前 N 个成功完成即满足
	CondN Condition = "n"
)

// Definition pipeline 定义。Stages 按声明顺序执行；
// gather stage 在其引用 stage 开始派发后即可观察完成流。
type Definition struct {
	Name       string         `json:"name"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Stages     []Stage        `json:"stages"`
}

// Stage 单个 stage 声明
type Stage struct {
	Name      string `json:"name"`
	Mode      Mode   `json:"mode"`
	// ActorType 任务调用的 actor 类型；gather 仅在 groupBy 分组调用时需要
	ActorType string `json:"actorType,omitempty"`
	// Input 任务输入模板；字符串叶子若为路径表达式则对上下文求值
	Input any `json:"input,omitempty"`

	Scatter  *ScatterSpec   `json:"scatter,omitempty"`
	Gather   *GatherSpec    `json:"gather,omitempty"`
	Executor ExecutorConfig `json:"executorConfig,omitempty"`
}

// ScatterSpec scatter 展开声明
type ScatterSpec struct {
	// InputPath 指向上下文中的源数组
	InputPath string `json:"inputPath"`
	// As 循环变量名，Input 模板里用 @variables('<as>') 引用当前元素
	As string `json:"as"`
	// MaxParallel 同时在途任务上限；0 不限
	MaxParallel int `json:"maxParallel,omitempty"`
}

// GatherSpec gather barrier 声明
type GatherSpec struct {
	// Stage 被观察的上游 stage 名
	Stage string `json:"stage"`
	// Condition barrier 条件，缺省 all
	Condition Condition `json:"condition,omitempty"`
	// N Condition 为 n 时的完成数
	N int `json:"n,omitempty"`
	// GroupBy 对收集结果逐项求值的分组选择器（如 $.documentType）
	GroupBy string `json:"groupBy,omitempty"`
	// TimeoutMs barrier 超时；0 继承 ExecutorConfig.TimeoutMs
	TimeoutMs int64 `json:"timeoutMs,omitempty"`
}

// ExecutorConfig stage 级执行约束
type ExecutorConfig struct {
	// MaxParallel 同时在途任务上限；0 不限
	MaxParallel int `json:"maxParallel,omitempty"`
	// TimeoutMs stage 超时；0 不设超时
	TimeoutMs int64 `json:"timeoutMs,omitempty"`
	// MinResults barrier 超时或部分失败时仍可推进的最小成功数；
	// 0 表示必须全量
	MinResults int `json:"minResults,omitempty"`
}

// Validate 校验定义的结构一致性
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("pipeline: definition name required")
	}
	if len(d.Stages) == 0 {
		return fmt.Errorf("pipeline: definition %q has no stages", d.Name)
	}

	index := make(map[string]int, len(d.Stages))
	for i, s := range d.Stages {
		if s.Name == "" {
			return fmt.Errorf("pipeline: stage %d has no name", i)
		}
		if _, dup := index[s.Name]; dup {
			return fmt.Errorf("pipeline: duplicate stage name %q", s.Name)
		}
		index[s.Name] = i

		switch s.Mode {
		case ModeSingle:
			if s.ActorType == "" {
				return fmt.Errorf("pipeline: stage %q: single mode requires actorType", s.Name)
			}
		case ModeScatter:
			if s.ActorType == "" {
				return fmt.Errorf("pipeline: stage %q: scatter mode requires actorType", s.Name)
			}
			if s.Scatter == nil || s.Scatter.InputPath == "" || s.Scatter.As == "" {
				return fmt.Errorf("pipeline: stage %q: scatter requires inputPath and as", s.Name)
			}
		case ModeGather:
			if s.Gather == nil || s.Gather.Stage == "" {
				return fmt.Errorf("pipeline: stage %q: gather requires a referenced stage", s.Name)
			}
			ref, ok := d.stageIndex(s.Gather.Stage)
			if !ok || ref >= i {
				return fmt.Errorf("pipeline: stage %q: gather references unknown or later stage %q", s.Name, s.Gather.Stage)
			}
			switch cond := s.Gather.condition(); cond {
			case CondAll, CondAny:
			case CondN:
				if s.Gather.N <= 0 {
					return fmt.Errorf("pipeline: stage %q: condition n requires n > 0", s.Name)
				}
			default:
				return fmt.Errorf("pipeline: stage %q: unknown gather condition %q", s.Name, cond)
			}
			if s.Gather.GroupBy != "" && s.ActorType == "" {
				return fmt.Errorf("pipeline: stage %q: groupBy requires actorType", s.Name)
			}
		default:
			return fmt.Errorf("pipeline: stage %q: unknown mode %q", s.Name, s.Mode)
		}
	}
	return nil
}

// stageIndex 按名定位 stage 声明
func (d *Definition) stageIndex(name string) (int, bool) {
	for i, s := range d.Stages {
		if s.Name == name {
			return i, true
		}
	}
	return 0, false
}

// condition 缺省条件为 all
func (g *GatherSpec) condition() Condition {
	if g.Condition == "" {
		return CondAll
	}
	return g.Condition
}

// maxParallel stage 的在途任务上限；scatter 声明优先于执行器配置
func (s *Stage) maxParallel() int {
	if s.Scatter != nil && s.Scatter.MaxParallel > 0 {
		return s.Scatter.MaxParallel
	}
	return s.Executor.MaxParallel
}

// timeoutMs stage 超时；gather 声明优先于执行器配置
func (s *Stage) timeoutMs() int64 {
	if s.Gather != nil && s.Gather.TimeoutMs > 0 {
		return s.Gather.TimeoutMs
	}
	return s.Executor.TimeoutMs
}

// referencedByGather stage 是否被某个下游 gather 观察；
// 被观察时任务失败交给 barrier 的 minResults 策略裁决
func (d *Definition) referencedByGather(name string) bool {
	for _, s := range d.Stages {
		if s.Mode == ModeGather && s.Gather != nil && s.Gather.Stage == name {
			return true
		}
	}
	return false
}
