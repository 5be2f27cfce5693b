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

import "actor-platform/pkg/integrity"

// Snapshot actor 的物化状态；Cursor 指向已折叠的最后一条条目。
// 快照只是重放的加速器：损坏或丢失时回退到全量重放，不影响正确性。
type Snapshot struct {
	ActorID   string `json:"actor_id"`
	State     []byte `json:"state"`
	Cursor    int    `json:"cursor"`
	Timestamp int64  `json:"timestamp"` // epoch 毫秒
	Checksum  string `json:"checksum,omitempty"`
}

// NewSnapshot 构造带校验和的快照
func NewSnapshot(actorID string, state []byte, cursor int, timestampMs int64) Snapshot {
	return Snapshot{
		ActorID:   actorID,
		State:     state,
		Cursor:    cursor,
		Timestamp: timestampMs,
		Checksum:  integrity.SnapshotDigest(actorID, cursor, state),
	}
}

// Valid 校验快照完整性；Checksum 为空视为未启用校验
func (s Snapshot) Valid() bool {
	return integrity.VerifySnapshot(s.ActorID, s.Cursor, s.State, s.Checksum)
}

// CompactionConfig 自动压缩策略。未压缩条目数达到阈值后，
// 终态片收尾时保存快照并裁剪已覆盖的条目。
type CompactionConfig struct {
	// Threshold 触发压缩的未压缩条目数，<=0 时采用 DefaultCompactionThreshold
	Threshold int `mapstructure:"threshold" yaml:"threshold"`
	// PerType 按 actor 类型覆盖阈值
	PerType map[string]int `mapstructure:"per_type" yaml:"per_type"`
}

// DefaultCompactionThreshold 默认压缩阈值
const DefaultCompactionThreshold = 100

// ThresholdFor 返回指定 actor 类型生效的压缩阈值
func (c CompactionConfig) ThresholdFor(actorType string) int {
	if c.PerType != nil {
		if v, ok := c.PerType[actorType]; ok && v > 0 {
			return v
		}
	}
	if c.Threshold > 0 {
		return c.Threshold
	}
	return DefaultCompactionThreshold
}
