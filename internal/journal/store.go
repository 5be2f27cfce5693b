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

// Package journal 提供 actor 的追加式日志与快照存储。
// 日志是 actor 状态的唯一真相来源：每个 actor 一条有序日志，
// Cursor 为绝对序号，压缩（trim）之后不重排；快照只是重放的加速器，
// 丢失快照只影响恢复耗时，不影响正确性。
package journal

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrEmptyActorID actorID 为空
	ErrEmptyActorID = errors.New("journal: empty actor id")
	// ErrFencedWrite 携带过期围栏 token 的写入被拒绝
	ErrFencedWrite = errors.New("journal: fenced write rejected")
)

// CorruptionError 日志数据损坏（未知类型、载荷不可解析、校验和断链）。
// 属致命错误：actor 必须停止激活并报警，而不是带着损坏状态继续跑。
type CorruptionError struct {
	ActorID string
	Cursor  int
	Reason  string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("journal: corrupt entry for actor %s at cursor %d: %s", e.ActorID, e.Cursor, e.Reason)
}

// IsCorruption 判断 err 是否为数据损坏
func IsCorruption(err error) bool {
	var ce *CorruptionError
	return errors.As(err, &ce)
}

// Store 日志与快照的持久化接口。
//
// AppendEntry 分配 Cursor 并持久化；围栏 token 小于该 actor 已见最大值时
// 返回 ErrFencedWrite。ReadEntries 按 Cursor 升序返回尚未被 trim 的条目。
// TrimEntries 删除 Cursor < beforeCursor 的条目，beforeCursor 超过末尾也合法。
// LatestSnapshot 无快照时返回 (nil, nil)。
type Store interface {
	AppendEntry(ctx context.Context, actorID string, entry Entry) (Entry, error)
	ReadEntries(ctx context.Context, actorID string) ([]Entry, error)
	TrimEntries(ctx context.Context, actorID string, beforeCursor int) error

	SaveSnapshot(ctx context.Context, snapshot Snapshot) error
	LatestSnapshot(ctx context.Context, actorID string) (*Snapshot, error)

	// DeleteJournal 删除该 actor 的全部日志与快照（测试与管理操作用）
	DeleteJournal(ctx context.Context, actorID string) error

	Close() error
}
