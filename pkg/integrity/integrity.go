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

// Package integrity 提供日志条目与快照的 SHA-256 校验和。
// 条目按哈希链串联（每条包含前一条的摘要），快照为单条摘要；
// 读取路径用它检测存储层的数据损坏。
package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// ChainDigest 计算单条日志条目的链式摘要
// digest = SHA256(actorID|cursor|type|payload|prev)
func ChainDigest(actorID string, cursor int, entryType string, payload []byte, prev string) string {
	h := sha256.New()
	h.Write([]byte(actorID))
	h.Write([]byte("|"))
	h.Write([]byte(strconv.Itoa(cursor)))
	h.Write([]byte("|"))
	h.Write([]byte(entryType))
	h.Write([]byte("|"))
	h.Write(payload)
	h.Write([]byte("|"))
	h.Write([]byte(prev))
	return hex.EncodeToString(h.Sum(nil))
}

// SnapshotDigest 计算快照校验和
// digest = SHA256(actorID|cursor|state)
func SnapshotDigest(actorID string, cursor int, state []byte) string {
	h := sha256.New()
	h.Write([]byte(actorID))
	h.Write([]byte("|"))
	h.Write([]byte(strconv.Itoa(cursor)))
	h.Write([]byte("|"))
	h.Write(state)
	return hex.EncodeToString(h.Sum(nil))
}

// VerifySnapshot 校验快照摘要；checksum 为空视为未启用校验，直接通过
func VerifySnapshot(actorID string, cursor int, state []byte, checksum string) bool {
	if checksum == "" {
		return true
	}
	return SnapshotDigest(actorID, cursor, state) == checksum
}

// VerifyEntry 校验单条条目的链式摘要；checksum 为空视为未启用校验
func VerifyEntry(actorID string, cursor int, entryType string, payload []byte, prev, checksum string) bool {
	if checksum == "" {
		return true
	}
	return ChainDigest(actorID, cursor, entryType, payload, prev) == checksum
}
