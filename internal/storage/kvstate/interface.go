package kvstate

import (
	"context"
	"errors"
)

var (
	// ErrNotFound 文档不存在
	ErrNotFound = errors.New("kvstate: document not found")
	// ErrVersionMismatch CAS 版本不匹配（含 create-only 时已存在、update 时已删除）
	ErrVersionMismatch = errors.New("kvstate: version mismatch")
)

// Document 带版本号的文档。Version 从 1 起每次写入递增
type Document struct {
	Key     string `json:"key"`
	Value   []byte `json:"value"`
	Version int64  `json:"version"`
}

// Store 版本化 KV 文档存储。
// 所有写入走 compare-and-set：expectedVersion 为 0 表示仅创建，
// 否则必须等于当前版本，不匹配返回 ErrVersionMismatch。
type Store interface {
	// Get 读取文档；不存在返回 ErrNotFound
	Get(ctx context.Context, key string) (Document, error)
	// Put CAS 写入，返回新版本号
	Put(ctx context.Context, key string, value []byte, expectedVersion int64) (int64, error)
	// Delete 删除文档，幂等
	Delete(ctx context.Context, key string) error
	// Keys 按前缀列出现有键
	Keys(ctx context.Context, prefix string) ([]string, error)
	// Close 关闭存储连接
	Close() error
}
