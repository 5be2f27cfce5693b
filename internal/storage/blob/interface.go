package blob

import (
	"context"
	"errors"
)

// ErrNotFound blob 不存在
var ErrNotFound = errors.New("blob: not found")

// Store 二进制大对象存储。
// 日志条目只保存引用，超限的 activity 结果等大载荷落在这里。
type Store interface {
	// Put 写入对象，已存在则覆盖
	Put(ctx context.Context, key string, data []byte) error
	// Get 读取对象；不存在返回 ErrNotFound
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete 删除对象，幂等
	Delete(ctx context.Context, key string) error
	// Close 关闭存储连接
	Close() error
}
