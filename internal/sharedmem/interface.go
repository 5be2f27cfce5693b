package sharedmem

import (
	"context"
	"encoding/json"
	"time"
)

// Store 跨 actor 共享内存面。键为冒号命名空间的字面量
// （如 "mailboxes:invoice"、"pipeline:p-1:cancelled"）。
// 写操作的 ttl 为 0 表示不过期。KV 为 last-write-wins，
// 需要强一致协调的场景用锁服务或 kvstate 的 CAS，不要用这里。
type Store interface {
	// Set JSON 序列化后写入
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	// Get 反序列化到 dst，返回键是否存在
	Get(ctx context.Context, key string, dst any) (bool, error)

	// ListAppend 追加到列表尾部
	ListAppend(ctx context.Context, key string, value any, ttl time.Duration) error
	// ListRange 返回 [start, stop] 闭区间元素，-1 表示末尾
	ListRange(ctx context.Context, key string, start, stop int64) ([]json.RawMessage, error)

	// HashSet 写入哈希字段
	HashSet(ctx context.Context, key, field string, value any, ttl time.Duration) error
	// HashGet 读取哈希字段，返回字段是否存在
	HashGet(ctx context.Context, key, field string, dst any) (bool, error)
	// HashGetAll 返回整个哈希
	HashGetAll(ctx context.Context, key string) (map[string]json.RawMessage, error)

	// SetAdd 向集合添加成员（成员为字面字符串）
	SetAdd(ctx context.Context, key, member string, ttl time.Duration) error
	// SetMembers 返回集合全部成员
	SetMembers(ctx context.Context, key string) ([]string, error)

	// Incr 原子加 delta，返回新值；键不存在视为 0
	Incr(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)

	// Expire 设置键的剩余存活时间
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Delete 删除键，幂等
	Delete(ctx context.Context, key string) error

	// Close 关闭存储连接
	Close() error
}
