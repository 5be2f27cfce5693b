package sharedmem

import (
	"context"
	"fmt"

	"actor-platform/pkg/config"
)

// NewStore 根据配置创建共享内存存储
func NewStore(ctx context.Context, cfg config.SharedMemoryConfig) (Store, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemoryStore(), nil
	case "redis":
		return NewRedisStore(ctx, RedisConfig{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	default:
		return nil, fmt.Errorf("不支持的共享内存类型: %s", cfg.Type)
	}
}
