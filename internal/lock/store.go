package lock

import (
	"context"
	"fmt"

	"actor-platform/pkg/config"
)

// NewService 根据配置创建锁服务
func NewService(ctx context.Context, cfg config.LockConfig) (Service, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemoryService(), nil
	case "redis":
		return NewRedisService(ctx, RedisConfig{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	default:
		return nil, fmt.Errorf("不支持的锁服务类型: %s", cfg.Type)
	}
}
