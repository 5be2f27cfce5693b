package journal

import (
	"context"
	"fmt"

	"actor-platform/pkg/config"
)

// NewStore 根据配置创建日志存储
func NewStore(ctx context.Context, cfg config.JournalConfig) (Store, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemoryStore(), nil
	case "postgres":
		return NewPostgresStore(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("不支持的日志存储类型: %s", cfg.Type)
	}
}
