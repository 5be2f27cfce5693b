package queue

import (
	"context"
	"fmt"

	"actor-platform/pkg/config"
	"actor-platform/pkg/utils"
)

// NewQueue 根据配置创建消息队列
func NewQueue(ctx context.Context, cfg config.QueueConfig) (Queue, error) {
	visibility := utils.ParseDurationOr(cfg.VisibilityTimeout, DefaultVisibilityTimeout)
	switch cfg.Type {
	case "", "memory":
		return NewMemoryQueue(visibility), nil
	case "redis":
		return NewRedisQueue(ctx, RedisConfig{
			Addr:              cfg.Addr,
			Password:          cfg.Password,
			DB:                cfg.DB,
			VisibilityTimeout: visibility,
		})
	default:
		return nil, fmt.Errorf("不支持的队列类型: %s", cfg.Type)
	}
}

// PolicyFromConfig 从配置构造重试策略
func PolicyFromConfig(cfg config.RetryConfig) RetryPolicy {
	p := DefaultRetryPolicy()
	if cfg.MaxAttempts > 0 {
		p.MaxAttempts = cfg.MaxAttempts
	}
	p.InitialInterval = utils.ParseDurationOr(cfg.InitialInterval, p.InitialInterval)
	p.MaxInterval = utils.ParseDurationOr(cfg.MaxInterval, p.MaxInterval)
	if cfg.Multiplier > 0 {
		p.Multiplier = cfg.Multiplier
	}
	return p
}
