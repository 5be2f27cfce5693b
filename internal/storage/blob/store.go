package blob

import (
	"fmt"

	"actor-platform/pkg/config"
)

// NewStore 根据配置创建 blob 存储
func NewStore(cfg config.BlobConfig) (Store, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemoryStore(), nil
	case "file":
		return NewFileStore(cfg.Dir)
	default:
		return nil, fmt.Errorf("不支持的 blob 存储类型: %s", cfg.Type)
	}
}
