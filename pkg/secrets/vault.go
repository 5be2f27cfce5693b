// Copyright 2026 fanjia1024
// HashiCorp Vault provider：secrets.provider=vault 时 webhook HMAC key、
// activity 的 Bearer token 等 @secret() 引用都走这里

package secrets

import (
	"context"
	"fmt"
	"strings"
	"sync"

	vault "github.com/hashicorp/vault/api"
)

// VaultConfig 对应 worker 配置里 secrets.config 的 vault 字段
type VaultConfig struct {
	Address    string `yaml:"address"`     // Vault 地址，默认 http://localhost:8200
	Token      string `yaml:"token"`       // 访问 token
	PathPrefix string `yaml:"path_prefix"` // secret 路径前缀，默认 "secret"
}

type vaultStore struct {
	client *vault.Client
	prefix string

	// written 缓存本进程写入过的值，Get 优先命中，避免 KV 的读写延迟
	mu      sync.RWMutex
	written map[string]string
}

// NewVaultStore 建连并探活；Vault 不可达时报错而不是静默降级
func NewVaultStore(config VaultConfig) (Store, error) {
	if config.Address == "" {
		config.Address = "http://localhost:8200"
	}

	cfg := vault.DefaultConfig()
	cfg.Address = config.Address

	client, err := vault.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	if config.Token != "" {
		client.SetToken(config.Token)
	}
	if _, err := client.Sys().Health(); err != nil {
		return nil, fmt.Errorf("failed to connect to vault: %w", err)
	}

	prefix := config.PathPrefix
	if prefix == "" {
		prefix = "secret"
	}

	return &vaultStore{
		client:  client,
		prefix:  prefix,
		written: make(map[string]string),
	}, nil
}

func (v *vaultStore) Get(ctx context.Context, key string) (string, error) {
	v.mu.RLock()
	cached, hit := v.written[key]
	v.mu.RUnlock()
	if hit {
		return cached, nil
	}

	secret, err := v.client.Logical().Read(v.path(key))
	if err != nil {
		return "", fmt.Errorf("failed to read secret from vault: %w", err)
	}
	if secret == nil {
		return "", fmt.Errorf("secret not found: %s", key)
	}

	// 约定值放在 "value" 字段；没有时取第一个字符串字段
	if s, ok := secret.Data["value"].(string); ok {
		return s, nil
	}
	for _, raw := range secret.Data {
		if s, ok := raw.(string); ok {
			return s, nil
		}
	}
	return "", fmt.Errorf("secret value not found: %s", key)
}

func (v *vaultStore) Set(ctx context.Context, key string, value string) error {
	_, err := v.client.Logical().Write(v.path(key), map[string]interface{}{"value": value})
	if err != nil {
		return fmt.Errorf("failed to write secret to vault: %w", err)
	}
	v.mu.Lock()
	v.written[key] = value
	v.mu.Unlock()
	return nil
}

func (v *vaultStore) Delete(ctx context.Context, key string) error {
	if _, err := v.client.Logical().Delete(v.path(key)); err != nil {
		return fmt.Errorf("failed to delete secret from vault: %w", err)
	}
	v.mu.Lock()
	delete(v.written, key)
	v.mu.Unlock()
	return nil
}

func (v *vaultStore) List(ctx context.Context, prefix string) ([]string, error) {
	searchPath := v.prefix
	if prefix != "" {
		searchPath = fmt.Sprintf("%s/metadata/%s", v.prefix, prefix)
	}

	secret, err := v.client.Logical().List(searchPath)
	if err != nil {
		return nil, fmt.Errorf("failed to list secrets from vault: %w", err)
	}
	if secret == nil {
		return nil, nil
	}
	raw, ok := secret.Data["keys"].([]interface{})
	if !ok {
		return nil, nil
	}

	var keys []string
	for _, k := range raw {
		s, ok := k.(string)
		if !ok {
			continue
		}
		if !strings.HasPrefix(s, prefix) {
			s = fmt.Sprintf("%s/%s", prefix, s)
		}
		keys = append(keys, s)
	}
	return keys, nil
}

func (v *vaultStore) path(key string) string {
	return fmt.Sprintf("%s/%s", v.prefix, key)
}
