// Copyright 2026 fanjia1024
// Kubernetes provider：从 pod 内挂载的 secret 文件读值，
// 供集群部署的 worker 解析 @secret() 引用

package secrets

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// K8sConfig 对应 worker 配置里 secrets.config 的 k8s 字段
type K8sConfig struct {
	// ServiceAccountPath service account 挂载点，
	// 默认 /var/run/secrets/kubernetes.io/serviceaccount
	ServiceAccountPath string `yaml:"service_account_path"`

	// Namespace pod 所在 namespace，默认 default
	Namespace string `yaml:"namespace"`

	// SecretsPath 额外 secret volume 的挂载点，默认 /etc/secrets
	SecretsPath string `yaml:"secrets_path"`
}

type k8sStore struct {
	saPath      string
	secretsPath string
	namespace   string

	// 文件内容只在挂载更新时变化，读过即缓存
	mu    sync.RWMutex
	cache map[string]string
}

// NewK8sStore 要求 service account 目录存在，否则判定不在集群内并报错
func NewK8sStore(config K8sConfig) (Store, error) {
	saPath := config.ServiceAccountPath
	if saPath == "" {
		saPath = "/var/run/secrets/kubernetes.io/serviceaccount"
	}
	if _, err := os.Stat(saPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("kubernetes service account path not found: %s (not running in Kubernetes?)", saPath)
	}

	secretsPath := config.SecretsPath
	if secretsPath == "" {
		secretsPath = "/etc/secrets"
	}
	namespace := config.Namespace
	if namespace == "" {
		namespace = "default"
	}

	return &k8sStore{
		saPath:      saPath,
		secretsPath: secretsPath,
		namespace:   namespace,
		cache:       make(map[string]string),
	}, nil
}

func (k *k8sStore) Get(ctx context.Context, key string) (string, error) {
	k.mu.RLock()
	cached, hit := k.cache[key]
	k.mu.RUnlock()
	if hit {
		return cached, nil
	}

	// service account token、额外挂载、标准 secret mount 依次尝试
	candidates := []string{
		filepath.Join(k.saPath, "token"),
		filepath.Join(k.secretsPath, key),
		fmt.Sprintf("/run/secrets/kubernetes.io/%s/%s", k.namespace, key),
	}
	for _, p := range candidates {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		k.mu.Lock()
		k.cache[key] = string(data)
		k.mu.Unlock()
		return string(data), nil
	}
	return "", fmt.Errorf("secret not found: %s", key)
}

// Set pod 内的 secret 挂载只读，写入只落进程内缓存
func (k *k8sStore) Set(ctx context.Context, key string, value string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.cache[key] = value
	return nil
}

func (k *k8sStore) Delete(ctx context.Context, key string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.cache, key)
	return nil
}

func (k *k8sStore) List(ctx context.Context, prefix string) ([]string, error) {
	seen := make(map[string]struct{})
	var keys []string
	for _, dir := range []string{k.saPath, k.secretsPath} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			name := e.Name()
			if prefix != "" && !strings.HasPrefix(name, prefix) {
				continue
			}
			if _, dup := seen[name]; dup {
				continue
			}
			seen[name] = struct{}{}
			keys = append(keys, name)
		}
	}
	return keys, nil
}
