// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package blob

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileStore 本地文件系统实现。key 中的 "/" 映射为子目录
type FileStore struct {
	root string
}

// NewFileStore 创建文件 blob 存储，root 不存在时自动创建
func NewFileStore(root string) (*FileStore, error) {
	if root == "" {
		return nil, fmt.Errorf("blob: empty root dir")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("blob: create root dir: %w", err)
	}
	return &FileStore{root: root}, nil
}

// pathFor 将 key 映射为 root 下的文件路径，拒绝越出 root 的 key
func (s *FileStore) pathFor(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("blob: empty key")
	}
	p := filepath.Join(s.root, filepath.FromSlash(key))
	if !strings.HasPrefix(p, filepath.Clean(s.root)+string(os.PathSeparator)) {
		return "", fmt.Errorf("blob: key %q escapes store root", key)
	}
	return p, nil
}

// Put 写入对象
func (s *FileStore) Put(ctx context.Context, key string, data []byte) error {
	p, err := s.pathFor(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("blob: create dir: %w", err)
	}
	// 先写临时文件再改名，避免读到半个对象
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("blob: write: %w", err)
	}
	if err := os.Rename(tmp, p); err != nil {
		return fmt.Errorf("blob: rename: %w", err)
	}
	return nil
}

// Get 读取对象
func (s *FileStore) Get(ctx context.Context, key string) ([]byte, error) {
	p, err := s.pathFor(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("blob: read: %w", err)
	}
	return data, nil
}

// Delete 删除对象
func (s *FileStore) Delete(ctx context.Context, key string) error {
	p, err := s.pathFor(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("blob: delete: %w", err)
	}
	return nil
}

// Close 关闭存储连接
func (s *FileStore) Close() error { return nil }
