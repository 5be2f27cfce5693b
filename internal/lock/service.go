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

// Package lock 提供命名资源的带围栏租约。
// 任一时刻每个资源至多一个存活租约；Token 按资源单调递增且不复用，
// 下游存储（如 journal）用它拒绝过期持有者的写入。
package lock

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrHeld 资源已被其他持有者占用（非阻塞获取失败）
	ErrHeld = errors.New("lock: resource held")
	// ErrNotHeld 续约或释放时租约已不属于调用方（过期或被抢占）
	ErrNotHeld = errors.New("lock: lease not held")
)

// Lease 一次成功获取的租约。Token 为该资源的围栏 token，
// 跨越释放与过期严格递增；HolderID 标识持有进程。
type Lease struct {
	Resource  string
	Token     int64
	HolderID  string
	ExpiresAt time.Time
}

// Service 锁服务。Acquire 非阻塞；竞争失败返回 ErrHeld，
// 由调用方决定重试策略（通常靠队列重投递）。不可重入。
type Service interface {
	Acquire(ctx context.Context, resource string, ttl time.Duration) (*Lease, error)
	// Renew 延长租约；租约已丢失返回 ErrNotHeld
	Renew(ctx context.Context, lease *Lease, ttl time.Duration) error
	// Release 主动释放；租约已丢失时幂等返回 nil
	Release(ctx context.Context, lease *Lease) error
	Close() error
}
