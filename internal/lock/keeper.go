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

package lock

import (
	"context"
	"sync"
	"time"

	"actor-platform/pkg/log"
)

// Keeper 在后台按 ttl/3 间隔续约。续约失败（租约丢失）时取消
// 执行上下文：持有者必须立即停止写入，后续的围栏检查会兜底。
type Keeper struct {
	svc    Service
	lease  *Lease
	ttl    time.Duration
	logger *log.Logger

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// NewKeeper 创建续约器；Start 前不产生任何活动
func NewKeeper(svc Service, lease *Lease, ttl time.Duration, logger *log.Logger) *Keeper {
	return &Keeper{svc: svc, lease: lease, ttl: ttl, logger: logger, done: make(chan struct{})}
}

// Start 返回受租约保护的子上下文；租约丢失时该上下文被取消
func (k *Keeper) Start(ctx context.Context) context.Context {
	guarded, cancel := context.WithCancel(ctx)
	k.cancel = cancel

	go func() {
		defer close(k.done)
		interval := k.ttl / 3
		if interval <= 0 {
			interval = time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-guarded.Done():
				return
			case <-ticker.C:
				if err := k.svc.Renew(guarded, k.lease, k.ttl); err != nil {
					k.logger.Warn("lease renewal failed, cancelling execution",
						"resource", k.lease.Resource, "token", k.lease.Token, "error", err)
					cancel()
					return
				}
			}
		}
	}()
	return guarded
}

// Stop 停止续约并等待后台退出；不释放租约本身
func (k *Keeper) Stop() {
	k.once.Do(func() {
		if k.cancel != nil {
			k.cancel()
		}
		<-k.done
	})
}
