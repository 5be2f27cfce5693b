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

package queue

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy 投递重试策略：指数退避 + 抖动，尝试耗尽进死信队列
type RetryPolicy struct {
	// MaxAttempts 最大投递次数（含首次），<=0 采用默认 5
	MaxAttempts int `mapstructure:"max_attempts" yaml:"max_attempts"`
	// InitialInterval 首次重试间隔
	InitialInterval time.Duration `mapstructure:"initial_interval" yaml:"initial_interval"`
	// MaxInterval 退避上限
	MaxInterval time.Duration `mapstructure:"max_interval" yaml:"max_interval"`
	// Multiplier 退避倍数，<=0 采用默认 2.0
	Multiplier float64 `mapstructure:"multiplier" yaml:"multiplier"`
}

// DefaultRetryPolicy 默认策略：1s 起步、2 倍、上限 1m、最多 5 次
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     5,
		InitialInterval: time.Second,
		MaxInterval:     time.Minute,
		Multiplier:      2.0,
	}
}

func (p RetryPolicy) maxAttempts() int {
	if p.MaxAttempts <= 0 {
		return 5
	}
	return p.MaxAttempts
}

// Exhausted 判断第 attempt 次投递失败后是否应进死信队列（attempt 从 0 起）
func (p RetryPolicy) Exhausted(attempt int) bool {
	return attempt+1 >= p.maxAttempts()
}

// BackoffFor 返回第 attempt 次失败后的重投递延迟（带抖动，attempt 从 0 起）
func (p RetryPolicy) BackoffFor(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	if p.Multiplier > 0 {
		b.Multiplier = p.Multiplier
	}
	b.MaxElapsedTime = 0
	b.Reset()

	d := b.NextBackOff()
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	if d == backoff.Stop || d > b.MaxInterval {
		return b.MaxInterval
	}
	return d
}
