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
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"actor-platform/pkg/metrics"
)

// 每个队列五个键：
//   pending    ZSET  member=messageID score=-priority*1e12+seq（小分先出）
//   delayed    ZSET  member=messageID score=readyAt 毫秒
//   processing ZSET  member=messageID score=可见性截止毫秒
//   msgs       HASH  messageID → 消息 JSON
//   scores     HASH  messageID → 入队时计算的 pending 分数（重投递保序用）

// settle + 取出最高优先级消息。KEYS: pending delayed processing msgs scores
// ARGV: now_ms, deadline_ms。返回消息 JSON 或 false
var consumeScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[2], id)
  redis.call('ZADD', KEYS[1], redis.call('HGET', KEYS[5], id), id)
end
local expired = redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', ARGV[1])
for _, id in ipairs(expired) do
  redis.call('ZREM', KEYS[3], id)
  local raw = redis.call('HGET', KEYS[4], id)
  if raw then
    local msg = cjson.decode(raw)
    msg['attempt'] = (msg['attempt'] or 0) + 1
    redis.call('HSET', KEYS[4], id, cjson.encode(msg))
    redis.call('ZADD', KEYS[1], redis.call('HGET', KEYS[5], id), id)
  end
end
local ids = redis.call('ZRANGE', KEYS[1], 0, 0)
if #ids == 0 then return false end
local id = ids[1]
redis.call('ZREM', KEYS[1], id)
redis.call('ZADD', KEYS[3], ARGV[2], id)
return redis.call('HGET', KEYS[4], id)
`)

// ACK。KEYS: processing msgs scores。ARGV: messageID。返回 1/0
var ackScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then return 0 end
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
return 1
`)

// NACK：退回待投递或延迟集，attempt+1（keep_attempt=1 时不递增）。
// KEYS: pending delayed processing msgs scores。ARGV: messageID, ready_ms, now_ms, keep_attempt
var nackScript = redis.NewScript(`
if redis.call('ZREM', KEYS[3], ARGV[1]) == 0 then return 0 end
local raw = redis.call('HGET', KEYS[4], ARGV[1])
if not raw then return 0 end
if ARGV[4] ~= '1' then
  local msg = cjson.decode(raw)
  msg['attempt'] = (msg['attempt'] or 0) + 1
  redis.call('HSET', KEYS[4], ARGV[1], cjson.encode(msg))
end
if tonumber(ARGV[2]) > tonumber(ARGV[3]) then
  redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
else
  redis.call('ZADD', KEYS[1], redis.call('HGET', KEYS[5], ARGV[1]), ARGV[1])
end
return 1
`)

// RedisConfig redis 队列配置
type RedisConfig struct {
	Addr              string        `mapstructure:"addr" yaml:"addr"`
	Password          string        `mapstructure:"password" yaml:"password"`
	DB                int           `mapstructure:"db" yaml:"db"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout" yaml:"visibility_timeout"`
}

// RedisQueue redis 实现
type RedisQueue struct {
	client     *redis.Client
	visibility time.Duration
}

// NewRedisQueue 连接 redis 并创建队列
func NewRedisQueue(ctx context.Context, cfg RedisConfig) (*RedisQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("queue: redis ping: %w", err)
	}
	visibility := cfg.VisibilityTimeout
	if visibility <= 0 {
		visibility = DefaultVisibilityTimeout
	}
	return &RedisQueue{client: client, visibility: visibility}, nil
}

func qkeys(name string) (pending, delayed, processing, msgs, scores string) {
	base := "mq:" + name
	return base + ":pending", base + ":delayed", base + ":processing", base + ":msgs", base + ":scores"
}

func (q *RedisQueue) Enqueue(ctx context.Context, queueName string, msg Message) error {
	return q.EnqueueDelayed(ctx, queueName, msg, 0)
}

func (q *RedisQueue) EnqueueDelayed(ctx context.Context, queueName string, msg Message, delay time.Duration) error {
	pending, delayed, _, msgs, scores := qkeys(queueName)

	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("queue: marshal message: %w", err)
	}
	seq, err := q.client.Incr(ctx, "mq:"+queueName+":seq").Result()
	if err != nil {
		return fmt.Errorf("queue: redis incr seq: %w", err)
	}
	score := float64(msg.Priority)*-1e12 + float64(seq)

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, msgs, msg.MessageID, raw)
	pipe.HSet(ctx, scores, msg.MessageID, score)
	if delay > 0 {
		pipe.ZAdd(ctx, delayed, redis.Z{Score: float64(time.Now().Add(delay).UnixMilli()), Member: msg.MessageID})
	} else {
		pipe.ZAdd(ctx, pending, redis.Z{Score: score, Member: msg.MessageID})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: redis enqueue: %w", err)
	}
	metrics.QueueEnqueueTotal.WithLabelValues(queueName).Inc()
	return nil
}

func (q *RedisQueue) Consume(ctx context.Context, queueName string) (*Message, error) {
	pending, delayed, processing, msgs, scores := qkeys(queueName)

	now := time.Now()
	raw, err := consumeScript.Run(ctx, q.client,
		[]string{pending, delayed, processing, msgs, scores},
		now.UnixMilli(), now.Add(q.visibility).UnixMilli(),
	).Text()
	if err == redis.Nil {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("queue: redis consume: %w", err)
	}

	var msg Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return nil, fmt.Errorf("queue: unmarshal message: %w", err)
	}
	return &msg, nil
}

func (q *RedisQueue) Ack(ctx context.Context, queueName, messageID string) error {
	_, _, processing, msgs, scores := qkeys(queueName)

	ok, err := ackScript.Run(ctx, q.client, []string{processing, msgs, scores}, messageID).Int64()
	if err != nil {
		return fmt.Errorf("queue: redis ack: %w", err)
	}
	if ok == 0 {
		return ErrNotInFlight
	}
	metrics.QueueAckTotal.WithLabelValues(queueName).Inc()
	return nil
}

func (q *RedisQueue) Nack(ctx context.Context, queueName, messageID string, opts NackOptions) error {
	pending, delayed, processing, msgs, scores := qkeys(queueName)

	keep := 0
	if opts.KeepAttempt {
		keep = 1
	}
	now := time.Now()
	ok, err := nackScript.Run(ctx, q.client,
		[]string{pending, delayed, processing, msgs, scores},
		messageID, now.Add(opts.RetryIn).UnixMilli(), now.UnixMilli(), keep,
	).Int64()
	if err != nil {
		return fmt.Errorf("queue: redis nack: %w", err)
	}
	if ok == 0 {
		return ErrNotInFlight
	}
	metrics.QueueNackTotal.WithLabelValues(queueName).Inc()
	return nil
}

func (q *RedisQueue) Extend(ctx context.Context, queueName, messageID string, d time.Duration) error {
	_, _, processing, _, _ := qkeys(queueName)

	res, err := q.client.ZAddArgs(ctx, processing, redis.ZAddArgs{
		XX:      true,
		Ch:      true,
		Members: []redis.Z{{Score: float64(time.Now().Add(d).UnixMilli()), Member: messageID}},
	}).Result()
	if err != nil {
		return fmt.Errorf("queue: redis extend: %w", err)
	}
	if res == 0 {
		return ErrNotInFlight
	}
	return nil
}

func (q *RedisQueue) Depth(ctx context.Context, queueName string) (int64, error) {
	pending, _, _, _, _ := qkeys(queueName)

	n, err := q.client.ZCard(ctx, pending).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: redis zcard: %w", err)
	}
	metrics.QueueDepth.WithLabelValues(queueName).Set(float64(n))
	return n, nil
}

// Close 关闭 redis 连接
func (q *RedisQueue) Close() error { return q.client.Close() }
