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

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config 应用配置结构体
type Config struct {
	Runtime      RuntimeConfig      `mapstructure:"runtime"`
	Journal      JournalConfig      `mapstructure:"journal"`
	StateStore   StateStoreConfig   `mapstructure:"state_store"`
	Blob         BlobConfig         `mapstructure:"blob"`
	Queue        QueueConfig        `mapstructure:"queue"`
	Lock         LockConfig         `mapstructure:"lock"`
	SharedMemory SharedMemoryConfig `mapstructure:"shared_memory"`
	Activities   ActivitiesConfig   `mapstructure:"activities"`
	Pipeline     PipelineConfig     `mapstructure:"pipeline"`
	Triggers     TriggersConfig     `mapstructure:"triggers"`
	Secrets      SecretsConfig      `mapstructure:"secrets"`
	Log          LogConfig          `mapstructure:"log"`
	Monitoring   MonitoringConfig   `mapstructure:"monitoring"`
}

// RuntimeConfig Actor 运行时配置（池、租约、压缩）
type RuntimeConfig struct {
	MaxPoolSize  int              `mapstructure:"max_pool_size"` // 内存中活跃 actor 上限，<=0 使用默认 100
	LeaseTTL     string           `mapstructure:"lease_ttl"`     // Actor 租约时长，如 "30s"，空则默认 30s
	IdleEviction string           `mapstructure:"idle_eviction"` // 空闲逐出时长，如 "5m"，空则默认 5m
	Compaction   CompactionConfig `mapstructure:"compaction"`
	Worker       WorkerConfig     `mapstructure:"worker"`
}

// CompactionConfig 日志自动压缩配置
type CompactionConfig struct {
	Threshold int            `mapstructure:"threshold"` // 未压缩条目数阈值，<=0 使用默认 100
	PerType   map[string]int `mapstructure:"per_type"`  // 按 actor 类型覆盖阈值
}

// WorkerConfig Worker 派发配置
type WorkerConfig struct {
	Concurrency  int      `mapstructure:"concurrency"`   // 每个 actor 类型的消费并发，<=0 使用默认 4
	PollInterval string   `mapstructure:"poll_interval"` // 邮箱轮询间隔，如 "200ms"
	ActorTypes   []string `mapstructure:"actor_types"`   // 本进程服务的 actor 类型；空表示注册表里的全部类型
}

// JournalConfig 日志存储配置（追加日志 + 快照）
type JournalConfig struct {
	Type     string `mapstructure:"type"`      // memory | postgres
	DSN      string `mapstructure:"dsn"`       // Postgres 连接串，type=postgres 时必填
	PoolSize int    `mapstructure:"pool_size"` // pgx 连接池大小，<=0 使用驱动默认
}

// StateStoreConfig 版本化 KV 存储配置（pipeline 实例文档等）
type StateStoreConfig struct {
	Type     string `mapstructure:"type"` // memory | redis
	Addr     string `mapstructure:"addr"`
	DB       int    `mapstructure:"db"`
	Password string `mapstructure:"password"`
}

// BlobConfig Blob 存储配置（大结果落盘）
type BlobConfig struct {
	Type string `mapstructure:"type"` // memory | file
	Dir  string `mapstructure:"dir"`  // type=file 时的根目录
}

// QueueConfig 消息队列配置
type QueueConfig struct {
	Type              string      `mapstructure:"type"` // memory | redis
	Addr              string      `mapstructure:"addr"`
	DB                int         `mapstructure:"db"`
	Password          string      `mapstructure:"password"`
	VisibilityTimeout string      `mapstructure:"visibility_timeout"` // 消费后隐身时长，如 "30s"
	Retry             RetryConfig `mapstructure:"retry"`
}

// RetryConfig 投递重试策略（指数退避 + 抖动）
type RetryConfig struct {
	MaxAttempts     int     `mapstructure:"max_attempts"`     // 最大投递次数（含首次），<=0 使用默认 5
	InitialInterval string  `mapstructure:"initial_interval"` // 如 "1s"
	MaxInterval     string  `mapstructure:"max_interval"`     // 如 "1m"
	Multiplier      float64 `mapstructure:"multiplier"`       // <=0 使用默认 2.0
}

// LockConfig 锁服务配置
type LockConfig struct {
	Type     string `mapstructure:"type"` // memory | redis
	Addr     string `mapstructure:"addr"`
	DB       int    `mapstructure:"db"`
	Password string `mapstructure:"password"`
}

// SharedMemoryConfig 共享内存面配置（跨 actor 协调）
type SharedMemoryConfig struct {
	Type     string `mapstructure:"type"` // memory | redis
	Addr     string `mapstructure:"addr"`
	DB       int    `mapstructure:"db"`
	Password string `mapstructure:"password"`
}

// ActivitiesConfig Activity 执行器配置
type ActivitiesConfig struct {
	Concurrency          int                            `mapstructure:"concurrency"`             // 执行并发，<=0 使用默认 8
	DefaultTimeout       string                         `mapstructure:"default_timeout"`         // 单次调用默认超时，如 "60s"
	MaxInlineResultBytes int                            `mapstructure:"max_inline_result_bytes"` // 超过则落 blob，<=0 使用默认 256KiB
	RateLimits           map[string]ActivityRateLimit   `mapstructure:"rate_limits"`             // 按 activity 名限流
	HTTP                 map[string]HTTPActivityBinding `mapstructure:"http"`                    // 声明式 HTTP activity 绑定
}

// ActivityRateLimit 单个 activity 的限流配置
type ActivityRateLimit struct {
	QPS           float64 `mapstructure:"qps"`
	Burst         int     `mapstructure:"burst"`
	MaxConcurrent int     `mapstructure:"max_concurrent"`
}

// HTTPActivityBinding 将 activity 名绑定到一个 HTTP 端点
type HTTPActivityBinding struct {
	Method  string            `mapstructure:"method"`
	URL     string            `mapstructure:"url"`
	Headers map[string]string `mapstructure:"headers"`
}

// PipelineConfig 编排器配置
type PipelineConfig struct {
	RelayInterval   string `mapstructure:"relay_interval"`   // outbox relay 扫描间隔，如 "1s"
	RelayWorkers    int    `mapstructure:"relay_workers"`    // relay 并发，<=0 使用默认 2
	ResultWorkers   int    `mapstructure:"result_workers"`   // 结果队列消费并发，<=0 使用默认 4
	DefaultTimeout  string `mapstructure:"default_timeout"`  // stage 默认超时，空表示无超时
	DeadlineScanGap string `mapstructure:"deadline_scan_gap"` // 超时扫描间隔，如 "1s"
}

// TriggersConfig 触发器配置
type TriggersConfig struct {
	Webhook WebhookTriggerConfig `mapstructure:"webhook"`
}

// WebhookTriggerConfig Webhook 适配器配置
type WebhookTriggerConfig struct {
	Enable        bool   `mapstructure:"enable"`
	Addr          string `mapstructure:"addr"`           // 监听地址，如 ":8380"
	Path          string `mapstructure:"path"`           // 接收路径，空则默认 /webhook
	ActorType     string `mapstructure:"actor_type"`     // 事件投递的目标 actor 类型
	SecretKey     string `mapstructure:"secret_key"`     // HMAC 密钥，支持 ${VAR} 环境变量引用
	RequireVerify bool   `mapstructure:"require_verify"` // 为 true 时拒绝未带有效签名的事件
	BearerToken   string `mapstructure:"bearer_token"`   // 可选 Bearer Token 校验
}

// SecretsConfig Secret Store 配置
type SecretsConfig struct {
	Provider string            `mapstructure:"provider"` // vault | k8s | env | memory
	Config   map[string]string `mapstructure:"config"`   // Provider 相关配置
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// MonitoringConfig 监控配置
type MonitoringConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// TracingConfig 链路追踪配置（OpenTelemetry）
type TracingConfig struct {
	Enable         bool   `mapstructure:"enable"`
	ServiceName    string `mapstructure:"service_name"`
	ExportEndpoint string `mapstructure:"export_endpoint"`
	Insecure       bool   `mapstructure:"insecure"`
}

// PrometheusConfig Prometheus 配置
type PrometheusConfig struct {
	Enable bool `mapstructure:"enable"`
	Port   int  `mapstructure:"port"`
}

// LoadConfig 加载配置文件
func LoadConfig(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("无法读取配置文件: %w", err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("无法解析配置文件: %w", err)
	}

	replaceEnvVars(&config)
	return &config, nil
}

// LoadWorkerConfig 加载 Worker 配置（configs/worker.yaml）
func LoadWorkerConfig() (*Config, error) {
	return LoadConfig("configs/worker.yaml")
}

// replaceEnvVars 替换配置中的 ${VAR} 环境变量引用（连接串、密码、密钥）
func replaceEnvVars(config *Config) {
	config.Journal.DSN = expandEnv(config.Journal.DSN)
	config.StateStore.Password = expandEnv(config.StateStore.Password)
	config.Queue.Password = expandEnv(config.Queue.Password)
	config.Lock.Password = expandEnv(config.Lock.Password)
	config.SharedMemory.Password = expandEnv(config.SharedMemory.Password)
	config.Triggers.Webhook.SecretKey = expandEnv(config.Triggers.Webhook.SecretKey)
	config.Triggers.Webhook.BearerToken = expandEnv(config.Triggers.Webhook.BearerToken)
	for k, v := range config.Secrets.Config {
		config.Secrets.Config[k] = expandEnv(v)
	}
}

func expandEnv(v string) string {
	if strings.HasPrefix(v, "${") && strings.HasSuffix(v, "}") {
		if val := os.Getenv(strings.TrimSuffix(strings.TrimPrefix(v, "${"), "}")); val != "" {
			return val
		}
	}
	return v
}
