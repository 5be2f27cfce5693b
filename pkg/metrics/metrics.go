package metrics

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// 全局 Registry，供 Worker 注册与暴露
var DefaultRegistry = prometheus.NewRegistry()

func init() {
	DefaultRegistry.MustRegister(
		JournalAppendTotal, JournalReadTotal, SnapshotSaveTotal, CompactionTotal,
		ReplayDuration, SliceDuration, ActivationTotal, EvictionTotal, PoolSize,
		QueueEnqueueTotal, QueueAckTotal, QueueNackTotal, QueueDeadLetterTotal, QueueDepth,
		LeaseAcquireTotal, LeaseConflictTotal, LeaseRenewFailTotal,
		ActivityDuration, ActivityTotal,
		StageTotal, StageDuration, OutboxPublishedTotal, BarrierTimeoutTotal,
		TriggerEventTotal,
	)
}

// JournalAppendTotal 日志追加总数（按条目类型）
var JournalAppendTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "actorplatform_journal_append_total",
		Help: "日志追加总数（按条目类型）",
	},
	[]string{"entry_type"},
)

// JournalReadTotal 日志读取总数
var JournalReadTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "actorplatform_journal_read_total",
		Help: "日志读取总数",
	},
)

// SnapshotSaveTotal 快照写入总数
var SnapshotSaveTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "actorplatform_snapshot_save_total",
		Help: "快照写入总数",
	},
)

// CompactionTotal 压缩执行总数
var CompactionTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "actorplatform_compaction_total",
		Help: "日志压缩总数（按 actor 类型）",
	},
	[]string{"actor_type"},
)

// ReplayDuration 重放耗时（秒）
var ReplayDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "actorplatform_replay_duration_seconds",
		Help:    "激活时重放耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"actor_type"},
)

// SliceDuration 单条消息处理耗时（秒）
var SliceDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "actorplatform_slice_duration_seconds",
		Help:    "单条消息处理耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"actor_type", "outcome"}, // completed | suspended | failed | skipped
)

// ActivationTotal 激活总数
var ActivationTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "actorplatform_activation_total",
		Help: "Actor 激活总数",
	},
	[]string{"actor_type"},
)

// EvictionTotal 逐出总数
var EvictionTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "actorplatform_eviction_total",
		Help: "Actor 逐出总数（LRU/空闲）",
	},
	[]string{"reason"}, // lru | idle | shutdown
)

// PoolSize 当前池内 actor 数
var PoolSize = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "actorplatform_pool_size",
		Help: "当前池内活跃 actor 数",
	},
)

// QueueEnqueueTotal 入队总数（按队列）
var QueueEnqueueTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "actorplatform_queue_enqueue_total",
		Help: "入队总数（按队列）",
	},
	[]string{"queue"},
)

// QueueAckTotal ACK 总数
var QueueAckTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "actorplatform_queue_ack_total",
		Help: "消息确认总数（按队列）",
	},
	[]string{"queue"},
)

// QueueNackTotal NACK 总数
var QueueNackTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "actorplatform_queue_nack_total",
		Help: "消息否认总数（按队列）",
	},
	[]string{"queue"},
)

// QueueDeadLetterTotal 死信总数
var QueueDeadLetterTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "actorplatform_queue_dead_letter_total",
		Help: "进入死信队列的消息总数（按源队列）",
	},
	[]string{"queue"},
)

// QueueDepth 队列深度
var QueueDepth = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "actorplatform_queue_depth",
		Help: "队列当前深度（按队列）",
	},
	[]string{"queue"},
)

// LeaseAcquireTotal 租约获取成功总数
var LeaseAcquireTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "actorplatform_lease_acquire_total",
		Help: "租约获取成功总数",
	},
)

// LeaseConflictTotal 租约冲突总数
var LeaseConflictTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "actorplatform_lease_conflict_total",
		Help: "租约竞争失败总数",
	},
)

// LeaseRenewFailTotal 续约失败总数
var LeaseRenewFailTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "actorplatform_lease_renew_fail_total",
		Help: "后台续约失败总数",
	},
)

// ActivityDuration Activity 执行耗时（秒）
var ActivityDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "actorplatform_activity_duration_seconds",
		Help:    "Activity 执行耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"activity"},
)

// ActivityTotal Activity 执行总数（按结果）
var ActivityTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "actorplatform_activity_total",
		Help: "Activity 执行总数（按结果）",
	},
	[]string{"activity", "outcome"}, // completed | failed | timeout
)

// StageTotal Pipeline stage 总数（按模式与终态）
var StageTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "actorplatform_stage_total",
		Help: "Pipeline stage 总数（按模式与终态）",
	},
	[]string{"mode", "state"}, // single|scatter|gather × completed|failed|cancelled
)

// StageDuration stage 耗时（秒）
var StageDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "actorplatform_stage_duration_seconds",
		Help:    "Pipeline stage 耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"mode"},
)

// OutboxPublishedTotal outbox 发布总数
var OutboxPublishedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "actorplatform_outbox_published_total",
		Help: "Outbox 记录发布总数",
	},
)

// BarrierTimeoutTotal gather 超时总数
var BarrierTimeoutTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "actorplatform_barrier_timeout_total",
		Help: "Gather barrier 超时总数",
	},
)

// TriggerEventTotal 触发器事件总数（按适配器与结果）
var TriggerEventTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "actorplatform_trigger_event_total",
		Help: "触发器事件总数（按适配器与结果）",
	},
	[]string{"adapter", "outcome"}, // accepted | rejected | filtered | failed
)

// WritePrometheus 将 Prometheus 文本格式写入 w
func WritePrometheus(w io.Writer) error {
	metrics, err := DefaultRegistry.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, mf := range metrics {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
