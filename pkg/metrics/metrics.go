package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// 模型网关调用延迟（毫秒）
	GatewayCallLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_call_latency_ms",
			Help:    "Model gateway call latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(100, 2, 10), // 100ms to ~100s
		},
		[]string{"model", "status"},
	)

	// 存储操作耗时（秒），包含等锁时间
	StoreOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "store_operation_duration_seconds",
			Help:    "JSON store operation duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~16s
		},
		[]string{"operation", "store"},
	)

	// 文件锁等待时间（秒）
	LockWaitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "file_lock_wait_seconds",
			Help:    "Time spent waiting for the store file lock",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		},
		[]string{"store", "outcome"},
	)

	// HTTP 请求延迟（秒）
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"method", "path", "status"},
	)

	// 各阶段处理计数
	StageProcessedCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stage_processed_count",
			Help: "Total number of stage runs per stage and outcome",
		},
		[]string{"stage", "status"}, // stage: categorize, extract, draft; status: success, failed, skipped, invalid
	)

	// 草稿生成计数
	DraftCreatedCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "draft_created_count",
			Help: "Total number of reply drafts created",
		},
	)

	// 扫描轮次计数
	ScanPassCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scan_pass_count",
			Help: "Total number of mailbox scan passes",
		},
		[]string{"result"}, // result: completed, interrupted
	)

	// 配额退避状态，1 表示正在退避
	BackoffActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "quota_backoff_active",
			Help: "1 while the pipeline is backing off after a quota error",
		},
	)
)

// RecordGatewayCallLatency 记录模型网关调用延迟
func RecordGatewayCallLatency(model, status string, duration time.Duration) {
	GatewayCallLatency.WithLabelValues(model, status).Observe(float64(duration.Milliseconds()))
}

// RecordStoreOperation 记录存储操作耗时
func RecordStoreOperation(operation, store string, duration time.Duration) {
	StoreOperationDuration.WithLabelValues(operation, store).Observe(duration.Seconds())
}

// RecordLockWait 记录等锁时间
func RecordLockWait(store, outcome string, duration time.Duration) {
	LockWaitDuration.WithLabelValues(store, outcome).Observe(duration.Seconds())
}

// RecordHTTPRequestDuration 记录 HTTP 请求延迟
func RecordHTTPRequestDuration(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// IncrementStageProcessed 增加阶段处理计数
func IncrementStageProcessed(stage, status string) {
	StageProcessedCount.WithLabelValues(stage, status).Inc()
}

// IncrementDraftCreated 增加草稿计数
func IncrementDraftCreated() {
	DraftCreatedCount.Inc()
}

// IncrementScanPass 增加扫描轮次计数
func IncrementScanPass(result string) {
	ScanPassCount.WithLabelValues(result).Inc()
}

// SetBackoffActive 设置退避状态
func SetBackoffActive(active bool) {
	if active {
		BackoffActive.Set(1)
		return
	}
	BackoffActive.Set(0)
}
