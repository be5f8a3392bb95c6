// Package metrics 提供 dstoken-signer 服务的 Prometheus 监控指标
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "dstoken_signer"

// 签名指标
var (
	// SignaturesTotal 签名轮次总数
	SignaturesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signing_rounds_total",
			Help:      "签名轮次总数",
		},
		[]string{"mode", "outcome"}, // mode: threshold/preapproval, outcome: signed/reused/failed
	)

	// SignaturesProduced 产生的单个签名数量
	SignaturesProduced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signatures_produced_total",
			Help:      "产生的签名数量",
		},
		[]string{"mode"},
	)

	// SigningDuration 签名轮次耗时
	SigningDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "signing_round_duration_seconds",
			Help:      "签名轮次耗时(秒)",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"mode"},
	)

	// DigestsTotal 构建的摘要数量
	DigestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "digests_total",
			Help:      "构建的签名摘要数量",
		},
		[]string{"layout"}, // base, extended
	)
)

// nonce 指标
var (
	// NonceReservationsTotal 多签 nonce 预留次数
	NonceReservationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nonce_reservations_total",
			Help:      "多签 nonce 预留次数",
		},
		[]string{"result"}, // acquired, released, confirmed, failed
	)

	// NonceReuseRejected nonce 重用被拒次数
	NonceReuseRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nonce_reuse_rejected_total",
			Help:      "同一 nonce 用于不同动作被拒绝次数",
		},
	)
)

// 上链指标
var (
	// SubmissionsTotal 上链提交总数
	SubmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "授权交易上链提交总数",
		},
		[]string{"mode", "status"}, // status: submitted, failed
	)
)

// Kafka 指标
var (
	// KafkaMessagesReceived 接收消息数
	KafkaMessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_messages_received_total",
			Help:      "Kafka 接收消息总数",
		},
		[]string{"topic"},
	)

	// KafkaMessagesSent 发送消息数
	KafkaMessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_messages_sent_total",
			Help:      "Kafka 发送消息总数",
		},
		[]string{"topic", "status"},
	)

	// KafkaConsumerErrors 消费错误
	KafkaConsumerErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_consumer_errors_total",
			Help:      "Kafka 消费错误总数",
		},
		[]string{"topic", "error_type"},
	)
)

// HTTP 指标
var (
	// HTTPRequestsTotal HTTP 请求数
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP 请求总数",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration HTTP 请求耗时
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP 请求耗时(秒)",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// 定时任务指标
var (
	// JobExecutionsTotal 任务执行次数
	JobExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_executions_total",
			Help:      "定时任务执行总数",
		},
		[]string{"job", "status"}, // status: success, failed, skipped
	)

	// JobDuration 任务耗时
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "定时任务耗时(秒)",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"job"},
	)
)

// RecordSigningRound 记录一次签名轮次
func RecordSigningRound(mode, outcome string, signatures int, seconds float64) {
	SignaturesTotal.WithLabelValues(mode, outcome).Inc()
	if signatures > 0 {
		SignaturesProduced.WithLabelValues(mode).Add(float64(signatures))
	}
	SigningDuration.WithLabelValues(mode).Observe(seconds)
}

// RecordDigest 记录摘要构建
func RecordDigest(layout string) {
	DigestsTotal.WithLabelValues(layout).Inc()
}

// RecordNonce 记录 nonce 预留结果
func RecordNonce(result string) {
	NonceReservationsTotal.WithLabelValues(result).Inc()
}

// RecordSubmission 记录上链提交
func RecordSubmission(mode, status string) {
	SubmissionsTotal.WithLabelValues(mode, status).Inc()
}

// RecordKafkaSent 记录 Kafka 发送
func RecordKafkaSent(topic string, err error) {
	status := "success"
	if err != nil {
		status = "failed"
	}
	KafkaMessagesSent.WithLabelValues(topic, status).Inc()
}

// RecordHTTPRequest 记录 HTTP 请求
func RecordHTTPRequest(method, path, status string, seconds float64) {
	HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, path).Observe(seconds)
}

// RecordJob 记录定时任务执行
func RecordJob(job, status string, seconds float64) {
	JobExecutionsTotal.WithLabelValues(job, status).Inc()
	if status != "skipped" {
		JobDuration.WithLabelValues(job).Observe(seconds)
	}
}
