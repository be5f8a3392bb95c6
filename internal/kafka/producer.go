// Package kafka 提供授权请求消费者和签名结果生产者
//
// ========================================
// Kafka 消息流对接说明
// ========================================
//
// ## 消费者 (Consumer)
//
// 1. Topic: authorization-requests
//   - 生产者: 发行方 / 合规后台
//   - 消息内容: model.AuthorizationRequest
//   - 处理逻辑: 按 mode 走多签或预批准流程，request_id 幂等
//
// ## 生产者 (Producer)
//
// 1. Topic: signature-bundles
//   - 消费者: 交易提交方 / 审计
//   - 消息内容: model.BundleEvent (多签签名集合或预批准签名)
//   - Partition Key: request_id
//
// ========================================
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/securitize-io/dstoken-sub004/internal/config"
	"github.com/securitize-io/dstoken-sub004/internal/metrics"
	"github.com/securitize-io/dstoken-sub004/internal/model"
	"github.com/securitize-io/dstoken-sub004/pkg/logger"
	"github.com/securitize-io/dstoken-sub004/pkg/tracing"
)

// ErrProducerClosed 生产者已关闭
var ErrProducerClosed = errors.New("kafka producer closed")

// Producer Kafka 生产者
type Producer struct {
	producer    sarama.SyncProducer
	bundleTopic string

	mu     sync.RWMutex
	closed bool
}

// NewProducer 创建生产者
func NewProducer(cfg *config.KafkaConfig) (*Producer, error) {
	sc := newSaramaConfig(cfg)
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Retry.Max = 3
	sc.Producer.Retry.Backoff = 100 * time.Millisecond
	sc.Producer.Idempotent = true
	sc.Net.MaxOpenRequests = 1

	p, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, err
	}
	return NewProducerWith(p, cfg.BundleTopic), nil
}

// NewProducerWith 使用已有 SyncProducer 创建生产者
func NewProducerWith(p sarama.SyncProducer, bundleTopic string) *Producer {
	return &Producer{producer: p, bundleTopic: bundleTopic}
}

// PublishBundle 发送签名结果，key 为 request_id
func (p *Producer) PublishBundle(ctx context.Context, event *model.BundleEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return p.send(ctx, p.bundleTopic, event.RequestID, value)
}

// Close 关闭生产者
func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	return p.producer.Close()
}

func (p *Producer) send(ctx context.Context, topic, key string, value []byte) (err error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrProducerClosed
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(value),
	}
	_, span := tracing.StartProduceSpan(ctx, msg)
	defer func() { tracing.End(span, err) }()

	partition, offset, err := p.producer.SendMessage(msg)
	metrics.RecordKafkaSent(topic, err)
	if err != nil {
		logger.Error("kafka send failed",
			zap.String("topic", topic),
			zap.String("key", key),
			zap.Error(err))
		return err
	}

	logger.Debug("kafka message sent",
		zap.String("topic", topic),
		zap.String("key", key),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset))
	return nil
}
