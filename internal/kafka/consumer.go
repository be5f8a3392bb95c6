package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/securitize-io/dstoken-sub004/internal/config"
	"github.com/securitize-io/dstoken-sub004/internal/metrics"
	"github.com/securitize-io/dstoken-sub004/internal/model"
	"github.com/securitize-io/dstoken-sub004/internal/service"
	bizerrors "github.com/securitize-io/dstoken-sub004/pkg/errors"
	"github.com/securitize-io/dstoken-sub004/pkg/logger"
	"github.com/securitize-io/dstoken-sub004/pkg/tracing"
)

// Authorizer 处理授权请求，由 service.AuthorizationService 实现
type Authorizer interface {
	Authorize(ctx context.Context, req *model.AuthorizationRequest) (*service.Authorization, error)
}

// Consumer Kafka 消费者
type Consumer struct {
	client  sarama.ConsumerGroup
	handler *requestHandler
	topics  []string
	groupID string

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}
}

// NewConsumer 创建消费者
func NewConsumer(cfg *config.KafkaConfig, auth Authorizer) (*Consumer, error) {
	sc := newSaramaConfig(cfg)
	sc.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	sc.Consumer.Offsets.Initial = sarama.OffsetNewest
	sc.Consumer.Offsets.AutoCommit.Enable = true
	sc.Consumer.Offsets.AutoCommit.Interval = time.Second

	client, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, sc)
	if err != nil {
		return nil, err
	}
	return NewConsumerWith(client, cfg, auth), nil
}

// NewConsumerWith 使用已有 ConsumerGroup 创建消费者
func NewConsumerWith(client sarama.ConsumerGroup, cfg *config.KafkaConfig, auth Authorizer) *Consumer {
	return &Consumer{
		client:  client,
		handler: newRequestHandler(auth, cfg.MaxRetry),
		topics:  []string{cfg.RequestTopic},
		groupID: cfg.GroupID,
	}
}

// Start 启动消费者
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return errors.New("consumer already running")
	}
	c.running = true
	c.stopCh = make(chan struct{})
	c.done = make(chan struct{})
	stopCh, done := c.stopCh, c.done
	c.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		<-stopCh
		cancel()
	}()

	go func() {
		defer close(done)
		for {
			if err := c.client.Consume(ctx, c.topics, c.handler); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				logger.Error("kafka consume error", zap.Error(err))
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	logger.Info("kafka consumer started",
		zap.Strings("topics", c.topics),
		zap.String("group_id", c.groupID))
	return nil
}

// Stop 停止消费者并等待消费循环退出
func (c *Consumer) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return nil
	}
	c.running = false
	close(c.stopCh)
	<-c.done
	return c.client.Close()
}

// requestHandler 消费组处理器
type requestHandler struct {
	auth     Authorizer
	maxRetry int
	backoff  time.Duration
}

func newRequestHandler(auth Authorizer, maxRetry int) *requestHandler {
	return &requestHandler{auth: auth, maxRetry: maxRetry, backoff: 500 * time.Millisecond}
}

func (h *requestHandler) Setup(_ sarama.ConsumerGroupSession) error   { return nil }
func (h *requestHandler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }

func (h *requestHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			h.handle(session.Context(), msg)
			// 失败消息同样提交 offset，结果以 request_id 幂等重放
			session.MarkMessage(msg, "")
		case <-session.Context().Done():
			return nil
		}
	}
}

func (h *requestHandler) handle(ctx context.Context, msg *sarama.ConsumerMessage) {
	metrics.KafkaMessagesReceived.WithLabelValues(msg.Topic).Inc()

	ctx, span := tracing.StartConsumeSpan(ctx, msg)
	var err error
	defer func() { tracing.End(span, err) }()

	var req model.AuthorizationRequest
	if err = json.Unmarshal(msg.Value, &req); err != nil {
		metrics.KafkaConsumerErrors.WithLabelValues(msg.Topic, "decode").Inc()
		logger.Error("invalid authorization request message",
			zap.String("topic", msg.Topic),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		return
	}
	if req.RequestID == "" {
		req.RequestID = string(msg.Key)
	}

	var a *service.Authorization
	for attempt := 0; ; attempt++ {
		a, err = h.auth.Authorize(ctx, &req)
		if err == nil || !retryable(err) || attempt >= h.maxRetry {
			break
		}
		logger.Warn("authorization failed, retrying",
			logger.RequestID(req.RequestID),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
		select {
		case <-ctx.Done():
			err = ctx.Err()
			return
		case <-time.After(time.Duration(attempt+1) * h.backoff):
		}
	}

	if err != nil {
		code := bizerrors.GetCode(err)
		metrics.KafkaConsumerErrors.WithLabelValues(msg.Topic, strings.ToLower(code)).Inc()
		logger.Error("authorization request failed",
			logger.RequestID(req.RequestID),
			zap.String("code", code),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		return
	}

	logger.Info("authorization request processed",
		logger.RequestID(a.RequestID),
		zap.String("mode", string(a.Mode)),
		zap.String("nonce", a.Nonce),
		zap.Bool("reused", a.Reused))
}

// retryable 签名服务或链节点暂时不可用时重试
func retryable(err error) bool {
	switch bizerrors.GetCode(err) {
	case bizerrors.ErrSigningUnavailable.Code,
		bizerrors.ErrChainUnavailable.Code,
		bizerrors.ErrTimeout.Code:
		return true
	}
	return false
}
