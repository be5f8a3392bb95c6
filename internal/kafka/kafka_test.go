package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/securitize-io/dstoken-sub004/internal/config"
	"github.com/securitize-io/dstoken-sub004/internal/metrics"
	"github.com/securitize-io/dstoken-sub004/internal/model"
	"github.com/securitize-io/dstoken-sub004/internal/service"
	bizerrors "github.com/securitize-io/dstoken-sub004/pkg/errors"
	"github.com/securitize-io/dstoken-sub004/pkg/signer"
)

const testRequestTopic = "authorization-requests"

type mockAuthorizer struct {
	mock.Mock
}

func (m *mockAuthorizer) Authorize(ctx context.Context, req *model.AuthorizationRequest) (*service.Authorization, error) {
	args := m.Called(ctx, req)
	if a := args.Get(0); a != nil {
		return a.(*service.Authorization), args.Error(1)
	}
	return nil, args.Error(1)
}

type fakeSession struct {
	ctx context.Context

	mu     sync.Mutex
	marked []int64
}

func (s *fakeSession) Claims() map[string][]int32               { return nil }
func (s *fakeSession) MemberID() string                         { return "member-1" }
func (s *fakeSession) GenerationID() int32                      { return 1 }
func (s *fakeSession) MarkOffset(string, int32, int64, string)  {}
func (s *fakeSession) Commit()                                  {}
func (s *fakeSession) ResetOffset(string, int32, int64, string) {}
func (s *fakeSession) Context() context.Context                 { return s.ctx }

func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked = append(s.marked, msg.Offset)
}

type fakeClaim struct {
	msgs chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Topic() string                            { return testRequestTopic }
func (c *fakeClaim) Partition() int32                         { return 0 }
func (c *fakeClaim) InitialOffset() int64                     { return 0 }
func (c *fakeClaim) HighWaterMarkOffset() int64               { return 0 }
func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.msgs }

func claimOf(msgs ...*sarama.ConsumerMessage) *fakeClaim {
	ch := make(chan *sarama.ConsumerMessage, len(msgs))
	for _, m := range msgs {
		ch <- m
	}
	close(ch)
	return &fakeClaim{msgs: ch}
}

func requestMessage(t *testing.T, offset int64, req *model.AuthorizationRequest) *sarama.ConsumerMessage {
	t.Helper()
	value, err := json.Marshal(req)
	require.NoError(t, err)
	return &sarama.ConsumerMessage{
		Topic:  testRequestTopic,
		Offset: offset,
		Key:    []byte(req.RequestID),
		Value:  value,
	}
}

func testHandler(auth Authorizer, maxRetry int) *requestHandler {
	h := newRequestHandler(auth, maxRetry)
	h.backoff = time.Millisecond
	return h
}

func TestProducer_PublishBundle(t *testing.T) {
	mp := mocks.NewSyncProducer(t, nil)
	mp.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var ev model.BundleEvent
		if err := json.Unmarshal(val, &ev); err != nil {
			return err
		}
		if ev.RequestID != "req-1" || ev.Nonce != "7" {
			return fmt.Errorf("unexpected event %+v", ev)
		}
		return nil
	})

	p := NewProducerWith(mp, "signature-bundles")
	err := p.PublishBundle(context.Background(), &model.BundleEvent{
		RequestID: "req-1",
		Mode:      model.AuthorizationModeThreshold,
		Nonce:     "7",
		Digest:    "0xabc",
	})
	require.NoError(t, err)
	require.NoError(t, p.Close())
}

func TestProducer_SendFailure(t *testing.T) {
	mp := mocks.NewSyncProducer(t, nil)
	mp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	before := testutil.ToFloat64(metrics.KafkaMessagesSent.WithLabelValues("signature-bundles", "failed"))

	p := NewProducerWith(mp, "signature-bundles")
	err := p.PublishBundle(context.Background(), &model.BundleEvent{RequestID: "req-2"})
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.KafkaMessagesSent.WithLabelValues("signature-bundles", "failed")))
	require.NoError(t, p.Close())
}

func TestProducer_Closed(t *testing.T) {
	mp := mocks.NewSyncProducer(t, nil)
	p := NewProducerWith(mp, "signature-bundles")
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	err := p.PublishBundle(context.Background(), &model.BundleEvent{RequestID: "req-3"})
	assert.ErrorIs(t, err, ErrProducerClosed)
}

func TestRequestHandler_ConsumeClaim(t *testing.T) {
	auth := new(mockAuthorizer)
	auth.On("Authorize", mock.Anything, mock.MatchedBy(func(r *model.AuthorizationRequest) bool {
		return r.RequestID == "req-1"
	})).Return(&service.Authorization{RequestID: "req-1", Mode: model.AuthorizationModeThreshold, Nonce: "3"}, nil).Once()
	// 请求体缺少 request_id 时取消息 key
	auth.On("Authorize", mock.Anything, mock.MatchedBy(func(r *model.AuthorizationRequest) bool {
		return r.RequestID == "key-2"
	})).Return(&service.Authorization{RequestID: "key-2", Mode: model.AuthorizationModePreApproval, Nonce: "0"}, nil).Once()

	noID := requestMessage(t, 11, &model.AuthorizationRequest{Mode: model.AuthorizationModePreApproval})
	noID.Key = []byte("key-2")

	session := &fakeSession{ctx: context.Background()}
	claim := claimOf(
		requestMessage(t, 10, &model.AuthorizationRequest{RequestID: "req-1", Mode: model.AuthorizationModeThreshold}),
		noID,
	)

	require.NoError(t, testHandler(auth, 3).ConsumeClaim(session, claim))
	assert.Equal(t, []int64{10, 11}, session.marked)
	auth.AssertExpectations(t)
}

func TestRequestHandler_DecodeError(t *testing.T) {
	auth := new(mockAuthorizer)
	before := testutil.ToFloat64(metrics.KafkaConsumerErrors.WithLabelValues(testRequestTopic, "decode"))

	session := &fakeSession{ctx: context.Background()}
	claim := claimOf(&sarama.ConsumerMessage{Topic: testRequestTopic, Offset: 5, Value: []byte("{not json")})

	require.NoError(t, testHandler(auth, 3).ConsumeClaim(session, claim))
	assert.Equal(t, []int64{5}, session.marked)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.KafkaConsumerErrors.WithLabelValues(testRequestTopic, "decode")))
	auth.AssertNotCalled(t, "Authorize", mock.Anything, mock.Anything)
}

func TestRequestHandler_Retry(t *testing.T) {
	t.Run("retryable error succeeds later", func(t *testing.T) {
		auth := new(mockAuthorizer)
		unavailable := fmt.Errorf("sign owner 2: %w", signer.ErrSigningUnavailable)
		auth.On("Authorize", mock.Anything, mock.Anything).Return(nil, unavailable).Twice()
		auth.On("Authorize", mock.Anything, mock.Anything).Return(&service.Authorization{RequestID: "req-r"}, nil).Once()

		session := &fakeSession{ctx: context.Background()}
		claim := claimOf(requestMessage(t, 1, &model.AuthorizationRequest{RequestID: "req-r", Mode: model.AuthorizationModeThreshold}))

		require.NoError(t, testHandler(auth, 3).ConsumeClaim(session, claim))
		auth.AssertNumberOfCalls(t, "Authorize", 3)
		assert.Equal(t, []int64{1}, session.marked)
	})

	t.Run("retries are bounded", func(t *testing.T) {
		auth := new(mockAuthorizer)
		auth.On("Authorize", mock.Anything, mock.Anything).Return(nil, bizerrors.ErrChainUnavailable)

		session := &fakeSession{ctx: context.Background()}
		claim := claimOf(requestMessage(t, 2, &model.AuthorizationRequest{RequestID: "req-b", Mode: model.AuthorizationModePreApproval}))

		require.NoError(t, testHandler(auth, 2).ConsumeClaim(session, claim))
		auth.AssertNumberOfCalls(t, "Authorize", 3)
		assert.Equal(t, []int64{2}, session.marked)
	})

	t.Run("business error is not retried", func(t *testing.T) {
		auth := new(mockAuthorizer)
		auth.On("Authorize", mock.Anything, mock.Anything).Return(nil, bizerrors.ErrNonceReused).Once()

		before := testutil.ToFloat64(metrics.KafkaConsumerErrors.WithLabelValues(testRequestTopic, "nonce_reused"))

		session := &fakeSession{ctx: context.Background()}
		claim := claimOf(requestMessage(t, 3, &model.AuthorizationRequest{RequestID: "req-n", Mode: model.AuthorizationModeThreshold}))

		require.NoError(t, testHandler(auth, 3).ConsumeClaim(session, claim))
		auth.AssertNumberOfCalls(t, "Authorize", 1)
		assert.Equal(t, before+1, testutil.ToFloat64(metrics.KafkaConsumerErrors.WithLabelValues(testRequestTopic, "nonce_reused")))
	})
}

func TestRetryable(t *testing.T) {
	assert.True(t, retryable(signer.ErrSigningUnavailable))
	assert.True(t, retryable(bizerrors.ErrChainUnavailable))
	assert.True(t, retryable(context.DeadlineExceeded))
	assert.False(t, retryable(context.Canceled))
	assert.False(t, retryable(bizerrors.ErrInvalidRequest))
	assert.False(t, retryable(errors.New("boom")))
}

// fakeGroup 阻塞到 ctx 取消的消费组
type fakeGroup struct {
	mu       sync.Mutex
	consumed int
	closed   bool
}

func (g *fakeGroup) Consume(ctx context.Context, _ []string, _ sarama.ConsumerGroupHandler) error {
	g.mu.Lock()
	g.consumed++
	g.mu.Unlock()
	<-ctx.Done()
	return nil
}

func (g *fakeGroup) Errors() <-chan error { return nil }

func (g *fakeGroup) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	return nil
}

func (g *fakeGroup) Pause(map[string][]int32)  {}
func (g *fakeGroup) Resume(map[string][]int32) {}
func (g *fakeGroup) PauseAll()                 {}
func (g *fakeGroup) ResumeAll()                {}

func TestConsumer_StartStop(t *testing.T) {
	group := &fakeGroup{}
	c := NewConsumerWith(group, &config.KafkaConfig{RequestTopic: testRequestTopic, GroupID: "g", MaxRetry: 1}, new(mockAuthorizer))

	require.NoError(t, c.Start(context.Background()))
	assert.Error(t, c.Start(context.Background()))

	require.Eventually(t, func() bool {
		group.mu.Lock()
		defer group.mu.Unlock()
		return group.consumed == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Stop())
	require.NoError(t, c.Stop())
	assert.True(t, group.closed)
}
