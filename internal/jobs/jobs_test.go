package jobs

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/securitize-io/dstoken-sub004/internal/blockchain"
	"github.com/securitize-io/dstoken-sub004/internal/model"
	"github.com/securitize-io/dstoken-sub004/internal/repository"
	"github.com/securitize-io/dstoken-sub004/internal/service"
	bizerrors "github.com/securitize-io/dstoken-sub004/pkg/errors"
)

type mockRefresher struct {
	mock.Mock
}

func (m *mockRefresher) List(ctx context.Context, filter *repository.AuthorizationFilter, page *repository.Pagination) ([]*service.Authorization, error) {
	args := m.Called(ctx, filter, page)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*service.Authorization), args.Error(1)
}

func (m *mockRefresher) Refresh(ctx context.Context, requestID string) (*service.Authorization, error) {
	args := m.Called(ctx, requestID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.Authorization), args.Error(1)
}

func submitted(id string) *service.Authorization {
	return &service.Authorization{RequestID: id, Status: model.AuthorizationStatusSubmitted.String()}
}

func withStatus(id string, s model.AuthorizationStatus) *service.Authorization {
	return &service.Authorization{RequestID: id, Status: s.String()}
}

func TestRefreshSubmittedJob(t *testing.T) {
	svc := new(mockRefresher)
	job := NewRefreshSubmittedJob(svc, 50)
	assert.Equal(t, "refresh-submitted", job.Name())

	svc.On("List", mock.Anything, mock.MatchedBy(func(f *repository.AuthorizationFilter) bool {
		return f.Status != nil && *f.Status == model.AuthorizationStatusSubmitted
	}), mock.MatchedBy(func(p *repository.Pagination) bool {
		return p.Page == 1 && p.PageSize == 50
	})).Return([]*service.Authorization{
		submitted("req-1"), submitted("req-2"), submitted("req-3"), submitted("req-4"),
	}, nil)
	svc.On("Refresh", mock.Anything, "req-1").Return(withStatus("req-1", model.AuthorizationStatusConfirmed), nil)
	svc.On("Refresh", mock.Anything, "req-2").Return(withStatus("req-2", model.AuthorizationStatusFailed), nil)
	// 回执未上链，状态不变
	svc.On("Refresh", mock.Anything, "req-3").Return(submitted("req-3"), nil)
	svc.On("Refresh", mock.Anything, "req-4").Return(nil, bizerrors.ErrChainUnavailable)

	result, err := job.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, result.ProcessedCount)
	assert.Equal(t, 2, result.AffectedCount)
	assert.Equal(t, 1, result.ErrorCount)
	assert.Equal(t, 1, result.Details["confirmed"])
	assert.Equal(t, 1, result.Details["failed"])
	svc.AssertExpectations(t)
}

func TestRefreshSubmittedJob_ListError(t *testing.T) {
	svc := new(mockRefresher)
	svc.On("List", mock.Anything, mock.Anything, mock.Anything).Return(nil, errors.New("db down"))

	_, err := NewRefreshSubmittedJob(svc, 0).Execute(context.Background())
	assert.EqualError(t, err, "db down")
	svc.AssertNotCalled(t, "Refresh", mock.Anything, mock.Anything)
}

type chainNonce struct {
	mu    sync.Mutex
	nonce uint64
}

func (c *chainNonce) Nonce(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(big.Int).SetUint64(c.nonce), nil
}

func setupNonceManager(t *testing.T, initial uint64) (*blockchain.NonceManager, *chainNonce) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	source := &chainNonce{nonce: initial}
	nm := blockchain.NewNonceManager(source, rdb, &blockchain.NonceManagerConfig{
		Wallet:  common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3"),
		ChainID: 31337,
		LockTTL: 5 * time.Second,
	})
	return nm, source
}

func TestNonceSyncJob(t *testing.T) {
	ctx := context.Background()
	nm, _ := setupNonceManager(t, 3)
	job := NewNonceSyncJob(nm)
	assert.Equal(t, "nonce-sync", job.Name())

	n, err := nm.Acquire(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n.Int64())

	// 存在未确认预留时跳过
	result, err := job.Execute(ctx)
	require.NoError(t, err)
	assert.Equal(t, true, result.Details["skipped"])
	assert.Equal(t, int64(1), result.Details["pending"])

	// 已确认但交易未上链，计数器领先于链上
	require.NoError(t, nm.Confirm(ctx, n))

	result, err = job.Execute(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.ProcessedCount)
	assert.Equal(t, "3", result.Details["nonce"])

	next, err := nm.Acquire(ctx, "req-2")
	require.NoError(t, err)
	assert.Equal(t, int64(3), next.Int64())
}
