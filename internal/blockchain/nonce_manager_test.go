package blockchain

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
	"github.com/stretchr/testify/require"
)

// mockNonceSource 模拟多签合约 nonce()
type mockNonceSource struct {
	mu    sync.RWMutex
	nonce uint64
	err   error
}

func (m *mockNonceSource) Nonce(ctx context.Context) (*big.Int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return nil, m.err
	}
	return new(big.Int).SetUint64(m.nonce), nil
}

func (m *mockNonceSource) set(n uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nonce = n
}

func setupTestNonceManager(t *testing.T, initial uint64) (*NonceManager, *miniredis.Miniredis, *mockNonceSource) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	source := &mockNonceSource{nonce: initial}
	nm := NewNonceManager(source, rdb, &NonceManagerConfig{
		Wallet:   common.HexToAddress("0xABCDabcdabcdabcdabcdabcdabcdabcdabcdABCD"),
		ChainID:  31337,
		LockTTL:  5 * time.Second,
		LockWait: 2 * time.Second,
	})
	return nm, mr, source
}

func TestNonceManager_KeyGeneration(t *testing.T) {
	nm, _, _ := setupTestNonceManager(t, 0)

	suffix := "0xabcdabcdabcdabcdabcdabcdabcdabcdabcdabcd:31337"
	assert.Equal(t, "dstoken:multisig:nonce:"+suffix, nm.nonceKey())
	assert.Equal(t, "dstoken:multisig:nonce:lock:"+suffix, nm.lockKey())
	assert.Equal(t, "dstoken:multisig:nonce:pending:"+suffix, nm.pendingKey())
}

func TestNonceManager_AcquireSequential(t *testing.T) {
	nm, mr, _ := setupTestNonceManager(t, 5)
	ctx := context.Background()

	for want := int64(5); want < 8; want++ {
		n, err := nm.Acquire(ctx, "req")
		require.NoError(t, err)
		assert.Equal(t, want, n.Int64())
	}

	pending, err := nm.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), pending)

	val, err := mr.Get(nm.nonceKey())
	require.NoError(t, err)
	assert.Equal(t, "8", val)
	assert.False(t, mr.Exists(nm.lockKey()), "lock must be released")
}

func TestNonceManager_ChainAhead(t *testing.T) {
	nm, _, source := setupTestNonceManager(t, 0)
	ctx := context.Background()

	n, err := nm.Acquire(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n.Int64())

	// 其他服务已执行到 10
	source.set(10)
	n, err = nm.Acquire(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, int64(10), n.Int64())
}

func TestNonceManager_Concurrent(t *testing.T) {
	nm, _, _ := setupTestNonceManager(t, 0)
	ctx := context.Background()

	const workers = 10
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[int64]bool)
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := nm.Acquire(ctx, "req")
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			seen[n.Int64()] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, seen, workers, "every reservation must be unique")
	for i := int64(0); i < workers; i++ {
		assert.True(t, seen[i])
	}
}

func TestNonceManager_Release(t *testing.T) {
	nm, _, _ := setupTestNonceManager(t, 0)
	ctx := context.Background()

	first, err := nm.Acquire(ctx, "a")
	require.NoError(t, err)
	second, err := nm.Acquire(ctx, "b")
	require.NoError(t, err)

	// 释放最后一个 nonce 可以回退
	require.NoError(t, nm.Release(ctx, second))
	again, err := nm.Acquire(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, second.Int64(), again.Int64())

	// 释放较早的 nonce 留下空洞
	require.NoError(t, nm.Release(ctx, first))
	next, err := nm.Acquire(ctx, "d")
	require.NoError(t, err)
	assert.Equal(t, int64(2), next.Int64())

	assert.ErrorIs(t, nm.Release(ctx, big.NewInt(42)), ErrNonceNotAcquired)
}

func TestNonceManager_Confirm(t *testing.T) {
	nm, _, _ := setupTestNonceManager(t, 0)
	ctx := context.Background()

	n, err := nm.Acquire(ctx, "a")
	require.NoError(t, err)
	require.NoError(t, nm.Confirm(ctx, n))

	pending, err := nm.Pending(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)

	// 已确认的 nonce 不能再释放
	assert.ErrorIs(t, nm.Release(ctx, n), ErrNonceNotAcquired)
}

func TestNonceManager_Sync(t *testing.T) {
	nm, _, source := setupTestNonceManager(t, 0)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := nm.Acquire(ctx, "req")
		require.NoError(t, err)
	}

	source.set(1)
	n, err := nm.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n.Int64())

	pending, err := nm.Pending(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)

	next, err := nm.Acquire(ctx, "req")
	require.NoError(t, err)
	assert.Equal(t, int64(1), next.Int64())
}

func TestNonceManager_LockContention(t *testing.T) {
	nm, mr, _ := setupTestNonceManager(t, 0)
	ctx := context.Background()

	require.NoError(t, mr.Set(nm.lockKey(), "someone-else"))

	_, err := nm.Acquire(ctx, "req")
	assert.ErrorIs(t, err, ErrNonceLockFailed)

	// 他人的锁不会被删除
	val, err := mr.Get(nm.lockKey())
	require.NoError(t, err)
	assert.Equal(t, "someone-else", val)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = nm.Acquire(cctx, "req")
	assert.Error(t, err)
}

func TestNonceManager_SourceError(t *testing.T) {
	nm, mr, source := setupTestNonceManager(t, 0)
	source.err = errors.New("rpc down")

	_, err := nm.Acquire(context.Background(), "req")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "read multisig nonce")
	assert.False(t, mr.Exists(nm.lockKey()))
}
