package blockchain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/securitize-io/dstoken-sub004/pkg/logger"
)

var (
	ErrNonceLockFailed  = errors.New("failed to acquire nonce lock")
	ErrNonceNotAcquired = errors.New("nonce not acquired")
)

// lockRetryInterval 抢锁间隔
const lockRetryInterval = 20 * time.Millisecond

// releaseLockScript 仅删除自己持有的锁
var releaseLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// NonceSource 多签合约链上 nonce 的来源
type NonceSource interface {
	Nonce(ctx context.Context) (*big.Int, error)
}

// NonceManager 多签钱包 nonce 管理器
//
// 多签合约的 nonce 只在 execute 成功后递增，链下可能同时存在多轮签名，
// 因此用 Redis 计数器为每轮签名预留一个 nonce，并用分布式锁保证并发安全。
type NonceManager struct {
	source   NonceSource
	redis    *redis.Client
	wallet   common.Address
	chainID  int64
	lockTTL  time.Duration
	lockWait time.Duration
}

// NonceManagerConfig 配置
type NonceManagerConfig struct {
	Wallet  common.Address
	ChainID int64
	LockTTL time.Duration
	// LockWait 等待锁的最长时间
	LockWait time.Duration
}

// NewNonceManager 创建 nonce 管理器
func NewNonceManager(source NonceSource, rdb *redis.Client, cfg *NonceManagerConfig) *NonceManager {
	m := &NonceManager{
		source:   source,
		redis:    rdb,
		wallet:   cfg.Wallet,
		chainID:  cfg.ChainID,
		lockTTL:  cfg.LockTTL,
		lockWait: cfg.LockWait,
	}
	if m.lockTTL == 0 {
		m.lockTTL = 30 * time.Second
	}
	if m.lockWait == 0 {
		m.lockWait = 5 * time.Second
	}
	return m
}

func (m *NonceManager) keySuffix() string {
	return fmt.Sprintf("%s:%d", strings.ToLower(m.wallet.Hex()), m.chainID)
}

// nonceKey 下一个可预留的 nonce
func (m *NonceManager) nonceKey() string {
	return "dstoken:multisig:nonce:" + m.keySuffix()
}

func (m *NonceManager) lockKey() string {
	return "dstoken:multisig:nonce:lock:" + m.keySuffix()
}

// pendingKey nonce -> requestID，已预留但未上链确认
func (m *NonceManager) pendingKey() string {
	return "dstoken:multisig:nonce:pending:" + m.keySuffix()
}

// Acquire 为一轮签名预留 nonce，必须随后调用 Confirm 或 Release
func (m *NonceManager) Acquire(ctx context.Context, requestID string) (*big.Int, error) {
	var reserved uint64
	err := m.withLock(ctx, func() error {
		next, err := m.current(ctx)
		if err != nil {
			return err
		}
		reserved = next

		pipe := m.redis.TxPipeline()
		pipe.Set(ctx, m.nonceKey(), next+1, 0)
		pipe.HSet(ctx, m.pendingKey(), strconv.FormatUint(next, 10), requestID)
		_, err = pipe.Exec(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	logger.Debug("multisig nonce reserved",
		zap.String("wallet", m.wallet.Hex()),
		zap.Uint64("nonce", reserved),
		zap.String("request_id", requestID))
	return new(big.Int).SetUint64(reserved), nil
}

// Confirm 预留的 nonce 已上链使用
func (m *NonceManager) Confirm(ctx context.Context, nonce *big.Int) error {
	return m.redis.HDel(ctx, m.pendingKey(), nonce.String()).Err()
}

// Release 释放未使用的 nonce
//
// 只有最后预留的 nonce 可以回退计数器，更早的 nonce 会留下空洞，
// 由 Sync 从链上重新对齐。
func (m *NonceManager) Release(ctx context.Context, nonce *big.Int) error {
	return m.withLock(ctx, func() error {
		removed, err := m.redis.HDel(ctx, m.pendingKey(), nonce.String()).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			return ErrNonceNotAcquired
		}

		next, err := m.redis.Get(ctx, m.nonceKey()).Uint64()
		if err != nil {
			return err
		}
		if nonce.IsUint64() && next == nonce.Uint64()+1 {
			return m.redis.Set(ctx, m.nonceKey(), nonce.Uint64(), 0).Err()
		}
		logger.Warn("released nonce leaves a gap",
			zap.String("wallet", m.wallet.Hex()),
			zap.String("nonce", nonce.String()),
			zap.Uint64("next", next))
		return nil
	})
}

// Sync 从链上同步 nonce，丢弃所有未确认的预留
func (m *NonceManager) Sync(ctx context.Context) (*big.Int, error) {
	var chainNonce uint64
	err := m.withLock(ctx, func() error {
		n, err := m.chainNonce(ctx)
		if err != nil {
			return err
		}
		chainNonce = n

		pipe := m.redis.TxPipeline()
		pipe.Set(ctx, m.nonceKey(), n, 0)
		pipe.Del(ctx, m.pendingKey())
		_, err = pipe.Exec(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	logger.Info("multisig nonce synced from chain",
		zap.String("wallet", m.wallet.Hex()),
		zap.Uint64("nonce", chainNonce))
	return new(big.Int).SetUint64(chainNonce), nil
}

// Pending 已预留未确认的 nonce 数量
func (m *NonceManager) Pending(ctx context.Context) (int64, error) {
	return m.redis.HLen(ctx, m.pendingKey()).Result()
}

// current 下一个可用 nonce，计数器落后于链上时以链上为准
func (m *NonceManager) current(ctx context.Context) (uint64, error) {
	chain, err := m.chainNonce(ctx)
	if err != nil {
		return 0, err
	}
	val, err := m.redis.Get(ctx, m.nonceKey()).Uint64()
	if errors.Is(err, redis.Nil) {
		return chain, nil
	}
	if err != nil {
		return 0, err
	}
	if val < chain {
		return chain, nil
	}
	return val, nil
}

func (m *NonceManager) chainNonce(ctx context.Context) (uint64, error) {
	n, err := m.source.Nonce(ctx)
	if err != nil {
		return 0, fmt.Errorf("read multisig nonce: %w", err)
	}
	if !n.IsUint64() {
		return 0, fmt.Errorf("multisig nonce out of range: %s", n)
	}
	return n.Uint64(), nil
}

// withLock 在分布式锁内执行 fn
func (m *NonceManager) withLock(ctx context.Context, fn func() error) error {
	token := uuid.NewString()
	deadline := time.Now().Add(m.lockWait)
	for {
		ok, err := m.redis.SetNX(ctx, m.lockKey(), token, m.lockTTL).Result()
		if err != nil {
			return err
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return ErrNonceLockFailed
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(lockRetryInterval):
		}
	}
	defer func() {
		if err := releaseLockScript.Run(context.WithoutCancel(ctx), m.redis, []string{m.lockKey()}, token).Err(); err != nil {
			logger.Warn("release nonce lock failed", zap.Error(err))
		}
	}()
	return fn()
}
