package signer

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/securitize-io/dstoken-sub004/pkg/logger"
)

const defaultWorkers = 4

// Collector 用一组签名者对同一摘要签名，轮次之间不保留状态，可并发使用
type Collector struct {
	workers int
	timeout time.Duration
	chainID *big.Int
}

// Option 收集器选项
type Option func(*Collector)

// WithWorkers 同时签名的签名者上限，1 表示顺序签名
func WithWorkers(n int) Option {
	return func(c *Collector) {
		if n > 0 {
			c.workers = n
		}
	}
}

// WithTimeout 整轮签名的超时时间
func WithTimeout(d time.Duration) Option {
	return func(c *Collector) {
		c.timeout = d
	}
}

// WithChainAdjustedRecovery V 编码为 recid + 35 + 2*chainID，默认为 recid + 27
func WithChainAdjustedRecovery(chainID *big.Int) Option {
	return func(c *Collector) {
		if chainID != nil {
			c.chainID = new(big.Int).Set(chainID)
		}
	}
}

// NewCollector 创建收集器
func NewCollector(opts ...Option) *Collector {
	c := &Collector{workers: defaultWorkers}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Collect 按给定顺序让每个签名者对 digest 签名
//
// 输出数组与 signers 下标一一对应，不排序也不去重；任一签名失败时不返回部分结果。
func (c *Collector) Collect(ctx context.Context, signers []SignerIdentity, digest common.Hash) (*SignatureBundle, error) {
	if len(signers) == 0 {
		return nil, ErrNoSigners
	}

	ctx, cancel := c.roundContext(ctx)
	defer cancel()

	triples := make([]SignatureTriple, len(signers))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)

	for i := range signers {
		i := i
		g.Go(func() error {
			t, err := c.sign(gctx, signers[i], digest)
			if err != nil {
				return fmt.Errorf("signer %d %s: %w", i, signers[i], err)
			}
			triples[i] = t
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		logger.Warn("signing round failed",
			logger.Digest(digest),
			zap.Int("signers", len(signers)),
			zap.Error(err))
		return nil, err
	}

	bundle := &SignatureBundle{
		Signers: make([]common.Address, len(signers)),
		V:       make([]uint64, len(signers)),
		R:       make([]common.Hash, len(signers)),
		S:       make([]common.Hash, len(signers)),
	}
	for i, t := range triples {
		bundle.Signers[i] = signers[i].Address
		bundle.V[i] = t.V
		bundle.R[i] = t.R
		bundle.S[i] = t.S
	}
	return bundle, nil
}

// PreApprove 单个签名者为中继合约入口签名
func (c *Collector) PreApprove(ctx context.Context, signer SignerIdentity, digest common.Hash) (SignatureTriple, error) {
	ctx, cancel := c.roundContext(ctx)
	defer cancel()

	t, err := c.sign(ctx, signer, digest)
	if err != nil {
		logger.Warn("pre-approval signing failed",
			logger.Digest(digest),
			zap.String("signer", signer.Address.Hex()),
			zap.Error(err))
		return SignatureTriple{}, fmt.Errorf("signer %s: %w", signer, err)
	}
	return t, nil
}

func (c *Collector) roundContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout > 0 {
		return context.WithTimeout(ctx, c.timeout)
	}
	return context.WithCancel(ctx)
}

// sign 单个签名者签名，并校验签名可恢复出该地址
func (c *Collector) sign(ctx context.Context, s SignerIdentity, digest common.Hash) (SignatureTriple, error) {
	if s.Store == nil {
		return SignatureTriple{}, fmt.Errorf("%w: no key store", ErrSigningUnavailable)
	}
	if err := ctx.Err(); err != nil {
		return SignatureTriple{}, fmt.Errorf("%w: %w", ErrSigningUnavailable, err)
	}

	sig, err := s.Store.SignHash(ctx, s.Address, digest.Bytes())
	if err != nil {
		return SignatureTriple{}, fmt.Errorf("%w: %w", ErrSigningUnavailable, err)
	}
	if len(sig) != crypto.SignatureLength || sig[64] > 1 {
		return SignatureTriple{}, fmt.Errorf("%w: malformed signature of %d bytes", ErrSigningUnavailable, len(sig))
	}

	pub, err := crypto.SigToPub(digest.Bytes(), sig)
	if err != nil {
		return SignatureTriple{}, fmt.Errorf("%w: %w", ErrSigningUnavailable, err)
	}
	if recovered := crypto.PubkeyToAddress(*pub); !bytes.Equal(recovered.Bytes(), s.Address.Bytes()) {
		return SignatureTriple{}, fmt.Errorf("%w: %w: got %s", ErrSigningUnavailable, ErrSignerMismatch, recovered.Hex())
	}

	v, err := c.encodeV(sig[64])
	if err != nil {
		return SignatureTriple{}, err
	}
	return SignatureTriple{
		V: v,
		R: common.BytesToHash(sig[:32]),
		S: common.BytesToHash(sig[32:64]),
	}, nil
}

// encodeV chainID 过大时 V 超出 uint64，返回 ErrValueOverflow
func (c *Collector) encodeV(recID byte) (uint64, error) {
	if c.chainID == nil {
		return uint64(recID) + 27, nil
	}
	v := new(big.Int).Mul(c.chainID, big.NewInt(2))
	v.Add(v, big.NewInt(35+int64(recID)))
	if v.Sign() < 0 || !v.IsUint64() {
		return 0, fmt.Errorf("%w: recovery value for chain id %s", ErrValueOverflow, c.chainID)
	}
	return v.Uint64(), nil
}
