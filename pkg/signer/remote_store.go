package signer

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"

	"github.com/securitize-io/dstoken-sub004/pkg/circuitbreaker"
	"github.com/securitize-io/dstoken-sub004/pkg/logger"
)

// RemoteNamespace 密钥服务的 JSON-RPC 命名空间
const RemoteNamespace = "signer"

// RemoteStore 通过 go-ethereum JSON-RPC 调用远程密钥服务（HSM 前置或独立签名进程）
type RemoteStore struct {
	client  *rpc.Client
	breaker *circuitbreaker.CircuitBreaker
}

// DialRemoteStore 连接 url，支持 http、ws、ipc
func DialRemoteStore(ctx context.Context, url string, cfg *circuitbreaker.Config) (*RemoteStore, error) {
	client, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial remote signer: %w", err)
	}
	return NewRemoteStore(client, cfg), nil
}

// NewRemoteStore 包装已有客户端
// 未知账户等 JSON-RPC 业务错误不计入熔断
func NewRemoteStore(client *rpc.Client, cfg *circuitbreaker.Config) *RemoteStore {
	if cfg == nil {
		cfg = circuitbreaker.DefaultConfig()
	}
	c := *cfg
	if c.IsFailure == nil {
		c.IsFailure = isTransportError
	}
	if c.OnStateChange == nil {
		c.OnStateChange = func(from, to circuitbreaker.State) {
			logger.Warn("remote signer breaker state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		}
	}
	return &RemoteStore{client: client, breaker: circuitbreaker.New(&c)}
}

func isTransportError(err error) bool {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return false
	}
	return !errors.Is(err, context.Canceled)
}

// SignHash 实现 KeyStore
func (s *RemoteStore) SignHash(ctx context.Context, account common.Address, digest []byte) ([]byte, error) {
	var sig hexutil.Bytes
	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		return s.client.CallContext(ctx, &sig, RemoteNamespace+"_signHash", account, hexutil.Bytes(digest))
	})
	if err != nil {
		return nil, err
	}
	return sig, nil
}

// ListAccounts 查询服务端持有的账户
func (s *RemoteStore) ListAccounts(ctx context.Context) ([]common.Address, error) {
	var out []common.Address
	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		return s.client.CallContext(ctx, &out, RemoteNamespace+"_accounts")
	})
	return out, err
}

// BreakerState 熔断器状态
func (s *RemoteStore) BreakerState() circuitbreaker.State {
	return s.breaker.State()
}

// Close 关闭客户端
func (s *RemoteStore) Close() {
	s.client.Close()
}

// RemoteService 以 signer_signHash、signer_accounts 暴露 KeyStore
type RemoteService struct {
	store KeyStore
}

// NewRemoteService 创建服务端
func NewRemoteService(store KeyStore) *RemoteService {
	return &RemoteService{store: store}
}

// Register 注册到 rpc.Server
func (s *RemoteService) Register(server *rpc.Server) error {
	return server.RegisterName(RemoteNamespace, s)
}

// SignHash 对 32 字节摘要签名
func (s *RemoteService) SignHash(ctx context.Context, account common.Address, digest hexutil.Bytes) (hexutil.Bytes, error) {
	if len(digest) != common.HashLength {
		return nil, fmt.Errorf("digest must be %d bytes, got %d", common.HashLength, len(digest))
	}
	sig, err := s.store.SignHash(ctx, account, digest)
	if err != nil {
		logger.Warn("remote sign request failed",
			zap.String("account", account.Hex()),
			zap.Error(err))
		return nil, err
	}
	return sig, nil
}

// Accounts 底层密钥库可枚举时返回其账户
func (s *RemoteService) Accounts() []common.Address {
	if l, ok := s.store.(AccountLister); ok {
		return l.Accounts()
	}
	return []common.Address{}
}
