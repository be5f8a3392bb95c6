package signer

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// MemoryStore 私钥保存在进程内存中，用于开发与测试
type MemoryStore struct {
	mu   sync.RWMutex
	keys map[common.Address]*ecdsa.PrivateKey
}

// NewMemoryStore 加载十六进制私钥，0x 前缀可选
func NewMemoryStore(hexKeys ...string) (*MemoryStore, error) {
	s := &MemoryStore{keys: make(map[common.Address]*ecdsa.PrivateKey, len(hexKeys))}
	for i, h := range hexKeys {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(h), "0x"))
		if err != nil {
			// 不回显密钥内容
			return nil, fmt.Errorf("parse private key %d: invalid key", i)
		}
		s.Add(key)
	}
	return s, nil
}

// Add 添加私钥并返回地址
func (s *MemoryStore) Add(key *ecdsa.PrivateKey) common.Address {
	addr := crypto.PubkeyToAddress(key.PublicKey)
	s.mu.Lock()
	s.keys[addr] = key
	s.mu.Unlock()
	return addr
}

// SignHash 实现 KeyStore
func (s *MemoryStore) SignHash(ctx context.Context, account common.Address, digest []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	key, ok := s.keys[account]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, account.Hex())
	}
	return crypto.Sign(digest, key)
}

// Accounts 已持有地址，升序
func (s *MemoryStore) Accounts() []common.Address {
	s.mu.RLock()
	out := make([]common.Address, 0, len(s.keys))
	for addr := range s.keys {
		out = append(out, addr)
	}
	s.mu.RUnlock()
	SortAddresses(out)
	return out
}

// Identities 每个私钥对应一个 SignerIdentity，按地址升序
func (s *MemoryStore) Identities() []SignerIdentity {
	return IdentitiesFor(s, s.Accounts()...)
}

// IdentitiesFor 将地址绑定到密钥库，保持给定顺序
func IdentitiesFor(store KeyStore, addrs ...common.Address) []SignerIdentity {
	out := make([]SignerIdentity, len(addrs))
	for i, a := range addrs {
		out[i] = SignerIdentity{Address: a, Store: store}
	}
	return out
}

// SortAddresses 按数值升序排序，即多签合约要求的顺序
func SortAddresses(addrs []common.Address) {
	sort.Slice(addrs, func(i, j int) bool {
		return bytes.Compare(addrs[i].Bytes(), addrs[j].Bytes()) < 0
	})
}
