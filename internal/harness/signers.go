// Package harness 提供端到端测试用的确定性夹具：签名者集合、投资人、
// 每个测试用例独立的计数器，以及一个内存中的 EVM JSON-RPC 节点。
package harness

import (
	"crypto/ecdsa"
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/securitize-io/dstoken-sub004/pkg/signer"
)

// SignerSet 由种子派生的一组签名者，按地址升序排列
type SignerSet struct {
	Store      *signer.MemoryStore
	Identities []signer.SignerIdentity
	keys       map[common.Address]*ecdsa.PrivateKey
}

// NewSignerSet 从 seed 派生 n 个签名者，同一 seed 总是得到同一组地址
func NewSignerSet(seed string, n int) (*SignerSet, error) {
	if n <= 0 {
		return nil, fmt.Errorf("signer count must be positive, got %d", n)
	}

	store, err := signer.NewMemoryStore()
	if err != nil {
		return nil, err
	}
	set := &SignerSet{Store: store, keys: make(map[common.Address]*ecdsa.PrivateKey, n)}

	var counter uint64
	for len(set.keys) < n {
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], counter)
		counter++

		key, err := crypto.ToECDSA(crypto.Keccak256([]byte(seed), buf[:]))
		if err != nil {
			// 哈希落在曲线阶之外，换下一个计数
			continue
		}
		addr := store.Add(key)
		set.keys[addr] = key
	}

	set.Identities = store.Identities()
	for i := range set.Identities {
		set.Identities[i].Label = fmt.Sprintf("%s-%d", seed, i)
	}
	return set, nil
}

// Addresses 按升序返回签名者地址
func (s *SignerSet) Addresses() []common.Address {
	out := make([]common.Address, len(s.Identities))
	for i, id := range s.Identities {
		out[i] = id.Address
	}
	return out
}

// Pick 按给定下标挑选签名者，顺序与下标一致
func (s *SignerSet) Pick(indexes ...int) []signer.SignerIdentity {
	out := make([]signer.SignerIdentity, len(indexes))
	for i, idx := range indexes {
		out[i] = s.Identities[idx]
	}
	return out
}

// PrivateKeyHex 返回签名者私钥，仅供测试配置内存密钥库
func (s *SignerSet) PrivateKeyHex(addr common.Address) string {
	key, ok := s.keys[addr]
	if !ok {
		return ""
	}
	return common.Bytes2Hex(crypto.FromECDSA(key))
}
