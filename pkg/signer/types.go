// Package signer 驱动指定签名者对最终结构化摘要签名，并组装成链上多签验证所需的格式
package signer

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	// ErrSigningUnavailable 密钥不可访问、签名失败或超时，密钥访问相关的失败都匹配它
	ErrSigningUnavailable = errors.New("signing unavailable")
	// ErrNoSigners 签名轮次没有签名者
	ErrNoSigners = errors.New("no signers")
	// ErrUnknownAccount 密钥库中没有该地址的私钥
	ErrUnknownAccount = errors.New("unknown signer account")
	// ErrSignerMismatch 密钥库返回的签名恢复不出请求的地址
	ErrSignerMismatch = errors.New("signature does not recover to signer")
	// ErrValueOverflow 按链 ID 调整后的 V 超出 uint64
	ErrValueOverflow = errors.New("recovery value overflows uint64")
)

// KeyStore 私钥访问接口，不暴露私钥本身
// SignHash 返回 65 字节 [R || S || V]，V 为 0 或 1
type KeyStore interface {
	SignHash(ctx context.Context, account common.Address, digest []byte) ([]byte, error)
}

// AccountLister 可列出账户的密钥库
type AccountLister interface {
	Accounts() []common.Address
}

// SignerIdentity 签名者地址及持有其私钥的密钥库
type SignerIdentity struct {
	Address common.Address
	Label   string
	Store   KeyStore
}

func (s SignerIdentity) String() string {
	if s.Label != "" {
		return fmt.Sprintf("%s(%s)", s.Label, s.Address.Hex())
	}
	return s.Address.Hex()
}

// SignatureTriple 单个 (v, r, s) 签名，V 为 27/28 或按链 ID 调整
type SignatureTriple struct {
	V uint64      `json:"v"`
	R common.Hash `json:"r"`
	S common.Hash `json:"s"`
}

// RecoveryID V 中编码的 0/1 恢复 ID
func (t SignatureTriple) RecoveryID() (byte, error) {
	switch {
	case t.V == 0 || t.V == 1:
		return byte(t.V), nil
	case t.V == 27 || t.V == 28:
		return byte(t.V - 27), nil
	case t.V >= 35:
		return byte((t.V - 35) % 2), nil
	default:
		return 0, fmt.Errorf("invalid recovery id %d", t.V)
	}
}

// Bytes go-ethereum crypto 使用的 65 字节格式，V 为 0/1
func (t SignatureTriple) Bytes() ([]byte, error) {
	recID, err := t.RecoveryID()
	if err != nil {
		return nil, err
	}
	sig := make([]byte, crypto.SignatureLength)
	copy(sig[:32], t.R[:])
	copy(sig[32:64], t.S[:])
	sig[64] = recID
	return sig, nil
}

// SignatureBundle 多签载荷，三个并列数组与调用方给出的签名者顺序一致
type SignatureBundle struct {
	Signers []common.Address `json:"signers"`
	V       []uint64         `json:"sigV"`
	R       []common.Hash    `json:"sigR"`
	S       []common.Hash    `json:"sigS"`
}

// Len 签名数量
func (b *SignatureBundle) Len() int {
	return len(b.V)
}

// Triple 第 i 个签名
func (b *SignatureBundle) Triple(i int) SignatureTriple {
	return SignatureTriple{V: b.V[i], R: b.R[i], S: b.S[i]}
}

// Uint8V 转为 uint8[]，超过 255 的链调整值无法表示，返回错误
func (b *SignatureBundle) Uint8V() ([]uint8, error) {
	out := make([]uint8, len(b.V))
	for i, v := range b.V {
		if v > math.MaxUint8 {
			return nil, fmt.Errorf("recovery id %d at index %d does not fit uint8", v, i)
		}
		out[i] = uint8(v)
	}
	return out, nil
}

func (b *SignatureBundle) validate() error {
	if len(b.R) != len(b.V) || len(b.S) != len(b.V) {
		return fmt.Errorf("bundle arrays misaligned: v=%d r=%d s=%d", len(b.V), len(b.R), len(b.S))
	}
	return nil
}
