package eip712

import (
	"errors"
	"fmt"
	"hash"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"golang.org/x/crypto/sha3"
)

// 编码错误
var (
	// ErrInvalidInputLength 地址或哈希字段长度不合法
	ErrInvalidInputLength = errors.New("invalid input length")
	// ErrValueOverflow 数值超出 uint256 范围
	ErrValueOverflow = errors.New("value overflows uint256")
	// ErrLayoutMismatch 参数与所选布局不匹配
	ErrLayoutMismatch = errors.New("action parameters do not match layout")
)

const (
	wordSize    = 32
	addressSize = common.AddressLength
)

// Keccak256 计算 Keccak256 哈希
func Keccak256(data ...[]byte) []byte {
	h := sha3.NewLegacyKeccak256()
	for _, b := range data {
		h.Write(b)
	}
	return h.Sum(nil)
}

// Keccak256Hash 计算 Keccak256 哈希并返回 common.Hash
func Keccak256Hash(data ...[]byte) common.Hash {
	return common.BytesToHash(Keccak256(data...))
}

// encoder 按 32 字节字顺序写入 Keccak 状态，首个错误之后的写入全部忽略
type encoder struct {
	h   hash.Hash
	err error
}

func newEncoder() *encoder {
	return &encoder{h: sha3.NewLegacyKeccak256()}
}

// word 写入恰好 32 字节的哈希字段
func (e *encoder) word(field string, b []byte) {
	if e.err != nil {
		return
	}
	if len(b) != wordSize {
		e.err = fmt.Errorf("%w: %s must be %d bytes, got %d", ErrInvalidInputLength, field, wordSize, len(b))
		return
	}
	e.h.Write(b)
}

// address 写入 20 字节地址，左补零至 32 字节
func (e *encoder) address(field string, b []byte) {
	if e.err != nil {
		return
	}
	if len(b) != addressSize {
		e.err = fmt.Errorf("%w: %s must be %d bytes, got %d", ErrInvalidInputLength, field, addressSize, len(b))
		return
	}
	e.h.Write(common.LeftPadBytes(b, wordSize))
}

// uint 写入大端 uint256，nil 视为 0
func (e *encoder) uint(field string, v *big.Int) {
	if e.err != nil {
		return
	}
	word, err := encodeUint256(v)
	if err != nil {
		e.err = fmt.Errorf("%w: %s", err, field)
		return
	}
	e.h.Write(word[:])
}

// dynamic 写入变长字段的 Keccak256 哈希，原始字节从不直接进入编码
func (e *encoder) dynamic(b []byte) {
	if e.err != nil {
		return
	}
	e.h.Write(Keccak256(b))
}

func (e *encoder) sum() (common.Hash, error) {
	if e.err != nil {
		return common.Hash{}, e.err
	}
	return common.BytesToHash(e.h.Sum(nil)), nil
}

// encodeUint256 编码为 32 字节大端，负数或超过 256 位返回 ErrValueOverflow
func encodeUint256(v *big.Int) ([wordSize]byte, error) {
	if v == nil {
		return [wordSize]byte{}, nil
	}
	if v.Sign() < 0 {
		return [wordSize]byte{}, fmt.Errorf("%w: negative value %s", ErrValueOverflow, v)
	}
	u, overflow := uint256.FromBig(v)
	if overflow {
		return [wordSize]byte{}, fmt.Errorf("%w: %d bits", ErrValueOverflow, v.BitLen())
	}
	return u.Bytes32(), nil
}
