package eip712

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// 动作类型
const (
	// MultiSigTransactionType 多签钱包 execute 使用的基础布局类型
	MultiSigTransactionType = "MultiSigTransaction(address destination,uint256 value,bytes data,uint256 nonce,address executor,uint256 gasLimit)"
	// PreApprovedTransactionType 中继合约预批准使用的扩展布局类型
	PreApprovedTransactionType = "MultiSigTransaction(address destination,uint256 value,bytes data,uint256 nonce,address executor,uint256 gasLimit,string investorId,uint256 blockLimit)"
)

var (
	// MultiSigTransactionTypeHash 基础布局类型哈希
	MultiSigTransactionTypeHash = Keccak256Hash([]byte(MultiSigTransactionType))
	// PreApprovedTransactionTypeHash 扩展布局类型哈希
	PreApprovedTransactionTypeHash = Keccak256Hash([]byte(PreApprovedTransactionType))
)

// Layout 动作摘要布局
type Layout int

const (
	// LayoutBase 固定六字段布局
	LayoutBase Layout = iota
	// LayoutExtended 基础布局后按需追加 investorId 哈希与 blockLimit
	LayoutExtended
)

// String 返回布局名称
func (l Layout) String() string {
	switch l {
	case LayoutBase:
		return "base"
	case LayoutExtended:
		return "extended"
	default:
		return fmt.Sprintf("layout(%d)", int(l))
	}
}

// ParseLayout 解析布局名称
func ParseLayout(s string) (Layout, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "base", "legacy":
		return LayoutBase, nil
	case "extended", "preapproval", "pre-approval":
		return LayoutExtended, nil
	default:
		return 0, fmt.Errorf("%w: unknown layout %q", ErrLayoutMismatch, s)
	}
}

// TypeHash 返回布局对应的默认类型哈希
func (l Layout) TypeHash() common.Hash {
	if l == LayoutExtended {
		return PreApprovedTransactionTypeHash
	}
	return MultiSigTransactionTypeHash
}

// ActionParameters 被授权动作的参数，每次授权请求构建一次
type ActionParameters struct {
	Destination common.Address
	Value       *big.Int
	Data        []byte
	Nonce       *big.Int
	Executor    common.Address
	GasLimit    *big.Int
	// InvestorID 仅扩展布局使用，nil 表示不参与编码
	InvestorID *string
	// BlockLimit 仅扩展布局使用，nil 表示不参与编码
	BlockLimit *big.Int
}

// WithInvestor 返回带 investorId 的副本
func (p ActionParameters) WithInvestor(id string) ActionParameters {
	p.InvestorID = &id
	return p
}

// WithBlockLimit 返回带 blockLimit 的副本
func (p ActionParameters) WithBlockLimit(limit uint64) ActionParameters {
	p.BlockLimit = new(big.Int).SetUint64(limit)
	return p
}

// BuildActionDigest 计算动作摘要
//
// 基础布局: typeHash ‖ destination ‖ value ‖ keccak(data) ‖ nonce ‖ executor ‖ gasLimit
// 扩展布局: 基础布局 [‖ keccak(investorId)] [‖ blockLimit]，两个字段各自独立追加
func BuildActionDigest(layout Layout, actionTypeHash []byte, params *ActionParameters) (common.Hash, error) {
	if params == nil {
		return common.Hash{}, fmt.Errorf("%w: nil action parameters", ErrLayoutMismatch)
	}

	switch layout {
	case LayoutBase:
		if params.InvestorID != nil || params.BlockLimit != nil {
			return common.Hash{}, fmt.Errorf("%w: base layout does not encode investorId or blockLimit", ErrLayoutMismatch)
		}
	case LayoutExtended:
	default:
		return common.Hash{}, fmt.Errorf("%w: %s", ErrLayoutMismatch, layout)
	}

	enc := newEncoder()
	enc.word("actionTypeHash", actionTypeHash)
	enc.address("destination", params.Destination.Bytes())
	enc.uint("value", params.Value)
	enc.dynamic(params.Data)
	enc.uint("nonce", params.Nonce)
	enc.address("executor", params.Executor.Bytes())
	enc.uint("gasLimit", params.GasLimit)

	if layout == LayoutExtended {
		if params.InvestorID != nil {
			enc.dynamic([]byte(*params.InvestorID))
		}
		if params.BlockLimit != nil {
			enc.uint("blockLimit", params.BlockLimit)
		}
	}

	return enc.sum()
}

// ParseAddress 解析 20 字节十六进制地址，长度不符返回 ErrInvalidInputLength
func ParseAddress(s string) (common.Address, error) {
	b, err := decodeFixed("address", s, addressSize)
	if err != nil {
		return common.Address{}, err
	}
	return common.BytesToAddress(b), nil
}
