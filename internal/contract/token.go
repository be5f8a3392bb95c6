package contract

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// 代币调用错误
var (
	ErrUnsupportedTokenMethod = errors.New("unsupported token method")
	ErrInvalidAmount          = errors.New("invalid token amount")
)

// 可编码的代币方法
const (
	TokenMethodTransfer    = "transfer"
	TokenMethodIssueTokens = "issueTokens"
)

// DSTokenABI 授权动作用到的 DSToken ABI 子集
//
//	function transfer(address to, uint256 value) external returns (bool);
//	function issueTokens(address to, uint256 value) external returns (bool);
const DSTokenABI = `[
	{
		"type": "function",
		"name": "transfer",
		"inputs": [
			{"name": "to", "type": "address"},
			{"name": "value", "type": "uint256"}
		],
		"outputs": [{"name": "", "type": "bool"}],
		"stateMutability": "nonpayable"
	},
	{
		"type": "function",
		"name": "issueTokens",
		"inputs": [
			{"name": "to", "type": "address"},
			{"name": "value", "type": "uint256"}
		],
		"outputs": [{"name": "", "type": "bool"}],
		"stateMutability": "nonpayable"
	}
]`

// DSToken 证券代币调用数据编码器
type DSToken struct {
	decimals int32
	abi      abi.ABI
}

// NewDSToken 按代币精度创建编码器
func NewDSToken(decimals int32) (*DSToken, error) {
	if decimals < 0 || decimals > 77 {
		return nil, fmt.Errorf("token decimals out of range: %d", decimals)
	}
	parsed, err := abi.JSON(strings.NewReader(DSTokenABI))
	if err != nil {
		return nil, err
	}
	return &DSToken{decimals: decimals, abi: parsed}, nil
}

// ToBaseUnits 将代币数量换算为最小单位，小数位超过精度时报错
func (t *DSToken) ToBaseUnits(amount decimal.Decimal) (*big.Int, error) {
	if amount.IsNegative() {
		return nil, fmt.Errorf("%w: negative amount %s", ErrInvalidAmount, amount)
	}
	scaled := amount.Shift(t.decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("%w: %s has more than %d decimals", ErrInvalidAmount, amount, t.decimals)
	}
	units := scaled.BigInt()
	if units.BitLen() > 256 {
		return nil, fmt.Errorf("%w: %s overflows uint256", ErrInvalidAmount, amount)
	}
	return units, nil
}

// PackCall 打包 transfer 或 issueTokens 调用数据
func (t *DSToken) PackCall(method string, to common.Address, amount string) ([]byte, error) {
	if method != TokenMethodTransfer && method != TokenMethodIssueTokens {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedTokenMethod, method)
	}
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	units, err := t.ToBaseUnits(d)
	if err != nil {
		return nil, err
	}
	return t.abi.Pack(method, to, units)
}
