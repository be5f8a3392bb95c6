// Package contract DSToken 授权相关合约的 ABI 绑定
//
// 只绑定签名服务用到的入口：链下多签钱包、预批准交易中继合约和代币合约。
package contract

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"

	"github.com/securitize-io/dstoken-sub004/pkg/eip712"
	"github.com/securitize-io/dstoken-sub004/pkg/signer"
)

// 多签合约错误
var (
	ErrEmptyBundle    = errors.New("empty signature bundle")
	ErrRecoveryIDSize = errors.New("recovery id does not fit uint8")
)

// MultiSigWalletABI 链下多签钱包 ABI
//
//	function execute(uint8[] sigV, bytes32[] sigR, bytes32[] sigS, address destination, uint256 value, bytes data, address executor, uint256 gasLimit) external;
//	function nonce() external view returns (uint256);
//	function threshold() external view returns (uint256);
//	function getOwners() external view returns (address[]);
const MultiSigWalletABI = `[
	{
		"type": "function",
		"name": "execute",
		"inputs": [
			{"name": "sigV", "type": "uint8[]"},
			{"name": "sigR", "type": "bytes32[]"},
			{"name": "sigS", "type": "bytes32[]"},
			{"name": "destination", "type": "address"},
			{"name": "value", "type": "uint256"},
			{"name": "data", "type": "bytes"},
			{"name": "executor", "type": "address"},
			{"name": "gasLimit", "type": "uint256"}
		],
		"outputs": [],
		"stateMutability": "nonpayable"
	},
	{
		"type": "function",
		"name": "nonce",
		"inputs": [],
		"outputs": [{"name": "", "type": "uint256"}],
		"stateMutability": "view"
	},
	{
		"type": "function",
		"name": "threshold",
		"inputs": [],
		"outputs": [{"name": "", "type": "uint256"}],
		"stateMutability": "view"
	},
	{
		"type": "function",
		"name": "getOwners",
		"inputs": [],
		"outputs": [{"name": "", "type": "address[]"}],
		"stateMutability": "view"
	}
]`

// ExecuteArgs 为 execute 调用解码后的参数
type ExecuteArgs struct {
	SigV        []uint8
	SigR        [][32]byte
	SigS        [][32]byte
	Destination common.Address
	Value       *big.Int
	Data        []byte
	Executor    common.Address
	GasLimit    *big.Int
}

// Bundle 还原签名数组
func (a *ExecuteArgs) Bundle() *signer.SignatureBundle {
	b := &signer.SignatureBundle{
		V: make([]uint64, len(a.SigV)),
		R: make([]common.Hash, len(a.SigR)),
		S: make([]common.Hash, len(a.SigS)),
	}
	for i, v := range a.SigV {
		b.V[i] = uint64(v)
	}
	for i, r := range a.SigR {
		b.R[i] = common.Hash(r)
	}
	for i, s := range a.SigS {
		b.S[i] = common.Hash(s)
	}
	return b
}

// MultiSigWallet 多签钱包合约
type MultiSigWallet struct {
	address common.Address
	abi     abi.ABI
	caller  bind.ContractCaller
}

// NewMultiSigWallet 创建多签钱包绑定，只打包调用数据时 caller 可为 nil
func NewMultiSigWallet(address common.Address, caller bind.ContractCaller) (*MultiSigWallet, error) {
	parsed, err := abi.JSON(strings.NewReader(MultiSigWalletABI))
	if err != nil {
		return nil, err
	}
	return &MultiSigWallet{address: address, abi: parsed, caller: caller}, nil
}

// Address 合约地址
func (w *MultiSigWallet) Address() common.Address {
	return w.address
}

// ABI 合约 ABI
func (w *MultiSigWallet) ABI() *abi.ABI {
	return &w.abi
}

// PackExecute 打包 execute 调用数据，签名顺序保持不变
func (w *MultiSigWallet) PackExecute(bundle *signer.SignatureBundle, params *eip712.ActionParameters) ([]byte, error) {
	if bundle == nil || bundle.Len() == 0 {
		return nil, ErrEmptyBundle
	}
	if len(bundle.R) != len(bundle.V) || len(bundle.S) != len(bundle.V) {
		return nil, fmt.Errorf("%w: mismatched arrays", ErrEmptyBundle)
	}
	sigV, err := bundle.Uint8V()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRecoveryIDSize, err)
	}
	sigR := make([][32]byte, len(bundle.R))
	sigS := make([][32]byte, len(bundle.S))
	for i := range bundle.R {
		sigR[i] = bundle.R[i]
		sigS[i] = bundle.S[i]
	}

	return w.abi.Pack("execute",
		sigV, sigR, sigS,
		params.Destination,
		bigOrZero(params.Value),
		params.Data,
		params.Executor,
		bigOrZero(params.GasLimit),
	)
}

// UnpackExecute 解码 execute 调用数据（含 4 字节选择器）
func (w *MultiSigWallet) UnpackExecute(input []byte) (*ExecuteArgs, error) {
	method, err := w.abi.MethodById(input)
	if err != nil {
		return nil, err
	}
	if method.Name != "execute" {
		return nil, fmt.Errorf("unexpected method %s", method.Name)
	}
	values, err := method.Inputs.Unpack(input[4:])
	if err != nil {
		return nil, err
	}
	var args ExecuteArgs
	if err := method.Inputs.Copy(&args, values); err != nil {
		return nil, err
	}
	return &args, nil
}

// Nonce 查询钱包当前 nonce
func (w *MultiSigWallet) Nonce(ctx context.Context) (*big.Int, error) {
	var out *big.Int
	if err := w.call(ctx, "nonce", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Threshold 查询所需签名数
func (w *MultiSigWallet) Threshold(ctx context.Context) (uint64, error) {
	var out *big.Int
	if err := w.call(ctx, "threshold", &out); err != nil {
		return 0, err
	}
	if !out.IsUint64() {
		return 0, fmt.Errorf("threshold out of range: %s", out)
	}
	return out.Uint64(), nil
}

// Owners 查询钱包 owner 列表
func (w *MultiSigWallet) Owners(ctx context.Context) ([]common.Address, error) {
	var out []common.Address
	if err := w.call(ctx, "getOwners", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (w *MultiSigWallet) call(ctx context.Context, method string, out interface{}) error {
	if w.caller == nil {
		return errors.New("contract caller not configured")
	}
	data, err := w.abi.Pack(method)
	if err != nil {
		return err
	}
	result, err := w.caller.CallContract(ctx, ethereum.CallMsg{To: &w.address, Data: data}, nil)
	if err != nil {
		return err
	}
	return w.abi.UnpackIntoInterface(out, method, result)
}

func bigOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
