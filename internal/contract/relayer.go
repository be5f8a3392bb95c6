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

// ErrMissingInvestor 预批准交易必须绑定投资人
var ErrMissingInvestor = errors.New("pre-approved transaction requires investor id")

// TransactionRelayerABI 预批准交易中继合约 ABI
// params 为 [value, gasLimit] 或 [value, gasLimit, blockLimit]
//
//	function executePreApprovedTransaction(uint8 sigV, bytes32 sigR, bytes32 sigS, string investorId, address destination, address executor, bytes data, uint256[] params) external;
//	function nonceByInvestor(string investorId) external view returns (uint256);
const TransactionRelayerABI = `[
	{
		"type": "function",
		"name": "executePreApprovedTransaction",
		"inputs": [
			{"name": "sigV", "type": "uint8"},
			{"name": "sigR", "type": "bytes32"},
			{"name": "sigS", "type": "bytes32"},
			{"name": "investorId", "type": "string"},
			{"name": "destination", "type": "address"},
			{"name": "executor", "type": "address"},
			{"name": "data", "type": "bytes"},
			{"name": "params", "type": "uint256[]"}
		],
		"outputs": [],
		"stateMutability": "nonpayable"
	},
	{
		"type": "function",
		"name": "nonceByInvestor",
		"inputs": [{"name": "investorId", "type": "string"}],
		"outputs": [{"name": "", "type": "uint256"}],
		"stateMutability": "view"
	}
]`

// PreApprovedArgs 为 executePreApprovedTransaction 调用解码后的参数
type PreApprovedArgs struct {
	SigV        uint8
	SigR        [32]byte
	SigS        [32]byte
	InvestorID  string `abi:"investorId"`
	Destination common.Address
	Executor    common.Address
	Data        []byte
	Params      []*big.Int
}

// Triple 还原签名
func (a *PreApprovedArgs) Triple() signer.SignatureTriple {
	return signer.SignatureTriple{V: uint64(a.SigV), R: a.SigR, S: a.SigS}
}

// ActionParameters 还原被签名的动作，nonce 由调用方按投资人 nonce 填入
func (a *PreApprovedArgs) ActionParameters(nonce *big.Int) (*eip712.ActionParameters, error) {
	if len(a.Params) < 2 || len(a.Params) > 3 {
		return nil, fmt.Errorf("unexpected params length %d", len(a.Params))
	}
	params := &eip712.ActionParameters{
		Destination: a.Destination,
		Value:       a.Params[0],
		Data:        a.Data,
		Nonce:       nonce,
		Executor:    a.Executor,
		GasLimit:    a.Params[1],
		InvestorID:  &a.InvestorID,
	}
	if len(a.Params) == 3 {
		params.BlockLimit = a.Params[2]
	}
	return params, nil
}

// TransactionRelayer 预批准中继合约
type TransactionRelayer struct {
	address common.Address
	abi     abi.ABI
	caller  bind.ContractCaller
}

// NewTransactionRelayer 创建中继合约绑定
func NewTransactionRelayer(address common.Address, caller bind.ContractCaller) (*TransactionRelayer, error) {
	parsed, err := abi.JSON(strings.NewReader(TransactionRelayerABI))
	if err != nil {
		return nil, err
	}
	return &TransactionRelayer{address: address, abi: parsed, caller: caller}, nil
}

// Address 合约地址
func (r *TransactionRelayer) Address() common.Address {
	return r.address
}

// PackExecutePreApproved 打包 executePreApprovedTransaction 调用数据
func (r *TransactionRelayer) PackExecutePreApproved(sig signer.SignatureTriple, params *eip712.ActionParameters) ([]byte, error) {
	if params.InvestorID == nil {
		return nil, ErrMissingInvestor
	}
	if sig.V > 255 {
		return nil, fmt.Errorf("%w: %d", ErrRecoveryIDSize, sig.V)
	}

	values := []*big.Int{bigOrZero(params.Value), bigOrZero(params.GasLimit)}
	if params.BlockLimit != nil {
		values = append(values, params.BlockLimit)
	}

	return r.abi.Pack("executePreApprovedTransaction",
		uint8(sig.V), [32]byte(sig.R), [32]byte(sig.S),
		*params.InvestorID,
		params.Destination,
		params.Executor,
		params.Data,
		values,
	)
}

// UnpackExecutePreApproved 解码 executePreApprovedTransaction 调用数据
func (r *TransactionRelayer) UnpackExecutePreApproved(input []byte) (*PreApprovedArgs, error) {
	method, err := r.abi.MethodById(input)
	if err != nil {
		return nil, err
	}
	if method.Name != "executePreApprovedTransaction" {
		return nil, fmt.Errorf("unexpected method %s", method.Name)
	}
	values, err := method.Inputs.Unpack(input[4:])
	if err != nil {
		return nil, err
	}
	var args PreApprovedArgs
	if err := method.Inputs.Copy(&args, values); err != nil {
		return nil, err
	}
	return &args, nil
}

// UnpackNonceByInvestor 解码 nonceByInvestor 参数
func (r *TransactionRelayer) UnpackNonceByInvestor(input []byte) (string, error) {
	method, err := r.abi.MethodById(input)
	if err != nil {
		return "", err
	}
	if method.Name != "nonceByInvestor" {
		return "", fmt.Errorf("unexpected method %s", method.Name)
	}
	values, err := method.Inputs.Unpack(input[4:])
	if err != nil {
		return "", err
	}
	return values[0].(string), nil
}

// PackNonceByInvestorResult 编码 nonceByInvestor 返回值
func (r *TransactionRelayer) PackNonceByInvestorResult(nonce *big.Int) ([]byte, error) {
	return r.abi.Methods["nonceByInvestor"].Outputs.Pack(nonce)
}

// NonceByInvestor 查询投资人 nonce
func (r *TransactionRelayer) NonceByInvestor(ctx context.Context, investorID string) (*big.Int, error) {
	if r.caller == nil {
		return nil, errors.New("contract caller not configured")
	}
	data, err := r.abi.Pack("nonceByInvestor", investorID)
	if err != nil {
		return nil, err
	}
	result, err := r.caller.CallContract(ctx, ethereum.CallMsg{To: &r.address, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	var out *big.Int
	if err := r.abi.UnpackIntoInterface(&out, "nonceByInvestor", result); err != nil {
		return nil, err
	}
	return out, nil
}
