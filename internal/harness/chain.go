package harness

import (
	"errors"
	"fmt"
	"math/big"
	"net/http/httptest"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/securitize-io/dstoken-sub004/internal/contract"
	"github.com/securitize-io/dstoken-sub004/pkg/eip712"
	"github.com/securitize-io/dstoken-sub004/pkg/signer"
)

const (
	defaultGasPrice = 1_000_000_000
	defaultGas      = 150_000
)

// ErrReverted 模拟合约 revert
var ErrReverted = errors.New("execution reverted")

// SubmittedTx 节点收到的交易
type SubmittedTx struct {
	Hash    common.Hash
	From    common.Address
	To      common.Address
	Data    []byte
	Success bool
	Reason  string
}

// multisigState 模拟 MultiSigWallet 的校验逻辑
type multisigState struct {
	domain    *eip712.SigningDomain
	owners    []common.Address
	threshold int
	nonce     *big.Int
}

// relayerState 模拟 TransactionRelayer 的校验逻辑
type relayerState struct {
	domain   *eip712.SigningDomain
	approver common.Address
	nonces   map[string]*big.Int
}

// ChainNode 内存中的 EVM JSON-RPC 节点，只实现签名服务用到的方法
type ChainNode struct {
	chainID *big.Int
	server  *rpc.Server
	http    *httptest.Server

	wallet  *contract.MultiSigWallet
	relayer *contract.TransactionRelayer

	mu        sync.Mutex
	block     uint64
	nonces    map[common.Address]uint64
	multisig  map[common.Address]*multisigState
	relayers  map[common.Address]*relayerState
	txs       map[common.Hash]*SubmittedTx
	submitted []*SubmittedTx
	failure   error
}

// NewChainNode 启动节点，调用方负责 Close
func NewChainNode(chainID int64) (*ChainNode, error) {
	wallet, err := contract.NewMultiSigWallet(common.Address{}, nil)
	if err != nil {
		return nil, err
	}
	relayer, err := contract.NewTransactionRelayer(common.Address{}, nil)
	if err != nil {
		return nil, err
	}

	n := &ChainNode{
		chainID:  big.NewInt(chainID),
		server:   rpc.NewServer(),
		wallet:   wallet,
		relayer:  relayer,
		block:    1,
		nonces:   make(map[common.Address]uint64),
		multisig: make(map[common.Address]*multisigState),
		relayers: make(map[common.Address]*relayerState),
		txs:      make(map[common.Hash]*SubmittedTx),
	}
	if err := n.server.RegisterName("eth", &ethAPI{node: n}); err != nil {
		return nil, err
	}
	n.http = httptest.NewServer(n.server)
	return n, nil
}

// URL HTTP RPC 地址
func (n *ChainNode) URL() string {
	return n.http.URL
}

// Close 停止节点
func (n *ChainNode) Close() {
	n.http.Close()
	n.server.Stop()
}

// DeployMultisig 在 addr 部署一个多签钱包
func (n *ChainNode) DeployMultisig(addr common.Address, domain *eip712.SigningDomain, owners []common.Address, threshold int, nonce uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.multisig[addr] = &multisigState{
		domain:    domain,
		owners:    append([]common.Address(nil), owners...),
		threshold: threshold,
		nonce:     new(big.Int).SetUint64(nonce),
	}
}

// DeployRelayer 在 addr 部署一个预批准中继合约
func (n *ChainNode) DeployRelayer(addr common.Address, domain *eip712.SigningDomain, approver common.Address) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.relayers[addr] = &relayerState{domain: domain, approver: approver, nonces: make(map[string]*big.Int)}
}

// MultisigNonce 多签钱包当前 nonce
func (n *ChainNode) MultisigNonce(addr common.Address) uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	if ms, ok := n.multisig[addr]; ok {
		return ms.nonce.Uint64()
	}
	return 0
}

// SetMultisigNonce 模拟其他参与方已执行交易
func (n *ChainNode) SetMultisigNonce(addr common.Address, nonce uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if ms, ok := n.multisig[addr]; ok {
		ms.nonce = new(big.Int).SetUint64(nonce)
	}
}

// InvestorNonce 中继合约中投资人的 nonce
func (n *ChainNode) InvestorNonce(addr common.Address, investorID string) uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	if r, ok := n.relayers[addr]; ok {
		if v, ok := r.nonces[investorID]; ok {
			return v.Uint64()
		}
	}
	return 0
}

// Submitted 已收到的交易
func (n *ChainNode) Submitted() []*SubmittedTx {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*SubmittedTx(nil), n.submitted...)
}

// Fail 令后续所有请求返回 err，nil 恢复
func (n *ChainNode) Fail(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failure = err
}

func (n *ChainNode) checkFailure() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.failure
}

// call 处理只读调用，调用方持有锁
func (n *ChainNode) call(to common.Address, input []byte) ([]byte, error) {
	if ms, ok := n.multisig[to]; ok {
		method, err := n.wallet.ABI().MethodById(input)
		if err != nil {
			return nil, ErrReverted
		}
		switch method.Name {
		case "nonce":
			return method.Outputs.Pack(ms.nonce)
		case "threshold":
			return method.Outputs.Pack(big.NewInt(int64(ms.threshold)))
		case "getOwners":
			return method.Outputs.Pack(ms.owners)
		}
		return nil, ErrReverted
	}
	if r, ok := n.relayers[to]; ok {
		investor, err := n.relayer.UnpackNonceByInvestor(input)
		if err != nil {
			return nil, ErrReverted
		}
		nonce := r.nonces[investor]
		if nonce == nil {
			nonce = new(big.Int)
		}
		return n.relayer.PackNonceByInvestorResult(nonce)
	}
	return nil, fmt.Errorf("%w: no contract at %s", ErrReverted, to.Hex())
}

// execute 执行交易并返回是否成功，调用方持有锁
func (n *ChainNode) execute(from, to common.Address, input []byte) (bool, string) {
	if ms, ok := n.multisig[to]; ok {
		args, err := n.wallet.UnpackExecute(input)
		if err != nil {
			return false, err.Error()
		}
		if args.Executor != (common.Address{}) && args.Executor != from {
			return false, "wrong executor"
		}
		params := &eip712.ActionParameters{
			Destination: args.Destination,
			Value:       args.Value,
			Data:        args.Data,
			Nonce:       ms.nonce,
			Executor:    args.Executor,
			GasLimit:    args.GasLimit,
		}
		digest, err := eip712.HashAction(ms.domain, eip712.LayoutBase, eip712.MultiSigTransactionTypeHash[:], params)
		if err != nil {
			return false, err.Error()
		}
		if err := signer.VerifyThreshold(digest, args.Bundle(), ms.owners, ms.threshold); err != nil {
			return false, err.Error()
		}
		ms.nonce = new(big.Int).Add(ms.nonce, big.NewInt(1))
		return true, ""
	}

	if r, ok := n.relayers[to]; ok {
		args, err := n.relayer.UnpackExecutePreApproved(input)
		if err != nil {
			return false, err.Error()
		}
		nonce := r.nonces[args.InvestorID]
		if nonce == nil {
			nonce = new(big.Int)
		}
		params, err := args.ActionParameters(nonce)
		if err != nil {
			return false, err.Error()
		}
		if params.BlockLimit != nil && params.BlockLimit.Cmp(new(big.Int).SetUint64(n.block)) < 0 {
			return false, "block limit exceeded"
		}
		digest, err := eip712.HashAction(r.domain, eip712.LayoutExtended, eip712.PreApprovedTransactionTypeHash[:], params)
		if err != nil {
			return false, err.Error()
		}
		recovered, err := signer.RecoverSigner(digest, args.Triple())
		if err != nil || recovered != r.approver {
			return false, "invalid signature"
		}
		r.nonces[args.InvestorID] = new(big.Int).Add(nonce, big.NewInt(1))
		return true, ""
	}

	return true, ""
}

// callArgs eth_call / eth_estimateGas 参数
type callArgs struct {
	From  *common.Address `json:"from"`
	To    *common.Address `json:"to"`
	Data  *hexutil.Bytes  `json:"data"`
	Input *hexutil.Bytes  `json:"input"`
}

func (a callArgs) input() []byte {
	if a.Input != nil {
		return *a.Input
	}
	if a.Data != nil {
		return *a.Data
	}
	return nil
}

// ethAPI eth 命名空间
type ethAPI struct {
	node *ChainNode
}

func (api *ethAPI) ChainId() (*hexutil.Big, error) {
	if err := api.node.checkFailure(); err != nil {
		return nil, err
	}
	return (*hexutil.Big)(api.node.chainID), nil
}

func (api *ethAPI) BlockNumber() (hexutil.Uint64, error) {
	if err := api.node.checkFailure(); err != nil {
		return 0, err
	}
	api.node.mu.Lock()
	defer api.node.mu.Unlock()
	return hexutil.Uint64(api.node.block), nil
}

func (api *ethAPI) GasPrice() (*hexutil.Big, error) {
	if err := api.node.checkFailure(); err != nil {
		return nil, err
	}
	return (*hexutil.Big)(big.NewInt(defaultGasPrice)), nil
}

func (api *ethAPI) GetTransactionCount(addr common.Address, block string) (hexutil.Uint64, error) {
	if err := api.node.checkFailure(); err != nil {
		return 0, err
	}
	api.node.mu.Lock()
	defer api.node.mu.Unlock()
	return hexutil.Uint64(api.node.nonces[addr]), nil
}

func (api *ethAPI) GetCode(addr common.Address, block string) (hexutil.Bytes, error) {
	if err := api.node.checkFailure(); err != nil {
		return nil, err
	}
	api.node.mu.Lock()
	defer api.node.mu.Unlock()
	_, ms := api.node.multisig[addr]
	_, rl := api.node.relayers[addr]
	if ms || rl {
		return hexutil.Bytes{0x60, 0x80}, nil
	}
	return hexutil.Bytes{}, nil
}

func (api *ethAPI) Call(args callArgs, block *string) (hexutil.Bytes, error) {
	if err := api.node.checkFailure(); err != nil {
		return nil, err
	}
	if args.To == nil {
		return nil, ErrReverted
	}
	api.node.mu.Lock()
	defer api.node.mu.Unlock()
	return api.node.call(*args.To, args.input())
}

func (api *ethAPI) EstimateGas(args callArgs, block *string) (hexutil.Uint64, error) {
	if err := api.node.checkFailure(); err != nil {
		return 0, err
	}
	return hexutil.Uint64(defaultGas), nil
}

func (api *ethAPI) SendRawTransaction(raw hexutil.Bytes) (common.Hash, error) {
	node := api.node
	if err := node.checkFailure(); err != nil {
		return common.Hash{}, err
	}

	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return common.Hash{}, err
	}
	from, err := types.Sender(types.LatestSignerForChainID(node.chainID), tx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("invalid sender: %w", err)
	}

	node.mu.Lock()
	defer node.mu.Unlock()

	if _, ok := node.txs[tx.Hash()]; ok {
		return common.Hash{}, errors.New("already known")
	}
	if expected := node.nonces[from]; tx.Nonce() != expected {
		return common.Hash{}, fmt.Errorf("nonce too low: have %d, want %d", tx.Nonce(), expected)
	}
	node.nonces[from]++
	node.block++

	var to common.Address
	if tx.To() != nil {
		to = *tx.To()
	}
	ok, reason := node.execute(from, to, tx.Data())
	rec := &SubmittedTx{Hash: tx.Hash(), From: from, To: to, Data: tx.Data(), Success: ok, Reason: reason}
	node.txs[tx.Hash()] = rec
	node.submitted = append(node.submitted, rec)
	return tx.Hash(), nil
}

func (api *ethAPI) GetTransactionReceipt(hash common.Hash) (*types.Receipt, error) {
	node := api.node
	if err := node.checkFailure(); err != nil {
		return nil, err
	}
	node.mu.Lock()
	defer node.mu.Unlock()

	rec, ok := node.txs[hash]
	if !ok {
		return nil, nil
	}
	status := types.ReceiptStatusFailed
	if rec.Success {
		status = types.ReceiptStatusSuccessful
	}
	return &types.Receipt{
		Type:              types.LegacyTxType,
		Status:            status,
		CumulativeGasUsed: defaultGas,
		Logs:              []*types.Log{},
		TxHash:            hash,
		GasUsed:           defaultGas,
		EffectiveGasPrice: big.NewInt(defaultGasPrice),
		BlockNumber:       new(big.Int).SetUint64(node.block),
	}, nil
}
