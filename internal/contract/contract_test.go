package contract

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/securitize-io/dstoken-sub004/pkg/eip712"
	"github.com/securitize-io/dstoken-sub004/pkg/signer"
)

var (
	walletAddr   = common.HexToAddress("0xABCDabcdabcdabcdabcdabcdabcdabcdabcdABCD")
	destination  = common.HexToAddress("0x1111111111111111111111111111111111111111")
	executorAddr = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

// fakeCaller 按方法选择器返回预置结果
type fakeCaller struct {
	results map[[4]byte][]byte
	err     error
	calls   []ethereum.CallMsg
}

func newFakeCaller() *fakeCaller {
	return &fakeCaller{results: make(map[[4]byte][]byte)}
}

func (f *fakeCaller) set(selector []byte, out []byte) {
	var key [4]byte
	copy(key[:], selector)
	f.results[key] = out
}

func (f *fakeCaller) CodeAt(ctx context.Context, contract common.Address, blockNumber *big.Int) ([]byte, error) {
	return []byte{0x60}, nil
}

func (f *fakeCaller) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	f.calls = append(f.calls, call)
	if f.err != nil {
		return nil, f.err
	}
	var key [4]byte
	copy(key[:], call.Data)
	out, ok := f.results[key]
	if !ok {
		return nil, errors.New("execution reverted")
	}
	return out, nil
}

func selector(sig string) []byte {
	return crypto.Keccak256([]byte(sig))[:4]
}

func testParams() *eip712.ActionParameters {
	return &eip712.ActionParameters{
		Destination: destination,
		Value:       big.NewInt(0),
		Data:        []byte{0xde, 0xad, 0xbe, 0xef},
		Nonce:       big.NewInt(3),
		Executor:    executorAddr,
		GasLimit:    big.NewInt(200000000),
	}
}

func TestMultiSigWallet_PackExecute(t *testing.T) {
	w, err := NewMultiSigWallet(walletAddr, nil)
	require.NoError(t, err)

	bundle := &signer.SignatureBundle{
		Signers: []common.Address{common.HexToAddress("0x03"), common.HexToAddress("0x02")},
		V:       []uint64{28, 27},
		R:       []common.Hash{common.HexToHash("0xa1"), common.HexToHash("0xa2")},
		S:       []common.Hash{common.HexToHash("0xb1"), common.HexToHash("0xb2")},
	}

	data, err := w.PackExecute(bundle, testParams())
	require.NoError(t, err)
	assert.Equal(t, selector("execute(uint8[],bytes32[],bytes32[],address,uint256,bytes,address,uint256)"), data[:4])

	args, err := w.UnpackExecute(data)
	require.NoError(t, err)
	assert.Equal(t, []uint8{28, 27}, args.SigV)
	assert.Equal(t, destination, args.Destination)
	assert.Equal(t, executorAddr, args.Executor)
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, args.Data)
	assert.Equal(t, int64(200000000), args.GasLimit.Int64())

	got := args.Bundle()
	assert.Equal(t, bundle.V, got.V)
	assert.Equal(t, bundle.R, got.R)
	assert.Equal(t, bundle.S, got.S)
}

func TestMultiSigWallet_PackExecuteErrors(t *testing.T) {
	w, err := NewMultiSigWallet(walletAddr, nil)
	require.NoError(t, err)

	_, err = w.PackExecute(&signer.SignatureBundle{}, testParams())
	assert.ErrorIs(t, err, ErrEmptyBundle)

	_, err = w.PackExecute(nil, testParams())
	assert.ErrorIs(t, err, ErrEmptyBundle)

	misaligned := &signer.SignatureBundle{V: []uint64{27}, R: []common.Hash{{}}}
	_, err = w.PackExecute(misaligned, testParams())
	assert.ErrorIs(t, err, ErrEmptyBundle)

	chainAdjusted := &signer.SignatureBundle{V: []uint64{37}, R: []common.Hash{{}}, S: []common.Hash{{}}}
	_, err = w.PackExecute(chainAdjusted, testParams())
	assert.NoError(t, err)

	tooWide := &signer.SignatureBundle{V: []uint64{2709}, R: []common.Hash{{}}, S: []common.Hash{{}}}
	_, err = w.PackExecute(tooWide, testParams())
	assert.ErrorIs(t, err, ErrRecoveryIDSize)

	_, err = w.UnpackExecute(append(selector("nonce()"), make([]byte, 32)...))
	assert.Error(t, err)
}

func TestMultiSigWallet_Views(t *testing.T) {
	caller := newFakeCaller()
	w, err := NewMultiSigWallet(walletAddr, caller)
	require.NoError(t, err)

	nonceOut, err := w.ABI().Methods["nonce"].Outputs.Pack(big.NewInt(7))
	require.NoError(t, err)
	caller.set(selector("nonce()"), nonceOut)

	thresholdOut, err := w.ABI().Methods["threshold"].Outputs.Pack(big.NewInt(2))
	require.NoError(t, err)
	caller.set(selector("threshold()"), thresholdOut)

	owners := []common.Address{common.HexToAddress("0x01"), common.HexToAddress("0x02")}
	ownersOut, err := w.ABI().Methods["getOwners"].Outputs.Pack(owners)
	require.NoError(t, err)
	caller.set(selector("getOwners()"), ownersOut)

	ctx := context.Background()

	nonce, err := w.Nonce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(7), nonce.Int64())

	threshold, err := w.Threshold(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), threshold)

	got, err := w.Owners(ctx)
	require.NoError(t, err)
	assert.Equal(t, owners, got)

	require.NotEmpty(t, caller.calls)
	assert.Equal(t, walletAddr, *caller.calls[0].To)

	caller.err = errors.New("rpc down")
	_, err = w.Nonce(ctx)
	assert.Error(t, err)

	unbound, err := NewMultiSigWallet(walletAddr, nil)
	require.NoError(t, err)
	_, err = unbound.Nonce(ctx)
	assert.Error(t, err)
}

func TestTransactionRelayer_PackExecutePreApproved(t *testing.T) {
	r, err := NewTransactionRelayer(walletAddr, nil)
	require.NoError(t, err)

	sig := signer.SignatureTriple{V: 27, R: common.HexToHash("0x01"), S: common.HexToHash("0x02")}

	_, err = r.PackExecutePreApproved(sig, testParams())
	assert.ErrorIs(t, err, ErrMissingInvestor)

	params := testParams().WithInvestor("usInvestorId").WithBlockLimit(1000)
	data, err := r.PackExecutePreApproved(sig, &params)
	require.NoError(t, err)

	method := r.abi.Methods["executePreApprovedTransaction"]
	assert.Equal(t, method.ID, data[:4])

	values, err := method.Inputs.Unpack(data[4:])
	require.NoError(t, err)
	assert.Equal(t, uint8(27), values[0])
	assert.Equal(t, "usInvestorId", values[3])
	assert.Equal(t, []string{"0", "200000000", "1000"}, bigStrings(values[7].([]*big.Int)))

	noLimit := testParams().WithInvestor("usInvestorId")
	data, err = r.PackExecutePreApproved(sig, &noLimit)
	require.NoError(t, err)
	values, err = method.Inputs.Unpack(data[4:])
	require.NoError(t, err)
	assert.Len(t, values[7], 2)

	_, err = r.PackExecutePreApproved(signer.SignatureTriple{V: 300}, &noLimit)
	assert.ErrorIs(t, err, ErrRecoveryIDSize)
}

func TestTransactionRelayer_NonceByInvestor(t *testing.T) {
	caller := newFakeCaller()
	r, err := NewTransactionRelayer(walletAddr, caller)
	require.NoError(t, err)

	out, err := r.abi.Methods["nonceByInvestor"].Outputs.Pack(big.NewInt(4))
	require.NoError(t, err)
	caller.set(selector("nonceByInvestor(string)"), out)

	nonce, err := r.NonceByInvestor(context.Background(), "usInvestorId")
	require.NoError(t, err)
	assert.Equal(t, int64(4), nonce.Int64())
}

func TestDSToken_ToBaseUnits(t *testing.T) {
	tok, err := NewDSToken(2)
	require.NoError(t, err)

	tests := []struct {
		amount  string
		want    int64
		wantErr bool
	}{
		{"1", 100, false},
		{"1.5", 150, false},
		{"0.01", 1, false},
		{"0", 0, false},
		{"0.001", 0, true},
		{"-1", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.amount, func(t *testing.T) {
			got, err := tok.ToBaseUnits(decimal.RequireFromString(tt.amount))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidAmount)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Int64())
		})
	}

	_, err = NewDSToken(-1)
	assert.Error(t, err)
}

func TestDSToken_PackCall(t *testing.T) {
	tok, err := NewDSToken(18)
	require.NoError(t, err)

	to := common.HexToAddress("0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC")
	data, err := tok.PackCall(TokenMethodTransfer, to, "1.5")
	require.NoError(t, err)
	assert.Equal(t, common.FromHex("0xa9059cbb"), data[:4])
	assert.Len(t, data, 4+64)
	assert.Equal(t, common.LeftPadBytes(to.Bytes(), 32), data[4:36])

	want, _ := new(big.Int).SetString("1500000000000000000", 10)
	assert.Equal(t, want, new(big.Int).SetBytes(data[36:]))

	data, err = tok.PackCall(TokenMethodIssueTokens, to, "10")
	require.NoError(t, err)
	assert.Equal(t, selector("issueTokens(address,uint256)"), data[:4])

	_, err = tok.PackCall("burn", to, "1")
	assert.ErrorIs(t, err, ErrUnsupportedTokenMethod)

	_, err = tok.PackCall(TokenMethodTransfer, to, "abc")
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestTransactionRelayer_UnpackExecutePreApproved(t *testing.T) {
	r, err := NewTransactionRelayer(walletAddr, nil)
	require.NoError(t, err)

	sig := signer.SignatureTriple{V: 28, R: common.HexToHash("0x0a"), S: common.HexToHash("0x0b")}
	params := testParams().WithInvestor("usInvestorId").WithBlockLimit(1000)
	data, err := r.PackExecutePreApproved(sig, &params)
	require.NoError(t, err)

	args, err := r.UnpackExecutePreApproved(data)
	require.NoError(t, err)
	assert.Equal(t, "usInvestorId", args.InvestorID)
	assert.Equal(t, sig, args.Triple())

	decoded, err := args.ActionParameters(params.Nonce)
	require.NoError(t, err)

	want, err := eip712.BuildActionDigest(eip712.LayoutExtended, eip712.PreApprovedTransactionTypeHash[:], &params)
	require.NoError(t, err)
	got, err := eip712.BuildActionDigest(eip712.LayoutExtended, eip712.PreApprovedTransactionTypeHash[:], decoded)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	query, err := r.abi.Pack("nonceByInvestor", "usInvestorId")
	require.NoError(t, err)
	investor, err := r.UnpackNonceByInvestor(query)
	require.NoError(t, err)
	assert.Equal(t, "usInvestorId", investor)

	_, err = r.UnpackExecutePreApproved(query)
	assert.Error(t, err)
}

// bigStrings 按十进制比较，避免 big.Int 内部表示差异影响 deep-equal
func bigStrings(vs []*big.Int) []string {
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = v.String()
	}
	return out
}
