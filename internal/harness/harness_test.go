package harness

import (
	"bytes"
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/securitize-io/dstoken-sub004/internal/contract"
	"github.com/securitize-io/dstoken-sub004/pkg/eip712"
	"github.com/securitize-io/dstoken-sub004/pkg/signer"
)

const (
	testChainID  = 31337
	submitterHex = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
)

func TestNewSignerSet(t *testing.T) {
	a, err := NewSignerSet("owners", 3)
	require.NoError(t, err)
	b, err := NewSignerSet("owners", 3)
	require.NoError(t, err)

	assert.Equal(t, a.Addresses(), b.Addresses(), "same seed must derive the same signers")
	assert.Len(t, a.Identities, 3)

	addrs := a.Addresses()
	for i := 1; i < len(addrs); i++ {
		assert.Equal(t, -1, bytes.Compare(addrs[i-1].Bytes(), addrs[i].Bytes()))
	}
	assert.Equal(t, "owners-0", a.Identities[0].Label)

	other, err := NewSignerSet("approvers", 3)
	require.NoError(t, err)
	assert.NotEqual(t, a.Addresses(), other.Addresses())

	key := a.PrivateKeyHex(addrs[1])
	require.NotEmpty(t, key)
	priv, err := crypto.HexToECDSA(key)
	require.NoError(t, err)
	assert.Equal(t, addrs[1], crypto.PubkeyToAddress(priv.PublicKey))
	assert.Empty(t, a.PrivateKeyHex(common.HexToAddress("0x01")))

	picked := a.Pick(2, 0)
	assert.Equal(t, addrs[2], picked[0].Address)
	assert.Equal(t, addrs[0], picked[1].Address)

	_, err = NewSignerSet("owners", 0)
	assert.Error(t, err)
}

func TestInvestorRegion(t *testing.T) {
	tests := []struct {
		country string
		want    Region
	}{
		{"us", RegionUS},
		{"DE", RegionEU},
		{"fr", RegionEU},
		{"JP", RegionJP},
		{"BR", RegionOther},
	}
	for _, tt := range tests {
		t.Run(tt.country, func(t *testing.T) {
			assert.Equal(t, tt.want, NewInvestor("inv", tt.country, false).Region())
		})
	}
	assert.Equal(t, NewInvestor("a", "US", true).Wallet, NewInvestor("a", "DE", false).Wallet)
	assert.NotEqual(t, NewInvestor("a", "US", true).Wallet, NewInvestor("b", "US", true).Wallet)
	assert.Equal(t, "EU", RegionEU.String())
}

func TestCounters(t *testing.T) {
	c := NewCounters()
	usAcc := NewInvestor("1", "US", true)
	euRetail := NewInvestor("2", "DE", false)
	euAcc := NewInvestor("3", "FR", true)
	jp := NewInvestor("4", "JP", false)

	for _, inv := range []Investor{usAcc, euRetail, euAcc, jp} {
		c.Add(inv)
	}
	assert.Equal(t, Counters{Total: 4, US: 1, USAccredited: 1, EURetail: 1, JP: 1, Accredited: 2}, *c)

	c.Remove(euRetail)
	c.Remove(usAcc)
	assert.Equal(t, Counters{Total: 2, JP: 1, Accredited: 1}, *c)
}

// sendTx 以 hardhat #0 账户签名并发送交易
func sendTx(t *testing.T, node *ChainNode, to common.Address, data []byte) *SubmittedTx {
	t.Helper()
	ctx := context.Background()

	client, err := ethclient.Dial(node.URL())
	require.NoError(t, err)
	defer client.Close()

	key, err := crypto.HexToECDSA(submitterHex)
	require.NoError(t, err)
	from := crypto.PubkeyToAddress(key.PublicKey)

	nonce, err := client.PendingNonceAt(ctx, from)
	require.NoError(t, err)
	tx := types.NewTransaction(nonce, to, new(big.Int), 300_000, big.NewInt(defaultGasPrice), data)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(big.NewInt(testChainID)), key)
	require.NoError(t, err)
	require.NoError(t, client.SendTransaction(ctx, signed))

	submitted := node.Submitted()
	require.NotEmpty(t, submitted)
	last := submitted[len(submitted)-1]
	require.Equal(t, signed.Hash(), last.Hash)
	return last
}

func TestChainNode_MultisigExecute(t *testing.T) {
	node, err := NewChainNode(testChainID)
	require.NoError(t, err)
	defer node.Close()

	set, err := NewSignerSet("multisig", 3)
	require.NoError(t, err)

	walletAddr := common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	domain, err := eip712.NewSigningDomain(eip712.MultisigDomainName, "1", testChainID, walletAddr.Hex(), "")
	require.NoError(t, err)
	node.DeployMultisig(walletAddr, domain, set.Addresses(), 2, 0)

	wallet, err := contract.NewMultiSigWallet(walletAddr, nil)
	require.NoError(t, err)
	collector := signer.NewCollector()

	params := func(nonce uint64) *eip712.ActionParameters {
		return &eip712.ActionParameters{
			Destination: common.HexToAddress("0x1111111111111111111111111111111111111111"),
			Value:       new(big.Int),
			Data:        []byte{0xa9, 0x05, 0x9c, 0xbb},
			Nonce:       new(big.Int).SetUint64(nonce),
			GasLimit:    big.NewInt(100_000),
		}
	}

	sign := func(p *eip712.ActionParameters, signers []signer.SignerIdentity) []byte {
		digest, err := eip712.HashAction(domain, eip712.LayoutBase, eip712.MultiSigTransactionTypeHash[:], p)
		require.NoError(t, err)
		bundle, err := collector.Collect(context.Background(), signers, digest)
		require.NoError(t, err)
		data, err := wallet.PackExecute(bundle, p)
		require.NoError(t, err)
		return data
	}

	t.Run("ascending signers accepted", func(t *testing.T) {
		rec := sendTx(t, node, walletAddr, sign(params(0), set.Pick(0, 1)))
		assert.True(t, rec.Success, rec.Reason)
		assert.Equal(t, uint64(1), node.MultisigNonce(walletAddr))
	})

	t.Run("descending signers rejected", func(t *testing.T) {
		rec := sendTx(t, node, walletAddr, sign(params(1), set.Pick(1, 0)))
		assert.False(t, rec.Success)
		assert.Contains(t, rec.Reason, signer.ErrSignerOrder.Error())
		assert.Equal(t, uint64(1), node.MultisigNonce(walletAddr))
	})

	t.Run("stale nonce rejected", func(t *testing.T) {
		rec := sendTx(t, node, walletAddr, sign(params(0), set.Pick(1, 2)))
		assert.False(t, rec.Success)
	})

	t.Run("non owner rejected", func(t *testing.T) {
		outsiders, err := NewSignerSet("outsiders", 2)
		require.NoError(t, err)
		rec := sendTx(t, node, walletAddr, sign(params(1), outsiders.Identities))
		assert.False(t, rec.Success)
	})
}

func TestChainNode_MultisigViews(t *testing.T) {
	node, err := NewChainNode(testChainID)
	require.NoError(t, err)
	defer node.Close()

	set, err := NewSignerSet("views", 3)
	require.NoError(t, err)
	walletAddr := common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	domain, err := eip712.NewSigningDomain(eip712.MultisigDomainName, "1", testChainID, walletAddr.Hex(), "")
	require.NoError(t, err)
	node.DeployMultisig(walletAddr, domain, set.Addresses(), 2, 5)

	client, err := ethclient.Dial(node.URL())
	require.NoError(t, err)
	defer client.Close()

	wallet, err := contract.NewMultiSigWallet(walletAddr, client)
	require.NoError(t, err)
	ctx := context.Background()

	nonce, err := wallet.Nonce(ctx)
	require.NoError(t, err)
	assert.Equal(t, "5", nonce.String())

	threshold, err := wallet.Threshold(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), threshold)

	owners, err := wallet.Owners(ctx)
	require.NoError(t, err)
	assert.Equal(t, set.Addresses(), owners)

	node.SetMultisigNonce(walletAddr, 9)
	nonce, err = wallet.Nonce(ctx)
	require.NoError(t, err)
	assert.Equal(t, "9", nonce.String())
}

func TestChainNode_RelayerExecute(t *testing.T) {
	node, err := NewChainNode(testChainID)
	require.NoError(t, err)
	defer node.Close()

	set, err := NewSignerSet("approver", 1)
	require.NoError(t, err)
	approver := set.Identities[0]

	relayerAddr := common.HexToAddress("0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512")
	domain, err := eip712.NewSigningDomain(eip712.MultisigDomainName, "1", testChainID, relayerAddr.Hex(), "")
	require.NoError(t, err)
	node.DeployRelayer(relayerAddr, domain, approver.Address)

	client, err := ethclient.Dial(node.URL())
	require.NoError(t, err)
	defer client.Close()
	relayer, err := contract.NewTransactionRelayer(relayerAddr, client)
	require.NoError(t, err)

	nonce, err := relayer.NonceByInvestor(context.Background(), "investor-1")
	require.NoError(t, err)
	assert.Zero(t, nonce.Int64())

	base := eip712.ActionParameters{
		Destination: common.HexToAddress("0x2222222222222222222222222222222222222222"),
		Value:       new(big.Int),
		Data:        []byte{0x01},
		Nonce:       nonce,
		GasLimit:    big.NewInt(80_000),
	}
	params := base.WithInvestor("investor-1").WithBlockLimit(100)

	digest, err := eip712.HashAction(domain, eip712.LayoutExtended, eip712.PreApprovedTransactionTypeHash[:], &params)
	require.NoError(t, err)
	sig, err := signer.NewCollector().PreApprove(context.Background(), approver, digest)
	require.NoError(t, err)
	data, err := relayer.PackExecutePreApproved(sig, &params)
	require.NoError(t, err)

	rec := sendTx(t, node, relayerAddr, data)
	assert.True(t, rec.Success, rec.Reason)
	assert.Equal(t, uint64(1), node.InvestorNonce(relayerAddr, "investor-1"))

	nonce, err = relayer.NonceByInvestor(context.Background(), "investor-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), nonce.Int64())

	// 重放同一签名时投资人 nonce 已变化
	rec = sendTx(t, node, relayerAddr, data)
	assert.False(t, rec.Success)
	assert.Equal(t, "invalid signature", rec.Reason)
}
