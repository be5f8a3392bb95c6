package signer

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	// ErrThresholdNotMet 多签合约会拒绝该签名集合，具体原因一并包装
	ErrThresholdNotMet = errors.New("signature threshold not met")

	ErrInvalidSignature = errors.New("invalid signature")
	ErrSignerOrder      = errors.New("signers not strictly ascending")
	ErrNotOwner         = errors.New("signer is not an owner")
)

// RecoverSigner 恢复签名者地址
func RecoverSigner(digest common.Hash, sig SignatureTriple) (common.Address, error) {
	raw, err := sig.Bytes()
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	r := new(big.Int).SetBytes(sig.R[:])
	s := new(big.Int).SetBytes(sig.S[:])
	if !crypto.ValidateSignatureValues(raw[64], r, s, true) {
		return common.Address{}, fmt.Errorf("%w: r/s out of range", ErrInvalidSignature)
	}
	pub, err := crypto.SigToPub(digest.Bytes(), raw)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// VerifyThreshold 按链上多签的规则校验签名集合
//
// 签名数等于 threshold，恢复出的地址严格升序（同时排除重复），且都是 owner。
func VerifyThreshold(digest common.Hash, bundle *SignatureBundle, owners []common.Address, threshold int) error {
	if bundle == nil {
		return fmt.Errorf("%w: nil bundle", ErrThresholdNotMet)
	}
	if err := bundle.validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrThresholdNotMet, err)
	}
	if threshold <= 0 || bundle.Len() != threshold {
		return fmt.Errorf("%w: have %d signatures, threshold %d", ErrThresholdNotMet, bundle.Len(), threshold)
	}

	isOwner := make(map[common.Address]struct{}, len(owners))
	for _, o := range owners {
		isOwner[o] = struct{}{}
	}

	var last common.Address
	for i := 0; i < bundle.Len(); i++ {
		recovered, err := RecoverSigner(digest, bundle.Triple(i))
		if err != nil {
			return fmt.Errorf("%w: index %d: %w", ErrThresholdNotMet, i, err)
		}
		if bytes.Compare(recovered.Bytes(), last.Bytes()) <= 0 {
			return fmt.Errorf("%w: %w: index %d %s", ErrThresholdNotMet, ErrSignerOrder, i, recovered.Hex())
		}
		if _, ok := isOwner[recovered]; !ok {
			return fmt.Errorf("%w: %w: %s", ErrThresholdNotMet, ErrNotOwner, recovered.Hex())
		}
		last = recovered
	}
	return nil
}
