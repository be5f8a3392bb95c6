package eip712

import (
	"github.com/ethereum/go-ethereum/common"
)

// SigningPrefix 结构化签名版本前缀 0x19 0x01
var SigningPrefix = [2]byte{0x19, 0x01}

// ComposeDigest 计算最终签名摘要
//
//	keccak256(0x19 ‖ 0x01 ‖ domainSeparator ‖ actionDigest)
func ComposeDigest(domainSeparator, actionDigest []byte) (common.Hash, error) {
	enc := newEncoder()
	enc.h.Write(SigningPrefix[:])
	enc.word("domainSeparator", domainSeparator)
	enc.word("actionDigest", actionDigest)
	return enc.sum()
}

// HashAction 域分隔符、动作摘要、最终摘要一次完成
func HashAction(domain *SigningDomain, layout Layout, actionTypeHash []byte, params *ActionParameters) (common.Hash, error) {
	separator, err := domain.Separator()
	if err != nil {
		return common.Hash{}, err
	}
	return HashActionWithSeparator(separator, layout, actionTypeHash, params)
}

// HashActionWithSeparator 使用已缓存的域分隔符计算最终摘要
func HashActionWithSeparator(separator common.Hash, layout Layout, actionTypeHash []byte, params *ActionParameters) (common.Hash, error) {
	action, err := BuildActionDigest(layout, actionTypeHash, params)
	if err != nil {
		return common.Hash{}, err
	}
	return ComposeDigest(separator.Bytes(), action.Bytes())
}
