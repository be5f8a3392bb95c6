package eip712

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// DomainTypeString 带 salt 的域类型
const DomainTypeString = "EIP712Domain(string name,string version,uint256 chainId,address verifyingContract,bytes32 salt)"

// DomainTypeHash 域类型哈希
var DomainTypeHash = Keccak256Hash([]byte(DomainTypeString))

// DefaultSalt 链下多签钱包使用的固定 salt
var DefaultSalt = common.HexToHash("0x251543af6a222378665a76fe38dbceae4871a070b7fdaf5c6c30cf758dc33cc0")

// MultisigDomainName 链下多签钱包域名称
const MultisigDomainName = "Securitize Off-Chain Multisig Wallet"

// SigningDomain 签名域配置，创建后不可修改，可在同一合约实例的所有摘要计算间共享
type SigningDomain struct {
	Name              string         `json:"name" yaml:"name"`
	Version           string         `json:"version" yaml:"version"`
	ChainID           *big.Int       `json:"chainId" yaml:"chain_id"`
	VerifyingContract common.Address `json:"verifyingContract" yaml:"verifying_contract"`
	Salt              common.Hash    `json:"salt" yaml:"salt"`
}

// NewSigningDomain 从十六进制字符串构建签名域
// 合约地址必须是 20 字节，salt 必须是 32 字节，否则返回 ErrInvalidInputLength
func NewSigningDomain(name, version string, chainID int64, verifyingContract, salt string) (*SigningDomain, error) {
	contract, err := decodeFixed("verifyingContract", verifyingContract, addressSize)
	if err != nil {
		return nil, err
	}

	saltHash := DefaultSalt
	if salt != "" {
		b, err := decodeFixed("salt", salt, wordSize)
		if err != nil {
			return nil, err
		}
		saltHash = common.BytesToHash(b)
	}

	if chainID < 0 {
		return nil, fmt.Errorf("%w: negative chain id %d", ErrValueOverflow, chainID)
	}

	return &SigningDomain{
		Name:              name,
		Version:           version,
		ChainID:           big.NewInt(chainID),
		VerifyingContract: common.BytesToAddress(contract),
		Salt:              saltHash,
	}, nil
}

// Separator 计算域分隔符
func (d *SigningDomain) Separator() (common.Hash, error) {
	return BuildDomainSeparator(
		DomainTypeHash.Bytes(),
		Keccak256([]byte(d.Name)),
		Keccak256([]byte(d.Version)),
		d.ChainID,
		d.VerifyingContract.Bytes(),
		d.Salt.Bytes(),
	)
}

// String 返回便于日志的描述
func (d *SigningDomain) String() string {
	return fmt.Sprintf("%s v%s chain=%s contract=%s", d.Name, d.Version, d.ChainID, d.VerifyingContract.Hex())
}

// BuildDomainSeparator 按固定顺序拼接六个字段后哈希一次
//
//	keccak256(typeHash ‖ nameHash ‖ versionHash ‖ chainId ‖ verifyingContract ‖ salt)
func BuildDomainSeparator(domainTypeHash, nameHash, versionHash []byte, chainID *big.Int, verifyingContract, salt []byte) (common.Hash, error) {
	enc := newEncoder()
	enc.word("domainTypeHash", domainTypeHash)
	enc.word("nameHash", nameHash)
	enc.word("versionHash", versionHash)
	enc.uint("chainId", chainID)
	enc.address("verifyingContract", verifyingContract)
	enc.word("salt", salt)
	return enc.sum()
}

func decodeFixed(field, s string, size int) ([]byte, error) {
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		s = "0x" + s
	}
	b, err := hexutil.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidInputLength, field, err)
	}
	if len(b) != size {
		return nil, fmt.Errorf("%w: %s must be %d bytes, got %d", ErrInvalidInputLength, field, size, len(b))
	}
	return b, nil
}
