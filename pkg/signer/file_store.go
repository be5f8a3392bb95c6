package signer

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
)

// FileStore 使用 keystore 目录中的加密 JSON 私钥文件签名
// 每次签名时解密，不缓存明文私钥
type FileStore struct {
	ks         *keystore.KeyStore
	passphrase string
}

// NewFileStore 打开 dir，scrypt 参数为零时使用 go-ethereum 标准参数
func NewFileStore(dir, passphrase string, scryptN, scryptP int) *FileStore {
	if scryptN == 0 || scryptP == 0 {
		scryptN, scryptP = keystore.StandardScryptN, keystore.StandardScryptP
	}
	return &FileStore{
		ks:         keystore.NewKeyStore(dir, scryptN, scryptP),
		passphrase: passphrase,
	}
}

// Import 加密写入私钥并返回地址
func (s *FileStore) Import(key *ecdsa.PrivateKey) (common.Address, error) {
	acct, err := s.ks.ImportECDSA(key, s.passphrase)
	if err != nil && !errors.Is(err, keystore.ErrAccountAlreadyExists) {
		return common.Address{}, fmt.Errorf("import key: %w", err)
	}
	return acct.Address, nil
}

// SignHash 实现 KeyStore
func (s *FileStore) SignHash(ctx context.Context, account common.Address, digest []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	acct, err := s.ks.Find(accounts.Account{Address: account})
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, account.Hex())
	}
	return s.ks.SignHashWithPassphrase(acct, s.passphrase, digest)
}

// Accounts 目录中的地址，升序
func (s *FileStore) Accounts() []common.Address {
	accs := s.ks.Accounts()
	out := make([]common.Address, len(accs))
	for i, a := range accs {
		out[i] = a.Address
	}
	SortAddresses(out)
	return out
}
