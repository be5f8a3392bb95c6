package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/securitize-io/dstoken-sub004/internal/config"
	"github.com/securitize-io/dstoken-sub004/pkg/circuitbreaker"
	"github.com/securitize-io/dstoken-sub004/pkg/logger"
	"github.com/securitize-io/dstoken-sub004/pkg/signer"
)

// newKeyStore 按配置创建签名密钥存储，返回的 closer 在关闭时调用
func newKeyStore(ctx context.Context, cfg *config.KeyStoreConfig) (signer.KeyStore, func(), error) {
	noop := func() {}

	switch cfg.Kind {
	case config.KeyStoreMemory:
		store, err := signer.NewMemoryStore(cfg.Keys...)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("memory key store loaded", zap.Int("accounts", len(store.Accounts())))
		return store, noop, nil

	case config.KeyStoreFile:
		scryptN, scryptP := keystore.StandardScryptN, keystore.StandardScryptP
		if cfg.LightScrypt {
			scryptN, scryptP = keystore.LightScryptN, keystore.LightScryptP
		}
		store := signer.NewFileStore(cfg.Dir, cfg.Passphrase, scryptN, scryptP)
		// 配置中的明文私钥导入后即以加密文件保存
		for i, h := range cfg.Keys {
			key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(h), "0x"))
			if err != nil {
				return nil, nil, fmt.Errorf("parse private key %d: invalid key", i)
			}
			if _, err := store.Import(key); err != nil {
				return nil, nil, err
			}
		}
		logger.Info("file key store opened",
			zap.String("dir", cfg.Dir),
			zap.Int("accounts", len(store.Accounts())))
		return store, noop, nil

	case config.KeyStoreRemote:
		store, err := signer.DialRemoteStore(ctx, cfg.RemoteURL, breakerConfig(&cfg.Breaker))
		if err != nil {
			return nil, nil, err
		}
		logger.Info("remote key store connected", zap.String("url", cfg.RemoteURL))
		return store, store.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown key store kind %q", cfg.Kind)
	}
}

func breakerConfig(cfg *config.BreakerConfig) *circuitbreaker.Config {
	c := circuitbreaker.DefaultConfig()
	if cfg.FailureThreshold > 0 {
		c.FailureThreshold = cfg.FailureThreshold
	}
	if cfg.SuccessThreshold > 0 {
		c.SuccessThreshold = cfg.SuccessThreshold
	}
	if cfg.TimeoutSec > 0 {
		c.Timeout = time.Duration(cfg.TimeoutSec) * time.Second
	}
	return c
}
