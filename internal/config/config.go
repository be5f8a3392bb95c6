package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"github.com/securitize-io/dstoken-sub004/pkg/eip712"
	"github.com/securitize-io/dstoken-sub004/pkg/logger"
	"github.com/securitize-io/dstoken-sub004/pkg/tracing"
)

// 密钥存储类型
const (
	KeyStoreMemory = "memory"
	KeyStoreFile   = "file"
	KeyStoreRemote = "remote"
)

// Config 配置
type Config struct {
	Service    ServiceConfig    `yaml:"service" json:"service"`
	Postgres   PostgresConfig   `yaml:"postgres" json:"postgres"`
	Redis      RedisConfig      `yaml:"redis" json:"redis"`
	Kafka      KafkaConfig      `yaml:"kafka" json:"kafka"`
	Blockchain BlockchainConfig `yaml:"blockchain" json:"blockchain"`
	Multisig   DomainConfig     `yaml:"multisig" json:"multisig"`
	Relayer    DomainConfig     `yaml:"relayer" json:"relayer"`
	Signers    SignersConfig    `yaml:"signers" json:"signers"`
	Nonce      NonceConfig      `yaml:"nonce" json:"nonce"`
	Scheduler  SchedulerConfig  `yaml:"scheduler" json:"scheduler"`
	Log        logger.Config    `yaml:"log" json:"log"`
	Tracing    tracing.Config   `yaml:"tracing" json:"tracing"`
}

// ServiceConfig 服务配置
type ServiceConfig struct {
	Name     string `yaml:"name" json:"name"`
	GRPCPort int    `yaml:"grpc_port" json:"grpc_port"`
	HTTPPort int    `yaml:"http_port" json:"http_port"`
	Env      string `yaml:"env" json:"env"`
}

// PostgresConfig PostgreSQL 配置
type PostgresConfig struct {
	Host            string `yaml:"host" json:"host"`
	Port            int    `yaml:"port" json:"port"`
	Database        string `yaml:"database" json:"database"`
	User            string `yaml:"user" json:"user"`
	Password        string `yaml:"password" json:"-"`
	MaxConnections  int    `yaml:"max_connections" json:"max_connections"`
	MaxIdleConns    int    `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	AutoMigrate     bool   `yaml:"auto_migrate" json:"auto_migrate"`
}

// DSN 连接串
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		c.Host, c.Port, c.User, c.Password, c.Database)
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Addresses []string `yaml:"addresses" json:"addresses"`
	Password  string   `yaml:"password" json:"-"`
	DB        int      `yaml:"db" json:"db"`
	PoolSize  int      `yaml:"pool_size" json:"pool_size"`
}

// KafkaConfig Kafka 配置
type KafkaConfig struct {
	Enabled      bool     `yaml:"enabled" json:"enabled"`
	Brokers      []string `yaml:"brokers" json:"brokers"`
	GroupID      string   `yaml:"group_id" json:"group_id"`
	ClientID     string   `yaml:"client_id" json:"client_id"`
	RequestTopic string   `yaml:"request_topic" json:"request_topic"`
	BundleTopic  string   `yaml:"bundle_topic" json:"bundle_topic"`
	// MaxRetry 可重试错误（签名服务或链不可用）的重试次数
	MaxRetry int        `yaml:"max_retry" json:"max_retry"`
	SASL     SASLConfig `yaml:"sasl" json:"sasl"`
}

// SASLConfig Kafka SASL 认证配置
type SASLConfig struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	Mechanism string `yaml:"mechanism" json:"mechanism"` // PLAIN, SCRAM-SHA-256, SCRAM-SHA-512
	Username  string `yaml:"username" json:"username"`
	Password  string `yaml:"password" json:"-"`
}

// BlockchainConfig 区块链配置
type BlockchainConfig struct {
	RPCURL        string   `yaml:"rpc_url" json:"rpc_url"`
	BackupRPCURLs []string `yaml:"backup_rpc_urls" json:"backup_rpc_urls"`
	ChainID       int64    `yaml:"chain_id" json:"chain_id"`
	// SubmitterKey 提交 execute 交易的账户私钥，为空则不提交上链
	SubmitterKey string `yaml:"submitter_key" json:"-"`
	// TokenContract DSToken 合约地址
	TokenContract string `yaml:"token_contract" json:"token_contract"`
	TokenDecimals int32  `yaml:"token_decimals" json:"token_decimals"`
}

// DomainConfig 签名域配置
type DomainConfig struct {
	Name              string `yaml:"name" json:"name"`
	Version           string `yaml:"version" json:"version"`
	ChainID           int64  `yaml:"chain_id" json:"chain_id"`
	VerifyingContract string `yaml:"verifying_contract" json:"verifying_contract"`
	Salt              string `yaml:"salt" json:"salt"`
}

// SigningDomain 转换为签名域
func (d DomainConfig) SigningDomain() (*eip712.SigningDomain, error) {
	return eip712.NewSigningDomain(d.Name, d.Version, d.ChainID, d.VerifyingContract, d.Salt)
}

// SignersConfig 签名者配置
type SignersConfig struct {
	Threshold int      `yaml:"threshold" json:"threshold"`
	Owners    []string `yaml:"owners" json:"owners"`
	// PreApprover 预批准签名者地址
	PreApprover string `yaml:"pre_approver" json:"pre_approver"`
	Workers     int    `yaml:"workers" json:"workers"`
	TimeoutMs   int    `yaml:"timeout_ms" json:"timeout_ms"`
	// ChainAdjustedV v = recid + 35 + 2*chainId
	ChainAdjustedV bool `yaml:"chain_adjusted_v" json:"chain_adjusted_v"`
	// SortSigners 请求未指定签名者时按地址升序使用 owners
	SortSigners bool           `yaml:"sort_signers" json:"sort_signers"`
	KeyStore    KeyStoreConfig `yaml:"keystore" json:"keystore"`
}

// Timeout 签名轮次超时
func (c SignersConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// OwnerAddresses 解析 owners
func (c SignersConfig) OwnerAddresses() ([]common.Address, error) {
	out := make([]common.Address, 0, len(c.Owners))
	for _, o := range c.Owners {
		addr, err := eip712.ParseAddress(o)
		if err != nil {
			return nil, fmt.Errorf("owner %q: %w", o, err)
		}
		out = append(out, addr)
	}
	return out, nil
}

// KeyStoreConfig 密钥存储配置
type KeyStoreConfig struct {
	Kind       string   `yaml:"kind" json:"kind"` // memory, file, remote
	Keys       []string `yaml:"keys" json:"-"`
	Dir        string   `yaml:"dir" json:"dir"`
	Passphrase string   `yaml:"passphrase" json:"-"`
	// LightScrypt 测试环境使用轻量 scrypt 参数
	LightScrypt bool          `yaml:"light_scrypt" json:"light_scrypt"`
	RemoteURL   string        `yaml:"remote_url" json:"remote_url"`
	Breaker     BreakerConfig `yaml:"breaker" json:"breaker"`
}

// BreakerConfig 远程签名熔断配置
type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold" json:"failure_threshold"`
	SuccessThreshold int `yaml:"success_threshold" json:"success_threshold"`
	TimeoutSec       int `yaml:"timeout_sec" json:"timeout_sec"`
}

// NonceConfig 多签 nonce 管理配置
type NonceConfig struct {
	LockTTLSec int `yaml:"lock_ttl_sec" json:"lock_ttl_sec"`
}

// SchedulerConfig 定时任务配置，cron 表达式支持秒字段
type SchedulerConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	// RefreshCron 轮询已提交授权的交易回执
	RefreshCron string `yaml:"refresh_cron" json:"refresh_cron"`
	// NonceSyncCron 无预留时从链上校准多签 nonce
	NonceSyncCron string `yaml:"nonce_sync_cron" json:"nonce_sync_cron"`
	// RefreshBatch 每次轮询的最大授权数
	RefreshBatch int `yaml:"refresh_batch" json:"refresh_batch"`
}

// Load 加载配置
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse 解析配置内容
func Parse(data []byte) (*Config, error) {
	content := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(content), &cfg); err != nil {
		return nil, err
	}

	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// expandEnvVars 展开环境变量 ${VAR:default}
func expandEnvVars(s string) string {
	var b strings.Builder
	rest := s
	for {
		start := strings.Index(rest, "${")
		if start == -1 {
			break
		}
		end := strings.Index(rest[start:], "}")
		if end == -1 {
			break
		}
		end += start

		name, def, _ := strings.Cut(rest[start+2:end], ":")
		value := os.Getenv(name)
		if value == "" {
			value = def
		}

		b.WriteString(rest[:start])
		b.WriteString(value)
		rest = rest[end+1:]
	}
	b.WriteString(rest)
	return b.String()
}

// setDefaults 设置默认值
func setDefaults(cfg *Config) {
	if cfg.Service.Name == "" {
		cfg.Service.Name = "dstoken-signer"
	}
	if cfg.Service.GRPCPort == 0 {
		cfg.Service.GRPCPort = 50061
	}
	if cfg.Service.HTTPPort == 0 {
		cfg.Service.HTTPPort = 8086
	}
	if cfg.Service.Env == "" {
		cfg.Service.Env = "dev"
	}

	if cfg.Postgres.Port == 0 {
		cfg.Postgres.Port = 5432
	}
	if cfg.Postgres.MaxConnections == 0 {
		cfg.Postgres.MaxConnections = 20
	}
	if cfg.Postgres.MaxIdleConns == 0 {
		cfg.Postgres.MaxIdleConns = 5
	}
	if cfg.Postgres.ConnMaxLifetime == 0 {
		cfg.Postgres.ConnMaxLifetime = 3600
	}

	if cfg.Redis.PoolSize == 0 {
		cfg.Redis.PoolSize = 20
	}

	if cfg.Kafka.GroupID == "" {
		cfg.Kafka.GroupID = "dstoken-signer"
	}
	if cfg.Kafka.ClientID == "" {
		cfg.Kafka.ClientID = cfg.Service.Name
	}
	if cfg.Kafka.RequestTopic == "" {
		cfg.Kafka.RequestTopic = "authorization-requests"
	}
	if cfg.Kafka.BundleTopic == "" {
		cfg.Kafka.BundleTopic = "signature-bundles"
	}
	if cfg.Kafka.MaxRetry == 0 {
		cfg.Kafka.MaxRetry = 3
	}

	if cfg.Blockchain.ChainID == 0 {
		cfg.Blockchain.ChainID = 31337 // 本地开发
	}
	if cfg.Blockchain.TokenDecimals == 0 {
		cfg.Blockchain.TokenDecimals = 2
	}

	if cfg.Multisig.Name == "" {
		cfg.Multisig.Name = eip712.MultisigDomainName
	}
	defaultDomain(&cfg.Multisig, cfg.Blockchain.ChainID)
	if cfg.Relayer.Name == "" {
		cfg.Relayer.Name = "Securitize Transaction Relayer"
	}
	defaultDomain(&cfg.Relayer, cfg.Blockchain.ChainID)

	if cfg.Signers.Workers == 0 {
		cfg.Signers.Workers = 4
	}
	if cfg.Signers.TimeoutMs == 0 {
		cfg.Signers.TimeoutMs = 10000
	}
	if cfg.Signers.KeyStore.Kind == "" {
		cfg.Signers.KeyStore.Kind = KeyStoreMemory
	}
	if cfg.Signers.KeyStore.Breaker.FailureThreshold == 0 {
		cfg.Signers.KeyStore.Breaker.FailureThreshold = 5
	}
	if cfg.Signers.KeyStore.Breaker.SuccessThreshold == 0 {
		cfg.Signers.KeyStore.Breaker.SuccessThreshold = 1
	}
	if cfg.Signers.KeyStore.Breaker.TimeoutSec == 0 {
		cfg.Signers.KeyStore.Breaker.TimeoutSec = 30
	}

	if cfg.Nonce.LockTTLSec == 0 {
		cfg.Nonce.LockTTLSec = 30
	}

	if cfg.Scheduler.RefreshCron == "" {
		cfg.Scheduler.RefreshCron = "*/15 * * * * *"
	}
	if cfg.Scheduler.NonceSyncCron == "" {
		cfg.Scheduler.NonceSyncCron = "0 */5 * * * *"
	}
	if cfg.Scheduler.RefreshBatch == 0 {
		cfg.Scheduler.RefreshBatch = 100
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Log.ServiceName == "" {
		cfg.Log.ServiceName = cfg.Service.Name
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = cfg.Service.Name
	}
}

func defaultDomain(d *DomainConfig, chainID int64) {
	if d.Version == "" {
		d.Version = "1"
	}
	if d.ChainID == 0 {
		d.ChainID = chainID
	}
	if d.Salt == "" {
		d.Salt = eip712.DefaultSalt.Hex()
	}
}

// Validate 校验必填项
func (c *Config) Validate() error {
	if c.Multisig.VerifyingContract == "" {
		return fmt.Errorf("multisig.verifying_contract is required")
	}
	if _, err := c.Multisig.SigningDomain(); err != nil {
		return fmt.Errorf("multisig domain: %w", err)
	}
	if c.Relayer.VerifyingContract != "" {
		if _, err := c.Relayer.SigningDomain(); err != nil {
			return fmt.Errorf("relayer domain: %w", err)
		}
	}

	owners, err := c.Signers.OwnerAddresses()
	if err != nil {
		return fmt.Errorf("signers: %w", err)
	}
	if c.Signers.Threshold < 0 || c.Signers.Threshold > len(owners) {
		return fmt.Errorf("signers.threshold %d out of range for %d owners", c.Signers.Threshold, len(owners))
	}
	if c.Signers.PreApprover != "" {
		if _, err := eip712.ParseAddress(c.Signers.PreApprover); err != nil {
			return fmt.Errorf("signers.pre_approver: %w", err)
		}
	}

	if c.Kafka.SASL.Enabled {
		switch c.Kafka.SASL.Mechanism {
		case "PLAIN", "SCRAM-SHA-256", "SCRAM-SHA-512":
		default:
			return fmt.Errorf("unknown kafka.sasl.mechanism %q", c.Kafka.SASL.Mechanism)
		}
	}

	ks := c.Signers.KeyStore
	switch ks.Kind {
	case KeyStoreMemory:
	case KeyStoreFile:
		if ks.Dir == "" {
			return fmt.Errorf("signers.keystore.dir is required for file key store")
		}
	case KeyStoreRemote:
		if ks.RemoteURL == "" {
			return fmt.Errorf("signers.keystore.remote_url is required for remote key store")
		}
	default:
		return fmt.Errorf("unknown signers.keystore.kind %q", ks.Kind)
	}
	return nil
}
