// Package app 提供 dstoken-signer 服务的应用生命周期管理
//
// ========================================
// dstoken-signer 服务对接说明
// ========================================
//
// ## 服务职责
// 1. 多签授权: 为 MultiSigWallet 的 execute 收集 threshold 个 owner 签名
// 2. 预批准: 为 TransactionRelayer 的 executePreApprovedTransaction 生成单签
// 3. 上链提交: 用已存储的签名发送交易并跟踪回执
//
// ## HTTP 对接 (参见 internal/router)
// - 端口: 8086
// - /api/v1/authorizations, /api/v1/preapprovals, /api/v1/digests
//
// ## Kafka 对接 (参见 internal/kafka)
// - 消费: authorization-requests
// - 生产: signature-bundles
//
// ## gRPC
// - 端口: 50061，仅注册标准健康检查服务
//
// ## 定时任务 (参见 internal/jobs)
// - refresh-submitted: 轮询 SUBMITTED 授权的交易回执
// - nonce-sync: 无预留时从链上校准多签 nonce
//
// ## 数据库
// - 表: dstoken_authorizations (gorm AutoMigrate)
//
// ========================================
package app

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/securitize-io/dstoken-sub004/internal/blockchain"
	"github.com/securitize-io/dstoken-sub004/internal/config"
	"github.com/securitize-io/dstoken-sub004/internal/contract"
	"github.com/securitize-io/dstoken-sub004/internal/handler"
	"github.com/securitize-io/dstoken-sub004/internal/jobs"
	"github.com/securitize-io/dstoken-sub004/internal/kafka"
	"github.com/securitize-io/dstoken-sub004/internal/repository"
	"github.com/securitize-io/dstoken-sub004/internal/router"
	"github.com/securitize-io/dstoken-sub004/internal/scheduler"
	"github.com/securitize-io/dstoken-sub004/internal/service"
	"github.com/securitize-io/dstoken-sub004/pkg/eip712"
	"github.com/securitize-io/dstoken-sub004/pkg/logger"
	"github.com/securitize-io/dstoken-sub004/pkg/signer"
	"github.com/securitize-io/dstoken-sub004/pkg/tracing"
)

// App 应用
type App struct {
	cfg *config.Config

	// 基础设施
	db    *gorm.DB
	redis *redis.Client

	// 区块链，未配置 rpc_url 时为空
	chainClient  *blockchain.Client
	nonceManager *blockchain.NonceManager
	wallet       *contract.MultiSigWallet
	relayer      *contract.TransactionRelayer

	keyStore      signer.KeyStore
	closeKeyStore func()

	repo repository.AuthorizationRepository
	svc  *service.AuthorizationService

	// Kafka
	kafkaConsumer *kafka.Consumer
	kafkaProducer *kafka.Producer

	// 定时任务，需要链客户端
	scheduler *scheduler.Scheduler

	// HTTP / gRPC
	health       *handler.HealthHandler
	httpServer   *http.Server
	grpcServer   *grpc.Server
	healthServer *health.Server

	shutdownTracing func(context.Context) error

	stopCh chan struct{}
}

// NewApp 创建应用
func NewApp(cfg *config.Config) (*App, error) {
	app := &App{
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}

	shutdown, err := tracing.Init(&cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	app.shutdownTracing = shutdown

	if err := app.initInfrastructure(); err != nil {
		return nil, fmt.Errorf("failed to init infrastructure: %w", err)
	}

	if err := app.initBlockchain(); err != nil {
		return nil, fmt.Errorf("failed to init blockchain: %w", err)
	}

	if err := app.initServices(); err != nil {
		return nil, fmt.Errorf("failed to init services: %w", err)
	}

	if err := app.initKafka(); err != nil {
		return nil, fmt.Errorf("failed to init kafka: %w", err)
	}

	if err := app.initScheduler(); err != nil {
		return nil, fmt.Errorf("failed to init scheduler: %w", err)
	}

	app.initHTTP()
	app.initGRPC()

	return app, nil
}

// initInfrastructure 初始化基础设施
func (a *App) initInfrastructure() error {
	// PostgreSQL
	db, err := gorm.Open(postgres.Open(a.cfg.Postgres.DSN()), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return fmt.Errorf("failed to connect database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	sqlDB.SetMaxOpenConns(a.cfg.Postgres.MaxConnections)
	sqlDB.SetMaxIdleConns(a.cfg.Postgres.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Duration(a.cfg.Postgres.ConnMaxLifetime) * time.Second)

	a.db = db
	logger.Info("database connected", zap.String("host", a.cfg.Postgres.Host))

	if a.cfg.Postgres.AutoMigrate {
		if err := AutoMigrate(a.db); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		logger.Info("database migrated")
	}

	// Redis
	redisAddr := "localhost:6379"
	if len(a.cfg.Redis.Addresses) > 0 {
		redisAddr = a.cfg.Redis.Addresses[0]
	}
	a.redis = redis.NewClient(&redis.Options{
		Addr:     redisAddr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
		PoolSize: a.cfg.Redis.PoolSize,
	})
	if err := a.redis.Ping(context.Background()).Err(); err != nil {
		return fmt.Errorf("failed to connect redis: %w", err)
	}
	logger.Info("redis connected", zap.String("addr", redisAddr))

	return nil
}

// initBlockchain 初始化区块链客户端和合约绑定
func (a *App) initBlockchain() error {
	bc := a.cfg.Blockchain
	if bc.RPCURL == "" {
		logger.Warn("blockchain rpc_url not configured, nonces must be supplied by requests")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, err := blockchain.NewClient(ctx, &blockchain.ClientConfig{
		ChainID:         bc.ChainID,
		SubmitterKey:    bc.SubmitterKey,
		RPCURLs:         append([]string{bc.RPCURL}, bc.BackupRPCURLs...),
		MaxRetries:      3,
		RetryInterval:   time.Second,
		HealthCheckFreq: 30 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("failed to create blockchain client: %w", err)
	}
	a.chainClient = client

	walletAddr := common.HexToAddress(a.cfg.Multisig.VerifyingContract)
	if a.wallet, err = contract.NewMultiSigWallet(walletAddr, client); err != nil {
		return err
	}
	if a.cfg.Relayer.VerifyingContract != "" {
		relayerAddr := common.HexToAddress(a.cfg.Relayer.VerifyingContract)
		if a.relayer, err = contract.NewTransactionRelayer(relayerAddr, client); err != nil {
			return err
		}
	}

	a.nonceManager = blockchain.NewNonceManager(a.wallet, a.redis, &blockchain.NonceManagerConfig{
		Wallet:  walletAddr,
		ChainID: bc.ChainID,
		LockTTL: time.Duration(a.cfg.Nonce.LockTTLSec) * time.Second,
	})

	logger.Info("blockchain client initialized",
		zap.Int64("chain_id", bc.ChainID),
		zap.String("wallet", walletAddr.Hex()),
		zap.String("submitter", client.Address().Hex()))
	return nil
}

// initServices 初始化仓储和服务
func (a *App) initServices() error {
	a.repo = repository.NewAuthorizationRepository(a.db, a.redis)

	keyStore, closer, err := newKeyStore(context.Background(), &a.cfg.Signers.KeyStore)
	if err != nil {
		return fmt.Errorf("failed to open key store: %w", err)
	}
	a.keyStore, a.closeKeyStore = keyStore, closer

	svcCfg, err := a.serviceConfig()
	if err != nil {
		return err
	}

	opts := []signer.Option{
		signer.WithWorkers(a.cfg.Signers.Workers),
		signer.WithTimeout(a.cfg.Signers.Timeout()),
	}
	if a.cfg.Signers.ChainAdjustedV {
		opts = append(opts, signer.WithChainAdjustedRecovery(big.NewInt(a.cfg.Blockchain.ChainID)))
	}

	svc, err := service.NewAuthorizationService(a.repo, a.keyStore, signer.NewCollector(opts...), svcCfg)
	if err != nil {
		return err
	}
	if a.chainClient != nil {
		svc.SetChainClient(a.chainClient)
		svc.SetNonceReserver(a.nonceManager)
		svc.SetWalletNonceSource(a.wallet)
		if a.relayer != nil {
			svc.SetInvestorNonceSource(a.relayer)
		}
	}
	a.svc = svc

	logger.Info("services initialized",
		zap.Int("owners", len(svcCfg.Owners)),
		zap.Int("threshold", svcCfg.Threshold),
		zap.String("key_store", a.cfg.Signers.KeyStore.Kind))
	return nil
}

func (a *App) serviceConfig() (*service.AuthorizationServiceConfig, error) {
	multisig, err := a.cfg.Multisig.SigningDomain()
	if err != nil {
		return nil, err
	}
	var relayer *eip712.SigningDomain
	if a.cfg.Relayer.VerifyingContract != "" {
		if relayer, err = a.cfg.Relayer.SigningDomain(); err != nil {
			return nil, err
		}
	}
	owners, err := a.cfg.Signers.OwnerAddresses()
	if err != nil {
		return nil, err
	}

	c := &service.AuthorizationServiceConfig{
		MultisigDomain: multisig,
		RelayerDomain:  relayer,
		Owners:         owners,
		Threshold:      a.cfg.Signers.Threshold,
		SortSigners:    a.cfg.Signers.SortSigners,
		TokenDecimals:  a.cfg.Blockchain.TokenDecimals,
	}
	if a.cfg.Signers.PreApprover != "" {
		c.PreApprover = common.HexToAddress(a.cfg.Signers.PreApprover)
	}
	if a.cfg.Blockchain.TokenContract != "" {
		c.TokenAddress = common.HexToAddress(a.cfg.Blockchain.TokenContract)
	}
	return c, nil
}

// initKafka 初始化 Kafka
func (a *App) initKafka() error {
	if !a.cfg.Kafka.Enabled {
		logger.Info("kafka disabled")
		return nil
	}

	producer, err := kafka.NewProducer(&a.cfg.Kafka)
	if err != nil {
		return fmt.Errorf("failed to create kafka producer: %w", err)
	}
	a.kafkaProducer = producer
	a.svc.SetPublisher(producer)

	consumer, err := kafka.NewConsumer(&a.cfg.Kafka, a.svc)
	if err != nil {
		return fmt.Errorf("failed to create kafka consumer: %w", err)
	}
	a.kafkaConsumer = consumer

	logger.Info("kafka initialized", zap.Strings("brokers", a.cfg.Kafka.Brokers))
	return nil
}

// initScheduler 注册定时任务
func (a *App) initScheduler() error {
	sc := a.cfg.Scheduler
	if !sc.Enabled {
		return nil
	}
	if a.chainClient == nil {
		logger.Warn("scheduler enabled without blockchain client, skipping")
		return nil
	}

	s := scheduler.NewScheduler(a.redis, 2)
	if err := s.RegisterJob(jobs.NewRefreshSubmittedJob(a.svc, sc.RefreshBatch), sc.RefreshCron); err != nil {
		return err
	}
	if err := s.RegisterJob(jobs.NewNonceSyncJob(a.nonceManager), sc.NonceSyncCron); err != nil {
		return err
	}
	a.scheduler = s
	return nil
}

// initHTTP 初始化 HTTP 服务
func (a *App) initHTTP() {
	if a.cfg.Service.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	a.health = handler.NewHealthHandler(a.healthDeps())
	engine := router.New(a.health, handler.NewAuthorizationHandler(a.svc))

	a.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Service.HTTPPort),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func (a *App) healthDeps() map[string]handler.Pinger {
	deps := map[string]handler.Pinger{
		"postgres": handler.PingFunc(func(ctx context.Context) error {
			sqlDB, err := a.db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		}),
		"redis": handler.PingFunc(func(ctx context.Context) error {
			return a.redis.Ping(ctx).Err()
		}),
	}
	if a.chainClient != nil {
		deps["chain"] = handler.PingFunc(a.chainClient.HealthCheck)
	}
	return deps
}

// initGRPC 初始化 gRPC 健康检查
func (a *App) initGRPC() {
	a.grpcServer = grpc.NewServer()
	a.healthServer = health.NewServer()
	grpc_health_v1.RegisterHealthServer(a.grpcServer, a.healthServer)
}

// Run 运行应用
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if a.kafkaConsumer != nil {
		if err := a.kafkaConsumer.Start(ctx); err != nil {
			return fmt.Errorf("failed to start kafka consumer: %w", err)
		}
	}

	if a.scheduler != nil {
		a.scheduler.Start()
	}

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", a.cfg.Service.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	go func() {
		logger.Info("gRPC server listening", zap.Int("port", a.cfg.Service.GRPCPort))
		if err := a.grpcServer.Serve(lis); err != nil {
			logger.Error("gRPC server error", zap.Error(err))
		}
	}()

	go func() {
		logger.Info("HTTP server listening", zap.Int("port", a.cfg.Service.HTTPPort))
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	a.healthServer.SetServingStatus(a.cfg.Service.Name, grpc_health_v1.HealthCheckResponse_SERVING)
	a.health.SetReady(true)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info("received shutdown signal")
	case <-a.stopCh:
		logger.Info("shutdown requested")
	}

	return a.shutdown()
}

// shutdown 关闭应用
func (a *App) shutdown() error {
	logger.Info("shutting down...")

	a.health.SetReady(false)
	a.healthServer.SetServingStatus(a.cfg.Service.Name, grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := a.httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	if a.kafkaConsumer != nil {
		if err := a.kafkaConsumer.Stop(); err != nil {
			logger.Error("kafka consumer stop error", zap.Error(err))
		}
	}

	if a.scheduler != nil {
		a.scheduler.Stop()
	}

	a.grpcServer.GracefulStop()

	if a.kafkaProducer != nil {
		if err := a.kafkaProducer.Close(); err != nil {
			logger.Error("kafka producer close error", zap.Error(err))
		}
	}

	if a.closeKeyStore != nil {
		a.closeKeyStore()
	}

	if a.chainClient != nil {
		a.chainClient.Close()
	}

	if a.redis != nil {
		_ = a.redis.Close()
	}

	if a.db != nil {
		if sqlDB, _ := a.db.DB(); sqlDB != nil {
			_ = sqlDB.Close()
		}
	}

	if err := a.shutdownTracing(ctx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return nil
}

// Stop 停止应用
func (a *App) Stop() {
	close(a.stopCh)
}
