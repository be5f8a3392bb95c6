// Package service 提供 dstoken-signer 的业务逻辑服务
//
// ========================================
// AuthorizationService 授权签名服务说明
// ========================================
//
// ## 功能概述
// 为 DSToken 多签钱包 / 预批准中继合约生成结构化授权摘要并收集签名。
//
// ## 多签流程 (AuthorizeThreshold)
//  1. 解析请求为动作参数 (destination, value, data, nonce, executor, gasLimit)
//  2. 请求未带 nonce 时从 NonceManager 预留多签钱包 nonce
//  3. 计算最终摘要 keccak256(0x19 0x01 ‖ domainSeparator ‖ actionDigest)
//  4. 检查 nonce 未被其他动作使用，相同摘要直接返回已有结果
//  5. 按请求顺序收集签名，持久化，发送 signature-bundles 消息
//
// ## 预批准流程 (PreApprove)
// 与多签流程相同，但使用中继合约域、扩展布局和单个签名者；
// nonce 默认取中继合约 nonceByInvestor(investorId)。
//
// ## 上链 (Submit)
// 用已存储的签名打包 execute / executePreApprovedTransaction 并发送交易。
//
// ========================================
package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/securitize-io/dstoken-sub004/internal/blockchain"
	"github.com/securitize-io/dstoken-sub004/internal/contract"
	"github.com/securitize-io/dstoken-sub004/internal/metrics"
	"github.com/securitize-io/dstoken-sub004/internal/model"
	"github.com/securitize-io/dstoken-sub004/internal/repository"
	"github.com/securitize-io/dstoken-sub004/pkg/eip712"
	bizerrors "github.com/securitize-io/dstoken-sub004/pkg/errors"
	"github.com/securitize-io/dstoken-sub004/pkg/logger"
	"github.com/securitize-io/dstoken-sub004/pkg/signer"
	"github.com/securitize-io/dstoken-sub004/pkg/tracing"
)

// NonceReserver 多签钱包 nonce 预留，由 blockchain.NonceManager 实现
type NonceReserver interface {
	Acquire(ctx context.Context, requestID string) (*big.Int, error)
	Release(ctx context.Context, nonce *big.Int) error
	Confirm(ctx context.Context, nonce *big.Int) error
}

// InvestorNonceSource 中继合约的投资人 nonce
type InvestorNonceSource interface {
	NonceByInvestor(ctx context.Context, investorID string) (*big.Int, error)
}

// ChainClient 上链提交使用的链客户端
type ChainClient interface {
	SendContractCall(ctx context.Context, to common.Address, data []byte) (common.Hash, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// BundlePublisher 签名结果发布
type BundlePublisher interface {
	PublishBundle(ctx context.Context, event *model.BundleEvent) error
}

// Authorization 一次授权的对外表示
type Authorization struct {
	RequestID         string                  `json:"request_id"`
	Mode              model.AuthorizationMode `json:"mode"`
	Layout            string                  `json:"layout"`
	ChainID           int64                   `json:"chain_id"`
	VerifyingContract string                  `json:"verifying_contract"`
	Nonce             string                  `json:"nonce"`
	Digest            string                  `json:"digest"`
	Status            string                  `json:"status"`
	TxHash            string                  `json:"tx_hash,omitempty"`
	Error             string                  `json:"error,omitempty"`
	Bundle            *signer.SignatureBundle `json:"bundle,omitempty"`
	PreApproval       *signer.SignatureTriple `json:"pre_approval,omitempty"`
	// Reused 相同 nonce 与摘要已签过，返回的是已有结果
	Reused bool `json:"reused,omitempty"`
}

// DigestResult 仅计算摘要的结果
type DigestResult struct {
	Layout            string `json:"layout"`
	ChainID           int64  `json:"chain_id"`
	VerifyingContract string `json:"verifying_contract"`
	Nonce             string `json:"nonce"`
	DomainSeparator   string `json:"domain_separator"`
	Digest            string `json:"digest"`
}

// AuthorizationServiceConfig 配置
type AuthorizationServiceConfig struct {
	MultisigDomain *eip712.SigningDomain
	RelayerDomain  *eip712.SigningDomain
	Owners         []common.Address
	Threshold      int
	PreApprover    common.Address
	// SortSigners 默认签名者按地址升序
	SortSigners   bool
	TokenAddress  common.Address
	TokenDecimals int32
}

// AuthorizationService 授权签名服务
type AuthorizationService struct {
	repo      repository.AuthorizationRepository
	keyStore  signer.KeyStore
	collector *signer.Collector

	multisigDomain *eip712.SigningDomain
	relayerDomain  *eip712.SigningDomain
	wallet         *contract.MultiSigWallet
	relayer        *contract.TransactionRelayer
	token          *contract.DSToken
	tokenAddress   common.Address

	owners      []common.Address
	threshold   int
	preApprover common.Address

	nonces          NonceReserver
	walletNonce     blockchain.NonceSource
	investorNonces  InvestorNonceSource
	chain           ChainClient
	publisher       BundlePublisher
	separatorsCache sync.Map // "chainID:contract" -> common.Hash
}

// NewAuthorizationService 创建授权签名服务
func NewAuthorizationService(
	repo repository.AuthorizationRepository,
	keyStore signer.KeyStore,
	collector *signer.Collector,
	cfg *AuthorizationServiceConfig,
) (*AuthorizationService, error) {
	if cfg.MultisigDomain == nil {
		return nil, errors.New("multisig signing domain is required")
	}
	if collector == nil {
		collector = signer.NewCollector()
	}

	owners := append([]common.Address(nil), cfg.Owners...)
	if cfg.SortSigners {
		signer.SortAddresses(owners)
	}
	threshold := cfg.Threshold
	if threshold <= 0 || threshold > len(owners) {
		threshold = len(owners)
	}

	wallet, err := contract.NewMultiSigWallet(cfg.MultisigDomain.VerifyingContract, nil)
	if err != nil {
		return nil, err
	}
	s := &AuthorizationService{
		repo:           repo,
		keyStore:       keyStore,
		collector:      collector,
		multisigDomain: cfg.MultisigDomain,
		relayerDomain:  cfg.RelayerDomain,
		wallet:         wallet,
		owners:         owners,
		threshold:      threshold,
		preApprover:    cfg.PreApprover,
		tokenAddress:   cfg.TokenAddress,
	}
	if cfg.RelayerDomain != nil {
		if s.relayer, err = contract.NewTransactionRelayer(cfg.RelayerDomain.VerifyingContract, nil); err != nil {
			return nil, err
		}
	}
	if cfg.TokenAddress != (common.Address{}) {
		if s.token, err = contract.NewDSToken(cfg.TokenDecimals); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// SetNonceReserver 设置多签 nonce 预留器，未设置时请求必须携带 nonce
func (s *AuthorizationService) SetNonceReserver(r NonceReserver) {
	s.nonces = r
}

// SetWalletNonceSource 设置多签钱包当前 nonce 查询，仅 ComputeDigest 使用
func (s *AuthorizationService) SetWalletNonceSource(src blockchain.NonceSource) {
	s.walletNonce = src
}

// SetInvestorNonceSource 设置中继合约投资人 nonce 查询
func (s *AuthorizationService) SetInvestorNonceSource(src InvestorNonceSource) {
	s.investorNonces = src
}

// SetChainClient 设置上链客户端
func (s *AuthorizationService) SetChainClient(c ChainClient) {
	s.chain = c
}

// SetPublisher 设置签名结果发布器
func (s *AuthorizationService) SetPublisher(p BundlePublisher) {
	s.publisher = p
}

// Authorize 按请求模式分发
func (s *AuthorizationService) Authorize(ctx context.Context, req *model.AuthorizationRequest) (*Authorization, error) {
	switch req.Mode {
	case model.AuthorizationModePreApproval:
		return s.PreApprove(ctx, req)
	case model.AuthorizationModeThreshold, "":
		return s.AuthorizeThreshold(ctx, req)
	default:
		return nil, bizerrors.ErrInvalidRequest.WithMessagef("unknown mode %q", req.Mode)
	}
}

// AuthorizeThreshold 多签授权：预留 nonce、计算摘要、收集 N 个签名
func (s *AuthorizationService) AuthorizeThreshold(ctx context.Context, req *model.AuthorizationRequest) (result *Authorization, err error) {
	requestID := requestIDOf(req)
	ctx, span := tracing.StartSpan(ctx, "authorization.threshold",
		tracing.AttrRequestID.String(requestID),
		tracing.AttrMode.String(string(model.AuthorizationModeThreshold)))
	defer func() { tracing.End(span, err) }()

	if prev, err := s.replayed(ctx, req); prev != nil || err != nil {
		return prev, err
	}
	layout, err := resolveLayout(model.AuthorizationModeThreshold, req.Layout)
	if err != nil {
		return nil, err
	}
	params, err := s.buildParams(req)
	if err != nil {
		return nil, err
	}
	signers, err := s.thresholdSigners(req.Signers)
	if err != nil {
		return nil, err
	}

	reserved := false
	if req.Nonce != nil {
		if params.Nonce, err = parseUint("nonce", *req.Nonce); err != nil {
			return nil, err
		}
	} else {
		if s.nonces == nil {
			return nil, bizerrors.ErrInvalidRequest.WithMessagef("nonce is required")
		}
		if params.Nonce, err = s.nonces.Acquire(ctx, requestID); err != nil {
			metrics.RecordNonce("failed")
			return nil, bizerrors.Wrap(bizerrors.ErrChainUnavailable, err)
		}
		metrics.RecordNonce("acquired")
		reserved = true
	}
	// 签名失败时归还预留的 nonce，已被占用的 nonce 不归还
	defer func() {
		if reserved && err != nil && !bizerrors.Is(err, bizerrors.ErrNonceReused) {
			s.releaseNonce(ctx, params.Nonce)
		}
	}()

	round := &signingRound{
		requestID: requestID,
		mode:      model.AuthorizationModeThreshold,
		layout:    layout,
		domain:    s.multisigDomain,
		params:    params,
	}
	return s.sign(ctx, round, func(ctx context.Context, digest common.Hash, rec *model.AuthorizationRecord) (int, error) {
		bundle, err := s.collector.Collect(ctx, signers, digest)
		if err != nil {
			return 0, err
		}
		if err := rec.SetBundle(bundle); err != nil {
			return 0, err
		}
		return bundle.Len(), nil
	})
}

// PreApprove 预批准授权：中继合约域、扩展布局、单个签名者
func (s *AuthorizationService) PreApprove(ctx context.Context, req *model.AuthorizationRequest) (result *Authorization, err error) {
	requestID := requestIDOf(req)
	ctx, span := tracing.StartSpan(ctx, "authorization.preapproval",
		tracing.AttrRequestID.String(requestID),
		tracing.AttrMode.String(string(model.AuthorizationModePreApproval)))
	defer func() { tracing.End(span, err) }()

	if s.relayerDomain == nil {
		return nil, bizerrors.ErrInvalidRequest.WithMessagef("relayer domain not configured")
	}
	if prev, err := s.replayed(ctx, req); prev != nil || err != nil {
		return prev, err
	}
	if req.InvestorID == nil || *req.InvestorID == "" {
		return nil, bizerrors.ErrInvalidRequest.WithMessagef("investor_id is required for pre-approval")
	}
	layout, err := resolveLayout(model.AuthorizationModePreApproval, req.Layout)
	if err != nil {
		return nil, err
	}
	params, err := s.buildParams(req)
	if err != nil {
		return nil, err
	}
	approver, err := s.preApprovalSigner(req.Signers)
	if err != nil {
		return nil, err
	}
	if params.Nonce, err = s.investorNonce(ctx, req); err != nil {
		return nil, err
	}

	round := &signingRound{
		requestID: requestID,
		mode:      model.AuthorizationModePreApproval,
		layout:    layout,
		domain:    s.relayerDomain,
		params:    params,
	}
	return s.sign(ctx, round, func(ctx context.Context, digest common.Hash, rec *model.AuthorizationRecord) (int, error) {
		triple, err := s.collector.PreApprove(ctx, approver, digest)
		if err != nil {
			return 0, err
		}
		if err := rec.SetTriple(triple); err != nil {
			return 0, err
		}
		return 1, nil
	})
}

// ComputeDigest 只计算摘要，不签名不落库
func (s *AuthorizationService) ComputeDigest(ctx context.Context, req *model.AuthorizationRequest) (*DigestResult, error) {
	mode := req.Mode
	if mode == "" {
		mode = model.AuthorizationModeThreshold
	}
	if !mode.Valid() {
		return nil, bizerrors.ErrInvalidRequest.WithMessagef("unknown mode %q", mode)
	}
	layout, err := resolveLayout(mode, req.Layout)
	if err != nil {
		return nil, err
	}
	params, err := s.buildParams(req)
	if err != nil {
		return nil, err
	}

	domain := s.multisigDomain
	switch {
	case mode == model.AuthorizationModePreApproval:
		if s.relayerDomain == nil {
			return nil, bizerrors.ErrInvalidRequest.WithMessagef("relayer domain not configured")
		}
		domain = s.relayerDomain
		if params.Nonce, err = s.investorNonce(ctx, req); err != nil {
			return nil, err
		}
	case req.Nonce != nil:
		if params.Nonce, err = parseUint("nonce", *req.Nonce); err != nil {
			return nil, err
		}
	case s.walletNonce != nil:
		if params.Nonce, err = s.walletNonce.Nonce(ctx); err != nil {
			return nil, bizerrors.Wrap(bizerrors.ErrChainUnavailable, err)
		}
	default:
		return nil, bizerrors.ErrInvalidRequest.WithMessagef("nonce is required")
	}

	separator, err := s.separator(domain)
	if err != nil {
		return nil, err
	}
	digest, err := eip712.HashActionWithSeparator(separator, layout, layout.TypeHash().Bytes(), params)
	if err != nil {
		return nil, err
	}
	metrics.RecordDigest(layout.String())

	return &DigestResult{
		Layout:            layout.String(),
		ChainID:           domain.ChainID.Int64(),
		VerifyingContract: domain.VerifyingContract.Hex(),
		Nonce:             params.Nonce.String(),
		DomainSeparator:   separator.Hex(),
		Digest:            digest.Hex(),
	}, nil
}

// Get 查询授权
func (s *AuthorizationService) Get(ctx context.Context, requestID string) (*Authorization, error) {
	rec, err := s.repo.GetByRequestID(ctx, requestID)
	if err != nil {
		return nil, mapRepoError(err)
	}
	return toAuthorization(rec, false)
}

// List 分页查询授权
func (s *AuthorizationService) List(ctx context.Context, filter *repository.AuthorizationFilter, page *repository.Pagination) ([]*Authorization, error) {
	records, err := s.repo.List(ctx, filter, page)
	if err != nil {
		return nil, mapRepoError(err)
	}
	out := make([]*Authorization, 0, len(records))
	for _, rec := range records {
		a, err := toAuthorization(rec, false)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// Submit 将已签名的授权提交上链
func (s *AuthorizationService) Submit(ctx context.Context, requestID string) (result *Authorization, err error) {
	ctx, span := tracing.StartSpan(ctx, "authorization.submit", tracing.AttrRequestID.String(requestID))
	defer func() { tracing.End(span, err) }()

	if s.chain == nil {
		return nil, bizerrors.ErrChainUnavailable.WithMessagef("chain submission is not configured")
	}
	rec, err := s.repo.GetByRequestID(ctx, requestID)
	if err != nil {
		return nil, mapRepoError(err)
	}
	if !rec.Status.CanSubmit() {
		return nil, bizerrors.ErrInvalidStatus.WithMessagef("authorization %s is %s", requestID, rec.Status)
	}

	to, data, err := s.packSubmission(rec)
	if err != nil {
		return nil, err
	}

	submittable := []model.AuthorizationStatus{model.AuthorizationStatusSigned, model.AuthorizationStatusFailed}
	txHash, sendErr := s.chain.SendContractCall(ctx, to, data)
	if sendErr != nil {
		metrics.RecordSubmission(string(rec.Mode), "failed")
		logger.Error("submit authorization failed",
			logger.RequestID(requestID),
			zap.String("contract", to.Hex()),
			zap.Error(sendErr))
		if err := s.repo.UpdateStatus(ctx, requestID, submittable, model.AuthorizationStatusFailed, "", sendErr.Error()); err != nil {
			logger.Warn("record submission failure", logger.RequestID(requestID), zap.Error(err))
		}
		return nil, bizerrors.Wrap(bizerrors.ErrChainUnavailable, sendErr)
	}

	span.SetAttributes(tracing.AttrTxHash.String(txHash.Hex()))
	if err := s.repo.UpdateStatus(ctx, requestID, submittable, model.AuthorizationStatusSubmitted, txHash.Hex(), ""); err != nil {
		return nil, mapRepoError(err)
	}
	metrics.RecordSubmission(string(rec.Mode), "submitted")

	if rec.Mode == model.AuthorizationModeThreshold && s.nonces != nil {
		if nonce, ok := new(big.Int).SetString(rec.Nonce, 10); ok {
			if err := s.nonces.Confirm(ctx, nonce); err != nil {
				logger.Warn("confirm multisig nonce", logger.RequestID(requestID), zap.Error(err))
			} else {
				metrics.RecordNonce("confirmed")
			}
		}
	}

	logger.Info("authorization submitted",
		logger.RequestID(requestID),
		zap.String("mode", string(rec.Mode)),
		zap.String("tx_hash", txHash.Hex()))

	rec.Status = model.AuthorizationStatusSubmitted
	rec.TxHash = txHash.Hex()
	rec.ErrorMessage = ""
	return toAuthorization(rec, false)
}

// Refresh 查询已提交授权的交易回执并更新状态
func (s *AuthorizationService) Refresh(ctx context.Context, requestID string) (*Authorization, error) {
	if s.chain == nil {
		return nil, bizerrors.ErrChainUnavailable.WithMessagef("chain submission is not configured")
	}
	rec, err := s.repo.GetByRequestID(ctx, requestID)
	if err != nil {
		return nil, mapRepoError(err)
	}
	if rec.Status != model.AuthorizationStatusSubmitted {
		return toAuthorization(rec, false)
	}

	receipt, err := s.chain.TransactionReceipt(ctx, common.HexToHash(rec.TxHash))
	if errors.Is(err, blockchain.ErrTxNotFound) {
		return toAuthorization(rec, false)
	}
	if err != nil {
		return nil, bizerrors.Wrap(bizerrors.ErrChainUnavailable, err)
	}

	to, msg := model.AuthorizationStatusConfirmed, ""
	if receipt.Status != types.ReceiptStatusSuccessful {
		to, msg = model.AuthorizationStatusFailed, "transaction reverted"
	}
	from := []model.AuthorizationStatus{model.AuthorizationStatusSubmitted}
	if err := s.repo.UpdateStatus(ctx, requestID, from, to, rec.TxHash, msg); err != nil {
		return nil, mapRepoError(err)
	}
	rec.Status = to
	rec.ErrorMessage = msg
	return toAuthorization(rec, false)
}

// signingRound 一次签名轮次的输入
type signingRound struct {
	requestID string
	mode      model.AuthorizationMode
	layout    eip712.Layout
	domain    *eip712.SigningDomain
	params    *eip712.ActionParameters
}

type signFunc func(ctx context.Context, digest common.Hash, rec *model.AuthorizationRecord) (int, error)

// sign 计算摘要、检查 nonce、签名、落库并发布
func (s *AuthorizationService) sign(ctx context.Context, round *signingRound, fn signFunc) (*Authorization, error) {
	start := time.Now()
	mode := string(round.mode)

	separator, err := s.separator(round.domain)
	if err != nil {
		return nil, err
	}
	digest, err := eip712.HashActionWithSeparator(separator, round.layout, round.layout.TypeHash().Bytes(), round.params)
	if err != nil {
		return nil, err
	}
	metrics.RecordDigest(round.layout.String())

	chainID := round.domain.ChainID.Int64()
	contractAddr := strings.ToLower(round.domain.VerifyingContract.Hex())
	nonce := round.params.Nonce.String()

	existing, found, err := s.repo.NonceDigest(ctx, chainID, contractAddr, nonce)
	if err != nil {
		return nil, mapRepoError(err)
	}
	if found {
		if !strings.EqualFold(existing, digest.Hex()) {
			metrics.NonceReuseRejected.Inc()
			metrics.RecordSigningRound(mode, "rejected", 0, time.Since(start).Seconds())
			return nil, bizerrors.ErrNonceReused.WithMessagef("nonce %s already authorizes a different action", nonce)
		}
		rec, err := s.repo.GetByNonce(ctx, chainID, contractAddr, nonce)
		if err != nil {
			return nil, mapRepoError(err)
		}
		metrics.RecordSigningRound(mode, "reused", 0, time.Since(start).Seconds())
		logger.Info("authorization already signed",
			logger.RequestID(rec.RequestID),
			logger.Digest(digest),
			zap.String("nonce", nonce))
		return toAuthorization(rec, true)
	}

	rec := newRecord(round.requestID, round.mode, round.layout, round.domain, round.params, digest)
	count, err := fn(ctx, digest, rec)
	if err != nil {
		metrics.RecordSigningRound(mode, "failed", 0, time.Since(start).Seconds())
		return nil, err
	}

	if err := s.repo.Create(ctx, rec); err != nil {
		if errors.Is(err, repository.ErrNonceAlreadyUsed) {
			metrics.NonceReuseRejected.Inc()
			return nil, bizerrors.Wrap(bizerrors.ErrNonceReused, err)
		}
		return nil, mapRepoError(err)
	}
	metrics.RecordSigningRound(mode, "signed", count, time.Since(start).Seconds())

	logger.Info("authorization signed",
		logger.RequestID(rec.RequestID),
		logger.Digest(digest),
		zap.String("mode", mode),
		zap.String("contract", rec.VerifyingContract),
		zap.String("nonce", nonce),
		zap.Int("signatures", count))

	result, err := toAuthorization(rec, false)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, rec, result)
	return result, nil
}

// publish 发布失败只记录日志，签名结果已落库
func (s *AuthorizationService) publish(ctx context.Context, rec *model.AuthorizationRecord, a *Authorization) {
	if s.publisher == nil {
		return
	}
	event := &model.BundleEvent{
		RequestID:         rec.RequestID,
		Mode:              rec.Mode,
		ChainID:           rec.ChainID,
		VerifyingContract: rec.VerifyingContract,
		Nonce:             rec.Nonce,
		Digest:            rec.Digest,
		Bundle:            a.Bundle,
		PreApproval:       a.PreApproval,
		Timestamp:         time.Now().UnixMilli(),
	}
	if err := s.publisher.PublishBundle(ctx, event); err != nil {
		logger.Warn("publish signature bundle failed",
			logger.RequestID(rec.RequestID),
			zap.Error(err))
	}
}

// separator 按 (chainID, contract) 缓存域分隔符
func (s *AuthorizationService) separator(domain *eip712.SigningDomain) (common.Hash, error) {
	key := fmt.Sprintf("%d:%s", domain.ChainID, strings.ToLower(domain.VerifyingContract.Hex()))
	if v, ok := s.separatorsCache.Load(key); ok {
		return v.(common.Hash), nil
	}
	sep, err := domain.Separator()
	if err != nil {
		return common.Hash{}, err
	}
	s.separatorsCache.Store(key, sep)
	return sep, nil
}

// thresholdSigners 请求指定的签名者保持原顺序；未指定时使用配置的 owners
func (s *AuthorizationService) thresholdSigners(requested []string) ([]signer.SignerIdentity, error) {
	if len(requested) == 0 {
		if len(s.owners) == 0 {
			return nil, signer.ErrNoSigners
		}
		return signer.IdentitiesFor(s.keyStore, s.owners[:s.threshold]...), nil
	}
	addrs := make([]common.Address, len(requested))
	for i, r := range requested {
		addr, err := eip712.ParseAddress(r)
		if err != nil {
			return nil, err
		}
		addrs[i] = addr
	}
	return signer.IdentitiesFor(s.keyStore, addrs...), nil
}

// preApprovalSigner 请求最多指定一个签名者，否则使用配置的预批准者
func (s *AuthorizationService) preApprovalSigner(requested []string) (signer.SignerIdentity, error) {
	switch len(requested) {
	case 0:
		if s.preApprover == (common.Address{}) {
			return signer.SignerIdentity{}, signer.ErrNoSigners
		}
		return signer.SignerIdentity{Address: s.preApprover, Store: s.keyStore}, nil
	case 1:
		addr, err := eip712.ParseAddress(requested[0])
		if err != nil {
			return signer.SignerIdentity{}, err
		}
		return signer.SignerIdentity{Address: addr, Store: s.keyStore}, nil
	default:
		return signer.SignerIdentity{}, bizerrors.ErrInvalidRequest.WithMessagef("pre-approval takes one signer, got %d", len(requested))
	}
}

// investorNonce 请求未带 nonce 时读取中继合约 nonceByInvestor
func (s *AuthorizationService) investorNonce(ctx context.Context, req *model.AuthorizationRequest) (*big.Int, error) {
	if req.Nonce != nil {
		return parseUint("nonce", *req.Nonce)
	}
	if req.InvestorID == nil || s.investorNonces == nil {
		return nil, bizerrors.ErrInvalidRequest.WithMessagef("nonce is required")
	}
	n, err := s.investorNonces.NonceByInvestor(ctx, *req.InvestorID)
	if err != nil {
		return nil, bizerrors.Wrap(bizerrors.ErrChainUnavailable, err)
	}
	return n, nil
}

// replayed 同一 request_id 重复投递时返回已有结果
func (s *AuthorizationService) replayed(ctx context.Context, req *model.AuthorizationRequest) (*Authorization, error) {
	if req.RequestID == "" {
		return nil, nil
	}
	rec, err := s.repo.GetByRequestID(ctx, req.RequestID)
	switch {
	case errors.Is(err, repository.ErrAuthorizationNotFound):
		return nil, nil
	case err != nil:
		return nil, err
	}
	if req.Mode != "" && rec.Mode != req.Mode {
		return nil, bizerrors.ErrInvalidRequest.WithMessagef("request %s already used for %s", req.RequestID, rec.Mode)
	}
	return toAuthorization(rec, true)
}

func (s *AuthorizationService) releaseNonce(ctx context.Context, nonce *big.Int) {
	if s.nonces == nil || nonce == nil {
		return
	}
	if err := s.nonces.Release(ctx, nonce); err != nil {
		logger.Warn("release multisig nonce", zap.String("nonce", nonce.String()), zap.Error(err))
		return
	}
	metrics.RecordNonce("released")
}

// packSubmission 打包上链调用
func (s *AuthorizationService) packSubmission(rec *model.AuthorizationRecord) (common.Address, []byte, error) {
	params, err := paramsFromRecord(rec)
	if err != nil {
		return common.Address{}, nil, err
	}
	to := common.HexToAddress(rec.VerifyingContract)

	switch rec.Mode {
	case model.AuthorizationModeThreshold:
		bundle, err := rec.Bundle()
		if err != nil {
			return common.Address{}, nil, err
		}
		data, err := s.wallet.PackExecute(bundle, params)
		if err != nil {
			return common.Address{}, nil, bizerrors.Wrap(bizerrors.ErrInvalidRequest, err)
		}
		return to, data, nil
	case model.AuthorizationModePreApproval:
		if s.relayer == nil {
			return common.Address{}, nil, bizerrors.ErrInvalidRequest.WithMessagef("relayer domain not configured")
		}
		triple, err := rec.Triple()
		if err != nil {
			return common.Address{}, nil, err
		}
		data, err := s.relayer.PackExecutePreApproved(triple, params)
		if err != nil {
			return common.Address{}, nil, bizerrors.Wrap(bizerrors.ErrInvalidRequest, err)
		}
		return to, data, nil
	default:
		return common.Address{}, nil, fmt.Errorf("unknown mode %q", rec.Mode)
	}
}

func requestIDOf(req *model.AuthorizationRequest) string {
	if req.RequestID != "" {
		return req.RequestID
	}
	return uuid.New().String()
}

func mapRepoError(err error) error {
	switch {
	case errors.Is(err, repository.ErrAuthorizationNotFound):
		return bizerrors.Wrap(bizerrors.ErrNotFound, err)
	case errors.Is(err, repository.ErrStatusConflict):
		return bizerrors.Wrap(bizerrors.ErrInvalidStatus, err)
	default:
		return err
	}
}

func toAuthorization(rec *model.AuthorizationRecord, reused bool) (*Authorization, error) {
	a := &Authorization{
		RequestID:         rec.RequestID,
		Mode:              rec.Mode,
		Layout:            rec.Layout,
		ChainID:           rec.ChainID,
		VerifyingContract: rec.VerifyingContract,
		Nonce:             rec.Nonce,
		Digest:            rec.Digest,
		Status:            rec.Status.String(),
		TxHash:            rec.TxHash,
		Error:             rec.ErrorMessage,
		Reused:            reused,
	}
	switch rec.Mode {
	case model.AuthorizationModeThreshold:
		bundle, err := rec.Bundle()
		if err != nil {
			return nil, err
		}
		a.Bundle = bundle
	case model.AuthorizationModePreApproval:
		triple, err := rec.Triple()
		if err != nil {
			return nil, err
		}
		a.PreApproval = &triple
	}
	return a, nil
}
