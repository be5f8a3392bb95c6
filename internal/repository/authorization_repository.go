package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/securitize-io/dstoken-sub004/internal/model"
	"github.com/securitize-io/dstoken-sub004/pkg/logger"
)

var (
	ErrAuthorizationNotFound = errors.New("authorization not found")
	// ErrNonceAlreadyUsed (contract, chain, nonce) 已被其他请求占用
	ErrNonceAlreadyUsed = errors.New("nonce already used")
	// ErrStatusConflict 状态已被并发修改
	ErrStatusConflict = errors.New("authorization status conflict")
)

// nonceCacheTTL 已用 nonce 摘要缓存时间
const nonceCacheTTL = 7 * 24 * time.Hour

// NonceDigestKey 已用 nonce 到摘要的缓存键
func NonceDigestKey(chainID int64, contract, nonce string) string {
	return fmt.Sprintf("dstoken:auth:nonce:%d:%s:%s", chainID, strings.ToLower(contract), nonce)
}

// AuthorizationFilter 列表过滤条件
type AuthorizationFilter struct {
	VerifyingContract string
	Mode              model.AuthorizationMode
	Status            *model.AuthorizationStatus
}

// AuthorizationRepository 授权记录仓储
type AuthorizationRepository interface {
	// Create 写入记录，nonce 已被占用时返回 ErrNonceAlreadyUsed
	Create(ctx context.Context, rec *model.AuthorizationRecord) error
	GetByRequestID(ctx context.Context, requestID string) (*model.AuthorizationRecord, error)
	GetByNonce(ctx context.Context, chainID int64, contract, nonce string) (*model.AuthorizationRecord, error)
	// NonceDigest 返回 nonce 已签过的摘要，先查 Redis 再查数据库
	NonceDigest(ctx context.Context, chainID int64, contract, nonce string) (string, bool, error)
	// UpdateStatus 仅当当前状态在 from 中时更新
	UpdateStatus(ctx context.Context, requestID string, from []model.AuthorizationStatus, to model.AuthorizationStatus, txHash, errMsg string) error
	List(ctx context.Context, filter *AuthorizationFilter, page *Pagination) ([]*model.AuthorizationRecord, error)
}

type authorizationRepository struct {
	*Repository
	rdb redis.Cmdable
}

// NewAuthorizationRepository 创建授权记录仓储
func NewAuthorizationRepository(db *gorm.DB, rdb redis.Cmdable) AuthorizationRepository {
	return &authorizationRepository{
		Repository: NewRepository(db),
		rdb:        rdb,
	}
}

func (r *authorizationRepository) Create(ctx context.Context, rec *model.AuthorizationRecord) error {
	now := time.Now().UnixMilli()
	if rec.CreatedAt == 0 {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	rec.VerifyingContract = strings.ToLower(rec.VerifyingContract)

	result := r.DB(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "chain_id"}, {Name: "verifying_contract"}, {Name: "nonce"}},
		DoNothing: true,
	}).Create(rec)
	if result.Error != nil {
		if isUniqueViolation(result.Error) {
			return fmt.Errorf("%w: request %s", ErrNonceAlreadyUsed, rec.RequestID)
		}
		return fmt.Errorf("create authorization failed: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNonceAlreadyUsed
	}

	key := NonceDigestKey(rec.ChainID, rec.VerifyingContract, rec.Nonce)
	if err := r.rdb.Set(ctx, key, rec.Digest, nonceCacheTTL).Err(); err != nil {
		// 缓存失败不影响业务，下次查询回落数据库
		logger.Warn("cache nonce digest failed", zap.String("key", key), zap.Error(err))
	}
	return nil
}

func (r *authorizationRepository) GetByRequestID(ctx context.Context, requestID string) (*model.AuthorizationRecord, error) {
	var rec model.AuthorizationRecord
	if err := r.DB(ctx).Where("request_id = ?", requestID).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAuthorizationNotFound
		}
		return nil, fmt.Errorf("get authorization failed: %w", err)
	}
	return &rec, nil
}

func (r *authorizationRepository) GetByNonce(ctx context.Context, chainID int64, contract, nonce string) (*model.AuthorizationRecord, error) {
	var rec model.AuthorizationRecord
	err := r.DB(ctx).
		Where("chain_id = ? AND verifying_contract = ? AND nonce = ?", chainID, strings.ToLower(contract), nonce).
		First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAuthorizationNotFound
		}
		return nil, fmt.Errorf("get authorization by nonce failed: %w", err)
	}
	return &rec, nil
}

func (r *authorizationRepository) NonceDigest(ctx context.Context, chainID int64, contract, nonce string) (string, bool, error) {
	key := NonceDigestKey(chainID, contract, nonce)
	digest, err := r.rdb.Get(ctx, key).Result()
	switch {
	case err == nil:
		return digest, true, nil
	case !errors.Is(err, redis.Nil):
		// Redis 错误，降级到数据库
		logger.Warn("read nonce digest cache failed", zap.String("key", key), zap.Error(err))
	}

	rec, err := r.GetByNonce(ctx, chainID, contract, nonce)
	if errors.Is(err, ErrAuthorizationNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return rec.Digest, true, nil
}

func (r *authorizationRepository) UpdateStatus(ctx context.Context, requestID string, from []model.AuthorizationStatus, to model.AuthorizationStatus, txHash, errMsg string) error {
	updates := map[string]interface{}{
		"status":        to,
		"error_message": errMsg,
		"updated_at":    time.Now().UnixMilli(),
	}
	if txHash != "" {
		updates["tx_hash"] = txHash
	}

	result := r.DB(ctx).Model(&model.AuthorizationRecord{}).
		Where("request_id = ? AND status IN ?", requestID, from).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("update authorization status failed: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrStatusConflict
	}
	return nil
}

func (r *authorizationRepository) List(ctx context.Context, filter *AuthorizationFilter, page *Pagination) ([]*model.AuthorizationRecord, error) {
	query := r.DB(ctx).Model(&model.AuthorizationRecord{})
	if filter != nil {
		if filter.VerifyingContract != "" {
			query = query.Where("verifying_contract = ?", strings.ToLower(filter.VerifyingContract))
		}
		if filter.Mode != "" {
			query = query.Where("mode = ?", filter.Mode)
		}
		if filter.Status != nil {
			query = query.Where("status = ?", *filter.Status)
		}
	}

	if page == nil {
		page = &Pagination{}
	}
	if err := query.Count(&page.Total).Error; err != nil {
		return nil, fmt.Errorf("count authorizations failed: %w", err)
	}

	var out []*model.AuthorizationRecord
	if err := query.Order("id DESC").Offset(page.Offset()).Limit(page.Limit()).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list authorizations failed: %w", err)
	}
	return out, nil
}
