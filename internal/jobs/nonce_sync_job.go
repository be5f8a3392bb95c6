package jobs

import (
	"context"
	"math/big"
	"time"

	"github.com/securitize-io/dstoken-sub004/internal/scheduler"
)

// NonceSyncer 多签 nonce 同步，由 blockchain.NonceManager 实现
type NonceSyncer interface {
	Pending(ctx context.Context) (int64, error)
	Sync(ctx context.Context) (*big.Int, error)
}

// NonceSyncJob 在没有未确认预留时把 Redis 计数器对齐到链上 nonce
//
// Sync 会丢弃所有预留，存在预留时执行会把已签过的 nonce 再分配出去，所以跳过。
type NonceSyncJob struct {
	nonces NonceSyncer
}

// NewNonceSyncJob 创建 nonce 同步任务
func NewNonceSyncJob(nonces NonceSyncer) *NonceSyncJob {
	return &NonceSyncJob{nonces: nonces}
}

func (j *NonceSyncJob) Name() string { return "nonce-sync" }

func (j *NonceSyncJob) Timeout() time.Duration { return 30 * time.Second }

func (j *NonceSyncJob) Execute(ctx context.Context) (*scheduler.JobResult, error) {
	pending, err := j.nonces.Pending(ctx)
	if err != nil {
		return nil, err
	}
	if pending > 0 {
		return &scheduler.JobResult{Details: map[string]interface{}{
			"skipped": true,
			"pending": pending,
		}}, nil
	}

	nonce, err := j.nonces.Sync(ctx)
	if err != nil {
		return nil, err
	}
	return &scheduler.JobResult{
		ProcessedCount: 1,
		Details:        map[string]interface{}{"nonce": nonce.String()},
	}, nil
}
