// Package jobs 定时任务实现
package jobs

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/securitize-io/dstoken-sub004/internal/model"
	"github.com/securitize-io/dstoken-sub004/internal/repository"
	"github.com/securitize-io/dstoken-sub004/internal/scheduler"
	"github.com/securitize-io/dstoken-sub004/internal/service"
	"github.com/securitize-io/dstoken-sub004/pkg/logger"
)

// AuthorizationRefresher 查询并刷新已提交授权，由 service.AuthorizationService 实现
type AuthorizationRefresher interface {
	List(ctx context.Context, filter *repository.AuthorizationFilter, page *repository.Pagination) ([]*service.Authorization, error)
	Refresh(ctx context.Context, requestID string) (*service.Authorization, error)
}

// RefreshSubmittedJob 刷新 SUBMITTED 授权的交易回执
type RefreshSubmittedJob struct {
	svc   AuthorizationRefresher
	batch int
}

// NewRefreshSubmittedJob 创建回执刷新任务
func NewRefreshSubmittedJob(svc AuthorizationRefresher, batch int) *RefreshSubmittedJob {
	if batch <= 0 {
		batch = 100
	}
	return &RefreshSubmittedJob{svc: svc, batch: batch}
}

func (j *RefreshSubmittedJob) Name() string { return "refresh-submitted" }

func (j *RefreshSubmittedJob) Timeout() time.Duration { return time.Minute }

// Execute 每次处理一批，已刷新的记录离开 SUBMITTED 状态，因此总是取第一页
func (j *RefreshSubmittedJob) Execute(ctx context.Context) (*scheduler.JobResult, error) {
	status := model.AuthorizationStatusSubmitted
	items, err := j.svc.List(ctx,
		&repository.AuthorizationFilter{Status: &status},
		&repository.Pagination{Page: 1, PageSize: j.batch})
	if err != nil {
		return nil, err
	}

	result := &scheduler.JobResult{Details: map[string]interface{}{}}
	confirmed, failed := 0, 0
	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		result.ProcessedCount++

		a, err := j.svc.Refresh(ctx, item.RequestID)
		if err != nil {
			result.ErrorCount++
			logger.Warn("refresh authorization failed",
				logger.RequestID(item.RequestID),
				zap.Error(err))
			continue
		}
		switch a.Status {
		case model.AuthorizationStatusConfirmed.String():
			confirmed++
		case model.AuthorizationStatusFailed.String():
			failed++
		}
	}

	result.AffectedCount = confirmed + failed
	result.Details["confirmed"] = confirmed
	result.Details["failed"] = failed
	return result, nil
}
