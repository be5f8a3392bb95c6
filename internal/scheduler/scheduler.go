// Package scheduler 提供基于 cron 的定时任务调度
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/securitize-io/dstoken-sub004/internal/metrics"
	"github.com/securitize-io/dstoken-sub004/pkg/logger"
)

// 任务执行状态
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// Scheduler 任务调度器
type Scheduler struct {
	cron  *cron.Cron
	redis redis.UniversalClient
	jobs  map[string]Job
	mu    sync.RWMutex

	running chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewScheduler 创建调度器，maxConcurrent 为同时执行的任务上限
func NewScheduler(rdb redis.UniversalClient, maxConcurrent int) *Scheduler {
	if maxConcurrent <= 0 {
		maxConcurrent = 2
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:    cron.New(cron.WithSeconds()), // 支持秒级调度
		redis:   rdb,
		jobs:    make(map[string]Job),
		running: make(chan struct{}, maxConcurrent),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// RegisterJob 注册任务
func (s *Scheduler) RegisterJob(job Job, spec string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.Name()]; exists {
		return fmt.Errorf("job %s already registered", job.Name())
	}
	if _, err := s.cron.AddFunc(spec, func() { s.executeJob(job) }); err != nil {
		return fmt.Errorf("failed to add cron job %s: %w", job.Name(), err)
	}
	s.jobs[job.Name()] = job

	logger.Info("job registered", zap.String("job", job.Name()), zap.String("cron", spec))
	return nil
}

// Start 启动调度器
func (s *Scheduler) Start() {
	s.cron.Start()
	logger.Info("scheduler started")
}

// Stop 停止调度器并等待执行中的任务结束
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	logger.Info("scheduler stopped")
}

// TriggerJob 手动触发任务
func (s *Scheduler) TriggerJob(jobName string) error {
	s.mu.RLock()
	job, exists := s.jobs[jobName]
	s.mu.RUnlock()

	if !exists {
		return fmt.Errorf("job %s not found", jobName)
	}
	go s.executeJob(job)
	return nil
}

// executeJob 执行任务，返回执行状态
func (s *Scheduler) executeJob(job Job) string {
	select {
	case s.running <- struct{}{}:
		defer func() { <-s.running }()
	default:
		logger.Warn("max concurrent jobs reached, skipping", zap.String("job", job.Name()))
		metrics.RecordJob(job.Name(), StatusSkipped, 0)
		return StatusSkipped
	}

	if s.ctx.Err() != nil {
		return StatusSkipped
	}

	ctx, cancel := context.WithTimeout(s.ctx, job.Timeout())
	defer cancel()

	lock := NewDistributedLock(s.redis, job.Name(), job.Timeout()+5*time.Second)
	acquired, err := lock.TryLock(ctx)
	if err != nil {
		logger.Error("failed to acquire job lock", zap.String("job", job.Name()), zap.Error(err))
		metrics.RecordJob(job.Name(), StatusFailed, 0)
		return StatusFailed
	}
	if !acquired {
		logger.Debug("job is running on another instance", zap.String("job", job.Name()))
		metrics.RecordJob(job.Name(), StatusSkipped, 0)
		return StatusSkipped
	}
	defer func() {
		if err := lock.Unlock(context.Background()); err != nil {
			logger.Error("failed to release job lock", zap.String("job", job.Name()), zap.Error(err))
		}
	}()

	start := time.Now()
	result, err := job.Execute(ctx)
	elapsed := time.Since(start)

	if err != nil {
		logger.Error("job failed",
			zap.String("job", job.Name()),
			zap.Duration("duration", elapsed),
			zap.Error(err))
		metrics.RecordJob(job.Name(), StatusFailed, elapsed.Seconds())
		return StatusFailed
	}

	fields := []zap.Field{zap.String("job", job.Name()), zap.Duration("duration", elapsed)}
	if result != nil {
		fields = append(fields,
			zap.Int("processed", result.ProcessedCount),
			zap.Int("affected", result.AffectedCount),
			zap.Int("errors", result.ErrorCount),
			zap.Any("details", result.Details))
	}
	logger.Info("job completed", fields...)
	metrics.RecordJob(job.Name(), StatusSuccess, elapsed.Seconds())
	return StatusSuccess
}
