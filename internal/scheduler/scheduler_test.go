package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeJob struct {
	name    string
	timeout time.Duration
	calls   atomic.Int32
	err     error
	block   chan struct{}
}

func (j *fakeJob) Name() string           { return j.name }
func (j *fakeJob) Timeout() time.Duration { return j.timeout }

func (j *fakeJob) Execute(ctx context.Context) (*JobResult, error) {
	j.calls.Add(1)
	if j.block != nil {
		select {
		case <-j.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if j.err != nil {
		return nil, j.err
	}
	return &JobResult{ProcessedCount: 1}, nil
}

func setupRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, rdb
}

func TestDistributedLock(t *testing.T) {
	mr, rdb := setupRedis(t)
	ctx := context.Background()

	a := NewDistributedLock(rdb, "refresh", time.Minute)
	b := NewDistributedLock(rdb, "refresh", time.Minute)

	ok, err := a.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.TryLock(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	// 非持有者释放不影响锁
	require.NoError(t, b.Unlock(ctx))
	assert.True(t, mr.Exists(lockPrefix+"refresh"))

	require.NoError(t, a.Unlock(ctx))
	assert.False(t, mr.Exists(lockPrefix+"refresh"))

	ok, err = b.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRegisterJob(t *testing.T) {
	_, rdb := setupRedis(t)
	s := NewScheduler(rdb, 1)

	job := &fakeJob{name: "refresh", timeout: time.Second}
	require.NoError(t, s.RegisterJob(job, "*/30 * * * * *"))
	assert.Error(t, s.RegisterJob(job, "*/30 * * * * *"))
	assert.Error(t, s.RegisterJob(&fakeJob{name: "bad"}, "not a cron"))
	assert.Error(t, s.TriggerJob("missing"))
}

func TestExecuteJob(t *testing.T) {
	mr, rdb := setupRedis(t)
	s := NewScheduler(rdb, 2)

	t.Run("success", func(t *testing.T) {
		job := &fakeJob{name: "ok", timeout: time.Second}
		assert.Equal(t, StatusSuccess, s.executeJob(job))
		assert.Equal(t, int32(1), job.calls.Load())
		assert.False(t, mr.Exists(lockPrefix+"ok"))
	})

	t.Run("failed", func(t *testing.T) {
		job := &fakeJob{name: "boom", timeout: time.Second, err: errors.New("boom")}
		assert.Equal(t, StatusFailed, s.executeJob(job))
		assert.False(t, mr.Exists(lockPrefix+"boom"))
	})

	t.Run("locked by another instance", func(t *testing.T) {
		require.NoError(t, mr.Set(lockPrefix+"busy", "other"))
		job := &fakeJob{name: "busy", timeout: time.Second}
		assert.Equal(t, StatusSkipped, s.executeJob(job))
		assert.Equal(t, int32(0), job.calls.Load())
		v, err := mr.Get(lockPrefix + "busy")
		require.NoError(t, err)
		assert.Equal(t, "other", v)
	})

	t.Run("timeout", func(t *testing.T) {
		job := &fakeJob{name: "slow", timeout: 20 * time.Millisecond, block: make(chan struct{})}
		assert.Equal(t, StatusFailed, s.executeJob(job))
	})
}

func TestExecuteJob_ConcurrencyLimit(t *testing.T) {
	_, rdb := setupRedis(t)
	s := NewScheduler(rdb, 1)

	slow := &fakeJob{name: "slow", timeout: 5 * time.Second, block: make(chan struct{})}
	require.NoError(t, s.RegisterJob(slow, "0 0 0 1 1 *"))
	require.NoError(t, s.TriggerJob("slow"))
	require.Eventually(t, func() bool { return slow.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	other := &fakeJob{name: "other", timeout: time.Second}
	assert.Equal(t, StatusSkipped, s.executeJob(other))
	assert.Equal(t, int32(0), other.calls.Load())

	close(slow.block)
	require.Eventually(t, func() bool { return s.executeJob(other) == StatusSuccess }, time.Second, 5*time.Millisecond)
}

func TestStartStop(t *testing.T) {
	_, rdb := setupRedis(t)
	s := NewScheduler(rdb, 1)

	job := &fakeJob{name: "tick", timeout: time.Second}
	require.NoError(t, s.RegisterJob(job, "* * * * * *"))
	s.Start()
	require.Eventually(t, func() bool { return job.calls.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)
	s.Stop()

	// 停止后不再执行
	assert.Equal(t, StatusSkipped, s.executeJob(job))
}
