package task

import (
	"context"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/panjf2000/ants/v2"
	"github.com/upon-ly/QR-auction-web-sub004/internal/logger"
	"github.com/upon-ly/QR-auction-web-sub004/internal/model"
)

// RetryRunner 重试队列操作
type RetryRunner interface {
	DueFailures(ctx context.Context, limit int) ([]model.ClaimFailureModel, error)
	Process(ctx context.Context, failureID string) error
	ReconcileAll(ctx context.Context, limit int) (int, error)
	ReclaimStaleLeases(ctx context.Context) (int64, error)
}

func interval(seconds int) gocron.JobDefinition {
	if seconds <= 0 {
		seconds = 60
	}
	return gocron.DurationJob(time.Duration(seconds) * time.Second)
}

// RetrySweepJob 扫描到期的失败记录, 投递不可用时兜底
type RetrySweepJob struct {
	retries  RetryRunner
	pool     *ants.Pool
	interval int
	batch    int
}

// NewRetrySweepJob 创建重试扫描任务
func NewRetrySweepJob(retries RetryRunner, intervalSeconds, poolSize, batch int) (*RetrySweepJob, error) {
	if poolSize <= 0 {
		poolSize = 4
	}
	if batch <= 0 {
		batch = 50
	}
	pool, err := ants.NewPool(poolSize)
	if err != nil {
		return nil, err
	}
	return &RetrySweepJob{
		retries:  retries,
		pool:     pool,
		interval: intervalSeconds,
		batch:    batch,
	}, nil
}

func (j *RetrySweepJob) GetName() string {
	return "claim_retry_sweep"
}

func (j *RetrySweepJob) GetSchedule() gocron.JobDefinition {
	return interval(j.interval)
}

// Execute 并发处理一批到期记录, 全部完成后返回
func (j *RetrySweepJob) Execute(ctx context.Context) {
	due, err := j.retries.DueFailures(ctx, j.batch)
	if err != nil {
		logger.Error("Failed to list due claim failures: %v", err)
		return
	}
	if len(due) == 0 {
		return
	}
	logger.Info("Retrying %d due claim failures", len(due))

	var wg sync.WaitGroup
	for _, f := range due {
		id := f.Id
		wg.Add(1)
		err := j.pool.Submit(func() {
			defer wg.Done()
			if err := j.retries.Process(ctx, id); err != nil {
				logger.Error("Failed to process claim failure %s: %v", id, err)
			}
		})
		if err != nil {
			wg.Done()
			logger.Error("Failed to submit task to pool: %v", err)
		}
	}
	wg.Wait()
}

// Release 释放协程池
func (j *RetrySweepJob) Release() {
	j.pool.Release()
}

// ReconcileJob 查询超时交易的回执
type ReconcileJob struct {
	retries  RetryRunner
	interval int
	batch    int
}

func NewReconcileJob(retries RetryRunner, intervalSeconds, batch int) *ReconcileJob {
	if batch <= 0 {
		batch = 50
	}
	return &ReconcileJob{retries: retries, interval: intervalSeconds, batch: batch}
}

func (j *ReconcileJob) GetName() string {
	return "claim_reconcile"
}

func (j *ReconcileJob) GetSchedule() gocron.JobDefinition {
	return interval(j.interval)
}

func (j *ReconcileJob) Execute(ctx context.Context) {
	n, err := j.retries.ReconcileAll(ctx, j.batch)
	if err != nil {
		logger.Error("Failed to reconcile timed-out transfers: %v", err)
		return
	}
	if n > 0 {
		logger.Info("Reconciled %d timed-out transfers", n)
	}
}

// LeaseReclaimJob 进程崩溃后遗留的 processing 记录回到 pending
type LeaseReclaimJob struct {
	retries  RetryRunner
	interval int
}

func NewLeaseReclaimJob(retries RetryRunner, intervalSeconds int) *LeaseReclaimJob {
	return &LeaseReclaimJob{retries: retries, interval: intervalSeconds}
}

func (j *LeaseReclaimJob) GetName() string {
	return "claim_lease_reclaim"
}

func (j *LeaseReclaimJob) GetSchedule() gocron.JobDefinition {
	return interval(j.interval)
}

func (j *LeaseReclaimJob) Execute(ctx context.Context) {
	n, err := j.retries.ReclaimStaleLeases(ctx)
	if err != nil {
		logger.Error("Failed to reclaim stale leases: %v", err)
		return
	}
	if n > 0 {
		logger.Warn("Reclaimed %d stale claim failure leases", n)
	}
}
