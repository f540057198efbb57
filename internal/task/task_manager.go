package task

import (
	"context"
	"fmt"

	"github.com/go-co-op/gocron/v2"
	"github.com/upon-ly/QR-auction-web-sub004/internal/logger"
)

// Job 定时任务
type Job interface {
	GetName() string
	GetSchedule() gocron.JobDefinition
	Execute(ctx context.Context)
}

// TaskManager 任务管理器
type TaskManager struct {
	scheduler gocron.Scheduler
	ctx       context.Context
	cancel    context.CancelFunc
	jobs      []Job
}

// NewTaskManager 创建新的任务管理器
func NewTaskManager(jobs ...Job) (*TaskManager, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &TaskManager{
		scheduler: s,
		ctx:       ctx,
		cancel:    cancel,
		jobs:      jobs,
	}, nil
}

// RegisterJobs 注册所有任务, 同名任务上一轮未结束时顺延
func (m *TaskManager) RegisterJobs() error {
	for _, job := range m.jobs {
		job := job
		_, err := m.scheduler.NewJob(
			job.GetSchedule(),
			gocron.NewTask(func() { job.Execute(m.ctx) }),
			gocron.WithName(job.GetName()),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			return fmt.Errorf("failed to register job %s: %w", job.GetName(), err)
		}
	}
	return nil
}

// Start 启动任务管理器
func (m *TaskManager) Start() error {
	if err := m.RegisterJobs(); err != nil {
		return err
	}
	m.scheduler.Start()
	logger.Info("Task manager started with %d jobs", len(m.jobs))
	return nil
}

// Stop 停止任务管理器
func (m *TaskManager) Stop() {
	m.cancel()
	if err := m.scheduler.Shutdown(); err != nil {
		logger.Error("Failed to shutdown scheduler: %v", err)
	}
	logger.Info("Task manager stopped")
}
