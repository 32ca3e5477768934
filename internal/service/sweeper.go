package service

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Sweeper 周期任务：把已开始的 VALIDATED 事件切换为 IN_PROGRESS
type Sweeper struct {
	cron   *cron.Cron
	events EventService
	logger *zap.Logger
	now    func() time.Time
}

// NewSweeper 按 schedule 注册任务；上一轮未结束时跳过本轮
func NewSweeper(schedule string, events EventService, logger *zap.Logger) (*Sweeper, error) {
	s := &Sweeper{
		cron:   cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger))),
		events: events,
		logger: logger,
		now:    time.Now,
	}
	if _, err := s.cron.AddFunc(schedule, s.run); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Sweeper) run() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	n, err := s.events.StartDue(ctx, s.now())
	if err != nil {
		s.logger.Warn("IN_PROGRESS 扫描失败", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("事件已进入进行中", zap.Int("count", n))
	}
}

// Start 启动调度
func (s *Sweeper) Start() { s.cron.Start() }

// Stop 停止调度并等待正在执行的任务结束
func (s *Sweeper) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}
