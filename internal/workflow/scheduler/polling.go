// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"workflow-platform/internal/workflow/executor"
	"workflow-platform/internal/workflow/store"
	"workflow-platform/pkg/metrics"
)

// PollingConfig 轮询参数。tick 有收获时间隔乘 SpeedupFactor，空转乘 BackoffFactor，
// 始终收敛在 [MinIntervalMs, MaxIntervalMs] 内；出错额外乘 2 一次
type PollingConfig struct {
	IntervalMs    int64   // 基准间隔，默认 1000
	MinIntervalMs int64   // 默认 100
	MaxIntervalMs int64   // 默认 10000
	SpeedupFactor float64 // 默认 0.5
	BackoffFactor float64 // 默认 1.5
	BatchSize     int     // 每 tick 认领上限，默认 10
	LeaseMs       int64   // 默认 30000
	Concurrency   int     // 单 tick 内并行执行数，默认 4
}

func (c PollingConfig) withDefaults() PollingConfig {
	if c.IntervalMs <= 0 {
		c.IntervalMs = 1000
	}
	if c.MinIntervalMs <= 0 {
		c.MinIntervalMs = 100
	}
	if c.MaxIntervalMs <= 0 {
		c.MaxIntervalMs = 10000
	}
	if c.SpeedupFactor <= 0 || c.SpeedupFactor >= 1 {
		c.SpeedupFactor = 0.5
	}
	if c.BackoffFactor <= 1 {
		c.BackoffFactor = 1.5
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.LeaseMs <= 0 {
		c.LeaseMs = 30000
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	return c
}

// PollingScheduler 自适应轮询：唤醒到期的 sleeping/waiting 行，
// 批量认领 pending 行并执行
type PollingScheduler struct {
	store store.Store
	exec  *executor.Executor
	cfg   PollingConfig
	log   *slog.Logger

	// Clock 可注入的时钟，测试用
	Clock func() time.Time
}

var _ Scheduler = (*PollingScheduler)(nil)

func NewPolling(st store.Store, exec *executor.Executor, logger *slog.Logger, cfg PollingConfig) *PollingScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &PollingScheduler{store: st, exec: exec, cfg: cfg.withDefaults(), log: logger, Clock: time.Now}
}

func (s *PollingScheduler) Schedule(ctx context.Context, executionID string, opts *ScheduleOptions) error {
	if opts != nil && !opts.RunAt.IsZero() && opts.RunAt.After(s.Clock()) {
		return s.store.SetRunAfter(ctx, executionID, opts.RunAt)
	}
	// 立即运行：行已是 pending，下一个 tick 自然认领
	return nil
}

func (s *PollingScheduler) Cancel(ctx context.Context, executionID string) error {
	outcome, err := s.store.CancelExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if outcome == store.CancelNotFound {
		return ErrNotFound
	}
	return nil
}

// Run 阻塞轮询直到 ctx 取消
func (s *PollingScheduler) Run(ctx context.Context) {
	interval := time.Duration(s.cfg.IntervalMs) * time.Millisecond
	minIv := time.Duration(s.cfg.MinIntervalMs) * time.Millisecond
	maxIv := time.Duration(s.cfg.MaxIntervalMs) * time.Millisecond
	s.log.Info("轮询调度器启动", "interval", interval, "batch", s.cfg.BatchSize)

	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("轮询调度器停止")
			return
		case <-timer.C:
		}

		start := time.Now()
		n, err := s.Tick(ctx)
		metrics.SchedulerTickDuration.Observe(time.Since(start).Seconds())
		metrics.SchedulerBatchSize.Observe(float64(n))

		switch {
		case err != nil:
			s.log.Error("tick 失败", "error", err)
			interval *= 2
		case n > 0:
			interval = time.Duration(float64(interval) * s.cfg.SpeedupFactor)
		default:
			interval = time.Duration(float64(interval) * s.cfg.BackoffFactor)
		}
		if interval < minIv {
			interval = minIv
		}
		if interval > maxIv {
			interval = maxIv
		}
		timer.Reset(interval)
	}
}

// Tick 单轮：唤醒到期行，认领并执行一批。返回认领数
func (s *PollingScheduler) Tick(ctx context.Context) (int, error) {
	now := s.Clock()
	woken, err := s.store.WakeDue(ctx, now, s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	if woken > 0 {
		metrics.WakeTotal.Add(float64(woken))
		s.log.Debug("唤醒到期执行", "count", woken)
	}

	batch, err := s.store.FindPending(ctx, s.cfg.BatchSize, s.cfg.LeaseMs, nil)
	if err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		return 0, nil
	}

	sem := make(chan struct{}, s.cfg.Concurrency)
	var wg sync.WaitGroup
	for _, e := range batch {
		wg.Add(1)
		go func(e *store.Execution) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			metrics.LeaseAcquired(true)
			res := s.exec.Execute(ctx, e.ID, &store.Lease{LockID: e.LockID, RetryCount: e.RetryCount})
			if res.Kind == executor.KindCancelled {
				// 取消行已是终态，但租约列还留着，顺手清掉
				if err := s.store.ReleaseLease(ctx, e.ID, e.LockID); err != nil {
					s.log.Warn("清理租约失败", "execution", e.ID, "error", err)
				}
			}
		}(e)
	}
	wg.Wait()
	return len(batch), nil
}
