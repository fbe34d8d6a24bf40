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
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"workflow-platform/internal/workflow/executor"
	"workflow-platform/internal/workflow/store"
	"workflow-platform/pkg/metrics"
)

// QueueConfig Redis 延迟队列参数
type QueueConfig struct {
	QueueKey   string // 默认 wfengine:queue
	LeaseMs    int64  // 默认 30000
	BatchSize  int    // 每轮弹出上限，默认 10
	PollMs     int64  // 队列空时的轮询间隔，默认 500
	MaxRetries int    // 入队失败的投递重试，默认 3
}

func (c QueueConfig) withDefaults() QueueConfig {
	if c.QueueKey == "" {
		c.QueueKey = "wfengine:queue"
	}
	if c.LeaseMs <= 0 {
		c.LeaseMs = 30000
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.PollMs <= 0 {
		c.PollMs = 500
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	return c
}

// QueueScheduler Redis 有序集合做延迟队列：member = 执行 ID，score = 可运行时间（毫秒）。
// 弹出只是提示，互斥仍由租约 CAS 决定；同一成员被两个消费者同时弹出也只有一个能执行。
// 队列丢失不丢数据：行还在 store 里，换回轮询调度即可恢复。
type QueueScheduler struct {
	rdb  redis.UniversalClient
	st   store.Store
	exec *executor.Executor
	cfg  QueueConfig
	log  *slog.Logger

	// Clock 可注入的时钟，测试用
	Clock func() time.Time
}

var _ Scheduler = (*QueueScheduler)(nil)

func NewQueue(rdb redis.UniversalClient, st store.Store, exec *executor.Executor, logger *slog.Logger, cfg QueueConfig) *QueueScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &QueueScheduler{rdb: rdb, st: st, exec: exec, cfg: cfg.withDefaults(), log: logger, Clock: time.Now}
}

func (s *QueueScheduler) Schedule(ctx context.Context, executionID string, opts *ScheduleOptions) error {
	runAt := s.Clock()
	if opts != nil && opts.RunAt.After(runAt) {
		runAt = opts.RunAt
		if err := s.st.SetRunAfter(ctx, executionID, runAt); err != nil {
			return err
		}
	}
	return s.enqueue(ctx, executionID, runAt)
}

// Cancel 队列模式不支持撤回已投递的成员；取消走 admin 直接写 store
func (s *QueueScheduler) Cancel(_ context.Context, _ string) error {
	return ErrCancelUnsupported
}

func (s *QueueScheduler) enqueue(ctx context.Context, executionID string, runAt time.Time) error {
	var err error
	for i := 0; i < s.cfg.MaxRetries; i++ {
		err = s.rdb.ZAdd(ctx, s.cfg.QueueKey, redis.Z{
			Score:  float64(runAt.UnixMilli()),
			Member: executionID,
		}).Err()
		if err == nil {
			return nil
		}
	}
	return err
}

// Run 消费循环直到 ctx 取消
func (s *QueueScheduler) Run(ctx context.Context) {
	s.log.Info("队列调度器启动", "queue", s.cfg.QueueKey)
	idle := time.Duration(s.cfg.PollMs) * time.Millisecond
	for {
		select {
		case <-ctx.Done():
			s.log.Info("队列调度器停止")
			return
		default:
		}
		n, err := s.consumeDue(ctx)
		if err != nil {
			s.log.Error("消费队列失败", "error", err)
		}
		if n == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(idle):
			}
		}
	}
}

// consumeDue 弹出到期成员并执行
func (s *QueueScheduler) consumeDue(ctx context.Context) (int, error) {
	now := s.Clock()

	// sleeping/waiting 行要先回到 pending 才能被认领
	if woken, err := s.st.WakeDue(ctx, now, s.cfg.BatchSize); err == nil && woken > 0 {
		metrics.WakeTotal.Add(float64(woken))
	}

	members, err := s.rdb.ZRangeByScore(ctx, s.cfg.QueueKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(s.cfg.BatchSize),
	}).Result()
	if err != nil {
		return 0, err
	}
	handled := 0
	for _, id := range members {
		// 先抢成员再执行；ZREM 返回 0 说明另一个消费者已拿走
		removed, err := s.rdb.ZRem(ctx, s.cfg.QueueKey, id).Result()
		if err != nil {
			return handled, err
		}
		if removed == 0 {
			continue
		}
		handled++
		s.runOne(ctx, id)
	}
	return handled, nil
}

func (s *QueueScheduler) runOne(ctx context.Context, executionID string) {
	lease, err := s.st.AcquireLease(ctx, executionID, s.cfg.LeaseMs)
	if err != nil {
		s.log.Error("获取租约失败", "execution", executionID, "error", err)
		_ = s.enqueue(ctx, executionID, s.Clock().Add(time.Duration(s.cfg.PollMs)*time.Millisecond))
		return
	}
	if lease == nil {
		metrics.LeaseAcquired(false)
		return
	}
	metrics.LeaseAcquired(true)

	res := s.exec.Execute(ctx, executionID, lease)
	switch res.Kind {
	case executor.KindFailed:
		if res.Retryable {
			_ = s.enqueue(ctx, executionID, res.NextRunAt)
		}
	case executor.KindSleeping:
		_ = s.enqueue(ctx, executionID, res.WakeAt)
	case executor.KindWaiting:
		// 有超时就按超时投递；无限等待只能靠信号到达时 Notify
		if !res.TimeoutAt.IsZero() {
			_ = s.enqueue(ctx, executionID, res.TimeoutAt)
		}
	case executor.KindCancelled:
		_ = s.st.ReleaseLease(ctx, executionID, lease.LockID)
	}
}

// Notify 信号到达后把执行立即重新投递（admin.SendSignal 调用）
func (s *QueueScheduler) Notify(ctx context.Context, executionID string) error {
	return s.enqueue(ctx, executionID, s.Clock())
}
