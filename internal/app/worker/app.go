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

// Package worker 引擎 Worker 进程的装配：store、网关、沙箱、执行器、
// 调度器、事件 GC 与指标端点
package worker

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"workflow-platform/internal/workflow/admin"
	"workflow-platform/internal/workflow/executor"
	"workflow-platform/internal/workflow/gateway"
	"workflow-platform/internal/workflow/runner"
	"workflow-platform/internal/workflow/sandbox"
	"workflow-platform/internal/workflow/scheduler"
	"workflow-platform/internal/workflow/store"
	"workflow-platform/pkg/config"
	"workflow-platform/pkg/log"
	"workflow-platform/pkg/metrics"
)

// App Worker 应用：认领并驱动工作流执行
type App struct {
	config  *config.Config
	logger  *log.Logger
	store   store.Store
	pool    *pgxpool.Pool // type=memory 时为 nil
	rdb     *redis.Client // scheduler.type=queue 时非 nil
	service *admin.Service

	runScheduler func(ctx context.Context) // polling 或 queue 的消费循环
	schedCancel  context.CancelFunc
	gc           *cron.Cron
	metricsSrv   *http.Server
}

// NewApp 创建 Worker 应用
func NewApp(cfg *config.Config) (*App, error) {
	logCfg := &log.Config{}
	if cfg != nil {
		logCfg.Level = cfg.Log.Level
		logCfg.Format = cfg.Log.Format
		logCfg.File = cfg.Log.File
	}
	logger, err := log.NewLogger(logCfg)
	if err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}

	a := &App{config: cfg, logger: logger}

	eng := cfg.Engine.WithDefaults()
	storeCfg := store.Config{
		DefaultMaxRetries: eng.MaxRetries,
		RetryBaseMs:       eng.RetryBaseMs,
		RetryMaxMs:        eng.RetryMaxMs,
	}
	switch cfg.Store.Type {
	case "", "memory":
		a.store = store.NewMemoryStore(storeCfg)
		logger.Info("使用内存存储（重启后执行状态丢失）")
	case "postgres":
		if cfg.Store.DSN == "" {
			return nil, fmt.Errorf("store.type=postgres 需要 store.dsn")
		}
		poolCfg, err := pgxpool.ParseConfig(cfg.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("解析 store.dsn 失败: %w", err)
		}
		if cfg.Store.PoolSize > 0 {
			poolCfg.MaxConns = int32(cfg.Store.PoolSize)
		}
		pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
		if err != nil {
			return nil, fmt.Errorf("连接 Postgres 失败: %w", err)
		}
		a.pool = pool
		a.store = store.NewPGStore(pool, storeCfg)
	default:
		return nil, fmt.Errorf("未知 store.type %q", cfg.Store.Type)
	}

	var gw *gateway.Client
	if cfg.Gateway.BaseURL != "" {
		gw = gateway.NewClient(gateway.Config{
			BaseURL:   cfg.Gateway.BaseURL,
			Token:     cfg.Gateway.Token,
			TimeoutMs: cfg.Gateway.TimeoutMs,
			RateLimit: cfg.Gateway.RateLimit,
			RateBurst: cfg.Gateway.RateBurst,
		})
	} else {
		logger.Warn("未配置 gateway.base_url，tool 步骤将不可用")
	}

	sb := sandbox.New(sandbox.Config{
		TimeoutMs:    cfg.Sandbox.DeadlineMs,
		MaxStackSize: cfg.Sandbox.StackSize,
		MaxLogs:      cfg.Sandbox.MaxLogs,
	})
	r := runner.New(a.store, gw, sb, logger.Logger, runner.Options{
		InlineSleepBudgetMs: eng.InlineSleepBudget,
	})
	exec := executor.New(a.store, r, logger.Logger)

	var sched scheduler.Scheduler
	switch cfg.Scheduler.Type {
	case "", "polling":
		p := scheduler.NewPolling(a.store, exec, logger.Logger, scheduler.PollingConfig{
			IntervalMs:    cfg.Scheduler.Polling.IntervalMs,
			MinIntervalMs: cfg.Scheduler.Polling.MinIntervalMs,
			MaxIntervalMs: cfg.Scheduler.Polling.MaxIntervalMs,
			SpeedupFactor: cfg.Scheduler.Polling.Speedup,
			BackoffFactor: cfg.Scheduler.Polling.Backoff,
			BatchSize:     cfg.Scheduler.Polling.BatchSize,
			LeaseMs:       eng.LeaseMs,
			Concurrency:   cfg.Scheduler.Polling.Concurrency,
		})
		sched = p
		a.runScheduler = p.Run
	case "queue":
		if cfg.Scheduler.Queue.Addr == "" {
			return nil, fmt.Errorf("scheduler.type=queue 需要 scheduler.queue.addr")
		}
		a.rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Scheduler.Queue.Addr,
			DB:       cfg.Scheduler.Queue.DB,
			Password: cfg.Scheduler.Queue.Password,
		})
		q := scheduler.NewQueue(a.rdb, a.store, exec, logger.Logger, scheduler.QueueConfig{
			QueueKey:  cfg.Scheduler.Queue.QueueKey,
			LeaseMs:   eng.LeaseMs,
			BatchSize: cfg.Scheduler.Polling.BatchSize,
			PollMs:    cfg.Scheduler.Queue.PollMs,
		})
		sched = q
		a.runScheduler = q.Run
	default:
		return nil, fmt.Errorf("未知 scheduler.type %q", cfg.Scheduler.Type)
	}

	a.service = admin.New(a.store, exec, sched, logger.Logger, admin.Options{
		LeaseMs: eng.LeaseMs,
	})

	if cfg.GC.Enable {
		a.gc = cron.New()
		spec := cfg.GC.Cron
		if spec == "" {
			spec = "@every 10m"
		}
		retention := time.Duration(cfg.GC.RetentionHrs) * time.Hour
		if retention <= 0 {
			retention = 72 * time.Hour
		}
		batch := cfg.GC.BatchSize
		if batch <= 0 {
			batch = 1000
		}
		_, err := a.gc.AddFunc(spec, func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			cutoff := time.Now().Add(-retention)
			deleted, err := a.store.PurgeExpired(ctx, cutoff, batch)
			if err != nil {
				logger.Error("事件 GC 失败", "error", err)
				return
			}
			if deleted > 0 {
				metrics.GCDeletedTotal.Add(float64(deleted))
				logger.Info("事件 GC 完成", "deleted", deleted, "cutoff", cutoff)
			}
		})
		if err != nil {
			return nil, fmt.Errorf("注册 GC 任务失败: %w", err)
		}
	}

	if cfg.Monitoring.Prometheus.Enable {
		port := cfg.Monitoring.Prometheus.Port
		if port <= 0 {
			port = 9090
		}
		mux := http.NewServeMux()
		mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
			if err := metrics.WritePrometheus(w); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
			}
		})
		a.metricsSrv = &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	}

	return a, nil
}

// Service 运维操作面，供嵌入方（API/CLI）使用
func (a *App) Service() *admin.Service {
	return a.service
}

// Start 启动调度循环、GC 与指标端点
func (a *App) Start() error {
	a.logger.Info("启动 worker 应用")

	ctx, cancel := context.WithCancel(context.Background())
	a.schedCancel = cancel
	go a.runScheduler(ctx)

	if a.gc != nil {
		a.gc.Start()
	}
	if a.metricsSrv != nil {
		go func() {
			a.logger.Info("指标端点启动", "addr", a.metricsSrv.Addr)
			if err := a.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				a.logger.Error("指标端点退出", "error", err)
			}
		}()
	}

	a.logger.Info("worker 应用启动成功")
	return nil
}

// Shutdown 优雅关闭
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("关闭 worker 应用")

	if a.schedCancel != nil {
		a.schedCancel()
	}
	if a.gc != nil {
		<-a.gc.Stop().Done()
	}
	if a.metricsSrv != nil {
		if err := a.metricsSrv.Shutdown(ctx); err != nil {
			a.logger.Error("关闭指标端点失败", "error", err)
		}
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.logger.Error("关闭 Redis 连接失败", "error", err)
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}

	a.logger.Info("worker 应用关闭成功")
	return nil
}
