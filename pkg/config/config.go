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

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config 应用配置结构体
type Config struct {
	Store      StoreConfig      `mapstructure:"store"`
	Engine     EngineConfig     `mapstructure:"engine"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Gateway    GatewayConfig    `mapstructure:"gateway"`
	Sandbox    SandboxConfig    `mapstructure:"sandbox"`
	GC         GCConfig         `mapstructure:"gc"`
	Log        LogConfig        `mapstructure:"log"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// StoreConfig 执行存储配置
type StoreConfig struct {
	Type     string `mapstructure:"type"`      // memory | postgres
	DSN      string `mapstructure:"dsn"`       // Postgres 连接串，type=postgres 时必填；支持 ${ENV}
	PoolSize int    `mapstructure:"pool_size"` // <=0 用 pgx 默认
}

// EngineConfig 执行器与重试配置
type EngineConfig struct {
	LeaseMs           int64 `mapstructure:"lease_ms"`               // 执行租约时长，默认 300000
	MaxRetries        int   `mapstructure:"max_retries"`            // 执行级默认重试上限，默认 10
	RetryBaseMs       int64 `mapstructure:"retry_base_ms"`          // 退避基数，默认 1000
	RetryMaxMs        int64 `mapstructure:"retry_max_ms"`           // 退避封顶，默认 900000
	InlineSleepBudget int64 `mapstructure:"inline_sleep_budget_ms"` // 默认 25000
}

// WithDefaults 未设置的引擎参数取文档默认值
func (c EngineConfig) WithDefaults() EngineConfig {
	if c.LeaseMs <= 0 {
		c.LeaseMs = 300000
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 10
	}
	if c.RetryBaseMs <= 0 {
		c.RetryBaseMs = 1000
	}
	if c.RetryMaxMs <= 0 {
		c.RetryMaxMs = 900000
	}
	if c.InlineSleepBudget <= 0 {
		c.InlineSleepBudget = 25000
	}
	return c
}

// SchedulerConfig 调度配置
type SchedulerConfig struct {
	Type    string        `mapstructure:"type"` // polling | queue
	Polling PollingConfig `mapstructure:"polling"`
	Queue   QueueConfig   `mapstructure:"queue"`
}

// PollingConfig 自适应轮询参数
type PollingConfig struct {
	IntervalMs    int64   `mapstructure:"poll_interval_ms"`     // 默认 1000
	MinIntervalMs int64   `mapstructure:"min_poll_interval_ms"` // 默认 100
	MaxIntervalMs int64   `mapstructure:"max_poll_interval_ms"` // 默认 10000
	Speedup       float64 `mapstructure:"speedup_multiplier"`   // 默认 0.5
	Backoff       float64 `mapstructure:"backoff_multiplier"`   // 默认 1.5
	BatchSize     int     `mapstructure:"batch_size"`           // 默认 10
	Concurrency   int     `mapstructure:"concurrency"`          // 默认 4
}

// QueueConfig Redis 延迟队列参数
type QueueConfig struct {
	Addr     string `mapstructure:"addr"`
	DB       int    `mapstructure:"db"`
	Password string `mapstructure:"password"` // 支持 ${ENV}
	QueueKey string `mapstructure:"queue_key"`
	PollMs   int64  `mapstructure:"poll_ms"`
}

// GatewayConfig 工具网关配置
type GatewayConfig struct {
	BaseURL   string  `mapstructure:"base_url"`
	Token     string  `mapstructure:"token"` // 支持 ${ENV}
	TimeoutMs int64   `mapstructure:"timeout_ms"`
	RateLimit float64 `mapstructure:"rate_limit"` // 每工具 QPS，<=0 不限
	RateBurst int     `mapstructure:"rate_burst"`
}

// SandboxConfig code 步骤沙箱配置
type SandboxConfig struct {
	DeadlineMs  int64 `mapstructure:"sandbox_deadline_ms"`  // 默认 10000
	StackSize   int   `mapstructure:"sandbox_stack_size"`   // goja 调用栈帧上限，默认 2048
	MemoryBytes int64 `mapstructure:"sandbox_memory_bytes"` // 软上限，尽力而为
	MaxLogs     int   `mapstructure:"max_logs"`             // console 捕获上限，默认 100
}

// GCConfig 事件与流块的保留回收
type GCConfig struct {
	Enable       bool   `mapstructure:"enable"`
	Cron         string `mapstructure:"cron"`          // robfig/cron 表达式，默认 "@every 10m"
	RetentionHrs int    `mapstructure:"retention_hrs"` // 默认 72
	BatchSize    int    `mapstructure:"batch_size"`    // 默认 1000
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// MonitoringConfig 监控配置
type MonitoringConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
}

// PrometheusConfig Prometheus 配置
type PrometheusConfig struct {
	Enable bool `mapstructure:"enable"`
	Port   int  `mapstructure:"port"`
}

// LoadConfig 加载配置文件
func LoadConfig(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("无法读取配置文件: %w", err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("无法解析配置文件: %w", err)
	}

	replaceEnvVars(&config)
	config.Engine = config.Engine.WithDefaults()
	return &config, nil
}

// LoadWorkerConfig 加载 Worker 配置（仅 configs/worker.yaml）
func LoadWorkerConfig() (*Config, error) {
	return LoadConfig("configs/worker.yaml")
}

// replaceEnvVars 替换配置中 ${ENV} 形态的敏感项
func replaceEnvVars(config *Config) {
	config.Store.DSN = expandEnv(config.Store.DSN)
	config.Gateway.Token = expandEnv(config.Gateway.Token)
	config.Scheduler.Queue.Password = expandEnv(config.Scheduler.Queue.Password)
}

func expandEnv(v string) string {
	if strings.HasPrefix(v, "${") && strings.HasSuffix(v, "}") {
		if val := os.Getenv(v[2 : len(v)-1]); val != "" {
			return val
		}
	}
	return v
}
