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

package metrics

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// 全局 Registry，供 Worker 注册与暴露
var DefaultRegistry = prometheus.NewRegistry()

func init() {
	DefaultRegistry.MustRegister(
		ExecutionDuration, ExecutionTotal,
		StepDuration, StepTotal,
		LeaseAcquireTotal, SchedulerTickDuration, SchedulerBatchSize,
		WakeTotal, GCDeletedTotal,
	)
}

// ExecutionDuration 单次进入（进入到出口）的耗时（秒）
var ExecutionDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "wfengine_execution_duration_seconds",
		Help:    "执行单次进入的耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"outcome"}, // completed | failed | sleeping | waiting_for_signal | cancelled | lease_lost
)

// ExecutionTotal 执行出口总数（按出口类型）
var ExecutionTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "wfengine_execution_total",
		Help: "执行出口总数（按出口类型）",
	},
	[]string{"outcome"},
)

// StepDuration 步骤耗时（秒）
var StepDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "wfengine_step_duration_seconds",
		Help:    "步骤耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"action"}, // tool | code | sleep | wait_for_signal
)

// StepTotal 步骤总数（按动作与结果）
var StepTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "wfengine_step_total",
		Help: "步骤总数（按动作与结果）",
	},
	[]string{"action", "result"}, // result: ok | error
)

// LeaseAcquireTotal 租约获取尝试（won / lost）
var LeaseAcquireTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "wfengine_lease_acquire_total",
		Help: "租约获取尝试总数",
	},
	[]string{"result"}, // won | lost
)

// SchedulerTickDuration 调度器单次 tick 耗时（秒）
var SchedulerTickDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "wfengine_scheduler_tick_duration_seconds",
		Help:    "调度器单次 tick 耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
)

// SchedulerBatchSize 每次 tick 认领的执行数
var SchedulerBatchSize = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "wfengine_scheduler_batch_size",
		Help:    "每次 tick 认领的执行数",
		Buckets: []float64{0, 1, 2, 5, 10, 20, 50, 100},
	},
)

// WakeTotal 被唤醒（sleeping/waiting → pending）的执行数
var WakeTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "wfengine_wake_total",
		Help: "被唤醒的执行总数",
	},
)

// GCDeletedTotal GC 删除的行数
var GCDeletedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "wfengine_gc_deleted_total",
		Help: "GC 删除的事件/缓冲行数",
	},
)

// ExecutionFinished 记录一次执行出口
func ExecutionFinished(outcome string, seconds float64) {
	ExecutionTotal.WithLabelValues(outcome).Inc()
	ExecutionDuration.WithLabelValues(outcome).Observe(seconds)
}

// StepFinished 记录一次步骤结束
func StepFinished(action string, seconds float64, ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	StepTotal.WithLabelValues(action, result).Inc()
	StepDuration.WithLabelValues(action).Observe(seconds)
}

// LeaseAcquired 记录一次租约竞争
func LeaseAcquired(won bool) {
	result := "won"
	if !won {
		result = "lost"
	}
	LeaseAcquireTotal.WithLabelValues(result).Inc()
}

// WritePrometheus 将 Prometheus 文本格式写入 w
func WritePrometheus(w io.Writer) error {
	metrics, err := DefaultRegistry.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, mf := range metrics {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
