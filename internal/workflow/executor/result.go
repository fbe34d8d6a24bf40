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

package executor

import (
	"encoding/json"
	"time"
)

// Kind 一次执行进入后的出口
type Kind int

const (
	// KindCompleted 执行完成，终态已落盘
	KindCompleted Kind = iota
	// KindFailed 执行失败；Retryable 为真时 store 已安排重试
	KindFailed
	// KindSleeping 持久化睡眠，租约已释放
	KindSleeping
	// KindWaiting 等待外部信号，租约已释放
	KindWaiting
	// KindCancelled 在步骤边界观察到取消
	KindCancelled
	// KindLost 租约被他人接管，本次结果全部作废，未写任何终态
	KindLost
)

func (k Kind) String() string {
	switch k {
	case KindCompleted:
		return "completed"
	case KindFailed:
		return "failed"
	case KindSleeping:
		return "sleeping"
	case KindWaiting:
		return "waiting_for_signal"
	case KindCancelled:
		return "cancelled"
	case KindLost:
		return "lease_lost"
	default:
		return "unknown"
	}
}

// Result 执行出口；调度器据此决定下一步（入队重试、延迟唤醒或什么都不做）
type Result struct {
	Kind   Kind
	Output json.RawMessage // KindCompleted

	// KindFailed
	Error      string
	Retryable  bool
	NextRunAt  time.Time // Retryable 为真时的下一次可运行时间
	FailedStep string

	// KindSleeping / KindWaiting
	StepName   string
	WakeAt     time.Time
	SignalName string
	TimeoutAt  time.Time // 零值 = 无限等待
}
