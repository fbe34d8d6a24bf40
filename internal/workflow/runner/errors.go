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

package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"workflow-platform/internal/workflow/gateway"
	"workflow-platform/internal/workflow/refs"
	"workflow-platform/internal/workflow/sandbox"
)

// 分类哨兵：包装后强制归入某一类，覆盖默认分类
var (
	ErrRetryable = errors.New("retryable")
	ErrPermanent = errors.New("permanent")
)

// FailureType 失败类别
type FailureType int

const (
	FailureRetryable FailureType = iota
	FailurePermanent
)

func (t FailureType) String() string {
	if t == FailurePermanent {
		return "permanent"
	}
	return "retryable"
}

// StepFailure 带分类的步骤失败
type StepFailure struct {
	StepName string
	Type     FailureType
	Inner    error
}

func (e *StepFailure) Error() string {
	return fmt.Sprintf("步骤 %s 失败 (%s): %v", e.StepName, e.Type, e.Inner)
}

func (e *StepFailure) Unwrap() error { return e.Inner }

// NewStepFailure 按 Classify 归类
func NewStepFailure(step string, err error) *StepFailure {
	var sf *StepFailure
	if errors.As(err, &sf) {
		return sf
	}
	t := FailurePermanent
	if Retryable(err) {
		t = FailureRetryable
	}
	return &StepFailure{StepName: step, Type: t, Inner: err}
}

// Retryable 失败分类。确定性错误（引用解析、脚本错误、4xx、校验）不重试；
// 未知错误按瞬时故障处理（at-least-once 下重试是安全方向）
func Retryable(err error) bool {
	if errors.Is(err, ErrPermanent) {
		return false
	}
	if errors.Is(err, ErrRetryable) {
		return true
	}
	var sf *StepFailure
	if errors.As(err, &sf) {
		return sf.Type == FailureRetryable
	}
	var re *refs.ResolutionError
	if errors.As(err, &re) {
		return false
	}
	var se *sandbox.ScriptError
	if errors.As(err, &se) {
		return false
	}
	if errors.Is(err, sandbox.ErrTimeout) || errors.Is(err, sandbox.ErrNoDefaultExport) {
		return false
	}
	var ge *gateway.StatusError
	if errors.As(err, &ge) {
		return ge.Retryable()
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	return true
}

// DurableSleep 挂起信号：步骤要求持久化睡眠，执行器应落盘 sleeping 并释放租约
type DurableSleep struct {
	StepName string
	WakeAt   time.Time
}

func (e *DurableSleep) Error() string {
	return fmt.Sprintf("步骤 %s 持久化睡眠至 %s", e.StepName, e.WakeAt.Format(time.RFC3339))
}

// WaitingForSignal 挂起信号：步骤在等待外部信号
type WaitingForSignal struct {
	StepName   string
	SignalName string
	TimeoutAt  time.Time // 零值 = 无限等待
}

func (e *WaitingForSignal) Error() string {
	return fmt.Sprintf("步骤 %s 等待信号 %q", e.StepName, e.SignalName)
}

// Suspension 判断 err 是否为挂起信号（而非失败）
func Suspension(err error) bool {
	var ds *DurableSleep
	var ws *WaitingForSignal
	return errors.As(err, &ds) || errors.As(err, &ws)
}
