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

// Package admin 运维操作面：创建、同步执行、取消、恢复、发信号。
// 所有操作最终落到 store 的原语上，admin 只做编排与结果整形。
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"workflow-platform/internal/workflow"
	"workflow-platform/internal/workflow/executor"
	"workflow-platform/internal/workflow/scheduler"
	"workflow-platform/internal/workflow/store"
)

// 操作标识符，对外稳定
const (
	OpCreateAndQueueExecution = "CREATE_AND_QUEUE_EXECUTION"
	OpExecuteWorkflow         = "EXECUTE_WORKFLOW"
	OpCancelExecution         = "CANCEL_EXECUTION"
	OpResumeExecution         = "RESUME_EXECUTION"
	OpSendSignal              = "SEND_SIGNAL"
)

// ResumeStatus RESUME_EXECUTION 的结果
type ResumeStatus string

const (
	ResumeDone         ResumeStatus = "resumed"
	ResumeNotResumable ResumeStatus = "not_resumable"
	ResumeNotFound     ResumeStatus = "not_found"
)

var (
	ErrWorkflowNotFound  = errors.New("admin: workflow not found")
	ErrExecutionNotFound = errors.New("admin: execution not found")
	// ErrNotRunnable 执行存在但当前不可认领（他人持锁或尚未到 run_after）
	ErrNotRunnable = errors.New("admin: execution not runnable")
)

// Notifier 调度器的可选扩展：信号到达后立即重新投递（队列模式需要）
type Notifier interface {
	Notify(ctx context.Context, executionID string) error
}

type Options struct {
	// LeaseMs EXECUTE_WORKFLOW 同步驱动时的租约时长，默认 300000
	LeaseMs int64
}

type Service struct {
	st    store.Store
	exec  *executor.Executor
	sched scheduler.Scheduler // 可空：无调度器时创建即 pending，靠外部轮询
	log   *slog.Logger
	opts  Options
}

func New(st store.Store, exec *executor.Executor, sched scheduler.Scheduler, logger *slog.Logger, opts Options) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.LeaseMs <= 0 {
		opts.LeaseMs = 300000
	}
	return &Service{st: st, exec: exec, sched: sched, log: logger, opts: opts}
}

// CreateWorkflow 校验并持久化定义；定义不可变，重复 ID 返回 store.ErrWorkflowExists
func (s *Service) CreateWorkflow(ctx context.Context, wf *workflow.Workflow) error {
	if err := wf.Validate(); err != nil {
		return fmt.Errorf("admin: 定义校验失败: %w", err)
	}
	return s.st.CreateWorkflow(ctx, wf)
}

// CreateExecutionRequest 创建执行的参数
type CreateExecutionRequest struct {
	WorkflowID        string
	Input             json.RawMessage
	ParentExecutionID string    // 子工作流时为父执行 ID
	RunAt             time.Time // 零值 = 立即
	MaxRetries        int       // 0 = 用默认值
}

// CreateAndQueueExecution 创建执行并投递，返回执行 ID
func (s *Service) CreateAndQueueExecution(ctx context.Context, req CreateExecutionRequest) (string, error) {
	wf, err := s.st.GetWorkflow(ctx, req.WorkflowID)
	if err != nil {
		return "", err
	}
	if wf == nil {
		return "", ErrWorkflowNotFound
	}
	opts := &store.CreateOptions{
		MaxRetries:        req.MaxRetries,
		ParentExecutionID: req.ParentExecutionID,
	}
	if !req.RunAt.IsZero() {
		opts.RunAfter = req.RunAt
	}
	exec, err := s.st.CreateExecution(ctx, req.WorkflowID, req.Input, opts)
	if err != nil {
		return "", err
	}
	if s.sched != nil {
		var so *scheduler.ScheduleOptions
		if !req.RunAt.IsZero() {
			so = &scheduler.ScheduleOptions{RunAt: req.RunAt}
		}
		if err := s.sched.Schedule(ctx, exec.ID, so); err != nil {
			// 行已落库，调度失败只影响时延；轮询兜底
			s.log.Warn("投递失败，等待轮询接管", "execution", exec.ID, "error", err)
		}
	}
	s.log.Info("执行已创建", "execution", exec.ID, "workflow", req.WorkflowID)
	return exec.ID, nil
}

// ExecuteWorkflow 同步驱动一次：认领租约并运行到终态或挂起点。
// 已终态的执行直接整形返回，不报错
func (s *Service) ExecuteWorkflow(ctx context.Context, executionID string) (*executor.Result, error) {
	lease, err := s.st.AcquireLease(ctx, executionID, s.opts.LeaseMs)
	if err != nil {
		return nil, err
	}
	if lease == nil {
		e, err := s.st.GetExecution(ctx, executionID)
		if err != nil {
			return nil, err
		}
		if e == nil {
			return nil, ErrExecutionNotFound
		}
		if r := terminalResult(e); r != nil {
			return r, nil
		}
		return nil, ErrNotRunnable
	}
	return s.exec.Execute(ctx, executionID, lease), nil
}

// terminalResult 把已终态的执行行整形为执行结果；非终态返回 nil
func terminalResult(e *store.Execution) *executor.Result {
	switch e.Status {
	case store.StatusCompleted:
		return &executor.Result{Kind: executor.KindCompleted, Output: e.Output}
	case store.StatusFailed:
		return &executor.Result{Kind: executor.KindFailed, Error: e.Error}
	case store.StatusCancelled:
		return &executor.Result{Kind: executor.KindCancelled}
	}
	return nil
}

// CancelExecution 协作取消；结果四态见 store.CancelOutcome
func (s *Service) CancelExecution(ctx context.Context, executionID string) (store.CancelOutcome, error) {
	outcome, err := s.st.CancelExecution(ctx, executionID)
	if err != nil {
		return "", err
	}
	if outcome == store.CancelDone {
		s.log.Info("执行已取消", "execution", executionID)
	}
	return outcome, nil
}

// ResumeExecution cancelled/failed → pending；requeue 时重新投递
func (s *Service) ResumeExecution(ctx context.Context, executionID string, resetRetries, requeue bool) (ResumeStatus, error) {
	e, err := s.st.GetExecution(ctx, executionID)
	if err != nil {
		return "", err
	}
	if e == nil {
		return ResumeNotFound, nil
	}
	ok, err := s.st.ResumeExecution(ctx, executionID, resetRetries)
	if err != nil {
		return "", err
	}
	if !ok {
		return ResumeNotResumable, nil
	}
	if requeue && s.sched != nil {
		if err := s.sched.Schedule(ctx, executionID, nil); err != nil {
			s.log.Warn("恢复后投递失败", "execution", executionID, "error", err)
		}
	}
	s.log.Info("执行已恢复", "execution", executionID, "resetRetries", resetRetries)
	return ResumeDone, nil
}

// SendSignal 插入 signal 事件并唤醒等待中的执行，返回信号 ID
func (s *Service) SendSignal(ctx context.Context, executionID, signalName string, payload json.RawMessage) (string, error) {
	if signalName == "" {
		return "", errors.New("admin: signalName 不能为空")
	}
	e, err := s.st.GetExecution(ctx, executionID)
	if err != nil {
		return "", err
	}
	if e == nil {
		return "", ErrExecutionNotFound
	}
	id, err := s.st.AppendEvent(ctx, &store.Event{
		ExecutionID: executionID,
		Type:        store.EventSignal,
		Name:        signalName,
		Payload:     payload,
	})
	if err != nil {
		return "", err
	}
	if err := s.st.WakeWaiting(ctx, executionID); err != nil {
		s.log.Warn("唤醒等待执行失败", "execution", executionID, "error", err)
	}
	if n, ok := s.sched.(Notifier); ok && n != nil {
		if err := n.Notify(ctx, executionID); err != nil {
			s.log.Warn("信号投递通知失败", "execution", executionID, "error", err)
		}
	}
	s.log.Info("信号已送达", "execution", executionID, "signal", signalName)
	return id, nil
}

// ListExecutions 运维列表；status 为空时不过滤
func (s *Service) ListExecutions(ctx context.Context, workflowID string, status *store.Status, limit int) ([]*store.Execution, error) {
	return s.st.ListExecutions(ctx, workflowID, status, limit)
}

// GetExecution 单条查询；不存在返回 ErrExecutionNotFound
func (s *Service) GetExecution(ctx context.Context, executionID string) (*store.Execution, error) {
	e, err := s.st.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, ErrExecutionNotFound
	}
	return e, nil
}

// ListStepResults 执行内各步骤的落库结果
func (s *Service) ListStepResults(ctx context.Context, executionID string) ([]*store.StepResult, error) {
	return s.st.ListStepResults(ctx, executionID)
}
