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

// Package store 执行持久化：executions / step results / events / leases。
// 所有状态迁移都是原子原语；乐观租约（lock_id + locked_until_epoch_ms）是唯一互斥机制，
// 终态写入一律 CAS on lock_id，CAS 失败静默 no-op（争用由正确持有者接管）。
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"workflow-platform/internal/workflow"
)

// Status 执行状态
type Status int

const (
	StatusPending Status = iota
	StatusRunning
	StatusCompleted
	StatusFailed
	StatusCancelled
	StatusSleeping
	StatusWaitingForSignal
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	case StatusSleeping:
		return "sleeping"
	case StatusWaitingForSignal:
		return "waiting_for_signal"
	default:
		return "unknown"
	}
}

// Terminal 终态（completed/failed/cancelled）不可再迁移
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Execution 一次工作流运行；单写者（租约持有者），终态粘滞
type Execution struct {
	ID                 string
	WorkflowID         string
	Status             Status
	Input              json.RawMessage
	Output             json.RawMessage
	Error              string
	RetryCount         int
	MaxRetries         int
	LockID             string // 空 = 无租约
	LockedUntilEpochMs int64  // 0 = 无租约
	RunAfterEpochMs    int64  // 重试 backoff 闸门；0 = 立即可调度
	WakeAtEpochMs      int64  // sleeping 的唤醒时间 / waiting 的超时时间；0 = 不自动唤醒
	StartedAtEpochMs   int64
	CompletedAtEpochMs int64
	ParentExecutionID  string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Lease 成功获取租约后的凭证
type Lease struct {
	LockID     string
	RetryCount int
}

// StepResult 步骤结果，(execution_id, step_id) 主键；
// completed_at 非空且无 error 时重入直接跳过（replay）
type StepResult struct {
	ExecutionID string
	StepName    string
	Attempts    int
	StartedAt   time.Time
	CompletedAt *time.Time
	Output      json.RawMessage
	Error       string
}

// EventType 执行内事件类型
type EventType string

const (
	EventSignal            EventType = "signal"
	EventTimer             EventType = "timer"
	EventMessage           EventType = "message"
	EventOutput            EventType = "output"
	EventStepStarted       EventType = "step_started"
	EventStepCompleted     EventType = "step_completed"
	EventWorkflowStarted   EventType = "workflow_started"
	EventWorkflowCompleted EventType = "workflow_completed"
)

// Event 一条时间限定的事实。timer 行存在 iff 该步骤有存活的 durable sleep；
// signal 行 consumed_at IS NULL 时可投递（单读者 CAS）
type Event struct {
	ID          string
	ExecutionID string
	Type        EventType
	Name        string
	Payload     json.RawMessage
	CreatedAt   time.Time
	VisibleAt   time.Time
	ConsumedAt  *time.Time
}

// StreamChunk tool 步骤的流式缓冲，完成时合并进 StepResult
type StreamChunk struct {
	ExecutionID string
	StepName    string
	ChunkIndex  int
	Data        json.RawMessage
	CreatedAt   time.Time
}

// CancelOutcome cancel_execution 的结果
type CancelOutcome string

const (
	CancelDone           CancelOutcome = "cancelled"
	CancelAlready        CancelOutcome = "already_cancelled"
	CancelNotCancellable CancelOutcome = "not_cancellable"
	CancelNotFound       CancelOutcome = "not_found"
)

// FailOutcome fail_execution 的结果：是否重试及下一次可运行时间
type FailOutcome struct {
	WillRetry bool
	NextRunAt time.Time
}

// CreateOptions 创建执行的可选项
type CreateOptions struct {
	MaxRetries        int    // <=0 使用 store 默认
	ParentExecutionID string // 嵌套执行
	RunAfter          time.Time
}

// ErrWorkflowExists 定义不可变：重复保存同 ID 工作流
var ErrWorkflowExists = errors.New("store: workflow already exists")

// Store 持久化原语。同一语义须在三种方言下成立：
// CTE/RETURNING 的关系型 SQL、带 SKIP LOCKED 的关系型 SQL、以及仅用时间戳守卫 UPDATE 的最小方言；
// 内存实现给出参照语义。
type Store interface {
	// 工作流定义（保存后不可变）
	CreateWorkflow(ctx context.Context, w *workflow.Workflow) error
	GetWorkflow(ctx context.Context, id string) (*workflow.Workflow, error)

	// 执行生命周期
	CreateExecution(ctx context.Context, workflowID string, input json.RawMessage, opts *CreateOptions) (*Execution, error)
	GetExecution(ctx context.Context, id string) (*Execution, error)
	ListExecutions(ctx context.Context, workflowID string, status *Status, limit int) ([]*Execution, error)

	// 租约：原子 CAS。成功条件：status ∈ {pending, running}、retry_count < max_retries、
	// 租约为空或已过期、run_after 已到。成功时写入新随机 lock_id 并 pending→running
	AcquireLease(ctx context.Context, id string, leaseMs int64) (*Lease, error)
	ReleaseLease(ctx context.Context, id, lockID string) error
	// FindPending 与 AcquireLease 同谓词，按 created_at 升序取至多 limit 行并占租约；
	// 两个并发 finder 不得取到同一行
	FindPending(ctx context.Context, limit int, leaseMs int64, scheduledBefore *time.Time) ([]*Execution, error)

	// 终态写入（CAS on lock_id，失败静默）
	CompleteExecution(ctx context.Context, id, lockID string, output json.RawMessage) error
	// FailExecution retryable 且预算未尽时：retry_count+1、status=pending、
	// run_after = now + base * 2^retry_count（有上限）；否则 status=failed
	FailExecution(ctx context.Context, id, lockID, errMsg string, retryable bool) (*FailOutcome, error)
	SetSleeping(ctx context.Context, id, lockID, step string, wakeAt time.Time) error
	SetWaiting(ctx context.Context, id, lockID, step, signalName string, timeoutAt time.Time) error

	// 协作取消：仅 {pending, running, sleeping, waiting_for_signal} 可取消；
	// 持有者在下一个步骤边界观察到
	CancelExecution(ctx context.Context, id string) (CancelOutcome, error)
	// ResumeExecution cancelled/failed → pending；resetRetries 时清零 retry_count
	ResumeExecution(ctx context.Context, id string, resetRetries bool) (bool, error)
	// SetRunAfter 延迟调度（scheduler.Schedule run_at）
	SetRunAfter(ctx context.Context, id string, runAt time.Time) error
	// WakeDue 将 wake_at 已到的 sleeping/waiting 行置回 pending，返回唤醒数
	WakeDue(ctx context.Context, now time.Time, limit int) (int, error)
	// WakeWaiting 信号到达时 waiting_for_signal → pending
	WakeWaiting(ctx context.Context, id string) error

	// 步骤结果（重入幂等）
	MarkStepStarted(ctx context.Context, executionID, step string) (*StepResult, error)
	MarkStepCompleted(ctx context.Context, executionID, step string, output json.RawMessage) error
	// MarkStepFailed 记录错误但保持 completed_at 为空，重入时该步骤重跑
	MarkStepFailed(ctx context.Context, executionID, step, errMsg string) error
	ListStepResults(ctx context.Context, executionID string) ([]*StepResult, error)

	// 事件（insert-only；output 与 workflow_started 按唯一键幂等）
	AppendEvent(ctx context.Context, e *Event) (string, error)
	GetPendingSignals(ctx context.Context, executionID string) ([]*Event, error)
	// ConsumeEvent consumed_at null→now 的单行 CAS；先前为 null 时返回 true（单读者）
	ConsumeEvent(ctx context.Context, eventID string) (bool, error)
	// CheckTimer 返回已到期（visible_at ≤ now）且未消费的 timer 行；无则 nil
	CheckTimer(ctx context.Context, executionID, stepName string) (*Event, error)
	// ScheduleTimer 幂等插入 timer 事件（同 (execution_id, timer, name) 冲突时不变）
	ScheduleTimer(ctx context.Context, executionID, stepName string, wakeAt time.Time) error

	// 流式缓冲
	AppendStreamChunk(ctx context.Context, c *StreamChunk) error
	ListStreamChunks(ctx context.Context, executionID, stepName string) ([]*StreamChunk, error)
	DeleteStreamChunks(ctx context.Context, executionID, stepName string) error

	// PurgeExpired 删除 cutoff 之前已消费的事件与遗留 chunk（GC，批量上限 limit）
	PurgeExpired(ctx context.Context, cutoff time.Time, limit int) (int, error)
}

// Config 重试 backoff 参数（两种实现共用）
type Config struct {
	DefaultMaxRetries int   // 默认 10
	RetryBaseMs       int64 // 默认 1000
	RetryMaxMs        int64 // backoff 上限，默认 900000（15 分钟）
}

func (c Config) withDefaults() Config {
	if c.DefaultMaxRetries <= 0 {
		c.DefaultMaxRetries = 10
	}
	if c.RetryBaseMs <= 0 {
		c.RetryBaseMs = 1000
	}
	if c.RetryMaxMs <= 0 {
		c.RetryMaxMs = 900000
	}
	return c
}

// Backoff 第 retryCount 次重试的延迟：base * 2^retryCount，封顶 RetryMaxMs
func (c Config) Backoff(retryCount int) time.Duration {
	ms := c.RetryBaseMs
	for i := 0; i < retryCount && ms < c.RetryMaxMs; i++ {
		ms *= 2
	}
	if ms > c.RetryMaxMs {
		ms = c.RetryMaxMs
	}
	return time.Duration(ms) * time.Millisecond
}
