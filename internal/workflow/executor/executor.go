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

// Package executor 工作流执行状态机。
// 单次进入在租约保护下顺序推进步骤；崩溃后的重入靠已落盘的 StepResult 重放，
// 已完成的步骤直接跳过。取消在步骤边界观察，终态写入一律 CAS on lock_id。
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"workflow-platform/internal/workflow"
	"workflow-platform/internal/workflow/refs"
	"workflow-platform/internal/workflow/runner"
	"workflow-platform/internal/workflow/store"
	"workflow-platform/pkg/metrics"
)

// 大输出阈值：超过即在执行输出里放占位符，完整值保留在 StepResult
const (
	largeOutputBytes  = 50 * 1024
	largeStringBytes  = 10 * 1024
	largeArrayItems   = 100
	outputEventName   = "final"
)

type Executor struct {
	store  store.Store
	runner *runner.Runner
	log    *slog.Logger

	// Clock 可注入的时钟，测试用
	Clock func() time.Time
}

func New(st store.Store, r *runner.Runner, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{store: st, runner: r, log: logger, Clock: time.Now}
}

// Execute 在已持有的租约下推进执行，直到完成、失败、挂起或观察到取消。
// 所有持久化副作用（终态、步骤结果、事件）由本方法完成；返回值仅供调度器参考。
func (e *Executor) Execute(ctx context.Context, executionID string, lease *store.Lease) *Result {
	start := e.Clock()
	res := e.execute(ctx, executionID, lease)
	metrics.ExecutionFinished(res.Kind.String(), e.Clock().Sub(start).Seconds())
	return res
}

func (e *Executor) execute(ctx context.Context, executionID string, lease *store.Lease) *Result {
	log := e.log.With("execution", executionID)

	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil || exec == nil {
		log.Error("加载执行失败", "error", err)
		return &Result{Kind: KindLost}
	}
	wf, err := e.store.GetWorkflow(ctx, exec.WorkflowID)
	if err != nil {
		log.Error("加载工作流定义失败", "error", err)
		return e.fail(ctx, exec, lease, "", fmt.Errorf("加载工作流定义失败: %w", err), true)
	}
	if wf == nil {
		return e.fail(ctx, exec, lease, "", fmt.Errorf("%w: 工作流 %s 不存在", runner.ErrPermanent, exec.WorkflowID), false)
	}

	// 生命周期事件按唯一键幂等，重入不会重复写
	if _, err := e.store.AppendEvent(ctx, &store.Event{
		ExecutionID: exec.ID,
		Type:        store.EventWorkflowStarted,
		Payload:     exec.Input,
	}); err != nil {
		log.Warn("写入启动事件失败", "error", err)
	}

	results, err := e.store.ListStepResults(ctx, exec.ID)
	if err != nil {
		return e.fail(ctx, exec, lease, "", err, true)
	}
	done := make(map[string]*store.StepResult, len(results))
	for _, r := range results {
		done[r.StepName] = r
	}

	pad := refs.Scratchpad{}
	if len(exec.Input) > 0 {
		pad["input"] = decodeJSON(exec.Input)
	}
	// 重放：已完成步骤的输出直接进便笺
	for _, r := range results {
		if r.CompletedAt != nil && r.Error == "" {
			pad[r.StepName] = decodeJSON(r.Output)
		}
	}

	var lastOutput json.RawMessage
	for i := 0; i < len(wf.Steps); i++ {
		step := &wf.Steps[i]

		// 步骤边界：取消与租约检查
		if r := e.checkBoundary(ctx, exec.ID, lease); r != nil {
			return r
		}

		if prev, ok := done[step.Name]; ok && prev.CompletedAt != nil && prev.Error == "" {
			lastOutput = prev.Output
			continue
		}

		var output json.RawMessage
		var stepErr error
		inGroup := false
		switch {
		case step.Config != nil && step.Config.ForEach != nil:
			output, stepErr = e.runForEach(ctx, exec, step, pad, done)
		case step.Config != nil && step.Config.Parallel != nil:
			// 组内各步骤的便笺条目由 runParallelGroup 自己维护
			group := contiguousGroup(wf, i)
			output, stepErr = e.runParallelGroup(ctx, exec, group, pad, done)
			i += len(group) - 1
			inGroup = true
		default:
			output, stepErr = e.runStepOnce(ctx, exec, step, step.Name, pad, nil, true)
		}

		if stepErr != nil {
			if r := e.suspend(ctx, exec, lease, stepErr); r != nil {
				return r
			}
			sf := runner.NewStepFailure(step.Name, stepErr)
			prev := done[sf.StepName]
			if prev == nil {
				prev = done[step.Name]
			}
			return e.fail(ctx, exec, lease, sf.StepName, sf, e.shouldRetry(step, prev, sf))
		}

		if !inGroup {
			pad[step.Name] = decodeJSON(output)
		}
		lastOutput = output
	}

	if r := e.checkBoundary(ctx, exec.ID, lease); r != nil {
		return r
	}

	final := lastOutput
	if wf.Output != "" {
		v, err := refs.Lookup(pad, wf.Output)
		if err != nil {
			sf := runner.NewStepFailure("", err)
			return e.fail(ctx, exec, lease, "", sf, false)
		}
		if final, err = json.Marshal(v); err != nil {
			return e.fail(ctx, exec, lease, "", fmt.Errorf("%w: 输出无法序列化: %v", runner.ErrPermanent, err), false)
		}
	}
	recorded := compactOutput(final)

	// output 事件唯一：崩在 Complete 之前的重入不会产生第二条
	if _, err := e.store.AppendEvent(ctx, &store.Event{
		ExecutionID: exec.ID,
		Type:        store.EventOutput,
		Name:        outputEventName,
		Payload:     recorded,
	}); err != nil {
		e.log.Warn("写入输出事件失败", "execution", exec.ID, "error", err)
	}
	if err := e.store.CompleteExecution(ctx, exec.ID, lease.LockID, recorded); err != nil {
		e.log.Error("写入完成状态失败", "execution", exec.ID, "error", err)
		return &Result{Kind: KindLost}
	}
	if _, err := e.store.AppendEvent(ctx, &store.Event{
		ExecutionID: exec.ID,
		Type:        store.EventWorkflowCompleted,
	}); err != nil {
		e.log.Warn("写入结束事件失败", "execution", exec.ID, "error", err)
	}
	log.Info("执行完成", "workflow", exec.WorkflowID)
	return &Result{Kind: KindCompleted, Output: recorded}
}

// checkBoundary 在步骤边界重新读取执行行；取消与失租都在这里被发现
func (e *Executor) checkBoundary(ctx context.Context, executionID string, lease *store.Lease) *Result {
	fresh, err := e.store.GetExecution(ctx, executionID)
	if err != nil || fresh == nil {
		return &Result{Kind: KindLost}
	}
	if fresh.Status == store.StatusCancelled {
		return &Result{Kind: KindCancelled}
	}
	if fresh.LockID != lease.LockID {
		return &Result{Kind: KindLost}
	}
	return nil
}

// runStepOnce 单步骤执行：落盘 started → 解析输入 → runner → 落盘 completed。
// extra 为迭代变量（item/index）；persist 为假时不写 StepResult（race 的败者）
func (e *Executor) runStepOnce(ctx context.Context, exec *store.Execution, step *workflow.Step, name string, pad refs.Scratchpad, extra map[string]any, persist bool) (json.RawMessage, error) {
	start := e.Clock()
	var sr *store.StepResult
	if persist {
		var err error
		sr, err = e.store.MarkStepStarted(ctx, exec.ID, name)
		if err != nil {
			return nil, err
		}
		if _, err := e.store.AppendEvent(ctx, &store.Event{
			ExecutionID: exec.ID,
			Type:        store.EventStepStarted,
			Name:        name,
		}); err != nil {
			e.log.Warn("写入步骤事件失败", "execution", exec.ID, "step", name, "error", err)
		}
	} else {
		sr = &store.StepResult{ExecutionID: exec.ID, StepName: name, Attempts: 1, StartedAt: start}
	}

	effective := pad
	if extra != nil {
		effective = make(refs.Scratchpad, len(pad)+len(extra))
		for k, v := range pad {
			effective[k] = v
		}
		for k, v := range extra {
			effective[k] = v
		}
	}
	input, err := refs.ResolveInput(effective, step.Input)
	if err != nil {
		if persist {
			_ = e.store.MarkStepFailed(ctx, exec.ID, name, err.Error())
		}
		metrics.StepFinished(string(step.Action.Type), e.Clock().Sub(start).Seconds(), false)
		return nil, runner.NewStepFailure(name, err)
	}

	named := *step
	named.Name = name
	output, err := e.runner.RunStep(ctx, exec, &named, input, sr)
	if err != nil {
		if runner.Suspension(err) {
			return nil, err
		}
		if persist {
			_ = e.store.MarkStepFailed(ctx, exec.ID, name, err.Error())
		}
		metrics.StepFinished(string(step.Action.Type), e.Clock().Sub(start).Seconds(), false)
		return nil, runner.NewStepFailure(name, err)
	}

	if persist {
		if err := e.store.MarkStepCompleted(ctx, exec.ID, name, output); err != nil {
			return nil, err
		}
		if _, err := e.store.AppendEvent(ctx, &store.Event{
			ExecutionID: exec.ID,
			Type:        store.EventStepCompleted,
			Name:        name,
			Payload:     compactOutput(output),
		}); err != nil {
			e.log.Warn("写入步骤事件失败", "execution", exec.ID, "step", name, "error", err)
		}
	}
	metrics.StepFinished(string(step.Action.Type), e.Clock().Sub(start).Seconds(), true)
	return output, nil
}

// suspend 处理挂起信号；不是挂起时返回 nil
func (e *Executor) suspend(ctx context.Context, exec *store.Execution, lease *store.Lease, err error) *Result {
	var ds *runner.DurableSleep
	if errors.As(err, &ds) {
		if serr := e.store.SetSleeping(ctx, exec.ID, lease.LockID, ds.StepName, ds.WakeAt); serr != nil {
			e.log.Error("落盘 sleeping 失败", "execution", exec.ID, "error", serr)
		}
		return &Result{Kind: KindSleeping, StepName: ds.StepName, WakeAt: ds.WakeAt}
	}
	var ws *runner.WaitingForSignal
	if errors.As(err, &ws) {
		if serr := e.store.SetWaiting(ctx, exec.ID, lease.LockID, ws.StepName, ws.SignalName, ws.TimeoutAt); serr != nil {
			e.log.Error("落盘 waiting 失败", "execution", exec.ID, "error", serr)
		}
		return &Result{Kind: KindWaiting, StepName: ws.StepName, SignalName: ws.SignalName, TimeoutAt: ws.TimeoutAt, WakeAt: ws.TimeoutAt}
	}
	return nil
}

// shouldRetry 步骤声明了重试策略时以策略为准：预算内任何失败都可重试，
// 预算耗尽即永久失败。只有未声明策略的步骤才按失败分类兜底
func (e *Executor) shouldRetry(step *workflow.Step, sr *store.StepResult, sf *runner.StepFailure) bool {
	if step.Retry != nil && step.Retry.MaxAttempts > 0 {
		attempts := 1
		if sr != nil {
			attempts = sr.Attempts + 1
		}
		return attempts < step.Retry.MaxAttempts
	}
	return sf.Type == runner.FailureRetryable
}

func (e *Executor) fail(ctx context.Context, exec *store.Execution, lease *store.Lease, stepName string, err error, retryable bool) *Result {
	outcome, serr := e.store.FailExecution(ctx, exec.ID, lease.LockID, err.Error(), retryable)
	if serr != nil {
		e.log.Error("写入失败状态失败", "execution", exec.ID, "error", serr)
		return &Result{Kind: KindLost}
	}
	// 步骤退避策略覆盖默认的执行级退避
	if outcome.WillRetry && stepName != "" {
		if step := stepByBase(ctx, e, exec, stepName); step != nil && step.Retry != nil && step.Retry.BackoffMs > 0 {
			attempts := 1
			if rs, lerr := e.store.ListStepResults(ctx, exec.ID); lerr == nil {
				for _, r := range rs {
					if r.StepName == stepName {
						attempts = r.Attempts
					}
				}
			}
			next := e.Clock().Add(stepBackoff(step.Retry, attempts))
			if serr := e.store.SetRunAfter(ctx, exec.ID, next); serr == nil {
				outcome.NextRunAt = next
			}
		}
	}
	e.log.Warn("执行失败", "execution", exec.ID, "step", stepName, "retry", outcome.WillRetry, "error", err)
	return &Result{
		Kind:       KindFailed,
		Error:      err.Error(),
		Retryable:  outcome.WillRetry,
		NextRunAt:  outcome.NextRunAt,
		FailedStep: stepName,
	}
}

func stepBackoff(p *workflow.RetryPolicy, attempts int) time.Duration {
	ms := p.BackoffMs
	for i := 1; i < attempts && ms < int64(time.Hour/time.Millisecond); i++ {
		ms *= 2
	}
	return time.Duration(ms) * time.Millisecond
}

// stepByBase 按失败步骤名（去掉 [i] 后缀）回查定义
func stepByBase(ctx context.Context, e *Executor, exec *store.Execution, name string) *workflow.Step {
	wf, err := e.store.GetWorkflow(ctx, exec.WorkflowID)
	if err != nil || wf == nil {
		return nil
	}
	if s := wf.Step(name); s != nil {
		return s
	}
	if i := indexOfBracket(name); i > 0 {
		return wf.Step(name[:i])
	}
	return nil
}

func indexOfBracket(s string) int {
	for i := 0; i < len(s); i++ {
		if s[i] == '[' {
			return i
		}
	}
	return -1
}

func decodeJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return v
}

// compactOutput 大输出压缩为占位符；完整值始终保留在 StepResult 里
func compactOutput(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	large := false
	switch {
	case len(raw) > largeOutputBytes:
		large = true
	case raw[0] == '"' && len(raw) > largeStringBytes:
		large = true
	case raw[0] == '[':
		var arr []json.RawMessage
		if err := json.Unmarshal(raw, &arr); err == nil && len(arr) > largeArrayItems {
			large = true
		}
	}
	if !large {
		return raw
	}
	placeholder, _ := json.Marshal(map[string]any{
		"$truncated": true,
		"sizeBytes":  len(raw),
	})
	return placeholder
}
