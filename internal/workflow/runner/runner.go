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

// Package runner 单步执行：tool / code / sleep / wait_for_signal 四类动作的分发，
// 以及失败分类。挂起（持久化睡眠、等待信号）以类型化错误向上传递，由执行器落盘。
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"workflow-platform/internal/workflow"
	"workflow-platform/internal/workflow/gateway"
	"workflow-platform/internal/workflow/sandbox"
	"workflow-platform/internal/workflow/store"
)

// Options 运行参数
type Options struct {
	// InlineSleepBudgetMs 不超过该时长的 sleep 在租约内原地等待，默认 25000
	InlineSleepBudgetMs int64
}

type Runner struct {
	store   store.Store
	gateway *gateway.Client
	sandbox *sandbox.Sandbox
	log     *slog.Logger
	budget  time.Duration

	// Clock 可注入的时钟，测试用
	Clock func() time.Time
}

func New(st store.Store, gw *gateway.Client, sb *sandbox.Sandbox, logger *slog.Logger, opts Options) *Runner {
	budget := opts.InlineSleepBudgetMs
	if budget <= 0 {
		budget = 25000
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		store:   st,
		gateway: gw,
		sandbox: sb,
		log:     logger,
		budget:  time.Duration(budget) * time.Millisecond,
		Clock:   time.Now,
	}
}

// RunStep 执行单个步骤。input 已完成引用解析；sr 是本次进入前的步骤记录
// （携带 StartedAt 与 Attempts，等待/睡眠的时限以 StartedAt 为基准）。
// 返回值：输出 JSON；或挂起信号（*DurableSleep / *WaitingForSignal）；或失败。
func (r *Runner) RunStep(ctx context.Context, exec *store.Execution, step *workflow.Step, input map[string]any, sr *store.StepResult) (json.RawMessage, error) {
	switch step.Action.Type {
	case workflow.ActionTool:
		return r.runTool(ctx, exec, step, input)
	case workflow.ActionCode:
		return r.runCode(ctx, exec, step, input)
	case workflow.ActionSleep:
		return r.runSleep(ctx, exec, step, input, sr)
	case workflow.ActionWaitForSignal:
		return r.runWait(ctx, exec, step, input, sr)
	default:
		return nil, fmt.Errorf("%w: 未知动作类型 %q", ErrPermanent, step.Action.Type)
	}
}

// runTool 流式分片落盘（崩溃后按 index 幂等续传），成功后清掉缓冲
func (r *Runner) runTool(ctx context.Context, exec *store.Execution, step *workflow.Step, input map[string]any) (json.RawMessage, error) {
	output, err := r.gateway.CallTool(ctx, step.Action.ConnectionID, step.Action.ToolName, input,
		func(index int, data json.RawMessage) error {
			return r.store.AppendStreamChunk(ctx, &store.StreamChunk{
				ExecutionID: exec.ID,
				StepName:    step.Name,
				ChunkIndex:  index,
				Data:        data,
			})
		})
	if err != nil {
		return nil, err
	}
	if err := r.store.DeleteStreamChunks(ctx, exec.ID, step.Name); err != nil {
		r.log.Warn("清理流式缓冲失败", "execution", exec.ID, "step", step.Name, "error", err)
	}
	return output, nil
}

func (r *Runner) runCode(ctx context.Context, exec *store.Execution, step *workflow.Step, input map[string]any) (json.RawMessage, error) {
	res, err := r.sandbox.Run(ctx, step.Action.Source, input)
	if err != nil {
		return nil, err
	}
	if len(res.Logs) > 0 {
		payload, _ := json.Marshal(map[string]any{"step": step.Name, "logs": res.Logs})
		if _, err := r.store.AppendEvent(ctx, &store.Event{
			ExecutionID: exec.ID,
			Type:        store.EventMessage,
			Name:        step.Name,
			Payload:     payload,
		}); err != nil {
			r.log.Warn("记录脚本日志失败", "execution", exec.ID, "step", step.Name, "error", err)
		}
	}
	return res.Value, nil
}

func (r *Runner) runSleep(ctx context.Context, exec *store.Execution, step *workflow.Step, input map[string]any, sr *store.StepResult) (json.RawMessage, error) {
	now := r.Clock()

	// 重入：timer 已到期即完成本步骤。时长按唤醒点算，与真实重入时刻无关
	if ev, err := r.store.CheckTimer(ctx, exec.ID, step.Name); err != nil {
		return nil, err
	} else if ev != nil {
		if _, err := r.store.ConsumeEvent(ctx, ev.ID); err != nil {
			return nil, err
		}
		return sleepOutput(ev.VisibleAt.Sub(sr.StartedAt))
	}

	wakeAt, err := sleepWakeAt(input, now)
	if err != nil {
		return nil, err
	}
	d := wakeAt.Sub(now)
	if d <= 0 {
		return sleepOutput(0)
	}
	if d <= r.budget {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d):
		}
		return sleepOutput(wakeAt.Sub(sr.StartedAt))
	}
	if err := r.store.ScheduleTimer(ctx, exec.ID, step.Name, wakeAt); err != nil {
		return nil, err
	}
	return nil, &DurableSleep{StepName: step.Name, WakeAt: wakeAt}
}

// sleepOutput 输出 wake_at − started_at
func sleepOutput(d time.Duration) (json.RawMessage, error) {
	if d < 0 {
		d = 0
	}
	return json.Marshal(map[string]any{"sleepDurationMs": d.Milliseconds()})
}

// sleepWakeAt 从解析后的 input 取 sleepMs 或 sleepUntil
func sleepWakeAt(input map[string]any, now time.Time) (time.Time, error) {
	if ms, ok := msFromAny(input["sleepMs"]); ok {
		if ms < 0 {
			return time.Time{}, fmt.Errorf("%w: sleepMs 不能为负", ErrPermanent)
		}
		return now.Add(time.Duration(ms) * time.Millisecond), nil
	}
	switch v := input["sleepUntil"].(type) {
	case string:
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: sleepUntil 不是 RFC3339 时间: %v", ErrPermanent, err)
		}
		return t, nil
	case nil:
	default:
		if ms, ok := msFromAny(v); ok {
			return time.UnixMilli(ms), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: sleep 步骤需要 sleepMs 或 sleepUntil", ErrPermanent)
}

func (r *Runner) runWait(ctx context.Context, exec *store.Execution, step *workflow.Step, input map[string]any, sr *store.StepResult) (json.RawMessage, error) {
	name, _ := input["signalName"].(string)
	if name == "" {
		return nil, fmt.Errorf("%w: wait_for_signal 步骤需要 signalName", ErrPermanent)
	}
	timeoutMs, hasTimeout := msFromAny(input["timeoutMs"])

	signals, err := r.store.GetPendingSignals(ctx, exec.ID)
	if err != nil {
		return nil, err
	}
	now := r.Clock()
	for _, sig := range signals {
		if sig.Name != name {
			continue
		}
		ok, err := r.store.ConsumeEvent(ctx, sig.ID)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue // 被并发读者抢走，试下一条
		}
		out := map[string]any{
			"signalName":     name,
			"receivedAt":     sig.CreatedAt.UnixMilli(),
			"waitDurationMs": now.Sub(sr.StartedAt).Milliseconds(),
		}
		if len(sig.Payload) > 0 {
			out["payload"] = json.RawMessage(sig.Payload)
		}
		return json.Marshal(out)
	}

	if hasTimeout && timeoutMs > 0 {
		deadline := sr.StartedAt.Add(time.Duration(timeoutMs) * time.Millisecond)
		if !now.Before(deadline) {
			return nil, fmt.Errorf("%w: signal %q timed out after %dms", ErrPermanent, name, timeoutMs)
		}
		return nil, &WaitingForSignal{StepName: step.Name, SignalName: name, TimeoutAt: deadline}
	}
	return nil, &WaitingForSignal{StepName: step.Name, SignalName: name}
}

func msFromAny(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int:
		return int64(n), true
	case int64:
		return n, true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}
