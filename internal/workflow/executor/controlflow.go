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
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"workflow-platform/internal/workflow"
	"workflow-platform/internal/workflow/refs"
	"workflow-platform/internal/workflow/runner"
	"workflow-platform/internal/workflow/store"
)

// 并行分支内不允许持久化挂起：sleep 超预算或 wait_for_signal 直接判为确定性失败
func noSuspendInParallel(err error) error {
	if runner.Suspension(err) {
		return fmt.Errorf("%w: 并行分支内不支持持久化睡眠或等待信号: %v", runner.ErrPermanent, err)
	}
	return err
}

// runForEach 把一个 forEach 步骤展开为 base[i] 子步骤。
// 顺序模式的子结果逐个落盘（崩溃后从未完成的迭代继续）；
// 全部迭代成功后父步骤落盘聚合输出，重放时整块跳过。
func (e *Executor) runForEach(ctx context.Context, exec *store.Execution, step *workflow.Step, pad refs.Scratchpad, done map[string]*store.StepResult) (json.RawMessage, error) {
	fe := step.Config.ForEach
	itemsV, err := refs.Lookup(pad, fe.Items)
	if err != nil {
		return nil, err
	}
	items, ok := itemsV.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: forEach.items (%s) 必须解析为数组", runner.ErrPermanent, fe.Items)
	}

	mode := fe.Mode
	if mode == "" {
		mode = workflow.ModeSequential
	}

	var agg any
	switch mode {
	case workflow.ModeSequential:
		agg, err = e.forEachSequential(ctx, exec, step, pad, done, items)
	case workflow.ModeParallel:
		agg, err = e.forEachParallel(ctx, exec, step, pad, done, items, fe.MaxConcurrency)
	case workflow.ModeRace:
		agg, err = e.forEachRace(ctx, exec, step, pad, items)
	case workflow.ModeAllSettled:
		agg, err = e.forEachAllSettled(ctx, exec, step, pad, done, items)
	default:
		return nil, fmt.Errorf("%w: 未知 forEach 模式 %q", runner.ErrPermanent, mode)
	}
	if err != nil {
		return nil, err
	}

	output, err := json.Marshal(agg)
	if err != nil {
		return nil, fmt.Errorf("%w: forEach 聚合输出无法序列化: %v", runner.ErrPermanent, err)
	}
	if err := e.store.MarkStepCompleted(ctx, exec.ID, step.Name, output); err != nil {
		return nil, err
	}
	return output, nil
}

func iterVars(item any, index int) map[string]any {
	return map[string]any{"item": item, "index": index}
}

func (e *Executor) forEachSequential(ctx context.Context, exec *store.Execution, step *workflow.Step, pad refs.Scratchpad, done map[string]*store.StepResult, items []any) ([]any, error) {
	outs := make([]any, len(items))
	for i, item := range items {
		name := workflow.IterationName(step.Name, i)
		if prev, ok := done[name]; ok && prev.CompletedAt != nil && prev.Error == "" {
			outs[i] = decodeJSON(prev.Output)
			pad[name] = outs[i]
			continue
		}
		out, err := e.runStepOnce(ctx, exec, step, name, pad, iterVars(item, i), true)
		if err != nil {
			return nil, err // 挂起与失败都向上传递，名字已是 base[i]
		}
		outs[i] = decodeJSON(out)
		pad[name] = outs[i]
	}
	return outs, nil
}

func (e *Executor) forEachParallel(ctx context.Context, exec *store.Execution, step *workflow.Step, pad refs.Scratchpad, done map[string]*store.StepResult, items []any, maxConc int) ([]any, error) {
	if maxConc <= 0 || maxConc > len(items) {
		maxConc = len(items)
	}
	gctx, cancel := context.WithCancel(ctx)
	defer cancel()

	outs := make([]any, len(items))
	errs := make([]error, len(items))
	sem := make(chan struct{}, maxConc)
	var wg sync.WaitGroup
	for i, item := range items {
		name := workflow.IterationName(step.Name, i)
		if prev, ok := done[name]; ok && prev.CompletedAt != nil && prev.Error == "" {
			outs[i] = decodeJSON(prev.Output)
			continue
		}
		wg.Add(1)
		go func(i int, item any, name string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			if gctx.Err() != nil {
				errs[i] = gctx.Err()
				return
			}
			out, err := e.runStepOnce(gctx, exec, step, name, pad, iterVars(item, i), true)
			if err != nil {
				errs[i] = noSuspendInParallel(err)
				cancel()
				return
			}
			outs[i] = decodeJSON(out)
		}(i, item, name)
	}
	wg.Wait()

	// 第一个真实失败（而非被连带取消的分支）决定结果
	var firstErr error
	for _, err := range errs {
		if err != nil && err != context.Canceled {
			firstErr = err
			break
		}
	}
	if firstErr == nil {
		for _, err := range errs {
			if err != nil {
				firstErr = err
				break
			}
		}
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return outs, nil
}

// forEachRace 第一个成功者胜出；败者只收到 context 取消，部分结果不落盘。
// 败者在退出前仍会读共享便笺，所以必须等全部分支结束后才能写入胜者条目
func (e *Executor) forEachRace(ctx context.Context, exec *store.Execution, step *workflow.Step, pad refs.Scratchpad, items []any) (map[string]any, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: race 模式需要至少一个分支", runner.ErrPermanent)
	}
	gctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type raceOut struct {
		index  int
		output json.RawMessage
		err    error
	}
	results := make(chan raceOut, len(items))
	for i, item := range items {
		go func(i int, item any) {
			out, err := e.runStepOnce(gctx, exec, step, workflow.IterationName(step.Name, i), pad, iterVars(item, i), false)
			results <- raceOut{index: i, output: out, err: err}
		}(i, item)
	}

	won := false
	var winIdx int
	var winOut json.RawMessage
	var lastErr error
	for range items {
		r := <-results
		if r.err != nil {
			lastErr = noSuspendInParallel(r.err)
			continue
		}
		if !won {
			won, winIdx, winOut = true, r.index, r.output
			cancel()
		}
	}
	if !won {
		return nil, fmt.Errorf("race 所有分支都失败: %w", lastErr)
	}
	winner := workflow.IterationName(step.Name, winIdx)
	if err := e.store.MarkStepCompleted(ctx, exec.ID, winner, winOut); err != nil {
		return nil, err
	}
	pad[winner] = decodeJSON(winOut)
	return map[string]any{"winner": winner, "value": decodeJSON(winOut)}, nil
}

func (e *Executor) forEachAllSettled(ctx context.Context, exec *store.Execution, step *workflow.Step, pad refs.Scratchpad, done map[string]*store.StepResult, items []any) ([]any, error) {
	outs := make([]any, len(items))
	var suspended error
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i, item := range items {
		name := workflow.IterationName(step.Name, i)
		if prev, ok := done[name]; ok && prev.CompletedAt != nil && prev.Error == "" {
			outs[i] = map[string]any{"status": "fulfilled", "value": decodeJSON(prev.Output)}
			continue
		}
		wg.Add(1)
		go func(i int, item any, name string) {
			defer wg.Done()
			out, err := e.runStepOnce(ctx, exec, step, name, pad, iterVars(item, i), true)
			if err != nil {
				if runner.Suspension(err) {
					mu.Lock()
					suspended = noSuspendInParallel(err)
					mu.Unlock()
					return
				}
				outs[i] = map[string]any{"status": "rejected", "reason": err.Error()}
				return
			}
			outs[i] = map[string]any{"status": "fulfilled", "value": decodeJSON(out)}
		}(i, item, name)
	}
	wg.Wait()
	if suspended != nil {
		return nil, suspended
	}
	return outs, nil
}

// contiguousGroup 从 start 起收集同组的连续并行步骤
func contiguousGroup(wf *workflow.Workflow, start int) []*workflow.Step {
	first := &wf.Steps[start]
	group := []*workflow.Step{first}
	g := first.Config.Parallel.Group
	for j := start + 1; j < len(wf.Steps); j++ {
		s := &wf.Steps[j]
		if s.Config == nil || s.Config.Parallel == nil || s.Config.Parallel.Group != g {
			break
		}
		group = append(group, s)
	}
	return group
}

// runParallelGroup 一批显式命名的并行步骤。输入全部按进组前的便笺解析；
// 各成员的便笺条目在批次结束后统一写入。返回值用作 lastOutput（首成员的输出）。
func (e *Executor) runParallelGroup(ctx context.Context, exec *store.Execution, group []*workflow.Step, pad refs.Scratchpad, done map[string]*store.StepResult) (json.RawMessage, error) {
	mode := group[0].Config.Parallel.Mode
	if mode == "" {
		mode = workflow.ModeParallel
	}
	switch mode {
	case workflow.ModeParallel, workflow.ModeAllSettled:
		return e.groupParallel(ctx, exec, group, pad, done, mode == workflow.ModeAllSettled)
	case workflow.ModeRace:
		return e.groupRace(ctx, exec, group, pad, done)
	default:
		return nil, fmt.Errorf("%w: 未知 parallel 模式 %q", runner.ErrPermanent, mode)
	}
}

func (e *Executor) groupParallel(ctx context.Context, exec *store.Execution, group []*workflow.Step, pad refs.Scratchpad, done map[string]*store.StepResult, settleAll bool) (json.RawMessage, error) {
	gctx, cancel := context.WithCancel(ctx)
	defer cancel()

	outs := make([]json.RawMessage, len(group))
	errs := make([]error, len(group))
	var wg sync.WaitGroup
	for i, member := range group {
		if prev, ok := done[member.Name]; ok && prev.CompletedAt != nil && prev.Error == "" {
			outs[i] = prev.Output
			continue
		}
		wg.Add(1)
		go func(i int, member *workflow.Step) {
			defer wg.Done()
			out, err := e.runStepOnce(gctx, exec, member, member.Name, pad, nil, true)
			if err != nil {
				errs[i] = err
				if !settleAll {
					cancel()
				}
				return
			}
			outs[i] = out
		}(i, member)
	}
	wg.Wait()

	// 挂起在任何组模式下都是硬错误
	for _, err := range errs {
		if err != nil && runner.Suspension(err) {
			return nil, noSuspendInParallel(err)
		}
	}

	if settleAll {
		// 普通失败以 rejected 形态进便笺；补一个终态防止重放重跑
		for i, member := range group {
			if errs[i] != nil {
				pad[member.Name] = map[string]any{"status": "rejected", "reason": errs[i].Error()}
				if err := e.store.MarkStepCompleted(ctx, exec.ID, member.Name, nil); err != nil {
					return nil, err
				}
				continue
			}
			pad[member.Name] = map[string]any{"status": "fulfilled", "value": decodeJSON(outs[i])}
		}
		first, _ := json.Marshal(pad[group[0].Name])
		return first, nil
	}

	var firstErr error
	for _, err := range errs {
		if err != nil && err != context.Canceled {
			firstErr = err
			break
		}
	}
	if firstErr == nil {
		for _, err := range errs {
			if err != nil {
				firstErr = err
				break
			}
		}
	}
	if firstErr != nil {
		return nil, firstErr
	}
	for i, member := range group {
		pad[member.Name] = decodeJSON(outs[i])
	}
	return outs[0], nil
}

// groupRace 组内竞速：胜者的输出进便笺，败者落一个空结果防止重放重跑
func (e *Executor) groupRace(ctx context.Context, exec *store.Execution, group []*workflow.Step, pad refs.Scratchpad, done map[string]*store.StepResult) (json.RawMessage, error) {
	for _, member := range group {
		if prev, ok := done[member.Name]; ok && prev.CompletedAt != nil && prev.Error == "" {
			// 已有胜者（或重放），直接复用
			pad[member.Name] = decodeJSON(prev.Output)
			return prev.Output, nil
		}
	}

	gctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type raceOut struct {
		index  int
		output json.RawMessage
		err    error
	}
	results := make(chan raceOut, len(group))
	for i, member := range group {
		go func(i int, member *workflow.Step) {
			out, err := e.runStepOnce(gctx, exec, member, member.Name, pad, nil, false)
			results <- raceOut{index: i, output: out, err: err}
		}(i, member)
	}

	// 等全部成员退出后再写便笺与终态，败者退出前还在读共享便笺
	won := false
	var winIdx int
	var winOut json.RawMessage
	var lastErr error
	for range group {
		r := <-results
		if r.err != nil {
			lastErr = noSuspendInParallel(r.err)
			continue
		}
		if !won {
			won, winIdx, winOut = true, r.index, r.output
			cancel()
		}
	}
	if !won {
		return nil, fmt.Errorf("race 组内所有步骤都失败: %w", lastErr)
	}
	winner := group[winIdx]
	if err := e.store.MarkStepCompleted(ctx, exec.ID, winner.Name, winOut); err != nil {
		return nil, err
	}
	for _, member := range group {
		if member.Name != winner.Name {
			if err := e.store.MarkStepCompleted(ctx, exec.ID, member.Name, nil); err != nil {
				return nil, err
			}
		}
	}
	pad[winner.Name] = decodeJSON(winOut)
	return winOut, nil
}
