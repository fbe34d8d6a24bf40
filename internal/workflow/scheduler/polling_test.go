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

package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workflow-platform/internal/workflow"
	"workflow-platform/internal/workflow/executor"
	"workflow-platform/internal/workflow/runner"
	"workflow-platform/internal/workflow/sandbox"
	"workflow-platform/internal/workflow/store"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	store *store.MemoryStore
	sched *PollingScheduler
	clock *fakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)}
	st := store.NewMemoryStore(store.Config{})
	st.Clock = clock.Now

	r := runner.New(st, nil, sandbox.New(sandbox.Config{}), nil, runner.Options{InlineSleepBudgetMs: 50})
	r.Clock = clock.Now
	exec := executor.New(st, r, nil)
	exec.Clock = clock.Now

	sched := NewPolling(st, exec, nil, PollingConfig{BatchSize: 5, LeaseMs: 30000})
	sched.Clock = clock.Now
	return &fixture{store: st, sched: sched, clock: clock}
}

func (f *fixture) enqueue(t *testing.T, wf *workflow.Workflow, input string) *store.Execution {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.CreateWorkflow(ctx, wf))
	var raw json.RawMessage
	if input != "" {
		raw = json.RawMessage(input)
	}
	exec, err := f.store.CreateExecution(ctx, wf.ID, raw, nil)
	require.NoError(t, err)
	return exec
}

func oneStep(id string) *workflow.Workflow {
	return &workflow.Workflow{
		ID: id,
		Steps: []workflow.Step{{
			Name:   "echo",
			Action: workflow.Action{Type: workflow.ActionCode, Source: `export default (input) => ({ seen: input.n })`},
			Input:  map[string]any{"n": "@input.n"},
		}},
	}
}

// 场景：pending 行在下一个 tick 被认领并跑到终态
func TestTickClaimsAndRuns(t *testing.T) {
	f := newFixture(t)
	exec := f.enqueue(t, oneStep("wf-tick"), `{"n":7}`)

	n, err := f.sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.store.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, got.Status)
	assert.JSONEq(t, `{"seen":7}`, string(got.Output))
}

// 场景：durable sleep 经由调度器走完整个生命周期——
// 第一个 tick 挂起，唤醒时刻之前的 tick 不认领，到期后的 tick 续跑完成
func TestTickDurableSleepRoundTrip(t *testing.T) {
	f := newFixture(t)
	wf := &workflow.Workflow{
		ID: "wf-sleep",
		Steps: []workflow.Step{
			{
				Name:   "nap",
				Action: workflow.Action{Type: workflow.ActionSleep},
				Input:  map[string]any{"sleepMs": float64(60000)},
			},
			{
				Name:   "after",
				Action: workflow.Action{Type: workflow.ActionCode, Source: `export default () => "awake"`},
			},
		},
	}
	exec := f.enqueue(t, wf, "")

	n, err := f.sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, _ := f.store.GetExecution(context.Background(), exec.ID)
	require.Equal(t, store.StatusSleeping, got.Status)

	// 未到唤醒时刻，空转
	f.clock.Advance(30 * time.Second)
	n, err = f.sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	f.clock.Advance(31 * time.Second)
	n, err = f.sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, _ = f.store.GetExecution(context.Background(), exec.ID)
	assert.Equal(t, store.StatusCompleted, got.Status)
	assert.JSONEq(t, `"awake"`, string(got.Output))
}

// 场景：带 RunAt 的调度在到期前不可见
func TestScheduleDelaysRun(t *testing.T) {
	f := newFixture(t)
	exec := f.enqueue(t, oneStep("wf-delay"), `{"n":1}`)

	runAt := f.clock.Now().Add(time.Minute)
	require.NoError(t, f.sched.Schedule(context.Background(), exec.ID, &ScheduleOptions{RunAt: runAt}))

	n, err := f.sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	f.clock.Advance(61 * time.Second)
	n, err = f.sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// 场景：重试间隔由 store 的退避控制，tick 在 run_after 前不重新认领
func TestTickHonorsRetryBackoff(t *testing.T) {
	f := newFixture(t)
	wf := &workflow.Workflow{
		ID: "wf-retry",
		Steps: []workflow.Step{{
			Name: "flaky",
			// 脚本抛错本是永久失败，步骤级重试策略把它改成可重试
			Action: workflow.Action{Type: workflow.ActionCode, Source: `export default () => { throw new Error("boom") }`},
			Retry:  &workflow.RetryPolicy{MaxAttempts: 3, BackoffMs: 2000},
		}},
	}
	exec := f.enqueue(t, wf, "")

	n, err := f.sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, _ := f.store.GetExecution(context.Background(), exec.ID)
	require.Equal(t, store.StatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)

	// 退避窗口内不认领
	n, err = f.sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	f.clock.Advance(3 * time.Second)
	n, err = f.sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// 场景：Cancel 语义——pending 可取消，不存在的执行报 ErrNotFound
func TestCancel(t *testing.T) {
	f := newFixture(t)
	exec := f.enqueue(t, oneStep("wf-cancel"), `{"n":1}`)

	require.NoError(t, f.sched.Cancel(context.Background(), exec.ID))
	got, _ := f.store.GetExecution(context.Background(), exec.ID)
	assert.Equal(t, store.StatusCancelled, got.Status)

	// 取消后 tick 不再认领
	n, err := f.sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	assert.ErrorIs(t, f.sched.Cancel(context.Background(), "exec-missing"), ErrNotFound)
}
