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

package admin

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
	"workflow-platform/internal/workflow/scheduler"
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
	svc   *Service
	clock *fakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)}
	st := store.NewMemoryStore(store.Config{})
	st.Clock = clock.Now

	r := runner.New(st, nil, sandbox.New(sandbox.Config{}), nil, runner.Options{InlineSleepBudgetMs: 50})
	r.Clock = clock.Now
	exec := executor.New(st, r, nil)
	exec.Clock = clock.Now

	sched := scheduler.NewPolling(st, exec, nil, scheduler.PollingConfig{})
	sched.Clock = clock.Now

	svc := New(st, exec, sched, nil, Options{LeaseMs: 30000})
	return &fixture{store: st, svc: svc, clock: clock}
}

func (f *fixture) defineEcho(t *testing.T, id string) *workflow.Workflow {
	t.Helper()
	wf := &workflow.Workflow{
		ID: id,
		Steps: []workflow.Step{{
			Name:   "echo",
			Action: workflow.Action{Type: workflow.ActionCode, Source: `export default (input) => ({ got: input.v })`},
			Input:  map[string]any{"v": "@input.v"},
		}},
	}
	require.NoError(t, f.svc.CreateWorkflow(context.Background(), wf))
	return wf
}

func TestCreateWorkflowValidates(t *testing.T) {
	f := newFixture(t)
	err := f.svc.CreateWorkflow(context.Background(), &workflow.Workflow{ID: "wf-empty"})
	assert.Error(t, err)

	f.defineEcho(t, "wf-dup")
	err = f.svc.CreateWorkflow(context.Background(), &workflow.Workflow{
		ID: "wf-dup",
		Steps: []workflow.Step{{
			Name:   "other",
			Action: workflow.Action{Type: workflow.ActionCode, Source: `export default () => 1`},
		}},
	})
	assert.ErrorIs(t, err, store.ErrWorkflowExists)
}

func TestCreateAndQueueExecution(t *testing.T) {
	f := newFixture(t)
	f.defineEcho(t, "wf-q")

	id, err := f.svc.CreateAndQueueExecution(context.Background(), CreateExecutionRequest{
		WorkflowID: "wf-q",
		Input:      json.RawMessage(`{"v":1}`),
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	e, err := f.svc.GetExecution(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, e.Status)

	_, err = f.svc.CreateAndQueueExecution(context.Background(), CreateExecutionRequest{WorkflowID: "wf-missing"})
	assert.ErrorIs(t, err, ErrWorkflowNotFound)
}

func TestCreateDelayedExecution(t *testing.T) {
	f := newFixture(t)
	f.defineEcho(t, "wf-delay")

	runAt := f.clock.Now().Add(time.Hour)
	id, err := f.svc.CreateAndQueueExecution(context.Background(), CreateExecutionRequest{
		WorkflowID: "wf-delay",
		Input:      json.RawMessage(`{"v":1}`),
		RunAt:      runAt,
	})
	require.NoError(t, err)

	// 到期前不可认领
	_, err = f.svc.ExecuteWorkflow(context.Background(), id)
	assert.ErrorIs(t, err, ErrNotRunnable)

	f.clock.Advance(time.Hour + time.Second)
	res, err := f.svc.ExecuteWorkflow(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, executor.KindCompleted, res.Kind)
}

func TestExecuteWorkflowSynchronous(t *testing.T) {
	f := newFixture(t)
	f.defineEcho(t, "wf-sync")
	id, err := f.svc.CreateAndQueueExecution(context.Background(), CreateExecutionRequest{
		WorkflowID: "wf-sync",
		Input:      json.RawMessage(`{"v":42}`),
	})
	require.NoError(t, err)

	res, err := f.svc.ExecuteWorkflow(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, executor.KindCompleted, res.Kind)
	assert.JSONEq(t, `{"got":42}`, string(res.Output))

	// 已终态的执行重复驱动：直接整形返回，不报错
	again, err := f.svc.ExecuteWorkflow(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, executor.KindCompleted, again.Kind)
	assert.JSONEq(t, `{"got":42}`, string(again.Output))

	_, err = f.svc.ExecuteWorkflow(context.Background(), "exec-missing")
	assert.ErrorIs(t, err, ErrExecutionNotFound)
}

// 场景：等待信号的执行被 SEND_SIGNAL 唤醒并拿到负载
func TestSendSignalWakesWaiting(t *testing.T) {
	f := newFixture(t)
	wf := &workflow.Workflow{
		ID: "wf-approve",
		Steps: []workflow.Step{
			{
				Name:   "gate",
				Action: workflow.Action{Type: workflow.ActionWaitForSignal},
				Input:  map[string]any{"signalName": "approval"},
			},
			{
				Name:   "done",
				Action: workflow.Action{Type: workflow.ActionCode, Source: `export default (input) => input.by`},
				Input:  map[string]any{"by": "@gate.payload.by"},
			},
		},
	}
	require.NoError(t, f.svc.CreateWorkflow(context.Background(), wf))
	id, err := f.svc.CreateAndQueueExecution(context.Background(), CreateExecutionRequest{WorkflowID: "wf-approve"})
	require.NoError(t, err)

	res, err := f.svc.ExecuteWorkflow(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, executor.KindWaiting, res.Kind)
	assert.Equal(t, "approval", res.SignalName)

	e, _ := f.store.GetExecution(context.Background(), id)
	require.Equal(t, store.StatusWaitingForSignal, e.Status)

	f.clock.Advance(5 * time.Second)
	sigID, err := f.svc.SendSignal(context.Background(), id, "approval", json.RawMessage(`{"by":"ops"}`))
	require.NoError(t, err)
	assert.NotEmpty(t, sigID)

	// 信号唤醒后回到 pending，可再次认领
	e, _ = f.store.GetExecution(context.Background(), id)
	require.Equal(t, store.StatusPending, e.Status)

	res, err = f.svc.ExecuteWorkflow(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, executor.KindCompleted, res.Kind)
	assert.JSONEq(t, `"ops"`, string(res.Output))
}

func TestSendSignalTargetMissing(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.SendSignal(context.Background(), "exec-nope", "approval", nil)
	assert.ErrorIs(t, err, ErrExecutionNotFound)

	f.defineEcho(t, "wf-sig")
	id, _ := f.svc.CreateAndQueueExecution(context.Background(), CreateExecutionRequest{
		WorkflowID: "wf-sig",
		Input:      json.RawMessage(`{"v":1}`),
	})
	_, err = f.svc.SendSignal(context.Background(), id, "", nil)
	assert.Error(t, err)
}

func TestCancelAndResume(t *testing.T) {
	f := newFixture(t)
	f.defineEcho(t, "wf-cr")
	id, err := f.svc.CreateAndQueueExecution(context.Background(), CreateExecutionRequest{
		WorkflowID: "wf-cr",
		Input:      json.RawMessage(`{"v":1}`),
	})
	require.NoError(t, err)

	outcome, err := f.svc.CancelExecution(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, store.CancelDone, outcome)

	outcome, err = f.svc.CancelExecution(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, store.CancelAlready, outcome)

	status, err := f.svc.ResumeExecution(context.Background(), id, true, true)
	require.NoError(t, err)
	assert.Equal(t, ResumeDone, status)

	res, err := f.svc.ExecuteWorkflow(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, executor.KindCompleted, res.Kind)

	// 已完成不可再恢复
	status, err = f.svc.ResumeExecution(context.Background(), id, false, false)
	require.NoError(t, err)
	assert.Equal(t, ResumeNotResumable, status)

	status, err = f.svc.ResumeExecution(context.Background(), "exec-missing", false, false)
	require.NoError(t, err)
	assert.Equal(t, ResumeNotFound, status)
}

// 场景：子工作流执行带 parent_execution_id
func TestNestedExecution(t *testing.T) {
	f := newFixture(t)
	f.defineEcho(t, "wf-parent")
	f.defineEcho(t, "wf-child")

	parentID, err := f.svc.CreateAndQueueExecution(context.Background(), CreateExecutionRequest{
		WorkflowID: "wf-parent",
		Input:      json.RawMessage(`{"v":1}`),
	})
	require.NoError(t, err)

	childID, err := f.svc.CreateAndQueueExecution(context.Background(), CreateExecutionRequest{
		WorkflowID:        "wf-child",
		Input:             json.RawMessage(`{"v":2}`),
		ParentExecutionID: parentID,
	})
	require.NoError(t, err)

	child, err := f.svc.GetExecution(context.Background(), childID)
	require.NoError(t, err)
	assert.Equal(t, parentID, child.ParentExecutionID)
}

func TestListExecutions(t *testing.T) {
	f := newFixture(t)
	f.defineEcho(t, "wf-list")
	for i := 0; i < 3; i++ {
		_, err := f.svc.CreateAndQueueExecution(context.Background(), CreateExecutionRequest{
			WorkflowID: "wf-list",
			Input:      json.RawMessage(`{"v":1}`),
		})
		require.NoError(t, err)
	}
	pending := store.StatusPending
	list, err := f.svc.ListExecutions(context.Background(), "wf-list", &pending, 10)
	require.NoError(t, err)
	assert.Len(t, list, 3)

	completed := store.StatusCompleted
	list, err = f.svc.ListExecutions(context.Background(), "wf-list", &completed, 10)
	require.NoError(t, err)
	assert.Empty(t, list)
}
