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

package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"workflow-platform/internal/workflow"
)

func testWorkflow(id string) *workflow.Workflow {
	return &workflow.Workflow{
		ID:    id,
		Title: "test",
		Steps: []workflow.Step{
			{Name: "step1", Action: workflow.Action{Type: workflow.ActionCode, Source: "export default () => 1"}},
		},
	}
}

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

func newTestStore() (*MemoryStore, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
	s := NewMemoryStore(Config{})
	s.Clock = clock.Now
	return s, clock
}

func mustCreate(t *testing.T, s *MemoryStore, opts *CreateOptions) *Execution {
	t.Helper()
	ctx := context.Background()
	if err := s.CreateWorkflow(ctx, testWorkflow("wf-"+t.Name())); err != nil && !errors.Is(err, ErrWorkflowExists) {
		t.Fatalf("CreateWorkflow: %v", err)
	}
	e, err := s.CreateExecution(ctx, "wf-"+t.Name(), json.RawMessage(`{"n":1}`), opts)
	if err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}
	return e
}

func TestWorkflowImmutable(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()
	w := testWorkflow("wf-1")
	if err := s.CreateWorkflow(ctx, w); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if err := s.CreateWorkflow(ctx, w); !errors.Is(err, ErrWorkflowExists) {
		t.Fatalf("want ErrWorkflowExists, got %v", err)
	}
	got, err := s.GetWorkflow(ctx, "wf-1")
	if err != nil || got == nil {
		t.Fatalf("GetWorkflow: %v %v", got, err)
	}
	if got.Title != "test" {
		t.Errorf("Title = %q", got.Title)
	}
}

func TestLeaseLifecycle(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()
	e := mustCreate(t, s, nil)

	lease, err := s.AcquireLease(ctx, e.ID, 30000)
	if err != nil || lease == nil {
		t.Fatalf("AcquireLease: %v %v", lease, err)
	}
	if lease.LockID == "" {
		t.Fatal("empty lock id")
	}

	// 租约未过期时第二次获取必须失败
	second, err := s.AcquireLease(ctx, e.ID, 30000)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if second != nil {
		t.Fatal("second acquire should be rejected while lease is live")
	}

	if err := s.CompleteExecution(ctx, e.ID, lease.LockID, json.RawMessage(`"done"`)); err != nil {
		t.Fatalf("CompleteExecution: %v", err)
	}
	got, _ := s.GetExecution(ctx, e.ID)
	if got.Status != StatusCompleted {
		t.Fatalf("status = %v", got.Status)
	}
	if got.LockID != "" || got.LockedUntilEpochMs != 0 {
		t.Error("lease not cleared on completion")
	}

	// 终态粘滞：completed 不可再被认领
	if l, _ := s.AcquireLease(ctx, e.ID, 30000); l != nil {
		t.Fatal("terminal execution must not be claimable")
	}
}

func TestExpiredLeaseReclaim(t *testing.T) {
	s, clock := newTestStore()
	ctx := context.Background()
	e := mustCreate(t, s, nil)

	first, _ := s.AcquireLease(ctx, e.ID, 30000)
	if first == nil {
		t.Fatal("first acquire failed")
	}

	clock.Advance(31 * time.Second)

	second, err := s.AcquireLease(ctx, e.ID, 30000)
	if err != nil || second == nil {
		t.Fatalf("reclaim after expiry: %v %v", second, err)
	}
	if second.LockID == first.LockID {
		t.Fatal("reclaim must mint a fresh lock id")
	}

	// 旧持有者的终态写入静默失败
	if err := s.CompleteExecution(ctx, e.ID, first.LockID, nil); err != nil {
		t.Fatalf("stale complete: %v", err)
	}
	got, _ := s.GetExecution(ctx, e.ID)
	if got.Status != StatusRunning {
		t.Fatalf("stale holder must not win; status = %v", got.Status)
	}
	if got.LockID != second.LockID {
		t.Error("stale complete clobbered the live lease")
	}
}

func TestAcquireContention(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()
	e := mustCreate(t, s, nil)

	const workers = 8
	var wg sync.WaitGroup
	results := make(chan *Lease, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := s.AcquireLease(ctx, e.ID, 30000)
			if err != nil {
				t.Errorf("AcquireLease: %v", err)
				return
			}
			if l != nil {
				results <- l
			}
		}()
	}
	wg.Wait()
	close(results)
	var winners []*Lease
	for l := range results {
		winners = append(winners, l)
	}
	if len(winners) != 1 {
		t.Fatalf("exactly one worker must win the lease, got %d", len(winners))
	}
}

func TestFindPendingDisjoint(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()
	seen := make(map[string]int)
	for i := 0; i < 6; i++ {
		e := mustCreate(t, s, nil)
		seen[e.ID] = 0
	}

	a, err := s.FindPending(ctx, 3, 30000, nil)
	if err != nil {
		t.Fatalf("FindPending: %v", err)
	}
	b, err := s.FindPending(ctx, 10, 30000, nil)
	if err != nil {
		t.Fatalf("FindPending: %v", err)
	}
	if len(a) != 3 || len(b) != 3 {
		t.Fatalf("batch sizes = %d, %d", len(a), len(b))
	}
	for _, e := range append(a, b...) {
		seen[e.ID]++
		if e.Status != StatusRunning || e.LockID == "" {
			t.Errorf("claimed row %s not marked running with a lease", e.ID)
		}
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("execution %s claimed %d times", id, n)
		}
	}
}

func TestFailExecutionRetrySchedule(t *testing.T) {
	s, clock := newTestStore()
	ctx := context.Background()
	e := mustCreate(t, s, &CreateOptions{MaxRetries: 3})

	lease, _ := s.AcquireLease(ctx, e.ID, 30000)
	outcome, err := s.FailExecution(ctx, e.ID, lease.LockID, "boom", true)
	if err != nil {
		t.Fatalf("FailExecution: %v", err)
	}
	if !outcome.WillRetry {
		t.Fatal("first failure with budget left must retry")
	}
	wantNext := clock.Now().Add(1 * time.Second) // base * 2^0
	if !outcome.NextRunAt.Equal(wantNext) {
		t.Errorf("NextRunAt = %v, want %v", outcome.NextRunAt, wantNext)
	}
	got, _ := s.GetExecution(ctx, e.ID)
	if got.Status != StatusPending || got.RetryCount != 1 {
		t.Fatalf("status=%v retry_count=%d", got.Status, got.RetryCount)
	}

	// run_after 未到之前不可认领
	if l, _ := s.AcquireLease(ctx, e.ID, 30000); l != nil {
		t.Fatal("claimable before backoff elapsed")
	}
	clock.Advance(2 * time.Second)
	lease, _ = s.AcquireLease(ctx, e.ID, 30000)
	if lease == nil {
		t.Fatal("not claimable after backoff elapsed")
	}

	// 第二次失败：2^1 backoff
	outcome, _ = s.FailExecution(ctx, e.ID, lease.LockID, "boom", true)
	if !outcome.WillRetry {
		t.Fatal("second failure must still retry")
	}
	if want := clock.Now().Add(2 * time.Second); !outcome.NextRunAt.Equal(want) {
		t.Errorf("NextRunAt = %v, want %v", outcome.NextRunAt, want)
	}

	// 预算耗尽：retry_count+1 == max_retries → failed
	clock.Advance(5 * time.Second)
	lease, _ = s.AcquireLease(ctx, e.ID, 30000)
	outcome, _ = s.FailExecution(ctx, e.ID, lease.LockID, "boom", true)
	if outcome.WillRetry {
		t.Fatal("exhausted budget must not retry")
	}
	got, _ = s.GetExecution(ctx, e.ID)
	if got.Status != StatusFailed || got.Error != "boom" {
		t.Fatalf("status=%v error=%q", got.Status, got.Error)
	}
}

func TestFailExecutionPermanent(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()
	e := mustCreate(t, s, nil)
	lease, _ := s.AcquireLease(ctx, e.ID, 30000)
	outcome, err := s.FailExecution(ctx, e.ID, lease.LockID, "bad input", false)
	if err != nil {
		t.Fatalf("FailExecution: %v", err)
	}
	if outcome.WillRetry {
		t.Fatal("permanent failure must not retry")
	}
	got, _ := s.GetExecution(ctx, e.ID)
	if got.Status != StatusFailed {
		t.Fatalf("status = %v", got.Status)
	}
}

func TestCancelOutcomes(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	if out, _ := s.CancelExecution(ctx, "exec-missing"); out != CancelNotFound {
		t.Errorf("missing: %v", out)
	}

	e := mustCreate(t, s, nil)
	if out, _ := s.CancelExecution(ctx, e.ID); out != CancelDone {
		t.Errorf("pending: %v", out)
	}
	if out, _ := s.CancelExecution(ctx, e.ID); out != CancelAlready {
		t.Errorf("repeat: %v", out)
	}

	done := mustCreate(t, s, nil)
	lease, _ := s.AcquireLease(ctx, done.ID, 30000)
	_ = s.CompleteExecution(ctx, done.ID, lease.LockID, nil)
	if out, _ := s.CancelExecution(ctx, done.ID); out != CancelNotCancellable {
		t.Errorf("completed: %v", out)
	}
}

func TestResumeExecution(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()
	e := mustCreate(t, s, &CreateOptions{MaxRetries: 1})
	lease, _ := s.AcquireLease(ctx, e.ID, 30000)
	_, _ = s.FailExecution(ctx, e.ID, lease.LockID, "boom", true)

	got, _ := s.GetExecution(ctx, e.ID)
	if got.Status != StatusFailed {
		t.Fatalf("precondition: status = %v", got.Status)
	}

	ok, err := s.ResumeExecution(ctx, e.ID, true)
	if err != nil || !ok {
		t.Fatalf("ResumeExecution: %v %v", ok, err)
	}
	got, _ = s.GetExecution(ctx, e.ID)
	if got.Status != StatusPending || got.RetryCount != 0 || got.Error != "" {
		t.Fatalf("after resume: status=%v retries=%d error=%q", got.Status, got.RetryCount, got.Error)
	}

	// running 不可 resume
	lease, _ = s.AcquireLease(ctx, e.ID, 30000)
	if lease == nil {
		t.Fatal("resumed execution must be claimable")
	}
	if ok, _ := s.ResumeExecution(ctx, e.ID, false); ok {
		t.Fatal("running execution must not be resumable")
	}
}

func TestSleepAndWake(t *testing.T) {
	s, clock := newTestStore()
	ctx := context.Background()
	e := mustCreate(t, s, nil)
	lease, _ := s.AcquireLease(ctx, e.ID, 30000)

	wakeAt := clock.Now().Add(time.Minute)
	if err := s.SetSleeping(ctx, e.ID, lease.LockID, "step1", wakeAt); err != nil {
		t.Fatalf("SetSleeping: %v", err)
	}
	got, _ := s.GetExecution(ctx, e.ID)
	if got.Status != StatusSleeping || got.LockID != "" {
		t.Fatalf("status=%v lock=%q", got.Status, got.LockID)
	}

	// 未到期不唤醒
	n, _ := s.WakeDue(ctx, clock.Now(), 10)
	if n != 0 {
		t.Fatalf("woke %d before due", n)
	}
	clock.Advance(61 * time.Second)
	n, _ = s.WakeDue(ctx, clock.Now(), 10)
	if n != 1 {
		t.Fatalf("woke %d, want 1", n)
	}
	got, _ = s.GetExecution(ctx, e.ID)
	if got.Status != StatusPending || got.WakeAtEpochMs != 0 {
		t.Fatalf("after wake: status=%v wake_at=%d", got.Status, got.WakeAtEpochMs)
	}
}

func TestWaitingWakeOnSignal(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()
	e := mustCreate(t, s, nil)
	lease, _ := s.AcquireLease(ctx, e.ID, 30000)
	if err := s.SetWaiting(ctx, e.ID, lease.LockID, "step1", "approved", time.Time{}); err != nil {
		t.Fatalf("SetWaiting: %v", err)
	}
	got, _ := s.GetExecution(ctx, e.ID)
	if got.Status != StatusWaitingForSignal {
		t.Fatalf("status = %v", got.Status)
	}
	// 无超时 → WakeDue 不触碰
	if n, _ := s.WakeDue(ctx, time.Now().Add(time.Hour), 10); n != 0 {
		t.Fatalf("waiting without timeout woke %d", n)
	}
	if err := s.WakeWaiting(ctx, e.ID); err != nil {
		t.Fatalf("WakeWaiting: %v", err)
	}
	got, _ = s.GetExecution(ctx, e.ID)
	if got.Status != StatusPending {
		t.Fatalf("after signal wake: %v", got.Status)
	}
}

func TestSignalConsumeOnce(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()
	e := mustCreate(t, s, nil)

	id1, err := s.AppendEvent(ctx, &Event{ExecutionID: e.ID, Type: EventSignal, Name: "approved", Payload: json.RawMessage(`{"by":"ops"}`)})
	if err != nil || id1 == "" {
		t.Fatalf("AppendEvent: %q %v", id1, err)
	}
	id2, _ := s.AppendEvent(ctx, &Event{ExecutionID: e.ID, Type: EventSignal, Name: "approved"})
	if id2 == "" || id2 == id1 {
		t.Fatalf("signals are not deduped; id2=%q", id2)
	}

	pending, _ := s.GetPendingSignals(ctx, e.ID)
	if len(pending) != 2 {
		t.Fatalf("pending = %d", len(pending))
	}
	if pending[0].ID != id1 {
		t.Error("pending signals must be ordered oldest first")
	}

	ok, _ := s.ConsumeEvent(ctx, id1)
	if !ok {
		t.Fatal("first consume must succeed")
	}
	ok, _ = s.ConsumeEvent(ctx, id1)
	if ok {
		t.Fatal("second consume of the same signal must fail")
	}
	pending, _ = s.GetPendingSignals(ctx, e.ID)
	if len(pending) != 1 || pending[0].ID != id2 {
		t.Fatalf("after consume: %d pending", len(pending))
	}
}

func TestTimerIdempotent(t *testing.T) {
	s, clock := newTestStore()
	ctx := context.Background()
	e := mustCreate(t, s, nil)

	wakeAt := clock.Now().Add(time.Minute)
	if err := s.ScheduleTimer(ctx, e.ID, "step1", wakeAt); err != nil {
		t.Fatalf("ScheduleTimer: %v", err)
	}
	// 重入时的二次调度不得新建 timer
	if err := s.ScheduleTimer(ctx, e.ID, "step1", wakeAt.Add(time.Hour)); err != nil {
		t.Fatalf("second ScheduleTimer: %v", err)
	}

	if ev, _ := s.CheckTimer(ctx, e.ID, "step1"); ev != nil {
		t.Fatal("timer visible before wake time")
	}
	clock.Advance(61 * time.Second)
	ev, _ := s.CheckTimer(ctx, e.ID, "step1")
	if ev == nil {
		t.Fatal("timer not visible after wake time")
	}
	if ok, _ := s.ConsumeEvent(ctx, ev.ID); !ok {
		t.Fatal("timer consume failed")
	}
	if ev, _ := s.CheckTimer(ctx, e.ID, "step1"); ev != nil {
		t.Fatal("consumed timer still visible")
	}
}

func TestStepResultLifecycle(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()
	e := mustCreate(t, s, nil)

	r, err := s.MarkStepStarted(ctx, e.ID, "step1")
	if err != nil || r.Attempts != 1 {
		t.Fatalf("MarkStepStarted: %+v %v", r, err)
	}
	if err := s.MarkStepFailed(ctx, e.ID, "step1", "transient"); err != nil {
		t.Fatalf("MarkStepFailed: %v", err)
	}
	// 重试：attempts 累加，completed 仍为空
	r, _ = s.MarkStepStarted(ctx, e.ID, "step1")
	if r.Attempts != 2 || r.CompletedAt != nil {
		t.Fatalf("retry: attempts=%d completed=%v", r.Attempts, r.CompletedAt)
	}
	if err := s.MarkStepCompleted(ctx, e.ID, "step1", json.RawMessage(`42`)); err != nil {
		t.Fatalf("MarkStepCompleted: %v", err)
	}
	list, _ := s.ListStepResults(ctx, e.ID)
	if len(list) != 1 {
		t.Fatalf("results = %d", len(list))
	}
	got := list[0]
	if got.CompletedAt == nil || got.Error != "" || string(got.Output) != "42" {
		t.Fatalf("completed result: %+v", got)
	}
}

func TestOutputEventUnique(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()
	e := mustCreate(t, s, nil)

	id1, _ := s.AppendEvent(ctx, &Event{ExecutionID: e.ID, Type: EventOutput, Name: "final", Payload: json.RawMessage(`1`)})
	if id1 == "" {
		t.Fatal("first output append failed")
	}
	id2, _ := s.AppendEvent(ctx, &Event{ExecutionID: e.ID, Type: EventOutput, Name: "final", Payload: json.RawMessage(`2`)})
	if id2 != "" {
		t.Fatal("duplicate output event must be dropped")
	}
	id3, _ := s.AppendEvent(ctx, &Event{ExecutionID: e.ID, Type: EventWorkflowStarted})
	id4, _ := s.AppendEvent(ctx, &Event{ExecutionID: e.ID, Type: EventWorkflowStarted})
	if id3 == "" || id4 != "" {
		t.Fatalf("workflow_started uniqueness: %q %q", id3, id4)
	}
}

func TestStreamChunks(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()
	e := mustCreate(t, s, nil)

	for _, idx := range []int{1, 0, 1} { // 乱序 + 重复
		if err := s.AppendStreamChunk(ctx, &StreamChunk{ExecutionID: e.ID, StepName: "step1", ChunkIndex: idx, Data: json.RawMessage(`"x"`)}); err != nil {
			t.Fatalf("AppendStreamChunk: %v", err)
		}
	}
	chunks, _ := s.ListStreamChunks(ctx, e.ID, "step1")
	if len(chunks) != 2 || chunks[0].ChunkIndex != 0 || chunks[1].ChunkIndex != 1 {
		t.Fatalf("chunks: %+v", chunks)
	}
	_ = s.DeleteStreamChunks(ctx, e.ID, "step1")
	chunks, _ = s.ListStreamChunks(ctx, e.ID, "step1")
	if len(chunks) != 0 {
		t.Fatal("chunks not deleted")
	}
}

func TestPurgeExpired(t *testing.T) {
	s, clock := newTestStore()
	ctx := context.Background()
	e := mustCreate(t, s, nil)

	id1, _ := s.AppendEvent(ctx, &Event{ExecutionID: e.ID, Type: EventSignal, Name: "a"})
	id2, _ := s.AppendEvent(ctx, &Event{ExecutionID: e.ID, Type: EventSignal, Name: "b"})
	_, _ = s.ConsumeEvent(ctx, id1)

	clock.Advance(48 * time.Hour)
	cutoff := clock.Now().Add(-24 * time.Hour)
	n, err := s.PurgeExpired(ctx, cutoff, 100)
	if err != nil {
		t.Fatalf("PurgeExpired: %v", err)
	}
	if n != 1 {
		t.Fatalf("purged %d, want 1 (only consumed events)", n)
	}
	pending, _ := s.GetPendingSignals(ctx, e.ID)
	if len(pending) != 1 || pending[0].ID != id2 {
		t.Fatal("unconsumed signal must survive GC")
	}
}
