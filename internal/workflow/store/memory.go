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
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"workflow-platform/internal/workflow"
)

// MemoryStore 内存实现；单进程互斥锁下的参照语义，用于测试与嵌入式运行
type MemoryStore struct {
	mu         sync.Mutex
	cfg        Config
	workflows  map[string]*workflow.Workflow
	executions map[string]*Execution
	steps      map[string]map[string]*StepResult // executionID → stepName → result
	events     []*Event
	chunks     map[string][]*StreamChunk // executionID + "\x00" + stepName

	// Clock 可注入的时钟，测试用；默认 time.Now
	Clock func() time.Time
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(cfg Config) *MemoryStore {
	return &MemoryStore{
		cfg:        cfg.withDefaults(),
		workflows:  make(map[string]*workflow.Workflow),
		executions: make(map[string]*Execution),
		steps:      make(map[string]map[string]*StepResult),
		chunks:     make(map[string][]*StreamChunk),
		Clock:      time.Now,
	}
}

func (s *MemoryStore) now() time.Time { return s.Clock() }

func epochMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func (s *MemoryStore) CreateWorkflow(_ context.Context, w *workflow.Workflow) error {
	if err := w.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workflows[w.ID]; ok {
		return fmt.Errorf("%w: %s", ErrWorkflowExists, w.ID)
	}
	cp := *w
	s.workflows[w.ID] = &cp
	return nil
}

func (s *MemoryStore) GetWorkflow(_ context.Context, id string) (*workflow.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workflows[id]
	if !ok {
		return nil, nil
	}
	cp := *w
	return &cp, nil
}

func (s *MemoryStore) CreateExecution(_ context.Context, workflowID string, input json.RawMessage, opts *CreateOptions) (*Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	e := &Execution{
		ID:         "exec-" + uuid.NewString(),
		WorkflowID: workflowID,
		Status:     StatusPending,
		Input:      input,
		MaxRetries: s.cfg.DefaultMaxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if opts != nil {
		if opts.MaxRetries > 0 {
			e.MaxRetries = opts.MaxRetries
		}
		e.ParentExecutionID = opts.ParentExecutionID
		e.RunAfterEpochMs = epochMs(opts.RunAfter)
	}
	s.executions[e.ID] = e
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) GetExecution(_ context.Context, id string) (*Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) ListExecutions(_ context.Context, workflowID string, status *Status, limit int) ([]*Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Execution
	for _, e := range s.executions {
		if workflowID != "" && e.WorkflowID != workflowID {
			continue
		}
		if status != nil && e.Status != *status {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// claimable 租约谓词；nowMs 为当前毫秒时间戳
func claimable(e *Execution, nowMs int64) bool {
	if e.Status != StatusPending && e.Status != StatusRunning {
		return false
	}
	if e.RetryCount >= e.MaxRetries {
		return false
	}
	if e.LockedUntilEpochMs != 0 && e.LockedUntilEpochMs >= nowMs {
		return false
	}
	if e.RunAfterEpochMs != 0 && e.RunAfterEpochMs > nowMs {
		return false
	}
	return true
}

func (s *MemoryStore) claim(e *Execution, leaseMs, nowMs int64) {
	e.Status = StatusRunning
	e.LockID = "lock-" + uuid.NewString()
	e.LockedUntilEpochMs = nowMs + leaseMs
	if e.StartedAtEpochMs == 0 {
		e.StartedAtEpochMs = nowMs
	}
	e.UpdatedAt = s.now()
}

func (s *MemoryStore) AcquireLease(_ context.Context, id string, leaseMs int64) (*Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok {
		return nil, nil
	}
	nowMs := s.now().UnixMilli()
	if !claimable(e, nowMs) {
		return nil, nil
	}
	s.claim(e, leaseMs, nowMs)
	return &Lease{LockID: e.LockID, RetryCount: e.RetryCount}, nil
}

func (s *MemoryStore) ReleaseLease(_ context.Context, id, lockID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok || e.LockID != lockID {
		return nil
	}
	e.LockID = ""
	e.LockedUntilEpochMs = 0
	e.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) FindPending(_ context.Context, limit int, leaseMs int64, scheduledBefore *time.Time) ([]*Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	nowMs := s.now().UnixMilli()
	var candidates []*Execution
	for _, e := range s.executions {
		if !claimable(e, nowMs) {
			continue
		}
		if scheduledBefore != nil && !e.CreatedAt.Before(*scheduledBefore) {
			continue
		}
		candidates = append(candidates, e)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
			return candidates[i].ID < candidates[j].ID
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]*Execution, 0, len(candidates))
	for _, e := range candidates {
		s.claim(e, leaseMs, nowMs)
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

// holder CAS：运行中且 lock_id 匹配才允许终态写入
func (s *MemoryStore) holding(id, lockID string) *Execution {
	e, ok := s.executions[id]
	if !ok || e.Status != StatusRunning || e.LockID != lockID {
		return nil
	}
	return e
}

func (s *MemoryStore) CompleteExecution(_ context.Context, id, lockID string, output json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.holding(id, lockID)
	if e == nil {
		return nil
	}
	now := s.now()
	e.Status = StatusCompleted
	e.Output = output
	e.Error = ""
	e.LockID = ""
	e.LockedUntilEpochMs = 0
	e.CompletedAtEpochMs = now.UnixMilli()
	e.UpdatedAt = now
	return nil
}

func (s *MemoryStore) FailExecution(_ context.Context, id, lockID, errMsg string, retryable bool) (*FailOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.holding(id, lockID)
	if e == nil {
		return &FailOutcome{}, nil
	}
	now := s.now()
	e.Error = errMsg
	e.LockID = ""
	e.LockedUntilEpochMs = 0
	e.UpdatedAt = now
	if retryable && e.RetryCount+1 < e.MaxRetries {
		next := now.Add(s.cfg.Backoff(e.RetryCount))
		e.RetryCount++
		e.Status = StatusPending
		e.RunAfterEpochMs = next.UnixMilli()
		return &FailOutcome{WillRetry: true, NextRunAt: next}, nil
	}
	e.Status = StatusFailed
	e.CompletedAtEpochMs = now.UnixMilli()
	return &FailOutcome{}, nil
}

func (s *MemoryStore) SetSleeping(_ context.Context, id, lockID, _ string, wakeAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.holding(id, lockID)
	if e == nil {
		return nil
	}
	e.Status = StatusSleeping
	e.WakeAtEpochMs = wakeAt.UnixMilli()
	e.LockID = ""
	e.LockedUntilEpochMs = 0
	e.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) SetWaiting(_ context.Context, id, lockID, _, _ string, timeoutAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.holding(id, lockID)
	if e == nil {
		return nil
	}
	e.Status = StatusWaitingForSignal
	e.WakeAtEpochMs = epochMs(timeoutAt)
	e.LockID = ""
	e.LockedUntilEpochMs = 0
	e.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) CancelExecution(_ context.Context, id string) (CancelOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok {
		return CancelNotFound, nil
	}
	switch e.Status {
	case StatusCancelled:
		return CancelAlready, nil
	case StatusCompleted, StatusFailed:
		return CancelNotCancellable, nil
	}
	now := s.now()
	e.Status = StatusCancelled
	e.WakeAtEpochMs = 0
	e.CompletedAtEpochMs = now.UnixMilli()
	e.UpdatedAt = now
	return CancelDone, nil
}

func (s *MemoryStore) ResumeExecution(_ context.Context, id string, resetRetries bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok {
		return false, nil
	}
	if e.Status != StatusFailed && e.Status != StatusCancelled {
		return false, nil
	}
	e.Status = StatusPending
	e.Error = ""
	e.RunAfterEpochMs = 0
	e.CompletedAtEpochMs = 0
	e.LockID = ""
	e.LockedUntilEpochMs = 0
	if resetRetries {
		e.RetryCount = 0
	}
	e.UpdatedAt = s.now()
	return true, nil
}

func (s *MemoryStore) SetRunAfter(_ context.Context, id string, runAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok {
		return nil
	}
	e.RunAfterEpochMs = epochMs(runAt)
	e.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) WakeDue(_ context.Context, now time.Time, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	nowMs := now.UnixMilli()
	woken := 0
	for _, e := range s.executions {
		if limit > 0 && woken >= limit {
			break
		}
		if e.Status != StatusSleeping && e.Status != StatusWaitingForSignal {
			continue
		}
		if e.WakeAtEpochMs == 0 || e.WakeAtEpochMs > nowMs {
			continue
		}
		e.Status = StatusPending
		e.WakeAtEpochMs = 0
		e.UpdatedAt = s.now()
		woken++
	}
	return woken, nil
}

func (s *MemoryStore) WakeWaiting(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok || e.Status != StatusWaitingForSignal {
		return nil
	}
	e.Status = StatusPending
	e.WakeAtEpochMs = 0
	e.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) MarkStepStarted(_ context.Context, executionID, step string) (*StepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byStep := s.steps[executionID]
	if byStep == nil {
		byStep = make(map[string]*StepResult)
		s.steps[executionID] = byStep
	}
	r, ok := byStep[step]
	if !ok {
		r = &StepResult{ExecutionID: executionID, StepName: step, StartedAt: s.now()}
		byStep[step] = r
	}
	r.Attempts++
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) MarkStepCompleted(_ context.Context, executionID, step string, output json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byStep := s.steps[executionID]
	if byStep == nil {
		byStep = make(map[string]*StepResult)
		s.steps[executionID] = byStep
	}
	r, ok := byStep[step]
	if !ok {
		r = &StepResult{ExecutionID: executionID, StepName: step, StartedAt: s.now()}
		byStep[step] = r
	}
	now := s.now()
	r.CompletedAt = &now
	r.Output = output
	r.Error = ""
	return nil
}

func (s *MemoryStore) MarkStepFailed(_ context.Context, executionID, step, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byStep := s.steps[executionID]
	if byStep == nil {
		return nil
	}
	r, ok := byStep[step]
	if !ok {
		return nil
	}
	r.Error = errMsg
	return nil
}

func (s *MemoryStore) ListStepResults(_ context.Context, executionID string) ([]*StepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byStep := s.steps[executionID]
	out := make([]*StepResult, 0, len(byStep))
	for _, r := range byStep {
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StepName < out[j].StepName
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out, nil
}

func (s *MemoryStore) AppendEvent(_ context.Context, e *Event) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// 幂等键：output 按 (execution, name) 唯一；workflow_started 按 execution 唯一；
	// timer 按 (execution, name) 且未消费唯一
	for _, prev := range s.events {
		if prev.ExecutionID != e.ExecutionID || prev.Type != e.Type {
			continue
		}
		switch e.Type {
		case EventOutput, EventStepCompleted:
			if prev.Name == e.Name {
				return "", nil
			}
		case EventWorkflowStarted, EventWorkflowCompleted:
			return "", nil
		case EventTimer:
			if prev.Name == e.Name && prev.ConsumedAt == nil {
				return "", nil
			}
		}
	}
	now := s.now()
	cp := *e
	if cp.ID == "" {
		prefix := "evt-"
		if cp.Type == EventSignal {
			prefix = "sig-"
		}
		cp.ID = prefix + uuid.NewString()
	}
	cp.CreatedAt = now
	if cp.VisibleAt.IsZero() {
		cp.VisibleAt = now
	}
	s.events = append(s.events, &cp)
	return cp.ID, nil
}

func (s *MemoryStore) GetPendingSignals(_ context.Context, executionID string) ([]*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var out []*Event
	for _, e := range s.events {
		if e.ExecutionID != executionID || e.Type != EventSignal {
			continue
		}
		if e.ConsumedAt != nil || e.VisibleAt.After(now) {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) ConsumeEvent(_ context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e.ID != eventID {
			continue
		}
		if e.ConsumedAt != nil {
			return false, nil
		}
		now := s.now()
		e.ConsumedAt = &now
		return true, nil
	}
	return false, nil
}

func (s *MemoryStore) CheckTimer(_ context.Context, executionID, stepName string) (*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for _, e := range s.events {
		if e.ExecutionID != executionID || e.Type != EventTimer || e.Name != stepName {
			continue
		}
		if e.ConsumedAt != nil || e.VisibleAt.After(now) {
			continue
		}
		cp := *e
		return &cp, nil
	}
	return nil, nil
}

func (s *MemoryStore) ScheduleTimer(ctx context.Context, executionID, stepName string, wakeAt time.Time) error {
	_, err := s.AppendEvent(ctx, &Event{
		ExecutionID: executionID,
		Type:        EventTimer,
		Name:        stepName,
		VisibleAt:   wakeAt,
	})
	return err
}

func chunkKey(executionID, stepName string) string {
	return executionID + "\x00" + stepName
}

func (s *MemoryStore) AppendStreamChunk(_ context.Context, c *StreamChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := chunkKey(c.ExecutionID, c.StepName)
	for _, prev := range s.chunks[key] {
		if prev.ChunkIndex == c.ChunkIndex {
			return nil
		}
	}
	cp := *c
	cp.CreatedAt = s.now()
	s.chunks[key] = append(s.chunks[key], &cp)
	return nil
}

func (s *MemoryStore) ListStreamChunks(_ context.Context, executionID, stepName string) ([]*StreamChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src := s.chunks[chunkKey(executionID, stepName)]
	out := make([]*StreamChunk, 0, len(src))
	for _, c := range src {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChunkIndex < out[j].ChunkIndex })
	return out, nil
}

func (s *MemoryStore) DeleteStreamChunks(_ context.Context, executionID, stepName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.chunks, chunkKey(executionID, stepName))
	return nil
}

func (s *MemoryStore) PurgeExpired(_ context.Context, cutoff time.Time, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	kept := s.events[:0]
	for _, e := range s.events {
		if (limit <= 0 || deleted < limit) && e.ConsumedAt != nil && e.CreatedAt.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, e)
	}
	s.events = kept
	for key, list := range s.chunks {
		if limit > 0 && deleted >= limit {
			break
		}
		keptChunks := list[:0]
		for _, c := range list {
			if (limit <= 0 || deleted < limit) && c.CreatedAt.Before(cutoff) {
				deleted++
				continue
			}
			keptChunks = append(keptChunks, c)
		}
		if len(keptChunks) == 0 {
			delete(s.chunks, key)
			continue
		}
		s.chunks[key] = keptChunks
	}
	return deleted, nil
}

// DumpEvents 调试用：按写入顺序返回执行内全部事件
func (s *MemoryStore) DumpEvents(executionID string) []*Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Event
	for _, e := range s.events {
		if executionID == "" || e.ExecutionID == executionID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out
}
