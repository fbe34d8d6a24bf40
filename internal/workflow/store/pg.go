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
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"workflow-platform/internal/workflow"
)

// PGStore Postgres 实现。批量认领用 FOR UPDATE SKIP LOCKED，
// 单行租约与终态写入用谓词守卫的 UPDATE … RETURNING，不依赖应用层检查。
type PGStore struct {
	pool *pgxpool.Pool
	cfg  Config
}

var _ Store = (*PGStore)(nil)

func NewPGStore(pool *pgxpool.Pool, cfg Config) *PGStore {
	return &PGStore{pool: pool, cfg: cfg.withDefaults()}
}

const executionCols = `
	id, workflow_id, status,
	COALESCE(input, 'null'::jsonb), COALESCE(output, 'null'::jsonb), COALESCE(error, ''),
	retry_count, max_retries,
	COALESCE(lock_id, ''), COALESCE(locked_until_epoch_ms, 0),
	COALESCE(run_after_epoch_ms, 0), COALESCE(wake_at_epoch_ms, 0),
	COALESCE(started_at_epoch_ms, 0), COALESCE(completed_at_epoch_ms, 0),
	COALESCE(parent_execution_id, ''), created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*Execution, error) {
	var e Execution
	var status int16
	var input, output []byte
	err := row.Scan(
		&e.ID, &e.WorkflowID, &status,
		&input, &output, &e.Error,
		&e.RetryCount, &e.MaxRetries,
		&e.LockID, &e.LockedUntilEpochMs,
		&e.RunAfterEpochMs, &e.WakeAtEpochMs,
		&e.StartedAtEpochMs, &e.CompletedAtEpochMs,
		&e.ParentExecutionID, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Status = Status(status)
	if string(input) != "null" {
		e.Input = json.RawMessage(input)
	}
	if string(output) != "null" {
		e.Output = json.RawMessage(output)
	}
	return &e, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (s *PGStore) CreateWorkflow(ctx context.Context, w *workflow.Workflow) error {
	if err := w.Validate(); err != nil {
		return err
	}
	def, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("store: 序列化工作流定义失败: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO workflows (id, title, description, definition) VALUES ($1, $2, $3, $4)`,
		w.ID, w.Title, w.Description, def)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", ErrWorkflowExists, w.ID)
	}
	return err
}

func (s *PGStore) GetWorkflow(ctx context.Context, id string) (*workflow.Workflow, error) {
	var def []byte
	err := s.pool.QueryRow(ctx, `SELECT definition FROM workflows WHERE id = $1`, id).Scan(&def)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var w workflow.Workflow
	if err := json.Unmarshal(def, &w); err != nil {
		return nil, fmt.Errorf("store: 工作流 %s 定义损坏: %w", id, err)
	}
	return &w, nil
}

func (s *PGStore) CreateExecution(ctx context.Context, workflowID string, input json.RawMessage, opts *CreateOptions) (*Execution, error) {
	maxRetries := s.cfg.DefaultMaxRetries
	var parentID any
	var runAfter any
	if opts != nil {
		if opts.MaxRetries > 0 {
			maxRetries = opts.MaxRetries
		}
		if opts.ParentExecutionID != "" {
			parentID = opts.ParentExecutionID
		}
		if !opts.RunAfter.IsZero() {
			runAfter = opts.RunAfter.UnixMilli()
		}
	}
	id := "exec-" + uuid.NewString()
	var in any
	if len(input) > 0 {
		in = []byte(input)
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO workflow_executions
			(id, workflow_id, status, input, max_retries, run_after_epoch_ms, parent_execution_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+executionCols,
		id, workflowID, int16(StatusPending), in, maxRetries, runAfter, parentID)
	return scanExecution(row)
}

func (s *PGStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+executionCols+` FROM workflow_executions WHERE id = $1`, id)
	e, err := scanExecution(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

func (s *PGStore) ListExecutions(ctx context.Context, workflowID string, status *Status, limit int) ([]*Execution, error) {
	if limit <= 0 {
		limit = 100
	}
	var st any
	if status != nil {
		st = int16(*status)
	}
	var wf any
	if workflowID != "" {
		wf = workflowID
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+executionCols+`
		FROM workflow_executions
		WHERE ($1::text IS NULL OR workflow_id = $1)
		  AND ($2::smallint IS NULL OR status = $2)
		ORDER BY created_at DESC, id DESC
		LIMIT $3`,
		wf, st, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// AcquireLease 时间戳守卫的单行 CAS；不匹配即返回 nil（零行，不报错）
func (s *PGStore) AcquireLease(ctx context.Context, id string, leaseMs int64) (*Lease, error) {
	nowMs := time.Now().UnixMilli()
	row := s.pool.QueryRow(ctx, `
		UPDATE workflow_executions
		SET status = $4,
		    lock_id = 'lock-' || gen_random_uuid(),
		    locked_until_epoch_ms = $2 + $3,
		    started_at_epoch_ms = COALESCE(started_at_epoch_ms, $2),
		    updated_at = now()
		WHERE id = $1
		  AND status IN ($5, $4)
		  AND retry_count < max_retries
		  AND (locked_until_epoch_ms IS NULL OR locked_until_epoch_ms < $2)
		  AND (run_after_epoch_ms IS NULL OR run_after_epoch_ms <= $2)
		RETURNING lock_id, retry_count`,
		id, nowMs, leaseMs, int16(StatusRunning), int16(StatusPending))
	var l Lease
	err := row.Scan(&l.LockID, &l.RetryCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *PGStore) ReleaseLease(ctx context.Context, id, lockID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE workflow_executions
		SET lock_id = NULL, locked_until_epoch_ms = NULL, updated_at = now()
		WHERE id = $1 AND lock_id = $2`,
		id, lockID)
	return err
}

// FindPending 批量认领：SKIP LOCKED 子查询保证并发 finder 互不重叠
func (s *PGStore) FindPending(ctx context.Context, limit int, leaseMs int64, scheduledBefore *time.Time) ([]*Execution, error) {
	if limit <= 0 {
		limit = 10
	}
	nowMs := time.Now().UnixMilli()
	var before any
	if scheduledBefore != nil {
		before = *scheduledBefore
	}
	rows, err := s.pool.Query(ctx, `
		UPDATE workflow_executions e
		SET status = $4,
		    lock_id = 'lock-' || gen_random_uuid(),
		    locked_until_epoch_ms = $1 + $2,
		    started_at_epoch_ms = COALESCE(e.started_at_epoch_ms, $1),
		    updated_at = now()
		WHERE e.id IN (
			SELECT id FROM workflow_executions
			WHERE status IN ($5, $4)
			  AND retry_count < max_retries
			  AND (locked_until_epoch_ms IS NULL OR locked_until_epoch_ms < $1)
			  AND (run_after_epoch_ms IS NULL OR run_after_epoch_ms <= $1)
			  AND ($6::timestamptz IS NULL OR created_at < $6)
			ORDER BY created_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+executionCols,
		nowMs, leaseMs, limit, int16(StatusRunning), int16(StatusPending), before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PGStore) CompleteExecution(ctx context.Context, id, lockID string, output json.RawMessage) error {
	var out any
	if len(output) > 0 {
		out = []byte(output)
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE workflow_executions
		SET status = $3, output = $4, error = NULL,
		    lock_id = NULL, locked_until_epoch_ms = NULL,
		    completed_at_epoch_ms = $5, updated_at = now()
		WHERE id = $1 AND lock_id = $2 AND status = $6`,
		id, lockID, int16(StatusCompleted), out, time.Now().UnixMilli(), int16(StatusRunning))
	return err
}

func (s *PGStore) FailExecution(ctx context.Context, id, lockID, errMsg string, retryable bool) (*FailOutcome, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var retryCount, maxRetries int
	err = tx.QueryRow(ctx, `
		SELECT retry_count, max_retries FROM workflow_executions
		WHERE id = $1 AND lock_id = $2 AND status = $3
		FOR UPDATE`,
		id, lockID, int16(StatusRunning)).Scan(&retryCount, &maxRetries)
	if errors.Is(err, pgx.ErrNoRows) {
		return &FailOutcome{}, nil // 租约已失，静默
	}
	if err != nil {
		return nil, err
	}

	now := time.Now()
	outcome := &FailOutcome{}
	if retryable && retryCount+1 < maxRetries {
		next := now.Add(s.cfg.Backoff(retryCount))
		_, err = tx.Exec(ctx, `
			UPDATE workflow_executions
			SET status = $2, error = $3, retry_count = retry_count + 1,
			    run_after_epoch_ms = $4,
			    lock_id = NULL, locked_until_epoch_ms = NULL, updated_at = now()
			WHERE id = $1`,
			id, int16(StatusPending), errMsg, next.UnixMilli())
		outcome.WillRetry = true
		outcome.NextRunAt = next
	} else {
		_, err = tx.Exec(ctx, `
			UPDATE workflow_executions
			SET status = $2, error = $3, completed_at_epoch_ms = $4,
			    lock_id = NULL, locked_until_epoch_ms = NULL, updated_at = now()
			WHERE id = $1`,
			id, int16(StatusFailed), errMsg, now.UnixMilli())
	}
	if err != nil {
		return nil, err
	}
	return outcome, tx.Commit(ctx)
}

func (s *PGStore) SetSleeping(ctx context.Context, id, lockID, _ string, wakeAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE workflow_executions
		SET status = $3, wake_at_epoch_ms = $4,
		    lock_id = NULL, locked_until_epoch_ms = NULL, updated_at = now()
		WHERE id = $1 AND lock_id = $2 AND status = $5`,
		id, lockID, int16(StatusSleeping), wakeAt.UnixMilli(), int16(StatusRunning))
	return err
}

func (s *PGStore) SetWaiting(ctx context.Context, id, lockID, _, _ string, timeoutAt time.Time) error {
	var wake any
	if !timeoutAt.IsZero() {
		wake = timeoutAt.UnixMilli()
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE workflow_executions
		SET status = $3, wake_at_epoch_ms = $4,
		    lock_id = NULL, locked_until_epoch_ms = NULL, updated_at = now()
		WHERE id = $1 AND lock_id = $2 AND status = $5`,
		id, lockID, int16(StatusWaitingForSignal), wake, int16(StatusRunning))
	return err
}

func (s *PGStore) CancelExecution(ctx context.Context, id string) (CancelOutcome, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_executions
		SET status = $2, wake_at_epoch_ms = NULL,
		    completed_at_epoch_ms = $3, updated_at = now()
		WHERE id = $1 AND status IN ($4, $5, $6, $7)`,
		id, int16(StatusCancelled), time.Now().UnixMilli(),
		int16(StatusPending), int16(StatusRunning), int16(StatusSleeping), int16(StatusWaitingForSignal))
	if err != nil {
		return "", err
	}
	if tag.RowsAffected() == 1 {
		return CancelDone, nil
	}
	var status int16
	err = s.pool.QueryRow(ctx, `SELECT status FROM workflow_executions WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return CancelNotFound, nil
	}
	if err != nil {
		return "", err
	}
	if Status(status) == StatusCancelled {
		return CancelAlready, nil
	}
	return CancelNotCancellable, nil
}

func (s *PGStore) ResumeExecution(ctx context.Context, id string, resetRetries bool) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_executions
		SET status = $2, error = NULL, run_after_epoch_ms = NULL,
		    completed_at_epoch_ms = NULL, lock_id = NULL, locked_until_epoch_ms = NULL,
		    retry_count = CASE WHEN $3 THEN 0 ELSE retry_count END,
		    updated_at = now()
		WHERE id = $1 AND status IN ($4, $5)`,
		id, int16(StatusPending), resetRetries, int16(StatusFailed), int16(StatusCancelled))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PGStore) SetRunAfter(ctx context.Context, id string, runAt time.Time) error {
	var v any
	if !runAt.IsZero() {
		v = runAt.UnixMilli()
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE workflow_executions SET run_after_epoch_ms = $2, updated_at = now()
		WHERE id = $1`, id, v)
	return err
}

func (s *PGStore) WakeDue(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_executions e
		SET status = $3, wake_at_epoch_ms = NULL, updated_at = now()
		WHERE e.id IN (
			SELECT id FROM workflow_executions
			WHERE status IN ($4, $5)
			  AND wake_at_epoch_ms IS NOT NULL AND wake_at_epoch_ms <= $1
			ORDER BY wake_at_epoch_ms ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)`,
		now.UnixMilli(), limit, int16(StatusPending), int16(StatusSleeping), int16(StatusWaitingForSignal))
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *PGStore) WakeWaiting(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE workflow_executions
		SET status = $2, wake_at_epoch_ms = NULL, updated_at = now()
		WHERE id = $1 AND status = $3`,
		id, int16(StatusPending), int16(StatusWaitingForSignal))
	return err
}

func (s *PGStore) MarkStepStarted(ctx context.Context, executionID, step string) (*StepResult, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO execution_step_results (execution_id, step_id, attempts, started_at)
		VALUES ($1, $2, 1, now())
		ON CONFLICT (execution_id, step_id)
		DO UPDATE SET attempts = execution_step_results.attempts + 1
		RETURNING attempts, started_at, completed_at, COALESCE(output, 'null'::jsonb), COALESCE(error, '')`,
		executionID, step)
	r := &StepResult{ExecutionID: executionID, StepName: step}
	var output []byte
	if err := row.Scan(&r.Attempts, &r.StartedAt, &r.CompletedAt, &output, &r.Error); err != nil {
		return nil, err
	}
	if string(output) != "null" {
		r.Output = json.RawMessage(output)
	}
	return r, nil
}

func (s *PGStore) MarkStepCompleted(ctx context.Context, executionID, step string, output json.RawMessage) error {
	var out any
	if len(output) > 0 {
		out = []byte(output)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO execution_step_results (execution_id, step_id, attempts, started_at, completed_at, output)
		VALUES ($1, $2, 1, now(), now(), $3)
		ON CONFLICT (execution_id, step_id)
		DO UPDATE SET completed_at = now(), output = EXCLUDED.output, error = NULL`,
		executionID, step, out)
	return err
}

func (s *PGStore) MarkStepFailed(ctx context.Context, executionID, step, errMsg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE execution_step_results SET error = $3
		WHERE execution_id = $1 AND step_id = $2`,
		executionID, step, errMsg)
	return err
}

func (s *PGStore) ListStepResults(ctx context.Context, executionID string) ([]*StepResult, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT step_id, attempts, started_at, completed_at,
		       COALESCE(output, 'null'::jsonb), COALESCE(error, '')
		FROM execution_step_results
		WHERE execution_id = $1
		ORDER BY started_at ASC, step_id ASC`,
		executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*StepResult
	for rows.Next() {
		r := &StepResult{ExecutionID: executionID}
		var output []byte
		if err := rows.Scan(&r.StepName, &r.Attempts, &r.StartedAt, &r.CompletedAt, &output, &r.Error); err != nil {
			return nil, err
		}
		if string(output) != "null" {
			r.Output = json.RawMessage(output)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// AppendEvent 幂等插入：output / 生命周期 / 存活 timer 的唯一键冲突时不写入，返回空 ID
func (s *PGStore) AppendEvent(ctx context.Context, e *Event) (string, error) {
	id := e.ID
	if id == "" {
		prefix := "evt-"
		if e.Type == EventSignal {
			prefix = "sig-"
		}
		id = prefix + uuid.NewString()
	}
	visibleAt := e.VisibleAt
	if visibleAt.IsZero() {
		visibleAt = time.Now()
	}
	var payload any
	if len(e.Payload) > 0 {
		payload = []byte(e.Payload)
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO workflow_events (id, execution_id, type, name, payload, visible_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT DO NOTHING
		RETURNING id`,
		id, e.ExecutionID, string(e.Type), e.Name, payload, visibleAt)
	var got string
	err := row.Scan(&got)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return got, nil
}

func (s *PGStore) GetPendingSignals(ctx context.Context, executionID string) ([]*Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, execution_id, type, name, COALESCE(payload, 'null'::jsonb), created_at, visible_at
		FROM workflow_events
		WHERE execution_id = $1 AND type = $2 AND consumed_at IS NULL AND visible_at <= now()
		ORDER BY created_at ASC, id ASC`,
		executionID, string(EventSignal))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEvent(row rowScanner) (*Event, error) {
	var e Event
	var typ string
	var payload []byte
	if err := row.Scan(&e.ID, &e.ExecutionID, &typ, &e.Name, &payload, &e.CreatedAt, &e.VisibleAt); err != nil {
		return nil, err
	}
	e.Type = EventType(typ)
	if string(payload) != "null" {
		e.Payload = json.RawMessage(payload)
	}
	return &e, nil
}

func (s *PGStore) ConsumeEvent(ctx context.Context, eventID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_events SET consumed_at = now()
		WHERE id = $1 AND consumed_at IS NULL`,
		eventID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PGStore) CheckTimer(ctx context.Context, executionID, stepName string) (*Event, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, execution_id, type, name, COALESCE(payload, 'null'::jsonb), created_at, visible_at
		FROM workflow_events
		WHERE execution_id = $1 AND type = $2 AND name = $3
		  AND consumed_at IS NULL AND visible_at <= now()
		LIMIT 1`,
		executionID, string(EventTimer), stepName)
	e, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

func (s *PGStore) ScheduleTimer(ctx context.Context, executionID, stepName string, wakeAt time.Time) error {
	_, err := s.AppendEvent(ctx, &Event{
		ExecutionID: executionID,
		Type:        EventTimer,
		Name:        stepName,
		VisibleAt:   wakeAt,
	})
	return err
}

func (s *PGStore) AppendStreamChunk(ctx context.Context, c *StreamChunk) error {
	var data any
	if len(c.Data) > 0 {
		data = []byte(c.Data)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO step_stream_chunks (execution_id, step_id, chunk_index, data)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT DO NOTHING`,
		c.ExecutionID, c.StepName, c.ChunkIndex, data)
	return err
}

func (s *PGStore) ListStreamChunks(ctx context.Context, executionID, stepName string) ([]*StreamChunk, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT chunk_index, COALESCE(data, 'null'::jsonb), created_at
		FROM step_stream_chunks
		WHERE execution_id = $1 AND step_id = $2
		ORDER BY chunk_index ASC`,
		executionID, stepName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*StreamChunk
	for rows.Next() {
		c := &StreamChunk{ExecutionID: executionID, StepName: stepName}
		var data []byte
		if err := rows.Scan(&c.ChunkIndex, &data, &c.CreatedAt); err != nil {
			return nil, err
		}
		if string(data) != "null" {
			c.Data = json.RawMessage(data)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PGStore) DeleteStreamChunks(ctx context.Context, executionID, stepName string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM step_stream_chunks WHERE execution_id = $1 AND step_id = $2`,
		executionID, stepName)
	return err
}

// PurgeExpired 批量 GC：先删已消费事件，再删遗留 chunk，单次调用不超过 limit 行
func (s *PGStore) PurgeExpired(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 500
	}
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM workflow_events
		WHERE id IN (
			SELECT id FROM workflow_events
			WHERE consumed_at IS NOT NULL AND created_at < $1
			LIMIT $2
		)`, cutoff, limit)
	if err != nil {
		return 0, err
	}
	deleted := int(tag.RowsAffected())
	remaining := limit - deleted
	if remaining <= 0 {
		return deleted, nil
	}
	tag, err = s.pool.Exec(ctx, `
		DELETE FROM step_stream_chunks
		WHERE ctid IN (
			SELECT ctid FROM step_stream_chunks
			WHERE created_at < $1
			LIMIT $2
		)`, cutoff, remaining)
	if err != nil {
		return deleted, err
	}
	return deleted + int(tag.RowsAffected()), nil
}
