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

package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workflow-platform/internal/workflow"
	"workflow-platform/internal/workflow/admin"
	"workflow-platform/internal/workflow/executor"
	"workflow-platform/pkg/config"
)

func memoryConfig() *config.Config {
	return &config.Config{
		Store:     config.StoreConfig{Type: "memory"},
		Scheduler: config.SchedulerConfig{Type: "polling"},
		Log:       config.LogConfig{Level: "error"},
	}
}

func TestNewAppMemory(t *testing.T) {
	app, err := NewApp(memoryConfig())
	require.NoError(t, err)
	require.NotNil(t, app.Service())
}

func TestNewAppRejectsBadConfig(t *testing.T) {
	cfg := memoryConfig()
	cfg.Store.Type = "postgres" // 缺 DSN
	_, err := NewApp(cfg)
	assert.Error(t, err)

	cfg = memoryConfig()
	cfg.Scheduler.Type = "queue" // 缺 Redis 地址
	_, err = NewApp(cfg)
	assert.Error(t, err)

	cfg = memoryConfig()
	cfg.Store.Type = "cassandra"
	_, err = NewApp(cfg)
	assert.Error(t, err)
}

// 场景：完整装配下，创建的执行被调度循环认领并跑完
func TestAppRunsExecution(t *testing.T) {
	cfg := memoryConfig()
	cfg.Scheduler.Polling.IntervalMs = 10
	cfg.Scheduler.Polling.MinIntervalMs = 5
	cfg.Scheduler.Polling.MaxIntervalMs = 50

	app, err := NewApp(cfg)
	require.NoError(t, err)
	require.NoError(t, app.Start())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, app.Shutdown(ctx))
	}()

	svc := app.Service()
	wf := &workflow.Workflow{
		ID: "wf-wire",
		Steps: []workflow.Step{{
			Name:   "echo",
			Action: workflow.Action{Type: workflow.ActionCode, Source: `export default (input) => input.v + 1`},
			Input:  map[string]any{"v": "@input.v"},
		}},
	}
	require.NoError(t, svc.CreateWorkflow(context.Background(), wf))
	id, err := svc.CreateAndQueueExecution(context.Background(), admin.CreateExecutionRequest{
		WorkflowID: "wf-wire",
		Input:      json.RawMessage(`{"v":1}`),
	})
	require.NoError(t, err)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		res, err := svc.ExecuteWorkflow(context.Background(), id)
		if err == nil && res.Kind == executor.KindCompleted {
			assert.JSONEq(t, `2`, string(res.Output))
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("执行未在期限内完成")
}
