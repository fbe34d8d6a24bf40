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

// Package scheduler 把待运行的执行交给执行器：轮询扫表或 Redis 延迟队列。
// 孤儿恢复不需要单独机制：租约过期的 running 行会重新落入认领谓词。
package scheduler

import (
	"context"
	"errors"
	"time"
)

// ErrCancelUnsupported 该调度器不支持取消（队列模式下取消走 admin 直接改表）
var ErrCancelUnsupported = errors.New("scheduler: 不支持取消")

// ErrNotFound 执行不存在
var ErrNotFound = errors.New("scheduler: 执行不存在")

// ScheduleOptions 调度选项
type ScheduleOptions struct {
	// RunAt 延迟到该时刻再运行；零值 = 立即
	RunAt time.Time
}

// Scheduler 执行的投递面。Schedule 只负责让执行在合适的时间变得可认领，
// 真正的互斥始终由 store 的租约保证
type Scheduler interface {
	Schedule(ctx context.Context, executionID string, opts *ScheduleOptions) error
	Cancel(ctx context.Context, executionID string) error
}
