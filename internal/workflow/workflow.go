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

package workflow

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ActionType 步骤动作类型：tool / code / sleep / wait_for_signal
type ActionType string

const (
	ActionTool          ActionType = "tool"
	ActionCode          ActionType = "code"
	ActionSleep         ActionType = "sleep"
	ActionWaitForSignal ActionType = "wait_for_signal"
)

// Action 步骤动作。tool 携带 connectionId/toolName，code 携带 source；
// sleep 与 wait_for_signal 的参数（sleepMs/sleepUntil/signalName/timeoutMs）来自解析后的 input，可引用上游输出
type Action struct {
	Type         ActionType `json:"type"`
	ConnectionID string     `json:"connectionId,omitempty"`
	ToolName     string     `json:"toolName,omitempty"`
	Source       string     `json:"source,omitempty"`
}

// RetryPolicy 步骤级重试策略；第 n 次失败后延迟 BackoffMs * 2^n
type RetryPolicy struct {
	MaxAttempts int   `json:"maxAttempts"`
	BackoffMs   int64 `json:"backoffMs"`
}

// ForEach 动态展开配置：Items 为 @ 引用，展开出 base[i] 子步骤，按 Mode 执行
type ForEach struct {
	Items          string `json:"items"`
	Mode           string `json:"mode,omitempty"` // sequential | parallel | race | allSettled
	MaxConcurrency int    `json:"maxConcurrency,omitempty"`
}

// ParallelGroup 连续同 Group 的步骤作为一批并行执行
type ParallelGroup struct {
	Group string `json:"group"`
	Mode  string `json:"mode,omitempty"`
}

// StepConfig 控制流配置；ForEach 与 Parallel 互斥
type StepConfig struct {
	ForEach  *ForEach       `json:"forEach,omitempty"`
	Parallel *ParallelGroup `json:"parallel,omitempty"`
}

// Step 工作流中的一个节点；Name 在工作流内唯一
type Step struct {
	Name   string         `json:"name"`
	Action Action         `json:"action"`
	Input  map[string]any `json:"input,omitempty"`
	Retry  *RetryPolicy   `json:"retry,omitempty"`
	Config *StepConfig    `json:"config,omitempty"`
}

// Workflow 工作流定义，保存后不可变
type Workflow struct {
	ID          string          `json:"id"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Steps       []Step          `json:"steps"`
	// Output 可选的工作流输出引用（如 "@lastStep.value"）；为空时取最后一步输出
	Output   string          `json:"output,omitempty"`
	Triggers json.RawMessage `json:"triggers,omitempty"` // 引擎不解释
}

// ForEachMode 执行模式常量
const (
	ModeSequential = "sequential"
	ModeParallel   = "parallel"
	ModeRace       = "race"
	ModeAllSettled = "allSettled"
)

// Step 按名称查找步骤；不存在返回 nil
func (w *Workflow) Step(name string) *Step {
	for i := range w.Steps {
		if w.Steps[i].Name == name {
			return &w.Steps[i]
		}
	}
	return nil
}

// Validate 校验定义：步骤名唯一、动作完整、forEach 展开名 base[i] 不得与已声明步骤冲突
func (w *Workflow) Validate() error {
	if w.ID == "" {
		return fmt.Errorf("workflow: id 不能为空")
	}
	if len(w.Steps) == 0 {
		return fmt.Errorf("workflow %s: 至少需要一个步骤", w.ID)
	}
	names := make(map[string]struct{}, len(w.Steps))
	for i := range w.Steps {
		s := &w.Steps[i]
		if s.Name == "" {
			return fmt.Errorf("workflow %s: 第 %d 个步骤缺少 name", w.ID, i)
		}
		if _, dup := names[s.Name]; dup {
			return fmt.Errorf("workflow %s: 步骤名 %q 重复", w.ID, s.Name)
		}
		names[s.Name] = struct{}{}
		if err := validateAction(s); err != nil {
			return fmt.Errorf("workflow %s: 步骤 %q: %w", w.ID, s.Name, err)
		}
		if s.Config != nil && s.Config.ForEach != nil && s.Config.Parallel != nil {
			return fmt.Errorf("workflow %s: 步骤 %q: forEach 与 parallel 不可同时设置", w.ID, s.Name)
		}
		if s.Config != nil && s.Config.ForEach != nil {
			fe := s.Config.ForEach
			if !strings.HasPrefix(fe.Items, "@") {
				return fmt.Errorf("workflow %s: 步骤 %q: forEach.items 必须是 @ 引用", w.ID, s.Name)
			}
			if fe.Mode != "" && !validMode(fe.Mode) {
				return fmt.Errorf("workflow %s: 步骤 %q: 未知 forEach.mode %q", w.ID, s.Name, fe.Mode)
			}
		}
		if s.Config != nil && s.Config.Parallel != nil {
			pg := s.Config.Parallel
			if pg.Group == "" {
				return fmt.Errorf("workflow %s: 步骤 %q: parallel.group 不能为空", w.ID, s.Name)
			}
			if pg.Mode != "" && !validMode(pg.Mode) {
				return fmt.Errorf("workflow %s: 步骤 %q: 未知 parallel.mode %q", w.ID, s.Name, pg.Mode)
			}
		}
	}
	// forEach 展开名冲突：base[i] 形态的名字不得被用户显式声明
	for i := range w.Steps {
		if w.Steps[i].Config == nil || w.Steps[i].Config.ForEach == nil {
			continue
		}
		prefix := w.Steps[i].Name + "["
		for other := range names {
			if strings.HasPrefix(other, prefix) && strings.HasSuffix(other, "]") {
				return fmt.Errorf("workflow %s: 步骤名 %q 与 forEach 步骤 %q 的展开名冲突", w.ID, other, w.Steps[i].Name)
			}
		}
	}
	return nil
}

func validateAction(s *Step) error {
	switch s.Action.Type {
	case ActionTool:
		if s.Action.ConnectionID == "" || s.Action.ToolName == "" {
			return fmt.Errorf("tool 动作缺少 connectionId 或 toolName")
		}
	case ActionCode:
		if s.Action.Source == "" {
			return fmt.Errorf("code 动作缺少 source")
		}
	case ActionSleep, ActionWaitForSignal:
		// 参数来自 input，运行时校验
	default:
		return fmt.Errorf("未知动作类型 %q", s.Action.Type)
	}
	return nil
}

func validMode(m string) bool {
	switch m {
	case ModeSequential, ModeParallel, ModeRace, ModeAllSettled:
		return true
	}
	return false
}

// IterationName forEach 第 i 次迭代的子步骤名
func IterationName(base string, index int) string {
	return fmt.Sprintf("%s[%d]", base, index)
}
