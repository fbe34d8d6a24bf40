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
	"strings"
	"testing"
)

func code(name string) Step {
	return Step{Name: name, Action: Action{Type: ActionCode, Source: "export default () => 1"}}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		wf      Workflow
		wantErr string // 空 = 期望通过
	}{
		{
			name: "ok",
			wf:   Workflow{ID: "wf", Steps: []Step{code("a"), code("b")}},
		},
		{
			name:    "missing id",
			wf:      Workflow{Steps: []Step{code("a")}},
			wantErr: "id",
		},
		{
			name:    "no steps",
			wf:      Workflow{ID: "wf"},
			wantErr: "至少需要一个步骤",
		},
		{
			name:    "unnamed step",
			wf:      Workflow{ID: "wf", Steps: []Step{{Action: Action{Type: ActionCode, Source: "x"}}}},
			wantErr: "缺少 name",
		},
		{
			name:    "duplicate name",
			wf:      Workflow{ID: "wf", Steps: []Step{code("a"), code("a")}},
			wantErr: "重复",
		},
		{
			name: "tool missing connection",
			wf: Workflow{ID: "wf", Steps: []Step{
				{Name: "t", Action: Action{Type: ActionTool, ToolName: "search"}},
			}},
			wantErr: "connectionId",
		},
		{
			name: "code missing source",
			wf: Workflow{ID: "wf", Steps: []Step{
				{Name: "c", Action: Action{Type: ActionCode}},
			}},
			wantErr: "source",
		},
		{
			name: "unknown action type",
			wf: Workflow{ID: "wf", Steps: []Step{
				{Name: "x", Action: Action{Type: "shell"}},
			}},
			wantErr: "未知动作类型",
		},
		{
			name: "sleep needs no static params",
			wf: Workflow{ID: "wf", Steps: []Step{
				{Name: "nap", Action: Action{Type: ActionSleep}},
				{Name: "gate", Action: Action{Type: ActionWaitForSignal}},
			}},
		},
		{
			name: "forEach and parallel exclusive",
			wf: Workflow{ID: "wf", Steps: []Step{
				{
					Name:   "both",
					Action: Action{Type: ActionCode, Source: "x"},
					Config: &StepConfig{
						ForEach:  &ForEach{Items: "@input.items"},
						Parallel: &ParallelGroup{Group: "g"},
					},
				},
			}},
			wantErr: "不可同时设置",
		},
		{
			name: "forEach items must be ref",
			wf: Workflow{ID: "wf", Steps: []Step{
				{
					Name:   "fan",
					Action: Action{Type: ActionCode, Source: "x"},
					Config: &StepConfig{ForEach: &ForEach{Items: "items"}},
				},
			}},
			wantErr: "@ 引用",
		},
		{
			name: "forEach bad mode",
			wf: Workflow{ID: "wf", Steps: []Step{
				{
					Name:   "fan",
					Action: Action{Type: ActionCode, Source: "x"},
					Config: &StepConfig{ForEach: &ForEach{Items: "@input.items", Mode: "fastest"}},
				},
			}},
			wantErr: "未知 forEach.mode",
		},
		{
			name: "parallel group required",
			wf: Workflow{ID: "wf", Steps: []Step{
				{
					Name:   "p",
					Action: Action{Type: ActionCode, Source: "x"},
					Config: &StepConfig{Parallel: &ParallelGroup{}},
				},
			}},
			wantErr: "parallel.group",
		},
		{
			name: "expansion name collision",
			wf: Workflow{ID: "wf", Steps: []Step{
				{
					Name:   "fan",
					Action: Action{Type: ActionCode, Source: "x"},
					Config: &StepConfig{ForEach: &ForEach{Items: "@input.items"}},
				},
				code("fan[0]"),
			}},
			wantErr: "展开名冲突",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.wf.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("期望通过，实际: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("期望错误包含 %q，实际通过", tc.wantErr)
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("期望错误包含 %q，实际: %v", tc.wantErr, err)
			}
		})
	}
}

func TestStepLookup(t *testing.T) {
	wf := Workflow{ID: "wf", Steps: []Step{code("a"), code("b")}}
	if got := wf.Step("b"); got == nil || got.Name != "b" {
		t.Fatalf("Step(b) = %v", got)
	}
	if got := wf.Step("z"); got != nil {
		t.Fatalf("Step(z) 应为 nil，实际 %v", got)
	}
}

func TestIterationName(t *testing.T) {
	if got := IterationName("process", 2); got != "process[2]" {
		t.Fatalf("IterationName = %q", got)
	}
}
