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

// Package refs 解析执行便笺（scratchpad）中的 @ 引用。
// 语法严格限定为路径导航：@head(.seg)*，seg 为标识符或整数下标；
// 不支持表达式与函数调用。仅整串匹配才替换；字符串内部的 @ 视为字面量。
package refs

import (
	"fmt"
	"strconv"
	"strings"
)

// Scratchpad 步骤名（及保留键 input/item/index）到输出值的映射
type Scratchpad map[string]any

// ResolutionError 引用无法解析；对所在步骤是致命错误（非重试）
type ResolutionError struct {
	Ref    string
	Reason string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("refs: 无法解析 %q: %s", e.Ref, e.Reason)
}

// IsRef 判断 s 是否为合法的整串 @ 引用
func IsRef(s string) bool {
	head, segs, ok := parse(s)
	return ok && head != "" && segs != nil
}

// parse 将 "@head.seg1.seg2" 拆为 (head, [seg...])；不合法返回 ok=false。
// segs 恒非 nil（无路径时为空 slice），便于 IsRef 区分。
func parse(s string) (string, []string, bool) {
	if len(s) < 2 || s[0] != '@' {
		return "", nil, false
	}
	parts := strings.Split(s[1:], ".")
	for _, p := range parts {
		if !validSegment(p) {
			return "", nil, false
		}
	}
	return parts[0], parts[1:], true
}

func validSegment(seg string) bool {
	if seg == "" {
		return false
	}
	if _, err := strconv.Atoi(seg); err == nil {
		return true
	}
	for i, r := range seg {
		switch {
		case r == '_' || r == '$':
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// Lookup 解析单个引用字符串，返回解析值；head 未知、下标越界、对非容器取路径均返回 *ResolutionError
func Lookup(pad Scratchpad, ref string) (any, error) {
	head, segs, ok := parse(ref)
	if !ok {
		return nil, &ResolutionError{Ref: ref, Reason: "不符合 @head(.seg)* 语法"}
	}
	cur, found := pad[head]
	if !found {
		return nil, &ResolutionError{Ref: ref, Reason: fmt.Sprintf("未知引用头 %q", head)}
	}
	for _, seg := range segs {
		if idx, err := strconv.Atoi(seg); err == nil {
			arr, isArr := cur.([]any)
			if isArr {
				if idx < 0 || idx >= len(arr) {
					return nil, &ResolutionError{Ref: ref, Reason: fmt.Sprintf("下标 %d 越界（长度 %d）", idx, len(arr))}
				}
				cur = arr[idx]
				continue
			}
			// 数字段也可能是对象键（如 {"0": ...}）
			if m, isMap := cur.(map[string]any); isMap {
				v, ok := m[seg]
				if !ok {
					return nil, &ResolutionError{Ref: ref, Reason: fmt.Sprintf("键 %q 不存在", seg)}
				}
				cur = v
				continue
			}
			return nil, &ResolutionError{Ref: ref, Reason: fmt.Sprintf("对非数组/对象取段 %q", seg)}
		}
		m, isMap := cur.(map[string]any)
		if !isMap {
			return nil, &ResolutionError{Ref: ref, Reason: fmt.Sprintf("对非对象取键 %q", seg)}
		}
		v, ok := m[seg]
		if !ok {
			return nil, &ResolutionError{Ref: ref, Reason: fmt.Sprintf("键 %q 不存在", seg)}
		}
		cur = v
	}
	return cur, nil
}

// Resolve 深度替换 value 中的 @ 引用：map 与数组逐层遍历；
// 整串引用替换为解析值（保留类型），内嵌 @ 不替换。首个解析失败即返回错误。
func Resolve(pad Scratchpad, value any) (any, error) {
	switch v := value.(type) {
	case string:
		if IsRef(v) {
			return Lookup(pad, v)
		}
		return v, nil
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			resolved, err := Resolve(pad, item)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			resolved, err := Resolve(pad, item)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return value, nil
	}
}

// ResolveInput 解析步骤 input 树；nil 输入返回 nil
func ResolveInput(pad Scratchpad, input map[string]any) (map[string]any, error) {
	if input == nil {
		return nil, nil
	}
	resolved, err := Resolve(pad, map[string]any(input))
	if err != nil {
		return nil, err
	}
	return resolved.(map[string]any), nil
}
