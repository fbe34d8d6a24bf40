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

// Package sandbox code 步骤的 JavaScript 沙箱。
// 每次调用新建 goja VM，用后即弃；无 require、无文件系统、无网络绑定。
// Date 与 Math.random 固定为确定性桩，保证重放一致。
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/dop251/goja"
)

// ErrTimeout 脚本超出 CPU 时限；确定性超限，不重试
var ErrTimeout = errors.New("sandbox: 脚本执行超时")

// ErrNoDefaultExport 源码未导出 default 函数
var ErrNoDefaultExport = errors.New("sandbox: 缺少 export default 函数")

// ScriptError 脚本自身的确定性错误（语法错误、抛出异常、返回值不可序列化）；
// 重放会得到同样的结果，不重试
type ScriptError struct {
	Msg string
}

func (e *ScriptError) Error() string { return "sandbox: " + e.Msg }

// Config 沙箱资源限制
type Config struct {
	TimeoutMs    int64 // CPU 时限，默认 10000
	MaxStackSize int   // goja 调用栈上限，默认 2048
	MaxLogs      int   // console 捕获条数上限，默认 100
}

func (c Config) withDefaults() Config {
	if c.TimeoutMs <= 0 {
		c.TimeoutMs = 10000
	}
	if c.MaxStackSize <= 0 {
		c.MaxStackSize = 2048
	}
	if c.MaxLogs <= 0 {
		c.MaxLogs = 100
	}
	return c
}

// Result 脚本返回值（JSON 序列化后）与捕获的 console 输出
type Result struct {
	Value json.RawMessage
	Logs  []string
}

// Sandbox 无状态执行器，可并发使用
type Sandbox struct {
	cfg Config
}

func New(cfg Config) *Sandbox {
	return &Sandbox{cfg: cfg.withDefaults()}
}

// export default 改写为 CommonJS 形态；支持函数声明与任意表达式两种写法
var (
	exportDefaultFn   = regexp.MustCompile(`(?m)^\s*export\s+default\s+(async\s+)?function\b`)
	exportDefaultExpr = regexp.MustCompile(`(?m)^\s*export\s+default\s+`)
)

func rewriteSource(src string) string {
	if exportDefaultFn.MatchString(src) {
		// export default function f(...) → 命名后挂到 exports
		src = exportDefaultFn.ReplaceAllString(src, "module.exports.default = ${1}function")
		return src
	}
	return exportDefaultExpr.ReplaceAllString(src, "module.exports.default = ")
}

// Run 执行 source 中的 default 导出函数，input 为唯一实参。
// 抛出的异常、超时、返回值不可序列化均为确定性错误。
func (s *Sandbox) Run(ctx context.Context, source string, input map[string]any) (*Result, error) {
	vm := goja.New()
	vm.SetMaxCallStackSize(s.cfg.MaxStackSize)

	// CPU 时限 + 上游取消都走 Interrupt
	runCtx, cancel := context.WithTimeout(ctx, time.Duration(s.cfg.TimeoutMs)*time.Millisecond)
	defer cancel()
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-runCtx.Done():
			vm.Interrupt("deadline")
		case <-stop:
		}
	}()

	var logs []string
	if err := s.install(vm, &logs); err != nil {
		return nil, err
	}

	module := vm.NewObject()
	exports := vm.NewObject()
	_ = module.Set("exports", exports)
	_ = vm.Set("module", module)
	_ = vm.Set("exports", exports)

	_, err := vm.RunScript("step.js", rewriteSource(source))
	if err != nil {
		return nil, classify(runCtx, err)
	}

	exported := module.Get("exports")
	var fn goja.Callable
	if obj, ok := exported.(*goja.Object); ok {
		if def := obj.Get("default"); def != nil {
			fn, _ = goja.AssertFunction(def)
		}
	}
	if fn == nil {
		return nil, ErrNoDefaultExport
	}

	arg := vm.ToValue(input)
	ret, err := fn(goja.Undefined(), arg)
	if err != nil {
		return nil, classify(runCtx, err)
	}

	// Promise 同步解包（goja 的 job queue 在 Run 返回时已排空）
	if p, ok := ret.Export().(*goja.Promise); ok {
		switch p.State() {
		case goja.PromiseStateFulfilled:
			ret = p.Result()
		case goja.PromiseStateRejected:
			return nil, &ScriptError{Msg: "脚本 Promise 被拒绝: " + p.Result().String()}
		default:
			return nil, &ScriptError{Msg: "脚本返回了未决的 Promise"}
		}
	}

	value, err := marshalValue(ret)
	if err != nil {
		return nil, err
	}
	return &Result{Value: value, Logs: logs}, nil
}

func classify(ctx context.Context, err error) error {
	var ierr *goja.InterruptedError
	if errors.As(err, &ierr) || ctx.Err() != nil {
		return ErrTimeout
	}
	var jserr *goja.Exception
	if errors.As(err, &jserr) {
		return &ScriptError{Msg: "脚本抛出异常: " + jserr.Value().String()}
	}
	return &ScriptError{Msg: "脚本执行失败: " + err.Error()}
}

func marshalValue(v goja.Value) (json.RawMessage, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return json.RawMessage("null"), nil
	}
	raw, err := json.Marshal(v.Export())
	if err != nil {
		return nil, &ScriptError{Msg: "返回值无法序列化为 JSON: " + err.Error()}
	}
	return raw, nil
}

// install 注入 console 桩与确定性 Date / Math.random
func (s *Sandbox) install(vm *goja.Runtime, logs *[]string) error {
	capture := func(call goja.FunctionCall) goja.Value {
		if len(*logs) >= s.cfg.MaxLogs {
			return goja.Undefined()
		}
		parts := make([]string, 0, len(call.Arguments))
		for _, a := range call.Arguments {
			parts = append(parts, a.String())
		}
		*logs = append(*logs, strings.Join(parts, " "))
		return goja.Undefined()
	}
	console := vm.NewObject()
	for _, name := range []string{"log", "info", "warn", "error", "debug"} {
		if err := console.Set(name, capture); err != nil {
			return err
		}
	}
	if err := vm.Set("console", console); err != nil {
		return err
	}

	// 冻结时钟与随机数：同一脚本重放得到同一结果
	frozen := time.Now().UnixMilli()
	var seed uint64 = 0x9E3779B97F4A7C15
	setup, err := vm.RunString(`(function(fixedNow, nextRandom) {
		var RealDate = Date;
		Date = function() { return new RealDate(fixedNow); };
		Date.now = function() { return fixedNow; };
		Date.parse = RealDate.parse;
		Date.UTC = RealDate.UTC;
		Math.random = nextRandom;
	})`)
	if err != nil {
		return err
	}
	fn, _ := goja.AssertFunction(setup)
	nextRandom := func(goja.FunctionCall) goja.Value {
		// xorshift，定种子
		seed ^= seed << 13
		seed ^= seed >> 7
		seed ^= seed << 17
		return vm.ToValue(float64(seed%1000000) / 1000000.0)
	}
	_, err = fn(goja.Undefined(), vm.ToValue(frozen), vm.ToValue(nextRandom))
	return err
}
