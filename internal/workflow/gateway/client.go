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

// Package gateway 工具网关客户端：POST /mcp/{connectionId}/stream/{toolName}，
// 响应为 NDJSON 流。网络错误与 5xx 可重试，4xx 不可重试。
package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"
)

// StatusError 网关返回的非 2xx 状态
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gateway: 状态码 %d: %s", e.Code, e.Body)
}

// Retryable 5xx 视为瞬时故障
func (e *StatusError) Retryable() bool { return e.Code >= 500 }

// Config 网关连接参数
type Config struct {
	BaseURL   string
	Token     string  // Bearer token，可为空
	TimeoutMs int64   // 整次调用超时，默认 120000
	RateLimit float64 // 每工具每秒请求数，<=0 不限流
	RateBurst int     // 默认 1
}

func (c Config) withDefaults() Config {
	if c.TimeoutMs <= 0 {
		c.TimeoutMs = 120000
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 1
	}
	return c
}

// chunkEnvelope NDJSON 行格式；非信封行按原样视为 chunk
type chunkEnvelope struct {
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error"`
}

// ChunkFunc 每收到一个流式分片回调一次；返回错误即中断流
type ChunkFunc func(index int, data json.RawMessage) error

// Client 并发安全
type Client struct {
	cfg  Config
	http *resty.Client

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewClient(cfg Config) *Client {
	cfg = cfg.withDefaults()
	c := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(time.Duration(cfg.TimeoutMs) * time.Millisecond)
	if cfg.Token != "" {
		c.SetAuthToken(cfg.Token)
	}
	return &Client{cfg: cfg, http: c, limiters: make(map[string]*rate.Limiter)}
}

func (c *Client) limiter(key string) *rate.Limiter {
	if c.cfg.RateLimit <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Limit(c.cfg.RateLimit), c.cfg.RateBurst)
		c.limiters[key] = l
	}
	return l
}

// CallTool 调用工具并消费 NDJSON 流。最终返回值取 result 行的 data；
// 流中无 result 行时合并 chunk：单个取其值，多个合并为数组。
func (c *Client) CallTool(ctx context.Context, connectionID, toolName string, input map[string]any, onChunk ChunkFunc) (json.RawMessage, error) {
	if l := c.limiter(connectionID + "/" + toolName); l != nil {
		if err := l.Wait(ctx); err != nil {
			return nil, err
		}
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(input).
		SetDoNotParseResponse(true).
		Post(fmt.Sprintf("/mcp/%s/stream/%s", connectionID, toolName))
	if err != nil {
		return nil, fmt.Errorf("gateway: 请求失败: %w", err)
	}
	body := resp.RawBody()
	defer body.Close()

	if resp.StatusCode() >= 400 {
		buf := make([]byte, 2048)
		n, _ := body.Read(buf)
		return nil, &StatusError{Code: resp.StatusCode(), Body: string(buf[:n])}
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var chunks []json.RawMessage
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var env chunkEnvelope
		if err := json.Unmarshal(line, &env); err != nil || env.Type == "" {
			// 裸 JSON 行：整行即 chunk
			raw := json.RawMessage(append([]byte(nil), line...))
			if onChunk != nil {
				if err := onChunk(len(chunks), raw); err != nil {
					return nil, err
				}
			}
			chunks = append(chunks, raw)
			continue
		}
		switch env.Type {
		case "chunk":
			// scanner 复用行缓冲，留存前必须拷贝
			data := json.RawMessage(append([]byte(nil), env.Data...))
			if onChunk != nil {
				if err := onChunk(len(chunks), data); err != nil {
					return nil, err
				}
			}
			chunks = append(chunks, data)
		case "result":
			return env.Data, scanner.Err()
		case "error":
			// 工具执行期错误走 5xx 语义：可重试
			return nil, &StatusError{Code: http.StatusBadGateway, Body: env.Error}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("gateway: 读取响应流失败: %w", err)
	}
	switch len(chunks) {
	case 0:
		return json.RawMessage("null"), nil
	case 1:
		return chunks[0], nil
	}
	arr, err := json.Marshal(chunks)
	if err != nil {
		return nil, fmt.Errorf("gateway: 合并 chunk 失败: %w", err)
	}
	return arr, nil
}
