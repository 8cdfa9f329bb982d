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

// Package collab 在事件总线上实现跨域请求/响应协作协议：correlation_id 关联、
// waiter 精确一次完成、超时后到达的响应丢弃。
package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"orchestration-router/internal/bus"
	"orchestration-router/pkg/log"
	"orchestration-router/pkg/metrics"
)

// 协作协议错误
var (
	// ErrCollaborationTimeout 超时窗口内未收到响应；调用方可换新 correlation_id 重试
	ErrCollaborationTimeout = errors.New("协作请求超时")
	// ErrNoHandler 本域请求类型未注册，未发布任何事件
	ErrNoHandler = errors.New("请求类型未注册 handler")
	// ErrProtocolClosed 协议已停止
	ErrProtocolClosed = errors.New("协作协议已停止")
)

// 响应 payload 中的错误码
const (
	codeHandlerError = "handler_error"
	codeNoHandler    = "no_handler_registered"
)

// HandlerFunc 协作处理函数；返回的 map 作为响应结果，错误以数据形式回传请求方
type HandlerFunc func(ctx context.Context, requestCtx map[string]any) (map[string]any, error)

// Response 协作响应；Err 非空表示对端 handler 失败（handler_error 以数据交付，不是传输错误）
type Response struct {
	CorrelationID string
	SourceDomain  string
	Result        map[string]any
	Err           string
	ErrCode       string
}

// Failed 对端 handler 是否失败
func (r *Response) Failed() bool { return r.Err != "" }

// Protocol 单个 domain 的协作协议端点；请求方与响应方共用一个实例
type Protocol struct {
	domain         string
	bus            bus.Bus
	logger         *log.Logger
	defaultTimeout time.Duration

	waiterMu sync.Mutex
	waiters  map[string]chan *Response

	handlerMu sync.RWMutex
	handlers  map[string]HandlerFunc

	mu      sync.Mutex
	reqSub  *bus.Subscription
	respSub *bus.Subscription
	started bool
	closed  bool
}

// New 创建协议端点；defaultTimeout<=0 时默认 5s
func New(domain string, b bus.Bus, defaultTimeout time.Duration, logger *log.Logger) *Protocol {
	if defaultTimeout <= 0 {
		defaultTimeout = 5 * time.Second
	}
	return &Protocol{
		domain:         domain,
		bus:            b,
		logger:         logger.Named("collab"),
		defaultTimeout: defaultTimeout,
		waiters:        make(map[string]chan *Response),
		handlers:       make(map[string]HandlerFunc),
	}
}

// Start 订阅 collab_request / collab_response；按 target_domain 过滤本域事件
func (p *Protocol) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return nil
	}
	if p.closed {
		return ErrProtocolClosed
	}
	reqSub, err := p.bus.Subscribe(bus.EventCollabRequest, p.domain+"-collab-req", p.onRequest)
	if err != nil {
		return err
	}
	respSub, err := p.bus.Subscribe(bus.EventCollabResponse, p.domain+"-collab-resp", p.onResponse)
	if err != nil {
		p.bus.Unsubscribe(reqSub)
		return err
	}
	p.reqSub, p.respSub = reqSub, respSub
	p.started = true
	return nil
}

// Stop 注销订阅；未完成的 waiter 以超时结束
func (p *Protocol) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	if p.reqSub != nil {
		p.bus.Unsubscribe(p.reqSub)
	}
	if p.respSub != nil {
		p.bus.Unsubscribe(p.respSub)
	}
}

// RegisterHandler 注册请求类型处理函数；重复注册后者覆盖前者
func (p *Protocol) RegisterHandler(requestType string, h HandlerFunc) {
	p.handlerMu.Lock()
	p.handlers[requestType] = h
	p.handlerMu.Unlock()
}

// lookupHandler 查询本域 handler
func (p *Protocol) lookupHandler(requestType string) (HandlerFunc, bool) {
	p.handlerMu.RLock()
	h, ok := p.handlers[requestType]
	p.handlerMu.RUnlock()
	return h, ok
}

// Request 发起协作请求并阻塞当前 goroutine 直到响应、超时或 ctx 取消。
// 目标为本域且请求类型未注册时直接返回 ErrNoHandler，不发布事件。
func (p *Protocol) Request(ctx context.Context, targetDomain, requestType string, requestCtx map[string]any, timeout time.Duration) (*Response, error) {
	if targetDomain == "" {
		return nil, fmt.Errorf("target_domain 不能为空")
	}
	if timeout <= 0 {
		timeout = p.defaultTimeout
	}
	if targetDomain == p.domain {
		if _, ok := p.lookupHandler(requestType); !ok {
			return nil, fmt.Errorf("%w: %s", ErrNoHandler, requestType)
		}
	}

	correlationID := uuid.New().String()
	ch := make(chan *Response, 1)
	p.waiterMu.Lock()
	p.waiters[correlationID] = ch
	p.waiterMu.Unlock()
	metrics.CollabInflight.WithLabelValues(p.domain).Inc()
	defer metrics.CollabInflight.WithLabelValues(p.domain).Dec()

	e := bus.NewEvent(bus.EventCollabRequest, p.domain, targetDomain, map[string]any{
		"request_type":     requestType,
		"context":          requestCtx,
		"response_channel": p.domain + ":collab_response", // 仅用于排障，真正的关联靠 correlation_id
	})
	e.CorrelationID = correlationID
	e.RequiresResponse = true

	if err := p.bus.Publish(ctx, e); err != nil {
		p.unregisterWaiter(correlationID)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		p.unregisterWaiter(correlationID)
		metrics.CollabTimeoutTotal.WithLabelValues(p.domain, requestType).Inc()
		return nil, fmt.Errorf("%w: target=%s request_type=%s timeout=%s", ErrCollaborationTimeout, targetDomain, requestType, timeout)
	case <-ctx.Done():
		p.unregisterWaiter(correlationID)
		return nil, ctx.Err()
	}
}

// unregisterWaiter 注销 waiter；取消路径不留泄漏
func (p *Protocol) unregisterWaiter(correlationID string) {
	p.waiterMu.Lock()
	delete(p.waiters, correlationID)
	p.waiterMu.Unlock()
}

// onRequest 响应方：执行 handler 并以同 correlation_id 发布 collab_response
func (p *Protocol) onRequest(ctx context.Context, e *bus.Event) error {
	if e.TargetDomain != p.domain {
		return nil
	}
	requestType, _ := e.Payload["request_type"].(string)
	requestCtx, _ := e.Payload["context"].(map[string]any)

	payload := map[string]any{"request_type": requestType}
	h, ok := p.lookupHandler(requestType)
	if !ok {
		p.logger.Warn("收到未注册的协作请求", "request_type", requestType, "from", e.SourceDomain)
		payload["error"] = fmt.Sprintf("domain %s 未注册 request_type %s", p.domain, requestType)
		payload["error_code"] = codeNoHandler
	} else {
		result, err := p.invokeHandler(ctx, h, requestCtx)
		if err != nil {
			// handler 失败仍要响应：错误以数据交付，请求方不会只等到超时
			payload["error"] = err.Error()
			payload["error_code"] = codeHandlerError
		} else {
			payload["result"] = result
		}
	}

	resp := bus.NewEvent(bus.EventCollabResponse, p.domain, e.SourceDomain, payload)
	resp.CorrelationID = e.CorrelationID
	return p.bus.Publish(ctx, resp)
}

// invokeHandler 执行 handler 并吸收 panic
func (p *Protocol) invokeHandler(ctx context.Context, h HandlerFunc, requestCtx map[string]any) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, requestCtx)
}

// onResponse 请求方：首个匹配响应完成 waiter；waiter 已不存在的迟到响应丢弃
func (p *Protocol) onResponse(ctx context.Context, e *bus.Event) error {
	if e.TargetDomain != p.domain {
		return nil
	}
	p.waiterMu.Lock()
	ch, ok := p.waiters[e.CorrelationID]
	if ok {
		delete(p.waiters, e.CorrelationID)
	}
	p.waiterMu.Unlock()

	if !ok {
		metrics.CollabLateResponseTotal.Inc()
		p.logger.Info("丢弃迟到的协作响应", "correlation_id", e.CorrelationID, "from", e.SourceDomain)
		return nil
	}

	resp := &Response{
		CorrelationID: e.CorrelationID,
		SourceDomain:  e.SourceDomain,
	}
	if result, ok := e.Payload["result"].(map[string]any); ok {
		resp.Result = result
	}
	if errMsg, ok := e.Payload["error"].(string); ok {
		resp.Err = errMsg
	}
	if code, ok := e.Payload["error_code"].(string); ok {
		resp.ErrCode = code
	}
	ch <- resp
	return nil
}

// InflightCount 当前等待响应的请求数（状态上报用）
func (p *Protocol) InflightCount() int {
	p.waiterMu.Lock()
	defer p.waiterMu.Unlock()
	return len(p.waiters)
}
