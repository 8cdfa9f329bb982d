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

// Package gateway 统一出站调用链：熔断器最先判定（开路时不消耗限流额度，也不借连接），
// 之后限流、取连接、执行，归还在所有路径上保证。池耗尽与限流拒绝按退避策略本地重试，
// 重试耗尽才上抛给 orchestrator。
package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"orchestration-router/internal/breaker"
	"orchestration-router/internal/pool"
	"orchestration-router/internal/ratelimit"
	"orchestration-router/pkg/log"
)

// CallFunc 在借到的连接上执行一次出站操作
type CallFunc func(ctx context.Context, conn pool.Conn) error

// Options 重试与平滑参数
type Options struct {
	RetryMax int                // 传输级错误的本地重试次数（不含首次），<0 默认 2
	Backoff  time.Duration      // 重试间隔，<=0 默认 200ms
	QPS      map[string]float64 // 按目标的出站平滑限速，<=0 不限
}

func (o Options) withDefaults() Options {
	if o.RetryMax < 0 {
		o.RetryMax = 2
	}
	if o.Backoff <= 0 {
		o.Backoff = 200 * time.Millisecond
	}
	return o
}

// Gateway 出站调用网关；全部依赖构造注入
type Gateway struct {
	breakers *breaker.Registry
	limiter  *ratelimit.Limiter
	pools    *pool.Manager
	opts     Options
	logger   *log.Logger

	qpsMu sync.Mutex
	qps   map[string]*rate.Limiter
}

// New 创建网关
func New(breakers *breaker.Registry, limiter *ratelimit.Limiter, pools *pool.Manager, opts Options, logger *log.Logger) *Gateway {
	return &Gateway{
		breakers: breakers,
		limiter:  limiter,
		pools:    pools,
		opts:     opts.withDefaults(),
		logger:   logger.Named("gateway"),
		qps:      make(map[string]*rate.Limiter),
	}
}

// smoother 目标级 QPS 平滑器；未配置的目标不平滑
func (g *Gateway) smoother(destinationID string) *rate.Limiter {
	g.qpsMu.Lock()
	defer g.qpsMu.Unlock()
	if l, ok := g.qps[destinationID]; ok {
		return l
	}
	qps := g.opts.QPS[destinationID]
	if qps <= 0 {
		g.qps[destinationID] = nil
		return nil
	}
	burst := int(qps)
	if burst < 1 {
		burst = 1
	}
	l := rate.NewLimiter(rate.Limit(qps), burst)
	g.qps[destinationID] = l
	return l
}

// retryable 池耗尽与限流拒绝可本地退避重试；开路快速失败不重试（窗口内重试无意义）
func retryable(err error) bool {
	return errors.Is(err, pool.ErrPoolExhausted) || errors.Is(err, ratelimit.ErrRateLimitExceeded)
}

// Invoke 执行一次受保护的出站调用
func (g *Gateway) Invoke(ctx context.Context, callerID, domain, destinationID, endpoint string, fn CallFunc) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = g.invokeOnce(ctx, callerID, domain, destinationID, endpoint, fn)
		if err == nil || !retryable(err) || attempt >= g.opts.RetryMax {
			return err
		}
		g.logger.Debug("出站调用退避重试",
			"destination", destinationID, "endpoint", endpoint, "attempt", attempt+1, "error", err)
		select {
		case <-time.After(g.opts.Backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (g *Gateway) invokeOnce(ctx context.Context, callerID, domain, destinationID, endpoint string, fn CallFunc) error {
	br := g.breakers.Get(destinationID)
	if err := br.Allow(); err != nil {
		return err
	}

	if err := g.limiter.AllowErr(ctx, callerID, domain, endpoint); err != nil {
		return err
	}

	if s := g.smoother(destinationID); s != nil {
		if err := s.Wait(ctx); err != nil {
			return err
		}
	}

	conn, release, err := g.pools.Acquire(ctx, destinationID)
	if err != nil {
		// 借连接失败按目标失败计入熔断窗口
		br.OnFailure()
		return err
	}
	defer release()

	if err := fn(ctx, conn); err != nil {
		br.OnFailure()
		return err
	}
	br.OnSuccess()
	return nil
}
