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

// Package ratelimit 实现 (caller, domain, endpoint) 维度的双粒度滑动窗口限流。
// 拒绝即返回，不排队；重试与退避由调用方决定。
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"orchestration-router/pkg/config"
	"orchestration-router/pkg/health"
	"orchestration-router/pkg/metrics"
	"orchestration-router/pkg/utils"
)

// ErrRateLimitExceeded 请求超出窗口上限；错误信息携带超限窗口供调用方退避
var ErrRateLimitExceeded = errors.New("超出限流窗口")

// Limiter 双窗口滑动限流器
type Limiter struct {
	store     CounterStore
	defaults  config.WindowLimits
	endpoints map[string]config.WindowLimits // key: "domain/endpoint"

	mu       sync.Mutex
	lastKeys map[string]struct{} // 观测过的 key，GetStatus 上报当前计数用
}

// NewLimiter 创建限流器；store 为 nil 时使用进程内存储
func NewLimiter(cfg config.RateLimitsConfig, store CounterStore) *Limiter {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Limiter{
		store:     store,
		defaults:  cfg.Defaults,
		endpoints: cfg.Endpoints,
		lastKeys:  make(map[string]struct{}),
	}
}

// NewStoreFromConfig 按配置创建计数后端（memory | redis）
func NewStoreFromConfig(cfg config.RateLimitsConfig) (CounterStore, error) {
	switch cfg.Store {
	case "", "memory":
		return NewMemoryStore(), nil
	case "redis":
		return NewRedisStore(cfg.Redis)
	default:
		return nil, fmt.Errorf("不支持的限流存储类型: %s", cfg.Store)
	}
}

// limitsFor 端点级覆盖优先，缺省回退全局默认
func (l *Limiter) limitsFor(domain, endpoint string) (int, int) {
	limits, ok := l.endpoints[domain+"/"+endpoint]
	if !ok {
		limits = l.defaults
	}
	return utils.DefaultInt(limits.PerMinute, 60), utils.DefaultInt(limits.PerHour, 1000)
}

// Allow 判定请求是否放行；分钟与小时窗口都未达上限才放行
func (l *Limiter) Allow(ctx context.Context, callerID, domain, endpoint string) (bool, error) {
	key := callerID + ":" + domain + ":" + endpoint
	minuteLimit, hourLimit := l.limitsFor(domain, endpoint)

	ok, window, err := l.store.Allow(ctx, key, minuteLimit, hourLimit)
	if err != nil {
		return false, err
	}
	if !ok {
		metrics.RateLimitRejectedTotal.WithLabelValues(domain, endpoint, window).Inc()
		return false, nil
	}
	metrics.RateLimitAllowedTotal.WithLabelValues(domain, endpoint).Inc()

	l.mu.Lock()
	l.lastKeys[key] = struct{}{}
	l.mu.Unlock()
	return true, nil
}

// AllowErr Allow 的错误形式，供出站网关组合使用
func (l *Limiter) AllowErr(ctx context.Context, callerID, domain, endpoint string) error {
	ok, err := l.Allow(ctx, callerID, domain, endpoint)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: caller=%s domain=%s endpoint=%s", ErrRateLimitExceeded, callerID, domain, endpoint)
	}
	return nil
}

// GetStatus 上报观测过的 key 的当前窗口计数
func (l *Limiter) GetStatus() health.Status {
	l.mu.Lock()
	keys := make([]string, 0, len(l.lastKeys))
	for k := range l.lastKeys {
		keys = append(keys, k)
	}
	l.mu.Unlock()

	counts := make(map[string]any, len(keys))
	for _, k := range keys {
		minute, hour, err := l.store.Counts(context.Background(), k)
		if err != nil {
			continue
		}
		counts[k] = map[string]any{"minute": minute, "hour": hour}
	}
	return health.Status{State: health.Healthy, Metrics: map[string]any{"window_counts": counts}}
}
