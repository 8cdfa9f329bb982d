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

package breaker

import (
	"sync"
	"time"

	"orchestration-router/pkg/config"
	"orchestration-router/pkg/health"
	"orchestration-router/pkg/utils"
)

// Registry 按目标懒创建熔断器；通过构造注入传给使用方，不做包级单例
type Registry struct {
	cfg Config
	mu  sync.RWMutex
	m   map[string]*Breaker
}

// NewRegistry 创建熔断器注册表
func NewRegistry(cfg Config) *Registry {
	return &Registry{cfg: cfg.withDefaults(), m: make(map[string]*Breaker)}
}

// ConfigFrom 解析应用配置
func ConfigFrom(cfg config.BreakerConfig) Config {
	return Config{
		FailureThreshold: cfg.FailureThreshold,
		Window:           utils.ParseDurationDefault(cfg.Window, time.Minute),
		ResetTimeout:     utils.ParseDurationDefault(cfg.ResetTimeout, 30*time.Second),
		TrialCount:       cfg.TrialCount,
		SuccessThreshold: cfg.SuccessThreshold,
	}
}

// Get 获取目标的熔断器，不存在则创建
func (r *Registry) Get(destination string) *Breaker {
	r.mu.RLock()
	b, ok := r.m[destination]
	r.mu.RUnlock()
	if ok {
		return b
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.m[destination]; ok {
		return b
	}
	b = New(destination, r.cfg)
	r.m[destination] = b
	return b
}

// GetStatus 汇总各目标状态与窗口内失败数；存在开路目标时整体 degraded
func (r *Registry) GetStatus() health.Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state := health.Healthy
	dests := make(map[string]any, len(r.m))
	for dest, b := range r.m {
		s := b.State()
		if s != StateClosed {
			state = health.Degraded
		}
		dests[dest] = map[string]any{
			"state":         s.String(),
			"failure_count": b.FailureCount(),
		}
	}
	return health.Status{State: state, Metrics: map[string]any{"destinations": dests}}
}
