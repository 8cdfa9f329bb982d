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

package pool

import (
	"context"
	"fmt"
	"sync"

	"orchestration-router/pkg/config"
	"orchestration-router/pkg/health"
	"orchestration-router/pkg/log"
	"orchestration-router/pkg/utils"
)

// Manager 按目标管理连接池；构造注入到各使用方，不做包级单例
type Manager struct {
	cfg            config.PoolsConfig
	defaultFactory Factory
	logger         *log.Logger

	mu        sync.Mutex
	factories map[string]Factory
	pools     map[string]*Pool
	closed    bool
}

// NewManager 创建池管理器；defaultFactory 用于未单独注册 factory 的目标
func NewManager(cfg config.PoolsConfig, defaultFactory Factory, logger *log.Logger) *Manager {
	return &Manager{
		cfg:            cfg,
		defaultFactory: defaultFactory,
		logger:         logger.Named("pool"),
		factories:      make(map[string]Factory),
		pools:          make(map[string]*Pool),
	}
}

// RegisterFactory 为目标注册专用建连方式（HTTP、Redis 等）
func (m *Manager) RegisterFactory(destinationID string, f Factory) {
	m.mu.Lock()
	m.factories[destinationID] = f
	m.mu.Unlock()
}

// optionsFor 目标级配置覆盖全局默认
func (m *Manager) optionsFor(destinationID string) Options {
	pc := m.cfg.Defaults
	if override, ok := m.cfg.Destinations[destinationID]; ok {
		pc = override
	}
	return Options{
		MinConnections: pc.MinConnections,
		MaxConnections: utils.DefaultInt(pc.MaxConnections, utils.DefaultInt(m.cfg.Defaults.MaxConnections, 10)),
		IdleTimeout:    utils.ParseDurationDefault(pc.IdleTimeout, utils.ParseDurationDefault(m.cfg.Defaults.IdleTimeout, 0)),
		AcquireTimeout: utils.ParseDurationDefault(pc.AcquireTimeout, utils.ParseDurationDefault(m.cfg.Defaults.AcquireTimeout, 0)),
		LeakTimeout:    utils.ParseDurationDefault(pc.LeakTimeout, utils.ParseDurationDefault(m.cfg.Defaults.LeakTimeout, 0)),
	}
}

// poolFor 懒创建目标池
func (m *Manager) poolFor(destinationID string) (*Pool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fmt.Errorf("pool manager 已关闭")
	}
	if p, ok := m.pools[destinationID]; ok {
		return p, nil
	}
	factory := m.factories[destinationID]
	if factory == nil {
		factory = m.defaultFactory
	}
	if factory == nil {
		return nil, fmt.Errorf("目标 %s 没有可用的连接 factory", destinationID)
	}
	p := newPool(destinationID, factory, m.optionsFor(destinationID), m.logger)
	m.pools[destinationID] = p
	return p, nil
}

// Acquire 借出目标连接；归还函数必须在所有退出路径上调用
func (m *Manager) Acquire(ctx context.Context, destinationID string) (Conn, ReleaseFunc, error) {
	p, err := m.poolFor(destinationID)
	if err != nil {
		return nil, nil, err
	}
	return p.Acquire(ctx)
}

// Drain 排空目标池
func (m *Manager) Drain(destinationID string) {
	m.mu.Lock()
	p, ok := m.pools[destinationID]
	m.mu.Unlock()
	if ok {
		p.Drain()
	}
}

// Close 关闭全部池
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	pools := make([]*Pool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.mu.Unlock()
	for _, p := range pools {
		p.close()
	}
}

// GetStatus 上报各目标的利用率与等待队列深度
func (m *Manager) GetStatus() health.Status {
	m.mu.Lock()
	pools := make(map[string]*Pool, len(m.pools))
	for dest, p := range m.pools {
		pools[dest] = p
	}
	m.mu.Unlock()

	state := health.Healthy
	dests := make(map[string]any, len(pools))
	for dest, p := range pools {
		active, idle, waiters, max := p.stats()
		utilization := 0.0
		if max > 0 {
			utilization = float64(active) / float64(max)
		}
		if waiters > 0 || utilization >= 1.0 {
			state = health.Degraded
		}
		dests[dest] = map[string]any{
			"active":           active,
			"idle":             idle,
			"utilization":      utilization,
			"wait_queue_depth": waiters,
		}
	}
	return health.Status{State: state, Metrics: map[string]any{"destinations": dests}}
}
