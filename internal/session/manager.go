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

package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"orchestration-router/pkg/config"
	"orchestration-router/pkg/health"
	"orchestration-router/pkg/log"
	"orchestration-router/pkg/utils"
)

// Manager 基于 SessionStore 的会话管理；TTL 清扫在后台协程执行
type Manager struct {
	store  SessionStore
	ttl    time.Duration
	logger *log.Logger

	closeOnce sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// NewManager 创建会话管理器并启动 TTL 清扫；ttl<=0 时不清扫
func NewManager(store SessionStore, ttl time.Duration, logger *log.Logger) *Manager {
	m := &Manager{
		store:  store,
		ttl:    ttl,
		logger: logger.Named("session"),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// NewFromConfig 根据配置创建存储与管理器（memory | postgres）
func NewFromConfig(ctx context.Context, cfg config.SessionConfig, logger *log.Logger) (*Manager, error) {
	var store SessionStore
	switch cfg.Type {
	case "", "memory":
		store = NewMemoryStore()
	case "postgres":
		pg, err := NewPgStore(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		store = pg
	default:
		return nil, fmt.Errorf("不支持的会话存储类型: %s", cfg.Type)
	}
	return NewManager(store, utils.ParseDurationDefault(cfg.TTL, 30*time.Minute), logger), nil
}

// Create 创建新会话并持久化
func (m *Manager) Create(ctx context.Context, ownerDomain string) (*Session, error) {
	s := New("", ownerDomain)
	if err := m.store.Put(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// Get 按 ID 获取会话；不存在返回 nil, nil
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	return m.store.Get(ctx, id)
}

// AddMessage 追加消息并推进活跃时间
func (m *Manager) AddMessage(ctx context.Context, s *Session, senderType, content string) error {
	if s == nil {
		return fmt.Errorf("session 不能为 nil")
	}
	msg := s.AddMessage(senderType, content)
	if err := m.store.AppendMessage(ctx, s.ID, msg); err != nil {
		return err
	}
	return m.store.Put(ctx, s)
}

// CloseSession 显式结束会话
func (m *Manager) CloseSession(ctx context.Context, s *Session) error {
	if s == nil {
		return nil
	}
	s.Deactivate()
	return m.store.Put(ctx, s)
}

// sweepLoop TTL 清扫；周期取 ttl/4，至少 1s
func (m *Manager) sweepLoop() {
	defer close(m.doneCh)
	if m.ttl <= 0 {
		<-m.stopCh
		return
	}
	interval := m.ttl / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n, err := m.store.Expire(context.Background(), time.Now().Add(-m.ttl))
			if err != nil {
				m.logger.Warn("会话 TTL 清扫失败", "error", err)
				continue
			}
			if n > 0 {
				m.logger.Info("会话超时结束", "expired", n, "ttl", m.ttl.String())
			}
		case <-m.stopCh:
			return
		}
	}
}

// GetStatus 会话量概览
func (m *Manager) GetStatus() health.Status {
	total, active, err := m.store.Count(context.Background())
	state := health.Healthy
	if err != nil {
		state = health.Unhealthy
	}
	return health.Status{State: state, Metrics: map[string]any{
		"total_sessions":  total,
		"active_sessions": active,
	}}
}

// Close 停止清扫并释放存储
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		close(m.stopCh)
	})
	<-m.doneCh
	return m.store.Close()
}
