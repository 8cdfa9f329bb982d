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
	"sync"
	"time"
)

// SessionStore 存储抽象
type SessionStore interface {
	Get(ctx context.Context, id string) (*Session, error)
	Put(ctx context.Context, s *Session) error
	// AppendMessage 持久化一条追加消息（Put 之外的增量路径）
	AppendMessage(ctx context.Context, id string, m *Message) error
	// Expire 将活跃时间早于 olderThan 的会话置为 inactive，返回条数
	Expire(ctx context.Context, olderThan time.Time) (int, error)
	// Count 当前存储的会话数与活跃数
	Count(ctx context.Context) (total, active int, err error)
	Close() error
}

// MemoryStore 内存实现（map + mutex）
type MemoryStore struct {
	mu   sync.RWMutex
	sess map[string]*Session
}

// NewMemoryStore 创建内存 Session 存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sess: make(map[string]*Session)}
}

// Get 实现 SessionStore；不存在返回 nil, nil
func (m *MemoryStore) Get(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sess[id], nil
}

// Put 实现 SessionStore
func (m *MemoryStore) Put(ctx context.Context, s *Session) error {
	if s == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sess[s.ID] = s
	return nil
}

// AppendMessage 实现 SessionStore；内存实现中 Session 对象即存储本体
func (m *MemoryStore) AppendMessage(ctx context.Context, id string, msg *Message) error {
	return nil
}

// Expire 实现 SessionStore
func (m *MemoryStore) Expire(ctx context.Context, olderThan time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	expired := 0
	for _, s := range m.sess {
		if s.IsActive() && s.LastActivity().Before(olderThan) {
			s.Deactivate()
			expired++
		}
	}
	return expired, nil
}

// Count 实现 SessionStore
func (m *MemoryStore) Count(ctx context.Context) (int, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	active := 0
	for _, s := range m.sess {
		if s.IsActive() {
			active++
		}
	}
	return len(m.sess), active, nil
}

// Close 实现 SessionStore
func (m *MemoryStore) Close() error { return nil }

var _ SessionStore = (*MemoryStore)(nil)
