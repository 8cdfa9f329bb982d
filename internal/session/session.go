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

// Package session 管理协作会话：追加式消息历史，LastActivityAt 单调不减，
// 会话只通过显式 Close 或 TTL 清扫失效，不会静默消失。
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Message 会话内一条消息；只追加，不修改
type Message struct {
	SenderType string    `json:"sender_type"` // user | domain | system
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
}

// Session 一次协作会话
type Session struct {
	ID             string     `json:"id"`
	OwnerDomain    string     `json:"owner_domain"`
	StartedAt      time.Time  `json:"started_at"`
	LastActivityAt time.Time  `json:"last_activity_at"`
	Active         bool       `json:"active"`
	Messages       []*Message `json:"messages,omitempty"`

	mu sync.RWMutex
}

// New 创建新 Session（id 为空时自动分配）
func New(id, ownerDomain string) *Session {
	now := time.Now()
	if id == "" {
		id = "session-" + uuid.New().String()
	}
	return &Session{
		ID:             id,
		OwnerDomain:    ownerDomain,
		StartedAt:      now,
		LastActivityAt: now,
		Active:         true,
	}
}

// touchLocked LastActivityAt 只前进不后退；调用方需持有写锁
func (s *Session) touchLocked(t time.Time) {
	if t.After(s.LastActivityAt) {
		s.LastActivityAt = t
	}
}

// AddMessage 追加一条消息并推进活跃时间
func (s *Session) AddMessage(senderType, content string) *Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := &Message{SenderType: senderType, Content: content, Timestamp: time.Now()}
	s.Messages = append(s.Messages, m)
	s.touchLocked(m.Timestamp)
	return m
}

// Touch 推进活跃时间（不追加消息的操作也算活跃）
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touchLocked(time.Now())
}

// Deactivate 标记会话结束
func (s *Session) Deactivate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Active = false
	s.touchLocked(time.Now())
}

// IsActive 会话是否仍活跃
func (s *Session) IsActive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Active
}

// LastActivity 读取活跃时间
func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.LastActivityAt
}

// CopyMessages 返回消息历史副本（只读方使用）
func (s *Session) CopyMessages() []*Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.Messages) == 0 {
		return nil
	}
	out := make([]*Message, len(s.Messages))
	for i, m := range s.Messages {
		out[i] = &Message{SenderType: m.SenderType, Content: m.Content, Timestamp: m.Timestamp}
	}
	return out
}
