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

package ratelimit

import (
	"context"
	"sync"
	"time"
)

// 超限窗口标识
const (
	WindowMinute = "minute"
	WindowHour   = "hour"
)

// CounterStore 滑动窗口计数后端；进程内用 MemoryStore，多进程部署换 RedisStore
type CounterStore interface {
	// Allow 双窗口判定：两个窗口都未达上限才放行，放行时两个窗口一并计入。
	// 拒绝时返回超限窗口（minute | hour）
	Allow(ctx context.Context, key string, minuteLimit, hourLimit int) (ok bool, window string, err error)
	// Counts 当前两个窗口内的计数（状态上报用）
	Counts(ctx context.Context, key string) (minute, hour int, err error)
}

// MemoryStore 进程内实现：每 key 一条时间戳日志，检查时惰性清理 1 小时前的条目，
// 不起后台清扫线程
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*windowLog
	now     func() time.Time
}

type windowLog struct {
	times []time.Time
}

// NewMemoryStore 创建内存计数存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*windowLog), now: time.Now}
}

// Allow 实现 CounterStore
func (s *MemoryStore) Allow(ctx context.Context, key string, minuteLimit, hourLimit int) (bool, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e, ok := s.entries[key]
	if !ok {
		e = &windowLog{}
		s.entries[key] = e
	}
	e.purge(now)

	if len(e.times) >= hourLimit {
		return false, WindowHour, nil
	}
	minuteCount := e.countSince(now.Add(-time.Minute))
	if minuteCount >= minuteLimit {
		return false, WindowMinute, nil
	}
	// 单条日志同时承载两个窗口，追加一次即两窗口同步 +1
	e.times = append(e.times, now)
	return true, "", nil
}

// Counts 实现 CounterStore
func (s *MemoryStore) Counts(ctx context.Context, key string) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return 0, 0, nil
	}
	now := s.now()
	e.purge(now)
	return e.countSince(now.Add(-time.Minute)), len(e.times), nil
}

// purge 移除 1 小时前的条目
func (w *windowLog) purge(now time.Time) {
	cutoff := now.Add(-time.Hour)
	i := 0
	for i < len(w.times) && !w.times[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.times = append(w.times[:0], w.times[i:]...)
	}
}

// countSince 统计 since 之后的条目数
func (w *windowLog) countSince(since time.Time) int {
	n := 0
	for i := len(w.times) - 1; i >= 0; i-- {
		if !w.times[i].After(since) {
			break
		}
		n++
	}
	return n
}
