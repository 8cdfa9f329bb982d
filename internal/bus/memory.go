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

package bus

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"orchestration-router/pkg/health"
	"orchestration-router/pkg/log"
	"orchestration-router/pkg/metrics"
)

// MemoryBus 进程内事件总线实现
type MemoryBus struct {
	opts   Options
	logger *log.Logger

	mu     sync.RWMutex
	subs   map[EventType][]*subscriber
	byID   map[string]*subscriber
	closed bool

	// 已投递事件按保留窗口暂存，GC 周期回收
	retainMu sync.Mutex
	retained []*retainedEvent

	stopGC chan struct{}
	gcDone chan struct{}
}

type retainedEvent struct {
	event       *Event
	deliveredAt time.Time
}

// NewMemoryBus 创建内存总线并启动保留窗口 GC
func NewMemoryBus(opts Options, logger *log.Logger) *MemoryBus {
	b := &MemoryBus{
		opts:   opts,
		logger: logger.Named("bus"),
		subs:   make(map[EventType][]*subscriber),
		byID:   make(map[string]*subscriber),
		stopGC: make(chan struct{}),
		gcDone: make(chan struct{}),
	}
	go b.gcLoop()
	return b
}

// Publish 校验后向当前订阅者队列广播；无订阅者时为 no-op
func (b *MemoryBus) Publish(ctx context.Context, e *Event) error {
	if err := e.Validate(); err != nil {
		return err
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusClosed
	}
	targets := b.subs[e.EventType]
	b.mu.RUnlock()

	metrics.EventPublishedTotal.WithLabelValues(string(e.EventType)).Inc()

	for _, s := range targets {
		s.enqueue(e)
	}

	b.retainMu.Lock()
	b.retained = append(b.retained, &retainedEvent{event: e, deliveredAt: time.Now()})
	b.retainMu.Unlock()
	return nil
}

// Subscribe 注册订阅者；handler 在独立 goroutine 串行执行
func (b *MemoryBus) Subscribe(eventType EventType, name string, h Handler) (*Subscription, error) {
	if eventType == "" {
		return nil, ErrEmptyEventType
	}
	if h == nil {
		return nil, ErrNilHandler
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	id := uuid.New().String()
	s := newSubscriber(id, name, eventType, h, b.opts.QueueSize, b.logger)
	b.subs[eventType] = append(b.subs[eventType], s)
	b.byID[id] = s
	return &Subscription{ID: id, Name: name, EventType: eventType}, nil
}

// Unsubscribe 注销订阅并停止其投递 goroutine
func (b *MemoryBus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	s, ok := b.byID[sub.ID]
	if ok {
		delete(b.byID, sub.ID)
		list := b.subs[s.eventType]
		for i, cur := range list {
			if cur.id == s.id {
				b.subs[s.eventType] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}
	b.mu.Unlock()
	if ok {
		s.stop()
	}
}

// GetStatus 报告各订阅者队列深度与保留事件数
func (b *MemoryBus) GetStatus() health.Status {
	b.mu.RLock()
	depths := make(map[string]any, len(b.byID))
	total := 0
	for _, s := range b.byID {
		d := s.depth()
		depths[s.name] = d
		total += d
	}
	subCount := len(b.byID)
	b.mu.RUnlock()

	b.retainMu.Lock()
	retained := len(b.retained)
	b.retainMu.Unlock()

	state := health.Healthy
	if total > subCount*b.opts.QueueSize/2 {
		state = health.Degraded
	}
	return health.Status{
		State: state,
		Metrics: map[string]any{
			"subscribers":     subCount,
			"queue_depths":    depths,
			"retained_events": retained,
		},
	}
}

// Close 停止 GC 与所有订阅者
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	all := make([]*subscriber, 0, len(b.byID))
	for _, s := range b.byID {
		all = append(all, s)
	}
	b.subs = make(map[EventType][]*subscriber)
	b.byID = make(map[string]*subscriber)
	b.mu.Unlock()

	for _, s := range all {
		s.stop()
	}
	close(b.stopGC)
	<-b.gcDone
	return nil
}

// gcLoop 周期回收超过保留窗口的已投递事件
func (b *MemoryBus) gcLoop() {
	defer close(b.gcDone)
	interval := b.opts.Retention / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopGC:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-b.opts.Retention)
			b.retainMu.Lock()
			kept := b.retained[:0]
			for _, r := range b.retained {
				if r.deliveredAt.After(cutoff) {
					kept = append(kept, r)
				}
			}
			b.retained = kept
			b.retainMu.Unlock()
		}
	}
}

var _ Bus = (*MemoryBus)(nil)
