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
	"container/heap"
	"context"
	"sync"

	"orchestration-router/pkg/log"
	"orchestration-router/pkg/metrics"
)

// queuedEvent 入站队列元素；seq 保证同优先级按入队顺序出队（同类型 FIFO）
type queuedEvent struct {
	event *Event
	seq   uint64
}

// eventQueue 按 (priority 降序, seq 升序) 出队的小顶堆
type eventQueue []*queuedEvent

func (q eventQueue) Len() int { return len(q) }

func (q eventQueue) Less(i, j int) bool {
	if q[i].event.Priority != q[j].event.Priority {
		return q[i].event.Priority > q[j].event.Priority
	}
	return q[i].seq < q[j].seq
}

func (q eventQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *eventQueue) Push(x any) { *q = append(*q, x.(*queuedEvent)) }

func (q *eventQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

// subscriber 单个订阅者：有界入站队列 + 串行投递 goroutine
type subscriber struct {
	id        string
	name      string
	eventType EventType
	handler   Handler
	logger    *log.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	queue    eventQueue
	seq      uint64
	capacity int
	closed   bool

	done chan struct{}
}

func newSubscriber(id, name string, eventType EventType, h Handler, capacity int, logger *log.Logger) *subscriber {
	s := &subscriber{
		id:        id,
		name:      name,
		eventType: eventType,
		handler:   h,
		logger:    logger,
		capacity:  capacity,
		done:      make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	go s.dispatchLoop()
	return s
}

// enqueue 非阻塞入队；队列满时丢弃并返回 false（queue_overflow）
func (s *subscriber) enqueue(e *Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if len(s.queue) >= s.capacity {
		metrics.EventDroppedTotal.WithLabelValues(string(e.EventType), s.name).Inc()
		s.logger.Warn("订阅者队列溢出，事件丢弃",
			"subscriber", s.name, "event_type", string(e.EventType), "capacity", s.capacity)
		return false
	}
	s.seq++
	heap.Push(&s.queue, &queuedEvent{event: e, seq: s.seq})
	metrics.SubscriberQueueDepth.WithLabelValues(s.name).Set(float64(len(s.queue)))
	s.cond.Signal()
	return true
}

// dispatchLoop 串行执行 handler；handler 报错或 panic 只记录，不阻塞后续事件
func (s *subscriber) dispatchLoop() {
	defer close(s.done)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		item := heap.Pop(&s.queue).(*queuedEvent)
		metrics.SubscriberQueueDepth.WithLabelValues(s.name).Set(float64(len(s.queue)))
		s.mu.Unlock()

		s.invoke(item.event)
	}
}

func (s *subscriber) invoke(e *Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("订阅者 handler panic",
				"subscriber", s.name, "event_type", string(e.EventType), "panic", r)
		}
	}()
	if err := s.handler(context.Background(), e); err != nil {
		s.logger.Error("订阅者 handler 失败",
			"subscriber", s.name, "event_type", string(e.EventType), "error", err)
	}
}

// stop 关闭订阅者并等待投递 goroutine 退出
func (s *subscriber) stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.queue = nil
	s.cond.Signal()
	s.mu.Unlock()
	<-s.done
	metrics.SubscriberQueueDepth.WithLabelValues(s.name).Set(0)
}

// depth 当前队列深度
func (s *subscriber) depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}
