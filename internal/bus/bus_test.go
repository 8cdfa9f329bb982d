package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"orchestration-router/pkg/log"
)

func newTestBus(queueSize int) *MemoryBus {
	return NewMemoryBus(Options{QueueSize: queueSize, Retention: time.Minute}, log.Discard())
}

// collector 收集投递到的事件，供断言顺序
type collector struct {
	mu     sync.Mutex
	events []*Event
	ch     chan struct{}
}

func newCollector() *collector {
	return &collector{ch: make(chan struct{}, 128)}
}

func (c *collector) handle(ctx context.Context, e *Event) error {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
	c.ch <- struct{}{}
	return nil
}

func (c *collector) wait(t *testing.T, n int) []*Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for i := 0; i < n; i++ {
		select {
		case <-c.ch:
		case <-deadline:
			t.Fatalf("等待第 %d/%d 个事件超时", i+1, n)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Event, len(c.events))
	copy(out, c.events)
	return out
}

func TestPublishWithoutSubscribersIsNoop(t *testing.T) {
	b := newTestBus(8)
	defer b.Close()

	e := NewEvent(EventBroadcast, "business", "", map[string]any{"k": "v"})
	if err := b.Publish(context.Background(), e); err != nil {
		t.Fatalf("无订阅者发布应为 no-op，得到错误: %v", err)
	}
}

func TestPublishValidation(t *testing.T) {
	b := newTestBus(8)
	defer b.Close()
	ctx := context.Background()

	if err := b.Publish(ctx, &Event{EventType: EventBroadcast, Priority: PriorityDefault}); err == nil {
		t.Error("缺 source_domain 应报错")
	}
	e := NewEvent(EventCollabRequest, "business", "technical", nil)
	e.RequiresResponse = true
	if err := b.Publish(ctx, e); err == nil {
		t.Error("requires_response 无 correlation_id 应报错")
	}
	e2 := NewEvent(EventBroadcast, "business", "", nil)
	e2.Priority = 9
	if err := b.Publish(ctx, e2); err == nil {
		t.Error("优先级越界应报错")
	}
}

func TestFIFOWithinEventType(t *testing.T) {
	b := newTestBus(64)
	defer b.Close()
	c := newCollector()
	if _, err := b.Subscribe(EventBroadcast, "sub", c.handle); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	const n = 20
	for i := 0; i < n; i++ {
		e := NewEvent(EventBroadcast, "business", "", map[string]any{"i": i})
		if err := b.Publish(context.Background(), e); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	got := c.wait(t, n)
	for i, e := range got {
		if e.Payload["i"].(int) != i {
			t.Fatalf("同类型事件乱序: 位置 %d 收到 %v", i, e.Payload["i"])
		}
	}
}

func TestPriorityOrdering(t *testing.T) {
	b := newTestBus(64)
	defer b.Close()

	gate := make(chan struct{})
	c := newCollector()
	first := true
	handler := func(ctx context.Context, e *Event) error {
		if first {
			first = false
			<-gate // 卡住投递 goroutine，让后续事件在队列里排序
		}
		return c.handle(ctx, e)
	}
	if _, err := b.Subscribe(EventBroadcast, "sub", handler); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	ctx := context.Background()
	blocker := NewEvent(EventBroadcast, "business", "", map[string]any{"name": "blocker"})
	if err := b.Publish(ctx, blocker); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	time.Sleep(50 * time.Millisecond) // 等 blocker 被取走

	low := NewEvent(EventBroadcast, "business", "", map[string]any{"name": "low"})
	low.Priority = PriorityMin
	high := NewEvent(EventBroadcast, "business", "", map[string]any{"name": "high"})
	high.Priority = PriorityMax
	if err := b.Publish(ctx, low); err != nil {
		t.Fatalf("Publish low: %v", err)
	}
	if err := b.Publish(ctx, high); err != nil {
		t.Fatalf("Publish high: %v", err)
	}
	close(gate)

	got := c.wait(t, 3)
	names := []string{}
	for _, e := range got {
		names = append(names, e.Payload["name"].(string))
	}
	if names[0] != "blocker" || names[1] != "high" || names[2] != "low" {
		t.Fatalf("优先级出队顺序错误: %v", names)
	}
}

func TestQueueOverflowDropsNewest(t *testing.T) {
	b := newTestBus(2)
	defer b.Close()

	gate := make(chan struct{})
	c := newCollector()
	first := true
	handler := func(ctx context.Context, e *Event) error {
		if first {
			first = false
			<-gate
		}
		return c.handle(ctx, e)
	}
	if _, err := b.Subscribe(EventBroadcast, "slow", handler); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	ctx := context.Background()
	// 1 个在 handler 里卡住 + 2 个在队列里，之后的全部溢出丢弃
	for i := 0; i < 6; i++ {
		e := NewEvent(EventBroadcast, "business", "", map[string]any{"i": i})
		if err := b.Publish(ctx, e); err != nil {
			t.Fatalf("Publish: %v", err)
		}
		if i == 0 {
			time.Sleep(50 * time.Millisecond)
		}
	}
	close(gate)

	got := c.wait(t, 3)
	if len(got) != 3 {
		t.Fatalf("期望收到 3 个事件，得到 %d", len(got))
	}
	select {
	case <-c.ch:
		t.Fatal("溢出事件不应再投递")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHandlerErrorDoesNotBlockDelivery(t *testing.T) {
	b := newTestBus(16)
	defer b.Close()

	c := newCollector()
	failing := func(ctx context.Context, e *Event) error {
		c.handle(ctx, e)
		return errors.New("handler 故意失败")
	}
	if _, err := b.Subscribe(EventBroadcast, "failing", failing); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	other := newCollector()
	if _, err := b.Subscribe(EventBroadcast, "healthy", other.handle); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := b.Publish(ctx, NewEvent(EventBroadcast, "business", "", map[string]any{"i": i})); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	if got := c.wait(t, 3); len(got) != 3 {
		t.Fatalf("失败的 handler 仍应持续收到事件，收到 %d", len(got))
	}
	if got := other.wait(t, 3); len(got) != 3 {
		t.Fatalf("其他订阅者不应受影响，收到 %d", len(got))
	}
}

func TestHandlerPanicIsAbsorbed(t *testing.T) {
	b := newTestBus(16)
	defer b.Close()

	c := newCollector()
	n := 0
	handler := func(ctx context.Context, e *Event) error {
		n++
		if n == 1 {
			panic("第一条消息 panic")
		}
		return c.handle(ctx, e)
	}
	if _, err := b.Subscribe(EventBroadcast, "panicky", handler); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	ctx := context.Background()
	b.Publish(ctx, NewEvent(EventBroadcast, "business", "", map[string]any{"i": 0}))
	b.Publish(ctx, NewEvent(EventBroadcast, "business", "", map[string]any{"i": 1}))

	got := c.wait(t, 1)
	if got[0].Payload["i"].(int) != 1 {
		t.Fatalf("panic 后应继续投递下一条, got %v", got[0].Payload)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := newTestBus(16)
	defer b.Close()

	c := newCollector()
	sub, err := b.Subscribe(EventBroadcast, "sub", c.handle)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	ctx := context.Background()
	b.Publish(ctx, NewEvent(EventBroadcast, "business", "", nil))
	c.wait(t, 1)

	b.Unsubscribe(sub)
	b.Publish(ctx, NewEvent(EventBroadcast, "business", "", nil))
	select {
	case <-c.ch:
		t.Fatal("注销后不应再投递")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPublishAfterClose(t *testing.T) {
	b := newTestBus(8)
	b.Close()
	err := b.Publish(context.Background(), NewEvent(EventBroadcast, "business", "", nil))
	if !errors.Is(err, ErrBusClosed) {
		t.Fatalf("关闭后发布应返回 ErrBusClosed, got %v", err)
	}
}

func TestGetStatusReportsQueueDepth(t *testing.T) {
	b := newTestBus(8)
	defer b.Close()
	if _, err := b.Subscribe(EventBroadcast, "sub", func(ctx context.Context, e *Event) error { return nil }); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	st := b.GetStatus()
	if st.Metrics["subscribers"].(int) != 1 {
		t.Fatalf("subscribers 应为 1: %v", st.Metrics)
	}
}
