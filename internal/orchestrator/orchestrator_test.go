package orchestrator

import (
	"context"
	"testing"
	"time"

	"orchestration-router/internal/bus"
	"orchestration-router/internal/collab"
	"orchestration-router/internal/knowledge"
	"orchestration-router/internal/session"
	"orchestration-router/pkg/config"
	"orchestration-router/pkg/log"
)

// newDomains 装配 business / technical 双域环境（共享总线、知识库、会话）
func newDomains(t *testing.T) (*Orchestrator, *Orchestrator) {
	t.Helper()
	logger := log.Discard()
	b := bus.NewMemoryBus(bus.Options{QueueSize: 64, Retention: time.Minute}, logger)
	t.Cleanup(func() { b.Close() })

	ks := knowledge.NewMemoryStore(3, logger)
	ctx := context.Background()
	for _, name := range []string{"business", "technical"} {
		if err := ks.RegisterPartition(ctx, knowledge.PartitionSchema{Name: name, Attributes: []string{"category"}}); err != nil {
			t.Fatalf("RegisterPartition: %v", err)
		}
	}
	sessions := session.NewManager(session.NewMemoryStore(), 0, logger)
	t.Cleanup(func() { sessions.Close() })

	mk := func(name string) *Orchestrator {
		o, err := New(config.DomainConfig{Name: name, HealthCheckInterval: "50ms"}, Deps{
			Bus:       b,
			Protocol:  collab.New(name, b, 2*time.Second, logger),
			Knowledge: ks,
			Sessions:  sessions,
		}, logger)
		if err != nil {
			t.Fatalf("New %s: %v", name, err)
		}
		if err := o.Start(); err != nil {
			t.Fatalf("Start %s: %v", name, err)
		}
		t.Cleanup(o.Stop)
		return o
	}
	return mk("business"), mk("technical")
}

func TestCrossDomainKnowledgeQuery(t *testing.T) {
	business, technical := newDomains(t)
	ctx := context.Background()

	// technical 分区里的知识，business 通过协作请求查询
	if _, err := technical.StoreKnowledge(ctx, &knowledge.KnowledgeRecord{
		Content:   "计费服务的限流配置在 gateway 层",
		Embedding: []float64{1, 0, 0},
	}); err != nil {
		t.Fatalf("StoreKnowledge: %v", err)
	}

	resp, err := business.RequestCollaboration(ctx, "technical", "knowledge_query",
		map[string]any{"embedding": []float64{1, 0, 0}, "limit": float64(5)}, time.Second)
	if err != nil {
		t.Fatalf("RequestCollaboration: %v", err)
	}
	if resp.Failed() {
		t.Fatalf("查询失败: %s", resp.Err)
	}
	if resp.Result["partition"] != "technical" {
		t.Errorf("结果应来自 technical 分区: %v", resp.Result["partition"])
	}
	items, ok := resp.Result["results"].([]map[string]any)
	if !ok || len(items) != 1 {
		t.Fatalf("应返回 1 条结果: %v", resp.Result["results"])
	}
}

func TestCrossDomainKnowledgeStoreLandsInTargetPartition(t *testing.T) {
	business, technical := newDomains(t)
	ctx := context.Background()

	resp, err := business.RequestCollaboration(ctx, "technical", "knowledge_store",
		map[string]any{
			"content":   "新的部署手册",
			"embedding": []float64{0, 1, 0},
		}, time.Second)
	if err != nil || resp.Failed() {
		t.Fatalf("knowledge_store: err=%v resp=%+v", err, resp)
	}
	if resp.Result["partition"] != "technical" {
		t.Errorf("写入应落在响应方分区: %v", resp.Result["partition"])
	}

	// business 自己的分区不受影响
	own, err := business.SearchKnowledge(ctx, []float64{0, 1, 0}, nil, 10)
	if err != nil {
		t.Fatalf("SearchKnowledge: %v", err)
	}
	if len(own) != 0 {
		t.Fatal("写入不应跨到请求方分区")
	}
	theirs, _ := technical.SearchKnowledge(ctx, []float64{0, 1, 0}, nil, 10)
	if len(theirs) != 1 {
		t.Fatalf("technical 分区应有 1 条: %d", len(theirs))
	}
}

func TestSessionMessageAcrossDomains(t *testing.T) {
	business, _ := newDomains(t)
	ctx := context.Background()

	s, err := business.OpenSession(ctx)
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}

	resp, err := business.RequestCollaboration(ctx, "technical", "session_message",
		map[string]any{"session_id": s.ID, "content": "请技术侧确认容量"}, time.Second)
	if err != nil || resp.Failed() {
		t.Fatalf("session_message: err=%v resp=%+v", err, resp)
	}

	msgs := s.CopyMessages()
	if len(msgs) != 1 || msgs[0].SenderType != "domain" {
		t.Fatalf("会话应追加一条 domain 消息: %+v", msgs)
	}
}

func TestHealthCheckEventsEmitted(t *testing.T) {
	logger := log.Discard()
	b := bus.NewMemoryBus(bus.Options{QueueSize: 64, Retention: time.Minute}, logger)
	t.Cleanup(func() { b.Close() })

	received := make(chan *bus.Event, 8)
	if _, err := b.Subscribe(bus.EventHealthCheck, "monitor", func(ctx context.Context, e *bus.Event) error {
		received <- e
		return nil
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	ks := knowledge.NewMemoryStore(3, logger)
	sessions := session.NewManager(session.NewMemoryStore(), 0, logger)
	t.Cleanup(func() { sessions.Close() })
	o, err := New(config.DomainConfig{Name: "business", HealthCheckInterval: "50ms"}, Deps{
		Bus:       b,
		Protocol:  collab.New("business", b, time.Second, logger),
		Knowledge: ks,
		Sessions:  sessions,
	}, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := o.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(o.Stop)

	select {
	case e := <-received:
		if e.SourceDomain != "business" {
			t.Errorf("health_check 来源错误: %s", e.SourceDomain)
		}
		if e.Payload["domain"] != "business" {
			t.Errorf("payload 错误: %v", e.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("未收到 health_check 事件")
	}
}

func TestStopWithoutStartReturns(t *testing.T) {
	logger := log.Discard()
	b := bus.NewMemoryBus(bus.Options{QueueSize: 8, Retention: time.Minute}, logger)
	t.Cleanup(func() { b.Close() })
	sessions := session.NewManager(session.NewMemoryStore(), 0, logger)
	t.Cleanup(func() { sessions.Close() })

	o, err := New(config.DomainConfig{Name: "business"}, Deps{
		Bus:       b,
		Protocol:  collab.New("business", b, time.Second, logger),
		Knowledge: knowledge.NewMemoryStore(3, logger),
		Sessions:  sessions,
	}, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	done := make(chan struct{})
	go func() {
		o.Stop()
		o.Stop() // 重复 Stop 也必须安全
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("未 Start 过的 Stop 不应阻塞")
	}

	// 正常生命周期里重复 Start 为 no-op，Stop 正常收尾
	o2, err := New(config.DomainConfig{Name: "technical"}, Deps{
		Bus:       b,
		Protocol:  collab.New("technical", b, time.Second, logger),
		Knowledge: knowledge.NewMemoryStore(3, logger),
		Sessions:  sessions,
	}, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := o2.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := o2.Start(); err != nil {
		t.Fatalf("重复 Start 应为 no-op: %v", err)
	}
	o2.Stop()
}

func TestPartitionDefaultsToDomainName(t *testing.T) {
	logger := log.Discard()
	b := bus.NewMemoryBus(bus.Options{QueueSize: 8, Retention: time.Minute}, logger)
	t.Cleanup(func() { b.Close() })
	sessions := session.NewManager(session.NewMemoryStore(), 0, logger)
	t.Cleanup(func() { sessions.Close() })

	o, err := New(config.DomainConfig{Name: "business"}, Deps{
		Bus:       b,
		Protocol:  collab.New("business", b, time.Second, logger),
		Knowledge: knowledge.NewMemoryStore(3, logger),
		Sessions:  sessions,
	}, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if o.Partition() != "business" {
		t.Errorf("partition 缺省应取 domain 名: %s", o.Partition())
	}
}
