package session

import (
	"context"
	"os"
	"testing"
	"time"
)

func testSessionDSN(t *testing.T) string {
	dsn := os.Getenv("TEST_SESSION_DSN")
	if dsn == "" {
		t.Skip("TEST_SESSION_DSN 未设置，跳过 Postgres 会话测试")
	}
	return dsn
}

func newTestPgSessionStore(t *testing.T, ctx context.Context) *PgStore {
	t.Helper()
	store, err := NewPgStore(ctx, testSessionDSN(t))
	if err != nil {
		t.Fatalf("NewPgStore: %v", err)
	}
	_, _ = store.pool.Exec(ctx, `DELETE FROM session_messages`)
	_, _ = store.pool.Exec(ctx, `DELETE FROM sessions`)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestPgSessionRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestPgSessionStore(t, ctx)

	s := New("s-roundtrip", "business")
	if err := store.Put(ctx, s); err != nil {
		t.Fatalf("Put: %v", err)
	}
	for _, content := range []string{"第一条", "第二条"} {
		m := s.AddMessage("domain", content)
		if err := store.AppendMessage(ctx, s.ID, m); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	got, err := store.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil || got.OwnerDomain != "business" || !got.Active {
		t.Fatalf("会话元数据错误: %+v", got)
	}
	if len(got.Messages) != 2 || got.Messages[0].Content != "第一条" || got.Messages[1].Content != "第二条" {
		t.Errorf("消息应按追加顺序返回: %+v", got.Messages)
	}

	missing, err := store.Get(ctx, "no-such-session")
	if err != nil || missing != nil {
		t.Errorf("不存在的会话应返回 nil, nil: %v %v", missing, err)
	}
}

// last_activity_at 由 GREATEST 保证单调：乱序到达的旧时间戳不回退
func TestPgSessionLastActivityMonotonic(t *testing.T) {
	ctx := context.Background()
	store := newTestPgSessionStore(t, ctx)

	s := New("s-monotonic", "business")
	if err := store.Put(ctx, s); err != nil {
		t.Fatalf("Put: %v", err)
	}

	stale := &Session{
		ID:             s.ID,
		OwnerDomain:    s.OwnerDomain,
		StartedAt:      s.StartedAt,
		LastActivityAt: s.LastActivity().Add(-time.Hour),
		Active:         true,
	}
	if err := store.Put(ctx, stale); err != nil {
		t.Fatalf("Put(stale): %v", err)
	}

	got, err := store.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.LastActivityAt.Before(s.LastActivity().Add(-time.Minute)) {
		t.Errorf("旧时间戳不应回退 last_activity_at: %v", got.LastActivityAt)
	}
}

func TestPgSessionExpireOnlyStale(t *testing.T) {
	ctx := context.Background()
	store := newTestPgSessionStore(t, ctx)

	stale := New("s-stale", "business")
	stale.LastActivityAt = time.Now().Add(-2 * time.Hour)
	fresh := New("s-fresh", "business")
	if err := store.Put(ctx, stale); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := store.Put(ctx, fresh); err != nil {
		t.Fatalf("Put: %v", err)
	}

	n, err := store.Expire(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("Expire: %v", err)
	}
	if n != 1 {
		t.Errorf("应只过期 1 个会话: %d", n)
	}

	got, _ := store.Get(ctx, stale.ID)
	if got == nil || got.Active {
		t.Error("过期会话应保留记录且标记为 inactive")
	}
	got, _ = store.Get(ctx, fresh.ID)
	if got == nil || !got.Active {
		t.Error("活跃会话不应被过期")
	}

	total, active, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if total != 2 || active != 1 {
		t.Errorf("计数错误: total=%d active=%d", total, active)
	}
}
