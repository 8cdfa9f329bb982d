package knowledge

import (
	"context"
	"errors"
	"os"
	"testing"

	"orchestration-router/pkg/log"
)

func testKnowledgeDSN(t *testing.T) string {
	dsn := os.Getenv("TEST_KNOWLEDGE_DSN")
	if dsn == "" {
		t.Skip("TEST_KNOWLEDGE_DSN 未设置，跳过 Postgres 知识库测试")
	}
	return dsn
}

func newTestPgStore(t *testing.T, ctx context.Context) *PgStore {
	t.Helper()
	store, err := NewPgStore(ctx, testKnowledgeDSN(t), 3, log.Discard())
	if err != nil {
		t.Fatalf("NewPgStore: %v", err)
	}
	_, _ = store.pool.Exec(ctx, `DELETE FROM knowledge_records`)
	_, _ = store.pool.Exec(ctx, `DELETE FROM knowledge_partitions`)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestPgStoreUnknownPartitionFailsFast(t *testing.T) {
	ctx := context.Background()
	store := newTestPgStore(t, ctx)

	_, err := store.Store(ctx, "ghost", &KnowledgeRecord{Content: "x", Embedding: []float64{1, 0, 0}})
	if !errors.Is(err, ErrPartitionNotFound) {
		t.Errorf("未注册分区写入应返回 ErrPartitionNotFound: %v", err)
	}
	if _, err := store.Search(ctx, "ghost", []float64{1, 0, 0}, nil, 5); !errors.Is(err, ErrPartitionNotFound) {
		t.Errorf("未注册分区搜索应返回 ErrPartitionNotFound: %v", err)
	}
	if _, err := store.CrossPartitionSearch(ctx, []float64{1, 0, 0}, []string{"ghost"}, 5); !errors.Is(err, ErrPartitionNotFound) {
		t.Errorf("未注册分区跨分区搜索应返回 ErrPartitionNotFound: %v", err)
	}
}

func TestPgStoreDuplicatePartitionRegistration(t *testing.T) {
	ctx := context.Background()
	store := newTestPgStore(t, ctx)

	if err := store.RegisterPartition(ctx, PartitionSchema{Name: "business"}); err != nil {
		t.Fatalf("RegisterPartition: %v", err)
	}
	if err := store.RegisterPartition(ctx, PartitionSchema{Name: "business"}); err == nil {
		t.Error("重复注册应报错")
	}
}

func TestPgStoreRoundTripWithFilters(t *testing.T) {
	ctx := context.Background()
	store := newTestPgStore(t, ctx)

	err := store.RegisterPartition(ctx, PartitionSchema{Name: "business", Attributes: []string{"category"}})
	if err != nil {
		t.Fatalf("RegisterPartition: %v", err)
	}

	id, err := store.Store(ctx, "business", &KnowledgeRecord{
		Content:    "发票流程",
		Attributes: map[string]string{"category": "billing"},
		Embedding:  []float64{1, 0, 0},
	})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	_, err = store.Store(ctx, "business", &KnowledgeRecord{
		Content:    "入职流程",
		Attributes: map[string]string{"category": "hr"},
		Embedding:  []float64{0, 1, 0},
	})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}

	results, err := store.Search(ctx, "business", []float64{1, 0, 0}, map[string]string{"category": "billing"}, 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("属性过滤后应只剩 1 条: %d", len(results))
	}
	if results[0].Record.ID != id || results[0].Record.Partition != "business" {
		t.Errorf("命中记录错误: %+v", results[0].Record)
	}
	if results[0].Score < 0.99 {
		t.Errorf("同向向量相似度应接近 1: %f", results[0].Score)
	}
}

func TestPgStoreSchemaValidation(t *testing.T) {
	ctx := context.Background()
	store := newTestPgStore(t, ctx)

	err := store.RegisterPartition(ctx, PartitionSchema{Name: "technical", Attributes: []string{"system"}})
	if err != nil {
		t.Fatalf("RegisterPartition: %v", err)
	}
	_, err = store.Store(ctx, "technical", &KnowledgeRecord{
		Content:    "x",
		Attributes: map[string]string{"owner": "ops"},
		Embedding:  []float64{1, 0, 0},
	})
	if err == nil {
		t.Error("schema 外属性应被拒绝")
	}
	_, err = store.Store(ctx, "technical", &KnowledgeRecord{Content: "x", Embedding: []float64{1, 0}})
	if err == nil {
		t.Error("维度不一致应被拒绝")
	}
}
