package knowledge

import (
	"context"
	"errors"
	"testing"

	"orchestration-router/pkg/log"
)

func newTestStore(t *testing.T) *MemoryStore {
	t.Helper()
	s := NewMemoryStore(3, log.Discard())
	ctx := context.Background()
	if err := s.RegisterPartition(ctx, PartitionSchema{Name: "business", Attributes: []string{"category", "owner"}}); err != nil {
		t.Fatalf("RegisterPartition business: %v", err)
	}
	if err := s.RegisterPartition(ctx, PartitionSchema{Name: "technical", Attributes: []string{"category", "system"}}); err != nil {
		t.Fatalf("RegisterPartition technical: %v", err)
	}
	return s
}

func TestStoreAssignsIDAndPartition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Store(ctx, "business", &KnowledgeRecord{
		Content:    "Q3 账单口径",
		Attributes: map[string]string{"category": "billing"},
		Embedding:  []float64{1, 0, 0},
	})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if id == "" {
		t.Fatal("应分配 id")
	}

	results, err := s.Search(ctx, "business", []float64{1, 0, 0}, nil, 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].Record.ID != id {
		t.Fatalf("应检索到刚写入的记录: %+v", results)
	}
	if results[0].Record.Partition != "business" {
		t.Errorf("记录应归属写入分区: %s", results[0].Record.Partition)
	}
}

func TestWritesNeverCrossPartitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Store(ctx, "business", &KnowledgeRecord{Content: "业务侧", Embedding: []float64{1, 0, 0}}); err != nil {
		t.Fatalf("Store: %v", err)
	}

	results, err := s.Search(ctx, "technical", []float64{1, 0, 0}, nil, 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("technical 分区不应看到 business 的记录: %d", len(results))
	}
}

func TestUnregisteredPartitionFailsFast(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Store(ctx, "marketing", &KnowledgeRecord{Embedding: []float64{1, 0, 0}})
	if !errors.Is(err, ErrPartitionNotFound) {
		t.Fatalf("写入未注册分区应返回 ErrPartitionNotFound: %v", err)
	}
	_, err = s.Search(ctx, "marketing", []float64{1, 0, 0}, nil, 10)
	if !errors.Is(err, ErrPartitionNotFound) {
		t.Fatalf("搜索未注册分区应返回 ErrPartitionNotFound: %v", err)
	}
	// 不自动建分区
	names, _ := s.Partitions(ctx)
	if len(names) != 2 {
		t.Fatalf("失败的操作不应创建分区: %v", names)
	}
}

func TestDuplicatePartitionRegistration(t *testing.T) {
	s := newTestStore(t)
	if err := s.RegisterPartition(context.Background(), PartitionSchema{Name: "business"}); err == nil {
		t.Fatal("重复注册分区应报错")
	}
}

func TestAttributeSchemaValidation(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Store(context.Background(), "business", &KnowledgeRecord{
		Attributes: map[string]string{"nonexistent": "x"},
		Embedding:  []float64{1, 0, 0},
	})
	if err == nil {
		t.Fatal("schema 外属性应被拒绝")
	}
}

func TestDimensionMismatchRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if _, err := s.Store(ctx, "business", &KnowledgeRecord{Embedding: []float64{1, 0}}); err == nil {
		t.Fatal("维度不符的向量应被拒绝")
	}
	if _, err := s.Search(ctx, "business", []float64{1}, nil, 10); err == nil {
		t.Fatal("维度不符的查询应被拒绝")
	}
}

func TestSearchRankedBySimilarityWithFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Store(ctx, "business", &KnowledgeRecord{
		Content: "精确命中", Embedding: []float64{1, 0, 0},
		Attributes: map[string]string{"category": "billing"},
	})
	s.Store(ctx, "business", &KnowledgeRecord{
		Content: "部分相关", Embedding: []float64{0.5, 0.5, 0},
		Attributes: map[string]string{"category": "billing"},
	})
	s.Store(ctx, "business", &KnowledgeRecord{
		Content: "类目不同", Embedding: []float64{1, 0, 0},
		Attributes: map[string]string{"category": "sales"},
	})

	results, err := s.Search(ctx, "business", []float64{1, 0, 0}, map[string]string{"category": "billing"}, 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("过滤后应剩 2 条: %d", len(results))
	}
	if results[0].Record.Content != "精确命中" {
		t.Errorf("应按相似度降序: %s", results[0].Record.Content)
	}
	if results[0].Score <= results[1].Score {
		t.Errorf("得分应降序: %f vs %f", results[0].Score, results[1].Score)
	}
}

func TestSearchLimitTruncates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		s.Store(ctx, "business", &KnowledgeRecord{Embedding: []float64{1, 0, 0}})
	}
	results, err := s.Search(ctx, "business", []float64{1, 0, 0}, nil, 2)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("limit 应截断结果: %d", len(results))
	}
}

func TestCrossPartitionSearchKeepsResultsSeparate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Store(ctx, "business", &KnowledgeRecord{Content: "开票流程", Embedding: []float64{1, 0, 0}})
	s.Store(ctx, "technical", &KnowledgeRecord{Content: "开票服务部署", Embedding: []float64{0.9, 0.1, 0}})

	out, err := s.CrossPartitionSearch(ctx, []float64{1, 0, 0}, []string{"business", "technical"}, 5)
	if err != nil {
		t.Fatalf("CrossPartitionSearch: %v", err)
	}
	if len(out["business"]) != 1 || len(out["technical"]) != 1 {
		t.Fatalf("各分区应独立返回: %+v", out)
	}
	// 结果只按分区分组，不做跨分区融合排序
	if out["business"][0].Record.Partition != "business" {
		t.Error("business 组里混入了其他分区的记录")
	}
}

func TestCrossPartitionSearchFailsOnUnknownPartition(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CrossPartitionSearch(context.Background(), []float64{1, 0, 0}, []string{"business", "ghost"}, 5)
	if !errors.Is(err, ErrPartitionNotFound) {
		t.Fatalf("包含未注册分区应整体失败: %v", err)
	}
}

func TestCosineSimilarity(t *testing.T) {
	if got := cosineSimilarity([]float64{1, 0}, []float64{1, 0}); got < 0.999 {
		t.Errorf("同向向量相似度应为 1: %f", got)
	}
	if got := cosineSimilarity([]float64{1, 0}, []float64{0, 1}); got != 0 {
		t.Errorf("正交向量相似度应为 0: %f", got)
	}
	if got := cosineSimilarity([]float64{0, 0}, []float64{1, 0}); got != 0 {
		t.Errorf("零向量相似度应为 0: %f", got)
	}
}
