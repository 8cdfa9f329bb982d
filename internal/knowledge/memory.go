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

package knowledge

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"orchestration-router/pkg/health"
	"orchestration-router/pkg/log"
)

// MemoryStore 进程内知识库实现；每分区独立的记录集合
type MemoryStore struct {
	dimension int
	logger    *log.Logger

	mu         sync.RWMutex
	partitions map[string]*partition
}

type partition struct {
	schema  PartitionSchema
	records map[string]*KnowledgeRecord
}

// NewMemoryStore 创建内存知识库
func NewMemoryStore(dimension int, logger *log.Logger) *MemoryStore {
	return &MemoryStore{
		dimension:  dimension,
		logger:     logger.Named("knowledge"),
		partitions: make(map[string]*partition),
	}
}

// RegisterPartition 实现 Store
func (s *MemoryStore) RegisterPartition(ctx context.Context, schema PartitionSchema) error {
	if schema.Name == "" {
		return fmt.Errorf("分区名不能为空")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.partitions[schema.Name]; exists {
		return fmt.Errorf("分区 %s 已注册", schema.Name)
	}
	s.partitions[schema.Name] = &partition{
		schema:  schema,
		records: make(map[string]*KnowledgeRecord),
	}
	return nil
}

// Store 实现 Store；写入只落在目标分区
func (s *MemoryStore) Store(ctx context.Context, partitionName string, rec *KnowledgeRecord) (string, error) {
	if rec == nil {
		return "", fmt.Errorf("record 不能为 nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	p, exists := s.partitions[partitionName]
	if !exists {
		return "", fmt.Errorf("%w: %s", ErrPartitionNotFound, partitionName)
	}
	if len(rec.Embedding) != s.dimension {
		return "", fmt.Errorf("向量维度 %d 与配置维度 %d 不一致", len(rec.Embedding), s.dimension)
	}
	if err := p.schema.validateAttributes(rec.Attributes); err != nil {
		return "", err
	}

	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	rec.Partition = partitionName
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	p.records[rec.ID] = rec
	return rec.ID, nil
}

// Search 实现 Store
func (s *MemoryStore) Search(ctx context.Context, partitionName string, query []float64, filters map[string]string, limit int) ([]*SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.searchLocked(partitionName, query, filters, limit)
}

// searchLocked 调用方需持有读锁
func (s *MemoryStore) searchLocked(partitionName string, query []float64, filters map[string]string, limit int) ([]*SearchResult, error) {
	p, exists := s.partitions[partitionName]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrPartitionNotFound, partitionName)
	}
	if len(query) != s.dimension {
		return nil, fmt.Errorf("查询向量维度 %d 与配置维度 %d 不一致", len(query), s.dimension)
	}
	if limit <= 0 {
		limit = 10
	}

	var results []*SearchResult
	for _, rec := range p.records {
		if !matchFilters(rec, filters) {
			continue
		}
		results = append(results, &SearchResult{
			Record: rec,
			Score:  cosineSimilarity(query, rec.Embedding),
		})
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// CrossPartitionSearch 实现 Store；各分区独立搜索，任一分区未注册则整体失败
func (s *MemoryStore) CrossPartitionSearch(ctx context.Context, query []float64, partitions []string, limitPerPartition int) (map[string][]*SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string][]*SearchResult, len(partitions))
	for _, name := range partitions {
		results, err := s.searchLocked(name, query, nil, limitPerPartition)
		if err != nil {
			return nil, err
		}
		out[name] = results
	}
	return out, nil
}

// Partitions 实现 Store
func (s *MemoryStore) Partitions(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.partitions))
	for name := range s.partitions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// GetStatus 实现 Store
func (s *MemoryStore) GetStatus() health.Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[string]any, len(s.partitions))
	for name, p := range s.partitions {
		counts[name] = len(p.records)
	}
	return health.Status{State: health.Healthy, Metrics: map[string]any{"partition_records": counts}}
}

// Close 实现 Store
func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
