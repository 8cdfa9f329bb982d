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

// Package knowledge 实现按 domain 分区的知识库：写入永不跨分区，
// 跨分区搜索只读且各分区独立执行，结果只在响应层合并，不做跨分区排序融合。
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"math"

	"orchestration-router/pkg/config"
	"orchestration-router/pkg/health"
	"orchestration-router/pkg/log"
)

// ErrPartitionNotFound 分区未注册；配置级错误，调用方不应重试，
// 也不会自动建分区（防 schema 漂移）
var ErrPartitionNotFound = errors.New("分区未注册")

// Store 知识库抽象
type Store interface {
	// RegisterPartition 注册分区 schema；启动期调用，重复注册报错
	RegisterPartition(ctx context.Context, schema PartitionSchema) error
	// Store 写入记录到指定分区并返回 id；分区未注册时快速失败
	Store(ctx context.Context, partition string, rec *KnowledgeRecord) (string, error)
	// Search 在单分区内做相似度搜索，filters 按结构化属性过滤
	Search(ctx context.Context, partition string, query []float64, filters map[string]string, limit int) ([]*SearchResult, error)
	// CrossPartitionSearch 只读跨分区搜索；逐分区独立执行，按分区名返回
	CrossPartitionSearch(ctx context.Context, query []float64, partitions []string, limitPerPartition int) (map[string][]*SearchResult, error)
	// Partitions 已注册的分区名
	Partitions(ctx context.Context) ([]string, error)
	// GetStatus 分区与记录量概览
	GetStatus() health.Status
	// Close 释放底层存储连接
	Close() error
}

// New 根据配置创建知识库（memory | postgres）
func New(ctx context.Context, cfg config.KnowledgeConfig, logger *log.Logger) (Store, error) {
	dimension := cfg.Dimension
	if dimension <= 0 {
		dimension = 768
	}
	switch cfg.Type {
	case "", "memory":
		return NewMemoryStore(dimension, logger), nil
	case "postgres":
		return NewPgStore(ctx, cfg.DSN, dimension, logger)
	default:
		return nil, fmt.Errorf("不支持的知识库存储类型: %s", cfg.Type)
	}
}

// cosineSimilarity 余弦相似度；零向量相似度为 0
func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// matchFilters 结构化属性过滤
func matchFilters(rec *KnowledgeRecord, filters map[string]string) bool {
	for k, v := range filters {
		if rec.Attributes == nil || rec.Attributes[k] != v {
			return false
		}
	}
	return true
}
