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
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	perrors "orchestration-router/pkg/errors"
	"orchestration-router/pkg/health"
	"orchestration-router/pkg/log"
)

// PgStore Postgres 实现：partitions 与 records 两张表，相似度在应用侧计算
type PgStore struct {
	pool      *pgxpool.Pool
	dimension int
	logger    *log.Logger
}

// NewPgStore 创建 Postgres 知识库并校验连通性
func NewPgStore(ctx context.Context, dsn string, dimension int, logger *log.Logger) (*PgStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, perrors.Wrap(err, "解析知识库 DSN 失败")
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, perrors.Wrap(err, "创建知识库连接池失败")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, perrors.Wrap(err, "知识库连通性检查失败")
	}
	s := &PgStore{pool: pool, dimension: dimension, logger: logger.Named("knowledge")}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, perrors.Wrap(err, "初始化知识库 schema 失败")
	}
	return s, nil
}

// ensureSchema 建表（幂等）
func (s *PgStore) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS knowledge_partitions (
			name       TEXT PRIMARY KEY,
			attributes JSONB NOT NULL DEFAULT '[]'
		);
		CREATE TABLE IF NOT EXISTS knowledge_records (
			id         TEXT PRIMARY KEY,
			partition  TEXT NOT NULL REFERENCES knowledge_partitions(name),
			content    TEXT NOT NULL,
			attributes JSONB NOT NULL DEFAULT '{}',
			embedding  DOUBLE PRECISION[] NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_knowledge_records_partition ON knowledge_records(partition);
	`)
	return err
}

// RegisterPartition 实现 Store
func (s *PgStore) RegisterPartition(ctx context.Context, schema PartitionSchema) error {
	if schema.Name == "" {
		return fmt.Errorf("分区名不能为空")
	}
	attrs, err := json.Marshal(schema.Attributes)
	if err != nil {
		return err
	}
	cmd, err := s.pool.Exec(ctx,
		`INSERT INTO knowledge_partitions (name, attributes) VALUES ($1, $2) ON CONFLICT (name) DO NOTHING`,
		schema.Name, attrs)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return fmt.Errorf("分区 %s 已注册", schema.Name)
	}
	return nil
}

// loadSchema 读取分区 schema；只有查无此行才算未注册，
// 传输类错误原样上抛，不能伪装成配置错误
func (s *PgStore) loadSchema(ctx context.Context, name string) (PartitionSchema, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT attributes FROM knowledge_partitions WHERE name = $1`, name).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return PartitionSchema{}, fmt.Errorf("%w: %s", ErrPartitionNotFound, name)
	}
	if err != nil {
		return PartitionSchema{}, err
	}
	var attrs []string
	if err := json.Unmarshal(raw, &attrs); err != nil {
		return PartitionSchema{}, err
	}
	return PartitionSchema{Name: name, Attributes: attrs}, nil
}

// Store 实现 Store
func (s *PgStore) Store(ctx context.Context, partitionName string, rec *KnowledgeRecord) (string, error) {
	if rec == nil {
		return "", fmt.Errorf("record 不能为 nil")
	}
	schema, err := s.loadSchema(ctx, partitionName)
	if err != nil {
		return "", err
	}
	if len(rec.Embedding) != s.dimension {
		return "", fmt.Errorf("向量维度 %d 与配置维度 %d 不一致", len(rec.Embedding), s.dimension)
	}
	if err := schema.validateAttributes(rec.Attributes); err != nil {
		return "", err
	}

	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	rec.Partition = partitionName
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	attrs, err := json.Marshal(rec.Attributes)
	if err != nil {
		return "", err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO knowledge_records (id, partition, content, attributes, embedding, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.ID, partitionName, rec.Content, attrs, rec.Embedding, rec.CreatedAt)
	if err != nil {
		return "", err
	}
	return rec.ID, nil
}

// Search 实现 Store；候选行取回后在应用侧算余弦相似度
func (s *PgStore) Search(ctx context.Context, partitionName string, query []float64, filters map[string]string, limit int) ([]*SearchResult, error) {
	if _, err := s.loadSchema(ctx, partitionName); err != nil {
		return nil, err
	}
	if len(query) != s.dimension {
		return nil, fmt.Errorf("查询向量维度 %d 与配置维度 %d 不一致", len(query), s.dimension)
	}
	if limit <= 0 {
		limit = 10
	}

	sqlQuery := `SELECT id, content, attributes, embedding, created_at FROM knowledge_records WHERE partition = $1`
	args := []any{partitionName}
	if len(filters) > 0 {
		filterJSON, err := json.Marshal(filters)
		if err != nil {
			return nil, err
		}
		sqlQuery += ` AND attributes @> $2`
		args = append(args, filterJSON)
	}

	rows, err := s.pool.Query(ctx, sqlQuery, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*SearchResult
	for rows.Next() {
		rec := &KnowledgeRecord{Partition: partitionName}
		var attrsRaw []byte
		if err := rows.Scan(&rec.ID, &rec.Content, &attrsRaw, &rec.Embedding, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(attrsRaw, &rec.Attributes); err != nil {
			return nil, err
		}
		results = append(results, &SearchResult{
			Record: rec,
			Score:  cosineSimilarity(query, rec.Embedding),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// CrossPartitionSearch 实现 Store；逐分区独立查询，响应层合并
func (s *PgStore) CrossPartitionSearch(ctx context.Context, query []float64, partitions []string, limitPerPartition int) (map[string][]*SearchResult, error) {
	out := make(map[string][]*SearchResult, len(partitions))
	for _, name := range partitions {
		results, err := s.Search(ctx, name, query, nil, limitPerPartition)
		if err != nil {
			return nil, err
		}
		out[name] = results
	}
	return out, nil
}

// Partitions 实现 Store
func (s *PgStore) Partitions(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT name FROM knowledge_partitions ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// GetStatus 实现 Store
func (s *PgStore) GetStatus() health.Status {
	state := health.Healthy
	if err := s.pool.Ping(context.Background()); err != nil {
		state = health.Unhealthy
	}
	stat := s.pool.Stat()
	return health.Status{State: state, Metrics: map[string]any{
		"storage":          "postgres",
		"pool_total_conns": stat.TotalConns(),
		"pool_idle_conns":  stat.IdleConns(),
	}}
}

// Close 实现 Store
func (s *PgStore) Close() error {
	s.pool.Close()
	return nil
}

var _ Store = (*PgStore)(nil)
