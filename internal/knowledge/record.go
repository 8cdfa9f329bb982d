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
	"fmt"
	"time"
)

// KnowledgeRecord 语义记录；创建时归属唯一分区，之后不迁移
type KnowledgeRecord struct {
	ID         string            `json:"id"`
	Partition  string            `json:"domain_partition"`
	Content    string            `json:"content"`
	Attributes map[string]string `json:"structured_attributes,omitempty"`
	Embedding  []float64         `json:"embedding_vector"`
	CreatedAt  time.Time         `json:"created_at"`
}

// PartitionSchema 分区属性 schema；Store 写入时校验属性集合
type PartitionSchema struct {
	Name       string
	Attributes []string
}

// validateAttributes 属性必须落在分区 schema 内（防 schema 漂移）
func (s PartitionSchema) validateAttributes(attrs map[string]string) error {
	if len(attrs) == 0 {
		return nil
	}
	allowed := make(map[string]bool, len(s.Attributes))
	for _, a := range s.Attributes {
		allowed[a] = true
	}
	for k := range attrs {
		if !allowed[k] {
			return fmt.Errorf("分区 %s 的 schema 不包含属性 %s", s.Name, k)
		}
	}
	return nil
}

// SearchResult 相似度搜索结果
type SearchResult struct {
	Record *KnowledgeRecord `json:"record"`
	Score  float64          `json:"score"`
}
