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

// Package orchestrator 实现 Domain Orchestrator：每个 domain 一个实例，
// 持有协作协议端点、知识分区与会话管理，handler 按 request_type 平铺注册，
// 周期发布 health_check 事件。依赖全部构造注入。
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"orchestration-router/internal/bus"
	"orchestration-router/internal/collab"
	"orchestration-router/internal/gateway"
	"orchestration-router/internal/knowledge"
	"orchestration-router/internal/session"
	"orchestration-router/pkg/config"
	perrors "orchestration-router/pkg/errors"
	"orchestration-router/pkg/health"
	"orchestration-router/pkg/log"
	"orchestration-router/pkg/utils"
)

// Deps Orchestrator 的外部依赖
type Deps struct {
	Bus       bus.Bus
	Protocol  *collab.Protocol
	Knowledge knowledge.Store
	Sessions  *session.Manager
	Gateway   *gateway.Gateway
}

// Orchestrator 单个 domain 的编排器
type Orchestrator struct {
	name           string
	partition      string
	healthInterval time.Duration
	deps           Deps
	logger         *log.Logger

	mu        sync.Mutex
	started   bool
	closeOnce sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// New 创建 Orchestrator；partition 为空时同 domain 名
func New(cfg config.DomainConfig, deps Deps, logger *log.Logger) (*Orchestrator, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("domain 名不能为空")
	}
	if deps.Bus == nil || deps.Protocol == nil || deps.Knowledge == nil || deps.Sessions == nil {
		return nil, fmt.Errorf("domain %s 依赖不完整", cfg.Name)
	}
	partition := cfg.Partition
	if partition == "" {
		partition = cfg.Name
	}
	o := &Orchestrator{
		name:           cfg.Name,
		partition:      partition,
		healthInterval: utils.ParseDurationDefault(cfg.HealthCheckInterval, 30*time.Second),
		deps:           deps,
		logger:         logger.Named("orchestrator." + cfg.Name),
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}
	o.registerBuiltinHandlers()
	return o, nil
}

// Name domain 名
func (o *Orchestrator) Name() string { return o.name }

// Partition 所属知识分区
func (o *Orchestrator) Partition() string { return o.partition }

// Start 启动协议端点与健康上报；重复调用为 no-op
func (o *Orchestrator) Start() error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return nil
	}
	if err := o.deps.Protocol.Start(); err != nil {
		o.mu.Unlock()
		return err
	}
	o.started = true
	o.mu.Unlock()
	go o.healthLoop()
	o.logger.Info("domain orchestrator 启动", "partition", o.partition, "health_interval", o.healthInterval.String())
	return nil
}

// Stop 停止健康上报与协议端点；Start 未成功过也能安全调用
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	started := o.started
	o.mu.Unlock()
	o.closeOnce.Do(func() {
		close(o.stopCh)
	})
	if started {
		<-o.doneCh
	}
	o.deps.Protocol.Stop()
}

// RegisterHandler 注册协作请求处理函数
func (o *Orchestrator) RegisterHandler(requestType string, h collab.HandlerFunc) {
	o.deps.Protocol.RegisterHandler(requestType, h)
}

// RequestCollaboration 向目标 domain 发起协作请求
func (o *Orchestrator) RequestCollaboration(ctx context.Context, targetDomain, requestType string, requestCtx map[string]any, timeout time.Duration) (*collab.Response, error) {
	return o.deps.Protocol.Request(ctx, targetDomain, requestType, requestCtx, timeout)
}

// StoreKnowledge 写入本域分区
func (o *Orchestrator) StoreKnowledge(ctx context.Context, rec *knowledge.KnowledgeRecord) (string, error) {
	return o.deps.Knowledge.Store(ctx, o.partition, rec)
}

// SearchKnowledge 在本域分区内搜索
func (o *Orchestrator) SearchKnowledge(ctx context.Context, query []float64, filters map[string]string, limit int) ([]*knowledge.SearchResult, error) {
	return o.deps.Knowledge.Search(ctx, o.partition, query, filters, limit)
}

// OpenSession 创建以本域为 owner 的会话
func (o *Orchestrator) OpenSession(ctx context.Context) (*session.Session, error) {
	return o.deps.Sessions.Create(ctx, o.name)
}

// CallExternal 经网关（熔断→限流→连接池）调用外部目标
func (o *Orchestrator) CallExternal(ctx context.Context, destinationID, endpoint string, fn gateway.CallFunc) error {
	if o.deps.Gateway == nil {
		return fmt.Errorf("domain %s 未配置出站网关", o.name)
	}
	return o.deps.Gateway.Invoke(ctx, o.name, o.name, destinationID, endpoint, fn)
}

// registerBuiltinHandlers 注册内置协作请求类型。
// knowledge_query：在本域分区搜索；knowledge_store：写入本域分区；
// session_message：向会话追加消息。
func (o *Orchestrator) registerBuiltinHandlers() {
	o.deps.Protocol.RegisterHandler("knowledge_query", o.handleKnowledgeQuery)
	o.deps.Protocol.RegisterHandler("knowledge_store", o.handleKnowledgeStore)
	o.deps.Protocol.RegisterHandler("session_message", o.handleSessionMessage)
}

func (o *Orchestrator) handleKnowledgeQuery(ctx context.Context, requestCtx map[string]any) (map[string]any, error) {
	query, err := toFloatSlice(requestCtx["embedding"])
	if err != nil {
		return nil, perrors.Wrap(err, "embedding 非法")
	}
	limit := 0
	if v, ok := requestCtx["limit"].(float64); ok {
		limit = int(v)
	}
	filters := toStringMap(requestCtx["filters"])

	results, err := o.deps.Knowledge.Search(ctx, o.partition, query, filters, limit)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(results))
	for _, r := range results {
		items = append(items, map[string]any{
			"id":      r.Record.ID,
			"content": r.Record.Content,
			"score":   r.Score,
		})
	}
	return map[string]any{"partition": o.partition, "results": items}, nil
}

func (o *Orchestrator) handleKnowledgeStore(ctx context.Context, requestCtx map[string]any) (map[string]any, error) {
	content, _ := requestCtx["content"].(string)
	embedding, err := toFloatSlice(requestCtx["embedding"])
	if err != nil {
		return nil, perrors.Wrap(err, "embedding 非法")
	}
	rec := &knowledge.KnowledgeRecord{
		Content:    content,
		Attributes: toStringMap(requestCtx["attributes"]),
		Embedding:  embedding,
	}
	id, err := o.deps.Knowledge.Store(ctx, o.partition, rec)
	if err != nil {
		return nil, err
	}
	return map[string]any{"id": id, "partition": o.partition}, nil
}

func (o *Orchestrator) handleSessionMessage(ctx context.Context, requestCtx map[string]any) (map[string]any, error) {
	sessionID, _ := requestCtx["session_id"].(string)
	content, _ := requestCtx["content"].(string)
	senderType, _ := requestCtx["sender_type"].(string)
	if senderType == "" {
		senderType = "domain"
	}

	s, err := o.deps.Sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, fmt.Errorf("%w: 会话 %s", perrors.ErrNotFound, sessionID)
	}
	if !s.IsActive() {
		return nil, fmt.Errorf("会话 %s 已结束", sessionID)
	}
	if err := o.deps.Sessions.AddMessage(ctx, s, senderType, content); err != nil {
		return nil, err
	}
	return map[string]any{"session_id": s.ID, "message_count": len(s.CopyMessages())}, nil
}

// healthLoop 周期发布 health_check 事件（低优先级广播）
func (o *Orchestrator) healthLoop() {
	defer close(o.doneCh)
	ticker := time.NewTicker(o.healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			st := o.GetStatus()
			e := bus.NewEvent(bus.EventHealthCheck, o.name, "", map[string]any{
				"domain":  o.name,
				"state":   string(st.State),
				"metrics": st.Metrics,
			})
			e.Priority = bus.PriorityMin
			if err := o.deps.Bus.Publish(context.Background(), e); err != nil {
				o.logger.Warn("health_check 事件发布失败", "error", err)
			}
		case <-o.stopCh:
			return
		}
	}
}

// GetStatus 本域状态概览
func (o *Orchestrator) GetStatus() health.Status {
	return health.Status{
		State: health.Healthy,
		Metrics: map[string]any{
			"domain":            o.name,
			"partition":         o.partition,
			"inflight_requests": o.deps.Protocol.InflightCount(),
		},
	}
}

// toFloatSlice JSON 解码后的向量还原为 []float64
func toFloatSlice(v any) ([]float64, error) {
	switch vv := v.(type) {
	case []float64:
		return vv, nil
	case []any:
		out := make([]float64, len(vv))
		for i, e := range vv {
			f, ok := e.(float64)
			if !ok {
				return nil, fmt.Errorf("第 %d 个分量不是数字", i)
			}
			out[i] = f
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: 期望数组，得到 %T", perrors.ErrInvalidArg, v)
	}
}

// toStringMap JSON 解码后的属性还原为 map[string]string
func toStringMap(v any) map[string]string {
	switch vv := v.(type) {
	case map[string]string:
		return vv
	case map[string]any:
		out := make(map[string]string, len(vv))
		for k, e := range vv {
			if s, ok := e.(string); ok {
				out[k] = s
			}
		}
		return out
	default:
		return nil
	}
}
