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

package http

import (
	"bytes"
	"context"
	"sort"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"orchestration-router/pkg/health"
	"orchestration-router/pkg/log"
	"orchestration-router/pkg/metrics"
)

// Handler HTTP 处理器；状态拉取式，看板在外部
type Handler struct {
	reporters map[string]health.Reporter
	logger    *log.Logger
}

// NewHandler 创建 HTTP 处理器
func NewHandler(reporters map[string]health.Reporter, logger *log.Logger) *Handler {
	if reporters == nil {
		reporters = make(map[string]health.Reporter)
	}
	return &Handler{reporters: reporters, logger: logger.Named("api")}
}

// HealthCheck 健康检查
// GET /api/health
func (h *Handler) HealthCheck(c context.Context, ctx *app.RequestContext) {
	ctx.JSON(consts.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
		"service":   "orchestration-router",
	})
}

// SystemStatus 聚合各组件 GetStatus
// GET /api/system/status
func (h *Handler) SystemStatus(c context.Context, ctx *app.RequestContext) {
	overall := health.Healthy
	components := make(map[string]health.Status, len(h.reporters))

	names := make([]string, 0, len(h.reporters))
	for name := range h.reporters {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		st := h.reporters[name].GetStatus()
		components[name] = st
		overall = worse(overall, st.State)
	}

	ctx.JSON(consts.StatusOK, map[string]any{
		"status":     overall,
		"components": components,
		"timestamp":  time.Now().Unix(),
	})
}

// Metrics 输出 prometheus 文本格式指标
// GET /api/system/metrics
func (h *Handler) Metrics(c context.Context, ctx *app.RequestContext) {
	var buf bytes.Buffer
	if err := metrics.WritePrometheus(&buf); err != nil {
		h.logger.Error("指标序列化失败", "error", err)
		ctx.JSON(consts.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	ctx.Data(consts.StatusOK, "text/plain; version=0.0.4; charset=utf-8", buf.Bytes())
}

// worse 取两个状态中更差的
func worse(a, b health.State) health.State {
	rank := map[health.State]int{health.Healthy: 0, health.Degraded: 1, health.Unhealthy: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}
