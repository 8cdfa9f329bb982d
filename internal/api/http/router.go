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

// Package http 健康与状态 HTTP 服务（hertz）
package http

import (
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/config"
	"github.com/cloudwego/hertz/pkg/route"
)

// Router 路由装配
type Router struct {
	handler *Handler
}

// NewRouter 创建路由装配器
func NewRouter(handler *Handler) *Router {
	return &Router{handler: handler}
}

// Build 创建 hertz server 并注册路由
func (r *Router) Build(addr string, opts ...config.Option) *server.Hertz {
	hz := server.Default(append([]config.Option{server.WithHostPorts(addr)}, opts...)...)
	r.Register(hz.Engine)
	return hz
}

// Register 在已有 engine 上注册路由（测试用）
func (r *Router) Register(e *route.Engine) {
	api := e.Group("/api")
	api.GET("/health", r.handler.HealthCheck)
	api.GET("/system/status", r.handler.SystemStatus)
	api.GET("/system/metrics", r.handler.Metrics)
}
