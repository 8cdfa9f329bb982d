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

// Package app 装配全部组件：总线、协作协议、连接池、熔断、限流、知识库、会话、
// 各 domain orchestrator 与健康 HTTP 服务。依赖全部构造注入，无包级单例。
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	hertzslog "github.com/hertz-contrib/logger/slog"

	apihttp "orchestration-router/internal/api/http"
	"orchestration-router/internal/breaker"
	"orchestration-router/internal/bus"
	"orchestration-router/internal/collab"
	"orchestration-router/internal/gateway"
	"orchestration-router/internal/knowledge"
	"orchestration-router/internal/orchestrator"
	"orchestration-router/internal/pool"
	"orchestration-router/internal/ratelimit"
	"orchestration-router/internal/session"
	"orchestration-router/pkg/config"
	"orchestration-router/pkg/health"
	"orchestration-router/pkg/log"
	"orchestration-router/pkg/utils"
)

// App 编排路由应用
type App struct {
	cfg    *config.Config
	logger *log.Logger

	bus           bus.Bus
	breakers      *breaker.Registry
	limiter       *ratelimit.Limiter
	rlStore       ratelimit.CounterStore
	pools         *pool.Manager
	gateway       *gateway.Gateway
	knowledge     knowledge.Store
	sessions      *session.Manager
	orchestrators []*orchestrator.Orchestrator

	router *apihttp.Router
	hertz  *server.Hertz
}

// New 按配置装配应用（由 cmd/router 调用）
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger, err := log.NewLogger(&log.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}

	a := &App{cfg: cfg, logger: logger}

	a.bus, err = bus.New(cfg.Bus, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化事件总线失败: %w", err)
	}

	a.breakers = breaker.NewRegistry(breaker.ConfigFrom(cfg.Breaker))

	a.rlStore, err = ratelimit.NewStoreFromConfig(cfg.RateLimits)
	if err != nil {
		return nil, fmt.Errorf("初始化限流存储失败: %w", err)
	}
	a.limiter = ratelimit.NewLimiter(cfg.RateLimits, a.rlStore)

	a.pools = pool.NewManager(cfg.Pools, nil, logger)
	qps := make(map[string]float64)
	for dest, pc := range cfg.Pools.Destinations {
		switch {
		case pc.Transport == "redis":
			a.pools.RegisterFactory(dest, pool.NewRedisFactory(pc.Redis))
		case pc.BaseURL != "":
			timeout := utils.ParseDurationDefault(pc.AcquireTimeout, 5*time.Second)
			a.pools.RegisterFactory(dest, pool.NewHTTPFactory(pc.BaseURL, timeout))
		}
		if pc.QPS > 0 {
			qps[dest] = pc.QPS
		}
	}
	a.gateway = gateway.New(a.breakers, a.limiter, a.pools, gateway.Options{QPS: qps}, logger)

	a.knowledge, err = knowledge.New(ctx, cfg.Knowledge, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化知识库失败: %w", err)
	}
	for _, pc := range cfg.Knowledge.Partitions {
		err := a.knowledge.RegisterPartition(ctx, knowledge.PartitionSchema{
			Name:       pc.Name,
			Attributes: pc.Attributes,
		})
		if err != nil {
			return nil, fmt.Errorf("注册知识分区 %s 失败: %w", pc.Name, err)
		}
	}

	a.sessions, err = session.NewFromConfig(ctx, cfg.Session, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化会话存储失败: %w", err)
	}

	collabTimeout := utils.ParseDurationDefault(cfg.Collab.DefaultTimeout, 5*time.Second)
	for _, dc := range cfg.Domains {
		proto := collab.New(dc.Name, a.bus, collabTimeout, logger)
		o, err := orchestrator.New(dc, orchestrator.Deps{
			Bus:       a.bus,
			Protocol:  proto,
			Knowledge: a.knowledge,
			Sessions:  a.sessions,
			Gateway:   a.gateway,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("初始化 domain %s 失败: %w", dc.Name, err)
		}
		a.orchestrators = append(a.orchestrators, o)
	}

	reporters := map[string]health.Reporter{
		"bus":        a.bus,
		"breakers":   a.breakers,
		"rate_limit": a.limiter,
		"pools":      a.pools,
		"knowledge":  a.knowledge,
		"sessions":   a.sessions,
	}
	for _, o := range a.orchestrators {
		reporters["domain."+o.Name()] = o
	}
	a.router = apihttp.NewRouter(apihttp.NewHandler(reporters, logger))
	return a, nil
}

// Run 启动各 orchestrator 与 HTTP 服务；阻塞直到服务退出
func (a *App) Run() error {
	a.setupHertzLogger()

	for _, o := range a.orchestrators {
		if err := o.Start(); err != nil {
			return fmt.Errorf("启动 domain %s 失败: %w", o.Name(), err)
		}
	}

	host := a.cfg.API.Host
	port := a.cfg.API.Port
	if port == 0 {
		port = 8080
	}
	addr := fmt.Sprintf("%s:%d", host, port)
	a.logger.Info("orchestration router 启动", "addr", addr, "domains", len(a.orchestrators))
	a.hertz = a.router.Build(addr)
	return a.hertz.Run()
}

// setupHertzLogger 将 hertz 的 hlog 桥接到 slog
func (a *App) setupHertzLogger() {
	levelVar := &slog.LevelVar{}
	switch a.cfg.Log.Level {
	case "debug":
		levelVar.Set(slog.LevelDebug)
	case "warn":
		levelVar.Set(slog.LevelWarn)
	case "error":
		levelVar.Set(slog.LevelError)
	default:
		levelVar.Set(slog.LevelInfo)
	}
	hlog.SetLogger(hertzslog.NewLogger(
		hertzslog.WithOutput(os.Stdout),
		hertzslog.WithLevel(levelVar),
	))
}

// Shutdown 优雅关闭；顺序：入口 → orchestrator → 出站链路 → 存储 → 总线
func (a *App) Shutdown(ctx context.Context) error {
	if a.hertz != nil {
		if err := a.hertz.Shutdown(ctx); err != nil {
			a.logger.Warn("HTTP 服务关闭失败", "error", err)
		}
	}
	for _, o := range a.orchestrators {
		o.Stop()
	}
	a.pools.Close()
	if err := a.sessions.Close(); err != nil {
		a.logger.Warn("会话存储关闭失败", "error", err)
	}
	if err := a.knowledge.Close(); err != nil {
		a.logger.Warn("知识库关闭失败", "error", err)
	}
	if closer, ok := a.rlStore.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
	if err := a.bus.Close(); err != nil {
		return err
	}
	a.logger.Info("orchestration router 已退出")
	return nil
}
