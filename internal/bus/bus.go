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

// Package bus 实现跨域事件总线：按事件类型订阅，单订阅者串行投递（保证同类型 FIFO），
// 订阅者之间并发，队列有界，溢出丢弃不阻塞发布方。
package bus

import (
	"context"
	"fmt"
	"time"

	"orchestration-router/pkg/config"
	"orchestration-router/pkg/health"
	"orchestration-router/pkg/log"
	"orchestration-router/pkg/utils"
)

// Handler 订阅者回调；返回错误只记录日志，不会重试，也不会影响其他订阅者。
// 同一 *Event（含 Payload map）在所有订阅者与保留缓冲间共享，handler 不得修改它
type Handler func(ctx context.Context, e *Event) error

// Subscription 订阅句柄，Unsubscribe 时使用
type Subscription struct {
	ID        string
	Name      string
	EventType EventType
}

// Bus 事件总线抽象
type Bus interface {
	// Publish 入队即返回；投递对发布方异步。无订阅者时为 no-op，不返回错误
	Publish(ctx context.Context, e *Event) error
	// Subscribe 注册订阅者；注册之前发布的事件不补投
	Subscribe(eventType EventType, name string, h Handler) (*Subscription, error)
	// Unsubscribe 注销订阅；队列中未投递的事件随之丢弃
	Unsubscribe(sub *Subscription)
	// GetStatus 报告各订阅者队列深度
	GetStatus() health.Status
	// Close 停止投递并释放资源
	Close() error
}

// Options 总线运行参数（由 config.BusConfig 解析）
type Options struct {
	QueueSize int           // 每订阅者入站队列上限
	Retention time.Duration // 已投递事件保留窗口
}

// optionsFromConfig 解析配置并填默认值
func optionsFromConfig(cfg config.BusConfig) Options {
	return Options{
		QueueSize: utils.DefaultInt(cfg.QueueSize, 256),
		Retention: utils.ParseDurationDefault(cfg.Retention, 5*time.Minute),
	}
}

// New 根据配置创建事件总线（memory | redis）
func New(cfg config.BusConfig, logger *log.Logger) (Bus, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemoryBus(optionsFromConfig(cfg), logger), nil
	case "redis":
		return NewRedisBus(cfg, logger)
	default:
		return nil, fmt.Errorf("不支持的 bus 类型: %s", cfg.Type)
	}
}
