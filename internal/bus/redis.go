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

package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"orchestration-router/pkg/config"
	"orchestration-router/pkg/health"
	"orchestration-router/pkg/log"
	"orchestration-router/pkg/metrics"
	"orchestration-router/pkg/utils"
)

// RedisBus 基于 Redis pub/sub 的跨进程总线实现；频道按实例前缀与事件类型命名空间化。
// 投递语义与 MemoryBus 一致：单订阅者串行、队列有界、无补投。
type RedisBus struct {
	rdb    *redis.Client
	prefix string
	opts   Options
	logger *log.Logger

	mu     sync.Mutex
	byID   map[string]*redisSub
	closed bool
}

// redisSub Redis 订阅 + 本地串行投递队列
type redisSub struct {
	sub    *subscriber
	pubsub *redis.PubSub
	done   chan struct{}
}

// NewRedisBus 创建 Redis 总线并校验连通性
func NewRedisBus(cfg config.BusConfig, logger *log.Logger) (*RedisBus, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis 连接失败: %w", err)
	}
	return &RedisBus{
		rdb:    rdb,
		prefix: utils.CoalesceString(cfg.Redis.KeyPrefix, "router"),
		opts:   optionsFromConfig(cfg),
		logger: logger.Named("bus"),
		byID:   make(map[string]*redisSub),
	}, nil
}

// channelFor 事件类型对应的 Redis 频道
func (b *RedisBus) channelFor(eventType EventType) string {
	return fmt.Sprintf("%s:events:%s", b.prefix, eventType)
}

// Publish 序列化为 JSON 发布到类型频道；无订阅者时 Redis 侧即为 no-op
func (b *RedisBus) Publish(ctx context.Context, e *Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}
	b.mu.Unlock()

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("事件序列化失败: %w", err)
	}
	if err := b.rdb.Publish(ctx, b.channelFor(e.EventType), data).Err(); err != nil {
		return fmt.Errorf("事件发布失败: %w", err)
	}
	metrics.EventPublishedTotal.WithLabelValues(string(e.EventType)).Inc()
	return nil
}

// Subscribe 订阅类型频道；接收 goroutine 解码后交给本地串行队列
func (b *RedisBus) Subscribe(eventType EventType, name string, h Handler) (*Subscription, error) {
	if eventType == "" {
		return nil, ErrEmptyEventType
	}
	if h == nil {
		return nil, ErrNilHandler
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}

	id := uuid.New().String()
	s := newSubscriber(id, name, eventType, h, b.opts.QueueSize, b.logger)
	pubsub := b.rdb.Subscribe(context.Background(), b.channelFor(eventType))
	rs := &redisSub{sub: s, pubsub: pubsub, done: make(chan struct{})}
	b.byID[id] = rs

	go b.receiveLoop(rs)
	return &Subscription{ID: id, Name: name, EventType: eventType}, nil
}

// receiveLoop 将频道消息解码入队；解码失败只记录
func (b *RedisBus) receiveLoop(rs *redisSub) {
	defer close(rs.done)
	for msg := range rs.pubsub.Channel() {
		var e Event
		if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
			b.logger.Error("事件解码失败", "subscriber", rs.sub.name, "error", err)
			continue
		}
		rs.sub.enqueue(&e)
	}
}

// Unsubscribe 关闭 Redis 订阅与本地队列
func (b *RedisBus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	rs, ok := b.byID[sub.ID]
	if ok {
		delete(b.byID, sub.ID)
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	_ = rs.pubsub.Close()
	<-rs.done
	rs.sub.stop()
}

// GetStatus 报告连通性与各订阅者队列深度
func (b *RedisBus) GetStatus() health.Status {
	state := health.Healthy
	if err := b.rdb.Ping(context.Background()).Err(); err != nil {
		state = health.Unhealthy
	}
	b.mu.Lock()
	depths := make(map[string]any, len(b.byID))
	for _, rs := range b.byID {
		depths[rs.sub.name] = rs.sub.depth()
	}
	subCount := len(b.byID)
	b.mu.Unlock()
	return health.Status{
		State: state,
		Metrics: map[string]any{
			"transport":    "redis",
			"subscribers":  subCount,
			"queue_depths": depths,
		},
	}
}

// Close 关闭所有订阅与连接
func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	all := make([]*redisSub, 0, len(b.byID))
	for _, rs := range b.byID {
		all = append(all, rs)
	}
	b.byID = make(map[string]*redisSub)
	b.mu.Unlock()

	for _, rs := range all {
		_ = rs.pubsub.Close()
		<-rs.done
		rs.sub.stop()
	}
	return b.rdb.Close()
}

var _ Bus = (*RedisBus)(nil)
