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

package pool

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/redis/go-redis/v9"

	"orchestration-router/pkg/config"
)

// HTTPConn HTTP 目标连接；持有独立的 resty 客户端
type HTTPConn struct {
	destinationID string
	client        *resty.Client
}

// DestinationID 实现 Conn
func (c *HTTPConn) DestinationID() string { return c.destinationID }

// Close 实现 Conn
func (c *HTTPConn) Close() error { return nil }

// R 发起请求（resty 语义）
func (c *HTTPConn) R() *resty.Request { return c.client.R() }

// Client 底层 resty 客户端
func (c *HTTPConn) Client() *resty.Client { return c.client }

// NewHTTPFactory 为 HTTP 目标创建 resty factory；baseURL 来自目标池配置
func NewHTTPFactory(baseURL string, timeout time.Duration) Factory {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return func(ctx context.Context, destinationID string) (Conn, error) {
		if baseURL == "" {
			return nil, fmt.Errorf("目标 %s 缺少 base_url", destinationID)
		}
		client := resty.New().
			SetBaseURL(baseURL).
			SetTimeout(timeout)
		return &HTTPConn{destinationID: destinationID, client: client}, nil
	}
}

// RedisConn Redis 目标连接
type RedisConn struct {
	destinationID string
	client        *redis.Client
}

// DestinationID 实现 Conn
func (c *RedisConn) DestinationID() string { return c.destinationID }

// Close 实现 Conn
func (c *RedisConn) Close() error { return c.client.Close() }

// Client 底层 go-redis 客户端
func (c *RedisConn) Client() *redis.Client { return c.client }

// NewRedisFactory 为 Redis 目标创建 factory；建连即 Ping 验证
func NewRedisFactory(cfg config.RedisConfig) Factory {
	return func(ctx context.Context, destinationID string) (Conn, error) {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("redis 建连失败: %w", err)
		}
		return &RedisConn{destinationID: destinationID, client: client}, nil
	}
}
