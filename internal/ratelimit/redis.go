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

package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"orchestration-router/pkg/config"
	"orchestration-router/pkg/utils"
)

// allowScript 清理、双窗口判定与计入在 Redis 端一个脚本内完成，
// 多进程并发下判定与 +1 原子，不会超配。
// KEYS[1] 计数 key；ARGV：score(ms)、小时窗口清理上界、分钟窗口下界(开区间)、
// 分钟上限、小时上限、member、key TTL(ms)。
// 返回超限窗口名，放行返回空串。
var allowScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[2])
local hour = redis.call('ZCARD', KEYS[1])
if hour >= tonumber(ARGV[5]) then
	return 'hour'
end
local minute = redis.call('ZCOUNT', KEYS[1], ARGV[3], '+inf')
if minute >= tonumber(ARGV[4]) then
	return 'minute'
end
redis.call('ZADD', KEYS[1], ARGV[1], ARGV[6])
redis.call('PEXPIRE', KEYS[1], ARGV[7])
return ''
`)

// RedisStore 跨进程计数后端：每 key 一个 sorted set，score 为请求时刻（毫秒）
type RedisStore struct {
	rdb    *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisStore 创建 Redis 计数存储并校验连通性
func NewRedisStore(cfg config.RedisConfig) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis 连接失败: %w", err)
	}
	return &RedisStore{
		rdb:    rdb,
		prefix: utils.CoalesceString(cfg.KeyPrefix, "router"),
		now:    time.Now,
	}, nil
}

func (s *RedisStore) key(key string) string {
	return fmt.Sprintf("%s:ratelimit:%s", s.prefix, key)
}

// Allow 实现 CounterStore
func (s *RedisStore) Allow(ctx context.Context, key string, minuteLimit, hourLimit int) (bool, string, error) {
	now := s.now()
	nowMs := now.UnixMilli()
	member := strconv.FormatInt(now.UnixNano(), 10) + ":" + uuid.New().String()

	window, err := allowScript.Run(ctx, s.rdb, []string{s.key(key)},
		nowMs,
		nowMs-time.Hour.Milliseconds(),
		"("+strconv.FormatInt(nowMs-time.Minute.Milliseconds(), 10),
		minuteLimit,
		hourLimit,
		member,
		(time.Hour + time.Minute).Milliseconds(),
	).Text()
	if err != nil {
		return false, "", fmt.Errorf("限流判定失败: %w", err)
	}
	if window != "" {
		return false, window, nil
	}
	return true, "", nil
}

// Counts 实现 CounterStore
func (s *RedisStore) Counts(ctx context.Context, key string) (int, int, error) {
	nowMs := s.now().UnixMilli()
	k := s.key(key)
	pipe := s.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, k, "-inf", strconv.FormatInt(nowMs-time.Hour.Milliseconds(), 10))
	hourCmd := pipe.ZCard(ctx, k)
	minuteCmd := pipe.ZCount(ctx, k,
		"("+strconv.FormatInt(nowMs-time.Minute.Milliseconds(), 10), "+inf")
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, err
	}
	return int(minuteCmd.Val()), int(hourCmd.Val()), nil
}

// Close 关闭连接
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
