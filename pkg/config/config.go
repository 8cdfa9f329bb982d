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

package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/spf13/viper"
)

// Config 应用配置结构体
type Config struct {
	API        APIConfig        `mapstructure:"api"`
	Bus        BusConfig        `mapstructure:"bus"`
	Collab     CollabConfig     `mapstructure:"collab"`
	Pools      PoolsConfig      `mapstructure:"pools"`
	Breaker    BreakerConfig    `mapstructure:"breaker"`
	RateLimits RateLimitsConfig `mapstructure:"rate_limits"`
	Knowledge  KnowledgeConfig  `mapstructure:"knowledge"`
	Session    SessionConfig    `mapstructure:"session"`
	Domains    []DomainConfig   `mapstructure:"domains"`
	Log        LogConfig        `mapstructure:"log"`
}

// APIConfig 健康/指标 HTTP 服务配置
type APIConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// BusConfig 事件总线配置
type BusConfig struct {
	Type      string      `mapstructure:"type"`       // memory | redis
	QueueSize int         `mapstructure:"queue_size"` // 每订阅者入站队列上限，<=0 默认 256
	Retention string      `mapstructure:"retention"`  // 已投递事件保留窗口，如 "5m"，空则默认 5m
	Redis     RedisConfig `mapstructure:"redis"`      // type=redis 时必填
}

// RedisConfig Redis 连接配置（bus 传输与限流计数共用）
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"` // 实例级命名空间，空则默认 "router"
}

// CollabConfig 跨域协作协议配置
type CollabConfig struct {
	DefaultTimeout string `mapstructure:"default_timeout"` // 请求默认超时，如 "5s"
}

// PoolsConfig 连接池配置：全局默认 + 按目标覆盖
type PoolsConfig struct {
	Defaults     PoolConfig            `mapstructure:"defaults"`
	Destinations map[string]PoolConfig `mapstructure:"destinations"`
}

// PoolConfig 单目标连接池配置
type PoolConfig struct {
	MinConnections int         `mapstructure:"min_connections"`
	MaxConnections int         `mapstructure:"max_connections"` // <=0 默认 10
	IdleTimeout    string      `mapstructure:"idle_timeout"`    // 空则默认 60s
	AcquireTimeout string      `mapstructure:"acquire_timeout"` // 空则默认 5s
	LeakTimeout    string      `mapstructure:"leak_timeout"`    // 借出未归还的 watchdog 阈值，空则默认 30s
	Transport      string      `mapstructure:"transport"`       // http | redis，空则按 base_url 推断
	BaseURL        string      `mapstructure:"base_url"`        // HTTP 目标的基地址（resty factory 使用）
	Redis          RedisConfig `mapstructure:"redis"`           // transport=redis 时必填
	QPS            float64     `mapstructure:"qps"`             // 出站平滑限速，<=0 不限
}

// BreakerConfig 熔断器配置（按目标共享同一组阈值）
type BreakerConfig struct {
	FailureThreshold int    `mapstructure:"failure_threshold"` // <=0 默认 5
	Window           string `mapstructure:"window"`            // 失败计数滚动窗口，空则默认 60s
	ResetTimeout     string `mapstructure:"reset_timeout"`     // open→half_open 等待时长，空则默认 30s
	TrialCount       int    `mapstructure:"trial_count"`       // half_open 放行试探数，<=0 默认 3
	SuccessThreshold int    `mapstructure:"success_threshold"` // half_open 连续成功关断数，<=0 默认 2
}

// RateLimitsConfig 限流配置：滑动窗口双粒度
type RateLimitsConfig struct {
	Store     string                     `mapstructure:"store"` // memory | redis
	Defaults  WindowLimits               `mapstructure:"defaults"`
	Endpoints map[string]WindowLimits    `mapstructure:"endpoints"` // key: "domain/endpoint"
	Redis     RedisConfig                `mapstructure:"redis"`
}

// WindowLimits 每分钟/每小时窗口上限
type WindowLimits struct {
	PerMinute int `mapstructure:"per_minute"` // <=0 默认 60
	PerHour   int `mapstructure:"per_hour"`   // <=0 默认 1000
}

// KnowledgeConfig 知识库存储配置
type KnowledgeConfig struct {
	Type       string            `mapstructure:"type"`      // memory | postgres
	DSN        string            `mapstructure:"dsn"`       // type=postgres 时必填
	Dimension  int               `mapstructure:"dimension"` // 向量维度，<=0 默认 768
	Partitions []PartitionConfig `mapstructure:"partitions"`
}

// PartitionConfig 启动时注册的分区及其属性 schema
type PartitionConfig struct {
	Name       string   `mapstructure:"name"`
	Attributes []string `mapstructure:"attributes"`
}

// SessionConfig 会话存储配置
type SessionConfig struct {
	Type string `mapstructure:"type"` // memory | postgres
	DSN  string `mapstructure:"dsn"`
	TTL  string `mapstructure:"ttl"` // 不活跃过期时长，空则默认 30m
}

// DomainConfig 单个 Domain Orchestrator 配置
type DomainConfig struct {
	Name                string `mapstructure:"name"`                  // 如 business、technical
	Partition           string `mapstructure:"partition"`             // 所属知识分区，空则同 Name
	HealthCheckInterval string `mapstructure:"health_check_interval"` // 空则默认 30s
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// envVarPattern 匹配 ${VAR} 形式的占位符
var envVarPattern = regexp.MustCompile(`\$\{(\w+)\}`)

// expandEnv 将 ${VAR} 替换为环境变量值
func expandEnv(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(m string) string {
		name := strings.TrimSuffix(strings.TrimPrefix(m, "${"), "}")
		return os.Getenv(name)
	})
}

// replaceEnvVars 替换配置中的敏感字段占位符（DSN、Redis 密码）
func replaceEnvVars(cfg *Config) {
	cfg.Knowledge.DSN = expandEnv(cfg.Knowledge.DSN)
	cfg.Session.DSN = expandEnv(cfg.Session.DSN)
	cfg.Bus.Redis.Password = expandEnv(cfg.Bus.Redis.Password)
	cfg.RateLimits.Redis.Password = expandEnv(cfg.RateLimits.Redis.Password)
}

// LoadConfig 从指定路径加载配置；环境变量可覆盖（ROUTER_LOG_LEVEL 等）
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetEnvPrefix("ROUTER")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("无法读取配置文件: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("无法解析配置文件: %w", err)
	}

	replaceEnvVars(&config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate 启动期校验；配置错误是致命的（fail fast，不带病启动）
func (c *Config) Validate() error {
	switch c.Bus.Type {
	case "", "memory":
	case "redis":
		if c.Bus.Redis.Addr == "" {
			return fmt.Errorf("bus.type=redis 需要 bus.redis.addr")
		}
	default:
		return fmt.Errorf("不支持的 bus 类型: %s", c.Bus.Type)
	}
	switch c.Knowledge.Type {
	case "", "memory":
	case "postgres":
		if c.Knowledge.DSN == "" {
			return fmt.Errorf("knowledge.type=postgres 需要 knowledge.dsn")
		}
	default:
		return fmt.Errorf("不支持的 knowledge 存储类型: %s", c.Knowledge.Type)
	}
	switch c.Session.Type {
	case "", "memory":
	case "postgres":
		if c.Session.DSN == "" {
			return fmt.Errorf("session.type=postgres 需要 session.dsn")
		}
	default:
		return fmt.Errorf("不支持的 session 存储类型: %s", c.Session.Type)
	}
	for dest, pc := range c.Pools.Destinations {
		if pc.Transport == "redis" && pc.Redis.Addr == "" {
			return fmt.Errorf("pools.destinations.%s.transport=redis 需要 redis.addr", dest)
		}
	}
	seen := make(map[string]bool)
	for _, d := range c.Domains {
		if d.Name == "" {
			return fmt.Errorf("domains[].name 不能为空")
		}
		if seen[d.Name] {
			return fmt.Errorf("重复的 domain: %s", d.Name)
		}
		seen[d.Name] = true
	}
	return nil
}
