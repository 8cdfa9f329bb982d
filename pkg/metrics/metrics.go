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

package metrics

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// 全局 Registry，供 Router 各组件注册与暴露
var DefaultRegistry = prometheus.NewRegistry()

func init() {
	DefaultRegistry.MustRegister(
		EventPublishedTotal, EventDroppedTotal, SubscriberQueueDepth,
		CollabInflight, CollabTimeoutTotal, CollabLateResponseTotal,
		PoolActiveConnections, PoolWaitQueueDepth, PoolLeakReclaimTotal,
		BreakerState, BreakerTripTotal,
		RateLimitAllowedTotal, RateLimitRejectedTotal,
	)
}

// EventPublishedTotal 按事件类型统计发布总数
var EventPublishedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "router_event_published_total",
		Help: "发布到事件总线的事件总数（按类型）",
	},
	[]string{"event_type"},
)

// EventDroppedTotal 订阅者队列满导致丢弃的事件总数（queue_overflow）
var EventDroppedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "router_event_dropped_total",
		Help: "订阅者队列溢出丢弃的事件总数",
	},
	[]string{"event_type", "subscriber"},
)

// SubscriberQueueDepth 各订阅者当前入站队列深度
var SubscriberQueueDepth = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "router_subscriber_queue_depth",
		Help: "订阅者入站队列深度",
	},
	[]string{"subscriber"},
)

// CollabInflight 当前等待响应的协作请求数（按发起 domain）
var CollabInflight = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "router_collab_inflight",
		Help: "等待响应的协作请求数",
	},
	[]string{"domain"},
)

// CollabTimeoutTotal 协作请求超时总数
var CollabTimeoutTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "router_collab_timeout_total",
		Help: "协作请求超时总数",
	},
	[]string{"domain", "request_type"},
)

// CollabLateResponseTotal 超时后到达被丢弃的响应总数
var CollabLateResponseTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "router_collab_late_response_total",
		Help: "waiter 已不存在时丢弃的迟到响应总数",
	},
)

// PoolActiveConnections 各目标当前借出中的连接数
var PoolActiveConnections = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "router_pool_active_connections",
		Help: "连接池借出中的连接数（按目标）",
	},
	[]string{"destination"},
)

// PoolWaitQueueDepth 各目标等待 Acquire 的调用方数
var PoolWaitQueueDepth = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "router_pool_wait_queue_depth",
		Help: "等待连接释放的调用方数（按目标）",
	},
	[]string{"destination"},
)

// PoolLeakReclaimTotal watchdog 强制回收的泄漏连接总数
var PoolLeakReclaimTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "router_pool_leak_reclaim_total",
		Help: "watchdog 强制回收的未归还连接总数",
	},
	[]string{"destination"},
)

// BreakerState 熔断器状态（0=closed 1=open 2=half_open）
var BreakerState = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "router_breaker_state",
		Help: "熔断器状态（0=closed 1=open 2=half_open）",
	},
	[]string{"destination"},
)

// BreakerTripTotal 熔断器跳闸总数
var BreakerTripTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "router_breaker_trip_total",
		Help: "熔断器从 closed/half_open 进入 open 的总数",
	},
	[]string{"destination"},
)

// RateLimitAllowedTotal 放行请求总数
var RateLimitAllowedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "router_ratelimit_allowed_total",
		Help: "限流器放行的请求总数",
	},
	[]string{"domain", "endpoint"},
)

// RateLimitRejectedTotal 拒绝请求总数（按超限窗口）
var RateLimitRejectedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "router_ratelimit_rejected_total",
		Help: "限流器拒绝的请求总数",
	},
	[]string{"domain", "endpoint", "window"}, // minute | hour
)

// WritePrometheus 将 Prometheus 文本格式写入 w（供 Hertz 等复用）
func WritePrometheus(w io.Writer) error {
	metrics, err := DefaultRegistry.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, mf := range metrics {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
