// Package health 定义组件健康状态的统一拉取接口，供外部看板消费
package health

// State 组件健康状态
type State string

const (
	Healthy   State = "healthy"
	Degraded  State = "degraded"
	Unhealthy State = "unhealthy"
)

// Status GetStatus 返回值：状态 + 组件自述指标
type Status struct {
	State   State          `json:"status"`
	Metrics map[string]any `json:"metrics"`
}

// Reporter 可被健康检查聚合的组件
type Reporter interface {
	GetStatus() Status
}
