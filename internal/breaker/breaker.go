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

// Package breaker 实现按目标隔离的熔断器：CLOSED → OPEN → HALF_OPEN → CLOSED。
// OPEN 态直接拒绝不做 I/O；常态（CLOSED）路径只做一次原子读，不加锁。
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"orchestration-router/pkg/metrics"
)

// ErrCircuitOpen 目标处于熔断态，调用被快速拒绝；调用方应退避而非立即重试
var ErrCircuitOpen = errors.New("熔断器开路")

// State 熔断器状态
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String 状态名（指标与日志用）
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config 熔断阈值
type Config struct {
	FailureThreshold int           // 窗口内失败数达到即跳闸
	Window           time.Duration // 失败计数滚动窗口
	ResetTimeout     time.Duration // OPEN → HALF_OPEN 等待时长
	TrialCount       int           // HALF_OPEN 最多放行的试探调用数
	SuccessThreshold int           // HALF_OPEN 连续成功数达到即关断
}

// DefaultConfig 填充零值字段
func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.TrialCount <= 0 {
		c.TrialCount = 3
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	return c
}

// Breaker 单目标熔断器
type Breaker struct {
	destination string
	cfg         Config

	state        atomic.Int32 // State；快速拒绝路径只读它
	openedAtNano atomic.Int64 // 进入 OPEN 的时刻

	mu           sync.Mutex
	failures     []time.Time // CLOSED 态滚动窗口内的失败时刻
	trialsIssued int         // HALF_OPEN 已放行的试探数
	consecSucc   int         // HALF_OPEN 连续成功数
}

// New 创建熔断器
func New(destination string, cfg Config) *Breaker {
	b := &Breaker{destination: destination, cfg: cfg.withDefaults()}
	metrics.BreakerState.WithLabelValues(destination).Set(float64(StateClosed))
	return b
}

// Destination 所属目标
func (b *Breaker) Destination() string { return b.destination }

// State 当前状态（无锁读）
func (b *Breaker) State() State { return State(b.state.Load()) }

// Allow 判定本次调用是否放行；OPEN 返回 ErrCircuitOpen，不发生任何 I/O
func (b *Breaker) Allow() error {
	switch State(b.state.Load()) {
	case StateClosed:
		return nil
	case StateOpen:
		openedAt := time.Unix(0, b.openedAtNano.Load())
		if time.Since(openedAt) < b.cfg.ResetTimeout {
			return fmt.Errorf("%w: %s", ErrCircuitOpen, b.destination)
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		// 竞争下可能已被其他调用切换，重查
		if State(b.state.Load()) == StateOpen {
			b.toHalfOpenLocked()
		}
		return b.allowTrialLocked()
	case StateHalfOpen:
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.allowTrialLocked()
	default:
		return nil
	}
}

// allowTrialLocked HALF_OPEN 态最多放行 TrialCount 个试探
func (b *Breaker) allowTrialLocked() error {
	if State(b.state.Load()) != StateHalfOpen {
		if State(b.state.Load()) == StateClosed {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrCircuitOpen, b.destination)
	}
	if b.trialsIssued >= b.cfg.TrialCount {
		return fmt.Errorf("%w: %s (试探额度已用完)", ErrCircuitOpen, b.destination)
	}
	b.trialsIssued++
	return nil
}

// OnSuccess 记录成功；HALF_OPEN 下连续成功达到阈值即关断并完全重置计数
func (b *Breaker) OnSuccess() {
	if State(b.state.Load()) != StateHalfOpen {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if State(b.state.Load()) != StateHalfOpen {
		return
	}
	b.consecSucc++
	if b.consecSucc >= b.cfg.SuccessThreshold {
		b.toClosedLocked()
	}
}

// OnFailure 记录失败；CLOSED 按窗口计数跳闸，HALF_OPEN 任一失败立即重新开路
func (b *Breaker) OnFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch State(b.state.Load()) {
	case StateClosed:
		now := time.Now()
		cutoff := now.Add(-b.cfg.Window)
		kept := b.failures[:0]
		for _, t := range b.failures {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}
		b.failures = append(kept, now)
		if len(b.failures) >= b.cfg.FailureThreshold {
			b.toOpenLocked()
		}
	case StateHalfOpen:
		b.toOpenLocked()
	}
}

// Do 包裹一次出站调用：先 Allow，再执行，最后记录结果
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	if err := fn(ctx); err != nil {
		b.OnFailure()
		return err
	}
	b.OnSuccess()
	return nil
}

// FailureCount 窗口内失败数（状态上报用）
func (b *Breaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	cutoff := time.Now().Add(-b.cfg.Window)
	n := 0
	for _, t := range b.failures {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}

func (b *Breaker) toOpenLocked() {
	b.state.Store(int32(StateOpen))
	b.openedAtNano.Store(time.Now().UnixNano())
	b.trialsIssued = 0
	b.consecSucc = 0
	metrics.BreakerState.WithLabelValues(b.destination).Set(float64(StateOpen))
	metrics.BreakerTripTotal.WithLabelValues(b.destination).Inc()
}

func (b *Breaker) toHalfOpenLocked() {
	b.state.Store(int32(StateHalfOpen))
	b.trialsIssued = 0
	b.consecSucc = 0
	metrics.BreakerState.WithLabelValues(b.destination).Set(float64(StateHalfOpen))
}

// toClosedLocked 关断时完全清空失败计数
func (b *Breaker) toClosedLocked() {
	b.state.Store(int32(StateClosed))
	b.failures = nil
	b.trialsIssued = 0
	b.consecSucc = 0
	metrics.BreakerState.WithLabelValues(b.destination).Set(float64(StateClosed))
}
