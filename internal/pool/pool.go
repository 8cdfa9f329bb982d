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
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"orchestration-router/pkg/log"
	"orchestration-router/pkg/metrics"
)

// 连接池错误
var (
	// ErrPoolExhausted acquire 超时仍无可用连接；调用方应卸载负载或稍后重试
	ErrPoolExhausted = errors.New("连接池耗尽")
	// ErrPoolDraining 池正在排空，不再外借
	ErrPoolDraining = errors.New("连接池排空中")
)

// Options 单目标池参数
type Options struct {
	MinConnections int
	MaxConnections int
	IdleTimeout    time.Duration
	AcquireTimeout time.Duration
	LeakTimeout    time.Duration // 借出超过该时长未归还即强制回收
}

func (o Options) withDefaults() Options {
	if o.MaxConnections <= 0 {
		o.MaxConnections = 10
	}
	if o.MinConnections < 0 || o.MinConnections > o.MaxConnections {
		o.MinConnections = 0
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 60 * time.Second
	}
	if o.AcquireTimeout <= 0 {
		o.AcquireTimeout = 5 * time.Second
	}
	if o.LeakTimeout <= 0 {
		o.LeakTimeout = 30 * time.Second
	}
	return o
}

// Pool 单目标连接池；互斥锁只保护 O(1) 簿记，绝不跨网络 I/O 持有
type Pool struct {
	destination string
	factory     Factory
	opts        Options
	logger      *log.Logger

	mu       sync.Mutex
	idle     []*pooledConn
	borrowed map[string]*pooledConn
	total    int // idle + borrowed + 建连中
	waiters  []chan *pooledConn
	draining bool
	closed   bool

	stop chan struct{}
	done chan struct{}
}

// newPool 创建池并启动维护循环（空闲回收 + 泄漏 watchdog）
func newPool(destination string, factory Factory, opts Options, logger *log.Logger) *Pool {
	p := &Pool{
		destination: destination,
		factory:     factory,
		opts:        opts.withDefaults(),
		logger:      logger,
		borrowed:    make(map[string]*pooledConn),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	go p.maintenanceLoop()
	return p
}

// Acquire 借出连接：优先复用空闲，其次在 max 之内新建，否则排队等待释放。
// 等待受 acquire 超时与 ctx 取消双重约束；取消路径不留资源。
func (p *Pool) Acquire(ctx context.Context) (Conn, ReleaseFunc, error) {
	p.mu.Lock()
	if p.closed || p.draining {
		p.mu.Unlock()
		return nil, nil, fmt.Errorf("%w: %s", ErrPoolDraining, p.destination)
	}

	// 复用空闲连接
	if n := len(p.idle); n > 0 {
		pc := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.markBorrowedLocked(pc)
		p.mu.Unlock()
		return pc.conn, p.releaseFunc(pc), nil
	}

	// 上限之内新建；建连在锁外执行
	if p.total < p.opts.MaxConnections {
		p.total++
		p.mu.Unlock()
		pc, err := p.dial(ctx)
		if err != nil {
			p.mu.Lock()
			p.total--
			p.mu.Unlock()
			return nil, nil, err
		}
		p.mu.Lock()
		p.markBorrowedLocked(pc)
		p.mu.Unlock()
		return pc.conn, p.releaseFunc(pc), nil
	}

	// 排队等待释放
	ch := make(chan *pooledConn, 1)
	p.waiters = append(p.waiters, ch)
	metrics.PoolWaitQueueDepth.WithLabelValues(p.destination).Set(float64(len(p.waiters)))
	p.mu.Unlock()

	timer := time.NewTimer(p.opts.AcquireTimeout)
	defer timer.Stop()
	select {
	case pc := <-ch:
		if pc == nil {
			// Drain 关闭了等待通道
			return nil, nil, fmt.Errorf("%w: %s", ErrPoolDraining, p.destination)
		}
		return pc.conn, p.releaseFunc(pc), nil
	case <-timer.C:
		if pc := p.abandonWait(ch); pc != nil {
			// 移除与交接竞争：连接已送达，照常借出
			return pc.conn, p.releaseFunc(pc), nil
		}
		return nil, nil, fmt.Errorf("%w: %s (等待 %s)", ErrPoolExhausted, p.destination, p.opts.AcquireTimeout)
	case <-ctx.Done():
		if pc := p.abandonWait(ch); pc != nil {
			p.releaseFunc(pc)()
			return nil, nil, ctx.Err()
		}
		return nil, nil, ctx.Err()
	}
}

// abandonWait 从等待队列移除；若此刻连接已送入通道则取出交还调用方处理
func (p *Pool) abandonWait(ch chan *pooledConn) *pooledConn {
	p.mu.Lock()
	for i, w := range p.waiters {
		if w == ch {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			break
		}
	}
	metrics.PoolWaitQueueDepth.WithLabelValues(p.destination).Set(float64(len(p.waiters)))
	p.mu.Unlock()
	select {
	case pc, ok := <-ch:
		if !ok {
			return nil
		}
		return pc
	default:
		return nil
	}
}

// dial 建立新连接
func (p *Pool) dial(ctx context.Context) (*pooledConn, error) {
	conn, err := p.factory(ctx, p.destination)
	if err != nil {
		return nil, fmt.Errorf("建连失败 %s: %w", p.destination, err)
	}
	now := time.Now()
	return &pooledConn{
		conn:       conn,
		id:         uuid.New().String(),
		createdAt:  now,
		lastUsedAt: now,
	}, nil
}

// markBorrowedLocked 借出簿记
func (p *Pool) markBorrowedLocked(pc *pooledConn) {
	pc.state = StateInUse
	pc.borrowedAt = time.Now()
	pc.reclaimed = false
	p.borrowed[pc.id] = pc
	metrics.PoolActiveConnections.WithLabelValues(p.destination).Set(float64(len(p.borrowed)))
}

// releaseFunc 生成恰好一次生效的归还闭包
func (p *Pool) releaseFunc(pc *pooledConn) ReleaseFunc {
	var once sync.Once
	return func() {
		once.Do(func() { p.release(pc) })
	}
}

// release 归还：优先交接给等待者，否则回空闲列表；排空/关闭状态直接关连接
func (p *Pool) release(pc *pooledConn) {
	p.mu.Lock()
	if pc.reclaimed {
		// watchdog 已回收并关闭，迟到的归还不再处理
		p.mu.Unlock()
		return
	}
	delete(p.borrowed, pc.id)
	metrics.PoolActiveConnections.WithLabelValues(p.destination).Set(float64(len(p.borrowed)))
	pc.lastUsedAt = time.Now()

	if p.closed || p.draining {
		pc.state = StateClosed
		p.total--
		p.mu.Unlock()
		_ = pc.conn.Close()
		return
	}

	if len(p.waiters) > 0 {
		ch := p.waiters[0]
		p.waiters = p.waiters[1:]
		metrics.PoolWaitQueueDepth.WithLabelValues(p.destination).Set(float64(len(p.waiters)))
		p.markBorrowedLocked(pc)
		// 通道缓冲为 1，持锁发送不阻塞；交接与等待者出队在同一临界区，
		// 超时方在 abandonWait 里要么还在队列中、要么已能收到连接
		ch <- pc
		p.mu.Unlock()
		return
	}

	pc.state = StateIdle
	p.idle = append(p.idle, pc)
	p.mu.Unlock()
}

// maintenanceLoop 周期执行空闲回收与泄漏 watchdog
func (p *Pool) maintenanceLoop() {
	defer close(p.done)
	interval := p.opts.IdleTimeout / 4
	if p.opts.LeakTimeout/4 < interval {
		interval = p.opts.LeakTimeout / 4
	}
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.sweepIdle()
			p.reclaimLeaked()
		}
	}
}

// sweepIdle 关闭超过 idle_timeout 的空闲连接，保留 min_connections 的水位
func (p *Pool) sweepIdle() {
	cutoff := time.Now().Add(-p.opts.IdleTimeout)
	var expired []*pooledConn

	p.mu.Lock()
	kept := p.idle[:0]
	for _, pc := range p.idle {
		if pc.lastUsedAt.Before(cutoff) && p.total > p.opts.MinConnections {
			pc.state = StateClosed
			p.total--
			expired = append(expired, pc)
		} else {
			kept = append(kept, pc)
		}
	}
	p.idle = kept
	p.mu.Unlock()

	for _, pc := range expired {
		_ = pc.conn.Close()
	}
}

// reclaimLeaked 强制回收借出超时未归还的连接并告警
func (p *Pool) reclaimLeaked() {
	cutoff := time.Now().Add(-p.opts.LeakTimeout)
	var leaked []*pooledConn

	p.mu.Lock()
	for id, pc := range p.borrowed {
		if pc.borrowedAt.Before(cutoff) {
			pc.reclaimed = true
			pc.state = StateClosed
			delete(p.borrowed, id)
			p.total--
			leaked = append(leaked, pc)
		}
	}
	if len(leaked) > 0 {
		metrics.PoolActiveConnections.WithLabelValues(p.destination).Set(float64(len(p.borrowed)))
	}
	p.mu.Unlock()

	for _, pc := range leaked {
		metrics.PoolLeakReclaimTotal.WithLabelValues(p.destination).Inc()
		p.logger.Warn("连接借出未归还，强制回收",
			"destination", p.destination, "conn_id", pc.id,
			"borrowed_at", pc.borrowedAt, "leak_timeout", p.opts.LeakTimeout)
		_ = pc.conn.Close()
	}
}

// Drain 排空：关闭空闲连接，拒绝新的借出，在借连接归还时关闭
func (p *Pool) Drain() {
	p.mu.Lock()
	p.draining = true
	idle := p.idle
	p.idle = nil
	p.total -= len(idle)
	waiters := p.waiters
	p.waiters = nil
	metrics.PoolWaitQueueDepth.WithLabelValues(p.destination).Set(0)
	p.mu.Unlock()

	for _, pc := range idle {
		pc.state = StateClosed
		_ = pc.conn.Close()
	}
	// 等待者不再可能拿到连接，关闭通道让其立即失败
	for _, ch := range waiters {
		close(ch)
	}
}

// close 停止维护循环并关闭所有空闲连接
func (p *Pool) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.Drain()
	close(p.stop)
	<-p.done
}

// stats 当前水位（GetStatus 用）
func (p *Pool) stats() (active, idle, waiters, max int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.borrowed), len(p.idle), len(p.waiters), p.opts.MaxConnections
}
