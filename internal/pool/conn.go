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

// Package pool 实现按目标隔离的有界连接池：借出/归还语义、acquire 超时、
// 空闲回收与未归还 watchdog。除池本身外任何组件不得长期持有连接。
package pool

import (
	"context"
	"time"
)

// Conn 可复用的目标连接；具体传输由 Factory 决定（HTTP、Redis 等）
type Conn interface {
	DestinationID() string
	Close() error
}

// Factory 为目标建立一条新连接
type Factory func(ctx context.Context, destinationID string) (Conn, error)

// ReleaseFunc 归还连接；每次 Acquire 必须在所有退出路径上恰好调用一次，
// 重复调用为 no-op
type ReleaseFunc func()

// ConnState 池内连接状态
type ConnState int

const (
	StateIdle ConnState = iota
	StateInUse
	StateDraining
	StateClosed
)

// String 状态名
func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInUse:
		return "in_use"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// pooledConn 池内连接的簿记信息
type pooledConn struct {
	conn       Conn
	id         string
	createdAt  time.Time
	lastUsedAt time.Time
	borrowedAt time.Time
	state      ConnState
	reclaimed  bool // watchdog 已强制回收，迟到的 release 不再二次处理
}
