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
	"fmt"
	"time"
)

// EventType 事件类型（系统类型 + 各 domain 自定义类型）
type EventType string

// 系统事件类型
const (
	EventCollabRequest  EventType = "collab_request"
	EventCollabResponse EventType = "collab_response"
	EventHealthCheck    EventType = "health_check"
	EventBroadcast      EventType = "broadcast"
)

// 优先级范围：1（低）～5（高），仅影响单订阅者队列内的出队顺序
const (
	PriorityMin     = 1
	PriorityDefault = 3
	PriorityMax     = 5
)

// Event 不可变消息；发布后由总线持有，投递完成且超过保留窗口后回收
type Event struct {
	EventType        EventType      `json:"event_type"`
	SourceDomain     string         `json:"source_domain"`
	TargetDomain     string         `json:"target_domain,omitempty"` // 广播时为空
	CorrelationID    string         `json:"correlation_id,omitempty"`
	RequiresResponse bool           `json:"requires_response,omitempty"`
	Payload          map[string]any `json:"payload,omitempty"`
	Priority         int            `json:"priority"`
	Timestamp        time.Time      `json:"timestamp"` // 创建时写入一次，之后不再变更
}

// NewEvent 创建事件；Timestamp 与默认优先级在此写入
func NewEvent(eventType EventType, sourceDomain, targetDomain string, payload map[string]any) *Event {
	return &Event{
		EventType:    eventType,
		SourceDomain: sourceDomain,
		TargetDomain: targetDomain,
		Payload:      payload,
		Priority:     PriorityDefault,
		Timestamp:    time.Now(),
	}
}

// Validate 发布前校验
func (e *Event) Validate() error {
	if e == nil {
		return fmt.Errorf("event 不能为 nil")
	}
	if e.EventType == "" {
		return fmt.Errorf("event_type 不能为空")
	}
	if e.SourceDomain == "" {
		return fmt.Errorf("source_domain 不能为空")
	}
	if e.Priority < PriorityMin || e.Priority > PriorityMax {
		return fmt.Errorf("priority 必须在 %d~%d 之间: %d", PriorityMin, PriorityMax, e.Priority)
	}
	if e.RequiresResponse && e.CorrelationID == "" {
		return fmt.Errorf("requires_response 事件必须携带 correlation_id")
	}
	return nil
}
