package models

import (
	"encoding/json"
	"time"
)

// Severity 报警级别
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// severityRanks 级别排序（用于队列淘汰和订阅过滤）
var severityRanks = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Rank 级别权重，未知级别按 low 处理
func (s Severity) Rank() int {
	if r, ok := severityRanks[s]; ok {
		return r
	}
	return severityRanks[SeverityLow]
}

// Valid 检查级别是否合法
func (s Severity) Valid() bool {
	_, ok := severityRanks[s]
	return ok
}

// AlarmEvent 报警事件
// Seq 为租户内单调递增序列号，用于排序和去重；EventID 为存储主键
// 事件创建后不变，仅追加确认记录
type AlarmEvent struct {
	EventID     string          `json:"event_id" db:"event_id"`
	Seq         int64           `json:"seq" db:"seq"`
	TenantID    string          `json:"tenant_id" db:"tenant_id"`
	DeviceID    string          `json:"device_id" db:"device_id"`
	DeviceGroup string          `json:"device_group,omitempty" db:"device_group"`
	Severity    Severity        `json:"severity" db:"severity"`
	Payload     json.RawMessage `json:"payload" db:"payload"`
	TriggeredAt time.Time       `json:"triggered_at" db:"triggered_at"`
}

// Subscription 操作端的报警订阅关系
// 由租户配置（外部协作方）写入，核心只读
type Subscription struct {
	TenantID      string   `json:"tenant_id" db:"tenant_id"`
	EndpointID    string   `json:"endpoint_id" db:"endpoint_id"`
	SeverityFloor Severity `json:"severity_floor" db:"severity_floor"`
	DeviceGroups  []string `json:"device_groups" db:"device_groups"` // 空表示全部
}

// Matches 判断事件是否命中该订阅（同租户前提下）
func (s *Subscription) Matches(ev *AlarmEvent) bool {
	if ev.Severity.Rank() < s.SeverityFloor.Rank() {
		return false
	}
	if len(s.DeviceGroups) == 0 {
		return true
	}
	for _, g := range s.DeviceGroups {
		if g == ev.DeviceGroup {
			return true
		}
	}
	return false
}
