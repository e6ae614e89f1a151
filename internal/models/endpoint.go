package models

import (
	"time"
)

// EndpointKind 端点类型
type EndpointKind string

const (
	KindDevice   EndpointKind = "device"   // 门口机/对讲设备
	KindOperator EndpointKind = "operator" // 管理员/值班客户端
)

// Capability 端点能力
type Capability string

const (
	CapInitiateCall Capability = "can_initiate_call"
	CapAnswerCall   Capability = "can_answer_call"
	CapReportAlarm  Capability = "can_report_alarm"
	CapAckAlarm     Capability = "can_ack_alarm"
)

// allowedCapabilities 各类端点允许声明的能力
// 设备可以发起呼叫和上报报警；操作端可以发起、接听和确认
var allowedCapabilities = map[EndpointKind]map[Capability]bool{
	KindDevice: {
		CapInitiateCall: true,
		CapReportAlarm:  true,
	},
	KindOperator: {
		CapInitiateCall: true,
		CapAnswerCall:   true,
		CapAckAlarm:     true,
	},
}

// CapabilityAllowed 检查某类端点是否允许声明某能力
func CapabilityAllowed(kind EndpointKind, cap Capability) bool {
	return allowedCapabilities[kind][cap]
}

// Endpoint 已连接端点（设备或操作端）
// 连接句柄由 Transport Gateway 独占持有，注册表只保存元数据
type Endpoint struct {
	EndpointID    string       `json:"endpoint_id"`
	TenantID      string       `json:"tenant_id"`
	Kind          EndpointKind `json:"kind"`
	Capabilities  []Capability `json:"capabilities"`
	LastHeartbeat time.Time    `json:"last_heartbeat"`
	ConnectedAt   time.Time    `json:"connected_at"`
}

// HasCapability 检查端点是否具备某能力
func (e *Endpoint) HasCapability(cap Capability) bool {
	for _, c := range e.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}
