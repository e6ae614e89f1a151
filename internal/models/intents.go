package models

import "encoding/json"

// IntentType 入站意图类型（Transport Gateway 解码后路由）
type IntentType string

const (
	IntentRegister      IntentType = "register"
	IntentHeartbeat     IntentType = "heartbeat"
	IntentCallInitiate  IntentType = "call_initiate"
	IntentCallAccept    IntentType = "call_accept"
	IntentCallReject    IntentType = "call_reject"
	IntentCallTerminate IntentType = "call_terminate"
	IntentAlarmReport   IntentType = "alarm_report"
	IntentAlarmAck      IntentType = "alarm_ack"
)

// Frame 线上帧格式（WebSocket 文本帧，JSON 编码）
type Frame struct {
	Type    IntentType      `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// RegisterIntent 注册意图载荷
// 租户ID与端点ID来自连接建立时的认证身份，不取自客户端字段
type RegisterIntent struct {
	Capabilities []Capability `json:"capabilities"`
}

// CallInitiateIntent 发起呼叫意图载荷
type CallInitiateIntent struct {
	CalleeIDs  []string        `json:"callee_ids"`
	MediaOffer json.RawMessage `json:"media_offer,omitempty"`
}

// CallAcceptIntent 接听意图载荷
type CallAcceptIntent struct {
	SessionID   string          `json:"session_id"`
	MediaAnswer json.RawMessage `json:"media_answer,omitempty"`
}

// CallRejectIntent 拒接意图载荷
type CallRejectIntent struct {
	SessionID string `json:"session_id"`
}

// CallTerminateIntent 挂断意图载荷
type CallTerminateIntent struct {
	SessionID string `json:"session_id"`
}

// AlarmReportIntent 报警上报意图载荷
type AlarmReportIntent struct {
	Severity    Severity        `json:"severity"`
	DeviceGroup string          `json:"device_group,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// AlarmAckIntent 报警确认意图载荷
type AlarmAckIntent struct {
	EventID string `json:"event_id"`
}
