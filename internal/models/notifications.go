package models

import "encoding/json"

// NotificationType 出站通知类型
type NotificationType string

const (
	NoticePresenceChange    NotificationType = "presence_change"
	NoticeCallInvite        NotificationType = "call_invite"
	NoticeCallAccepted      NotificationType = "call_accepted"
	NoticeCallCancelled     NotificationType = "call_cancelled"
	NoticeCallTerminated    NotificationType = "call_terminated"
	NoticeAlarmEvent        NotificationType = "alarm_event"
	NoticeMissedEventsCount NotificationType = "missed_events_count"
	NoticeError             NotificationType = "error"
)

// Notification 发往特定端点的出站通知
type Notification struct {
	Type    NotificationType `json:"type"`
	Payload interface{}      `json:"payload,omitempty"`
}

// PresenceChangeNotice 在线状态变更通知
type PresenceChangeNotice struct {
	EndpointID string       `json:"endpoint_id"`
	Kind       EndpointKind `json:"kind"`
	Online     bool         `json:"online"`
	Reason     string       `json:"reason,omitempty"` // disconnect, timeout, superseded
}

// CallInviteNotice 呼叫邀请通知（发给被叫）
type CallInviteNotice struct {
	SessionID  string          `json:"session_id"`
	CallerID   string          `json:"caller_id"`
	MediaOffer json.RawMessage `json:"media_offer,omitempty"`
}

// CallAcceptedNotice 接听成功通知（发给主叫）
type CallAcceptedNotice struct {
	SessionID   string          `json:"session_id"`
	CalleeID    string          `json:"callee_id"`
	MediaAnswer json.RawMessage `json:"media_answer,omitempty"`
}

// CallCancelledNotice 邀请取消通知（发给未抢到接听的被叫）
type CallCancelledNotice struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason,omitempty"`
}

// CallTerminatedNotice 会话终止通知
type CallTerminatedNotice struct {
	SessionID string            `json:"session_id"`
	Reason    TerminationReason `json:"reason"`
	ByID      string            `json:"by_endpoint_id,omitempty"`
}

// MissedEventsNotice 离线期间超出保留窗口的报警事件数
type MissedEventsNotice struct {
	Count int `json:"count"`
}

// ErrorNotice 错误通知（仅发给引发错误的端点）
type ErrorNotice struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
