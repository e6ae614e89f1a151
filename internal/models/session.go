package models

import (
	"encoding/json"
	"time"
)

// SessionState 会话状态
type SessionState string

const (
	StateInitiating SessionState = "initiating"
	StateRinging    SessionState = "ringing"
	StateAccepted   SessionState = "accepted"
	StateActive     SessionState = "active"
	StateTerminated SessionState = "terminated"
	StateFailed     SessionState = "failed"
)

// Terminal 是否为终止状态
func (s SessionState) Terminal() bool {
	return s == StateTerminated || s == StateFailed
}

// TerminationReason 会话结束原因
type TerminationReason string

const (
	ReasonHangup      TerminationReason = "hangup"
	ReasonAllRejected TerminationReason = "all_rejected"
	ReasonTimeout     TerminationReason = "timeout"
	ReasonPeerLost    TerminationReason = "peer_lost"
	ReasonCallerLeft  TerminationReason = "caller_left"
	ReasonSuperseded  TerminationReason = "superseded"
)

// Session 一次对讲呼叫的完整生命周期
// 媒体参数（offer/answer）为不透明透传数据，核心不解析其内容
type Session struct {
	SessionID   string            `json:"session_id"`
	TenantID    string            `json:"tenant_id"`
	CallerID    string            `json:"caller_id"`
	CalleeIDs   []string          `json:"callee_ids"` // 受邀顺序
	AnsweredBy  string            `json:"answered_by,omitempty"`
	State       SessionState      `json:"state"`
	MediaOffer  json.RawMessage   `json:"media_offer,omitempty"`
	MediaAnswer json.RawMessage   `json:"media_answer,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	ConnectedAt *time.Time        `json:"connected_at,omitempty"`
	EndedAt     *time.Time        `json:"ended_at,omitempty"`
	Reason      TerminationReason `json:"reason,omitempty"`
}

// CallRecord 通话记录（会话终止时生成，交给下游持久化/报表）
type CallRecord struct {
	SessionID   string            `json:"session_id" db:"session_id"`
	TenantID    string            `json:"tenant_id" db:"tenant_id"`
	CallerID    string            `json:"caller_id" db:"caller_id"`
	AnsweredBy  string            `json:"answered_by,omitempty" db:"answered_by"`
	FinalState  SessionState      `json:"final_state" db:"final_state"`
	Reason      TerminationReason `json:"reason" db:"reason"`
	StartedAt   time.Time         `json:"started_at" db:"started_at"`
	ConnectedAt *time.Time        `json:"connected_at,omitempty" db:"connected_at"`
	EndedAt     time.Time         `json:"ended_at" db:"ended_at"`
	DurationSec int               `json:"duration_sec" db:"duration_sec"`
}
