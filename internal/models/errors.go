package models

import "errors"

// 核心错误分类
// 协议时序类错误返回给发起端点，会话保持安全状态；
// CrossTenantDenied 属于安全违规，调用方按安全事件记录，永不重试
var (
	ErrCrossTenantDenied           = errors.New("cross tenant access denied")
	ErrCallerOffline               = errors.New("caller is not online")
	ErrNoReachableCallee           = errors.New("no reachable callee")
	ErrSessionNotRinging           = errors.New("session is not ringing")
	ErrSessionNotFound             = errors.New("session not found")
	ErrUnknownDevice               = errors.New("unknown device")
	ErrEndpointNotFound            = errors.New("endpoint not found")
	ErrDuplicateCapabilityConflict = errors.New("capability set conflicts with endpoint kind")
	ErrTooManyActiveSessions       = errors.New("endpoint has too many active sessions")
	ErrNotInvited                  = errors.New("endpoint was not invited to session")
)
