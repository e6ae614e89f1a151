package session

import (
	"fmt"

	"intercom-core/internal/models"
)

// transitions 会话状态机合法迁移表
// 非法迁移一律作为错误拒绝，不做静默忽略
var transitions = map[models.SessionState]map[models.SessionState]bool{
	models.StateInitiating: {
		models.StateRinging:    true,
		models.StateTerminated: true,
		models.StateFailed:     true,
	},
	models.StateRinging: {
		models.StateAccepted:   true,
		models.StateTerminated: true,
		models.StateFailed:     true,
	},
	models.StateAccepted: {
		models.StateActive:     true,
		models.StateTerminated: true,
	},
	models.StateActive: {
		models.StateTerminated: true,
	},
	// terminated / failed 为终止状态，无出边
}

// advance 校验并执行一次状态迁移
func advance(s *models.Session, to models.SessionState) error {
	if !transitions[s.State][to] {
		return fmt.Errorf("invalid session transition %s -> %s", s.State, to)
	}
	s.State = to
	return nil
}
