package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"intercom-core/internal/models"

	"go.uber.org/zap"
)

// AlarmEventsRepository 报警事件持久化（alarm_events 表）
// 事件写入后不变，仅追加确认记录；历史查询属于下游报表服务，不在核心内
type AlarmEventsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewAlarmEventsRepository 创建报警事件 Repository
func NewAlarmEventsRepository(db *sql.DB, logger *zap.Logger) *AlarmEventsRepository {
	return &AlarmEventsRepository{db: db, logger: logger}
}

// PersistAlarmEvent 持久化报警事件
func (r *AlarmEventsRepository) PersistAlarmEvent(ctx context.Context, ev *models.AlarmEvent) error {
	if ev.TenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}
	if ev.EventID == "" {
		return fmt.Errorf("event_id is required")
	}

	query := `
		INSERT INTO alarm_events (
			event_id, seq, tenant_id, device_id, device_group,
			severity, payload, triggered_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	payload := []byte(ev.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	_, err := r.db.ExecContext(ctx, query,
		ev.EventID, ev.Seq, ev.TenantID, ev.DeviceID, ev.DeviceGroup,
		string(ev.Severity), payload, ev.TriggeredAt, time.Now(),
	)
	if err != nil {
		r.logger.Error("Failed to persist alarm event",
			zap.String("tenant_id", ev.TenantID),
			zap.String("event_id", ev.EventID),
			zap.Error(err),
		)
		return fmt.Errorf("failed to persist alarm event: %w", err)
	}
	return nil
}

// AcknowledgeAlarmEvent 追加确认记录，幂等（唯一约束冲突视为重复确认）
func (r *AlarmEventsRepository) AcknowledgeAlarmEvent(ctx context.Context, tenantID, eventID, endpointID string) error {
	if tenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}
	if eventID == "" {
		return fmt.Errorf("event_id is required")
	}
	if endpointID == "" {
		return fmt.Errorf("endpoint_id is required")
	}

	query := `
		INSERT INTO alarm_event_acks (event_id, tenant_id, endpoint_id, acked_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (event_id, endpoint_id) DO NOTHING`

	_, err := r.db.ExecContext(ctx, query, eventID, tenantID, endpointID, time.Now())
	if err != nil {
		r.logger.Error("Failed to record alarm ack",
			zap.String("tenant_id", tenantID),
			zap.String("event_id", eventID),
			zap.String("endpoint_id", endpointID),
			zap.Error(err),
		)
		return fmt.Errorf("failed to record alarm ack: %w", err)
	}
	return nil
}
