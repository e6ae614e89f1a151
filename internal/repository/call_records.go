package repository

import (
	"context"
	"database/sql"
	"fmt"

	"intercom-core/internal/models"

	"go.uber.org/zap"
)

// CallRecordsRepository 通话记录持久化（call_records 表）
// 会话终止时写入一条记录，供下游报表消费，核心不回读
type CallRecordsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewCallRecordsRepository 创建通话记录 Repository
func NewCallRecordsRepository(db *sql.DB, logger *zap.Logger) *CallRecordsRepository {
	return &CallRecordsRepository{db: db, logger: logger}
}

// InsertCallRecord 写入通话记录
func (r *CallRecordsRepository) InsertCallRecord(ctx context.Context, rec *models.CallRecord) error {
	if rec.TenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}
	if rec.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}

	query := `
		INSERT INTO call_records (
			session_id, tenant_id, caller_id, answered_by,
			final_state, reason, started_at, connected_at, ended_at, duration_sec
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	var answeredBy sql.NullString
	if rec.AnsweredBy != "" {
		answeredBy = sql.NullString{String: rec.AnsweredBy, Valid: true}
	}
	var connectedAt sql.NullTime
	if rec.ConnectedAt != nil {
		connectedAt = sql.NullTime{Time: *rec.ConnectedAt, Valid: true}
	}

	_, err := r.db.ExecContext(ctx, query,
		rec.SessionID, rec.TenantID, rec.CallerID, answeredBy,
		string(rec.FinalState), string(rec.Reason),
		rec.StartedAt, connectedAt, rec.EndedAt, rec.DurationSec,
	)
	if err != nil {
		r.logger.Error("Failed to insert call record",
			zap.String("tenant_id", rec.TenantID),
			zap.String("session_id", rec.SessionID),
			zap.Error(err),
		)
		return fmt.Errorf("failed to insert call record: %w", err)
	}
	return nil
}
