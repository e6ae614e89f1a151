package repository

import (
	"context"
	"database/sql"
	"fmt"

	"intercom-core/internal/models"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// SubscriptionsRepository 报警订阅关系（alarm_subscriptions 表）
// 订阅由租户配置（外部协作方）写入，核心只读
type SubscriptionsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSubscriptionsRepository 创建订阅 Repository
func NewSubscriptionsRepository(db *sql.DB, logger *zap.Logger) *SubscriptionsRepository {
	return &SubscriptionsRepository{db: db, logger: logger}
}

// LoadSubscriptions 加载租户全部启用的订阅
func (r *SubscriptionsRepository) LoadSubscriptions(ctx context.Context, tenantID string) ([]*models.Subscription, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant_id is required")
	}

	query := `
		SELECT tenant_id, endpoint_id, severity_floor, device_groups
		FROM alarm_subscriptions
		WHERE tenant_id = $1 AND is_enabled = true`

	rows, err := r.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		r.logger.Error("Failed to load subscriptions",
			zap.String("tenant_id", tenantID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("failed to load subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*models.Subscription
	for rows.Next() {
		sub := &models.Subscription{}
		var floor string
		if err := rows.Scan(&sub.TenantID, &sub.EndpointID, &floor, pq.Array(&sub.DeviceGroups)); err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		sub.SeverityFloor = models.Severity(floor)
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate subscriptions: %w", err)
	}

	return subs, nil
}
