package router

import (
	"intercom-core/internal/models"
	"intercom-core/internal/registry"

	"go.uber.org/zap"
)

// TenantRouter 租户路由
// 唯一的租户隔离边界：所有跨端点的查找都必须经过这里。
// 请求方租户ID取自连接建立时的认证身份，绝不信任客户端字段
type TenantRouter struct {
	registry *registry.PresenceRegistry
	logger   *zap.Logger
}

// NewTenantRouter 创建租户路由
func NewTenantRouter(reg *registry.PresenceRegistry, logger *zap.Logger) *TenantRouter {
	return &TenantRouter{
		registry: reg,
		logger:   logger,
	}
}

// Authorize 校验请求方租户是否可以访问目标端点
// 目标不在线返回 ErrEndpointNotFound；跨租户访问返回 ErrCrossTenantDenied
// 并记录安全事件日志
func (r *TenantRouter) Authorize(requestTenantID, targetEndpointID string) error {
	_, err := r.ResolveEndpoint(requestTenantID, targetEndpointID)
	return err
}

// ResolveEndpoint 在租户范围内解析目标端点
func (r *TenantRouter) ResolveEndpoint(requestTenantID, targetEndpointID string) (*models.Endpoint, error) {
	ep, ok := r.registry.Get(targetEndpointID)
	if !ok {
		return nil, models.ErrEndpointNotFound
	}
	if ep.TenantID != requestTenantID {
		// 安全违规：不返回目标端点的任何信息
		r.logger.Warn("Cross-tenant access denied",
			zap.String("request_tenant_id", requestTenantID),
			zap.String("target_endpoint_id", targetEndpointID),
			zap.Bool("security_event", true),
		)
		return nil, models.ErrCrossTenantDenied
	}
	return ep, nil
}

// ListReachable 列出租户内在线端点（kind 为空表示不过滤）
func (r *TenantRouter) ListReachable(tenantID string, kind models.EndpointKind) []*models.Endpoint {
	return r.registry.ListByTenant(tenantID, kind)
}
