package registry

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"intercom-core/internal/config"
	"intercom-core/internal/models"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// 在线状态变更原因
const (
	ReasonRegister   = "register"
	ReasonDisconnect = "disconnect"
	ReasonTimeout    = "timeout"
	ReasonSuperseded = "superseded"
)

// PresenceListener 在线状态变更监听器
// 在注册表锁外调用，监听器内可以安全回调注册表
type PresenceListener func(ep *models.Endpoint, online bool, reason string)

// PresenceRegistry 在线端点注册表
// 不变量：一个端点ID同一时刻至多对应一个活跃条目；
// 同ID重复注册时后写者胜出，旧条目被驱逐并触发离线副作用
type PresenceRegistry struct {
	mu        sync.RWMutex
	endpoints map[string]*models.Endpoint            // endpoint_id -> entry
	byTenant  map[string]map[string]*models.Endpoint // tenant_id -> endpoint_id -> entry

	listenerMu sync.RWMutex
	listeners  []PresenceListener

	heartbeatTimeout time.Duration
	sweepInterval    time.Duration

	// Redis 在线快照（尽力而为，失败只记日志）
	redisClient    *redis.Client
	snapshotPrefix string

	logger *zap.Logger
}

// NewPresenceRegistry 创建在线端点注册表
// redisClient 可为 nil（测试或无快照需求时）
func NewPresenceRegistry(cfg *config.Config, redisClient *redis.Client, logger *zap.Logger) *PresenceRegistry {
	return &PresenceRegistry{
		endpoints:        make(map[string]*models.Endpoint),
		byTenant:         make(map[string]map[string]*models.Endpoint),
		heartbeatTimeout: cfg.Presence.HeartbeatTimeout,
		sweepInterval:    cfg.Presence.SweepInterval,
		redisClient:      redisClient,
		snapshotPrefix:   cfg.Presence.SnapshotPrefix,
		logger:           logger,
	}
}

// AddListener 注册在线状态变更监听器
func (r *PresenceRegistry) AddListener(l PresenceListener) {
	r.listenerMu.Lock()
	defer r.listenerMu.Unlock()
	r.listeners = append(r.listeners, l)
}

// Register 注册端点
// 能力集与端点类型不符返回 ErrDuplicateCapabilityConflict；
// 同ID已存在时原子驱逐旧条目（触发其离线副作用）后再接纳新条目
func (r *PresenceRegistry) Register(ep *models.Endpoint) error {
	for _, cap := range ep.Capabilities {
		if !models.CapabilityAllowed(ep.Kind, cap) {
			return models.ErrDuplicateCapabilityConflict
		}
	}

	now := time.Now()
	entry := &models.Endpoint{
		EndpointID:    ep.EndpointID,
		TenantID:      ep.TenantID,
		Kind:          ep.Kind,
		Capabilities:  append([]models.Capability(nil), ep.Capabilities...),
		LastHeartbeat: now,
		ConnectedAt:   now,
	}

	r.mu.Lock()
	evicted := r.removeLocked(entry.EndpointID)
	r.endpoints[entry.EndpointID] = entry
	tenantMap, ok := r.byTenant[entry.TenantID]
	if !ok {
		tenantMap = make(map[string]*models.Endpoint)
		r.byTenant[entry.TenantID] = tenantMap
	}
	tenantMap[entry.EndpointID] = entry
	r.mu.Unlock()

	if evicted != nil {
		r.logger.Info("Endpoint superseded by reconnect",
			zap.String("tenant_id", evicted.TenantID),
			zap.String("endpoint_id", evicted.EndpointID),
		)
		r.notify(evicted, false, ReasonSuperseded)
	}
	r.notify(copyEndpoint(entry), true, ReasonRegister)
	r.snapshotSet(entry)

	r.logger.Info("Endpoint registered",
		zap.String("tenant_id", entry.TenantID),
		zap.String("endpoint_id", entry.EndpointID),
		zap.String("kind", string(entry.Kind)),
	)
	return nil
}

// Heartbeat 刷新端点存活时间
// 未知ID视为迟到/重复心跳，返回 ErrEndpointNotFound 但不致命
func (r *PresenceRegistry) Heartbeat(endpointID string, ts time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.endpoints[endpointID]
	if !ok {
		return models.ErrEndpointNotFound
	}
	if ts.After(entry.LastHeartbeat) {
		entry.LastHeartbeat = ts
	}
	return nil
}

// Deregister 注销端点，幂等
func (r *PresenceRegistry) Deregister(endpointID string) {
	r.mu.Lock()
	removed := r.removeLocked(endpointID)
	r.mu.Unlock()

	if removed == nil {
		return
	}

	r.notify(removed, false, ReasonDisconnect)
	r.snapshotDel(removed)

	r.logger.Info("Endpoint deregistered",
		zap.String("tenant_id", removed.TenantID),
		zap.String("endpoint_id", removed.EndpointID),
	)
}

// Get 查询端点（返回副本）
func (r *PresenceRegistry) Get(endpointID string) (*models.Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.endpoints[endpointID]
	if !ok {
		return nil, false
	}
	return copyEndpoint(entry), true
}

// ListByTenant 列出某租户的在线端点（kind 为空表示不过滤）
// 返回一致性快照副本，绝不返回其他租户的条目
func (r *PresenceRegistry) ListByTenant(tenantID string, kind models.EndpointKind) []*models.Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tenantMap := r.byTenant[tenantID]
	result := make([]*models.Endpoint, 0, len(tenantMap))
	for _, entry := range tenantMap {
		if kind != "" && entry.Kind != kind {
			continue
		}
		result = append(result, copyEndpoint(entry))
	}
	return result
}

// Start 启动存活巡检，阻塞直到上下文取消
func (r *PresenceRegistry) Start(ctx context.Context) error {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	r.logger.Info("Presence sweep started",
		zap.Duration("interval", r.sweepInterval),
		zap.Duration("heartbeat_timeout", r.heartbeatTimeout),
	)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Presence sweep stopped")
			return nil
		case <-ticker.C:
			r.sweep(time.Now())
		}
	}
}

// sweep 单次存活巡检，驱逐心跳超时的端点
func (r *PresenceRegistry) sweep(now time.Time) {
	deadline := now.Add(-r.heartbeatTimeout)

	r.mu.Lock()
	var expired []*models.Endpoint
	for id, entry := range r.endpoints {
		if entry.LastHeartbeat.Before(deadline) {
			expired = append(expired, r.removeLocked(id))
		}
	}
	r.mu.Unlock()

	for _, ep := range expired {
		r.logger.Warn("Endpoint evicted by heartbeat timeout",
			zap.String("tenant_id", ep.TenantID),
			zap.String("endpoint_id", ep.EndpointID),
			zap.Time("last_heartbeat", ep.LastHeartbeat),
		)
		r.notify(ep, false, ReasonTimeout)
		r.snapshotDel(ep)
	}
}

// removeLocked 摘除条目并返回副本，不存在返回 nil，调用方须持有写锁
func (r *PresenceRegistry) removeLocked(endpointID string) *models.Endpoint {
	entry, ok := r.endpoints[endpointID]
	if !ok {
		return nil
	}
	delete(r.endpoints, endpointID)
	if tenantMap, ok := r.byTenant[entry.TenantID]; ok {
		delete(tenantMap, endpointID)
		if len(tenantMap) == 0 {
			delete(r.byTenant, entry.TenantID)
		}
	}
	return copyEndpoint(entry)
}

// notify 在锁外回调所有监听器
func (r *PresenceRegistry) notify(ep *models.Endpoint, online bool, reason string) {
	r.listenerMu.RLock()
	listeners := append([]PresenceListener(nil), r.listeners...)
	r.listenerMu.RUnlock()

	for _, l := range listeners {
		l(ep, online, reason)
	}
}

// snapshotSet 更新 Redis 在线快照（尽力而为）
func (r *PresenceRegistry) snapshotSet(ep *models.Endpoint) {
	if r.redisClient == nil {
		return
	}
	data, err := json.Marshal(ep)
	if err != nil {
		return
	}
	key := r.snapshotPrefix + ep.TenantID
	if err := r.redisClient.HSet(context.Background(), key, ep.EndpointID, data).Err(); err != nil {
		r.logger.Warn("Failed to update presence snapshot",
			zap.String("key", key),
			zap.Error(err),
		)
	}
}

// snapshotDel 从 Redis 在线快照移除（尽力而为）
func (r *PresenceRegistry) snapshotDel(ep *models.Endpoint) {
	if r.redisClient == nil {
		return
	}
	key := r.snapshotPrefix + ep.TenantID
	if err := r.redisClient.HDel(context.Background(), key, ep.EndpointID).Err(); err != nil {
		r.logger.Warn("Failed to remove presence snapshot",
			zap.String("key", key),
			zap.Error(err),
		)
	}
}

func copyEndpoint(e *models.Endpoint) *models.Endpoint {
	c := *e
	c.Capabilities = append([]models.Capability(nil), e.Capabilities...)
	return &c
}
