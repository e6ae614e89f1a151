package session

import (
	"context"
	"sync"
	"time"

	"intercom-core/internal/config"
	"intercom-core/internal/models"
	"intercom-core/internal/registry"
	"intercom-core/internal/router"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Sender 出站通知发送接口（由 Transport Gateway 实现）
// Send 不得阻塞：网关内部使用带缓冲的写队列，返回是否已进入写队列
// （信令通知不重投，协调器忽略返回值）
type Sender interface {
	Send(endpointID string, n *models.Notification) bool
}

// CallRecorder 通话记录落地接口（由装配层实现：写库 + 发布下游 Stream）
type CallRecorder interface {
	RecordCall(ctx context.Context, rec *models.CallRecord)
}

// callSession 单个会话的受控状态
// 单写者纪律：同一会话的所有状态变更串行在 mu 之下，不同会话完全并行
type callSession struct {
	mu        sync.Mutex
	s         models.Session
	pending   map[string]bool // 仍在振铃中的被叫
	ringTimer *time.Timer
}

// Coordinator 呼叫会话协调器
// 驱动 initiating → ringing → accepted → active → terminated 状态机，
// 及 initiating/ringing → failed 的失败路径
type Coordinator struct {
	cfg      *config.Config
	router   *router.TenantRouter
	sender   Sender
	recorder CallRecorder
	logger   *zap.Logger

	mu         sync.RWMutex
	sessions   map[string]*callSession
	byEndpoint map[string]map[string]bool // endpoint_id -> 参与中的会话ID集合
}

// NewCoordinator 创建呼叫会话协调器
// recorder 可为 nil（测试时）
func NewCoordinator(cfg *config.Config, tr *router.TenantRouter, sender Sender, recorder CallRecorder, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		cfg:        cfg,
		router:     tr,
		sender:     sender,
		recorder:   recorder,
		logger:     logger,
		sessions:   make(map[string]*callSession),
		byEndpoint: make(map[string]map[string]bool),
	}
}

// Initiate 发起呼叫
// 主叫不在线返回 ErrCallerOffline；被叫列表含其他租户端点返回
// ErrCrossTenantDenied；无任何可达被叫返回 ErrNoReachableCallee。
// 成功后会话进入 ringing，向每个可达被叫下发邀请
func (c *Coordinator) Initiate(tenantID, callerID string, calleeIDs []string, mediaOffer []byte) (string, error) {
	caller, err := c.router.ResolveEndpoint(tenantID, callerID)
	if err != nil {
		return "", models.ErrCallerOffline
	}

	if max := c.cfg.Session.MaxActivePerEndpoint; max > 0 {
		if c.activeCount(callerID) >= max {
			return "", models.ErrTooManyActiveSessions
		}
	}

	// 在租户范围内解析被叫：跨租户目标整体拒绝，离线目标跳过
	var reachable []*models.Endpoint
	for _, calleeID := range calleeIDs {
		ep, err := c.router.ResolveEndpoint(tenantID, calleeID)
		if err == models.ErrCrossTenantDenied {
			return "", err
		}
		if err != nil {
			continue
		}
		reachable = append(reachable, ep)
	}
	if len(reachable) == 0 {
		return "", models.ErrNoReachableCallee
	}

	now := time.Now()
	cs := &callSession{
		s: models.Session{
			SessionID:  uuid.New().String(),
			TenantID:   tenantID,
			CallerID:   caller.EndpointID,
			State:      models.StateInitiating,
			MediaOffer: mediaOffer,
			CreatedAt:  now,
		},
		pending: make(map[string]bool, len(reachable)),
	}
	for _, ep := range reachable {
		cs.s.CalleeIDs = append(cs.s.CalleeIDs, ep.EndpointID)
		cs.pending[ep.EndpointID] = true
	}

	c.mu.Lock()
	c.sessions[cs.s.SessionID] = cs
	c.indexLocked(callerID, cs.s.SessionID)
	for id := range cs.pending {
		c.indexLocked(id, cs.s.SessionID)
	}
	c.mu.Unlock()

	cs.mu.Lock()
	if err := advance(&cs.s, models.StateRinging); err != nil {
		cs.mu.Unlock()
		return "", err
	}
	sessionID := cs.s.SessionID
	cs.ringTimer = time.AfterFunc(c.cfg.Session.RingTimeout, func() {
		c.onRingTimeout(sessionID)
	})
	invite := &models.Notification{
		Type: models.NoticeCallInvite,
		Payload: models.CallInviteNotice{
			SessionID:  sessionID,
			CallerID:   callerID,
			MediaOffer: mediaOffer,
		},
	}
	for id := range cs.pending {
		c.sender.Send(id, invite)
	}
	cs.mu.Unlock()

	c.logger.Info("Call initiated",
		zap.String("tenant_id", tenantID),
		zap.String("session_id", sessionID),
		zap.String("caller_id", callerID),
		zap.Int("invited", len(reachable)),
	)
	return sessionID, nil
}

// Accept 接听呼叫，先接者胜出
// 非 ringing 状态返回 ErrSessionNotRinging；未受邀返回 ErrNotInvited。
// 胜出后其余被叫收到 call_cancelled，主叫收到 call_accepted 且媒体应答
// 只送达一次
func (c *Coordinator) Accept(tenantID, calleeID, sessionID string, mediaAnswer []byte) error {
	cs, err := c.lookup(tenantID, sessionID)
	if err != nil {
		return err
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.s.State != models.StateRinging {
		return models.ErrSessionNotRinging
	}
	if !cs.pending[calleeID] {
		return models.ErrNotInvited
	}

	if err := advance(&cs.s, models.StateAccepted); err != nil {
		return err
	}
	now := time.Now()
	cs.s.AnsweredBy = calleeID
	cs.s.MediaAnswer = mediaAnswer
	cs.s.ConnectedAt = &now
	cs.stopTimerLocked()

	// 其余被叫取消邀请（glare 消解：先接者胜出，不做协商）
	delete(cs.pending, calleeID)
	cancel := &models.Notification{
		Type:    models.NoticeCallCancelled,
		Payload: models.CallCancelledNotice{SessionID: sessionID, Reason: "answered_elsewhere"},
	}
	for id := range cs.pending {
		c.sender.Send(id, cancel)
		c.unindex(id, sessionID)
	}
	cs.pending = make(map[string]bool)

	if err := advance(&cs.s, models.StateActive); err != nil {
		return err
	}
	c.sender.Send(cs.s.CallerID, &models.Notification{
		Type: models.NoticeCallAccepted,
		Payload: models.CallAcceptedNotice{
			SessionID:   sessionID,
			CalleeID:    calleeID,
			MediaAnswer: mediaAnswer,
		},
	})

	c.logger.Info("Call accepted",
		zap.String("tenant_id", tenantID),
		zap.String("session_id", sessionID),
		zap.String("callee_id", calleeID),
	)
	return nil
}

// Reject 拒接呼叫
// 最后一个未决被叫拒接时会话进入 failed(all_rejected)，主叫收到终止通知
func (c *Coordinator) Reject(tenantID, calleeID, sessionID string) error {
	cs, err := c.lookup(tenantID, sessionID)
	if err != nil {
		return err
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.s.State != models.StateRinging {
		return models.ErrSessionNotRinging
	}
	if !cs.pending[calleeID] {
		return models.ErrNotInvited
	}

	delete(cs.pending, calleeID)
	c.unindex(calleeID, sessionID)

	if len(cs.pending) == 0 {
		c.finalizeLocked(cs, models.StateFailed, models.ReasonAllRejected)
		c.sender.Send(cs.s.CallerID, &models.Notification{
			Type:    models.NoticeCallTerminated,
			Payload: models.CallTerminatedNotice{SessionID: sessionID, Reason: models.ReasonAllRejected},
		})
	}
	return nil
}

// Terminate 终止会话，仅限会话参与方（主叫或接听的被叫）发起；
// 在线状态丢失走 HandlePresenceChange，不经此入口
// 幂等：对已终止会话调用是空操作而不是错误
func (c *Coordinator) Terminate(tenantID, byEndpointID, sessionID string, reason models.TerminationReason) error {
	cs, err := c.lookup(tenantID, sessionID)
	if err != nil {
		if err == models.ErrSessionNotFound {
			// 会话已被回收，视为重复终止
			return nil
		}
		return err
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.s.State.Terminal() {
		return nil
	}
	// 同租户但非参与方不得挂断他人会话；振铃中的被叫走 Reject
	if byEndpointID != cs.s.CallerID && byEndpointID != cs.s.AnsweredBy {
		return models.ErrNotInvited
	}
	c.terminateLocked(cs, byEndpointID, reason)
	return nil
}

// HandlePresenceChange 在线状态变更回调（挂接到 Presence Registry）
// 端点离线时：振铃中的被叫被剪除；active 会话以 peer_lost 终止并通知
// 幸存方；振铃中的主叫离线以 caller_left 终止
func (c *Coordinator) HandlePresenceChange(ep *models.Endpoint, online bool, reason string) {
	if online {
		return
	}

	c.mu.RLock()
	ids := make([]string, 0, len(c.byEndpoint[ep.EndpointID]))
	for id := range c.byEndpoint[ep.EndpointID] {
		ids = append(ids, id)
	}
	c.mu.RUnlock()

	for _, sessionID := range ids {
		c.mu.RLock()
		cs, ok := c.sessions[sessionID]
		c.mu.RUnlock()
		if !ok {
			continue
		}

		cs.mu.Lock()
		switch {
		case cs.s.State.Terminal():
			// 已终止，无事可做
		case cs.s.State == models.StateRinging && cs.pending[ep.EndpointID]:
			delete(cs.pending, ep.EndpointID)
			c.unindex(ep.EndpointID, sessionID)
			if len(cs.pending) == 0 {
				c.finalizeLocked(cs, models.StateFailed, models.ReasonAllRejected)
				c.sender.Send(cs.s.CallerID, &models.Notification{
					Type:    models.NoticeCallTerminated,
					Payload: models.CallTerminatedNotice{SessionID: sessionID, Reason: models.ReasonAllRejected},
				})
			}
		case cs.s.CallerID == ep.EndpointID && cs.s.State == models.StateRinging:
			c.terminateLocked(cs, ep.EndpointID, models.ReasonCallerLeft)
		case cs.s.CallerID == ep.EndpointID || cs.s.AnsweredBy == ep.EndpointID:
			c.terminateLocked(cs, ep.EndpointID, models.ReasonPeerLost)
		}
		cs.mu.Unlock()
	}
}

// Get 查询会话快照（终止后会话被回收，返回 false）
func (c *Coordinator) Get(sessionID string) (models.Session, bool) {
	c.mu.RLock()
	cs, ok := c.sessions[sessionID]
	c.mu.RUnlock()
	if !ok {
		return models.Session{}, false
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()
	s := cs.s
	s.CalleeIDs = append([]string(nil), cs.s.CalleeIDs...)
	return s, true
}

// onRingTimeout 振铃超时：未在窗口内被接听的会话进入 failed(timeout)
func (c *Coordinator) onRingTimeout(sessionID string) {
	c.mu.RLock()
	cs, ok := c.sessions[sessionID]
	c.mu.RUnlock()
	if !ok {
		return
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.s.State != models.StateRinging {
		return
	}

	cancel := &models.Notification{
		Type:    models.NoticeCallCancelled,
		Payload: models.CallCancelledNotice{SessionID: sessionID, Reason: string(models.ReasonTimeout)},
	}
	for id := range cs.pending {
		c.sender.Send(id, cancel)
		c.unindex(id, sessionID)
	}
	cs.pending = make(map[string]bool)

	c.finalizeLocked(cs, models.StateFailed, models.ReasonTimeout)
	c.sender.Send(cs.s.CallerID, &models.Notification{
		Type:    models.NoticeCallTerminated,
		Payload: models.CallTerminatedNotice{SessionID: sessionID, Reason: models.ReasonTimeout},
	})

	c.logger.Info("Call ring timeout",
		zap.String("tenant_id", cs.s.TenantID),
		zap.String("session_id", sessionID),
	)
}

// terminateLocked 非终止状态 → terminated，通知所有参与方，调用方须持有会话锁
func (c *Coordinator) terminateLocked(cs *callSession, byEndpointID string, reason models.TerminationReason) {
	sessionID := cs.s.SessionID

	// 仍在振铃的被叫收取消，已建立的参与方收终止
	cancel := &models.Notification{
		Type:    models.NoticeCallCancelled,
		Payload: models.CallCancelledNotice{SessionID: sessionID, Reason: string(reason)},
	}
	for id := range cs.pending {
		c.sender.Send(id, cancel)
		c.unindex(id, sessionID)
	}
	cs.pending = make(map[string]bool)

	terminated := &models.Notification{
		Type:    models.NoticeCallTerminated,
		Payload: models.CallTerminatedNotice{SessionID: sessionID, Reason: reason, ByID: byEndpointID},
	}
	if cs.s.CallerID != byEndpointID {
		c.sender.Send(cs.s.CallerID, terminated)
	}
	if cs.s.AnsweredBy != "" && cs.s.AnsweredBy != byEndpointID {
		c.sender.Send(cs.s.AnsweredBy, terminated)
	}

	c.finalizeLocked(cs, models.StateTerminated, reason)

	c.logger.Info("Call terminated",
		zap.String("tenant_id", cs.s.TenantID),
		zap.String("session_id", sessionID),
		zap.String("by_endpoint_id", byEndpointID),
		zap.String("reason", string(reason)),
	)
}

// finalizeLocked 进入终止状态：停定时器、摘索引、落通话记录
// 终止转换同步取消挂起定时器，不留孤儿定时器或幽灵会话
func (c *Coordinator) finalizeLocked(cs *callSession, state models.SessionState, reason models.TerminationReason) {
	if err := advance(&cs.s, state); err != nil {
		c.logger.Error("Rejected invalid session transition",
			zap.String("session_id", cs.s.SessionID),
			zap.Error(err),
		)
		return
	}
	now := time.Now()
	cs.s.Reason = reason
	cs.s.EndedAt = &now
	cs.stopTimerLocked()

	c.mu.Lock()
	delete(c.sessions, cs.s.SessionID)
	c.unindexLocked(cs.s.CallerID, cs.s.SessionID)
	if cs.s.AnsweredBy != "" {
		c.unindexLocked(cs.s.AnsweredBy, cs.s.SessionID)
	}
	c.mu.Unlock()

	if c.recorder != nil {
		rec := &models.CallRecord{
			SessionID:   cs.s.SessionID,
			TenantID:    cs.s.TenantID,
			CallerID:    cs.s.CallerID,
			AnsweredBy:  cs.s.AnsweredBy,
			FinalState:  state,
			Reason:      reason,
			StartedAt:   cs.s.CreatedAt,
			ConnectedAt: cs.s.ConnectedAt,
			EndedAt:     now,
		}
		if cs.s.ConnectedAt != nil {
			rec.DurationSec = int(now.Sub(*cs.s.ConnectedAt) / time.Second)
		}
		c.recorder.RecordCall(context.Background(), rec)
	}
}

// lookup 在租户范围内查找会话
func (c *Coordinator) lookup(tenantID, sessionID string) (*callSession, error) {
	c.mu.RLock()
	cs, ok := c.sessions[sessionID]
	c.mu.RUnlock()

	if !ok {
		return nil, models.ErrSessionNotFound
	}
	if cs.s.TenantID != tenantID {
		c.logger.Warn("Cross-tenant session access denied",
			zap.String("request_tenant_id", tenantID),
			zap.String("session_id", sessionID),
			zap.Bool("security_event", true),
		)
		return nil, models.ErrCrossTenantDenied
	}
	return cs, nil
}

func (c *Coordinator) activeCount(endpointID string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byEndpoint[endpointID])
}

func (c *Coordinator) indexLocked(endpointID, sessionID string) {
	set, ok := c.byEndpoint[endpointID]
	if !ok {
		set = make(map[string]bool)
		c.byEndpoint[endpointID] = set
	}
	set[sessionID] = true
}

func (c *Coordinator) unindex(endpointID, sessionID string) {
	c.mu.Lock()
	c.unindexLocked(endpointID, sessionID)
	c.mu.Unlock()
}

func (c *Coordinator) unindexLocked(endpointID, sessionID string) {
	if set, ok := c.byEndpoint[endpointID]; ok {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(c.byEndpoint, endpointID)
		}
	}
}

// stopTimerLocked 同步取消振铃定时器
func (cs *callSession) stopTimerLocked() {
	if cs.ringTimer != nil {
		cs.ringTimer.Stop()
		cs.ringTimer = nil
	}
}

// 编译期断言：注册表监听器签名匹配
var _ registry.PresenceListener = (*Coordinator)(nil).HandlePresenceChange
