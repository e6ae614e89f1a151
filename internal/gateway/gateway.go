package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"intercom-core/internal/config"
	"intercom-core/internal/dispatcher"
	"intercom-core/internal/models"
	"intercom-core/internal/registry"
	"intercom-core/internal/session"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// 身份头：由上游认证协作方完成 JWT 校验后注入，核心只信任这三个头
const (
	HeaderTenantID     = "X-Tenant-ID"
	HeaderEndpointID   = "X-Endpoint-ID"
	HeaderEndpointKind = "X-Endpoint-Kind"
)

const (
	writeWait     = 10 * time.Second
	sendQueueSize = 64
)

// conn 单端点的双工通道
type conn struct {
	tenantID   string
	endpointID string
	kind       models.EndpointKind
	ws         *websocket.Conn
	send       chan []byte
	closeOnce  sync.Once
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// Gateway 传输网关
// 每端点一条逻辑双工通道；入站帧解码为类型化意图路由到各组件，
// 出站通知序列化回对应通道；通道关闭触发 Deregister
type Gateway struct {
	cfg         *config.Config
	registry    *registry.PresenceRegistry
	coordinator *session.Coordinator
	dispatcher  *dispatcher.Dispatcher
	logger      *zap.Logger

	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]*conn // endpoint_id -> channel
}

// NewGateway 创建传输网关
func NewGateway(cfg *config.Config, reg *registry.PresenceRegistry, logger *zap.Logger) *Gateway {
	return &Gateway{
		cfg:      cfg,
		registry: reg,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// 跨域控制在外层接入网关完成
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(map[string]*conn),
	}
}

// Bind 注入上层组件（组件构造依赖网关的 Send，装配时后绑定）
func (g *Gateway) Bind(coord *session.Coordinator, disp *dispatcher.Dispatcher) {
	g.coordinator = coord
	g.dispatcher = disp
}

// Send 向指定端点发送通知，不阻塞
// 返回通知是否已进入写队列：端点不在线或写队列已满时丢弃并记日志，
// 返回 false，分发器据此保留未投递事件待补投
func (g *Gateway) Send(endpointID string, n *models.Notification) bool {
	g.mu.RLock()
	c := g.conns[endpointID]
	g.mu.RUnlock()
	if c == nil {
		g.logger.Debug("Dropping notification for offline endpoint",
			zap.String("endpoint_id", endpointID),
			zap.String("type", string(n.Type)),
		)
		return false
	}

	data, err := json.Marshal(n)
	if err != nil {
		g.logger.Error("Failed to marshal notification",
			zap.String("endpoint_id", endpointID),
			zap.String("type", string(n.Type)),
			zap.Error(err),
		)
		return false
	}

	select {
	case c.send <- data:
		return true
	default:
		// 写队列满：背压，丢弃并记日志
		g.logger.Warn("Send queue full, dropping notification",
			zap.String("tenant_id", c.tenantID),
			zap.String("endpoint_id", endpointID),
			zap.String("type", string(n.Type)),
		)
		return false
	}
}

// HandleWS WebSocket 接入处理器
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	tenantID := r.Header.Get(HeaderTenantID)
	endpointID := r.Header.Get(HeaderEndpointID)
	kind := models.EndpointKind(r.Header.Get(HeaderEndpointKind))

	if tenantID == "" || endpointID == "" {
		http.Error(w, "missing identity headers", http.StatusUnauthorized)
		return
	}
	if kind != models.KindDevice && kind != models.KindOperator {
		http.Error(w, "invalid endpoint kind", http.StatusBadRequest)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("WebSocket upgrade failed",
			zap.String("endpoint_id", endpointID),
			zap.Error(err),
		)
		return
	}

	c := &conn{
		tenantID:   tenantID,
		endpointID: endpointID,
		kind:       kind,
		ws:         ws,
		send:       make(chan []byte, sendQueueSize),
	}
	g.addConn(c)

	go g.writePump(c)
	go g.readPump(c)
}

// HandlePresenceChange 在线状态变更回调
// 心跳超时被注册表剔除的端点若连接仍在，连接一并关闭（端点须重连重注册，
// 不留已注销却仍收通知的幽灵连接）；设备上下线扩散给同租户在线操作端
// （值班界面据此刷新设备列表）
func (g *Gateway) HandlePresenceChange(ep *models.Endpoint, online bool, reason string) {
	if !online && reason == registry.ReasonTimeout {
		g.mu.Lock()
		c := g.conns[ep.EndpointID]
		if c != nil {
			delete(g.conns, ep.EndpointID)
		}
		g.mu.Unlock()
		if c != nil {
			c.close()
		}
	}

	notice := &models.Notification{
		Type: models.NoticePresenceChange,
		Payload: models.PresenceChangeNotice{
			EndpointID: ep.EndpointID,
			Kind:       ep.Kind,
			Online:     online,
			Reason:     reason,
		},
	}
	for _, op := range g.registry.ListByTenant(ep.TenantID, models.KindOperator) {
		if op.EndpointID == ep.EndpointID {
			continue
		}
		g.Send(op.EndpointID, notice)
	}
}

// addConn 登记通道；同端点旧通道被新连接取代并关闭
func (g *Gateway) addConn(c *conn) {
	g.mu.Lock()
	old := g.conns[c.endpointID]
	g.conns[c.endpointID] = c
	g.mu.Unlock()

	if old != nil {
		old.close()
	}
}

// removeConn 摘除通道并触发 Deregister
// 仅当当前登记的就是该通道时才摘除（避免误删取代它的新连接）
func (g *Gateway) removeConn(c *conn) {
	g.mu.Lock()
	current := g.conns[c.endpointID] == c
	if current {
		delete(g.conns, c.endpointID)
	}
	g.mu.Unlock()

	c.close()
	if current {
		g.registry.Deregister(c.endpointID)
	}
}

// readPump 入站读取循环：解码帧 → 路由意图
func (g *Gateway) readPump(c *conn) {
	defer func() {
		g.removeConn(c)
		c.ws.Close()
	}()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				g.logger.Warn("WebSocket read error",
					zap.String("endpoint_id", c.endpointID),
					zap.Error(err),
				)
			}
			return
		}

		var frame models.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			g.sendError(c.endpointID, "bad_frame", "malformed frame")
			continue
		}
		g.handleIntent(c, &frame)
	}
}

// writePump 出站写入循环
func (g *Gateway) writePump(c *conn) {
	defer c.ws.Close()

	for data := range c.send {
		c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
			g.logger.Debug("WebSocket write failed",
				zap.String("endpoint_id", c.endpointID),
				zap.Error(err),
			)
			return
		}
	}
	// 通道被关闭（端点被取代或服务停止）
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// handleIntent 入站意图路由
// 错误只回给引发错误的端点，绝不影响其他会话或租户
func (g *Gateway) handleIntent(c *conn, frame *models.Frame) {
	ctx := context.Background()

	switch frame.Type {
	case models.IntentRegister:
		var intent models.RegisterIntent
		if err := json.Unmarshal(frame.Payload, &intent); err != nil {
			g.sendError(c.endpointID, "bad_frame", "malformed register payload")
			return
		}
		err := g.registry.Register(&models.Endpoint{
			EndpointID:   c.endpointID,
			TenantID:     c.tenantID,
			Kind:         c.kind,
			Capabilities: intent.Capabilities,
		})
		if err != nil {
			g.sendIntentError(c, err)
		}

	case models.IntentHeartbeat:
		// 迟到/重复心跳不致命，忽略未知ID
		if err := g.registry.Heartbeat(c.endpointID, time.Now()); err != nil {
			g.logger.Debug("Heartbeat for unknown endpoint",
				zap.String("endpoint_id", c.endpointID),
			)
		}

	case models.IntentCallInitiate:
		var intent models.CallInitiateIntent
		if err := json.Unmarshal(frame.Payload, &intent); err != nil {
			g.sendError(c.endpointID, "bad_frame", "malformed call_initiate payload")
			return
		}
		if _, err := g.coordinator.Initiate(c.tenantID, c.endpointID, intent.CalleeIDs, intent.MediaOffer); err != nil {
			g.sendIntentError(c, err)
		}

	case models.IntentCallAccept:
		var intent models.CallAcceptIntent
		if err := json.Unmarshal(frame.Payload, &intent); err != nil {
			g.sendError(c.endpointID, "bad_frame", "malformed call_accept payload")
			return
		}
		if err := g.coordinator.Accept(c.tenantID, c.endpointID, intent.SessionID, intent.MediaAnswer); err != nil {
			g.sendIntentError(c, err)
		}

	case models.IntentCallReject:
		var intent models.CallRejectIntent
		if err := json.Unmarshal(frame.Payload, &intent); err != nil {
			g.sendError(c.endpointID, "bad_frame", "malformed call_reject payload")
			return
		}
		if err := g.coordinator.Reject(c.tenantID, c.endpointID, intent.SessionID); err != nil {
			g.sendIntentError(c, err)
		}

	case models.IntentCallTerminate:
		var intent models.CallTerminateIntent
		if err := json.Unmarshal(frame.Payload, &intent); err != nil {
			g.sendError(c.endpointID, "bad_frame", "malformed call_terminate payload")
			return
		}
		if err := g.coordinator.Terminate(c.tenantID, c.endpointID, intent.SessionID, models.ReasonHangup); err != nil {
			g.sendIntentError(c, err)
		}

	case models.IntentAlarmReport:
		var intent models.AlarmReportIntent
		if err := json.Unmarshal(frame.Payload, &intent); err != nil {
			g.sendError(c.endpointID, "bad_frame", "malformed alarm_report payload")
			return
		}
		if _, err := g.dispatcher.Report(ctx, c.tenantID, c.endpointID, &intent); err != nil {
			g.sendIntentError(c, err)
		}

	case models.IntentAlarmAck:
		var intent models.AlarmAckIntent
		if err := json.Unmarshal(frame.Payload, &intent); err != nil {
			g.sendError(c.endpointID, "bad_frame", "malformed alarm_ack payload")
			return
		}
		if err := g.dispatcher.Acknowledge(ctx, c.tenantID, c.endpointID, intent.EventID); err != nil {
			g.sendIntentError(c, err)
		}

	default:
		g.sendError(c.endpointID, "unknown_intent", string(frame.Type))
	}
}

// sendIntentError 将组件错误映射为错误通知回给发起端点
func (g *Gateway) sendIntentError(c *conn, err error) {
	g.sendError(c.endpointID, errorCode(err), err.Error())
}

func (g *Gateway) sendError(endpointID, code, message string) {
	g.Send(endpointID, &models.Notification{
		Type:    models.NoticeError,
		Payload: models.ErrorNotice{Code: code, Message: message},
	})
}

// errorCode 错误分类编码
// 未识别的内部故障一律 internal_error，不向端点泄露细节
func errorCode(err error) string {
	switch {
	case errors.Is(err, models.ErrCrossTenantDenied):
		return "cross_tenant_denied"
	case errors.Is(err, models.ErrCallerOffline):
		return "caller_offline"
	case errors.Is(err, models.ErrNoReachableCallee):
		return "no_reachable_callee"
	case errors.Is(err, models.ErrSessionNotRinging):
		return "session_not_ringing"
	case errors.Is(err, models.ErrSessionNotFound):
		return "session_not_found"
	case errors.Is(err, models.ErrUnknownDevice):
		return "unknown_device"
	case errors.Is(err, models.ErrEndpointNotFound):
		return "endpoint_not_found"
	case errors.Is(err, models.ErrDuplicateCapabilityConflict):
		return "capability_conflict"
	case errors.Is(err, models.ErrTooManyActiveSessions):
		return "too_many_active_sessions"
	case errors.Is(err, models.ErrNotInvited):
		return "not_invited"
	default:
		return "internal_error"
	}
}

// 编译期断言：网关满足协调器与分发器的发送接口
var (
	_ session.Sender    = (*Gateway)(nil)
	_ dispatcher.Sender = (*Gateway)(nil)
)
