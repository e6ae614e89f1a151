package dispatcher

import (
	"context"
	"sort"
	"sync"
	"time"

	"intercom-core/internal/config"
	"intercom-core/internal/models"
	"intercom-core/internal/registry"
	rediscommon "intercom-core/internal/redis"
	"intercom-core/internal/router"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Sender 出站通知发送接口（由 Transport Gateway 实现，不得阻塞）
// 返回通知是否已进入出站写队列；false 表示端点不在线或写队列已满
type Sender interface {
	Send(endpointID string, n *models.Notification) bool
}

// EventStore 持久化协作方接口
// 核心不实现存储，只透过该接口调用
type EventStore interface {
	PersistAlarmEvent(ctx context.Context, ev *models.AlarmEvent) error
	AcknowledgeAlarmEvent(ctx context.Context, tenantID, eventID, endpointID string) error
	LoadSubscriptions(ctx context.Context, tenantID string) ([]*models.Subscription, error)
}

// CriticalNotifier critical 级别报警的外部通知通道（webhook 等）
type CriticalNotifier interface {
	NotifyCritical(ctx context.Context, ev *models.AlarmEvent)
}

// queueEntry 订阅者队列中的一条事件
type queueEntry struct {
	ev        *models.AlarmEvent
	delivered bool // 本次连接内已投递（至少一次语义：重连后重置）
}

// subscriberQueue 单订阅者的有序出站队列
// 单写者纪律：队列变更串行在 mu 之下，不同订阅者完全并行
type subscriberQueue struct {
	mu         sync.Mutex
	tenantID   string
	endpointID string
	pending    []*queueEntry // 按 Seq 升序
	missed     int           // 超出保留窗口/被淘汰而放弃的事件数
	degraded   bool
}

// ackState 单个事件的确认进度
type ackState struct {
	ev       *models.AlarmEvent
	required map[string]bool
	acked    map[string]bool
}

// Dispatcher 报警分发器
// 保证：对任一设备，任一订阅者观察到的事件ID非降序；
// 可达订阅者至少一次投递；离线订阅者重连补投（受保留窗口约束）
type Dispatcher struct {
	cfg         *config.Config
	router      *router.TenantRouter
	sender      Sender
	store       EventStore
	redisClient *redis.Client
	notifier    CriticalNotifier
	logger      *zap.Logger

	mu     sync.RWMutex
	queues map[string]*subscriberQueue // endpoint_id -> queue

	ackMu sync.Mutex
	acks  map[string]*ackState // event_id -> progress

	subsMu sync.RWMutex
	subs   map[string][]*models.Subscription // tenant_id -> 订阅表缓存

	// 单写者纪律：同租户的序列号分配与入队串行，保证任一订阅者
	// 观察到的同设备事件ID非降序；不同租户完全并行
	seqMu   sync.Mutex
	tenants map[string]*sync.Mutex
}

// NewDispatcher 创建报警分发器
// notifier 可为 nil（未配置 webhook 时）
func NewDispatcher(
	cfg *config.Config,
	tr *router.TenantRouter,
	sender Sender,
	store EventStore,
	redisClient *redis.Client,
	notifier CriticalNotifier,
	logger *zap.Logger,
) *Dispatcher {
	return &Dispatcher{
		cfg:         cfg,
		router:      tr,
		sender:      sender,
		store:       store,
		redisClient: redisClient,
		notifier:    notifier,
		logger:      logger,
		queues:      make(map[string]*subscriberQueue),
		acks:        make(map[string]*ackState),
		subs:        make(map[string][]*models.Subscription),
		tenants:     make(map[string]*sync.Mutex),
	}
}

// Report 设备上报报警
// 设备未注册返回 ErrUnknownDevice；分配租户内单调事件ID、持久化、
// 发布下游 Stream、向命中订阅的端点扇出
func (d *Dispatcher) Report(ctx context.Context, tenantID, deviceID string, intent *models.AlarmReportIntent) (*models.AlarmEvent, error) {
	device, err := d.router.ResolveEndpoint(tenantID, deviceID)
	if err != nil {
		return nil, models.ErrUnknownDevice
	}

	severity := intent.Severity
	if !severity.Valid() {
		d.logger.Warn("Unknown alarm severity, defaulting to medium",
			zap.String("tenant_id", tenantID),
			zap.String("device_id", deviceID),
			zap.String("severity", string(intent.Severity)),
		)
		severity = models.SeverityMedium
	}

	lock := d.tenantLock(tenantID)
	lock.Lock()

	// 租户内单调序列号（排序与去重依据）
	seq, err := rediscommon.NextSequence(ctx, d.redisClient, d.cfg.Alarm.EventSeqPrefix+tenantID+":event-seq")
	if err != nil {
		lock.Unlock()
		return nil, err
	}

	ev := &models.AlarmEvent{
		EventID:     uuid.New().String(),
		Seq:         seq,
		TenantID:    tenantID,
		DeviceID:    device.EndpointID,
		DeviceGroup: intent.DeviceGroup,
		Severity:    severity,
		Payload:     intent.Payload,
		TriggeredAt: time.Now(),
	}

	if err := d.store.PersistAlarmEvent(ctx, ev); err != nil {
		lock.Unlock()
		return nil, err
	}

	// 下游历史/报表消费者（尽力而为）
	if _, err := rediscommon.PublishJSONToStream(ctx, d.redisClient, d.cfg.Alarm.EventStream, ev); err != nil {
		d.logger.Warn("Failed to publish alarm event to stream",
			zap.String("event_id", ev.EventID),
			zap.Error(err),
		)
	}

	matched, err := d.matchSubscribers(ctx, ev)
	if err != nil {
		lock.Unlock()
		return nil, err
	}

	// 需要确认的事件记录确认进度，用于重投队列回收
	if d.requiresAck(ev) && len(matched) > 0 {
		required := make(map[string]bool, len(matched))
		for _, sub := range matched {
			required[sub.EndpointID] = true
		}
		d.ackMu.Lock()
		d.acks[ev.EventID] = &ackState{ev: ev, required: required, acked: make(map[string]bool)}
		d.ackMu.Unlock()
	}

	queues := make([]*subscriberQueue, 0, len(matched))
	for _, sub := range matched {
		q := d.queueFor(ev.TenantID, sub.EndpointID)
		d.enqueue(q, ev)
		queues = append(queues, q)
	}
	lock.Unlock()

	for _, q := range queues {
		d.flush(q)
	}

	if ev.Severity == models.SeverityCritical && d.notifier != nil {
		d.notifier.NotifyCritical(ctx, ev)
	}

	d.logger.Info("Alarm event dispatched",
		zap.String("tenant_id", tenantID),
		zap.String("event_id", ev.EventID),
		zap.Int64("seq", ev.Seq),
		zap.String("device_id", deviceID),
		zap.String("severity", string(ev.Severity)),
		zap.Int("subscribers", len(matched)),
	)
	return ev, nil
}

// Acknowledge 确认报警事件，幂等
// 全部必要接收方确认后事件从内存重投队列回收（外部存储保留）
func (d *Dispatcher) Acknowledge(ctx context.Context, tenantID, endpointID, eventID string) error {
	d.ackMu.Lock()
	st, ok := d.acks[eventID]
	if ok && st.ev.TenantID != tenantID {
		d.ackMu.Unlock()
		d.logger.Warn("Cross-tenant alarm ack denied",
			zap.String("request_tenant_id", tenantID),
			zap.String("event_id", eventID),
			zap.Bool("security_event", true),
		)
		return models.ErrCrossTenantDenied
	}
	if !ok || st.acked[endpointID] {
		// 事件已回收或重复确认：无额外状态变更
		d.ackMu.Unlock()
		return nil
	}
	d.ackMu.Unlock()

	if err := d.store.AcknowledgeAlarmEvent(ctx, tenantID, eventID, endpointID); err != nil {
		return err
	}

	d.ackMu.Lock()
	st.acked[endpointID] = true
	done := true
	for id := range st.required {
		if !st.acked[id] {
			done = false
			break
		}
	}
	if done {
		delete(d.acks, eventID)
	}
	d.ackMu.Unlock()

	// 该订阅者的队列里不再保留此事件
	d.mu.RLock()
	q := d.queues[endpointID]
	d.mu.RUnlock()
	if q != nil {
		q.mu.Lock()
		q.pending = removeEvent(q.pending, eventID)
		q.mu.Unlock()
	}

	d.logger.Info("Alarm event acknowledged",
		zap.String("tenant_id", tenantID),
		zap.String("event_id", eventID),
		zap.String("endpoint_id", endpointID),
		zap.Bool("fully_acked", done),
	)
	return nil
}

// HandlePresenceChange 在线状态变更回调（挂接到 Presence Registry）
// 操作端重连时：丢弃超出保留窗口的积压（以 missed_events_count 汇总），
// 其余按序补投
func (d *Dispatcher) HandlePresenceChange(ep *models.Endpoint, online bool, reason string) {
	if !online || ep.Kind != models.KindOperator {
		return
	}

	d.mu.RLock()
	q := d.queues[ep.EndpointID]
	d.mu.RUnlock()
	if q == nil {
		return
	}

	q.mu.Lock()
	d.expireLocked(q, time.Now())
	for _, e := range q.pending {
		e.delivered = false
	}
	missed := q.missed
	q.missed = 0
	q.mu.Unlock()

	if missed > 0 {
		d.sender.Send(ep.EndpointID, &models.Notification{
			Type:    models.NoticeMissedEventsCount,
			Payload: models.MissedEventsNotice{Count: missed},
		})
	}
	d.flush(q)
}

// Degraded 查询订阅者是否处于降级状态（出站队列曾触发淘汰）
func (d *Dispatcher) Degraded(endpointID string) bool {
	d.mu.RLock()
	q := d.queues[endpointID]
	d.mu.RUnlock()
	if q == nil {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.degraded
}

// InvalidateSubscriptions 失效租户订阅缓存（租户配置变更后由外部触发）
func (d *Dispatcher) InvalidateSubscriptions(tenantID string) {
	d.subsMu.Lock()
	delete(d.subs, tenantID)
	d.subsMu.Unlock()
}

// Start 启动保留窗口回收循环，阻塞直到上下文取消
func (d *Dispatcher) Start(ctx context.Context) error {
	interval := d.cfg.Alarm.RetentionWindow / 10
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.reap(time.Now())
		}
	}
}

// reap 回收超出保留窗口的积压与确认进度
func (d *Dispatcher) reap(now time.Time) {
	d.mu.RLock()
	queues := make([]*subscriberQueue, 0, len(d.queues))
	for _, q := range d.queues {
		queues = append(queues, q)
	}
	d.mu.RUnlock()

	for _, q := range queues {
		q.mu.Lock()
		d.expireLocked(q, now)
		q.mu.Unlock()
	}

	deadline := now.Add(-d.cfg.Alarm.RetentionWindow)
	d.ackMu.Lock()
	for id, st := range d.acks {
		if st.ev.TriggeredAt.Before(deadline) {
			delete(d.acks, id)
		}
	}
	d.ackMu.Unlock()
}

// matchSubscribers 加载租户订阅表（带缓存）并筛选命中事件的订阅
func (d *Dispatcher) matchSubscribers(ctx context.Context, ev *models.AlarmEvent) ([]*models.Subscription, error) {
	d.subsMu.RLock()
	subs, ok := d.subs[ev.TenantID]
	d.subsMu.RUnlock()

	if !ok {
		loaded, err := d.store.LoadSubscriptions(ctx, ev.TenantID)
		if err != nil {
			return nil, err
		}
		d.subsMu.Lock()
		d.subs[ev.TenantID] = loaded
		d.subsMu.Unlock()
		subs = loaded
	}

	var matched []*models.Subscription
	for _, sub := range subs {
		if sub.TenantID != ev.TenantID {
			// 订阅表数据越界：绝不跨租户扇出
			continue
		}
		if sub.Matches(ev) {
			matched = append(matched, sub)
		}
	}
	return matched, nil
}

// requiresAck 判断事件级别是否达到需确认门槛
// 低于门槛的事件投递即清理，不占用重投队列
func (d *Dispatcher) requiresAck(ev *models.AlarmEvent) bool {
	floor := models.Severity(d.cfg.Alarm.AckSeverityFloor)
	return ev.Severity.Rank() >= floor.Rank()
}

// tenantLock 取租户级串行锁
func (d *Dispatcher) tenantLock(tenantID string) *sync.Mutex {
	d.seqMu.Lock()
	defer d.seqMu.Unlock()

	lock, ok := d.tenants[tenantID]
	if !ok {
		lock = &sync.Mutex{}
		d.tenants[tenantID] = lock
	}
	return lock
}

func (d *Dispatcher) queueFor(tenantID, endpointID string) *subscriberQueue {
	d.mu.Lock()
	defer d.mu.Unlock()

	q, ok := d.queues[endpointID]
	if !ok {
		q = &subscriberQueue{tenantID: tenantID, endpointID: endpointID}
		d.queues[endpointID] = q
	}
	return q
}

// enqueue 按 Seq 有序插入，超深时执行淘汰策略
func (d *Dispatcher) enqueue(q *subscriberQueue, ev *models.AlarmEvent) {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := sort.Search(len(q.pending), func(i int) bool {
		return q.pending[i].ev.Seq > ev.Seq
	})
	entry := &queueEntry{ev: ev}
	q.pending = append(q.pending, nil)
	copy(q.pending[idx+1:], q.pending[idx:])
	q.pending[idx] = entry

	if len(q.pending) > d.cfg.Alarm.QueueDepth {
		d.shedLocked(q)
	}
}

// shedLocked 队列超深时淘汰最旧的最低级别事件
// 绝不淘汰 high/critical 事件和最新入队的事件；无可淘汰项时允许队列超深
func (d *Dispatcher) shedLocked(q *subscriberQueue) {
	victim := -1
	victimRank := models.SeverityHigh.Rank()
	for i := 0; i < len(q.pending)-1; i++ {
		rank := q.pending[i].ev.Severity.Rank()
		if rank >= models.SeverityHigh.Rank() {
			continue
		}
		if rank < victimRank {
			victim = i
			victimRank = rank
		}
	}
	if victim < 0 {
		return
	}

	dropped := q.pending[victim]
	q.pending = append(q.pending[:victim], q.pending[victim+1:]...)
	q.missed++
	q.degraded = true

	d.logger.Warn("Subscriber queue degraded, shed event",
		zap.String("tenant_id", q.tenantID),
		zap.String("endpoint_id", q.endpointID),
		zap.String("event_id", dropped.ev.EventID),
		zap.String("severity", string(dropped.ev.Severity)),
		zap.Int("depth", len(q.pending)),
	)
}

// expireLocked 丢弃超出保留窗口的积压，计入 missed
func (d *Dispatcher) expireLocked(q *subscriberQueue, now time.Time) {
	deadline := now.Add(-d.cfg.Alarm.RetentionWindow)
	kept := q.pending[:0]
	for _, e := range q.pending {
		if e.ev.TriggeredAt.Before(deadline) {
			q.missed++
			continue
		}
		kept = append(kept, e)
	}
	q.pending = kept
}

// flush 向在线订阅者按序投递未投递事件
// 订阅者离线时积压保留，等待重连补投；写队列满（Send 返回 false）时
// 事件保持未投递，且停止本轮后续投递以维持有序
func (d *Dispatcher) flush(q *subscriberQueue) {
	if _, err := d.router.ResolveEndpoint(q.tenantID, q.endpointID); err != nil {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.pending[:0]
	stalled := false
	for _, e := range q.pending {
		if !e.delivered && !stalled {
			ok := d.sender.Send(q.endpointID, &models.Notification{
				Type:    models.NoticeAlarmEvent,
				Payload: e.ev,
			})
			if ok {
				e.delivered = true
			} else {
				stalled = true
			}
		}
		// 无需确认的事件投递成功后即清理
		if d.requiresAck(e.ev) || !e.delivered {
			kept = append(kept, e)
		}
	}
	q.pending = kept
}

func removeEvent(entries []*queueEntry, eventID string) []*queueEntry {
	kept := entries[:0]
	for _, e := range entries {
		if e.ev.EventID == eventID {
			continue
		}
		kept = append(kept, e)
	}
	return kept
}

// 编译期断言：注册表监听器签名匹配
var _ registry.PresenceListener = (*Dispatcher)(nil).HandlePresenceChange
