package dispatcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"intercom-core/internal/config"
	"intercom-core/internal/models"
	"intercom-core/internal/registry"
	"intercom-core/internal/router"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeSender 捕获出站通知，保留到达顺序
// rejecting 模拟写队列满：Send 拒收且不记录
type fakeSender struct {
	mu        sync.Mutex
	sent      map[string][]*models.Notification
	rejecting bool
}

func newFakeSender() *fakeSender {
	return &fakeSender{sent: make(map[string][]*models.Notification)}
}

func (f *fakeSender) Send(endpointID string, n *models.Notification) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rejecting {
		return false
	}
	f.sent[endpointID] = append(f.sent[endpointID], n)
	return true
}

func (f *fakeSender) setRejecting(rejecting bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejecting = rejecting
}

func (f *fakeSender) alarms(endpointID string) []*models.AlarmEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.AlarmEvent
	for _, n := range f.sent[endpointID] {
		if n.Type == models.NoticeAlarmEvent {
			out = append(out, n.Payload.(*models.AlarmEvent))
		}
	}
	return out
}

func (f *fakeSender) missedCounts(endpointID string) []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []int
	for _, n := range f.sent[endpointID] {
		if n.Type == models.NoticeMissedEventsCount {
			out = append(out, n.Payload.(models.MissedEventsNotice).Count)
		}
	}
	return out
}

// fakeStore 内存版 EventStore
type fakeStore struct {
	mu        sync.Mutex
	persisted []*models.AlarmEvent
	acked     map[string][]string // event_id -> endpoint_ids
	subs      map[string][]*models.Subscription
	loadCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		acked: make(map[string][]string),
		subs:  make(map[string][]*models.Subscription),
	}
}

func (f *fakeStore) PersistAlarmEvent(ctx context.Context, ev *models.AlarmEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.persisted = append(f.persisted, ev)
	return nil
}

func (f *fakeStore) AcknowledgeAlarmEvent(ctx context.Context, tenantID, eventID, endpointID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked[eventID] = append(f.acked[eventID], endpointID)
	return nil
}

func (f *fakeStore) LoadSubscriptions(ctx context.Context, tenantID string) ([]*models.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loadCalls++
	return f.subs[tenantID], nil
}

// fakeNotifier 捕获 critical 外部通知
type fakeNotifier struct {
	mu     sync.Mutex
	events []*models.AlarmEvent
}

func (f *fakeNotifier) NotifyCritical(ctx context.Context, ev *models.AlarmEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

type dispatchFixture struct {
	cfg      *config.Config
	registry *registry.PresenceRegistry
	sender   *fakeSender
	store    *fakeStore
	notifier *fakeNotifier
	disp     *Dispatcher
}

func newDispatchFixture(t *testing.T) *dispatchFixture {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	cfg := &config.Config{}
	cfg.Presence.HeartbeatTimeout = 60 * time.Second
	cfg.Presence.SweepInterval = 10 * time.Second
	cfg.Alarm.RetentionWindow = time.Hour
	cfg.Alarm.QueueDepth = 256
	cfg.Alarm.AckSeverityFloor = "high"
	cfg.Alarm.EventSeqPrefix = "intercom:tenant:"
	cfg.Alarm.EventStream = "intercom:alarm-events"

	reg := registry.NewPresenceRegistry(cfg, nil, zap.NewNop())
	tr := router.NewTenantRouter(reg, zap.NewNop())
	sender := newFakeSender()
	store := newFakeStore()
	notifier := &fakeNotifier{}
	disp := NewDispatcher(cfg, tr, sender, store, client, notifier, zap.NewNop())
	reg.AddListener(disp.HandlePresenceChange)

	return &dispatchFixture{cfg: cfg, registry: reg, sender: sender, store: store, notifier: notifier, disp: disp}
}

func (f *dispatchFixture) registerDevice(t *testing.T, id, tenant string) {
	t.Helper()
	require.NoError(t, f.registry.Register(&models.Endpoint{
		EndpointID:   id,
		TenantID:     tenant,
		Kind:         models.KindDevice,
		Capabilities: []models.Capability{models.CapReportAlarm},
	}))
}

func (f *dispatchFixture) registerOperator(t *testing.T, id, tenant string) {
	t.Helper()
	require.NoError(t, f.registry.Register(&models.Endpoint{
		EndpointID:   id,
		TenantID:     tenant,
		Kind:         models.KindOperator,
		Capabilities: []models.Capability{models.CapAnswerCall, models.CapAckAlarm},
	}))
}

func (f *dispatchFixture) subscribe(tenant, endpointID string, floor models.Severity, groups ...string) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	f.store.subs[tenant] = append(f.store.subs[tenant], &models.Subscription{
		TenantID:      tenant,
		EndpointID:    endpointID,
		SeverityFloor: floor,
		DeviceGroups:  groups,
	})
}

func TestReport_UnknownDevice(t *testing.T) {
	f := newDispatchFixture(t)

	_, err := f.disp.Report(context.Background(), "tenant-a", "ghost", &models.AlarmReportIntent{
		Severity: models.SeverityHigh,
	})
	assert.ErrorIs(t, err, models.ErrUnknownDevice)
}

// 场景：critical 报警扇出到两个在线操作端，各恰好一次且事件ID相同
func TestReport_FanOutToSubscribers(t *testing.T) {
	f := newDispatchFixture(t)
	f.registerDevice(t, "dev-1", "tenant-a")
	f.registerOperator(t, "op-1", "tenant-a")
	f.registerOperator(t, "op-2", "tenant-a")
	f.subscribe("tenant-a", "op-1", models.SeverityLow)
	f.subscribe("tenant-a", "op-2", models.SeverityLow)

	ev, err := f.disp.Report(context.Background(), "tenant-a", "dev-1", &models.AlarmReportIntent{
		Severity: models.SeverityCritical,
		Payload:  []byte(`{"zone":"entrance"}`),
	})
	require.NoError(t, err)
	require.NotEmpty(t, ev.EventID)

	for _, op := range []string{"op-1", "op-2"} {
		got := f.sender.alarms(op)
		require.Len(t, got, 1, "subscriber %s", op)
		assert.Equal(t, ev.EventID, got[0].EventID)
		assert.Equal(t, models.SeverityCritical, got[0].Severity)
	}

	// 持久化一次，critical 额外走外部通知
	f.store.mu.Lock()
	assert.Len(t, f.store.persisted, 1)
	f.store.mu.Unlock()
	f.notifier.mu.Lock()
	require.Len(t, f.notifier.events, 1)
	assert.Equal(t, ev.EventID, f.notifier.events[0].EventID)
	f.notifier.mu.Unlock()
}

func TestReport_InvalidSeverityDefaultsToMedium(t *testing.T) {
	f := newDispatchFixture(t)
	f.registerDevice(t, "dev-1", "tenant-a")
	f.registerOperator(t, "op-1", "tenant-a")
	f.subscribe("tenant-a", "op-1", models.SeverityLow)

	ev, err := f.disp.Report(context.Background(), "tenant-a", "dev-1", &models.AlarmReportIntent{
		Severity: "catastrophic",
	})
	require.NoError(t, err)
	assert.Equal(t, models.SeverityMedium, ev.Severity)
}

func TestReport_SubscriptionFilters(t *testing.T) {
	f := newDispatchFixture(t)
	f.registerDevice(t, "dev-1", "tenant-a")
	f.registerOperator(t, "op-floor", "tenant-a")
	f.registerOperator(t, "op-group", "tenant-a")
	f.subscribe("tenant-a", "op-floor", models.SeverityHigh)
	f.subscribe("tenant-a", "op-group", models.SeverityLow, "ward-b")

	_, err := f.disp.Report(context.Background(), "tenant-a", "dev-1", &models.AlarmReportIntent{
		Severity:    models.SeverityLow,
		DeviceGroup: "ward-a",
	})
	require.NoError(t, err)

	// 级别低于下限、分组不匹配：都不投递
	assert.Empty(t, f.sender.alarms("op-floor"))
	assert.Empty(t, f.sender.alarms("op-group"))
}

// 确认流：op-1 确认后事件仅保留在 op-2 的重投队列，
// op-2 也确认后确认进度整体回收
func TestAcknowledge_PerSubscriber(t *testing.T) {
	f := newDispatchFixture(t)
	f.registerDevice(t, "dev-1", "tenant-a")
	f.registerOperator(t, "op-1", "tenant-a")
	f.registerOperator(t, "op-2", "tenant-a")
	f.subscribe("tenant-a", "op-1", models.SeverityLow)
	f.subscribe("tenant-a", "op-2", models.SeverityLow)

	ev, err := f.disp.Report(context.Background(), "tenant-a", "dev-1", &models.AlarmReportIntent{
		Severity: models.SeverityHigh,
	})
	require.NoError(t, err)

	require.NoError(t, f.disp.Acknowledge(context.Background(), "tenant-a", "op-1", ev.EventID))

	// 重连补投只会到达未确认方
	f.registry.Deregister("op-1")
	f.registry.Deregister("op-2")
	f.registerOperator(t, "op-1", "tenant-a")
	f.registerOperator(t, "op-2", "tenant-a")

	assert.Len(t, f.sender.alarms("op-1"), 1) // 只有首次投递
	assert.Len(t, f.sender.alarms("op-2"), 2) // 首投 + 补投

	require.NoError(t, f.disp.Acknowledge(context.Background(), "tenant-a", "op-2", ev.EventID))

	f.store.mu.Lock()
	assert.ElementsMatch(t, []string{"op-1", "op-2"}, f.store.acked[ev.EventID])
	f.store.mu.Unlock()
}

func TestAcknowledge_Idempotent(t *testing.T) {
	f := newDispatchFixture(t)
	f.registerDevice(t, "dev-1", "tenant-a")
	f.registerOperator(t, "op-1", "tenant-a")
	f.registerOperator(t, "op-2", "tenant-a")
	f.subscribe("tenant-a", "op-1", models.SeverityLow)
	f.subscribe("tenant-a", "op-2", models.SeverityLow)

	ev, err := f.disp.Report(context.Background(), "tenant-a", "dev-1", &models.AlarmReportIntent{
		Severity: models.SeverityHigh,
	})
	require.NoError(t, err)

	require.NoError(t, f.disp.Acknowledge(context.Background(), "tenant-a", "op-1", ev.EventID))
	require.NoError(t, f.disp.Acknowledge(context.Background(), "tenant-a", "op-1", ev.EventID))

	f.store.mu.Lock()
	assert.Equal(t, []string{"op-1"}, f.store.acked[ev.EventID])
	f.store.mu.Unlock()
}

func TestAcknowledge_CrossTenantDenied(t *testing.T) {
	f := newDispatchFixture(t)
	f.registerDevice(t, "dev-1", "tenant-a")
	f.registerOperator(t, "op-1", "tenant-a")
	f.subscribe("tenant-a", "op-1", models.SeverityLow)

	ev, err := f.disp.Report(context.Background(), "tenant-a", "dev-1", &models.AlarmReportIntent{
		Severity: models.SeverityHigh,
	})
	require.NoError(t, err)

	err = f.disp.Acknowledge(context.Background(), "tenant-b", "intruder", ev.EventID)
	assert.ErrorIs(t, err, models.ErrCrossTenantDenied)
}

// 并发上报突发：任一订阅者观察到的同设备事件ID非降序
func TestReport_ConcurrentBurstOrdering(t *testing.T) {
	f := newDispatchFixture(t)
	f.registerDevice(t, "dev-1", "tenant-a")
	f.registerOperator(t, "op-1", "tenant-a")
	f.subscribe("tenant-a", "op-1", models.SeverityLow)

	const burst = 50
	var wg sync.WaitGroup
	for i := 0; i < burst; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.disp.Report(context.Background(), "tenant-a", "dev-1", &models.AlarmReportIntent{
				Severity: models.SeverityCritical,
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got := f.sender.alarms("op-1")
	require.Len(t, got, burst)
	for i := 1; i < len(got); i++ {
		assert.GreaterOrEqual(t, got[i].Seq, got[i-1].Seq,
			"delivery order must be non-decreasing by seq")
	}
}

// 离线积压 + 重连按序补投
func TestOfflineBacklog_RedeliveredOnReconnect(t *testing.T) {
	f := newDispatchFixture(t)
	f.registerDevice(t, "dev-1", "tenant-a")
	f.registerOperator(t, "op-1", "tenant-a")
	f.subscribe("tenant-a", "op-1", models.SeverityLow)
	f.registry.Deregister("op-1")

	for i := 0; i < 3; i++ {
		_, err := f.disp.Report(context.Background(), "tenant-a", "dev-1", &models.AlarmReportIntent{
			Severity: models.SeverityHigh,
		})
		require.NoError(t, err)
	}
	assert.Empty(t, f.sender.alarms("op-1"))

	f.registerOperator(t, "op-1", "tenant-a")

	got := f.sender.alarms("op-1")
	require.Len(t, got, 3)
	for i := 1; i < len(got); i++ {
		assert.Greater(t, got[i].Seq, got[i-1].Seq)
	}
	assert.Empty(t, f.sender.missedCounts("op-1"))
}

// 保留窗口过期：重连后积压丢弃并汇总为 missed_events_count
func TestOfflineBacklog_ExpiredByRetentionWindow(t *testing.T) {
	f := newDispatchFixture(t)
	f.cfg.Alarm.RetentionWindow = 30 * time.Millisecond
	f.registerDevice(t, "dev-1", "tenant-a")
	f.registerOperator(t, "op-1", "tenant-a")
	f.subscribe("tenant-a", "op-1", models.SeverityLow)
	f.registry.Deregister("op-1")

	for i := 0; i < 2; i++ {
		_, err := f.disp.Report(context.Background(), "tenant-a", "dev-1", &models.AlarmReportIntent{
			Severity: models.SeverityHigh,
		})
		require.NoError(t, err)
	}

	time.Sleep(60 * time.Millisecond)
	f.registerOperator(t, "op-1", "tenant-a")

	assert.Empty(t, f.sender.alarms("op-1"))
	assert.Equal(t, []int{2}, f.sender.missedCounts("op-1"))
}

// 队列超深淘汰：最旧最低级别先弃，critical 绝不淘汰，订阅者进入降级
func TestQueueShedding_NeverDropsCritical(t *testing.T) {
	f := newDispatchFixture(t)
	f.cfg.Alarm.QueueDepth = 2
	f.registerDevice(t, "dev-1", "tenant-a")
	f.registerOperator(t, "op-1", "tenant-a")
	f.subscribe("tenant-a", "op-1", models.SeverityLow)
	f.registry.Deregister("op-1")

	severities := []models.Severity{
		models.SeverityLow,
		models.SeverityCritical,
		models.SeverityMedium,
		models.SeverityCritical,
	}
	for _, sev := range severities {
		_, err := f.disp.Report(context.Background(), "tenant-a", "dev-1", &models.AlarmReportIntent{
			Severity: sev,
		})
		require.NoError(t, err)
	}

	assert.True(t, f.disp.Degraded("op-1"))

	f.registerOperator(t, "op-1", "tenant-a")

	// low 与 medium 被淘汰，两条 critical 存活
	got := f.sender.alarms("op-1")
	require.Len(t, got, 2)
	for _, ev := range got {
		assert.Equal(t, models.SeverityCritical, ev.Severity)
	}
	assert.Equal(t, []int{2}, f.sender.missedCounts("op-1"))
}

// 全 high 积压：无低级别可淘汰时队列允许超深，一条不丢
func TestQueueShedding_AllHighBacklogKept(t *testing.T) {
	f := newDispatchFixture(t)
	f.cfg.Alarm.QueueDepth = 2
	f.registerDevice(t, "dev-1", "tenant-a")
	f.registerOperator(t, "op-1", "tenant-a")
	f.subscribe("tenant-a", "op-1", models.SeverityLow)
	f.registry.Deregister("op-1")

	for i := 0; i < 4; i++ {
		_, err := f.disp.Report(context.Background(), "tenant-a", "dev-1", &models.AlarmReportIntent{
			Severity: models.SeverityHigh,
		})
		require.NoError(t, err)
	}

	assert.False(t, f.disp.Degraded("op-1"))

	f.registerOperator(t, "op-1", "tenant-a")

	got := f.sender.alarms("op-1")
	require.Len(t, got, 4)
	for i := 1; i < len(got); i++ {
		assert.Greater(t, got[i].Seq, got[i-1].Seq)
	}
	assert.Empty(t, f.sender.missedCounts("op-1"))
}

// 低于确认门槛的事件投递后即清理，不参与补投
func TestBelowAckFloor_DeliveredOnceNotRetained(t *testing.T) {
	f := newDispatchFixture(t)
	f.registerDevice(t, "dev-1", "tenant-a")
	f.registerOperator(t, "op-1", "tenant-a")
	f.subscribe("tenant-a", "op-1", models.SeverityLow)

	_, err := f.disp.Report(context.Background(), "tenant-a", "dev-1", &models.AlarmReportIntent{
		Severity: models.SeverityLow,
	})
	require.NoError(t, err)
	require.Len(t, f.sender.alarms("op-1"), 1)

	f.registry.Deregister("op-1")
	f.registerOperator(t, "op-1", "tenant-a")

	// 重连无补投
	assert.Len(t, f.sender.alarms("op-1"), 1)
}

// 写队列满：事件保持未投递，下一轮 flush 补投且保持有序
func TestSendRejected_EventRetainedForRetry(t *testing.T) {
	f := newDispatchFixture(t)
	f.registerDevice(t, "dev-1", "tenant-a")
	f.registerOperator(t, "op-1", "tenant-a")
	f.subscribe("tenant-a", "op-1", models.SeverityLow)

	f.sender.setRejecting(true)
	ev1, err := f.disp.Report(context.Background(), "tenant-a", "dev-1", &models.AlarmReportIntent{
		Severity: models.SeverityHigh,
	})
	require.NoError(t, err)
	// 低于确认门槛的事件也不能因投递失败而丢
	ev2, err := f.disp.Report(context.Background(), "tenant-a", "dev-1", &models.AlarmReportIntent{
		Severity: models.SeverityLow,
	})
	require.NoError(t, err)
	assert.Empty(t, f.sender.alarms("op-1"))

	// 写队列恢复，下一次报告触发的 flush 连积压一起按序投出
	f.sender.setRejecting(false)
	ev3, err := f.disp.Report(context.Background(), "tenant-a", "dev-1", &models.AlarmReportIntent{
		Severity: models.SeverityHigh,
	})
	require.NoError(t, err)

	got := f.sender.alarms("op-1")
	require.Len(t, got, 3)
	assert.Equal(t, ev1.EventID, got[0].EventID)
	assert.Equal(t, ev2.EventID, got[1].EventID)
	assert.Equal(t, ev3.EventID, got[2].EventID)
}

func TestInvalidateSubscriptions_ReloadsFromStore(t *testing.T) {
	f := newDispatchFixture(t)
	f.registerDevice(t, "dev-1", "tenant-a")
	f.registerOperator(t, "op-1", "tenant-a")
	f.subscribe("tenant-a", "op-1", models.SeverityLow)

	_, err := f.disp.Report(context.Background(), "tenant-a", "dev-1", &models.AlarmReportIntent{
		Severity: models.SeverityHigh,
	})
	require.NoError(t, err)
	_, err = f.disp.Report(context.Background(), "tenant-a", "dev-1", &models.AlarmReportIntent{
		Severity: models.SeverityHigh,
	})
	require.NoError(t, err)

	f.store.mu.Lock()
	assert.Equal(t, 1, f.store.loadCalls) // 第二次命中缓存
	f.store.mu.Unlock()

	f.disp.InvalidateSubscriptions("tenant-a")
	_, err = f.disp.Report(context.Background(), "tenant-a", "dev-1", &models.AlarmReportIntent{
		Severity: models.SeverityHigh,
	})
	require.NoError(t, err)

	f.store.mu.Lock()
	assert.Equal(t, 2, f.store.loadCalls)
	f.store.mu.Unlock()
}

// 保留窗口回收：确认进度不随过期事件无限累积
func TestReap_DropsExpiredAckState(t *testing.T) {
	f := newDispatchFixture(t)
	f.cfg.Alarm.RetentionWindow = 10 * time.Millisecond
	f.registerDevice(t, "dev-1", "tenant-a")
	f.registerOperator(t, "op-1", "tenant-a")
	f.subscribe("tenant-a", "op-1", models.SeverityLow)

	ev, err := f.disp.Report(context.Background(), "tenant-a", "dev-1", &models.AlarmReportIntent{
		Severity: models.SeverityHigh,
	})
	require.NoError(t, err)

	f.disp.reap(time.Now().Add(time.Second))

	// 过期后的确认视为重复确认：空操作
	require.NoError(t, f.disp.Acknowledge(context.Background(), "tenant-a", "op-1", ev.EventID))
	f.store.mu.Lock()
	assert.Empty(t, f.store.acked[ev.EventID])
	f.store.mu.Unlock()
}
