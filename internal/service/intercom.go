package service

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"intercom-core/internal/config"
	"intercom-core/internal/database"
	"intercom-core/internal/dispatcher"
	"intercom-core/internal/gateway"
	"intercom-core/internal/notifier"
	"intercom-core/internal/registry"
	"intercom-core/internal/repository"
	"intercom-core/internal/router"
	"intercom-core/internal/session"

	mqttcommon "intercom-core/internal/mqtt"
	rediscommon "intercom-core/internal/redis"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// IntercomService 对讲信令核心服务（整合各层）
type IntercomService struct {
	config      *config.Config
	db          *sql.DB
	redisClient *redis.Client
	logger      *zap.Logger

	// 各层组件
	registry     *registry.PresenceRegistry
	tenantRouter *router.TenantRouter
	coordinator  *session.Coordinator
	dispatcher   *dispatcher.Dispatcher
	gateway      *gateway.Gateway
	mqttConsumer *gateway.MQTTConsumer
	mqttClient   *mqttcommon.Client
	server       *Server

	alarmEventsRepo   *repository.AlarmEventsRepository
	subscriptionsRepo *repository.SubscriptionsRepository
	callRecordsRepo   *repository.CallRecordsRepository
}

// NewIntercomService 创建对讲信令核心服务
func NewIntercomService(cfg *config.Config, logger *zap.Logger) (*IntercomService, error) {
	// 1. 连接数据库
	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		return nil, err
	}

	// 2. 连接 Redis
	redisClient := rediscommon.NewRedisClient(&cfg.Redis)
	if err := rediscommon.Ping(context.Background(), redisClient); err != nil {
		db.Close()
		return nil, err
	}

	// 3. 创建 Repository 层
	alarmEventsRepo := repository.NewAlarmEventsRepository(db, logger)
	subscriptionsRepo := repository.NewSubscriptionsRepository(db, logger)
	callRecordsRepo := repository.NewCallRecordsRepository(db, logger)

	// 4. 创建核心组件（叶子在前）
	reg := registry.NewPresenceRegistry(cfg, redisClient, logger)
	tenantRouter := router.NewTenantRouter(reg, logger)
	gw := gateway.NewGateway(cfg, reg, logger)

	webhook := notifier.NewWebhookNotifier(cfg, logger)
	var criticalNotifier dispatcher.CriticalNotifier
	if webhook != nil {
		criticalNotifier = webhook
	}
	disp := dispatcher.NewDispatcher(cfg, tenantRouter, gw,
		newAlarmStore(alarmEventsRepo, subscriptionsRepo), redisClient, criticalNotifier, logger)

	recorder := newCallRecorder(callRecordsRepo, redisClient, cfg.CallRecord.Stream, logger)
	coord := session.NewCoordinator(cfg, tenantRouter, gw, recorder, logger)

	gw.Bind(coord, disp)

	// 5. 在线状态变更挂接：会话剪除 → 报警补投 → 操作端广播
	reg.AddListener(coord.HandlePresenceChange)
	reg.AddListener(disp.HandlePresenceChange)
	reg.AddListener(gw.HandlePresenceChange)

	// 6. 设备侧 MQTT 接入（可选）
	var mqttClient *mqttcommon.Client
	var mqttConsumer *gateway.MQTTConsumer
	if cfg.MQTT.Enabled {
		mqttClient, err = mqttcommon.NewClient(&cfg.MQTT)
		if err != nil {
			db.Close()
			redisClient.Close()
			return nil, err
		}
		mqttConsumer = gateway.NewMQTTConsumer(cfg, mqttClient, reg, disp, logger)
	}

	// 7. HTTP/WebSocket 服务
	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Server.WSPath, gw.HandleWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	server := NewServer(cfg.Server.Addr, mux, logger)

	return &IntercomService{
		config:            cfg,
		db:                db,
		redisClient:       redisClient,
		logger:            logger,
		registry:          reg,
		tenantRouter:      tenantRouter,
		coordinator:       coord,
		dispatcher:        disp,
		gateway:           gw,
		mqttConsumer:      mqttConsumer,
		mqttClient:        mqttClient,
		server:            server,
		alarmEventsRepo:   alarmEventsRepo,
		subscriptionsRepo: subscriptionsRepo,
		callRecordsRepo:   callRecordsRepo,
	}, nil
}

// Start 启动服务，阻塞直到上下文取消或某个组件出错
func (s *IntercomService) Start(ctx context.Context) error {
	s.logger.Info("Starting intercom core service")

	errChan := make(chan error, 4)

	go func() {
		errChan <- s.registry.Start(ctx)
	}()
	go func() {
		errChan <- s.dispatcher.Start(ctx)
	}()
	if s.mqttConsumer != nil {
		go func() {
			errChan <- s.mqttConsumer.Start(ctx)
		}()
	}
	go func() {
		if err := s.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
			return
		}
		errChan <- nil
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errChan:
		return err
	}
}

// Stop 停止服务并释放资源
func (s *IntercomService) Stop() error {
	s.logger.Info("Stopping intercom core service")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.server.Stop(shutdownCtx); err != nil {
		s.logger.Error("Failed to stop HTTP server", zap.Error(err))
	}

	if s.mqttConsumer != nil {
		s.mqttConsumer.Stop()
	}
	if s.mqttClient != nil {
		s.mqttClient.Disconnect()
	}

	if err := s.redisClient.Close(); err != nil {
		s.logger.Error("Failed to close redis", zap.Error(err))
	}
	if err := s.db.Close(); err != nil {
		s.logger.Error("Failed to close database", zap.Error(err))
	}
	return nil
}
