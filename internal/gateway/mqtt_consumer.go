package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"intercom-core/internal/config"
	"intercom-core/internal/dispatcher"
	"intercom-core/internal/models"
	"intercom-core/internal/registry"
	mqttcommon "intercom-core/internal/mqtt"

	"go.uber.org/zap"
)

// MQTTConsumer 设备侧 MQTT 接入
// 门口机通过 intercom/{tenant_id}/device/{device_id}/{alarm|heartbeat}
// 上报。主题中的租户/设备身份由 Broker 的 ACL（外部认证协作方）保证，
// 设备只被允许发布到自己的主题
type MQTTConsumer struct {
	config     *config.Config
	mqttClient *mqttcommon.Client
	registry   *registry.PresenceRegistry
	dispatcher *dispatcher.Dispatcher
	logger     *zap.Logger
}

// NewMQTTConsumer 创建MQTT消费者
func NewMQTTConsumer(
	cfg *config.Config,
	mqttClient *mqttcommon.Client,
	reg *registry.PresenceRegistry,
	disp *dispatcher.Dispatcher,
	logger *zap.Logger,
) *MQTTConsumer {
	return &MQTTConsumer{
		config:     cfg,
		mqttClient: mqttClient,
		registry:   reg,
		dispatcher: disp,
		logger:     logger,
	}
}

// Start 启动消费者
func (c *MQTTConsumer) Start(ctx context.Context) error {
	if err := c.mqttClient.Subscribe(c.config.DeviceIngress.AlarmTopic, c.config.MQTT.QoS, c.handleAlarm); err != nil {
		return fmt.Errorf("failed to subscribe to alarm topic: %w", err)
	}
	if err := c.mqttClient.Subscribe(c.config.DeviceIngress.HeartbeatTopic, c.config.MQTT.QoS, c.handleHeartbeat); err != nil {
		return fmt.Errorf("failed to subscribe to heartbeat topic: %w", err)
	}

	c.logger.Info("MQTT consumer started",
		zap.String("alarm_topic", c.config.DeviceIngress.AlarmTopic),
		zap.String("heartbeat_topic", c.config.DeviceIngress.HeartbeatTopic),
	)

	// 等待上下文取消
	<-ctx.Done()
	return nil
}

// Stop 停止消费者
func (c *MQTTConsumer) Stop() {
	if err := c.mqttClient.Unsubscribe(c.config.DeviceIngress.AlarmTopic, c.config.DeviceIngress.HeartbeatTopic); err != nil {
		c.logger.Error("Failed to unsubscribe", zap.Error(err))
	}
	c.logger.Info("MQTT consumer stopped")
}

// handleHeartbeat 设备心跳
// 未注册的设备借首个心跳完成注册（MQTT 设备没有显式注册帧）
func (c *MQTTConsumer) handleHeartbeat(topic string, payload []byte) error {
	tenantID, deviceID, err := parseDeviceTopic(topic)
	if err != nil {
		return err
	}

	if err := c.registry.Heartbeat(deviceID, time.Now()); err == models.ErrEndpointNotFound {
		return c.registry.Register(&models.Endpoint{
			EndpointID:   deviceID,
			TenantID:     tenantID,
			Kind:         models.KindDevice,
			Capabilities: []models.Capability{models.CapReportAlarm, models.CapInitiateCall},
		})
	}
	return nil
}

// handleAlarm 设备报警上报
func (c *MQTTConsumer) handleAlarm(topic string, payload []byte) error {
	tenantID, deviceID, err := parseDeviceTopic(topic)
	if err != nil {
		return err
	}

	var intent models.AlarmReportIntent
	if err := json.Unmarshal(payload, &intent); err != nil {
		c.logger.Error("Failed to unmarshal alarm report",
			zap.String("topic", topic),
			zap.Error(err),
		)
		return fmt.Errorf("failed to unmarshal alarm report: %w", err)
	}

	ev, err := c.dispatcher.Report(context.Background(), tenantID, deviceID, &intent)
	if err != nil {
		c.logger.Warn("Rejected device alarm report",
			zap.String("tenant_id", tenantID),
			zap.String("device_id", deviceID),
			zap.Error(err),
		)
		return err
	}

	c.logger.Debug("Device alarm report accepted",
		zap.String("tenant_id", tenantID),
		zap.String("event_id", ev.EventID),
	)
	return nil
}

// parseDeviceTopic 解析设备主题
// 格式: intercom/{tenant_id}/device/{device_id}/{suffix}
func parseDeviceTopic(topic string) (tenantID, deviceID string, err error) {
	parts := strings.Split(topic, "/")
	if len(parts) < 5 || parts[0] != "intercom" || parts[2] != "device" {
		return "", "", fmt.Errorf("invalid topic format: %s", topic)
	}
	return parts[1], parts[3], nil
}
