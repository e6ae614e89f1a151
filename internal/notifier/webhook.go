package notifier

import (
	"context"
	"time"

	"intercom-core/internal/config"
	"intercom-core/internal/models"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// WebhookNotifier critical 级别报警的 webhook 通知通道
// 投递失败由 resty 按配置重试，最终失败只记日志，不影响核心分发
type WebhookNotifier struct {
	httpClient *resty.Client
	url        string
	logger     *zap.Logger
}

// webhookPayload webhook 请求体
type webhookPayload struct {
	EventID     string          `json:"event_id"`
	TenantID    string          `json:"tenant_id"`
	DeviceID    string          `json:"device_id"`
	Severity    models.Severity `json:"severity"`
	TriggeredAt time.Time       `json:"triggered_at"`
}

// NewWebhookNotifier 创建 webhook 通知器
// URL 未配置返回 nil，调用方按禁用处理
func NewWebhookNotifier(cfg *config.Config, logger *zap.Logger) *WebhookNotifier {
	if cfg.Webhook.URL == "" {
		return nil
	}

	client := resty.New().
		SetTimeout(cfg.Webhook.Timeout).
		SetRetryCount(cfg.Webhook.MaxRetries).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(5 * time.Second).
		SetHeader("Content-Type", "application/json")

	return &WebhookNotifier{
		httpClient: client,
		url:        cfg.Webhook.URL,
		logger:     logger,
	}
}

// NotifyCritical 推送 critical 报警到 webhook
func (n *WebhookNotifier) NotifyCritical(ctx context.Context, ev *models.AlarmEvent) {
	payload := webhookPayload{
		EventID:     ev.EventID,
		TenantID:    ev.TenantID,
		DeviceID:    ev.DeviceID,
		Severity:    ev.Severity,
		TriggeredAt: ev.TriggeredAt,
	}

	resp, err := n.httpClient.R().
		SetContext(ctx).
		SetBody(payload).
		Post(n.url)
	if err != nil {
		n.logger.Error("Failed to deliver critical alarm webhook",
			zap.String("tenant_id", ev.TenantID),
			zap.String("event_id", ev.EventID),
			zap.Error(err),
		)
		return
	}
	if resp.IsError() {
		n.logger.Error("Critical alarm webhook rejected",
			zap.String("tenant_id", ev.TenantID),
			zap.String("event_id", ev.EventID),
			zap.Int("status_code", resp.StatusCode()),
		)
		return
	}

	n.logger.Info("Critical alarm webhook delivered",
		zap.String("tenant_id", ev.TenantID),
		zap.String("event_id", ev.EventID),
	)
}
