package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MaxIdle  int
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// MQTTConfig MQTT配置
type MQTTConfig struct {
	Enabled  bool
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      byte
}

// Config 对讲信令核心服务配置
type Config struct {
	Database DatabaseConfig
	Redis    RedisConfig
	MQTT     MQTTConfig

	// HTTP/WebSocket 服务配置
	Server struct {
		Addr   string // 监听地址，如 ":8080"
		WSPath string // WebSocket 接入路径，如 "/ws"
	}

	// 在线状态管理配置
	Presence struct {
		HeartbeatTimeout time.Duration // 心跳超时，超过则判定离线
		SweepInterval    time.Duration // 存活巡检间隔
		SnapshotPrefix   string        // Redis 在线快照键前缀，如 "intercom:presence:"
	}

	// 呼叫会话配置
	Session struct {
		RingTimeout          time.Duration // 振铃超时，未接听自动失败
		MaxActivePerEndpoint int           // 单端点最大并发活跃会话数，0 表示不限制
	}

	// 报警分发配置
	Alarm struct {
		RetentionWindow  time.Duration // 离线补投保留窗口
		QueueDepth       int           // 单订阅者出站队列深度
		AckSeverityFloor string        // 需要确认的最低级别（低于此级别投递即清理）
		EventSeqPrefix   string        // 租户事件序列号键前缀，如 "intercom:tenant:"
		EventStream      string        // 报警事件下游 Stream 名称
	}

	// 通话记录下游配置
	CallRecord struct {
		Stream string // 通话记录下游 Stream 名称
	}

	// Webhook 通知配置（critical 报警）
	Webhook struct {
		URL        string // 为空则禁用
		MaxRetries int
		Timeout    time.Duration
	}

	// MQTT 设备接入主题配置
	DeviceIngress struct {
		AlarmTopic     string // 如 "intercom/+/device/+/alarm"
		HeartbeatTopic string // 如 "intercom/+/device/+/heartbeat"
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置（环境变量 + 默认值，启动后不再变更）
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = getEnvInt("DB_PORT", 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "intercom")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.MaxConns = getEnvInt("DB_MAX_CONNS", 10)
	cfg.Database.MaxIdle = getEnvInt("DB_MAX_IDLE", 5)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)

	cfg.MQTT.Enabled = getEnv("MQTT_ENABLED", "true") == "true"
	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "tcp://localhost:1883")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "intercom-core")
	cfg.MQTT.Username = getEnv("MQTT_USERNAME", "")
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", "")
	cfg.MQTT.QoS = 1

	cfg.Server.Addr = getEnv("SERVER_ADDR", ":8080")
	cfg.Server.WSPath = getEnv("SERVER_WS_PATH", "/ws")

	// 原系统默认：心跳间隔 30 秒，超时 60 秒
	cfg.Presence.HeartbeatTimeout = getEnvSeconds("PRESENCE_HEARTBEAT_TIMEOUT", 60)
	cfg.Presence.SweepInterval = getEnvSeconds("PRESENCE_SWEEP_INTERVAL", 10)
	cfg.Presence.SnapshotPrefix = getEnv("PRESENCE_SNAPSHOT_PREFIX", "intercom:presence:")

	cfg.Session.RingTimeout = getEnvSeconds("SESSION_RING_TIMEOUT", 30)
	cfg.Session.MaxActivePerEndpoint = getEnvInt("SESSION_MAX_ACTIVE_PER_ENDPOINT", 1)

	cfg.Alarm.RetentionWindow = getEnvSeconds("ALARM_RETENTION_WINDOW", 3600)
	cfg.Alarm.QueueDepth = getEnvInt("ALARM_QUEUE_DEPTH", 256)
	cfg.Alarm.AckSeverityFloor = getEnv("ALARM_ACK_SEVERITY_FLOOR", "high")
	cfg.Alarm.EventSeqPrefix = getEnv("ALARM_EVENT_SEQ_PREFIX", "intercom:tenant:")
	cfg.Alarm.EventStream = getEnv("ALARM_EVENT_STREAM", "intercom:alarm-events")

	cfg.CallRecord.Stream = getEnv("CALL_RECORD_STREAM", "intercom:call-records")

	cfg.Webhook.URL = getEnv("WEBHOOK_URL", "")
	cfg.Webhook.MaxRetries = getEnvInt("WEBHOOK_MAX_RETRIES", 3)
	cfg.Webhook.Timeout = getEnvSeconds("WEBHOOK_TIMEOUT", 5)

	cfg.DeviceIngress.AlarmTopic = getEnv("DEVICE_ALARM_TOPIC", "intercom/+/device/+/alarm")
	cfg.DeviceIngress.HeartbeatTopic = getEnv("DEVICE_HEARTBEAT_TOPIC", "intercom/+/device/+/heartbeat")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvSeconds(key string, defaultSeconds int) time.Duration {
	return time.Duration(getEnvInt(key, defaultSeconds)) * time.Second
}
