// Package config 配置
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pen/orchestrator/internal/workflow"
	envconfig "github.com/pen/orchestrator/pkg/config"
)

const (
	BusRedis = "redis"
	BusNATS  = "nats"
)

// Config 服务配置
type Config struct {
	ServiceName string
	AppEnv      string
	HTTPPort    int
	LogLevel    string

	// PostgreSQL
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis
	RedisAddr     string
	RedisPassword string

	// Bus
	BusDriver           string
	NATSURL             string
	NATSStream          string
	ConsumerGroup       string
	ConsumerName        string
	ConsumerConcurrency int
	// ConsumerMaxRetries 投递次数超过后进入死信流
	ConsumerMaxRetries int
	ConsumerClaimIdle  time.Duration

	Topics        workflow.Topics
	NotifyTimeout time.Duration

	// Recovery
	RecoveryInterval   time.Duration
	RecoveryGrace      time.Duration
	RecoveryBatchSize  int
	RecoveryMaxRetries int

	// Retention
	RetentionCron        string
	RetentionAge         time.Duration
	RetentionDeleteSagas bool

	InternalToken string
	MetricsToken  string

	// Dashboard feed
	SagaStatusChannel string
	WSAllowedOrigins  []string
	WSMaxConnections  int

	// Tracing
	TracingEnabled    bool
	TracingEndpoint   string
	TracingSampleRate float64
}

// fileConfig CONFIG_FILE 的内容，目前只允许覆盖 topic
type fileConfig struct {
	Topics workflow.Topics `yaml:"topics"`
}

// Load 加载配置；设置了 CONFIG_FILE 时用文件中的 topic 覆盖默认值
func Load() (*Config, error) {
	appEnv := strings.ToLower(envconfig.GetEnv("APP_ENV", "dev"))
	cfg := &Config{
		ServiceName: envconfig.GetEnv("SERVICE_NAME", "pen-orchestrator"),
		AppEnv:      appEnv,
		HTTPPort:    envconfig.GetEnvInt("HTTP_PORT", 8090),
		LogLevel:    envconfig.GetEnv("LOG_LEVEL", "info"),

		DBHost:     envconfig.GetEnv("DB_HOST", "localhost"),
		DBPort:     envconfig.GetEnvInt("DB_PORT", 5432),
		DBUser:     envconfig.GetEnv("DB_USER", "pen"),
		DBPassword: envconfig.GetEnv("DB_PASSWORD", "pen123"),
		DBName:     envconfig.GetEnv("DB_NAME", "pen_saga"),
		DBSSLMode:  envconfig.GetEnv("DB_SSL_MODE", "disable"),

		RedisAddr:     envconfig.GetEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: envconfig.GetEnv("REDIS_PASSWORD", ""),

		BusDriver:           strings.ToLower(envconfig.GetEnv("BUS_DRIVER", BusRedis)),
		NATSURL:             envconfig.GetEnv("NATS_URL", "nats://localhost:4222"),
		NATSStream:          envconfig.GetEnv("NATS_STREAM", "PEN_SAGA"),
		ConsumerGroup:       envconfig.GetEnv("CONSUMER_GROUP", "pen-orchestrator"),
		ConsumerName:        envconfig.GetEnv("CONSUMER_NAME", hostname()),
		ConsumerConcurrency: envconfig.GetEnvInt("CONSUMER_CONCURRENCY", 8),
		ConsumerMaxRetries:  envconfig.GetEnvInt("CONSUMER_MAX_RETRIES", 10),
		ConsumerClaimIdle:   envconfig.GetEnvDuration("CONSUMER_CLAIM_MIN_IDLE", 30*time.Second),

		Topics:        workflow.DefaultTopics(),
		NotifyTimeout: envconfig.GetEnvDuration("NOTIFY_TIMEOUT", workflow.DefaultNotifyTimeout),

		RecoveryInterval:   envconfig.GetEnvDuration("RECOVERY_INTERVAL", time.Minute),
		RecoveryGrace:      envconfig.GetEnvDuration("RECOVERY_GRACE", 5*time.Minute),
		RecoveryBatchSize:  envconfig.GetEnvInt("RECOVERY_BATCH_SIZE", 100),
		RecoveryMaxRetries: envconfig.GetEnvInt("RECOVERY_MAX_RETRIES", 0),

		RetentionCron:        envconfig.GetEnv("RETENTION_CRON", "0 3 * * *"),
		RetentionAge:         envconfig.GetEnvDuration("RETENTION_AGE", 30*24*time.Hour),
		RetentionDeleteSagas: envconfig.GetEnvBool("RETENTION_DELETE_SAGAS", false),

		InternalToken: envconfig.GetEnv("INTERNAL_TOKEN", ""),
		MetricsToken:  envconfig.GetEnv("METRICS_TOKEN", ""),

		SagaStatusChannel: envconfig.GetEnv("SAGA_STATUS_CHANNEL", "pen:saga:status"),
		WSAllowedOrigins:  envconfig.GetEnvSlice("WS_ALLOWED_ORIGINS", nil),
		WSMaxConnections:  envconfig.GetEnvInt("WS_MAX_CONNECTIONS", 256),

		TracingEnabled:    envconfig.GetEnvBool("TRACING_ENABLED", false),
		TracingEndpoint:   envconfig.GetEnv("TRACING_ENDPOINT", "http://localhost:14268/api/traces"),
		TracingSampleRate: envconfig.GetEnvFloat64("TRACING_SAMPLE_RATE", 1),
	}

	if path := envconfig.GetEnv("CONFIG_FILE", ""); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read CONFIG_FILE: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse CONFIG_FILE %s: %w", path, err)
	}
	c.Topics = c.Topics.Merge(fc.Topics)
	return nil
}

func (c *Config) Validate() error {
	switch c.BusDriver {
	case BusRedis, BusNATS:
	default:
		return fmt.Errorf("BUS_DRIVER must be %q or %q, got %q", BusRedis, BusNATS, c.BusDriver)
	}
	if c.BusDriver == BusNATS && c.NATSURL == "" {
		return fmt.Errorf("NATS_URL is required when BUS_DRIVER=nats")
	}
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("HTTP_PORT out of range: %d", c.HTTPPort)
	}
	if c.ConsumerConcurrency <= 0 {
		return fmt.Errorf("CONSUMER_CONCURRENCY must be positive")
	}
	if c.RecoveryInterval <= 0 {
		return fmt.Errorf("RECOVERY_INTERVAL must be positive")
	}
	if c.RecoveryGrace < 0 {
		return fmt.Errorf("RECOVERY_GRACE must not be negative")
	}
	if c.RecoveryBatchSize <= 0 {
		return fmt.Errorf("RECOVERY_BATCH_SIZE must be positive")
	}
	if c.RecoveryMaxRetries < 0 {
		return fmt.Errorf("RECOVERY_MAX_RETRIES must not be negative")
	}
	if c.RetentionAge <= 0 {
		return fmt.Errorf("RETENTION_AGE must be positive")
	}
	if err := c.Topics.Validate(); err != nil {
		return fmt.Errorf("topics: %w", err)
	}
	if c.AppEnv != "dev" {
		if c.InternalToken == "" {
			return fmt.Errorf("INTERNAL_TOKEN is required (APP_ENV=%s)", c.AppEnv)
		}
		if len(c.InternalToken) < envconfig.MinSecretLength {
			return fmt.Errorf("INTERNAL_TOKEN must be at least %d characters (APP_ENV=%s)", envconfig.MinSecretLength, c.AppEnv)
		}
		if envconfig.IsInsecureDevSecret(c.InternalToken) {
			return fmt.Errorf("INTERNAL_TOKEN must not be a dev placeholder (APP_ENV=%s)", c.AppEnv)
		}
		if c.DBPassword == "" || c.DBPassword == "pen123" {
			return fmt.Errorf("DB_PASSWORD must be explicitly set (APP_ENV=%s)", c.AppEnv)
		}
	}
	return nil
}

// DSN 返回数据库连接字符串
func (c *Config) DSN() string {
	return "host=" + c.DBHost +
		" port=" + strconv.Itoa(c.DBPort) +
		" user=" + c.DBUser +
		" password=" + c.DBPassword +
		" dbname=" + c.DBName +
		" sslmode=" + c.DBSSLMode
}

// HTTPAddr 监听地址
func (c *Config) HTTPAddr() string {
	return ":" + strconv.Itoa(c.HTTPPort)
}

func hostname() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "pen-orchestrator"
}
