package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("BUS_DRIVER", "")
	t.Setenv("RECOVERY_INTERVAL", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BusDriver != BusRedis {
		t.Fatalf("bus driver = %q", cfg.BusDriver)
	}
	if cfg.RecoveryInterval != time.Minute || cfg.RecoveryGrace != 5*time.Minute {
		t.Fatalf("recovery = %s/%s", cfg.RecoveryInterval, cfg.RecoveryGrace)
	}
	if cfg.Topics.MatchAndAssign != "MATCH_AND_ASSIGN_SAGA_TOPIC" {
		t.Fatalf("topic = %q", cfg.Topics.MatchAndAssign)
	}
	if cfg.SagaStatusChannel != "pen:saga:status" {
		t.Fatalf("channel = %q", cfg.SagaStatusChannel)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("BUS_DRIVER", "NATS")
	t.Setenv("CONSUMER_CONCURRENCY", "3")
	t.Setenv("RECOVERY_GRACE", "90s")
	t.Setenv("RETENTION_DELETE_SAGAS", "true")
	t.Setenv("WS_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("DB_SSL_MODE", "require")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BusDriver != BusNATS || cfg.ConsumerConcurrency != 3 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.RecoveryGrace != 90*time.Second || !cfg.RetentionDeleteSagas {
		t.Fatalf("recovery grace %s delete %v", cfg.RecoveryGrace, cfg.RetentionDeleteSagas)
	}
	if len(cfg.WSAllowedOrigins) != 2 || cfg.WSAllowedOrigins[1] != "https://b.example" {
		t.Fatalf("origins = %v", cfg.WSAllowedOrigins)
	}
	if !strings.HasSuffix(cfg.DSN(), "sslmode=require") {
		t.Fatalf("dsn = %q", cfg.DSN())
	}
}

func TestLoadConfigFileOverridesTopics(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orchestrator.yaml")
	body := "topics:\n  penMatch: PEN_MATCH_V2\n  notification: NOTIFY_V2\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Topics.PenMatch != "PEN_MATCH_V2" || cfg.Topics.Notification != "NOTIFY_V2" {
		t.Fatalf("topics = %+v", cfg.Topics)
	}
	if cfg.Topics.Student != "STUDENT_API_TOPIC" {
		t.Fatalf("untouched topic changed: %q", cfg.Topics.Student)
	}
}

func TestLoadConfigFileErrors(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing file")
	}

	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("topics: [unclosed"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)
	if _, err := Load(); err == nil {
		t.Fatal("expected error for bad yaml")
	}
}

func validConfig(t *testing.T) *Config {
	t.Helper()
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("APP_ENV", "dev")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"bad bus", func(c *Config) { c.BusDriver = "kafka" }, "BUS_DRIVER"},
		{"nats without url", func(c *Config) { c.BusDriver = BusNATS; c.NATSURL = "" }, "NATS_URL"},
		{"zero concurrency", func(c *Config) { c.ConsumerConcurrency = 0 }, "CONSUMER_CONCURRENCY"},
		{"zero interval", func(c *Config) { c.RecoveryInterval = 0 }, "RECOVERY_INTERVAL"},
		{"negative retries", func(c *Config) { c.RecoveryMaxRetries = -1 }, "RECOVERY_MAX_RETRIES"},
		{"empty topic", func(c *Config) { c.Topics.Student = "" }, "Student"},
		{"prod without token", func(c *Config) { c.AppEnv = "prod" }, "INTERNAL_TOKEN is required"},
		{"prod short token", func(c *Config) { c.AppEnv = "prod"; c.InternalToken = "short" }, "at least"},
		{"prod placeholder", func(c *Config) {
			c.AppEnv = "prod"
			c.InternalToken = "dev-internal-token-change-me"
		}, "placeholder"},
		{"prod default db password", func(c *Config) {
			c.AppEnv = "prod"
			c.InternalToken = "a-long-enough-internal-token"
			c.DBPassword = "pen123"
		}, "DB_PASSWORD"},
		{"prod ok", func(c *Config) {
			c.AppEnv = "prod"
			c.InternalToken = "a-long-enough-internal-token"
			c.DBPassword = "s3cret"
		}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}
