package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func missingFile(t *testing.T) string {
	return filepath.Join(t.TempDir(), "absent.env")
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")

	cfg, err := load(missingFile(t))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "8080" || cfg.CallNextMaxAttempts != 3 || cfg.StrictSingleServer {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.Retention() != 24*time.Hour {
		t.Fatalf("expected 24h retention, got %s", cfg.Retention())
	}
	if cfg.CleanupSchedule != "@every 1h" || cfg.CleanupLockTTL != 10*time.Minute {
		t.Fatalf("unexpected cleanup defaults %q %s", cfg.CleanupSchedule, cfg.CleanupLockTTL)
	}
	if cfg.EventPublishTimeout != 2*time.Second {
		t.Fatalf("expected 2s publish timeout, got %s", cfg.EventPublishTimeout)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("STORE_DRIVER", "Postgres")
	t.Setenv("DB_DSN", "postgres://localhost/qms")
	t.Setenv("QUEUE_CALL_NEXT_MAX_ATTEMPTS", "5")
	t.Setenv("QUEUE_STRICT_SINGLE_SERVER", "true")
	t.Setenv("CLEANUP_LOCK_TTL", "90s")
	t.Setenv("REDIS_DB", "2")

	cfg, err := load(missingFile(t))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StoreDriver != DriverPostgres || cfg.DBDSN != "postgres://localhost/qms" {
		t.Fatalf("unexpected store config %+v", cfg)
	}
	if cfg.CallNextMaxAttempts != 5 || !cfg.StrictSingleServer {
		t.Fatalf("unexpected queue config %+v", cfg)
	}
	if cfg.CleanupLockTTL != 90*time.Second || cfg.RedisDB != 2 {
		t.Fatalf("unexpected durations or redis db %+v", cfg)
	}
}

func TestLoadFromEnvFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), ".env")
	content := "STORE_DRIVER=memory\nPORT=9090\nQUEUE_RETENTION_HOURS=48\n"
	if err := os.WriteFile(file, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	cfg, err := load(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "9090" || cfg.Retention() != 48*time.Hour {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestLoadRejectsMalformedEnvFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), ".env")
	content := "STORE_DRIVER=memory\nthis line has no separator\n"
	if err := os.WriteFile(file, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	if _, err := load(file); err == nil {
		t.Fatalf("expected malformed env file to fail loading")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"memory", Config{StoreDriver: DriverMemory, CallNextMaxAttempts: 1, RetentionHours: 1}, false},
		{"postgres without dsn", Config{StoreDriver: DriverPostgres, CallNextMaxAttempts: 1, RetentionHours: 1}, true},
		{"unknown driver", Config{StoreDriver: "mysql", CallNextMaxAttempts: 1, RetentionHours: 1}, true},
		{"zero attempts", Config{StoreDriver: DriverMemory, RetentionHours: 1}, true},
	}
	for _, tt := range cases {
		err := tt.cfg.Validate()
		if (err != nil) != tt.wantErr {
			t.Fatalf("%s: expected error=%v, got %v", tt.name, tt.wantErr, err)
		}
	}
}

func TestNewRedisClientUnconfigured(t *testing.T) {
	client, err := NewRedisClient(context.Background(), Config{})
	if err != nil || client != nil {
		t.Fatalf("expected nil client without REDIS_ADDR, got %v %v", client, err)
	}
}

func TestSeedServices(t *testing.T) {
	cfg := Config{SeedServices: " svc-a:dept-a:Accounts, svc-b:dept-b ,"}
	services, err := cfg.Services()
	if err != nil {
		t.Fatalf("services: %v", err)
	}
	if len(services) != 2 {
		t.Fatalf("expected 2 services, got %d", len(services))
	}
	if services[0].ServiceID != "svc-a" || services[0].DepartmentID != "dept-a" || services[0].Name != "Accounts" || !services[0].Active {
		t.Fatalf("unexpected first service %+v", services[0])
	}
	if services[1].Name != "svc-b" {
		t.Fatalf("expected name to default to the id, got %q", services[1].Name)
	}

	for _, raw := range []string{"svc-a", ":dept-a", "svc-a:"} {
		if _, err := (Config{SeedServices: raw}).Services(); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}
