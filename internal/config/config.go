package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"qms/queue-engine/internal/models"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	Port     string `mapstructure:"PORT"`
	DBDSN    string `mapstructure:"DB_DSN"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	// StoreDriver selects the ticket store: postgres or memory.
	StoreDriver string `mapstructure:"STORE_DRIVER"`
	// SeedServices registers services at startup, as
	// "service_id:department_id[:name]" pairs separated by commas.
	SeedServices string `mapstructure:"SEED_SERVICES"`

	CallNextMaxAttempts int           `mapstructure:"QUEUE_CALL_NEXT_MAX_ATTEMPTS"`
	StrictSingleServer  bool          `mapstructure:"QUEUE_STRICT_SINGLE_SERVER"`
	RetentionHours      int           `mapstructure:"QUEUE_RETENTION_HOURS"`
	CleanupSchedule     string        `mapstructure:"CLEANUP_SCHEDULE"`
	CleanupLockTTL      time.Duration `mapstructure:"CLEANUP_LOCK_TTL"`
	CleanupConcurrency  int           `mapstructure:"CLEANUP_CONCURRENCY"`

	RedisAddr           string        `mapstructure:"REDIS_ADDR"`
	RedisPassword       string        `mapstructure:"REDIS_PASSWORD"`
	RedisDB             int           `mapstructure:"REDIS_DB"`
	RedisChannelPrefix  string        `mapstructure:"REDIS_CHANNEL_PREFIX"`
	AMQPURL             string        `mapstructure:"AMQP_URL"`
	AMQPExchange        string        `mapstructure:"AMQP_EXCHANGE"`
	EventPublishTimeout time.Duration `mapstructure:"EVENT_PUBLISH_TIMEOUT"`

	NotifyProvider     string `mapstructure:"NOTIFY_PROVIDER"`
	NotifyWebhookURL   string `mapstructure:"NOTIFY_WEBHOOK_URL"`
	NotifyWebhookToken string `mapstructure:"NOTIFY_WEBHOOK_TOKEN"`

	RateLimitPerMinute           int `mapstructure:"RATE_LIMIT_PER_MIN"`
	RateLimitBurst               int `mapstructure:"RATE_LIMIT_BURST"`
	DepartmentRateLimitPerMinute int `mapstructure:"DEPARTMENT_RATE_LIMIT_PER_MIN"`
	DepartmentRateLimitBurst     int `mapstructure:"DEPARTMENT_RATE_LIMIT_BURST"`

	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// Load reads an optional .env file and the environment. Environment values
// win over the file.
func Load() (Config, error) {
	return load(".env")
}

func load(file string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(file)
	v.SetConfigType("env")
	v.AutomaticEnv()
	// A missing file is fine; one that exists must parse.
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.Is(err, fs.ErrNotExist) && !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	// AutomaticEnv only resolves keys viper already knows about, so every
	// key gets a default, empty or not.
	v.SetDefault("PORT", "8080")
	v.SetDefault("DB_DSN", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("STORE_DRIVER", DriverPostgres)
	v.SetDefault("SEED_SERVICES", "")
	v.SetDefault("QUEUE_CALL_NEXT_MAX_ATTEMPTS", 3)
	v.SetDefault("QUEUE_STRICT_SINGLE_SERVER", false)
	v.SetDefault("QUEUE_RETENTION_HOURS", 24)
	v.SetDefault("CLEANUP_SCHEDULE", "@every 1h")
	v.SetDefault("CLEANUP_LOCK_TTL", "10m")
	v.SetDefault("CLEANUP_CONCURRENCY", 4)
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_CHANNEL_PREFIX", "qms:queue")
	v.SetDefault("AMQP_URL", "")
	v.SetDefault("AMQP_EXCHANGE", "qms.queue.events")
	v.SetDefault("EVENT_PUBLISH_TIMEOUT", "2s")
	v.SetDefault("NOTIFY_PROVIDER", "log")
	v.SetDefault("NOTIFY_WEBHOOK_URL", "")
	v.SetDefault("NOTIFY_WEBHOOK_TOKEN", "")
	v.SetDefault("RATE_LIMIT_PER_MIN", 120)
	v.SetDefault("RATE_LIMIT_BURST", 30)
	v.SetDefault("DEPARTMENT_RATE_LIMIT_PER_MIN", 600)
	v.SetDefault("DEPARTMENT_RATE_LIMIT_BURST", 120)
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.StoreDriver {
	case DriverPostgres:
		if c.DBDSN == "" {
			return fmt.Errorf("DB_DSN is required when STORE_DRIVER=%s", DriverPostgres)
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if c.CallNextMaxAttempts < 1 {
		return fmt.Errorf("QUEUE_CALL_NEXT_MAX_ATTEMPTS must be at least 1")
	}
	if c.RetentionHours < 1 {
		return fmt.Errorf("QUEUE_RETENTION_HOURS must be at least 1")
	}
	if _, err := c.Services(); err != nil {
		return err
	}
	return nil
}

func (c Config) Services() ([]models.Service, error) {
	var services []models.Service
	for _, entry := range strings.Split(c.SeedServices, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) < 2 || strings.TrimSpace(parts[0]) == "" || strings.TrimSpace(parts[1]) == "" {
			return nil, fmt.Errorf("SEED_SERVICES entry %q must be service_id:department_id[:name]", entry)
		}
		service := models.Service{
			ServiceID:    strings.TrimSpace(parts[0]),
			DepartmentID: strings.TrimSpace(parts[1]),
			Name:         strings.TrimSpace(parts[0]),
			Active:       true,
		}
		if len(parts) == 3 && strings.TrimSpace(parts[2]) != "" {
			service.Name = strings.TrimSpace(parts[2])
		}
		services = append(services, service)
	}
	return services, nil
}

func (c Config) Retention() time.Duration {
	return time.Duration(c.RetentionHours) * time.Hour
}

// NewRedisClient connects to REDIS_ADDR. A nil client with a nil error
// means Redis is not configured; callers run without it.
func NewRedisClient(ctx context.Context, c Config) (*redis.Client, error) {
	if c.RedisAddr == "" {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     c.RedisAddr,
		Password: c.RedisPassword,
		DB:       c.RedisDB,
	})
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", c.RedisAddr, err)
	}
	return client, nil
}
