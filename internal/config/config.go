package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
	BackendRedis    = "redis"

	configFileEnv = "EINVOICE_CONFIG"
)

type Config struct {
	HTTPPort       string
	StorageBackend string
	PostgresDSN    string
	MigrationsPath string
	AutoMigrate    bool

	AuthorityBaseURL     string
	AuthorityAPIKey      string
	AuthorityTimeout     time.Duration
	AuthorityServiceName string

	BreakerBackend          string
	BreakerFailureThreshold int
	BreakerSuccessThreshold int
	BreakerTimeout          time.Duration

	QueueMaxRetries    int
	QueueBaseDelay     time.Duration
	QueueMaxDelay      time.Duration
	QueueJitter        bool
	QueuePollInterval  time.Duration
	QueueIdleDelay     time.Duration
	QueueBatchSize     int
	QueueStaleAfter    time.Duration
	QueueStrandedAfter time.Duration
	QueueRetentionDays int

	IdempotencyReservationTTL time.Duration
	IdempotencyLockWait       time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	NATSURL string

	MinioEndpoint     string
	MinioAccessKey    string
	MinioSecretKey    string
	MinioUseSSL       bool
	MinioExportBucket string
	MinioDropBucket   string
	MinioDropPrefix   string

	TemporalAddress        string
	TemporalNamespace      string
	TemporalTaskQueue      string
	MaintenanceCron        string
	MaintenanceRetryFailed bool
	WorkflowIDPrefix       string

	LogLevel  string
	LogFormat string
}

var defaults = map[string]any{
	"http_port":       "8080",
	"storage_backend": BackendPostgres,
	"migrations_path": "migrations",
	"auto_migrate":    true,

	"authority_timeout_sec":  30,
	"authority_service_name": "tax-authority",

	"breaker_failure_threshold": 5,
	"breaker_success_threshold": 2,
	"breaker_timeout_ms":        60000,

	"queue_max_retries":        5,
	"queue_base_delay_ms":      1000,
	"queue_max_delay_ms":       300000,
	"queue_jitter":             false,
	"queue_poll_interval_ms":   500,
	"queue_idle_delay_ms":      2000,
	"queue_batch_size":         10,
	"queue_stale_after_sec":    300,
	"queue_stranded_after_sec": 600,
	"queue_retention_days":     30,

	"idempotency_reservation_ttl_sec": 300,
	"idempotency_lock_wait_ms":        10000,

	"redis_db": 0,

	"minio_endpoint":      "localhost:9000",
	"minio_use_ssl":       false,
	"minio_export_bucket": "einvoice-exports",
	"minio_drop_bucket":   "einvoice-drops",

	"temporal_address":         "localhost:7233",
	"temporal_namespace":       "default",
	"temporal_task_queue":      "einvoice-maintenance",
	"maintenance_cron":         "*/5 * * * *",
	"maintenance_retry_failed": false,
	"workflow_id_prefix":       "einvoice",

	"log_level":  "info",
	"log_format": "json",
}

// Load reads defaults, then the optional file named by EINVOICE_CONFIG, then
// the environment. Malformed numbers and booleans fall back to defaults.
func Load() (Config, error) {
	return load(viper.New(), os.Getenv(configFileEnv))
}

func load(v *viper.Viper, file string) (Config, error) {
	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for k := range defaults {
		_ = v.BindEnv(k)
	}
	for _, k := range []string{"postgres_dsn", "authority_base_url", "authority_api_key", "breaker_backend",
		"redis_addr", "redis_password", "nats_url", "minio_access_key", "minio_secret_key", "minio_drop_prefix"} {
		_ = v.BindEnv(k)
	}

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config %s: %w", file, err)
			}
		}
	}

	r := reader{v: v}
	cfg := Config{
		HTTPPort:       v.GetString("http_port"),
		StorageBackend: r.oneOf("storage_backend", BackendPostgres, BackendMemory),
		PostgresDSN:    v.GetString("postgres_dsn"),
		MigrationsPath: v.GetString("migrations_path"),
		AutoMigrate:    r.boolean("auto_migrate"),

		AuthorityBaseURL:     v.GetString("authority_base_url"),
		AuthorityAPIKey:      v.GetString("authority_api_key"),
		AuthorityTimeout:     r.duration("authority_timeout_sec", time.Second),
		AuthorityServiceName: v.GetString("authority_service_name"),

		BreakerFailureThreshold: r.positive("breaker_failure_threshold"),
		BreakerSuccessThreshold: r.positive("breaker_success_threshold"),
		BreakerTimeout:          r.duration("breaker_timeout_ms", time.Millisecond),

		QueueMaxRetries:    r.positive("queue_max_retries"),
		QueueBaseDelay:     r.duration("queue_base_delay_ms", time.Millisecond),
		QueueMaxDelay:      r.duration("queue_max_delay_ms", time.Millisecond),
		QueueJitter:        r.boolean("queue_jitter"),
		QueuePollInterval:  r.duration("queue_poll_interval_ms", time.Millisecond),
		QueueIdleDelay:     r.duration("queue_idle_delay_ms", time.Millisecond),
		QueueBatchSize:     r.positive("queue_batch_size"),
		QueueStaleAfter:    r.duration("queue_stale_after_sec", time.Second),
		QueueStrandedAfter: r.duration("queue_stranded_after_sec", time.Second),
		QueueRetentionDays: r.positive("queue_retention_days"),

		IdempotencyReservationTTL: r.duration("idempotency_reservation_ttl_sec", time.Second),
		IdempotencyLockWait:       r.duration("idempotency_lock_wait_ms", time.Millisecond),

		RedisAddr:     v.GetString("redis_addr"),
		RedisPassword: v.GetString("redis_password"),
		RedisDB:       r.integer("redis_db"),

		NATSURL: v.GetString("nats_url"),

		MinioEndpoint:     v.GetString("minio_endpoint"),
		MinioAccessKey:    v.GetString("minio_access_key"),
		MinioSecretKey:    v.GetString("minio_secret_key"),
		MinioUseSSL:       r.boolean("minio_use_ssl"),
		MinioExportBucket: v.GetString("minio_export_bucket"),
		MinioDropBucket:   v.GetString("minio_drop_bucket"),
		MinioDropPrefix:   v.GetString("minio_drop_prefix"),

		TemporalAddress:        v.GetString("temporal_address"),
		TemporalNamespace:      v.GetString("temporal_namespace"),
		TemporalTaskQueue:      v.GetString("temporal_task_queue"),
		MaintenanceCron:        v.GetString("maintenance_cron"),
		MaintenanceRetryFailed: r.boolean("maintenance_retry_failed"),
		WorkflowIDPrefix:       v.GetString("workflow_id_prefix"),

		LogLevel:  v.GetString("log_level"),
		LogFormat: v.GetString("log_format"),
	}

	// REDIS_ADDR switches the breaker to Redis unless a backend was named.
	cfg.BreakerBackend = strings.ToLower(strings.TrimSpace(v.GetString("breaker_backend")))
	switch cfg.BreakerBackend {
	case BackendPostgres, BackendMemory, BackendRedis:
	default:
		cfg.BreakerBackend = ""
	}
	if cfg.BreakerBackend == "" {
		cfg.BreakerBackend = cfg.StorageBackend
		if cfg.RedisAddr != "" {
			cfg.BreakerBackend = BackendRedis
		}
	}

	if cfg.StorageBackend == BackendPostgres && cfg.PostgresDSN == "" {
		return Config{}, fmt.Errorf("POSTGRES_DSN is required")
	}
	if cfg.BreakerBackend == BackendRedis && cfg.RedisAddr == "" {
		return Config{}, fmt.Errorf("REDIS_ADDR is required when BREAKER_BACKEND=redis")
	}
	if cfg.BreakerBackend == BackendPostgres && cfg.StorageBackend == BackendMemory {
		cfg.BreakerBackend = BackendMemory
	}
	return cfg, nil
}

// reader parses values leniently: anything malformed yields the default.
type reader struct {
	v *viper.Viper
}

func (r reader) fallbackInt(key string) int {
	switch d := defaults[key].(type) {
	case int:
		return d
	}
	return 0
}

func (r reader) integer(key string) int {
	n, err := strconv.Atoi(strings.TrimSpace(r.v.GetString(key)))
	if err != nil {
		return r.fallbackInt(key)
	}
	return n
}

func (r reader) positive(key string) int {
	n := r.integer(key)
	if n <= 0 {
		return r.fallbackInt(key)
	}
	return n
}

func (r reader) duration(key string, unit time.Duration) time.Duration {
	return time.Duration(r.positive(key)) * unit
}

func (r reader) boolean(key string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(r.v.GetString(key)))
	if err != nil {
		d, _ := defaults[key].(bool)
		return d
	}
	return b
}

func (r reader) oneOf(key string, allowed ...string) string {
	s := strings.ToLower(strings.TrimSpace(r.v.GetString(key)))
	for _, a := range allowed {
		if s == a {
			return s
		}
	}
	d, _ := defaults[key].(string)
	return d
}
