package config

import "time"

// APIConfig holds runtime configuration for the API service.
type APIConfig struct {
	Environment   string `env:"APP_ENV" envDefault:"development"`
	Addr          string `env:"API_ADDR" envDefault:":4000"`
	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`
	DatabaseURL   string `env:"DATABASE_URL" envDefault:"postgres://peep:peep@db:5432/peep?sslmode=disable"`
	MigrationsDir string `env:"DB_MIGRATIONS_DIR"`
	AutoMigrate   bool   `env:"DB_AUTO_MIGRATE" envDefault:"true"`
	DBMaxConns    int32  `env:"DB_MAX_CONNS" envDefault:"10"`

	JWTSecret string `env:"JWT_SECRET" envDefault:"supersecuresecret"`

	IdentityURL     string        `env:"IDENTITY_URL" envDefault:"http://identity:7000"`
	IdentityTimeout time.Duration `env:"IDENTITY_TIMEOUT" envDefault:"3s"`
	AdminCacheTTL   time.Duration `env:"ADMIN_CACHE_TTL" envDefault:"5m"`

	RecorderQueueSize        int           `env:"RECORDER_QUEUE_SIZE" envDefault:"1024"`
	RecorderWorkers          int           `env:"RECORDER_WORKERS" envDefault:"4"`
	RecorderWriteTimeout     time.Duration `env:"RECORDER_WRITE_TIMEOUT" envDefault:"30s"`
	RecorderFailureThreshold int           `env:"RECORDER_FAILURE_THRESHOLD" envDefault:"3"`
	RecorderBackoffInitial   time.Duration `env:"RECORDER_BACKOFF_INITIAL" envDefault:"30s"`
	RecorderBackoffMax       time.Duration `env:"RECORDER_BACKOFF_MAX" envDefault:"5m"`

	EventQueueSize    int           `env:"EVENTS_QUEUE_SIZE" envDefault:"64"`
	EventWorkers      int           `env:"EVENTS_WORKERS" envDefault:"2"`
	EventWriteTimeout time.Duration `env:"EVENTS_WRITE_TIMEOUT" envDefault:"30s"`
	MaxBatchSize      int           `env:"EVENTS_MAX_BATCH" envDefault:"1000"`
	MaxBodyBytes      int64         `env:"EVENTS_MAX_BODY_BYTES" envDefault:"8388608"`
	EventsRateLimit   int           `env:"EVENTS_RATE_LIMIT" envDefault:"120"`

	QuerySoftTimeout time.Duration `env:"QUERY_SOFT_TIMEOUT" envDefault:"3s"`
	QueryHardTimeout time.Duration `env:"QUERY_HARD_TIMEOUT" envDefault:"15s"`
	QueryResultTTL   time.Duration `env:"QUERY_RESULT_TTL" envDefault:"5m"`

	RawRetention       time.Duration `env:"METRICS_RAW_RETENTION" envDefault:"168h"`
	AggregateRetention time.Duration `env:"METRICS_AGGREGATE_RETENTION" envDefault:"2160h"`

	RateLimitRedisAddr string `env:"RATE_LIMIT_REDIS_ADDR"`
	RateLimitRedisPass string `env:"RATE_LIMIT_REDIS_PASSWORD"`
	RateLimitRedisDB   int    `env:"RATE_LIMIT_REDIS_DB" envDefault:"0"`
}

// LoadAPIConfig constructs an APIConfig from environment variables.
func LoadAPIConfig() (APIConfig, error) {
	var cfg APIConfig
	if err := Parse(&cfg); err != nil {
		return APIConfig{}, err
	}
	return cfg, nil
}
