package config

import "time"

// AggregateConfig holds configuration for the aggregation/retention job.
type AggregateConfig struct {
	LogLevel           string        `env:"LOG_LEVEL" envDefault:"info"`
	DatabaseURL        string        `env:"DATABASE_URL" envDefault:"postgres://peep:peep@db:5432/peep?sslmode=disable"`
	RawRetention       time.Duration `env:"METRICS_RAW_RETENTION" envDefault:"168h"`
	AggregateRetention time.Duration `env:"METRICS_AGGREGATE_RETENTION" envDefault:"2160h"`
	RunTimeout         time.Duration `env:"AGGREGATE_RUN_TIMEOUT" envDefault:"2h"`
	Schedule           string        `env:"AGGREGATE_SCHEDULE"`
	PushgatewayURL     string        `env:"PUSHGATEWAY_URL"`
}

// LoadAggregateConfig constructs an AggregateConfig from environment variables.
func LoadAggregateConfig() (AggregateConfig, error) {
	var cfg AggregateConfig
	if err := Parse(&cfg); err != nil {
		return AggregateConfig{}, err
	}
	return cfg, nil
}
