package config

import "time"

// TrackerConfig configures the client-side event tracker used by cmd/track.
type TrackerConfig struct {
	APIURL        string        `env:"TRACK_API_URL" envDefault:"http://localhost:4000"`
	Token         string        `env:"TRACK_TOKEN"`
	FlushInterval time.Duration `env:"TRACK_FLUSH_INTERVAL" envDefault:"10s"`
	MaxBatch      int           `env:"TRACK_MAX_BATCH" envDefault:"20"`
	Timeout       time.Duration `env:"TRACK_HTTP_TIMEOUT" envDefault:"5s"`
}

// LoadTrackerConfig constructs a TrackerConfig from environment variables.
func LoadTrackerConfig() (TrackerConfig, error) {
	var cfg TrackerConfig
	if err := Parse(&cfg); err != nil {
		return TrackerConfig{}, err
	}
	return cfg, nil
}
