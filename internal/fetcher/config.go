package fetcher

import "time"

type Config struct {
	MaxConcurrency int           `mapstructure:"maxConcurrency"`
	BatchSize      int           `mapstructure:"batchSize"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

func DefaultConfig() Config {
	return Config{MaxConcurrency: 4, BatchSize: 8, Timeout: 30 * time.Second}
}
