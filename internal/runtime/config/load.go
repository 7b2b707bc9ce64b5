package config

import (
	"fmt"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Load reads the YAML file at path and applies environment overrides. An
// empty path reads the environment only. The result is validated.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path == "" {
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("config: read env: %w", err)
		}
	} else if err := cleanenv.ReadConfig(path, cfg); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Default returns an in-memory setup matching the env-default tags.
func Default() *Config {
	return &Config{
		Backend:           BackendMemory,
		RetentionHours:    168,
		MaxDeliveries:     3,
		RedeliveryDelay:   100 * time.Millisecond,
		OperationTimeout:  5 * time.Second,
		RedisPollInterval: 50 * time.Millisecond,
		KafkaClientID:     "tenantflow",
		Dedupe: DedupeConfig{
			Store:         DedupeStoreMemory,
			LeaseTTL:      30 * time.Second,
			Retention:     24 * time.Hour,
			ReclaimPolicy: ReclaimRetry,
		},
		Retry: RetryConfig{
			MaxRetries:      3,
			InitialInterval: 50 * time.Millisecond,
			MaxInterval:     time.Second,
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: 5,
			RecoveryTimeout:  30 * time.Second,
			MinRequests:      10,
			Window:           60 * time.Second,
		},
		Outbox: OutboxConfig{
			PollInterval: time.Second,
			BatchSize:    100,
		},
		MetricsEnabled:    true,
		HTTPAddress:       ":9090",
		LagReportInterval: 15 * time.Second,
	}
}
