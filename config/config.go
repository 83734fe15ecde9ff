package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTP         HTTPConfig         `yaml:"http"`
	GRPC         GRPCConfig         `yaml:"grpc"`
	Log          LogConfig          `yaml:"log"`
	Database     DatabaseConfig     `yaml:"database"`
	Redis        RedisConfig        `yaml:"redis"`
	Events       EventsConfig       `yaml:"events"`
	Kafka        KafkaConfig        `yaml:"kafka"`
	NATS         NATSConfig         `yaml:"nats"`
	Availability AvailabilityConfig `yaml:"availability"`
	Sync         SyncConfig         `yaml:"sync"`
	Worker       WorkerConfig       `yaml:"worker"`
}

type HTTPConfig struct {
	Address string `yaml:"address"`
}

type GRPCConfig struct {
	Address string `yaml:"address"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

type DatabaseConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	User        string `yaml:"user"`
	Password    string `yaml:"password"`
	Name        string `yaml:"name"`
	SSLMode     string `yaml:"ssl_mode"`
	AutoMigrate bool   `yaml:"auto_migrate"`
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s", d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// EventsConfig selects the bus availability events are published to: "kafka", "nats" or "none".
type EventsConfig struct {
	Driver string `yaml:"driver"`
}

type KafkaConfig struct {
	Brokers             []string `yaml:"brokers"`
	AvailabilityTopic   string   `yaml:"availability_topic"`
	NotificationsTopic  string   `yaml:"notifications_topic"`
	BookingRecordsTopic string   `yaml:"booking_records_topic"`
	GroupID             string   `yaml:"group_id"`
}

type NATSConfig struct {
	URL string `yaml:"url"`
}

type AvailabilityConfig struct {
	// LockBackend is "local" (single instance) or "redis" (shared across instances).
	LockBackend     string `yaml:"lock_backend"`
	LockWaitMillis  int    `yaml:"lock_wait_millis"`
	LockTTLSeconds  int    `yaml:"lock_ttl_seconds"`
	HoldTTLMinutes  int    `yaml:"hold_ttl_minutes"`
	MaxNights       int    `yaml:"max_nights"`
	DefaultHoldMode string `yaml:"default_mode"`
}

func (a AvailabilityConfig) LockWait() time.Duration {
	return time.Duration(a.LockWaitMillis) * time.Millisecond
}

func (a AvailabilityConfig) LockTTL() time.Duration {
	return time.Duration(a.LockTTLSeconds) * time.Second
}

func (a AvailabilityConfig) HoldTTL() time.Duration {
	return time.Duration(a.HoldTTLMinutes) * time.Minute
}

type SyncConfig struct {
	RefreshIntervalMinutes int     `yaml:"refresh_interval_minutes"`
	StaleAfterMinutes      int     `yaml:"stale_after_minutes"`
	MaxRetries             int     `yaml:"max_retries"`
	FetchTimeoutSeconds    int     `yaml:"fetch_timeout_seconds"`
	MaxFeedBytes           int64   `yaml:"max_feed_bytes"`
	FetchRatePerSecond     float64 `yaml:"fetch_rate_per_second"`
	Concurrency            int     `yaml:"concurrency"`
}

func (s SyncConfig) RefreshInterval() time.Duration {
	return time.Duration(s.RefreshIntervalMinutes) * time.Minute
}

func (s SyncConfig) StaleAfter() time.Duration {
	return time.Duration(s.StaleAfterMinutes) * time.Minute
}

func (s SyncConfig) FetchTimeout() time.Duration {
	return time.Duration(s.FetchTimeoutSeconds) * time.Second
}

type WorkerConfig struct {
	HoldSweepSeconds int `yaml:"hold_sweep_seconds"`
	// Disabled keeps the API process from running feed refresh and hold sweeps itself.
	Disabled bool `yaml:"disabled"`
}

func (w WorkerConfig) HoldSweepInterval() time.Duration {
	return time.Duration(w.HoldSweepSeconds) * time.Second
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	return Parse(data)
}

// Parse decodes YAML config, fills defaults and applies secret overrides from the environment.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.HTTP.Address == "" {
		c.HTTP.Address = ":8080"
	}
	if c.GRPC.Address == "" {
		c.GRPC.Address = ":9090"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Events.Driver == "" {
		c.Events.Driver = "kafka"
	}
	if c.Availability.LockBackend == "" {
		c.Availability.LockBackend = "local"
	}
	if c.Availability.LockWaitMillis == 0 {
		c.Availability.LockWaitMillis = 2000
	}
	if c.Availability.LockTTLSeconds == 0 {
		c.Availability.LockTTLSeconds = 30
	}
	if c.Availability.HoldTTLMinutes == 0 {
		c.Availability.HoldTTLMinutes = 15
	}
	if c.Availability.MaxNights == 0 {
		c.Availability.MaxNights = 365
	}
	if c.Availability.DefaultHoldMode == "" {
		c.Availability.DefaultHoldMode = "HOLD"
	}
	if c.Sync.RefreshIntervalMinutes == 0 {
		c.Sync.RefreshIntervalMinutes = 30
	}
	if c.Sync.StaleAfterMinutes == 0 {
		c.Sync.StaleAfterMinutes = 3 * c.Sync.RefreshIntervalMinutes
	}
	if c.Sync.MaxRetries == 0 {
		c.Sync.MaxRetries = 3
	}
	if c.Sync.FetchTimeoutSeconds == 0 {
		c.Sync.FetchTimeoutSeconds = 15
	}
	if c.Sync.MaxFeedBytes == 0 {
		c.Sync.MaxFeedBytes = 5 << 20
	}
	if c.Sync.FetchRatePerSecond == 0 {
		c.Sync.FetchRatePerSecond = 5
	}
	if c.Sync.Concurrency == 0 {
		c.Sync.Concurrency = 4
	}
	if c.Worker.HoldSweepSeconds == 0 {
		c.Worker.HoldSweepSeconds = 60
	}
}

func (c *Config) applyEnv() {
	if v, ok := os.LookupEnv("DATABASE_PASSWORD"); ok {
		c.Database.Password = v
	}
	if v, ok := os.LookupEnv("REDIS_PASSWORD"); ok {
		c.Redis.Password = v
	}
	if v, ok := os.LookupEnv("LOG_LEVEL"); ok {
		c.Log.Level = v
	}
}

func (c *Config) validate() error {
	switch c.Availability.LockBackend {
	case "local", "redis":
	default:
		return fmt.Errorf("unknown lock backend %q", c.Availability.LockBackend)
	}
	// with the worker disabled here the scheduler runs in cmd/worker, a second process
	// writing the same properties, so locks and indexes must be shared through redis
	if c.Worker.Disabled && c.Availability.LockBackend != "redis" {
		return fmt.Errorf("worker.disabled requires availability.lock_backend redis, got %q", c.Availability.LockBackend)
	}
	if c.Availability.LockBackend == "redis" && c.Availability.LockTTL() <= 0 {
		return fmt.Errorf("availability.lock_ttl_seconds must be positive, got %d", c.Availability.LockTTLSeconds)
	}
	switch c.Events.Driver {
	case "kafka", "nats", "none":
	default:
		return fmt.Errorf("unknown events driver %q", c.Events.Driver)
	}
	switch c.Availability.DefaultHoldMode {
	case "HOLD", "INSTANT":
	default:
		return fmt.Errorf("unknown default reservation mode %q", c.Availability.DefaultHoldMode)
	}
	return nil
}
