package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"blockjudge/internal/common/cache"
	"blockjudge/internal/common/db"
	"blockjudge/internal/common/http/middleware"
	"blockjudge/internal/common/mq"
	"blockjudge/internal/common/storage"
	"blockjudge/internal/grading/repository"
	"blockjudge/internal/grading/sandbox/engine"
	"blockjudge/internal/grading/service"
	"blockjudge/pkg/utils/logger"

	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr        = "0.0.0.0:8090"
	defaultReadTimeout     = 5 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 30 * time.Second
	defaultVerdictCapacity = 10000

	storeMemory = "memory"
	storeMySQL  = "mysql"
)

// ServerConfig holds HTTP server settings. WriteTimeout stays unset by
// default since a Grade call may run for its whole time ceiling.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
	// TrustedProxies may set the client address through X-Forwarded-For.
	// Empty means the peer address is used as is.
	TrustedProxies []string `yaml:"trustedProxies"`
}

// StoreConfig selects where challenges come from.
type StoreConfig struct {
	Backend       string        `yaml:"backend"`
	FixturesPath  string        `yaml:"fixturesPath"`
	CacheTTL      time.Duration `yaml:"cacheTTL"`
	EmptyCacheTTL time.Duration `yaml:"emptyCacheTTL"`
}

// KafkaConfig enables verdict events when brokers are set.
type KafkaConfig struct {
	mq.KafkaConfig `yaml:",inline"`
	Topic          string `yaml:"topic"`
}

// VerdictConfig controls the in-process verdict store.
type VerdictConfig struct {
	MemoryCapacity int `yaml:"memoryCapacity"`
}

// AppConfig holds grader-service config.
type AppConfig struct {
	Server   ServerConfig          `yaml:"server"`
	Logger   logger.Config         `yaml:"logger"`
	Auth     middleware.AuthConfig `yaml:"auth"`
	Store    StoreConfig           `yaml:"store"`
	Database db.MySQLConfig        `yaml:"database"`
	Redis    cache.RedisConfig     `yaml:"redis"`
	Kafka    KafkaConfig           `yaml:"kafka"`
	MinIO    storage.MinIOConfig   `yaml:"minio"`
	Verdicts VerdictConfig         `yaml:"verdicts"`
	Grading  service.Settings      `yaml:"grading"`
	Sandbox  engine.Config         `yaml:"sandbox"`
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

func loadAppConfig(path string) (*AppConfig, error) {
	cfg := AppConfig{Grading: service.DefaultSettings()}
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	cfg.Grading = cfg.Grading.WithDefaults()

	cfg.Store.Backend = strings.ToLower(strings.TrimSpace(cfg.Store.Backend))
	switch cfg.Store.Backend {
	case "", storeMemory:
		cfg.Store.Backend = storeMemory
		if cfg.Store.FixturesPath == "" {
			return nil, fmt.Errorf("store.fixturesPath is required for the memory store")
		}
	case storeMySQL:
		if cfg.Database.DSN == "" {
			return nil, fmt.Errorf("database dsn is required for the mysql store")
		}
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
	if cfg.Redis.Addr != "" {
		applyRedisDefaults(&cfg.Redis)
	}
	if len(cfg.Kafka.Brokers) > 0 && cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = repository.DefaultVerdictTopic
	}

	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaultHTTPAddr
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = defaultReadTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = defaultIdleTimeout
	}
	if cfg.Verdicts.MemoryCapacity == 0 {
		cfg.Verdicts.MemoryCapacity = defaultVerdictCapacity
	}
	if cfg.Sandbox.OutputLimitBytes == 0 {
		cfg.Sandbox.OutputLimitBytes = cfg.Grading.OutputLimitBytes
	}
	if cfg.Auth.Mode == "" {
		cfg.Auth.Mode = middleware.AuthOptional
	}
	return &cfg, nil
}

func applyRedisDefaults(cfg *cache.RedisConfig) {
	if cfg == nil {
		return
	}
	defaults := cache.DefaultRedisConfig()
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}
	if cfg.MinRetryBackoff == 0 {
		cfg.MinRetryBackoff = defaults.MinRetryBackoff
	}
	if cfg.MaxRetryBackoff == 0 {
		cfg.MaxRetryBackoff = defaults.MaxRetryBackoff
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = defaults.DialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = defaults.ReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.PoolSize == 0 {
		cfg.PoolSize = defaults.PoolSize
	}
	if cfg.MinIdleConns == 0 {
		cfg.MinIdleConns = defaults.MinIdleConns
	}
	if cfg.PoolTimeout == 0 {
		cfg.PoolTimeout = defaults.PoolTimeout
	}
	if cfg.ConnMaxIdleTime == 0 {
		cfg.ConnMaxIdleTime = defaults.ConnMaxIdleTime
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = defaults.ConnMaxLifetime
	}
}
