package main

import (
	"errors"
	"fmt"
	"os"

	"blockjudge/internal/common/cache"
	"blockjudge/internal/common/db"
	"blockjudge/pkg/utils/logger"

	"gopkg.in/yaml.v3"
)

// Config is the part of the grader-service config the seed tool reads.
type Config struct {
	Logger   logger.Config     `yaml:"logger"`
	Store    StoreConfig       `yaml:"store"`
	Database db.MySQLConfig    `yaml:"database"`
	Redis    cache.RedisConfig `yaml:"redis"`
}

type StoreConfig struct {
	FixturesPath string `yaml:"fixturesPath"`
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file failed: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file failed: %w", err)
	}
	if cfg.Store.FixturesPath == "" {
		cfg.Store.FixturesPath = "configs/challenges"
	}
	if cfg.Database.DSN == "" {
		return nil, errors.New("database.dsn is required")
	}
	if cfg.Logger.Level == "" {
		cfg.Logger = logger.Config{Level: "info", Format: "console", OutputPath: "stdout", ErrorPath: "stderr"}
	}
	return &cfg, nil
}
