package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"blockjudge/internal/common/cache"
	"blockjudge/internal/common/db"
	"blockjudge/internal/grading/repository"
	"blockjudge/pkg/utils/logger"

	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "configs/grader_service.yaml", "Path to grader-service config")
	fixtures := flag.String("fixtures", "", "Override challenge fixtures path")
	skipExisting := flag.Bool("skip-existing", true, "Skip challenges that are already stored")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	if *fixtures != "" {
		cfg.Store.FixturesPath = *fixtures
	}
	if err := logger.Init(cfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	if err := run(cfg, *skipExisting); err != nil {
		logger.Error(context.Background(), "seed failed", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(cfg *Config, skipExisting bool) error {
	ctx := context.Background()
	source, err := repository.LoadChallenges(cfg.Store.FixturesPath)
	if err != nil {
		return fmt.Errorf("load challenge fixtures failed: %w", err)
	}

	mysqlDB, err := db.NewMySQLWithConfig(&cfg.Database)
	if err != nil {
		return fmt.Errorf("init database failed: %w", err)
	}
	defer mysqlDB.Close()

	// Saving drops the cached copy, so readers see the new row at once.
	var c cache.Cache
	if cfg.Redis.Addr != "" {
		redisCache, err := cache.NewRedisCacheWithConfig(&cfg.Redis)
		if err != nil {
			return fmt.Errorf("init redis failed: %w", err)
		}
		defer redisCache.Close()
		c = redisCache
	}

	repo := repository.NewChallengeRepository(mysqlDB, c)
	res, err := seed(ctx, source, repo, skipExisting)
	if err != nil {
		return err
	}
	logger.Info(ctx, "challenges seeded",
		zap.String("fixtures", cfg.Store.FixturesPath),
		zap.Int("saved", res.Saved),
		zap.Int("skipped", res.Skipped),
	)
	fmt.Printf("saved %d, skipped %d\n", res.Saved, res.Skipped)
	return nil
}
