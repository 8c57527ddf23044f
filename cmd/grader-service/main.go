package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"blockjudge/internal/common/cache"
	"blockjudge/internal/common/db"
	commonmw "blockjudge/internal/common/http/middleware"
	"blockjudge/internal/common/mq"
	"blockjudge/internal/common/storage"
	"blockjudge/internal/grading/controller"
	"blockjudge/internal/grading/repository"
	"blockjudge/internal/grading/sandbox/engine"
	"blockjudge/internal/grading/service"
	"blockjudge/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const defaultConfigPath = "configs/grader_service.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	flag.Parse()

	appCfg, err := loadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	if err := run(appCfg); err != nil {
		logger.Error(context.Background(), "grader service stopped", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(appCfg *AppConfig) error {
	ctx := context.Background()
	var closers []io.Closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Close()
		}
	}()

	var redisCache *cache.RedisCache
	if appCfg.Redis.Addr != "" {
		c, err := cache.NewRedisCacheWithConfig(&appCfg.Redis)
		if err != nil {
			return fmt.Errorf("init redis failed: %w", err)
		}
		redisCache = c
		closers = append(closers, c)
	}

	var mysqlDB *db.MySQL
	if appCfg.Database.DSN != "" {
		m, err := db.NewMySQLWithConfig(&appCfg.Database)
		if err != nil {
			return fmt.Errorf("init database failed: %w", err)
		}
		mysqlDB = m
		closers = append(closers, m)
	}

	var catalogue controller.Catalogue
	switch appCfg.Store.Backend {
	case storeMySQL:
		var c cache.Cache
		if redisCache != nil {
			c = redisCache
		}
		catalogue = repository.NewChallengeRepositoryWithTTL(mysqlDB, c, appCfg.Store.CacheTTL, appCfg.Store.EmptyCacheTTL)
	default:
		store, err := repository.LoadChallenges(appCfg.Store.FixturesPath)
		if err != nil {
			return fmt.Errorf("load challenge fixtures failed: %w", err)
		}
		logger.Info(ctx, "challenge fixtures loaded", zap.Int("challenges", store.Len()))
		catalogue = store
	}

	memoryVerdicts := repository.NewMemoryVerdictStore(appCfg.Verdicts.MemoryCapacity)
	sink := repository.NewFanOutSink().Add("memory", memoryVerdicts)
	readers := repository.FallbackReader{memoryVerdicts}

	if mysqlDB != nil {
		verdictRepo := repository.NewVerdictRepository(mysqlDB)
		sink.Add("mysql", verdictRepo)
		readers = append(readers, verdictRepo)
	}
	if appCfg.MinIO.Endpoint != "" {
		objStorage, err := storage.NewMinIOStorage(appCfg.MinIO)
		if err != nil {
			return fmt.Errorf("init minio failed: %w", err)
		}
		if err := objStorage.EnsureBucket(ctx, appCfg.MinIO.Bucket); err != nil {
			return fmt.Errorf("ensure verdict bucket failed: %w", err)
		}
		archive, err := repository.NewArchiveVerdictStore(objStorage, appCfg.MinIO.Bucket)
		if err != nil {
			return err
		}
		defer archive.Close()
		sink.Add("archive", archive)
		readers = append(readers, archive)
	}
	if len(appCfg.Kafka.Brokers) > 0 {
		producer, err := mq.NewKafkaProducer(appCfg.Kafka.KafkaConfig)
		if err != nil {
			return fmt.Errorf("init kafka failed: %w", err)
		}
		closers = append(closers, producer)
		if err := producer.Ping(ctx); err != nil {
			logger.Warn(ctx, "kafka broker unreachable, verdict events will retry on publish", zap.Error(err))
		}
		sink.Add("kafka", repository.NewMQVerdictPublisher(producer, appCfg.Kafka.Topic))
	}

	executor, err := engine.New(appCfg.Sandbox)
	if err != nil {
		return fmt.Errorf("init sandbox failed: %w", err)
	}

	var gate service.SubmitterGate
	if redisCache != nil {
		gate = service.NewRedisGate(redisCache, appCfg.Grading.SubmitterLockTTL)
	}
	coord, err := service.NewCoordinator(service.Config{
		Store:    catalogue,
		Executor: executor,
		Sink:     sink,
		Gate:     gate,
		Settings: appCfg.Grading,
	})
	if err != nil {
		return fmt.Errorf("init coordinator failed: %w", err)
	}

	logger.Info(ctx, "grader configured",
		zap.String("store", appCfg.Store.Backend),
		zap.String("sandbox", appCfg.Sandbox.Engine),
		zap.Int("verdict_sinks", sink.Len()),
		zap.Int("pool_size", appCfg.Grading.PoolSize),
		zap.Int("queue_depth", appCfg.Grading.QueueDepth),
		zap.Bool("redis_gate", redisCache != nil),
	)

	httpServer, err := buildHTTPServer(appCfg, controller.NewGradingController(coord, catalogue, readers))
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "grader http server started", zap.String("addr", appCfg.Server.Addr))
		errCh <- httpServer.ListenAndServe()
	}()

	shutdownCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var serveErr error
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	case <-shutdownCtx.Done():
		logger.Info(ctx, "shutdown signal received")
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(drainCtx); err != nil {
		logger.Error(ctx, "http server shutdown failed", zap.Error(err))
	}
	if err := coord.Close(drainCtx); err != nil {
		logger.Error(ctx, "verdict persistence did not drain", zap.Error(err))
	}
	return serveErr
}

func buildHTTPServer(appCfg *AppConfig, grading *controller.GradingController) (*http.Server, error) {
	router := gin.New()
	if err := router.SetTrustedProxies(appCfg.Server.TrustedProxies); err != nil {
		return nil, fmt.Errorf("invalid trusted proxies: %w", err)
	}
	router.Use(gin.Recovery())
	router.Use(commonmw.TraceContext())
	router.Use(requestLogger())
	router.Use(commonmw.Auth(commonmw.NewAuthenticator(appCfg.Auth), appCfg.Auth.Mode))
	grading.Register(router)

	return &http.Server{
		Addr:         appCfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  appCfg.Server.ReadTimeout,
		WriteTimeout: appCfg.Server.WriteTimeout,
		IdleTimeout:  appCfg.Server.IdleTimeout,
	}, nil
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		logger.Info(
			c.Request.Context(),
			"request completed",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
