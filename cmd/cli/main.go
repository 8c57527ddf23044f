package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"blockjudge/internal/cli/command"
	"blockjudge/internal/cli/config"
	httpclient "blockjudge/internal/cli/http"
	"blockjudge/internal/cli/repl"
	"blockjudge/internal/cli/state"
	"blockjudge/internal/grading/repository"
	"blockjudge/internal/grading/sandbox/engine"
	"blockjudge/internal/grading/service"
	"blockjudge/pkg/utils/logger"
)

const (
	defaultConfigPath = "configs/cli.yaml"
	localSubmitter    = "local"
	localVerdicts     = 1000
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	mode := flag.String("mode", "", "Override mode (local or remote)")
	baseURL := flag.String("base", "", "Override base URL")
	timeout := flag.Duration("timeout", 0, "Override HTTP timeout (e.g. 10s)")
	token := flag.String("token", "", "Override access token")
	statePath := flag.String("state", "", "Override token state path")
	fixtures := flag.String("fixtures", "", "Override fixtures path for local mode")
	pretty := flag.Bool("pretty", false, "Pretty print JSON output")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	if *mode != "" {
		cfg.Mode = *mode
	}
	if *baseURL != "" {
		cfg.BaseURL = *baseURL
	}
	if *timeout > 0 {
		cfg.Timeout = *timeout
	}
	if *statePath != "" {
		cfg.TokenStatePath = *statePath
	}
	if *fixtures != "" {
		cfg.FixturesPath = *fixtures
	}
	if *pretty {
		trueValue := true
		cfg.PrettyJSON = &trueValue
	}

	if err := logger.Init(cfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *token); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, token string) error {
	opts := repl.Options{
		Commands:  command.Registry(),
		Out:       os.Stdout,
		Pretty:    cfg.PrettyJSON != nil && *cfg.PrettyJSON,
		Mode:      cfg.Mode,
		StatePath: cfg.TokenStatePath,
	}
	if cfg.HistoryFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.HistoryFile), 0o700); err != nil {
			return fmt.Errorf("create history dir failed: %w", err)
		}
	}

	switch cfg.Mode {
	case config.ModeRemote:
		tokenState, err := state.Load(cfg.TokenStatePath)
		if err != nil {
			return err
		}
		if token != "" {
			tokenState.AccessToken = token
		}
		client := httpclient.New(cfg.BaseURL, cfg.Timeout, func() string {
			return tokenState.AccessToken
		})
		opts.Backend = client
		opts.Remote = client
		opts.TokenState = &tokenState
		return repl.New(opts).Run(ctx, cfg.HistoryFile)

	default:
		backend, closeFn, err := localBackend(cfg)
		if err != nil {
			return err
		}
		defer closeFn()
		opts.Backend = backend
		return repl.New(opts).Run(ctx, cfg.HistoryFile)
	}
}

// localBackend wires an in-process coordinator over fixture challenges.
func localBackend(cfg config.Config) (*command.LocalBackend, func(), error) {
	catalogue, err := repository.LoadChallenges(cfg.FixturesPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load fixtures failed: %w", err)
	}
	if cfg.Sandbox.OutputLimitBytes <= 0 {
		cfg.Sandbox.OutputLimitBytes = cfg.Grading.OutputLimitBytes
	}
	executor, err := engine.New(cfg.Sandbox)
	if err != nil {
		return nil, nil, fmt.Errorf("init sandbox failed: %w", err)
	}
	verdicts := repository.NewMemoryVerdictStore(localVerdicts)
	coord, err := service.NewCoordinator(service.Config{
		Store:    catalogue,
		Executor: executor,
		Sink:     verdicts,
		Settings: cfg.Grading,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("init coordinator failed: %w", err)
	}
	closeFn := func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = coord.Close(drainCtx)
	}
	return command.NewLocalBackend(coord, catalogue, verdicts, localSubmitter, cfg.RevealHidden), closeFn, nil
}
