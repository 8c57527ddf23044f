package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"blockjudge/internal/grading/sandbox/engine"
	"blockjudge/internal/grading/service"
	"blockjudge/pkg/utils/logger"

	"gopkg.in/yaml.v3"
)

const (
	ModeLocal  = "local"
	ModeRemote = "remote"

	DefaultBaseURL        = "http://127.0.0.1:8090"
	DefaultTimeout        = 2 * time.Minute
	DefaultTokenStatePath = ".blockjudge/cli_state.json"
	DefaultHistoryFile    = ".blockjudge/history"
	DefaultFixturesPath   = "configs/challenges"
)

// Config holds CLI configuration. Local mode grades in process against
// fixture challenges; remote mode talks to a grader service.
type Config struct {
	Mode           string        `yaml:"mode"`
	BaseURL        string        `yaml:"baseURL"`
	Timeout        time.Duration `yaml:"timeout"`
	TokenStatePath string        `yaml:"tokenStatePath"`
	HistoryFile    string        `yaml:"historyFile"`
	PrettyJSON     *bool         `yaml:"prettyJSON"`

	FixturesPath string           `yaml:"fixturesPath"`
	RevealHidden bool             `yaml:"revealHidden"`
	Grading      service.Settings `yaml:"grading"`
	Sandbox      engine.Config    `yaml:"sandbox"`

	// Logger goes to stderr by default so it does not mix with command output.
	Logger logger.Config `yaml:"logger"`
}

// Load reads path. A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Config{}
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config file failed: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file failed: %w", err)
		}
	}
	if err := applyDefaults(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) error {
	cfg.Mode = strings.ToLower(strings.TrimSpace(cfg.Mode))
	switch cfg.Mode {
	case "":
		cfg.Mode = ModeLocal
	case ModeLocal, ModeRemote:
	default:
		return fmt.Errorf("unknown cli mode %q", cfg.Mode)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.TokenStatePath == "" {
		cfg.TokenStatePath = DefaultTokenStatePath
	}
	if cfg.HistoryFile == "" {
		cfg.HistoryFile = DefaultHistoryFile
	}
	if cfg.PrettyJSON == nil {
		value := false
		cfg.PrettyJSON = &value
	}
	if cfg.FixturesPath == "" {
		cfg.FixturesPath = DefaultFixturesPath
	}
	cfg.Grading = cfg.Grading.WithDefaults()
	if cfg.Logger.Level == "" {
		cfg.Logger.Level = "warn"
	}
	if cfg.Logger.Format == "" {
		cfg.Logger.Format = "console"
	}
	if cfg.Logger.OutputPath == "" {
		cfg.Logger.OutputPath = "stderr"
	}
	if cfg.Logger.ErrorPath == "" {
		cfg.Logger.ErrorPath = "stderr"
	}
	return nil
}
