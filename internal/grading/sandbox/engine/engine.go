// Package engine provides the sandbox.Executor implementations.
package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"blockjudge/internal/grading/model"
	"blockjudge/internal/grading/sandbox"
	"blockjudge/internal/grading/sandbox/jsvm"
)

const (
	KindInProc  = "inproc"
	KindProcess = "process"
)

// Config controls sandbox engine behavior.
type Config struct {
	Engine           string `yaml:"engine"`
	HelperPath       string `yaml:"helperPath"`
	CgroupRoot       string `yaml:"cgroupRoot"`
	SeccompProfile   string `yaml:"seccompProfile"`
	EnableCgroup     bool   `yaml:"enableCgroup"`
	EnableNamespaces bool   `yaml:"enableNamespaces"`
	// HelperOverheadMB is added to the program's memory limit for the
	// helper's own runtime when the cgroup limit is set.
	HelperOverheadMB int64 `yaml:"helperOverheadMB"`
	OutputLimitBytes int   `yaml:"outputLimitBytes"`
}

// New builds the engine named by cfg.Engine.
func New(cfg Config) (sandbox.Executor, error) {
	if cfg.OutputLimitBytes <= 0 {
		cfg.OutputLimitBytes = sandbox.DefaultOutputLimit
	}
	switch strings.ToLower(cfg.Engine) {
	case "", KindInProc:
		return NewInProc(cfg), nil
	case KindProcess:
		return newProcessEngine(cfg)
	default:
		return nil, fmt.Errorf("unknown sandbox engine %q", cfg.Engine)
	}
}

func buildProgram(req sandbox.Request) (jsvm.Program, error) {
	input, err := json.Marshal(req.Input)
	if err != nil {
		return jsvm.Program{}, fmt.Errorf("encode input: %w", err)
	}
	return jsvm.Program{Code: req.Code, Input: input, EntryPoint: req.EntryPoint}, nil
}

func buildOptions(limits model.Limits, outputLimit int) jsvm.Options {
	limits = limits.WithDefaults()
	return jsvm.Options{
		Timeout:     limits.TimeLimit(),
		MemoryLimit: limits.MemoryLimitBytes(),
		OutputLimit: outputLimit,
	}
}

// toResult converts a jsvm outcome. A returned document that is not valid
// JSON is treated as no return value.
func toResult(out jsvm.Outcome) sandbox.Result {
	res := sandbox.Result{
		Status:      toExitStatus(out.Status),
		Stdout:      out.Stdout,
		Stderr:      out.Stderr,
		Duration:    out.Duration,
		MemoryBytes: out.HeapBytes,
		Message:     out.Message,
	}
	if out.HasReturn {
		if v, err := model.ParseValue(out.Returned); err == nil {
			res.Returned = &v
		}
	}
	return res
}

func toExitStatus(s jsvm.Status) sandbox.ExitStatus {
	switch s {
	case jsvm.StatusOK:
		return sandbox.ExitOK
	case jsvm.StatusTimedOut:
		return sandbox.ExitTimedOut
	case jsvm.StatusMemoryExceeded:
		return sandbox.ExitMemoryExceeded
	case jsvm.StatusCompileError:
		return sandbox.ExitCompileError
	default:
		return sandbox.ExitRuntimeError
	}
}
