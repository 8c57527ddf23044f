//go:build !linux

package engine

import (
	"fmt"

	"blockjudge/internal/grading/sandbox"
)

func newProcessEngine(cfg Config) (sandbox.Executor, error) {
	return nil, fmt.Errorf("process sandbox engine is only supported on linux")
}
