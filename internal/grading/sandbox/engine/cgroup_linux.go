//go:build linux

package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// createRunCgroup makes <root>/<submission>/case-<index>-<nanos>.
func createRunCgroup(root, submissionID string, caseIndex int) (string, func(), error) {
	if root == "" {
		return "", func() {}, fmt.Errorf("cgroup root is required")
	}
	runDir := fmt.Sprintf("case-%d-%d", caseIndex, time.Now().UnixNano())
	parent := filepath.Join(root, submissionID)
	cgroupPath := filepath.Join(parent, runDir)
	if err := os.MkdirAll(cgroupPath, 0750); err != nil {
		return "", func() {}, fmt.Errorf("create cgroup path: %w", err)
	}
	cleanup := func() {
		_ = os.Remove(cgroupPath)
		// Succeeds only once the last case of the submission is gone.
		_ = os.Remove(parent)
	}
	return cgroupPath, cleanup, nil
}

func applyCgroupLimits(cgroupPath string, memoryBytes int64, pids int64) error {
	if pids > 0 {
		if err := writeCgroupValue(cgroupPath, "pids.max", strconv.FormatInt(pids, 10)); err != nil {
			return err
		}
	}
	if memoryBytes > 0 {
		if err := writeCgroupValue(cgroupPath, "memory.max", strconv.FormatInt(memoryBytes, 10)); err != nil {
			return err
		}
		// No swap, so the limit is a real ceiling.
		_ = writeCgroupValue(cgroupPath, "memory.swap.max", "0")
	}
	return nil
}

func addProcessToCgroup(cgroupPath string, pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid")
	}
	return writeCgroupValue(cgroupPath, "cgroup.procs", strconv.Itoa(pid))
}

func wasOomKilled(cgroupPath string) bool {
	if cgroupPath == "" {
		return false
	}
	data, err := os.ReadFile(filepath.Join(cgroupPath, "memory.events"))
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 2 && fields[0] == "oom_kill" {
			val, _ := strconv.ParseInt(fields[1], 10, 64)
			return val > 0
		}
	}
	return false
}

func memoryPeakBytes(cgroupPath string, state *os.ProcessState) int64 {
	if cgroupPath != "" {
		if val, err := readCgroupInt(cgroupPath, "memory.peak"); err == nil && val > 0 {
			return val
		}
	}
	if state == nil {
		return 0
	}
	if usage, ok := state.SysUsage().(*syscall.Rusage); ok {
		return usage.Maxrss * 1024
	}
	return 0
}

func readCgroupInt(cgroupPath, name string) (int64, error) {
	data, err := os.ReadFile(filepath.Join(cgroupPath, name))
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
}

func writeCgroupValue(cgroupPath, name, value string) error {
	return os.WriteFile(filepath.Join(cgroupPath, name), []byte(value), 0640)
}
