//go:build linux

// Command sandbox-init runs one submission inside the process engine's
// isolation. It reads a jsvm.HelperRequest on stdin, locks itself down and
// writes a single jsvm.Outcome document to stdout.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime/debug"
	"strings"

	"blockjudge/internal/grading/sandbox/helper"
	"blockjudge/internal/grading/sandbox/jsvm"

	"github.com/seccomp/libseccomp-golang"
	"golang.org/x/sys/unix"
)

const maxOpenFiles = 16

func main() {
	os.Exit(helper.Serve(os.Stdin, os.Stdout, os.Stderr, lockDown))
}

func lockDown(req jsvm.HelperRequest) error {
	if req.EnableNs {
		if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
			return fmt.Errorf("make mount private: %w", err)
		}
	}
	if err := os.Chdir("/"); err != nil {
		return fmt.Errorf("chdir root: %w", err)
	}
	if err := applyRlimits(req.CPUSeconds); err != nil {
		return err
	}
	if req.Options.MemoryLimit > 0 {
		debug.SetMemoryLimit(req.Options.MemoryLimit)
	}
	// The profile must be read before the filter can forbid opening it.
	if req.SeccompProfile != "" {
		if err := applySeccomp(req.SeccompProfile); err != nil {
			return err
		}
	}
	os.Clearenv()
	return nil
}

func applyRlimits(cpuSeconds uint64) error {
	limits := []struct {
		name     string
		resource int
		value    uint64
	}{
		{"fsize", unix.RLIMIT_FSIZE, 0},
		{"core", unix.RLIMIT_CORE, 0},
		{"nofile", unix.RLIMIT_NOFILE, maxOpenFiles},
	}
	if cpuSeconds > 0 {
		limits = append(limits, struct {
			name     string
			resource int
			value    uint64
		}{"cpu", unix.RLIMIT_CPU, cpuSeconds})
	}
	for _, l := range limits {
		if err := unix.Setrlimit(l.resource, &unix.Rlimit{Cur: l.value, Max: l.value}); err != nil {
			return fmt.Errorf("set rlimit %s: %w", l.name, err)
		}
	}
	return nil
}

func applySeccomp(profilePath string) error {
	data, err := os.ReadFile(profilePath)
	if err != nil {
		return fmt.Errorf("read seccomp profile: %w", err)
	}
	var cfg seccompConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parse seccomp profile: %w", err)
	}
	defaultAction, err := parseSeccompAction(cfg.DefaultAction)
	if err != nil {
		return err
	}
	filter, err := seccomp.NewFilter(defaultAction)
	if err != nil {
		return fmt.Errorf("create seccomp filter: %w", err)
	}
	for _, rule := range cfg.Syscalls {
		action, err := parseSeccompAction(rule.Action)
		if err != nil {
			return err
		}
		for _, name := range rule.Names {
			call, err := seccomp.GetSyscallFromName(name)
			if err != nil {
				// Not present on this architecture.
				continue
			}
			if err := filter.AddRule(call, action); err != nil {
				return fmt.Errorf("add seccomp rule %s: %w", name, err)
			}
		}
	}
	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("set no new privs: %w", err)
	}
	if err := filter.Load(); err != nil {
		return fmt.Errorf("load seccomp filter: %w", err)
	}
	return nil
}

type seccompConfig struct {
	DefaultAction string           `json:"defaultAction"`
	Syscalls      []seccompSyscall `json:"syscalls"`
}

type seccompSyscall struct {
	Names  []string `json:"names"`
	Action string   `json:"action"`
}

func parseSeccompAction(action string) (seccomp.ScmpAction, error) {
	switch strings.ToUpper(action) {
	case "SCMP_ACT_ALLOW":
		return seccomp.ActAllow, nil
	case "SCMP_ACT_ERRNO":
		return seccomp.ActErrno.SetReturnCode(int16(unix.EPERM)), nil
	case "SCMP_ACT_KILL", "SCMP_ACT_KILL_PROCESS":
		return seccomp.ActKillProcess, nil
	default:
		return seccomp.ActKillProcess, fmt.Errorf("unsupported seccomp action: %s", action)
	}
}
