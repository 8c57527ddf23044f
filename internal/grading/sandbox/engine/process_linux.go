//go:build linux

package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"blockjudge/internal/grading/sandbox"
	"blockjudge/internal/grading/sandbox/jsvm"
	"blockjudge/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	defaultHelperOverheadMB int64 = 48
	// helperGrace covers helper start-up before the program's own clock.
	helperGrace = 500 * time.Millisecond
	helperPIDs  = 64
	// helperSlack covers the outcome document's fields besides the streams.
	helperSlack = 64 * 1024
)

// processEngine runs every execution in a fresh sandbox-init helper process,
// optionally inside new namespaces and its own cgroup.
type processEngine struct {
	cfg       Config
	registry  map[string][]*exec.Cmd
	registryM sync.Mutex
}

func newProcessEngine(cfg Config) (sandbox.Executor, error) {
	if cfg.HelperPath == "" {
		cfg.HelperPath = "sandbox-init"
	}
	if cfg.EnableCgroup && cfg.CgroupRoot == "" {
		return nil, fmt.Errorf("cgroup root is required when cgroups are enabled")
	}
	if cfg.HelperOverheadMB <= 0 {
		cfg.HelperOverheadMB = defaultHelperOverheadMB
	}
	return &processEngine{
		cfg:      cfg,
		registry: make(map[string][]*exec.Cmd),
	}, nil
}

func (e *processEngine) Execute(ctx context.Context, req sandbox.Request) (sandbox.Result, error) {
	if req.SubmissionID == "" {
		return sandbox.Result{}, fmt.Errorf("submission id is required")
	}
	prog, err := buildProgram(req)
	if err != nil {
		return sandbox.Result{}, sandbox.Failure(err, "prepare program")
	}
	limits := req.Limits.WithDefaults()
	opts := buildOptions(limits, e.cfg.OutputLimitBytes)
	helperReq := jsvm.HelperRequest{
		Program:        prog,
		Options:        opts,
		CPUSeconds:     uint64(limits.TimeLimit()/time.Second) + 2,
		SeccompProfile: e.cfg.SeccompProfile,
		EnableNs:       e.cfg.EnableNamespaces,
	}
	payload, err := json.Marshal(helperReq)
	if err != nil {
		return sandbox.Result{}, sandbox.Failure(err, "encode helper request")
	}

	cgroupPath := ""
	cgroupCleanup := func() {}
	if e.cfg.EnableCgroup {
		cgroupPath, cgroupCleanup, err = createRunCgroup(e.cfg.CgroupRoot, req.SubmissionID, req.CaseIndex)
		if err != nil {
			return sandbox.Result{}, sandbox.Failure(err, "create cgroup")
		}
		defer cgroupCleanup()
		memoryBytes := (limits.MemoryLimitMB + e.cfg.HelperOverheadMB) * 1024 * 1024
		if err := applyCgroupLimits(cgroupPath, memoryBytes, helperPIDs); err != nil {
			return sandbox.Result{}, sandbox.Failure(err, "apply cgroup limits")
		}
	}

	cmd := exec.Command(e.cfg.HelperPath)
	cmd.SysProcAttr = buildSysProcAttr(e.cfg.EnableNamespaces)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Env = []string{}

	helperStdout := newLimitedWriter(helperOutputCap(opts.OutputLimit))
	helperStderr := newLimitedWriter(int64(opts.OutputLimit))
	cmd.Stdout = helperStdout
	cmd.Stderr = helperStderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return sandbox.Result{}, sandbox.Failure(err, "start helper")
	}
	e.register(req.SubmissionID, cmd)
	defer e.unregister(req.SubmissionID, cmd)

	if cgroupPath != "" {
		if err := addProcessToCgroup(cgroupPath, cmd.Process.Pid); err != nil {
			e.killProcessGroup(cmd.Process.Pid)
			_ = cmd.Wait()
			return sandbox.Result{}, sandbox.Failure(err, "join cgroup")
		}
	}

	var timedOut atomic.Bool
	done := make(chan struct{})
	go func() {
		wallTimer := time.NewTimer(opts.Timeout + helperGrace)
		defer wallTimer.Stop()
		select {
		case <-ctx.Done():
			e.killProcessGroup(cmd.Process.Pid)
		case <-wallTimer.C:
			timedOut.Store(true)
			e.killProcessGroup(cmd.Process.Pid)
		case <-done:
		}
	}()

	waitErr := cmd.Wait()
	close(done)
	elapsed := time.Since(start)

	if err := ctx.Err(); err != nil {
		return sandbox.Result{}, context.Cause(ctx)
	}

	oom := wasOomKilled(cgroupPath)
	peak := memoryPeakBytes(cgroupPath, cmd.ProcessState)

	switch {
	case oom:
		return sandbox.Result{Status: sandbox.ExitMemoryExceeded, Duration: elapsed, MemoryBytes: peak, Message: "memory limit exceeded"}, nil
	case timedOut.Load():
		return sandbox.Result{Status: sandbox.ExitTimedOut, Duration: elapsed, MemoryBytes: peak, Message: "time limit exceeded"}, nil
	}

	// The streams are bounded but the returned document is not.
	if waitErr == nil && helperStdout.Overflowed() {
		return sandbox.Result{
			Status:      sandbox.ExitRuntimeError,
			Duration:    elapsed,
			MemoryBytes: peak,
			Message:     "output limit exceeded",
		}, nil
	}

	var out jsvm.Outcome
	decodeErr := json.Unmarshal(helperStdout.Bytes(), &out)
	if waitErr == nil && decodeErr == nil {
		res := toResult(out)
		if peak > res.MemoryBytes {
			res.MemoryBytes = peak
		}
		return res, nil
	}

	exitCode := exitCodeFromErr(waitErr, cmd.ProcessState)
	stderr := helperStderr.String()
	if exitCode == jsvm.HelperExitSetup {
		logger.Warn(ctx, "sandbox helper setup failed", zap.String("stderr", stderr))
		return sandbox.Result{}, sandbox.Failure(errors.New(strings.TrimSpace(stderr)), "helper setup")
	}
	if waitErr == nil {
		return sandbox.Result{}, sandbox.Failure(decodeErr, "decode helper outcome")
	}
	if signaled(cmd.ProcessState, syscall.SIGXCPU) {
		return sandbox.Result{Status: sandbox.ExitTimedOut, Duration: elapsed, MemoryBytes: peak, Message: "cpu time limit exceeded"}, nil
	}
	if strings.Contains(stderr, "out of memory") {
		return sandbox.Result{Status: sandbox.ExitMemoryExceeded, Duration: elapsed, MemoryBytes: peak, Stderr: stderr, Message: "memory limit exceeded"}, nil
	}
	return sandbox.Result{
		Status:      sandbox.ExitRuntimeError,
		Stderr:      stderr,
		ExitCode:    exitCode,
		Duration:    elapsed,
		MemoryBytes: peak,
		Message:     fmt.Sprintf("sandbox process exited abnormally (code %d)", exitCode),
	}, nil
}

func (e *processEngine) KillSubmission(ctx context.Context, submissionID string) error {
	if submissionID == "" {
		return fmt.Errorf("submission id is required")
	}
	for _, cmd := range e.snapshot(submissionID) {
		if cmd.Process != nil {
			e.killProcessGroup(cmd.Process.Pid)
		}
	}
	logger.Info(ctx, "sandbox submission killed", zap.String("submission_id", submissionID))
	return nil
}

func (e *processEngine) register(submissionID string, cmd *exec.Cmd) {
	e.registryM.Lock()
	defer e.registryM.Unlock()
	e.registry[submissionID] = append(e.registry[submissionID], cmd)
}

func (e *processEngine) unregister(submissionID string, cmd *exec.Cmd) {
	e.registryM.Lock()
	defer e.registryM.Unlock()
	cmds := e.registry[submissionID]
	updated := cmds[:0]
	for _, c := range cmds {
		if c != cmd {
			updated = append(updated, c)
		}
	}
	if len(updated) == 0 {
		delete(e.registry, submissionID)
		return
	}
	e.registry[submissionID] = updated
}

func (e *processEngine) snapshot(submissionID string) []*exec.Cmd {
	e.registryM.Lock()
	defer e.registryM.Unlock()
	out := make([]*exec.Cmd, len(e.registry[submissionID]))
	copy(out, e.registry[submissionID])
	return out
}

func (e *processEngine) killProcessGroup(pid int) {
	if pid <= 0 {
		return
	}
	_ = syscall.Kill(-pid, syscall.SIGKILL)
}

func exitCodeFromErr(err error, state *os.ProcessState) int {
	if state != nil {
		return state.ExitCode()
	}
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func signaled(state *os.ProcessState, sig syscall.Signal) bool {
	if state == nil {
		return false
	}
	ws, ok := state.Sys().(syscall.WaitStatus)
	return ok && ws.Signaled() && ws.Signal() == sig
}

func buildSysProcAttr(enableNamespaces bool) *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
	if !enableNamespaces {
		return attr
	}

	attr.Cloneflags = uintptr(syscall.CLONE_NEWNS | syscall.CLONE_NEWPID | syscall.CLONE_NEWUTS |
		syscall.CLONE_NEWIPC | syscall.CLONE_NEWNET | syscall.CLONE_NEWUSER)
	attr.GidMappingsEnableSetgroups = false
	attr.UidMappings = []syscall.SysProcIDMap{{ContainerID: 0, HostID: os.Getuid(), Size: 1}}
	attr.GidMappings = []syscall.SysProcIDMap{{ContainerID: 0, HostID: os.Getgid(), Size: 1}}
	return attr
}

// helperOutputCap bounds the helper's outcome document. Each stream holds
// at most limit+1 bytes and a byte escapes to at most six in JSON.
func helperOutputCap(limit int) int64 {
	return 6*(2*int64(limit)+2) + helperSlack
}

// limitedWriter keeps the first max bytes written and discards the rest.
type limitedWriter struct {
	buf        bytes.Buffer
	max        int64
	overflowed bool
}

func newLimitedWriter(max int64) *limitedWriter {
	return &limitedWriter{max: max}
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	room := w.max - int64(w.buf.Len())
	if int64(len(p)) > room {
		w.overflowed = true
	}
	if room > 0 {
		if int64(len(p)) > room {
			w.buf.Write(p[:room])
		} else {
			w.buf.Write(p)
		}
	}
	return len(p), nil
}

// Overflowed reports whether any write was cut short.
func (w *limitedWriter) Overflowed() bool { return w.overflowed }

func (w *limitedWriter) Bytes() []byte  { return w.buf.Bytes() }
func (w *limitedWriter) String() string { return w.buf.String() }
