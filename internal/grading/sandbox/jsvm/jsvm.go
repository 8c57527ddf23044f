// Package jsvm runs one JavaScript program against one input inside a fresh
// goja runtime. The runtime has no module loader, filesystem, network,
// process or environment surface; the only ambient objects added are
// console, print, input and args.
package jsvm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"runtime/metrics"
	"strconv"
	"strings"
	"time"

	"github.com/dop251/goja"
)

// Status classifies how a run ended.
type Status string

const (
	StatusOK             Status = "ok"
	StatusRuntimeError   Status = "runtime_error"
	StatusTimedOut       Status = "timed_out"
	StatusMemoryExceeded Status = "memory_exceeded"
	StatusCompileError   Status = "compile_error"
)

// Program is the code plus the JSON input it is run against.
type Program struct {
	Code       string          `json:"code"`
	Input      json.RawMessage `json:"input,omitempty"`
	EntryPoint string          `json:"entryPoint,omitempty"`
}

// Options bound a run.
type Options struct {
	Timeout     time.Duration `json:"timeout"`
	MemoryLimit int64         `json:"memoryLimit"`
	// OutputLimit caps each captured stream. Writes past the cap are dropped
	// after one extra byte so callers can tell the stream overflowed.
	OutputLimit      int           `json:"outputLimit"`
	MaxCallStackSize int           `json:"maxCallStackSize"`
	PollInterval     time.Duration `json:"pollInterval"`
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = 2 * time.Second
	}
	if o.OutputLimit <= 0 {
		o.OutputLimit = 64 * 1024
	}
	if o.MaxCallStackSize <= 0 {
		o.MaxCallStackSize = 4096
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 10 * time.Millisecond
	}
	return o
}

// Outcome is the result of one run.
type Outcome struct {
	Status    Status          `json:"status"`
	Returned  json.RawMessage `json:"returned,omitempty"`
	HasReturn bool            `json:"hasReturn"`
	Stdout    string          `json:"stdout"`
	Stderr    string          `json:"stderr"`
	Message   string          `json:"message,omitempty"`
	Duration  time.Duration   `json:"duration"`
	HeapBytes int64           `json:"heapBytes"`
}

var (
	errTimeout   = errors.New("time limit exceeded")
	errMemory    = errors.New("memory limit exceeded")
	errCancelled = errors.New("run cancelled")
)

var identPattern = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*$`)

// Run compiles and runs prog. It returns an error only when ctx ends before
// the program does or when prog itself is malformed; everything the program
// does wrong is reported in the Outcome.
func Run(ctx context.Context, prog Program, opts Options) (Outcome, error) {
	opts = opts.withDefaults()
	if prog.EntryPoint != "" && !identPattern.MatchString(prog.EntryPoint) {
		return Outcome{}, fmt.Errorf("invalid entry point %q", prog.EntryPoint)
	}
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}

	start := time.Now()
	compiled, err := goja.Compile("submission.js", prog.Code, false)
	if err != nil {
		return Outcome{
			Status:   StatusCompileError,
			Stderr:   err.Error(),
			Message:  firstLine(err.Error()),
			Duration: time.Since(start),
		}, nil
	}

	vm := goja.New()
	vm.SetMaxCallStackSize(opts.MaxCallStackSize)

	r := &run{
		vm:     vm,
		stdout: newCappedBuffer(opts.OutputLimit + 1),
		stderr: newCappedBuffer(opts.OutputLimit + 1),
	}
	if err := r.installBuiltins(); err != nil {
		return Outcome{}, err
	}
	if err := r.installInput(prog.Input); err != nil {
		return Outcome{}, err
	}

	stop := make(chan struct{})
	watchDone := make(chan int64, 1)
	go watch(ctx, vm, opts, stop, watchDone)

	ret, hasRet, runErr := r.execute(compiled, prog.EntryPoint)
	close(stop)
	peak := <-watchDone
	vm.ClearInterrupt()

	out := Outcome{
		Status:    StatusOK,
		Returned:  ret,
		HasReturn: hasRet,
		Stdout:    r.stdout.String(),
		Stderr:    r.stderr.String(),
		Duration:  time.Since(start),
		HeapBytes: peak,
	}
	if runErr == nil {
		return out, nil
	}

	out.Returned, out.HasReturn = nil, false
	var interrupted *goja.InterruptedError
	if errors.As(runErr, &interrupted) {
		switch interrupted.Value() {
		case errTimeout:
			out.Status = StatusTimedOut
			out.Message = errTimeout.Error()
			return out, nil
		case errMemory:
			out.Status = StatusMemoryExceeded
			out.Message = errMemory.Error()
			return out, nil
		case errCancelled:
			if cause := context.Cause(ctx); cause != nil {
				return out, cause
			}
			return out, context.Canceled
		}
	}

	out.Status = StatusRuntimeError
	var exception *goja.Exception
	if errors.As(runErr, &exception) {
		out.Message = firstLine(exception.Error())
	} else {
		out.Message = firstLine(runErr.Error())
	}
	r.stderr.WriteString(runErr.Error())
	out.Stderr = r.stderr.String()
	return out, nil
}

type run struct {
	vm        *goja.Runtime
	stdout    *cappedBuffer
	stderr    *cappedBuffer
	stringify goja.Callable
	parse     goja.Callable
	input     goja.Value
}

// installBuiltins captures JSON helpers before user code can shadow them
// and installs the console.
func (r *run) installBuiltins() error {
	jsonObj := r.vm.Get("JSON").ToObject(r.vm)
	stringify, ok := goja.AssertFunction(jsonObj.Get("stringify"))
	if !ok {
		return fmt.Errorf("JSON.stringify unavailable")
	}
	parse, ok := goja.AssertFunction(jsonObj.Get("parse"))
	if !ok {
		return fmt.Errorf("JSON.parse unavailable")
	}
	r.stringify, r.parse = stringify, parse

	console := r.vm.NewObject()
	for name, w := range map[string]*cappedBuffer{
		"log":   r.stdout,
		"info":  r.stdout,
		"debug": r.stdout,
		"warn":  r.stderr,
		"error": r.stderr,
	} {
		if err := console.Set(name, r.printer(w)); err != nil {
			return err
		}
	}
	if err := r.vm.Set("console", console); err != nil {
		return err
	}
	return r.vm.Set("print", r.printer(r.stdout))
}

func (r *run) printer(w *cappedBuffer) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		parts := make([]string, 0, len(call.Arguments))
		for _, arg := range call.Arguments {
			parts = append(parts, r.format(arg))
		}
		w.WriteString(strings.Join(parts, " "))
		w.WriteString("\n")
		return goja.Undefined()
	}
}

func (r *run) format(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) {
		return "undefined"
	}
	if goja.IsNull(v) {
		return "null"
	}
	if s, ok := v.Export().(string); ok {
		return s
	}
	if obj, ok := v.(*goja.Object); ok {
		if _, isFn := goja.AssertFunction(obj); !isFn {
			if out, err := r.stringify(goja.Undefined(), obj); err == nil && !goja.IsUndefined(out) {
				return out.String()
			}
		}
	}
	return v.String()
}

func (r *run) installInput(raw json.RawMessage) error {
	text := strings.TrimSpace(string(raw))
	if text == "" {
		text = "null"
	}
	input, err := r.parse(goja.Undefined(), r.vm.ToValue(text))
	if err != nil {
		return fmt.Errorf("decode input: %w", err)
	}
	r.input = input
	if err := r.vm.Set("input", input); err != nil {
		return err
	}
	if isArray(input) {
		return r.vm.Set("args", input)
	}
	return nil
}

// execute runs the program, then calls entry when the program defines it.
func (r *run) execute(prog *goja.Program, entry string) (ret json.RawMessage, hasRet bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("runtime panic: %v", p)
		}
	}()

	if _, err := r.vm.RunProgram(prog); err != nil {
		return nil, false, err
	}
	if entry == "" {
		return nil, false, nil
	}

	// Resolves both function declarations and top-level let/const bindings.
	fnVal, err := r.vm.RunString(fmt.Sprintf("typeof %[1]s === 'function' ? %[1]s : undefined", entry))
	if err != nil {
		return nil, false, err
	}
	fn, ok := goja.AssertFunction(fnVal)
	if !ok {
		return nil, false, nil
	}

	result, err := fn(goja.Undefined(), r.callArgs()...)
	if err != nil {
		return nil, false, err
	}
	encoded, err := r.stringify(goja.Undefined(), result)
	if err != nil {
		return nil, false, err
	}
	if goja.IsUndefined(encoded) {
		return nil, false, nil
	}
	return json.RawMessage(encoded.String()), true, nil
}

// callArgs spreads array inputs into positional arguments.
func (r *run) callArgs() []goja.Value {
	if !isArray(r.input) {
		return []goja.Value{r.input}
	}
	obj := r.input.ToObject(r.vm)
	n := obj.Get("length").ToInteger()
	args := make([]goja.Value, 0, n)
	for i := int64(0); i < n; i++ {
		args = append(args, obj.Get(strconv.FormatInt(i, 10)))
	}
	return args
}

func isArray(v goja.Value) bool {
	obj, ok := v.(*goja.Object)
	return ok && obj.ClassName() == "Array"
}

// watch interrupts vm on deadline, cancellation or heap growth past the
// limit, and reports the peak heap growth it observed when stopped.
func watch(ctx context.Context, vm *goja.Runtime, opts Options, stop <-chan struct{}, done chan<- int64) {
	var peak int64
	defer func() { done <- peak }()

	timer := time.NewTimer(opts.Timeout)
	defer timer.Stop()
	ticker := time.NewTicker(opts.PollInterval)
	defer ticker.Stop()

	baseline := heapBytes()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			vm.Interrupt(errCancelled)
			return
		case <-timer.C:
			vm.Interrupt(errTimeout)
			return
		case <-ticker.C:
			grown := heapBytes() - baseline
			if grown > peak {
				peak = grown
			}
			if opts.MemoryLimit > 0 && grown > opts.MemoryLimit {
				vm.Interrupt(errMemory)
				return
			}
		}
	}
}

// heapBytes reads live plus not-yet-swept heap object bytes. It is process
// wide, so callers running several programs in one process must not let
// metered runs overlap.
func heapBytes() int64 {
	sample := []metrics.Sample{{Name: "/memory/classes/heap/objects:bytes"}}
	metrics.Read(sample)
	if sample[0].Value.Kind() != metrics.KindUint64 {
		return 0
	}
	return int64(sample[0].Value.Uint64())
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
