package script

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/GriffinCanCode/computeguard/internal/engine"
)

// Config defines sandbox limits
type Config struct {
	Timeout          time.Duration // Default per-script timeout
	MaxCallStackSize int           // Frames before a stack overflow is raised
	AcquireTimeout   time.Duration // How long a job waits for a free VM
	EnableConsole    bool          // Expose console.log/warn/error/info
}

// DefaultConfig returns the default sandbox limits
func DefaultConfig() Config {
	return Config{
		Timeout:          5 * time.Second,
		MaxCallStackSize: 1024,
		AcquireTimeout:   5 * time.Second,
		EnableConsole:    true,
	}
}

// Result holds the outcome of one script
type Result struct {
	Value    interface{}
	Console  []string
	Duration time.Duration
}

// Runtime wraps a goja VM with the sandbox restrictions applied
type Runtime struct {
	id     int
	vm     *goja.Runtime
	config Config
	mu     sync.Mutex

	console   []string
	consoleMu sync.Mutex
}

// NewRuntime creates a sandboxed VM
func NewRuntime(id int, config Config) (*Runtime, error) {
	r := &Runtime{id: id, config: config}
	if err := r.reset(); err != nil {
		return nil, err
	}
	return r, nil
}

// ID returns the pool slot the runtime occupies
func (r *Runtime) ID() int {
	return r.id
}

// Execute runs source, interrupting the VM when timeout elapses or ctx ends
func (r *Runtime) Execute(ctx context.Context, source string, timeout time.Duration) (*Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.vm == nil {
		return nil, engine.Errorf(engine.CodeNotLoaded, "execute", "runtime %d is closed", r.id)
	}
	if timeout <= 0 {
		timeout = r.config.Timeout
	}

	r.consoleMu.Lock()
	r.console = nil
	r.consoleMu.Unlock()

	start := time.Now()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	stop := make(chan struct{})
	exited := make(chan struct{})
	vm := r.vm
	go func() {
		defer close(exited)
		select {
		case <-timer.C:
			vm.Interrupt(fmt.Sprintf("timeout after %s", timeout))
		case <-ctx.Done():
			vm.Interrupt(ctx.Err().Error())
		case <-stop:
		}
	}()
	defer func() {
		close(stop)
		<-exited
		vm.ClearInterrupt()
	}()

	val, err := vm.RunString(source)

	if err != nil {
		return nil, convertError(err)
	}

	r.consoleMu.Lock()
	console := append([]string(nil), r.console...)
	r.consoleMu.Unlock()

	return &Result{
		Value:    exportValue(val),
		Console:  console,
		Duration: time.Since(start),
	}, nil
}

// Reset discards all global state the previous script left behind
func (r *Runtime) Reset() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reset()
}

// Close releases the VM
func (r *Runtime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.vm = nil
	r.console = nil
	return nil
}

func (r *Runtime) reset() error {
	vm := goja.New()
	if r.config.MaxCallStackSize > 0 {
		vm.SetMaxCallStackSize(r.config.MaxCallStackSize)
	}
	r.vm = vm
	r.consoleMu.Lock()
	r.console = nil
	r.consoleMu.Unlock()
	return r.setupGlobals()
}

// setupGlobals removes host escape hatches and installs the console
func (r *Runtime) setupGlobals() error {
	for _, name := range []string{"require", "process", "module", "exports"} {
		if err := r.vm.Set(name, goja.Undefined()); err != nil {
			return err
		}
	}

	if r.config.EnableConsole {
		console := r.vm.NewObject()
		for _, level := range []string{"log", "info", "warn", "error"} {
			if err := console.Set(level, r.makeConsoleFunc(level)); err != nil {
				return err
			}
		}
		if err := r.vm.Set("console", console); err != nil {
			return err
		}
	}

	// Timers never fire in the sandbox
	noop := func(call goja.FunctionCall) goja.Value { return goja.Undefined() }
	if err := r.vm.Set("setTimeout", noop); err != nil {
		return err
	}
	return r.vm.Set("setInterval", noop)
}

func (r *Runtime) makeConsoleFunc(level string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, arg := range call.Arguments {
			parts[i] = arg.String()
		}
		msg := strings.Join(parts, " ")
		if level != "log" {
			msg = level + ": " + msg
		}

		r.consoleMu.Lock()
		r.console = append(r.console, msg)
		r.consoleMu.Unlock()

		return goja.Undefined()
	}
}

func exportValue(val goja.Value) interface{} {
	if val == nil || goja.IsUndefined(val) || goja.IsNull(val) {
		return nil
	}
	return val.Export()
}

// convertError maps goja failures onto engine codes
func convertError(err error) error {
	var (
		interrupted *goja.InterruptedError
		overflow    *goja.StackOverflowError
		syntax      *goja.CompilerSyntaxError
		exception   *goja.Exception
	)

	switch {
	case errors.As(err, &interrupted):
		return &engine.Error{
			Code:    engine.CodeProcessing,
			Op:      "execute",
			Message: "script interrupted",
			Details: fmt.Sprint(interrupted.Value()),
			Err:     err,
		}
	case errors.As(err, &overflow):
		return &engine.Error{
			Code:    engine.CodeOutOfMemory,
			Op:      "execute",
			Message: "maximum call stack size exceeded",
			Err:     err,
		}
	case errors.As(err, &syntax):
		return &engine.Error{
			Code:    engine.CodeInvalidInput,
			Op:      "compile",
			Message: "script has a syntax error",
			Details: syntax.Error(),
			Err:     err,
		}
	case errors.As(err, &exception):
		return &engine.Error{
			Code:    engine.CodeProcessing,
			Op:      "execute",
			Message: "script threw an exception",
			Details: exception.Value().String(),
			Err:     err,
		}
	default:
		return engine.Wrap(engine.CodeUnknown, "execute", err)
	}
}
