// Package script is a compute engine that evaluates JavaScript in a pool of
// sandboxed goja VMs. The pool holds one VM per thread; without a thread pool
// a single VM serves every job.
//
// Scripts that time out or throw are ordinary processing failures. A Go panic
// escaping a VM poisons the engine until it is disposed and loaded again.
package script

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/computeguard/internal/engine"
)

// Backend is the name reported in capabilities
const Backend = "script"

// MaxThreads is the largest pool the engine accepts
const MaxThreads = 16

// Options configures the script engine
type Options struct {
	// HardwareConcurrency overrides the detected core count when positive
	HardwareConcurrency int
	Config              Config
	Logger              *zap.Logger
}

// Engine implements engine.Engine on goja
type Engine struct {
	hw     int
	config Config
	logger *zap.Logger

	mu       sync.RWMutex
	loaded   bool
	threaded bool
	pool     *Pool
	poisoned error

	// beforeRun is called with the VM held, before the script runs
	beforeRun func(job engine.ScriptJob)
}

var _ engine.Engine = (*Engine)(nil)

// New creates an unloaded script engine
func New(opts Options) *Engine {
	hw := opts.HardwareConcurrency
	if hw <= 0 {
		hw = runtime.GOMAXPROCS(0)
	}
	config := opts.Config
	defaults := DefaultConfig()
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.MaxCallStackSize <= 0 {
		config.MaxCallStackSize = defaults.MaxCallStackSize
	}
	if config.AcquireTimeout <= 0 {
		config.AcquireTimeout = defaults.AcquireTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Engine{
		hw:     hw,
		config: config,
		logger: logger.Named("script"),
	}
}

// Load creates the single-VM pool used until a thread pool is started
func (e *Engine) Load(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return engine.Wrap(engine.CodeProcessing, "load", err)
	}

	pool, err := NewPool(e.config, 1)
	if err != nil {
		return engine.Wrap(engine.CodeUnknown, "load", err)
	}

	e.mu.Lock()
	old := e.pool
	e.pool = pool
	e.loaded = true
	e.threaded = false
	e.poisoned = nil
	e.mu.Unlock()

	if old != nil {
		old.Close()
	}
	e.logger.Debug("Script engine loaded")
	return nil
}

// InitThreadPool replaces the single VM with count VMs
func (e *Engine) InitThreadPool(ctx context.Context, count int) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.loaded {
		return false, engine.ErrNotLoaded
	}
	if e.threaded {
		return false, engine.Errorf(engine.CodeThreading, "init pool", "VM pool already initialized with %d runtimes", e.pool.Stats().Size)
	}
	if err := e.swapPool("init pool", count); err != nil {
		return false, err
	}
	e.threaded = true
	e.logger.Info("VM pool started", zap.Int("runtimes", count))
	return true, nil
}

// ResizeThreadPool rebuilds the pool with count VMs
func (e *Engine) ResizeThreadPool(ctx context.Context, count int) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.loaded {
		return false, engine.ErrNotLoaded
	}
	if !e.threaded {
		return false, engine.Errorf(engine.CodeThreading, "resize pool", "VM pool not initialized")
	}
	if err := e.swapPool("resize pool", count); err != nil {
		return false, err
	}
	e.logger.Info("VM pool resized", zap.Int("runtimes", count))
	return true, nil
}

// swapPool must be called with mu held
func (e *Engine) swapPool(op string, count int) error {
	if count < 1 || count > MaxThreads {
		return engine.Errorf(engine.CodeInvalidInput, op, "thread count %d outside [1, %d]", count, MaxThreads)
	}
	pool, err := NewPool(e.config, count)
	if err != nil {
		return engine.Wrap(engine.CodeThreading, op, err)
	}
	if e.pool != nil {
		e.pool.Close()
	}
	e.pool = pool
	return nil
}

// Capabilities reports the host
func (e *Engine) Capabilities() engine.Capabilities {
	return engine.Capabilities{
		Backend:             Backend,
		ThreadingSupported:  true,
		HardwareConcurrency: e.hw,
		MaxThreads:          MaxThreads,
		Jobs:                []engine.JobType{engine.JobScript},
	}
}

// Stats returns the VM pool statistics, or false when not loaded
func (e *Engine) Stats() (PoolStats, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.pool == nil {
		return PoolStats{}, false
	}
	return e.pool.Stats(), true
}

// Invoke runs a script job on a free VM
func (e *Engine) Invoke(ctx context.Context, job engine.Job) (*engine.Output, error) {
	var sj engine.ScriptJob
	switch j := job.(type) {
	case engine.ScriptJob:
		sj = j
	case *engine.ScriptJob:
		sj = *j
	default:
		return nil, engine.Errorf(engine.CodeUnsupported, "invoke", "%T is not supported by the %s engine", job, Backend)
	}

	e.mu.RLock()
	loaded, pool, poisoned := e.loaded, e.pool, e.poisoned
	e.mu.RUnlock()

	switch {
	case !loaded:
		return nil, engine.ErrNotLoaded
	case poisoned != nil:
		return nil, &engine.Error{
			Code:    engine.CodePanic,
			Op:      "invoke",
			Message: "engine state corrupted by an earlier VM panic",
			Err:     poisoned,
		}
	case strings.TrimSpace(sj.Source) == "":
		return nil, engine.Errorf(engine.CodeInvalidInput, "invoke", "script source is required")
	}

	rt, err := pool.Acquire(ctx)
	if err != nil {
		switch {
		case errors.Is(err, ErrPoolClosed):
			return nil, engine.ErrNotLoaded
		case errors.Is(err, ErrTimeout):
			return nil, &engine.Error{Code: engine.CodeThreading, Op: "acquire", Message: "no VM available: pool exhausted", Err: err}
		default:
			return nil, engine.Wrap(engine.CodeProcessing, "acquire", err)
		}
	}

	return e.run(ctx, pool, rt, sj)
}

func (e *Engine) run(ctx context.Context, pool *Pool, rt *Runtime, job engine.ScriptJob) (out *engine.Output, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			perr := engine.Errorf(engine.CodePanic, "execute", "runtime %d panic: %v", rt.ID(), rec)
			e.poison(perr)
			pool.Discard(rt)
			out, err = nil, perr
			return
		}
		if rerr := pool.Release(rt); rerr != nil {
			e.logger.Warn("Failed to reset runtime", zap.Int("runtime", rt.ID()), zap.Error(rerr))
		}
	}()

	if e.beforeRun != nil {
		e.beforeRun(job)
	}

	res, err := rt.Execute(ctx, job.Source, job.Timeout)
	if err != nil {
		return nil, err
	}

	return &engine.Output{
		JobType:  engine.JobScript,
		Value:    res.Value,
		Console:  res.Console,
		Worker:   rt.ID(),
		Duration: res.Duration,
	}, nil
}

// Dispose closes every VM and unloads the engine
func (e *Engine) Dispose() {
	e.mu.Lock()
	pool := e.pool
	e.pool = nil
	e.loaded = false
	e.threaded = false
	e.poisoned = nil
	e.mu.Unlock()

	if pool != nil {
		pool.Close()
	}
	e.logger.Debug("Script engine disposed")
}

func (e *Engine) poison(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.poisoned == nil {
		e.poisoned = err
		e.logger.Error("VM panic, engine poisoned", zap.Error(err))
	}
}
