// Package numeric is a gonum-backed compute engine that runs statistics and
// dense matrix jobs on a goroutine worker pool.
//
// A panic inside a worker poisons the engine: every later call fails with a
// panic code until the engine is disposed and loaded again, mirroring an
// engine whose memory can no longer be trusted.
package numeric

import (
	"context"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/computeguard/internal/engine"
)

// Backend is the name reported in capabilities
const Backend = "numeric"

// MaxThreads is the largest pool the engine accepts
const MaxThreads = 16

// Options configures the numeric engine
type Options struct {
	// HardwareConcurrency overrides the detected core count when positive
	HardwareConcurrency int
	Limits              Limits
	Logger              *zap.Logger
}

// Engine implements engine.Engine with gonum
type Engine struct {
	hw     int
	limits Limits
	logger *zap.Logger

	mu       sync.RWMutex
	loaded   bool
	pool     *workerPool
	poisoned error

	// beforeRun is called on the worker before each job; tests use it to
	// inject faults.
	beforeRun func(job engine.Job)
}

var _ engine.Engine = (*Engine)(nil)

// New creates an unloaded numeric engine
func New(opts Options) *Engine {
	hw := opts.HardwareConcurrency
	if hw <= 0 {
		hw = runtime.GOMAXPROCS(0)
	}
	limits := opts.Limits
	defaults := DefaultLimits()
	if limits.MaxSampleSize <= 0 {
		limits.MaxSampleSize = defaults.MaxSampleSize
	}
	if limits.MaxMatrixElements <= 0 {
		limits.MaxMatrixElements = defaults.MaxMatrixElements
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Engine{
		hw:     hw,
		limits: limits,
		logger: logger.Named("numeric"),
	}
}

// Load marks the engine ready
func (e *Engine) Load(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return engine.Wrap(engine.CodeProcessing, "load", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.loaded = true
	e.poisoned = nil
	e.logger.Debug("Numeric engine loaded")
	return nil
}

// InitThreadPool starts count workers
func (e *Engine) InitThreadPool(ctx context.Context, count int) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.loaded {
		return false, engine.ErrNotLoaded
	}
	if e.pool != nil {
		return false, engine.Errorf(engine.CodeThreading, "init pool", "worker pool already initialized with %d workers", e.pool.size())
	}
	if count < 1 || count > MaxThreads {
		return false, engine.Errorf(engine.CodeInvalidInput, "init pool", "thread count %d outside [1, %d]", count, MaxThreads)
	}

	e.pool = newWorkerPool(count, e.poison)
	e.logger.Info("Worker pool started", zap.Int("workers", count))
	return true, nil
}

// ResizeThreadPool changes the number of workers
func (e *Engine) ResizeThreadPool(ctx context.Context, count int) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.loaded {
		return false, engine.ErrNotLoaded
	}
	if e.pool == nil {
		return false, engine.Errorf(engine.CodeThreading, "resize pool", "worker pool not initialized")
	}
	if count < 1 || count > MaxThreads {
		return false, engine.Errorf(engine.CodeInvalidInput, "resize pool", "thread count %d outside [1, %d]", count, MaxThreads)
	}

	e.pool.resize(count)
	e.logger.Info("Worker pool resized", zap.Int("workers", count))
	return true, nil
}

// Capabilities reports the host
func (e *Engine) Capabilities() engine.Capabilities {
	return engine.Capabilities{
		Backend:             Backend,
		ThreadingSupported:  true,
		HardwareConcurrency: e.hw,
		MaxThreads:          MaxThreads,
		Jobs:                []engine.JobType{engine.JobStats, engine.JobMatrix},
	}
}

// Invoke runs a stats or matrix job on the pool, or inline when no pool runs
func (e *Engine) Invoke(ctx context.Context, job engine.Job) (*engine.Output, error) {
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
			Message: "engine state corrupted by an earlier worker panic",
			Err:     poisoned,
		}
	}

	run, err := e.runner(job)
	if err != nil {
		return nil, err
	}

	if pool == nil {
		return e.inline(ctx, run)
	}
	return pool.submit(ctx, run)
}

// Dispose stops the pool and unloads the engine
func (e *Engine) Dispose() {
	e.mu.Lock()
	pool := e.pool
	e.pool = nil
	e.loaded = false
	e.poisoned = nil
	e.mu.Unlock()

	if pool != nil {
		pool.close()
	}
	e.logger.Debug("Numeric engine disposed")
}

func (e *Engine) runner(job engine.Job) (func(worker int) (*engine.Output, error), error) {
	var compute func() (*engine.Output, error)

	switch j := job.(type) {
	case engine.StatsJob:
		compute = func() (*engine.Output, error) { return runStats(j, e.limits) }
	case *engine.StatsJob:
		compute = func() (*engine.Output, error) { return runStats(*j, e.limits) }
	case engine.MatrixJob:
		compute = func() (*engine.Output, error) { return runMatrix(j, e.limits) }
	case *engine.MatrixJob:
		compute = func() (*engine.Output, error) { return runMatrix(*j, e.limits) }
	default:
		return nil, engine.Errorf(engine.CodeUnsupported, "invoke", "%T is not supported by the %s engine", job, Backend)
	}

	return func(worker int) (*engine.Output, error) {
		if e.beforeRun != nil {
			e.beforeRun(job)
		}
		start := time.Now()
		out, err := compute()
		if err != nil {
			return nil, err
		}
		out.Worker = worker
		out.Duration = time.Since(start)
		return out, nil
	}, nil
}

// inline runs on the caller's goroutine with the same panic handling as a worker
func (e *Engine) inline(ctx context.Context, run func(worker int) (*engine.Output, error)) (out *engine.Output, err error) {
	if err := ctx.Err(); err != nil {
		return nil, engine.Wrap(engine.CodeProcessing, "invoke", err)
	}

	defer func() {
		if rec := recover(); rec != nil {
			perr := engine.Errorf(engine.CodePanic, "invoke", "panic: %v", rec)
			e.poison(perr)
			out, err = nil, perr
		}
	}()
	return run(0)
}

func (e *Engine) poison(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.poisoned == nil {
		e.poisoned = err
		e.logger.Error("Worker panic, engine poisoned", zap.Error(err))
	}
}
