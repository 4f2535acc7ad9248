// Package controller is the single entry point for calls into the compute
// engine. It composes the classifier, circuit breaker, thread pool manager,
// job tracker and recovery orchestrator, and owns the error state shown to
// callers.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/computeguard/internal/domain/classify"
	"github.com/GriffinCanCode/computeguard/internal/domain/jobs"
	"github.com/GriffinCanCode/computeguard/internal/domain/recovery"
	"github.com/GriffinCanCode/computeguard/internal/domain/threadpool"
	"github.com/GriffinCanCode/computeguard/internal/engine"
	"github.com/GriffinCanCode/computeguard/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/computeguard/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/computeguard/internal/shared/clock"
)

// Options configures a Controller. Zero values use defaults.
type Options struct {
	// Breaker tunables; IsCountable, OnStateChange and Clock are set by the controller
	Breaker resilience.Settings
	// Recovery tunables; Clock is set by the controller when empty
	Recovery recovery.Settings
	// Classifier labels failures; defaults to classify.New()
	Classifier *classify.Classifier
	// HistorySize bounds the finished-job history
	HistorySize int
	Clock       clock.Clock
	Logger      *zap.Logger
}

// InitOptions controls Initialize
type InitOptions struct {
	// Threads is the requested pool size; 0 means the host default
	Threads int
	// SkipThreads loads the engine without starting a pool
	SkipThreads bool
}

// Controller guards every call into an engine.
//
// Thread-safety: All methods are safe for concurrent use. Each component
// guards its own state; the controller's error state is protected by mu.
type Controller struct {
	engine     engine.Engine
	classifier *classify.Classifier
	breaker    *resilience.Breaker
	pool       *threadpool.Manager
	tracker    *jobs.Tracker
	recovery   *recovery.Orchestrator
	clock      clock.Clock
	logger     *zap.Logger
	metrics    *monitoring.Metrics
	hub        *hub

	mu       sync.RWMutex
	lastErr  *classify.Error // Protected by mu
	terminal bool            // Protected by mu

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closeMu sync.Mutex // Orders wg.Add against Close
	closed  atomic.Bool
}

// New creates a controller for eng
func New(eng engine.Engine, opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clk := clock.OrReal(opts.Clock)

	classifier := opts.Classifier
	if classifier == nil {
		classifier = classify.New()
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		engine:     eng,
		classifier: classifier,
		clock:      clk,
		logger:     logger.Named("controller"),
		hub:        newHub(),
		baseCtx:    baseCtx,
		cancel:     cancel,
	}

	breakerSettings := opts.Breaker
	breakerSettings.Clock = clk
	breakerSettings.IsCountable = c.countsAgainstBreaker
	breakerSettings.OnStateChange = c.onBreakerStateChange
	c.breaker = resilience.New("engine", breakerSettings)

	c.pool = threadpool.New(eng, logger)
	c.tracker = jobs.New(opts.HistorySize, clk)

	recoverySettings := opts.Recovery
	if recoverySettings.Clock == nil {
		recoverySettings.Clock = clk
	}
	c.recovery = recovery.New(c.pool, c, recoverySettings, logger)

	return c
}

// WithMetrics adds metrics tracking to the controller
func (c *Controller) WithMetrics(metrics *monitoring.Metrics) *Controller {
	c.metrics = metrics
	return c
}

// IsInitialized reports whether the engine is loaded
func (c *Controller) IsInitialized() bool {
	return c.pool.Lifecycle().Loaded
}

// HasError reports whether a system-level error is outstanding
func (c *Controller) HasError() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr != nil
}

// LastError returns the outstanding error, if any
func (c *Controller) LastError() *classify.Error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// IsPanicked reports whether the outstanding error is catastrophic
func (c *Controller) IsPanicked() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.terminal || (c.lastErr != nil && c.lastErr.Catastrophic)
}

// IsRecovering reports whether a recovery cycle is running
func (c *Controller) IsRecovering() bool {
	return c.recovery.IsRecovering()
}

// IsTerminal reports whether automatic recovery has been exhausted
func (c *Controller) IsTerminal() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.terminal
}

// CircuitState returns the breaker state
func (c *Controller) CircuitState() resilience.State {
	return c.breaker.State()
}

// Capabilities returns the engine's host report
func (c *Controller) Capabilities() engine.Capabilities {
	return c.pool.Capabilities()
}

// Initialize loads the engine and, unless skipped, starts the worker pool
func (c *Controller) Initialize(ctx context.Context, opts InitOptions) error {
	if c.closed.Load() {
		return ErrClosed
	}

	if err := c.pool.EnsureLoaded(ctx); err != nil {
		return c.lifecycleFailure("initialize", err)
	}

	if opts.SkipThreads {
		c.publish(EventStatus, "engine loaded")
		return nil
	}

	if _, err := c.InitializeThreads(ctx, opts.Threads); err != nil {
		return err
	}
	return nil
}

// InitializeThreads starts or resizes the worker pool. It returns false
// without error when the host cannot run workers.
func (c *Controller) InitializeThreads(ctx context.Context, count int) (bool, error) {
	if c.closed.Load() {
		return false, ErrClosed
	}

	ok, err := c.pool.InitThreads(ctx, count)
	if err != nil {
		return false, c.lifecycleFailure("initialize threads", err)
	}

	lc := c.pool.Lifecycle()
	c.metrics.SetThreads(lc.EffectiveThreads)
	if !ok {
		c.logger.Warn("Running single-threaded", zap.Int("requested", count))
	}
	c.publish(EventStatus, "worker pool configured")
	return ok, nil
}

// ForceSingleThreaded shrinks the worker pool to one thread
func (c *Controller) ForceSingleThreaded(ctx context.Context) (bool, error) {
	return c.InitializeThreads(ctx, 1)
}

// ExecuteGuarded runs fn through the circuit breaker with job tracking,
// failure classification and automatic recovery on catastrophic failures.
// Failures are returned as *classify.Error wrapping the original error.
func (c *Controller) ExecuteGuarded(ctx context.Context, jobType string, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	if err := c.admit(jobType); err != nil {
		return nil, err
	}

	defer func() { c.metrics.SetJobsInFlight(c.tracker.InFlight()) }()
	timer := monitoring.NewTimer(c.metrics, jobType)

	// Jobs are tracked only once the breaker lets them through
	var (
		rec        jobs.Record
		classified *classify.Error
	)
	result, err := c.breaker.Execute(func() (interface{}, error) {
		rec = c.tracker.Begin(jobType, max(1, c.pool.Lifecycle().EffectiveThreads))
		c.metrics.SetJobsInFlight(c.tracker.InFlight())

		out, err := c.call(ctx, fn)
		if err != nil {
			classified = c.classifier.ClassifyError(err)
			return out, classified
		}
		return out, nil
	})

	if err == nil {
		timer.Stop("success")
		c.tracker.Complete(rec.ID)
		c.clearRecoverableError()
		return result, nil
	}

	if errors.Is(err, resilience.ErrCircuitOpen) || errors.Is(err, resilience.ErrTooManyRequests) {
		timer.Stop("rejected")
		c.logger.Debug("Call rejected by circuit breaker", zap.String("job_type", jobType))
		if errors.Is(err, resilience.ErrTooManyRequests) {
			return nil, fmt.Errorf("execute %s: %w: %w", jobType, ErrCircuitOpen, err)
		}
		return nil, fmt.Errorf("execute %s: %w", jobType, err)
	}

	c.tracker.Fail(rec.ID, err)
	if classified == nil {
		classified = c.classifier.ClassifyError(err)
	}
	timer.Stop(string(classified.Kind))
	c.handleFailure(jobType, classified)
	return nil, classified
}

// Execute runs fn through ExecuteGuarded with a typed result
func Execute[T any](ctx context.Context, c *Controller, jobType string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	result, err := c.ExecuteGuarded(ctx, jobType, func(ctx context.Context) (interface{}, error) {
		return fn(ctx)
	})
	if err != nil {
		return zero, err
	}
	typed, ok := result.(T)
	if !ok {
		return zero, nil
	}
	return typed, nil
}

// Invoke runs an engine job through the guard
func (c *Controller) Invoke(ctx context.Context, job engine.Job) (*engine.Output, error) {
	if job == nil {
		return nil, c.classifier.ClassifyError(engine.Errorf(engine.CodeInvalidInput, "invoke", "job is required"))
	}
	if caps := c.pool.Capabilities(); !caps.Supports(job.Type()) {
		return nil, c.classifier.ClassifyError(&engine.Error{
			Code:    engine.CodeUnsupported,
			Op:      "invoke",
			Message: fmt.Sprintf("%s jobs are not supported by the %s backend", job.Type(), caps.Backend),
			Err:     ErrUnsupportedJob,
		})
	}

	return Execute(ctx, c, string(job.Type()), func(ctx context.Context) (*engine.Output, error) {
		return c.engine.Invoke(ctx, job)
	})
}

// RequestManualRecovery runs a recovery cycle now, even when no
// catastrophic failure has been detected. It blocks until the cycle ends.
func (c *Controller) RequestManualRecovery(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}

	outcome, err := c.recovery.Manual(ctx)
	switch outcome {
	case recovery.OutcomeInProgress:
		return ErrRecoveryInProgress
	case recovery.OutcomeRecovered:
		return nil
	default:
		return fmt.Errorf("manual recovery: %w", err)
	}
}

// ErrorMessage returns the message shown to callers. While recovering it is
// an interim status rather than the raw failure.
func (c *Controller) ErrorMessage() string {
	if c.recovery.IsRecovering() {
		return RecoveringMessage
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	switch {
	case c.terminal:
		return TerminalMessage
	case c.lastErr != nil:
		return c.lastErr.Error()
	default:
		return ""
	}
}

// RecoverySuggestions returns actionable suggestions for the outstanding error
func (c *Controller) RecoverySuggestions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	switch {
	case c.terminal:
		return []string{
			"Restart the host process to reload the compute engine",
			"Reduce the worker thread count after restarting",
			"Report the failure if it recurs after a restart",
		}
	case c.lastErr != nil:
		return classify.Suggestions(c.lastErr.Kind)
	default:
		return nil
	}
}

// ResetBreaker forces the circuit breaker closed. Intended for debugging.
func (c *Controller) ResetBreaker() {
	c.breaker.Reset()
	c.logger.Warn("Circuit breaker reset manually")
}

// RecentJobs returns up to n finished jobs, newest first
func (c *Controller) RecentJobs(n int) []jobs.Record {
	return c.tracker.Recent(n)
}

// Snapshot returns the current status
func (c *Controller) Snapshot() Status {
	lc := c.pool.Lifecycle()
	recState := c.recovery.State()

	c.mu.RLock()
	lastErr, terminal := c.lastErr, c.terminal
	c.mu.RUnlock()

	status := Status{
		Initialized:  lc.Loaded,
		HasError:     lastErr != nil,
		Panicked:     terminal || (lastErr != nil && lastErr.Catastrophic),
		Recovering:   recState.Recovering,
		Terminal:     terminal,
		Message:      c.ErrorMessage(),
		Error:        lastErr,
		Suggestions:  c.RecoverySuggestions(),
		Circuit:      c.breaker.Snapshot(),
		Lifecycle:    lc,
		Recovery:     recState,
		Jobs:         c.tracker.Stats(),
		Capabilities: c.pool.Capabilities(),
		Timestamp:    c.clock.Now(),
	}

	switch {
	case recState.Recovering:
		status.Phase = PhaseRecovering
	case terminal:
		status.Phase = PhaseTerminal
	case lastErr != nil:
		status.Phase = PhaseError
	case lc.Loaded:
		status.Phase = PhaseReady
	default:
		status.Phase = PhaseUninitialized
	}
	return status
}

// Subscribe registers an observer for status events. The returned cancel
// function unregisters it and closes the channel.
func (c *Controller) Subscribe(buffer int) (string, <-chan Event, func()) {
	return c.hub.subscribe(buffer)
}

// Subscribers returns the number of registered observers
func (c *Controller) Subscribers() int {
	return c.hub.count()
}

// Close stops background recovery, waits for it, and disposes the engine
func (c *Controller) Close() error {
	c.closeMu.Lock()
	if c.closed.Load() {
		c.closeMu.Unlock()
		return nil
	}
	c.closed.Store(true)
	c.closeMu.Unlock()

	c.cancel()
	c.wg.Wait()
	c.pool.Teardown()
	c.hub.close()
	c.logger.Info("Controller closed")
	return nil
}

// admit rejects calls that cannot reach the engine
func (c *Controller) admit(jobType string) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if c.IsTerminal() {
		// Automatic recovery resumes once the attempt window has passed
		if lastErr := c.LastError(); lastErr != nil && c.recovery.ResetWindowElapsed() {
			c.triggerRecovery(lastErr)
		}
		return ErrTerminal
	}
	if c.recovery.IsRecovering() {
		return ErrRecoveryInProgress
	}
	if !c.pool.Lifecycle().Loaded {
		// A failed recovery leaves the engine unloaded with the original
		// catastrophic error in place; retry through the orchestrator.
		if lastErr := c.LastError(); lastErr != nil && lastErr.Catastrophic {
			c.triggerRecovery(lastErr)
			return lastErr
		}
		return c.classifier.ClassifyError(fmt.Errorf("execute %s: %w", jobType, ErrNotLoaded))
	}
	return nil
}

// call runs fn, turning a panic into a structured engine error
func (c *Controller) call(ctx context.Context, fn func(ctx context.Context) (interface{}, error)) (out interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = engine.Errorf(engine.CodePanic, "invoke", "panic: %v", r)
		}
	}()
	return fn(ctx)
}

func (c *Controller) countsAgainstBreaker(err error) bool {
	var classified *classify.Error
	if errors.As(err, &classified) {
		return classified.CountsAgainstBreaker()
	}
	return true
}

// handleFailure records system-level failures and starts recovery for
// catastrophic ones. Caller mistakes are only logged.
func (c *Controller) handleFailure(jobType string, err *classify.Error) {
	c.metrics.RecordFailure(string(err.Kind), err.Catastrophic)

	fields := []zap.Field{
		zap.String("job_type", jobType),
		zap.String("kind", string(err.Kind)),
		zap.Bool("catastrophic", err.Catastrophic),
		zap.String("circuit", c.breaker.State().String()),
		zap.Error(err),
	}

	if !err.CountsAgainstBreaker() {
		c.logger.Debug("Engine rejected job", fields...)
		return
	}

	c.logger.Warn("Engine failure", fields...)
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
	c.publish(EventError, err.Error())

	if err.Catastrophic {
		c.triggerRecovery(err)
	}
}

func (c *Controller) lifecycleFailure(op string, err error) error {
	classified := c.classifier.ClassifyError(err)
	c.metrics.RecordFailure(string(classified.Kind), classified.Catastrophic)
	c.logger.Error("Engine lifecycle failure",
		zap.String("op", op),
		zap.String("kind", string(classified.Kind)),
		zap.Error(err))

	if classified.Kind.SystemLevel() || classified.Catastrophic {
		c.mu.Lock()
		c.lastErr = classified
		c.mu.Unlock()
		c.publish(EventError, classified.Error())
	}
	return classified
}

func (c *Controller) triggerRecovery(cause *classify.Error) {
	c.closeMu.Lock()
	if c.closed.Load() {
		c.closeMu.Unlock()
		return
	}
	c.wg.Add(1)
	c.closeMu.Unlock()

	go func() {
		defer c.wg.Done()
		if _, err := c.recovery.OnCatastrophicFailure(c.baseCtx, cause); err != nil {
			c.logger.Debug("Automatic recovery did not complete", zap.Error(err))
		}
	}()
}

// clearRecoverableError drops a non-catastrophic error after a success
func (c *Controller) clearRecoverableError() {
	c.mu.Lock()
	cleared := c.lastErr != nil && !c.lastErr.Catastrophic && !c.terminal
	if cleared {
		c.lastErr = nil
	}
	c.mu.Unlock()

	if cleared {
		c.publish(EventStatus, "error cleared")
	}
}

func (c *Controller) onBreakerStateChange(name string, from, to resilience.State) {
	c.logger.Info("Circuit breaker state changed",
		zap.String("breaker", name),
		zap.String("from", from.String()),
		zap.String("to", to.String()))
	c.metrics.RecordBreakerTransition(from.String(), to.String(), int(to))
	c.publish(EventBreaker, from.String()+" -> "+to.String())
}

func (c *Controller) publish(typ EventType, message string) {
	if c.hub.count() == 0 {
		return
	}
	c.hub.publish(Event{Type: typ, Message: message, Status: c.Snapshot()})
}
