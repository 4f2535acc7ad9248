// Package threadpool owns the engine lifecycle: a memoized load, first-time
// worker pool init versus resize, the thread count policy and teardown.
package threadpool

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/GriffinCanCode/computeguard/internal/engine"
)

const (
	// MaxThreads is the hard upper bound on worker threads
	MaxThreads = 16
	// RecoveryCap bounds the pool size right after a recovery cycle
	RecoveryCap = 4

	loadKey = "engine-load"
)

// Lifecycle is the engine lifecycle state. ThreadsInitialized implies Loaded.
type Lifecycle struct {
	Loaded             bool `json:"loaded"`
	ThreadsInitialized bool `json:"threads_initialized"`
	RequestedThreads   int  `json:"requested_threads"`
	EffectiveThreads   int  `json:"effective_threads"`
}

// Manager drives an engine through its lifecycle.
//
// Thread-safety: All methods are safe for concurrent use. Loads are
// deduplicated; pool changes are serialized.
type Manager struct {
	engine engine.Engine
	logger *zap.Logger

	loads singleflight.Group

	// initMu serializes pool changes and teardown
	initMu sync.Mutex

	mu    sync.RWMutex
	state Lifecycle
	epoch uint64
}

// New creates a manager for eng
func New(eng engine.Engine, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		engine: eng,
		logger: logger.Named("threadpool"),
	}
}

// Lifecycle returns a copy of the lifecycle state
func (m *Manager) Lifecycle() Lifecycle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Capabilities returns the engine's host report
func (m *Manager) Capabilities() engine.Capabilities {
	return m.engine.Capabilities()
}

// EnsureLoaded loads the engine once. Concurrent callers share a single
// in-flight load; a canceled caller stops waiting but the load carries on.
func (m *Manager) EnsureLoaded(ctx context.Context) error {
	m.mu.RLock()
	loaded, epoch := m.state.Loaded, m.epoch
	m.mu.RUnlock()
	if loaded {
		return nil
	}

	loadCtx := context.WithoutCancel(ctx)
	ch := m.loads.DoChan(loadKey, func() (interface{}, error) {
		m.logger.Debug("Loading engine")
		if err := m.engine.Load(loadCtx); err != nil {
			m.logger.Warn("Engine load failed", zap.Error(err))
			return nil, err
		}

		m.mu.Lock()
		defer m.mu.Unlock()
		// A teardown while loading invalidates this load
		if m.epoch != epoch {
			return nil, engine.Errorf(engine.CodeNotLoaded, "load", "engine torn down during load")
		}
		m.state.Loaded = true
		m.logger.Info("Engine loaded")
		return nil, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return fmt.Errorf("ensure loaded: %w", res.Err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InitThreads starts or resizes the worker pool. count <= 0 means the host
// default. It returns false without error when the host cannot run workers.
func (m *Manager) InitThreads(ctx context.Context, count int) (bool, error) {
	m.initMu.Lock()
	defer m.initMu.Unlock()

	current := m.Lifecycle()
	if !current.Loaded {
		return false, fmt.Errorf("init threads: %w", engine.ErrNotLoaded)
	}

	caps := m.engine.Capabilities()
	if !caps.ThreadingSupported {
		m.logger.Warn("Threading not supported by host, staying single-threaded",
			zap.Strings("missing", caps.MissingRequirements))
		return false, nil
	}

	requested := count
	if requested <= 0 {
		requested = HostDefault(caps)
	}
	effective := EffectiveCount(requested, caps)

	var (
		ok  bool
		err error
	)
	switch {
	case current.ThreadsInitialized && current.EffectiveThreads == effective:
		m.mu.Lock()
		m.state.RequestedThreads = requested
		m.mu.Unlock()
		return true, nil
	case current.ThreadsInitialized:
		m.logger.Info("Resizing worker pool",
			zap.Int("from", current.EffectiveThreads),
			zap.Int("to", effective))
		ok, err = m.engine.ResizeThreadPool(ctx, effective)
	default:
		m.logger.Info("Starting worker pool",
			zap.Int("requested", requested),
			zap.Int("effective", effective),
			zap.Int("hardware_concurrency", caps.HardwareConcurrency))
		ok, err = m.engine.InitThreadPool(ctx, effective)
	}
	if err != nil {
		return false, fmt.Errorf("init threads: %w", err)
	}
	if !ok {
		return false, nil
	}

	m.mu.Lock()
	m.state.ThreadsInitialized = true
	m.state.RequestedThreads = requested
	m.state.EffectiveThreads = effective
	m.mu.Unlock()
	return true, nil
}

// ForceSingleThreaded shrinks the pool to a single worker
func (m *Manager) ForceSingleThreaded(ctx context.Context) (bool, error) {
	return m.InitThreads(ctx, 1)
}

// RecoveryThreadCount is the pool size used right after recovery
func (m *Manager) RecoveryThreadCount(requested int) int {
	if requested <= 0 {
		requested = HostDefault(m.engine.Capabilities())
	}
	return max(1, min(requested, RecoveryCap))
}

// Teardown disposes the engine and resets the lifecycle to its initial values
func (m *Manager) Teardown() {
	m.initMu.Lock()
	defer m.initMu.Unlock()

	m.engine.Dispose()
	m.loads.Forget(loadKey)

	m.mu.Lock()
	m.state = Lifecycle{}
	m.epoch++
	m.mu.Unlock()

	m.logger.Info("Engine torn down")
}

// HostDefault is the host's available parallelism clamped to [1, MaxThreads]
func HostDefault(caps engine.Capabilities) int {
	return max(1, min(caps.HardwareConcurrency, MaxThreads))
}

// EffectiveCount clamps requested to what the host and engine can run
func EffectiveCount(requested int, caps engine.Capabilities) int {
	limit := HostDefault(caps)
	if caps.MaxThreads > 0 {
		limit = min(limit, caps.MaxThreads)
	}
	if requested <= 0 {
		return limit
	}
	return max(1, min(requested, limit))
}
