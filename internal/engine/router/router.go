// Package router combines several engines into one. Lifecycle calls fan out
// to every backend and each job goes to the first backend that supports it.
package router

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/computeguard/internal/engine"
)

// Router is an engine.Engine backed by other engines
type Router struct {
	backends []engine.Engine
	logger   *zap.Logger
}

var _ engine.Engine = (*Router)(nil)

// New creates a router over backends, in priority order
func New(logger *zap.Logger, backends ...engine.Engine) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{backends: backends, logger: logger.Named("router")}
}

// Load loads every backend. A failure disposes the ones already loaded.
func (r *Router) Load(ctx context.Context) error {
	for i, b := range r.backends {
		if err := b.Load(ctx); err != nil {
			for j := i - 1; j >= 0; j-- {
				r.backends[j].Dispose()
			}
			return err
		}
	}
	return nil
}

// InitThreadPool starts count threads on every backend. It reports false
// when any backend declines.
func (r *Router) InitThreadPool(ctx context.Context, count int) (bool, error) {
	return r.each(func(b engine.Engine) (bool, error) { return b.InitThreadPool(ctx, count) })
}

// ResizeThreadPool resizes every backend
func (r *Router) ResizeThreadPool(ctx context.Context, count int) (bool, error) {
	return r.each(func(b engine.Engine) (bool, error) { return b.ResizeThreadPool(ctx, count) })
}

func (r *Router) each(fn func(b engine.Engine) (bool, error)) (bool, error) {
	all := true
	for _, b := range r.backends {
		ok, err := fn(b)
		if err != nil {
			return false, err
		}
		if !ok {
			r.logger.Warn("Backend declined thread pool", zap.String("backend", b.Capabilities().Backend))
			all = false
		}
	}
	return all, nil
}

// Capabilities merges the backends' capabilities. Threading is supported
// only when every backend supports it.
func (r *Router) Capabilities() engine.Capabilities {
	if len(r.backends) == 0 {
		return engine.Capabilities{MissingRequirements: []string{"no compute backend configured"}}
	}

	var (
		names  []string
		merged = engine.Capabilities{ThreadingSupported: true}
		seen   = make(map[engine.JobType]bool)
	)
	for _, b := range r.backends {
		caps := b.Capabilities()
		names = append(names, caps.Backend)
		merged.ThreadingSupported = merged.ThreadingSupported && caps.ThreadingSupported
		merged.HardwareConcurrency = max(merged.HardwareConcurrency, caps.HardwareConcurrency)
		if merged.MaxThreads == 0 || caps.MaxThreads < merged.MaxThreads {
			merged.MaxThreads = caps.MaxThreads
		}
		for _, j := range caps.Jobs {
			if !seen[j] {
				seen[j] = true
				merged.Jobs = append(merged.Jobs, j)
			}
		}
		merged.MissingRequirements = append(merged.MissingRequirements, caps.MissingRequirements...)
	}
	merged.Backend = strings.Join(names, "+")
	return merged
}

// Invoke sends job to the first backend that supports its type
func (r *Router) Invoke(ctx context.Context, job engine.Job) (*engine.Output, error) {
	if job == nil {
		return nil, engine.Errorf(engine.CodeInvalidInput, "invoke", "job is required")
	}
	for _, b := range r.backends {
		if b.Capabilities().Supports(job.Type()) {
			return b.Invoke(ctx, job)
		}
	}
	return nil, engine.Errorf(engine.CodeUnsupported, "invoke", "no backend supports %s jobs", job.Type())
}

// Dispose disposes every backend in reverse order
func (r *Router) Dispose() {
	for i := len(r.backends) - 1; i >= 0; i-- {
		r.backends[i].Dispose()
	}
}
