package engine

import (
	"context"
	"time"
)

// Engine is the narrow surface of an external compute engine that the
// execution controller depends on. Implementations may be stateful and may
// corrupt themselves; the controller assumes nothing beyond this contract.
type Engine interface {
	// Load performs the one-time module bring-up.
	Load(ctx context.Context) error
	// InitThreadPool starts the worker pool. It returns false when the host
	// cannot run workers.
	InitThreadPool(ctx context.Context, count int) (bool, error)
	// ResizeThreadPool changes the size of an already started pool.
	ResizeThreadPool(ctx context.Context, count int) (bool, error)
	// Capabilities reports what the current host supports.
	Capabilities() Capabilities
	// Invoke runs a single job.
	Invoke(ctx context.Context, job Job) (*Output, error)
	// Dispose synchronously releases everything the engine holds.
	Dispose()
}

// Capabilities describes the engine's host environment
type Capabilities struct {
	Backend             string    `json:"backend"`
	ThreadingSupported  bool      `json:"threading_supported"`
	HardwareConcurrency int       `json:"hardware_concurrency"`
	MaxThreads          int       `json:"max_threads"`
	Jobs                []JobType `json:"jobs"`
	MissingRequirements []string  `json:"missing_requirements,omitempty"`
}

// Supports reports whether the engine accepts jobs of type t
func (c Capabilities) Supports(t JobType) bool {
	for _, j := range c.Jobs {
		if j == t {
			return true
		}
	}
	return false
}

// Output is the result of a single job
type Output struct {
	JobType  JobType            `json:"job_type"`
	Scalars  map[string]float64 `json:"scalars,omitempty"`
	Matrix   [][]float64        `json:"matrix,omitempty"`
	Value    interface{}        `json:"value,omitempty"`
	Console  []string           `json:"console,omitempty"`
	Worker   int                `json:"worker"`
	Duration time.Duration      `json:"duration"`
}
