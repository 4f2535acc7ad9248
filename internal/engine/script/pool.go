package script

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrPoolClosed = errors.New("sandbox pool is closed")
	ErrTimeout    = errors.New("sandbox acquisition timeout")
)

// PoolStats is a point-in-time view of a pool
type PoolStats struct {
	Size      int  `json:"size"`
	Available int  `json:"available"`
	InUse     int  `json:"in_use"`
	Closed    bool `json:"closed"`
}

// Pool manages a fixed set of reusable runtimes
type Pool struct {
	config   Config
	runtimes chan *Runtime
	quit     chan struct{}
	size     int
	mu       sync.RWMutex
	closed   bool
}

// NewPool creates a pool of size runtimes
func NewPool(config Config, size int) (*Pool, error) {
	if size <= 0 {
		size = 1
	}

	pool := &Pool{
		config:   config,
		runtimes: make(chan *Runtime, size),
		quit:     make(chan struct{}),
		size:     size,
	}

	for i := 0; i < size; i++ {
		rt, err := NewRuntime(i, config)
		if err != nil {
			pool.Close()
			return nil, err
		}
		pool.runtimes <- rt
	}

	return pool, nil
}

// Acquire takes a runtime, waiting at most the configured acquire timeout
func (p *Pool) Acquire(ctx context.Context) (*Runtime, error) {
	timeout := p.config.AcquireTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().AcquireTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case rt := <-p.runtimes:
		return rt, nil
	case <-p.quit:
		return nil, ErrPoolClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, ErrTimeout
	}
}

// Release resets rt and returns it to the pool
func (p *Pool) Release(rt *Runtime) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return rt.Close()
	}

	if err := rt.Reset(); err != nil {
		rt.Close()
		p.replace(rt.ID())
		return err
	}

	select {
	case p.runtimes <- rt:
		return nil
	default:
		return rt.Close()
	}
}

// Discard closes rt and puts a fresh runtime in its slot
func (p *Pool) Discard(rt *Runtime) {
	rt.Close()

	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.closed {
		p.replace(rt.ID())
	}
}

// replace must be called with at least the read lock held
func (p *Pool) replace(id int) {
	if fresh, err := NewRuntime(id, p.config); err == nil {
		select {
		case p.runtimes <- fresh:
		default:
			fresh.Close()
		}
	}
}

// Close closes the pool and every idle runtime. Runtimes still in use are
// closed when released.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	close(p.quit)

	for {
		select {
		case rt := <-p.runtimes:
			rt.Close()
		default:
			return nil
		}
	}
}

// Stats returns pool statistics
func (p *Pool) Stats() PoolStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	available := len(p.runtimes)
	return PoolStats{
		Size:      p.size,
		Available: available,
		InUse:     p.size - available,
		Closed:    p.closed,
	}
}
