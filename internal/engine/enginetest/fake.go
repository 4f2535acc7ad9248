package enginetest

import (
	"context"
	"sync"

	"github.com/GriffinCanCode/computeguard/internal/engine"
)

// Fake is a scriptable engine that counts lifecycle calls. Hooks left nil
// succeed. It is safe for concurrent use.
type Fake struct {
	Caps       engine.Capabilities
	LoadFunc   func(ctx context.Context) error
	InitFunc   func(ctx context.Context, count int) (bool, error)
	ResizeFunc func(ctx context.Context, count int) (bool, error)
	InvokeFunc func(ctx context.Context, job engine.Job) (*engine.Output, error)
	OnDispose  func()

	mu       sync.Mutex
	loads    int
	inits    []int
	resizes  []int
	invokes  int
	disposes int
}

// NewFake creates a fake engine on a host with hw logical cores.
func NewFake(hw int) *Fake {
	return &Fake{Caps: Capabilities(hw)}
}

// Load counts the call and runs LoadFunc.
func (f *Fake) Load(ctx context.Context) error {
	f.mu.Lock()
	f.loads++
	fn := f.LoadFunc
	f.mu.Unlock()

	if fn != nil {
		return fn(ctx)
	}
	return nil
}

// InitThreadPool records count and runs InitFunc.
func (f *Fake) InitThreadPool(ctx context.Context, count int) (bool, error) {
	f.mu.Lock()
	f.inits = append(f.inits, count)
	fn := f.InitFunc
	f.mu.Unlock()

	if fn != nil {
		return fn(ctx, count)
	}
	return true, nil
}

// ResizeThreadPool records count and runs ResizeFunc.
func (f *Fake) ResizeThreadPool(ctx context.Context, count int) (bool, error) {
	f.mu.Lock()
	f.resizes = append(f.resizes, count)
	fn := f.ResizeFunc
	f.mu.Unlock()

	if fn != nil {
		return fn(ctx, count)
	}
	return true, nil
}

// Capabilities returns Caps.
func (f *Fake) Capabilities() engine.Capabilities {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Caps
}

// Invoke counts the call and runs InvokeFunc.
func (f *Fake) Invoke(ctx context.Context, job engine.Job) (*engine.Output, error) {
	f.mu.Lock()
	f.invokes++
	fn := f.InvokeFunc
	f.mu.Unlock()

	if fn != nil {
		return fn(ctx, job)
	}
	return &engine.Output{JobType: job.Type()}, nil
}

// Dispose counts the call and runs OnDispose.
func (f *Fake) Dispose() {
	f.mu.Lock()
	f.disposes++
	fn := f.OnDispose
	f.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// SetInvoke swaps the Invoke hook.
func (f *Fake) SetInvoke(fn func(ctx context.Context, job engine.Job) (*engine.Output, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.InvokeFunc = fn
}

// SetLoad swaps the Load hook.
func (f *Fake) SetLoad(fn func(ctx context.Context) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.LoadFunc = fn
}

// Loads returns how many times Load was called.
func (f *Fake) Loads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loads
}

// Inits returns the counts passed to InitThreadPool.
func (f *Fake) Inits() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.inits...)
}

// Resizes returns the counts passed to ResizeThreadPool.
func (f *Fake) Resizes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.resizes...)
}

// Invokes returns how many times Invoke was called.
func (f *Fake) Invokes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.invokes
}

// Disposes returns how many times Dispose was called.
func (f *Fake) Disposes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disposes
}
