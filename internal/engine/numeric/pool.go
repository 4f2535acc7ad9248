package numeric

import (
	"context"
	"sync"

	"github.com/GriffinCanCode/computeguard/internal/engine"
)

type result struct {
	output *engine.Output
	err    error
}

type task struct {
	run    func(worker int) (*engine.Output, error)
	result chan result
}

// workerPool runs tasks on a resizable set of goroutines sharing one queue
type workerPool struct {
	tasks   chan task
	quit    chan struct{}
	onPanic func(err error)

	mu      sync.Mutex
	workers []chan struct{} // per-worker stop channels
	closed  bool
	wg      sync.WaitGroup
}

func newWorkerPool(size int, onPanic func(err error)) *workerPool {
	p := &workerPool{
		tasks:   make(chan task),
		quit:    make(chan struct{}),
		onPanic: onPanic,
	}
	p.resize(size)
	return p
}

// size returns the number of running workers
func (p *workerPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// resize starts or stops workers until size are running. Stopped workers
// finish their current task first.
func (p *workerPool) resize(size int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	for len(p.workers) < size {
		stop := make(chan struct{})
		p.workers = append(p.workers, stop)
		p.wg.Add(1)
		go p.work(len(p.workers)-1, stop)
	}

	for len(p.workers) > size {
		last := len(p.workers) - 1
		close(p.workers[last])
		p.workers = p.workers[:last]
	}
}

// submit queues fn and waits for its result or ctx
func (p *workerPool) submit(ctx context.Context, fn func(worker int) (*engine.Output, error)) (*engine.Output, error) {
	t := task{run: fn, result: make(chan result, 1)}

	select {
	case p.tasks <- t:
	case <-ctx.Done():
		return nil, engine.Wrap(engine.CodeProcessing, "submit", ctx.Err())
	case <-p.quit:
		return nil, engine.ErrNotLoaded
	}

	select {
	case r := <-t.result:
		return r.output, r.err
	case <-ctx.Done():
		return nil, engine.Wrap(engine.CodeProcessing, "wait", ctx.Err())
	}
}

// close stops every worker and waits for them
func (p *workerPool) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.quit)
	p.workers = nil
	p.mu.Unlock()

	p.wg.Wait()
}

func (p *workerPool) work(id int, stop chan struct{}) {
	defer p.wg.Done()

	for {
		select {
		case <-stop:
			return
		case <-p.quit:
			return
		case t := <-p.tasks:
			t.result <- p.execute(id, t)
		}
	}
}

func (p *workerPool) execute(id int, t task) (r result) {
	defer func() {
		if rec := recover(); rec != nil {
			err := engine.Errorf(engine.CodePanic, "worker", "worker %d panic: %v", id, rec)
			if p.onPanic != nil {
				p.onPanic(err)
			}
			r = result{err: err}
		}
	}()

	out, err := t.run(id)
	return result{output: out, err: err}
}
