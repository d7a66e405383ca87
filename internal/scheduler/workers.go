package scheduler

import (
	"context"
	"errors"
	"sync"
)

// ErrPoolClosed is returned by futures submitted after WorkerPool.Close.
var ErrPoolClosed = errors.New("worker pool closed")

// Future is the pending result of a task submitted to a WorkerPool.
type Future[T any] struct {
	done chan struct{}
	val  T
	err  error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

func (f *Future[T]) complete(val T, err error) {
	f.val, f.err = val, err
	close(f.done)
}

// Done is closed once the result is available.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Wait blocks until the task finished. It does not give up on ctx: a task
// that already started owns device resources and must be awaited.
func (f *Future[T]) Wait() (T, error) {
	<-f.done
	return f.val, f.err
}

// WorkerPool runs submitted tasks on a fixed number of goroutines.
type WorkerPool struct {
	tasks chan func()
	quit  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once
}

func NewWorkerPool(size int) *WorkerPool {
	if size < 1 {
		size = 1
	}
	p := &WorkerPool{
		tasks: make(chan func()),
		quit:  make(chan struct{}),
	}
	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.work()
	}
	return p
}

func (p *WorkerPool) work() {
	defer p.wg.Done()
	for {
		select {
		case task := <-p.tasks:
			task()
		case <-p.quit:
			return
		}
	}
}

// Submit hands fn to the next idle worker. If ctx ends or the pool closes
// before a worker picks the task up, the future fails without running fn.
func Submit[T any](ctx context.Context, p *WorkerPool, fn func(context.Context) (T, error)) *Future[T] {
	f := newFuture[T]()
	task := func() {
		if err := ctx.Err(); err != nil {
			var zero T
			f.complete(zero, err)
			return
		}
		f.complete(fn(ctx))
	}

	select {
	case p.tasks <- task:
	case <-ctx.Done():
		var zero T
		f.complete(zero, ctx.Err())
	case <-p.quit:
		var zero T
		f.complete(zero, ErrPoolClosed)
	}
	return f
}

// Close stops the workers after their current task.
func (p *WorkerPool) Close() {
	p.once.Do(func() { close(p.quit) })
	p.wg.Wait()
}
