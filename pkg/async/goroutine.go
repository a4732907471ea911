package async

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/platinummonkey/tether/pkg/observability"
)

// ErrPoolClosed is returned by Submit after Close or Shutdown
var ErrPoolClosed = errors.New("worker pool shut down")

// SafeGo runs fn in a goroutine bounded by timeout. Panics and errors are
// logged with the logger carried in parentCtx.
//
//	SafeGo(ctx, 30*time.Second, "inventory refresh", func(ctx context.Context) error {
//	    return refresh(ctx)
//	})
func SafeGo(parentCtx context.Context, timeout time.Duration, taskName string, fn func(context.Context) error) {
	logger := observability.FromContext(parentCtx).WithField("task", taskName)
	go func() {
		ctx, cancel := context.WithTimeout(parentCtx, timeout)
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				logger.WithField("panic", fmt.Sprint(r)).
					WithField("stack", string(debug.Stack())).
					Error("background task panicked")
			}
		}()

		if err := fn(ctx); err != nil {
			logger.WithError(err).Warn("background task failed")
		}
	}()
}

// WorkerPool runs submitted tasks on a fixed number of goroutines, each task
// bounded by its own timeout
type WorkerPool struct {
	taskName string
	timeout  time.Duration
	logger   *observability.Logger

	mu     sync.RWMutex
	closed bool
	workCh chan func(context.Context) error
	doneCh chan struct{}

	errMu sync.Mutex
	errs  []error

	ctx    context.Context
	cancel context.CancelFunc
}

// NewWorkerPool starts workers goroutines
func NewWorkerPool(ctx context.Context, workers int, taskName string, timeout time.Duration) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(ctx)
	pool := &WorkerPool{
		taskName: taskName,
		timeout:  timeout,
		logger:   observability.FromContext(ctx).WithField("task", taskName),
		workCh:   make(chan func(context.Context) error, workers*2),
		doneCh:   make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			pool.worker(id)
		}(i)
	}
	go func() {
		wg.Wait()
		close(pool.doneCh)
	}()
	return pool
}

// Submit queues a task, blocking while the queue is full
func (p *WorkerPool) Submit(fn func(context.Context) error) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.workCh <- fn:
		return nil
	case <-p.ctx.Done():
		return p.ctx.Err()
	}
}

// Close stops accepting tasks and waits for queued ones to finish
func (p *WorkerPool) Close() []error {
	p.closeQueue()
	<-p.doneCh
	p.cancel()
	return p.Errors()
}

// Shutdown is Close bounded by timeout; running tasks are cancelled when it expires
func (p *WorkerPool) Shutdown(timeout time.Duration) error {
	p.closeQueue()
	select {
	case <-p.doneCh:
		p.cancel()
		return nil
	case <-time.After(timeout):
		p.cancel()
		return fmt.Errorf("worker pool shutdown timed out after %v", timeout)
	}
}

func (p *WorkerPool) closeQueue() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.workCh)
	}
}

// Errors returns the errors collected so far
func (p *WorkerPool) Errors() []error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return append([]error(nil), p.errs...)
}

func (p *WorkerPool) record(err error) {
	p.errMu.Lock()
	p.errs = append(p.errs, err)
	p.errMu.Unlock()
}

func (p *WorkerPool) worker(id int) {
	for fn := range p.workCh {
		if p.ctx.Err() != nil {
			p.record(p.ctx.Err())
			continue
		}
		p.run(id, fn)
	}
}

func (p *WorkerPool) run(id int, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(p.ctx, p.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			p.logger.WithField("worker", id).
				WithField("stack", string(debug.Stack())).
				Error("task panicked")
			p.record(observability.MustRecover(r))
		}
	}()

	if err := fn(ctx); err != nil {
		p.record(err)
	}
}

// Batch applies fn to every item using workers goroutines and returns the
// errors encountered, in no particular order
func Batch[T any](ctx context.Context, items []T, workers int, taskName string, timeout time.Duration,
	fn func(context.Context, T) error) []error {

	pool := NewWorkerPool(ctx, workers, taskName, timeout)
	for _, item := range items {
		item := item
		if err := pool.Submit(func(ctx context.Context) error {
			return fn(ctx, item)
		}); err != nil {
			return append(pool.Close(), err)
		}
	}
	return pool.Close()
}
