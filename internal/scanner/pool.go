package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/alanyoungcy/cyclearb/internal/domain"
)

// Pool is a fixed set of long-lived worker goroutines. Workers are started on
// the first Submit and survive until Close; a panicking job is recovered and
// logged so that it never kills its worker.
//
// A caller that stops waiting for a job calls Task.Detach. If the job is still
// running, the pool starts a replacement worker so the number of workers
// available to new jobs stays at Size. At most maxDetached replacements may
// be outstanding; each slot is returned when its detached job finally ends.
type Pool struct {
	size   int
	logger *slog.Logger

	jobs      chan *Task
	quit      chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup
	nextID    atomic.Int64

	spare    *semaphore.Weighted
	detached atomic.Int64
}

// NewPool creates a pool of size workers allowing maxDetached replacement
// workers. Nothing runs until the first Submit.
func NewPool(size int, maxDetached int64, logger *slog.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	if maxDetached < 0 {
		maxDetached = 0
	}
	return &Pool{
		size:   size,
		logger: logger.With(slog.String("component", "pool")),
		jobs:   make(chan *Task),
		quit:   make(chan struct{}),
		spare:  semaphore.NewWeighted(maxDetached),
	}
}

// Size returns the number of workers.
func (p *Pool) Size() int { return p.size }

// Detached returns the number of detached jobs that are still running on a
// replaced worker.
func (p *Pool) Detached() int { return int(p.detached.Load()) }

type taskState int

const (
	taskQueued taskState = iota
	taskRunning
	taskFinished
)

// Task is a submitted job.
type Task struct {
	fn func()

	mu       sync.Mutex
	state    taskState
	detached bool
	replaced bool
}

func (p *Pool) start() {
	p.wg.Add(p.size)
	for i := 0; i < p.size; i++ {
		go p.worker()
	}
	p.logger.Debug("worker pool started", slog.Int("workers", p.size))
}

func (p *Pool) worker() {
	id := p.nextID.Add(1)
	for {
		select {
		case <-p.quit:
			p.wg.Done()
			return
		case t := <-p.jobs:
			if !p.run(id, t) {
				// A replacement took over this worker's place.
				p.detached.Add(-1)
				p.spare.Release(1)
				return
			}
		}
	}
}

// run executes t and reports whether the worker should keep serving jobs.
func (p *Pool) run(id int64, t *Task) bool {
	t.mu.Lock()
	if t.detached {
		t.state = taskFinished
		t.mu.Unlock()
		return true
	}
	t.state = taskRunning
	t.mu.Unlock()

	func() {
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("job panicked",
					slog.Int64("worker", id),
					slog.String("error", fmt.Sprint(r)),
				)
			}
		}()
		t.fn()
	}()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = taskFinished
	return !t.replaced
}

// Submit hands job to an idle worker. It blocks until a worker accepts the job,
// ctx is done or the pool is closed.
func (p *Pool) Submit(ctx context.Context, job func()) (*Task, error) {
	select {
	case <-p.quit:
		return nil, domain.ErrPoolClosed
	default:
	}
	p.startOnce.Do(p.start)

	t := &Task{fn: job}
	select {
	case p.jobs <- t:
		return t, nil
	case <-p.quit:
		return nil, domain.ErrPoolClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Detach tells the pool nobody waits for t any more. A job that has not
// started is skipped. A running job keeps its goroutine, and a replacement
// worker is started when a slot is free. It reports whether a replacement
// was started.
func (p *Pool) Detach(t *Task) bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.detached = true
	if t.state != taskRunning || t.replaced {
		return false
	}
	select {
	case <-p.quit:
		return false
	default:
	}
	if !p.spare.TryAcquire(1) {
		p.logger.Warn("detached job keeps its worker, no replacement slot free",
			slog.Int("detached", p.Detached()),
		)
		return false
	}
	t.replaced = true
	p.detached.Add(1)
	go p.worker()
	return true
}

// Close stops accepting jobs. Idle workers exit at once; busy workers exit
// once their job returns.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.quit)
	})
}

// Wait blocks until every worker counted in Size has exited or ctx is done.
// Workers replaced through Detach are not waited for. Call it after Close.
func (p *Pool) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scanner: wait for workers: %w", ctx.Err())
	}
}
