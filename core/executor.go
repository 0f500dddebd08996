package core

import (
	"log/slog"
	"sync"
)

// executor is a bounded worker pool. Tasks queue on a buffered channel;
// submit blocks when the queue is full and fails once the pool is
// stopping. A panicking task is recovered and logged, never allowed to
// take a worker down.
type executor struct {
	logger *slog.Logger
	name   string
	tasks  chan func()
	quit   chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	stopped bool
}

func newExecutor(logger *slog.Logger, name string, workers, queueDepth int) *executor {
	e := &executor{
		logger: logger.WithGroup("executor").With("pool", name),
		name:   name,
		tasks:  make(chan func(), queueDepth),
		quit:   make(chan struct{}),
	}

	e.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go e.worker()
	}
	return e
}

func (e *executor) worker() {
	defer e.wg.Done()
	for {
		select {
		case <-e.quit:
			return
		case task := <-e.tasks:
			e.run(task)
		}
	}
}

func (e *executor) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("task panicked", "panic", r)
		}
	}()
	task()
}

// submit queues a task, blocking while the queue is full. Returns false
// once the pool is stopping; the task is dropped in that case. A task
// accepted here always runs, even when stop drains it from the queue.
func (e *executor) submit(task func()) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return false
	}
	select {
	case e.tasks <- task:
		return true
	case <-e.quit:
		return false
	}
}

// stop signals the workers, waits for in-flight tasks, then runs any
// tasks still queued. An accepted task is never silently dropped; its
// caller may be parked waiting on it. Safe to call more than once.
func (e *executor) stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	e.mu.Unlock()

	close(e.quit)
	e.wg.Wait()

	for {
		select {
		case task := <-e.tasks:
			e.run(task)
		default:
			e.logger.Debug("executor stopped")
			return
		}
	}
}

// depth is the number of queued tasks not yet picked up.
func (e *executor) depth() int {
	return len(e.tasks)
}
