// Package pool provides a fixed-size worker pool draining a FIFO task queue.
package pool

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

type Config struct {
	Logger *zerolog.Logger
	Name   string
	Size   int
}

// Pool runs tasks of type T on a fixed number of workers. Tasks are
// fire-and-forget values, the handler is responsible for its own errors.
type Pool[T any] struct {
	logger zerolog.Logger
	handle func(T)

	mx      sync.Mutex
	cond    *sync.Cond
	queue   []T
	stopped bool

	active   atomic.Int64
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New starts cfg.Size workers (at least one).
func New[T any](cfg Config, handle func(T)) *Pool[T] {
	size := cfg.Size
	if size < 1 {
		size = 1
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("component", "pool").Str("pool", cfg.Name).Logger()
	}
	p := &Pool[T]{
		logger: logger,
		handle: handle,
	}
	p.cond = sync.NewCond(&p.mx)

	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.worker()
	}
	return p
}

// Submit enqueues a task and wakes one idle worker. It never blocks on
// task execution. It returns false once the pool is shut down.
func (p *Pool[T]) Submit(task T) bool {
	p.mx.Lock()
	if p.stopped {
		p.mx.Unlock()
		return false
	}
	p.queue = append(p.queue, task)
	p.mx.Unlock()
	p.cond.Signal()
	return true
}

// ActiveCount returns the number of tasks currently executing. The value is
// advisory: a task may finish right after it is read.
func (p *Pool[T]) ActiveCount() int {
	return int(p.active.Load())
}

// Shutdown stops accepting tasks, lets workers finish what is already
// queued and waits for them. Subsequent calls only wait.
func (p *Pool[T]) Shutdown() {
	p.stopOnce.Do(func() {
		p.mx.Lock()
		p.stopped = true
		p.mx.Unlock()
		p.cond.Broadcast()
	})
	p.wg.Wait()
}

func (p *Pool[T]) worker() {
	defer p.wg.Done()
	for {
		p.mx.Lock()
		for len(p.queue) == 0 && !p.stopped {
			p.cond.Wait()
		}
		if len(p.queue) == 0 {
			p.mx.Unlock()
			return
		}
		var zero T
		task := p.queue[0]
		p.queue[0] = zero
		p.queue = p.queue[1:]
		p.active.Add(1)
		p.mx.Unlock()

		p.run(task)
		p.active.Add(-1)
	}
}

func (p *Pool[T]) run(task T) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().Interface("panic", r).Msg("task panicked")
		}
	}()
	p.handle(task)
}
