package workerpool

import (
	"context"
	"runtime/debug"
	"sync"

	"github.com/hubenschmidt/audio-relay/internal/logging"
)

var log = logging.L("workerpool")

// Task is one unit of work. ctx is cancelled when Shutdown stops waiting.
type Task func(ctx context.Context)

// Pool runs tasks on a fixed number of goroutines fed by a bounded queue.
// Submit never blocks, so a slow task cannot stall the caller.
type Pool struct {
	mu      sync.Mutex // guards closed and sends on queue
	closed  bool
	queue   chan Task
	workers sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

func New(maxWorkers, queueSize int) *Pool {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		queue:  make(chan Task, queueSize),
		ctx:    ctx,
		cancel: cancel,
	}
	for range maxWorkers {
		p.workers.Add(1)
		go p.work()
	}

	log.Debug("worker pool started", "workers", maxWorkers, "queueSize", queueSize)
	return p
}

// Submit enqueues task. It returns false once the pool is shut down or when
// the queue is full.
func (p *Pool) Submit(task Task) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	select {
	case p.queue <- task:
		return true
	default:
		log.Warn("worker pool queue full, task rejected")
		return false
	}
}

// Shutdown refuses new tasks and waits for queued ones to finish. When ctx
// expires first, running tasks are cancelled and queued ones are skipped;
// Shutdown does not wait for tasks that ignore cancellation.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Debug("worker pool drained")
	case <-ctx.Done():
		log.Warn("worker pool shutdown timed out, cancelling tasks")
	}
	p.cancel()
}

func (p *Pool) work() {
	defer p.workers.Done()
	for task := range p.queue {
		if p.ctx.Err() != nil {
			continue
		}
		p.run(task)
	}
}

func (p *Pool) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("task panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	task(p.ctx)
}
