package driftkit

import "sync"

// WorkerPool is a bounded task executor. When the queue is full, Submit runs
// the task on the calling goroutine so load backpressures to the producer
// instead of growing unbounded.
type WorkerPool struct {
	tasks  chan func()
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// NewWorkerPool starts workers goroutines draining a queue of the given
// capacity. Non-positive arguments fall back to 1.
func NewWorkerPool(workers, queueCapacity int) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	if queueCapacity <= 0 {
		queueCapacity = 1
	}
	p := &WorkerPool{tasks: make(chan func(), queueCapacity)}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for task := range p.tasks {
				task()
			}
		}()
	}
	return p
}

// Submit enqueues task, or runs it inline when the queue is full or the pool
// is closed.
func (p *WorkerPool) Submit(task func()) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		task()
		return
	}
	select {
	case p.tasks <- task:
		p.mu.Unlock()
	default:
		p.mu.Unlock()
		task()
	}
}

// Close stops accepting queued work and waits for in-flight tasks.
func (p *WorkerPool) Close() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.tasks)
	}
	p.mu.Unlock()
	p.wg.Wait()
}
