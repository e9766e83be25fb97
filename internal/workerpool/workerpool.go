// Package workerpool provides the bounded pool the RabbitMQ consumer uses
// to fan deliveries out without unbounded goroutine growth.
package workerpool

import "sync"

// Pool runs submitted jobs on a fixed number of workers.
type Pool struct {
	jobs chan func()
	wg   sync.WaitGroup

	mu      sync.RWMutex
	stopped bool
}

// New starts a pool of the given size. Sizes below one are clamped to one.
func New(workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	p := &Pool{
		jobs: make(chan func(), workers*2),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for job := range p.jobs {
		job()
	}
}

// Submit queues a job, blocking while the pool is saturated. Jobs submitted
// after Stop are dropped.
func (p *Pool) Submit(job func()) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return
	}
	p.jobs <- job
}

// Stop stops accepting jobs and waits for queued and in-flight ones to
// finish. It is idempotent.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.stopped {
		p.stopped = true
		close(p.jobs)
	}
	p.mu.Unlock()
	p.wg.Wait()
}
