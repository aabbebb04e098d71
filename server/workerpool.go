// File: server/workerpool.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// workerPool bounds live connection handling to cfg.NumWorkers goroutines:
// queue-backed task dispatch over github.com/eapache/queue (whose real
// surface is Add/Peek/Remove/Length, none of them blocking), paired with
// a sync.Cond so idle workers block instead of busy-polling the queue.

package server

import (
	"sync"

	"github.com/eapache/queue"
)

type task func()

type workerPool struct {
	mu     sync.Mutex
	cond   *sync.Cond
	q      *queue.Queue
	closed bool
	wg     sync.WaitGroup
}

func newWorkerPool(numWorkers int) *workerPool {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	p := &workerPool{q: queue.New()}
	p.cond = sync.NewCond(&p.mu)
	p.wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go p.runWorker()
	}
	return p
}

// Submit enqueues t for execution by the next free worker. Returns false
// if the pool has been closed.
func (p *workerPool) Submit(t task) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.q.Add(t)
	p.cond.Signal()
	return true
}

func (p *workerPool) runWorker() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for p.q.Length() == 0 && !p.closed {
			p.cond.Wait()
		}
		if p.q.Length() == 0 && p.closed {
			p.mu.Unlock()
			return
		}
		item := p.q.Remove()
		p.mu.Unlock()

		if t, ok := item.(task); ok {
			t()
		}
	}
}

// Close stops accepting new work and waits until every queued and running
// task has returned; it does not interrupt a running task.
func (p *workerPool) Close() {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()
	p.wg.Wait()
}
