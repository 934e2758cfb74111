package worker

import (
	"context"
	"sync"
)

// Pool drains a job queue with N goroutines. One worker owns a job end to
// end; the queue carries job ids only, state lives in the store.
type Pool struct {
	runner *Runner
	queue  chan string
	wg     sync.WaitGroup

	mu      sync.Mutex
	stopped bool
}

func NewPool(runner *Runner, size, queueDepth int) *Pool {
	if size < 1 {
		size = 1
	}
	if queueDepth < size {
		queueDepth = 256
	}
	p := &Pool{
		runner: runner,
		queue:  make(chan string, queueDepth),
	}
	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.work()
	}
	return p
}

func (p *Pool) work() {
	defer p.wg.Done()
	for jobID := range p.queue {
		if err := p.runner.Run(context.Background(), jobID); err != nil {
			p.runner.logf("job %s ended with error: %v", jobID, err)
		}
	}
}

// Enqueue adds a job id to the queue. Returns false when the pool is stopped
// or the queue is full; the job stays pending in the store either way.
func (p *Pool) Enqueue(jobID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return false
	}
	select {
	case p.queue <- jobID:
		return true
	default:
		p.runner.logf("queue full, leaving job %s pending", jobID)
		return false
	}
}

// Requeue loads jobs still pending in the store (from a previous process
// life) and enqueues them.
func (p *Pool) Requeue(ctx context.Context) error {
	ids, err := p.runner.Store.PendingJobIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if p.Enqueue(id) {
			p.runner.logf("requeued pending job %s", id)
		}
	}
	return nil
}

// Stop closes the queue and waits for in-flight jobs to finish.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.queue)
	p.mu.Unlock()
	p.wg.Wait()
}
