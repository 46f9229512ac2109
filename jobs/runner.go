package jobs

import (
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

// ErrQueueFull is returned when the worker queue cannot take another job.
var ErrQueueFull = errors.New("job queue full")

// Runner decides where submitted job bodies execute.
type Runner interface {
	// Dispatch hands a job body to the runner. It never blocks; a full
	// queue is reported as ErrQueueFull.
	Dispatch(run func()) error
	// Close stops accepting work and waits for in-flight jobs.
	Close()
}

// InlineRunner executes each job synchronously in the caller's
// goroutine: Dispatch returns only after the job body has finished. Used
// when the queue is disabled, so a submission blocks until its result is
// ready.
type InlineRunner struct {
	mu     sync.Mutex
	closed bool
}

func NewInlineRunner() *InlineRunner { return &InlineRunner{} }

func (r *InlineRunner) Dispatch(run func()) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return errors.New("runner closed")
	}
	run()
	return nil
}

func (r *InlineRunner) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

// PooledRunner executes jobs on a fixed set of workers fed by a bounded
// queue. Backpressure is explicit: Dispatch fails fast when the queue is
// full instead of blocking the HTTP handler.
type PooledRunner struct {
	queue chan func()
	wg    sync.WaitGroup
	once  sync.Once
	log   zerolog.Logger
}

// NewPooledRunner starts workers goroutines over a queue of queueSize.
func NewPooledRunner(workers, queueSize int, log zerolog.Logger) *PooledRunner {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 64
	}
	r := &PooledRunner{
		queue: make(chan func(), queueSize),
		log:   log.With().Str("component", "jobs.pool").Logger(),
	}
	for i := 0; i < workers; i++ {
		r.wg.Add(1)
		go r.worker(i)
	}
	return r
}

func (r *PooledRunner) worker(id int) {
	defer r.wg.Done()
	for run := range r.queue {
		r.log.Debug().Int("worker", id).Msg("job picked up")
		run()
	}
}

func (r *PooledRunner) Dispatch(run func()) error {
	select {
	case r.queue <- run:
		return nil
	default:
		return ErrQueueFull
	}
}

func (r *PooledRunner) Close() {
	r.once.Do(func() { close(r.queue) })
	r.wg.Wait()
}
