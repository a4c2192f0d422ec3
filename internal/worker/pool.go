package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"socialops.com/autoresponder/internal/metrics"
)

var (
	ErrQueueFull  = errors.New("work queue is full")
	ErrPoolClosed = errors.New("worker pool is closed")
)

// Job is one unit of background work.
type Job struct {
	Name string
	Run  func(ctx context.Context) error
}

type queuedJob struct {
	id  string
	job Job
}

// Pool runs jobs from a bounded queue on a fixed number of goroutines.
// Jobs run to completion; Shutdown stops intake and waits for the queue to drain.
type Pool struct {
	jobs       chan queuedJob
	jobTimeout time.Duration
	log        zerolog.Logger
	wg         sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func New(workers, queueSize int, jobTimeout time.Duration, logger zerolog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	p := &Pool{
		jobs:       make(chan queuedJob, queueSize),
		jobTimeout: jobTimeout,
		log:        logger.With().Str("component", "worker").Logger(),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.run(i)
	}
	p.log.Info().Int("workers", workers).Int("queue_size", queueSize).Msg("Worker pool started")
	return p
}

// Submit queues a job, waiting for room until ctx ends.
func (p *Pool) Submit(ctx context.Context, job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	q := queuedJob{id: uuid.NewString(), job: job}
	select {
	case p.jobs <- q:
		metrics.WorkerQueueDepth.Set(float64(len(p.jobs)))
		return nil
	case <-ctx.Done():
		p.log.Warn().Str("job", job.Name).Msg("Work queue full, job rejected")
		return fmt.Errorf("%w: %v", ErrQueueFull, ctx.Err())
	}
}

// TrySubmit queues a job only if there is room right now.
func (p *Pool) TrySubmit(job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.jobs <- queuedJob{id: uuid.NewString(), job: job}:
		metrics.WorkerQueueDepth.Set(float64(len(p.jobs)))
		return nil
	default:
		return ErrQueueFull
	}
}

// Shutdown stops accepting jobs and waits for queued and running jobs to finish.
// It returns ctx.Err() if the wait is cut short.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.log.Info().Msg("Worker pool drained")
		return nil
	case <-ctx.Done():
		p.log.Warn().Int("pending", len(p.jobs)).Msg("Worker pool shutdown timed out")
		return ctx.Err()
	}
}

func (p *Pool) run(worker int) {
	defer p.wg.Done()
	for q := range p.jobs {
		metrics.WorkerQueueDepth.Set(float64(len(p.jobs)))
		p.execute(worker, q)
	}
}

func (p *Pool) execute(worker int, q queuedJob) {
	jobLog := p.log.With().Str("job_id", q.id).Str("job", q.job.Name).Int("worker", worker).Logger()

	ctx := context.Background()
	if p.jobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.jobTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			jobLog.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("Job panicked")
		}
	}()

	start := time.Now()
	if err := q.job.Run(ctx); err != nil {
		jobLog.Error().Err(err).Dur("elapsed", time.Since(start)).Msg("Job failed")
		return
	}
	jobLog.Debug().Dur("elapsed", time.Since(start)).Msg("Job finished")
}
