// Package processing runs pipeline jobs on an in-process worker pool, for
// deployments without Redis and for the CLI's run-local command. Goroutines
// and a buffered channel power the implementation.
package processing

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/dharsanguruparan/inteldocs/internal/logger"
	"github.com/dharsanguruparan/inteldocs/internal/pipeline"
)

// ErrQueueFull is returned by Enqueue when the buffer is full.
var ErrQueueFull = errors.New("processing queue full")

// ErrStopped is returned by Enqueue after Stop.
var ErrStopped = errors.New("processor stopped")

// Runner executes the pipeline for one document at the generation the job
// was scheduled for.
type Runner interface {
	RunGeneration(ctx context.Context, docID, generation int64) error
}

// Job is one queued pipeline run.
type Job struct {
	ID         string
	DocumentID int64
	Generation int64
}

// Processor consumes Jobs with a fixed number of workers.
type Processor struct {
	runner  Runner
	queue   chan Job
	workers int
	log     *logger.Logger
	wg      sync.WaitGroup

	mu      sync.Mutex
	stopped bool
	pending map[int64]string
	revoked map[string]bool
	running map[string]context.CancelFunc
}

var _ pipeline.Dispatcher = (*Processor)(nil)

// New builds a Processor with queue capacity tied to worker count.
func New(runner Runner, workers int, log *logger.Logger) *Processor {
	if workers <= 0 {
		workers = 1
	}
	return &Processor{
		runner:  runner,
		queue:   make(chan Job, workers*16),
		workers: workers,
		log:     log.With("component", "processing"),
		pending: make(map[int64]string),
		revoked: make(map[string]bool),
		running: make(map[string]context.CancelFunc),
	}
}

// Start launches worker goroutines. They exit when ctx is cancelled or
// after Stop once the queue is drained.
func (p *Processor) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

// Stop refuses new jobs and waits for queued ones to finish.
func (p *Processor) Stop() {
	p.mu.Lock()
	if !p.stopped {
		p.stopped = true
		close(p.queue)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// Enqueue queues a pipeline run for docID. A document that is already queued
// or running is not queued twice; a revoked job no longer counts, even while
// it is still winding down.
func (p *Processor) Enqueue(_ context.Context, docID, generation int64) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return "", ErrStopped
	}
	if id, ok := p.pending[docID]; ok {
		return "", fmt.Errorf("document %d as task %s: %w", docID, id, pipeline.ErrAlreadyQueued)
	}
	job := Job{ID: uuid.NewString(), DocumentID: docID, Generation: generation}
	select {
	case p.queue <- job:
	default:
		p.log.Warn("processing queue full, rejecting job", "document_id", docID)
		return "", ErrQueueFull
	}
	p.pending[docID] = job.ID
	return job.ID, nil
}

// Revoke drops a queued job or cancels a running one. Either way the
// document can be queued again right away. Unknown ids are ignored.
func (p *Processor) Revoke(_ context.Context, taskID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	queued := false
	for docID, id := range p.pending {
		if id == taskID {
			delete(p.pending, docID)
			queued = true
			break
		}
	}
	if cancel, ok := p.running[taskID]; ok {
		cancel()
		return nil
	}
	if queued {
		p.revoked[taskID] = true
	}
	return nil
}

func (p *Processor) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.queue:
			if !ok {
				return
			}
			p.process(ctx, job)
		}
	}
}

func (p *Processor) process(ctx context.Context, job Job) {
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	p.mu.Lock()
	if p.revoked[job.ID] {
		delete(p.revoked, job.ID)
		p.mu.Unlock()
		p.log.Info("skipping revoked job", "task_id", job.ID, "document_id", job.DocumentID, "generation", job.Generation)
		return
	}
	p.running[job.ID] = cancel
	p.mu.Unlock()

	err := p.runner.RunGeneration(jobCtx, job.DocumentID, job.Generation)

	p.mu.Lock()
	delete(p.running, job.ID)
	if p.pending[job.DocumentID] == job.ID {
		delete(p.pending, job.DocumentID)
	}
	p.mu.Unlock()

	switch {
	case err == nil:
		p.log.Info("job finished", "task_id", job.ID, "document_id", job.DocumentID)
	case errors.Is(err, context.Canceled):
		p.log.Warn("job cancelled", "task_id", job.ID, "document_id", job.DocumentID)
	default:
		p.log.Error("job failed", "task_id", job.ID, "document_id", job.DocumentID, "permanent", pipeline.IsPermanent(err), "error", err)
	}
}
