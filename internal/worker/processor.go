// Package worker plugs the pipeline into the asynq server loop.
package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/inteldocs/internal/logger"
	"github.com/dharsanguruparan/inteldocs/internal/pipeline"
	"github.com/dharsanguruparan/inteldocs/internal/queue"
)

// Runner executes the pipeline for one document at the generation the task
// was scheduled for.
type Runner interface {
	RunGeneration(ctx context.Context, docID, generation int64) error
}

// Processor is plugged into the asynq worker loop.
type Processor struct {
	runner Runner
	log    *logger.Logger
}

// NewProcessor constructs a worker processor.
func NewProcessor(runner Runner, log *logger.Logger) *Processor {
	return &Processor{runner: runner, log: log.With("component", "worker")}
}

// Handler registers the process job handler.
func (p *Processor) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.ProcessDocumentTask, p.handleProcess)
	return mux
}

func (p *Processor) handleProcess(ctx context.Context, task *asynq.Task) error {
	payload, err := queue.ParseProcessPayload(task)
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	taskID, _ := asynq.GetTaskID(ctx)
	retried, _ := asynq.GetRetryCount(ctx)
	log := p.log.With("document_id", payload.DocumentID, "generation", payload.Generation, "task_id", taskID, "attempt", retried+1)

	if err := p.runner.RunGeneration(ctx, payload.DocumentID, payload.Generation); err != nil {
		if pipeline.IsPermanent(err) {
			log.Error("processing failed permanently", "error", err)
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		// a revoked task is cancelled through its context; retrying it
		// would resurrect the run the operator stopped
		if errors.Is(err, context.Canceled) {
			log.Warn("processing revoked", "error", err)
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		log.Warn("processing failed, will retry", "error", err)
		return err
	}
	log.Info("processing finished")
	return nil
}
