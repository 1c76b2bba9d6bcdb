// Package queue schedules pipeline runs on Redis through asynq.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/inteldocs/internal/pipeline"
)

const (
	// ProcessDocumentTask runs the pipeline for one document.
	ProcessDocumentTask = "document:process"
	// DefaultQueue is the asynq queue tasks go to unless configured.
	DefaultQueue = "default"
)

// ProcessPayload is serialized into the task payload. asynq derives the
// unique key from it, so duplicate enqueues of one generation collapse while
// a reset's new generation can be queued next to a revoked task that is
// still draining.
type ProcessPayload struct {
	DocumentID int64 `json:"document_id"`
	Generation int64 `json:"generation"`
}

// NewProcessTask builds the task for docID at generation.
func NewProcessTask(docID, generation int64) (*asynq.Task, error) {
	data, err := json.Marshal(ProcessPayload{DocumentID: docID, Generation: generation})
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return asynq.NewTask(ProcessDocumentTask, data), nil
}

// ParseProcessPayload decodes a task payload.
func ParseProcessPayload(task *asynq.Task) (ProcessPayload, error) {
	var payload ProcessPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return payload, fmt.Errorf("decode payload: %w", err)
	}
	if payload.DocumentID <= 0 {
		return payload, fmt.Errorf("decode payload: invalid document id %d", payload.DocumentID)
	}
	if payload.Generation < 0 {
		return payload, fmt.Errorf("decode payload: invalid generation %d", payload.Generation)
	}
	return payload, nil
}

type enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

type inspector interface {
	GetTaskInfo(queue, id string) (*asynq.TaskInfo, error)
	DeleteTask(queue, id string) error
	CancelProcessing(id string) error
	Close() error
}

// Options tune how tasks are enqueued.
type Options struct {
	Queue    string
	MaxRetry int
	// UniqueTTL collapses duplicate enqueues of the same document generation
	// while a task for it is pending. Zero disables it.
	UniqueTTL time.Duration
}

// Client enqueues and revokes pipeline tasks.
type Client struct {
	client    enqueuer
	inspector inspector
	opts      Options
}

var _ pipeline.Dispatcher = (*Client)(nil)

// NewClient connects a Client to Redis.
func NewClient(redis asynq.RedisClientOpt, opts Options) *Client {
	return newClient(asynq.NewClient(redis), asynq.NewInspector(redis), opts)
}

func newClient(e enqueuer, i inspector, opts Options) *Client {
	if opts.Queue == "" {
		opts.Queue = DefaultQueue
	}
	return &Client{client: e, inspector: i, opts: opts}
}

// Enqueue schedules a pipeline run for docID at generation and returns the
// task id.
func (c *Client) Enqueue(ctx context.Context, docID, generation int64) (string, error) {
	task, err := NewProcessTask(docID, generation)
	if err != nil {
		return "", err
	}
	opts := []asynq.Option{
		asynq.Queue(c.opts.Queue),
		asynq.MaxRetry(c.opts.MaxRetry),
		asynq.TaskID(uuid.NewString()),
	}
	if c.opts.UniqueTTL > 0 {
		opts = append(opts, asynq.Unique(c.opts.UniqueTTL))
	}
	info, err := c.client.EnqueueContext(ctx, task, opts...)
	if err != nil {
		if errors.Is(err, asynq.ErrDuplicateTask) || errors.Is(err, asynq.ErrTaskIDConflict) {
			return "", fmt.Errorf("enqueue document %d generation %d: %w", docID, generation, pipeline.ErrAlreadyQueued)
		}
		return "", fmt.Errorf("enqueue document %d generation %d: %w", docID, generation, err)
	}
	return info.ID, nil
}

// Revoke deletes a waiting task or asks the worker to cancel a running one.
// Tasks that no longer exist are ignored.
func (c *Client) Revoke(_ context.Context, taskID string) error {
	if taskID == "" {
		return nil
	}
	info, err := c.inspector.GetTaskInfo(c.opts.Queue, taskID)
	if err != nil {
		if isGone(err) {
			return nil
		}
		return fmt.Errorf("inspect task %s: %w", taskID, err)
	}
	if info.State == asynq.TaskStateActive {
		if err := c.inspector.CancelProcessing(taskID); err != nil {
			return fmt.Errorf("cancel task %s: %w", taskID, err)
		}
		return nil
	}
	if err := c.inspector.DeleteTask(c.opts.Queue, taskID); err != nil && !isGone(err) {
		return fmt.Errorf("delete task %s: %w", taskID, err)
	}
	return nil
}

// Close releases the Redis connections.
func (c *Client) Close() error {
	return errors.Join(c.client.Close(), c.inspector.Close())
}

func isGone(err error) bool {
	return errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound)
}
