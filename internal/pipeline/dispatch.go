package pipeline

import (
	"context"
	"errors"
)

// ErrAlreadyQueued is returned by Enqueue when the document already has a
// pending task.
var ErrAlreadyQueued = errors.New("document already queued")

// Dispatcher schedules pipeline runs in the background.
type Dispatcher interface {
	// Enqueue schedules Run for docID and returns the task id. Generation
	// is the document's generation at scheduling time; a reset starts a new
	// generation, which may be queued while the revoked run still drains.
	Enqueue(ctx context.Context, docID, generation int64) (string, error)
	// Revoke cancels a queued or running task. Unknown ids are ignored.
	Revoke(ctx context.Context, taskID string) error
}
