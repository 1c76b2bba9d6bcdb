package worker

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dharsanguruparan/inteldocs/internal/logger"
	"github.com/dharsanguruparan/inteldocs/internal/pipeline"
	"github.com/dharsanguruparan/inteldocs/internal/queue"
)

type runnerFunc func(ctx context.Context, docID, generation int64) error

func (f runnerFunc) RunGeneration(ctx context.Context, docID, generation int64) error {
	return f(ctx, docID, generation)
}

func TestHandleProcess(t *testing.T) {
	task, err := queue.NewProcessTask(9, 2)
	require.NoError(t, err)

	tests := []struct {
		name      string
		runErr    error
		wantErr   bool
		skipRetry bool
	}{
		{name: "success"},
		{name: "transient", runErr: errors.New("llm timeout"), wantErr: true},
		{name: "permanent", runErr: pipeline.Permanent(pipeline.ErrSourceMissing), wantErr: true, skipRetry: true},
		{name: "revoked", runErr: fmt.Errorf("document 9 summarize stage: %w", context.Canceled), wantErr: true, skipRetry: true},
		{name: "deadline", runErr: fmt.Errorf("document 9 embed stage: %w", context.DeadlineExceeded), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got, gotGeneration int64
			p := NewProcessor(runnerFunc(func(_ context.Context, docID, generation int64) error {
				got, gotGeneration = docID, generation
				return tt.runErr
			}), logger.Nop())

			err := p.handleProcess(context.Background(), task)
			assert.Equal(t, int64(9), got)
			assert.Equal(t, int64(2), gotGeneration)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.runErr)
			assert.Equal(t, tt.skipRetry, errors.Is(err, asynq.SkipRetry))
		})
	}
}

func TestHandleProcessRejectsBadPayload(t *testing.T) {
	called := false
	p := NewProcessor(runnerFunc(func(context.Context, int64, int64) error {
		called = true
		return nil
	}), logger.Nop())

	err := p.handleProcess(context.Background(), asynq.NewTask(queue.ProcessDocumentTask, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
	assert.False(t, called)
}
