package processing

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dharsanguruparan/inteldocs/internal/logger"
	"github.com/dharsanguruparan/inteldocs/internal/pipeline"
)

type recordingRunner struct {
	mu          sync.Mutex
	ran         []int64
	generations []int64
	started     chan int64
	release     chan struct{}
	// drain delays the return of a cancelled run.
	drain chan struct{}
	errs  map[int64]error
}

func (r *recordingRunner) RunGeneration(ctx context.Context, docID, generation int64) error {
	if r.started != nil {
		r.started <- docID
	}
	if r.release != nil {
		select {
		case <-r.release:
		case <-ctx.Done():
			if r.drain != nil {
				<-r.drain
			}
			r.record(docID, generation)
			return ctx.Err()
		}
	}
	r.record(docID, generation)
	return r.errs[docID]
}

func (r *recordingRunner) record(docID, generation int64) {
	r.mu.Lock()
	r.ran = append(r.ran, docID)
	r.generations = append(r.generations, generation)
	r.mu.Unlock()
}

func (r *recordingRunner) docs() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]int64(nil), r.ran...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func TestProcessorRunsQueuedJobs(t *testing.T) {
	runner := &recordingRunner{errs: map[int64]error{2: pipeline.Permanent(pipeline.ErrSourceMissing)}}
	p := New(runner, 2, logger.Nop())
	p.Start(context.Background())

	for _, id := range []int64{1, 2, 3} {
		taskID, err := p.Enqueue(context.Background(), id, 0)
		require.NoError(t, err)
		assert.NotEmpty(t, taskID)
	}
	p.Stop()

	assert.Equal(t, []int64{1, 2, 3}, runner.docs())
	_, err := p.Enqueue(context.Background(), 4, 0)
	assert.ErrorIs(t, err, ErrStopped)
}

func TestProcessorRejectsDuplicateDocument(t *testing.T) {
	runner := &recordingRunner{started: make(chan int64, 1), release: make(chan struct{})}
	p := New(runner, 1, logger.Nop())
	p.Start(context.Background())

	_, err := p.Enqueue(context.Background(), 1, 0)
	require.NoError(t, err)
	<-runner.started

	_, err = p.Enqueue(context.Background(), 1, 0)
	assert.ErrorIs(t, err, pipeline.ErrAlreadyQueued)

	close(runner.release)
	p.Stop()
	assert.Equal(t, []int64{1}, runner.docs())
}

func TestProcessorRevoke(t *testing.T) {
	runner := &recordingRunner{started: make(chan int64, 2), release: make(chan struct{})}
	p := New(runner, 1, logger.Nop())
	p.Start(context.Background())
	ctx := context.Background()

	running, err := p.Enqueue(ctx, 1, 0)
	require.NoError(t, err)
	<-runner.started
	queued, err := p.Enqueue(ctx, 2, 0)
	require.NoError(t, err)

	require.NoError(t, p.Revoke(ctx, queued))
	require.NoError(t, p.Revoke(ctx, running))
	require.NoError(t, p.Revoke(ctx, "unknown"))

	done := make(chan struct{})
	go func() {
		p.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("processor did not stop after revoking the running job")
	}
	assert.Equal(t, []int64{1}, runner.docs(), "revoked queued job never runs")

	_, err = p.Enqueue(ctx, 2, 0)
	assert.ErrorIs(t, err, ErrStopped)
}

func TestProcessorRequeuesWhileRevokedJobDrains(t *testing.T) {
	runner := &recordingRunner{
		started: make(chan int64, 2),
		release: make(chan struct{}),
		drain:   make(chan struct{}),
	}
	p := New(runner, 2, logger.Nop())
	p.Start(context.Background())
	ctx := context.Background()

	first, err := p.Enqueue(ctx, 1, 0)
	require.NoError(t, err)
	<-runner.started
	require.NoError(t, p.Revoke(ctx, first))

	second, err := p.Enqueue(ctx, 1, 1)
	require.NoError(t, err, "a revoked job must not block the next generation")
	assert.NotEqual(t, first, second)
	<-runner.started

	_, err = p.Enqueue(ctx, 1, 1)
	assert.ErrorIs(t, err, pipeline.ErrAlreadyQueued)

	close(runner.drain)
	close(runner.release)
	p.Stop()

	runner.mu.Lock()
	defer runner.mu.Unlock()
	assert.ElementsMatch(t, []int64{0, 1}, runner.generations)
}
