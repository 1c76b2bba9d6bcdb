package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dharsanguruparan/inteldocs/internal/model"
)

func TestMemoryStoreRecordStatusKeepsOneRowPerStatus(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	doc := &model.Document{FileName: "a.pdf"}
	require.NoError(t, store.CreateDocument(ctx, doc))

	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.RecordStatus(ctx, doc.ID, 0, model.StatusTextExtracting, false, t0))
	require.NoError(t, store.RecordStatus(ctx, doc.ID, 0, model.StatusTextExtracting, true, t0.Add(time.Minute)))
	require.NoError(t, store.RecordStatus(ctx, doc.ID, 0, model.StatusTextExtractionDone, false, t0.Add(2*time.Minute)))

	history, err := store.StatusHistory(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, model.StatusTextExtractionDone, history[0].Status)
	assert.Equal(t, t0.Add(time.Minute), history[1].ReachedAt)

	got, err := store.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusTextExtractionDone, got.Status)
	assert.False(t, got.IsFailed)
}

func TestMemoryStoreUpdateDocumentDoesNotTouchStatus(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	doc := &model.Document{FileName: "a.pdf"}
	require.NoError(t, store.CreateDocument(ctx, doc))
	require.NoError(t, store.RecordStatus(ctx, doc.ID, 0, model.StatusCompleted, false, time.Now()))

	title := "Travel Order"
	doc.Title = &title
	doc.Status = model.StatusPending
	require.NoError(t, store.UpdateDocument(ctx, doc))

	got, err := store.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)
	assert.Equal(t, "Travel Order", *got.Title)

	// returned copies are detached
	*got.Title = "changed"
	again, _ := store.GetDocument(ctx, doc.ID)
	assert.Equal(t, "Travel Order", *again.Title)
}

func TestMemoryStoreListOrdersByProgress(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	a := &model.Document{FileName: "a.pdf"}
	b := &model.Document{FileName: "b.pdf"}
	require.NoError(t, store.CreateDocument(ctx, a))
	require.NoError(t, store.CreateDocument(ctx, b))
	require.NoError(t, store.RecordStatus(ctx, a.ID, 0, model.StatusCompleted, false, time.Now()))

	docs, err := store.ListDocuments(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, b.ID, docs[0].ID)
	assert.Equal(t, a.ID, docs[1].ID)
}

func TestMemoryStoreMissingRecords(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.GetDocument(ctx, 42)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.GetFullText(ctx, 42)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.RecordStatus(ctx, 42, 0, model.StatusPending, false, time.Now()), ErrNotFound)
}

func TestMemoryStoreTaskIDOnlyChangesThroughSetTaskID(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	doc := &model.Document{FileName: "a.pdf"}
	require.NoError(t, store.CreateDocument(ctx, doc))
	require.NoError(t, store.SetTaskID(ctx, doc.ID, "task-1"))

	stale := *doc
	stale.NoOfChunks = 3
	require.NoError(t, store.UpdateDocument(ctx, &stale))

	got, err := store.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "task-1", got.TaskID)
	assert.Equal(t, 3, got.NoOfChunks)

	assert.ErrorIs(t, store.SetTaskID(ctx, 999, "task-2"), ErrNotFound)
}

func TestMemoryStoreResetRefusesEarlierGeneration(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	doc := &model.Document{FileName: "a.pdf"}
	require.NoError(t, store.CreateDocument(ctx, doc))
	require.NoError(t, store.RecordStatus(ctx, doc.ID, 0, model.StatusGeneratingSummary, false, time.Now()))

	gen, err := store.ResetStatus(ctx, doc.ID, model.StatusPending, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), gen)

	assert.ErrorIs(t, store.RecordStatus(ctx, doc.ID, 0, model.StatusGeneratingSummary, true, time.Now()), ErrStaleRun)
	stale := *doc
	stale.NoOfChunks = 9
	assert.ErrorIs(t, store.UpdateDocument(ctx, &stale), ErrStaleRun)
	assert.ErrorIs(t, store.SaveFullText(ctx, &model.FullText{DocumentID: doc.ID, Text: "old"}, 0), ErrStaleRun)

	got, err := store.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)
	assert.False(t, got.IsFailed)
	assert.Equal(t, 0, got.NoOfChunks)
	_, err = store.GetFullText(ctx, doc.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.RecordStatus(ctx, doc.ID, gen, model.StatusTextExtracting, false, time.Now()))
	_, err = store.ResetStatus(ctx, 404, model.StatusPending, time.Now())
	assert.ErrorIs(t, err, ErrNotFound)
}
