package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dharsanguruparan/inteldocs/internal/config"
	"github.com/dharsanguruparan/inteldocs/internal/convert"
	"github.com/dharsanguruparan/inteldocs/internal/filestore"
	"github.com/dharsanguruparan/inteldocs/internal/ledger"
	"github.com/dharsanguruparan/inteldocs/internal/llm/llmtest"
	"github.com/dharsanguruparan/inteldocs/internal/logger"
	"github.com/dharsanguruparan/inteldocs/internal/model"
	"github.com/dharsanguruparan/inteldocs/internal/storage"
	"github.com/dharsanguruparan/inteldocs/internal/summarize"
	"github.com/dharsanguruparan/inteldocs/internal/vectorstore"
)

// recordingStore remembers every status write in order.
type recordingStore struct {
	*storage.MemoryStore

	mu          sync.Mutex
	transitions map[int64][]model.Status
}

func (r *recordingStore) RecordStatus(ctx context.Context, id, generation int64, status model.Status, failed bool, at time.Time) error {
	if err := r.MemoryStore.RecordStatus(ctx, id, generation, status, failed, at); err != nil {
		return err
	}
	r.mu.Lock()
	r.transitions[id] = append(r.transitions[id], status)
	r.mu.Unlock()
	return nil
}

func (r *recordingStore) trajectory(id int64) []model.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Status(nil), r.transitions[id]...)
}

type stubSummarizer struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, text, modelName string) (*summarize.Result, error)
}

func (s *stubSummarizer) Run(ctx context.Context, text, modelName string) (*summarize.Result, error) {
	s.mu.Lock()
	s.calls++
	fn := s.fn
	s.mu.Unlock()
	if fn != nil {
		return fn(ctx, text, modelName)
	}
	return &summarize.Result{
		Title:   "Travel Guidelines",
		Summary: "# Travel Guidelines\n\n## Summary\n- Directs faculty travel",
		Year:    2023,
		Tags:    []string{"Travel Order"},
	}, nil
}

func (s *stubSummarizer) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fixture struct {
	store      *recordingStore
	ledger     *ledger.Ledger
	files      *filestore.Local
	root       string
	vectors    *vectorstore.BadgerStore
	embedder   *llmtest.Embedder
	summarizer *stubSummarizer
	converters *convert.Registry
	converted  int
	pipeline   *Pipeline
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	log := logger.Nop()
	f := &fixture{
		store:      &recordingStore{MemoryStore: storage.NewMemoryStore(), transitions: map[int64][]model.Status{}},
		root:       t.TempDir(),
		embedder:   &llmtest.Embedder{},
		summarizer: &stubSummarizer{},
		converters: convert.NewRegistry(),
	}
	f.ledger = ledger.New(f.store, log)

	var err error
	f.files, err = filestore.NewLocal(f.root)
	require.NoError(t, err)
	f.vectors, err = vectorstore.OpenBadger("", log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.vectors.Close() })

	f.converters.Register(model.ConverterDocling, convert.ConverterFunc(func(ctx context.Context, src convert.Source) (string, error) {
		f.converted++
		return convert.MarkItDown{}.Convert(ctx, src)
	}))
	f.converters.Register(model.ConverterMarkItDown, convert.ConverterFunc(func(context.Context, convert.Source) (string, error) {
		f.converted++
		return "", errors.New("converter crashed")
	}))

	f.pipeline, err = New(Deps{
		Documents:  f.store,
		Ledger:     f.ledger,
		Files:      f.files,
		Converters: f.converters,
		Index:      vectorstore.NewIndex(f.vectors, f.embedder),
		Summarizer: f.summarizer,
		Log:        log,
	}, cfg)
	require.NoError(t, err)
	return f
}

// ingest stores content as a new pending document. An empty content skips
// saving the file.
func (f *fixture) ingest(t *testing.T, content string, conv model.Converter) *model.Document {
	t.Helper()
	ctx := context.Background()
	doc := &model.Document{FileName: "memo.txt", FileType: "text/plain", Converter: conv}
	require.NoError(t, f.store.CreateDocument(ctx, doc))
	doc.FileKey = fmt.Sprintf("%d/memo.txt", doc.ID)
	require.NoError(t, f.store.UpdateDocument(ctx, doc))
	require.NoError(t, f.ledger.Advance(ctx, doc, model.StatusPending, false))
	if content != "" {
		require.NoError(t, f.files.Save(ctx, doc.FileKey, strings.NewReader(content), int64(len(content)), doc.FileType))
	}
	return doc
}

func (f *fixture) get(t *testing.T, id int64) *model.Document {
	t.Helper()
	doc, err := f.store.GetDocument(context.Background(), id)
	require.NoError(t, err)
	return doc
}

func (f *fixture) chunks(t *testing.T, id int64) []vectorstore.Entry {
	t.Helper()
	entries, err := f.vectors.List(context.Background(), vectorstore.ForDocument(id))
	require.NoError(t, err)
	return entries
}

func paragraphs(n int, words string) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("Paragraph %d: %s", i, words)
	}
	return strings.Join(parts, "\n\n")
}

var memoText = paragraphs(6, strings.Repeat("All faculty members traveling to Manila must file a travel order. ", 5))

func TestRunHappyPath(t *testing.T) {
	f := newFixture(t, Config{ArchiveProcessedText: true})
	doc := f.ingest(t, memoText, model.ConverterDocling)

	require.NoError(t, f.pipeline.Run(context.Background(), doc.ID))

	assert.Equal(t, []model.Status{
		model.StatusPending,
		model.StatusTextExtracting,
		model.StatusTextExtractionDone,
		model.StatusEmbeddingText,
		model.StatusTextEmbeddingDone,
		model.StatusGeneratingSummary,
		model.StatusSummaryGenerationDone,
		model.StatusCompleted,
	}, f.store.trajectory(doc.ID))

	got := f.get(t, doc.ID)
	assert.Equal(t, model.StatusCompleted, got.Status)
	assert.False(t, got.IsFailed)
	require.NotNil(t, got.Title)
	require.NotNil(t, got.Summary)
	require.NotNil(t, got.Year)
	assert.Equal(t, "Travel Guidelines", *got.Title)
	assert.Equal(t, 2023, *got.Year)
	assert.Equal(t, []string{"Travel Order"}, got.Tags)
	assert.Greater(t, got.NoOfChunks, 1)

	entries := f.chunks(t, doc.ID)
	require.Len(t, entries, got.NoOfChunks)
	for i, e := range entries {
		assert.Equal(t, model.ChunkID(doc.ID, i), e.ID)
		require.NotNil(t, e.Year)
		assert.Equal(t, 2023, *e.Year)
		assert.Equal(t, []string{"Travel Order"}, e.Tags)
	}

	history, err := f.ledger.History(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Len(t, history, 8)

	full, err := f.store.GetFullText(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Equal(t, memoText, full.Text)
	assert.False(t, full.IsPlaceholder())

	archived, err := os.ReadFile(filepath.Join(f.root, "processed", fmt.Sprintf("%d.md", doc.ID)))
	require.NoError(t, err)
	assert.Equal(t, memoText, string(archived))
}

func TestRunAfterCompletionIsNoop(t *testing.T) {
	f := newFixture(t, Config{})
	doc := f.ingest(t, memoText, model.ConverterDocling)
	ctx := context.Background()

	require.NoError(t, f.pipeline.Run(ctx, doc.ID))
	trajectory := f.store.trajectory(doc.ID)
	embeds := f.embedder.CallCount()

	require.NoError(t, f.pipeline.Run(ctx, doc.ID))
	assert.Equal(t, trajectory, f.store.trajectory(doc.ID))
	assert.Equal(t, embeds, f.embedder.CallCount())
	assert.Equal(t, 1, f.summarizer.callCount())
	assert.Equal(t, 1, f.converted)
}

func TestRunMissingSourceFile(t *testing.T) {
	f := newFixture(t, Config{})
	doc := f.ingest(t, "", model.ConverterDocling)

	err := f.pipeline.Run(context.Background(), doc.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSourceMissing)
	assert.True(t, IsPermanent(err))

	got := f.get(t, doc.ID)
	assert.Equal(t, model.StatusPending, got.Status)
	assert.True(t, got.IsFailed)
	assert.Zero(t, f.converted)
}

func TestRunUnknownConverter(t *testing.T) {
	f := newFixture(t, Config{})
	doc := f.ingest(t, memoText, model.ConverterMarker)

	err := f.pipeline.Run(context.Background(), doc.ID)
	assert.ErrorIs(t, err, convert.ErrUnknownConverter)
	assert.True(t, IsPermanent(err))

	got := f.get(t, doc.ID)
	assert.Equal(t, model.StatusPending, got.Status)
	assert.True(t, got.IsFailed)
}

func TestRunUnknownDocument(t *testing.T) {
	f := newFixture(t, Config{})
	err := f.pipeline.Run(context.Background(), 404)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.True(t, IsPermanent(err))
}

func TestLenientExtractionStoresPlaceholder(t *testing.T) {
	f := newFixture(t, Config{})
	doc := f.ingest(t, memoText, model.ConverterMarkItDown)

	require.NoError(t, f.pipeline.Run(context.Background(), doc.ID))

	full, err := f.store.GetFullText(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.True(t, full.IsPlaceholder())
	assert.Equal(t, "converter crashed", *full.ExtractionError)
	assert.Equal(t, model.PlaceholderText("memo"), full.Text)

	got := f.get(t, doc.ID)
	assert.Equal(t, model.StatusCompleted, got.Status)
	assert.Equal(t, 1, got.NoOfChunks)
}

func TestStrictExtractionFailsStage(t *testing.T) {
	f := newFixture(t, Config{ExtractionPolicy: config.PolicyStrict})
	doc := f.ingest(t, memoText, model.ConverterMarkItDown)

	err := f.pipeline.Run(context.Background(), doc.ID)
	require.Error(t, err)
	assert.False(t, IsPermanent(err))

	got := f.get(t, doc.ID)
	assert.Equal(t, model.StatusTextExtracting, got.Status)
	assert.True(t, got.IsFailed)
	_, err = f.store.GetFullText(context.Background(), doc.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestEmbeddingSkipsChunksThatFail(t *testing.T) {
	f := newFixture(t, Config{ChunkSize: 100, ChunkOverlap: 10})
	f.embedder.EmbedTextsFunc = func(_ context.Context, texts []string) ([][]float32, error) {
		if len(texts) > 1 {
			return nil, errors.New("batch too large")
		}
		if strings.Contains(texts[0], "poison") {
			return nil, errors.New("rejected input")
		}
		return [][]float32{llmtest.Vector(texts[0])}, nil
	}
	text := strings.Join([]string{
		"First paragraph about enrollment schedules for the semester.",
		"Second paragraph containing the poison word for the embedder.",
		"Third paragraph about the charter day celebration program.",
	}, "\n\n")
	doc := f.ingest(t, text, model.ConverterDocling)

	require.NoError(t, f.pipeline.Run(context.Background(), doc.ID))

	got := f.get(t, doc.ID)
	assert.Equal(t, model.StatusCompleted, got.Status)
	assert.Equal(t, 2, got.NoOfChunks)

	entries := f.chunks(t, doc.ID)
	require.Len(t, entries, 2)
	assert.Equal(t, model.ChunkID(doc.ID, 0), entries[0].ID)
	assert.Equal(t, model.ChunkID(doc.ID, 2), entries[1].ID)
}

func TestEmbeddingFailsWhenNothingStored(t *testing.T) {
	f := newFixture(t, Config{})
	f.embedder.EmbedTextsFunc = func(context.Context, []string) ([][]float32, error) {
		return nil, errors.New("embedding service down")
	}
	doc := f.ingest(t, memoText, model.ConverterDocling)

	err := f.pipeline.Run(context.Background(), doc.ID)
	assert.ErrorIs(t, err, ErrNoChunks)

	got := f.get(t, doc.ID)
	assert.Equal(t, model.StatusEmbeddingText, got.Status)
	assert.True(t, got.IsFailed)
	assert.Zero(t, got.NoOfChunks)
	assert.Zero(t, f.summarizer.callCount())
}

func TestSummarizationFailureCommitsNothingAndResumes(t *testing.T) {
	f := newFixture(t, Config{})
	f.summarizer.fn = func(context.Context, string, string) (*summarize.Result, error) {
		return nil, errors.New("model unavailable")
	}
	doc := f.ingest(t, memoText, model.ConverterDocling)
	ctx := context.Background()

	require.Error(t, f.pipeline.Run(ctx, doc.ID))
	got := f.get(t, doc.ID)
	assert.Equal(t, model.StatusGeneratingSummary, got.Status)
	assert.True(t, got.IsFailed)
	assert.Nil(t, got.Title)
	assert.Nil(t, got.Summary)
	assert.Nil(t, got.Year)
	assert.Empty(t, got.Tags)

	f.summarizer.mu.Lock()
	f.summarizer.fn = nil
	f.summarizer.mu.Unlock()
	embeds := f.embedder.CallCount()

	require.NoError(t, f.pipeline.Run(ctx, doc.ID))
	got = f.get(t, doc.ID)
	assert.Equal(t, model.StatusCompleted, got.Status)
	assert.False(t, got.IsFailed)
	require.NotNil(t, got.Title)
	assert.Equal(t, 1, f.converted, "extraction is not repeated")
	assert.Equal(t, embeds, f.embedder.CallCount(), "embedding is not repeated")
}

func TestSummarizationUsesDocumentModel(t *testing.T) {
	f := newFixture(t, Config{DefaultSummaryModel: "llama3.1"})
	var models []string
	f.summarizer.fn = func(_ context.Context, _ string, modelName string) (*summarize.Result, error) {
		models = append(models, modelName)
		return &summarize.Result{Title: "T", Summary: "S", Year: 2020, Tags: []string{"Other"}}, nil
	}

	first := f.ingest(t, memoText, model.ConverterDocling)
	second := f.ingest(t, memoText, model.ConverterDocling)
	second.SummaryModel = "gpt-4o-mini"
	require.NoError(t, f.store.UpdateDocument(context.Background(), second))

	require.NoError(t, f.pipeline.Run(context.Background(), first.ID))
	require.NoError(t, f.pipeline.Run(context.Background(), second.ID))
	assert.Equal(t, []string{"llama3.1", "gpt-4o-mini"}, models)
}

func TestRerunFromPendingReplacesVectors(t *testing.T) {
	f := newFixture(t, Config{})
	doc := f.ingest(t, memoText, model.ConverterDocling)
	ctx := context.Background()
	require.NoError(t, f.pipeline.Run(ctx, doc.ID))
	require.Greater(t, len(f.chunks(t, doc.ID)), 1)

	replacement := "Short replacement memo."
	require.NoError(t, f.files.Save(ctx, doc.FileKey, strings.NewReader(replacement), int64(len(replacement)), "text/plain"))
	current := f.get(t, doc.ID)
	require.NoError(t, f.ledger.Reset(ctx, current, model.StatusPending))

	require.NoError(t, f.pipeline.Run(ctx, doc.ID))

	entries := f.chunks(t, doc.ID)
	require.Len(t, entries, 1)
	assert.Equal(t, replacement, entries[0].Content)
	got := f.get(t, doc.ID)
	assert.Equal(t, model.StatusCompleted, got.Status)
	assert.Equal(t, 1, got.NoOfChunks)
}

func TestStageTimeoutMarksFailure(t *testing.T) {
	f := newFixture(t, Config{SummarizeTimeout: 20 * time.Millisecond})
	f.summarizer.fn = func(ctx context.Context, _ string, _ string) (*summarize.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	doc := f.ingest(t, memoText, model.ConverterDocling)

	err := f.pipeline.Run(context.Background(), doc.ID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, IsPermanent(err))

	got := f.get(t, doc.ID)
	assert.Equal(t, model.StatusGeneratingSummary, got.Status)
	assert.True(t, got.IsFailed)
}

func TestResetDuringSummaryDiscardsLateResult(t *testing.T) {
	f := newFixture(t, Config{})
	doc := f.ingest(t, memoText, model.ConverterDocling)
	ctx := context.Background()
	f.summarizer.fn = func(context.Context, string, string) (*summarize.Result, error) {
		current := f.get(t, doc.ID)
		require.NoError(t, f.ledger.Reset(ctx, current, model.StatusPending))
		return &summarize.Result{Title: "Late", Summary: "S", Year: 2021, Tags: []string{"Other"}}, nil
	}

	err := f.pipeline.Run(ctx, doc.ID)
	require.ErrorIs(t, err, storage.ErrStaleRun)
	assert.True(t, IsPermanent(err))

	got := f.get(t, doc.ID)
	assert.Equal(t, model.StatusPending, got.Status)
	assert.False(t, got.IsFailed)
	assert.Nil(t, got.Title)
	assert.Equal(t, int64(1), got.Generation)
}

func TestResetDuringCancelledRunKeepsReset(t *testing.T) {
	f := newFixture(t, Config{})
	doc := f.ingest(t, memoText, model.ConverterDocling)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.summarizer.fn = func(ctx context.Context, _ string, _ string) (*summarize.Result, error) {
		current := f.get(t, doc.ID)
		require.NoError(t, f.ledger.Reset(context.Background(), current, model.StatusTextExtractionDone))
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	}

	err := f.pipeline.Run(ctx, doc.ID)
	require.ErrorIs(t, err, context.Canceled)
	require.ErrorIs(t, err, storage.ErrStaleRun)
	assert.True(t, IsPermanent(err))

	got := f.get(t, doc.ID)
	assert.Equal(t, model.StatusTextExtractionDone, got.Status)
	assert.False(t, got.IsFailed, "the superseded run must not mark the document failed")

	f.summarizer.mu.Lock()
	f.summarizer.fn = nil
	f.summarizer.mu.Unlock()
	require.NoError(t, f.pipeline.Run(context.Background(), doc.ID))
	assert.Equal(t, model.StatusCompleted, f.get(t, doc.ID).Status)
}

func TestRunGenerationSkipsSupersededTask(t *testing.T) {
	f := newFixture(t, Config{})
	doc := f.ingest(t, memoText, model.ConverterDocling)
	ctx := context.Background()
	require.NoError(t, f.ledger.Reset(ctx, doc, model.StatusPending))

	err := f.pipeline.RunGeneration(ctx, doc.ID, 0)
	assert.ErrorIs(t, err, storage.ErrStaleRun)
	assert.True(t, IsPermanent(err))
	assert.Zero(t, f.converted)
	assert.Equal(t, model.StatusPending, f.get(t, doc.ID).Status)

	require.NoError(t, f.pipeline.RunGeneration(ctx, doc.ID, doc.Generation))
	assert.Equal(t, model.StatusCompleted, f.get(t, doc.ID).Status)
}

func TestFinalizeWithoutChunksFails(t *testing.T) {
	f := newFixture(t, Config{})
	doc := f.ingest(t, memoText, model.ConverterDocling)
	ctx := context.Background()
	require.NoError(t, f.ledger.Reset(ctx, doc, model.StatusSummaryGenerationDone))

	err := f.pipeline.Run(ctx, doc.ID)
	assert.ErrorIs(t, err, ErrNoChunks)

	got := f.get(t, doc.ID)
	assert.Equal(t, model.StatusSummaryGenerationDone, got.Status)
	assert.True(t, got.IsFailed)
}

func TestStagesRemaining(t *testing.T) {
	all := []Stage{StageExtract, StageEmbed, StageSummarize, StageFinalize}
	tests := map[model.Status][]Stage{
		model.StatusPending:               all,
		model.StatusProcessing:            all,
		model.StatusTextExtracting:        all,
		model.StatusTextExtractionDone:    all[1:],
		model.StatusEmbeddingText:         all[1:],
		model.StatusTextEmbeddingDone:     all[2:],
		model.StatusGeneratingSummary:     all[2:],
		model.StatusSummaryGenerationDone: all[3:],
	}
	for status, want := range tests {
		assert.Equal(t, want, StagesRemaining(status), string(status))
	}
	assert.Empty(t, StagesRemaining(model.StatusCompleted))
	assert.Empty(t, StagesRemaining(model.Status("bogus")))

	got := StagesRemaining(model.StatusPending)
	got[0] = StageFinalize
	assert.Equal(t, StageExtract, StagesRemaining(model.StatusPending)[0], "returned slices are copies")
}

func TestIsPermanent(t *testing.T) {
	assert.False(t, IsPermanent(nil))
	assert.False(t, IsPermanent(errors.New("connection reset")))
	assert.False(t, IsPermanent(fmt.Errorf("wrapped: %w", context.Canceled)))
	assert.True(t, IsPermanent(Permanent(errors.New("bad input"))))
	assert.True(t, IsPermanent(fmt.Errorf("stage: %w", summarize.ErrInvalidYear)))
	assert.True(t, IsPermanent(fmt.Errorf("stage: %w", summarize.ErrSummaryTooLarge)))
	assert.True(t, IsPermanent(errors.Join(context.Canceled, storage.ErrStaleRun)))
	assert.Nil(t, Permanent(nil))
}
