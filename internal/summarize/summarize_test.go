package summarize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dharsanguruparan/inteldocs/internal/llm"
	"github.com/dharsanguruparan/inteldocs/internal/llm/llmtest"
	"github.com/dharsanguruparan/inteldocs/internal/logger"
	"github.com/dharsanguruparan/inteldocs/internal/model"
	"github.com/dharsanguruparan/inteldocs/internal/storage"
)

type responder struct {
	partial  PartialSummary
	merged   synthesis
	title    string
	year     string
	tags     []string
	mapError error
}

func defaultResponder() *responder {
	return &responder{
		partial: PartialSummary{
			Heading: "Memo",
			Notes:   Notes{OrderType: "Memorandum"},
			Summary: []string{"Requires all staff to file travel reports on time"},
		},
		merged: synthesis{Headline: "Merged", Summary: []string{"Directs travel"}},
		title:  "MSU-IIT Memorandum Order No. 5: Travel Guidelines",
		year:   "2023",
		tags:   []string{"travel order", "Unknown", "Other"},
	}
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return string(data)
}

func (r *responder) completer(t *testing.T) *llmtest.Completer {
	return &llmtest.Completer{CompleteFunc: func(_ context.Context, req llm.Request) (string, error) {
		switch {
		case strings.HasPrefix(req.System, mapSystemPrompt):
			if r.mapError != nil {
				return "", r.mapError
			}
			return mustJSON(t, r.partial), nil
		case strings.HasPrefix(req.System, reduceSystemPrompt):
			return mustJSON(t, r.merged), nil
		case strings.HasPrefix(req.System, "You produce the title"):
			return mustJSON(t, map[string]string{"title": r.title}), nil
		case strings.HasPrefix(req.System, yearSystemPrompt):
			return `{"year": ` + r.year + `}`, nil
		case strings.HasPrefix(req.System, "You classify"):
			return mustJSON(t, map[string][]string{"tags": r.tags}), nil
		}
		return "", fmt.Errorf("unexpected prompt: %.40s", req.System)
	}}
}

func newTestSummarizer(t *testing.T, c llm.Completer, cfg Config) *Summarizer {
	t.Helper()
	store := storage.NewMemoryStore()
	tags, err := storage.DefaultTags()
	require.NoError(t, err)
	require.NoError(t, store.UpsertTags(context.Background(), tags))

	if cfg.CountTokens == nil {
		cfg.CountTokens = llmtest.WordCount
	}
	s, err := New(c, store, cfg, logger.Nop())
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func longText(paragraphs int) string {
	parts := make([]string, paragraphs)
	for i := range parts {
		parts[i] = fmt.Sprintf("Section %d. ", i) + strings.Repeat("The office directs staff to submit travel reports. ", 30)
	}
	return strings.Join(parts, "\n\n")
}

func TestRunProducesMetadata(t *testing.T) {
	r := defaultResponder()
	c := r.completer(t)
	s := newTestSummarizer(t, c, Config{TokenMax: 30})
	text := longText(5)

	res, err := s.Run(context.Background(), text, "gpt-4o-mini")
	require.NoError(t, err)

	assert.Equal(t, "Memorandum Order No. 5: Travel Guidelines", res.Title)
	assert.Equal(t, 2023, res.Year)
	assert.Equal(t, []string{"Travel Order"}, res.Tags)
	assert.Equal(t, "# Merged\n\n## Summary\n- Directs travel", res.Summary)

	chunks, err := s.splitter.Split(text)
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1)

	mapCalls := 0
	for _, req := range c.Requests() {
		assert.Equal(t, "gpt-4o-mini", req.Model)
		assert.True(t, req.JSON)
		if strings.HasPrefix(req.System, mapSystemPrompt) {
			mapCalls++
		}
	}
	assert.Equal(t, len(chunks), mapCalls)
}

func TestRunRejectsEmptyText(t *testing.T) {
	s := newTestSummarizer(t, defaultResponder().completer(t), Config{})
	_, err := s.Run(context.Background(), "  \n ", "")
	assert.ErrorIs(t, err, ErrEmptyDocument)
}

func TestRunIsAllOrNothing(t *testing.T) {
	r := defaultResponder()
	r.year = "23"
	s := newTestSummarizer(t, r.completer(t), Config{})

	res, err := s.Run(context.Background(), longText(2), "")
	assert.ErrorIs(t, err, ErrInvalidYear)
	assert.Nil(t, res)

	r = defaultResponder()
	r.mapError = errors.New("rate limited")
	s = newTestSummarizer(t, r.completer(t), Config{})
	res, err = s.Run(context.Background(), longText(3), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")
	assert.Nil(t, res)
}

func TestMapRunsChunksConcurrentlyWithinLimit(t *testing.T) {
	const limit = 3
	r := defaultResponder()
	base := r.completer(t)

	var (
		inFlight, peak, mapsDone atomic.Int32
		doneAtFirstOther         atomic.Int32
		overlapOnce              sync.Once
	)
	doneAtFirstOther.Store(-1)
	overlapped := make(chan struct{})

	c := &llmtest.Completer{CompleteFunc: func(ctx context.Context, req llm.Request) (string, error) {
		if !strings.HasPrefix(req.System, mapSystemPrompt) {
			doneAtFirstOther.CompareAndSwap(-1, mapsDone.Load())
			return base.CompleteFunc(ctx, req)
		}
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		if n >= 2 {
			overlapOnce.Do(func() { close(overlapped) })
		}
		select {
		case <-overlapped:
		case <-time.After(5 * time.Second):
			inFlight.Add(-1)
			return "", errors.New("map calls never overlapped")
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		mapsDone.Add(1)
		return base.CompleteFunc(ctx, req)
	}}
	s := newTestSummarizer(t, c, Config{MapConcurrency: limit})
	text := longText(8)
	chunks, err := s.splitter.Split(text)
	require.NoError(t, err)
	require.Greater(t, len(chunks), limit)

	_, err = s.Run(context.Background(), text, "")
	require.NoError(t, err)

	assert.GreaterOrEqual(t, peak.Load(), int32(2))
	assert.LessOrEqual(t, peak.Load(), int32(limit))
	assert.Equal(t, int32(len(chunks)), mapsDone.Load())
	assert.Equal(t, int32(len(chunks)), doneAtFirstOther.Load(), "every chunk is summarized before the partials are combined")
}

func TestMapFailureCancelsOtherChunks(t *testing.T) {
	r := defaultResponder()
	base := r.completer(t)
	boom := errors.New("context window exceeded")
	text := longText(6)

	var (
		entered, cancelled atomic.Int32
		failingPrompt      string
	)
	c := &llmtest.Completer{CompleteFunc: func(ctx context.Context, req llm.Request) (string, error) {
		if !strings.HasPrefix(req.System, mapSystemPrompt) {
			return base.CompleteFunc(ctx, req)
		}
		n := entered.Add(1)
		if req.Prompt == failingPrompt {
			// fail once a sibling is in flight
			deadline := time.After(5 * time.Second)
			for n < 2 {
				select {
				case <-deadline:
					return "", boom
				case <-time.After(time.Millisecond):
				}
				n = entered.Load()
			}
			return "", boom
		}
		select {
		case <-ctx.Done():
			cancelled.Add(1)
			return "", ctx.Err()
		case <-time.After(5 * time.Second):
			return "", errors.New("sibling was not cancelled")
		}
	}}
	s := newTestSummarizer(t, c, Config{MapConcurrency: 16})
	chunks, err := s.splitter.Split(text)
	require.NoError(t, err)
	require.Greater(t, len(chunks), 2)
	failingPrompt = documentPrompt(chunks[2])

	res, err := s.Run(context.Background(), text, "")
	require.Error(t, err)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "summarize chunk 2")
	assert.NotErrorIs(t, err, context.Canceled)
	assert.Equal(t, entered.Load()-1, cancelled.Load(), "every sibling in flight observes cancellation")

	for _, req := range c.Requests() {
		assert.True(t, strings.HasPrefix(req.System, mapSystemPrompt), "nothing runs after a failed map step")
	}
}

func TestRunFailsOnOversizedPartial(t *testing.T) {
	r := defaultResponder()
	r.partial.Summary = []string{strings.Repeat("word ", 50)}
	s := newTestSummarizer(t, r.completer(t), Config{TokenMax: 20})

	_, err := s.Run(context.Background(), longText(3), "")
	assert.ErrorIs(t, err, ErrSummaryTooLarge)
}

func TestCollapseStaysWithinBudget(t *testing.T) {
	s := newTestSummarizer(t, defaultResponder().completer(t), Config{TokenMax: 30})
	item := "one two three four five six seven eight nine ten eleven twelve"

	for _, n := range []int{0, 1, 2, 3, 7, 20} {
		items := make([]string, n)
		for i := range items {
			items[i] = item
		}
		out, err := s.collapse(context.Background(), items, "")
		require.NoError(t, err, "n=%d", n)
		assert.LessOrEqual(t, s.totalTokens(out), 30, "n=%d", n)
		if s.totalTokens(items) <= 30 {
			assert.Equal(t, items, out, "under budget input is left alone")
		}
	}
}

func TestCollapseGivesUpWhenReductionDoesNotShrink(t *testing.T) {
	r := defaultResponder()
	r.merged = synthesis{Headline: "Merged", Summary: []string{strings.Repeat("long ", 20)}}
	s := newTestSummarizer(t, r.completer(t), Config{TokenMax: 30, MaxCollapseRounds: 2})

	items := []string{strings.Repeat("x ", 25), strings.Repeat("y ", 25)}
	_, err := s.collapse(context.Background(), items, "")
	assert.ErrorIs(t, err, ErrCollapseDiverged)
}

func TestPackBatches(t *testing.T) {
	items := []string{"a b c", "d e", "f g h i", "j"}
	batches, err := packBatches(items, 5, llmtest.WordCount)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"a b c", "d e"}, {"f g h i", "j"}}, batches)

	_, err = packBatches([]string{"a", "b c d e f g"}, 5, llmtest.WordCount)
	assert.ErrorIs(t, err, ErrSummaryTooLarge)
}

func TestFilterTags(t *testing.T) {
	vocab := []model.Tag{{Name: "Policy"}, {Name: "Travel Order"}, {Name: model.OtherTag}}

	tests := []struct {
		name     string
		proposed []string
		want     []string
	}{
		{"nothing recognizable", []string{"Weather", "Sports"}, []string{"Other"}},
		{"empty", nil, []string{"Other"}},
		{"other alone", []string{"other"}, []string{"Other"}},
		{"other dropped next to real tags", []string{"Other", "policy"}, []string{"Policy"}},
		{"canonical spelling and dedupe", []string{" travel order", "Travel Order", "Policy"}, []string{"Policy", "Travel Order"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, filterTags(tt.proposed, vocab))
		})
	}
}

func TestTitleCleaner(t *testing.T) {
	c := newTitleCleaner(DefaultConfig().ExcludedTitlePhrases)

	tests := map[string]string{
		"MSU-IIT Memorandum Order No. 12":                                                 "Memorandum Order No. 12",
		"Mindanao State University - Iligan Institute of Technology: Enrollment Guidelines": "Enrollment Guidelines",
		"Office of the Chancellor: Class Suspension on June 3":                            "Class Suspension on June 3",
		"Republic of the Philippines Travel Order for Faculty":                            "Travel Order for Faculty",
		"Commission on Audit Findings":                                                    "Commission on Audit Findings",
		"Guidelines (IIT)":                                                                "Guidelines",
	}
	for in, want := range tests {
		assert.Equal(t, want, c.clean(in), in)
	}
}

func TestPartialSummaryMarkdown(t *testing.T) {
	p := PartialSummary{
		Heading: "Travel Order No. 4",
		Notes:   Notes{OrderType: "Travel Order", RelevantDates: []string{"May 2", "May 4"}},
		Summary: []string{"Authorizes travel to Manila", " "},
	}
	want := "# Travel Order No. 4\n\n" +
		"## Important Notes\n" +
		"- **Order Type**: Travel Order\n" +
		"- **Relevant Date(s)**: May 2; May 4\n\n" +
		"## Summary\n" +
		"- Authorizes travel to Manila"
	assert.Equal(t, want, p.Markdown())
}
