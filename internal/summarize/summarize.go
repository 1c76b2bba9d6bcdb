// Package summarize produces a document's title, summary, year and tags with
// a map-reduce over large text chunks.
package summarize

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/panjf2000/ants/v2"

	"github.com/dharsanguruparan/inteldocs/internal/chunking"
	"github.com/dharsanguruparan/inteldocs/internal/llm"
	"github.com/dharsanguruparan/inteldocs/internal/logger"
	"github.com/dharsanguruparan/inteldocs/internal/storage"
)

var (
	// ErrSummaryTooLarge means a single summary exceeds the token budget on
	// its own and cannot be packed into any batch.
	ErrSummaryTooLarge = errors.New("summary exceeds token budget")
	// ErrCollapseDiverged means collapsing did not get under budget within
	// the configured number of rounds.
	ErrCollapseDiverged = errors.New("summary collapse did not converge")
	// ErrInvalidYear is returned when the extracted year is not four digits.
	ErrInvalidYear = errors.New("invalid publication year")
	// ErrEmptyDocument is returned when there is no text to summarize.
	ErrEmptyDocument = errors.New("nothing to summarize")
)

// TokenCounter measures text in model tokens.
type TokenCounter func(text string) int

// Config tunes the summarizer.
type Config struct {
	ChunkSize         int
	ChunkOverlap      int
	TokenMax          int
	MaxCollapseRounds int
	MapConcurrency    int
	CountTokens       TokenCounter
	// ExcludedTitlePhrases are institutional names kept out of titles.
	ExcludedTitlePhrases []string
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		ChunkSize:         2000,
		ChunkOverlap:      200,
		TokenMax:          5000,
		MaxCollapseRounds: 8,
		MapConcurrency:    8,
		CountTokens:       llm.CountTokens,
		ExcludedTitlePhrases: []string{
			"Republic of the Philippines",
			"Mindanao State University",
			"Iligan Institute of Technology",
			"MSU-IIT",
			"MSU",
			"IIT",
		},
	}
}

// Result is the metadata written back to a document.
type Result struct {
	Title   string
	Summary string
	Year    int
	Tags    []string
}

// Notes is the administrative metadata pulled from one chunk.
type Notes struct {
	OrderType       string   `json:"order_type"`
	OrderNumber     string   `json:"order_number"`
	SeriesYear      string   `json:"series_year"`
	RelevantDates   []string `json:"relevant_dates"`
	InvolvedParties []string `json:"involved_parties"`
	OtherNotes      []string `json:"other_notes"`
}

// PartialSummary is the map output for one chunk.
type PartialSummary struct {
	Heading string   `json:"heading"`
	Notes   Notes    `json:"notes"`
	Summary []string `json:"summary"`
}

// Markdown renders the partial summary for the reduce step.
func (p PartialSummary) Markdown() string {
	var b strings.Builder
	if h := strings.TrimSpace(p.Heading); h != "" {
		b.WriteString("# " + h + "\n\n")
	}
	notes := [][2]string{
		{"Order Type", p.Notes.OrderType},
		{"Order Number", p.Notes.OrderNumber},
		{"Series/Year", p.Notes.SeriesYear},
		{"Relevant Date(s)", strings.Join(p.Notes.RelevantDates, "; ")},
		{"Involved Parties", strings.Join(p.Notes.InvolvedParties, "; ")},
		{"Other Notes", strings.Join(p.Notes.OtherNotes, "; ")},
	}
	wroteNotes := false
	for _, n := range notes {
		if strings.TrimSpace(n[1]) == "" {
			continue
		}
		if !wroteNotes {
			b.WriteString("## Important Notes\n")
			wroteNotes = true
		}
		fmt.Fprintf(&b, "- **%s**: %s\n", n[0], strings.TrimSpace(n[1]))
	}
	if wroteNotes {
		b.WriteString("\n")
	}
	writeBullets(&b, p.Summary)
	return strings.TrimSpace(b.String())
}

type synthesis struct {
	Headline string   `json:"headline"`
	Summary  []string `json:"summary"`
}

func (s synthesis) markdown() string {
	var b strings.Builder
	if h := strings.TrimSpace(s.Headline); h != "" {
		b.WriteString("# " + h + "\n\n")
	}
	writeBullets(&b, s.Summary)
	return strings.TrimSpace(b.String())
}

func writeBullets(b *strings.Builder, bullets []string) {
	b.WriteString("## Summary\n")
	for _, s := range bullets {
		if s = strings.TrimSpace(s); s != "" {
			b.WriteString("- " + strings.TrimPrefix(s, "- ") + "\n")
		}
	}
}

// Summarizer runs the map-reduce workflow. It is safe for concurrent use;
// all runs share one bounded worker pool.
type Summarizer struct {
	cfg       Config
	completer llm.Completer
	tags      storage.TagStore
	splitter  *chunking.Splitter
	pool      *ants.Pool
	titles    *titleCleaner
	log       *logger.Logger
}

// New builds a Summarizer. Call Close to release its pool.
func New(completer llm.Completer, tags storage.TagStore, cfg Config, log *logger.Logger) (*Summarizer, error) {
	def := DefaultConfig()
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = def.ChunkSize
	}
	if cfg.ChunkOverlap < 0 {
		cfg.ChunkOverlap = def.ChunkOverlap
	}
	if cfg.TokenMax <= 0 {
		cfg.TokenMax = def.TokenMax
	}
	if cfg.MaxCollapseRounds <= 0 {
		cfg.MaxCollapseRounds = def.MaxCollapseRounds
	}
	if cfg.MapConcurrency <= 0 {
		cfg.MapConcurrency = def.MapConcurrency
	}
	if cfg.CountTokens == nil {
		cfg.CountTokens = def.CountTokens
	}
	if cfg.ExcludedTitlePhrases == nil {
		cfg.ExcludedTitlePhrases = def.ExcludedTitlePhrases
	}

	splitter, err := chunking.NewSplitter(cfg.ChunkSize, cfg.ChunkOverlap, chunking.SummarySeparators)
	if err != nil {
		return nil, fmt.Errorf("summary splitter: %w", err)
	}
	pool, err := ants.NewPool(cfg.MapConcurrency)
	if err != nil {
		return nil, fmt.Errorf("summary pool: %w", err)
	}
	return &Summarizer{
		cfg:       cfg,
		completer: completer,
		tags:      tags,
		splitter:  splitter,
		pool:      pool,
		titles:    newTitleCleaner(cfg.ExcludedTitlePhrases),
		log:       log.With("component", "summarizer"),
	}, nil
}

// Close releases the worker pool.
func (s *Summarizer) Close() {
	s.pool.Release()
}

// Run summarizes text with the named model. Nothing is returned unless every
// step succeeded.
func (s *Summarizer) Run(ctx context.Context, text, modelName string) (*Result, error) {
	chunks, err := s.splitter.Split(text)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, ErrEmptyDocument
	}

	partials, err := s.mapChunks(ctx, chunks, modelName)
	if err != nil {
		return nil, err
	}
	s.log.Debug("map step finished", "chunks", len(chunks))

	collapsed, err := s.collapse(ctx, partials, modelName)
	if err != nil {
		return nil, err
	}
	final, err := s.reduce(ctx, collapsed, modelName)
	if err != nil {
		return nil, fmt.Errorf("final reduce: %w", err)
	}

	res, err := s.postProcess(ctx, final, modelName)
	if err != nil {
		return nil, err
	}
	res.Summary = final.markdown()
	s.log.Info("summary generated", "chunks", len(chunks), "title", res.Title, "year", res.Year, "tags", res.Tags)
	return res, nil
}

// mapChunks summarizes every chunk on the pool and returns the rendered
// partial summaries in chunk order.
func (s *Summarizer) mapChunks(ctx context.Context, chunks []string, modelName string) ([]string, error) {
	out := make([]string, len(chunks))
	err := s.fanOut(ctx, len(chunks), func(ctx context.Context, i int) error {
		var partial PartialSummary
		req := llm.Request{Model: modelName, System: mapSystemPrompt, Prompt: documentPrompt(chunks[i])}
		if err := llm.CompleteJSON(ctx, s.completer, req, mapSchema, &partial); err != nil {
			return fmt.Errorf("summarize chunk %d: %w", i, err)
		}
		out[i] = partial.Markdown()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Summarizer) reduce(ctx context.Context, items []string, modelName string) (synthesis, error) {
	var out synthesis
	req := llm.Request{Model: modelName, System: reduceSystemPrompt, Prompt: summariesPrompt(items)}
	if err := llm.CompleteJSON(ctx, s.completer, req, reduceSchema, &out); err != nil {
		return synthesis{}, err
	}
	return out, nil
}

// fanOut runs fn for 0..n-1 on the pool and waits for all of them. The first
// failure cancels the rest; errors are reported in index order.
func (s *Summarizer) fanOut(ctx context.Context, n int, fn func(ctx context.Context, i int) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		submitErr := s.pool.Submit(func() {
			defer wg.Done()
			if err := ctx.Err(); err != nil {
				errs[i] = err
				return
			}
			if err := fn(ctx, i); err != nil {
				errs[i] = err
				cancel()
			}
		})
		if submitErr != nil {
			wg.Done()
			errs[i] = fmt.Errorf("submit task %d: %w", i, submitErr)
			cancel()
		}
	}
	wg.Wait()

	var firstCancel error
	for _, err := range errs {
		if err == nil {
			continue
		}
		if errors.Is(err, context.Canceled) && firstCancel == nil {
			firstCancel = err
			continue
		}
		if !errors.Is(err, context.Canceled) {
			return err
		}
	}
	return firstCancel
}
