// Package pipeline drives a document through extraction, embedding and
// summarization. Every run starts from the status recorded in the ledger, so
// a crashed or failed run can be resumed by calling Run again.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dharsanguruparan/inteldocs/internal/chunking"
	"github.com/dharsanguruparan/inteldocs/internal/config"
	"github.com/dharsanguruparan/inteldocs/internal/convert"
	"github.com/dharsanguruparan/inteldocs/internal/filestore"
	"github.com/dharsanguruparan/inteldocs/internal/ledger"
	"github.com/dharsanguruparan/inteldocs/internal/logger"
	"github.com/dharsanguruparan/inteldocs/internal/model"
	"github.com/dharsanguruparan/inteldocs/internal/storage"
	"github.com/dharsanguruparan/inteldocs/internal/summarize"
	"github.com/dharsanguruparan/inteldocs/internal/vectorstore"
)

// Summarizer generates document metadata from text.
type Summarizer interface {
	Run(ctx context.Context, text, modelName string) (*summarize.Result, error)
}

// Config holds per-deployment pipeline settings.
type Config struct {
	// ExtractionPolicy is config.PolicyLenient (store placeholder text when
	// conversion fails) or config.PolicyStrict (fail the stage).
	ExtractionPolicy     string
	ArchiveProcessedText bool
	DefaultConverter     model.Converter
	DefaultSummaryModel  string
	ChunkSize            int
	ChunkOverlap         int
	// Zero disables the timeout for that stage.
	ExtractTimeout   time.Duration
	EmbedTimeout     time.Duration
	SummarizeTimeout time.Duration
}

// ConfigFrom maps application configuration onto pipeline settings.
func ConfigFrom(c *config.Config) Config {
	return Config{
		ExtractionPolicy:     c.ExtractionPolicy,
		ArchiveProcessedText: c.ArchiveProcessedText,
		DefaultConverter:     model.Converter(c.DefaultConverter),
		DefaultSummaryModel:  c.DefaultSummaryModel,
		ChunkSize:            c.ChunkSize,
		ChunkOverlap:         c.ChunkOverlap,
		ExtractTimeout:       c.ExtractTimeout,
		EmbedTimeout:         c.EmbedTimeout,
		SummarizeTimeout:     c.SummarizeTimeout,
	}
}

// Deps are the collaborators a Pipeline needs. All are required.
type Deps struct {
	Documents  storage.DocumentStore
	Ledger     *ledger.Ledger
	Files      filestore.Store
	Converters *convert.Registry
	Index      *vectorstore.Index
	Summarizer Summarizer
	Log        *logger.Logger
}

// Pipeline runs the processing stages for one document at a time. It holds
// no per-document state and is safe for concurrent use.
type Pipeline struct {
	Deps
	cfg      Config
	splitter *chunking.Splitter
	log      *logger.Logger
}

// New validates deps and builds a Pipeline.
func New(deps Deps, cfg Config) (*Pipeline, error) {
	switch {
	case deps.Documents == nil:
		return nil, errors.New("pipeline: document store is required")
	case deps.Ledger == nil:
		return nil, errors.New("pipeline: ledger is required")
	case deps.Files == nil:
		return nil, errors.New("pipeline: file store is required")
	case deps.Converters == nil:
		return nil, errors.New("pipeline: converter registry is required")
	case deps.Index == nil:
		return nil, errors.New("pipeline: vector index is required")
	case deps.Summarizer == nil:
		return nil, errors.New("pipeline: summarizer is required")
	case deps.Log == nil:
		return nil, errors.New("pipeline: logger is required")
	}
	if cfg.ExtractionPolicy == "" {
		cfg.ExtractionPolicy = config.PolicyLenient
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = 1000
	}
	if cfg.ChunkOverlap == 0 {
		cfg.ChunkOverlap = 200
	}
	splitter, err := chunking.NewSplitter(cfg.ChunkSize, cfg.ChunkOverlap, chunking.RetrievalSeparators)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	return &Pipeline{
		Deps:     deps,
		cfg:      cfg,
		splitter: splitter,
		log:      deps.Log.With("component", "pipeline"),
	}, nil
}

// anyGeneration lets Run adopt whatever generation the document is at.
const anyGeneration = -1

// Run processes the document from wherever its status says it stopped. A
// completed document is left untouched. When a stage fails the document is
// marked failed at its last recorded status and the error is returned.
func (p *Pipeline) Run(ctx context.Context, docID int64) error {
	return p.RunGeneration(ctx, docID, anyGeneration)
}

// RunGeneration is Run for a task scheduled at the given generation. When
// the document was reset since, nothing is written and a permanent
// storage.ErrStaleRun is returned.
func (p *Pipeline) RunGeneration(ctx context.Context, docID, generation int64) error {
	doc, err := p.Documents.GetDocument(ctx, docID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Permanent(fmt.Errorf("load document %d: %w", docID, err))
		}
		return fmt.Errorf("load document %d: %w", docID, err)
	}
	if generation != anyGeneration && doc.Generation != generation {
		p.log.Info("skipping superseded task", "document_id", docID, "task_generation", generation, "generation", doc.Generation)
		return Permanent(fmt.Errorf("document %d at generation %d, task for %d: %w", docID, doc.Generation, generation, storage.ErrStaleRun))
	}

	stages := StagesRemaining(doc.Status)
	if len(stages) == 0 {
		p.log.Info("document already processed", "document_id", docID, "status", doc.Status)
		return nil
	}
	p.log.Info("processing document", "document_id", docID, "status", doc.Status, "failed", doc.IsFailed, "stages", len(stages))

	for _, stage := range stages {
		start := time.Now()
		if err := p.runStage(ctx, doc, stage); err != nil {
			if errors.Is(err, storage.ErrStaleRun) {
				p.log.Info("run superseded by a reset", "document_id", docID, "stage", stage.String(), "generation", doc.Generation)
				return Permanent(fmt.Errorf("document %d %s stage: %w", docID, stage, err))
			}
			if stale := p.markFailed(ctx, doc, stage, err); stale != nil {
				return Permanent(fmt.Errorf("document %d %s stage: %w", docID, stage, errors.Join(err, stale)))
			}
			return fmt.Errorf("document %d %s stage: %w", docID, stage, err)
		}
		p.log.Debug("stage finished", "document_id", docID, "stage", stage.String(), "elapsed", time.Since(start))
	}
	p.log.Info("document processed", "document_id", docID, "status", doc.Status, "chunks", doc.NoOfChunks)
	return nil
}

func (p *Pipeline) runStage(ctx context.Context, doc *model.Document, stage Stage) error {
	timeout := p.timeout(stage)
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	switch stage {
	case StageExtract:
		return p.extract(ctx, doc)
	case StageEmbed:
		return p.embed(ctx, doc)
	case StageSummarize:
		return p.generateSummary(ctx, doc)
	case StageFinalize:
		return p.finalize(ctx, doc)
	}
	return fmt.Errorf("unknown stage %d", stage)
}

func (p *Pipeline) timeout(stage Stage) time.Duration {
	switch stage {
	case StageExtract:
		return p.cfg.ExtractTimeout
	case StageEmbed:
		return p.cfg.EmbedTimeout
	case StageSummarize:
		return p.cfg.SummarizeTimeout
	}
	return 0
}

// markFailed records the failure unless the stage already did. It runs on a
// context detached from cancellation so a timed out stage is still recorded.
// The returned error is non-nil only when a reset superseded this run, in
// which case nothing was written.
func (p *Pipeline) markFailed(ctx context.Context, doc *model.Document, stage Stage, cause error) error {
	if doc.IsFailed {
		p.log.Error("stage failed", "document_id", doc.ID, "stage", stage.String(), "status", doc.Status, "permanent", IsPermanent(cause), "error", cause)
		return nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	err := p.Ledger.Fail(ctx, doc)
	switch {
	case errors.Is(err, storage.ErrStaleRun):
		p.log.Info("run superseded by a reset, failure not recorded", "document_id", doc.ID, "stage", stage.String(), "cause", cause)
		return err
	case err != nil:
		p.log.Error("could not record failure", "document_id", doc.ID, "error", err)
	}
	p.log.Error("stage failed", "document_id", doc.ID, "stage", stage.String(), "status", doc.Status, "permanent", IsPermanent(cause), "error", cause)
	return nil
}

// ensureCurrent fails with storage.ErrStaleRun when the document was reset
// after this run loaded it. Used before writes the store cannot guard.
func (p *Pipeline) ensureCurrent(ctx context.Context, doc *model.Document) error {
	cur, err := p.Documents.GetDocument(ctx, doc.ID)
	if err != nil {
		return fmt.Errorf("reload document: %w", err)
	}
	if cur.Generation != doc.Generation {
		return fmt.Errorf("document %d at generation %d, run started at %d: %w", doc.ID, cur.Generation, doc.Generation, storage.ErrStaleRun)
	}
	return nil
}

// loadText returns the stored full text, or placeholder text when none was
// ever saved.
func (p *Pipeline) loadText(ctx context.Context, doc *model.Document) (string, error) {
	full, err := p.Documents.GetFullText(ctx, doc.ID)
	if errors.Is(err, storage.ErrNotFound) {
		p.log.Warn("no extracted text, using placeholder", "document_id", doc.ID)
		return model.PlaceholderText(doc.BaseName()), nil
	}
	if err != nil {
		return "", fmt.Errorf("load full text: %w", err)
	}
	return full.Text, nil
}

func (p *Pipeline) finalize(ctx context.Context, doc *model.Document) error {
	if doc.NoOfChunks <= 0 {
		if err := p.Ledger.Advance(ctx, doc, model.StatusSummaryGenerationDone, true); err != nil {
			return err
		}
		return Permanent(ErrNoChunks)
	}
	return p.Ledger.Advance(ctx, doc, model.StatusCompleted, false)
}
