// Package app builds the shared object graph used by the worker and the CLI
// from a Config: database, file storage, vector index, model provider,
// converters, summarizer and pipeline.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dharsanguruparan/inteldocs/internal/config"
	"github.com/dharsanguruparan/inteldocs/internal/convert"
	"github.com/dharsanguruparan/inteldocs/internal/database"
	"github.com/dharsanguruparan/inteldocs/internal/documents"
	"github.com/dharsanguruparan/inteldocs/internal/filestore"
	"github.com/dharsanguruparan/inteldocs/internal/ledger"
	"github.com/dharsanguruparan/inteldocs/internal/llm"
	"github.com/dharsanguruparan/inteldocs/internal/logger"
	"github.com/dharsanguruparan/inteldocs/internal/model"
	"github.com/dharsanguruparan/inteldocs/internal/pipeline"
	"github.com/dharsanguruparan/inteldocs/internal/repository"
	"github.com/dharsanguruparan/inteldocs/internal/s3storage"
	"github.com/dharsanguruparan/inteldocs/internal/storage"
	"github.com/dharsanguruparan/inteldocs/internal/summarize"
	"github.com/dharsanguruparan/inteldocs/internal/vectorstore"
)

// App holds long-lived dependencies. Close releases them in reverse order.
type App struct {
	Config     *config.Config
	Log        *logger.Logger
	Pool       *pgxpool.Pool
	Documents  *repository.DocumentRepository
	Tags       *repository.TagRepository
	Ledger     *ledger.Ledger
	Files      filestore.Store
	Vectors    vectorstore.Store
	Index      *vectorstore.Index
	Converters *convert.Registry
	Summarizer *summarize.Summarizer
	Pipeline   *pipeline.Pipeline

	closers []func() error
}

// Build connects to every backend named in cfg.
func Build(ctx context.Context, cfg *config.Config, log *logger.Logger) (*App, error) {
	a := &App{Config: cfg, Log: log}
	if err := a.build(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.Config

	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	a.Pool = pool
	a.closers = append(a.closers, func() error { pool.Close(); return nil })
	if err := database.EnsureSchema(ctx, pool); err != nil {
		return err
	}
	a.Documents = repository.NewDocumentRepository(pool)
	a.Tags = repository.NewTagRepository(pool)
	a.Ledger = ledger.New(a.Documents, a.Log)

	if a.Files, err = a.openFiles(ctx); err != nil {
		return err
	}
	if a.Vectors, err = a.openVectors(ctx); err != nil {
		return err
	}
	a.closers = append(a.closers, a.Vectors.Close)

	provider, err := llm.NewProvider(llm.Config{
		Backend:        cfg.LLMBackend,
		BaseURL:        cfg.LLMBaseURL,
		Token:          cfg.LLMToken,
		ChatModel:      cfg.DefaultSummaryModel,
		EmbeddingModel: cfg.EmbeddingModel,
	}, a.Log)
	if err != nil {
		return err
	}
	a.Index = vectorstore.NewIndex(a.Vectors, provider)

	if a.Converters, err = a.converters(ctx); err != nil {
		return err
	}

	scfg := summarize.DefaultConfig()
	scfg.ChunkSize = cfg.SummaryChunkSize
	scfg.ChunkOverlap = cfg.SummaryChunkOverlap
	scfg.TokenMax = cfg.TokenMax
	scfg.MapConcurrency = cfg.MapConcurrency
	a.Summarizer, err = summarize.New(provider, a.Tags, scfg, a.Log)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() error { a.Summarizer.Close(); return nil })

	a.Pipeline, err = pipeline.New(pipeline.Deps{
		Documents:  a.Documents,
		Ledger:     a.Ledger,
		Files:      a.Files,
		Converters: a.Converters,
		Index:      a.Index,
		Summarizer: a.Summarizer,
		Log:        a.Log,
	}, pipeline.ConfigFrom(cfg))
	return err
}

func (a *App) openFiles(ctx context.Context) (filestore.Store, error) {
	if a.Config.SourceBackend == "local" {
		return filestore.NewLocal(a.Config.MediaRoot)
	}
	store, err := s3storage.New(a.Config)
	if err != nil {
		return nil, err
	}
	if err := store.EnsureBuckets(ctx); err != nil {
		return nil, fmt.Errorf("ensure buckets: %w", err)
	}
	return store, nil
}

func (a *App) openVectors(ctx context.Context) (vectorstore.Store, error) {
	if a.Config.VectorBackend == "badger" {
		return vectorstore.OpenBadger(a.Config.BadgerPath, a.Log)
	}
	store := vectorstore.NewPGVector(a.Pool)
	if err := store.EnsureSchema(ctx, a.Config.EmbeddingDimensions); err != nil {
		return nil, err
	}
	return store, nil
}

// converters registers docling and markitdown always, and the OCR-backed
// marker converter only when a Document AI processor is configured.
func (a *App) converters(ctx context.Context) (*convert.Registry, error) {
	cfg := a.Config
	registry := convert.NewRegistry()
	registry.Register(model.ConverterDocling, convert.NewDocling(cfg.DoclingURL, nil))
	registry.Register(model.ConverterMarkItDown, convert.MarkItDown{})
	if cfg.DocumentAIProject == "" || cfg.DocumentAIProcessor == "" {
		a.Log.Info("marker converter disabled, no document ai processor configured")
		return registry, nil
	}
	ocr, err := convert.NewDocumentAI(ctx, convert.DocumentAIConfig{
		ProjectID:       cfg.DocumentAIProject,
		Location:        cfg.DocumentAILocation,
		ProcessorID:     cfg.DocumentAIProcessor,
		CredentialsJSON: cfg.DocumentAICredsJSON,
		CredentialsFile: cfg.DocumentAICredsFile,
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, ocr.Close)
	registry.Register(model.ConverterMarker, ocr)
	return registry, nil
}

// Service builds the document operations on top of the App with the given
// dispatcher.
func (a *App) Service(d pipeline.Dispatcher) *documents.Service {
	return documents.New(documents.Deps{
		Documents:  a.Documents,
		Tags:       a.Tags,
		Ledger:     a.Ledger,
		Files:      a.Files,
		Index:      a.Index,
		Dispatcher: d,
		Log:        a.Log,
	}, documents.Defaults{
		Converter:    model.Converter(a.Config.DefaultConverter),
		SummaryModel: a.Config.DefaultSummaryModel,
		ChunkOverlap: a.Config.ChunkOverlap,
	})
}

// SeedTags loads the vocabulary when the tags table is empty. A TagsFile in
// the config replaces the built-in list.
func (a *App) SeedTags(ctx context.Context) error {
	existing, err := a.Tags.ListTags(ctx)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}
	tags, err := a.VocabularyFromConfig()
	if err != nil {
		return err
	}
	if err := a.Tags.UpsertTags(ctx, tags); err != nil {
		return err
	}
	a.Log.Info("seeded tag vocabulary", "tags", len(tags))
	return nil
}

// VocabularyFromConfig reads the configured tags file or the built-in list.
func (a *App) VocabularyFromConfig() ([]model.Tag, error) {
	if a.Config.TagsFile != "" {
		return storage.LoadTags(a.Config.TagsFile)
	}
	return storage.DefaultTags()
}

// Close releases resources acquired by Build.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
