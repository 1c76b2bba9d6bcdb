// Package documents holds the operator-facing operations on documents:
// ingesting uploads, re-running or rewinding the pipeline, editing text,
// deleting, and reading back chunks and search results.
package documents

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dharsanguruparan/inteldocs/internal/chunking"
	"github.com/dharsanguruparan/inteldocs/internal/filestore"
	"github.com/dharsanguruparan/inteldocs/internal/ledger"
	"github.com/dharsanguruparan/inteldocs/internal/logger"
	"github.com/dharsanguruparan/inteldocs/internal/model"
	"github.com/dharsanguruparan/inteldocs/internal/pipeline"
	"github.com/dharsanguruparan/inteldocs/internal/storage"
	"github.com/dharsanguruparan/inteldocs/internal/vectorstore"
)

// ErrEmptyUpload is returned when an upload has no name or body.
var ErrEmptyUpload = errors.New("upload requires a file name and body")

// Deps are the collaborators of a Service.
type Deps struct {
	Documents  storage.DocumentStore
	Tags       storage.TagStore
	Ledger     *ledger.Ledger
	Files      filestore.Store
	Index      *vectorstore.Index
	Dispatcher pipeline.Dispatcher
	Log        *logger.Logger
}

// Defaults fill in upload fields the caller left empty.
type Defaults struct {
	Converter    model.Converter
	SummaryModel string
	// ChunkOverlap bounds the overlap removed when chunks are joined back.
	ChunkOverlap int
}

// Service implements document operations on top of the stores and the
// dispatcher.
type Service struct {
	Deps
	defaults Defaults
	log      *logger.Logger
}

// New builds a Service.
func New(deps Deps, defaults Defaults) *Service {
	if defaults.Converter == "" {
		defaults.Converter = model.ConverterDocling
	}
	if defaults.ChunkOverlap <= 0 {
		defaults.ChunkOverlap = 200
	}
	return &Service{Deps: deps, defaults: defaults, log: deps.Log.With("component", "documents")}
}

// Upload is a new source file.
type Upload struct {
	FileName     string
	ContentType  string
	Size         int64
	Body         io.Reader
	Converter    model.Converter
	SummaryModel string
	OwnerID      string
}

// Ingest stores the upload, creates a pending document and schedules
// processing. When scheduling fails the document is still returned, pending,
// together with the error; Retry picks it up later.
func (s *Service) Ingest(ctx context.Context, up Upload) (*model.Document, error) {
	name := filepath.Base(strings.TrimSpace(up.FileName))
	if name == "." || name == "/" || up.Body == nil {
		return nil, ErrEmptyUpload
	}
	conv := up.Converter
	if conv == "" {
		conv = s.defaults.Converter
	}
	if _, err := model.ParseConverter(string(conv)); err != nil {
		return nil, err
	}
	summaryModel := up.SummaryModel
	if summaryModel == "" {
		summaryModel = s.defaults.SummaryModel
	}

	key := fmt.Sprintf("%s/%s", uuid.NewString(), name)
	if err := s.Files.Save(ctx, key, up.Body, up.Size, up.ContentType); err != nil {
		return nil, fmt.Errorf("store upload: %w", err)
	}

	doc := &model.Document{
		FileKey:      key,
		FileName:     name,
		FileType:     up.ContentType,
		Converter:    conv,
		SummaryModel: summaryModel,
		Status:       model.StatusPending,
		OwnerID:      up.OwnerID,
	}
	if err := s.Documents.CreateDocument(ctx, doc); err != nil {
		_ = s.Files.Remove(ctx, key)
		return nil, fmt.Errorf("create document: %w", err)
	}
	if err := s.Ledger.Advance(ctx, doc, model.StatusPending, false); err != nil {
		return doc, err
	}
	s.log.Info("document ingested", "document_id", doc.ID, "file", name, "converter", conv)
	return doc, s.dispatch(ctx, doc)
}

// Get returns one document.
func (s *Service) Get(ctx context.Context, id int64) (*model.Document, error) {
	doc, err := s.Documents.GetDocument(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get document %d: %w", id, err)
	}
	return doc, nil
}

// List returns every document ordered by pipeline progress.
func (s *Service) List(ctx context.Context) ([]*model.Document, error) {
	return s.Documents.ListDocuments(ctx)
}

// History returns when the document reached each status, most recent first.
func (s *Service) History(ctx context.Context, id int64) ([]model.StatusHistoryEntry, error) {
	return s.Ledger.History(ctx, id)
}

// Retry schedules the pipeline again. It resumes from the recorded status;
// a run still in flight is revoked and superseded.
func (s *Service) Retry(ctx context.Context, id int64) (*model.Document, error) {
	doc, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.revoke(ctx, doc)
	if err := s.Ledger.Reset(ctx, doc, doc.Status); err != nil {
		return nil, err
	}
	return doc, s.dispatch(ctx, doc)
}

// Reextract discards the document's chunks and replays the whole pipeline,
// optionally with a different converter.
func (s *Service) Reextract(ctx context.Context, id int64, conv model.Converter) (*model.Document, error) {
	doc, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if conv != "" {
		if _, err := model.ParseConverter(string(conv)); err != nil {
			return nil, err
		}
		doc.Converter = conv
	}
	s.revoke(ctx, doc)
	if err := s.Ledger.Reset(ctx, doc, model.StatusPending); err != nil {
		return nil, err
	}
	if err := s.dropChunks(ctx, doc); err != nil {
		return nil, err
	}
	return doc, s.dispatch(ctx, doc)
}

// UpdateContent replaces the extracted text and replays embedding and
// summarization.
func (s *Service) UpdateContent(ctx context.Context, id int64, text string) (*model.Document, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("content must not be empty")
	}
	doc, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.revoke(ctx, doc)
	if err := s.Ledger.Reset(ctx, doc, model.StatusTextExtractionDone); err != nil {
		return nil, err
	}
	full := &model.FullText{DocumentID: doc.ID, Text: text, UpdatedAt: time.Now().UTC()}
	if err := s.Documents.SaveFullText(ctx, full, doc.Generation); err != nil {
		return nil, fmt.Errorf("save content: %w", err)
	}
	if err := s.dropChunks(ctx, doc); err != nil {
		return nil, err
	}
	return doc, s.dispatch(ctx, doc)
}

// Revoke cancels the document's queued or running task.
func (s *Service) Revoke(ctx context.Context, id int64) error {
	doc, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if doc.TaskID == "" {
		return nil
	}
	if err := s.Dispatcher.Revoke(ctx, doc.TaskID); err != nil {
		return fmt.Errorf("revoke task %s: %w", doc.TaskID, err)
	}
	return s.Documents.SetTaskID(ctx, doc.ID, "")
}

// Delete removes the document, its chunks and its stored file.
func (s *Service) Delete(ctx context.Context, id int64) error {
	doc, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	s.revoke(ctx, doc)
	if _, err := s.Index.Store().Delete(ctx, vectorstore.ForDocument(id)); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	if err := s.Files.Remove(ctx, doc.FileKey); err != nil {
		s.log.Warn("removing stored file failed", "document_id", id, "key", doc.FileKey, "error", err)
	}
	if err := s.Documents.DeleteDocument(ctx, id); err != nil {
		return fmt.Errorf("delete document %d: %w", id, err)
	}
	s.log.Info("document deleted", "document_id", id)
	return nil
}

// DeleteAll removes every document and every stored chunk. It returns the
// number of documents removed.
func (s *Service) DeleteAll(ctx context.Context) (int, error) {
	docs, err := s.Documents.ListDocuments(ctx)
	if err != nil {
		return 0, err
	}
	for _, doc := range docs {
		s.revoke(ctx, doc)
	}
	chunks, err := s.Index.Store().DeleteAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("delete chunks: %w", err)
	}
	for _, doc := range docs {
		if err := s.Files.Remove(ctx, doc.FileKey); err != nil {
			s.log.Warn("removing stored file failed", "document_id", doc.ID, "error", err)
		}
	}
	n, err := s.Documents.DeleteAllDocuments(ctx)
	if err != nil {
		return 0, err
	}
	s.log.Info("all documents deleted", "documents", n, "chunks", chunks)
	return n, nil
}

// Chunks returns the stored chunks of a document in order.
func (s *Service) Chunks(ctx context.Context, id int64) ([]vectorstore.Entry, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	entries, err := s.Index.Store().List(ctx, vectorstore.ForDocument(id))
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Index < entries[j].Index })
	return entries, nil
}

// Markdown rebuilds the document text from its chunks, removing the overlap
// between neighbours.
func (s *Service) Markdown(ctx context.Context, id int64) (string, error) {
	entries, err := s.Chunks(ctx, id)
	if err != nil {
		return "", err
	}
	parts := make([]string, len(entries))
	for i, e := range entries {
		parts[i] = e.Content
	}
	return chunking.Combine(parts, s.defaults.ChunkOverlap), nil
}

// SearchQuery narrows a similarity search.
type SearchQuery struct {
	Text string
	K    int
	// Title keeps only documents whose title contains it, case-insensitively.
	Title string
	Year  *int
	Tags  []string
}

// SearchResult groups the matching chunks of one document.
type SearchResult struct {
	Document *model.Document
	Matches  []vectorstore.Match
}

// Search returns the closest chunks grouped per document, best document
// first.
func (s *Service) Search(ctx context.Context, q SearchQuery) ([]SearchResult, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, errors.New("search query must not be empty")
	}
	if q.K <= 0 {
		q.K = 5
	}
	filter := vectorstore.Filter{Year: q.Year, Tags: q.Tags}
	docs := map[int64]*model.Document{}
	if title := strings.ToLower(strings.TrimSpace(q.Title)); title != "" {
		all, err := s.Documents.ListDocuments(ctx)
		if err != nil {
			return nil, err
		}
		for _, d := range all {
			if strings.Contains(strings.ToLower(d.DisplayTitle()), title) {
				filter.DocumentIDs = append(filter.DocumentIDs, d.ID)
				docs[d.ID] = d
			}
		}
		if len(filter.DocumentIDs) == 0 {
			return nil, nil
		}
	}

	matches, err := s.Index.SimilaritySearch(ctx, q.Text, q.K, filter)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	var results []SearchResult
	position := map[int64]int{}
	for _, m := range matches {
		i, ok := position[m.DocumentID]
		if !ok {
			doc := docs[m.DocumentID]
			if doc == nil {
				doc, err = s.Documents.GetDocument(ctx, m.DocumentID)
				if errors.Is(err, storage.ErrNotFound) {
					continue
				}
				if err != nil {
					return nil, err
				}
			}
			i = len(results)
			position[m.DocumentID] = i
			results = append(results, SearchResult{Document: doc})
		}
		results[i].Matches = append(results[i].Matches, m)
	}
	return results, nil
}

// SeedTags upserts the classification vocabulary.
func (s *Service) SeedTags(ctx context.Context, tags []model.Tag) error {
	if err := s.Tags.UpsertTags(ctx, tags); err != nil {
		return fmt.Errorf("seed tags: %w", err)
	}
	s.log.Info("tag vocabulary seeded", "tags", len(tags))
	return nil
}

// ListTags returns the classification vocabulary.
func (s *Service) ListTags(ctx context.Context) ([]model.Tag, error) {
	return s.Tags.ListTags(ctx)
}

func (s *Service) dispatch(ctx context.Context, doc *model.Document) error {
	taskID, err := s.Dispatcher.Enqueue(ctx, doc.ID, doc.Generation)
	if err != nil {
		return fmt.Errorf("schedule document %d: %w", doc.ID, err)
	}
	if err := s.Documents.SetTaskID(ctx, doc.ID, taskID); err != nil {
		return fmt.Errorf("save task id: %w", err)
	}
	doc.TaskID = taskID
	s.log.Debug("document scheduled", "document_id", doc.ID, "task_id", taskID, "status", doc.Status, "generation", doc.Generation)
	return nil
}

// revoke cancels the document's task, best-effort.
func (s *Service) revoke(ctx context.Context, doc *model.Document) {
	if doc.TaskID == "" {
		return
	}
	if err := s.Dispatcher.Revoke(ctx, doc.TaskID); err != nil {
		s.log.Warn("revoking task failed", "document_id", doc.ID, "task_id", doc.TaskID, "error", err)
	}
}

func (s *Service) dropChunks(ctx context.Context, doc *model.Document) error {
	if _, err := s.Index.Store().Delete(ctx, vectorstore.ForDocument(doc.ID)); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	doc.NoOfChunks = 0
	if err := s.Documents.UpdateDocument(ctx, doc); err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	return nil
}
