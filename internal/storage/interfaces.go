// Package storage defines the relational persistence contracts used by the
// pipeline and provides an in-memory implementation of them.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/dharsanguruparan/inteldocs/internal/model"
)

var (
	// ErrNotFound is returned when a document or its full text does not exist.
	ErrNotFound = errors.New("not found")
	// ErrStaleRun is returned when a write carries a generation older than
	// the document's, meaning an operator reset superseded the writer.
	ErrStaleRun = errors.New("document was reset by a newer run")
)

// DocumentStore persists documents, their extracted text and status history.
type DocumentStore interface {
	CreateDocument(ctx context.Context, doc *model.Document) error
	GetDocument(ctx context.Context, id int64) (*model.Document, error)
	// ListDocuments returns documents ordered by pipeline progress, then by
	// creation time (newest first).
	ListDocuments(ctx context.Context) ([]*model.Document, error)
	// UpdateDocument writes the descriptive fields of doc (title, summary,
	// year, tags, converter, model, chunk count) when doc.Generation is still
	// current. Status is only changed through RecordStatus or ResetStatus and
	// the task id through SetTaskID.
	UpdateDocument(ctx context.Context, doc *model.Document) error
	SetTaskID(ctx context.Context, id int64, taskID string) error
	DeleteDocument(ctx context.Context, id int64) error
	DeleteAllDocuments(ctx context.Context) (int, error)

	// RecordStatus sets the document status and failure flag and upserts the
	// (document, status) history row with at, atomically. It fails with
	// ErrStaleRun unless generation is the document's current one.
	RecordStatus(ctx context.Context, id, generation int64, status model.Status, failed bool, at time.Time) error
	// ResetStatus moves the document to status unconditionally, clears the
	// failure flag, records history and returns the new generation.
	ResetStatus(ctx context.Context, id int64, status model.Status, at time.Time) (int64, error)
	// StatusHistory returns history entries, most recent first.
	StatusHistory(ctx context.Context, id int64) ([]model.StatusHistoryEntry, error)

	// SaveFullText upserts the document text. Like RecordStatus it refuses
	// writers from an older generation.
	SaveFullText(ctx context.Context, text *model.FullText, generation int64) error
	GetFullText(ctx context.Context, id int64) (*model.FullText, error)
}

// TagStore exposes the classification vocabulary.
type TagStore interface {
	ListTags(ctx context.Context) ([]model.Tag, error)
	UpsertTags(ctx context.Context, tags []model.Tag) error
}
