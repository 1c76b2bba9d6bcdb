package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dharsanguruparan/inteldocs/internal/model"
	"github.com/dharsanguruparan/inteldocs/internal/storage"
)

// DocumentRepository wraps all SQL touching documents, their full text and
// status history.
type DocumentRepository struct {
	pool *pgxpool.Pool
}

var _ storage.DocumentStore = (*DocumentRepository)(nil)

// NewDocumentRepository constructs a repository.
func NewDocumentRepository(pool *pgxpool.Pool) *DocumentRepository {
	return &DocumentRepository{pool: pool}
}

const documentColumns = `id, title, summary, year, COALESCE(tags, '{}'), file_key, file_name, file_type,
	converter, summary_model, status, is_failed, no_of_chunks, task_id, generation, owner_id, created_at, updated_at`

// CreateDocument inserts a pending document and fills in its id.
func (r *DocumentRepository) CreateDocument(ctx context.Context, doc *model.Document) error {
	now := time.Now().UTC()
	if doc.Status == "" {
		doc.Status = model.StatusPending
	}
	if doc.Tags == nil {
		doc.Tags = []string{}
	}
	doc.CreatedAt = now
	doc.UpdatedAt = now
	err := r.pool.QueryRow(ctx, `
		INSERT INTO documents (title, summary, year, tags, file_key, file_name, file_type, converter,
			summary_model, status, is_failed, no_of_chunks, task_id, owner_id, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		RETURNING id
	`, doc.Title, doc.Summary, doc.Year, doc.Tags, doc.FileKey, doc.FileName, doc.FileType, string(doc.Converter),
		doc.SummaryModel, string(doc.Status), doc.IsFailed, doc.NoOfChunks, doc.TaskID, doc.OwnerID,
		doc.CreatedAt, doc.UpdatedAt).Scan(&doc.ID)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

// GetDocument returns a document by id.
func (r *DocumentRepository) GetDocument(ctx context.Context, id int64) (*model.Document, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+documentColumns+` FROM documents WHERE id=$1`, id)
	doc, err := scanDocument(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("document %d: %w", id, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("select document: %w", err)
	}
	return doc, nil
}

// ListDocuments orders by pipeline progress using the canonical status order.
func (r *DocumentRepository) ListDocuments(ctx context.Context) ([]*model.Document, error) {
	order := make([]string, 0, len(model.AllStatuses()))
	for _, s := range model.AllStatuses() {
		order = append(order, string(s))
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+documentColumns+` FROM documents
		ORDER BY array_position($1::text[], status), created_at DESC, id DESC
	`, order)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()
	var out []*model.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

// UpdateDocument writes descriptive fields while doc.Generation is current.
// Status and the failure flag are only changed through RecordStatus.
func (r *DocumentRepository) UpdateDocument(ctx context.Context, doc *model.Document) error {
	now := time.Now().UTC()
	tags := doc.Tags
	if tags == nil {
		tags = []string{}
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE documents
		SET title=$1, summary=$2, year=$3, tags=$4, converter=$5, summary_model=$6,
			no_of_chunks=$7, file_key=$8, updated_at=$9
		WHERE id=$10 AND generation=$11
	`, doc.Title, doc.Summary, doc.Year, tags, string(doc.Converter), doc.SummaryModel,
		doc.NoOfChunks, doc.FileKey, now, doc.ID, doc.Generation)
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return missingOrStale(ctx, r.pool, doc.ID)
	}
	doc.UpdatedAt = now
	return nil
}

// SetTaskID records the id of the task scheduled for the document.
func (r *DocumentRepository) SetTaskID(ctx context.Context, id int64, taskID string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE documents SET task_id=$1 WHERE id=$2`, taskID, id)
	if err != nil {
		return fmt.Errorf("set task id: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("document %d: %w", id, storage.ErrNotFound)
	}
	return nil
}

// DeleteDocument removes the row; full text and history cascade.
func (r *DocumentRepository) DeleteDocument(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM documents WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("document %d: %w", id, storage.ErrNotFound)
	}
	return nil
}

func (r *DocumentRepository) DeleteAllDocuments(ctx context.Context) (int, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM documents`)
	if err != nil {
		return 0, fmt.Errorf("delete documents: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// RecordStatus updates the document and upserts its history row in one
// transaction, provided generation is still current. Concurrent writers on
// the same (document, status) pair resolve as last-write-wins on reached_at.
func (r *DocumentRepository) RecordStatus(ctx context.Context, id, generation int64, status model.Status, failed bool, at time.Time) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE documents SET status=$1, is_failed=$2, updated_at=$3 WHERE id=$4 AND generation=$5
		`, string(status), failed, at, id, generation)
		if err != nil {
			return fmt.Errorf("update status: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return missingOrStale(ctx, tx, id)
		}
		return upsertHistory(ctx, tx, id, status, at)
	})
}

// ResetStatus bumps the generation, so writes from runs started earlier are
// refused, and records the new status.
func (r *DocumentRepository) ResetStatus(ctx context.Context, id int64, status model.Status, at time.Time) (int64, error) {
	var generation int64
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			UPDATE documents SET status=$1, is_failed=FALSE, updated_at=$2, generation=generation+1
			WHERE id=$3
			RETURNING generation
		`, string(status), at, id).Scan(&generation)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("document %d: %w", id, storage.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("reset status: %w", err)
		}
		return upsertHistory(ctx, tx, id, status, at)
	})
	return generation, err
}

func upsertHistory(ctx context.Context, tx pgx.Tx, id int64, status model.Status, at time.Time) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO document_status_history (document_id, status, reached_at)
		VALUES ($1,$2,$3)
		ON CONFLICT (document_id, status) DO UPDATE SET reached_at = EXCLUDED.reached_at
	`, id, string(status), at)
	if err != nil {
		return fmt.Errorf("upsert status history: %w", err)
	}
	return nil
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// missingOrStale explains a guarded write that matched no row.
func missingOrStale(ctx context.Context, q rowQuerier, id int64) error {
	var generation int64
	err := q.QueryRow(ctx, `SELECT generation FROM documents WHERE id=$1`, id).Scan(&generation)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("document %d: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("select generation: %w", err)
	}
	return fmt.Errorf("document %d now at generation %d: %w", id, generation, storage.ErrStaleRun)
}

func (r *DocumentRepository) StatusHistory(ctx context.Context, id int64) ([]model.StatusHistoryEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT document_id, status, reached_at FROM document_status_history
		WHERE document_id=$1
		ORDER BY reached_at DESC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("select status history: %w", err)
	}
	defer rows.Close()
	var out []model.StatusHistoryEntry
	for rows.Next() {
		var (
			entry  model.StatusHistoryEntry
			status string
		)
		if err := rows.Scan(&entry.DocumentID, &status, &entry.ReachedAt); err != nil {
			return nil, fmt.Errorf("scan status history: %w", err)
		}
		entry.Status = model.Status(status)
		out = append(out, entry)
	}
	return out, rows.Err()
}

// SaveFullText upserts the extracted text keyed by document. The insert only
// happens while generation is the document's current one.
func (r *DocumentRepository) SaveFullText(ctx context.Context, text *model.FullText, generation int64) error {
	now := time.Now().UTC()
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO document_full_texts (document_id, text, extraction_error, updated_at)
		SELECT $1,$2,$3,$4 FROM documents WHERE id=$1 AND generation=$5
		ON CONFLICT (document_id) DO UPDATE
		SET text = EXCLUDED.text, extraction_error = EXCLUDED.extraction_error, updated_at = EXCLUDED.updated_at
	`, text.DocumentID, text.Text, text.ExtractionError, now, generation)
	if err != nil {
		return fmt.Errorf("upsert full text: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return missingOrStale(ctx, r.pool, text.DocumentID)
	}
	text.UpdatedAt = now
	return nil
}

func (r *DocumentRepository) GetFullText(ctx context.Context, id int64) (*model.FullText, error) {
	var (
		text     model.FullText
		errorMsg sql.NullString
	)
	row := r.pool.QueryRow(ctx, `
		SELECT document_id, text, extraction_error, updated_at FROM document_full_texts WHERE document_id=$1
	`, id)
	if err := row.Scan(&text.DocumentID, &text.Text, &errorMsg, &text.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("full text %d: %w", id, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("select full text: %w", err)
	}
	if errorMsg.Valid {
		msg := errorMsg.String
		text.ExtractionError = &msg
	}
	return &text, nil
}

func scanDocument(row pgx.Row) (*model.Document, error) {
	var (
		doc       model.Document
		title     sql.NullString
		summary   sql.NullString
		year      sql.NullInt32
		converter string
		status    string
	)
	if err := row.Scan(&doc.ID, &title, &summary, &year, &doc.Tags, &doc.FileKey, &doc.FileName, &doc.FileType,
		&converter, &doc.SummaryModel, &status, &doc.IsFailed, &doc.NoOfChunks, &doc.TaskID, &doc.Generation,
		&doc.OwnerID, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
		return nil, err
	}
	if title.Valid {
		v := title.String
		doc.Title = &v
	}
	if summary.Valid {
		v := summary.String
		doc.Summary = &v
	}
	if year.Valid {
		v := int(year.Int32)
		doc.Year = &v
	}
	doc.Converter = model.Converter(converter)
	doc.Status = model.Status(status)
	return &doc, nil
}
