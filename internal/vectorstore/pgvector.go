package vectorstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// PGVectorStore keeps entries in a Postgres table with a pgvector column and
// lets the database rank by cosine distance.
type PGVectorStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PGVectorStore)(nil)

// NewPGVector wraps an open pool. Call EnsureSchema once at startup.
func NewPGVector(pool *pgxpool.Pool) *PGVectorStore {
	return &PGVectorStore{pool: pool}
}

// EnsureSchema creates the extension, the chunk table and its indexes.
func (s *PGVectorStore) EnsureSchema(ctx context.Context, dimensions int) error {
	stmt := fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;
CREATE TABLE IF NOT EXISTS document_chunks (
	id TEXT PRIMARY KEY,
	document_id BIGINT NOT NULL,
	chunk_index INTEGER NOT NULL,
	content TEXT NOT NULL,
	year INTEGER,
	tags TEXT[] NOT NULL DEFAULT '{}',
	embedding vector(%d) NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_document_chunks_document ON document_chunks(document_id, chunk_index);
CREATE INDEX IF NOT EXISTS idx_document_chunks_embedding ON document_chunks USING hnsw (embedding vector_cosine_ops);`, dimensions)
	if _, err := s.pool.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("ensure vector schema: %w", err)
	}
	return nil
}

// Close is a no-op; the pool is owned by the caller.
func (s *PGVectorStore) Close() error {
	return nil
}

func (s *PGVectorStore) Add(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, e := range entries {
		if len(e.Vector) == 0 {
			return fmt.Errorf("entry %s has no vector", e.ID)
		}
		tags := e.Tags
		if tags == nil {
			tags = []string{}
		}
		batch.Queue(`
			INSERT INTO document_chunks (id, document_id, chunk_index, content, year, tags, embedding)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
			ON CONFLICT (id) DO UPDATE SET
				document_id = EXCLUDED.document_id,
				chunk_index = EXCLUDED.chunk_index,
				content = EXCLUDED.content,
				year = EXCLUDED.year,
				tags = EXCLUDED.tags,
				embedding = EXCLUDED.embedding
		`, e.ID, e.DocumentID, e.Index, e.Content, e.Year, tags, pgvector.NewVector(e.Vector))
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert chunks: %w", err)
		}
		return nil
	})
}

// where renders f as a SQL condition, appending its arguments to args.
func where(f Filter, args []any) (string, []any) {
	var conds []string
	if len(f.DocumentIDs) > 0 {
		args = append(args, f.DocumentIDs)
		conds = append(conds, fmt.Sprintf("document_id = ANY($%d::bigint[])", len(args)))
	}
	if f.Year != nil {
		args = append(args, *f.Year)
		conds = append(conds, fmt.Sprintf("year = $%d", len(args)))
	}
	if len(f.Tags) > 0 {
		args = append(args, f.Tags)
		conds = append(conds, fmt.Sprintf("tags && $%d::text[]", len(args)))
	}
	if len(conds) == 0 {
		return "TRUE", args
	}
	return strings.Join(conds, " AND "), args
}

func (s *PGVectorStore) Search(ctx context.Context, vector []float32, k int, f Filter) ([]Match, error) {
	if k <= 0 {
		return nil, nil
	}
	args := []any{pgvector.NewVector(vector)}
	cond, args := where(f, args)
	args = append(args, k)
	query := fmt.Sprintf(`
		SELECT id, document_id, chunk_index, content, year, tags, 1 - (embedding <=> $1) AS score
		FROM document_chunks
		WHERE %s
		ORDER BY embedding <=> $1
		LIMIT $%d`, cond, len(args))
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search chunks: %w", err)
	}
	defer rows.Close()
	var out []Match
	for rows.Next() {
		var (
			m     Match
			score float64
		)
		if err := scanEntry(rows, &m.Entry, &score); err != nil {
			return nil, err
		}
		m.Score = float32(score)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PGVectorStore) List(ctx context.Context, f Filter) ([]Entry, error) {
	cond, args := where(f, nil)
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT id, document_id, chunk_index, content, year, tags
		FROM document_chunks
		WHERE %s
		ORDER BY document_id, chunk_index`, cond), args...)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		if err := scanEntry(rows, &e, nil); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PGVectorStore) Delete(ctx context.Context, f Filter) (int, error) {
	if f.IsEmpty() {
		return 0, ErrEmptyFilter
	}
	cond, args := where(f, nil)
	tag, err := s.pool.Exec(ctx, `DELETE FROM document_chunks WHERE `+cond, args...)
	if err != nil {
		return 0, fmt.Errorf("delete chunks: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PGVectorStore) DeleteIDs(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM document_chunks WHERE id = ANY($1::text[])`, ids)
	if err != nil {
		return 0, fmt.Errorf("delete chunks by id: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PGVectorStore) DeleteAll(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM document_chunks`)
	if err != nil {
		return 0, fmt.Errorf("delete all chunks: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PGVectorStore) SetMetadata(ctx context.Context, documentID int64, year *int, tags []string) error {
	if tags == nil {
		tags = []string{}
	}
	_, err := s.pool.Exec(ctx, `UPDATE document_chunks SET year=$1, tags=$2 WHERE document_id=$3`, year, tags, documentID)
	if err != nil {
		return fmt.Errorf("update chunk metadata: %w", err)
	}
	return nil
}

func scanEntry(rows pgx.Rows, e *Entry, score *float64) error {
	var year sql.NullInt32
	dest := []any{&e.ID, &e.DocumentID, &e.Index, &e.Content, &year, &e.Tags}
	if score != nil {
		dest = append(dest, score)
	}
	if err := rows.Scan(dest...); err != nil {
		return fmt.Errorf("scan chunk: %w", err)
	}
	if year.Valid {
		v := int(year.Int32)
		e.Year = &v
	}
	return nil
}
