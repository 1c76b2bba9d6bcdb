package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dharsanguruparan/inteldocs/internal/model"
	"github.com/dharsanguruparan/inteldocs/internal/storage"
)

// TagRepository serves the classification vocabulary from the tags table.
type TagRepository struct {
	pool *pgxpool.Pool
}

var _ storage.TagStore = (*TagRepository)(nil)

func NewTagRepository(pool *pgxpool.Pool) *TagRepository {
	return &TagRepository{pool: pool}
}

// ListTags returns the vocabulary ordered by name.
func (r *TagRepository) ListTags(ctx context.Context) ([]model.Tag, error) {
	rows, err := r.pool.Query(ctx, `SELECT name, description FROM tags ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("select tags: %w", err)
	}
	defer rows.Close()
	var out []model.Tag
	for rows.Next() {
		var t model.Tag
		if err := rows.Scan(&t.Name, &t.Description); err != nil {
			return nil, fmt.Errorf("scan tag: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpsertTags inserts or refreshes descriptions in a single batch.
func (r *TagRepository) UpsertTags(ctx context.Context, tags []model.Tag) error {
	batch := &pgx.Batch{}
	for _, t := range tags {
		batch.Queue(`
			INSERT INTO tags (name, description) VALUES ($1,$2)
			ON CONFLICT (name) DO UPDATE SET description = EXCLUDED.description
		`, t.Name, t.Description)
	}
	if err := r.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upsert tags: %w", err)
	}
	return nil
}
