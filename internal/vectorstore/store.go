// Package vectorstore stores embedded chunks and answers similarity queries
// over them. Two backends exist: pgvector for shared deployments and badger
// for single-process runs.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/dharsanguruparan/inteldocs/internal/llm"
)

// ErrEmptyFilter guards Delete against wiping the whole store by accident.
var ErrEmptyFilter = errors.New("delete requires a non-empty filter")

// Entry is one stored chunk. ID is the deterministic doc_{id}_chunk_{index}
// key; Year and Tags are denormalized from the document when known.
type Entry struct {
	ID         string    `json:"id"`
	DocumentID int64     `json:"document_id"`
	Index      int       `json:"index"`
	Content    string    `json:"content"`
	Year       *int      `json:"year,omitempty"`
	Tags       []string  `json:"tags,omitempty"`
	Vector     []float32 `json:"vector,omitempty"`
}

// Match is a search hit. Score is cosine similarity, higher is closer.
type Match struct {
	Entry
	Score float32
}

// Filter narrows queries. Zero-valued fields do not constrain. Tags match
// when the entry carries any of them.
type Filter struct {
	DocumentIDs []int64
	Year        *int
	Tags        []string
}

// IsEmpty reports whether the filter constrains nothing.
func (f Filter) IsEmpty() bool {
	return len(f.DocumentIDs) == 0 && f.Year == nil && len(f.Tags) == 0
}

// Matches applies the filter to e.
func (f Filter) Matches(e *Entry) bool {
	if len(f.DocumentIDs) > 0 && !slices.Contains(f.DocumentIDs, e.DocumentID) {
		return false
	}
	if f.Year != nil && (e.Year == nil || *e.Year != *f.Year) {
		return false
	}
	if len(f.Tags) > 0 {
		hit := false
		for _, t := range f.Tags {
			if slices.Contains(e.Tags, t) {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	return true
}

// ForDocument is the filter selecting every chunk of one document.
func ForDocument(id int64) Filter {
	return Filter{DocumentIDs: []int64{id}}
}

// Store is the persistence contract both backends implement.
type Store interface {
	// Add upserts entries by ID. Every entry must carry a vector.
	Add(ctx context.Context, entries []Entry) error
	Search(ctx context.Context, vector []float32, k int, f Filter) ([]Match, error)
	// List returns matching entries ordered by document then index, without vectors.
	List(ctx context.Context, f Filter) ([]Entry, error)
	Delete(ctx context.Context, f Filter) (int, error)
	DeleteIDs(ctx context.Context, ids []string) (int, error)
	DeleteAll(ctx context.Context) (int, error)
	// SetMetadata rewrites the denormalized year and tags of a document's chunks.
	SetMetadata(ctx context.Context, documentID int64, year *int, tags []string) error
	Close() error
}

// Index couples a Store with an Embedder so callers work with text.
type Index struct {
	store    Store
	embedder llm.Embedder
}

// NewIndex builds an Index.
func NewIndex(store Store, embedder llm.Embedder) *Index {
	return &Index{store: store, embedder: embedder}
}

// Store exposes the underlying store for metadata and deletion calls.
func (i *Index) Store() Store {
	return i.store
}

// AddDocuments embeds the content of entries and stores them.
func (i *Index) AddDocuments(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	texts := make([]string, len(entries))
	for n, e := range entries {
		texts[n] = e.Content
	}
	vectors, err := i.embedder.EmbedTexts(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed chunks: %w", err)
	}
	if len(vectors) != len(entries) {
		return fmt.Errorf("embed chunks: got %d vectors for %d chunks", len(vectors), len(entries))
	}
	withVectors := make([]Entry, len(entries))
	for n, e := range entries {
		e.Vector = vectors[n]
		withVectors[n] = e
	}
	return i.store.Add(ctx, withVectors)
}

// SimilaritySearch embeds query and returns the k closest entries.
func (i *Index) SimilaritySearch(ctx context.Context, query string, k int, f Filter) ([]Match, error) {
	vec, err := i.embedder.EmbedText(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	return i.store.Search(ctx, vec, k, f)
}
