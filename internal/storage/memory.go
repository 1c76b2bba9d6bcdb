package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dharsanguruparan/inteldocs/internal/model"
)

// MemoryStore keeps documents, full texts, history and tags in maps guarded
// by an RWMutex. It backs local runs and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	nextID    int64
	documents map[int64]*model.Document
	fullTexts map[int64]*model.FullText
	history   map[int64]map[model.Status]time.Time
	tags      map[string]model.Tag
}

var (
	_ DocumentStore = (*MemoryStore)(nil)
	_ TagStore      = (*MemoryStore)(nil)
)

// NewMemoryStore constructs a MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		documents: make(map[int64]*model.Document),
		fullTexts: make(map[int64]*model.FullText),
		history:   make(map[int64]map[model.Status]time.Time),
		tags:      make(map[string]model.Tag),
	}
}

// CreateDocument assigns an id and stores a copy of doc.
func (m *MemoryStore) CreateDocument(_ context.Context, doc *model.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	m.nextID++
	doc.ID = m.nextID
	if doc.Status == "" {
		doc.Status = model.StatusPending
	}
	doc.CreatedAt = now
	doc.UpdatedAt = now
	m.documents[doc.ID] = cloneDocument(doc)
	return nil
}

// GetDocument returns a copy so callers cannot mutate internal state.
func (m *MemoryStore) GetDocument(_ context.Context, id int64) (*model.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.documents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneDocument(doc), nil
}

func (m *MemoryStore) ListDocuments(_ context.Context) ([]*model.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.Document, 0, len(m.documents))
	for _, doc := range m.documents {
		out = append(out, cloneDocument(doc))
	}
	sort.Slice(out, func(i, j int) bool {
		oi, oj := out[i].Status.Order(), out[j].Status.Order()
		if oi != oj {
			return oi < oj
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) UpdateDocument(_ context.Context, doc *model.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.documents[doc.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Generation != doc.Generation {
		return ErrStaleRun
	}
	next := cloneDocument(doc)
	// status is owned by RecordStatus
	next.Status = cur.Status
	next.IsFailed = cur.IsFailed
	next.TaskID = cur.TaskID
	next.CreatedAt = cur.CreatedAt
	next.UpdatedAt = time.Now().UTC()
	m.documents[doc.ID] = next
	doc.UpdatedAt = next.UpdatedAt
	return nil
}

func (m *MemoryStore) SetTaskID(_ context.Context, id int64, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.documents[id]
	if !ok {
		return ErrNotFound
	}
	doc.TaskID = taskID
	return nil
}

func (m *MemoryStore) DeleteDocument(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.documents[id]; !ok {
		return ErrNotFound
	}
	delete(m.documents, id)
	delete(m.fullTexts, id)
	delete(m.history, id)
	return nil
}

func (m *MemoryStore) DeleteAllDocuments(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.documents)
	m.documents = make(map[int64]*model.Document)
	m.fullTexts = make(map[int64]*model.FullText)
	m.history = make(map[int64]map[model.Status]time.Time)
	return n, nil
}

func (m *MemoryStore) RecordStatus(_ context.Context, id, generation int64, status model.Status, failed bool, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.documents[id]
	if !ok {
		return ErrNotFound
	}
	if doc.Generation != generation {
		return ErrStaleRun
	}
	m.setStatus(doc, status, failed, at)
	return nil
}

func (m *MemoryStore) ResetStatus(_ context.Context, id int64, status model.Status, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.documents[id]
	if !ok {
		return 0, ErrNotFound
	}
	doc.Generation++
	m.setStatus(doc, status, false, at)
	return doc.Generation, nil
}

// setStatus must be called with mu held.
func (m *MemoryStore) setStatus(doc *model.Document, status model.Status, failed bool, at time.Time) {
	doc.Status = status
	doc.IsFailed = failed
	doc.UpdatedAt = at
	rows, ok := m.history[doc.ID]
	if !ok {
		rows = make(map[model.Status]time.Time)
		m.history[doc.ID] = rows
	}
	rows[status] = at
}

func (m *MemoryStore) StatusHistory(_ context.Context, id int64) ([]model.StatusHistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.documents[id]; !ok {
		return nil, ErrNotFound
	}
	out := make([]model.StatusHistoryEntry, 0, len(m.history[id]))
	for status, at := range m.history[id] {
		out = append(out, model.StatusHistoryEntry{DocumentID: id, Status: status, ReachedAt: at})
	}
	sortHistory(out)
	return out, nil
}

func (m *MemoryStore) SaveFullText(_ context.Context, text *model.FullText, generation int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.documents[text.DocumentID]
	if !ok {
		return ErrNotFound
	}
	if doc.Generation != generation {
		return ErrStaleRun
	}
	cp := *text
	if text.ExtractionError != nil {
		msg := *text.ExtractionError
		cp.ExtractionError = &msg
	}
	cp.UpdatedAt = time.Now().UTC()
	m.fullTexts[text.DocumentID] = &cp
	return nil
}

func (m *MemoryStore) GetFullText(_ context.Context, id int64) (*model.FullText, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	text, ok := m.fullTexts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *text
	return &cp, nil
}

func (m *MemoryStore) ListTags(_ context.Context) ([]model.Tag, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Tag, 0, len(m.tags))
	for _, t := range m.tags {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) UpsertTags(_ context.Context, tags []model.Tag) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range tags {
		m.tags[t.Name] = t
	}
	return nil
}

// sortHistory orders entries most recent first, breaking ties by pipeline
// order so equal timestamps still list later stages on top.
func sortHistory(entries []model.StatusHistoryEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].ReachedAt.Equal(entries[j].ReachedAt) {
			return entries[i].ReachedAt.After(entries[j].ReachedAt)
		}
		return entries[i].Status.Order() > entries[j].Status.Order()
	})
}

func cloneDocument(doc *model.Document) *model.Document {
	cp := *doc
	if doc.Title != nil {
		v := *doc.Title
		cp.Title = &v
	}
	if doc.Summary != nil {
		v := *doc.Summary
		cp.Summary = &v
	}
	if doc.Year != nil {
		v := *doc.Year
		cp.Year = &v
	}
	if doc.Tags != nil {
		cp.Tags = append([]string(nil), doc.Tags...)
	}
	return &cp
}
