package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"slices"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/dharsanguruparan/inteldocs/internal/logger"
)

const chunkPrefix = "chunk/"

// BadgerStore keeps entries in an embedded badger database and scans them
// for similarity queries.
type BadgerStore struct {
	db *badger.DB
}

var _ Store = (*BadgerStore)(nil)

type badgerLogger struct {
	log *logger.Logger
}

var _ badger.Logger = (*badgerLogger)(nil)

func (b *badgerLogger) Errorf(msg string, items ...any) {
	b.log.Error(fmt.Sprintf(msg, items...))
}

func (b *badgerLogger) Warningf(msg string, items ...any) {
	b.log.Warn(fmt.Sprintf(msg, items...))
}

func (b *badgerLogger) Infof(msg string, items ...any) {
	b.log.Debug(fmt.Sprintf(msg, items...))
}

func (b *badgerLogger) Debugf(msg string, items ...any) {
	b.log.Debug(fmt.Sprintf(msg, items...))
}

// OpenBadger opens (or creates) the database at path. An empty path opens an
// in-memory database.
func OpenBadger(path string, log *logger.Logger) (*BadgerStore, error) {
	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, fmt.Errorf("create badger dir: %w", err)
		}
		opts = badger.DefaultOptions(path)
	}
	opts.Logger = &badgerLogger{log: log.With("component", "badger")}
	opts.Compression = options.None
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func entryKey(documentID int64, index int) []byte {
	return []byte(fmt.Sprintf("%s%020d/%08d", chunkPrefix, documentID, index))
}

func documentPrefix(documentID int64) []byte {
	return []byte(fmt.Sprintf("%s%020d/", chunkPrefix, documentID))
}

func (s *BadgerStore) Add(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for i := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		e := entries[i]
		if len(e.Vector) == 0 {
			return fmt.Errorf("entry %s has no vector", e.ID)
		}
		val, err := json.Marshal(&e)
		if err != nil {
			return fmt.Errorf("encode entry %s: %w", e.ID, err)
		}
		if err := wb.Set(entryKey(e.DocumentID, e.Index), val); err != nil {
			return fmt.Errorf("write entry %s: %w", e.ID, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("flush entries: %w", err)
	}
	return nil
}

// scan walks entries under prefix, calling fn for each decoded entry that
// passes f.
func (s *BadgerStore) scan(ctx context.Context, prefix []byte, f Filter, fn func(key []byte, e *Entry) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		iter := txn.NewIterator(opts)
		defer iter.Close()
		for iter.Rewind(); iter.Valid(); iter.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := iter.Item()
			var e Entry
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", item.Key(), err)
			}
			if !f.Matches(&e) {
				continue
			}
			if err := fn(item.KeyCopy(nil), &e); err != nil {
				return err
			}
		}
		return nil
	})
}

// prefixFor narrows the scan when the filter names a single document.
func prefixFor(f Filter) []byte {
	if len(f.DocumentIDs) == 1 {
		return documentPrefix(f.DocumentIDs[0])
	}
	return []byte(chunkPrefix)
}

func (s *BadgerStore) Search(ctx context.Context, vector []float32, k int, f Filter) ([]Match, error) {
	if k <= 0 {
		return nil, nil
	}
	var matches []Match
	err := s.scan(ctx, prefixFor(f), f, func(_ []byte, e *Entry) error {
		score := cosine(vector, e.Vector)
		e.Vector = nil
		matches = append(matches, Match{Entry: *e, Score: score})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	slices.SortStableFunc(matches, func(a, b Match) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		}
		return 0
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

func (s *BadgerStore) List(ctx context.Context, f Filter) ([]Entry, error) {
	var out []Entry
	err := s.scan(ctx, prefixFor(f), f, func(_ []byte, e *Entry) error {
		e.Vector = nil
		out = append(out, *e)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list: %w", err)
	}
	return out, nil
}

func (s *BadgerStore) Delete(ctx context.Context, f Filter) (int, error) {
	if f.IsEmpty() {
		return 0, ErrEmptyFilter
	}
	return s.deleteWhere(ctx, prefixFor(f), f, func(*Entry) bool { return true })
}

func (s *BadgerStore) DeleteIDs(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	return s.deleteWhere(ctx, []byte(chunkPrefix), Filter{}, func(e *Entry) bool {
		return slices.Contains(ids, e.ID)
	})
}

func (s *BadgerStore) DeleteAll(ctx context.Context) (int, error) {
	return s.deleteWhere(ctx, []byte(chunkPrefix), Filter{}, func(*Entry) bool { return true })
}

func (s *BadgerStore) deleteWhere(ctx context.Context, prefix []byte, f Filter, keep func(*Entry) bool) (int, error) {
	var keys [][]byte
	err := s.scan(ctx, prefix, f, func(key []byte, e *Entry) error {
		if keep(e) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("collect keys: %w", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range keys {
		if err := wb.Delete(key); err != nil {
			return 0, fmt.Errorf("delete %s: %w", key, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, fmt.Errorf("flush deletes: %w", err)
	}
	return len(keys), nil
}

func (s *BadgerStore) SetMetadata(ctx context.Context, documentID int64, year *int, tags []string) error {
	var updated []Entry
	err := s.scan(ctx, documentPrefix(documentID), Filter{}, func(_ []byte, e *Entry) error {
		e.Year = year
		e.Tags = append([]string(nil), tags...)
		updated = append(updated, *e)
		return nil
	})
	if err != nil {
		return fmt.Errorf("set metadata: %w", err)
	}
	if len(updated) == 0 {
		return nil
	}
	if err := s.Add(ctx, updated); err != nil {
		return fmt.Errorf("set metadata: %w", err)
	}
	return nil
}

func cosine(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}
