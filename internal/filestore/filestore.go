// Package filestore abstracts where uploaded source files and processed
// text artifacts live.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotExist is returned by Fetch when the stored file is gone.
var ErrNotExist = errors.New("stored file does not exist")

// Store keeps raw uploads and processed text.
type Store interface {
	Save(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Fetch(ctx context.Context, key string) ([]byte, error)
	Remove(ctx context.Context, key string) error
	SaveProcessed(ctx context.Context, key string, data []byte) error
}

// Local stores files under a root directory: raw uploads in raw/ and
// processed text in processed/.
type Local struct {
	root string
}

var _ Store = (*Local)(nil)

// NewLocal creates the directory layout under root.
func NewLocal(root string) (*Local, error) {
	for _, dir := range []string{"raw", "processed"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, fmt.Errorf("create %s dir: %w", dir, err)
		}
	}
	return &Local{root: root}, nil
}

func (l *Local) path(area, key string) (string, error) {
	clean := filepath.Clean("/" + key)
	if clean == "/" || strings.Contains(key, "..") {
		return "", fmt.Errorf("invalid key %q", key)
	}
	return filepath.Join(l.root, area, clean), nil
}

func (l *Local) Save(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	p, err := l.path("raw", key)
	if err != nil {
		return err
	}
	return writeFile(p, r)
}

func (l *Local) Fetch(_ context.Context, key string) ([]byte, error) {
	p, err := l.path("raw", key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", key, ErrNotExist)
		}
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

func (l *Local) Remove(_ context.Context, key string) error {
	p, err := l.path("raw", key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	return nil
}

func (l *Local) SaveProcessed(_ context.Context, key string, data []byte) error {
	p, err := l.path("processed", key)
	if err != nil {
		return err
	}
	return writeFile(p, strings.NewReader(string(data)))
}

func writeFile(p string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	f, err := os.Create(p)
	if err != nil {
		return fmt.Errorf("create %s: %w", p, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", p, err)
	}
	return f.Close()
}
