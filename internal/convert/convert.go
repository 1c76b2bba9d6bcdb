// Package convert turns stored source files into markdown text. Each
// converter trades quality against cost differently; documents pick one by
// name.
package convert

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"path/filepath"
	"strings"

	"github.com/dharsanguruparan/inteldocs/internal/model"
)

var (
	// ErrUnknownConverter is an input error: the document names a converter
	// that is not registered.
	ErrUnknownConverter = errors.New("unknown converter")
	// ErrUnsupportedType is returned for file types a converter cannot read.
	ErrUnsupportedType = errors.New("unsupported file type")
)

// Source is a file handed to a converter.
type Source struct {
	Name     string
	MimeType string
	Data     []byte
}

// DetectMimeType prefers the stored type and falls back to the extension.
func (s Source) DetectMimeType() string {
	if s.MimeType != "" {
		return s.MimeType
	}
	if t := mime.TypeByExtension(strings.ToLower(filepath.Ext(s.Name))); t != "" {
		return t
	}
	return "application/octet-stream"
}

// IsPlainText reports whether the source can be passed through unchanged.
func (s Source) IsPlainText() bool {
	mt := s.DetectMimeType()
	if strings.HasPrefix(mt, "text/") {
		return true
	}
	switch strings.ToLower(filepath.Ext(s.Name)) {
	case ".md", ".markdown", ".txt":
		return true
	}
	return false
}

// Converter extracts text from a source file.
type Converter interface {
	Convert(ctx context.Context, src Source) (string, error)
}

// ConverterFunc adapts a function to Converter.
type ConverterFunc func(ctx context.Context, src Source) (string, error)

func (f ConverterFunc) Convert(ctx context.Context, src Source) (string, error) {
	return f(ctx, src)
}

// Registry maps converter selections to implementations.
type Registry struct {
	converters map[model.Converter]Converter
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{converters: make(map[model.Converter]Converter)}
}

// Register adds or replaces the converter for name.
func (r *Registry) Register(name model.Converter, c Converter) {
	r.converters[name] = c
}

// Get returns the converter registered for name.
func (r *Registry) Get(name model.Converter) (Converter, error) {
	c, ok := r.converters[name]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownConverter, name)
	}
	return c, nil
}

// Names lists registered converters.
func (r *Registry) Names() []model.Converter {
	out := make([]model.Converter, 0, len(r.converters))
	for _, name := range model.Converters() {
		if _, ok := r.converters[name]; ok {
			out = append(out, name)
		}
	}
	return out
}
