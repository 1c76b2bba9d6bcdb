// Package model contains the plain structs shared by the pipeline, the
// stores and the CLI.
package model

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Converter selects the text extraction strategy for a document.
type Converter string

const (
	// ConverterDocling is the layout-aware ML converter.
	ConverterDocling Converter = "docling"
	// ConverterMarkItDown is the lightweight universal converter.
	ConverterMarkItDown Converter = "markitdown"
	// ConverterMarker is the vision-augmented converter.
	ConverterMarker Converter = "marker"
)

// Converters lists the supported converter selections.
func Converters() []Converter {
	return []Converter{ConverterDocling, ConverterMarkItDown, ConverterMarker}
}

// ParseConverter validates a converter selection string.
func ParseConverter(v string) (Converter, error) {
	c := Converter(strings.ToLower(strings.TrimSpace(v)))
	for _, known := range Converters() {
		if c == known {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown converter %q", v)
}

// OtherTag is the catch-all classification used when nothing else matches.
const OtherTag = "Other"

// Document is the unit of work moving through the pipeline. Nullable columns
// are pointers so "not yet known" is distinguishable from zero values.
type Document struct {
	ID           int64     `json:"id"`
	Title        *string   `json:"title,omitempty"`
	Summary      *string   `json:"summary,omitempty"`
	Year         *int      `json:"year,omitempty"`
	Tags         []string  `json:"tags"`
	FileKey      string    `json:"fileKey"`
	FileName     string    `json:"fileName"`
	FileType     string    `json:"fileType"`
	Converter    Converter `json:"converter"`
	SummaryModel string    `json:"summaryModel"`
	Status       Status    `json:"status"`
	IsFailed     bool      `json:"isFailed"`
	NoOfChunks   int       `json:"noOfChunks"`
	TaskID       string    `json:"taskId,omitempty"`
	// Generation increases on every operator reset. Pipeline writes carry
	// the generation they started from and are refused once it moved on.
	Generation   int64     `json:"generation"`
	OwnerID      string    `json:"ownerId,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// BaseName is the file name without its extension. It doubles as the title
// of placeholder text when extraction fails.
func (d *Document) BaseName() string {
	name := filepath.Base(d.FileName)
	return strings.TrimSuffix(name, filepath.Ext(name))
}

// DisplayTitle falls back to the file name until a title has been generated.
func (d *Document) DisplayTitle() string {
	if d.Title != nil && *d.Title != "" {
		return *d.Title
	}
	return d.FileName
}

// FullText holds the complete extracted text of a document. ExtractionError
// is set when the text is a placeholder written after a converter failure.
type FullText struct {
	DocumentID      int64     `json:"documentId"`
	Text            string    `json:"text"`
	ExtractionError *string   `json:"extractionError,omitempty"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// IsPlaceholder reports whether the stored text stands in for a failed extraction.
func (f *FullText) IsPlaceholder() bool {
	return f.ExtractionError != nil
}

// StatusHistoryEntry records when a document last entered a status.
type StatusHistoryEntry struct {
	DocumentID int64     `json:"documentId"`
	Status     Status    `json:"status"`
	ReachedAt  time.Time `json:"reachedAt"`
}

// Tag is one entry of the classification vocabulary.
type Tag struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
}

// ChunkID is the deterministic vector store key for a chunk.
func ChunkID(documentID int64, index int) string {
	return fmt.Sprintf("doc_%d_chunk_%d", documentID, index)
}

// PlaceholderText is stored in place of the real text when conversion fails.
func PlaceholderText(title string) string {
	return fmt.Sprintf("# %s\n\nError extracting text from document. The file may be corrupted or unsupported.", title)
}
