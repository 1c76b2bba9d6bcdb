package model

import (
	"fmt"
	"strings"
)

// Status describes where a document is in the processing pipeline. The
// underlying string is what gets persisted; Order gives the sort key.
type Status string

const (
	StatusPending               Status = "pending"
	StatusProcessing            Status = "processing"
	StatusTextExtracting        Status = "text_extracting"
	StatusTextExtractionDone    Status = "text_extraction_done"
	StatusEmbeddingText         Status = "embedding_text"
	StatusTextEmbeddingDone     Status = "text_embedding_done"
	StatusGeneratingSummary     Status = "generating_summary"
	StatusSummaryGenerationDone Status = "summary_generation_done"
	StatusCompleted             Status = "completed"
)

// statusOrder is the canonical pipeline ordering. The index is the sort key.
var statusOrder = []Status{
	StatusPending,
	StatusProcessing,
	StatusTextExtracting,
	StatusTextExtractionDone,
	StatusEmbeddingText,
	StatusTextEmbeddingDone,
	StatusGeneratingSummary,
	StatusSummaryGenerationDone,
	StatusCompleted,
}

// AllStatuses returns every status in pipeline order.
func AllStatuses() []Status {
	out := make([]Status, len(statusOrder))
	copy(out, statusOrder)
	return out
}

// Order returns the position of s in the pipeline, or -1 for unknown values.
func (s Status) Order() int {
	for i, st := range statusOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	return s.Order() >= 0
}

// Before reports whether s comes strictly earlier in the pipeline than other.
func (s Status) Before(other Status) bool {
	return s.Order() < other.Order()
}

// Label is the human readable form used by the CLI.
func (s Status) Label() string {
	words := strings.Split(string(s), "_")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// ParseStatus accepts either the stored value ("text_extracting") or the
// upper-case constant style ("TEXT_EXTRACTING").
func ParseStatus(v string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown status %q", v)
	}
	return s, nil
}
