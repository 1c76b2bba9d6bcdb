// Package chunking splits extracted text into overlapping segments and joins
// stored segments back into a readable document.
package chunking

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/tmc/langchaingo/textsplitter"
)

var (
	// RetrievalSeparators are tried in order when splitting text for embedding.
	RetrievalSeparators = []string{"\n\n", "\n", " ", ""}
	// SummarySeparators additionally break on sentence ends before spaces.
	SummarySeparators = []string{"\n\n", "\n", ".", " ", ""}
)

// minOverlap keeps Combine from treating a shared letter or two as overlap.
const minOverlap = 4

// Splitter is a recursive, boundary-aware text splitter. It prefers the
// largest separator that keeps chunks under Size and copies a trailing window
// of up to Overlap characters into the next chunk.
type Splitter struct {
	Size    int
	Overlap int
	inner   textsplitter.RecursiveCharacter
}

// NewSplitter builds a Splitter. Lengths are measured in runes.
func NewSplitter(size, overlap int, separators []string) (*Splitter, error) {
	if size <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", size)
	}
	if overlap < 0 || overlap >= size {
		return nil, fmt.Errorf("chunk overlap %d must be in [0, %d)", overlap, size)
	}
	if len(separators) == 0 {
		separators = RetrievalSeparators
	}
	inner := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(size),
		textsplitter.WithChunkOverlap(overlap),
		textsplitter.WithSeparators(separators),
	)
	return &Splitter{Size: size, Overlap: overlap, inner: inner}, nil
}

// Split returns the non-empty chunks of text in document order.
func (s *Splitter) Split(text string) ([]string, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	parts, err := s.inner.SplitText(text)
	if err != nil {
		return nil, fmt.Errorf("split text: %w", err)
	}
	out := parts[:0]
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			out = append(out, p)
		}
	}
	return out, nil
}

// Combine joins consecutive chunks, dropping the longest suffix of each chunk
// (at most maxOverlap runes) that reappears at the start of the next one.
// Chunks that share no overlap are joined with a blank line.
//
// Splitting trims whitespace at chunk edges, so Combine reproduces the
// source text up to that whitespace: trailing spaces on a line that ended a
// chunk are lost and a boundary without overlap always reads as one blank
// line.
func Combine(chunks []string, maxOverlap int) string {
	if len(chunks) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(chunks[0])
	for i := 1; i < len(chunks); i++ {
		prev, next := chunks[i-1], chunks[i]
		n := overlapLen(prev, next, maxOverlap)
		if n == 0 {
			b.WriteString("\n\n")
			b.WriteString(next)
			continue
		}
		b.WriteString(next[n:])
	}
	return b.String()
}

// overlapLen returns the byte length of the longest suffix of prev that is a
// prefix of next, bounded by maxOverlap runes.
func overlapLen(prev, next string, maxOverlap int) int {
	limit := len(prev)
	if len(next) < limit {
		limit = len(next)
	}
	if maxOverlap > 0 && maxOverlap*utf8.UTFMax < limit {
		limit = maxOverlap * utf8.UTFMax
	}
	for k := limit; k >= minOverlap; k-- {
		start := len(prev) - k
		if !utf8.RuneStart(prev[start]) {
			continue
		}
		suffix := prev[start:]
		if maxOverlap > 0 && utf8.RuneCountInString(suffix) > maxOverlap {
			continue
		}
		if strings.HasPrefix(next, suffix) {
			return k
		}
	}
	return 0
}
