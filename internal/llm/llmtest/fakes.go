// Package llmtest provides deterministic stand-ins for the llm capabilities.
package llmtest

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"sync"

	"github.com/dharsanguruparan/inteldocs/internal/llm"
)

// Dimensions of vectors produced by Embedder.
const Dimensions = 64

// Completer returns whatever CompleteFunc returns and records every request.
type Completer struct {
	CompleteFunc func(ctx context.Context, req llm.Request) (string, error)

	mu       sync.Mutex
	requests []llm.Request
}

func (c *Completer) Complete(ctx context.Context, req llm.Request) (string, error) {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	c.mu.Unlock()
	if c.CompleteFunc == nil {
		return "{}", nil
	}
	return c.CompleteFunc(ctx, req)
}

// Requests returns a copy of the recorded requests.
func (c *Completer) Requests() []llm.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]llm.Request(nil), c.requests...)
}

// CallCount returns how many completions were requested.
func (c *Completer) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

// Embedder produces hash-derived unit vectors. The Func fields override the
// defaults.
type Embedder struct {
	EmbedTextFunc  func(ctx context.Context, text string) ([]float32, error)
	EmbedTextsFunc func(ctx context.Context, texts []string) ([][]float32, error)

	mu    sync.Mutex
	calls int
}

func (e *Embedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	e.count()
	if e.EmbedTextFunc != nil {
		return e.EmbedTextFunc(ctx, text)
	}
	return Vector(text), nil
}

func (e *Embedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	e.count()
	if e.EmbedTextsFunc != nil {
		return e.EmbedTextsFunc(ctx, texts)
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = Vector(t)
	}
	return out, nil
}

func (e *Embedder) CallCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func (e *Embedder) count() {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
}

// Vector builds a normalized bag-of-words vector, so texts sharing words
// score higher against each other.
func Vector(text string) []float32 {
	vec := make([]float32, Dimensions)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(w))
		vec[h.Sum32()%Dimensions]++
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v * v)
	}
	if norm == 0 {
		vec[0] = 1
		return vec
	}
	n := float32(math.Sqrt(norm))
	for i := range vec {
		vec[i] /= n
	}
	return vec
}

// WordCount is an offline token counter for tests.
func WordCount(text string) int {
	return len(strings.Fields(text))
}
