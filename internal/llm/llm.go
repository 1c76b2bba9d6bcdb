// Package llm defines the text-completion and embedding capabilities the
// pipeline consumes, plus a langchaingo-backed implementation.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Embedder turns text into vectors.
type Embedder interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}

// Request is a single completion call. Model selects the model per call; an
// empty Model uses the provider default.
type Request struct {
	Model       string
	System      string
	Prompt      string
	JSON        bool
	Temperature float64
}

// Completer produces text for a prompt.
type Completer interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// ErrMalformedOutput is returned when structured output never matched the
// requested schema.
var ErrMalformedOutput = errors.New("malformed structured output")

const structuredAttempts = 3

// CompleteJSON asks for output matching schema and decodes it into out.
// Unknown fields are rejected. Decoding failures are retried; transport
// errors are returned immediately.
func CompleteJSON(ctx context.Context, c Completer, req Request, schema string, out any) error {
	req.JSON = true
	req.System = strings.TrimSpace(req.System + "\n\nRespond with a single JSON object that validates against this JSON schema and nothing else:\n" + schema)

	var lastErr error
	for attempt := 0; attempt < structuredAttempts; attempt++ {
		raw, err := c.Complete(ctx, req)
		if err != nil {
			return fmt.Errorf("complete: %w", err)
		}
		if err := decodeStrict(stripFences(raw), out); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrMalformedOutput, structuredAttempts, lastErr)
}

func decodeStrict(raw string, out any) error {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("trailing data after JSON object")
	}
	return nil
}

// stripFences removes a surrounding markdown code fence some models add even
// in JSON mode.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
