package storage

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dharsanguruparan/inteldocs/internal/model"
)

//go:embed tags.yaml
var defaultTags []byte

// DefaultTags returns the built-in classification vocabulary.
func DefaultTags() ([]model.Tag, error) {
	return parseTags(defaultTags)
}

// LoadTags reads a vocabulary file. An empty path yields the defaults.
func LoadTags(path string) ([]model.Tag, error) {
	if path == "" {
		return DefaultTags()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tags file: %w", err)
	}
	return parseTags(data)
}

func parseTags(data []byte) ([]model.Tag, error) {
	var tags []model.Tag
	if err := yaml.Unmarshal(data, &tags); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	seen := make(map[string]bool, len(tags))
	out := tags[:0]
	for _, t := range tags {
		t.Name = strings.TrimSpace(t.Name)
		if t.Name == "" || seen[t.Name] {
			continue
		}
		seen[t.Name] = true
		out = append(out, t)
	}
	return out, nil
}
