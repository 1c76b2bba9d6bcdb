package summarize

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/dharsanguruparan/inteldocs/internal/llm"
	"github.com/dharsanguruparan/inteldocs/internal/model"
)

// postProcess extracts title, year and tags from the final summary with
// three independent calls.
func (s *Summarizer) postProcess(ctx context.Context, final synthesis, modelName string) (*Result, error) {
	summary := final.markdown()
	res := &Result{}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		title, err := s.extractTitle(gctx, summary, modelName)
		if err != nil {
			return err
		}
		if title == "" {
			title = s.titles.clean(final.Headline)
		}
		res.Title = title
		return nil
	})
	g.Go(func() error {
		year, err := s.extractYear(gctx, summary, modelName)
		if err != nil {
			return err
		}
		res.Year = year
		return nil
	})
	g.Go(func() error {
		tags, err := s.assignTags(gctx, summary, modelName)
		if err != nil {
			return err
		}
		res.Tags = tags
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Summarizer) extractTitle(ctx context.Context, summary, modelName string) (string, error) {
	var out struct {
		Title string `json:"title"`
	}
	req := llm.Request{Model: modelName, System: titleSystemPrompt(s.cfg.ExcludedTitlePhrases), Prompt: summaryPrompt(summary)}
	if err := llm.CompleteJSON(ctx, s.completer, req, titleSchema, &out); err != nil {
		return "", fmt.Errorf("extract title: %w", err)
	}
	return s.titles.clean(out.Title), nil
}

func (s *Summarizer) extractYear(ctx context.Context, summary, modelName string) (int, error) {
	var out struct {
		Year int `json:"year"`
	}
	req := llm.Request{Model: modelName, System: yearSystemPrompt, Prompt: summaryPrompt(summary)}
	if err := llm.CompleteJSON(ctx, s.completer, req, yearSchema, &out); err != nil {
		return 0, fmt.Errorf("extract year: %w", err)
	}
	if err := validateYear(out.Year); err != nil {
		return 0, err
	}
	return out.Year, nil
}

func validateYear(year int) error {
	if year < 1000 || year > 9999 {
		return fmt.Errorf("%w: %d", ErrInvalidYear, year)
	}
	return nil
}

func (s *Summarizer) assignTags(ctx context.Context, summary, modelName string) ([]string, error) {
	vocabulary, err := s.tags.ListTags(ctx)
	if err != nil {
		return nil, fmt.Errorf("load tag vocabulary: %w", err)
	}
	var out struct {
		Tags []string `json:"tags"`
	}
	req := llm.Request{Model: modelName, System: tagsSystemPrompt(vocabulary), Prompt: summaryPrompt(summary)}
	if err := llm.CompleteJSON(ctx, s.completer, req, tagsSchema, &out); err != nil {
		return nil, fmt.Errorf("assign tags: %w", err)
	}
	return filterTags(out.Tags, vocabulary), nil
}

// filterTags keeps the proposed tags that exist in the vocabulary, spelled
// as the vocabulary spells them. "Other" survives only on its own.
func filterTags(proposed []string, vocabulary []model.Tag) []string {
	canonical := make(map[string]string, len(vocabulary))
	for _, t := range vocabulary {
		canonical[strings.ToLower(strings.TrimSpace(t.Name))] = t.Name
	}

	seen := make(map[string]bool)
	var out []string
	for _, p := range proposed {
		name, ok := canonical[strings.ToLower(strings.TrimSpace(p))]
		if !ok || seen[name] || strings.EqualFold(name, model.OtherTag) {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	if len(out) == 0 {
		return []string{model.OtherTag}
	}
	sort.Strings(out)
	return out
}

// titleCleaner strips institutional names from generated titles.
type titleCleaner struct {
	phrases *regexp.Regexp
	office  *regexp.Regexp
}

const titleTrim = " \t-:,;|/\u2013\u2014"

func newTitleCleaner(phrases []string) *titleCleaner {
	c := &titleCleaner{
		office: regexp.MustCompile(`(?i)^\s*office of the [^:\-\x{2013}\x{2014},]+[:\-\x{2013}\x{2014},]\s*`),
	}
	if len(phrases) == 0 {
		return c
	}
	sorted := append([]string(nil), phrases...)
	sort.Slice(sorted, func(i, j int) bool { return len(sorted[i]) > len(sorted[j]) })
	quoted := make([]string, len(sorted))
	for i, p := range sorted {
		quoted[i] = regexp.QuoteMeta(p)
	}
	c.phrases = regexp.MustCompile(`(?i)\b(?:` + strings.Join(quoted, "|") + `)\b`)
	return c
}

func (c *titleCleaner) clean(title string) string {
	title = c.office.ReplaceAllString(title, "")
	if c.phrases != nil {
		title = c.phrases.ReplaceAllString(title, "")
	}
	title = strings.ReplaceAll(title, "()", " ")
	title = strings.Join(strings.Fields(title), " ")
	return strings.Trim(title, titleTrim)
}
