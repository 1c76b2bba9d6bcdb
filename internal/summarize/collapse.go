package summarize

import (
	"context"
	"fmt"
)

func (s *Summarizer) totalTokens(items []string) int {
	total := 0
	for _, it := range items {
		total += s.cfg.CountTokens(it)
	}
	return total
}

// collapse reduces batches of summaries until their combined size fits the
// token budget.
func (s *Summarizer) collapse(ctx context.Context, items []string, modelName string) ([]string, error) {
	for round := 0; ; round++ {
		total := s.totalTokens(items)
		if total <= s.cfg.TokenMax {
			return items, nil
		}
		if round >= s.cfg.MaxCollapseRounds {
			return nil, fmt.Errorf("%w: %d tokens after %d rounds", ErrCollapseDiverged, total, round)
		}
		batches, err := packBatches(items, s.cfg.TokenMax, s.cfg.CountTokens)
		if err != nil {
			return nil, err
		}
		s.log.Debug("collapsing summaries", "round", round+1, "tokens", total, "items", len(items), "batches", len(batches))

		next := make([]string, len(batches))
		err = s.fanOut(ctx, len(batches), func(ctx context.Context, i int) error {
			merged, err := s.reduce(ctx, batches[i], modelName)
			if err != nil {
				return fmt.Errorf("collapse batch %d: %w", i, err)
			}
			next[i] = merged.markdown()
			return nil
		})
		if err != nil {
			return nil, err
		}
		items = next
	}
}

// packBatches groups items greedily: a batch grows until the next item
// would push it past max. An item larger than max on its own is an error.
func packBatches(items []string, max int, count TokenCounter) ([][]string, error) {
	var (
		batches [][]string
		current []string
		size    int
	)
	for i, it := range items {
		n := count(it)
		if n > max {
			return nil, fmt.Errorf("%w: item %d has %d tokens, budget is %d", ErrSummaryTooLarge, i, n, max)
		}
		if len(current) > 0 && size+n > max {
			batches = append(batches, current)
			current, size = nil, 0
		}
		current = append(current, it)
		size += n
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches, nil
}
