package pipeline

import (
	"context"
	"fmt"

	"github.com/dharsanguruparan/inteldocs/internal/model"
)

// generateSummary writes title, summary, year and tags in a single update.
// Nothing is saved unless the whole summarization succeeded.
func (p *Pipeline) generateSummary(ctx context.Context, doc *model.Document) error {
	if err := p.Ledger.Advance(ctx, doc, model.StatusGeneratingSummary, false); err != nil {
		return err
	}
	text, err := p.loadText(ctx, doc)
	if err != nil {
		return err
	}
	modelName := doc.SummaryModel
	if modelName == "" {
		modelName = p.cfg.DefaultSummaryModel
	}

	res, err := p.Summarizer.Run(ctx, text, modelName)
	if err != nil {
		return fmt.Errorf("summarize: %w", err)
	}

	updated := *doc
	updated.Title = &res.Title
	updated.Summary = &res.Summary
	updated.Year = &res.Year
	updated.Tags = append([]string(nil), res.Tags...)
	if err := p.Documents.UpdateDocument(ctx, &updated); err != nil {
		return fmt.Errorf("save summary: %w", err)
	}
	*doc = updated

	if err := p.Ledger.Advance(ctx, doc, model.StatusSummaryGenerationDone, false); err != nil {
		return err
	}
	if err := p.Index.Store().SetMetadata(ctx, doc.ID, doc.Year, doc.Tags); err != nil {
		p.log.Warn("updating chunk metadata failed", "document_id", doc.ID, "error", err)
	}
	return nil
}
