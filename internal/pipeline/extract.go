package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dharsanguruparan/inteldocs/internal/config"
	"github.com/dharsanguruparan/inteldocs/internal/convert"
	"github.com/dharsanguruparan/inteldocs/internal/filestore"
	"github.com/dharsanguruparan/inteldocs/internal/model"
)

// extract converts the stored upload to text and saves it as the document's
// full text. Input problems (missing file, unknown converter) send the
// document back to pending, failed.
func (p *Pipeline) extract(ctx context.Context, doc *model.Document) error {
	if err := p.Ledger.Advance(ctx, doc, model.StatusTextExtracting, false); err != nil {
		return err
	}

	data, err := p.Files.Fetch(ctx, doc.FileKey)
	if err != nil {
		if errors.Is(err, filestore.ErrNotExist) {
			return p.rejectInput(ctx, doc, fmt.Errorf("%w: %s", ErrSourceMissing, doc.FileKey))
		}
		return fmt.Errorf("fetch source: %w", err)
	}

	name := doc.Converter
	if name == "" {
		name = p.cfg.DefaultConverter
	}
	converter, err := p.Converters.Get(name)
	if err != nil {
		return p.rejectInput(ctx, doc, err)
	}

	text, convErr := converter.Convert(ctx, convert.Source{Name: doc.FileName, MimeType: doc.FileType, Data: data})
	if convErr == nil && strings.TrimSpace(text) == "" {
		convErr = ErrEmptyExtraction
	}
	full := &model.FullText{DocumentID: doc.ID, Text: text}
	if convErr != nil {
		if ctx.Err() != nil || p.cfg.ExtractionPolicy == config.PolicyStrict {
			return fmt.Errorf("convert with %s: %w", name, convErr)
		}
		p.log.Warn("conversion failed, storing placeholder text", "document_id", doc.ID, "converter", name, "error", convErr)
		msg := convErr.Error()
		full.Text = model.PlaceholderText(doc.BaseName())
		full.ExtractionError = &msg
	}

	if err := p.Documents.SaveFullText(ctx, full, doc.Generation); err != nil {
		return fmt.Errorf("save full text: %w", err)
	}
	if p.cfg.ArchiveProcessedText {
		key := fmt.Sprintf("%d.md", doc.ID)
		if err := p.Files.SaveProcessed(ctx, key, []byte(full.Text)); err != nil {
			p.log.Warn("archiving processed text failed", "document_id", doc.ID, "key", key, "error", err)
		}
	}
	p.log.Info("text extracted", "document_id", doc.ID, "converter", name, "chars", len(full.Text), "placeholder", full.IsPlaceholder())
	return p.Ledger.Advance(ctx, doc, model.StatusTextExtractionDone, false)
}

// rejectInput marks the document pending and failed and returns cause as a
// permanent error.
func (p *Pipeline) rejectInput(ctx context.Context, doc *model.Document, cause error) error {
	if err := p.Ledger.Advance(ctx, doc, model.StatusPending, true); err != nil {
		p.log.Error("could not mark document pending", "document_id", doc.ID, "error", err)
	}
	return Permanent(cause)
}
