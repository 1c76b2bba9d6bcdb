package pipeline

import (
	"context"
	"fmt"

	"github.com/dharsanguruparan/inteldocs/internal/model"
	"github.com/dharsanguruparan/inteldocs/internal/vectorstore"
)

// embed replaces the document's vector entries with freshly embedded chunks
// of its full text. Chunks that cannot be embedded are skipped; the stage
// only fails when none were stored.
func (p *Pipeline) embed(ctx context.Context, doc *model.Document) error {
	if err := p.Ledger.Advance(ctx, doc, model.StatusEmbeddingText, false); err != nil {
		return err
	}

	text, err := p.loadText(ctx, doc)
	if err != nil {
		return err
	}
	chunks, err := p.splitter.Split(text)
	if err != nil {
		return err
	}

	if err := p.ensureCurrent(ctx, doc); err != nil {
		return err
	}
	removed, err := p.Index.Store().Delete(ctx, vectorstore.ForDocument(doc.ID))
	if err != nil {
		return fmt.Errorf("remove previous chunks: %w", err)
	}
	if removed > 0 {
		p.log.Debug("removed previous chunks", "document_id", doc.ID, "count", removed)
	}

	entries := make([]vectorstore.Entry, len(chunks))
	for i, c := range chunks {
		entries[i] = vectorstore.Entry{
			ID:         model.ChunkID(doc.ID, i),
			DocumentID: doc.ID,
			Index:      i,
			Content:    c,
			Year:       doc.Year,
			Tags:       doc.Tags,
		}
	}

	written, err := p.addEntries(ctx, doc, entries)
	if err != nil {
		return err
	}
	doc.NoOfChunks = written
	if err := p.Documents.UpdateDocument(ctx, doc); err != nil {
		return fmt.Errorf("save chunk count: %w", err)
	}
	if written == 0 {
		return Permanent(fmt.Errorf("%w: %d chunks attempted", ErrNoChunks, len(entries)))
	}
	p.log.Info("chunks embedded", "document_id", doc.ID, "chunks", written, "skipped", len(entries)-written)
	return p.Ledger.Advance(ctx, doc, model.StatusTextEmbeddingDone, false)
}

// addEntries stores all entries in one call and falls back to one call per
// entry when that fails, skipping entries that still fail.
func (p *Pipeline) addEntries(ctx context.Context, doc *model.Document, entries []vectorstore.Entry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	err := p.Index.AddDocuments(ctx, entries)
	if err == nil {
		return len(entries), nil
	}
	p.log.Warn("bulk embedding failed, retrying per chunk", "document_id", doc.ID, "error", err)

	written := 0
	for i := range entries {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		if err := p.Index.AddDocuments(ctx, entries[i:i+1]); err != nil {
			p.log.Warn("skipping chunk", "document_id", doc.ID, "chunk", entries[i].ID, "error", err)
			continue
		}
		written++
	}
	return written, nil
}
