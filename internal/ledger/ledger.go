// Package ledger records a document's current pipeline status together with
// the per-status history of when each stage was reached.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dharsanguruparan/inteldocs/internal/logger"
	"github.com/dharsanguruparan/inteldocs/internal/model"
	"github.com/dharsanguruparan/inteldocs/internal/storage"
)

// ErrBackwardTransition is returned when a successful advance would move a
// document to an earlier status. Operators use Reset for that.
var ErrBackwardTransition = errors.New("backward status transition")

// Ledger writes status transitions through a DocumentStore.
type Ledger struct {
	store storage.DocumentStore
	log   *logger.Logger
	now   func() time.Time
}

// New builds a Ledger.
func New(store storage.DocumentStore, log *logger.Logger) *Ledger {
	return &Ledger{store: store, log: log.With("component", "ledger"), now: func() time.Time { return time.Now().UTC() }}
}

// Advance moves doc to status and refreshes the history row for it. A
// failure mark may point at an earlier status (for instance a missing source
// file sends the document back to pending); a successful advance may not.
// Re-entering the current status only refreshes its timestamp.
func (l *Ledger) Advance(ctx context.Context, doc *model.Document, status model.Status, failed bool) error {
	if !status.Valid() {
		return fmt.Errorf("advance document %d: unknown status %q", doc.ID, status)
	}
	if !failed && status.Before(doc.Status) {
		return fmt.Errorf("advance document %d from %s to %s: %w", doc.ID, doc.Status, status, ErrBackwardTransition)
	}
	return l.record(ctx, doc, status, failed)
}

// Fail marks doc failed at its current status.
func (l *Ledger) Fail(ctx context.Context, doc *model.Document) error {
	return l.record(ctx, doc, doc.Status, true)
}

// Reset is the explicit operator path for moving a document back so later
// stages replay. The failure flag is cleared and the generation moves on, so
// a run that started before the reset can no longer write.
func (l *Ledger) Reset(ctx context.Context, doc *model.Document, status model.Status) error {
	if !status.Valid() {
		return fmt.Errorf("reset document %d: unknown status %q", doc.ID, status)
	}
	at := l.now()
	generation, err := l.store.ResetStatus(ctx, doc.ID, status, at)
	if err != nil {
		return fmt.Errorf("reset document %d to %s: %w", doc.ID, status, err)
	}
	l.log.Info("reset document status", "document_id", doc.ID, "from", doc.Status, "to", status, "generation", generation)
	doc.Status = status
	doc.IsFailed = false
	doc.Generation = generation
	doc.UpdatedAt = at
	return nil
}

// History returns the document's status history, most recent first.
func (l *Ledger) History(ctx context.Context, documentID int64) ([]model.StatusHistoryEntry, error) {
	entries, err := l.store.StatusHistory(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("status history for document %d: %w", documentID, err)
	}
	return entries, nil
}

func (l *Ledger) record(ctx context.Context, doc *model.Document, status model.Status, failed bool) error {
	at := l.now()
	if err := l.store.RecordStatus(ctx, doc.ID, doc.Generation, status, failed, at); err != nil {
		return fmt.Errorf("record status %s for document %d: %w", status, doc.ID, err)
	}
	doc.Status = status
	doc.IsFailed = failed
	doc.UpdatedAt = at
	l.log.Debug("status recorded", "document_id", doc.ID, "status", status, "failed", failed)
	return nil
}
