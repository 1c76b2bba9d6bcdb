package pipeline

import (
	"context"
	"errors"

	"github.com/dharsanguruparan/inteldocs/internal/convert"
	"github.com/dharsanguruparan/inteldocs/internal/ledger"
	"github.com/dharsanguruparan/inteldocs/internal/storage"
	"github.com/dharsanguruparan/inteldocs/internal/summarize"
)

var (
	// ErrSourceMissing means the stored upload is gone.
	ErrSourceMissing = errors.New("source file missing")
	// ErrEmptyExtraction is returned by a converter that produced no text.
	ErrEmptyExtraction = errors.New("converter returned no text")
	// ErrNoChunks means nothing was written to the vector store.
	ErrNoChunks = errors.New("document has no embedded chunks")
)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

var permanentCauses = []error{
	ErrSourceMissing,
	ErrNoChunks,
	convert.ErrUnknownConverter,
	storage.ErrNotFound,
	storage.ErrStaleRun,
	ledger.ErrBackwardTransition,
	summarize.ErrInvalidYear,
	summarize.ErrSummaryTooLarge,
	summarize.ErrCollapseDiverged,
	summarize.ErrEmptyDocument,
}

// IsPermanent reports whether err should go straight to the failed state
// instead of being retried. Cancellation is never permanent unless a reset
// already superseded the run.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, storage.ErrStaleRun) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var p *permanentError
	if errors.As(err, &p) {
		return true
	}
	for _, cause := range permanentCauses {
		if errors.Is(err, cause) {
			return true
		}
	}
	return false
}
