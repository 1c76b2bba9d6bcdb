package pipeline

import "github.com/dharsanguruparan/inteldocs/internal/model"

// Stage is one resumable phase of document processing.
type Stage int

const (
	StageExtract Stage = iota
	StageEmbed
	StageSummarize
	StageFinalize
)

func (s Stage) String() string {
	switch s {
	case StageExtract:
		return "extract"
	case StageEmbed:
		return "embed"
	case StageSummarize:
		return "summarize"
	case StageFinalize:
		return "finalize"
	}
	return "unknown"
}

var (
	fromExtract   = []Stage{StageExtract, StageEmbed, StageSummarize, StageFinalize}
	fromEmbed     = []Stage{StageEmbed, StageSummarize, StageFinalize}
	fromSummarize = []Stage{StageSummarize, StageFinalize}
	fromFinalize  = []Stage{StageFinalize}
)

// StagesRemaining returns the stages still to run for a document at status,
// in execution order. A stage whose in-progress status was recorded is run
// again, since its output may be partial.
func StagesRemaining(status model.Status) []Stage {
	var stages []Stage
	switch status {
	case model.StatusPending, model.StatusProcessing, model.StatusTextExtracting:
		stages = fromExtract
	case model.StatusTextExtractionDone, model.StatusEmbeddingText:
		stages = fromEmbed
	case model.StatusTextEmbeddingDone, model.StatusGeneratingSummary:
		stages = fromSummarize
	case model.StatusSummaryGenerationDone:
		stages = fromFinalize
	default:
		return nil
	}
	return append([]Stage(nil), stages...)
}
