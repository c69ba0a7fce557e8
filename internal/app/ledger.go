package app

import (
	"errors"
	"fmt"

	"vaultdump/internal/checkpoint"
	"vaultdump/internal/export"

	"go.uber.org/zap"
)

// pageLedger records the final state of each page in the run ledger. It is
// driven by the aggregator, so a page is only marked completed once its rows
// are in the output file.
type pageLedger struct {
	store  checkpoint.Store
	runID  string
	logger *zap.Logger
}

func (l *pageLedger) PageWritten(o export.Outcome) {
	l.save(o, checkpoint.StatusCompleted, len(o.Rows), "")
}

func (l *pageLedger) PageMissing(o export.Outcome, cause error) {
	status := checkpoint.StatusFailed
	if errors.Is(cause, export.ErrInterrupted) {
		status = checkpoint.StatusInterrupted
	}
	l.save(o, status, 0, cause.Error())
}

// abandon records pages that were planned but never dispatched.
func (l *pageLedger) abandon(pages []export.PageDescriptor, cause error) {
	cause = fmt.Errorf("%w: run aborted: %v", export.ErrInterrupted, cause)
	for _, p := range pages {
		l.PageMissing(export.Interrupted(p), cause)
	}
}

func (l *pageLedger) save(o export.Outcome, status checkpoint.PageStatus, rows int, lastErr string) {
	record := &checkpoint.PageRecord{
		RunID:     l.runID,
		Index:     o.Page.Index,
		Offset:    o.Page.Offset,
		Limit:     o.Page.Limit,
		Status:    status,
		Attempts:  o.Attempts,
		Rows:      rows,
		LastError: lastErr,
	}

	if err := l.store.SavePage(record); err != nil {
		if errors.Is(err, checkpoint.ErrClosed) {
			l.logger.Warn("Cannot record page - ledger is closed", zap.Int("page", o.Page.Index))
			return
		}
		l.logger.Error("Failed to record page", zap.Int("page", o.Page.Index), zap.Error(err))
	}
}
