package app

import (
	"errors"
	"fmt"

	"vaultdump/internal/checkpoint"
)

// ErrNoRuns is returned when the ledger holds no run to report on.
var ErrNoRuns = errors.New("ledger has no runs")

// FailureReport lists the pages of a run that are missing from its output
type FailureReport struct {
	Run   *checkpoint.RunRecord
	Pages []*checkpoint.PageRecord
}

// RowsMissing sums the limits of the failed pages
func (r *FailureReport) RowsMissing() int {
	n := 0
	for _, p := range r.Pages {
		n += p.Limit
	}
	return n
}

// LoadFailures reads the failed pages of runID, or of the latest run when
// runID is empty.
func LoadFailures(store checkpoint.Store, runID string) (*FailureReport, error) {
	var (
		run *checkpoint.RunRecord
		err error
	)
	if runID == "" {
		run, err = store.LatestRun()
	} else {
		run, err = store.GetRun(runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read run: %w", err)
	}
	if run == nil {
		if runID == "" {
			return nil, ErrNoRuns
		}
		return nil, fmt.Errorf("run %s not found", runID)
	}

	pages, err := store.ListFailedPages(run.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pages of run %s: %w", run.ID, err)
	}

	return &FailureReport{Run: run, Pages: pages}, nil
}
