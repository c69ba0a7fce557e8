package export

import (
	"time"

	"vaultdump/internal/vault"
)

// Session is the state of a single export run. It is created when a run starts
// and mutated only by the aggregator.
type Session struct {
	RunID          string
	VaultID        string
	Table          string
	Redaction      vault.Redaction
	MaxParallel    int
	PageSize       int
	DumpTokens     bool
	UniqueIDColumn string
	TotalRecords   int
	Columns        []string
	StartedAt      time.Time

	pagesSucceeded int
	rowsExported   int
	tokenFailures  int
	dataTime       time.Duration
	tokenTime      time.Duration
	failures       []PageFailure
}

// PageFailure is a page whose rows are missing from the output.
type PageFailure struct {
	Page     PageDescriptor
	Attempts int
	Err      error
}

// Summary is the final tally of a run.
type Summary struct {
	RunID          string
	TotalRecords   int
	PagesTotal     int
	PagesSucceeded int
	PagesFailed    int
	RowsExported   int
	RowsMissing    int
	TokenFailures  int
	Duration       time.Duration
	DataTime       time.Duration // summed across workers
	TokenTime      time.Duration // summed across workers
	Failures       []PageFailure
}

func (s *Session) recordSuccess(o Outcome) {
	s.pagesSucceeded++
	s.rowsExported += len(o.Rows)
	s.dataTime += o.Duration
	s.tokenTime += o.TokenDuration
	if o.TokenErr != nil {
		s.tokenFailures++
	}
}

func (s *Session) recordFailure(o Outcome) {
	s.failures = append(s.failures, PageFailure{Page: o.Page, Attempts: o.Attempts, Err: o.Err})
}

// Summary returns the counts accumulated so far.
func (s *Session) Summary() Summary {
	missing := 0
	for _, f := range s.failures {
		missing += f.Page.Limit
	}

	failures := make([]PageFailure, len(s.failures))
	copy(failures, s.failures)

	var pagesTotal int
	if s.PageSize > 0 {
		pagesTotal = (s.TotalRecords + s.PageSize - 1) / s.PageSize
	}

	var elapsed time.Duration
	if !s.StartedAt.IsZero() {
		elapsed = time.Since(s.StartedAt)
	}

	return Summary{
		RunID:          s.RunID,
		TotalRecords:   s.TotalRecords,
		PagesTotal:     pagesTotal,
		PagesSucceeded: s.pagesSucceeded,
		PagesFailed:    len(s.failures),
		RowsExported:   s.rowsExported,
		RowsMissing:    missing,
		TokenFailures:  s.tokenFailures,
		Duration:       elapsed,
		DataTime:       s.dataTime,
		TokenTime:      s.tokenTime,
		Failures:       failures,
	}
}
