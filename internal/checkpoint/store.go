// Package checkpoint keeps a ledger of export runs and the outcome of every
// page, so failed pages can be listed after the run has finished.
package checkpoint

import (
	"errors"
	"time"
)

// ErrClosed is returned by a store after Close.
var ErrClosed = errors.New("ledger store is closed")

// RunStatus represents the state of an export run
type RunStatus string

const (
	RunRunning     RunStatus = "running"
	RunCompleted   RunStatus = "completed"
	RunFailed      RunStatus = "failed"
	RunInterrupted RunStatus = "interrupted"
)

// PageStatus represents the outcome of one page
type PageStatus string

const (
	StatusCompleted   PageStatus = "completed"
	StatusFailed      PageStatus = "failed"
	StatusInterrupted PageStatus = "interrupted"
)

// RunRecord represents one export run in the ledger
type RunRecord struct {
	ID           string    `json:"id"`
	VaultID      string    `json:"vault_id"`
	Table        string    `json:"table"`
	Redaction    string    `json:"redaction"`
	TotalRecords int       `json:"total_records"`
	Status       RunStatus `json:"status"`
	RowsExported int       `json:"rows_exported"`
	PagesFailed  int       `json:"pages_failed"`
	LastError    string    `json:"last_error,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at,omitempty"`
}

// PageRecord represents a page outcome in the ledger
type PageRecord struct {
	RunID     string     `json:"run_id"`
	Index     int        `json:"index"`
	Offset    int        `json:"offset"`
	Limit     int        `json:"limit"`
	Status    PageStatus `json:"status"`
	Attempts  int        `json:"attempts"`
	Rows      int        `json:"rows"`
	LastError string     `json:"last_error,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Store defines the interface for ledger persistence. Implementations must be
// safe for concurrent use.
type Store interface {
	// Run operations
	StartRun(run *RunRecord) error
	FinishRun(run *RunRecord) error
	GetRun(id string) (*RunRecord, error)
	LatestRun() (*RunRecord, error)

	// Page operations
	SavePage(record *PageRecord) error
	ListFailedPages(runID string) ([]*PageRecord, error)

	// Cleanup
	Close() error
}

// Nop is a Store that records nothing. It is used when the ledger is disabled.
type Nop struct{}

func (Nop) StartRun(*RunRecord) error                     { return nil }
func (Nop) FinishRun(*RunRecord) error                    { return nil }
func (Nop) GetRun(string) (*RunRecord, error)             { return nil, nil }
func (Nop) LatestRun() (*RunRecord, error)                { return nil, nil }
func (Nop) SavePage(*PageRecord) error                    { return nil }
func (Nop) ListFailedPages(string) ([]*PageRecord, error) { return nil, nil }
func (Nop) Close() error                                  { return nil }
