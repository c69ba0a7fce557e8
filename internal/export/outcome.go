package export

import (
	"errors"
	"fmt"
	"time"

	"vaultdump/internal/vault"
)

var (
	// ErrRetryExhausted is wrapped when every attempt failed transiently.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrInterrupted marks pages skipped or abandoned during shutdown.
	ErrInterrupted = errors.New("export interrupted")
)

// Operation names the remote call behind a failure.
type Operation string

const (
	OpFetch    Operation = "fetch"
	OpTokenize Operation = "tokenize"
	OpCount    Operation = "count"
)

// FetchError is a permanent failure for one page.
type FetchError struct {
	Op       Operation
	Page     PageDescriptor
	Attempts int
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%s page %d (offset %d, limit %d) failed after %d attempt(s): %v",
		e.Op, e.Page.Index, e.Page.Offset, e.Page.Limit, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Outcome is the result of one page. Err == nil means success; Rows then holds
// the page in source order and, with token dumping, Tokens is aligned to Rows.
type Outcome struct {
	Page     PageDescriptor
	Rows     []vault.Record
	Tokens   []vault.Record
	TokenErr error
	Err      error
	Attempts int

	// Duration covers the data fetch, TokenDuration the tokenize call.
	Duration      time.Duration
	TokenDuration time.Duration
}

// OK reports whether the page data was fetched.
func (o Outcome) OK() bool {
	return o.Err == nil
}

// Interrupted is the outcome of a page that was never dispatched.
func Interrupted(page PageDescriptor) Outcome {
	return Outcome{
		Page: page,
		Err:  &FetchError{Op: OpFetch, Page: page, Err: ErrInterrupted},
	}
}

// IsFatal reports whether a page failure must abort the whole run.
func IsFatal(err error) bool {
	return errors.Is(err, vault.ErrAuthentication)
}
