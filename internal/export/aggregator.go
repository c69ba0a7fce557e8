package export

import (
	"fmt"

	"vaultdump/internal/vault"
)

// Sink receives released pages in index order.
type Sink interface {
	WritePage(rows, tokens []vault.Record) error
}

// FailureReporter records gaps in the output.
type FailureReporter interface {
	ReportPageFailure(o Outcome) error
	ReportTokenFailure(o Outcome) error
}

// PageLedger learns the final state of every page: either written to the
// output or left out of it, with the cause.
type PageLedger interface {
	PageWritten(o Outcome)
	PageMissing(o Outcome, cause error)
}

type nopLedger struct{}

func (nopLedger) PageWritten(Outcome)        {}
func (nopLedger) PageMissing(Outcome, error) {}

// Aggregator restores index order over out-of-order outcomes. Contiguous
// outcomes starting at the cursor are released as soon as they arrive; failed
// pages are reported once and skipped.
type Aggregator struct {
	session  *Session
	sink     Sink
	reporter FailureReporter
	ledger   PageLedger
	window   *Window
	abort    func(error)

	next    int
	pending map[int]Outcome
	fatal   error
}

// NewAggregator creates an aggregator whose cursor starts at page 0. ledger,
// window and abort may be nil; abort is called once with the first fatal error.
func NewAggregator(session *Session, sink Sink, reporter FailureReporter, ledger PageLedger, window *Window, abort func(error)) *Aggregator {
	if ledger == nil {
		ledger = nopLedger{}
	}
	return &Aggregator{
		session:  session,
		sink:     sink,
		reporter: reporter,
		ledger:   ledger,
		window:   window,
		abort:    abort,
		pending:  make(map[int]Outcome),
	}
}

// Consume reads outcomes until the channel is closed. After a fatal error it
// keeps draining so producers can finish, and returns that error.
func (a *Aggregator) Consume(outcomes <-chan Outcome) error {
	for o := range outcomes {
		if a.fatal != nil {
			a.discard(o)
			continue
		}
		// a failed Add has already aborted the run
		_ = a.Add(o)
	}

	if a.fatal == nil && len(a.pending) > 0 {
		err := fmt.Errorf("page %d never produced an outcome; %d later pages were not written", a.next, len(a.pending))
		for _, o := range a.pending {
			a.ledger.PageMissing(o, err)
		}
		return err
	}
	return a.fatal
}

// Add buffers one outcome and releases everything now contiguous. The first
// error it returns aborts the run; later outcomes are only drained.
func (a *Aggregator) Add(o Outcome) error {
	if a.fatal != nil {
		a.discard(o)
		return a.fatal
	}

	idx := o.Page.Index
	if _, dup := a.pending[idx]; dup || idx < a.next {
		err := fmt.Errorf("duplicate outcome for page %d", idx)
		a.fail(err)
		return err
	}

	if o.Err != nil && IsFatal(o.Err) {
		a.releaseSlot()
		a.ledger.PageMissing(o, o.Err)
		if err := a.reporter.ReportPageFailure(o); err != nil {
			a.fail(err)
			return err
		}
		a.fail(o.Err)
		return o.Err
	}

	a.pending[idx] = o
	if err := a.drain(); err != nil {
		a.fail(err)
		return err
	}
	return nil
}

// Next returns the lowest page index not yet released.
func (a *Aggregator) Next() int {
	return a.next
}

// Pending returns the number of buffered out-of-order outcomes.
func (a *Aggregator) Pending() int {
	return len(a.pending)
}

func (a *Aggregator) drain() error {
	for {
		o, ok := a.pending[a.next]
		if !ok {
			return nil
		}
		delete(a.pending, a.next)
		a.next++
		a.releaseSlot()

		if err := a.release(o); err != nil {
			return err
		}
	}
}

func (a *Aggregator) release(o Outcome) error {
	if o.Err != nil {
		a.session.recordFailure(o)
		a.ledger.PageMissing(o, o.Err)
		return a.reporter.ReportPageFailure(o)
	}

	if o.TokenErr != nil {
		if err := a.reporter.ReportTokenFailure(o); err != nil {
			a.ledger.PageMissing(o, err)
			return err
		}
	}
	if err := a.sink.WritePage(o.Rows, o.Tokens); err != nil {
		a.ledger.PageMissing(o, err)
		return err
	}
	a.session.recordSuccess(o)
	a.ledger.PageWritten(o)
	return nil
}

// fail stops releasing. The abort hook runs before the buffered outcomes are
// dropped, so Next and Pending still describe the point of failure.
func (a *Aggregator) fail(err error) {
	a.fatal = err
	if a.abort != nil {
		a.abort(err)
	}
	pending := a.pending
	a.pending = make(map[int]Outcome)
	for _, o := range pending {
		a.discard(o)
	}
}

// discard drops an outcome that will never be written.
func (a *Aggregator) discard(o Outcome) {
	a.releaseSlot()
	cause := o.Err
	if cause == nil {
		cause = fmt.Errorf("%w: run aborted: %v", ErrInterrupted, a.fatal)
	}
	a.ledger.PageMissing(o, cause)
}

func (a *Aggregator) releaseSlot() {
	if a.window != nil {
		a.window.Release()
	}
}
