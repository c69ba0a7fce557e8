// Package worker runs page fetches on a fixed number of goroutines.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"vaultdump/internal/config"
	"vaultdump/internal/export"
	"vaultdump/internal/metrics"

	"go.uber.org/zap"
)

// Fetcher produces exactly one outcome for a page.
type Fetcher interface {
	Fetch(ctx context.Context, page export.PageDescriptor) export.Outcome
}

// Pool manages a pool of workers
type Pool struct {
	size    int
	fetcher Fetcher
	metrics *metrics.Collector
	logger  *zap.Logger
}

// NewPool creates a new worker pool. size must be within the vault's
// concurrency limit.
func NewPool(
	size int,
	fetcher Fetcher,
	metricsCollector *metrics.Collector,
	logger *zap.Logger,
) (*Pool, error) {
	if size < config.MinParallel || size > config.MaxParallel {
		return nil, &config.ConfigurationError{
			Field:  "max-parallel",
			Reason: fmt.Sprintf("must be between %d and %d, got %d", config.MinParallel, config.MaxParallel, size),
		}
	}
	return &Pool{
		size:    size,
		fetcher: fetcher,
		metrics: metricsCollector,
		logger:  logger,
	}, nil
}

// Size returns the number of workers
func (p *Pool) Size() int {
	return p.size
}

// Start starts the workers. They consume pages until the channel is closed and
// send one outcome per page. Once ctx is done, remaining pages are answered
// with interrupted outcomes instead of being fetched.
func (p *Pool) Start(ctx context.Context, pages <-chan export.PageDescriptor, outcomes chan<- export.Outcome, wg *sync.WaitGroup) {
	for i := 0; i < p.size; i++ {
		wg.Add(1)
		go p.worker(ctx, i, pages, outcomes, wg)
	}
}

func (p *Pool) worker(ctx context.Context, id int, pages <-chan export.PageDescriptor, outcomes chan<- export.Outcome, wg *sync.WaitGroup) {
	defer wg.Done()

	logger := p.logger.With(zap.Int("worker_id", id))
	logger.Debug("Worker started")

	for page := range pages {
		var outcome export.Outcome
		if ctx.Err() != nil {
			outcome = export.Interrupted(page)
		} else {
			p.metrics.WorkerStarted()
			outcome = p.fetcher.Fetch(ctx, page)
			p.metrics.WorkerDone()
		}

		p.observe(logger, outcome)
		outcomes <- outcome
	}

	logger.Debug("Worker finished - no more pages")
}

// observe feeds metrics and logs. Pages are recorded in the ledger only once
// the aggregator has released them.
func (p *Pool) observe(logger *zap.Logger, o export.Outcome) {
	switch {
	case o.OK():
		p.metrics.IncSuccess(len(o.Rows))
		p.metrics.ObserveDuration(o.Duration + o.TokenDuration)
		if o.TokenErr != nil {
			p.metrics.IncTokenFailure()
			logger.Warn("Tokens unavailable for page",
				zap.Int("page", o.Page.Index),
				zap.Error(o.TokenErr))
		}
		logger.Debug("Page fetched",
			zap.Int("page", o.Page.Index),
			zap.Int("rows", len(o.Rows)),
			zap.Int("attempts", o.Attempts),
			zap.Duration("duration", o.Duration))

	case errors.Is(o.Err, export.ErrInterrupted):
		p.metrics.IncInterrupted()

	default:
		p.metrics.IncFailed()
		logger.Warn("Page failed",
			zap.Int("page", o.Page.Index),
			zap.Int("offset", o.Page.Offset),
			zap.Int("attempts", o.Attempts),
			zap.Error(o.Err))
	}
}
