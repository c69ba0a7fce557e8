package app

import (
	"context"

	"vaultdump/internal/export"

	"go.uber.org/zap"
)

// PageFeeder dispatches planned pages to the worker pool. A page is only sent
// once the reorder window has room for it.
type PageFeeder struct {
	window *export.Window
	logger *zap.Logger
}

// Enqueue sends pages in plan order. It never skips a page: after
// cancellation the workers answer the rest with interrupted outcomes, which
// keeps the aggregator's accounting complete.
func (f *PageFeeder) Enqueue(ctx context.Context, pages []export.PageDescriptor, out chan<- export.PageDescriptor) {
	cancelled := false
	for i, page := range pages {
		if !cancelled && ctx.Err() != nil {
			cancelled = true
			f.logger.Info("Export cancelled, remaining pages will be marked interrupted",
				zap.Int("remaining", len(pages)-i))
		}
		f.window.Acquire()
		out <- page
	}
}
